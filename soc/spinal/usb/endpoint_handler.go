package usb

import (
	"log"
	"sync"
)

// GadgetEndpoint drives one configured endpoint's EndpointFunction against
// a live Device, translating the function's synchronous buf-in/buf-out
// style into the asynchronous Queue/completion-callback model the core
// transfer engine implements (§4.3).
type GadgetEndpoint struct {
	dev  *Device
	desc *EndpointDescriptor

	n   int
	dir int

	done chan struct{}
}

// rx blocks until one OUT transfer completes, returning its payload.
func (ep *GadgetEndpoint) rx(buf []byte) ([]byte, error) {
	type result struct {
		req *Request
	}

	done := make(chan result, 1)

	req := &Request{
		Buf: buf,
		Completion: func(r *Request) {
			done <- result{req: r}
		},
	}

	if err := ep.dev.Queue(ep.n, req); err != nil {
		return nil, err
	}

	r := <-done

	if r.req.Status != nil {
		return nil, r.req.Status
	}

	return r.req.Buf[:r.req.Actual], nil
}

// tx blocks until one IN transfer completes.
func (ep *GadgetEndpoint) tx(buf []byte, zero bool) error {
	done := make(chan error, 1)

	req := &Request{
		Buf:  buf,
		Zero: zero,
		Completion: func(r *Request) {
			done <- r.Status
		},
	}

	if err := ep.dev.Queue(ep.n, req); err != nil {
		return err
	}

	return <-done
}

// Start runs the endpoint's EndpointFunction in a loop until Stop is
// called, mirroring the reference driver's per-endpoint goroutine pattern.
// Errors from a transfer or from the function are logged and the loop
// continues.
func (ep *GadgetEndpoint) Start(wg *sync.WaitGroup) {
	defer wg.Done()

	if ep.desc.Function == nil {
		return
	}

	var err error
	var buf []byte
	var res []byte

	scratch := make([]byte, ep.desc.MaxPacketSize)

	for {
		select {
		case <-ep.done:
			return
		default:
		}

		if ep.dir == OUT {
			buf, err = ep.rx(scratch)

			if err == nil && len(buf) != 0 {
				res, err = ep.desc.Function(buf, err)
			}
		} else {
			res, err = ep.desc.Function(nil, err)

			if err == nil && len(res) != 0 {
				err = ep.tx(res, ep.desc.Zero)
			}
		}

		if err != nil {
			log.Printf("usb: EP%d.%d transfer error, %v", ep.n, ep.dir, err)
		}
	}
}

// Stop signals Start to return once its current transfer completes.
func (ep *GadgetEndpoint) Stop() {
	close(ep.done)
}

// StartEndpoints wires and starts a goroutine per endpoint of the given
// configuration value, enabling each one on dev first.
func StartEndpoints(dev *Device, g *Gadget, configurationValue uint8, wg *sync.WaitGroup) []*GadgetEndpoint {
	var started []*GadgetEndpoint

	if configurationValue == 0 {
		return nil
	}

	for _, conf := range g.Configurations {
		if conf.ConfigurationValue != configurationValue {
			continue
		}

		for _, iface := range conf.Interfaces {
			for _, desc := range iface.Endpoints {
				n := desc.Number()
				dir := desc.Direction()

				if n != 0 {
					if err := dev.Enable(n, dir, desc.TransferType(), int(desc.MaxPacketSize)); err != nil {
						log.Printf("usb: EP%d enable failed, %v", n, err)
						continue
					}
				}

				ep := &GadgetEndpoint{dev: dev, desc: desc, n: n, dir: dir, done: make(chan struct{})}
				started = append(started, ep)

				wg.Add(1)
				go ep.Start(wg)
			}
		}
	}

	return started
}
