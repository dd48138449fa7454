package usb

import "encoding/binary"

// Standard request codes (p279, Table 9-4, USB2.0).
const (
	GET_STATUS        = 0
	CLEAR_FEATURE     = 1
	SET_FEATURE       = 3
	SET_ADDRESS       = 5
	GET_DESCRIPTOR    = 6
	SET_DESCRIPTOR    = 7
	GET_CONFIGURATION = 8
	SET_CONFIGURATION = 9
	GET_INTERFACE     = 10
	SET_INTERFACE     = 11
	SYNCH_FRAME       = 12
)

// Request-type recipient / direction bits (p248, Table 9-2, USB2.0).
const (
	RecipientMask  = 0x1f
	RecipDevice    = 0
	RecipInterface = 1
	RecipEndpoint  = 2

	ReqDirPos = 7 // 1 == device-to-host (IN)
)

// Standard feature selectors (p280, Table 9-6, USB2.0).
const (
	ENDPOINT_HALT        = 0
	DEVICE_REMOTE_WAKEUP = 1
	TEST_MODE            = 2
)

// SetupData is p276, Table 9-2. Format of Setup Data, USB2.0.
type SetupData struct {
	RequestType uint8
	Request     uint8
	Value       uint16
	Index       uint16
	Length      uint16
}

// Bytes serializes the SetupData back to the 8-byte wire format, used by
// the test harness to latch a literal SETUP packet into the fake MMIO.
func (s *SetupData) Bytes() []byte {
	buf := make([]byte, 8)
	buf[0] = s.RequestType
	buf[1] = s.Request
	binary.LittleEndian.PutUint16(buf[2:], s.Value)
	binary.LittleEndian.PutUint16(buf[4:], s.Index)
	binary.LittleEndian.PutUint16(buf[6:], s.Length)

	return buf
}

func parseSetup(buf []byte) SetupData {
	return SetupData{
		RequestType: buf[0],
		Request:     buf[1],
		Value:       binary.LittleEndian.Uint16(buf[2:]),
		Index:       binary.LittleEndian.Uint16(buf[4:]),
		Length:      binary.LittleEndian.Uint16(buf[6:]),
	}
}

func (s *SetupData) direction() int {
	if (s.RequestType>>ReqDirPos)&1 == 1 {
		return IN
	}

	return OUT
}

func (s *SetupData) recipient() int {
	return int(s.RequestType & RecipientMask)
}

// handleSetupIRQ implements the SETUP IRQ of §4.8: latch, nuke EP0 with
// ErrConnReset, reset ep0 sub-state, dispatch standard requests handled
// in-core, and forward everything else to the gadget's Setup callback.
func (dev *Device) handleSetupIRQ(raw []byte) {
	dev.setup = parseSetup(raw)

	ep0 := dev.eps[0]
	ep0.nuke(ErrConnReset)

	dev.ep0State = ep0StateData
	dev.ep0DataReq = nil

	ep0.Dir = dev.setup.direction()

	switch dev.setup.Request {
	case GET_STATUS:
		dev.handleGetStatus()
	case SET_ADDRESS:
		dev.handleSetAddress()
	case CLEAR_FEATURE, SET_FEATURE:
		dev.handleFeature(dev.setup.Request == SET_FEATURE)
	case GET_DESCRIPTOR:
		dev.handleGetDescriptor()
	case GET_CONFIGURATION:
		dev.queueEP0(&Request{Buf: trim([]byte{dev.configurationValue}, dev.setup.Length)})
	case SET_CONFIGURATION:
		dev.handleSetConfiguration()
	default:
		dev.forwardSetup()
	}
}

// handleGetDescriptor implements the standard half of §4.8's GET_DESCRIPTOR:
// served from the attached Gadget when present, otherwise forwarded to the
// gadget driver's Setup callback for a class-specific descriptor type.
func (dev *Device) handleGetDescriptor() {
	if dev.Gadget == nil {
		dev.forwardSetup()
		return
	}

	descType := uint8(dev.setup.Value >> 8)
	index := uint8(dev.setup.Value)

	buf, err := dev.Gadget.GetDescriptor(descType, index, dev.setup.Length)
	if err != nil {
		dev.forwardSetup()
		return
	}

	dev.queueEP0(&Request{Buf: buf})
}

// handleSetConfiguration implements §4.8's SET_CONFIGURATION: latch the
// value, then notify the gadget driver (lock released) so it can start its
// endpoints.
func (dev *Device) handleSetConfiguration() {
	if dev.setup.recipient() != RecipDevice {
		dev.stallEP0()
		return
	}

	value := uint8(dev.setup.Value)
	dev.configurationValue = value

	dev.queueEP0(&Request{
		Buf: nil,
		Completion: func(req *Request) {
			if req.Status == nil && dev.Configured != nil {
				dev.Configured(value)
			}
		},
	})
}

func (dev *Device) forwardSetup() {
	if dev.Setup == nil {
		dev.stallEP0()
		return
	}

	setup := dev.setup

	dev.mu.Unlock()
	in, ack, err := dev.Setup(&setup)
	dev.mu.Lock()

	if err != nil {
		dev.stallEP0()
		return
	}

	if len(in) != 0 {
		dev.queueEP0(&Request{Buf: trim(in, setup.Length)})
	} else if ack {
		dev.queueEP0(&Request{Buf: nil})
	}
}

func trim(buf []byte, wLength uint16) []byte {
	if int(wLength) < len(buf) {
		buf = buf[:wLength]
	}

	return buf
}

// handleGetStatus implements §4.8's GET_STATUS details.
func (dev *Device) handleGetStatus() {
	var status uint16

	switch dev.setup.recipient() {
	case RecipDevice:
		status = 1 // self-powered
		if dev.remoteWakeup {
			status |= 1 << 1
		}
	case RecipInterface:
		status = 0
	case RecipEndpoint:
		n := int(dev.setup.Index & 0xf)
		dir := OUT
		if dev.setup.Index&0x80 != 0 {
			dir = IN
		}

		ep := dev.eps[n]

		if ep == nil || (n != 0 && ep.Dir != dir) {
			dev.stallEP0()
			return
		}

		if dev.ctrl.regGet(ep.regOffset(), EP_STALL, 1) == 1 {
			status = 1
		}
	default:
		dev.stallEP0()
		return
	}

	buf := make([]byte, 2)
	binary.LittleEndian.PutUint16(buf, status)

	dev.queueEP0(&Request{Buf: trim(buf, dev.setup.Length)})
}

// handleSetAddress implements §4.8's SET_ADDRESS: pre-write the pending
// address latch, then queue a zero-length STATUS. Hardware is expected to
// commit the latch once the STATUS phase completes successfully.
func (dev *Device) handleSetAddress() {
	if dev.setup.recipient() != RecipDevice {
		dev.stallEP0()
		return
	}

	addr := dev.setup.Value & ADDRESS_VALUE_MASK

	var v uint32
	v = setBit(v, ADDRESS_PENDING)
	v |= uint32(addr)
	dev.ctrl.regWrite(ADDRESS, v)

	dev.queueEP0(&Request{
		Buf: nil,
		Completion: func(req *Request) {
			if req.Status != nil {
				dev.ctrl.regWrite(ADDRESS, 0)
			}
		},
	})
}

// handleFeature implements §4.8's CLEAR/SET_FEATURE details.
func (dev *Device) handleFeature(set bool) {
	switch dev.setup.recipient() {
	case RecipDevice:
		switch dev.setup.Value {
		case DEVICE_REMOTE_WAKEUP:
			dev.remoteWakeup = set
		case TEST_MODE:
			// acknowledge only, no test modes implemented
		default:
			dev.stallEP0()
			return
		}
	case RecipEndpoint:
		if dev.setup.Value != ENDPOINT_HALT {
			dev.stallEP0()
			return
		}

		n := int(dev.setup.Index & 0xf)
		dir := OUT
		if dev.setup.Index&0x80 != 0 {
			dir = IN
		}

		ep := dev.eps[n]

		if ep == nil || (n != 0 && ep.Dir != dir) {
			dev.stallEP0()
			return
		}

		if n == 0 {
			if !set {
				dev.unstallEndpoint(0, false)
			}
		} else if set {
			dev.stallEndpoint(n, false)
		} else {
			dev.unstallEndpoint(n, true)
		}
	default:
		dev.stallEP0()
		return
	}

	dev.queueEP0(&Request{Buf: nil})
}

// queueEP0 implements §4.8's __ep0_queue: single-outstanding, DATA/STATUS
// sub-state handling, and the zero-length synthesised-completion shortcut.
func (dev *Device) queueEP0(req *Request) error {
	ep0 := dev.eps[0]

	if len(ep0.pending) != 0 {
		// a caller bug, not a protocol violation visible over the
		// wire (§7 "State violation"): the request is rejected with
		// ErrBusy and not queued. The in-core callers in this file
		// discard the error, so such a request is dropped.
		return ErrBusy
	}

	if dev.ep0State == ep0StateData {
		dev.ep0SavedCompletion = req.Completion
		req.Completion = dev.ep0DataCompletion
		dev.ep0State = ep0StateStatus
		dev.ep0DataReq = req
	}

	if req.length() == 0 {
		req.ep = ep0
		req.Status = nil
		req.commitedOnce = true

		if req.Completion != nil {
			cb := req.Completion
			dev.mu.Unlock()
			cb(req)
			dev.mu.Lock()
		}

		return nil
	}

	req.ep = ep0
	req.Status = nil
	req.Actual = 0
	req.commitedLength = 0
	req.commitedOnce = false
	req.descs = nil

	ep0.pending = append(ep0.pending, req)
	ep0.pendingCompletion++

	ep0.refill()

	return nil
}

// ep0DataCompletion implements §4.8's DATA-completion callback: restore
// the user's completion, and on success initiate the STATUS phase.
func (dev *Device) ep0DataCompletion(req *Request) {
	dev.mu.Lock()
	defer dev.mu.Unlock()

	cb := dev.ep0SavedCompletion
	dev.ep0SavedCompletion = nil
	dev.ep0DataReq = nil

	if req.Status != nil {
		if cb != nil {
			dev.mu.Unlock()
			cb(req)
			dev.mu.Lock()
		}

		return
	}

	dev.eps[0].Dir = flipDir(dev.eps[0].Dir)

	dev.queueEP0(&Request{
		Buf: nil,
		Completion: cb,
	})
}

func flipDir(dir int) int {
	if dir == IN {
		return OUT
	}

	return IN
}
