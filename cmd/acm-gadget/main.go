// Command acm-gadget is the minimal example called for by §6: a CDC-ACM
// serial gadget wired onto the core driver, run against SimBus, the
// in-memory register fake, for manual experimentation without real
// hardware. It enumerates by hand-driving the three-phase control
// transfers a host controller would otherwise issue, then pushes one bulk
// IN transfer through the transfer engine end to end.
package main

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/spinalhdl/usb-udc/dma"
	"github.com/spinalhdl/usb-udc/soc/spinal/usb"
)

// driveSetup latches a SETUP packet into the fake MMIO and asserts the
// SETUP interrupt bit, the way the peripheral would on receiving one from
// the host, then dispatches it.
func driveSetup(c *usb.Controller, dev *usb.Device, setup usb.SetupData) {
	raw := setup.Bytes()

	c.Bus.Store32(c.Base+usb.SETUP_PACKET, uint32(raw[0])|uint32(raw[1])<<8|uint32(raw[2])<<16|uint32(raw[3])<<24)
	c.Bus.Store32(c.Base+usb.SETUP_PACKET+4, uint32(raw[4])|uint32(raw[5])<<8|uint32(raw[6])<<16|uint32(raw[7])<<24)
	c.SimulateInterrupt(usb.IRQ_SETUP)

	dev.HandleIRQ()
}

// driveReset asserts the RESET interrupt bit, the way the peripheral would
// on detecting a bus reset, moving the device out of StateNotAttached so
// endpoint traffic is no longer rejected by Device.Queue's speed-known
// gate.
func driveReset(c *usb.Controller, dev *usb.Device) {
	c.SimulateInterrupt(usb.IRQ_RESET)
	dev.HandleIRQ()
}

// drainEP0 repeatedly simulates the engine completing EP0's head descriptor
// and re-dispatches, until nothing is left in flight: stands in for the
// host acknowledging each IN packet of a multi-descriptor DATA phase.
func drainEP0(c *usb.Controller, dev *usb.Device) {
	for c.SimulateCompletion(0) {
		dev.HandleIRQ()
	}
}

func main() {
	ram := dma.NewRegion(4096)
	bus := usb.NewSimBus(0x10000)

	c := usb.NewController(bus, 0, ram)
	dev := c.Start()
	defer c.Stop()

	diag := usb.NewDiagnostics(dev, "acm_gadget")
	go func() {
		if err := diag.ServeDashboard("localhost:6060"); err != nil {
			log.Printf("acm-gadget: dashboard exited, %v", err)
		}
	}()

	gadget := usb.NewSerialGadget(0x1209, 0x0001)
	dev.Gadget = gadget

	var wg sync.WaitGroup
	dev.Configured = func(value uint8) {
		usb.StartEndpoints(dev, gadget, value, &wg)
	}

	fmt.Println("resetting...")
	driveReset(c, dev)

	fmt.Println("enumerating...")

	driveSetup(c, dev, usb.SetupData{RequestType: 0x80, Request: usb.GET_DESCRIPTOR, Value: uint16(usb.DEVICE) << 8, Length: usb.DEVICE_LENGTH})
	drainEP0(c, dev)

	driveSetup(c, dev, usb.SetupData{RequestType: 0, Request: usb.SET_ADDRESS, Value: 7})
	drainEP0(c, dev)
	fmt.Printf("address committed, speed=%s\n", c.Speed())

	driveSetup(c, dev, usb.SetupData{RequestType: 0x80, Request: usb.GET_DESCRIPTOR, Value: uint16(usb.CONFIGURATION) << 8, Length: 255})
	drainEP0(c, dev)

	driveSetup(c, dev, usb.SetupData{RequestType: 0, Request: usb.SET_CONFIGURATION, Value: 1})
	drainEP0(c, dev)

	fmt.Println("configured, pushing one bulk IN transfer through the data interface")

	done := make(chan *usb.Request, 1)
	req := &usb.Request{
		Buf:  []byte("hello from the gadget"),
		Zero: true,
		Completion: func(r *usb.Request) {
			done <- r
		},
	}

	// endpoint 2 is the ACM data interface's bulk IN endpoint (address
	// 0x82, gadget_acm.go); its bulk OUT partner is endpoint 3.
	if err := dev.Queue(2, req); err != nil {
		log.Fatalf("acm-gadget: queue failed, %v", err)
	}

	for !c.SimulateCompletion(2) {
		time.Sleep(time.Millisecond)
	}

	dev.HandleIRQ()

	select {
	case r := <-done:
		fmt.Printf("bulk IN completed, %d bytes, status=%v\n", r.Actual, r.Status)
	case <-time.After(time.Second):
		log.Fatal("acm-gadget: bulk IN never completed")
	}
}
