package usb

import "encoding/binary"

// HandleIRQ is the single entry point an embedder calls from its interrupt
// vector (or, under a host run loop, from a polling goroutine). It reads
// and acknowledges INTERRUPT, then dispatches each asserted bit: endpoint
// completion bits 0..15 to Endpoint.harvest/refill, and the four special
// condition bits to their respective gadget notifications (§4.6, §7).
func (dev *Device) HandleIRQ() {
	dev.mu.Lock()
	defer dev.mu.Unlock()

	c := dev.ctrl
	pending := c.regRead(INTERRUPT)

	if pending == 0 {
		return
	}

	c.regWrite(INTERRUPT, pending)

	for n := 0; n < MAX_ENDPOINTS; n++ {
		if pending&(1<<uint(n)) == 0 {
			continue
		}

		ep := dev.eps[n]
		ep.harvest()
		ep.refill()
	}

	if pending&(1<<IRQ_RESET) != 0 {
		dev.handleReset()
	}

	if pending&(1<<IRQ_SETUP) != 0 {
		dev.handleSetupIRQ(c.readSetupPacket())
	}

	if pending&(1<<IRQ_SUSPEND) != 0 {
		dev.state = StateSuspended
		dev.notify(dev.Suspend)
	}

	if pending&(1<<IRQ_RESUME) != 0 {
		dev.state = StateDefault
		dev.notify(dev.Resume)
	}

	if pending&(1<<IRQ_DISCONNECT) != 0 {
		dev.state = StateNotAttached
		dev.nukeAll(ErrShutdown)
		dev.notify(dev.Disconnect)
	}
}

// handleReset implements bus-reset recovery (§7): address and
// configuration are cleared, every endpoint is nuked, and the device
// re-enters the Default state ready for enumeration.
func (dev *Device) handleReset() {
	dev.ctrl.regWrite(ADDRESS, 0)
	dev.configurationValue = 0
	dev.remoteWakeup = false
	dev.state = StateDefault

	dev.nukeAll(ErrShutdown)
	dev.notify(dev.Reset)
}

func (dev *Device) nukeAll(status error) {
	for n := 0; n < MAX_ENDPOINTS; n++ {
		if ep := dev.eps[n]; ep != nil {
			ep.nuke(status)
		}
	}
}

// notify invokes a gadget notification callback with the device lock
// released, matching the completion-callback convention (§5, §7).
func (dev *Device) notify(cb func()) {
	if cb == nil {
		return
	}

	dev.mu.Unlock()
	cb()
	dev.mu.Lock()
}

// readSetupPacket reads the hardware-latched 8-byte SETUP packet through
// two 32-bit register accesses, since reg.Bus only exposes 32-bit access.
func (c *Controller) readSetupPacket() []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint32(buf[0:], c.regRead(SETUP_PACKET))
	binary.LittleEndian.PutUint32(buf[4:], c.regRead(SETUP_PACKET+4))
	return buf
}
