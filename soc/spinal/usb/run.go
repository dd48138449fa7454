package usb

import (
	"context"
	"time"
)

// Run polls HandleIRQ until ctx is cancelled, standing in for the bare-metal
// interrupt vector when this package is embedded on a host without one
// (§4.9's Host-Platform Adapter). pollInterval bounds latency between a
// hardware event and its dispatch; callers on real interrupt hardware
// should call HandleIRQ directly from their vector instead of using Run.
func (dev *Device) Run(ctx context.Context, pollInterval time.Duration) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			dev.HandleIRQ()
		}
	}
}

// Start brings the controller up and enables the pullup, matching the
// reference driver's bring-up order: Init, then interrupt unmask, then
// pullup (§4.9).
func (c *Controller) Start() *Device {
	c.Init()
	c.EnableInterrupt(IRQ_RESET)
	c.EnableInterrupt(IRQ_SETUP)
	c.EnableInterrupt(IRQ_SUSPEND)
	c.EnableInterrupt(IRQ_RESUME)
	c.EnableInterrupt(IRQ_DISCONNECT)
	c.Pullup(true)

	return c.Device
}

// Stop disables the pullup, disconnecting from the host.
func (c *Controller) Stop() {
	c.Pullup(false)
}
