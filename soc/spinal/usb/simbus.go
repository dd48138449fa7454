package usb

import "github.com/spinalhdl/usb-udc/internal/reg"

// SimBus wraps reg.MemBus so a hard-halt request is acknowledged the way a
// real controller would: absent a transfer engine racing against it, a
// nonzero write to HALT also sets the HALT_ACHIEVED bit the peripheral
// would assert once it quiesces mid-chain. This is the "in-memory bus
// fake" §6 calls out — used by this package's own tests and by the cmd/
// example gadget, neither of which has a real engine to race against.
// INTERRUPT and HALT are recognized by their absolute addresses, so SimBus
// serves a controller mapped at Base 0 only.
type SimBus struct {
	*reg.MemBus
}

// NewSimBus allocates a SimBus spanning size bytes.
func NewSimBus(size int) *SimBus {
	return &SimBus{MemBus: reg.NewMemBus(size)}
}

func (b *SimBus) Store32(addr uint32, val uint32) {
	if addr == INTERRUPT {
		// INTERRUPT is write-1-to-clear on real hardware (see
		// reg.WriteBack in internal/reg/reg32.go); a plain MemBus store would instead latch val
		// back in, so HandleIRQ would never see its own
		// acknowledgement take effect.
		b.MemBus.Store32(addr, b.MemBus.Load32(addr)&^val)
		return
	}

	b.MemBus.Store32(addr, val)

	if addr == HALT && val != 0 {
		b.MemBus.Store32(addr, val|(1<<HALT_ACHIEVED))
	}
}

// SimulateInterrupt raises INTERRUPT bit pos the way the peripheral itself
// would — as opposed to Device.HandleIRQ's software acknowledgement, which
// goes through the ordinary, write-1-to-clear Store32 path above. Panics if
// c's bus is not a SimBus; real hardware raises its own interrupts and has
// no such entry point.
func (c *Controller) SimulateInterrupt(pos int) {
	sb := c.Bus.(*SimBus)
	sb.MemBus.Store32(c.Base+INTERRUPT, sb.MemBus.Load32(c.Base+INTERRUPT)|(1<<uint(pos)))
}

// SimulateCompletion stands in for the transfer engine under SimBus, which
// has no real hardware moving bytes: it marks endpoint n's head in-flight
// descriptor fully transferred, as if the peripheral had just drained it.
// It reports false if the endpoint has nothing in flight. Callers should
// follow it with a call to Device.HandleIRQ to harvest the completion.
func (c *Controller) SimulateCompletion(n int) bool {
	ep := c.Device.eps[n]

	id, ok := ep.headDesc()
	if !ok {
		return false
	}

	d := c.pool.desc(id)
	w0 := uint32(codeDone)<<16 | uint32(d.offset+d.lengthDeployed)
	c.regWrite32RAM(d.ramOff, w0)
	c.SimulateInterrupt(n)

	return true
}
