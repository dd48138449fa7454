package usb

import "github.com/spinalhdl/usb-udc/bits"

// Endpoint transfer types (bmAttributes bits 0..1, USB2.0 Table 9-13).
const (
	TypeControl = iota
	TypeIsochronous
	TypeBulk
	TypeInterrupt
)

// descEndMax is EP_DESC_MAX (§3): the hardware chain depth cap per endpoint.
const descEndMax = 2

// Endpoint is one of the sixteen logical data pipes; index 0 is control.
type Endpoint struct {
	dev *Device

	Number    int
	Dir       int
	Type      int
	MaxPacket int

	enabled bool

	pending           []*Request // FIFO of queued requests
	descCount         int        // total descriptors in flight across pending
	pendingCompletion int
}

func (ep *Endpoint) regOffset() uint32 {
	return EP_STATUS + uint32(4*ep.Number)
}

// headDesc returns the first in-flight descriptor across the pending FIFO
// (the one hardware is currently processing), if any.
func (ep *Endpoint) headDesc() (descID, bool) {
	for _, req := range ep.pending {
		if len(req.descs) > 0 {
			return req.descs[0], true
		}
	}

	return 0, false
}

// tailDesc returns the last in-flight descriptor across the pending FIFO
// (the one hardware will reach last), if any.
func (ep *Endpoint) tailDesc() (descID, bool) {
	for i := len(ep.pending) - 1; i >= 0; i-- {
		req := ep.pending[i]

		if n := len(req.descs); n > 0 {
			return req.descs[n-1], true
		}
	}

	return 0, false
}

// linkHead installs the head descriptor as the hardware head pointer if
// the in-flight list is non-empty but the register's head pointer reads
// zero and the head descriptor has not yet been picked up by hardware
// (status code still CODE_NONE). This recovers from the race where
// hardware drained the chain to empty between allocation and linking
// (§4.5, "link-head").
func (ep *Endpoint) linkHead() {
	id, ok := ep.headDesc()

	if !ok {
		return
	}

	c := ep.dev.ctrl
	headPtr := c.regGet(ep.regOffset(), EP_HEAD_POS, EP_HEAD_MASK)

	if headPtr != 0 {
		return
	}

	d := c.pool.desc(id)
	w0 := c.regRead32RAM(d.ramOff)

	if codeField(w0) != codeNone {
		return
	}

	c.hardHalt(ep.Number)
	c.regSetN(ep.regOffset(), EP_HEAD_POS, EP_HEAD_MASK, uint32(d.ramOff))
	c.hardUnhalt()
}

// packetEnd implements the refill predicate from §4.5/§9 verbatim,
// preserving the resolved Open Question: the only path that can be true is
// ep.is_in && req.zero, with EP0's wLength governing the final DATA-phase
// descriptor.
func packetEnd(ep *Endpoint, req *Request, isLastDescriptorOfRequest bool) bool {
	if !isLastDescriptorOfRequest {
		return false
	}

	if ep.Dir != IN {
		return false
	}

	if !req.Zero {
		return false
	}

	if ep.Number == 0 {
		return req.commitedLength+req.left() < int(ep.dev.setup.Length)
	}

	return true
}

// refill is the transfer-engine loop of §4.5: it moves bytes from the
// endpoint's pending request FIFO into free descriptors and links them
// into the hardware chain, until the endpoint's descriptor count hits
// descEndMax, the FIFO is empty, or no descriptor is available.
func (ep *Endpoint) refill() {
	ep.linkHead()

	for ep.descCount < descEndMax {
		if len(ep.pending) == 0 {
			return
		}

		req := ep.pending[0]
		left := req.left()

		if left == 0 && req.commitedOnce {
			return
		}

		id, ok := ep.dev.ctrl.pool.take(ep.Number, left)

		if !ok {
			ep.dev.setRefillWaiting(ep.Number)
			return
		}

		c := ep.dev.ctrl
		d := c.pool.desc(id)

		bufOffset := req.commitedLength
		d.offset = bufOffset & 0x3
		d.lengthDeployed = d.capacity
		if d.lengthDeployed > left {
			d.lengthDeployed = left
		}
		d.reqCompletion = d.lengthDeployed == left

		isLast := d.reqCompletion
		endMarker := packetEnd(ep, req, isLast)

		d.owner = descOwner{kind: ownerInFlight, ep: ep.Number, req: req}

		// word 0: status = CODE_NONE, low bits = offset
		w0 := uint32(codeNone) << 16
		bits.SetN(&w0, 0, 0xffff, uint32(d.offset))
		c.regWrite32RAM(d.ramOff, w0)

		// word 1: bits 16..31 = payload extent, bits 0..15 = link (0 for now)
		w1 := uint32(d.lengthDeployed+d.offset) << 16
		c.regWrite32RAM(d.ramOff+4, w1)

		// word 2: direction | interrupt | completion-on-full unless packetEnd
		var w2 uint32
		bits.SetTo(&w2, wordDir, ep.Dir == IN)
		bits.Set(&w2, wordInterrupt)
		if !endMarker {
			bits.Set(&w2, wordComplOnFull)
		}
		if ep.Number == 0 && isLast {
			bits.Set(&w2, wordData1Completion)
		}
		c.regWrite32RAM(d.ramOff+8, w2)

		if ep.Dir == IN {
			payload := req.Buf[bufOffset : bufOffset+d.lengthDeployed]
			c.RAM.Write(int(d.ramOff)+descHeaderSize+d.offset, payload)
		}

		ep.link(req, id)

		req.commitedLength += d.lengthDeployed
		req.commitedOnce = true
		ep.descCount++
	}
}

// link appends descriptor id to the endpoint's in-flight chain, wiring the
// previous tail's link field and, if the chain was empty and hardware's
// head pointer is zero, installing it as head (§4.5 step 7).
func (ep *Endpoint) link(req *Request, id descID) {
	c := ep.dev.ctrl
	prevTail, hadTail := ep.tailDesc()

	req.descs = append(req.descs, id)

	if hadTail {
		pd := c.pool.desc(prevTail)
		w1 := c.regRead32RAM(pd.ramOff + 4)
		bits.SetN(&w1, 0, 0xffff, uint32(c.pool.desc(id).ramOff))
		c.regWrite32RAM(pd.ramOff+4, w1)
		return
	}

	headPtr := c.regGet(ep.regOffset(), EP_HEAD_POS, EP_HEAD_MASK)

	if headPtr == 0 {
		c.hardHalt(ep.Number)
		c.regSetN(ep.regOffset(), EP_HEAD_POS, EP_HEAD_MASK, uint32(c.pool.desc(id).ramOff))
		c.hardUnhalt()
	}
}

// harvest is the per-endpoint completion loop of §4.6, called from the
// IRQ handler. It loops until no more progress is possible.
func (ep *Endpoint) harvest() {
	for {
		if len(ep.pending) == 0 {
			return
		}

		req := ep.pending[0]

		if len(req.descs) == 0 {
			return
		}

		id := req.descs[0]
		c := ep.dev.ctrl
		d := c.pool.desc(id)

		w0 := c.regRead32RAM(d.ramOff)

		if codeField(w0) == codeNone {
			return
		}

		xferLen := int(w0&0xffff) - d.offset

		if ep.Dir == OUT && xferLen > 0 {
			dst := req.Buf[req.Actual : req.Actual+xferLen]
			c.RAM.Read(int(d.ramOff)+descHeaderSize+d.offset, dst)
		}

		req.Actual += xferLen

		short := xferLen < d.lengthDeployed

		req.descs = req.descs[1:]
		c.pool.give(id)
		ep.descCount--
		ep.dev.refillWaiting()

		if d.reqCompletion || short {
			if len(req.descs) > 0 {
				// a short packet ended the request with
				// descriptors still attached (§4.7)
				c.hardHalt(ep.Number)
				ep.unlinkAll(req)
				c.hardUnhalt()
			}

			ep.pending = ep.pending[1:]
			ep.pendingCompletion--
			ep.dev.completeLocked(req, nil)
		}
	}
}

// unlinkAll detaches every descriptor currently attached to req (used by
// cancellation and the leftover-descriptors-at-completion path, §4.7) and
// returns them to the pool. Must be called with the endpoint hard-halted.
func (ep *Endpoint) unlinkAll(req *Request) {
	c := ep.dev.ctrl

	for _, id := range req.descs {
		d := c.pool.desc(id)
		headPtr := c.regGet(ep.regOffset(), EP_HEAD_POS, EP_HEAD_MASK)

		if headPtr == d.ramOff {
			w1 := c.regRead32RAM(d.ramOff + 4)
			link := w1 & 0xffff
			c.regSetN(ep.regOffset(), EP_HEAD_POS, EP_HEAD_MASK, link)
		} else if prev, ok := ep.prevOf(id); ok {
			pd := c.pool.desc(prev)
			w1 := c.regRead32RAM(pd.ramOff + 4)
			dw1 := c.regRead32RAM(d.ramOff + 4)
			bits.SetN(&w1, 0, 0xffff, dw1&0xffff)
			c.regWrite32RAM(pd.ramOff+4, w1)
		}

		c.pool.give(id)
		ep.descCount--
	}

	req.descs = nil
}

// prevOf finds the descriptor immediately preceding id in the endpoint's
// global in-flight chain, scanning every pending request (a descriptor may
// precede id even if it belongs to an earlier request in the FIFO).
func (ep *Endpoint) prevOf(id descID) (descID, bool) {
	var prev descID
	found := false

	for _, req := range ep.pending {
		for _, d := range req.descs {
			if d == id {
				return prev, found
			}

			prev = d
			found = true
		}
	}

	return 0, false
}

// cancel implements §4.7's single-request cancellation: hard-halt, unlink
// every descriptor belonging to req, hard-unhalt, then complete.
func (ep *Endpoint) cancel(req *Request, status error) {
	ep.dev.ctrl.hardHalt(ep.Number)
	ep.unlinkAll(req)
	ep.dev.ctrl.hardUnhalt()

	for i, r := range ep.pending {
		if r == req {
			ep.pending = append(ep.pending[:i], ep.pending[i+1:]...)
			break
		}
	}

	ep.pendingCompletion--
	ep.dev.completeLocked(req, status)
}

// nuke implements §4.7's nuke-all: clear the hardware head pointer, then
// drain the pending FIFO completing every request with status.
func (ep *Endpoint) nuke(status error) {
	c := ep.dev.ctrl

	c.hardHalt(ep.Number)
	c.regSetN(ep.regOffset(), EP_HEAD_POS, EP_HEAD_MASK, 0)
	c.hardUnhalt()

	pending := ep.pending
	ep.pending = nil

	for _, req := range pending {
		for _, id := range req.descs {
			c.pool.give(id)
			ep.descCount--
		}

		req.descs = nil
		ep.pendingCompletion--
		ep.dev.completeLocked(req, status)
	}

	ep.dev.clearRefillWaiting(ep.Number)
}

// Descriptor header bit positions for word 2 (§6, "direction,
// interrupt-on-done, completion-on-full, data1-completion flags"); the
// distilled spec names the flags but not their bit positions, so this
// module assigns them.
const (
	wordDir             = 0
	wordInterrupt       = 1
	wordComplOnFull     = 2
	wordData1Completion = 3
)

// codeNone / codeDone are the hardware completion-code sentinel values
// held in word 0 bits 16..19.
const (
	codeNone = 0xf
	codeDone = 0x0
)

func codeField(w0 uint32) uint32 {
	return bits.GetN(&w0, 16, 0xf)
}

// regRead32RAM / regWrite32RAM access descriptor RAM words directly through
// dma.Region's Load32/Store32, the same methods by which dma.Region
// implements reg.Bus.
func (c *Controller) regRead32RAM(off uint32) uint32 {
	return c.RAM.Load32(off)
}

func (c *Controller) regWrite32RAM(off uint32, val uint32) {
	c.RAM.Store32(off, val)
}
