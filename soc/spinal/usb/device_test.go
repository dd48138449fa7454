package usb

import (
	"testing"

	"github.com/spinalhdl/usb-udc/dma"
)

// newTestController brings up a controller against SimBus and advances its
// device past StateNotAttached, the way a bus reset would on real
// hardware, so Queue's speed-known gate (device.go) doesn't reject every
// test's traffic.
func newTestController(t *testing.T) *Controller {
	t.Helper()

	bus := NewSimBus(0x10000)
	ram := dma.NewRegion(4096)

	c := NewController(bus, 0, ram)
	c.Init()
	c.Device.state = StateDefault

	return c
}

// completeDescriptor simulates the hardware side of a transfer: it marks
// descriptor id done, having carried transferred bytes past its offset.
func completeDescriptor(c *Controller, id descID, transferred int) {
	d := c.pool.desc(id)
	w0 := uint32(codeDone)<<16 | uint32(d.offset+transferred)
	c.regWrite32RAM(d.ramOff, w0)
}

func TestQueueINCompletes(t *testing.T) {
	c := newTestController(t)
	dev := c.Device

	if err := dev.Enable(1, IN, TypeBulk, 64); err != nil {
		t.Fatalf("Enable: %v", err)
	}

	payload := []byte("hello")
	done := make(chan *Request, 1)

	req := &Request{
		Buf: payload,
		Completion: func(r *Request) {
			done <- r
		},
	}

	if err := dev.Queue(1, req); err != nil {
		t.Fatalf("Queue: %v", err)
	}

	ep := dev.eps[1]

	if ep.descCount != 1 {
		t.Fatalf("expected 1 in-flight descriptor, got %d", ep.descCount)
	}

	id, _ := ep.headDesc()
	completeDescriptor(c, id, len(payload))

	dev.mu.Lock()
	ep.harvest()
	dev.mu.Unlock()

	r := <-done

	if r.Status != nil {
		t.Fatalf("unexpected status: %v", r.Status)
	}

	if r.Actual != len(payload) {
		t.Fatalf("expected %d bytes transferred, got %d", len(payload), r.Actual)
	}
}

func TestQueueOUTCopiesIntoBuf(t *testing.T) {
	c := newTestController(t)
	dev := c.Device

	if err := dev.Enable(2, OUT, TypeBulk, 64); err != nil {
		t.Fatalf("Enable: %v", err)
	}

	buf := make([]byte, 16)
	done := make(chan *Request, 1)

	req := &Request{
		Buf: buf,
		Completion: func(r *Request) {
			done <- r
		},
	}

	if err := dev.Queue(2, req); err != nil {
		t.Fatalf("Queue: %v", err)
	}

	ep := dev.eps[2]
	id, _ := ep.headDesc()
	d := c.pool.desc(id)

	payload := []byte("world!")
	c.RAM.Write(int(d.ramOff)+descHeaderSize+d.offset, payload)
	completeDescriptor(c, id, len(payload))

	dev.mu.Lock()
	ep.harvest()
	dev.mu.Unlock()

	r := <-done

	if r.Actual != len(payload) {
		t.Fatalf("expected %d bytes, got %d", len(payload), r.Actual)
	}

	if string(r.Buf[:r.Actual]) != string(payload) {
		t.Fatalf("payload mismatch: got %q want %q", r.Buf[:r.Actual], payload)
	}
}

func TestDequeueCancelsWithConnReset(t *testing.T) {
	c := newTestController(t)
	dev := c.Device

	if err := dev.Enable(1, IN, TypeBulk, 64); err != nil {
		t.Fatalf("Enable: %v", err)
	}

	done := make(chan *Request, 1)
	req := &Request{
		Buf: []byte("abcdef"),
		Completion: func(r *Request) {
			done <- r
		},
	}

	if err := dev.Queue(1, req); err != nil {
		t.Fatalf("Queue: %v", err)
	}

	if err := dev.Dequeue(1, req); err != nil {
		t.Fatalf("Dequeue: %v", err)
	}

	r := <-done

	if r.Status != ErrConnReset {
		t.Fatalf("expected ErrConnReset cancellation status, got %v", r.Status)
	}
}

func TestRefillFairnessRoundRobin(t *testing.T) {
	c := newTestController(t)
	dev := c.Device

	// drain all-but-three small descriptors (one held aside as "spare" to
	// be given back later, one left as EP0's reserve, one for the first
	// waiter to take), so the second 1-byte IN queued below must wait for
	// a refill.
	for len(c.pool.small) > 3 {
		c.pool.pop(&c.pool.small)
	}

	spare := c.pool.pop(&c.pool.small)

	if err := dev.Enable(1, IN, TypeBulk, 64); err != nil {
		t.Fatalf("Enable ep1: %v", err)
	}

	if err := dev.Enable(2, IN, TypeBulk, 64); err != nil {
		t.Fatalf("Enable ep2: %v", err)
	}

	q := func(n int) {
		req := &Request{Buf: []byte("x"), Completion: func(*Request) {}}
		if err := dev.Queue(n, req); err != nil {
			t.Fatalf("Queue ep%d: %v", n, err)
		}
	}

	q(1)
	q(2)

	if dev.eps[1].descCount != 1 {
		t.Fatalf("expected ep1 to grab the remaining descriptor, descCount=%d", dev.eps[1].descCount)
	}

	if dev.eps[2].descCount != 0 {
		t.Fatalf("expected ep2 to be starved, descCount=%d", dev.eps[2].descCount)
	}

	if dev.refillQueue&(1<<2) == 0 {
		t.Fatalf("expected ep2 marked refill-waiting, refillQueue=%#x", dev.refillQueue)
	}

	// free the spare descriptor and let refillWaiting hand it to the
	// waiter.
	c.pool.give(spare)

	dev.mu.Lock()
	dev.refillWaiting()
	dev.mu.Unlock()

	if dev.eps[2].descCount != 1 {
		t.Fatalf("expected ep2 to receive the freed descriptor, descCount=%d", dev.eps[2].descCount)
	}
}
