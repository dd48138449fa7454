package usb

import (
	"testing"

	"github.com/spinalhdl/usb-udc/dma"
)

func newTestPool(t *testing.T) descriptorPool {
	t.Helper()
	ram := dma.NewRegion(4096)
	return newDescriptorPool(ram)
}

func TestPoolLargeThenSmall(t *testing.T) {
	p := newTestPool(t)

	if len(p.large) != descLargeCount {
		t.Fatalf("expected %d large descriptors, got %d", descLargeCount, len(p.large))
	}

	if len(p.small) == 0 {
		t.Fatal("expected at least one small descriptor")
	}
}

func TestPoolTakePrefersLargeForBigTransfer(t *testing.T) {
	p := newTestPool(t)

	before := len(p.large)

	id, ok := p.take(1, 500)
	if !ok {
		t.Fatal("expected a descriptor")
	}

	if p.arena[id].class != classLarge {
		t.Fatal("expected a large descriptor for a 500-byte request")
	}

	if len(p.large) != before-1 {
		t.Fatalf("large free-list did not shrink: got %d want %d", len(p.large), before-1)
	}
}

func TestPoolReservesLastSmallForEP0(t *testing.T) {
	p := newTestPool(t)

	// drain the large pool so take() must fall to small.
	for len(p.large) > 0 {
		p.pop(&p.large)
	}

	for len(p.small) > 1 {
		if _, ok := p.take(1, 1); !ok {
			t.Fatal("unexpected allocation failure while draining")
		}
	}

	if len(p.small) != 1 {
		t.Fatalf("expected exactly one small descriptor left, got %d", len(p.small))
	}

	if _, ok := p.take(1, 1); ok {
		t.Fatal("endpoint 1 must not take the last small descriptor")
	}

	if _, ok := p.take(0, 1); !ok {
		t.Fatal("endpoint 0 must be able to take the last small descriptor")
	}
}

func TestPoolGiveReturnsToOriginList(t *testing.T) {
	p := newTestPool(t)

	id, ok := p.take(1, 512)
	if !ok {
		t.Fatal("expected a descriptor")
	}

	before := len(p.large)
	p.give(id)

	if len(p.large) != before+1 {
		t.Fatalf("descriptor not returned to large free-list: got %d want %d", len(p.large), before+1)
	}

	d := p.desc(id)
	if d.owner.kind != ownerFree || d.owner.pool != classLarge {
		t.Fatalf("unexpected owner after give: %+v", d.owner)
	}
}
