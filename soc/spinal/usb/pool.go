package usb

import "github.com/spinalhdl/usb-udc/dma"

// descClass is the free-list a descriptor belongs to.
type descClass int

const (
	classSmall descClass = iota
	classLarge
)

// ownerKind tags a descriptor's current owner, replacing the intrusive
// doubly-linked list fields of the reference implementation with an
// explicit, arena-indexed variant (DESIGN.md).
type ownerKind int

const (
	ownerFree ownerKind = iota
	ownerInFlight
)

// descOwner is the tagged ownership variant `DescOwner ∈ {Free(pool_id),
// InFlight{ep, req}}` called for in the redesign note (§9).
type descOwner struct {
	kind ownerKind
	pool descClass // valid when kind == ownerFree
	ep   int       // valid when kind == ownerInFlight
	req  *Request  // valid when kind == ownerInFlight
}

// descID indexes into Controller.pool.arena. There is no "invalid" zero
// value conflict because descriptor 0 always exists (the pool is sized at
// Init and never shrinks); absence is represented by a boolean alongside
// the id wherever one is returned, never by a sentinel integer.
type descID int

// descriptor is one fixed, pre-allocated hardware descriptor slot.
type descriptor struct {
	class    descClass
	ramOff   uint32 // offset, within RAM, of the 12-byte header
	capacity int    // payload capacity: 64 (small) or 512 (large)

	offset         int  // low bits of the user buffer address, absorbed here
	lengthDeployed int  // bytes this descriptor carries this pass
	reqCompletion  bool // true if this descriptor carries the request's last bytes

	owner descOwner
}

// descriptorPool is the device-wide allocator over the two free-lists.
// Descriptors are never created or destroyed after Init; take/give only
// move them between the free-lists and an endpoint's in-flight list.
type descriptorPool struct {
	ram *dma.Region

	arena []descriptor

	small []descID // free-list, FIFO
	large []descID // free-list, FIFO
}

func alignUp(v, align int) int {
	if r := v % align; r != 0 {
		v += align - r
	}

	return v
}

// newDescriptorPool lays out the descriptor RAM as described in §4.2:
// an 8-byte scratch region, a 12+8 byte EP0 setup-descriptor region,
// descLargeCount 16-byte-aligned large slots, then as many 16-byte-aligned
// small slots as remain.
func newDescriptorPool(ram *dma.Region) descriptorPool {
	p := descriptorPool{ram: ram}

	off := scratchSize + setupRegionSize
	off = alignUp(off, descAlign)

	for i := 0; i < descLargeCount; i++ {
		off = alignUp(off, descAlign)
		p.arena = append(p.arena, descriptor{
			class:    classLarge,
			ramOff:   uint32(off),
			capacity: 512,
			owner:    descOwner{kind: ownerFree, pool: classLarge},
		})
		id := descID(len(p.arena) - 1)
		p.large = append(p.large, id)
		off += descHeaderSize + descLargeSize
	}

	for {
		off = alignUp(off, descAlign)

		if off+descHeaderSize+descSmallSize > ram.Size() {
			break
		}

		p.arena = append(p.arena, descriptor{
			class:    classSmall,
			ramOff:   uint32(off),
			capacity: 64,
			owner:    descOwner{kind: ownerFree, pool: classSmall},
		})
		id := descID(len(p.arena) - 1)
		p.small = append(p.small, id)
		off += descHeaderSize + descSmallSize
	}

	return p
}

// take returns a free descriptor sized to carry at least sizeHint bytes,
// per the fairness rule in §4.2: a large descriptor is handed out when
// sizeHint is at least 512 bytes (descLargeSize-4) and one is free,
// otherwise a small one is, and the very last small descriptor is reserved
// for EP0.
func (p *descriptorPool) take(ep int, sizeHint int) (descID, bool) {
	if sizeHint >= descLargeSize-4 && len(p.large) > 0 {
		return p.pop(&p.large), true
	}

	if len(p.small) == 0 {
		return 0, false
	}

	if ep != 0 && len(p.small) <= 1 {
		// the last remaining small descriptor is reserved for EP0
		// (invariant 6, §8)
		return 0, false
	}

	return p.pop(&p.small), true
}

func (p *descriptorPool) pop(list *[]descID) descID {
	id := (*list)[0]
	*list = (*list)[1:]

	return id
}

// give returns a descriptor to its origin free-list. Fairness refill
// (picking a starved endpoint to retry) is driven by the caller, which has
// access to the Device's refill_queue/refill_robin state; pool.give only
// performs the list bookkeeping.
func (p *descriptorPool) give(id descID) {
	d := &p.arena[id]
	d.owner = descOwner{kind: ownerFree, pool: d.class}
	d.offset = 0
	d.lengthDeployed = 0
	d.reqCompletion = false

	switch d.class {
	case classLarge:
		p.large = append(p.large, id)
	default:
		p.small = append(p.small, id)
	}
}

func (p *descriptorPool) desc(id descID) *descriptor {
	return &p.arena[id]
}
