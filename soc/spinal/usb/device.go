package usb

import "sync"

// ep0 sub-states (§4.8).
const (
	ep0StateData = iota
	ep0StateStatus
)

// Device is the chapter-9 control-transfer state machine plus the
// sixteen-endpoint set, guarded by a single coarse mutex per §5: API
// callers hold it for the duration of a call, the IRQ handler acquires it
// on entry, and it is always released around a user completion callback.
type Device struct {
	mu sync.Mutex

	ctrl *Controller
	eps  [MAX_ENDPOINTS]*Endpoint

	state        int
	remoteWakeup bool

	// Gadget is the descriptor hierarchy served for GET_DESCRIPTOR; when
	// nil, GET_DESCRIPTOR is forwarded to Setup like any request not
	// handled in-core.
	Gadget             *Gadget
	configurationValue uint8

	setup SetupData

	ep0State           int
	ep0DataReq         *Request
	ep0SavedCompletion func(*Request)
	ep0Scratch         Request

	refillQueue uint16
	refillRobin uint

	// stallCount tallies every endpoint and EP0 stall issued, for
	// Diagnostics (§4.11).
	stallCount uint64

	// Setup forwards any SETUP packet not handled in-core (anything but
	// GET_STATUS, SET_ADDRESS, CLEAR/SET_FEATURE) to the gadget driver.
	// On a negative return EP0 is stalled (§4.8).
	Setup func(setup *SetupData) (in []byte, ack bool, err error)

	// Reset, Suspend, Resume, Disconnect are gadget notification
	// callbacks, each invoked with the device lock released (§7).
	Reset      func()
	Suspend    func()
	Resume     func()
	Disconnect func()

	// Configured is invoked, lock released, after SET_CONFIGURATION
	// commits a nonzero configuration value, so a gadget driver can wire
	// up its endpoints (see StartEndpoints).
	Configured func(value uint8)
}

func newDevice(ctrl *Controller) *Device {
	dev := &Device{ctrl: ctrl, state: StateNotAttached}

	for n := 0; n < MAX_ENDPOINTS; n++ {
		dir := OUT
		typ := TypeBulk

		if n == 0 {
			typ = TypeControl
		}

		dev.eps[n] = &Endpoint{dev: dev, Number: n, Dir: dir, Type: typ}
	}

	dev.eps[0].enabled = true
	dev.eps[0].MaxPacket = 64
	dev.eps[0].Dir = IN

	return dev
}

// Endpoint returns the endpoint state for n, or nil if out of range.
func (dev *Device) Endpoint(n int) *Endpoint {
	if n < 0 || n >= MAX_ENDPOINTS {
		return nil
	}

	return dev.eps[n]
}

// setRefillWaiting sets bit n of refill_queue, but only if the endpoint
// currently has no in-flight descriptors (§4.2 "fail-to-allocate" — if it
// has in-flight descriptors, a completion IRQ will drive progress).
func (dev *Device) setRefillWaiting(n int) {
	if dev.eps[n].descCount == 0 {
		dev.refillQueue |= 1 << uint(n)
	}
}

func (dev *Device) clearRefillWaiting(n int) {
	dev.refillQueue &^= 1 << uint(n)
}

// refillWaiting implements the fair-refill step of §4.2: EP0 wins
// unconditionally if waiting, otherwise the waiters are round-robined via
// refillRobin.
func (dev *Device) refillWaiting() {
	if dev.refillQueue == 0 {
		return
	}

	if dev.refillQueue&1 != 0 {
		dev.refillQueue &^= 1
		dev.eps[0].refill()
		return
	}

	start := dev.refillRobin

	for i := 0; i < MAX_ENDPOINTS; i++ {
		n := int((start + uint(i)) % MAX_ENDPOINTS)

		if dev.refillQueue&(1<<uint(n)) != 0 {
			dev.refillRobin = (uint(n) + 1) % MAX_ENDPOINTS
			dev.refillQueue &^= 1 << uint(n)
			dev.eps[n].refill()
			return
		}
	}
}

// completeLocked finalizes req: sets req.Status to status, invokes the user completion with the lock released, and
// supports re-entrant queuing from within that callback (§5).
func (dev *Device) completeLocked(req *Request, status error) {
	req.Status = status

	cb := req.Completion

	if cb == nil {
		return
	}

	dev.mu.Unlock()
	cb(req)
	dev.mu.Lock()
}

// Enable configures endpoint n from a descriptor (§4.3). EP0 cannot be
// enabled through this call; its configuration is implicit at Start.
func (dev *Device) Enable(n int, dir, typ, maxPacket int) error {
	dev.mu.Lock()
	defer dev.mu.Unlock()

	if n == 0 {
		return invalidConfig("endpoint 0 is configured implicitly")
	}

	if n < 0 || n >= MAX_ENDPOINTS {
		return invalidConfig("invalid endpoint number %d", n)
	}

	switch typ {
	case TypeBulk:
		if maxPacket < 8 || maxPacket > 512 || maxPacket&(maxPacket-1) != 0 {
			return invalidConfig("invalid bulk max packet size %d", maxPacket)
		}
	case TypeInterrupt:
		if maxPacket > 64 {
			return invalidConfig("invalid interrupt max packet size %d", maxPacket)
		}
	case TypeControl:
		return invalidConfig("control endpoints other than 0 are not supported")
	}

	ep := dev.eps[n]
	ep.Dir = dir
	ep.Type = typ
	ep.MaxPacket = maxPacket
	ep.enabled = true

	var cfg uint32
	cfg = setBit(cfg, EP_ENABLE)
	cfg = setPhase(cfg, 0)
	cfg = setMaxPacket(cfg, maxPacket)

	dev.ctrl.regWrite(ep.regOffset(), cfg)

	return nil
}

// Disable implements §4.3's disable: nuke-all with ErrShutdown, clear the
// enabled flag, zero the endpoint register.
func (dev *Device) Disable(n int) error {
	dev.mu.Lock()
	defer dev.mu.Unlock()

	ep := dev.eps[n]

	if ep == nil {
		return invalidConfig("invalid endpoint number %d", n)
	}

	ep.nuke(ErrShutdown)
	ep.enabled = false
	dev.ctrl.regWrite(ep.regOffset(), 0)

	return nil
}

// Queue implements §4.3's queue: validate, initialise bookkeeping fields,
// append to the endpoint FIFO, and refill.
func (dev *Device) Queue(n int, req *Request) error {
	dev.mu.Lock()
	defer dev.mu.Unlock()

	ep := dev.eps[n]

	if ep == nil || !ep.enabled {
		return invalidConfig("endpoint %d not enabled", n)
	}

	if dev.state == StateNotAttached {
		return invalidConfig("device speed not yet known")
	}

	req.ep = ep
	req.Status = nil
	req.Actual = 0
	req.commitedLength = 0
	req.commitedOnce = false
	req.descs = nil

	ep.pending = append(ep.pending, req)
	ep.pendingCompletion++

	ep.refill()

	return nil
}

// Dequeue implements §4.3's dequeue: locate req, cancel with ErrConnReset.
func (dev *Device) Dequeue(n int, req *Request) error {
	dev.mu.Lock()
	defer dev.mu.Unlock()

	ep := dev.eps[n]

	if ep == nil {
		return invalidConfig("invalid endpoint number %d", n)
	}

	for _, r := range ep.pending {
		if r == req {
			ep.cancel(req, ErrConnReset)
			ep.refill()
			return nil
		}
	}

	return invalidConfig("request not queued on endpoint %d", n)
}

// SetHalt implements §4.3's set_halt / §4.4's stall semantics.
func (dev *Device) SetHalt(n int, on bool) error {
	dev.mu.Lock()
	defer dev.mu.Unlock()

	ep := dev.eps[n]

	if ep == nil {
		return invalidConfig("invalid endpoint number %d", n)
	}

	if on && ep.Dir == IN && len(ep.pending) > 0 {
		return ErrAgain
	}

	if on {
		dev.stallEndpoint(n, false)
	} else {
		dev.unstallEndpoint(n, true)
	}

	return nil
}

func (dev *Device) stallEndpoint(n int, throwDesc bool) {
	orMask := uint32(1 << EP_STALL)
	andMask := ^uint32(0)

	if throwDesc {
		andMask &^= uint32(EP_HEAD_MASK) << EP_HEAD_POS
	}

	dev.ctrl.epStatusMask(n, andMask, orMask)
	dev.stallCount++
}

func (dev *Device) unstallEndpoint(n int, resetPhase bool) {
	andMask := ^uint32(1 << EP_STALL)

	if resetPhase {
		andMask &^= uint32(1) << EP_PHASE_POS
	}

	dev.ctrl.epStatusMask(n, andMask, 0)
}

// stallEP0 implements the SETUP-race recovery of §4.4: a pending SETUP
// interrupt, observed either before or after applying the stall, always
// wins and the stall is aborted/undone.
func (dev *Device) stallEP0() {
	if dev.ctrl.regGet(INTERRUPT, IRQ_SETUP, 1) == 1 {
		return
	}

	dev.stallEndpoint(0, false)

	if dev.ctrl.regGet(INTERRUPT, IRQ_SETUP, 1) == 1 {
		dev.unstallEndpoint(0, false)
	}
}

func setBit(v uint32, pos int) uint32 {
	return v | (1 << uint(pos))
}

func setPhase(v uint32, phase uint32) uint32 {
	return (v &^ (0b111 << EP_PHASE_POS)) | (phase << EP_PHASE_POS)
}

func setMaxPacket(v uint32, maxPacket int) uint32 {
	return (v &^ (uint32(EP_MAX_PACKET_MASK) << EP_MAX_PACKET_POS)) | (uint32(maxPacket) << EP_MAX_PACKET_POS)
}
