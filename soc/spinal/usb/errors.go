package usb

import "errors"

// Sentinel errors, one per kind in the error taxonomy (§7). Callers use
// errors.Is against these rather than matching on error strings, following
// the reference driver family's plain fmt.Errorf/%w style (no custom error
// hierarchy, no third-party error package — the reference family never
// reaches for one here, so none is introduced in this rewrite either).
var (
	// ErrInvalid is returned for invalid configuration: unsupported
	// max-packet, control requested on a non-zero endpoint, a missing
	// descriptor, or an unsupported GET_DESCRIPTOR type.
	ErrInvalid = errors.New("usb: invalid configuration")

	// ErrBusy is returned when EP0 already has an outstanding request.
	ErrBusy = errors.New("usb: endpoint busy")

	// ErrAgain is returned when set_halt(true) is rejected because the
	// IN endpoint has pending requests.
	ErrAgain = errors.New("usb: try again")

	// ErrConnReset is the completion status for a dequeued request and
	// for EP0 requests nuked by a newly received SETUP packet.
	ErrConnReset = errors.New("usb: connection reset")

	// ErrShutdown is the completion status for requests nuked by
	// disable() or controller shutdown.
	ErrShutdown = errors.New("usb: shutdown")

	// ErrStall marks a protocol error handled by stalling EP0.
	ErrStall = errors.New("usb: stall")
)
