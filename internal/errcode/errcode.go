// Package errcode gives every RTnet operation a stable, comparable
// result code in place of a mix of negative-errno ints and booleans.
package errcode

// Code is a string newtype, comparable, allocation-free, and implements
// error. Handlers switch on it the way ioctl callers switch on errno.
type Code string

func (c Code) Error() string { return string(c) }

// Canonical codes, grouped by failure kind.
const (
	OK Code = "ok"

	// Not-ready: pool empty, non-blocking call would block, discipline
	// refusing detach because packets are still queued.
	Again Code = "again"

	// Timeout: a bounded wait expired with no progress.
	Timeout Code = "timeout"

	// Bad-argument: illegal parameter, unknown ioctl.
	Invalid    Code = "invalid_params"
	UnknownOp  Code = "unknown_ioctl"
	BadPayload Code = "invalid_payload"

	// Not-found: no device/route/entry.
	NoDevice Code = "no_device"
	NoEntry  Code = "no_entry"
	NoRoute  Code = "no_route"

	// Busy: conflicting state.
	Busy   Code = "busy"
	Exists Code = "exists"

	// Permission: non-privileged control op, wrong execution context.
	Permission Code = "permission"
	Access     Code = "access"

	// Socket/pool specific.
	NoBuffers   Code = "no_buffers"
	HostUnreach Code = "host_unreachable"

	// Not attached: RTmac discipline op on a device with none attached.
	NotAttached Code = "not_attached"

	// CallPending signals a blocking ioctl/rtpc call was accepted but
	// will complete later.
	CallPending Code = "call_pending"

	// Error is the generic fallback for anything uncategorized.
	Error Code = "error"
)

// E wraps a Code with an operation name, message and optional cause,
// for callers that want context beyond the bare code.
type E struct {
	C   Code
	Op  string
	Msg string
	Err error
}

func (e *E) Error() string {
	s := e.Op
	if s != "" {
		s += ": "
	}
	s += string(e.C)
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	return s
}

func (e *E) Unwrap() error { return e.Err }
func (e *E) Code() Code    { return e.C }

// Wrap builds an *E from an operation name, code and cause.
func Wrap(op string, c Code, err error) *E {
	return &E{C: c, Op: op, Err: err}
}

// Of extracts a Code from an arbitrary error, defaulting to Error.
func Of(err error) Code {
	if err == nil {
		return OK
	}
	if c, ok := err.(Code); ok {
		return c
	}
	type coder interface{ Code() Code }
	if x, ok := err.(coder); ok {
		return x.Code()
	}
	return Error
}

// IsTemporary reports whether retrying the same operation later has a
// chance of succeeding (pool refilled, peer rediscovered, etc).
func IsTemporary(err error) bool {
	switch Of(err) {
	case Again, Busy, Timeout, CallPending:
		return true
	default:
		return false
	}
}
