package ipc

import "errors"

// Transport errors are shaped like the wire error taxonomy from
// spec.md §7 but kept distinct from internal/kernel/router's errors so
// every backend (kernel, loopback, OS-lite) can produce the same set
// regardless of what's underneath it.
var (
	ErrWouldBlock  = errors.New("ipc: would block")
	ErrTimeout     = errors.New("ipc: timed out")
	ErrClosed      = errors.New("ipc: endpoint closed")
	ErrNoSpace     = errors.New("ipc: no space (payload larger than receive buffer, or no free slot)")
	ErrUnknownService = errors.New("ipc: unknown service name")
)

// semanticError distinguishes errors a caller is expected to branch on
// (WouldBlock/Timeout/Closed) from anything else, which callers should
// treat as opaque and just propagate or log — mirroring how the
// original keeps a small closed error enum at the trait boundary and
// pushes everything else through From conversions.
type semanticError struct {
	err error
}

func (e semanticError) Error() string { return e.err.Error() }
func (e semanticError) Unwrap() error { return e.err }

// IsWouldBlock reports whether err is the non-blocking "try again"
// signal from any backend.
func IsWouldBlock(err error) bool { return errors.Is(err, ErrWouldBlock) }

// IsTimeout reports whether err is a deadline-elapsed signal from any
// backend or from a budget helper.
func IsTimeout(err error) bool { return errors.Is(err, ErrTimeout) }
