package ipc

import "time"

// LoopbackEndpoint is the in-memory bounded MPSC backend from
// spec.md §4.5, used by host-side integration tests that want kernel
// wait semantics without a real Router: NonBlocking returns WouldBlock
// immediately, Timeout uses the real wall clock, Blocking parks on the
// channel.
type LoopbackEndpoint struct {
	queue  chan []byte
	closed chan struct{}
}

// NewLoopbackPair returns two endpoints sharing one bounded queue of
// the given depth — one conventionally used as a Client, the other as
// a Server, though both expose the full Send/Recv pair.
func NewLoopbackPair(depth int) (*LoopbackEndpoint, *LoopbackEndpoint) {
	shared := &LoopbackEndpoint{queue: make(chan []byte, depth), closed: make(chan struct{})}
	return shared, shared
}

// Close wakes any parked Send/Recv with ErrClosed, mirroring endpoint
// destruction in the kernel backend.
func (e *LoopbackEndpoint) Close() {
	select {
	case <-e.closed:
	default:
		close(e.closed)
	}
}

func (e *LoopbackEndpoint) Send(frame []byte, w Wait) error {
	cp := append([]byte(nil), frame...)
	switch w.kind {
	case waitNonBlocking:
		select {
		case e.queue <- cp:
			return nil
		case <-e.closed:
			return ErrClosed
		default:
			return ErrWouldBlock
		}
	case waitTimeout:
		timer := time.NewTimer(w.timeout)
		defer timer.Stop()
		select {
		case e.queue <- cp:
			return nil
		case <-e.closed:
			return ErrClosed
		case <-timer.C:
			return ErrTimeout
		}
	default: // waitBlocking
		select {
		case e.queue <- cp:
			return nil
		case <-e.closed:
			return ErrClosed
		}
	}
}

func (e *LoopbackEndpoint) Recv(w Wait) ([]byte, error) {
	switch w.kind {
	case waitNonBlocking:
		select {
		case f := <-e.queue:
			return f, nil
		case <-e.closed:
			return nil, ErrClosed
		default:
			return nil, ErrWouldBlock
		}
	case waitTimeout:
		timer := time.NewTimer(w.timeout)
		defer timer.Stop()
		select {
		case f := <-e.queue:
			return f, nil
		case <-e.closed:
			return nil, ErrClosed
		case <-timer.C:
			return nil, ErrTimeout
		}
	default: // waitBlocking
		select {
		case f := <-e.queue:
			return f, nil
		case <-e.closed:
			return nil, ErrClosed
		}
	}
}
