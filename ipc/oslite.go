package ipc

import "sync"

// OSLiteMailbox is the single-process mailbox registry keyed by service
// name from spec.md §4.5's "OS-lite cooperative" backend, used during
// early boot before the scheduler can preempt. Progress is driven by
// cooperative Clock.Yield calls, never a real thread park.
//
// The original implementation kept one global "default target" per
// process, which meant a task could only ever talk to one service at a
// time — flagged as a bug in spec.md §9 ("a correct implementation
// should bind target per-client"). OSLiteClient fixes this: the target
// service name is bound at construction, so two clients in the same
// process can address two different services concurrently.
type OSLiteMailbox struct {
	mu    sync.Mutex
	boxes map[string]chan []byte
	depth int
}

// NewOSLiteMailbox returns an empty registry; each named inbox is
// created lazily at depth capacity on first use.
func NewOSLiteMailbox(depth int) *OSLiteMailbox {
	return &OSLiteMailbox{boxes: make(map[string]chan []byte), depth: depth}
}

func (m *OSLiteMailbox) inbox(service string) chan []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.boxes[service]
	if !ok {
		ch = make(chan []byte, m.depth)
		m.boxes[service] = ch
	}
	return ch
}

// OSLiteClient addresses exactly one service, bound at construction —
// the per-client target fix described above.
type OSLiteClient struct {
	mailbox *OSLiteMailbox
	target  string
	clock   Clock
}

// NewOSLiteClient binds a client to target within mailbox.
func NewOSLiteClient(mailbox *OSLiteMailbox, target string, clock Clock) *OSLiteClient {
	return &OSLiteClient{mailbox: mailbox, target: target, clock: clock}
}

// nonBlockingSend is the raw primitive: the cooperative scheduler has no
// preemption, so there is no real "block" available — Blocking/Timeout
// Wait modes are layered on top via RetryUntil.
func (c *OSLiteClient) nonBlockingSend(frame []byte) error {
	ch := c.mailbox.inbox(c.target)
	cp := append([]byte(nil), frame...)
	select {
	case ch <- cp:
		return nil
	default:
		return ErrWouldBlock
	}
}

func (c *OSLiteClient) nonBlockingRecv() ([]byte, error) {
	ch := c.mailbox.inbox(c.target)
	select {
	case f := <-ch:
		return f, nil
	default:
		return nil, ErrWouldBlock
	}
}

func (c *OSLiteClient) Send(frame []byte, w Wait) error {
	_, deadline := w.flagsAndDeadlineOSLite(c.clock)
	if w.kind == waitNonBlocking {
		return c.nonBlockingSend(frame)
	}
	_, err := RetryUntil(c.clock, deadline, func() (struct{}, error) {
		return struct{}{}, c.nonBlockingSend(frame)
	})
	return err
}

func (c *OSLiteClient) Recv(w Wait) ([]byte, error) {
	_, deadline := w.flagsAndDeadlineOSLite(c.clock)
	if w.kind == waitNonBlocking {
		return c.nonBlockingRecv()
	}
	return RetryUntil(c.clock, deadline, func() ([]byte, error) {
		return c.nonBlockingRecv()
	})
}

// flagsAndDeadlineOSLite mirrors Wait.flagsAndDeadline but never sets
// NON_BLOCK: OSLiteClient's Send/Recv handle NonBlocking themselves.
// Deadline 0 means "retry forever" to RetryUntil, the same "no deadline"
// meaning it has for the kernel backend.
func (w Wait) flagsAndDeadlineOSLite(now Clock) (flags uint32, deadlineNs uint64) {
	switch w.kind {
	case waitTimeout:
		return 0, now.NowNanos() + uint64(w.timeout)
	default:
		return 0, 0
	}
}
