package ipc

// spinMask bounds how often a budget loop consults the clock: every 128
// spins, matching spec.md §4.6's "(spins & 0x7F) == 0" check — tuned so
// a fast-path success never touches the clock at all.
const spinMask = 0x7F

// RetryUntil turns a non-blocking attempt into a bounded poll against
// deadlineNs on clock, implementing spec.md §4.6's retry_ipc_until
// exactly: op is retried until it stops returning ErrWouldBlock, with
// the clock consulted only every 128 spins so a fast-path success never
// touches it. deadlineNs == 0 means "no deadline, retry forever" —
// OS-lite's Blocking Wait composes on top of this.
func RetryUntil[T any](clock Clock, deadlineNs uint64, op func() (T, error)) (T, error) {
	var spins uint64
	for {
		v, err := op()
		if err != ErrWouldBlock {
			return v, err
		}
		if deadlineNs != 0 && spins&spinMask == 0 {
			if clock.NowNanos() >= deadlineNs {
				var zero T
				return zero, ErrTimeout
			}
		}
		clock.Yield()
		spins++
	}
}

// SendBudgeted composes RetryUntil over Client.Send with Wait::NonBlocking,
// per spec.md §4.6.
func SendBudgeted(clock Clock, c Client, frame []byte, deadlineNs uint64) error {
	_, err := RetryUntil(clock, deadlineNs, func() (struct{}, error) {
		return struct{}{}, c.Send(frame, NonBlocking)
	})
	return err
}

// RecvBudgeted composes RetryUntil over Client.Recv with Wait::NonBlocking.
func RecvBudgeted(clock Clock, c Client, deadlineNs uint64) ([]byte, error) {
	return RetryUntil(clock, deadlineNs, func() ([]byte, error) {
		return c.Recv(NonBlocking)
	})
}
