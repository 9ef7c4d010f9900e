package ipc

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

const (
	routeQueryTag    = 0x40
	routeReplyTag    = 0x41
	maxServiceName   = 48
	nonceLen         = 16
	nonceRetryBudget = 64
)

// Router names the control-endpoint handshake from spec.md §4.5/§6: a
// service name resolves, once, to a concrete (send_slot, recv_slot)
// pair, then every later call for that name reuses the cached slots.
//
// The wire frame is extended with a trailing uuid nonce beyond what
// spec.md §6 specifies for the minimal query/reply pair: the control
// endpoint is shared by every outstanding route query a task issues, so
// a reply must be matched to its query. A mismatched nonce is retried,
// rate-limited so a misbehaving control-endpoint peer can't spin a
// caller's CPU — up to nonceRetryBudget attempts before giving up.
type Router struct {
	control Client
	clock   Clock

	mu    sync.Mutex
	cache map[string]Slots
	limiter *rate.Limiter
}

// Slots is the resolved (send_slot, recv_slot) pair for a named
// service, per spec.md §6's control-endpoint handshake.
type Slots struct {
	SendSlot uint32
	RecvSlot uint32
}

// NewRouter builds a service-name router over control, the Client bound
// to the control endpoint's (slot 1, slot 2) pair (spec.md §6 table).
func NewRouter(control Client, clock Clock) *Router {
	return &Router{
		control: control,
		clock:   clock,
		cache:   make(map[string]Slots),
		limiter: rate.NewLimiter(rate.Limit(50), 1),
	}
}

// Resolve looks up name, consulting the cache first, and returns its
// bound slot pair.
func (rt *Router) Resolve(name string) (Slots, error) {
	rt.mu.Lock()
	if s, ok := rt.cache[name]; ok {
		rt.mu.Unlock()
		return s, nil
	}
	rt.mu.Unlock()

	if len(name) > maxServiceName {
		return Slots{}, fmt.Errorf("ipc: service name %q exceeds %d bytes", name, maxServiceName)
	}

	for attempt := 0; attempt < nonceRetryBudget; attempt++ {
		nonce := uuid.New()
		query := encodeRouteQuery(name, nonce)
		if err := rt.control.Send(query, Blocking); err != nil {
			return Slots{}, fmt.Errorf("ipc: route query send: %w", err)
		}
		reply, err := rt.control.Recv(Blocking)
		if err != nil {
			return Slots{}, fmt.Errorf("ipc: route query recv: %w", err)
		}
		status, slots, replyNonce, err := decodeRouteReply(reply)
		if err != nil {
			return Slots{}, err
		}
		if replyNonce != nonce {
			if err := rt.limiter.Wait(context.Background()); err != nil {
				return Slots{}, fmt.Errorf("ipc: route query nonce mismatch, rate limiter: %w", err)
			}
			continue
		}
		if status != 0 {
			return Slots{}, fmt.Errorf("%w: %s", ErrUnknownService, name)
		}
		rt.mu.Lock()
		rt.cache[name] = slots
		rt.mu.Unlock()
		return slots, nil
	}
	return Slots{}, fmt.Errorf("ipc: route query for %q: exhausted %d nonce-mismatch retries", name, nonceRetryBudget)
}

func encodeRouteQuery(name string, nonce uuid.UUID) []byte {
	b := make([]byte, 0, 2+len(name)+nonceLen)
	b = append(b, routeQueryTag, byte(len(name)))
	b = append(b, name...)
	b = append(b, nonce[:]...)
	return b
}

func decodeRouteReply(frame []byte) (status byte, slots Slots, nonce uuid.UUID, err error) {
	const fixedLen = 1 + 1 + 4 + 4 + nonceLen
	if len(frame) != fixedLen || frame[0] != routeReplyTag {
		return 0, Slots{}, uuid.UUID{}, fmt.Errorf("ipc: malformed route reply frame (len=%d)", len(frame))
	}
	status = frame[1]
	sendSlot := binary.LittleEndian.Uint32(frame[2:6])
	recvSlot := binary.LittleEndian.Uint32(frame[6:10])
	copy(nonce[:], frame[10:10+nonceLen])
	return status, Slots{SendSlot: sendSlot, RecvSlot: recvSlot}, nonce, nil
}
