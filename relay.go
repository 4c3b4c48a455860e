package serial

import (
	"go.uber.org/atomic"
)

// Relay is a bounded single-producer/single-consumer byte queue.
//
// Exactly one goroutine may call Push and exactly one goroutine at a time
// may call Pop; the two sides synchronize only through the atomic head and
// tail indices. Push never blocks: when the queue is full the byte is
// dropped and counted as an overflow.
type Relay struct {
	buf  []byte
	head atomic.Uint64 // next slot to pop, owned by the consumer
	tail atomic.Uint64 // next slot to push, owned by the producer

	overflow ErrorSnapshot
	dropped  atomic.Uint64
}

// NewRelay returns a relay holding at most capacity bytes.
func NewRelay(capacity int) *Relay {
	if capacity <= 0 {
		capacity = DefaultRelayCapacity
	}
	return &Relay{buf: make([]byte, capacity)}
}

// Push appends b. It returns false, and counts one overflow, when the relay
// is full.
func (r *Relay) Push(b byte) bool {
	t := r.tail.Load()
	if t-r.head.Load() == uint64(len(r.buf)) {
		r.overflow.Add(1)
		r.dropped.Inc()
		return false
	}
	r.buf[t%uint64(len(r.buf))] = b
	r.tail.Store(t + 1)
	return true
}

// Pop removes the oldest byte. ok is false when the relay is empty.
func (r *Relay) Pop() (b byte, ok bool) {
	h := r.head.Load()
	if h == r.tail.Load() {
		return 0, false
	}
	b = r.buf[h%uint64(len(r.buf))]
	r.head.Store(h + 1)
	return b, true
}

// Len is the number of unread bytes. It is exact only when called from
// the producer or consumer side.
func (r *Relay) Len() int {
	return int(r.tail.Load() - r.head.Load())
}

// Cap returns the maximum number of bytes the relay holds.
func (r *Relay) Cap() int { return len(r.buf) }

// OverflowSinceLast returns the number of bytes dropped since the previous
// call. It is safe to call while the producer is pushing.
func (r *Relay) OverflowSinceLast() uint32 {
	return r.overflow.Since()
}

// Overflowed returns the total number of bytes dropped.
func (r *Relay) Overflowed() uint64 {
	return r.dropped.Load()
}

// ErrorSnapshot is a cumulative counter with a one-shot "since last query"
// read. The counter wraps at 2^32; deltas stay correct across the wrap.
type ErrorSnapshot struct {
	lastReported atomic.Uint32
	cumulative   atomic.Uint32
}

// Add records n new events.
func (s *ErrorSnapshot) Add(n uint32) {
	s.cumulative.Add(n)
}

// Since returns the events recorded since the previous call and marks them
// reported.
func (s *ErrorSnapshot) Since() uint32 {
	c := s.cumulative.Load()
	return c - s.lastReported.Swap(c)
}

// Total returns every event recorded so far.
func (s *ErrorSnapshot) Total() uint32 {
	return s.cumulative.Load()
}
