// Package ringbuf is an in-process single-producer / single-consumer byte
// ring with the access surface the ring channel expects from a shared
// data-acquisition ring buffer.
//
// Indices are monotonic uint64 counters; positions are taken modulo the
// capacity, so any capacity >= MinCapacity works. Exactly one goroutine may
// use the Producer and one the Consumer.
package ringbuf

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"
	"unsafe"
)

const MinCapacity = 8

var (
	ErrFull     = errors.New("ring full")
	ErrTooLarge = errors.New("write larger than ring")
	ErrTimeout  = errors.New("ring get timed out")
	ErrRole     = errors.New("operation not permitted for ring role")
)

type Role int

const (
	RoleProducer Role = iota
	RoleConsumer
)

func (r Role) String() string {
	if r == RoleConsumer {
		return "consumer"
	}
	return "producer"
}

// Buffer is the consumer-side view of a ring buffer.
type Buffer interface {
	Role() Role
	Capacity() int
	AvailableData() int
	// BytesToWrap is the distance from the read position to the physical
	// end of the backing memory.
	BytesToWrap() int
	// Peek copies up to len(dst) bytes without consuming them, handling
	// wrap, and reports how many were copied.
	Peek(dst []byte) int
	// Get consumes at least min and at most len(dst) bytes, waiting up to
	// timeout (0 waits forever) for min bytes to arrive.
	Get(dst []byte, min int, timeout time.Duration) (int, error)
	Skip(n int) error
	// Pointer borrows the backing memory from the read position to the
	// physical end. It is valid until the bytes are skipped.
	Pointer() []byte
}

type Ring struct {
	buf []byte
	rd  atomic.Uint64
	wr  atomic.Uint64

	pollInterval time.Duration
}

func New(capacity int) (*Ring, error) {
	if capacity < MinCapacity {
		return nil, fmt.Errorf("ring capacity %d below minimum %d", capacity, MinCapacity)
	}
	return &Ring{buf: make([]byte, capacity), pollInterval: 50 * time.Microsecond}, nil
}

func (r *Ring) Producer() *Producer { return &Producer{endpoint{r: r, role: RoleProducer}} }

func (r *Ring) Consumer() *Consumer { return &Consumer{endpoint{r: r, role: RoleConsumer}} }

// Contains reports whether p points into the ring's backing memory.
func (r *Ring) Contains(p []byte) bool {
	if len(p) == 0 {
		return false
	}
	start := uintptr(unsafe.Pointer(&r.buf[0]))
	at := uintptr(unsafe.Pointer(&p[0]))
	return at >= start && at < start+uintptr(len(r.buf))
}

func (r *Ring) capacity() uint64 { return uint64(len(r.buf)) }

func (r *Ring) used() uint64 { return r.wr.Load() - r.rd.Load() }

type endpoint struct {
	r    *Ring
	role Role
}

func (e endpoint) Role() Role { return e.role }

func (e endpoint) Capacity() int { return len(e.r.buf) }

func (e endpoint) AvailableData() int { return int(e.r.used()) }

func (e endpoint) BytesToWrap() int {
	return int(e.r.capacity() - e.r.rd.Load()%e.r.capacity())
}

func (e endpoint) Peek(dst []byte) int {
	r := e.r
	rd := r.rd.Load()
	avail := r.wr.Load() - rd
	n := uint64(len(dst))
	if n > avail {
		n = avail
	}
	idx := rd % r.capacity()
	first := copy(dst[:n], r.buf[idx:])
	if uint64(first) < n {
		copy(dst[first:n], r.buf)
	}
	return int(n)
}

func (e endpoint) Pointer() []byte {
	r := e.r
	return r.buf[r.rd.Load()%r.capacity():]
}

// Consumer is the reading end of a ring.
type Consumer struct{ endpoint }

func (c *Consumer) Skip(n int) error {
	if n < 0 || uint64(n) > c.r.used() {
		return fmt.Errorf("skip %d bytes with %d available", n, c.r.used())
	}
	c.r.rd.Add(uint64(n))
	return nil
}

func (c *Consumer) Get(dst []byte, min int, timeout time.Duration) (int, error) {
	if min > len(dst) {
		min = len(dst)
	}
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	for c.AvailableData() < min {
		if !deadline.IsZero() && time.Now().After(deadline) {
			return 0, ErrTimeout
		}
		time.Sleep(c.r.pollInterval)
	}
	n := c.Peek(dst)
	c.r.rd.Add(uint64(n))
	return n, nil
}

// Producer is the writing end of a ring. It satisfies Buffer so that it can
// be inspected, but it may not consume data.
type Producer struct{ endpoint }

func (p *Producer) Skip(int) error { return ErrRole }

func (p *Producer) Get([]byte, int, time.Duration) (int, error) { return 0, ErrRole }

func (p *Producer) Space() int { return int(p.r.capacity() - p.r.used()) }

// TryPut writes b in full or not at all.
func (p *Producer) TryPut(b []byte) error {
	r := p.r
	if uint64(len(b)) > r.capacity() {
		return ErrTooLarge
	}
	wr := r.wr.Load()
	if r.capacity()-(wr-r.rd.Load()) < uint64(len(b)) {
		return ErrFull
	}
	idx := wr % r.capacity()
	n := copy(r.buf[idx:], b)
	if n < len(b) {
		copy(r.buf, b[n:])
	}
	r.wr.Store(wr + uint64(len(b)))
	return nil
}

// Put waits for room to write b.
func (p *Producer) Put(ctx context.Context, b []byte) error {
	for {
		err := p.TryPut(b)
		if !errors.Is(err, ErrFull) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.r.pollInterval):
		}
	}
}
