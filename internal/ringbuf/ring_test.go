package ringbuf

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"
)

func TestPutPeekSkipAcrossWrap(t *testing.T) {
	r, err := New(16)
	if err != nil {
		t.Fatal(err)
	}
	p, c := r.Producer(), r.Consumer()
	if err := p.TryPut(bytes.Repeat([]byte{0xaa}, 12)); err != nil {
		t.Fatal(err)
	}
	if err := c.Skip(12); err != nil {
		t.Fatal(err)
	}
	if got := c.BytesToWrap(); got != 4 {
		t.Fatalf("bytes to wrap = %d", got)
	}
	in := []byte("abcdefgh")
	if err := p.TryPut(in); err != nil {
		t.Fatal(err)
	}
	out := make([]byte, 8)
	if n := c.Peek(out); n != 8 || !bytes.Equal(out, in) {
		t.Fatalf("peek = %q (%d)", out, n)
	}
	if got := c.Pointer(); len(got) != 4 || string(got) != "abcd" {
		t.Fatalf("pointer = %q", got)
	}
	if c.AvailableData() != 8 {
		t.Fatalf("available = %d", c.AvailableData())
	}
	if !r.Contains(c.Pointer()) || r.Contains(out) {
		t.Fatalf("contains misreports backing memory")
	}
}

func TestTryPutFullAndTooLarge(t *testing.T) {
	r, _ := New(8)
	p := r.Producer()
	if err := p.TryPut(make([]byte, 9)); !errors.Is(err, ErrTooLarge) {
		t.Fatalf("expected ErrTooLarge, got %v", err)
	}
	if err := p.TryPut(make([]byte, 6)); err != nil {
		t.Fatal(err)
	}
	if err := p.TryPut(make([]byte, 3)); !errors.Is(err, ErrFull) {
		t.Fatalf("expected ErrFull, got %v", err)
	}
	if p.Space() != 2 {
		t.Fatalf("space = %d", p.Space())
	}
}

func TestGetWaitsAndTimesOut(t *testing.T) {
	r, _ := New(32)
	p, c := r.Producer(), r.Consumer()
	dst := make([]byte, 4)
	if _, err := c.Get(dst, 4, 5*time.Millisecond); !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	go func() {
		time.Sleep(5 * time.Millisecond)
		_ = p.Put(context.Background(), []byte{1, 2, 3, 4})
	}()
	n, err := c.Get(dst, 4, time.Second)
	if err != nil || n != 4 {
		t.Fatalf("get n=%d err=%v", n, err)
	}
	if c.AvailableData() != 0 {
		t.Fatalf("get did not consume")
	}
}

func TestProducerCannotConsume(t *testing.T) {
	r, _ := New(8)
	p := r.Producer()
	if p.Role() != RoleProducer || r.Consumer().Role() != RoleConsumer {
		t.Fatalf("roles misassigned")
	}
	if err := p.Skip(0); !errors.Is(err, ErrRole) {
		t.Fatalf("expected ErrRole, got %v", err)
	}
}

func TestPutHonoursContext(t *testing.T) {
	r, _ := New(8)
	p := r.Producer()
	_ = p.TryPut(make([]byte, 8))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	if err := p.Put(ctx, []byte{1}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline, got %v", err)
	}
}
