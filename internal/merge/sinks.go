package merge

import (
	"bufio"
	"context"
	"errors"
	"io"

	"fragorder/internal/domain"
	"fragorder/internal/evbproto"
)

// WriterSink writes each fragment as a header+payload record.
type WriterSink struct {
	w *bufio.Writer
}

func NewWriterSink(w io.Writer) *WriterSink {
	return &WriterSink{w: bufio.NewWriter(w)}
}

func (s *WriterSink) Emit(_ context.Context, f domain.Fragment) error {
	return evbproto.WriteFragment(s.w, f)
}

func (s *WriterSink) Flush() error { return s.w.Flush() }

// MultiSink emits to every sink in turn, stopping at the first error.
type MultiSink []Sink

func (ms MultiSink) Emit(ctx context.Context, f domain.Fragment) error {
	for _, s := range ms {
		if err := s.Emit(ctx, f); err != nil {
			return err
		}
	}
	return nil
}

// Flush flushes every sink that buffers.
func (ms MultiSink) Flush(ctx context.Context) error {
	var errs []error
	for _, s := range ms {
		switch fl := s.(type) {
		case interface{ Flush(context.Context) error }:
			errs = append(errs, fl.Flush(ctx))
		case interface{ Flush() error }:
			errs = append(errs, fl.Flush())
		}
	}
	return errors.Join(errs...)
}

// Collector keeps owned copies of everything emitted.
type Collector struct {
	Fragments []domain.Fragment
}

func (c *Collector) Emit(_ context.Context, f domain.Fragment) error {
	c.Fragments = append(c.Fragments, f.Clone())
	return nil
}
