package merge

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"fragorder/internal/domain"
	"fragorder/internal/evbproto"
	"fragorder/internal/fragment"
	"fragorder/internal/ringchan"
	"fragorder/internal/ringitem"
)

// SliceSource replays fragments held in memory.
type SliceSource struct {
	frags []domain.Fragment
	next  int
}

func NewSliceSource(frags ...domain.Fragment) *SliceSource {
	return &SliceSource{frags: frags}
}

func (s *SliceSource) Next(context.Context) (domain.Fragment, error) {
	if s.next >= len(s.frags) {
		return domain.Fragment{}, io.EOF
	}
	f := s.frags[s.next]
	s.next++
	return f, nil
}

// ReaderSource decodes a stream of fragment records, the format WriterSink
// produces.
type ReaderSource struct {
	r *bufio.Reader
}

func NewReaderSource(r io.Reader) *ReaderSource {
	return &ReaderSource{r: bufio.NewReader(r)}
}

func (s *ReaderSource) Next(ctx context.Context) (domain.Fragment, error) {
	if err := ctx.Err(); err != nil {
		return domain.Fragment{}, err
	}
	return evbproto.ReadFragment(s.r)
}

type RingSourceConfig struct {
	// Filter drops fragments from unknown sources when set.
	Filter *fragment.SourceFilter
	// Watch ends the source once enough end-run barriers have passed.
	Watch *fragment.EndRunWatch
	// PollInterval is the sleep between ring polls.
	PollInterval time.Duration
	// PollsPerCheck bounds each wait so cancellation and the end-run
	// timeout are noticed.
	PollsPerCheck int
	// InputDone is closed by the producer after its final write. The source
	// then ends as soon as the ring holds no complete item.
	InputDone <-chan struct{}
}

func (c RingSourceConfig) withDefaults() RingSourceConfig {
	if c.PollInterval <= 0 {
		c.PollInterval = time.Millisecond
	}
	if c.PollsPerCheck <= 0 {
		c.PollsPerCheck = 100
	}
	return c
}

// RingSource feeds the merger from a ring channel. Fragment payloads borrow
// ring or scratch memory and are valid until the following Next.
type RingSource struct {
	ch      *ringchan.Channel
	adapter *fragment.Adapter
	cfg     RingSourceConfig
	pending []domain.Fragment
	now     func() time.Time
}

func NewRingSource(ch *ringchan.Channel, adapter *fragment.Adapter, cfg RingSourceConfig) *RingSource {
	return &RingSource{ch: ch, adapter: adapter, cfg: cfg.withDefaults(), now: time.Now}
}

func (s *RingSource) Next(ctx context.Context) (domain.Fragment, error) {
	for {
		if s.cfg.Watch != nil && s.cfg.Watch.Finished(s.now()) {
			return domain.Fragment{}, io.EOF
		}
		if len(s.pending) > 0 {
			f := s.pending[0]
			s.pending = s.pending[1:]
			if s.cfg.Watch != nil {
				s.cfg.Watch.Observe(f, s.now())
			}
			return f, nil
		}
		if err := ctx.Err(); err != nil {
			return domain.Fragment{}, err
		}
		n, err := s.ch.WaitForBytes(ringitem.MinItemSize, s.cfg.PollsPerCheck, s.cfg.PollInterval)
		if err != nil {
			return domain.Fragment{}, err
		}
		if n == 0 {
			if !s.inputDone() {
				continue
			}
			// The final write happened before InputDone closed; look once more.
			if n, err = s.ch.WaitForBytes(ringitem.MinItemSize, 1, 0); err != nil {
				return domain.Fragment{}, err
			}
			if n == 0 {
				return domain.Fragment{}, io.EOF
			}
		}
		chunk, err := s.ch.NextChunk()
		if err != nil {
			return domain.Fragment{}, err
		}
		frags, err := s.adapter.Adapt(chunk)
		if err != nil {
			return domain.Fragment{}, err
		}
		if s.cfg.Filter != nil {
			frags = s.cfg.Filter.Apply(frags)
		}
		s.pending = frags
	}
}

func (s *RingSource) inputDone() bool {
	if s.cfg.InputDone == nil {
		return false
	}
	select {
	case <-s.cfg.InputDone:
		return true
	default:
		return false
	}
}

// SplitSource demultiplexes a source carrying several source ids into one
// merge cursor per id, so an end-run barrier parks only the cursor of the
// id that sent it. Fragments for ids other than the caller's are queued
// until that id's cursor asks for them. Every fragment is cloned because
// one cursor may still hold a fragment while another reads on.
type SplitSource struct {
	src    Source
	ids    []domain.SourceID
	queues map[domain.SourceID][]domain.Fragment
	err    error
}

func NewSplitSource(src Source, ids ...domain.SourceID) *SplitSource {
	s := &SplitSource{src: src, queues: make(map[domain.SourceID][]domain.Fragment, len(ids))}
	for _, id := range ids {
		if _, dup := s.queues[id]; dup {
			continue
		}
		s.ids = append(s.ids, id)
		s.queues[id] = nil
	}
	return s
}

// Sources returns one cursor per source id in the order given to
// NewSplitSource.
func (s *SplitSource) Sources() []Source {
	out := make([]Source, len(s.ids))
	for i, id := range s.ids {
		out[i] = s.Source(id)
	}
	return out
}

func (s *SplitSource) Source(id domain.SourceID) Source {
	return SourceFunc(func(ctx context.Context) (domain.Fragment, error) { return s.next(ctx, id) })
}

func (s *SplitSource) next(ctx context.Context, id domain.SourceID) (domain.Fragment, error) {
	for {
		if q := s.queues[id]; len(q) > 0 {
			f := q[0]
			q[0] = domain.Fragment{}
			s.queues[id] = q[1:]
			return f, nil
		}
		if s.err != nil {
			return domain.Fragment{}, s.err
		}
		f, err := s.src.Next(ctx)
		if errors.Is(err, io.EOF) {
			s.err = io.EOF
			continue
		}
		if err != nil {
			return domain.Fragment{}, err
		}
		f = f.Clone()
		if f.SourceID == id {
			return f, nil
		}
		if _, ok := s.queues[f.SourceID]; !ok {
			s.err = fmt.Errorf("%w: source id %d is not split out", domain.ErrInvalidArgument, f.SourceID)
			return domain.Fragment{}, s.err
		}
		s.queues[f.SourceID] = append(s.queues[f.SourceID], f)
	}
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context) (domain.Fragment, error)

func (fn SourceFunc) Next(ctx context.Context) (domain.Fragment, error) { return fn(ctx) }
