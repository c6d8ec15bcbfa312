// Package merge orders fragments from several sources into a single
// timestamp ordered stream bracketed by run barriers.
package merge

import (
	"context"
	"errors"
	"fmt"
	"io"

	"go.uber.org/zap"

	"fragorder/internal/domain"
	"fragorder/internal/logging"
)

var ErrState = errors.New("merger operation not valid in current state")

// Source yields fragments in its own order and io.EOF once exhausted. The
// merger emits a fragment before asking its source for the next one, so a
// source may reuse payload memory between calls.
type Source interface {
	Next(ctx context.Context) (domain.Fragment, error)
}

// Sink receives merged fragments. Payloads are only valid for the duration
// of Emit.
type Sink interface {
	Emit(ctx context.Context, f domain.Fragment) error
}

type SinkFunc func(ctx context.Context, f domain.Fragment) error

func (fn SinkFunc) Emit(ctx context.Context, f domain.Fragment) error { return fn(ctx, f) }

type State int

const (
	StatePriming State = iota
	StateDraining
	StateDrainingEnds
	StateClosed
)

func (s State) String() string {
	switch s {
	case StatePriming:
		return "priming"
	case StateDraining:
		return "draining"
	case StateDrainingEnds:
		return "draining-ends"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

type cursor struct {
	src       Source
	frag      domain.Fragment
	has       bool
	exhausted bool
	// lastStamp is the most recent real timestamp from this source and
	// stands in for fragments that arrive without one.
	lastStamp uint64
	emitted   uint64
}

// Report summarises a completed merge. Source indices refer to the order
// the sources were given to New.
type Report struct {
	MissingBegins []int
	MissingEnds   []int
	Emitted       []uint64
}

type Option func(*Merger)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(m *Merger) { m.log = logging.OrNop(l) }
}

type Merger struct {
	cursors []cursor
	sink    Sink
	state   State
	log     *zap.SugaredLogger

	missingBegins []int
	missingEnds   []int
	// dataOut is set once a non-barrier fragment has been emitted.
	dataOut bool
}

func New(sources []Source, sink Sink, opts ...Option) (*Merger, error) {
	if len(sources) == 0 {
		return nil, fmt.Errorf("%w: no sources", domain.ErrConfiguration)
	}
	if sink == nil {
		return nil, fmt.Errorf("%w: nil sink", domain.ErrConfiguration)
	}
	m := &Merger{cursors: make([]cursor, len(sources)), sink: sink, log: zap.NewNop().Sugar()}
	for i, s := range sources {
		if s == nil {
			return nil, fmt.Errorf("%w: source %d is nil", domain.ErrConfiguration, i)
		}
		m.cursors[i].src = s
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

func (m *Merger) State() State { return m.state }

// Begin primes every source and emits the begin-run barriers found at the
// front of each.
func (m *Merger) Begin(ctx context.Context) error {
	if m.state != StatePriming {
		return fmt.Errorf("%w: begin while %s", ErrState, m.state)
	}
	for i := range m.cursors {
		if err := m.refill(ctx, i); err != nil {
			return err
		}
	}
	m.missingBegins = m.missingBegins[:0]
	for i := range m.cursors {
		c := &m.cursors[i]
		if !c.has || c.frag.Barrier != domain.BarrierBeginRun {
			m.missingBegins = append(m.missingBegins, i)
		}
		for c.has && c.frag.Barrier == domain.BarrierBeginRun {
			if err := m.emit(ctx, i); err != nil {
				return err
			}
		}
	}
	if n := len(m.missingBegins); n > 0 {
		m.log.Warnw("sources without a begin run barrier", "count", n, "sources", m.missingBegins)
	}
	m.state = StateDraining
	if m.AtEnd() {
		m.state = StateDrainingEnds
	}
	return nil
}

// OutputOldest emits the buffered fragment with the smallest timestamp,
// ignoring end-run barriers. Ties go to the lowest source index. A begin-run
// barrier reached after data has gone out is emitted in timestamp order and
// logged.
func (m *Merger) OutputOldest(ctx context.Context) error {
	if m.state != StateDraining {
		return fmt.Errorf("%w: output while %s", ErrState, m.state)
	}
	oldest := -1
	for i := range m.cursors {
		c := &m.cursors[i]
		if !c.has || c.frag.Barrier == domain.BarrierEndRun {
			continue
		}
		if oldest < 0 || c.frag.Timestamp < m.cursors[oldest].frag.Timestamp {
			oldest = i
		}
	}
	if oldest >= 0 {
		if f := m.cursors[oldest].frag; f.Barrier == domain.BarrierBeginRun && m.dataOut {
			m.log.Warnw("begin run barrier after data", "source", oldest, "source_id", f.SourceID, "timestamp", f.Timestamp)
		}
		if err := m.emit(ctx, oldest); err != nil {
			return err
		}
	}
	if m.AtEnd() {
		m.state = StateDrainingEnds
	}
	return nil
}

// AtEnd reports whether every source is exhausted or parked on an end-run
// barrier.
func (m *Merger) AtEnd() bool {
	for i := range m.cursors {
		c := &m.cursors[i]
		if c.has && c.frag.Barrier != domain.BarrierEndRun {
			return false
		}
	}
	return true
}

// End emits the buffered end-run barriers and closes the merger.
func (m *Merger) End(ctx context.Context) error {
	if m.state != StateDrainingEnds && !(m.state == StateDraining && m.AtEnd()) {
		return fmt.Errorf("%w: end while %s", ErrState, m.state)
	}
	m.missingEnds = m.missingEnds[:0]
	for i := range m.cursors {
		c := &m.cursors[i]
		if !c.has {
			m.missingEnds = append(m.missingEnds, i)
			continue
		}
		if err := m.sink.Emit(ctx, c.frag); err != nil {
			return fmt.Errorf("emit end run from source %d: %w", i, err)
		}
		c.emitted++
		c.has = false
	}
	if n := len(m.missingEnds); n > 0 {
		m.log.Warnw("sources ended without an end run barrier", "count", n, "sources", m.missingEnds)
	}
	m.state = StateClosed
	return nil
}

// Run drives a full merge: Begin, OutputOldest until AtEnd, End.
func (m *Merger) Run(ctx context.Context) (Report, error) {
	if err := m.Begin(ctx); err != nil {
		return m.report(), err
	}
	for m.state == StateDraining {
		if err := ctx.Err(); err != nil {
			return m.report(), err
		}
		if err := m.OutputOldest(ctx); err != nil {
			return m.report(), err
		}
	}
	if err := m.End(ctx); err != nil {
		return m.report(), err
	}
	return m.report(), nil
}

func (m *Merger) report() Report {
	r := Report{
		MissingBegins: append([]int(nil), m.missingBegins...),
		MissingEnds:   append([]int(nil), m.missingEnds...),
		Emitted:       make([]uint64, len(m.cursors)),
	}
	for i := range m.cursors {
		r.Emitted[i] = m.cursors[i].emitted
	}
	return r
}

func (m *Merger) emit(ctx context.Context, i int) error {
	c := &m.cursors[i]
	if err := m.sink.Emit(ctx, c.frag); err != nil {
		return fmt.Errorf("emit from source %d: %w", i, err)
	}
	c.emitted++
	if c.frag.Barrier == domain.BarrierNone {
		m.dataOut = true
	}
	return m.refill(ctx, i)
}

func (m *Merger) refill(ctx context.Context, i int) error {
	c := &m.cursors[i]
	c.has = false
	if c.exhausted {
		return nil
	}
	f, err := c.src.Next(ctx)
	if errors.Is(err, io.EOF) {
		c.exhausted = true
		return nil
	}
	if err != nil {
		return fmt.Errorf("read source %d: %w", i, err)
	}
	if f.HasTimestamp() {
		c.lastStamp = f.Timestamp
	} else {
		f.Timestamp = c.lastStamp
	}
	c.frag = f
	c.has = true
	return nil
}
