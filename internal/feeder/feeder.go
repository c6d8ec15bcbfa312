// Package feeder replays ring item streams through in-process rings and
// merges them into one ordered fragment stream.
package feeder

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"fragorder/internal/domain"
	"fragorder/internal/fragment"
	"fragorder/internal/logging"
	"fragorder/internal/merge"
	"fragorder/internal/ringbuf"
	"fragorder/internal/ringchan"
	"fragorder/internal/ringitem"
)

const DefaultRingCapacity = 1 << 20

type Config struct {
	RingCapacity int
	Adapter      fragment.Config
	// ValidSources drops other source ids. With more than one id each input
	// is split into one merge cursor per id.
	ValidSources []domain.SourceID
	// EndsExpected stops an input after that many end-run barriers. Above
	// one it needs ValidSources naming at least as many ids, since each end
	// must come from its own source.
	EndsExpected  int
	EndTimeout    time.Duration
	PollInterval  time.Duration
	PollsPerCheck int
}

func (c Config) withDefaults() Config {
	if c.RingCapacity <= 0 {
		c.RingCapacity = DefaultRingCapacity
	}
	return c
}

func (c Config) Validate() error {
	if c.RingCapacity < ringbuf.MinCapacity {
		return fmt.Errorf("%w: ring capacity %d", domain.ErrConfiguration, c.RingCapacity)
	}
	if c.EndsExpected < 0 {
		return fmt.Errorf("%w: negative ends expected", domain.ErrConfiguration)
	}
	if c.EndsExpected > 1 && c.EndsExpected > len(c.ValidSources) {
		return fmt.Errorf("%w: %d ends expected from %d valid sources", domain.ErrConfiguration, c.EndsExpected, len(c.ValidSources))
	}
	return c.Adapter.Validate()
}

type Feeder struct {
	cfg Config
	log *zap.SugaredLogger
}

func New(cfg Config, log *zap.SugaredLogger) (*Feeder, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Feeder{cfg: cfg, log: logging.OrNop(log)}, nil
}

type input struct {
	ring *ringbuf.Ring
	ch   *ringchan.Channel
	done chan struct{}
	err  error
}

// Run pumps every input into its own ring and merges the rings into sink.
// Pumps still blocked on a full ring when the merge finishes are cancelled.
// Report indices count merge cursors: one per input, or one per valid
// source id per input when the inputs are split.
func (f *Feeder) Run(ctx context.Context, inputs []io.Reader, sink merge.Sink) (merge.Report, error) {
	if len(inputs) == 0 {
		return merge.Report{}, fmt.Errorf("%w: no inputs", domain.ErrConfiguration)
	}
	pumpCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	ins := make([]*input, len(inputs))
	var sources []merge.Source
	for i := range inputs {
		in, src, err := f.open()
		if err != nil {
			return merge.Report{}, err
		}
		ins[i] = in
		if len(f.cfg.ValidSources) > 1 {
			sources = append(sources, merge.NewSplitSource(src, f.cfg.ValidSources...).Sources()...)
			continue
		}
		sources = append(sources, src)
	}

	var wg sync.WaitGroup
	for i, r := range inputs {
		in := ins[i]
		wg.Add(1)
		go func(i int, r io.Reader) {
			defer wg.Done()
			defer close(in.done)
			in.err = Pump(pumpCtx, r, in.ring.Producer())
			if in.err != nil && !errors.Is(in.err, context.Canceled) {
				f.log.Errorw("input pump failed", "input", i, "error", in.err)
			}
		}(i, r)
	}

	m, err := merge.New(sources, sink, merge.WithLogger(f.log))
	if err != nil {
		cancel()
		wg.Wait()
		return merge.Report{}, err
	}
	rep, runErr := m.Run(ctx)
	cancel()
	wg.Wait()

	errs := []error{runErr}
	for i, in := range ins {
		if in.err != nil && !errors.Is(in.err, context.Canceled) {
			errs = append(errs, fmt.Errorf("input %d: %w", i, in.err))
		}
		_ = in.ch.Close()
	}
	return rep, errors.Join(errs...)
}

func (f *Feeder) open() (*input, merge.Source, error) {
	ring, err := ringbuf.New(f.cfg.RingCapacity)
	if err != nil {
		return nil, nil, err
	}
	ch, err := ringchan.New(ring.Consumer())
	if err != nil {
		return nil, nil, err
	}
	adapter, err := fragment.NewAdapter(f.cfg.Adapter)
	if err != nil {
		return nil, nil, err
	}
	in := &input{ring: ring, ch: ch, done: make(chan struct{})}
	scfg := merge.RingSourceConfig{
		PollInterval:  f.cfg.PollInterval,
		PollsPerCheck: f.cfg.PollsPerCheck,
		InputDone:     in.done,
	}
	if len(f.cfg.ValidSources) > 0 {
		scfg.Filter = fragment.NewSourceFilter(f.cfg.ValidSources...)
	}
	if f.cfg.EndsExpected > 0 {
		scfg.Watch = &fragment.EndRunWatch{Expected: f.cfg.EndsExpected, Timeout: f.cfg.EndTimeout}
	}
	return in, merge.NewRingSource(ch, adapter, scfg), nil
}

// Pump copies length-prefixed ring items from r into the ring, waiting for
// room as needed. A clean end of input between items returns nil.
func Pump(ctx context.Context, r io.Reader, p *ringbuf.Producer) error {
	var size [4]byte
	for {
		if _, err := io.ReadFull(r, size[:]); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("%w: truncated item size", ringchan.ErrCorrupt)
		}
		n := int(binary.LittleEndian.Uint32(size[:]))
		if n < ringitem.MinItemSize {
			return fmt.Errorf("%w: item declares %d bytes", ringchan.ErrCorrupt, n)
		}
		if n > p.Capacity() {
			return fmt.Errorf("%w: %d byte item in a %d byte ring", ringbuf.ErrTooLarge, n, p.Capacity())
		}
		item := make([]byte, n)
		copy(item, size[:])
		if _, err := io.ReadFull(r, item[4:]); err != nil {
			return fmt.Errorf("%w: truncated item body", ringchan.ErrCorrupt)
		}
		if err := p.Put(ctx, item); err != nil {
			return err
		}
	}
}
