// Package kafka mirrors ordered fragments to a Kafka topic.
package kafka

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"

	"fragorder/internal/domain"
	"fragorder/internal/logging"
	"fragorder/internal/tap"
)

const HeaderBarrier = "barrier"

type Config struct {
	Enabled  bool
	Brokers  []string
	Topic    string
	ClientID string
	// BarriersOnly restricts the mirror to run-control fragments.
	BarriersOnly bool
	Linger       time.Duration
	MaxBuffered  int
	TLS          TLSConfig
}

type TLSConfig struct {
	Enabled            bool
	InsecureSkipVerify bool
}

func (c *Config) withDefaults() {
	if c.ClientID == "" {
		c.ClientID = "fragorder-tap"
	}
	if c.Linger <= 0 {
		c.Linger = 5 * time.Millisecond
	}
	if c.MaxBuffered <= 0 {
		c.MaxBuffered = 10000
	}
}

func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if len(c.Brokers) == 0 {
		return errors.New("tap.kafka.brokers is required")
	}
	if c.Topic == "" {
		return errors.New("tap.kafka.topic is required")
	}
	return nil
}

// Sink produces one record per emitted fragment, keyed by source id so each
// source stays ordered within its partition. Produce is asynchronous; Flush
// waits for outstanding records and reports the first failure since the
// previous Flush.
type Sink struct {
	cfg Config
	log *zap.SugaredLogger

	produce func(context.Context, *kgo.Record, func(*kgo.Record, error))
	flush   func(context.Context) error
	close   func()

	mu       sync.Mutex
	firstErr error
	produced uint64
}

type Option func(*Sink)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(s *Sink) { s.log = logging.OrNop(l) }
}

func NewSink(cfg Config, opts []Option, kopts ...kgo.Opt) (*Sink, error) {
	cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if !cfg.Enabled {
		return nil, fmt.Errorf("%w: kafka tap disabled", domain.ErrConfiguration)
	}
	base := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.DefaultProduceTopic(cfg.Topic),
		kgo.ClientID(cfg.ClientID),
		kgo.ProducerLinger(cfg.Linger),
		kgo.MaxBufferedRecords(cfg.MaxBuffered),
		kgo.AllowAutoTopicCreation(),
	}
	if cfg.TLS.Enabled {
		base = append(base, kgo.DialTLSConfig(&tls.Config{InsecureSkipVerify: cfg.TLS.InsecureSkipVerify}))
	}
	cl, err := kgo.NewClient(append(base, kopts...)...)
	if err != nil {
		return nil, fmt.Errorf("new kafka client: %w", err)
	}
	s := newSink(cfg, opts...)
	s.produce = cl.Produce
	s.flush = cl.Flush
	s.close = cl.Close
	return s, nil
}

func newSink(cfg Config, opts ...Option) *Sink {
	s := &Sink{cfg: cfg, log: zap.NewNop().Sugar()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Sink) Emit(ctx context.Context, f domain.Fragment) error {
	if s.cfg.BarriersOnly && !f.IsBarrier() {
		return nil
	}
	value, err := tap.EncodeFragment(f)
	if err != nil {
		return err
	}
	rec := &kgo.Record{
		Topic: s.cfg.Topic,
		Key:   []byte(strconv.FormatUint(uint64(f.SourceID), 10)),
		Value: value,
	}
	if f.Barrier != domain.BarrierNone {
		rec.Headers = append(rec.Headers, kgo.RecordHeader{Key: HeaderBarrier, Value: []byte(f.Barrier.String())})
	}
	s.produce(ctx, rec, s.promise)
	return nil
}

func (s *Sink) promise(rec *kgo.Record, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		if s.firstErr == nil {
			s.firstErr = err
		}
		s.log.Warnw("kafka tap produce failed", "topic", rec.Topic, "key", string(rec.Key), "error", err)
		return
	}
	s.produced++
}

func (s *Sink) Flush(ctx context.Context) error {
	if err := s.flush(ctx); err != nil {
		return fmt.Errorf("flush kafka tap: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.firstErr
	s.firstErr = nil
	if err != nil {
		return fmt.Errorf("kafka tap produce: %w", err)
	}
	return nil
}

// Produced counts acknowledged records.
func (s *Sink) Produced() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.produced
}

func (s *Sink) Close() error {
	if s.close != nil {
		s.close()
	}
	return nil
}
