// Package rabbitmq publishes run-control barrier notices to an AMQP topic
// exchange.
package rabbitmq

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"fragorder/internal/domain"
	"fragorder/internal/logging"
	"fragorder/internal/storage"
	"fragorder/internal/tap"
)

const ContentType = "application/x-protobuf"

type Config struct {
	Enabled   bool
	URL       string
	Endpoints []string
	Exchange  string
	// RoutingPrefix is prepended to "begin", "end" or "barrier.<n>".
	RoutingPrefix string
	Persistent    bool
	TLS           TLSConfig
	Auth          AuthConfig
}

type TLSConfig struct {
	Enabled            bool
	InsecureSkipVerify bool
	ServerName         string
	CAFile             string
	CertFile           string
	KeyFile            string
}

type AuthConfig struct {
	Username string
	Password string
}

func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Exchange == "" {
		return fmt.Errorf("tap.rabbitmq exchange is required")
	}
	if c.endpoint() == "" {
		return fmt.Errorf("tap.rabbitmq url or endpoints is required")
	}
	return nil
}

func (c Config) endpoint() string {
	if strings.TrimSpace(c.URL) != "" {
		return strings.TrimSpace(c.URL)
	}
	for _, e := range c.Endpoints {
		if strings.TrimSpace(e) != "" {
			return strings.TrimSpace(e)
		}
	}
	return ""
}

// RoutingKey names the topic a barrier notice is published under.
func (c Config) RoutingKey(b domain.BarrierKind) string {
	prefix := c.RoutingPrefix
	if prefix == "" {
		prefix = "run"
	}
	switch b {
	case domain.BarrierBeginRun:
		return prefix + ".begin"
	case domain.BarrierEndRun:
		return prefix + ".end"
	default:
		return prefix + ".barrier." + strconv.FormatUint(uint64(b), 10)
	}
}

// Publisher is a merge sink that ignores data fragments and publishes one
// notice per barrier. Notices of one run share a run id. When the caller
// tagged the context with storage.ContextWithRun that id is used; otherwise
// the publisher follows runs itself with a storage.RunTracker.
type Publisher struct {
	cfg Config
	log *zap.SugaredLogger
	now func() time.Time

	conn    *amqp091.Connection
	ch      *amqp091.Channel
	publish func(ctx context.Context, key string, msg amqp091.Publishing) error

	runs *storage.RunTracker

	mu        sync.Mutex
	published uint64
}

type Option func(*Publisher)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(p *Publisher) { p.log = logging.OrNop(l) }
}

func NewPublisher(cfg Config, opts ...Option) (*Publisher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if !cfg.Enabled {
		return nil, fmt.Errorf("%w: rabbitmq tap disabled", domain.ErrConfiguration)
	}
	p := &Publisher{
		cfg:  cfg,
		log:  zap.NewNop().Sugar(),
		now:  time.Now,
		runs: storage.NewRunTracker(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Start dials the broker and declares the exchange.
func (p *Publisher) Start(ctx context.Context) error {
	dialCfg := amqp091.Config{}
	if p.cfg.Auth.Username != "" {
		dialCfg.SASL = []amqp091.Authentication{&amqp091.PlainAuth{Username: p.cfg.Auth.Username, Password: p.cfg.Auth.Password}}
	}
	if tlsCfg, err := p.buildTLSConfig(); err != nil {
		return err
	} else if tlsCfg != nil {
		dialCfg.TLSClientConfig = tlsCfg
	}
	conn, err := amqp091.DialConfig(p.cfg.endpoint(), dialCfg)
	if err != nil {
		return fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("open rabbitmq channel: %w", err)
	}
	if err := ch.ExchangeDeclare(p.cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("declare exchange: %w", err)
	}
	p.conn, p.ch = conn, ch
	p.publish = func(ctx context.Context, key string, msg amqp091.Publishing) error {
		return ch.PublishWithContext(ctx, p.cfg.Exchange, key, false, false, msg)
	}
	return nil
}

func (p *Publisher) Emit(ctx context.Context, f domain.Fragment) error {
	if f.Barrier == domain.BarrierNone {
		return nil
	}
	if p.publish == nil {
		return domain.ErrNotConnected
	}
	step := p.runs.Observe(f)
	runID := step.RunID
	if id, ok := storage.RunFromContext(ctx); ok {
		runID = id
	}
	now := p.now().UTC()
	body, err := tap.MarshalMessage(tap.NewBarrierNotice(runID, f, now.UnixNano()))
	if err != nil {
		return fmt.Errorf("marshal barrier notice: %w", err)
	}
	msg := amqp091.Publishing{
		ContentType: ContentType,
		MessageId:   uuid.NewString(),
		Timestamp:   now,
		Headers:     amqp091.Table{"run_id": runID, "source_id": int64(f.SourceID)},
		Body:        body,
	}
	if p.cfg.Persistent {
		msg.DeliveryMode = amqp091.Persistent
	}
	key := p.cfg.RoutingKey(f.Barrier)
	if err := p.publish(ctx, key, msg); err != nil {
		return fmt.Errorf("publish %s: %w", key, err)
	}
	p.mu.Lock()
	p.published++
	p.mu.Unlock()
	if step.Closed {
		p.log.Infow("run closed", "run_id", runID)
	}
	return nil
}

// Published counts notices accepted by the broker channel.
func (p *Publisher) Published() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.published
}

func (p *Publisher) Close() error {
	var errs []error
	if p.ch != nil {
		if err := p.ch.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if p.conn != nil {
		if err := p.conn.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	p.ch, p.conn, p.publish = nil, nil, nil
	return errors.Join(errs...)
}

func (p *Publisher) buildTLSConfig() (*tls.Config, error) {
	if !p.cfg.TLS.Enabled {
		return nil, nil
	}
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12, InsecureSkipVerify: p.cfg.TLS.InsecureSkipVerify, ServerName: p.cfg.TLS.ServerName}
	if p.cfg.TLS.CAFile != "" {
		pemBytes, err := os.ReadFile(p.cfg.TLS.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read rabbitmq ca_file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemBytes) {
			return nil, fmt.Errorf("parse rabbitmq ca_file")
		}
		tlsCfg.RootCAs = pool
	}
	if p.cfg.TLS.CertFile != "" || p.cfg.TLS.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(p.cfg.TLS.CertFile, p.cfg.TLS.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load rabbitmq cert/key: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}
