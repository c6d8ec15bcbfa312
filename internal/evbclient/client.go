// Package evbclient submits fragments to an event ordering service.
package evbclient

import (
	"bufio"
	"container/list"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"go.uber.org/zap"

	"fragorder/internal/domain"
	"fragorder/internal/evbproto"
	"fragorder/internal/logging"
)

type Config struct {
	Host        string
	Port        int
	DialTimeout time.Duration
	// IOTimeout bounds each request and its reply. Zero means no limit
	// beyond the context deadline.
	IOTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	return c
}

func (c Config) Address() string { return net.JoinHostPort(c.Host, strconv.Itoa(c.Port)) }

type State int

const (
	StateDisconnected State = iota
	StateConnected
)

type Option func(*Client)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(c *Client) { c.log = logging.OrNop(l) }
}

// WithDialer replaces the TCP dialer.
func WithDialer(dial func(ctx context.Context, network, addr string) (net.Conn, error)) Option {
	return func(c *Client) { c.dial = dial }
}

// Client is a blocking, single-goroutine connection to an ordering service.
type Client struct {
	cfg   Config
	conn  net.Conn
	rd    *bufio.Reader
	state State
	dial  func(ctx context.Context, network, addr string) (net.Conn, error)
	log   *zap.SugaredLogger
}

func New(cfg Config, opts ...Option) *Client {
	cfg = cfg.withDefaults()
	c := &Client{cfg: cfg, log: zap.NewNop().Sugar()}
	d := &net.Dialer{Timeout: cfg.DialTimeout}
	c.dial = d.DialContext
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) State() State { return c.state }

// Connect opens the connection and registers the sources this client will
// submit fragments for.
func (c *Client) Connect(ctx context.Context, description string, sourceIDs []domain.SourceID) error {
	if c.state == StateConnected {
		return fmt.Errorf("%w: already connected to %s", domain.ErrInvalidArgument, c.cfg.Address())
	}
	conn, err := c.dial(ctx, "tcp", c.cfg.Address())
	if err != nil {
		return &TransportError{Op: "connect", Err: err}
	}
	c.conn = conn
	c.rd = bufio.NewReader(conn)
	c.state = StateConnected

	if err := c.request(ctx, "connect", net.Buffers{evbproto.EncodeConnect(description, sourceIDs)}); err != nil {
		c.close()
		return err
	}
	c.log.Infow("connected to event orderer", "addr", c.cfg.Address(), "sources", len(sourceIDs))
	return nil
}

// SubmitFragments sends the batch as one FRAGMENTS request written with a
// single vectored write: the message header, then a header and payload
// segment per fragment. An empty batch sends an empty body.
func (c *Client) SubmitFragments(ctx context.Context, b Batch) error {
	if c.state != StateConnected {
		return domain.ErrNotConnected
	}
	bodySize := b.BodySize()
	if bodySize > evbproto.MaxBodySize {
		return fmt.Errorf("%w: batch body of %d bytes", domain.ErrInvalidArgument, bodySize)
	}
	hdrs := make([]byte, 0, evbproto.HeaderSize+evbproto.FragmentHeaderSize*len(b))
	hdrs = evbproto.AppendHeader(hdrs, evbproto.Header{BodySize: uint32(bodySize), Type: evbproto.MsgFragments})
	bufs := make(net.Buffers, 1, 1+2*len(b))
	bufs[0] = hdrs[:evbproto.HeaderSize:evbproto.HeaderSize]
	for _, f := range b {
		wire := *f
		wire.Size = uint32(len(f.Payload))
		start := len(hdrs)
		hdrs = evbproto.AppendFragmentHeader(hdrs, wire)
		bufs = append(bufs, hdrs[start:len(hdrs):len(hdrs)], f.Payload)
	}
	return c.request(ctx, "submit", bufs)
}

func (c *Client) SubmitChain(ctx context.Context, chain *Chain) error {
	return c.SubmitFragments(ctx, ChainBatch(chain))
}

func (c *Client) SubmitArray(ctx context.Context, frags []domain.Fragment) error {
	return c.SubmitFragments(ctx, ArrayBatch(frags))
}

// SubmitPointers submits a list whose elements are *domain.Fragment.
func (c *Client) SubmitPointers(ctx context.Context, l *list.List) error {
	b, err := ListBatch(l)
	if err != nil {
		return err
	}
	return c.SubmitFragments(ctx, b)
}

// Disconnect says goodbye and closes the connection. The client is
// disconnected afterwards even if the service rejects the request.
func (c *Client) Disconnect(ctx context.Context) error {
	if c.state != StateConnected {
		return domain.ErrNotConnected
	}
	err := c.request(ctx, "disconnect", net.Buffers{evbproto.EncodeDisconnect()})
	if cerr := c.close(); cerr != nil && err == nil {
		err = &TransportError{Op: "disconnect", Err: cerr}
	}
	return err
}

// Close drops the connection without the DISCONNECT exchange.
func (c *Client) Close() error {
	if c.state != StateConnected {
		return nil
	}
	return c.close()
}

// request writes bufs and waits for the reply. A transport failure closes
// the connection.
func (c *Client) request(ctx context.Context, op string, bufs net.Buffers) error {
	if err := c.conn.SetDeadline(c.deadline(ctx)); err != nil {
		c.close()
		return &TransportError{Op: op, Err: err}
	}
	if _, err := bufs.WriteTo(c.conn); err != nil {
		c.close()
		return &TransportError{Op: op, Err: err}
	}
	reply, err := evbproto.ReadReply(c.rd)
	if err != nil {
		c.close()
		if errors.Is(err, evbproto.ErrMalformed) {
			return &ProtocolError{Op: op, Reply: reply}
		}
		return &TransportError{Op: op, Err: err}
	}
	if reply != evbproto.ReplyOK {
		return &ProtocolError{Op: op, Reply: reply}
	}
	return nil
}

func (c *Client) deadline(ctx context.Context) time.Time {
	var dl time.Time
	if c.cfg.IOTimeout > 0 {
		dl = time.Now().Add(c.cfg.IOTimeout)
	}
	if ctxDl, ok := ctx.Deadline(); ok && (dl.IsZero() || ctxDl.Before(dl)) {
		dl = ctxDl
	}
	return dl
}

func (c *Client) close() error {
	c.state = StateDisconnected
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	c.rd = nil
	return err
}
