// Package orderer is the receiving end of the fragment submission protocol.
// It accepts producer connections, acknowledges each request with a text
// reply and hands the decoded fragments to a Handler.
package orderer

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"fragorder/internal/domain"
	"fragorder/internal/evbproto"
	"fragorder/internal/logging"
)

// Peer is one connected producer.
type Peer struct {
	ID          string
	Remote      string
	Description string
	Sources     []domain.SourceID
}

// Handler receives producer traffic. Calls are serialised across all
// connections. Fragment payloads are only valid during the call.
type Handler interface {
	Connect(ctx context.Context, p *Peer) error
	Fragments(ctx context.Context, p *Peer, frags []domain.Fragment) error
	// Disconnect is called once per connected peer; clean is false when the
	// connection dropped without a DISCONNECT.
	Disconnect(ctx context.Context, p *Peer, clean bool)
}

type Config struct {
	Network, Address string
	TLSConfig        *tls.Config
	MaxConnections   int
	// IdleTimeout closes connections that send nothing for this long.
	IdleTimeout time.Duration
}

type Option func(*Server)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(s *Server) { s.log = logging.OrNop(l) }
}

type Server struct {
	cfg     Config
	handler Handler
	log     *zap.SugaredLogger
	ln      net.Listener
	addr    atomic.Value
	slots   chan struct{}
	closed  atomic.Bool
	wg      sync.WaitGroup

	hmu sync.Mutex

	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

func NewServer(cfg Config, h Handler, opts ...Option) *Server {
	if cfg.Network == "" {
		cfg.Network = "tcp"
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 256
	}
	s := &Server{cfg: cfg, handler: h, log: zap.NewNop().Sugar(), slots: make(chan struct{}, cfg.MaxConnections), conns: map[net.Conn]struct{}{}}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) Addr() string {
	if v := s.addr.Load(); v != nil {
		return v.(string)
	}
	return ""
}

// Listen binds the listener. Start calls it when needed.
func (s *Server) Listen() error {
	if s.ln != nil {
		return nil
	}
	ln, err := net.Listen(s.cfg.Network, s.cfg.Address)
	if err != nil {
		return err
	}
	if s.cfg.TLSConfig != nil {
		ln = tls.NewListener(ln, s.cfg.TLSConfig)
	}
	s.ln = ln
	s.addr.Store(ln.Addr().String())
	return nil
}

// Start accepts connections until ctx is done or Close is called.
func (s *Server) Start(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	s.log.Infow("orderer listening", "addr", s.Addr())
	go func() { <-ctx.Done(); _ = s.Close() }()

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if s.closed.Load() {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return err
		}
		select {
		case s.slots <- struct{}{}:
		default:
			s.log.Warnw("rejecting connection", "remote", conn.RemoteAddr().String(), "reason", "connection limit")
			_ = evbproto.WriteReply(conn, "ERROR connection limit reached")
			_ = conn.Close()
			continue
		}
		if !s.admit(conn) {
			<-s.slots
			_ = conn.Close()
			return nil
		}
		go func() {
			defer s.wg.Done()
			defer func() { <-s.slots }()
			defer s.track(conn, false)
			defer conn.Close()
			s.serve(ctx, conn)
		}()
	}
}

func (s *Server) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	var err error
	if s.ln != nil {
		err = s.ln.Close()
	}
	s.mu.Lock()
	for c := range s.conns {
		_ = c.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
	return err
}

// admit registers an accepted connection unless Close has already swept
// the connection set. Close sets closed before taking mu, so a connection
// admitted here is either swept by Close or refused.
func (s *Server) admit(c net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return false
	}
	s.conns[c] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) track(c net.Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.conns[c] = struct{}{}
	} else {
		delete(s.conns, c)
	}
}

type session struct {
	conn net.Conn
	w    *bufio.Writer
	peer *Peer
}

func (s *Server) serve(ctx context.Context, conn net.Conn) {
	sess := &session{conn: conn, w: bufio.NewWriter(conn)}
	r := bufio.NewReader(conn)
	for {
		if s.cfg.IdleTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
		}
		h, body, err := evbproto.ReadMessage(r)
		if err != nil {
			if errors.Is(err, evbproto.ErrBodyTooLarge) {
				_ = s.reply(sess, "ERROR "+err.Error())
			}
			s.drop(ctx, sess, false)
			return
		}
		done, reply := s.dispatch(ctx, sess, h.Type, body)
		if err := s.reply(sess, reply); err != nil || done {
			s.drop(ctx, sess, false)
			return
		}
	}
}

func (s *Server) dispatch(ctx context.Context, sess *session, t evbproto.MsgType, body []byte) (bool, string) {
	switch t {
	case evbproto.MsgConnect:
		if sess.peer != nil {
			return false, "ERROR already connected"
		}
		c, err := evbproto.DecodeConnect(body)
		if err != nil {
			return false, "ERROR " + err.Error()
		}
		p := &Peer{ID: uuid.NewString(), Remote: sess.conn.RemoteAddr().String(), Description: c.Description, Sources: c.SourceIDs}
		if err := s.call(func() error { return s.handler.Connect(ctx, p) }); err != nil {
			return false, "ERROR " + err.Error()
		}
		sess.peer = p
		s.log.Infow("producer connected", "peer", p.ID, "remote", p.Remote, "description", p.Description, "sources", p.Sources)
		return false, evbproto.ReplyOK
	case evbproto.MsgFragments:
		if sess.peer == nil {
			return false, "ERROR not connected"
		}
		frags, err := evbproto.DecodeFragments(body)
		if err != nil {
			return false, "ERROR " + err.Error()
		}
		if err := s.call(func() error { return s.handler.Fragments(ctx, sess.peer, frags) }); err != nil {
			return false, "ERROR " + err.Error()
		}
		return false, evbproto.ReplyOK
	case evbproto.MsgDisconnect:
		if sess.peer == nil {
			return true, "ERROR not connected"
		}
		s.drop(ctx, sess, true)
		return true, evbproto.ReplyOK
	default:
		return false, fmt.Sprintf("ERROR unknown message type %d", uint32(t))
	}
}

func (s *Server) drop(ctx context.Context, sess *session, clean bool) {
	if sess.peer == nil {
		return
	}
	p := sess.peer
	sess.peer = nil
	_ = s.call(func() error { s.handler.Disconnect(ctx, p, clean); return nil })
	s.log.Infow("producer disconnected", "peer", p.ID, "clean", clean)
}

func (s *Server) reply(sess *session, text string) error {
	if err := evbproto.WriteReply(sess.w, text); err != nil {
		return err
	}
	return sess.w.Flush()
}

// call runs fn under the handler lock.
func (s *Server) call(fn func() error) error {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return fn()
}
