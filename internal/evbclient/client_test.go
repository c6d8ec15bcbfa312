package evbclient

import (
	"bufio"
	"container/list"
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"fragorder/internal/domain"
	"fragorder/internal/evbproto"
	"fragorder/internal/portmanager"
)

type message struct {
	header evbproto.Header
	body   []byte
}

// fakeOrderer answers each request with the next scripted reply, or OK once
// the script runs out, and reports every message it reads.
func fakeOrderer(t *testing.T, replies ...string) (Config, <-chan message) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })
	msgs := make(chan message, 64)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		r := bufio.NewReader(conn)
		for {
			h, body, err := evbproto.ReadMessage(r)
			if err != nil {
				close(msgs)
				return
			}
			msgs <- message{header: h, body: body}
			reply := evbproto.ReplyOK
			if len(replies) > 0 {
				reply, replies = replies[0], replies[1:]
			}
			if reply == "" {
				return
			}
			if err := evbproto.WriteReply(conn, reply); err != nil {
				return
			}
		}
	}()
	addr := ln.Addr().(*net.TCPAddr)
	return Config{Host: "127.0.0.1", Port: addr.Port, IOTimeout: 2 * time.Second}, msgs
}

func next(t *testing.T, msgs <-chan message) message {
	t.Helper()
	select {
	case m := <-msgs:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("no message")
		return message{}
	}
}

func TestConnectSendsDescriptionAndSources(t *testing.T) {
	cfg, msgs := fakeOrderer(t)
	c := New(cfg)
	if err := c.Connect(context.Background(), "ring feeder", []domain.SourceID{3, 4}); err != nil {
		t.Fatal(err)
	}
	m := next(t, msgs)
	if m.header.Type != evbproto.MsgConnect {
		t.Fatalf("type %s", m.header.Type)
	}
	got, err := evbproto.DecodeConnect(m.body)
	if err != nil || got.Description != "ring feeder" || len(got.SourceIDs) != 2 {
		t.Fatalf("connect %+v %v", got, err)
	}
	if c.State() != StateConnected {
		t.Fatalf("state %v", c.State())
	}
}

func TestEmptySubmitSendsZeroBody(t *testing.T) {
	cfg, msgs := fakeOrderer(t)
	c := New(cfg)
	ctx := context.Background()
	if err := c.Connect(ctx, "x", nil); err != nil {
		t.Fatal(err)
	}
	next(t, msgs)
	if err := c.SubmitFragments(ctx, nil); err != nil {
		t.Fatal(err)
	}
	m := next(t, msgs)
	if m.header.Type != evbproto.MsgFragments || m.header.BodySize != 0 || len(m.body) != 0 {
		t.Fatalf("empty submit = %+v", m)
	}
}

func TestSubmitShapesProduceSameBody(t *testing.T) {
	cfg, msgs := fakeOrderer(t)
	c := New(cfg)
	ctx := context.Background()
	if err := c.Connect(ctx, "x", []domain.SourceID{1}); err != nil {
		t.Fatal(err)
	}
	next(t, msgs)

	frags := []domain.Fragment{
		{Timestamp: 100, SourceID: 1, Payload: []byte("abc")},
		{Timestamp: 200, SourceID: 1, Barrier: domain.BarrierEndRun, Payload: []byte("de")},
	}
	l := list.New()
	for i := range frags {
		l.PushBack(&frags[i])
	}
	submits := []func() error{
		func() error { return c.SubmitArray(ctx, frags) },
		func() error { return c.SubmitChain(ctx, NewChain(frags)) },
		func() error { return c.SubmitPointers(ctx, l) },
	}
	var bodies [][]byte
	for _, submit := range submits {
		if err := submit(); err != nil {
			t.Fatal(err)
		}
		m := next(t, msgs)
		if int(m.header.BodySize) != 2*evbproto.FragmentHeaderSize+5 {
			t.Fatalf("body size %d", m.header.BodySize)
		}
		bodies = append(bodies, m.body)
	}
	for i := 1; i < len(bodies); i++ {
		if string(bodies[i]) != string(bodies[0]) {
			t.Fatalf("submit shape %d produced a different body", i)
		}
	}
	decoded, err := evbproto.DecodeFragments(bodies[0])
	if err != nil || len(decoded) != 2 || decoded[1].Barrier != domain.BarrierEndRun || string(decoded[0].Payload) != "abc" {
		t.Fatalf("decoded %+v %v", decoded, err)
	}
}

func TestSubmitPointersRejectsForeignElements(t *testing.T) {
	l := list.New()
	l.PushBack("not a fragment")
	if _, err := ListBatch(l); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
}

func TestRejectedConnectIsProtocolError(t *testing.T) {
	cfg, _ := fakeOrderer(t, "ERROR duplicate source")
	c := New(cfg)
	err := c.Connect(context.Background(), "x", []domain.SourceID{1})
	var perr *ProtocolError
	if !errors.As(err, &perr) || perr.Reply != "ERROR duplicate source" {
		t.Fatalf("expected protocol error, got %v", err)
	}
	var terr *TransportError
	if errors.As(err, &terr) {
		t.Fatalf("rejection reported as transport failure")
	}
}

func TestRefusedConnectionIsTransportError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	c := New(Config{Host: "127.0.0.1", Port: port, DialTimeout: time.Second})
	err = c.Connect(context.Background(), "x", nil)
	var terr *TransportError
	if !errors.As(err, &terr) || c.State() != StateDisconnected {
		t.Fatalf("expected transport error, got %v", err)
	}
}

func TestNotConnected(t *testing.T) {
	c := New(Config{Port: 1})
	ctx := context.Background()
	if err := c.SubmitArray(ctx, nil); !errors.Is(err, domain.ErrNotConnected) {
		t.Fatalf("submit: %v", err)
	}
	if err := c.Disconnect(ctx); !errors.Is(err, domain.ErrNotConnected) {
		t.Fatalf("disconnect: %v", err)
	}
}

func TestDisconnectAlwaysDisconnects(t *testing.T) {
	cfg, msgs := fakeOrderer(t, "OK", "ERROR run still active")
	c := New(cfg)
	ctx := context.Background()
	if err := c.Connect(ctx, "x", nil); err != nil {
		t.Fatal(err)
	}
	err := c.Disconnect(ctx)
	var perr *ProtocolError
	if !errors.As(err, &perr) {
		t.Fatalf("expected protocol error, got %v", err)
	}
	next(t, msgs)
	if m := next(t, msgs); m.header.Type != evbproto.MsgDisconnect || m.header.BodySize != 0 {
		t.Fatalf("disconnect message %+v", m)
	}
	if c.State() != StateDisconnected {
		t.Fatalf("still connected after disconnect")
	}
}

func TestTransportFailureDisconnects(t *testing.T) {
	// The empty scripted reply makes the fake hang up instead of answering.
	cfg, _ := fakeOrderer(t, "OK", "")
	c := New(cfg)
	ctx := context.Background()
	if err := c.Connect(ctx, "x", nil); err != nil {
		t.Fatal(err)
	}
	err := c.SubmitArray(ctx, []domain.Fragment{{Payload: []byte("p")}})
	var terr *TransportError
	if !errors.As(err, &terr) {
		t.Fatalf("expected transport error, got %v", err)
	}
	if c.State() != StateDisconnected {
		t.Fatalf("client still connected after transport failure")
	}
}

func TestBatchSinkFlushesEveryN(t *testing.T) {
	cfg, msgs := fakeOrderer(t)
	c := New(cfg)
	ctx := context.Background()
	if err := c.Connect(ctx, "x", nil); err != nil {
		t.Fatal(err)
	}
	next(t, msgs)
	s := NewBatchSink(c, 2)
	payload := []byte("reused")
	for i := 0; i < 3; i++ {
		payload[0] = byte('a' + i)
		if err := s.Emit(ctx, domain.Fragment{Timestamp: uint64(i), Payload: payload}); err != nil {
			t.Fatal(err)
		}
	}
	first := next(t, msgs)
	frags, _ := evbproto.DecodeFragments(first.body)
	if len(frags) != 2 || frags[0].Payload[0] != 'a' || frags[1].Payload[0] != 'b' {
		t.Fatalf("first batch %+v", frags)
	}
	if err := s.Flush(ctx); err != nil {
		t.Fatal(err)
	}
	second := next(t, msgs)
	if frags, _ := evbproto.DecodeFragments(second.body); len(frags) != 1 || s.Sent() != 3 {
		t.Fatalf("second batch %d fragments, sent %d", len(frags), s.Sent())
	}
}

type staticLister []portmanager.Service

func (l staticLister) List(context.Context, string) ([]portmanager.Service, error) { return l, nil }

func TestLookup(t *testing.T) {
	services := staticLister{
		{Port: 1000, Application: "ORDERER:alice", User: "alice"},
		{Port: 1001, Application: "ORDERER:bob", User: "bob"},
		{Port: 1002, Application: "ORDERER:bob:second", User: "bob"},
		{Port: 1003, Application: "ORDERER:carol", User: "mallory"},
	}
	ctx := context.Background()
	cases := []struct {
		user, instance string
		port           int
	}{
		{"alice", "", 1000},
		{"bob", "", 1001},
		{"bob", "second", 1002},
	}
	for _, tc := range cases {
		port, err := Lookup(ctx, services, "daq01", tc.user, tc.instance)
		if err != nil || port != tc.port {
			t.Fatalf("lookup(%s,%s) = %d, %v", tc.user, tc.instance, port, err)
		}
	}
	if _, err := Lookup(ctx, services, "daq01", "carol", ""); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for a service owned by another user, got %v", err)
	}
	if got := ServiceName("bob", "second"); got != "ORDERER:bob:second" {
		t.Fatalf("service name %q", got)
	}
}
