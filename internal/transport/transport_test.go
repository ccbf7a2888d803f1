package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/danmuck/xprocbus/internal/channel"
	"github.com/danmuck/xprocbus/internal/protocol/session"
	"github.com/danmuck/xprocbus/internal/registry"
	"github.com/danmuck/xprocbus/internal/testutil/testlog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"
)

func testSession() session.Config {
	return session.Config{
		RequestTimeout:   2 * time.Second,
		HandshakeTimeout: 2 * time.Second,
		ConnectTimeout:   time.Second,
		Backoff: session.BackoffConfig{
			InitialDelay: 10 * time.Millisecond,
			Multiplier:   2,
			MaxDelay:     50 * time.Millisecond,
		},
	}
}

func newPair(t *testing.T) (*registry.Registry, *registry.Registry) {
	t.Helper()
	hub, err := registry.New(registry.Options{ProcessID: "main", Role: registry.RoleHub, Session: testSession()})
	if err != nil {
		t.Fatalf("hub: %v", err)
	}
	leaf, err := registry.New(registry.Options{ProcessID: "worker", Role: registry.RoleLeaf, Session: testSession()})
	if err != nil {
		t.Fatalf("leaf: %v", err)
	}
	t.Cleanup(func() {
		_ = leaf.Close()
		_ = hub.Close()
	})
	err = hub.RegisterCommand("echo", func(_ context.Context, p json.RawMessage) (any, error) {
		return p, nil
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	return hub, leaf
}

func acceptInto(t *testing.T, reg *registry.Registry) AcceptFunc {
	return func(ch channel.Channel) {
		if _, err := reg.AcceptChannel(ch); err != nil {
			t.Errorf("accept channel: %v", err)
		}
	}
}

func assertEcho(t *testing.T, leaf *registry.Registry) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := leaf.IsReady(ctx, "main"); err != nil {
		t.Fatalf("ready: %v", err)
	}
	out, err := leaf.ExecuteCommand(ctx, "echo", map[string]string{"msg": "hi"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if string(out) != `{"msg":"hi"}` {
		t.Fatalf("unexpected echo %s", out)
	}
}

func TestTCPChannelRoundTrip(t *testing.T) {
	testlog.Start(t)
	hub, leaf := newPair(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	serveErr := make(chan error, 1)
	go func() { serveErr <- Serve(ctx, ln, acceptInto(t, hub)) }()

	ch, err := NewDialer(testSession(), 3).DialTCP(ctx, ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if _, err := leaf.AddChannel(ch); err != nil {
		t.Fatalf("add channel: %v", err)
	}
	assertEcho(t, leaf)

	cancel()
	select {
	case err := <-serveErr:
		if err != nil {
			t.Fatalf("serve: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("serve did not stop")
	}
}

func TestDialTCPGivesUpAfterMaxAttempts(t *testing.T) {
	testlog.Start(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	_, err = NewDialer(testSession(), 2).DialTCP(context.Background(), addr)
	if !errors.Is(err, ErrAttemptsExhausted) {
		t.Fatalf("expected ErrAttemptsExhausted, got %v", err)
	}
	if _, err := NewDialer(testSession(), 1).DialTCP(context.Background(), " "); !errors.Is(err, ErrAddressRequired) {
		t.Fatalf("expected ErrAddressRequired, got %v", err)
	}
}

func TestGRPCChannelRoundTrip(t *testing.T) {
	testlog.Start(t)
	hub, leaf := newPair(t)

	lis := bufconn.Listen(1024 * 1024)
	srv := NewGRPCServer(acceptInto(t, hub))
	go func() { _ = srv.Serve(lis) }()
	defer srv.Stop()

	dialer := func(context.Context, string) (net.Conn, error) { return lis.Dial() }
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ch, err := NewDialer(testSession(), 3).DialGRPC(ctx, "passthrough:///bufnet", grpc.WithContextDialer(dialer))
	if err != nil {
		t.Fatalf("dial grpc: %v", err)
	}
	if _, err := leaf.AddChannel(ch); err != nil {
		t.Fatalf("add channel: %v", err)
	}
	assertEcho(t, leaf)

	if got := hub.ListChannels(); len(got) != 1 {
		t.Fatalf("expected one hub channel, got %v", got)
	}
	_ = ch.Close()
	deadline := time.Now().Add(2 * time.Second)
	for len(hub.ListChannels()) != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("hub kept channel after client close")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
