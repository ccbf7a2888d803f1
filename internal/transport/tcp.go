package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/xprocbus/internal/channel"
	"github.com/danmuck/xprocbus/internal/logging"
	"github.com/danmuck/xprocbus/internal/protocol/session"
)

var (
	ErrAddressRequired   = errors.New("transport: address required")
	ErrAttemptsExhausted = errors.New("transport: connect attempts exhausted")
)

// AcceptFunc receives every inbound channel. It must not block for long.
type AcceptFunc func(channel.Channel)

// Serve accepts TCP connections on ln until ctx is done or ln is closed.
// When ln yields TLS connections the handshake completes before accept is
// called and the channel carries the client certificate identity.
func Serve(ctx context.Context, ln net.Listener, accept AcceptFunc) error {
	log := logging.Component("transport.tcp")
	var (
		mu    sync.Mutex
		conns = make(map[net.Conn]struct{})
	)
	defer ln.Close()
	go func() {
		<-ctx.Done()
		_ = ln.Close()
		mu.Lock()
		for c := range conns {
			_ = c.Close()
		}
		mu.Unlock()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		mu.Lock()
		conns[conn] = struct{}{}
		mu.Unlock()
		tracked := &trackedConn{Conn: conn, onClose: func() {
			mu.Lock()
			delete(conns, conn)
			mu.Unlock()
		}}
		remote := conn.RemoteAddr().String()

		tc, ok := conn.(*tls.Conn)
		if !ok {
			log.Info().Str("remote", remote).Msg("connection accepted")
			accept(channel.NewStream(tracked))
			continue
		}
		go func() {
			identity, err := serverHandshake(ctx, tc)
			if err != nil {
				log.Warn().Err(err).Str("remote", remote).Msg("tls handshake failed")
				_ = tracked.Close()
				return
			}
			log.Info().Str("remote", remote).Str("identity", identity).Msg("tls connection accepted")
			accept(withIdentity(channel.NewStream(tracked), identity))
		}()
	}
}

type trackedConn struct {
	net.Conn
	once    sync.Once
	onClose func()
}

func (c *trackedConn) Close() error {
	c.once.Do(c.onClose)
	return c.Conn.Close()
}

// Dialer connects a leaf to its hub, retrying with backoff.
type Dialer struct {
	Session session.Config
	// MaxAttempts bounds dial attempts; zero retries until ctx is done.
	MaxAttempts int

	rng *rand.Rand
}

func NewDialer(cfg session.Config, maxAttempts int) *Dialer {
	return &Dialer{
		Session:     cfg.WithDefaults(),
		MaxAttempts: maxAttempts,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// DialTCP connects to addr and returns a stream channel.
func (d *Dialer) DialTCP(ctx context.Context, addr string) (channel.Channel, error) {
	if strings.TrimSpace(addr) == "" {
		return nil, ErrAddressRequired
	}
	var tlsCfg *tls.Config
	if d.Session.TLS.Enabled {
		var err error
		if tlsCfg, err = ClientTLSConfig(d.Session.TLS, addr); err != nil {
			return nil, err
		}
	}
	var conn net.Conn
	err := d.retry(ctx, addr, func(ctx context.Context) error {
		nd := net.Dialer{Timeout: d.Session.ConnectTimeout}
		c, err := nd.DialContext(ctx, "tcp", addr)
		if err != nil {
			return err
		}
		if tlsCfg == nil {
			conn = c
			return nil
		}
		tc := tls.Client(c, tlsCfg)
		hctx, cancel := context.WithTimeout(ctx, d.Session.ConnectTimeout)
		defer cancel()
		if err := tc.HandshakeContext(hctx); err != nil {
			_ = c.Close()
			return err
		}
		conn = tc
		return nil
	})
	if err != nil {
		return nil, err
	}
	return channel.NewStream(conn), nil
}

func (d *Dialer) retry(ctx context.Context, addr string, dial func(context.Context) error) error {
	log := logging.Component("transport")
	var attempt int
	for {
		attempt++
		err := dial(ctx)
		if err == nil {
			if attempt > 1 {
				log.Info().Str("addr", addr).Int("attempt", attempt).Msg("connected after retry")
			}
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Warn().Err(err).Str("addr", addr).Int("attempt", attempt).Msg("dial failed")
		if !d.shouldRetry(attempt) {
			return fmt.Errorf("%w: %s after %d attempts: %v", ErrAttemptsExhausted, addr, attempt, err)
		}
		if err := d.sleepBackoff(ctx, attempt); err != nil {
			return err
		}
	}
}

func (d *Dialer) shouldRetry(attempt int) bool {
	if d.MaxAttempts <= 0 {
		return true
	}
	return attempt < d.MaxAttempts
}

func (d *Dialer) sleepBackoff(ctx context.Context, attempt int) error {
	timer := time.NewTimer(d.Session.Backoff.Delay(attempt, d.rng))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
