package node

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/danmuck/xprocbus/internal/channel"
	"github.com/danmuck/xprocbus/internal/client"
	"github.com/danmuck/xprocbus/internal/config"
	"github.com/danmuck/xprocbus/internal/logging"
	"github.com/danmuck/xprocbus/internal/observability"
	"github.com/danmuck/xprocbus/internal/registry"
	"github.com/danmuck/xprocbus/internal/transport"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
)

var (
	ErrInvalidHeartbeatInterval = errors.New("node: invalid heartbeat interval")
	ErrListenerRequired         = errors.New("node: hub requires a listener")
)

// EventHeartbeat is emitted by every process on each heartbeat tick.
const EventHeartbeat = "sys.heartbeat"

type Heartbeat struct {
	ProcessID string   `json:"processId"`
	Role      string   `json:"role"`
	Seq       uint64   `json:"seq"`
	Channels  []string `json:"channels"`
	UptimeMS  int64    `json:"uptimeMs"`
}

// Service owns one process registry and its transport lifecycle.
type Service struct {
	cfg       config.ProcessConfig
	reg       *registry.Registry
	client    *client.Client
	dialer    *transport.Dialer
	log       zerolog.Logger
	startedAt time.Time
	beats     atomic.Uint64
}

func NewService(cfg config.ProcessConfig) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.HeartbeatInterval <= 0 {
		return nil, ErrInvalidHeartbeatInterval
	}
	reg, err := registry.New(registry.Options{
		ProcessID: cfg.ProcessID,
		Role:      cfg.Role,
		Session:   cfg.Session,
	})
	if err != nil {
		return nil, err
	}
	s := &Service{
		cfg:       cfg,
		reg:       reg,
		client:    client.New(reg),
		dialer:    transport.NewDialer(cfg.Session, cfg.MaxConnectAttempts),
		startedAt: time.Now(),
		log: logging.Component("node").With().
			Str("process_id", cfg.ProcessID).
			Str("role", cfg.Role.String()).
			Logger(),
	}
	if err := s.registerBuiltins(); err != nil {
		_ = reg.Close()
		return nil, err
	}
	return s, nil
}

func (s *Service) Client() *client.Client { return s.client }

func (s *Service) Config() config.ProcessConfig { return s.cfg }

// Run serves until SIGINT or SIGTERM.
func (s *Service) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var ln net.Listener
	if s.cfg.Role == registry.RoleHub {
		var err error
		if ln, err = s.Listen(); err != nil {
			return err
		}
	}
	return s.Serve(ctx, ln)
}

// Listen opens the hub's listener on the configured address. With TLS on
// the tcp transport the listener yields TLS connections; gRPC applies TLS
// through server credentials instead.
func (s *Service) Listen() (net.Listener, error) {
	var tlsCfg *tls.Config
	if s.cfg.Session.TLS.Enabled && s.cfg.Transport == config.TransportTCP {
		var err error
		if tlsCfg, err = transport.ServerTLSConfig(s.cfg.Session.TLS); err != nil {
			return nil, err
		}
	}
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("node: listen %s: %w", s.cfg.ListenAddr, err)
	}
	if tlsCfg != nil {
		return tls.NewListener(ln, tlsCfg), nil
	}
	return ln, nil
}

// Serve runs the process until ctx is done. A hub accepts on ln; a leaf
// ignores ln and dials the hub. The registry is closed on return.
func (s *Service) Serve(ctx context.Context, ln net.Listener) error {
	defer s.reg.Close()
	if s.cfg.Role == registry.RoleHub && ln == nil {
		return ErrListenerRequired
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	transportErr := make(chan error, 1)
	if s.cfg.Role == registry.RoleHub {
		go func() { transportErr <- s.serveHub(ctx, ln) }()
	} else {
		go func() { transportErr <- s.runLeafSession(ctx) }()
	}
	if len(s.cfg.Require) > 0 {
		go s.awaitRequired(ctx)
	}
	if s.cfg.MetricsAddr != "" {
		go s.serveMetrics(ctx)
	}

	s.log.Info().
		Str("transport", string(s.cfg.Transport)).
		Str("listen", s.cfg.ListenAddr).
		Str("hub", s.cfg.HubAddr).
		Msg("node serving")

	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("node shutdown")
			return nil
		case err := <-transportErr:
			if ctx.Err() != nil {
				return nil
			}
			return err
		case <-ticker.C:
			s.heartbeat()
		}
	}
}

func (s *Service) heartbeat() {
	hb := Heartbeat{
		ProcessID: s.cfg.ProcessID,
		Role:      s.cfg.Role.String(),
		Seq:       s.beats.Add(1),
		Channels:  s.reg.ListChannels(),
		UptimeMS:  time.Since(s.startedAt).Milliseconds(),
	}
	s.log.Info().
		Uint64("seq", hb.Seq).
		Int("channels", len(hb.Channels)).
		Int("pending", s.reg.PendingLen()).
		Int("relays", s.reg.RelayLen()).
		Msg("heartbeat")
	if err := s.reg.EmitEvent(EventHeartbeat, hb); err != nil {
		s.log.Debug().Err(err).Msg("heartbeat broadcast incomplete")
	}
}

func (s *Service) serveMetrics(ctx context.Context) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.Handler())
	srv := &http.Server{
		Addr:              s.cfg.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	s.log.Info().Str("addr", s.cfg.MetricsAddr).Msg("metrics listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.log.Error().Err(err).Str("addr", s.cfg.MetricsAddr).Msg("metrics server failed")
	}
}

func (s *Service) awaitRequired(ctx context.Context) {
	for {
		err := s.reg.IsReady(ctx, s.cfg.Require...)
		switch {
		case err == nil:
			s.log.Info().Strs("require", s.cfg.Require).Msg("required processes ready")
			return
		case errors.Is(err, registry.ErrHandshakeTimeout):
			s.log.Warn().Err(err).Msg("still waiting for required processes")
		default:
			return
		}
	}
}

func (s *Service) accept(ch channel.Channel) {
	if _, err := s.reg.AcceptChannel(ch); err != nil {
		s.log.Warn().Err(err).Msg("accept channel failed")
		_ = ch.Close()
	}
}

func (s *Service) serveHub(ctx context.Context, ln net.Listener) error {
	switch s.cfg.Transport {
	case config.TransportGRPC:
		opts := []grpc.ServerOption{
			grpc.ChainStreamInterceptor(observability.StreamLogger(logging.Component("transport.grpc"))),
		}
		if s.cfg.Session.TLS.Enabled {
			tlsCfg, err := transport.ServerTLSConfig(s.cfg.Session.TLS)
			if err != nil {
				return err
			}
			opts = append(opts, grpc.Creds(credentials.NewTLS(tlsCfg)))
		}
		srv := transport.NewGRPCServer(s.accept, opts...)
		go func() {
			<-ctx.Done()
			srv.Stop()
		}()
		if err := srv.Serve(ln); err != nil && ctx.Err() == nil {
			return err
		}
		return nil
	default:
		return transport.Serve(ctx, ln, s.accept)
	}
}

func (s *Service) dial(ctx context.Context) (channel.Channel, error) {
	if s.cfg.Transport == config.TransportGRPC {
		return s.dialer.DialGRPC(ctx, s.cfg.HubAddr)
	}
	return s.dialer.DialTCP(ctx, s.cfg.HubAddr)
}

// runLeafSession keeps one channel to the hub open, redialing after it drops.
func (s *Service) runLeafSession(ctx context.Context) error {
	removed := make(chan struct{}, 1)
	sub := s.reg.AddEventListener(registry.EventChannelRemoved, func(registry.Event) {
		select {
		case removed <- struct{}{}:
		default:
		}
	})
	defer sub.Unsubscribe()

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			delay := s.cfg.Session.Backoff.Delay(attempt, nil)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(delay):
			}
		}
		ch, err := s.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		select {
		case <-removed:
		default:
		}
		chID, err := s.reg.AddChannel(ch)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, registry.ErrClosed) {
				return nil
			}
			s.log.Warn().Err(err).Msg("hub channel setup failed")
			continue
		}
		s.log.Info().Str("channel_id", chID).Str("hub", s.cfg.HubAddr).Msg("hub channel opened")

		select {
		case <-ctx.Done():
			return nil
		case <-removed:
			s.log.Warn().Str("channel_id", chID).Msg("hub channel lost, redialing")
			attempt = 0
		}
	}
}
