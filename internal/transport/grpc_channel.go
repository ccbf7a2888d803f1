package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/danmuck/xprocbus/internal/channel"
	"github.com/danmuck/xprocbus/internal/logging"
	"github.com/danmuck/xprocbus/internal/protocol/envelope"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

type msgStream interface {
	SendMsg(m any) error
	RecvMsg(m any) error
	Context() context.Context
}

// grpcChannel adapts one Connect stream to channel.Channel. Each message is
// one complete envelope frame.
type grpcChannel struct {
	stream msgStream

	sendMu sync.Mutex
	seq    atomic.Uint64

	closeOnce sync.Once
	closed    atomic.Bool
	done      chan struct{}
	onClose   func()
}

func newGRPCChannel(stream msgStream, onClose func()) *grpcChannel {
	return &grpcChannel{stream: stream, done: make(chan struct{}), onClose: onClose}
}

func (g *grpcChannel) Send(ctx context.Context, env envelope.Envelope) error {
	if g.closed.Load() {
		return channel.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	b, err := envelope.Marshal(g.seq.Add(1), env)
	if err != nil {
		return err
	}
	g.sendMu.Lock()
	defer g.sendMu.Unlock()
	if err := g.stream.SendMsg(wrapperspb.Bytes(b)); err != nil {
		return g.mapErr(err)
	}
	return nil
}

// Recv blocks until a message arrives. Close, or the end of the RPC, is what
// unblocks an in-progress receive.
func (g *grpcChannel) Recv(ctx context.Context) (envelope.Envelope, error) {
	if err := ctx.Err(); err != nil {
		return envelope.Envelope{}, err
	}
	msg := new(wrapperspb.BytesValue)
	if err := g.stream.RecvMsg(msg); err != nil {
		return envelope.Envelope{}, g.mapErr(err)
	}
	env, err := envelope.Unmarshal(msg.GetValue())
	if err != nil {
		return envelope.Envelope{}, fmt.Errorf("%w: %v", channel.ErrMalformed, err)
	}
	return env, nil
}

func (g *grpcChannel) Close() error {
	g.closeOnce.Do(func() {
		g.closed.Store(true)
		close(g.done)
		if g.onClose != nil {
			g.onClose()
		}
	})
	return nil
}

func (g *grpcChannel) mapErr(err error) error {
	if g.closed.Load() || errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) {
		return channel.ErrClosed
	}
	switch status.Code(err) {
	case codes.Canceled, codes.Unavailable:
		return channel.ErrClosed
	}
	return err
}

// ChannelService serves Connect streams, handing each to Accept as a
// channel. The RPC stays open until the channel or the stream closes.
type ChannelService struct {
	Accept AcceptFunc
}

func (s *ChannelService) Connect(stream grpc.ServerStream) error {
	log := logging.Component("transport.grpc")
	if s.Accept == nil {
		return status.Error(codes.FailedPrecondition, "no channel acceptor")
	}
	ch := newGRPCChannel(stream, nil)
	identity := ""
	if p, ok := peer.FromContext(stream.Context()); ok {
		if info, ok := p.AuthInfo.(credentials.TLSInfo); ok {
			identity = identityFromState(info.State)
		}
	}
	log.Info().Str("identity", identity).Msg("stream accepted")
	s.Accept(withIdentity(ch, identity))
	select {
	case <-ch.done:
	case <-stream.Context().Done():
		_ = ch.Close()
	}
	return nil
}

// NewGRPCServer returns a gRPC server with the channel service registered.
func NewGRPCServer(accept AcceptFunc, opts ...grpc.ServerOption) *grpc.Server {
	srv := grpc.NewServer(opts...)
	RegisterChannelServer(srv, &ChannelService{Accept: accept})
	return srv
}

// DialGRPC opens a Connect stream to target and returns it as a channel,
// retrying with backoff. Extra options are appended after the transport
// credentials, which are TLS when the session enables it.
func (d *Dialer) DialGRPC(ctx context.Context, target string, opts ...grpc.DialOption) (channel.Channel, error) {
	if strings.TrimSpace(target) == "" {
		return nil, ErrAddressRequired
	}
	creds := insecure.NewCredentials()
	if d.Session.TLS.Enabled {
		tlsCfg, err := ClientTLSConfig(d.Session.TLS, target)
		if err != nil {
			return nil, err
		}
		creds = credentials.NewTLS(tlsCfg)
	}
	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(creds),
	}, opts...)

	var out channel.Channel
	err := d.retry(ctx, target, func(ctx context.Context) error {
		cc, err := grpc.NewClient(target, dialOpts...)
		if err != nil {
			return err
		}
		streamCtx, cancel := context.WithCancel(context.Background())
		openCtx, openCancel := context.WithTimeout(ctx, d.Session.ConnectTimeout)
		defer openCancel()

		type opened struct {
			stream grpc.ClientStream
			err    error
		}
		res := make(chan opened, 1)
		go func() {
			s, err := newConnectStream(streamCtx, cc, grpc.WaitForReady(true))
			res <- opened{stream: s, err: err}
		}()
		var o opened
		select {
		case o = <-res:
		case <-openCtx.Done():
			cancel()
			o = <-res
			if o.err == nil {
				o.err = openCtx.Err()
			}
		}
		if o.err != nil {
			cancel()
			_ = cc.Close()
			return o.err
		}
		stream := o.stream
		out = newGRPCChannel(stream, func() {
			cancel()
			_ = cc.Close()
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
