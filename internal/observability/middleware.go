package observability

import (
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

// StreamLogger logs every finished gRPC stream and records its lifetime.
func StreamLogger(logger zerolog.Logger) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		start := time.Now()
		err := handler(srv, ss)

		code := status.Code(err)
		RecordGRPCStream(info.FullMethod, code.String(), time.Since(start))

		event := logger.Info()
		switch code {
		case codes.OK, codes.Canceled:
		case codes.Internal, codes.Unknown, codes.DataLoss:
			event = logger.Error().Err(err)
		default:
			event = logger.Warn().Err(err)
		}
		remote := ""
		if p, ok := peer.FromContext(ss.Context()); ok && p.Addr != nil {
			remote = p.Addr.String()
		}
		event.
			Str("method", info.FullMethod).
			Str("code", code.String()).
			Dur("duration", time.Since(start)).
			Str("peer", remote).
			Msg("grpc_stream")
		return err
	}
}
