// Package channel provides the ordered, reliable, bidirectional pipe the
// registry uses to reach exactly one peer process.
package channel

import (
	"context"
	"errors"
	"fmt"

	"github.com/danmuck/xprocbus/internal/protocol/envelope"
)

var (
	ErrClosed = errors.New("channel: closed")
	// ErrMalformed wraps a decode failure for one message. The channel stays
	// usable; the reader may skip the message and continue.
	ErrMalformed = errors.New("channel: malformed envelope")
)

func malformed(err error) error {
	return fmt.Errorf("%w: %v", ErrMalformed, err)
}

// Channel connects two endpoints. Envelopes sent on one side arrive on the
// other in send order. Send may be called concurrently; Recv has a single
// reader. Close unblocks a pending Recv on both sides where the transport
// allows it.
type Channel interface {
	Send(ctx context.Context, env envelope.Envelope) error
	Recv(ctx context.Context) (envelope.Envelope, error)
	Close() error
}

// Identified is implemented by channels whose transport authenticated the
// remote end, for example with a TLS client certificate. The registry
// refuses a registration whose process id differs from the identity.
type Identified interface {
	PeerIdentity() string
}
