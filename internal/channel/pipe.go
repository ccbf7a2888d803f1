package channel

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/danmuck/xprocbus/internal/protocol/envelope"
)

const pipeBuffer = 128

type pipeShared struct {
	done chan struct{}
	once sync.Once
}

func (s *pipeShared) close() {
	s.once.Do(func() { close(s.done) })
}

// pipeEnd is one side of an in-memory channel. Every envelope is run through
// the wire codec so in-process peers observe exactly what a socket peer would.
type pipeEnd struct {
	shared *pipeShared
	in     chan []byte
	out    chan []byte
	seq    atomic.Uint64
}

// Pipe returns two connected in-memory channel endpoints.
func Pipe() (Channel, Channel) {
	shared := &pipeShared{done: make(chan struct{})}
	ab := make(chan []byte, pipeBuffer)
	ba := make(chan []byte, pipeBuffer)
	return &pipeEnd{shared: shared, in: ba, out: ab},
		&pipeEnd{shared: shared, in: ab, out: ba}
}

func (p *pipeEnd) Send(ctx context.Context, env envelope.Envelope) error {
	b, err := envelope.Marshal(p.seq.Add(1), env)
	if err != nil {
		return err
	}
	select {
	case <-p.shared.done:
		return ErrClosed
	default:
	}
	select {
	case p.out <- b:
		return nil
	case <-p.shared.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pipeEnd) Recv(ctx context.Context) (envelope.Envelope, error) {
	select {
	case b := <-p.in:
		return decodePiped(b)
	default:
	}
	select {
	case b := <-p.in:
		return decodePiped(b)
	case <-p.shared.done:
		return envelope.Envelope{}, ErrClosed
	case <-ctx.Done():
		return envelope.Envelope{}, ctx.Err()
	}
}

func (p *pipeEnd) Close() error {
	p.shared.close()
	return nil
}

func decodePiped(b []byte) (envelope.Envelope, error) {
	env, err := envelope.Unmarshal(b)
	if err != nil {
		return envelope.Envelope{}, malformed(err)
	}
	return env, nil
}
