package channel

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/danmuck/xprocbus/internal/protocol/envelope"
	"github.com/danmuck/xprocbus/internal/protocol/frame"
)

// Stream carries framed envelopes over a byte stream such as a TCP
// connection, a unix socket, or a child process's stdio pair.
type Stream struct {
	rwc    io.ReadWriteCloser
	reader *bufio.Reader
	limits frame.Limits

	writeMu sync.Mutex
	seq     atomic.Uint64

	closeOnce sync.Once
	closed    atomic.Bool
}

func NewStream(rwc io.ReadWriteCloser) *Stream {
	return &Stream{
		rwc:    rwc,
		reader: bufio.NewReader(rwc),
		limits: frame.DefaultLimits(),
	}
}

func (s *Stream) Send(ctx context.Context, env envelope.Envelope) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	f, err := envelope.EncodeFrame(s.seq.Add(1), env)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := frame.WriteFrame(s.rwc, f, s.limits); err != nil {
		return s.mapErr(err)
	}
	return nil
}

// Recv blocks until a frame arrives or the stream is closed. The context is
// checked before reading only; Close is what unblocks an in-progress read.
func (s *Stream) Recv(ctx context.Context) (envelope.Envelope, error) {
	if err := ctx.Err(); err != nil {
		return envelope.Envelope{}, err
	}
	f, err := frame.ReadFrame(s.reader, s.limits)
	if err != nil {
		return envelope.Envelope{}, s.mapErr(err)
	}
	env, err := envelope.DecodeFrame(f)
	if err != nil {
		return envelope.Envelope{}, malformed(err)
	}
	return env, nil
}

func (s *Stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		err = s.rwc.Close()
	})
	return err
}

func (s *Stream) mapErr(err error) error {
	if s.closed.Load() || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		return ErrClosed
	}
	return err
}
