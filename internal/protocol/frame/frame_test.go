package frame

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/danmuck/xprocbus/internal/testutil/testlog"
)

func TestFrameRoundTrip(t *testing.T) {
	testlog.Start(t)

	var buf bytes.Buffer
	in := Frame{
		Header:  Header{Sequence: 9, MessageType: 3, Flags: FlagIsResponse},
		Payload: []byte("hello"),
	}
	if err := WriteFrame(&buf, in, DefaultLimits()); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	out, err := ReadFrame(&buf, DefaultLimits())
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if out.Header.Magic != Magic || out.Header.Version != Version {
		t.Fatalf("header not stamped: %+v", out.Header)
	}
	if out.Header.Sequence != 9 || out.Header.MessageType != 3 || out.Header.Flags != FlagIsResponse {
		t.Fatalf("header mismatch: %+v", out.Header)
	}
	if string(out.Payload) != "hello" {
		t.Fatalf("payload mismatch: %q", out.Payload)
	}
}

func TestReadFrameCleanEOF(t *testing.T) {
	testlog.Start(t)
	if _, err := ReadFrame(bytes.NewReader(nil), DefaultLimits()); !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF, got %v", err)
	}
}

func TestReadFrameShortHeader(t *testing.T) {
	testlog.Start(t)
	if _, err := ReadFrame(bytes.NewReader([]byte{1, 2, 3}), DefaultLimits()); !errors.Is(err, ErrShortHeader) {
		t.Fatalf("expected ErrShortHeader, got %v", err)
	}
}

func TestReadFrameRejectsBadMagic(t *testing.T) {
	testlog.Start(t)
	h := EncodeHeader(Header{Magic: 0xdeadbeef, Version: Version, HeaderLen: FixedHeaderLen})
	if _, err := ReadFrame(bytes.NewReader(h), DefaultLimits()); !errors.Is(err, ErrBadMagic) {
		t.Fatalf("expected ErrBadMagic, got %v", err)
	}
}

func TestReadFrameRejectsVersion(t *testing.T) {
	testlog.Start(t)
	h := EncodeHeader(Header{Magic: Magic, Version: 7, HeaderLen: FixedHeaderLen})
	if _, err := ReadFrame(bytes.NewReader(h), DefaultLimits()); !errors.Is(err, ErrUnsupportedVersion) {
		t.Fatalf("expected ErrUnsupportedVersion, got %v", err)
	}
}

func TestPayloadLimits(t *testing.T) {
	testlog.Start(t)
	limits := Limits{MaxPayloadBytes: 4}
	var buf bytes.Buffer
	if err := WriteFrame(&buf, Frame{Payload: []byte("too long")}, limits); !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge on write, got %v", err)
	}
	if err := WriteFrame(&buf, Frame{Payload: []byte("too long")}, DefaultLimits()); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := ReadFrame(&buf, limits); !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge on read, got %v", err)
	}
}
