package envelope

import (
	"errors"
	"testing"

	"github.com/danmuck/xprocbus/internal/protocol/frame"
	"github.com/danmuck/xprocbus/internal/protocol/session"
	"github.com/danmuck/xprocbus/internal/testutil/testlog"
)

func TestExecuteFrameRoundTrip(t *testing.T) {
	testlog.Start(t)
	in := Envelope{
		Type:            TypeExecute,
		MessageID:       "m-1",
		OriginProcessID: "renderer:window-1",
		CommandID:       "add",
		Payload:         []byte(`{"a":2,"b":3}`),
	}
	b, err := Marshal(5, in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	out, err := Unmarshal(b)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.Type != TypeExecute || out.MessageID != "m-1" || out.OriginProcessID != in.OriginProcessID || out.CommandID != "add" {
		t.Fatalf("execute mismatch: %+v", out)
	}
	if string(out.Payload) != `{"a":2,"b":3}` {
		t.Fatalf("payload mismatch: %s", out.Payload)
	}
}

func TestErrorFrameCarriesKindAndFlags(t *testing.T) {
	testlog.Start(t)
	in := Envelope{
		Type:      TypeError,
		MessageID: "m-2",
		Error:     &WireError{Kind: "handler", Message: "boom"},
	}
	f, err := EncodeFrame(1, in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if f.Header.Flags&frame.FlagIsError == 0 || f.Header.Flags&frame.FlagIsResponse == 0 {
		t.Fatalf("expected response+error flags, got %b", f.Header.Flags)
	}
	out, err := DecodeFrame(f)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Error == nil || out.Error.Kind != "handler" || out.Error.Message != "boom" {
		t.Fatalf("error mismatch: %+v", out.Error)
	}
}

func TestRegisterFrameRoundTrip(t *testing.T) {
	testlog.Start(t)
	in := Envelope{
		Type: TypeRegister,
		Register: &session.Registration{
			ProcessID: "worker",
			Catalog: session.Catalog{
				Commands:  []string{"reports.build"},
				Events:    []string{"sync.done"},
				Processes: []string{"worker"},
			},
		},
	}
	b, err := Marshal(1, in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	out, err := Unmarshal(b)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.Register == nil || out.Register.ProcessID != "worker" {
		t.Fatalf("registration mismatch: %+v", out.Register)
	}
	if len(out.Register.Catalog.Commands) != 1 || out.Register.Catalog.Commands[0] != "reports.build" {
		t.Fatalf("catalog mismatch: %+v", out.Register.Catalog)
	}
}

func TestPrivateIdentifiersNeverEncode(t *testing.T) {
	testlog.Start(t)
	cases := []Envelope{
		{Type: TypeExecute, MessageID: "m", OriginProcessID: "main", CommandID: "_internal"},
		{Type: TypeEvent, EventID: "_localOnly"},
		{Type: TypeRegister, Register: &session.Registration{
			ProcessID: "main",
			Catalog:   session.Catalog{Commands: []string{"_internal"}},
		}},
	}
	for _, env := range cases {
		if _, err := Marshal(1, env); !errors.Is(err, session.ErrPrivateIdentifier) {
			t.Fatalf("expected ErrPrivateIdentifier for %+v, got %v", env, err)
		}
	}
}

func TestValidateRejectsIncomplete(t *testing.T) {
	testlog.Start(t)
	cases := []Envelope{
		{Type: TypeExecute, OriginProcessID: "main", CommandID: "add"},
		{Type: TypeResult},
		{Type: TypeError, MessageID: "m"},
		{Type: TypeEvent},
		{Type: TypeRegister},
	}
	for _, env := range cases {
		if err := env.Validate(); !errors.Is(err, ErrInvalidEnvelope) {
			t.Fatalf("expected ErrInvalidEnvelope for %+v, got %v", env, err)
		}
	}
	if err := (Envelope{Type: "bogus"}).Validate(); !errors.Is(err, ErrUnknownType) {
		t.Fatalf("expected ErrUnknownType, got %v", err)
	}
}

func TestDecodeUnknownMessageType(t *testing.T) {
	testlog.Start(t)
	_, err := DecodeFrame(frame.Frame{Header: frame.Header{MessageType: 99}})
	if !errors.Is(err, ErrUnknownType) {
		t.Fatalf("expected ErrUnknownType, got %v", err)
	}
}
