// Package envelope defines the transport-agnostic message shape exchanged over
// a channel and its framed TLV encoding.
package envelope

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/danmuck/xprocbus/internal/protocol/frame"
	"github.com/danmuck/xprocbus/internal/protocol/schema"
	"github.com/danmuck/xprocbus/internal/protocol/session"
	"github.com/danmuck/xprocbus/internal/protocol/tlv"
)

// Type discriminates envelopes.
type Type string

const (
	TypeExecute  Type = "execute"
	TypeResult   Type = "result"
	TypeError    Type = "error"
	TypeEvent    Type = "event"
	TypeRegister Type = session.ControlRegisterNewChannel
)

var (
	ErrInvalidEnvelope = errors.New("envelope: invalid envelope")
	ErrUnknownType     = errors.New("envelope: unknown type")
)

// WireError is the only error shape allowed across a channel.
type WireError struct {
	Message string `json:"message"`
	Kind    string `json:"kind"`
}

// Envelope is one routed message.
type Envelope struct {
	Type            Type
	MessageID       string
	OriginProcessID string
	CommandID       string
	EventID         string
	Payload         json.RawMessage
	Error           *WireError
	Register        *session.Registration
}

func (e Envelope) Validate() error {
	switch e.Type {
	case TypeExecute:
		if strings.TrimSpace(e.MessageID) == "" {
			return invalid("execute missing message_id")
		}
		if strings.TrimSpace(e.OriginProcessID) == "" {
			return invalid("execute missing origin_process_id")
		}
		if strings.TrimSpace(e.CommandID) == "" {
			return invalid("execute missing command_id")
		}
		if session.IsPrivate(e.CommandID) {
			return fmt.Errorf("%w: command %q", session.ErrPrivateIdentifier, e.CommandID)
		}
	case TypeResult:
		if strings.TrimSpace(e.MessageID) == "" {
			return invalid("result missing message_id")
		}
	case TypeError:
		if strings.TrimSpace(e.MessageID) == "" {
			return invalid("error missing message_id")
		}
		if e.Error == nil || strings.TrimSpace(e.Error.Kind) == "" {
			return invalid("error missing kind")
		}
	case TypeEvent:
		if strings.TrimSpace(e.EventID) == "" {
			return invalid("event missing event_id")
		}
		if session.IsPrivate(e.EventID) {
			return fmt.Errorf("%w: event %q", session.ErrPrivateIdentifier, e.EventID)
		}
	case TypeRegister:
		if e.Register == nil {
			return invalid("register missing registration")
		}
		return e.Register.Validate()
	default:
		return fmt.Errorf("%w: %q", ErrUnknownType, e.Type)
	}
	return nil
}

func invalid(reason string) error {
	return fmt.Errorf("%w: %s", ErrInvalidEnvelope, reason)
}

var msgTypes = map[Type]uint32{
	TypeExecute:  schema.MsgExecute,
	TypeResult:   schema.MsgResult,
	TypeError:    schema.MsgError,
	TypeEvent:    schema.MsgEvent,
	TypeRegister: schema.MsgRegister,
}

var typesByMsg = map[uint32]Type{
	schema.MsgExecute:  TypeExecute,
	schema.MsgResult:   TypeResult,
	schema.MsgError:    TypeError,
	schema.MsgEvent:    TypeEvent,
	schema.MsgRegister: TypeRegister,
}

// EncodeFrame validates e and encodes it into a frame with sequence seq.
func EncodeFrame(seq uint64, e Envelope) (frame.Frame, error) {
	if err := e.Validate(); err != nil {
		return frame.Frame{}, err
	}
	msgType := msgTypes[e.Type]
	fields := make([]tlv.Field, 0, 6)
	var flags uint32
	switch e.Type {
	case TypeExecute:
		fields = append(fields,
			tlv.String(schema.FieldMessageID, e.MessageID),
			tlv.String(schema.FieldOriginProcessID, e.OriginProcessID),
			tlv.String(schema.FieldCommandID, e.CommandID),
		)
	case TypeResult:
		flags |= frame.FlagIsResponse
		fields = append(fields, tlv.String(schema.FieldMessageID, e.MessageID))
		if e.OriginProcessID != "" {
			fields = append(fields, tlv.String(schema.FieldOriginProcessID, e.OriginProcessID))
		}
	case TypeError:
		flags |= frame.FlagIsResponse | frame.FlagIsError
		fields = append(fields,
			tlv.String(schema.FieldMessageID, e.MessageID),
			tlv.String(schema.FieldErrorKind, e.Error.Kind),
			tlv.String(schema.FieldErrorMessage, e.Error.Message),
		)
		if e.OriginProcessID != "" {
			fields = append(fields, tlv.String(schema.FieldOriginProcessID, e.OriginProcessID))
		}
	case TypeEvent:
		fields = append(fields, tlv.String(schema.FieldEventID, e.EventID))
		if e.OriginProcessID != "" {
			fields = append(fields, tlv.String(schema.FieldOriginProcessID, e.OriginProcessID))
		}
	case TypeRegister:
		flags |= frame.FlagIsControl
		catalog, err := session.EncodeCatalog(e.Register.Catalog)
		if err != nil {
			return frame.Frame{}, err
		}
		fields = append(fields,
			tlv.String(schema.FieldProcessID, e.Register.ProcessID),
			tlv.Bytes(schema.FieldCatalog, catalog),
		)
	}
	if len(e.Payload) > 0 && e.Type != TypeRegister && e.Type != TypeError {
		fields = append(fields, tlv.Bytes(schema.FieldPayload, e.Payload))
	}
	if err := schema.Validate(msgType, fields); err != nil {
		return frame.Frame{}, err
	}
	return frame.Frame{
		Header: frame.Header{
			Sequence:    seq,
			MessageType: msgType,
			Flags:       flags,
		},
		Payload: tlv.EncodeFields(fields),
	}, nil
}

// DecodeFrame parses one frame into an envelope with schema validation.
func DecodeFrame(f frame.Frame) (Envelope, error) {
	typ, ok := typesByMsg[f.Header.MessageType]
	if !ok {
		return Envelope{}, fmt.Errorf("%w: message_type=%d", ErrUnknownType, f.Header.MessageType)
	}
	fields, err := tlv.DecodeFields(f.Payload)
	if err != nil {
		return Envelope{}, err
	}
	if err := schema.Validate(f.Header.MessageType, fields); err != nil {
		return Envelope{}, err
	}
	e := Envelope{
		Type:            typ,
		MessageID:       tlv.GetString(fields, schema.FieldMessageID),
		OriginProcessID: tlv.GetString(fields, schema.FieldOriginProcessID),
		CommandID:       tlv.GetString(fields, schema.FieldCommandID),
		EventID:         tlv.GetString(fields, schema.FieldEventID),
	}
	if p := tlv.GetBytes(fields, schema.FieldPayload); len(p) > 0 {
		e.Payload = json.RawMessage(p)
	}
	switch typ {
	case TypeError:
		e.Error = &WireError{
			Kind:    tlv.GetString(fields, schema.FieldErrorKind),
			Message: tlv.GetString(fields, schema.FieldErrorMessage),
		}
	case TypeRegister:
		catalog, err := session.DecodeCatalog(tlv.GetBytes(fields, schema.FieldCatalog))
		if err != nil {
			return Envelope{}, err
		}
		e.Register = &session.Registration{
			ProcessID: tlv.GetString(fields, schema.FieldProcessID),
			Catalog:   catalog,
		}
	}
	if err := e.Validate(); err != nil {
		return Envelope{}, err
	}
	return e, nil
}

// Marshal encodes e as complete frame bytes.
func Marshal(seq uint64, e Envelope) ([]byte, error) {
	f, err := EncodeFrame(seq, e)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := frame.WriteFrame(&buf, f, frame.DefaultLimits()); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Unmarshal decodes complete frame bytes produced by Marshal.
func Unmarshal(b []byte) (Envelope, error) {
	f, err := frame.ReadFrame(bytes.NewReader(b), frame.DefaultLimits())
	if err != nil {
		return Envelope{}, err
	}
	return DecodeFrame(f)
}
