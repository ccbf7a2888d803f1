package schema

import (
	"fmt"

	"github.com/danmuck/xprocbus/internal/protocol/tlv"
	"github.com/rs/zerolog/log"
)

// Message type IDs carried in frame.Header.MessageType.
const (
	MsgExecute  uint32 = 1
	MsgResult   uint32 = 2
	MsgError    uint32 = 3
	MsgEvent    uint32 = 4
	MsgRegister uint32 = 5
)

// Field IDs.
const (
	FieldMessageID       uint16 = 1
	FieldOriginProcessID uint16 = 2

	FieldCommandID uint16 = 100
	FieldEventID   uint16 = 101
	FieldPayload   uint16 = 102

	FieldErrorKind    uint16 = 200
	FieldErrorMessage uint16 = 201

	FieldProcessID uint16 = 300
	FieldCatalog   uint16 = 301
)

type Requirement struct {
	ID   uint16
	Type uint8
}

type ValidationError struct {
	MessageType uint32
	FieldID     uint16
	Reason      string
}

func (e ValidationError) Error() string {
	if e.FieldID == 0 {
		return fmt.Sprintf("schema: message_type=%d: %s", e.MessageType, e.Reason)
	}
	return fmt.Sprintf("schema: message_type=%d field=%d: %s", e.MessageType, e.FieldID, e.Reason)
}

var requirements = map[uint32][]Requirement{
	MsgExecute: {
		{FieldMessageID, tlv.TypeString},
		{FieldOriginProcessID, tlv.TypeString},
		{FieldCommandID, tlv.TypeString},
	},
	MsgResult: {
		{FieldMessageID, tlv.TypeString},
	},
	MsgError: {
		{FieldMessageID, tlv.TypeString},
		{FieldErrorKind, tlv.TypeString},
		{FieldErrorMessage, tlv.TypeString},
	},
	MsgEvent: {
		{FieldEventID, tlv.TypeString},
	},
	MsgRegister: {
		{FieldProcessID, tlv.TypeString},
		{FieldCatalog, tlv.TypeBytes},
	},
}

// optional lists fields that are type-checked only when present.
var optional = map[uint16]uint8{
	FieldPayload:         tlv.TypeBytes,
	FieldOriginProcessID: tlv.TypeString,
}

// Known reports whether messageType has a schema.
func Known(messageType uint32) bool {
	_, ok := requirements[messageType]
	return ok
}

// Validate enforces required fields and field types for a message type.
// Unknown fields are ignored.
func Validate(messageType uint32, fields []tlv.Field) error {
	reqs, ok := requirements[messageType]
	if !ok {
		log.Error().Uint32("message_type", messageType).Msg("schema.Validate unknown message_type")
		return ValidationError{MessageType: messageType, Reason: "unknown message_type"}
	}
	for _, req := range reqs {
		f, found := tlv.GetField(fields, req.ID)
		if !found {
			log.Debug().
				Uint32("message_type", messageType).
				Uint16("field_id", req.ID).
				Msg("schema.Validate missing field")
			return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "missing required field"}
		}
		if f.Type != req.Type {
			log.Debug().
				Uint32("message_type", messageType).
				Uint16("field_id", req.ID).
				Uint8("got", f.Type).
				Uint8("want", req.Type).
				Msg("schema.Validate type mismatch")
			return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "type mismatch"}
		}
	}
	for id, typ := range optional {
		if f, found := tlv.GetField(fields, id); found && f.Type != typ {
			return ValidationError{MessageType: messageType, FieldID: id, Reason: "type mismatch"}
		}
	}
	log.Trace().Uint32("message_type", messageType).Msg("schema.Validate ok")
	return nil
}
