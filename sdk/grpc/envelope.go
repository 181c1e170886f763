package grpc

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// Claves del sobre {type, payload} usado en los streams sin código generado.
const (
	EnvelopeTypeKey    = "type"
	EnvelopePayloadKey = "payload"
)

// NewEnvelope instancia un sobre vacío (factory para Stream).
func NewEnvelope() *structpb.Struct {
	return &structpb.Struct{}
}

// EncodeEnvelope serializa payload (JSON) dentro de un structpb.Struct.
func EncodeEnvelope(msgType string, payload any) (*structpb.Struct, error) {
	raw, err := json.Marshal(map[string]any{
		EnvelopeTypeKey:    msgType,
		EnvelopePayloadKey: payload,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal envelope %s: %w", msgType, err)
	}

	msg := &structpb.Struct{}
	if err := protojson.Unmarshal(raw, msg); err != nil {
		return nil, fmt.Errorf("encode envelope %s: %w", msgType, err)
	}
	return msg, nil
}

// EnvelopeType retorna el tipo del sobre ("" si falta).
func EnvelopeType(msg *structpb.Struct) string {
	if msg == nil {
		return ""
	}
	v, ok := msg.GetFields()[EnvelopeTypeKey]
	if !ok {
		return ""
	}
	return v.GetStringValue()
}

// DecodePayload deserializa el payload del sobre en out.
func DecodePayload(msg *structpb.Struct, out any) error {
	if msg == nil {
		return fmt.Errorf("envelope is nil")
	}
	payload, ok := msg.GetFields()[EnvelopePayloadKey]
	if !ok {
		return fmt.Errorf("envelope %q has no payload", EnvelopeType(msg))
	}

	raw, err := protojson.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode payload %q: %w", EnvelopeType(msg), err)
	}
	return nil
}
