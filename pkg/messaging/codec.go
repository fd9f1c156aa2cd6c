package messaging

import (
	"encoding/json"
	"fmt"

	"github.com/srand/slicer/pkg/protocol"
	"google.golang.org/protobuf/types/known/structpb"
)

// Envelope fields on the wire.
const (
	fieldSource     = "source"
	fieldAddress    = "address"
	fieldType       = "type"
	fieldPayload    = "payload"
	fieldMsgID      = "msgId"
	fieldIsResponse = "isResponse"
	fieldError      = "error"
)

// Either side of a Connect stream.
type msgStream interface {
	SendMsg(m any) error
	RecvMsg(m any) error
}

// Envelopes travel as google.protobuf.Struct messages, so the stream uses
// the default gRPC proto codec.
func toWire(env *protocol.Envelope) (*structpb.Struct, error) {
	fields := map[string]*structpb.Value{
		fieldSource:  structpb.NewStringValue(env.Source),
		fieldAddress: structpb.NewStringValue(env.Address),
		fieldType:    structpb.NewStringValue(env.Type),
	}
	if env.MsgID != "" {
		fields[fieldMsgID] = structpb.NewStringValue(env.MsgID)
	}
	if env.IsResponse {
		fields[fieldIsResponse] = structpb.NewBoolValue(true)
	}
	if env.Error != "" {
		fields[fieldError] = structpb.NewStringValue(env.Error)
	}

	if len(env.Payload) > 0 {
		var payload interface{}
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			return nil, fmt.Errorf("invalid %s payload: %w", env.Type, err)
		}
		value, err := structpb.NewValue(payload)
		if err != nil {
			return nil, fmt.Errorf("invalid %s payload: %w", env.Type, err)
		}
		fields[fieldPayload] = value
	}

	return &structpb.Struct{Fields: fields}, nil
}

func fromWire(msg *structpb.Struct) (*protocol.Envelope, error) {
	fields := msg.GetFields()
	env := &protocol.Envelope{
		Source:     fields[fieldSource].GetStringValue(),
		Address:    fields[fieldAddress].GetStringValue(),
		Type:       fields[fieldType].GetStringValue(),
		MsgID:      fields[fieldMsgID].GetStringValue(),
		IsResponse: fields[fieldIsResponse].GetBoolValue(),
		Error:      fields[fieldError].GetStringValue(),
	}

	if payload, ok := fields[fieldPayload]; ok {
		data, err := json.Marshal(payload.AsInterface())
		if err != nil {
			return nil, fmt.Errorf("invalid %s payload: %w", env.Type, err)
		}
		env.Payload = data
	}

	return env, nil
}

func sendEnvelope(stream msgStream, env *protocol.Envelope) error {
	msg, err := toWire(env)
	if err != nil {
		return err
	}
	return stream.SendMsg(msg)
}

func recvEnvelope(stream msgStream) (*protocol.Envelope, error) {
	msg := &structpb.Struct{}
	if err := stream.RecvMsg(msg); err != nil {
		return nil, err
	}
	return fromWire(msg)
}
