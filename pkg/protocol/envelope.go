package protocol

import (
	"encoding/json"
	"fmt"
)

// Message envelope as carried on the wire.
//
// MsgID is only set on request/response exchanges. A request that wants a
// reply sets IsResponse; the reply has type MsgResponse and echoes the MsgID.
type Envelope struct {
	Source     string          `json:"source"`
	Address    string          `json:"address"`
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	MsgID      string          `json:"msgId,omitempty"`
	IsResponse bool            `json:"isResponse,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// Create an envelope with payload encoded as JSON.
func NewEnvelope(source, address, msgType string, payload interface{}) (*Envelope, error) {
	env := &Envelope{
		Source:  source,
		Address: address,
		Type:    msgType,
	}

	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s payload: %w", msgType, err)
		}
		env.Payload = data
	}

	return env, nil
}

// Decode the payload into v.
func (e *Envelope) Decode(v interface{}) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("empty %s payload", e.Type)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", e.Type, err)
	}
	return nil
}

// True if the envelope expects a correlated reply.
func (e *Envelope) ExpectsResponse() bool {
	return e.IsResponse && e.MsgID != "" && e.Type != MsgResponse
}
