package protocol

import (
    "encoding/json"
    "errors"
    "fmt"
    "time"

    "github.com/google/uuid"
)

// Version is the only wire protocol version this node speaks.
const Version = 1

// MsgType discriminates the envelope payload.
type MsgType string

const (
    TypeHello        MsgType = "HELLO"
    TypePresence     MsgType = "PRESENCE"
    TypeChat         MsgType = "CHAT"
    TypeAck          MsgType = "ACK"
    TypeError        MsgType = "ERROR"
    TypeJoinRequest  MsgType = "JOIN_REQUEST"
    TypeJoinAccept   MsgType = "JOIN_ACCEPT"
    TypeMemberEvent  MsgType = "MEMBER_EVENT"
    TypeSyncRequest  MsgType = "SYNC_REQUEST"
    TypeSyncResponse MsgType = "SYNC_RESPONSE"
)

// NodeRef identifies the sender of an envelope.
type NodeRef struct {
    NodeID string `json:"nodeId"`
    Name   string `json:"name,omitempty"`
}

// Envelope is the unit of exchange on every peer connection and on the
// discovery datagram socket. Payload stays raw until the type is known.
type Envelope struct {
    ProtocolVersion int             `json:"protocolVersion"`
    Type            MsgType         `json:"type"`
    MsgID           string          `json:"msgId"`
    From            NodeRef         `json:"from"`
    TS              int64           `json:"ts"`
    Clock           int64           `json:"clock"`
    Payload         json.RawMessage `json:"payload,omitempty"`
}

// ErrNoPayload reports an envelope whose type requires a payload but none
// was present.
var ErrNoPayload = errors.New("protocol: envelope has no payload")

// NewEnvelope returns an envelope stamped with the current version, a fresh
// msgId and the current wall time. Clock is left for the caller.
func NewEnvelope(t MsgType, from NodeRef) *Envelope {
    return &Envelope{
        ProtocolVersion: Version,
        Type:            t,
        MsgID:           uuid.NewString(),
        From:            from,
        TS:              time.Now().UnixMilli(),
    }
}

// WithPayload marshals v into the envelope payload and returns the envelope
// for chaining. Marshal failures are programming errors and panic.
func (e *Envelope) WithPayload(v any) *Envelope {
    b, err := json.Marshal(v)
    if err != nil { panic(fmt.Sprintf("protocol: marshal %s payload: %v", e.Type, err)) }
    e.Payload = b
    return e
}

// DecodePayload unmarshals the raw payload into v.
func (e *Envelope) DecodePayload(v any) error {
    if len(e.Payload) == 0 { return ErrNoPayload }
    if err := json.Unmarshal(e.Payload, v); err != nil {
        return fmt.Errorf("protocol: decode %s payload: %w", e.Type, err)
    }
    return nil
}

// Valid performs the structural checks every inbound envelope must pass
// before dispatch: known version, a type, a msgId and a sender id.
func (e *Envelope) Valid() bool {
    return e.ProtocolVersion == Version && e.Type != "" && e.MsgID != "" && e.From.NodeID != ""
}
