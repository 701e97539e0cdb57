package protocol

import (
    "encoding/json"
    "testing"
)

func TestEnvelopeRoundTrip(t *testing.T) {
    env := NewEnvelope(TypeChat, NodeRef{NodeID: "n1", Name: "alice"})
    env.Clock = 7
    env.WithPayload(ChatPayload{ChatType: ChatPrivate, ToNodeID: "n2", Content: "hi"})

    b, err := json.Marshal(env)
    if err != nil { t.Fatalf("marshal: %v", err) }
    var got Envelope
    if err := json.Unmarshal(b, &got); err != nil { t.Fatalf("unmarshal: %v", err) }
    if !got.Valid() { t.Fatalf("round-tripped envelope invalid: %+v", got) }
    if got.Type != TypeChat || got.From.NodeID != "n1" || got.Clock != 7 {
        t.Fatalf("header mismatch: %+v", got)
    }
    var p ChatPayload
    if err := got.DecodePayload(&p); err != nil { t.Fatalf("decode payload: %v", err) }
    if p.ChatType != ChatPrivate || p.ToNodeID != "n2" || p.Content != "hi" {
        t.Fatalf("payload mismatch: %+v", p)
    }
}

func TestValidRejectsMissingFields(t *testing.T) {
    base := func() *Envelope { return NewEnvelope(TypeHello, NodeRef{NodeID: "n1"}) }
    if !base().Valid() { t.Fatalf("baseline envelope should be valid") }

    e := base()
    e.ProtocolVersion = 2
    if e.Valid() { t.Fatalf("foreign version accepted") }
    e = base()
    e.MsgID = ""
    if e.Valid() { t.Fatalf("missing msgId accepted") }
    e = base()
    e.From.NodeID = ""
    if e.Valid() { t.Fatalf("missing sender accepted") }
    e = base()
    e.Type = ""
    if e.Valid() { t.Fatalf("missing type accepted") }
}

func TestDecodePayloadEmpty(t *testing.T) {
    env := NewEnvelope(TypeSyncRequest, NodeRef{NodeID: "n1"})
    var p SyncRequestPayload
    if err := env.DecodePayload(&p); err == nil {
        t.Fatalf("expected error for empty payload")
    }
}

func TestRequestErrorCarriesCorrelation(t *testing.T) {
    env := NewRequestError(NodeRef{NodeID: "n1"}, CodeNotMember, "not a member", "req-9", "room-1")
    var p ErrorPayload
    if err := env.DecodePayload(&p); err != nil { t.Fatalf("decode: %v", err) }
    if p.Code != CodeNotMember || p.RequestID != "req-9" || p.RoomID != "room-1" {
        t.Fatalf("unexpected payload: %+v", p)
    }
}

func TestClockValueHelpers(t *testing.T) {
    if ParseClock("42") != 42 { t.Fatalf("parse 42") }
    if ParseClock("") != 0 { t.Fatalf("empty should parse as 0") }
    if ParseClock("junk") != 0 { t.Fatalf("junk should parse as 0") }
    if ParseClock("-5") != 0 { t.Fatalf("negative should parse as 0") }
    if FormatClock(42) != "42" { t.Fatalf("format 42") }
    if CompareClocks("9", "10") != -1 { t.Fatalf("9 < 10 numerically") }
    if CompareClocks("10", "9") != 1 { t.Fatalf("10 > 9 numerically") }
    if CompareClocks("7", "7") != 0 { t.Fatalf("equal clocks") }
}
