package rooms

import (
    "context"
    "strings"
    "testing"
    "time"

    "github.com/amirimatin/go-lanchat/pkg/clock"
    "github.com/amirimatin/go-lanchat/pkg/protocol"
    "github.com/amirimatin/go-lanchat/pkg/store"
    "github.com/amirimatin/go-lanchat/pkg/transport"
)

func newSync(t *testing.T, st *store.Store, tr Transport, pageLimit int) *Sync {
    t.Helper()
    return NewSync(SyncConfig{
        Self:        transport.Identity{NodeID: "self", Name: "me", P2PPort: 19000},
        Clock:       clock.New(),
        Store:       st,
        Transport:   tr,
        PageLimit:   pageLimit,
        PageTimeout: 500 * time.Millisecond,
    })
}

func seedRoomMessages(t *testing.T, st *store.Store, n int) {
    t.Helper()
    for i := 1; i <= n; i++ {
        err := st.InsertMessage(store.Message{
            MsgID:      "m" + string(rune('0'+i)),
            RoomID:     "r1",
            ChatType:   protocol.ChatRoom,
            Direction:  store.DirectionIn,
            FromNodeID: "bbb",
            Content:    strings.Repeat("x", i),
            TS:         int64(1000 + i),
            Clock:      int64(i),
        })
        if err != nil { t.Fatalf("seed message %d: %v", i, err) }
    }
}

func syncRequestEnv(roomID, since string, limit int) *protocol.Envelope {
    return protocol.NewEnvelope(protocol.TypeSyncRequest, protocol.NodeRef{NodeID: "bbb"}).
        WithPayload(protocol.SyncRequestPayload{
            RoomID: roomID,
            Since:  protocol.ClockValue{ClockValue: since},
            Limit:  limit,
        })
}

func decodeSyncResponse(t *testing.T, s sentEnv) protocol.SyncResponsePayload {
    t.Helper()
    if s.env.Type != protocol.TypeSyncResponse { t.Fatalf("expected SYNC_RESPONSE, got %s", s.env.Type) }
    var p protocol.SyncResponsePayload
    if err := s.env.DecodePayload(&p); err != nil { t.Fatalf("decode response: %v", err) }
    return p
}

func TestServeRequestPagesWithHasMore(t *testing.T) {
    st := openStore(t)
    tr := &fakeTransport{}
    s := newSync(t, st, tr, 0)
    seedRoom(t, st, "self", "bbb")
    seedRoomMessages(t, st, 3)
    remote := transport.PeerInfo{NodeID: "bbb", IP: "10.0.0.2"}

    req := syncRequestEnv("r1", "0", 2)
    s.OnEnvelope(remote, req)
    resp := decodeSyncResponse(t, tr.sends[0])
    if resp.RequestID != req.MsgID { t.Fatalf("requestId not echoed: %+v", resp) }
    if len(resp.Messages) != 2 || !resp.HasMore { t.Fatalf("first page wrong: %+v", resp) }
    if resp.Messages[0].Clock != 1 || resp.Messages[1].Clock != 2 {
        t.Fatalf("page order wrong: %+v", resp.Messages)
    }
    if resp.NextSince.ClockValue != "2" { t.Fatalf("nextSince = %q", resp.NextSince.ClockValue) }

    s.OnEnvelope(remote, syncRequestEnv("r1", "2", 2))
    resp = decodeSyncResponse(t, tr.sends[1])
    if len(resp.Messages) != 1 || resp.HasMore { t.Fatalf("second page wrong: %+v", resp) }
    if resp.NextSince.ClockValue != "3" { t.Fatalf("nextSince = %q", resp.NextSince.ClockValue) }

    // Caught up: empty page echoes since.
    s.OnEnvelope(remote, syncRequestEnv("r1", "3", 2))
    resp = decodeSyncResponse(t, tr.sends[2])
    if len(resp.Messages) != 0 || resp.HasMore || resp.NextSince.ClockValue != "3" {
        t.Fatalf("empty page wrong: %+v", resp)
    }
}

func TestServeRequestRefusesNonMember(t *testing.T) {
    st := openStore(t)
    tr := &fakeTransport{}
    s := newSync(t, st, tr, 0)
    seedRoom(t, st, "self") // requester is not a member

    req := syncRequestEnv("r1", "0", 10)
    s.OnEnvelope(transport.PeerInfo{NodeID: "bbb"}, req)
    if len(tr.sends) != 1 || tr.sends[0].env.Type != protocol.TypeError {
        t.Fatalf("expected ERROR, got %+v", tr.sends)
    }
    var ep protocol.ErrorPayload
    _ = tr.sends[0].env.DecodePayload(&ep)
    if ep.Code != protocol.CodeNotMember || ep.RequestID != req.MsgID {
        t.Fatalf("error payload: %+v", ep)
    }
}

// scriptedSource answers SYNC_REQUESTs from a fixed message log, the way
// a live member would.
func scriptedSource(s *Sync, msgs []protocol.SyncMessage, pageLimit int) func(string, *protocol.Envelope) {
    return func(nodeID string, env *protocol.Envelope) {
        if env.Type != protocol.TypeSyncRequest { return }
        var req protocol.SyncRequestPayload
        if err := env.DecodePayload(&req); err != nil { return }
        since := protocol.ParseClock(req.Since.ClockValue)
        var page []protocol.SyncMessage
        for _, m := range msgs {
            if m.Clock > since { page = append(page, m) }
        }
        hasMore := len(page) > pageLimit
        if hasMore { page = page[:pageLimit] }
        next := req.Since.ClockValue
        if len(page) > 0 { next = protocol.FormatClock(page[len(page)-1].Clock) }
        resp := protocol.NewEnvelope(protocol.TypeSyncResponse, protocol.NodeRef{NodeID: nodeID}).
            WithPayload(protocol.SyncResponsePayload{
                RoomID:    req.RoomID,
                RequestID: env.MsgID,
                Messages:  page,
                HasMore:   hasMore,
                NextSince: protocol.ClockValue{ClockValue: next},
            })
        go s.OnEnvelope(transport.PeerInfo{NodeID: nodeID}, resp)
    }
}

func sourceLog(n int) []protocol.SyncMessage {
    var out []protocol.SyncMessage
    for i := 1; i <= n; i++ {
        out = append(out, protocol.SyncMessage{
            MsgID:   "m" + string(rune('0'+i)),
            From:    protocol.NodeRef{NodeID: "bbb", Name: "bob"},
            TS:      int64(1000 + i),
            Clock:   int64(i),
            Payload: protocol.ChatPayload{ChatType: protocol.ChatRoom, RoomID: "r1", Content: "c"},
        })
    }
    return out
}

func seedLiveSource(t *testing.T, st *store.Store) {
    t.Helper()
    seedRoom(t, st, "self")
    err := st.UpsertMember(store.Member{
        RoomID: "r1", NodeID: "bbb", IP: "10.0.0.2", P2PPort: 19002,
        LastSeen: time.Now().UnixMilli(),
    })
    if err != nil { t.Fatalf("seed source: %v", err) }
}

func TestSyncRoomConvergesAndAdvancesCursor(t *testing.T) {
    st := openStore(t)
    tr := &fakeTransport{}
    s := newSync(t, st, tr, 2) // 3 messages, page size 2 → two pages
    seedLiveSource(t, st)
    tr.onSend = scriptedSource(s, sourceLog(3), 2)

    n, err := s.SyncRoom(context.Background(), "r1")
    if err != nil { t.Fatalf("sync: %v", err) }
    if n != 3 { t.Fatalf("applied %d messages, want 3", n) }
    if v, _ := st.GetCursor("r1"); v != "3" { t.Fatalf("cursor = %q, want 3", v) }
    msgs, _ := st.ListRoomMessagesAfterClock("r1", 0, 10)
    if len(msgs) != 3 { t.Fatalf("stored %d messages", len(msgs)) }
    if msgs[0].Status != protocol.StatusReceived || msgs[0].FromNodeID != "bbb" {
        t.Fatalf("replicated message wrong: %+v", msgs[0])
    }
    convs, _ := st.ListConversations()
    if len(convs) != 1 || convs[0].LastMsgTS != 1003 {
        t.Fatalf("conversation not touched to max ts: %+v", convs)
    }

    // Second pass finds nothing new and moves nothing.
    n, err = s.SyncRoom(context.Background(), "r1")
    if err != nil { t.Fatalf("resync: %v", err) }
    if n != 0 { t.Fatalf("resync applied %d", n) }
    if v, _ := st.GetCursor("r1"); v != "3" { t.Fatalf("cursor moved to %q", v) }
}

func TestSyncRoomRefusedBySource(t *testing.T) {
    st := openStore(t)
    tr := &fakeTransport{}
    s := newSync(t, st, tr, 2)
    seedLiveSource(t, st)
    tr.onSend = func(nodeID string, env *protocol.Envelope) {
        if env.Type != protocol.TypeSyncRequest { return }
        errEnv := protocol.NewRequestError(protocol.NodeRef{NodeID: nodeID}, protocol.CodeNotMember, "nope", env.MsgID, "r1")
        go s.OnEnvelope(transport.PeerInfo{NodeID: nodeID}, errEnv)
    }
    if _, err := s.SyncRoom(context.Background(), "r1"); err == nil {
        t.Fatalf("expected refusal error")
    }
}

func TestSyncRoomRequiresMembership(t *testing.T) {
    st := openStore(t)
    s := newSync(t, st, &fakeTransport{}, 2)
    if _, err := s.SyncRoom(context.Background(), "r1"); err == nil {
        t.Fatalf("expected ErrNotMember")
    }
}

func TestSyncRoomNoLiveSource(t *testing.T) {
    st := openStore(t)
    s := newSync(t, st, &fakeTransport{}, 2)
    seedRoom(t, st, "self")
    // A member far past the liveness horizon.
    _ = st.UpsertMember(store.Member{RoomID: "r1", NodeID: "bbb", IP: "10.0.0.2", P2PPort: 19002, LastSeen: 1})
    n, err := s.SyncRoom(context.Background(), "r1")
    if err != nil || n != 0 { t.Fatalf("stale source must be skipped: n=%d err=%v", n, err) }
}

func TestSyncRoomCursorAdvanceCountsAsProgress(t *testing.T) {
    st := openStore(t)
    tr := &fakeTransport{}
    s := newSync(t, st, tr, 2)
    seedLiveSource(t, st) // bbb, freshest
    err := st.UpsertMember(store.Member{
        RoomID: "r1", NodeID: "ccc", IP: "10.0.0.3", P2PPort: 19003,
        LastSeen: time.Now().UnixMilli() - 1000,
    })
    if err != nil { t.Fatalf("seed second source: %v", err) }
    // The whole backlog is already held locally; the source only moves
    // the cursor.
    seedRoomMessages(t, st, 3)
    tr.onSend = scriptedSource(s, sourceLog(3), 2)

    n, err := s.SyncRoom(context.Background(), "r1")
    if err != nil { t.Fatalf("sync: %v", err) }
    if n != 0 { t.Fatalf("known messages re-applied: %d", n) }
    if v, _ := st.GetCursor("r1"); v != "3" { t.Fatalf("cursor = %q, want 3", v) }
    for _, req := range tr.sentOfType(protocol.TypeSyncRequest) {
        if req.nodeID != "bbb" {
            t.Fatalf("second source consulted after first made progress: %+v", req)
        }
    }
}

func TestApplyBatchIdempotent(t *testing.T) {
    st := openStore(t)
    s := newSync(t, st, &fakeTransport{}, 2)
    seedRoom(t, st, "self")
    batch := sourceLog(2)
    n, err := s.applyBatch("r1", batch)
    if err != nil || n != 2 { t.Fatalf("first apply: n=%d err=%v", n, err) }
    n, err = s.applyBatch("r1", batch)
    if err != nil { t.Fatalf("replay: %v", err) }
    if n != 0 { t.Fatalf("replay applied %d", n) }
    // Sender membership is refreshed by application.
    if ok, _ := st.IsMember("r1", "bbb"); !ok { t.Fatalf("sender not upserted as member") }
}

func TestApplyBatchDropsForeignEntries(t *testing.T) {
    st := openStore(t)
    s := newSync(t, st, &fakeTransport{}, 2)
    seedRoom(t, st, "self")
    batch := []protocol.SyncMessage{
        {MsgID: "good", From: protocol.NodeRef{NodeID: "bbb"}, TS: 1001, Clock: 1,
            Payload: protocol.ChatPayload{ChatType: protocol.ChatRoom, RoomID: "r1", Content: "ok"}},
        {MsgID: "foreign", From: protocol.NodeRef{NodeID: "bbb"}, TS: 1002, Clock: 2,
            Payload: protocol.ChatPayload{ChatType: protocol.ChatRoom, RoomID: "r9", Content: "smuggled"}},
        {MsgID: "direct", From: protocol.NodeRef{NodeID: "bbb"}, TS: 1003, Clock: 3,
            Payload: protocol.ChatPayload{ChatType: protocol.ChatPrivate, ToNodeID: "self", Content: "dm"}},
    }
    n, err := s.applyBatch("r1", batch)
    if err != nil { t.Fatalf("apply: %v", err) }
    if n != 1 { t.Fatalf("applied %d entries, want 1", n) }
    msgs, _ := st.ListRoomMessagesAfterClock("r1", 0, 10)
    if len(msgs) != 1 || msgs[0].MsgID != "good" {
        t.Fatalf("only the room's own message may land: %+v", msgs)
    }
    // A dropped entry is not seen-marked either; a clean copy of it can
    // still arrive through its real room.
    if _, found, _ := st.GetMessage("foreign"); found { t.Fatalf("foreign message stored") }
}
