package rooms

import (
    "context"
    "errors"
    "fmt"
    "log"
    "sort"
    "sync"
    "time"

    "github.com/amirimatin/go-lanchat/pkg/clock"
    "github.com/amirimatin/go-lanchat/pkg/internal/logutil"
    "github.com/amirimatin/go-lanchat/pkg/observability/metrics"
    "github.com/amirimatin/go-lanchat/pkg/observability/tracing"
    "github.com/amirimatin/go-lanchat/pkg/protocol"
    "github.com/amirimatin/go-lanchat/pkg/store"
    "github.com/amirimatin/go-lanchat/pkg/transport"
)

// SyncConfig assembles the replication engine.
type SyncConfig struct {
    Self        transport.Identity
    Clock       *clock.Lamport
    Store       *store.Store
    Transport   Transport
    Logger      *log.Logger
    PageLimit   int
    PageTimeout time.Duration
    PeerTTL     time.Duration
    MaxSources  int
    Workers     int // bounds concurrent async sync passes
}

type syncReply struct {
    resp    *protocol.SyncResponsePayload
    errCode string
}

// Sync pulls missed room messages from recently seen members and serves
// the same protocol to others. One pass per room runs at a time;
// overlapping triggers are dropped, not queued.
type Sync struct {
    cfg SyncConfig
    log *log.Logger
    sem chan struct{}

    mu      sync.Mutex
    locks   map[string]*sync.Mutex
    pending map[string]chan syncReply // request msgId → waiter
}

// NewSync builds the engine.
func NewSync(cfg SyncConfig) *Sync {
    if cfg.Logger == nil { cfg.Logger = log.Default() }
    if cfg.PageLimit <= 0 { cfg.PageLimit = protocol.SyncDefaultLimit }
    if cfg.PageTimeout <= 0 { cfg.PageTimeout = protocol.SyncPageTimeout }
    if cfg.PeerTTL <= 0 { cfg.PeerTTL = protocol.PeerTTL }
    if cfg.MaxSources <= 0 { cfg.MaxSources = protocol.SyncMaxSources }
    if cfg.Workers <= 0 { cfg.Workers = 2 }
    return &Sync{
        cfg:     cfg,
        log:     cfg.Logger,
        sem:     make(chan struct{}, cfg.Workers),
        locks:   make(map[string]*sync.Mutex),
        pending: make(map[string]chan syncReply),
    }
}

var _ transport.Handler = (*Sync)(nil)

// OnEnvelope serves SYNC_REQUESTs and correlates SYNC_RESPONSE / ERROR
// frames back to their pending pulls.
func (s *Sync) OnEnvelope(remote transport.PeerInfo, env *protocol.Envelope) {
    switch env.Type {
    case protocol.TypeSyncRequest:
        s.serveRequest(remote, env)
    case protocol.TypeSyncResponse:
        var p protocol.SyncResponsePayload
        if err := env.DecodePayload(&p); err != nil {
            logutil.Warnf(s.log, "sync: bad response from %s: %v", remote.NodeID, err)
            return
        }
        s.deliver(p.RequestID, syncReply{resp: &p})
    case protocol.TypeError:
        var p protocol.ErrorPayload
        if err := env.DecodePayload(&p); err != nil || p.RequestID == "" { return }
        s.deliver(p.RequestID, syncReply{errCode: p.Code})
    }
}

func (s *Sync) deliver(requestID string, r syncReply) {
    if requestID == "" { return }
    s.mu.Lock()
    ch, ok := s.pending[requestID]
    if ok { delete(s.pending, requestID) }
    s.mu.Unlock()
    if ok { ch <- r }
}

// serveRequest answers one page. The requester's identity is the
// authenticated connection peer; payload claims carry no weight.
func (s *Sync) serveRequest(remote transport.PeerInfo, env *protocol.Envelope) {
    var p protocol.SyncRequestPayload
    if err := env.DecodePayload(&p); err != nil || p.RoomID == "" {
        logutil.Warnf(s.log, "sync: bad request from %s", remote.NodeID)
        return
    }
    requesterOK, err := s.cfg.Store.IsMember(p.RoomID, remote.NodeID)
    if err == nil && requesterOK {
        var selfOK bool
        selfOK, err = s.cfg.Store.IsMember(p.RoomID, s.cfg.Self.NodeID)
        requesterOK = selfOK
    }
    if err != nil || !requesterOK {
        _ = s.cfg.Transport.SendToNode(remote.NodeID,
            protocol.NewRequestError(s.selfRef(), protocol.CodeNotMember, "not a member of this room", env.MsgID, p.RoomID))
        return
    }

    limit := p.Limit
    if limit <= 0 { limit = protocol.SyncDefaultLimit }
    if limit > protocol.SyncMaxLimit { limit = protocol.SyncMaxLimit }

    since := protocol.ParseClock(p.Since.ClockValue)
    // One row beyond the page tells us whether more is pending without a
    // count query.
    rows, err := s.cfg.Store.ListRoomMessagesAfterClock(p.RoomID, since, limit+1)
    if err != nil {
        logutil.Errorf(s.log, "sync: query room %s: %v", p.RoomID, err)
        return
    }
    hasMore := len(rows) > limit
    if hasMore { rows = rows[:limit] }

    nextSince := p.Since.ClockValue
    if nextSince == "" { nextSince = "0" }
    msgs := make([]protocol.SyncMessage, 0, len(rows))
    for _, row := range rows {
        msgs = append(msgs, protocol.SyncMessage{
            MsgID: row.MsgID,
            From:  protocol.NodeRef{NodeID: row.FromNodeID, Name: row.FromName},
            TS:    row.TS,
            Clock: row.Clock,
            Payload: protocol.ChatPayload{
                ChatType:    protocol.ChatRoom,
                RoomID:      row.RoomID,
                Content:     row.Content,
                ContentType: row.ContentType,
            },
        })
    }
    if len(rows) > 0 { nextSince = protocol.FormatClock(rows[len(rows)-1].Clock) }

    resp := protocol.NewEnvelope(protocol.TypeSyncResponse, s.selfRef()).
        WithPayload(protocol.SyncResponsePayload{
            RoomID:    p.RoomID,
            RequestID: env.MsgID,
            Messages:  msgs,
            HasMore:   hasMore,
            NextSince: protocol.ClockValue{ClockValue: nextSince},
        })
    resp.Clock = s.cfg.Clock.Tick()
    if err := s.cfg.Transport.SendToNode(remote.NodeID, resp); err != nil {
        logutil.Warnf(s.log, "sync: send response to %s: %v", remote.NodeID, err)
    }
}

// SyncRoom runs one replication pass for roomID and returns the number
// of messages newly applied. A pass already in flight for the room makes
// this call a no-op.
func (s *Sync) SyncRoom(ctx context.Context, roomID string) (int, error) {
    _, end := tracing.StartSpan(ctx, "sync.room")
    defer end()

    s.mu.Lock()
    lock, ok := s.locks[roomID]
    if !ok {
        lock = &sync.Mutex{}
        s.locks[roomID] = lock
    }
    s.mu.Unlock()
    if !lock.TryLock() { return 0, nil } // single flight per room
    defer lock.Unlock()

    if ok, err := s.cfg.Store.IsMember(roomID, s.cfg.Self.NodeID); err != nil || !ok {
        if err != nil { return 0, err }
        return 0, fmt.Errorf("%w: %s", ErrNotMember, roomID)
    }
    cursor, err := s.cfg.Store.GetCursor(roomID)
    if err != nil { return 0, err }

    sources := s.pickSources(roomID)
    if len(sources) == 0 {
        metrics.SyncPulls.WithLabelValues("no_source").Inc()
        return 0, nil
    }
    var lastErr error
    for _, src := range sources {
        n, advanced, err := s.pullFromSource(roomID, src, cursor)
        if err != nil {
            lastErr = err
            logutil.Infof(s.log, "sync: room %s via %s: %v", roomID, src.NodeID, err)
            continue
        }
        if advanced || n > 0 {
            // Progress means the cursor moved, not that rows were new:
            // a source serving messages we already hold still carries us
            // past them. First source with progress wins.
            metrics.SyncPulls.WithLabelValues("ok").Inc()
            return n, nil
        }
    }
    if lastErr != nil {
        metrics.SyncPulls.WithLabelValues("error").Inc()
        return 0, lastErr
    }
    metrics.SyncPulls.WithLabelValues("noop").Inc()
    return 0, nil
}

// SyncRoomAsync schedules a pass on the bounded worker pool; when the
// pool is saturated the trigger is dropped, the periodic sweep will
// catch up.
func (s *Sync) SyncRoomAsync(roomID string) {
    select {
    case s.sem <- struct{}{}:
    default:
        return
    }
    go func() {
        defer func() { <-s.sem }()
        if _, err := s.SyncRoom(context.Background(), roomID); err != nil {
            logutil.Infof(s.log, "sync: async pass %s: %v", roomID, err)
        }
    }()
}

// SyncAll runs a pass over every room this node belongs to.
func (s *Sync) SyncAll(ctx context.Context) {
    roomsList, err := s.cfg.Store.ListRooms()
    if err != nil {
        logutil.Errorf(s.log, "sync: list rooms: %v", err)
        return
    }
    for _, r := range roomsList {
        if ok, err := s.cfg.Store.IsMember(r.RoomID, s.cfg.Self.NodeID); err != nil || !ok { continue }
        if _, err := s.SyncRoom(ctx, r.RoomID); err != nil {
            logutil.Infof(s.log, "sync: room %s: %v", r.RoomID, err)
        }
    }
}

type syncSource struct {
    NodeID string
    IP     string
    Port   int
}

// pickSources orders live members by recency and keeps the freshest few
// with a dialable address.
func (s *Sync) pickSources(roomID string) []syncSource {
    members, err := s.cfg.Store.ListMembers(roomID)
    if err != nil { return nil }
    horizon := nowMilli() - s.cfg.PeerTTL.Milliseconds()
    type candidate struct {
        src  syncSource
        seen int64
    }
    var cands []candidate
    for _, m := range members {
        if m.NodeID == s.cfg.Self.NodeID { continue }
        seen := memberRecency(s.cfg.Store, m)
        if seen < horizon { continue }
        ip, port, ok := resolveMemberAddr(s.cfg.Store, roomID, m.NodeID)
        if !ok { continue }
        cands = append(cands, candidate{syncSource{m.NodeID, ip, port}, seen})
    }
    sort.Slice(cands, func(i, j int) bool { return cands[i].seen > cands[j].seen })
    if len(cands) > s.cfg.MaxSources { cands = cands[:s.cfg.MaxSources] }
    out := make([]syncSource, len(cands))
    for i, c := range cands { out[i] = c.src }
    return out
}

// pullFromSource pages through one member's backlog until the source
// reports no more, a page times out, or the cursor stops moving.
// advanced reports whether the cursor moved at all during the pull.
func (s *Sync) pullFromSource(roomID string, src syncSource, since string) (total int, advanced bool, err error) {
    for {
        resp, err := s.requestPage(roomID, src, since)
        if err != nil { return total, advanced, err }
        applied, err := s.applyBatch(roomID, resp.Messages)
        if err != nil { return total, advanced, err }
        total += applied
        metrics.SyncPages.Inc()

        next := resp.NextSince.ClockValue
        if err := s.cfg.Store.UpdateCursorMonotonic(roomID, next, nowMilli()); err != nil {
            return total, advanced, err
        }
        if protocol.CompareClocks(next, since) > 0 { advanced = true }
        if !resp.HasMore { return total, advanced, nil }
        if protocol.CompareClocks(next, since) <= 0 {
            // A source claiming more without advancing the cursor would
            // page forever.
            return total, advanced, fmt.Errorf("sync: source %s did not advance past %s", src.NodeID, since)
        }
        since = next
    }
}

func (s *Sync) requestPage(roomID string, src syncSource, since string) (*protocol.SyncResponsePayload, error) {
    env := protocol.NewEnvelope(protocol.TypeSyncRequest, s.selfRef()).
        WithPayload(protocol.SyncRequestPayload{
            RoomID: roomID,
            Since:  protocol.ClockValue{ClockValue: since},
            Limit:  s.cfg.PageLimit,
        })
    env.Clock = s.cfg.Clock.Tick()

    ch := make(chan syncReply, 1)
    s.mu.Lock()
    s.pending[env.MsgID] = ch
    s.mu.Unlock()
    abort := func() {
        s.mu.Lock()
        delete(s.pending, env.MsgID)
        s.mu.Unlock()
    }

    if err := s.cfg.Transport.Send(src.NodeID, src.IP, src.Port, env); err != nil {
        abort()
        return nil, err
    }
    select {
    case r := <-ch:
        if r.errCode != "" { return nil, fmt.Errorf("sync: source %s refused: %s", src.NodeID, r.errCode) }
        return r.resp, nil
    case <-time.After(s.cfg.PageTimeout):
        abort()
        return nil, fmt.Errorf("sync: page from %s timed out", src.NodeID)
    }
}

// applyBatch applies one response page idempotently: every message is
// durably seen-marked, duplicate inserts are tolerated, the sender's
// membership is refreshed and the room conversation is touched once.
func (s *Sync) applyBatch(roomID string, msgs []protocol.SyncMessage) (int, error) {
    if len(msgs) == 0 { return 0, nil }
    now := nowMilli()
    room, found, _ := s.cfg.Store.GetRoom(roomID)
    title := roomID
    if found && room.Name != "" { title = room.Name }
    convID, err := s.cfg.Store.GetOrCreateRoomConversation(roomID, title, now)
    if err != nil { return 0, err }

    applied := 0
    var maxTS int64
    for _, sm := range msgs {
        if sm.MsgID == "" || sm.From.NodeID == "" { continue }
        // A page may only carry this room's messages; anything else the
        // source slipped in is discarded, not filed under the room.
        if sm.Payload.ChatType != protocol.ChatRoom || sm.Payload.RoomID != roomID { continue }
        s.cfg.Clock.Observe(sm.Clock)
        fresh, err := s.cfg.Store.MarkSeen(sm.MsgID, now)
        if err != nil { return applied, err }
        if !fresh { continue }

        direction := store.DirectionIn
        if sm.From.NodeID == s.cfg.Self.NodeID { direction = store.DirectionOut }
        msg := store.Message{
            MsgID:       sm.MsgID,
            ConvID:      convID,
            ChatType:    protocol.ChatRoom,
            RoomID:      roomID,
            Direction:   direction,
            FromNodeID:  sm.From.NodeID,
            FromName:    sm.From.Name,
            Content:     sm.Payload.Content,
            ContentType: sm.Payload.ContentType,
            TS:          sm.TS,
            Clock:       sm.Clock,
            Status:      protocol.StatusReceived,
        }
        switch err := s.cfg.Store.InsertMessage(msg); {
        case err == nil:
            applied++
            metrics.SyncInserted.Inc()
        case errors.Is(err, store.ErrDuplicate):
            // A reset seen table can resurface known messages.
        default:
            return applied, err
        }
        _ = s.cfg.Store.UpsertMember(store.Member{RoomID: roomID, NodeID: sm.From.NodeID, Name: sm.From.Name, LastSeen: now})
        if sm.TS > maxTS { maxTS = sm.TS }
    }
    if maxTS > 0 {
        if err := s.cfg.Store.TouchConversation(convID, maxTS); err != nil {
            logutil.Warnf(s.log, "sync: touch conversation %s: %v", convID, err)
        }
    }
    return applied, nil
}

func (s *Sync) selfRef() protocol.NodeRef {
    return protocol.NodeRef{NodeID: s.cfg.Self.NodeID, Name: s.cfg.Self.Name}
}
