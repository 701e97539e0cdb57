package rooms

import (
    "errors"
    "fmt"
    "path/filepath"
    "sync"
    "testing"
    "time"

    "github.com/amirimatin/go-lanchat/pkg/clock"
    "github.com/amirimatin/go-lanchat/pkg/protocol"
    "github.com/amirimatin/go-lanchat/pkg/store"
    "github.com/amirimatin/go-lanchat/pkg/transport"
)

type sentEnv struct {
    nodeID string
    env    *protocol.Envelope
}

// fakeTransport records sends and lets tests script the remote side.
type fakeTransport struct {
    mu          sync.Mutex
    sends       []sentEnv
    connectPeer transport.PeerInfo
    connectErr  error
    failNodes   map[string]bool
    onSend      func(nodeID string, env *protocol.Envelope)
}

func (f *fakeTransport) record(nodeID string, env *protocol.Envelope) error {
    f.mu.Lock()
    if f.failNodes[nodeID] {
        f.mu.Unlock()
        return fmt.Errorf("fake: no route to %s", nodeID)
    }
    f.sends = append(f.sends, sentEnv{nodeID, env})
    hook := f.onSend
    f.mu.Unlock()
    if hook != nil { hook(nodeID, env) }
    return nil
}

func (f *fakeTransport) Send(nodeID, ip string, port int, env *protocol.Envelope) error {
    return f.record(nodeID, env)
}

func (f *fakeTransport) SendToNode(nodeID string, env *protocol.Envelope) error {
    return f.record(nodeID, env)
}

func (f *fakeTransport) ConnectToAddr(ip string, port int) (transport.PeerInfo, error) {
    return f.connectPeer, f.connectErr
}

func (f *fakeTransport) sentOfType(t protocol.MsgType) []sentEnv {
    f.mu.Lock()
    defer f.mu.Unlock()
    var out []sentEnv
    for _, s := range f.sends {
        if s.env.Type == t { out = append(out, s) }
    }
    return out
}

func openStore(t *testing.T) *store.Store {
    t.Helper()
    st, err := store.Open(filepath.Join(t.TempDir(), "lanchat.db"))
    if err != nil { t.Fatalf("open store: %v", err) }
    t.Cleanup(func() { _ = st.Close() })
    return st
}

func newMembership(t *testing.T, st *store.Store, tr Transport) *Membership {
    t.Helper()
    return NewMembership(MembershipConfig{
        Self:      transport.Identity{NodeID: "self", Name: "me", P2PPort: 19000},
        Clock:     clock.New(),
        Store:     st,
        Transport: tr,
    })
}

func TestCreateRoomSeedsOwner(t *testing.T) {
    st := openStore(t)
    m := newMembership(t, st, &fakeTransport{})
    roomID, err := m.CreateRoom("general", "open", "")
    if err != nil { t.Fatalf("create: %v", err) }
    if ok, _ := st.IsMember(roomID, "self"); !ok { t.Fatalf("creator must be a member") }
    mem, _, _ := st.GetMember(roomID, "self")
    if mem.Role != "OWNER" { t.Fatalf("creator role = %q", mem.Role) }
    convs, _ := st.ListConversations()
    if len(convs) != 1 || convs[0].RoomID != roomID {
        t.Fatalf("room conversation missing: %+v", convs)
    }
}

func joinRequestEnv(joiner string, port int) *protocol.Envelope {
    return protocol.NewEnvelope(protocol.TypeJoinRequest, protocol.NodeRef{NodeID: joiner}).
        WithPayload(protocol.JoinRequestPayload{
            RoomID: "r1",
            Joiner: protocol.JoinerInfo{NodeID: joiner, Name: "node-" + joiner, P2PPort: port},
        })
}

func seedRoom(t *testing.T, st *store.Store, members ...string) {
    t.Helper()
    if err := st.InsertRoom(store.Room{RoomID: "r1", Name: "general", CreatedAt: 1}); err != nil {
        t.Fatalf("seed room: %v", err)
    }
    for _, id := range members {
        if err := st.UpsertMember(store.Member{RoomID: "r1", NodeID: id, LastSeen: 1}); err != nil {
            t.Fatalf("seed member %s: %v", id, err)
        }
    }
}

func TestJoinRequestAdmitsAndGossips(t *testing.T) {
    st := openStore(t)
    tr := &fakeTransport{}
    m := newMembership(t, st, tr)
    seedRoom(t, st, "self", "ccc")

    req := joinRequestEnv("bbb", 19007)
    remote := transport.PeerInfo{NodeID: "bbb", IP: "10.0.0.2", P2PPort: 19007}
    m.OnEnvelope(remote, req)

    mem, found, _ := st.GetMember("r1", "bbb")
    if !found { t.Fatalf("joiner not admitted") }
    if mem.IP != "10.0.0.2" || mem.P2PPort != 19007 {
        t.Fatalf("joiner address not taken from socket+claim: %+v", mem)
    }

    accepts := tr.sentOfType(protocol.TypeJoinAccept)
    if len(accepts) != 1 || accepts[0].nodeID != "bbb" { t.Fatalf("accepts: %+v", accepts) }
    var ap protocol.JoinAcceptPayload
    if err := accepts[0].env.DecodePayload(&ap); err != nil { t.Fatalf("decode accept: %v", err) }
    if len(ap.MemberSnapshot) != 3 { t.Fatalf("snapshot should list all members, got %d", len(ap.MemberSnapshot)) }
    if ap.Room.Name != "general" { t.Fatalf("room info missing: %+v", ap.Room) }

    events := tr.sentOfType(protocol.TypeMemberEvent)
    if len(events) != 1 || events[0].nodeID != "ccc" {
        t.Fatalf("gossip should reach exactly the other members: %+v", events)
    }

    // A retried join is answered and announced again under a fresh
    // event id, so peers that purged the member re-learn it.
    m.OnEnvelope(remote, joinRequestEnv("bbb", 19007))
    events = tr.sentOfType(protocol.TypeMemberEvent)
    if len(events) != 2 {
        t.Fatalf("retried join not re-announced: %d events", len(events))
    }
    var first, second protocol.MemberEventPayload
    _ = events[0].env.DecodePayload(&first)
    _ = events[1].env.DecodePayload(&second)
    if first.EventID == second.EventID || second.EventID == "" {
        t.Fatalf("event ids must be unique per broadcast: %q vs %q", first.EventID, second.EventID)
    }
    if n := len(tr.sentOfType(protocol.TypeJoinAccept)); n != 2 {
        t.Fatalf("rejoin should still be answered: %d accepts", n)
    }
}

func TestRejoinAfterLeaveIsGossipedAgain(t *testing.T) {
    st := openStore(t)
    tr := &fakeTransport{}
    m := newMembership(t, st, tr)
    seedRoom(t, st, "self", "ccc")
    remote := transport.PeerInfo{NodeID: "bbb", IP: "10.0.0.2", P2PPort: 19007}

    m.OnEnvelope(remote, joinRequestEnv("bbb", 19007))
    m.OnEnvelope(transport.PeerInfo{NodeID: "ccc", IP: "10.0.0.3"},
        memberEventEnv("ccc", "bbb", protocol.OpLeave, "ev-leave"))
    if ok, _ := st.IsMember("r1", "bbb"); ok { t.Fatalf("leave not applied") }

    m.OnEnvelope(remote, joinRequestEnv("bbb", 19007))
    if ok, _ := st.IsMember("r1", "bbb"); !ok { t.Fatalf("rejoin not admitted") }

    joins := 0
    for _, s := range tr.sentOfType(protocol.TypeMemberEvent) {
        var p protocol.MemberEventPayload
        if err := s.env.DecodePayload(&p); err != nil { t.Fatalf("decode event: %v", err) }
        if p.Op == protocol.OpJoin && p.Member.NodeID == "bbb" && s.nodeID == "ccc" { joins++ }
    }
    if joins != 2 { t.Fatalf("rejoin after leave gossiped %d JOIN events, want 2", joins) }
}

func TestJoinRequestRefusedByNonMember(t *testing.T) {
    st := openStore(t)
    tr := &fakeTransport{}
    m := newMembership(t, st, tr)
    // No room, no membership.
    m.OnEnvelope(transport.PeerInfo{NodeID: "bbb", IP: "10.0.0.2"}, joinRequestEnv("bbb", 19007))
    errs := tr.sentOfType(protocol.TypeError)
    if len(errs) != 1 { t.Fatalf("expected one ERROR, got %d", len(errs)) }
    var ep protocol.ErrorPayload
    _ = errs[0].env.DecodePayload(&ep)
    if ep.Code != protocol.CodeNotMember { t.Fatalf("code = %s", ep.Code) }
    if ok, _ := st.IsMember("r1", "bbb"); ok { t.Fatalf("joiner must not be admitted") }
}

func memberEventEnv(sender, subject, op, eventID string) *protocol.Envelope {
    return protocol.NewEnvelope(protocol.TypeMemberEvent, protocol.NodeRef{NodeID: sender}).
        WithPayload(protocol.MemberEventPayload{
            RoomID:  "r1",
            EventID: eventID,
            Op:      op,
            Member:  protocol.NodeRef{NodeID: subject, Name: "node-" + subject},
        })
}

func TestMemberEventAppliedOnceAndRelayedOneHop(t *testing.T) {
    st := openStore(t)
    tr := &fakeTransport{}
    m := newMembership(t, st, tr)
    seedRoom(t, st, "self", "bbb", "ccc", "ddd")

    env := memberEventEnv("bbb", "eee", protocol.OpJoin, "ev1")
    m.OnEnvelope(transport.PeerInfo{NodeID: "bbb", IP: "10.0.0.2", P2PPort: 19002}, env)

    if ok, _ := st.IsMember("r1", "eee"); !ok { t.Fatalf("event not applied") }
    relays := tr.sentOfType(protocol.TypeMemberEvent)
    targets := map[string]bool{}
    for _, r := range relays { targets[r.nodeID] = true }
    if len(relays) != 2 || !targets["ccc"] || !targets["ddd"] {
        t.Fatalf("relay must exclude self, sender and subject: %+v", relays)
    }

    // Redelivery: no second application, no second relay.
    m.OnEnvelope(transport.PeerInfo{NodeID: "ccc", IP: "10.0.0.3"}, memberEventEnv("ccc", "eee", protocol.OpJoin, "ev1"))
    if n := len(tr.sentOfType(protocol.TypeMemberEvent)); n != 2 {
        t.Fatalf("duplicate event relayed again: %d sends", n)
    }
}

func TestMemberEventAddressTrustedOnlyFromSubject(t *testing.T) {
    st := openStore(t)
    tr := &fakeTransport{}
    m := newMembership(t, st, tr)
    seedRoom(t, st, "self", "bbb")

    // Subject announces itself: socket address is adopted.
    m.OnEnvelope(transport.PeerInfo{NodeID: "eee", IP: "10.0.0.9", P2PPort: 19009},
        memberEventEnv("eee", "eee", protocol.OpJoin, "ev-self"))
    mem, _, _ := st.GetMember("r1", "eee")
    if mem.IP != "10.0.0.9" || mem.P2PPort != 19009 { t.Fatalf("self-announced addr dropped: %+v", mem) }

    // Hearsay: no address may be bound.
    m.OnEnvelope(transport.PeerInfo{NodeID: "bbb", IP: "10.0.0.2", P2PPort: 19002},
        memberEventEnv("bbb", "fff", protocol.OpJoin, "ev-hearsay"))
    mem, _, _ = st.GetMember("r1", "fff")
    if mem.IP != "" || mem.P2PPort != 0 { t.Fatalf("hearsay bound an address: %+v", mem) }
}

func TestMemberEventIgnoredWhenNotMember(t *testing.T) {
    st := openStore(t)
    tr := &fakeTransport{}
    m := newMembership(t, st, tr)
    // Room exists elsewhere; we are not in it.
    m.OnEnvelope(transport.PeerInfo{NodeID: "bbb"}, memberEventEnv("bbb", "eee", protocol.OpJoin, "ev1"))
    if ok, _ := st.IsMember("r1", "eee"); ok { t.Fatalf("applied gossip for a foreign room") }
    if len(tr.sends) != 0 { t.Fatalf("relayed gossip for a foreign room") }
}

func TestLeaveEventRemovesMember(t *testing.T) {
    st := openStore(t)
    tr := &fakeTransport{}
    m := newMembership(t, st, tr)
    seedRoom(t, st, "self", "bbb", "ccc")

    m.OnEnvelope(transport.PeerInfo{NodeID: "bbb", IP: "10.0.0.2"},
        memberEventEnv("bbb", "ccc", protocol.OpLeave, "ev-leave"))
    if ok, _ := st.IsMember("r1", "ccc"); ok { t.Fatalf("leave not applied") }
}

func TestJoinRoomTimesOutWithoutAccept(t *testing.T) {
    st := openStore(t)
    tr := &fakeTransport{connectPeer: transport.PeerInfo{NodeID: "bbb", IP: "10.0.0.2", P2PPort: 19002}}
    m := NewMembership(MembershipConfig{
        Self:        transport.Identity{NodeID: "self", Name: "me", P2PPort: 19000},
        Clock:       clock.New(),
        Store:       st,
        Transport:   tr,
        JoinTimeout: 50 * time.Millisecond,
    })
    err := m.JoinRoom("r1", "10.0.0.2", 19002, "tok")
    if !errors.Is(err, ErrJoinTimeout) { t.Fatalf("want ErrJoinTimeout, got %v", err) }
    if n := len(tr.sentOfType(protocol.TypeJoinRequest)); n != 1 { t.Fatalf("join requests sent: %d", n) }
}

func TestJoinRoomCompletesOnAccept(t *testing.T) {
    st := openStore(t)
    accepted := make(chan string, 1)
    tr := &fakeTransport{connectPeer: transport.PeerInfo{NodeID: "bbb", IP: "10.0.0.2", P2PPort: 19002}}
    m := NewMembership(MembershipConfig{
        Self:           transport.Identity{NodeID: "self", Name: "me", P2PPort: 19000},
        Clock:          clock.New(),
        Store:          st,
        Transport:      tr,
        OnJoinAccepted: func(roomID string) { accepted <- roomID },
    })
    // The accepting member answers as soon as it sees the request.
    tr.onSend = func(nodeID string, env *protocol.Envelope) {
        if env.Type != protocol.TypeJoinRequest { return }
        accept := protocol.NewEnvelope(protocol.TypeJoinAccept, protocol.NodeRef{NodeID: "bbb"}).
            WithPayload(protocol.JoinAcceptPayload{
                RoomID: "r1",
                Room:   protocol.RoomInfo{Name: "general"},
                MemberSnapshot: []protocol.MemberInfo{
                    {NodeID: "bbb", Addr: "10.0.0.2", P2PPort: 19002, LastSeen: 99},
                    {NodeID: "self"},
                },
            })
        go m.OnEnvelope(transport.PeerInfo{NodeID: "bbb", IP: "10.0.0.2", P2PPort: 19002}, accept)
    }

    if err := m.JoinRoom("r1", "10.0.0.2", 19002, "tok"); err != nil {
        t.Fatalf("join: %v", err)
    }
    if ok, _ := st.IsMember("r1", "self"); !ok { t.Fatalf("self not recorded as member") }
    mem, _, _ := st.GetMember("r1", "bbb")
    if mem.IP != "10.0.0.2" { t.Fatalf("snapshot member address lost: %+v", mem) }
    room, found, _ := st.GetRoom("r1")
    if !found || room.Name != "general" { t.Fatalf("room not stored: %+v", room) }
    select {
    case id := <-accepted:
        if id != "r1" { t.Fatalf("callback room = %s", id) }
    case <-time.After(time.Second):
        t.Fatalf("join-accepted callback never fired")
    }
}
