package rooms

import (
    "fmt"
    "log"
    "sync"
    "time"

    "github.com/google/uuid"

    "github.com/amirimatin/go-lanchat/pkg/clock"
    "github.com/amirimatin/go-lanchat/pkg/internal/logutil"
    "github.com/amirimatin/go-lanchat/pkg/observability/metrics"
    "github.com/amirimatin/go-lanchat/pkg/protocol"
    "github.com/amirimatin/go-lanchat/pkg/store"
    "github.com/amirimatin/go-lanchat/pkg/transport"
)

// MembershipConfig assembles the membership engine.
type MembershipConfig struct {
    Self        transport.Identity
    Clock       *clock.Lamport
    Store       *store.Store
    Transport   Transport
    Logger      *log.Logger
    JoinTimeout time.Duration
    // OnJoinAccepted fires after a JOIN_ACCEPT has been applied, with
    // the room id. Used to kick off the initial sync.
    OnJoinAccepted func(roomID string)
}

type joinWaiter struct {
    done chan struct{}
    once sync.Once
    err  error
}

func (w *joinWaiter) resolve(err error) {
    w.once.Do(func() {
        w.err = err
        close(w.done)
    })
}

// Membership runs the room membership protocol: join handshakes,
// MEMBER_EVENT gossip with durable idempotency and one-hop relay.
type Membership struct {
    cfg MembershipConfig
    log *log.Logger

    mu      sync.Mutex
    pending map[string]*joinWaiter // roomID → in-flight join
}

// NewMembership builds the engine.
func NewMembership(cfg MembershipConfig) *Membership {
    if cfg.Logger == nil { cfg.Logger = log.Default() }
    if cfg.JoinTimeout <= 0 { cfg.JoinTimeout = protocol.JoinTimeout }
    return &Membership{cfg: cfg, log: cfg.Logger, pending: make(map[string]*joinWaiter)}
}

var _ transport.Handler = (*Membership)(nil)

// CreateRoom creates a new room owned by this node, with the creator as
// its first member and a conversation ready for messages.
func (m *Membership) CreateRoom(name, policy, keyHash string) (string, error) {
    if name == "" { return "", fmt.Errorf("rooms: room name required") }
    now := nowMilli()
    room := store.Room{RoomID: uuid.NewString(), Name: name, Policy: policy, KeyHash: keyHash, CreatedAt: now}
    if err := m.cfg.Store.InsertRoom(room); err != nil { return "", err }
    err := m.cfg.Store.UpsertMember(store.Member{
        RoomID:   room.RoomID,
        NodeID:   m.cfg.Self.NodeID,
        Name:     m.cfg.Self.Name,
        Role:     "OWNER",
        LastSeen: now,
    })
    if err != nil { return "", err }
    if _, err := m.cfg.Store.GetOrCreateRoomConversation(room.RoomID, name, now); err != nil { return "", err }
    m.updateMemberGauge(room.RoomID)
    logutil.Infof(m.log, "rooms: created room %q (%s)", name, room.RoomID)
    return room.RoomID, nil
}

// JoinRoom asks the member at ip:port to admit this node to roomID and
// blocks until the JOIN_ACCEPT lands or the join times out. Concurrent
// joins for the same room share one pending slot.
func (m *Membership) JoinRoom(roomID, ip string, port int, token string) error {
    if roomID == "" { return ErrUnknownRoom }
    m.mu.Lock()
    w, inflight := m.pending[roomID]
    if !inflight {
        w = &joinWaiter{done: make(chan struct{})}
        m.pending[roomID] = w
    }
    m.mu.Unlock()

    if !inflight {
        if err := m.sendJoinRequest(roomID, ip, port, token); err != nil {
            m.finishJoin(roomID, w, err)
        }
    }
    select {
    case <-w.done:
        return w.err
    case <-time.After(m.cfg.JoinTimeout):
        m.finishJoin(roomID, w, fmt.Errorf("%w: room %s", ErrJoinTimeout, roomID))
        return w.err
    }
}

func (m *Membership) sendJoinRequest(roomID, ip string, port int, token string) error {
    peer, err := m.cfg.Transport.ConnectToAddr(ip, port)
    if err != nil { return err }
    env := protocol.NewEnvelope(protocol.TypeJoinRequest, protocol.NodeRef{NodeID: m.cfg.Self.NodeID, Name: m.cfg.Self.Name}).
        WithPayload(protocol.JoinRequestPayload{
            RoomID: roomID,
            Invite: protocol.InviteInfo{Token: token},
            Joiner: protocol.JoinerInfo{NodeID: m.cfg.Self.NodeID, Name: m.cfg.Self.Name, P2PPort: m.cfg.Self.P2PPort},
        })
    env.Clock = m.cfg.Clock.Tick()
    return m.cfg.Transport.SendToNode(peer.NodeID, env)
}

func (m *Membership) finishJoin(roomID string, w *joinWaiter, err error) {
    w.resolve(err)
    m.mu.Lock()
    if m.pending[roomID] == w { delete(m.pending, roomID) }
    m.mu.Unlock()
}

// OnEnvelope dispatches membership traffic. Processing failures are
// logged and swallowed; inbound gossip must never tear down a
// connection.
func (m *Membership) OnEnvelope(remote transport.PeerInfo, env *protocol.Envelope) {
    switch env.Type {
    case protocol.TypeJoinRequest:
        m.handleJoinRequest(remote, env)
    case protocol.TypeJoinAccept:
        m.handleJoinAccept(remote, env)
    case protocol.TypeMemberEvent:
        m.handleMemberEvent(remote, env)
    }
}

func (m *Membership) handleJoinRequest(remote transport.PeerInfo, env *protocol.Envelope) {
    var p protocol.JoinRequestPayload
    if err := env.DecodePayload(&p); err != nil || p.RoomID == "" || p.Joiner.NodeID == "" {
        logutil.Warnf(m.log, "rooms: bad join request from %s", remote.NodeID)
        metrics.JoinRequests.WithLabelValues("bad").Inc()
        return
    }
    selfMember, err := m.cfg.Store.IsMember(p.RoomID, m.cfg.Self.NodeID)
    if err != nil || !selfMember {
        metrics.JoinRequests.WithLabelValues("refused").Inc()
        _ = m.cfg.Transport.SendToNode(remote.NodeID,
            protocol.NewRequestError(m.selfRef(), protocol.CodeNotMember, "not a member of this room", env.MsgID, p.RoomID))
        return
    }
    room, found, err := m.cfg.Store.GetRoom(p.RoomID)
    if err != nil || !found {
        // Member row without a loadable room row: refuse rather than
        // admit into a room we cannot describe.
        metrics.JoinRequests.WithLabelValues("refused").Inc()
        _ = m.cfg.Transport.SendToNode(remote.NodeID,
            protocol.NewRequestError(m.selfRef(), protocol.CodeNotMember, "room unavailable", env.MsgID, p.RoomID))
        return
    }

    now := nowMilli()
    joiner := store.Member{RoomID: p.RoomID, NodeID: p.Joiner.NodeID, Name: p.Joiner.Name, LastSeen: now}
    // The observed socket address is only good for the joiner itself;
    // a relayed request must not bind someone else's id to it.
    if remote.NodeID == p.Joiner.NodeID {
        joiner.IP = remote.IP
        joiner.P2PPort = p.Joiner.P2PPort
        _ = m.cfg.Store.UpsertPeer(store.Peer{NodeID: p.Joiner.NodeID, Name: p.Joiner.Name, IP: remote.IP, P2PPort: p.Joiner.P2PPort, LastSeen: now})
    }
    if err := m.cfg.Store.UpsertMember(joiner); err != nil {
        logutil.Errorf(m.log, "rooms: store joiner %s: %v", p.Joiner.NodeID, err)
        metrics.JoinRequests.WithLabelValues("error").Inc()
        return
    }
    m.updateMemberGauge(p.RoomID)

    accept := protocol.NewEnvelope(protocol.TypeJoinAccept, m.selfRef()).
        WithPayload(protocol.JoinAcceptPayload{
            RoomID:         p.RoomID,
            Room:           protocol.RoomInfo{Name: room.Name, Policy: room.Policy},
            MemberSnapshot: m.memberSnapshot(p.RoomID),
        })
    accept.Clock = m.cfg.Clock.Tick()
    if err := m.cfg.Transport.SendToNode(remote.NodeID, accept); err != nil {
        logutil.Warnf(m.log, "rooms: send join accept to %s: %v", remote.NodeID, err)
        metrics.JoinRequests.WithLabelValues("error").Inc()
        return
    }
    metrics.JoinRequests.WithLabelValues("accepted").Inc()
    logutil.Infof(m.log, "rooms: admitted %s into %s", p.Joiner.NodeID, p.RoomID)

    m.gossipMemberEvent(p.RoomID, protocol.OpJoin, protocol.NodeRef{NodeID: p.Joiner.NodeID, Name: p.Joiner.Name},
        []string{p.Joiner.NodeID, remote.NodeID})
}

func (m *Membership) memberSnapshot(roomID string) []protocol.MemberInfo {
    members, err := m.cfg.Store.ListMembers(roomID)
    if err != nil { return nil }
    out := make([]protocol.MemberInfo, 0, len(members))
    for _, mem := range members {
        out = append(out, protocol.MemberInfo{
            NodeID:   mem.NodeID,
            Name:     mem.Name,
            Addr:     mem.IP,
            P2PPort:  mem.P2PPort,
            LastSeen: mem.LastSeen,
        })
    }
    return out
}

func (m *Membership) handleJoinAccept(remote transport.PeerInfo, env *protocol.Envelope) {
    var p protocol.JoinAcceptPayload
    if err := env.DecodePayload(&p); err != nil || p.RoomID == "" {
        logutil.Warnf(m.log, "rooms: bad join accept from %s", remote.NodeID)
        return
    }
    now := nowMilli()
    if err := m.cfg.Store.UpsertRoom(store.Room{RoomID: p.RoomID, Name: p.Room.Name, Policy: p.Room.Policy, CreatedAt: now}); err != nil {
        logutil.Errorf(m.log, "rooms: store room %s: %v", p.RoomID, err)
        return
    }
    for _, mi := range p.MemberSnapshot {
        if mi.NodeID == "" { continue }
        _ = m.cfg.Store.UpsertMember(store.Member{
            RoomID:   p.RoomID,
            NodeID:   mi.NodeID,
            Name:     mi.Name,
            IP:       mi.Addr,
            P2PPort:  mi.P2PPort,
            LastSeen: mi.LastSeen,
        })
        if mi.Addr != "" && mi.P2PPort > 0 {
            _ = m.cfg.Store.UpsertPeer(store.Peer{NodeID: mi.NodeID, Name: mi.Name, IP: mi.Addr, P2PPort: mi.P2PPort, LastSeen: mi.LastSeen})
        }
    }
    _ = m.cfg.Store.UpsertMember(store.Member{RoomID: p.RoomID, NodeID: m.cfg.Self.NodeID, Name: m.cfg.Self.Name, LastSeen: now})
    m.updateMemberGauge(p.RoomID)
    title := p.Room.Name
    if title == "" { title = p.RoomID }
    if _, err := m.cfg.Store.GetOrCreateRoomConversation(p.RoomID, title, now); err != nil {
        logutil.Errorf(m.log, "rooms: room conversation %s: %v", p.RoomID, err)
    }
    logutil.Infof(m.log, "rooms: joined %s via %s (%d members)", p.RoomID, remote.NodeID, len(p.MemberSnapshot))

    m.mu.Lock()
    w := m.pending[p.RoomID]
    m.mu.Unlock()
    if w != nil { m.finishJoin(p.RoomID, w, nil) }
    if m.cfg.OnJoinAccepted != nil { m.cfg.OnJoinAccepted(p.RoomID) }
}

func (m *Membership) handleMemberEvent(remote transport.PeerInfo, env *protocol.Envelope) {
    var p protocol.MemberEventPayload
    if err := env.DecodePayload(&p); err != nil || p.RoomID == "" || p.EventID == "" || p.Member.NodeID == "" {
        logutil.Warnf(m.log, "rooms: bad member event from %s", remote.NodeID)
        return
    }
    // Gossip about rooms we are not in is not ours to apply or spread.
    if ok, err := m.cfg.Store.IsMember(p.RoomID, m.cfg.Self.NodeID); err != nil || !ok { return }

    inserted, err := m.cfg.Store.InsertMemberEventIgnore(store.MemberEvent{
        EventID:      p.EventID,
        RoomID:       p.RoomID,
        Op:           p.Op,
        MemberNodeID: p.Member.NodeID,
        MemberName:   p.Member.Name,
        TS:           env.TS,
    })
    if err != nil {
        logutil.Errorf(m.log, "rooms: store member event %s: %v", p.EventID, err)
        return
    }
    if !inserted { return } // already applied and relayed

    switch p.Op {
    case protocol.OpJoin:
        mem := store.Member{RoomID: p.RoomID, NodeID: p.Member.NodeID, Name: p.Member.Name, LastSeen: nowMilli()}
        // The socket address is trusted only when the subject announced
        // itself; hearsay never binds an address to a node id.
        if remote.NodeID == p.Member.NodeID {
            mem.IP = remote.IP
            mem.P2PPort = remote.P2PPort
        }
        if err := m.cfg.Store.UpsertMember(mem); err != nil {
            logutil.Errorf(m.log, "rooms: apply join of %s: %v", p.Member.NodeID, err)
            return
        }
    case protocol.OpLeave:
        if err := m.cfg.Store.RemoveMember(p.RoomID, p.Member.NodeID); err != nil {
            logutil.Errorf(m.log, "rooms: apply leave of %s: %v", p.Member.NodeID, err)
            return
        }
    default:
        logutil.Warnf(m.log, "rooms: unknown member event op %q", p.Op)
        return
    }
    m.updateMemberGauge(p.RoomID)
    m.relayMemberEvent(remote, env, p)
}

// relayMemberEvent forwards a newly applied event one hop to every other
// member. The durable event log stops the rebroadcast storm: a member
// that already has the event will not relay it again.
func (m *Membership) relayMemberEvent(remote transport.PeerInfo, env *protocol.Envelope, p protocol.MemberEventPayload) {
    members, err := m.cfg.Store.ListMembers(p.RoomID)
    if err != nil { return }
    for _, mem := range members {
        if mem.NodeID == m.cfg.Self.NodeID || mem.NodeID == remote.NodeID || mem.NodeID == p.Member.NodeID {
            continue
        }
        m.sendToMember(p.RoomID, mem.NodeID, env)
    }
    metrics.GossipRelays.Inc()
}

// gossipMemberEvent broadcasts a membership change under a fresh event
// id. Every transition gets its own id so a node that leaves and comes
// back is announced again; the event log only dedups on the receive
// side.
func (m *Membership) gossipMemberEvent(roomID, op string, member protocol.NodeRef, exclude []string) {
    eventID := uuid.NewString()
    _, err := m.cfg.Store.InsertMemberEventIgnore(store.MemberEvent{
        EventID:      eventID,
        RoomID:       roomID,
        Op:           op,
        MemberNodeID: member.NodeID,
        MemberName:   member.Name,
        TS:           nowMilli(),
    })
    if err != nil {
        logutil.Errorf(m.log, "rooms: log member event %s: %v", eventID, err)
    }

    env := protocol.NewEnvelope(protocol.TypeMemberEvent, m.selfRef()).
        WithPayload(protocol.MemberEventPayload{RoomID: roomID, EventID: eventID, Op: op, Member: member})
    env.Clock = m.cfg.Clock.Tick()

    members, err := m.cfg.Store.ListMembers(roomID)
    if err != nil { return }
    skip := map[string]bool{m.cfg.Self.NodeID: true}
    for _, id := range exclude { skip[id] = true }
    for _, mem := range members {
        if skip[mem.NodeID] { continue }
        m.sendToMember(roomID, mem.NodeID, env)
    }
}

// sendToMember delivers best-effort: members without a resolvable
// address are skipped silently, gossip will reach them elsewhere.
func (m *Membership) sendToMember(roomID, nodeID string, env *protocol.Envelope) {
    if err := m.cfg.Transport.SendToNode(nodeID, env); err == nil { return }
    ip, port, ok := resolveMemberAddr(m.cfg.Store, roomID, nodeID)
    if !ok { return }
    if err := m.cfg.Transport.Send(nodeID, ip, port, env); err != nil {
        logutil.Infof(m.log, "rooms: send to member %s failed: %v", nodeID, err)
    }
}

// LeaveRoom removes this node from a room and gossips the departure to
// the remaining members.
func (m *Membership) LeaveRoom(roomID string) error {
    ok, err := m.cfg.Store.IsMember(roomID, m.cfg.Self.NodeID)
    if err != nil { return err }
    if !ok { return fmt.Errorf("%w: %s", ErrNotMember, roomID) }
    m.gossipMemberEvent(roomID, protocol.OpLeave, m.selfRef(), nil)
    err = m.cfg.Store.RemoveMember(roomID, m.cfg.Self.NodeID)
    m.updateMemberGauge(roomID)
    return err
}

func (m *Membership) selfRef() protocol.NodeRef {
    return protocol.NodeRef{NodeID: m.cfg.Self.NodeID, Name: m.cfg.Self.Name}
}

func (m *Membership) updateMemberGauge(roomID string) {
    if members, err := m.cfg.Store.ListMembers(roomID); err == nil {
        metrics.RoomMembers.WithLabelValues(roomID).Set(float64(len(members)))
    }
}
