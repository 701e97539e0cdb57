// Package chat sends and receives chat messages: direct (node to node,
// acknowledged) and room (fanned out to members, replicated by sync).
package chat

import (
    "errors"
    "fmt"
    "log"
    "net"
    "strconv"
    "strings"
    "time"

    "github.com/google/uuid"

    "github.com/amirimatin/go-lanchat/pkg/clock"
    "github.com/amirimatin/go-lanchat/pkg/internal/logutil"
    "github.com/amirimatin/go-lanchat/pkg/protocol"
    "github.com/amirimatin/go-lanchat/pkg/store"
    "github.com/amirimatin/go-lanchat/pkg/transport"
)

// Transport is the slice of the peer transport this service needs.
type Transport interface {
    Send(nodeID, ip string, port int, env *protocol.Envelope) error
    SendToNode(nodeID string, env *protocol.Envelope) error
    ConnectToAddr(ip string, port int) (transport.PeerInfo, error)
}

var (
    // ErrUnknownTarget reports a send to a node without a known address.
    ErrUnknownTarget = errors.New("chat: unknown target")
    // ErrNotMember reports a room send by a non-member.
    ErrNotMember = errors.New("chat: not a member")
)

// Config assembles the chat service.
type Config struct {
    Self      transport.Identity
    Clock     *clock.Lamport
    Store     *store.Store
    Transport Transport
    Logger    *log.Logger
    // OnStored fires for every inbound message that was durably stored.
    OnStored func(msg store.Message)
}

// Service implements both chat flavors on top of the peer transport.
type Service struct {
    cfg Config
    log *log.Logger
}

// New builds the service.
func New(cfg Config) *Service {
    if cfg.Logger == nil { cfg.Logger = log.Default() }
    return &Service{cfg: cfg, log: cfg.Logger}
}

var _ transport.Handler = (*Service)(nil)

// SendPrivate sends a direct message. Target is either a node id known
// to the peer table or an explicit host:port for first contact. The
// message is stored before the send; a transport failure marks it
// FAILED instead of losing it.
func (s *Service) SendPrivate(target, content string) (string, error) {
    toNodeID, ip, port, err := s.resolveTarget(target)
    if err != nil { return "", err }

    now := time.Now().UnixMilli()
    convID, err := s.cfg.Store.GetOrCreatePrivateConversation(toNodeID, s.peerTitle(toNodeID), now)
    if err != nil { return "", err }

    msg := store.Message{
        MsgID:      uuid.NewString(),
        ConvID:     convID,
        ChatType:   protocol.ChatPrivate,
        Direction:  store.DirectionOut,
        FromNodeID: s.cfg.Self.NodeID,
        FromName:   s.cfg.Self.Name,
        ToNodeID:   toNodeID,
        Content:    content,
        TS:         now,
        Clock:      s.cfg.Clock.Tick(),
        Status:     protocol.StatusSent,
    }
    if err := s.storeOutbound(msg); err != nil { return "", err }

    env := protocol.NewEnvelope(protocol.TypeChat, s.selfRef()).
        WithPayload(protocol.ChatPayload{ChatType: protocol.ChatPrivate, ToNodeID: toNodeID, Content: content})
    env.MsgID = msg.MsgID
    env.TS = now
    env.Clock = msg.Clock
    if err := s.cfg.Transport.Send(toNodeID, ip, port, env); err != nil {
        _ = s.cfg.Store.UpdateMessageStatus(msg.MsgID, protocol.StatusFailed, time.Now().UnixMilli())
        return msg.MsgID, fmt.Errorf("chat: deliver to %s: %w", toNodeID, err)
    }
    return msg.MsgID, nil
}

// SendRoomMessage stores a room message and fans it out to every member
// with a resolvable address. Members that cannot be reached now will
// pick the message up through sync.
func (s *Service) SendRoomMessage(roomID, content string) (string, error) {
    ok, err := s.cfg.Store.IsMember(roomID, s.cfg.Self.NodeID)
    if err != nil { return "", err }
    if !ok { return "", fmt.Errorf("%w: %s", ErrNotMember, roomID) }

    now := time.Now().UnixMilli()
    title := roomID
    if room, found, _ := s.cfg.Store.GetRoom(roomID); found && room.Name != "" { title = room.Name }
    convID, err := s.cfg.Store.GetOrCreateRoomConversation(roomID, title, now)
    if err != nil { return "", err }

    msg := store.Message{
        MsgID:      uuid.NewString(),
        ConvID:     convID,
        ChatType:   protocol.ChatRoom,
        RoomID:     roomID,
        Direction:  store.DirectionOut,
        FromNodeID: s.cfg.Self.NodeID,
        FromName:   s.cfg.Self.Name,
        Content:    content,
        TS:         now,
        Clock:      s.cfg.Clock.Tick(),
        Status:     protocol.StatusSent,
    }
    if err := s.storeOutbound(msg); err != nil { return "", err }

    env := protocol.NewEnvelope(protocol.TypeChat, s.selfRef()).
        WithPayload(protocol.ChatPayload{ChatType: protocol.ChatRoom, RoomID: roomID, Content: content})
    env.MsgID = msg.MsgID
    env.TS = now
    env.Clock = msg.Clock

    members, err := s.cfg.Store.ListMembers(roomID)
    if err != nil { return msg.MsgID, err }
    for _, m := range members {
        if m.NodeID == s.cfg.Self.NodeID { continue }
        s.sendToMember(roomID, m.NodeID, env)
    }
    return msg.MsgID, nil
}

func (s *Service) storeOutbound(msg store.Message) error {
    if err := s.cfg.Store.InsertMessage(msg); err != nil && !errors.Is(err, store.ErrDuplicate) {
        return err
    }
    // Our own id goes into the seen set so a gossip echo is ignored.
    if _, err := s.cfg.Store.MarkSeen(msg.MsgID, msg.TS); err != nil { return err }
    return s.cfg.Store.TouchConversation(msg.ConvID, msg.TS)
}

func (s *Service) sendToMember(roomID, nodeID string, env *protocol.Envelope) {
    if err := s.cfg.Transport.SendToNode(nodeID, env); err == nil { return }
    m, found, err := s.cfg.Store.GetMember(roomID, nodeID)
    ip, port := "", 0
    if err == nil && found { ip, port = m.IP, m.P2PPort }
    if ip == "" || port <= 0 {
        if p, pfound, perr := s.cfg.Store.GetPeer(nodeID); perr == nil && pfound { ip, port = p.IP, p.P2PPort }
    }
    if ip == "" || port <= 0 { return } // unreachable now, sync will cover it
    if err := s.cfg.Transport.Send(nodeID, ip, port, env); err != nil {
        logutil.Infof(s.log, "chat: fan-out to %s failed: %v", nodeID, err)
    }
}

// resolveTarget turns a user-supplied target into (nodeId, ip, port).
func (s *Service) resolveTarget(target string) (string, string, int, error) {
    if strings.Contains(target, ":") {
        host, portStr, err := net.SplitHostPort(target)
        if err != nil { return "", "", 0, fmt.Errorf("%w: %s", ErrUnknownTarget, target) }
        port, err := strconv.Atoi(portStr)
        if err != nil || port <= 0 { return "", "", 0, fmt.Errorf("%w: %s", ErrUnknownTarget, target) }
        peer, err := s.cfg.Transport.ConnectToAddr(host, port)
        if err != nil { return "", "", 0, err }
        return peer.NodeID, host, port, nil
    }
    p, found, err := s.cfg.Store.GetPeer(target)
    if err != nil { return "", "", 0, err }
    if !found || p.IP == "" || p.P2PPort <= 0 {
        return "", "", 0, fmt.Errorf("%w: %s", ErrUnknownTarget, target)
    }
    return p.NodeID, p.IP, p.P2PPort, nil
}

func (s *Service) peerTitle(nodeID string) string {
    if p, found, err := s.cfg.Store.GetPeer(nodeID); err == nil && found && p.Name != "" { return p.Name }
    return nodeID
}

// OnEnvelope handles CHAT and ACK traffic.
func (s *Service) OnEnvelope(remote transport.PeerInfo, env *protocol.Envelope) {
    switch env.Type {
    case protocol.TypeChat:
        var p protocol.ChatPayload
        if err := env.DecodePayload(&p); err != nil {
            logutil.Warnf(s.log, "chat: bad payload from %s: %v", remote.NodeID, err)
            return
        }
        switch p.ChatType {
        case protocol.ChatPrivate:
            s.handlePrivate(remote, env, p)
        case protocol.ChatRoom:
            s.handleRoom(remote, env, p)
        default:
            logutil.Warnf(s.log, "chat: unknown chat type %q from %s", p.ChatType, remote.NodeID)
        }
    case protocol.TypeAck:
        s.handleAck(remote, env)
    }
}

func (s *Service) handlePrivate(remote transport.PeerInfo, env *protocol.Envelope, p protocol.ChatPayload) {
    now := time.Now().UnixMilli()
    fresh, err := s.cfg.Store.MarkSeen(env.MsgID, now)
    if err != nil {
        logutil.Errorf(s.log, "chat: mark seen %s: %v", env.MsgID, err)
        return
    }
    if fresh {
        title := env.From.Name
        if title == "" { title = env.From.NodeID }
        convID, err := s.cfg.Store.GetOrCreatePrivateConversation(env.From.NodeID, title, now)
        if err != nil {
            logutil.Errorf(s.log, "chat: conversation for %s: %v", env.From.NodeID, err)
            return
        }
        msg := store.Message{
            MsgID:       env.MsgID,
            ConvID:      convID,
            ChatType:    protocol.ChatPrivate,
            Direction:   store.DirectionIn,
            FromNodeID:  env.From.NodeID,
            FromName:    env.From.Name,
            ToNodeID:    s.cfg.Self.NodeID,
            Content:     p.Content,
            ContentType: p.ContentType,
            TS:          env.TS,
            Clock:       env.Clock,
            Status:      protocol.StatusDelivered,
        }
        if err := s.cfg.Store.InsertMessage(msg); err != nil && !errors.Is(err, store.ErrDuplicate) {
            logutil.Errorf(s.log, "chat: store message %s: %v", env.MsgID, err)
            return
        }
        _ = s.cfg.Store.TouchConversation(convID, env.TS)
        if s.cfg.OnStored != nil { s.cfg.OnStored(msg) }
    }
    // Always acknowledge, even a duplicate: the first ACK may be the
    // frame that got lost.
    ack := protocol.NewEnvelope(protocol.TypeAck, s.selfRef()).
        WithPayload(protocol.AckPayload{AckMsgID: env.MsgID, Status: protocol.StatusDelivered})
    ack.Clock = s.cfg.Clock.Tick()
    if err := s.cfg.Transport.SendToNode(remote.NodeID, ack); err != nil {
        logutil.Infof(s.log, "chat: ack to %s: %v", remote.NodeID, err)
    }
}

func (s *Service) handleRoom(remote transport.PeerInfo, env *protocol.Envelope, p protocol.ChatPayload) {
    if p.RoomID == "" { return }
    // Room traffic only counts between members; the sender is whoever
    // authenticated on the socket, not whatever the payload claims.
    selfOK, err := s.cfg.Store.IsMember(p.RoomID, s.cfg.Self.NodeID)
    if err != nil || !selfOK { return }
    senderOK, err := s.cfg.Store.IsMember(p.RoomID, remote.NodeID)
    if err != nil || !senderOK {
        logutil.Warnf(s.log, "chat: room message from non-member %s", remote.NodeID)
        return
    }
    now := time.Now().UnixMilli()
    fresh, err := s.cfg.Store.MarkSeen(env.MsgID, now)
    if err != nil || !fresh { return }

    _ = s.cfg.Store.UpsertMember(store.Member{
        RoomID: p.RoomID, NodeID: remote.NodeID, Name: remote.Name,
        IP: remote.IP, P2PPort: remote.P2PPort, LastSeen: now,
    })

    title := p.RoomID
    if room, found, _ := s.cfg.Store.GetRoom(p.RoomID); found && room.Name != "" { title = room.Name }
    convID, err := s.cfg.Store.GetOrCreateRoomConversation(p.RoomID, title, now)
    if err != nil { return }
    msg := store.Message{
        MsgID:       env.MsgID,
        ConvID:      convID,
        ChatType:    protocol.ChatRoom,
        RoomID:      p.RoomID,
        Direction:   store.DirectionIn,
        FromNodeID:  env.From.NodeID,
        FromName:    env.From.Name,
        Content:     p.Content,
        ContentType: p.ContentType,
        TS:          env.TS,
        Clock:       env.Clock,
        Status:      protocol.StatusReceived,
    }
    if err := s.cfg.Store.InsertMessage(msg); err != nil && !errors.Is(err, store.ErrDuplicate) {
        logutil.Errorf(s.log, "chat: store room message %s: %v", env.MsgID, err)
        return
    }
    _ = s.cfg.Store.TouchConversation(convID, env.TS)
    if s.cfg.OnStored != nil { s.cfg.OnStored(msg) }
}

func (s *Service) handleAck(remote transport.PeerInfo, env *protocol.Envelope) {
    var p protocol.AckPayload
    if err := env.DecodePayload(&p); err != nil || p.AckMsgID == "" { return }
    status := p.Status
    if status == "" { status = protocol.StatusDelivered }
    if err := s.cfg.Store.UpdateMessageStatus(p.AckMsgID, status, time.Now().UnixMilli()); err != nil {
        if !errors.Is(err, store.ErrNotFound) {
            logutil.Warnf(s.log, "chat: apply ack %s from %s: %v", p.AckMsgID, remote.NodeID, err)
        }
    }
}

func (s *Service) selfRef() protocol.NodeRef {
    return protocol.NodeRef{NodeID: s.cfg.Self.NodeID, Name: s.cfg.Self.Name}
}
