// Package rooms implements room lifecycle, membership gossip and
// pull-based message replication.
package rooms

import (
    "errors"
    "time"

    "github.com/amirimatin/go-lanchat/pkg/protocol"
    "github.com/amirimatin/go-lanchat/pkg/store"
    "github.com/amirimatin/go-lanchat/pkg/transport"
)

// Transport is the slice of the peer transport the room engines need.
// *transport.Service satisfies it.
type Transport interface {
    Send(nodeID, ip string, port int, env *protocol.Envelope) error
    SendToNode(nodeID string, env *protocol.Envelope) error
    ConnectToAddr(ip string, port int) (transport.PeerInfo, error)
}

var (
    // ErrNotMember reports a room operation by or against a non-member.
    ErrNotMember = errors.New("rooms: not a member")
    // ErrJoinTimeout reports a join that received no JOIN_ACCEPT in time.
    ErrJoinTimeout = errors.New("rooms: join timed out")
    // ErrUnknownRoom reports an operation on a room this node never saw.
    ErrUnknownRoom = errors.New("rooms: unknown room")
)

// resolveMemberAddr finds a dialable address for a room member: the
// room-scoped record first, the global peer table as fallback. ok is
// false when neither holds a complete address.
func resolveMemberAddr(st *store.Store, roomID, nodeID string) (string, int, bool) {
    if m, found, err := st.GetMember(roomID, nodeID); err == nil && found && m.IP != "" && m.P2PPort > 0 {
        return m.IP, m.P2PPort, true
    }
    if p, found, err := st.GetPeer(nodeID); err == nil && found && p.IP != "" && p.P2PPort > 0 {
        return p.IP, p.P2PPort, true
    }
    return "", 0, false
}

// memberRecency returns the freshest liveness signal for a member,
// whichever of the room record and the peer table saw it last.
func memberRecency(st *store.Store, m store.Member) int64 {
    last := m.LastSeen
    if p, found, err := st.GetPeer(m.NodeID); err == nil && found && p.LastSeen > last { last = p.LastSeen }
    return last
}

func nowMilli() int64 { return time.Now().UnixMilli() }
