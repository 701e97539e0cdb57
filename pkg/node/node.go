// Package node wires storage, transport, discovery and the chat/room
// engines into one runnable chat node.
package node

import (
    "context"
    "fmt"
    "log"
    "path/filepath"
    "sync"
    "time"

    "github.com/amirimatin/go-lanchat/pkg/chat"
    "github.com/amirimatin/go-lanchat/pkg/clock"
    "github.com/amirimatin/go-lanchat/pkg/discovery"
    "github.com/amirimatin/go-lanchat/pkg/internal/logutil"
    "github.com/amirimatin/go-lanchat/pkg/observability/metrics"
    "github.com/amirimatin/go-lanchat/pkg/rooms"
    "github.com/amirimatin/go-lanchat/pkg/store"
    "github.com/amirimatin/go-lanchat/pkg/transport"
)

// Node is the facade over one chat node's moving parts.
type Node struct {
    opts     Options
    log      *log.Logger
    st       *store.Store
    clk      *clock.Lamport
    identity store.Identity

    tr         *transport.Service
    disc       *discovery.Service
    chat       *chat.Service
    membership *rooms.Membership
    sync       *rooms.Sync

    eb   eventBus
    stop chan struct{}
    wg   sync.WaitGroup

    mu      sync.Mutex
    started bool
    closed  bool
}

// peerSink records handshake-verified peers into the durable peer table
// and announces them on the event bus.
type peerSink struct {
    st *store.Store
    eb *eventBus
}

func (p peerSink) PeerSeen(nodeID, name, ip string, p2pPort int, now int64) {
    _ = p.st.UpsertPeer(store.Peer{NodeID: nodeID, Name: name, IP: ip, P2PPort: p2pPort, LastSeen: now})
    p.eb.publish(Event{Type: EventPeerSeen, At: time.UnixMilli(now), NodeID: nodeID})
}

// New assembles a node without starting it.
func New(opts Options) (*Node, error) {
    if err := opts.Validate(); err != nil { return nil, err }
    st, err := store.Open(filepath.Join(opts.DataDir, "lanchat.db"))
    if err != nil { return nil, err }
    identity, err := st.LoadOrCreateIdentity(opts.DisplayName, opts.P2PPort, opts.WebPort, time.Now().UnixMilli())
    if err != nil {
        _ = st.Close()
        return nil, fmt.Errorf("node: load identity: %w", err)
    }

    n := &Node{
        opts:     opts,
        log:      opts.Logger,
        st:       st,
        clk:      clock.New(),
        identity: identity,
        stop:     make(chan struct{}),
    }
    self := transport.Identity{NodeID: identity.NodeID, Name: identity.DisplayName, P2PPort: opts.P2PPort}
    n.tr = transport.New(transport.Config{
        Identity:  self,
        BindAddr:  opts.BindAddr,
        IOWorkers: opts.IOWorkers,
        Clock:     n.clk,
        PeerSink:  peerSink{st: st, eb: &n.eb},
        Logger:    opts.Logger,
    })
    n.chat = chat.New(chat.Config{
        Self:      self,
        Clock:     n.clk,
        Store:     st,
        Transport: n.tr,
        Logger:    opts.Logger,
        OnStored: func(msg store.Message) {
            m := msg
            n.eb.publish(Event{Type: EventMessageStored, At: time.Now(), Message: &m, RoomID: msg.RoomID, NodeID: msg.FromNodeID})
        },
    })
    n.sync = rooms.NewSync(rooms.SyncConfig{
        Self:      self,
        Clock:     n.clk,
        Store:     st,
        Transport: n.tr,
        Logger:    opts.Logger,
        Workers:   opts.SyncWorkers,
    })
    n.membership = rooms.NewMembership(rooms.MembershipConfig{
        Self:      self,
        Clock:     n.clk,
        Store:     st,
        Transport: n.tr,
        Logger:    opts.Logger,
        OnJoinAccepted: func(roomID string) {
            n.eb.publish(Event{Type: EventRoomJoined, At: time.Now(), RoomID: roomID})
            // Pull the room history right away instead of waiting for
            // the sweep.
            n.sync.SyncRoomAsync(roomID)
        },
    })

    // Dispatch order matters: chat first, then membership, then sync.
    n.tr.Register(n.chat)
    n.tr.Register(n.membership)
    n.tr.Register(n.sync)
    return n, nil
}

// Start brings the transport and discovery up and launches the periodic
// sync sweep.
func (n *Node) Start(ctx context.Context) error {
    n.mu.Lock()
    defer n.mu.Unlock()
    if n.started { return fmt.Errorf("node: already started") }
    metrics.Register()
    if err := n.tr.Start(); err != nil { return err }

    if !n.opts.DisableDiscovery {
        n.disc = discovery.New(discovery.Config{
            NodeID:        n.identity.NodeID,
            Name:          n.identity.DisplayName,
            P2PPort:       n.tr.Port(),
            WebPort:       n.opts.WebPort,
            BroadcastPort: n.opts.BroadcastPort,
            Seeds:         n.opts.Seeds,
            Store:         n.st,
            Logger:        n.log,
        })
        if err := n.disc.Start(); err != nil {
            n.tr.Stop()
            return err
        }
        n.wg.Add(1)
        go func() {
            defer n.wg.Done()
            n.disc.BootstrapProbe()
        }()
    }

    if n.opts.SyncInterval > 0 {
        n.wg.Add(1)
        go n.syncLoop(ctx)
    }
    n.started = true
    logutil.Infof(n.log, "node: %s (%s) started, p2p port %d", n.identity.DisplayName, n.identity.NodeID, n.tr.Port())
    return nil
}

func (n *Node) syncLoop(ctx context.Context) {
    defer n.wg.Done()
    t := time.NewTicker(n.opts.SyncInterval)
    defer t.Stop()
    for {
        select {
        case <-n.stop:
            return
        case <-ctx.Done():
            return
        case <-t.C:
            n.sync.SyncAll(ctx)
        }
    }
}

// Stop shuts everything down. Safe to call more than once.
func (n *Node) Stop() {
    n.mu.Lock()
    if n.closed {
        n.mu.Unlock()
        return
    }
    n.closed = true
    n.mu.Unlock()

    close(n.stop)
    if n.disc != nil { n.disc.Stop() }
    n.tr.Stop()
    n.wg.Wait()
    if err := n.st.Close(); err != nil { logutil.Errorf(n.log, "node: close store: %v", err) }
    logutil.Infof(n.log, "node: stopped")
}

// Status is a point-in-time summary for the admin API.
type Status struct {
    NodeID  string `json:"nodeId"`
    Name    string `json:"name"`
    P2PPort int    `json:"p2pPort"`
    WebPort int    `json:"webPort"`
    Clock   int64  `json:"clock"`
    Peers   int    `json:"peers"`
    Rooms   int    `json:"rooms"`
}

// Status reports the node's current shape.
func (n *Node) Status() Status {
    st := Status{
        NodeID:  n.identity.NodeID,
        Name:    n.identity.DisplayName,
        P2PPort: n.tr.Port(),
        WebPort: n.opts.WebPort,
        Clock:   n.clk.Current(),
    }
    if peers, err := n.st.ListPeers(); err == nil {
        st.Peers = len(peers)
        metrics.PeersKnown.Set(float64(len(peers)))
    }
    if roomsList, err := n.st.ListRooms(); err == nil { st.Rooms = len(roomsList) }
    return st
}

// Identity returns the durable node identity.
func (n *Node) Identity() store.Identity { return n.identity }

// Store exposes durable state to the admin layer.
func (n *Node) Store() *store.Store { return n.st }

// Chat exposes the chat service.
func (n *Node) Chat() *chat.Service { return n.chat }

// Membership exposes the room membership engine.
func (n *Node) Membership() *rooms.Membership { return n.membership }

// Sync exposes the replication engine.
func (n *Node) Sync() *rooms.Sync { return n.sync }

// P2PPort returns the actual bound peer port.
func (n *Node) P2PPort() int { return n.tr.Port() }
