package transport

import (
    "errors"
    "fmt"
    "log"
    "net"
    "sync"
    "time"

    "github.com/amirimatin/go-lanchat/pkg/internal/logutil"
    "github.com/amirimatin/go-lanchat/pkg/observability/metrics"
    "github.com/amirimatin/go-lanchat/pkg/protocol"
)

// ErrHandshakeTimeout reports a dial whose handshake did not settle in
// time, or settled in failure.
var ErrHandshakeTimeout = errors.New("transport: handshake timeout")

// ErrNodeMismatch reports a connection that authenticated as a different
// node than the caller expected at that address.
var ErrNodeMismatch = errors.New("transport: remote node id mismatch")

// Manager owns the connection registry: at most one established
// connection per remote node id. A newer handshake from the same node
// evicts the older connection; a close removes the registry entry only
// if it still points at the closing connection.
type Manager struct {
    local        Identity
    dispatch     func(remote PeerInfo, env *protocol.Envelope)
    sink         PeerSink
    spawn        func(func()) error
    log          *log.Logger
    maxFrame     int
    helloTimeout time.Duration
    dialTimeout  time.Duration

    mu     sync.Mutex
    byNode map[string]*Conn
}

func newManager(local Identity, logger *log.Logger, maxFrame int, helloTimeout, dialTimeout time.Duration) *Manager {
    return &Manager{
        local:        local,
        log:          logger,
        maxFrame:     maxFrame,
        helloTimeout: helloTimeout,
        dialTimeout:  dialTimeout,
        byNode:       make(map[string]*Conn),
    }
}

// adopt wraps an accepted or dialed socket in a Conn wired back to this
// manager.
func (m *Manager) adopt(sock net.Conn) *Conn {
    return newConn(sock, m.local, m, m.dispatch, m.sink, m.log, m.maxFrame, m.helloTimeout)
}

// established registers a freshly handshaken connection, evicting any
// older one for the same node. The evicted conn is closed outside the
// lock since its close notification re-enters the manager.
func (m *Manager) established(c *Conn) {
    remote, _ := c.Remote()
    m.mu.Lock()
    old := m.byNode[remote.NodeID]
    m.byNode[remote.NodeID] = c
    m.mu.Unlock()
    metrics.ConnActive.Inc()
    if old != nil && old != c {
        metrics.ConnEvictions.Inc()
        logutil.Infof(m.log, "transport: replacing connection to %s", remote.NodeID)
        old.Close()
    }
}

// connClosed drops the registry entry, but only when it still refers to
// the closing connection; an evicted conn must not unregister its
// replacement.
func (m *Manager) connClosed(c *Conn) {
    remote, ok := c.Remote()
    if !ok { return }
    m.mu.Lock()
    if m.byNode[remote.NodeID] == c { delete(m.byNode, remote.NodeID) }
    m.mu.Unlock()
    metrics.ConnActive.Dec()
}

// ConnectTo dials addr and waits for the handshake.
func (m *Manager) ConnectTo(ip string, port int) (*Conn, error) {
    addr := net.JoinHostPort(ip, fmt.Sprint(port))
    metrics.ConnDials.Inc()
    sock, err := net.DialTimeout("tcp", addr, m.dialTimeout)
    if err != nil { return nil, fmt.Errorf("transport: dial %s: %w", addr, err) }
    c := m.adopt(sock)
    if err := m.spawn(c.run); err != nil {
        c.Close()
        return nil, err
    }
    // Allow one network round trip on top of the peer's hello window.
    if !c.awaitHandshake(m.helloTimeout + time.Second) {
        c.Close()
        return nil, fmt.Errorf("%w: %s", ErrHandshakeTimeout, addr)
    }
    return c, nil
}

// GetByNode returns the established connection for nodeID, if any.
func (m *Manager) GetByNode(nodeID string) (*Conn, bool) {
    m.mu.Lock()
    defer m.mu.Unlock()
    c, ok := m.byNode[nodeID]
    return c, ok
}

// GetOrConnect returns the live connection for nodeID, dialing addr when
// none exists. A connection that authenticates as some other node is
// rejected and closed.
func (m *Manager) GetOrConnect(nodeID, ip string, port int) (*Conn, error) {
    if c, ok := m.GetByNode(nodeID); ok { return c, nil }
    c, err := m.ConnectTo(ip, port)
    if err != nil { return nil, err }
    remote, _ := c.Remote()
    if nodeID != "" && remote.NodeID != nodeID {
        c.Close()
        return nil, fmt.Errorf("%w: wanted %s, got %s", ErrNodeMismatch, nodeID, remote.NodeID)
    }
    return c, nil
}

// GetByAddr scans for an established connection whose remote matches
// ip:port. Linear on the connection count; first-contact lookups are
// rare and the map stays small on a LAN.
func (m *Manager) GetByAddr(ip string, port int) (*Conn, bool) {
    m.mu.Lock()
    defer m.mu.Unlock()
    for _, c := range m.byNode {
        remote, ok := c.Remote()
        if ok && remote.IP == ip && remote.P2PPort == port { return c, true }
    }
    return nil, false
}

// Conns returns a snapshot of the established connections.
func (m *Manager) Conns() []*Conn {
    m.mu.Lock()
    defer m.mu.Unlock()
    out := make([]*Conn, 0, len(m.byNode))
    for _, c := range m.byNode { out = append(out, c) }
    return out
}

// CloseAll tears down every registered connection.
func (m *Manager) CloseAll() {
    for _, c := range m.Conns() { c.Close() }
}
