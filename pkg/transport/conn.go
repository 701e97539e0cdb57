package transport

import (
    "bufio"
    "errors"
    "log"
    "net"
    "sync"
    "sync/atomic"
    "time"

    "github.com/amirimatin/go-lanchat/pkg/dedup"
    "github.com/amirimatin/go-lanchat/pkg/internal/logutil"
    "github.com/amirimatin/go-lanchat/pkg/observability/metrics"
    "github.com/amirimatin/go-lanchat/pkg/protocol"
)

// Identity is the local node's view of itself, sent in our HELLO.
type Identity struct {
    NodeID  string
    Name    string
    P2PPort int
}

// PeerInfo identifies the remote end of an established connection. IP
// always comes from the socket, never from a payload claim.
type PeerInfo struct {
    NodeID  string
    Name    string
    IP      string
    P2PPort int
}

// Handler consumes envelopes after the handshake.
type Handler interface {
    OnEnvelope(remote PeerInfo, env *protocol.Envelope)
}

// PeerSink learns verified peer addresses from successful handshakes.
type PeerSink interface {
    PeerSeen(nodeID, name, ip string, p2pPort int, now int64)
}

// ErrClosed reports a send on a connection that is no longer open.
var ErrClosed = errors.New("transport: connection closed")

const writeTimeout = 5 * time.Second

type connEvents interface {
    established(c *Conn)
    connClosed(c *Conn)
}

// Conn is one peer connection. It moves through Connecting →
// AwaitingHello → Established → Closed; only Established connections are
// visible to the rest of the node. One goroutine owns the read side,
// writes are serialized by a mutex, close is idempotent.
type Conn struct {
    sock         net.Conn
    br           *bufio.Reader
    bw           *bufio.Writer
    local        Identity
    events       connEvents
    dispatch     func(remote PeerInfo, env *protocol.Envelope)
    sink         PeerSink
    seen         *dedup.Set
    log          *log.Logger
    maxFrame     int
    helloTimeout time.Duration

    writeMu sync.Mutex

    handshook   atomic.Bool
    closed      atomic.Bool
    doneOnce    sync.Once
    done        chan struct{}
    remoteMu    sync.Mutex
    remote      PeerInfo
    lastActive  atomic.Int64
}

func newConn(sock net.Conn, local Identity, events connEvents, dispatch func(PeerInfo, *protocol.Envelope), sink PeerSink, logger *log.Logger, maxFrame int, helloTimeout time.Duration) *Conn {
    return &Conn{
        sock:         sock,
        br:           bufio.NewReader(sock),
        bw:           bufio.NewWriter(sock),
        local:        local,
        events:       events,
        dispatch:     dispatch,
        sink:         sink,
        seen:         dedup.NewSet(protocol.SeenCacheSize, protocol.SeenCacheTTL),
        log:          logger,
        maxFrame:     maxFrame,
        helloTimeout: helloTimeout,
        done:         make(chan struct{}),
    }
}

// Remote returns the authenticated peer; ok is false before the
// handshake completes.
func (c *Conn) Remote() (PeerInfo, bool) {
    c.remoteMu.Lock()
    defer c.remoteMu.Unlock()
    return c.remote, c.handshook.Load()
}

// LastActive returns the unix-milli timestamp of the last inbound frame.
func (c *Conn) LastActive() int64 { return c.lastActive.Load() }

// run drives the connection: HELLO out, HELLO in, then the dispatch
// loop. It returns when the connection is closed from either side.
func (c *Conn) run() {
    defer c.Close()
    hello := protocol.NewEnvelope(protocol.TypeHello, protocol.NodeRef{NodeID: c.local.NodeID, Name: c.local.Name}).
        WithPayload(protocol.HelloPayload{P2PPort: c.local.P2PPort, SupportedVersions: []int{protocol.Version}})
    if err := c.Send(hello); err != nil {
        logutil.Warnf(c.log, "transport: send hello to %s: %v", c.sock.RemoteAddr(), err)
        return
    }
    if !c.awaitRemoteHello() { return }
    c.readLoop()
}

// awaitRemoteHello reads and validates the first frame under the hello
// deadline. Any violation is answered with a typed ERROR and a close.
func (c *Conn) awaitRemoteHello() bool {
    _ = c.sock.SetReadDeadline(time.Now().Add(c.helloTimeout))
    env, err := readEnvelope(c.br, c.maxFrame)
    if err != nil {
        var tooBig *FrameTooLargeError
        switch {
        case errors.As(err, &tooBig):
            c.refuse(protocol.CodeTooLarge, "hello frame too large")
        case isTimeout(err):
            metrics.HandshakeFailures.WithLabelValues("TIMEOUT").Inc()
            logutil.Warnf(c.log, "transport: hello timeout from %s", c.sock.RemoteAddr())
        default:
            c.refuse(protocol.CodeBadMessage, "malformed hello frame")
        }
        return false
    }
    if env.Type != protocol.TypeHello || env.MsgID == "" || env.From.NodeID == "" {
        c.refuse(protocol.CodeBadMessage, "expected HELLO")
        return false
    }
    if env.ProtocolVersion != protocol.Version {
        c.refuse(protocol.CodeUnsupportedVersion, "unsupported protocol version")
        return false
    }
    var hp protocol.HelloPayload
    if err := env.DecodePayload(&hp); err != nil || hp.P2PPort <= 0 {
        c.refuse(protocol.CodeBadMessage, "invalid hello payload")
        return false
    }
    if len(hp.SupportedVersions) > 0 && !containsInt(hp.SupportedVersions, protocol.Version) {
        c.refuse(protocol.CodeUnsupportedVersion, "no common protocol version")
        return false
    }
    if env.From.NodeID == c.local.NodeID {
        logutil.Warnf(c.log, "transport: dropping connection to self")
        return false
    }
    _ = c.sock.SetReadDeadline(time.Time{})

    ip := remoteIP(c.sock)
    c.remoteMu.Lock()
    c.remote = PeerInfo{NodeID: env.From.NodeID, Name: env.From.Name, IP: ip, P2PPort: hp.P2PPort}
    c.remoteMu.Unlock()
    c.handshook.Store(true)
    c.lastActive.Store(time.Now().UnixMilli())
    if c.sink != nil { c.sink.PeerSeen(env.From.NodeID, env.From.Name, ip, hp.P2PPort, time.Now().UnixMilli()) }
    c.events.established(c)
    c.signalDone()
    return true
}

func (c *Conn) readLoop() {
    remote, _ := c.Remote()
    for {
        env, err := readEnvelope(c.br, c.maxFrame)
        if err != nil {
            var tooBig *FrameTooLargeError
            if errors.As(err, &tooBig) {
                c.refuse(protocol.CodeTooLarge, "frame too large")
            } else if !c.closed.Load() {
                logutil.Infof(c.log, "transport: %s read loop ends: %v", remote.NodeID, err)
            }
            return
        }
        c.lastActive.Store(time.Now().UnixMilli())
        if !env.Valid() {
            logutil.Warnf(c.log, "transport: dropping invalid envelope from %s", remote.NodeID)
            continue
        }
        if !c.seen.AddIfAbsent(env.MsgID) { continue }
        // A repeated HELLO renegotiates nothing.
        if env.Type == protocol.TypeHello { continue }
        metrics.EnvelopesIn.WithLabelValues(string(env.Type)).Inc()
        c.dispatch(remote, env)
    }
}

// Send serializes env onto the wire. Concurrent senders are safe.
func (c *Conn) Send(env *protocol.Envelope) error {
    if c.closed.Load() { return ErrClosed }
    c.writeMu.Lock()
    defer c.writeMu.Unlock()
    _ = c.sock.SetWriteDeadline(time.Now().Add(writeTimeout))
    if err := writeEnvelope(c.bw, env, c.maxFrame); err != nil {
        return err
    }
    metrics.EnvelopesOut.WithLabelValues(string(env.Type)).Inc()
    return nil
}

// refuse answers a protocol violation with an ERROR envelope; the caller
// closes the connection. Best effort: the peer may already be gone.
func (c *Conn) refuse(code, msg string) {
    metrics.HandshakeFailures.WithLabelValues(code).Inc()
    logutil.Warnf(c.log, "transport: refusing %s: %s", c.sock.RemoteAddr(), code)
    _ = c.Send(protocol.NewError(protocol.NodeRef{NodeID: c.local.NodeID, Name: c.local.Name}, code, msg))
}

// Close tears the connection down exactly once and wakes any handshake
// waiter. The manager is notified so it can drop its reference.
func (c *Conn) Close() {
    if !c.closed.CompareAndSwap(false, true) { return }
    _ = c.sock.Close()
    c.signalDone()
    c.events.connClosed(c)
}

func (c *Conn) signalDone() { c.doneOnce.Do(func() { close(c.done) }) }

// awaitHandshake blocks until the handshake settles or timeout elapses.
func (c *Conn) awaitHandshake(timeout time.Duration) bool {
    select {
    case <-c.done:
        return c.handshook.Load()
    case <-time.After(timeout):
        return false
    }
}

func remoteIP(sock net.Conn) string {
    host, _, err := net.SplitHostPort(sock.RemoteAddr().String())
    if err != nil { return sock.RemoteAddr().String() }
    return host
}

func isTimeout(err error) bool {
    var ne net.Error
    return errors.As(err, &ne) && ne.Timeout()
}

func containsInt(xs []int, v int) bool {
    for _, x := range xs {
        if x == v { return true }
    }
    return false
}
