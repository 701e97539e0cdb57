package transport

import (
    "errors"
    "fmt"
    "log"
    "net"
    "sync"
    "sync/atomic"
    "time"

    "github.com/amirimatin/go-lanchat/pkg/clock"
    "github.com/amirimatin/go-lanchat/pkg/internal/logutil"
    "github.com/amirimatin/go-lanchat/pkg/observability/metrics"
    "github.com/amirimatin/go-lanchat/pkg/protocol"
)

// Config assembles the peer transport.
type Config struct {
    Identity      Identity
    BindAddr      string // defaults to ":<identity p2p port>"
    HelloTimeout  time.Duration
    DialTimeout   time.Duration
    MaxFrameBytes int
    IOWorkers     int // bounds concurrent connection goroutines
    Clock         *clock.Lamport // merged with every inbound envelope's clock
    PeerSink      PeerSink
    Logger        *log.Logger
}

// ErrStopped reports use of the transport after Stop.
var ErrStopped = errors.New("transport: stopped")

// Service is the peer transport facade: it owns the listener, the
// bounded IO pool and the connection manager, and fans inbound envelopes
// out to the registered handlers in registration order.
type Service struct {
    cfg      Config
    log      *log.Logger
    mgr      *Manager
    handlers []Handler

    ln      net.Listener
    sem     chan struct{}
    wg      sync.WaitGroup
    stopped atomic.Bool
}

// New builds an unstarted transport service.
func New(cfg Config) *Service {
    if cfg.Logger == nil { cfg.Logger = log.Default() }
    if cfg.HelloTimeout <= 0 { cfg.HelloTimeout = protocol.HelloTimeout }
    if cfg.DialTimeout <= 0 { cfg.DialTimeout = protocol.ProbeTimeout }
    if cfg.MaxFrameBytes <= 0 { cfg.MaxFrameBytes = protocol.MaxFrameBytes }
    if cfg.IOWorkers <= 0 { cfg.IOWorkers = 32 }
    if cfg.BindAddr == "" { cfg.BindAddr = fmt.Sprintf(":%d", cfg.Identity.P2PPort) }
    s := &Service{
        cfg: cfg,
        log: cfg.Logger,
        sem: make(chan struct{}, cfg.IOWorkers),
    }
    s.mgr = newManager(cfg.Identity, cfg.Logger, cfg.MaxFrameBytes, cfg.HelloTimeout, cfg.DialTimeout)
    s.mgr.dispatch = s.dispatchEnvelope
    s.mgr.sink = cfg.PeerSink
    s.mgr.spawn = s.spawn
    return s
}

// Register appends a handler to the dispatch chain. Handlers run
// synchronously in registration order on the connection's read
// goroutine; registration must finish before Start.
func (s *Service) Register(h Handler) { s.handlers = append(s.handlers, h) }

// Identity returns the local identity this transport speaks as.
func (s *Service) Identity() Identity { return s.cfg.Identity }

// Start binds the listener and launches the accept loop.
func (s *Service) Start() error {
    ln, err := net.Listen("tcp", s.cfg.BindAddr)
    if err != nil { return fmt.Errorf("transport: listen %s: %w", s.cfg.BindAddr, err) }
    s.ln = ln
    logutil.Infof(s.log, "transport: listening on %s", ln.Addr())
    s.wg.Add(1)
    go s.acceptLoop()
    return nil
}

// Port returns the actual bound TCP port.
func (s *Service) Port() int {
    if s.ln == nil { return s.cfg.Identity.P2PPort }
    return s.ln.Addr().(*net.TCPAddr).Port
}

func (s *Service) acceptLoop() {
    defer s.wg.Done()
    for {
        sock, err := s.ln.Accept()
        if err != nil {
            if s.stopped.Load() { return }
            logutil.Warnf(s.log, "transport: accept: %v", err)
            continue
        }
        metrics.ConnAccepts.Inc()
        c := s.mgr.adopt(sock)
        if err := s.spawn(c.run); err != nil {
            c.Close()
            return
        }
    }
}

// spawn runs fn on the bounded IO pool; it blocks while all workers are
// busy, which back-pressures the accept loop.
func (s *Service) spawn(fn func()) error {
    if s.stopped.Load() { return ErrStopped }
    s.sem <- struct{}{}
    s.wg.Add(1)
    go func() {
        defer func() { <-s.sem; s.wg.Done() }()
        fn()
    }()
    return nil
}

// dispatchEnvelope merges the remote clock once per envelope, before
// any handler runs, then fans out.
func (s *Service) dispatchEnvelope(remote PeerInfo, env *protocol.Envelope) {
    if s.cfg.Clock != nil && env.Clock > 0 { s.cfg.Clock.Observe(env.Clock) }
    for _, h := range s.handlers { h.OnEnvelope(remote, env) }
}

// stamp fills the envelope header fields a caller may leave blank.
func (s *Service) stamp(env *protocol.Envelope) {
    if env.ProtocolVersion == 0 { env.ProtocolVersion = protocol.Version }
    if env.From.NodeID == "" {
        env.From = protocol.NodeRef{NodeID: s.cfg.Identity.NodeID, Name: s.cfg.Identity.Name}
    }
    if env.TS == 0 { env.TS = time.Now().UnixMilli() }
}

// Send delivers env to nodeID, dialing ip:port when no connection
// exists.
func (s *Service) Send(nodeID, ip string, port int, env *protocol.Envelope) error {
    if s.stopped.Load() { return ErrStopped }
    s.stamp(env)
    c, err := s.mgr.GetOrConnect(nodeID, ip, port)
    if err != nil { return err }
    return c.Send(env)
}

// SendToNode delivers env over an already-established connection.
func (s *Service) SendToNode(nodeID string, env *protocol.Envelope) error {
    if s.stopped.Load() { return ErrStopped }
    s.stamp(env)
    c, ok := s.mgr.GetByNode(nodeID)
    if !ok { return fmt.Errorf("transport: no connection to %s", nodeID) }
    return c.Send(env)
}

// ConnectToAddr ensures a connection to ip:port and returns the peer
// that answered. Used for first contact, before any node id is known.
func (s *Service) ConnectToAddr(ip string, port int) (PeerInfo, error) {
    if s.stopped.Load() { return PeerInfo{}, ErrStopped }
    if c, ok := s.mgr.GetByAddr(ip, port); ok {
        remote, _ := c.Remote()
        return remote, nil
    }
    c, err := s.mgr.ConnectTo(ip, port)
    if err != nil { return PeerInfo{}, err }
    remote, _ := c.Remote()
    return remote, nil
}

// Connected reports whether an established connection to nodeID exists.
func (s *Service) Connected(nodeID string) bool {
    _, ok := s.mgr.GetByNode(nodeID)
    return ok
}

// Stop closes the listener and every connection, then waits for the IO
// pool to drain.
func (s *Service) Stop() {
    if !s.stopped.CompareAndSwap(false, true) { return }
    if s.ln != nil { _ = s.ln.Close() }
    s.mgr.CloseAll()
    s.wg.Wait()
    logutil.Infof(s.log, "transport: stopped")
}
