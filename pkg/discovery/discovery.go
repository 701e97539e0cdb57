// Package discovery announces this node on the local network and learns
// peers the same way: PRESENCE envelopes broadcast over UDP, plus a
// bootstrap probe that refreshes liveness of already-known peers over
// TCP.
package discovery

import (
    "encoding/json"
    "fmt"
    "log"
    "net"
    "strconv"
    "strings"
    "sync"
    "sync/atomic"
    "time"

    "github.com/amirimatin/go-lanchat/pkg/dedup"
    "github.com/amirimatin/go-lanchat/pkg/internal/logutil"
    "github.com/amirimatin/go-lanchat/pkg/observability/metrics"
    "github.com/amirimatin/go-lanchat/pkg/protocol"
    "github.com/amirimatin/go-lanchat/pkg/store"
)

const probeWorkers = 4

// Config assembles the discovery service.
type Config struct {
    NodeID        string
    Name          string
    P2PPort       int // advertised peer port
    WebPort       int
    BroadcastPort int
    Interval      time.Duration
    ProbeTimeout  time.Duration
    Seeds         []string // optional host:port seed list
    Store         *store.Store
    Logger        *log.Logger
}

// Service owns the UDP socket and the announce/receive loops.
type Service struct {
    cfg  Config
    log  *log.Logger
    pc   net.PacketConn
    seen *dedup.Set

    stopped atomic.Bool
    stop    chan struct{}
    wg      sync.WaitGroup
}

// New builds an unstarted discovery service.
func New(cfg Config) *Service {
    if cfg.Logger == nil { cfg.Logger = log.Default() }
    if cfg.BroadcastPort <= 0 { cfg.BroadcastPort = protocol.BroadcastPort }
    if cfg.Interval <= 0 { cfg.Interval = protocol.BroadcastInterval }
    if cfg.ProbeTimeout <= 0 { cfg.ProbeTimeout = protocol.ProbeTimeout }
    return &Service{
        cfg:  cfg,
        log:  cfg.Logger,
        seen: dedup.NewSet(protocol.SeenCacheSize, protocol.SeenCacheTTL),
        stop: make(chan struct{}),
    }
}

// Start binds the broadcast socket and launches the loops.
func (s *Service) Start() error {
    pc, err := net.ListenPacket("udp4", fmt.Sprintf(":%d", s.cfg.BroadcastPort))
    if err != nil { return fmt.Errorf("discovery: listen udp :%d: %w", s.cfg.BroadcastPort, err) }
    s.pc = pc
    logutil.Infof(s.log, "discovery: announcing on udp %s every %s", pc.LocalAddr(), s.cfg.Interval)
    s.wg.Add(2)
    go s.announceLoop()
    go s.receiveLoop()
    return nil
}

// Stop terminates the loops and closes the socket.
func (s *Service) Stop() {
    if !s.stopped.CompareAndSwap(false, true) { return }
    close(s.stop)
    if s.pc != nil { _ = s.pc.Close() }
    s.wg.Wait()
}

func (s *Service) announceLoop() {
    defer s.wg.Done()
    t := time.NewTicker(s.cfg.Interval)
    defer t.Stop()
    s.announce()
    for {
        select {
        case <-s.stop:
            return
        case <-t.C:
            s.announce()
        }
    }
}

func (s *Service) announce() {
    env := protocol.NewEnvelope(protocol.TypePresence, protocol.NodeRef{NodeID: s.cfg.NodeID, Name: s.cfg.Name}).
        WithPayload(protocol.PresencePayload{P2PPort: s.cfg.P2PPort, WebPort: s.cfg.WebPort})
    b, err := json.Marshal(env)
    if err != nil { return }
    dst := &net.UDPAddr{IP: net.IPv4bcast, Port: s.cfg.BroadcastPort}
    if _, err := s.pc.WriteTo(b, dst); err != nil {
        if !s.stopped.Load() { logutil.Warnf(s.log, "discovery: broadcast: %v", err) }
        return
    }
    metrics.PresenceSent.Inc()
}

func (s *Service) receiveLoop() {
    defer s.wg.Done()
    buf := make([]byte, 8192)
    for {
        n, src, err := s.pc.ReadFrom(buf)
        if err != nil {
            if s.stopped.Load() { return }
            logutil.Warnf(s.log, "discovery: read: %v", err)
            continue
        }
        s.handleDatagram(buf[:n], src)
    }
}

func (s *Service) handleDatagram(b []byte, src net.Addr) {
    var env protocol.Envelope
    if err := json.Unmarshal(b, &env); err != nil { return }
    if !env.Valid() || env.Type != protocol.TypePresence { return }
    if env.From.NodeID == s.cfg.NodeID { return } // our own broadcast
    if !s.seen.AddIfAbsent(env.MsgID) { return }
    var pp protocol.PresencePayload
    if err := env.DecodePayload(&pp); err != nil || pp.P2PPort <= 0 { return }
    ip := src.String()
    if host, _, err := net.SplitHostPort(ip); err == nil { ip = host }
    metrics.PresenceReceived.Inc()
    err := s.cfg.Store.UpsertPeer(store.Peer{
        NodeID:   env.From.NodeID,
        Name:     env.From.Name,
        IP:       ip,
        P2PPort:  pp.P2PPort,
        WebPort:  pp.WebPort,
        LastSeen: time.Now().UnixMilli(),
    })
    if err != nil { logutil.Errorf(s.log, "discovery: upsert peer %s: %v", env.From.NodeID, err) }
}

// BootstrapProbe dials every stored peer (and configured seed) with a
// short timeout to refresh liveness before the first broadcasts land.
// Blocking; callers usually run it in a goroutine.
func (s *Service) BootstrapProbe() {
    type target struct {
        nodeID string
        ip     string
        port   int
    }
    var targets []target
    if peers, err := s.cfg.Store.ListPeers(); err == nil {
        for _, p := range peers {
            if p.IP != "" && p.P2PPort > 0 { targets = append(targets, target{p.NodeID, p.IP, p.P2PPort}) }
        }
    }
    for _, seed := range s.cfg.Seeds {
        host, port, ok := splitSeed(seed)
        if ok { targets = append(targets, target{"", host, port}) }
    }
    if len(targets) == 0 { return }

    work := make(chan target)
    var wg sync.WaitGroup
    for i := 0; i < probeWorkers; i++ {
        wg.Add(1)
        go func() {
            defer wg.Done()
            for tg := range work {
                addr := net.JoinHostPort(tg.ip, strconv.Itoa(tg.port))
                conn, err := net.DialTimeout("tcp", addr, s.cfg.ProbeTimeout)
                if err != nil { continue }
                _ = conn.Close()
                if tg.nodeID != "" {
                    _ = s.cfg.Store.UpsertPeer(store.Peer{NodeID: tg.nodeID, LastSeen: time.Now().UnixMilli()})
                }
            }
        }()
    }
    for _, tg := range targets { work <- tg }
    close(work)
    wg.Wait()
    logutil.Infof(s.log, "discovery: bootstrap probe of %d targets done", len(targets))
}

// ParseSeeds splits a comma-separated host:port list, dropping empty and
// malformed entries.
func ParseSeeds(csv string) []string {
    var out []string
    for _, part := range strings.Split(csv, ",") {
        part = strings.TrimSpace(part)
        if part == "" { continue }
        if _, _, ok := splitSeed(part); ok { out = append(out, part) }
    }
    return out
}

func splitSeed(s string) (string, int, bool) {
    host, portStr, err := net.SplitHostPort(s)
    if err != nil { return "", 0, false }
    port, err := strconv.Atoi(portStr)
    if err != nil || port <= 0 { return "", 0, false }
    return host, port, true
}
