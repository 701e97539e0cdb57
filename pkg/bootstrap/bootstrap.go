// Package bootstrap assembles a full chat node (storage, transport,
// discovery, engines, admin API) from one flat Config. Applications and
// the CLI embed the node by providing this structure and calling
// Build/Run.
package bootstrap

import (
    "context"
    "crypto/tls"
    "fmt"
    "log"
    "net"
    "strconv"
    "time"

    "github.com/amirimatin/go-lanchat/pkg/discovery"
    "github.com/amirimatin/go-lanchat/pkg/node"
    "github.com/amirimatin/go-lanchat/pkg/protocol"
    tlsx "github.com/amirimatin/go-lanchat/pkg/security/tlsconfig"
    "github.com/amirimatin/go-lanchat/pkg/web"
)

// Config defines high-level inputs to assemble a chat node with sensible
// defaults.
type Config struct {
    // Identity
    DisplayName string
    DataDir     string

    // Ports; zero picks the protocol defaults.
    P2PPort       int
    BroadcastPort int

    // Admin API
    WebAddr string // host:port; empty → ":18080"
    WebOpen bool   // allow non-loopback clients

    // Discovery
    SeedsCSV    string // comma-separated host:port seed addresses
    NoDiscovery bool   // disable the UDP presence loops

    // Sync pacing; zero keeps the default sweep, negative disables it.
    SyncInterval time.Duration

    // TLS (optional) for the admin API
    TLSEnable     bool
    TLSCA         string
    TLSCert       string
    TLSKey        string
    TLSServerName string
    TLSSkipVerify bool

    // Logger (optional). If nil, log.Default() is used.
    Logger *log.Logger
}

// App is a running node together with its admin API server.
type App struct {
    Node *node.Node
    Web  *web.Server
}

// Build assembles an App from Config without starting it.
func Build(cfg Config) (*App, error) {
    if cfg.Logger == nil { cfg.Logger = log.Default() }

    webPort := protocol.DefaultWebPort
    webAddr := cfg.WebAddr
    if webAddr == "" {
        webAddr = fmt.Sprintf(":%d", webPort)
    } else if _, portStr, err := net.SplitHostPort(webAddr); err == nil {
        if p, err := strconv.Atoi(portStr); err == nil && p > 0 { webPort = p }
    }

    n, err := node.New(node.Options{
        DisplayName:      cfg.DisplayName,
        DataDir:          cfg.DataDir,
        P2PPort:          cfg.P2PPort,
        WebPort:          webPort,
        BroadcastPort:    cfg.BroadcastPort,
        Seeds:            discovery.ParseSeeds(cfg.SeedsCSV),
        DisableDiscovery: cfg.NoDiscovery,
        SyncInterval:     cfg.SyncInterval,
        Logger:           cfg.Logger,
    })
    if err != nil { return nil, err }

    srv := web.NewServer(webAddr, n, cfg.Logger)
    if cfg.WebOpen { srv.AllowRemote() }
    if cfg.TLSEnable {
        topts := tlsx.Options{
            Enable: true, CAFile: cfg.TLSCA, CertFile: cfg.TLSCert, KeyFile: cfg.TLSKey,
            InsecureSkipVerify: cfg.TLSSkipVerify, ServerName: cfg.TLSServerName,
        }
        // Prefer hot-reload configs to allow manual rotation by
        // replacing files.
        srvTLS, err := topts.ServerHotReload()
        if err != nil { return nil, err }
        srv.UseTLS(srvTLS)
    }
    return &App{Node: n, Web: srv}, nil
}

// Run builds and starts the app. The caller is responsible for calling
// Close when finished.
func Run(ctx context.Context, cfg Config) (*App, error) {
    app, err := Build(cfg)
    if err != nil { return nil, err }
    if err := app.Node.Start(ctx); err != nil { return nil, err }
    if err := app.Web.Start(ctx); err != nil {
        app.Node.Stop()
        return nil, err
    }
    return app, nil
}

// Close shuts the admin server and the node down.
func (a *App) Close() {
    _ = a.Web.Stop(context.Background())
    a.Node.Stop()
}

// ClientTLS derives the admin client TLS config from Config, nil when
// TLS is disabled.
func ClientTLS(cfg Config) (*tls.Config, error) {
    if !cfg.TLSEnable { return nil, nil }
    topts := tlsx.Options{
        Enable: true, CAFile: cfg.TLSCA, CertFile: cfg.TLSCert, KeyFile: cfg.TLSKey,
        InsecureSkipVerify: cfg.TLSSkipVerify, ServerName: cfg.TLSServerName,
    }
    return topts.ClientHotReload()
}
