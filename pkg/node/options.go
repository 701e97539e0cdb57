package node

import (
    "errors"
    "log"
    "time"

    "github.com/amirimatin/go-lanchat/pkg/protocol"
)

// Options defines high-level inputs to assemble a chat node with
// sensible defaults.
type Options struct {
    // DisplayName is the human-readable node name announced to peers.
    // Empty keeps the stored name (or derives one from the node id).
    DisplayName string

    // DataDir holds the database file. Required.
    DataDir string

    // Ports; zero picks the protocol defaults.
    P2PPort       int
    WebPort       int
    BroadcastPort int

    // BindAddr overrides the TCP bind address (e.g. "127.0.0.1:0" in
    // tests). Empty binds ":<P2PPort>".
    BindAddr string

    // Seeds are optional host:port addresses probed at startup.
    Seeds []string

    // DisableDiscovery turns off the UDP presence loops (tests, or
    // networks where broadcast is unwelcome).
    DisableDiscovery bool

    // SyncInterval paces the periodic full sync sweep. Zero means one
    // sweep per minute; negative disables the sweep.
    SyncInterval time.Duration

    IOWorkers   int
    SyncWorkers int

    // Logger (optional). If nil, log.Default() is used.
    Logger *log.Logger
}

// Validate fills defaults and rejects unusable combinations.
func (o *Options) Validate() error {
    if o.DataDir == "" { return errors.New("node: DataDir is required") }
    if o.P2PPort == 0 { o.P2PPort = protocol.DefaultP2PPort }
    if o.WebPort == 0 { o.WebPort = protocol.DefaultWebPort }
    if o.BroadcastPort == 0 { o.BroadcastPort = protocol.BroadcastPort }
    if o.P2PPort < 0 || o.WebPort < 0 || o.BroadcastPort < 0 {
        return errors.New("node: ports must not be negative")
    }
    if o.SyncInterval == 0 { o.SyncInterval = time.Minute }
    if o.Logger == nil { o.Logger = log.Default() }
    return nil
}
