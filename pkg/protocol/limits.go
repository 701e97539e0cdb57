package protocol

import "time"

// Fixed operating parameters of the peer protocol. Anything a deployment
// may reasonably tune is surfaced again as an option on the owning
// component; these are the defaults.
const (
    // DefaultP2PPort is the TCP port the peer transport listens on.
    DefaultP2PPort = 19000
    // DefaultWebPort is the HTTP admin API port.
    DefaultWebPort = 18080
    // BroadcastPort is the UDP port used for PRESENCE announcements.
    BroadcastPort = 19001

    // MaxFrameBytes caps a single serialized envelope line on the wire.
    MaxFrameBytes = 64 << 10

    // HelloTimeout bounds how long a connection may sit without a valid
    // HELLO before it is torn down.
    HelloTimeout = 3 * time.Second
    // BroadcastInterval paces PRESENCE announcements.
    BroadcastInterval = 2 * time.Second
    // PeerTTL is how long a peer counts as live after its last contact.
    PeerTTL = 20 * time.Second
    // ProbeTimeout bounds a single bootstrap liveness dial.
    ProbeTimeout = 2 * time.Second
    // JoinTimeout bounds a pending room join waiting for JOIN_ACCEPT.
    JoinTimeout = 8 * time.Second
    // SyncPageTimeout bounds one SYNC_REQUEST/SYNC_RESPONSE exchange.
    SyncPageTimeout = 5 * time.Second

    // SyncDefaultLimit is the page size used when a request names none.
    SyncDefaultLimit = 200
    // SyncMaxLimit is the hard page-size cap a responder enforces.
    SyncMaxLimit = 500
    // SyncMaxSources caps how many members one sync pass will try.
    SyncMaxSources = 3

    // SeenCacheSize and SeenCacheTTL size the in-memory dedup layer that
    // sits in front of the durable seen table.
    SeenCacheSize = 4096
    SeenCacheTTL  = 10 * time.Minute
)
