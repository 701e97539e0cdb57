package metrics

import (
    "sync"

    "github.com/prometheus/client_golang/prometheus"
)

var (
    once sync.Once

    PeersKnown = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: "lanchat",
        Name:      "peers_known",
        Help:      "Number of peers in the durable peer table",
    })

    PresenceSent = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: "lanchat",
        Subsystem: "discovery",
        Name:      "presence_sent_total",
        Help:      "Total PRESENCE announcements broadcast",
    })
    PresenceReceived = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: "lanchat",
        Subsystem: "discovery",
        Name:      "presence_received_total",
        Help:      "Total PRESENCE announcements received from other nodes",
    })

    ConnDials = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: "lanchat",
        Subsystem: "conn",
        Name:      "dials_total",
        Help:      "Total number of outbound peer connections dialed",
    })
    ConnAccepts = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: "lanchat",
        Subsystem: "conn",
        Name:      "accepts_total",
        Help:      "Total number of inbound peer connections accepted",
    })
    ConnEvictions = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: "lanchat",
        Subsystem: "conn",
        Name:      "evictions_total",
        Help:      "Total number of established connections replaced by a newer one",
    })
    ConnActive = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: "lanchat",
        Subsystem: "conn",
        Name:      "active",
        Help:      "Number of established peer connections",
    })
    HandshakeFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: "lanchat",
        Subsystem: "conn",
        Name:      "handshake_failures_total",
        Help:      "Total handshake failures by wire error code",
    }, []string{"code"})

    EnvelopesIn = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: "lanchat",
        Name:      "envelopes_in_total",
        Help:      "Total envelopes dispatched after handshake, by type",
    }, []string{"type"})
    EnvelopesOut = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: "lanchat",
        Name:      "envelopes_out_total",
        Help:      "Total envelopes sent to peers, by type",
    }, []string{"type"})

    JoinRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: "lanchat",
        Subsystem: "rooms",
        Name:      "join_requests_total",
        Help:      "Total JOIN_REQUESTs handled by this node",
    }, []string{"result"})
    RoomMembers = prometheus.NewGaugeVec(prometheus.GaugeOpts{
        Namespace: "lanchat",
        Subsystem: "rooms",
        Name:      "members",
        Help:      "Current member count per room",
    }, []string{"room"})
    GossipRelays = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: "lanchat",
        Subsystem: "rooms",
        Name:      "gossip_relays_total",
        Help:      "Total member events relayed one hop to other members",
    })

    SyncPulls = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: "lanchat",
        Subsystem: "sync",
        Name:      "pulls_total",
        Help:      "Total sync passes by result",
    }, []string{"result"})
    SyncPages = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: "lanchat",
        Subsystem: "sync",
        Name:      "pages_total",
        Help:      "Total SYNC_RESPONSE pages applied",
    })
    SyncInserted = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: "lanchat",
        Subsystem: "sync",
        Name:      "messages_inserted_total",
        Help:      "Total messages newly inserted through sync",
    })
)

// Register registers metrics into the default Prometheus registry (idempotent).
func Register() {
    once.Do(func() {
        prometheus.MustRegister(PeersKnown)
        prometheus.MustRegister(PresenceSent)
        prometheus.MustRegister(PresenceReceived)
        prometheus.MustRegister(ConnDials)
        prometheus.MustRegister(ConnAccepts)
        prometheus.MustRegister(ConnEvictions)
        prometheus.MustRegister(ConnActive)
        prometheus.MustRegister(HandshakeFailures)
        prometheus.MustRegister(EnvelopesIn)
        prometheus.MustRegister(EnvelopesOut)
        prometheus.MustRegister(JoinRequests)
        prometheus.MustRegister(RoomMembers)
        prometheus.MustRegister(GossipRelays)
        prometheus.MustRegister(SyncPulls)
        prometheus.MustRegister(SyncPages)
        prometheus.MustRegister(SyncInserted)
    })
}
