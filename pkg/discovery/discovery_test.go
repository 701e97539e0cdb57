package discovery

import (
    "encoding/json"
    "net"
    "path/filepath"
    "testing"
    "time"

    "github.com/amirimatin/go-lanchat/pkg/protocol"
    "github.com/amirimatin/go-lanchat/pkg/store"
)

func openStore(t *testing.T) *store.Store {
    t.Helper()
    s, err := store.Open(filepath.Join(t.TempDir(), "lanchat.db"))
    if err != nil { t.Fatalf("open store: %v", err) }
    t.Cleanup(func() { _ = s.Close() })
    return s
}

func TestParseSeeds(t *testing.T) {
    got := ParseSeeds(" 10.0.0.1:19000, ,bad,10.0.0.2:19001 ")
    if len(got) != 2 || got[0] != "10.0.0.1:19000" || got[1] != "10.0.0.2:19001" {
        t.Fatalf("got %v", got)
    }
    if out := ParseSeeds(""); len(out) != 0 { t.Fatalf("empty csv: %v", out) }
}

func presenceDatagram(t *testing.T, nodeID string, p2pPort int) []byte {
    t.Helper()
    env := protocol.NewEnvelope(protocol.TypePresence, protocol.NodeRef{NodeID: nodeID, Name: "peer"}).
        WithPayload(protocol.PresencePayload{P2PPort: p2pPort})
    b, err := json.Marshal(env)
    if err != nil { t.Fatalf("marshal: %v", err) }
    return b
}

func TestHandleDatagramUpsertsPeer(t *testing.T) {
    st := openStore(t)
    svc := New(Config{NodeID: "self", Name: "me", P2PPort: 19000, Store: st})
    src := &net.UDPAddr{IP: net.ParseIP("192.168.1.9"), Port: 40000}

    svc.handleDatagram(presenceDatagram(t, "other", 19007), src)
    p, ok, err := st.GetPeer("other")
    if err != nil || !ok { t.Fatalf("peer not stored: %v %v", ok, err) }
    if p.IP != "192.168.1.9" || p.P2PPort != 19007 {
        t.Fatalf("address must come from the datagram source + payload port: %+v", p)
    }
}

func TestHandleDatagramIgnoresSelfAndDuplicates(t *testing.T) {
    st := openStore(t)
    svc := New(Config{NodeID: "self", Name: "me", P2PPort: 19000, Store: st})
    src := &net.UDPAddr{IP: net.ParseIP("192.168.1.9"), Port: 40000}

    svc.handleDatagram(presenceDatagram(t, "self", 19000), src)
    if _, ok, _ := st.GetPeer("self"); ok { t.Fatalf("own broadcast must be ignored") }

    b := presenceDatagram(t, "other", 19007)
    svc.handleDatagram(b, src)
    before := time.Now().UnixMilli()
    time.Sleep(5 * time.Millisecond)
    svc.handleDatagram(b, src) // replayed msgId
    p, _, _ := st.GetPeer("other")
    if p.LastSeen > before {
        t.Fatalf("duplicate datagram should not refresh the peer")
    }
}

func TestHandleDatagramRejectsGarbage(t *testing.T) {
    st := openStore(t)
    svc := New(Config{NodeID: "self", Store: st})
    src := &net.UDPAddr{IP: net.ParseIP("10.0.0.1"), Port: 1}

    svc.handleDatagram([]byte("not json"), src)
    // Missing port in payload.
    svc.handleDatagram(presenceDatagram(t, "weird", 0), src)
    if _, ok, _ := st.GetPeer("weird"); ok { t.Fatalf("portless presence must be dropped") }
}
