package store

import (
    "encoding/json"

    "github.com/boltdb/bolt"
    "github.com/google/uuid"
)

var identityKey = []byte("self")

// Identity is the durable node identity, created once on first startup.
type Identity struct {
    NodeID      string `json:"nodeId"`
    DisplayName string `json:"displayName"`
    P2PPort     int    `json:"p2pPort"`
    WebPort     int    `json:"webPort"`
    CreatedAt   int64  `json:"createdAt"`
    LastStartup int64  `json:"lastStartup"`
}

// LoadOrCreateIdentity returns the stored identity, minting a fresh uuid
// on first run. Each call refreshes last_startup and adopts the supplied
// display name and ports, so a restart with new flags takes effect while
// the node id stays stable.
func (s *Store) LoadOrCreateIdentity(displayName string, p2pPort, webPort int, now int64) (Identity, error) {
    var id Identity
    err := s.db.Update(func(tx *bolt.Tx) error {
        b := tx.Bucket(bucketIdentity)
        if raw := b.Get(identityKey); raw != nil {
            if err := json.Unmarshal(raw, &id); err != nil { return err }
        } else {
            id = Identity{NodeID: uuid.NewString(), CreatedAt: now}
        }
        if displayName != "" { id.DisplayName = displayName }
        if id.DisplayName == "" { id.DisplayName = "node-" + id.NodeID[:8] }
        id.P2PPort = p2pPort
        id.WebPort = webPort
        id.LastStartup = now
        raw, err := json.Marshal(id)
        if err != nil { return err }
        return b.Put(identityKey, raw)
    })
    return id, err
}
