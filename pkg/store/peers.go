package store

import (
    "encoding/json"
    "sort"

    "github.com/boltdb/bolt"
)

// Peer is a node learned through discovery, a handshake or a room
// snapshot.
type Peer struct {
    NodeID   string `json:"nodeId"`
    Name     string `json:"name,omitempty"`
    IP       string `json:"ip,omitempty"`
    P2PPort  int    `json:"p2pPort,omitempty"`
    WebPort  int    `json:"webPort,omitempty"`
    LastSeen int64  `json:"lastSeen"`
}

// UpsertPeer inserts or refreshes a peer row. Empty/zero address fields
// never overwrite known values, so a partial sighting (e.g. a room
// snapshot without ports) cannot erase a good address. LastSeen only
// moves forward.
func (s *Store) UpsertPeer(p Peer) error {
    return s.db.Update(func(tx *bolt.Tx) error {
        b := tx.Bucket(bucketPeers)
        cur := p
        if raw := b.Get([]byte(p.NodeID)); raw != nil {
            var old Peer
            if err := json.Unmarshal(raw, &old); err != nil { return err }
            cur = old
            if p.Name != "" { cur.Name = p.Name }
            if p.IP != "" { cur.IP = p.IP }
            if p.P2PPort > 0 { cur.P2PPort = p.P2PPort }
            if p.WebPort > 0 { cur.WebPort = p.WebPort }
            if p.LastSeen > cur.LastSeen { cur.LastSeen = p.LastSeen }
        }
        raw, err := json.Marshal(cur)
        if err != nil { return err }
        return b.Put([]byte(p.NodeID), raw)
    })
}

// GetPeer returns the peer row for nodeID.
func (s *Store) GetPeer(nodeID string) (Peer, bool, error) {
    var p Peer
    found := false
    err := s.db.View(func(tx *bolt.Tx) error {
        raw := tx.Bucket(bucketPeers).Get([]byte(nodeID))
        if raw == nil { return nil }
        found = true
        return json.Unmarshal(raw, &p)
    })
    return p, found, err
}

// ListPeers returns all known peers ordered by recency, newest first.
func (s *Store) ListPeers() ([]Peer, error) {
    var out []Peer
    err := s.db.View(func(tx *bolt.Tx) error {
        return tx.Bucket(bucketPeers).ForEach(func(_, raw []byte) error {
            var p Peer
            if err := json.Unmarshal(raw, &p); err != nil { return err }
            out = append(out, p)
            return nil
        })
    })
    if err != nil { return nil, err }
    sort.Slice(out, func(i, j int) bool { return out[i].LastSeen > out[j].LastSeen })
    return out, nil
}
