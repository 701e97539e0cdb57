package store

import (
    "bytes"
    "encoding/json"
    "sort"

    "github.com/boltdb/bolt"
)

// Room is a chat room this node belongs to.
type Room struct {
    RoomID    string `json:"roomId"`
    Name      string `json:"name"`
    Policy    string `json:"policy,omitempty"`
    KeyHash   string `json:"keyHash,omitempty"`
    CreatedAt int64  `json:"createdAt"`
}

// Member is one node's membership record in a room. Address fields mirror
// the peer table but are room-scoped, since snapshots and gossip carry
// them per room.
type Member struct {
    RoomID   string `json:"roomId"`
    NodeID   string `json:"nodeId"`
    Name     string `json:"name,omitempty"`
    IP       string `json:"ip,omitempty"`
    P2PPort  int    `json:"p2pPort,omitempty"`
    LastSeen int64  `json:"lastSeen,omitempty"`
    Role     string `json:"role,omitempty"`
}

// MemberEvent is one durable membership-change event; its id doubles as
// the gossip idempotency token.
type MemberEvent struct {
    EventID      string `json:"eventId"`
    RoomID       string `json:"roomId"`
    Op           string `json:"op"`
    MemberNodeID string `json:"memberNodeId"`
    MemberName   string `json:"memberName,omitempty"`
    TS           int64  `json:"ts"`
}

// InsertRoom creates a room row, failing with ErrDuplicate if it exists.
func (s *Store) InsertRoom(r Room) error {
    return s.db.Update(func(tx *bolt.Tx) error {
        b := tx.Bucket(bucketRooms)
        if b.Get([]byte(r.RoomID)) != nil { return ErrDuplicate }
        raw, err := json.Marshal(r)
        if err != nil { return err }
        return b.Put([]byte(r.RoomID), raw)
    })
}

// UpsertRoom inserts or refreshes a room learned from a JOIN_ACCEPT.
// CreatedAt is preserved when the row already exists.
func (s *Store) UpsertRoom(r Room) error {
    return s.db.Update(func(tx *bolt.Tx) error {
        b := tx.Bucket(bucketRooms)
        if raw := b.Get([]byte(r.RoomID)); raw != nil {
            var old Room
            if err := json.Unmarshal(raw, &old); err != nil { return err }
            r.CreatedAt = old.CreatedAt
            if r.Name == "" { r.Name = old.Name }
            if r.Policy == "" { r.Policy = old.Policy }
            if r.KeyHash == "" { r.KeyHash = old.KeyHash }
        }
        raw, err := json.Marshal(r)
        if err != nil { return err }
        return b.Put([]byte(r.RoomID), raw)
    })
}

// GetRoom returns the room row for roomID.
func (s *Store) GetRoom(roomID string) (Room, bool, error) {
    var r Room
    found := false
    err := s.db.View(func(tx *bolt.Tx) error {
        raw := tx.Bucket(bucketRooms).Get([]byte(roomID))
        if raw == nil { return nil }
        found = true
        return json.Unmarshal(raw, &r)
    })
    return r, found, err
}

// ListRooms returns all rooms ordered by name.
func (s *Store) ListRooms() ([]Room, error) {
    var out []Room
    err := s.db.View(func(tx *bolt.Tx) error {
        return tx.Bucket(bucketRooms).ForEach(func(_, raw []byte) error {
            var r Room
            if err := json.Unmarshal(raw, &r); err != nil { return err }
            out = append(out, r)
            return nil
        })
    })
    if err != nil { return nil, err }
    sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
    return out, nil
}

// UpsertMember inserts or refreshes a membership record. Like UpsertPeer,
// empty address fields never regress stored values and LastSeen only
// moves forward; gossip frequently carries partial member info.
func (s *Store) UpsertMember(m Member) error {
    return s.db.Update(func(tx *bolt.Tx) error {
        b := tx.Bucket(bucketMembers)
        key := compositeKey(m.RoomID, m.NodeID)
        cur := m
        if raw := b.Get(key); raw != nil {
            var old Member
            if err := json.Unmarshal(raw, &old); err != nil { return err }
            cur = old
            if m.Name != "" { cur.Name = m.Name }
            if m.IP != "" { cur.IP = m.IP }
            if m.P2PPort > 0 { cur.P2PPort = m.P2PPort }
            if m.LastSeen > cur.LastSeen { cur.LastSeen = m.LastSeen }
            if m.Role != "" { cur.Role = m.Role }
        }
        raw, err := json.Marshal(cur)
        if err != nil { return err }
        return b.Put(key, raw)
    })
}

// RemoveMember deletes a membership record; removing a missing member is
// a no-op.
func (s *Store) RemoveMember(roomID, nodeID string) error {
    return s.db.Update(func(tx *bolt.Tx) error {
        return tx.Bucket(bucketMembers).Delete(compositeKey(roomID, nodeID))
    })
}

// IsMember reports whether nodeID has a membership record in roomID.
func (s *Store) IsMember(roomID, nodeID string) (bool, error) {
    found := false
    err := s.db.View(func(tx *bolt.Tx) error {
        found = tx.Bucket(bucketMembers).Get(compositeKey(roomID, nodeID)) != nil
        return nil
    })
    return found, err
}

// GetMember returns one membership record.
func (s *Store) GetMember(roomID, nodeID string) (Member, bool, error) {
    var m Member
    found := false
    err := s.db.View(func(tx *bolt.Tx) error {
        raw := tx.Bucket(bucketMembers).Get(compositeKey(roomID, nodeID))
        if raw == nil { return nil }
        found = true
        return json.Unmarshal(raw, &m)
    })
    return m, found, err
}

// ListMembers returns every membership record of a room.
func (s *Store) ListMembers(roomID string) ([]Member, error) {
    var out []Member
    prefix := compositeKey(roomID, "")
    err := s.db.View(func(tx *bolt.Tx) error {
        c := tx.Bucket(bucketMembers).Cursor()
        for k, raw := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, raw = c.Next() {
            var m Member
            if err := json.Unmarshal(raw, &m); err != nil { return err }
            out = append(out, m)
        }
        return nil
    })
    return out, err
}

// InsertMemberEventIgnore records a membership event if its id is new and
// reports whether it was inserted. This insert-success signal is the
// idempotency gate for gossip application and relay.
func (s *Store) InsertMemberEventIgnore(ev MemberEvent) (bool, error) {
    inserted := false
    err := s.db.Update(func(tx *bolt.Tx) error {
        b := tx.Bucket(bucketEvents)
        if b.Get([]byte(ev.EventID)) != nil { return nil }
        raw, err := json.Marshal(ev)
        if err != nil { return err }
        if err := b.Put([]byte(ev.EventID), raw); err != nil { return err }
        inserted = true
        return nil
    })
    return inserted, err
}
