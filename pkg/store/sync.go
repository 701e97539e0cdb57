package store

import (
    "encoding/json"
    "strconv"

    "github.com/boltdb/bolt"
)

// Cursor is a room's replication high-water mark: the largest message
// clock this node has durably applied.
type Cursor struct {
    ClockValue string `json:"clockValue"`
    UpdatedAt  int64  `json:"updatedAt"`
}

// MarkSeen durably records a message id and reports whether it was new.
// The seen table is the long-term companion of the in-memory dedup set.
func (s *Store) MarkSeen(msgID string, now int64) (bool, error) {
    inserted := false
    err := s.db.Update(func(tx *bolt.Tx) error {
        b := tx.Bucket(bucketSeen)
        if b.Get([]byte(msgID)) != nil { return nil }
        if err := b.Put([]byte(msgID), []byte(strconv.FormatInt(now, 10))); err != nil { return err }
        inserted = true
        return nil
    })
    return inserted, err
}

// GetCursor returns a room's sync cursor, "0" when none is stored yet.
func (s *Store) GetCursor(roomID string) (string, error) {
    v := "0"
    err := s.db.View(func(tx *bolt.Tx) error {
        raw := tx.Bucket(bucketCursors).Get([]byte(roomID))
        if raw == nil { return nil }
        var c Cursor
        if err := json.Unmarshal(raw, &c); err != nil { return err }
        if c.ClockValue != "" { v = c.ClockValue }
        return nil
    })
    return v, err
}

// UpdateCursorMonotonic advances a room's cursor to value, comparing
// numerically inside the transaction. A value at or below the stored
// cursor leaves it untouched, so concurrent or stale writers can never
// move replication backwards.
func (s *Store) UpdateCursorMonotonic(roomID, value string, now int64) error {
    next, err := strconv.ParseInt(value, 10, 64)
    if err != nil || next < 0 { return nil }
    return s.db.Update(func(tx *bolt.Tx) error {
        b := tx.Bucket(bucketCursors)
        if raw := b.Get([]byte(roomID)); raw != nil {
            var c Cursor
            if err := json.Unmarshal(raw, &c); err != nil { return err }
            cur, _ := strconv.ParseInt(c.ClockValue, 10, 64)
            if next <= cur { return nil }
        }
        raw, err := json.Marshal(Cursor{ClockValue: value, UpdatedAt: now})
        if err != nil { return err }
        return b.Put([]byte(roomID), raw)
    })
}
