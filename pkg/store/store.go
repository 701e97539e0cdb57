// Package store is the durable state of a chat node: identity, peers,
// rooms, members, membership events, conversations, messages, the seen
// set and per-room sync cursors. Everything lives in one bolt file;
// multi-key operations run inside a single transaction so the
// insert-or-ignore and monotonic-cursor guarantees hold under concurrency.
package store

import (
    "errors"
    "fmt"
    "time"

    "github.com/boltdb/bolt"
)

var (
    bucketIdentity   = []byte("identity")
    bucketPeers      = []byte("peers")
    bucketRooms      = []byte("rooms")
    bucketMembers    = []byte("roomMembers")
    bucketEvents     = []byte("roomEvents")
    bucketConvs      = []byte("conversations")
    bucketConvByKey  = []byte("convByKey")
    bucketMessages   = []byte("messages")
    bucketMsgByRoom  = []byte("msgByRoomClock")
    bucketMsgByConv  = []byte("msgByConv")
    bucketSeen       = []byte("seen")
    bucketCursors    = []byte("cursors")
)

var allBuckets = [][]byte{
    bucketIdentity, bucketPeers, bucketRooms, bucketMembers, bucketEvents,
    bucketConvs, bucketConvByKey, bucketMessages, bucketMsgByRoom,
    bucketMsgByConv, bucketSeen, bucketCursors,
}

// ErrDuplicate reports an insert whose key already exists.
var ErrDuplicate = errors.New("store: duplicate key")

// ErrNotFound reports a lookup miss on an operation that requires the row.
var ErrNotFound = errors.New("store: not found")

// Store wraps the bolt database. Safe for concurrent use.
type Store struct {
    db *bolt.DB
}

// Open opens (creating if needed) the database at path and ensures all
// buckets exist.
func Open(path string) (*Store, error) {
    db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
    if err != nil { return nil, fmt.Errorf("store: open %s: %w", path, err) }
    err = db.Update(func(tx *bolt.Tx) error {
        for _, name := range allBuckets {
            if _, err := tx.CreateBucketIfNotExists(name); err != nil { return err }
        }
        return nil
    })
    if err != nil {
        _ = db.Close()
        return nil, fmt.Errorf("store: init schema: %w", err)
    }
    return &Store{db: db}, nil
}

// Close releases the underlying database file.
func (s *Store) Close() error { return s.db.Close() }

// compositeKey joins parts with a NUL separator, which cannot appear in
// uuid-based ids.
func compositeKey(parts ...string) []byte {
    n := 0
    for _, p := range parts { n += len(p) + 1 }
    out := make([]byte, 0, n)
    for i, p := range parts {
        if i > 0 { out = append(out, 0) }
        out = append(out, p...)
    }
    return out
}

// clockKey renders a clock value as a fixed-width decimal so lexicographic
// bucket order matches numeric order.
func clockKey(v int64) string {
    if v < 0 { v = 0 }
    return fmt.Sprintf("%020d", v)
}
