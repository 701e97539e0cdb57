package store

import (
    "bytes"
    "encoding/json"
    "sort"

    "github.com/boltdb/bolt"
    "github.com/google/uuid"
)

// Conversation kinds.
const (
    ConvPrivate = "PRIVATE"
    ConvRoom    = "ROOM"
)

// Message directions.
const (
    DirectionIn  = "IN"
    DirectionOut = "OUT"
)

// Conversation groups messages for display: one per peer (PRIVATE) or
// per room (ROOM).
type Conversation struct {
    ConvID     string `json:"convId"`
    Type       string `json:"type"`
    PeerNodeID string `json:"peerNodeId,omitempty"`
    RoomID     string `json:"roomId,omitempty"`
    Title      string `json:"title,omitempty"`
    CreatedAt  int64  `json:"createdAt"`
    LastMsgTS  int64  `json:"lastMsgTs"`
}

// Message is one stored chat message, local or replicated.
type Message struct {
    MsgID       string `json:"msgId"`
    ConvID      string `json:"convId"`
    ChatType    string `json:"chatType"`
    RoomID      string `json:"roomId,omitempty"`
    Direction   string `json:"direction"`
    FromNodeID  string `json:"fromNodeId"`
    FromName    string `json:"fromName,omitempty"`
    ToNodeID    string `json:"toNodeId,omitempty"`
    Content     string `json:"content"`
    ContentType string `json:"contentType,omitempty"`
    TS          int64  `json:"ts"`
    Clock       int64  `json:"clock"`
    Status      string `json:"status,omitempty"`
    UpdatedAt   int64  `json:"updatedAt,omitempty"`
}

func getOrCreateConv(tx *bolt.Tx, kind, key, title, peerID, roomID string, now int64) (string, error) {
    idx := tx.Bucket(bucketConvByKey)
    ik := compositeKey(kind, key)
    if raw := idx.Get(ik); raw != nil { return string(raw), nil }
    conv := Conversation{
        ConvID:     uuid.NewString(),
        Type:       kind,
        PeerNodeID: peerID,
        RoomID:     roomID,
        Title:      title,
        CreatedAt:  now,
    }
    raw, err := json.Marshal(conv)
    if err != nil { return "", err }
    if err := tx.Bucket(bucketConvs).Put([]byte(conv.ConvID), raw); err != nil { return "", err }
    if err := idx.Put(ik, []byte(conv.ConvID)); err != nil { return "", err }
    return conv.ConvID, nil
}

// GetOrCreatePrivateConversation returns the conversation id for a peer,
// creating it on first contact.
func (s *Store) GetOrCreatePrivateConversation(peerNodeID, title string, now int64) (string, error) {
    var id string
    err := s.db.Update(func(tx *bolt.Tx) error {
        var err error
        id, err = getOrCreateConv(tx, ConvPrivate, peerNodeID, title, peerNodeID, "", now)
        return err
    })
    return id, err
}

// GetOrCreateRoomConversation returns the conversation id for a room.
func (s *Store) GetOrCreateRoomConversation(roomID, title string, now int64) (string, error) {
    var id string
    err := s.db.Update(func(tx *bolt.Tx) error {
        var err error
        id, err = getOrCreateConv(tx, ConvRoom, roomID, title, "", roomID, now)
        return err
    })
    return id, err
}

// TouchConversation raises a conversation's last-message timestamp.
// Regressions are ignored so an out-of-order replicated batch cannot push
// a conversation down the list.
func (s *Store) TouchConversation(convID string, ts int64) error {
    return s.db.Update(func(tx *bolt.Tx) error {
        b := tx.Bucket(bucketConvs)
        raw := b.Get([]byte(convID))
        if raw == nil { return ErrNotFound }
        var conv Conversation
        if err := json.Unmarshal(raw, &conv); err != nil { return err }
        if ts <= conv.LastMsgTS { return nil }
        conv.LastMsgTS = ts
        out, err := json.Marshal(conv)
        if err != nil { return err }
        return b.Put([]byte(convID), out)
    })
}

// ListConversations returns all conversations, most recent activity first.
func (s *Store) ListConversations() ([]Conversation, error) {
    var out []Conversation
    err := s.db.View(func(tx *bolt.Tx) error {
        return tx.Bucket(bucketConvs).ForEach(func(_, raw []byte) error {
            var c Conversation
            if err := json.Unmarshal(raw, &c); err != nil { return err }
            out = append(out, c)
            return nil
        })
    })
    if err != nil { return nil, err }
    sort.Slice(out, func(i, j int) bool { return out[i].LastMsgTS > out[j].LastMsgTS })
    return out, nil
}

// InsertMessage stores a message and its indexes, failing with
// ErrDuplicate when the msgId is already present. Index rows are written
// in the same transaction, so a duplicate leaves no partial state.
func (s *Store) InsertMessage(m Message) error {
    return s.db.Update(func(tx *bolt.Tx) error {
        b := tx.Bucket(bucketMessages)
        if b.Get([]byte(m.MsgID)) != nil { return ErrDuplicate }
        raw, err := json.Marshal(m)
        if err != nil { return err }
        if err := b.Put([]byte(m.MsgID), raw); err != nil { return err }
        if m.RoomID != "" {
            rk := compositeKey(m.RoomID, clockKey(m.Clock), m.MsgID)
            if err := tx.Bucket(bucketMsgByRoom).Put(rk, []byte(m.MsgID)); err != nil { return err }
        }
        if m.ConvID != "" {
            ck := compositeKey(m.ConvID, clockKey(m.TS), m.MsgID)
            if err := tx.Bucket(bucketMsgByConv).Put(ck, []byte(m.MsgID)); err != nil { return err }
        }
        return nil
    })
}

// GetMessage returns one message by id.
func (s *Store) GetMessage(msgID string) (Message, bool, error) {
    var m Message
    found := false
    err := s.db.View(func(tx *bolt.Tx) error {
        raw := tx.Bucket(bucketMessages).Get([]byte(msgID))
        if raw == nil { return nil }
        found = true
        return json.Unmarshal(raw, &m)
    })
    return m, found, err
}

// UpdateMessageStatus sets the delivery status of a stored message.
func (s *Store) UpdateMessageStatus(msgID, status string, now int64) error {
    return s.db.Update(func(tx *bolt.Tx) error {
        b := tx.Bucket(bucketMessages)
        raw := b.Get([]byte(msgID))
        if raw == nil { return ErrNotFound }
        var m Message
        if err := json.Unmarshal(raw, &m); err != nil { return err }
        m.Status = status
        m.UpdatedAt = now
        out, err := json.Marshal(m)
        if err != nil { return err }
        return b.Put([]byte(m.MsgID), out)
    })
}

// ListRoomMessagesAfterClock returns up to limit room messages with a
// clock strictly greater than since, ordered by clock ascending. This is
// the responder-side query behind sync pagination.
func (s *Store) ListRoomMessagesAfterClock(roomID string, since int64, limit int) ([]Message, error) {
    if limit <= 0 { return nil, nil }
    var out []Message
    prefix := compositeKey(roomID, "")
    // Seek past every key at the since clock: NUL+0xFF sorts after any
    // msgId suffix.
    start := append(compositeKey(roomID, clockKey(since)), 0, 0xFF)
    err := s.db.View(func(tx *bolt.Tx) error {
        msgs := tx.Bucket(bucketMessages)
        c := tx.Bucket(bucketMsgByRoom).Cursor()
        for k, id := c.Seek(start); k != nil && bytes.HasPrefix(k, prefix); k, id = c.Next() {
            raw := msgs.Get(id)
            if raw == nil { continue }
            var m Message
            if err := json.Unmarshal(raw, &m); err != nil { return err }
            out = append(out, m)
            if len(out) >= limit { break }
        }
        return nil
    })
    return out, err
}

// ListLatestRoomMessages returns the newest limit messages of a room in
// clock order (oldest of the window first).
func (s *Store) ListLatestRoomMessages(roomID string, limit int) ([]Message, error) {
    if limit <= 0 { return nil, nil }
    var out []Message
    prefix := compositeKey(roomID, "")
    err := s.db.View(func(tx *bolt.Tx) error {
        msgs := tx.Bucket(bucketMessages)
        c := tx.Bucket(bucketMsgByRoom).Cursor()
        // Walk backwards from the end of the room's key range.
        end := append(compositeKey(roomID), 0xFF)
        k, id := c.Seek(end)
        if k == nil { k, id = c.Last() } else { k, id = c.Prev() }
        for ; k != nil && bytes.HasPrefix(k, prefix); k, id = c.Prev() {
            raw := msgs.Get(id)
            if raw == nil { continue }
            var m Message
            if err := json.Unmarshal(raw, &m); err != nil { return err }
            out = append(out, m)
            if len(out) >= limit { break }
        }
        return nil
    })
    if err != nil { return nil, err }
    for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 { out[i], out[j] = out[j], out[i] }
    return out, nil
}

// ListConversationMessages returns the newest limit messages of a
// conversation in timestamp order (oldest of the window first).
func (s *Store) ListConversationMessages(convID string, limit int) ([]Message, error) {
    if limit <= 0 { return nil, nil }
    var out []Message
    prefix := compositeKey(convID, "")
    err := s.db.View(func(tx *bolt.Tx) error {
        msgs := tx.Bucket(bucketMessages)
        c := tx.Bucket(bucketMsgByConv).Cursor()
        end := append(compositeKey(convID), 0xFF)
        k, id := c.Seek(end)
        if k == nil { k, id = c.Last() } else { k, id = c.Prev() }
        for ; k != nil && bytes.HasPrefix(k, prefix); k, id = c.Prev() {
            raw := msgs.Get(id)
            if raw == nil { continue }
            var m Message
            if err := json.Unmarshal(raw, &m); err != nil { return err }
            out = append(out, m)
            if len(out) >= limit { break }
        }
        return nil
    })
    if err != nil { return nil, err }
    for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 { out[i], out[j] = out[j], out[i] }
    return out, nil
}
