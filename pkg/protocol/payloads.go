package protocol

// Chat types carried inside a CHAT payload.
const (
    ChatPrivate = "PRIVATE"
    ChatRoom    = "ROOM"
)

// Membership event operations.
const (
    OpJoin  = "JOIN"
    OpLeave = "LEAVE"
)

// Delivery statuses used by ACK payloads and the local message store.
const (
    StatusSent      = "SENT"
    StatusDelivered = "DELIVERED"
    StatusFailed    = "FAILED"
    StatusReceived  = "RECEIVED"
)

// HelloPayload opens every connection, in both directions.
type HelloPayload struct {
    P2PPort           int   `json:"p2pPort"`
    SupportedVersions []int `json:"supportedVersions"`
}

// PresencePayload is broadcast over UDP so peers can learn our listen ports.
type PresencePayload struct {
    P2PPort int `json:"p2pPort"`
    WebPort int `json:"webPort,omitempty"`
}

// ChatPayload carries both private and room messages; RoomID and ToNodeID
// are mutually exclusive depending on ChatType.
type ChatPayload struct {
    ChatType    string `json:"chatType"`
    RoomID      string `json:"roomId,omitempty"`
    ToNodeID    string `json:"toNodeId,omitempty"`
    Content     string `json:"content"`
    ContentType string `json:"contentType,omitempty"`
}

// AckPayload confirms delivery of a previously received chat message.
type AckPayload struct {
    AckMsgID string `json:"ackMsgId"`
    Status   string `json:"status"`
}

// ErrorPayload reports a protocol-level failure. RequestID and RoomID are
// set when the error rejects a specific request (e.g. a sync pull).
type ErrorPayload struct {
    Code      string `json:"code"`
    Message   string `json:"message,omitempty"`
    RequestID string `json:"requestId,omitempty"`
    RoomID    string `json:"roomId,omitempty"`
}

// JoinerInfo describes the node asking to enter a room.
type JoinerInfo struct {
    NodeID  string `json:"nodeId"`
    Name    string `json:"name,omitempty"`
    P2PPort int    `json:"p2pPort,omitempty"`
}

// InviteInfo carries the opaque invite token. It is passed through
// untouched; this layer performs no verification.
type InviteInfo struct {
    Token string `json:"token,omitempty"`
}

// JoinRequestPayload asks a current member to admit the joiner.
type JoinRequestPayload struct {
    RoomID string     `json:"roomId"`
    Invite InviteInfo `json:"invite"`
    Joiner JoinerInfo `json:"joiner"`
}

// RoomInfo is the room descriptor shipped inside JOIN_ACCEPT.
type RoomInfo struct {
    Name   string `json:"name,omitempty"`
    Policy string `json:"policy,omitempty"`
}

// MemberInfo is one entry of the member snapshot shipped inside JOIN_ACCEPT.
type MemberInfo struct {
    NodeID   string `json:"nodeId"`
    Name     string `json:"name,omitempty"`
    Addr     string `json:"addr,omitempty"`
    P2PPort  int    `json:"p2pPort,omitempty"`
    LastSeen int64  `json:"lastSeen,omitempty"`
}

// JoinAcceptPayload admits a joiner and hands it the current member view.
type JoinAcceptPayload struct {
    RoomID         string       `json:"roomId"`
    Room           RoomInfo     `json:"room"`
    MemberSnapshot []MemberInfo `json:"memberSnapshot"`
}

// MemberEventPayload gossips a membership change through the room.
type MemberEventPayload struct {
    RoomID  string  `json:"roomId"`
    EventID string  `json:"eventId"`
    Op      string  `json:"op"`
    Member  NodeRef `json:"member"`
}

// ClockValue wraps a decimal logical-clock string used as a sync cursor.
type ClockValue struct {
    ClockValue string `json:"clockValue"`
}

// SyncRequestPayload pulls room messages newer than Since from a member.
type SyncRequestPayload struct {
    RoomID      string     `json:"roomId"`
    Since       ClockValue `json:"since"`
    Limit       int        `json:"limit,omitempty"`
    WantMembers bool       `json:"wantMembers,omitempty"`
}

// SyncMessage is one replicated room message inside a SYNC_RESPONSE page.
type SyncMessage struct {
    MsgID   string      `json:"msgId"`
    From    NodeRef     `json:"from"`
    TS      int64       `json:"ts"`
    Clock   int64       `json:"clock"`
    Payload ChatPayload `json:"payload"`
}

// SyncResponsePayload is one page of replicated messages. RequestID echoes
// the SYNC_REQUEST msgId so the puller can correlate it.
type SyncResponsePayload struct {
    RoomID    string        `json:"roomId"`
    RequestID string        `json:"requestId"`
    Messages  []SyncMessage `json:"messages"`
    HasMore   bool          `json:"hasMore"`
    NextSince ClockValue    `json:"nextSince"`
}
