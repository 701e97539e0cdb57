package web

import (
    "github.com/amirimatin/go-lanchat/pkg/store"
)

// SendRequest asks the node to deliver a direct message. To is either a
// known node id or host:port for first contact.
type SendRequest struct {
    To      string `json:"to"`
    Content string `json:"content"`
}

// SendResponse reports the stored message id, or an error.
type SendResponse struct {
    MsgID string `json:"msgId,omitempty"`
    Error string `json:"error,omitempty"`
}

// CreateRoomRequest creates a room on the local node.
type CreateRoomRequest struct {
    Name   string `json:"name"`
    Policy string `json:"policy,omitempty"`
    Key    string `json:"key,omitempty"`
}

// CreateRoomResponse carries the new room id.
type CreateRoomResponse struct {
    RoomID string `json:"roomId,omitempty"`
    Error  string `json:"error,omitempty"`
}

// JoinRoomRequest joins a room through one known member.
type JoinRoomRequest struct {
    RoomID string `json:"roomId"`
    Host   string `json:"host"`
    Port   int    `json:"port"`
    Token  string `json:"token,omitempty"`
}

// JoinRoomResponse reports join success or failure.
type JoinRoomResponse struct {
    Error string `json:"error,omitempty"`
}

// RoomMessageRequest posts a message into a room.
type RoomMessageRequest struct {
    Content string `json:"content"`
}

// SyncRoomResponse reports the outcome of a manual sync pull.
type SyncRoomResponse struct {
    Inserted int    `json:"inserted"`
    Error    string `json:"error,omitempty"`
}

// RoomSummary is a room plus its current member count.
type RoomSummary struct {
    store.Room
    Members int `json:"members"`
}
