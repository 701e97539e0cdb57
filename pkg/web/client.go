package web

import (
    "bytes"
    "context"
    "crypto/tls"
    "encoding/json"
    "fmt"
    "io"
    "net/http"
    "net/url"
    "time"

    "github.com/amirimatin/go-lanchat/pkg/store"
)

// Client is a thin HTTP client for the admin API. It supports optional
// TLS configuration and simple retry with backoff for robustness.
type Client struct {
    httpc     *http.Client
    transport *http.Transport
    isTLS     bool
}

// NewClient constructs a new Client with the given timeout.
func NewClient(timeout time.Duration) *Client {
    if timeout <= 0 { timeout = 3 * time.Second }
    tr := &http.Transport{}
    return &Client{httpc: &http.Client{Timeout: timeout, Transport: tr}, transport: tr}
}

// UseTLS sets the TLS config for the underlying HTTP client and switches
// the request scheme to https.
func (c *Client) UseTLS(cfg *tls.Config) *Client {
    if c.transport != nil { c.transport.TLSClientConfig = cfg }
    c.isTLS = cfg != nil
    return c
}

func (c *Client) urlFor(addr, path string) string {
    scheme := "http"
    if c.isTLS { scheme = "https" }
    return fmt.Sprintf("%s://%s%s", scheme, addr, path)
}

// do runs one request with up to three attempts and exponential backoff,
// decoding a JSON body into out when out is non-nil.
func (c *Client) do(ctx context.Context, method, url string, body []byte, out any) error {
    var lastErr error
    for attempt := 0; attempt < 3; attempt++ {
        var rd io.Reader
        if body != nil { rd = bytes.NewReader(body) }
        req, err := http.NewRequestWithContext(ctx, method, url, rd)
        if err != nil { return err }
        if body != nil { req.Header.Set("Content-Type", "application/json") }
        resp, err := c.httpc.Do(req)
        if err != nil {
            lastErr = err
        } else {
            func() {
                defer resp.Body.Close()
                b, _ := io.ReadAll(resp.Body)
                if out != nil { _ = json.Unmarshal(b, out) }
                if resp.StatusCode != http.StatusOK {
                    lastErr = fmt.Errorf("%s status %d: %s", url, resp.StatusCode, bytes.TrimSpace(b))
                } else {
                    lastErr = nil
                }
            }()
            if lastErr == nil { return nil }
            // A definitive response is not worth retrying; only
            // transport-level failures are.
            return lastErr
        }
        // backoff unless context is done
        select {
        case <-ctx.Done():
            return ctx.Err()
        case <-time.After(time.Duration(100*(1<<attempt)) * time.Millisecond):
        }
    }
    return lastErr
}

func (c *Client) getJSON(ctx context.Context, addr, path string, out any) error {
    return c.do(ctx, http.MethodGet, c.urlFor(addr, path), nil, out)
}

func (c *Client) postJSON(ctx context.Context, addr, path string, in, out any) error {
    body, err := json.Marshal(in)
    if err != nil { return err }
    return c.do(ctx, http.MethodPost, c.urlFor(addr, path), body, out)
}

// GetStatus returns the raw status document.
func (c *Client) GetStatus(ctx context.Context, addr string) (json.RawMessage, error) {
    var out json.RawMessage
    if err := c.getJSON(ctx, addr, "/status", &out); err != nil { return nil, err }
    return out, nil
}

// GetPeers lists the peers known to the node.
func (c *Client) GetPeers(ctx context.Context, addr string) ([]store.Peer, error) {
    var out []store.Peer
    if err := c.getJSON(ctx, addr, "/peers", &out); err != nil { return nil, err }
    return out, nil
}

// GetRooms lists rooms with member counts.
func (c *Client) GetRooms(ctx context.Context, addr string) ([]RoomSummary, error) {
    var out []RoomSummary
    if err := c.getJSON(ctx, addr, "/rooms", &out); err != nil { return nil, err }
    return out, nil
}

// GetConversations lists conversations ordered by recency.
func (c *Client) GetConversations(ctx context.Context, addr string) ([]store.Conversation, error) {
    var out []store.Conversation
    if err := c.getJSON(ctx, addr, "/conversations", &out); err != nil { return nil, err }
    return out, nil
}

// GetRoomMessages returns the latest messages of one room.
func (c *Client) GetRoomMessages(ctx context.Context, addr, roomID string, limit int) ([]store.Message, error) {
    path := fmt.Sprintf("/rooms/%s/messages", url.PathEscape(roomID))
    if limit > 0 { path += fmt.Sprintf("?limit=%d", limit) }
    var out []store.Message
    if err := c.getJSON(ctx, addr, path, &out); err != nil { return nil, err }
    return out, nil
}

// PostSend delivers a direct message through the node.
func (c *Client) PostSend(ctx context.Context, addr string, req SendRequest) (SendResponse, error) {
    var out SendResponse
    err := c.postJSON(ctx, addr, "/send", req, &out)
    if err != nil && out.Error != "" { err = fmt.Errorf("%s", out.Error) }
    return out, err
}

// PostCreateRoom creates a room on the node.
func (c *Client) PostCreateRoom(ctx context.Context, addr string, req CreateRoomRequest) (CreateRoomResponse, error) {
    var out CreateRoomResponse
    err := c.postJSON(ctx, addr, "/rooms/create", req, &out)
    if err != nil && out.Error != "" { err = fmt.Errorf("%s", out.Error) }
    return out, err
}

// PostJoinRoom joins a room through one known member address.
func (c *Client) PostJoinRoom(ctx context.Context, addr string, req JoinRoomRequest) error {
    var out JoinRoomResponse
    err := c.postJSON(ctx, addr, "/rooms/join", req, &out)
    if err != nil && out.Error != "" { err = fmt.Errorf("%s", out.Error) }
    return err
}

// PostSyncRoom triggers a manual sync pull for one room.
func (c *Client) PostSyncRoom(ctx context.Context, addr, roomID string) (SyncRoomResponse, error) {
    var out SyncRoomResponse
    err := c.postJSON(ctx, addr, fmt.Sprintf("/rooms/%s/sync", url.PathEscape(roomID)), struct{}{}, &out)
    if err != nil && out.Error != "" { err = fmt.Errorf("%s", out.Error) }
    return out, err
}

// PostRoomMessage posts a message into a room.
func (c *Client) PostRoomMessage(ctx context.Context, addr, roomID string, req RoomMessageRequest) (SendResponse, error) {
    var out SendResponse
    err := c.postJSON(ctx, addr, fmt.Sprintf("/rooms/%s/message", url.PathEscape(roomID)), req, &out)
    if err != nil && out.Error != "" { err = fmt.Errorf("%s", out.Error) }
    return out, err
}
