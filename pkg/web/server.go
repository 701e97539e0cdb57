// Package web exposes the local admin API over HTTP/JSON: node status,
// peer and room listings, and verbs for sending messages and managing
// rooms. It is meant for the CLI and local tooling, not for peers.
package web

import (
    "context"
    "crypto/sha256"
    "crypto/tls"
    "encoding/hex"
    "encoding/json"
    "fmt"
    "log"
    "net"
    "net/http"
    "strconv"
    "strings"
    "time"

    "github.com/prometheus/client_golang/prometheus/promhttp"

    "github.com/amirimatin/go-lanchat/pkg/node"
    "github.com/amirimatin/go-lanchat/pkg/observability/tracing"
)

// Server is a minimal HTTP server exposing the admin endpoints. By
// default it only answers requests from loopback addresses.
type Server struct {
    bind   string
    node   *node.Node
    srv    *http.Server
    ln     net.Listener
    logger *log.Logger
    tlsCfg *tls.Config
    open   bool
}

// NewServer binds to the given TCP address (e.g., ":18080").
func NewServer(bind string, n *node.Node, logger *log.Logger) *Server {
    if logger == nil { logger = log.Default() }
    return &Server{bind: bind, node: n, logger: logger}
}

// UseTLS enables TLS for the HTTP server using the provided config.
func (s *Server) UseTLS(cfg *tls.Config) *Server { s.tlsCfg = cfg; return s }

// AllowRemote disables the loopback-only guard.
func (s *Server) AllowRemote() *Server { s.open = true; return s }

// Start launches the HTTP server. The server is shut down when the
// context is canceled.
func (s *Server) Start(ctx context.Context) error {
    mux := http.NewServeMux()
    mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
        if r.Method != http.MethodGet { http.Error(w, "method not allowed", http.StatusMethodNotAllowed); return }
        _, end := tracing.StartSpan(r.Context(), "web.status")
        defer end()
        writeJSON(w, http.StatusOK, s.node.Status())
    })
    mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
        if r.Method != http.MethodGet { http.Error(w, "method not allowed", http.StatusMethodNotAllowed); return }
        w.WriteHeader(http.StatusOK)
        _, _ = w.Write([]byte("ok"))
    })
    // Prometheus metrics
    mux.Handle("/metrics", promhttp.Handler())
    mux.HandleFunc("/peers", func(w http.ResponseWriter, r *http.Request) {
        if r.Method != http.MethodGet { http.Error(w, "method not allowed", http.StatusMethodNotAllowed); return }
        peers, err := s.node.Store().ListPeers()
        if err != nil { http.Error(w, fmt.Sprintf("list peers: %v", err), http.StatusInternalServerError); return }
        writeJSON(w, http.StatusOK, peers)
    })
    mux.HandleFunc("/conversations", func(w http.ResponseWriter, r *http.Request) {
        if r.Method != http.MethodGet { http.Error(w, "method not allowed", http.StatusMethodNotAllowed); return }
        convs, err := s.node.Store().ListConversations()
        if err != nil { http.Error(w, fmt.Sprintf("list conversations: %v", err), http.StatusInternalServerError); return }
        writeJSON(w, http.StatusOK, convs)
    })
    mux.HandleFunc("/send", func(w http.ResponseWriter, r *http.Request) {
        if r.Method != http.MethodPost { http.Error(w, "method not allowed", http.StatusMethodNotAllowed); return }
        var req SendRequest
        if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
            http.Error(w, fmt.Sprintf("bad request: %v", err), http.StatusBadRequest)
            return
        }
        if req.To == "" || req.Content == "" {
            writeJSON(w, http.StatusBadRequest, SendResponse{Error: "to and content are required"})
            return
        }
        _, end := tracing.StartSpan(r.Context(), "web.send")
        defer end()
        msgID, err := s.node.Chat().SendPrivate(req.To, req.Content)
        if err != nil {
            writeJSON(w, http.StatusInternalServerError, SendResponse{MsgID: msgID, Error: err.Error()})
            return
        }
        writeJSON(w, http.StatusOK, SendResponse{MsgID: msgID})
    })
    mux.HandleFunc("/rooms", func(w http.ResponseWriter, r *http.Request) {
        if r.Method != http.MethodGet { http.Error(w, "method not allowed", http.StatusMethodNotAllowed); return }
        s.handleListRooms(w)
    })
    mux.HandleFunc("/rooms/create", func(w http.ResponseWriter, r *http.Request) {
        if r.Method != http.MethodPost { http.Error(w, "method not allowed", http.StatusMethodNotAllowed); return }
        var req CreateRoomRequest
        if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
            http.Error(w, fmt.Sprintf("bad request: %v", err), http.StatusBadRequest)
            return
        }
        _, end := tracing.StartSpan(r.Context(), "web.rooms.create")
        defer end()
        roomID, err := s.node.Membership().CreateRoom(req.Name, req.Policy, hashKey(req.Key))
        if err != nil {
            writeJSON(w, http.StatusInternalServerError, CreateRoomResponse{Error: err.Error()})
            return
        }
        writeJSON(w, http.StatusOK, CreateRoomResponse{RoomID: roomID})
    })
    mux.HandleFunc("/rooms/join", func(w http.ResponseWriter, r *http.Request) {
        if r.Method != http.MethodPost { http.Error(w, "method not allowed", http.StatusMethodNotAllowed); return }
        var req JoinRoomRequest
        if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
            http.Error(w, fmt.Sprintf("bad request: %v", err), http.StatusBadRequest)
            return
        }
        _, end := tracing.StartSpan(r.Context(), "web.rooms.join")
        defer end()
        if err := s.node.Membership().JoinRoom(req.RoomID, req.Host, req.Port, req.Token); err != nil {
            writeJSON(w, http.StatusInternalServerError, JoinRoomResponse{Error: err.Error()})
            return
        }
        writeJSON(w, http.StatusOK, JoinRoomResponse{})
    })
    // Per-room verbs: /rooms/{id}/messages, /rooms/{id}/sync,
    // /rooms/{id}/message.
    mux.HandleFunc("/rooms/", s.handleRoomSubtree)

    handler := http.Handler(mux)
    if !s.open { handler = s.localOnly(handler) }
    s.srv = &http.Server{Addr: s.bind, Handler: handler}

    ln, err := net.Listen("tcp", s.bind)
    if err != nil { return err }
    if s.tlsCfg != nil {
        ln = tls.NewListener(ln, s.tlsCfg)
    }
    s.ln = ln

    go func() {
        <-ctx.Done()
        _ = s.Stop(context.Background())
    }()
    go func() {
        if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
            s.logger.Printf("web: server error: %v", err)
        }
    }()
    return nil
}

func (s *Server) handleListRooms(w http.ResponseWriter) {
    roomList, err := s.node.Store().ListRooms()
    if err != nil { http.Error(w, fmt.Sprintf("list rooms: %v", err), http.StatusInternalServerError); return }
    out := make([]RoomSummary, 0, len(roomList))
    for _, room := range roomList {
        n := 0
        if members, err := s.node.Store().ListMembers(room.RoomID); err == nil { n = len(members) }
        out = append(out, RoomSummary{Room: room, Members: n})
    }
    writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleRoomSubtree(w http.ResponseWriter, r *http.Request) {
    rest := strings.TrimPrefix(r.URL.Path, "/rooms/")
    parts := strings.SplitN(rest, "/", 2)
    if len(parts) != 2 || parts[0] == "" {
        http.NotFound(w, r)
        return
    }
    roomID, verb := parts[0], parts[1]
    switch verb {
    case "messages":
        if r.Method != http.MethodGet { http.Error(w, "method not allowed", http.StatusMethodNotAllowed); return }
        limit := 50
        if v := r.URL.Query().Get("limit"); v != "" {
            n, err := strconv.Atoi(v)
            if err != nil || n <= 0 {
                http.Error(w, "bad limit", http.StatusBadRequest)
                return
            }
            limit = n
        }
        msgs, err := s.node.Store().ListLatestRoomMessages(roomID, limit)
        if err != nil { http.Error(w, fmt.Sprintf("list messages: %v", err), http.StatusInternalServerError); return }
        writeJSON(w, http.StatusOK, msgs)
    case "sync":
        if r.Method != http.MethodPost { http.Error(w, "method not allowed", http.StatusMethodNotAllowed); return }
        ctx, end := tracing.StartSpan(r.Context(), "web.rooms.sync")
        defer end()
        inserted, err := s.node.Sync().SyncRoom(ctx, roomID)
        if err != nil {
            writeJSON(w, http.StatusInternalServerError, SyncRoomResponse{Inserted: inserted, Error: err.Error()})
            return
        }
        writeJSON(w, http.StatusOK, SyncRoomResponse{Inserted: inserted})
    case "message":
        if r.Method != http.MethodPost { http.Error(w, "method not allowed", http.StatusMethodNotAllowed); return }
        var req RoomMessageRequest
        if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
            http.Error(w, fmt.Sprintf("bad request: %v", err), http.StatusBadRequest)
            return
        }
        if req.Content == "" {
            writeJSON(w, http.StatusBadRequest, SendResponse{Error: "content is required"})
            return
        }
        _, end := tracing.StartSpan(r.Context(), "web.rooms.message")
        defer end()
        msgID, err := s.node.Chat().SendRoomMessage(roomID, req.Content)
        if err != nil {
            writeJSON(w, http.StatusInternalServerError, SendResponse{MsgID: msgID, Error: err.Error()})
            return
        }
        writeJSON(w, http.StatusOK, SendResponse{MsgID: msgID})
    default:
        http.NotFound(w, r)
    }
}

// localOnly refuses requests whose source address is not loopback. The
// admin API mutates local state, so exposure beyond the host is opt-in.
func (s *Server) localOnly(next http.Handler) http.Handler {
    return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
        host, _, err := net.SplitHostPort(r.RemoteAddr)
        if err != nil {
            http.Error(w, "forbidden", http.StatusForbidden)
            return
        }
        ip := net.ParseIP(host)
        if ip == nil || !ip.IsLoopback() {
            http.Error(w, "forbidden", http.StatusForbidden)
            return
        }
        next.ServeHTTP(w, r)
    })
}

func writeJSON(w http.ResponseWriter, code int, v any) {
    w.Header().Set("Content-Type", "application/json")
    w.WriteHeader(code)
    _ = json.NewEncoder(w).Encode(v)
}

func hashKey(key string) string {
    if key == "" { return "" }
    sum := sha256.Sum256([]byte(key))
    return hex.EncodeToString(sum[:])
}

// Addr returns the actual listen address once started, otherwise the
// configured bind address.
func (s *Server) Addr() string {
    if s.ln != nil { return s.ln.Addr().String() }
    return s.bind
}

// Stop attempts a graceful shutdown with a short timeout.
func (s *Server) Stop(ctx context.Context) error {
    if s.srv == nil { return nil }
    c, cancel := context.WithTimeout(ctx, 2*time.Second)
    defer cancel()
    err := s.srv.Shutdown(c)
    s.srv = nil
    return err
}
