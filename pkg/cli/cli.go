// Package cli defines the cobra commands of the chat node: one long-lived
// "run" command and a set of thin admin-API clients.
package cli

import (
    "context"
    "encoding/json"
    "fmt"
    "log"
    "os"
    "os/signal"
    "strconv"
    "syscall"
    "time"

    "github.com/spf13/cobra"

    "github.com/amirimatin/go-lanchat/pkg/bootstrap"
    tracing "github.com/amirimatin/go-lanchat/pkg/observability/tracing"
    tlsx "github.com/amirimatin/go-lanchat/pkg/security/tlsconfig"
    "github.com/amirimatin/go-lanchat/pkg/web"
)

// AddAll attaches all chat subcommands to the provided root command.
func AddAll(root *cobra.Command) {
    root.AddCommand(NewRunCmd())
    root.AddCommand(NewStatusCmd())
    root.AddCommand(NewPeersCmd())
    root.AddCommand(NewRoomsCmd())
    root.AddCommand(NewConversationsCmd())
    root.AddCommand(NewMessagesCmd())
    root.AddCommand(NewSendCmd())
    root.AddCommand(NewCreateRoomCmd())
    root.AddCommand(NewJoinRoomCmd())
    root.AddCommand(NewSyncCmd())
}

// clientFlags is the flag set shared by every admin-API client command.
type clientFlags struct {
    addr    string
    timeout time.Duration

    tlsEnable, tlsSkip                    bool
    tlsCA, tlsCert, tlsKey, tlsServerName string
}

func (f *clientFlags) install(cmd *cobra.Command) {
    cmd.Flags().StringVar(&f.addr, "addr", "127.0.0.1:18080", "admin API address of a node (host:port)")
    cmd.Flags().DurationVar(&f.timeout, "timeout", 3*time.Second, "request timeout")
    cmd.Flags().BoolVar(&f.tlsEnable, "tls-enable", false, "enable TLS for the admin API")
    cmd.Flags().StringVar(&f.tlsCA, "tls-ca", "", "path to CA cert (PEM)")
    cmd.Flags().StringVar(&f.tlsCert, "tls-cert", "", "path to client certificate (PEM)")
    cmd.Flags().StringVar(&f.tlsKey, "tls-key", "", "path to client private key (PEM)")
    cmd.Flags().BoolVar(&f.tlsSkip, "tls-skip-verify", false, "skip server cert verification (DEV ONLY)")
    cmd.Flags().StringVar(&f.tlsServerName, "tls-server-name", "", "expected server name (for TLS validation)")
}

func (f *clientFlags) client() (*web.Client, context.Context, context.CancelFunc, error) {
    client := web.NewClient(f.timeout)
    if f.tlsEnable {
        topts := tlsx.Options{Enable: true, CAFile: f.tlsCA, CertFile: f.tlsCert, KeyFile: f.tlsKey, InsecureSkipVerify: f.tlsSkip, ServerName: f.tlsServerName}
        cliTLS, err := topts.Client()
        if err != nil { return nil, nil, nil, fmt.Errorf("tls client config: %w", err) }
        client.UseTLS(cliTLS)
    }
    ctx, cancel := context.WithTimeout(context.Background(), f.timeout)
    return client, ctx, cancel, nil
}

func printJSON(v any) error {
    enc := json.NewEncoder(os.Stdout)
    enc.SetIndent("", "  ")
    return enc.Encode(v)
}

// NewRunCmd returns the "run" command used to start a chat node.
func NewRunCmd() *cobra.Command {
    var (
        name, dataDir, webAddr, seedsCSV              string
        p2pPort, broadcastPort                        int
        webOpen, noDiscovery, traceEnable             bool
        syncInterval                                  time.Duration
        tlsEnable, tlsSkip                            bool
        tlsCA, tlsCert, tlsKey, tlsServerName         string
    )
    cmd := &cobra.Command{
        Use:   "run",
        Short: "Run a chat node",
        RunE: func(cmd *cobra.Command, args []string) error {
            if dataDir == "" { return fmt.Errorf("missing --data") }
            ctx, cancel := signalContext()
            defer cancel()

            if traceEnable {
                shutdown, err := tracing.Setup(true)
                if err != nil {
                    log.Printf("tracing setup error: %v", err)
                } else {
                    defer func() { _ = shutdown(context.Background()) }()
                }
            }

            cfg := bootstrap.Config{
                DisplayName:   name,
                DataDir:       dataDir,
                P2PPort:       p2pPort,
                BroadcastPort: broadcastPort,
                WebAddr:       webAddr,
                WebOpen:       webOpen,
                SeedsCSV:      seedsCSV,
                NoDiscovery:   noDiscovery,
                SyncInterval:  syncInterval,
                TLSEnable:     tlsEnable,
                TLSCA:         tlsCA,
                TLSCert:       tlsCert,
                TLSKey:        tlsKey,
                TLSServerName: tlsServerName,
                TLSSkipVerify: tlsSkip,
                Logger:        log.Default(),
            }
            app, err := bootstrap.Run(ctx, cfg)
            if err != nil { return err }
            defer app.Close()

            fmt.Printf("chat node running, admin API on %s. Press Ctrl+C to exit.\n", app.Web.Addr())
            <-ctx.Done()
            return nil
        },
    }
    cmd.Flags().StringVar(&name, "name", "", "display name announced to peers (default: stored or derived)")
    cmd.Flags().StringVar(&dataDir, "data", "", "data directory for the message database (required)")
    cmd.Flags().IntVar(&p2pPort, "p2p-port", 0, "TCP port for peer connections (default 19000)")
    cmd.Flags().IntVar(&broadcastPort, "broadcast-port", 0, "UDP port for LAN presence (default 19001)")
    cmd.Flags().StringVar(&webAddr, "web-addr", "", "admin API bind address (default \":18080\")")
    cmd.Flags().BoolVar(&webOpen, "web-open", false, "allow admin API access from non-loopback addresses")
    cmd.Flags().StringVar(&seedsCSV, "seeds", "", "comma-separated seed nodes (host:port) probed at startup")
    cmd.Flags().BoolVar(&noDiscovery, "no-discovery", false, "disable UDP broadcast discovery")
    cmd.Flags().DurationVar(&syncInterval, "sync-interval", 0, "periodic sync sweep interval (default 1m, negative disables)")
    cmd.Flags().BoolVar(&tlsEnable, "tls-enable", false, "enable TLS for the admin API")
    cmd.Flags().StringVar(&tlsCA, "tls-ca", "", "path to CA cert (PEM)")
    cmd.Flags().StringVar(&tlsCert, "tls-cert", "", "path to server certificate (PEM)")
    cmd.Flags().StringVar(&tlsKey, "tls-key", "", "path to server private key (PEM)")
    cmd.Flags().BoolVar(&tlsSkip, "tls-skip-verify", false, "skip server cert verification (DEV ONLY)")
    cmd.Flags().StringVar(&tlsServerName, "tls-server-name", "", "expected server name (for TLS validation)")
    cmd.Flags().BoolVar(&traceEnable, "trace", false, "enable OpenTelemetry stdout tracing (dev)")
    return cmd
}

// NewStatusCmd returns the "status" command.
func NewStatusCmd() *cobra.Command {
    var f clientFlags
    cmd := &cobra.Command{
        Use:   "status",
        Short: "Fetch node status as JSON",
        RunE: func(cmd *cobra.Command, args []string) error {
            client, ctx, cancel, err := f.client()
            if err != nil { return err }
            defer cancel()
            data, err := client.GetStatus(ctx, f.addr)
            if err != nil { return fmt.Errorf("status error: %w", err) }
            os.Stdout.Write(data)
            if len(data) == 0 || data[len(data)-1] != '\n' { os.Stdout.Write([]byte("\n")) }
            return nil
        },
    }
    f.install(cmd)
    return cmd
}

// NewPeersCmd returns the "peers" command.
func NewPeersCmd() *cobra.Command {
    var f clientFlags
    cmd := &cobra.Command{
        Use:   "peers",
        Short: "List peers known to the node",
        RunE: func(cmd *cobra.Command, args []string) error {
            client, ctx, cancel, err := f.client()
            if err != nil { return err }
            defer cancel()
            peers, err := client.GetPeers(ctx, f.addr)
            if err != nil { return fmt.Errorf("peers error: %w", err) }
            return printJSON(peers)
        },
    }
    f.install(cmd)
    return cmd
}

// NewRoomsCmd returns the "rooms" command.
func NewRoomsCmd() *cobra.Command {
    var f clientFlags
    cmd := &cobra.Command{
        Use:   "rooms",
        Short: "List rooms with member counts",
        RunE: func(cmd *cobra.Command, args []string) error {
            client, ctx, cancel, err := f.client()
            if err != nil { return err }
            defer cancel()
            rooms, err := client.GetRooms(ctx, f.addr)
            if err != nil { return fmt.Errorf("rooms error: %w", err) }
            return printJSON(rooms)
        },
    }
    f.install(cmd)
    return cmd
}

// NewConversationsCmd returns the "conversations" command.
func NewConversationsCmd() *cobra.Command {
    var f clientFlags
    cmd := &cobra.Command{
        Use:   "conversations",
        Short: "List conversations ordered by recency",
        RunE: func(cmd *cobra.Command, args []string) error {
            client, ctx, cancel, err := f.client()
            if err != nil { return err }
            defer cancel()
            convs, err := client.GetConversations(ctx, f.addr)
            if err != nil { return fmt.Errorf("conversations error: %w", err) }
            return printJSON(convs)
        },
    }
    f.install(cmd)
    return cmd
}

// NewMessagesCmd returns the "messages" command.
func NewMessagesCmd() *cobra.Command {
    var (
        f     clientFlags
        limit int
    )
    cmd := &cobra.Command{
        Use:   "messages <room-id>",
        Short: "Show the latest messages of a room",
        Args:  cobra.ExactArgs(1),
        RunE: func(cmd *cobra.Command, args []string) error {
            client, ctx, cancel, err := f.client()
            if err != nil { return err }
            defer cancel()
            msgs, err := client.GetRoomMessages(ctx, f.addr, args[0], limit)
            if err != nil { return fmt.Errorf("messages error: %w", err) }
            return printJSON(msgs)
        },
    }
    f.install(cmd)
    cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of messages")
    return cmd
}

// NewSendCmd returns the "send" command for direct messages.
func NewSendCmd() *cobra.Command {
    var f clientFlags
    cmd := &cobra.Command{
        Use:   "send <node-id|host:port> <text>",
        Short: "Send a direct message",
        Args:  cobra.ExactArgs(2),
        RunE: func(cmd *cobra.Command, args []string) error {
            client, ctx, cancel, err := f.client()
            if err != nil { return err }
            defer cancel()
            resp, err := client.PostSend(ctx, f.addr, web.SendRequest{To: args[0], Content: args[1]})
            if err != nil { return fmt.Errorf("send error: %w", err) }
            return printJSON(resp)
        },
    }
    f.install(cmd)
    return cmd
}

// NewCreateRoomCmd returns the "create-room" command.
func NewCreateRoomCmd() *cobra.Command {
    var (
        f           clientFlags
        policy, key string
    )
    cmd := &cobra.Command{
        Use:   "create-room <name>",
        Short: "Create a room on the node",
        Args:  cobra.ExactArgs(1),
        RunE: func(cmd *cobra.Command, args []string) error {
            client, ctx, cancel, err := f.client()
            if err != nil { return err }
            defer cancel()
            resp, err := client.PostCreateRoom(ctx, f.addr, web.CreateRoomRequest{Name: args[0], Policy: policy, Key: key})
            if err != nil { return fmt.Errorf("create-room error: %w", err) }
            return printJSON(resp)
        },
    }
    f.install(cmd)
    cmd.Flags().StringVar(&policy, "policy", "open", "room join policy")
    cmd.Flags().StringVar(&key, "key", "", "optional room key")
    return cmd
}

// NewJoinRoomCmd returns the "join-room" command.
func NewJoinRoomCmd() *cobra.Command {
    var (
        f     clientFlags
        token string
    )
    cmd := &cobra.Command{
        Use:   "join-room <room-id> <member-host> <member-port>",
        Short: "Join a room through one known member",
        Args:  cobra.ExactArgs(3),
        RunE: func(cmd *cobra.Command, args []string) error {
            port, err := strconv.Atoi(args[2])
            if err != nil || port <= 0 { return fmt.Errorf("bad member port %q", args[2]) }
            // The join handshake can take up to its own 8s deadline.
            if !cmd.Flags().Changed("timeout") { f.timeout = 10 * time.Second }
            client, ctx, cancel, err := f.client()
            if err != nil { return err }
            defer cancel()
            req := web.JoinRoomRequest{RoomID: args[0], Host: args[1], Port: port, Token: token}
            if err := client.PostJoinRoom(ctx, f.addr, req); err != nil {
                return fmt.Errorf("join-room error: %w", err)
            }
            fmt.Println("joined")
            return nil
        },
    }
    f.install(cmd)
    cmd.Flags().StringVar(&token, "token", "", "opaque invite token passed to the admitting member")
    return cmd
}

// NewSyncCmd returns the "sync" command.
func NewSyncCmd() *cobra.Command {
    var f clientFlags
    cmd := &cobra.Command{
        Use:   "sync <room-id>",
        Short: "Pull missing room history from live members",
        RunE: func(cmd *cobra.Command, args []string) error {
            client, ctx, cancel, err := f.client()
            if err != nil { return err }
            defer cancel()
            resp, err := client.PostSyncRoom(ctx, f.addr, args[0])
            if err != nil { return fmt.Errorf("sync error: %w", err) }
            return printJSON(resp)
        },
    }
    cmd.Args = cobra.ExactArgs(1)
    f.install(cmd)
    return cmd
}

func signalContext() (context.Context, context.CancelFunc) {
    ctx, cancel := context.WithCancel(context.Background())
    go func() {
        ch := make(chan os.Signal, 1)
        signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
        <-ch
        cancel()
    }()
    return ctx, cancel
}
