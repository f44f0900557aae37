package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/clawlane/internal/config"
	"github.com/nextlevelbuilder/clawlane/internal/gateway"
	"github.com/nextlevelbuilder/clawlane/pkg/protocol"
)

type chatOptions struct {
	url        string
	token      string
	deviceID   string
	secret     string
	agentID    string
	sessionKey string
	peer       string
	message    string
}

func chatCmd() *cobra.Command {
	var opts chatOptions
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with an agent through a running gateway",
		Long: `Chat with an agent over the gateway WebSocket.

Examples:
  clawlane chat                          # Interactive REPL
  clawlane chat --agent coder            # Talk to the "coder" agent
  clawlane chat -m "What time is it?"    # One-shot message
  clawlane chat --device laptop --secret s3cret   # Authenticate with a pairing proof`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd.Context(), opts)
		},
	}
	cmd.Flags().StringVar(&opts.url, "url", "", "gateway WebSocket URL (default: from config)")
	cmd.Flags().StringVar(&opts.token, "token", "", "static token or signed JWT (default: gateway.token)")
	cmd.Flags().StringVar(&opts.deviceID, "device", "", "paired device id")
	cmd.Flags().StringVar(&opts.secret, "secret", "", "paired device secret")
	cmd.Flags().StringVarP(&opts.agentID, "agent", "a", "", "agent id (default: routing decides)")
	cmd.Flags().StringVarP(&opts.sessionKey, "session", "s", "", "explicit session key")
	cmd.Flags().StringVarP(&opts.message, "message", "m", "", "one-shot message (omit for interactive mode)")
	return cmd
}

// frame is the union of the three wire frame shapes.
type frame struct {
	Type    string               `json:"type"`
	ID      string               `json:"id"`
	OK      bool                 `json:"ok"`
	Event   string               `json:"event"`
	Payload json.RawMessage      `json:"payload"`
	Error   *protocol.ErrorShape `json:"error"`
}

type chatClient struct {
	conn    *websocket.Conn
	pending []frame // events that arrived while waiting for a response
}

func runChat(ctx context.Context, opts chatOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if opts.url == "" {
		host := cfg.Gateway.Host
		if host == "" || host == "0.0.0.0" {
			host = "127.0.0.1"
		}
		opts.url = fmt.Sprintf("ws://%s:%d/ws", host, cfg.Gateway.Port)
	}
	if opts.token == "" {
		opts.token = cfg.Gateway.Token
	}

	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	conn, _, err := websocket.Dial(dialCtx, opts.url, nil)
	cancel()
	if err != nil {
		return fmt.Errorf("connect %s: %w", opts.url, err)
	}
	conn.SetReadLimit(1 << 20)
	c := &chatClient{conn: conn}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	principal, err := c.handshake(ctx, opts)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "Connected to %s as %s\n", opts.url, principal)

	if opts.message != "" {
		return c.send(ctx, opts, opts.message)
	}

	fmt.Fprintf(os.Stderr, "Type \"exit\" to quit, \"/new\" for a new session\n\n")
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Fprint(os.Stderr, "You: ")
		if !scanner.Scan() {
			return nil
		}
		input := strings.TrimSpace(scanner.Text())
		switch input {
		case "":
			continue
		case "exit", "quit":
			return nil
		case "/new":
			opts.sessionKey = ""
			opts.peer = "cli-" + uuid.NewString()[:8]
			fmt.Fprintf(os.Stderr, "New session as peer %s\n\n", opts.peer)
			continue
		}
		if err := c.send(ctx, opts, input); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n\n", err)
		}
	}
}

// handshake consumes the challenge and answers with connect.
func (c *chatClient) handshake(ctx context.Context, opts chatOptions) (string, error) {
	ch, err := c.read(ctx)
	if err != nil {
		return "", fmt.Errorf("read challenge: %w", err)
	}
	if ch.Event != protocol.EventConnectChallenge {
		return "", fmt.Errorf("unexpected first frame %q", ch.Event)
	}
	var challenge protocol.ConnectChallengePayload
	if err := json.Unmarshal(ch.Payload, &challenge); err != nil {
		return "", fmt.Errorf("decode challenge: %w", err)
	}

	params := protocol.ConnectParams{Token: opts.token, Client: "clawlane-cli/" + Version}
	if opts.deviceID != "" {
		params.Token = ""
		params.PairingProof = &protocol.PairingProof{
			DeviceID:  opts.deviceID,
			Signature: gateway.PairingSignature(opts.secret, challenge.Nonce),
		}
	}
	resp, err := c.call(ctx, protocol.MethodConnect, params)
	if err != nil {
		return "", err
	}
	var res protocol.ConnectResult
	if err := json.Unmarshal(resp.Payload, &res); err != nil {
		return "", fmt.Errorf("decode connect result: %w", err)
	}
	return res.Principal, nil
}

// call sends a request and returns its response. Events that arrive first
// are kept for the next read, since a turn's first deltas can beat the
// chat.send response.
func (c *chatClient) call(ctx context.Context, method string, params interface{}) (frame, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return frame{}, err
	}
	id := uuid.NewString()[:8]
	req := protocol.RequestFrame{Type: protocol.FrameTypeRequest, ID: id, Method: method, Params: raw}
	if err := wsjson.Write(ctx, c.conn, req); err != nil {
		return frame{}, fmt.Errorf("send %s: %w", method, err)
	}
	for {
		f, err := c.readWire(ctx)
		if err != nil {
			return frame{}, err
		}
		if f.Type == protocol.FrameTypeEvent {
			c.pending = append(c.pending, f)
			continue
		}
		if f.ID != id {
			continue
		}
		if !f.OK {
			if f.Error != nil {
				return f, fmt.Errorf("%s: %s (%s)", method, f.Error.Message, f.Error.Code)
			}
			return f, fmt.Errorf("%s rejected", method)
		}
		return f, nil
	}
}

// send submits one message and streams deltas until the turn ends.
func (c *chatClient) send(ctx context.Context, opts chatOptions, message string) error {
	resp, err := c.call(ctx, protocol.MethodChatSend, protocol.ChatSendParams{
		SessionKey: opts.sessionKey,
		AgentID:    opts.agentID,
		Peer:       opts.peer,
		Message:    message,
	})
	if err != nil {
		return err
	}
	var sent protocol.ChatSendResult
	if err := json.Unmarshal(resp.Payload, &sent); err != nil {
		return fmt.Errorf("decode chat.send result: %w", err)
	}

	fmt.Println()
	streamed := false
	for {
		f, err := c.read(ctx)
		if err != nil {
			return err
		}
		if f.Type != protocol.FrameTypeEvent {
			continue
		}
		switch f.Event {
		case protocol.EventShutdown:
			return fmt.Errorf("gateway is shutting down")
		case protocol.EventChatResync:
			fmt.Fprintln(os.Stderr, "\n[stream interrupted; run with --session to reload]")
			continue
		case protocol.EventChat:
		default:
			continue
		}

		var ev protocol.ChatEventPayload
		if err := json.Unmarshal(f.Payload, &ev); err != nil || ev.TurnID != sent.TurnID {
			continue
		}
		switch ev.Phase {
		case protocol.ChatPhaseDelta:
			fmt.Print(ev.Delta)
			streamed = true
		case protocol.ChatPhaseFinal:
			if !streamed {
				printBlocks(ev.Blocks)
			}
			for _, b := range ev.Blocks {
				if b.Type == "media" {
					fmt.Printf("\n[media] %s\n", b.URL)
				}
			}
			fmt.Print("\n\n")
			return nil
		case protocol.ChatPhaseAborted:
			fmt.Fprintln(os.Stderr, "\n[aborted]")
			return nil
		case protocol.ChatPhaseError:
			msg := "turn failed"
			if ev.Error != nil {
				msg = ev.Error.Message
			}
			return fmt.Errorf("%s", msg)
		}
	}
}

func printBlocks(blocks []protocol.ChatBlock) {
	for _, b := range blocks {
		if b.Type == "text" {
			fmt.Print(b.Text)
		}
	}
}

func (c *chatClient) read(ctx context.Context) (frame, error) {
	if len(c.pending) > 0 {
		f := c.pending[0]
		c.pending = c.pending[1:]
		return f, nil
	}
	return c.readWire(ctx)
}

func (c *chatClient) readWire(ctx context.Context) (frame, error) {
	var f frame
	if err := wsjson.Read(ctx, c.conn, &f); err != nil {
		return frame{}, fmt.Errorf("read: %w", err)
	}
	return f, nil
}

func tokenCmd() *cobra.Command {
	var (
		subject string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Sign a gateway JWT with gateway.jwt_secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if cfg.Gateway.JWTSecret == "" {
				return fmt.Errorf("gateway.jwt_secret (or CLAWLANE_JWT_SECRET) is not set")
			}
			tok, err := gateway.NewJWTVerifier([]byte(cfg.Gateway.JWTSecret)).Generate(subject, ttl)
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "sub", "operator", "principal the token names")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}
