// Package gateway serves WebSocket clients. Each connection walks
// awaiting_challenge → awaiting_connect → authenticated → closed; only
// authenticated connections reach the method router. Connections observe
// turns through the delivery hub and never own them: closing a socket
// unsubscribes it and leaves its turns running.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/clawlane/internal/bus"
	"github.com/nextlevelbuilder/clawlane/internal/config"
	"github.com/nextlevelbuilder/clawlane/internal/delivery"
	"github.com/nextlevelbuilder/clawlane/internal/metrics"
	"github.com/nextlevelbuilder/clawlane/pkg/protocol"
)

type ServerConfig struct {
	Gateway config.GatewayConfig
	Hub     *delivery.Hub
	Events  bus.EventPublisher // server-wide events (shutdown, health); optional
}

// Server is the gateway's WebSocket and HTTP front.
type Server struct {
	cfg            config.GatewayConfig
	auth           *Authenticator
	hub            *delivery.Hub
	eventPub       bus.EventPublisher
	router         *MethodRouter
	connectTimeout time.Duration

	upgrader websocket.Upgrader
	clients  map[string]*Client
	mu       sync.RWMutex

	httpServer *http.Server
	mux        *http.ServeMux
}

func NewServer(cfg ServerConfig) *Server {
	s := &Server{
		cfg:            cfg.Gateway,
		auth:           NewAuthenticator(cfg.Gateway),
		hub:            cfg.Hub,
		eventPub:       cfg.Events,
		router:         NewMethodRouter(),
		connectTimeout: time.Duration(cfg.Gateway.ConnectTimeoutSec) * time.Second,
		clients:        make(map[string]*Client),
	}
	if s.connectTimeout <= 0 {
		s.connectTimeout = defaultConnect
	}
	if s.hub == nil {
		s.hub = delivery.NewHub()
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	if s.auth.Open() {
		slog.Warn("gateway.auth_disabled", "hint", "set gateway.token, gateway.jwt_secret or gateway.paired_devices")
	}
	return s
}

// Router returns the method router for registering handlers.
func (s *Server) Router() *MethodRouter { return s.router }

// checkOrigin validates the Origin header against the allowlist. No
// allowlist or no Origin (CLI clients) means allowed.
func (s *Server) checkOrigin(r *http.Request) bool {
	allowed := s.cfg.AllowedOrigins
	if len(allowed) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, a := range allowed {
		if origin == a || a == "*" {
			return true
		}
	}
	slog.Warn("security.cors_rejected", "origin", origin)
	return false
}

// BuildMux creates and caches the HTTP mux.
func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", metrics.Handler())
	s.mux = mux
	return mux
}

// Start listens until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("gateway listen: %w", err)
	}
	slog.Info("gateway starting", "addr", ln.Addr().String())
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.httpServer = &http.Server{
		Handler:           s.BuildMux(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.closeClients()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.Serve(ln); err != http.ErrServerClosed {
		return fmt.Errorf("gateway server: %w", err)
	}
	return nil
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}

	client := newClient(conn, s)
	s.registerClient(client)
	defer func() {
		s.unregisterClient(client)
		client.Close()
	}()

	client.Run(r.Context())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(protocol.HealthResult{Status: "ok", Protocol: protocol.ProtocolVersion})
}

// ClientCount returns the number of open connections.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// BroadcastEvent sends an event to every authenticated client.
func (s *Server) BroadcastEvent(event *protocol.EventFrame) {
	s.mu.RLock()
	clients := make([]*Client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.RUnlock()

	for _, c := range clients {
		if c.State() == StateAuthenticated {
			c.SendEvent(event)
		}
	}
}

func (s *Server) registerClient(c *Client) {
	s.mu.Lock()
	s.clients[c.id] = c
	s.mu.Unlock()
	metrics.GatewayConnections.Inc()

	if s.eventPub != nil {
		s.eventPub.Subscribe(c.id, func(event bus.Event) {
			if strings.HasPrefix(event.Name, "internal.") || c.State() != StateAuthenticated {
				return
			}
			c.SendEvent(protocol.NewEvent(event.Name, event.Payload))
		})
	}
	slog.Info("gateway.client_connected", "client", c.id)
}

func (s *Server) unregisterClient(c *Client) {
	s.mu.Lock()
	delete(s.clients, c.id)
	s.mu.Unlock()
	metrics.GatewayConnections.Dec()

	if s.eventPub != nil {
		s.eventPub.Unsubscribe(c.id)
	}
	slog.Info("gateway.client_disconnected", "client", c.id, "principal", c.principal)
}

func (s *Server) closeClients() {
	s.mu.RLock()
	clients := make([]*Client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.RUnlock()
	for _, c := range clients {
		c.Close()
	}
}
