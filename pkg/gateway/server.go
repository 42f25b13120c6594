package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harida/titian/internal/observability"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
)

// Server exposes the tool loop over websocket: clients send message frames
// with a query and receive assistant_response, error, and status frames
// back. Queries on one connection are dispatched sequentially, preserving
// each connection's conversational order; cross-connection serialization
// happens at the session level inside the bridge.
type Server struct {
	host         string
	port         int
	sharedSecret string
	processor    QueryProcessor
	logger       zerolog.Logger

	server   *http.Server
	addr     net.Addr
	upgrader websocket.Upgrader
	clients  *ClientRegistry

	isShuttingDown bool
	shutdownMu     sync.RWMutex
	inFlightReqs   sync.WaitGroup
}

// Config holds server configuration.
type Config struct {
	Host         string
	Port         int
	SharedSecret string
	Processor    QueryProcessor
	Logger       zerolog.Logger
}

// NewServer creates a new gateway server.
func NewServer(cfg Config) (*Server, error) {
	// Port 0 binds an ephemeral port; Addr reports the chosen one.
	if cfg.Port < 0 {
		return nil, fmt.Errorf("invalid port: %d", cfg.Port)
	}
	if cfg.Processor == nil {
		return nil, fmt.Errorf("query processor is required")
	}

	return &Server{
		host:         cfg.Host,
		port:         cfg.Port,
		sharedSecret: cfg.SharedSecret,
		processor:    cfg.Processor,
		logger:       cfg.Logger.With().Str("component", "gateway").Logger(),
		clients:      NewClientRegistry(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}, nil
}

// Start begins serving. It returns once the listener is bound.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.Handle("/metrics", observability.MetricsHandler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	addr := net.JoinHostPort(s.host, fmt.Sprintf("%d", s.port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("binding %s: %w", addr, err)
	}

	s.server = &http.Server{Handler: mux}
	s.addr = listener.Addr()

	s.logger.Info().Str("addr", s.addr.String()).Msg("Starting gateway server")

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Gateway server error")
		}
	}()

	return nil
}

// Stop drains in-flight queries, closes client connections, and shuts the
// HTTP server down.
func (s *Server) Stop() error {
	s.shutdownMu.Lock()
	if s.isShuttingDown {
		s.shutdownMu.Unlock()
		return nil
	}
	s.isShuttingDown = true
	s.shutdownMu.Unlock()

	s.logger.Info().Msg("Shutting down gateway server")

	done := make(chan struct{})
	go func() {
		s.inFlightReqs.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info().Msg("All in-flight queries completed")
	case <-time.After(30 * time.Second):
		s.logger.Warn().Msg("Shutdown timeout reached, forcing close")
	}

	for _, client := range s.clients.All() {
		_ = client.WriteFrame(Frame{Type: FrameStatus, Status: "disconnected"})
		_ = client.Conn.Close()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}

	s.logger.Info().Msg("Gateway server stopped")
	return nil
}

// Addr returns the bound listen address. Valid after Start.
func (s *Server) Addr() string {
	if s.addr == nil {
		return ""
	}
	return s.addr.String()
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	return s.clients.Count()
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	s.shutdownMu.RLock()
	if s.isShuttingDown {
		s.shutdownMu.RUnlock()
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}
	s.shutdownMu.RUnlock()

	if s.sharedSecret != "" {
		secret := r.Header.Get("X-Titian-Secret")
		if secret == "" {
			secret = r.URL.Query().Get("secret")
		}
		if secret != s.sharedSecret {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}

	clientID, _ := gonanoid.New()
	client := &Client{
		ID:          clientID,
		Conn:        conn,
		ConnectedAt: time.Now(),
		RemoteAddr:  r.RemoteAddr,
	}

	s.clients.Add(client)
	observability.SetGatewayClients(s.clients.Count())

	s.logger.Info().
		Str("client_id", clientID).
		Str("ip", r.RemoteAddr).
		Msg("Client connected")

	if err := client.WriteFrame(Frame{Type: FrameStatus, Status: "connected"}); err != nil {
		s.logger.Error().Err(err).Str("client_id", clientID).Msg("Failed to send status frame")
		conn.Close()
		s.clients.Remove(clientID)
		observability.SetGatewayClients(s.clients.Count())
		return
	}

	go s.handleClient(client)
}

// handleClient reads frames until the connection drops. Message frames are
// processed inline so one connection's queries never overlap.
func (s *Server) handleClient(client *Client) {
	defer func() {
		client.Conn.Close()
		s.clients.Remove(client.ID)
		observability.SetGatewayClients(s.clients.Count())
		s.logger.Info().Str("client_id", client.ID).Msg("Client disconnected")
	}()

	for {
		_, message, err := client.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Error().Err(err).Str("client_id", client.ID).Msg("WebSocket error")
			}
			return
		}

		var frame Frame
		if err := json.Unmarshal(message, &frame); err != nil {
			s.sendError(client, fmt.Sprintf("invalid frame: %v", err))
			continue
		}

		switch frame.Type {
		case FrameMessage:
			s.handleQuery(client, frame.Content)
		default:
			s.sendError(client, fmt.Sprintf("unknown frame type: %q", frame.Type))
		}
	}
}

// handleQuery runs one query through the processor. A partial answer is
// delivered alongside the error frame rather than discarded.
func (s *Server) handleQuery(client *Client, query string) {
	if query == "" {
		s.sendError(client, "empty query")
		return
	}

	s.inFlightReqs.Add(1)
	defer s.inFlightReqs.Done()

	answer, err := s.processor.Process(context.Background(), query)

	if answer != "" {
		if werr := client.WriteFrame(Frame{Type: FrameAssistantResponse, Content: answer}); werr != nil {
			s.logger.Error().Err(werr).Str("client_id", client.ID).Msg("Failed to send response")
			return
		}
	}

	if err != nil {
		s.logger.Warn().Err(err).Str("client_id", client.ID).Msg("Query processing failed")
		s.sendError(client, err.Error())
	}
}

func (s *Server) sendError(client *Client, message string) {
	if err := client.WriteFrame(Frame{Type: FrameError, Message: message}); err != nil {
		s.logger.Error().Err(err).Str("client_id", client.ID).Msg("Failed to send error frame")
	}
}
