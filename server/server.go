// Package server exposes the conversation engine over a WebSocket chat
// endpoint. Transport glue only; no memory logic lives here.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/HamzaDevv/IOT-Sadaf-BOT/engine"
	"github.com/HamzaDevv/IOT-Sadaf-BOT/memory"
)

// Config holds server configuration.
type Config struct {
	// AnthropicKey authenticates the Claude client. Required.
	AnthropicKey string

	// SystemPrompt overrides the engine default when non-empty.
	SystemPrompt string

	// Model and MaxTokens are passed through to the engine.
	Model     string
	MaxTokens int64

	// Memory is the shared conversation memory manager. Required.
	Memory *memory.ConversationManager
}

// Server serves /ws for chat and /health for liveness.
type Server struct {
	client   *anthropic.Client
	config   Config
	upgrader websocket.Upgrader
}

// clientMessage is the inbound wire format.
type clientMessage struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// serverMessage is the outbound wire format.
type serverMessage struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
	Done bool   `json:"done,omitempty"`
}

// New creates a server.
func New(cfg Config) (*Server, error) {
	if cfg.AnthropicKey == "" {
		return nil, fmt.Errorf("server: AnthropicKey is required")
	}
	if cfg.Memory == nil {
		return nil, fmt.Errorf("server: Memory is required")
	}
	client := anthropic.NewClient(option.WithAPIKey(cfg.AnthropicKey))
	return &Server{
		client: &client,
		config: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}, nil
}

// Run serves until the listener fails.
func (s *Server) Run(addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, `{"status":"ok"}`)
	})
	log.Printf("[SERVER] Listening on %s", addr)
	return http.ListenAndServe(addr, mux)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[SERVER] Upgrade failed: %v", err)
		return
	}
	connID := uuid.New().String()
	log.Printf("[SERVER] Connection %s opened", connID)

	opts := []engine.Option{}
	if s.config.SystemPrompt != "" {
		opts = append(opts, engine.WithSystemPrompt(s.config.SystemPrompt))
	}
	if s.config.Model != "" {
		opts = append(opts, engine.WithModel(s.config.Model))
	}
	if s.config.MaxTokens > 0 {
		opts = append(opts, engine.WithMaxTokens(s.config.MaxTokens))
	}
	eng := engine.New(s.client, s.config.Memory, opts...)

	defer func() {
		eng.Close(context.Background())
		conn.Close()
		log.Printf("[SERVER] Connection %s closed", connID)
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.send(conn, serverMessage{Type: "error", Text: "invalid message"})
			continue
		}
		if msg.Type != "message" || msg.Text == "" {
			s.send(conn, serverMessage{Type: "error", Text: "expected {\"type\":\"message\",\"text\":...}"})
			continue
		}

		text, err := eng.Respond(r.Context(), msg.Text)
		if err != nil {
			log.Printf("[SERVER] Respond failed on %s: %v", connID, err)
			s.send(conn, serverMessage{Type: "error", Text: "model call failed"})
			continue
		}
		s.send(conn, serverMessage{Type: "response", Text: text, Done: true})
	}
}

func (s *Server) send(conn *websocket.Conn, msg serverMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		log.Printf("[SERVER] Write failed: %v", err)
	}
}
