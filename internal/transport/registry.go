// Package transport carries the chat protocol over WebSocket: inbound frames
// become engine events, outbound messages and streamed edits become frames.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/coder/websocket"

	"github.com/sleuthworks/sleuth/internal/engine"
)

// ErrOffline is returned when a player has no active connection.
var ErrOffline = errors.New("transport: player offline")

// Frame is one outbound protocol message.
type Frame struct {
	Type    string          `json:"type"`
	ID      int64           `json:"id,omitempty"`
	Text    string          `json:"text,omitempty"`
	Prompt  string          `json:"prompt,omitempty"`
	Kind    string          `json:"kind,omitempty"`
	Choices []engine.Choice `json:"choices,omitempty"`
}

// Registry tracks the active connection per player and implements the
// engine's outbound Sender. One connection per player; a newer connection
// replaces the old one.
type Registry struct {
	mu     sync.RWMutex
	active map[string]*websocket.Conn
	nextID atomic.Int64
}

// NewRegistry creates an empty connection registry.
func NewRegistry() *Registry {
	return &Registry{active: make(map[string]*websocket.Conn)}
}

// Register adds a connection for a player, closing any previous one.
func (r *Registry) Register(playerID string, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.active[playerID]; ok && existing != conn {
		_ = existing.Close(websocket.StatusNormalClosure, "session replaced")
	}
	r.active[playerID] = conn
	slog.Info("player connected", "player_id", playerID)
}

// Unregister removes a connection if it is still the player's current one.
func (r *Registry) Unregister(playerID string, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if current, ok := r.active[playerID]; ok && current == conn {
		delete(r.active, playerID)
		slog.Info("player disconnected", "player_id", playerID)
	}
}

func (r *Registry) conn(playerID string) *websocket.Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active[playerID]
}

func (r *Registry) write(ctx context.Context, playerID string, f Frame) error {
	conn := r.conn(playerID)
	if conn == nil {
		return ErrOffline
	}
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// Send delivers a new message frame and returns its ID for later edits.
func (r *Registry) Send(ctx context.Context, playerID, text string) (int64, error) {
	id := r.nextID.Add(1)
	if err := r.write(ctx, playerID, Frame{Type: "message", ID: id, Text: text}); err != nil {
		return 0, err
	}
	return id, nil
}

// Edit replaces the text of a previously sent message in place.
func (r *Registry) Edit(ctx context.Context, playerID string, messageID int64, text string) error {
	return r.write(ctx, playerID, Frame{Type: "edit", ID: messageID, Text: text})
}

// SendChoices delivers a selection prompt with buttons.
func (r *Registry) SendChoices(ctx context.Context, playerID, prompt string, kind engine.EventType, choices []engine.Choice) error {
	return r.write(ctx, playerID, Frame{Type: "choices", Prompt: prompt, Kind: string(kind), Choices: choices})
}

var _ engine.Sender = (*Registry)(nil)
