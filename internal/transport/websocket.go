package transport

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"

	"github.com/sleuthworks/sleuth/internal/engine"
	"github.com/sleuthworks/sleuth/internal/identity"
)

// inboundFrame is one player action on the wire.
type inboundFrame struct {
	Type     string `json:"type"`
	TargetID int64  `json:"target_id,omitempty"`
	Text     string `json:"text,omitempty"`
}

// WebSocketHandler upgrades connections and pumps inbound frames into the
// engine. Frames are dispatched in arrival order; the engine's per-player
// gate does the serialization, so a slow answer holds back that player's
// later frames but nobody else's.
type WebSocketHandler struct {
	engine        *engine.Engine
	registry      *Registry
	allowedOrigin string
	isDev         bool
}

// NewWebSocketHandler creates a WebSocket chat handler.
func NewWebSocketHandler(eng *engine.Engine, registry *Registry, allowedOrigin string, isDev bool) *WebSocketHandler {
	return &WebSocketHandler{
		engine:        eng,
		registry:      registry,
		allowedOrigin: allowedOrigin,
		isDev:         isDev,
	}
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	playerID := identity.PlayerIDFromContext(r.Context())
	username := identity.UsernameFromContext(r.Context())
	slog.Info("WebSocket connection request", "player_id", playerID, "ip", identity.IPFromRequest(r))

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "player_id", playerID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr, "player_id", playerID)
		}
	}()

	h.registry.Register(playerID, ws)
	defer h.registry.Unregister(playerID, ws)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	h.readLoop(ctx, ws, playerID, username)
	slog.Info("chat session ended", "player_id", playerID)
}

func (h *WebSocketHandler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" || origin == h.allowedOrigin {
		return true
	}
	slog.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}

func (h *WebSocketHandler) readLoop(ctx context.Context, ws *websocket.Conn, playerID, username string) {
	for {
		_, message, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				slog.Debug("WebSocket closed by client", "player_id", playerID)
			} else {
				slog.Warn("WebSocket read error", "error", err, "player_id", playerID)
			}
			return
		}

		var frame inboundFrame
		if err := json.Unmarshal(message, &frame); err != nil {
			slog.Debug("malformed frame dropped", "player_id", playerID, "error", err)
			continue
		}

		if frame.Type == "ping" {
			if err := h.writeJSON(ws, Frame{Type: "pong"}); err != nil {
				slog.Debug("Failed to send pong", "error", err)
			}
			continue
		}

		ev, ok := eventFromFrame(playerID, username, frame)
		if !ok {
			slog.Debug("unknown frame type dropped", "player_id", playerID, "type", frame.Type)
			continue
		}

		// Handler failures were already reported to the player inside the
		// gate; the connection stays up.
		if err := h.engine.Handle(ctx, ev); err != nil {
			slog.Debug("event handling failed", "player_id", playerID, "type", frame.Type, "error", err)
		}
	}
}

// eventFromFrame validates the frame type and builds the engine event.
func eventFromFrame(playerID, username string, frame inboundFrame) (engine.Event, bool) {
	t := engine.EventType(frame.Type)
	switch t {
	case engine.EventStart, engine.EventHelp, engine.EventListStories,
		engine.EventSelectStory, engine.EventSelectAgent,
		engine.EventText, engine.EventBack, engine.EventVerdict, engine.EventQuit:
	default:
		return engine.Event{}, false
	}
	return engine.Event{
		PlayerID: playerID,
		Username: username,
		Type:     t,
		TargetID: frame.TargetID,
		Text:     frame.Text,
	}, true
}

func (h *WebSocketHandler) writeJSON(ws *websocket.Conn, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return ws.Write(context.Background(), websocket.MessageText, data)
}
