package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/sleuthworks/sleuth/internal/identity"
	"github.com/sleuthworks/sleuth/internal/store"
)

// StoryHandler handles the story catalogue and player-state endpoints.
type StoryHandler struct {
	*Handler
}

// NewStoryHandler creates a new story handler.
func NewStoryHandler(base *Handler) *StoryHandler {
	return &StoryHandler{Handler: base}
}

// RegisterRoutes registers the game API routes.
func (h *StoryHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/me", h.GetMe)
		r.Get("/stories", h.ListStories)
		r.Get("/stories/{storyID}", h.GetStory)
		r.Get("/stories/{storyID}/agents", h.ListAgents)
	})
}

// GetMe returns the current player's session state.
func (h *StoryHandler) GetMe(w http.ResponseWriter, r *http.Request) {
	playerID := identity.PlayerIDFromContext(r.Context())
	if playerID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	player, err := h.repo.GetOrCreatePlayer(r.Context(), playerID, identity.UsernameFromContext(r.Context()))
	if err != nil {
		Error(w, http.StatusInternalServerError, "failed to load player")
		return
	}

	JSON(w, http.StatusOK, map[string]interface{}{
		"player_id": player.PlayerID,
		"username":  player.Username,
		"state":     string(player.State),
		"story_id":  player.StoryID,
		"run_id":    player.RunID,
		"agent_id":  player.AgentID,
	})
}

// ListStories returns all playable stories. Solutions never leave the server.
func (h *StoryHandler) ListStories(w http.ResponseWriter, r *http.Request) {
	stories, err := h.repo.ListStories(r.Context())
	if err != nil {
		Error(w, http.StatusInternalServerError, "failed to list stories")
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{"stories": stories})
}

// GetStory returns one story by ID.
func (h *StoryHandler) GetStory(w http.ResponseWriter, r *http.Request) {
	storyID, err := strconv.ParseInt(chi.URLParam(r, "storyID"), 10, 64)
	if err != nil {
		Error(w, http.StatusBadRequest, "invalid story id")
		return
	}

	story, err := h.repo.GetStory(r.Context(), storyID)
	if errors.Is(err, store.ErrNotFound) {
		Error(w, http.StatusNotFound, "story not found")
		return
	}
	if err != nil {
		Error(w, http.StatusInternalServerError, "failed to load story")
		return
	}
	JSON(w, http.StatusOK, story)
}

// ListAgents returns the characters of one story. Prompts never leave the
// server.
func (h *StoryHandler) ListAgents(w http.ResponseWriter, r *http.Request) {
	storyID, err := strconv.ParseInt(chi.URLParam(r, "storyID"), 10, 64)
	if err != nil {
		Error(w, http.StatusBadRequest, "invalid story id")
		return
	}

	agents, err := h.repo.ListAgents(r.Context(), storyID)
	if err != nil {
		Error(w, http.StatusInternalServerError, "failed to list characters")
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{"agents": agents})
}
