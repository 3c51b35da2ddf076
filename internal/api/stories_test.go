package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/sleuthworks/sleuth/internal/domain"
	"github.com/sleuthworks/sleuth/internal/store"
)

func newTestRouter(t *testing.T) (chi.Router, store.Repository) {
	t.Helper()

	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "api.db"))
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })

	r := chi.NewRouter()
	NewStoryHandler(NewHandler(repo, "")).RegisterRoutes(r)
	return r, repo
}

func TestListStoriesHidesSolution(t *testing.T) {
	t.Parallel()
	router, repo := newTestRouter(t)

	story := &domain.Story{
		Title:       "The Vanished Violin",
		Description: "A Stradivarius disappears mid-concert.",
		Solution:    "The conductor swapped the case during the intermission.",
	}
	if err := repo.UpsertStory(context.Background(), story, nil); err != nil {
		t.Fatalf("UpsertStory failed: %v", err)
	}

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/stories", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := rec.Body.String()
	if !json.Valid([]byte(body)) {
		t.Fatalf("invalid JSON: %s", body)
	}
	if strings.Contains(body, "swapped the case") {
		t.Fatalf("solution leaked in catalogue: %s", body)
	}
	if !strings.Contains(body, "The Vanished Violin") {
		t.Fatalf("story missing from catalogue: %s", body)
	}
}

func TestGetStoryNotFound(t *testing.T) {
	t.Parallel()
	router, _ := newTestRouter(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/stories/999", nil))

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestGetStoryBadID(t *testing.T) {
	t.Parallel()
	router, _ := newTestRouter(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/stories/abc", nil))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestListAgentsHidesPrompts(t *testing.T) {
	t.Parallel()
	router, repo := newTestRouter(t)

	story := &domain.Story{Title: "T", Description: "d", Solution: "s"}
	agents := []*domain.Agent{{Name: "Butler", Prompt: "secret system prompt"}}
	if err := repo.UpsertStory(context.Background(), story, agents); err != nil {
		t.Fatalf("UpsertStory failed: %v", err)
	}

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/stories/1/agents", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := rec.Body.String()
	if strings.Contains(body, "secret system prompt") {
		t.Fatalf("character prompt leaked: %s", body)
	}
	if !strings.Contains(body, "Butler") {
		t.Fatalf("character missing: %s", body)
	}
}
