// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/sleuthworks/sleuth/internal/domain"
)

var (
	// ErrNotFound is returned when a requested entity does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrRunCompleted is returned when a terminal-state update targets a run
	// that is already terminal.
	ErrRunCompleted = errors.New("store: run already completed")
)

// Repository defines persistence for stories, players, runs and transcripts.
// Domain state lives here between events; the engine re-fetches it at the
// start of every handler instead of caching across suspension points.
type Repository interface {
	// GetOrCreatePlayer retrieves a player, creating a browsing-state record
	// on first sight of a new identity.
	GetOrCreatePlayer(ctx context.Context, playerID, username string) (*domain.Player, error)

	// UpdatePlayer persists session pointer and state changes.
	UpdatePlayer(ctx context.Context, player *domain.Player) error

	// ListStories returns all playable stories.
	ListStories(ctx context.Context) ([]*domain.Story, error)

	// GetStory retrieves one story by ID.
	GetStory(ctx context.Context, storyID int64) (*domain.Story, error)

	// ListAgents returns the characters of a story.
	ListAgents(ctx context.Context, storyID int64) ([]*domain.Agent, error)

	// GetAgent retrieves one character by ID.
	GetAgent(ctx context.Context, agentID int64) (*domain.Agent, error)

	// UpsertStory writes a story and its characters, keyed by title.
	UpsertStory(ctx context.Context, story *domain.Story, agents []*domain.Agent) error

	// CreateRun starts a run and atomically seeds every character's
	// transcript with its system-prompt message in the same transaction.
	CreateRun(ctx context.Context, playerID string, story *domain.Story, agents []*domain.Agent) (*domain.StoryRun, error)

	// GetRun retrieves one run by ID.
	GetRun(ctx context.Context, runID int64) (*domain.StoryRun, error)

	// SetRunScore records a non-terminal score, leaving the run replayable.
	SetRunScore(ctx context.Context, runID int64, score int) error

	// CompleteRun marks a run terminal with the given score. It fails with
	// ErrRunCompleted if the run is already terminal, so a racing second
	// completion can never overwrite the first.
	CompleteRun(ctx context.Context, runID int64, score int, completedAt time.Time) error

	// GetStaleRuns returns non-terminal runs untouched for longer than ttl.
	GetStaleRuns(ctx context.Context, ttl time.Duration) ([]*domain.StoryRun, error)

	// AppendMessages appends transcript messages in order, atomically.
	AppendMessages(ctx context.Context, msgs []*domain.Message) error

	// GetTranscript returns one character's transcript within a run, oldest
	// first.
	GetTranscript(ctx context.Context, runID, agentID int64) ([]domain.Message, error)

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
