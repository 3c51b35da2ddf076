package domain

import (
	"time"
)

// StoryRun is one player's attempt at one story. Once CompletedAt is set the
// run is terminal: no further questioning or verdict submission is allowed.
type StoryRun struct {
	ID          int64      `json:"id"`
	PlayerID    string     `json:"player_id"`
	StoryID     int64      `json:"story_id"`
	Progress    string     `json:"progress,omitempty"`
	Score       *int       `json:"score,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Completed reports whether the run is terminal.
func (r *StoryRun) Completed() bool {
	return r.CompletedAt != nil
}

// Message roles within a character transcript.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one immutable entry in a character's private transcript.
// Ordering within an interaction is append-only; the first message is always
// the character's system prompt, written when the run is created.
type Message struct {
	ID        int64     `json:"id"`
	RunID     int64     `json:"run_id"`
	AgentID   int64     `json:"agent_id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}
