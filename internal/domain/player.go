package domain

import (
	"time"
)

// PlayerState names a position in the per-player conversation state machine.
type PlayerState string

const (
	// StateBrowsing is the initial state: no active run, picking a story.
	StateBrowsing PlayerState = "browsing"
	// StateInLobby means a run is active and the player is picking a character.
	StateInLobby PlayerState = "in_lobby"
	// StateTalking means a character is selected and free text is interrogation.
	StateTalking PlayerState = "talking_to_agent"
	// StateTypingVerdict means the next free text is the player's verdict.
	StateTypingVerdict PlayerState = "typing_verdict"
)

// Player is one chat identity and its session pointers. The pointer fields
// carry the selected story, run and character between events; handlers must
// treat a zero value as missing context, never fabricate it.
type Player struct {
	PlayerID   string      `json:"player_id"`
	Username   string      `json:"username"`
	State      PlayerState `json:"state"`
	StoryID    int64       `json:"story_id,omitempty"`
	RunID      int64       `json:"run_id,omitempty"`
	AgentID    int64       `json:"agent_id,omitempty"`
	LastSeenAt time.Time   `json:"last_seen_at"`
	CreatedAt  time.Time   `json:"created_at"`
	UpdatedAt  time.Time   `json:"updated_at"`
}

// ClearRun resets the session pointers back to the browsing state.
func (p *Player) ClearRun() {
	p.State = StateBrowsing
	p.StoryID = 0
	p.RunID = 0
	p.AgentID = 0
}
