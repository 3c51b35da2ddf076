// Package domain contains core domain types for the Sleuth story engine.
package domain

import (
	"time"
)

// Story is a playable detective mystery authored against a hidden solution.
type Story struct {
	ID          int64     `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	CoverPrompt string    `json:"cover_prompt,omitempty"`
	Solution    string    `json:"-"`
	// Linked stories share every exchange with all characters, so each
	// character privately observes the full dialogue.
	Linked    bool      `json:"linked"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Agent is one interrogatable character within a story.
type Agent struct {
	ID      int64  `json:"id"`
	StoryID int64  `json:"story_id"`
	Name    string `json:"name"`
	Prompt  string `json:"-"`
}
