// Package llm integrates the language-model backend: streaming character
// answers and the verdict judge.
package llm

import (
	"context"
	"errors"
	"iter"

	"github.com/sleuthworks/sleuth/internal/domain"
)

var (
	// ErrTimeout means answer generation exceeded its wall-clock budget.
	ErrTimeout = errors.New("llm: generation timed out")
	// ErrJudgeUnavailable means the judge call itself failed.
	ErrJudgeUnavailable = errors.New("llm: judge unavailable")
	// ErrJudgeFormat means the judge answered in an unparseable format.
	ErrJudgeFormat = errors.New("llm: malformed judge response")
)

// Streamer opens a token/delta stream seeded with a transcript. The sequence
// yields text deltas and terminates normally at end of stream; a mid-stream
// failure is yielded as a non-nil error.
type Streamer interface {
	Stream(ctx context.Context, history []domain.Message) iter.Seq2[string, error]
}

// Scorecard holds the judge's three independent component scores and hint.
type Scorecard struct {
	Culprit bool
	Motive  bool
	Method  bool
	Hint    string
}

// Solved reports whether all three components were identified.
func (s Scorecard) Solved() bool {
	return s.Culprit && s.Motive && s.Method
}

// Judge scores a player's verdict against the author's ground truth.
type Judge interface {
	Score(ctx context.Context, verdict, solution, prelude string) (Scorecard, error)
}
