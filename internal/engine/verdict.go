package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sleuthworks/sleuth/internal/domain"
	"github.com/sleuthworks/sleuth/internal/store"
)

// handleVerdict runs the completion workflow: judge the verdict against the
// author's solution, then either close the run (solved) or record the failed
// attempt and return the player to the lobby (replayable). A judge failure
// propagates untouched — the run is never mutated on an unscored verdict.
func (e *Engine) handleVerdict(ctx context.Context, player *domain.Player, verdict string) error {
	if player.RunID == 0 || player.StoryID == 0 {
		return fmt.Errorf("verdict without run: %w", ErrMissingContext)
	}

	run, err := e.repo.GetRun(ctx, player.RunID)
	if err != nil {
		return fmt.Errorf("load run: %w", err)
	}
	if run.Completed() {
		return fmt.Errorf("verdict on run %d: %w", run.ID, ErrAlreadyCompleted)
	}

	story, err := e.repo.GetStory(ctx, player.StoryID)
	if err != nil {
		return fmt.Errorf("load story: %w", err)
	}

	card, err := e.judge.Score(ctx, verdict, story.Solution, story.Description)
	if err != nil {
		// ErrJudgeUnavailable or ErrJudgeFormat; the caller tells the
		// player to retry and the run stays as it was.
		return err
	}

	slog.Info("verdict scored",
		"player_id", player.PlayerID,
		"run_id", run.ID,
		"culprit", card.Culprit,
		"motive", card.Motive,
		"method", card.Method,
		"solved", card.Solved(),
	)

	if !card.Solved() {
		if err := e.repo.SetRunScore(ctx, run.ID, 0); err != nil {
			return fmt.Errorf("record failed verdict: %w", err)
		}
		player.State = domain.StateInLobby
		player.AgentID = 0
		if err := e.repo.UpdatePlayer(ctx, player); err != nil {
			return fmt.Errorf("update player: %w", err)
		}

		text := verdictNoHintText
		if card.Hint != "" {
			text = verdictMissedText + card.Hint
		}
		if err := e.send(ctx, player.PlayerID, text); err != nil {
			return err
		}
		return e.sendLobby(ctx, player, story)
	}

	if err := e.repo.CompleteRun(ctx, run.ID, 1, time.Now()); err != nil {
		if errors.Is(err, store.ErrRunCompleted) {
			return fmt.Errorf("verdict on run %d: %w", run.ID, ErrAlreadyCompleted)
		}
		return fmt.Errorf("complete run: %w", err)
	}

	player.ClearRun()
	if err := e.repo.UpdatePlayer(ctx, player); err != nil {
		return fmt.Errorf("update player: %w", err)
	}
	return e.send(ctx, player.PlayerID, verdictSolvedText+story.Solution)
}
