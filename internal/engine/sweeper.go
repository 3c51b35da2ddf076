package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sleuthworks/sleuth/internal/store"
)

const sweepInterval = 5 * time.Minute

// StartRunSweeper runs a background goroutine that force-quits runs with no
// activity for longer than ttl: terminal with score 0, player returned to
// browsing. Each cleanup goes through the player's gate so it can never race
// a live event for the same player.
func (e *Engine) StartRunSweeper(ctx context.Context, ttl time.Duration) {
	go func() {
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		slog.Info("run sweeper started", "interval", sweepInterval, "ttl", ttl)

		for {
			select {
			case <-ticker.C:
				e.sweepStaleRuns(ctx, ttl)
			case <-ctx.Done():
				slog.Info("run sweeper shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

func (e *Engine) sweepStaleRuns(ctx context.Context, ttl time.Duration) {
	runs, err := e.repo.GetStaleRuns(ctx, ttl)
	if err != nil {
		slog.Error("run sweeper failed to list stale runs", "error", err)
		return
	}
	if len(runs) == 0 {
		return
	}

	slog.Info("run sweeper found stale runs", "count", len(runs))

	for _, run := range runs {
		run := run
		err := e.gates.Do(run.PlayerID, func() error {
			return e.closeStaleRun(ctx, run.PlayerID, run.ID)
		})
		if err != nil {
			slog.Warn("run sweeper failed to close run",
				"run_id", run.ID,
				"player_id", run.PlayerID,
				"error", err,
			)
		}
	}
}

func (e *Engine) closeStaleRun(ctx context.Context, playerID string, runID int64) error {
	// Re-check under the gate: the player may have just completed or quit.
	run, err := e.repo.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Completed() {
		return nil
	}

	if err := e.repo.CompleteRun(ctx, runID, 0, time.Now()); err != nil {
		if errors.Is(err, store.ErrRunCompleted) {
			return nil
		}
		return err
	}

	slog.Info("stale run closed", "run_id", runID, "player_id", playerID)

	player, err := e.repo.GetOrCreatePlayer(ctx, playerID, "")
	if err != nil {
		return err
	}
	if player.RunID == runID {
		player.ClearRun()
		if err := e.repo.UpdatePlayer(ctx, player); err != nil {
			return err
		}
		return e.send(ctx, playerID, staleRunClosedText)
	}
	return nil
}
