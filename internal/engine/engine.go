// Package engine drives the per-player conversation state machine: story
// browsing, character interrogation and verdict submission. All events for
// one player pass through an exclusive per-player gate, so handlers never
// interleave for the same player. Domain state lives in the repository and
// is re-fetched at the start of every handler.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sleuthworks/sleuth/internal/domain"
	"github.com/sleuthworks/sleuth/internal/gate"
	"github.com/sleuthworks/sleuth/internal/llm"
	"github.com/sleuthworks/sleuth/internal/store"
)

// Completer generates one character answer from a transcript, streaming
// throttled partials through the callback.
type Completer interface {
	Complete(ctx context.Context, history []domain.Message, onPartial func(string)) (string, error)
}

// Engine orchestrates conversations for all players.
type Engine struct {
	repo      store.Repository
	completer Completer
	judge     llm.Judge
	sender    Sender
	gates     *gate.Registry
	ops       Notifier
}

// New creates an engine. A nil notifier falls back to slog.
func New(repo store.Repository, completer Completer, judge llm.Judge, sender Sender, ops Notifier) *Engine {
	if ops == nil {
		ops = LogNotifier{}
	}
	return &Engine{
		repo:      repo,
		completer: completer,
		judge:     judge,
		sender:    sender,
		gates:     gate.NewRegistry(),
		ops:       ops,
	}
}

// Gates exposes the per-player gate registry so the bootstrap can start its
// eviction sweeper.
func (e *Engine) Gates() *gate.Registry {
	return e.gates
}

// Handle processes one inbound event while holding the player's exclusive
// gate. Handler failures are reported to the player and the operator channel
// inside the gate, so error messages keep their place in the conversation.
func (e *Engine) Handle(ctx context.Context, ev Event) error {
	return e.gates.Do(ev.PlayerID, func() error {
		err := e.dispatch(ctx, ev)
		if err == nil {
			return nil
		}
		e.report(ctx, ev, err)
		return err
	})
}

// report translates a handler failure into a player-facing message. Every
// failure path reads differently from a success.
func (e *Engine) report(ctx context.Context, ev Event, err error) {
	var text string
	switch {
	case errors.Is(err, llm.ErrTimeout):
		text = answerTimeoutText
	case errors.Is(err, llm.ErrJudgeUnavailable), errors.Is(err, llm.ErrJudgeFormat):
		text = verdictRetryText
		e.ops.Notify(ctx, "verdict scoring failed", err)
	default:
		text = internalErrorText
		e.ops.Notify(ctx, "event handler failed", err)
	}

	slog.Warn("event failed",
		"player_id", ev.PlayerID,
		"event", string(ev.Type),
		"error", err,
	)
	if _, sendErr := e.sender.Send(ctx, ev.PlayerID, text); sendErr != nil {
		slog.Warn("failed to deliver error message", "player_id", ev.PlayerID, "error", sendErr)
	}
}

// dispatch routes the event to the handler for the player's current state.
func (e *Engine) dispatch(ctx context.Context, ev Event) error {
	player, err := e.repo.GetOrCreatePlayer(ctx, ev.PlayerID, ev.Username)
	if err != nil {
		return fmt.Errorf("load player: %w", err)
	}

	// Commands available from any state.
	switch ev.Type {
	case EventStart:
		return e.send(ctx, ev.PlayerID, startText)
	case EventHelp:
		return e.send(ctx, ev.PlayerID, helpText)
	case EventListStories:
		return e.handleListStories(ctx, player)
	case EventQuit:
		return e.handleQuit(ctx, player)
	}

	// Verdict can be requested while in the lobby or mid-interrogation.
	if ev.Type == EventVerdict {
		switch player.State {
		case domain.StateInLobby, domain.StateTalking:
			return e.handleAskForVerdict(ctx, player)
		default:
			return e.send(ctx, ev.PlayerID, noStoryText)
		}
	}

	switch player.State {
	case domain.StateBrowsing:
		return e.dispatchBrowsing(ctx, player, ev)
	case domain.StateInLobby:
		return e.dispatchLobby(ctx, player, ev)
	case domain.StateTalking:
		return e.dispatchTalking(ctx, player, ev)
	case domain.StateTypingVerdict:
		return e.dispatchTypingVerdict(ctx, player, ev)
	default:
		return fmt.Errorf("player %s in unknown state %q: %w", player.PlayerID, player.State, ErrMissingContext)
	}
}

func (e *Engine) dispatchBrowsing(ctx context.Context, player *domain.Player, ev Event) error {
	switch ev.Type {
	case EventSelectStory:
		return e.handleSelectStory(ctx, player, ev.TargetID)
	case EventText, EventBack:
		return e.send(ctx, player.PlayerID, noStoryText)
	default:
		return e.send(ctx, player.PlayerID, noStoryText)
	}
}

func (e *Engine) dispatchLobby(ctx context.Context, player *domain.Player, ev Event) error {
	switch ev.Type {
	case EventSelectAgent:
		return e.handleSelectAgent(ctx, player, ev.TargetID)
	case EventBack:
		return e.handleBack(ctx, player)
	case EventSelectStory:
		return e.send(ctx, player.PlayerID, storyInProgressText)
	default:
		return e.send(ctx, player.PlayerID, pickAgentFirstText)
	}
}

func (e *Engine) dispatchTalking(ctx context.Context, player *domain.Player, ev Event) error {
	switch ev.Type {
	case EventText:
		return e.handleQuestion(ctx, player, ev.Text)
	case EventBack:
		return e.handleBack(ctx, player)
	case EventSelectAgent:
		return e.handleSelectAgent(ctx, player, ev.TargetID)
	case EventSelectStory:
		return e.send(ctx, player.PlayerID, storyInProgressText)
	default:
		return e.send(ctx, player.PlayerID, pickAgentFirstText)
	}
}

func (e *Engine) dispatchTypingVerdict(ctx context.Context, player *domain.Player, ev Event) error {
	switch ev.Type {
	case EventText:
		return e.handleVerdict(ctx, player, ev.Text)
	case EventBack:
		return e.handleBack(ctx, player)
	default:
		return e.send(ctx, player.PlayerID, askForVerdictText)
	}
}

func (e *Engine) handleListStories(ctx context.Context, player *domain.Player) error {
	if player.State != domain.StateBrowsing {
		return e.send(ctx, player.PlayerID, storyInProgressText)
	}

	stories, err := e.repo.ListStories(ctx)
	if err != nil {
		return fmt.Errorf("list stories: %w", err)
	}

	choices := make([]Choice, 0, len(stories))
	for _, s := range stories {
		choices = append(choices, Choice{ID: s.ID, Label: s.Title})
	}
	return e.sender.SendChoices(ctx, player.PlayerID, chooseStoryText, EventSelectStory, choices)
}

// handleSelectStory creates the StoryRun, seeding every character's
// transcript, and drops the player into the lobby.
func (e *Engine) handleSelectStory(ctx context.Context, player *domain.Player, storyID int64) error {
	story, err := e.repo.GetStory(ctx, storyID)
	if errors.Is(err, store.ErrNotFound) {
		return e.send(ctx, player.PlayerID, unknownChoiceText)
	}
	if err != nil {
		return fmt.Errorf("load story: %w", err)
	}

	agents, err := e.repo.ListAgents(ctx, story.ID)
	if err != nil {
		return fmt.Errorf("list agents: %w", err)
	}

	run, err := e.repo.CreateRun(ctx, player.PlayerID, story, agents)
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}

	player.State = domain.StateInLobby
	player.StoryID = story.ID
	player.RunID = run.ID
	player.AgentID = 0
	if err := e.repo.UpdatePlayer(ctx, player); err != nil {
		return fmt.Errorf("update player: %w", err)
	}

	slog.Info("story run started",
		"player_id", player.PlayerID,
		"story_id", story.ID,
		"run_id", run.ID,
	)

	intro := fmt.Sprintf("%s\n\n%s", story.Title, story.Description)
	if err := e.send(ctx, player.PlayerID, intro); err != nil {
		return err
	}
	return e.sendLobby(ctx, player, story)
}

func (e *Engine) sendLobby(ctx context.Context, player *domain.Player, story *domain.Story) error {
	agents, err := e.repo.ListAgents(ctx, story.ID)
	if err != nil {
		return fmt.Errorf("list agents: %w", err)
	}
	choices := make([]Choice, 0, len(agents))
	for _, a := range agents {
		choices = append(choices, Choice{ID: a.ID, Label: a.Name})
	}
	return e.sender.SendChoices(ctx, player.PlayerID, chooseAgentText, EventSelectAgent, choices)
}

func (e *Engine) handleSelectAgent(ctx context.Context, player *domain.Player, agentID int64) error {
	if player.StoryID == 0 {
		return fmt.Errorf("select agent without active story: %w", ErrMissingContext)
	}

	agent, err := e.repo.GetAgent(ctx, agentID)
	if errors.Is(err, store.ErrNotFound) {
		return e.send(ctx, player.PlayerID, unknownChoiceText)
	}
	if err != nil {
		return fmt.Errorf("load agent: %w", err)
	}
	if agent.StoryID != player.StoryID {
		return e.send(ctx, player.PlayerID, unknownChoiceText)
	}

	player.State = domain.StateTalking
	player.AgentID = agent.ID
	if err := e.repo.UpdatePlayer(ctx, player); err != nil {
		return fmt.Errorf("update player: %w", err)
	}

	return e.send(ctx, player.PlayerID, fmt.Sprintf("You are now questioning %s.", agent.Name))
}

// handleQuestion runs one interrogation turn: placeholder message, streamed
// partial edits, then the persisted exchange. The transcript is only touched
// after a full answer; a timeout leaves it unchanged.
func (e *Engine) handleQuestion(ctx context.Context, player *domain.Player, text string) error {
	if player.RunID == 0 || player.AgentID == 0 {
		return fmt.Errorf("question without run or agent: %w", ErrMissingContext)
	}

	run, err := e.repo.GetRun(ctx, player.RunID)
	if err != nil {
		return fmt.Errorf("load run: %w", err)
	}
	if run.Completed() {
		return fmt.Errorf("question on run %d: %w", run.ID, ErrAlreadyCompleted)
	}

	agent, err := e.repo.GetAgent(ctx, player.AgentID)
	if err != nil {
		return fmt.Errorf("load agent: %w", err)
	}

	transcript, err := e.repo.GetTranscript(ctx, run.ID, agent.ID)
	if err != nil {
		return fmt.Errorf("load transcript: %w", err)
	}
	history := append(transcript, domain.Message{
		RunID:   run.ID,
		AgentID: agent.ID,
		Role:    domain.RoleUser,
		Content: text,
	})

	placeholderID, err := e.sender.Send(ctx, player.PlayerID, thinkingText)
	if err != nil {
		return fmt.Errorf("send placeholder: %w", err)
	}

	answer, err := e.completer.Complete(ctx, history, func(partial string) {
		if editErr := e.sender.Edit(ctx, player.PlayerID, placeholderID, partial); editErr != nil {
			slog.Debug("partial edit failed", "player_id", player.PlayerID, "error", editErr)
		}
	})
	if err != nil {
		// Show the failure in place of the placeholder, best effort.
		if editErr := e.sender.Edit(ctx, player.PlayerID, placeholderID, answerTimeoutText); editErr != nil {
			slog.Debug("failed to edit placeholder after error", "player_id", player.PlayerID, "error", editErr)
		}
		if errors.Is(err, llm.ErrTimeout) {
			slog.Warn("answer generation timed out",
				"player_id", player.PlayerID,
				"run_id", run.ID,
				"agent_id", agent.ID,
			)
			// Turn failed, conversation continues; nothing was persisted.
			return nil
		}
		return fmt.Errorf("generate answer: %w", err)
	}

	if err := e.persistExchange(ctx, run, agent, text, answer); err != nil {
		return err
	}

	final := fmt.Sprintf("%s: %s", agent.Name, answer)
	if err := e.sender.Edit(ctx, player.PlayerID, placeholderID, final); err != nil {
		slog.Warn("failed to deliver final answer", "player_id", player.PlayerID, "error", err)
	}
	return nil
}

// persistExchange appends the question/answer pair to the questioned
// character's transcript — and, for linked stories, to every character's
// transcript, so each privately observes the full dialogue.
func (e *Engine) persistExchange(ctx context.Context, run *domain.StoryRun, agent *domain.Agent, question, answer string) error {
	story, err := e.repo.GetStory(ctx, run.StoryID)
	if err != nil {
		return fmt.Errorf("load story: %w", err)
	}

	targets := []int64{agent.ID}
	if story.Linked {
		agents, err := e.repo.ListAgents(ctx, story.ID)
		if err != nil {
			return fmt.Errorf("list agents: %w", err)
		}
		targets = targets[:0]
		for _, a := range agents {
			targets = append(targets, a.ID)
		}
	}

	var msgs []*domain.Message
	for _, id := range targets {
		msgs = append(msgs,
			&domain.Message{RunID: run.ID, AgentID: id, Role: domain.RoleUser, Content: question},
			&domain.Message{RunID: run.ID, AgentID: id, Role: domain.RoleAssistant, Content: answer},
		)
	}
	if err := e.repo.AppendMessages(ctx, msgs); err != nil {
		return fmt.Errorf("append exchange: %w", err)
	}
	return nil
}

func (e *Engine) handleBack(ctx context.Context, player *domain.Player) error {
	if player.StoryID == 0 {
		return fmt.Errorf("back without active story: %w", ErrMissingContext)
	}
	story, err := e.repo.GetStory(ctx, player.StoryID)
	if err != nil {
		return fmt.Errorf("load story: %w", err)
	}

	player.State = domain.StateInLobby
	player.AgentID = 0
	if err := e.repo.UpdatePlayer(ctx, player); err != nil {
		return fmt.Errorf("update player: %w", err)
	}
	return e.sendLobby(ctx, player, story)
}

func (e *Engine) handleAskForVerdict(ctx context.Context, player *domain.Player) error {
	if player.RunID == 0 {
		return fmt.Errorf("verdict without active run: %w", ErrMissingContext)
	}
	player.State = domain.StateTypingVerdict
	if err := e.repo.UpdatePlayer(ctx, player); err != nil {
		return fmt.Errorf("update player: %w", err)
	}
	return e.send(ctx, player.PlayerID, askForVerdictText)
}

func (e *Engine) handleQuit(ctx context.Context, player *domain.Player) error {
	if player.RunID == 0 {
		return e.send(ctx, player.PlayerID, nothingToQuitText)
	}

	story, err := e.repo.GetStory(ctx, player.StoryID)
	if err != nil {
		return fmt.Errorf("load story: %w", err)
	}

	err = e.repo.CompleteRun(ctx, player.RunID, 0, time.Now())
	if err != nil && !errors.Is(err, store.ErrRunCompleted) {
		return fmt.Errorf("quit run: %w", err)
	}

	slog.Info("story run quit", "player_id", player.PlayerID, "run_id", player.RunID)

	player.ClearRun()
	if err := e.repo.UpdatePlayer(ctx, player); err != nil {
		return fmt.Errorf("update player: %w", err)
	}
	return e.send(ctx, player.PlayerID, quitText+story.Solution)
}

func (e *Engine) send(ctx context.Context, playerID, text string) error {
	if _, err := e.sender.Send(ctx, playerID, text); err != nil {
		// Transport failures are logged and never affect game state.
		slog.Warn("send failed", "player_id", playerID, "error", err)
	}
	return nil
}
