package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sleuthworks/sleuth/internal/domain"
	"github.com/sleuthworks/sleuth/internal/llm"
	"github.com/sleuthworks/sleuth/internal/store"
)

// recordingSender collects outbound traffic keyed by message ID.
type recordingSender struct {
	mu     sync.Mutex
	nextID int64
	sent   []string
	edits  map[int64][]string
}

func newRecordingSender() *recordingSender {
	return &recordingSender{edits: make(map[int64][]string)}
}

func (s *recordingSender) Send(_ context.Context, _, text string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.sent = append(s.sent, text)
	return s.nextID, nil
}

func (s *recordingSender) Edit(_ context.Context, _ string, messageID int64, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.edits[messageID] = append(s.edits[messageID], text)
	return nil
}

func (s *recordingSender) SendChoices(ctx context.Context, playerID, prompt string, _ EventType, choices []Choice) (err error) {
	labels := make([]string, 0, len(choices))
	for _, c := range choices {
		labels = append(labels, c.Label)
	}
	_, err = s.Send(ctx, playerID, prompt+" ["+strings.Join(labels, ", ")+"]")
	return err
}

func (s *recordingSender) lastSent(t *testing.T) string {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.sent) == 0 {
		t.Fatal("no messages sent")
	}
	return s.sent[len(s.sent)-1]
}

func (s *recordingSender) editsFor(id int64) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.edits[id]...)
}

// fakeCompleter returns a scripted answer or error.
type fakeCompleter struct {
	answer   string
	err      error
	delay    time.Duration
	partials []string
}

func (c *fakeCompleter) Complete(ctx context.Context, _ []domain.Message, onPartial func(string)) (string, error) {
	if c.delay > 0 {
		select {
		case <-ctx.Done():
			return "", llm.ErrTimeout
		case <-time.After(c.delay):
		}
	}
	if c.err != nil {
		return "", c.err
	}
	for _, p := range c.partials {
		if onPartial != nil {
			onPartial(p)
		}
	}
	return c.answer, nil
}

// fakeJudge returns a scripted scorecard or error.
type fakeJudge struct {
	card llm.Scorecard
	err  error
}

func (j *fakeJudge) Score(_ context.Context, _, _, _ string) (llm.Scorecard, error) {
	if j.err != nil {
		return llm.Scorecard{}, j.err
	}
	return j.card, nil
}

type fixture struct {
	engine    *Engine
	repo      store.Repository
	sender    *recordingSender
	completer *fakeCompleter
	judge     *fakeJudge
	story     *domain.Story
	agents    []*domain.Agent
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "sleuth.db"))
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })

	story := &domain.Story{
		Title:       "The Locked Greenhouse",
		Description: "The botanist lies dead among his orchids; the door was bolted from inside.",
		Solution:    "The apprentice poisoned the humidifier and left before the door was bolted.",
	}
	agents := []*domain.Agent{
		{Name: "Apprentice", Prompt: "You are the apprentice. Stay evasive about the humidifier."},
		{Name: "Gardener", Prompt: "You are the gardener. You saw the apprentice leave early."},
	}
	if err := repo.UpsertStory(context.Background(), story, agents); err != nil {
		t.Fatalf("UpsertStory failed: %v", err)
	}
	loaded, err := repo.ListAgents(context.Background(), story.ID)
	if err != nil {
		t.Fatalf("ListAgents failed: %v", err)
	}

	sender := newRecordingSender()
	completer := &fakeCompleter{answer: "I was in the potting shed all evening."}
	judge := &fakeJudge{}
	eng := New(repo, completer, judge, sender, nil)

	return &fixture{
		engine:    eng,
		repo:      repo,
		sender:    sender,
		completer: completer,
		judge:     judge,
		story:     story,
		agents:    loaded,
	}
}

func (f *fixture) handle(t *testing.T, ev Event) {
	t.Helper()
	if err := f.engine.Handle(context.Background(), ev); err != nil {
		t.Fatalf("Handle(%s) failed: %v", ev.Type, err)
	}
}

func (f *fixture) player(t *testing.T, playerID string) *domain.Player {
	t.Helper()
	p, err := f.repo.GetOrCreatePlayer(context.Background(), playerID, "")
	if err != nil {
		t.Fatalf("GetOrCreatePlayer failed: %v", err)
	}
	return p
}

// startTalking drives a fresh player to the talking state.
func (f *fixture) startTalking(t *testing.T, playerID string) *domain.Player {
	t.Helper()
	f.handle(t, Event{PlayerID: playerID, Type: EventSelectStory, TargetID: f.story.ID})
	f.handle(t, Event{PlayerID: playerID, Type: EventSelectAgent, TargetID: f.agents[0].ID})
	return f.player(t, playerID)
}

func TestSelectStoryCreatesRunAndLobby(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	f.handle(t, Event{PlayerID: "p1", Type: EventSelectStory, TargetID: f.story.ID})

	p := f.player(t, "p1")
	if p.State != domain.StateInLobby {
		t.Fatalf("state = %q, want in_lobby", p.State)
	}
	if p.RunID == 0 {
		t.Fatal("run pointer not recorded")
	}

	// Every character transcript was seeded with its system prompt.
	for _, a := range f.agents {
		transcript, err := f.repo.GetTranscript(context.Background(), p.RunID, a.ID)
		if err != nil {
			t.Fatalf("GetTranscript failed: %v", err)
		}
		if len(transcript) != 1 || transcript[0].Role != domain.RoleSystem {
			t.Fatalf("agent %s transcript not seeded: %+v", a.Name, transcript)
		}
	}

	if got := f.sender.lastSent(t); !strings.Contains(got, "Apprentice") {
		t.Fatalf("lobby message %q does not list characters", got)
	}
}

func TestQuestionAppendsExchangeAndStreamsPartials(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.completer.partials = []string{"I was in", "I was in the potting shed"}

	p := f.startTalking(t, "p1")
	f.handle(t, Event{PlayerID: "p1", Type: EventText, Text: "Where were you?"})

	transcript, err := f.repo.GetTranscript(context.Background(), p.RunID, f.agents[0].ID)
	if err != nil {
		t.Fatalf("GetTranscript failed: %v", err)
	}
	roles := make([]string, 0, len(transcript))
	for _, m := range transcript {
		roles = append(roles, m.Role)
	}
	want := []string{domain.RoleSystem, domain.RoleUser, domain.RoleAssistant}
	if fmt.Sprint(roles) != fmt.Sprint(want) {
		t.Fatalf("transcript roles = %v, want %v", roles, want)
	}

	// Placeholder received streamed partials, then the final named answer.
	var placeholderID int64
	f.sender.mu.Lock()
	for id := range f.sender.edits {
		placeholderID = id
	}
	f.sender.mu.Unlock()
	edits := f.sender.editsFor(placeholderID)
	if len(edits) != 3 {
		t.Fatalf("placeholder got %d edits, want 2 partials + final", len(edits))
	}
	if final := edits[len(edits)-1]; !strings.HasPrefix(final, "Apprentice: ") {
		t.Fatalf("final edit %q missing character name", final)
	}

	// Non-linked story: the other character heard nothing.
	other, err := f.repo.GetTranscript(context.Background(), p.RunID, f.agents[1].ID)
	if err != nil {
		t.Fatalf("GetTranscript failed: %v", err)
	}
	if len(other) != 1 {
		t.Fatalf("unlinked story leaked the exchange: %d messages", len(other))
	}
}

func TestLinkedStoryShareExchangeWithAllCharacters(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	// Re-import the story as linked.
	f.story.Linked = true
	if err := f.repo.UpsertStory(context.Background(), f.story, nil); err != nil {
		t.Fatalf("UpsertStory failed: %v", err)
	}

	p := f.startTalking(t, "p1")
	f.handle(t, Event{PlayerID: "p1", Type: EventText, Text: "Where were you?"})

	for _, a := range f.agents {
		transcript, err := f.repo.GetTranscript(context.Background(), p.RunID, a.ID)
		if err != nil {
			t.Fatalf("GetTranscript failed: %v", err)
		}
		if len(transcript) != 3 {
			t.Fatalf("agent %s has %d messages, want system+user+assistant", a.Name, len(transcript))
		}
	}
}

func TestTimeoutLeavesTranscriptUntouched(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.completer.err = llm.ErrTimeout

	p := f.startTalking(t, "p1")
	f.handle(t, Event{PlayerID: "p1", Type: EventText, Text: "Where were you?"})

	transcript, err := f.repo.GetTranscript(context.Background(), p.RunID, f.agents[0].ID)
	if err != nil {
		t.Fatalf("GetTranscript failed: %v", err)
	}
	if len(transcript) != 1 {
		t.Fatalf("timeout persisted a partial answer: %d messages", len(transcript))
	}

	// The player stays in the interrogation.
	if got := f.player(t, "p1").State; got != domain.StateTalking {
		t.Fatalf("state after timeout = %q, want talking", got)
	}
}

func TestVerdictMissedReturnsToLobby(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.judge.card = llm.Scorecard{Culprit: true, Motive: false, Method: true, Hint: "missed motive"}

	f.startTalking(t, "p1")
	f.handle(t, Event{PlayerID: "p1", Type: EventVerdict})
	if got := f.player(t, "p1").State; got != domain.StateTypingVerdict {
		t.Fatalf("state after verdict command = %q", got)
	}

	f.handle(t, Event{PlayerID: "p1", Type: EventText, Text: "The gardener did it."})

	p := f.player(t, "p1")
	if p.State != domain.StateInLobby {
		t.Fatalf("state after missed verdict = %q, want in_lobby", p.State)
	}

	run, err := f.repo.GetRun(context.Background(), p.RunID)
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if run.Completed() {
		t.Fatal("missed verdict must leave the run replayable")
	}
	if run.Score == nil || *run.Score != 0 {
		t.Fatalf("missed verdict score = %v, want 0", run.Score)
	}

	f.sender.mu.Lock()
	joined := strings.Join(f.sender.sent, "\n")
	f.sender.mu.Unlock()
	if !strings.Contains(joined, "missed motive") {
		t.Fatal("hint was not relayed to the player")
	}
}

func TestVerdictSolvedCompletesRun(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.judge.card = llm.Scorecard{Culprit: true, Motive: true, Method: true}

	f.startTalking(t, "p1")
	runID := f.player(t, "p1").RunID
	f.handle(t, Event{PlayerID: "p1", Type: EventVerdict})
	f.handle(t, Event{PlayerID: "p1", Type: EventText, Text: "The apprentice poisoned the humidifier."})

	run, err := f.repo.GetRun(context.Background(), runID)
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if !run.Completed() {
		t.Fatal("solved verdict must terminate the run")
	}
	if run.Score == nil || *run.Score != 1 {
		t.Fatalf("solved score = %v, want 1", run.Score)
	}

	p := f.player(t, "p1")
	if p.State != domain.StateBrowsing || p.RunID != 0 {
		t.Fatalf("session not reset after solve: state=%q run=%d", p.State, p.RunID)
	}

	if got := f.sender.lastSent(t); !strings.Contains(got, f.story.Solution) {
		t.Fatalf("solution not revealed: %q", got)
	}
}

func TestJudgeFailureLeavesRunUntouched(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.judge.err = llm.ErrJudgeUnavailable

	f.startTalking(t, "p1")
	runID := f.player(t, "p1").RunID
	f.handle(t, Event{PlayerID: "p1", Type: EventVerdict})

	err := f.engine.Handle(context.Background(), Event{PlayerID: "p1", Type: EventText, Text: "verdict"})
	if !errors.Is(err, llm.ErrJudgeUnavailable) {
		t.Fatalf("Handle = %v, want ErrJudgeUnavailable", err)
	}

	run, err := f.repo.GetRun(context.Background(), runID)
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if run.Completed() || run.Score != nil {
		t.Fatalf("judge failure mutated the run: %+v", run)
	}

	// Player may retry: still typing the verdict, and told to do so.
	if got := f.player(t, "p1").State; got != domain.StateTypingVerdict {
		t.Fatalf("state after judge failure = %q", got)
	}
	if got := f.sender.lastSent(t); got != verdictRetryText {
		t.Fatalf("player message = %q, want retry text", got)
	}
}

func TestQuitMarksRunTerminalWithZeroScore(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	f.startTalking(t, "p1")
	runID := f.player(t, "p1").RunID
	f.handle(t, Event{PlayerID: "p1", Type: EventQuit})

	run, err := f.repo.GetRun(context.Background(), runID)
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if !run.Completed() || run.Score == nil || *run.Score != 0 {
		t.Fatalf("quit run = %+v, want terminal score 0", run)
	}

	p := f.player(t, "p1")
	if p.State != domain.StateBrowsing || p.RunID != 0 {
		t.Fatalf("session not reset after quit: state=%q run=%d", p.State, p.RunID)
	}
	if got := f.sender.lastSent(t); !strings.Contains(got, f.story.Solution) {
		t.Fatalf("quit did not reveal the solution: %q", got)
	}
}

func TestQuestionOnCompletedRunFails(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	p := f.startTalking(t, "p1")
	if err := f.repo.CompleteRun(context.Background(), p.RunID, 1, time.Now()); err != nil {
		t.Fatalf("CompleteRun failed: %v", err)
	}

	err := f.engine.Handle(context.Background(), Event{PlayerID: "p1", Type: EventText, Text: "hello?"})
	if !errors.Is(err, ErrAlreadyCompleted) {
		t.Fatalf("Handle = %v, want ErrAlreadyCompleted", err)
	}
}

func TestMissingContextSurfacesAsInternalError(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	// Corrupt the session: talking state with no agent recorded.
	p := f.player(t, "p1")
	p.State = domain.StateTalking
	if err := f.repo.UpdatePlayer(context.Background(), p); err != nil {
		t.Fatalf("UpdatePlayer failed: %v", err)
	}

	err := f.engine.Handle(context.Background(), Event{PlayerID: "p1", Type: EventText, Text: "hi"})
	if !errors.Is(err, ErrMissingContext) {
		t.Fatalf("Handle = %v, want ErrMissingContext", err)
	}
	if got := f.sender.lastSent(t); got != internalErrorText {
		t.Fatalf("player message = %q, want internal error text", got)
	}
}

func TestSamePlayerEventsNeverInterleave(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.completer.delay = 20 * time.Millisecond

	f.startTalking(t, "p1")

	var inside, overlaps int
	var mu sync.Mutex
	instrumented := &instrumentedCompleter{
		inner: f.completer,
		enter: func() {
			mu.Lock()
			inside++
			if inside > 1 {
				overlaps++
			}
			mu.Unlock()
		},
		exit: func() {
			mu.Lock()
			inside--
			mu.Unlock()
		},
	}
	f.engine.completer = instrumented

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = f.engine.Handle(context.Background(), Event{PlayerID: "p1", Type: EventText, Text: "Where?"})
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if overlaps != 0 {
		t.Fatalf("observed %d overlapping handler executions for one player", overlaps)
	}
}

type instrumentedCompleter struct {
	inner Completer
	enter func()
	exit  func()
}

func (c *instrumentedCompleter) Complete(ctx context.Context, history []domain.Message, onPartial func(string)) (string, error) {
	c.enter()
	defer c.exit()
	return c.inner.Complete(ctx, history, onPartial)
}
