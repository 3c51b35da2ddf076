package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/sleuthworks/sleuth/internal/domain"
	"github.com/sleuthworks/sleuth/internal/shared"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS players (
		player_id TEXT PRIMARY KEY,
		username TEXT NOT NULL,
		state TEXT NOT NULL,
		story_id INTEGER,
		run_id INTEGER,
		agent_id INTEGER,
		last_seen_at INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS stories (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		title TEXT NOT NULL UNIQUE,
		description TEXT NOT NULL,
		cover_prompt TEXT NOT NULL DEFAULT '',
		solution TEXT NOT NULL,
		linked INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS agents (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		story_id INTEGER NOT NULL REFERENCES stories(id) ON DELETE CASCADE,
		name TEXT NOT NULL,
		prompt TEXT NOT NULL,
		UNIQUE(story_id, name)
	);

	CREATE TABLE IF NOT EXISTS story_runs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		player_id TEXT NOT NULL,
		story_id INTEGER NOT NULL REFERENCES stories(id),
		progress TEXT NOT NULL DEFAULT '',
		score INTEGER,
		completed_at INTEGER,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_runs_player ON story_runs(player_id);
	CREATE INDEX IF NOT EXISTS idx_runs_stale ON story_runs(updated_at) WHERE completed_at IS NULL;

	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id INTEGER NOT NULL REFERENCES story_runs(id) ON DELETE CASCADE,
		agent_id INTEGER NOT NULL REFERENCES agents(id),
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_transcript ON messages(run_id, agent_id, id);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// withConflictRetry retries a write that failed with a SQLite concurrency
// error. WAL plus busy_timeout covers most contention; this covers the rest.
func withConflictRetry(op string, fn func() error) error {
	const maxRetries = 3
	const baseDelay = 50 * time.Millisecond

	var err error
	for i := 0; i < maxRetries; i++ {
		err = fn()
		if err == nil || !shared.IsSQLiteConflictError(err) {
			return err
		}
		if i < maxRetries-1 {
			delay := baseDelay * time.Duration(1<<i)
			slog.Debug("Database locked, retrying", "op", op, "attempt", i+1, "delay", delay)
			time.Sleep(delay)
		}
	}
	return err
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// GetOrCreatePlayer retrieves a player, creating a fresh record on first
// sight of a new identity.
func (s *SQLiteStore) GetOrCreatePlayer(ctx context.Context, playerID, username string) (*domain.Player, error) {
	now := time.Now()
	query := `
	INSERT INTO players (player_id, username, state, last_seen_at, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(player_id) DO UPDATE SET
		last_seen_at = excluded.last_seen_at`

	if _, err := s.db.ExecContext(ctx, query,
		playerID, username, string(domain.StateBrowsing),
		now.Unix(), now.Unix(), now.Unix(),
	); err != nil {
		return nil, fmt.Errorf("upsert player: %w", err)
	}

	return s.getPlayer(ctx, playerID)
}

func (s *SQLiteStore) getPlayer(ctx context.Context, playerID string) (*domain.Player, error) {
	query := `
		SELECT player_id, username, state, story_id, run_id, agent_id,
		       last_seen_at, created_at, updated_at
		FROM players WHERE player_id = ?`

	row := s.db.QueryRowContext(ctx, query, playerID)

	var p domain.Player
	var state string
	var storyID, runID, agentID sql.NullInt64
	var lastSeen, createdAt, updatedAt int64

	err := row.Scan(
		&p.PlayerID, &p.Username, &state, &storyID, &runID, &agentID,
		&lastSeen, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan player row: %w", err)
	}

	p.State = domain.PlayerState(state)
	p.StoryID = storyID.Int64
	p.RunID = runID.Int64
	p.AgentID = agentID.Int64
	p.LastSeenAt = time.Unix(lastSeen, 0)
	p.CreatedAt = time.Unix(createdAt, 0)
	p.UpdatedAt = time.Unix(updatedAt, 0)

	return &p, nil
}

// UpdatePlayer persists session pointers and state.
func (s *SQLiteStore) UpdatePlayer(ctx context.Context, player *domain.Player) error {
	query := `
		UPDATE players
		SET state = ?, story_id = ?, run_id = ?, agent_id = ?,
		    last_seen_at = ?, updated_at = ?
		WHERE player_id = ?`

	result, err := s.db.ExecContext(ctx, query,
		string(player.State),
		nullableID(player.StoryID), nullableID(player.RunID), nullableID(player.AgentID),
		time.Now().Unix(), time.Now().Unix(),
		player.PlayerID,
	)
	if err != nil {
		return fmt.Errorf("update player: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("update player %s: %w", player.PlayerID, ErrNotFound)
	}
	return nil
}

func nullableID(id int64) interface{} {
	if id == 0 {
		return nil
	}
	return id
}

// ListStories returns all playable stories.
func (s *SQLiteStore) ListStories(ctx context.Context) ([]*domain.Story, error) {
	query := `
		SELECT id, title, description, cover_prompt, solution, linked, created_at, updated_at
		FROM stories ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query stories: %w", err)
	}
	defer closeRows(rows, "stories")

	var stories []*domain.Story
	for rows.Next() {
		story, err := scanStory(rows)
		if err != nil {
			return nil, err
		}
		stories = append(stories, story)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stories: %w", err)
	}
	return stories, nil
}

// GetStory retrieves one story by ID.
func (s *SQLiteStore) GetStory(ctx context.Context, storyID int64) (*domain.Story, error) {
	query := `
		SELECT id, title, description, cover_prompt, solution, linked, created_at, updated_at
		FROM stories WHERE id = ?`

	rows, err := s.db.QueryContext(ctx, query, storyID)
	if err != nil {
		return nil, fmt.Errorf("query story: %w", err)
	}
	defer closeRows(rows, "story")

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("iterate story: %w", err)
		}
		return nil, ErrNotFound
	}
	return scanStory(rows)
}

func scanStory(rows *sql.Rows) (*domain.Story, error) {
	var story domain.Story
	var linked int
	var createdAt, updatedAt int64
	if err := rows.Scan(
		&story.ID, &story.Title, &story.Description, &story.CoverPrompt,
		&story.Solution, &linked, &createdAt, &updatedAt,
	); err != nil {
		return nil, fmt.Errorf("scan story row: %w", err)
	}
	story.Linked = linked != 0
	story.CreatedAt = time.Unix(createdAt, 0)
	story.UpdatedAt = time.Unix(updatedAt, 0)
	return &story, nil
}

// ListAgents returns the characters of a story.
func (s *SQLiteStore) ListAgents(ctx context.Context, storyID int64) ([]*domain.Agent, error) {
	query := `SELECT id, story_id, name, prompt FROM agents WHERE story_id = ? ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, storyID)
	if err != nil {
		return nil, fmt.Errorf("query agents: %w", err)
	}
	defer closeRows(rows, "agents")

	var agents []*domain.Agent
	for rows.Next() {
		var a domain.Agent
		if err := rows.Scan(&a.ID, &a.StoryID, &a.Name, &a.Prompt); err != nil {
			return nil, fmt.Errorf("scan agent row: %w", err)
		}
		agents = append(agents, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate agents: %w", err)
	}
	return agents, nil
}

// GetAgent retrieves one character by ID.
func (s *SQLiteStore) GetAgent(ctx context.Context, agentID int64) (*domain.Agent, error) {
	query := `SELECT id, story_id, name, prompt FROM agents WHERE id = ?`

	var a domain.Agent
	err := s.db.QueryRowContext(ctx, query, agentID).Scan(&a.ID, &a.StoryID, &a.Name, &a.Prompt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan agent row: %w", err)
	}
	return &a, nil
}

// UpsertStory writes a story and its characters, keyed by title.
func (s *SQLiteStore) UpsertStory(ctx context.Context, story *domain.Story, agents []*domain.Agent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin upsert story: %w", err)
	}
	defer rollback(tx, "upsert story")

	now := time.Now().Unix()
	linked := 0
	if story.Linked {
		linked = 1
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO stories (title, description, cover_prompt, solution, linked, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(title) DO UPDATE SET
			description = excluded.description,
			cover_prompt = excluded.cover_prompt,
			solution = excluded.solution,
			linked = excluded.linked,
			updated_at = excluded.updated_at`,
		story.Title, story.Description, story.CoverPrompt, story.Solution, linked, now, now,
	); err != nil {
		return fmt.Errorf("upsert story: %w", err)
	}

	// LastInsertId is unreliable on conflict updates; resolve by title.
	var storyID int64
	if err := tx.QueryRowContext(ctx, `SELECT id FROM stories WHERE title = ?`, story.Title).Scan(&storyID); err != nil {
		return fmt.Errorf("resolve story id: %w", err)
	}
	story.ID = storyID

	for _, a := range agents {
		a.StoryID = storyID
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO agents (story_id, name, prompt)
			VALUES (?, ?, ?)
			ON CONFLICT(story_id, name) DO UPDATE SET prompt = excluded.prompt`,
			storyID, a.Name, a.Prompt,
		); err != nil {
			return fmt.Errorf("upsert agent %q: %w", a.Name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit upsert story: %w", err)
	}
	return nil
}

// CreateRun starts a run and seeds every character transcript with its
// system prompt in one transaction, so no user interaction can ever observe
// a transcript without its leading system message.
func (s *SQLiteStore) CreateRun(ctx context.Context, playerID string, story *domain.Story, agents []*domain.Agent) (*domain.StoryRun, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin create run: %w", err)
	}
	defer rollback(tx, "create run")

	now := time.Now()
	res, err := tx.ExecContext(ctx, `
		INSERT INTO story_runs (player_id, story_id, progress, created_at, updated_at)
		VALUES (?, ?, '', ?, ?)`,
		playerID, story.ID, now.Unix(), now.Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("insert run: %w", err)
	}
	runID, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("run id: %w", err)
	}

	for _, a := range agents {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO messages (run_id, agent_id, role, content, created_at)
			VALUES (?, ?, ?, ?, ?)`,
			runID, a.ID, domain.RoleSystem, a.Prompt, now.Unix(),
		); err != nil {
			return nil, fmt.Errorf("seed transcript for agent %d: %w", a.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit create run: %w", err)
	}

	return &domain.StoryRun{
		ID:        runID,
		PlayerID:  playerID,
		StoryID:   story.ID,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// GetRun retrieves one run by ID.
func (s *SQLiteStore) GetRun(ctx context.Context, runID int64) (*domain.StoryRun, error) {
	query := `
		SELECT id, player_id, story_id, progress, score, completed_at, created_at, updated_at
		FROM story_runs WHERE id = ?`

	row := s.db.QueryRowContext(ctx, query, runID)

	var run domain.StoryRun
	var score sql.NullInt64
	var completedAt sql.NullInt64
	var createdAt, updatedAt int64

	err := row.Scan(
		&run.ID, &run.PlayerID, &run.StoryID, &run.Progress,
		&score, &completedAt, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan run row: %w", err)
	}

	if score.Valid {
		v := int(score.Int64)
		run.Score = &v
	}
	if completedAt.Valid {
		t := time.Unix(completedAt.Int64, 0)
		run.CompletedAt = &t
	}
	run.CreatedAt = time.Unix(createdAt, 0)
	run.UpdatedAt = time.Unix(updatedAt, 0)

	return &run, nil
}

// SetRunScore records a score without terminating the run.
func (s *SQLiteStore) SetRunScore(ctx context.Context, runID int64, score int) error {
	query := `
		UPDATE story_runs SET score = ?, updated_at = ?
		WHERE id = ? AND completed_at IS NULL`

	result, err := s.db.ExecContext(ctx, query, score, time.Now().Unix(), runID)
	if err != nil {
		return fmt.Errorf("set run score: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return s.runUpdateFailure(ctx, runID)
	}
	return nil
}

// CompleteRun marks a run terminal. The WHERE clause is the at-most-once
// guard: a second completion matches zero rows and fails with
// ErrRunCompleted, leaving the first result untouched.
func (s *SQLiteStore) CompleteRun(ctx context.Context, runID int64, score int, completedAt time.Time) error {
	query := `
		UPDATE story_runs SET score = ?, completed_at = ?, updated_at = ?
		WHERE id = ? AND completed_at IS NULL`

	result, err := s.db.ExecContext(ctx, query, score, completedAt.Unix(), time.Now().Unix(), runID)
	if err != nil {
		return fmt.Errorf("complete run: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return s.runUpdateFailure(ctx, runID)
	}
	return nil
}

// runUpdateFailure distinguishes a missing run from an already-terminal one.
func (s *SQLiteStore) runUpdateFailure(ctx context.Context, runID int64) error {
	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Completed() {
		return fmt.Errorf("run %d: %w", runID, ErrRunCompleted)
	}
	return fmt.Errorf("run %d: %w", runID, ErrNotFound)
}

// GetStaleRuns returns non-terminal runs untouched for longer than ttl.
func (s *SQLiteStore) GetStaleRuns(ctx context.Context, ttl time.Duration) ([]*domain.StoryRun, error) {
	threshold := time.Now().Add(-ttl).Unix()
	query := `
		SELECT id, player_id, story_id, progress, score, completed_at, created_at, updated_at
		FROM story_runs WHERE completed_at IS NULL AND updated_at < ?`

	rows, err := s.db.QueryContext(ctx, query, threshold)
	if err != nil {
		return nil, fmt.Errorf("query stale runs: %w", err)
	}
	defer closeRows(rows, "stale runs")

	var runs []*domain.StoryRun
	for rows.Next() {
		var run domain.StoryRun
		var score, completedAt sql.NullInt64
		var createdAt, updatedAt int64
		if err := rows.Scan(
			&run.ID, &run.PlayerID, &run.StoryID, &run.Progress,
			&score, &completedAt, &createdAt, &updatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan stale run row: %w", err)
		}
		if score.Valid {
			v := int(score.Int64)
			run.Score = &v
		}
		run.CreatedAt = time.Unix(createdAt, 0)
		run.UpdatedAt = time.Unix(updatedAt, 0)
		runs = append(runs, &run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stale runs: %w", err)
	}
	return runs, nil
}

// AppendMessages appends transcript messages atomically and in order.
func (s *SQLiteStore) AppendMessages(ctx context.Context, msgs []*domain.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	return withConflictRetry("append messages", func() error {
		return s.appendMessages(ctx, msgs)
	})
}

func (s *SQLiteStore) appendMessages(ctx context.Context, msgs []*domain.Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append messages: %w", err)
	}
	defer rollback(tx, "append messages")

	now := time.Now().Unix()
	for _, m := range msgs {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO messages (run_id, agent_id, role, content, created_at)
			VALUES (?, ?, ?, ?, ?)`,
			m.RunID, m.AgentID, m.Role, m.Content, now,
		); err != nil {
			return fmt.Errorf("append message: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE story_runs SET updated_at = ? WHERE id = ?`, now, msgs[0].RunID,
	); err != nil {
		return fmt.Errorf("touch run: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit append messages: %w", err)
	}
	return nil
}

// GetTranscript returns one character's transcript within a run.
func (s *SQLiteStore) GetTranscript(ctx context.Context, runID, agentID int64) ([]domain.Message, error) {
	query := `
		SELECT id, run_id, agent_id, role, content, created_at
		FROM messages WHERE run_id = ? AND agent_id = ? ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, runID, agentID)
	if err != nil {
		return nil, fmt.Errorf("query transcript: %w", err)
	}
	defer closeRows(rows, "transcript")

	var msgs []domain.Message
	for rows.Next() {
		var m domain.Message
		var createdAt int64
		if err := rows.Scan(&m.ID, &m.RunID, &m.AgentID, &m.Role, &m.Content, &createdAt); err != nil {
			return nil, fmt.Errorf("scan transcript row: %w", err)
		}
		m.CreatedAt = time.Unix(createdAt, 0)
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transcript: %w", err)
	}
	return msgs, nil
}

func closeRows(rows *sql.Rows, what string) {
	if err := rows.Close(); err != nil {
		slog.Warn("failed to close rows", "what", what, "error", err)
	}
}

func rollback(tx *sql.Tx, what string) {
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		slog.Warn("failed to rollback transaction", "what", what, "error", err)
	}
}
