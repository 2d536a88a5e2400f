package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mpataki/agentrun/internal/models"
	_ "modernc.org/sqlite"
)

var (
	ErrRunNotFound = errors.New("run not found")
	ErrRunActive   = errors.New("run is still active")
)

type Storage struct {
	db *sql.DB
}

func New(dbPath string) (*Storage, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, err
	}
	// Conditional updates rely on a single writer; SQLite serializes anyway.
	db.SetMaxOpenConns(1)

	s := &Storage{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS agent_runs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		agent_id TEXT NOT NULL,
		agent_name TEXT NOT NULL,
		agent_icon TEXT NOT NULL DEFAULT '',
		task TEXT NOT NULL,
		model TEXT NOT NULL,
		project_path TEXT NOT NULL,
		session_id TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'pending',
		pid INTEGER,
		process_started_at TIMESTAMP,
		created_at TIMESTAMP NOT NULL,
		completed_at TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_agent_runs_status ON agent_runs(status);
	CREATE INDEX IF NOT EXISTS idx_agent_runs_agent ON agent_runs(agent_id);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	// Migration: add reconciled column if it doesn't exist
	s.db.Exec(`ALTER TABLE agent_runs ADD COLUMN reconciled INTEGER NOT NULL DEFAULT 0`)

	return nil
}

const runColumns = `id, agent_id, agent_name, agent_icon, task, model, project_path, session_id,
	status, pid, process_started_at, created_at, completed_at, reconciled`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*models.Run, error) {
	var run models.Run
	var pid sql.NullInt64
	var startedAt, completedAt sql.NullTime
	var reconciled int

	err := row.Scan(
		&run.ID, &run.AgentID, &run.AgentName, &run.AgentIcon, &run.Task, &run.Model,
		&run.ProjectPath, &run.SessionID, &run.Status, &pid, &startedAt,
		&run.CreatedAt, &completedAt, &reconciled,
	)
	if err != nil {
		return nil, err
	}

	if pid.Valid {
		p := int(pid.Int64)
		run.PID = &p
	}
	if startedAt.Valid {
		run.ProcessStartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		run.CompletedAt = &completedAt.Time
	}
	run.Reconciled = reconciled != 0
	if !run.Status.Valid() {
		return nil, fmt.Errorf("run %d: unknown status %q", run.ID, run.Status)
	}

	return &run, nil
}

// CreateRun inserts a pending row and returns its identifier.
func (s *Storage) CreateRun(ctx context.Context, run *models.Run) (int64, error) {
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO agent_runs (agent_id, agent_name, agent_icon, task, model, project_path, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		run.AgentID, run.AgentName, run.AgentIcon, run.Task, run.Model, run.ProjectPath,
		models.RunStatusPending, run.CreatedAt,
	)
	if err != nil {
		return 0, err
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, err
	}
	run.ID = id
	run.Status = models.RunStatusPending
	return id, nil
}

func (s *Storage) GetRun(ctx context.Context, id int64) (*models.Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM agent_runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %d: %w", id, ErrRunNotFound)
	}
	return run, err
}

func (s *Storage) GetStatus(ctx context.Context, id int64) (models.RunStatus, error) {
	var status models.RunStatus
	err := s.db.QueryRowContext(ctx, `SELECT status FROM agent_runs WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("run %d: %w", id, ErrRunNotFound)
	}
	if err == nil && !status.Valid() {
		return "", fmt.Errorf("run %d: unknown status %q", id, status)
	}
	return status, err
}

func (s *Storage) ListRuns(ctx context.Context, limit int) ([]*models.Run, error) {
	return s.queryRuns(ctx, `SELECT `+runColumns+` FROM agent_runs ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
}

func (s *Storage) ListRunsByAgent(ctx context.Context, agentID string) ([]*models.Run, error) {
	return s.queryRuns(ctx, `SELECT `+runColumns+` FROM agent_runs WHERE agent_id = ? ORDER BY created_at DESC, id DESC`, agentID)
}

// ListRunningRuns returns every row persisted as running, oldest first.
func (s *Storage) ListRunningRuns(ctx context.Context) ([]*models.Run, error) {
	return s.queryRuns(ctx, `SELECT `+runColumns+` FROM agent_runs WHERE status = ? ORDER BY id`, models.RunStatusRunning)
}

func (s *Storage) queryRuns(ctx context.Context, query string, args ...any) ([]*models.Run, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*models.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}

	return runs, rows.Err()
}

// MarkRunning moves a pending run to running and records the process
// identity. It reports false when the row was not pending.
func (s *Storage) MarkRunning(ctx context.Context, id int64, pid int, startedAt time.Time) (bool, error) {
	return s.exec(ctx,
		`UPDATE agent_runs SET status = ?, pid = ?, process_started_at = ?
		 WHERE id = ? AND status = ?`,
		models.RunStatusRunning, pid, startedAt.UTC(), id, models.RunStatusPending,
	)
}

// SetSessionID assigns the session identifier once. Later calls leave the
// stored value untouched and report false.
func (s *Storage) SetSessionID(ctx context.Context, id int64, sessionID string) (bool, error) {
	if sessionID == "" {
		return false, nil
	}
	return s.exec(ctx,
		`UPDATE agent_runs SET session_id = ? WHERE id = ? AND (session_id IS NULL OR session_id = '')`,
		sessionID, id,
	)
}

// FinishRun moves a running run to a terminal status. Only the first
// caller wins; everybody else gets false.
func (s *Storage) FinishRun(ctx context.Context, id int64, status models.RunStatus) (bool, error) {
	if !models.CanTransition(models.RunStatusRunning, status) {
		return false, fmt.Errorf("invalid terminal status %q", status)
	}
	return s.exec(ctx,
		`UPDATE agent_runs SET status = ?, completed_at = ? WHERE id = ? AND status = ?`,
		status, time.Now().UTC(), id, models.RunStatusRunning,
	)
}

// FailPending marks a run that never spawned as failed. The pid stays NULL.
func (s *Storage) FailPending(ctx context.Context, id int64) (bool, error) {
	return s.exec(ctx,
		`UPDATE agent_runs SET status = ?, completed_at = ? WHERE id = ? AND status = ?`,
		models.RunStatusFailed, time.Now().UTC(), id, models.RunStatusPending,
	)
}

// ReconcileRun marks a running row whose process vanished as completed and
// flags it so callers can tell it apart from an observed exit.
func (s *Storage) ReconcileRun(ctx context.Context, id int64) (bool, error) {
	return s.exec(ctx,
		`UPDATE agent_runs SET status = ?, completed_at = ?, reconciled = 1 WHERE id = ? AND status = ?`,
		models.RunStatusCompleted, time.Now().UTC(), id, models.RunStatusRunning,
	)
}

// RunningPID returns the persisted pid of a running run, or nil when the run
// is not running or never recorded one.
func (s *Storage) RunningPID(ctx context.Context, id int64) (*int, error) {
	var pid sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT pid FROM agent_runs WHERE id = ? AND status = ?`, id, models.RunStatusRunning,
	).Scan(&pid)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !pid.Valid {
		return nil, nil
	}
	p := int(pid.Int64)
	return &p, nil
}

func (s *Storage) DeleteRun(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var status models.RunStatus
	err = tx.QueryRowContext(ctx, `SELECT status FROM agent_runs WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("run %d: %w", id, ErrRunNotFound)
	}
	if err != nil {
		return err
	}
	if !status.IsTerminal() {
		return fmt.Errorf("run %d (%s): %w", id, status, ErrRunActive)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM agent_runs WHERE id = ?`, id); err != nil {
		return err
	}

	return tx.Commit()
}

func (s *Storage) exec(ctx context.Context, query string, args ...any) (bool, error) {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Helper to format time for display
func FormatTimeAgo(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return t.Format("Jan 2")
	}
}
