// Package ledger keeps a SQLite history of pipeline runs and every
// synthesis job they dispatched.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dgnsrekt/episode-tts/internal/ttypes"
	_ "modernc.org/sqlite"
)

// Run states.
const (
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// ErrRunNotFound is returned when a run ID is unknown.
var ErrRunNotFound = errors.New("run not found")

// Run is one pipeline invocation.
type Run struct {
	ID         string
	Episode    string
	Status     string
	StartedAt  time.Time
	FinishedAt time.Time

	Segments   int
	Skipped    int
	Dispatched int
	Failed     int
	Attempts   int

	AudioDuration time.Duration
	MP3Path       string
	MP3Bytes      int64
	Error         string
}

// Elapsed is the wall time of a finished run.
func (r Run) Elapsed() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// JobRecord is a persisted ttypes.Job.
type JobRecord struct {
	RunID string
	ttypes.Job
}

// Ledger wraps the SQLite database. A Ledger opened with an empty path
// is disabled and every method is a no-op.
type Ledger struct {
	db        *sql.DB
	retention time.Duration
	logger    *log.Logger
	clock     func() time.Time
}

// Open creates or opens the ledger at path and prunes runs older than
// retention. Zero retention keeps everything.
func Open(ctx context.Context, path string, retention time.Duration, logger *log.Logger) (*Ledger, error) {
	if logger == nil {
		logger = log.Default()
	}
	l := &Ledger{retention: retention, logger: logger.WithPrefix("ledger"), clock: time.Now}
	if path == "" {
		return l, nil
	}

	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create ledger dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close() //nolint:errcheck
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	l.db = db

	if err := l.initSchema(ctx); err != nil {
		db.Close() //nolint:errcheck
		return nil, fmt.Errorf("init ledger schema: %w", err)
	}
	if err := l.Prune(ctx); err != nil {
		l.logger.Warn("prune on open failed", "err", err)
	}
	return l, nil
}

func (l *Ledger) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS runs (
    run_id TEXT PRIMARY KEY,
    episode TEXT NOT NULL,
    status TEXT NOT NULL,
    started_at INTEGER NOT NULL,
    finished_at INTEGER NOT NULL DEFAULT 0,
    segments INTEGER NOT NULL DEFAULT 0,
    skipped INTEGER NOT NULL DEFAULT 0,
    dispatched INTEGER NOT NULL DEFAULT 0,
    failed INTEGER NOT NULL DEFAULT 0,
    attempts INTEGER NOT NULL DEFAULT 0,
    audio_ms INTEGER NOT NULL DEFAULT 0,
    mp3_path TEXT NOT NULL DEFAULT '',
    mp3_bytes INTEGER NOT NULL DEFAULT 0,
    error TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS jobs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id TEXT NOT NULL,
    segment TEXT NOT NULL,
    attempt INTEGER NOT NULL,
    job_id TEXT NOT NULL DEFAULT '',
    outcome TEXT NOT NULL,
    reason TEXT NOT NULL DEFAULT '',
    bytes INTEGER NOT NULL DEFAULT 0,
    started_at INTEGER NOT NULL,
    finished_at INTEGER NOT NULL,
    FOREIGN KEY(run_id) REFERENCES runs(run_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_jobs_run ON jobs(run_id, id);
CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);
`
	_, err := l.db.ExecContext(ctx, ddl)
	return err
}

// Enabled reports whether the ledger is backed by a database.
func (l *Ledger) Enabled() bool {
	return l != nil && l.db != nil
}

// Close releases the database.
func (l *Ledger) Close() error {
	if !l.Enabled() {
		return nil
	}
	return l.db.Close()
}

// StartRun inserts a running row.
func (l *Ledger) StartRun(ctx context.Context, id, episode string, segments int) error {
	if !l.Enabled() {
		return nil
	}
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO runs(run_id, episode, status, started_at, segments) VALUES(?, ?, ?, ?, ?)`,
		id, episode, StatusRunning, l.clock().UnixMilli(), segments)
	if err != nil {
		return fmt.Errorf("start run: %w", err)
	}
	return nil
}

// RecordJob appends one dispatch attempt to a run.
func (l *Ledger) RecordJob(ctx context.Context, runID string, j ttypes.Job) error {
	if !l.Enabled() {
		return nil
	}
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO jobs(run_id, segment, attempt, job_id, outcome, reason, bytes, started_at, finished_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, j.Segment, j.Attempt, j.JobID, j.Outcome.String(), j.Reason, j.Bytes,
		j.Started.UnixMilli(), j.Finished.UnixMilli())
	if err != nil {
		return fmt.Errorf("record job: %w", err)
	}
	return nil
}

// FinishRun stores the final counters of a run. A non-nil runErr marks
// the run failed.
func (l *Ledger) FinishRun(ctx context.Context, r Run, runErr error) error {
	if !l.Enabled() {
		return nil
	}
	status, msg := StatusSucceeded, ""
	if runErr != nil {
		status, msg = StatusFailed, runErr.Error()
	}
	_, err := l.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, finished_at = ?, segments = ?, skipped = ?, dispatched = ?,
		 failed = ?, attempts = ?, audio_ms = ?, mp3_path = ?, mp3_bytes = ?, error = ?
		 WHERE run_id = ?`,
		status, l.clock().UnixMilli(), r.Segments, r.Skipped, r.Dispatched,
		r.Failed, r.Attempts, r.AudioDuration.Milliseconds(), r.MP3Path, r.MP3Bytes, msg, r.ID)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	return nil
}

const runColumns = `run_id, episode, status, started_at, finished_at, segments, skipped,
	dispatched, failed, attempts, audio_ms, mp3_path, mp3_bytes, error`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (Run, error) {
	var (
		r                 Run
		started, finished int64
		audioMS           int64
	)
	err := s.Scan(&r.ID, &r.Episode, &r.Status, &started, &finished, &r.Segments, &r.Skipped,
		&r.Dispatched, &r.Failed, &r.Attempts, &audioMS, &r.MP3Path, &r.MP3Bytes, &r.Error)
	if err != nil {
		return Run{}, err
	}
	r.StartedAt = time.UnixMilli(started)
	if finished > 0 {
		r.FinishedAt = time.UnixMilli(finished)
	}
	r.AudioDuration = time.Duration(audioMS) * time.Millisecond
	return r, nil
}

// RecentRuns lists up to limit runs, newest first. An empty episode
// matches every episode.
func (l *Ledger) RecentRuns(ctx context.Context, episode string, limit int) ([]Run, error) {
	if !l.Enabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}
	rows, err := l.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs
		 WHERE (? = '' OR episode = ?)
		 ORDER BY started_at DESC, rowid DESC LIMIT ?`, episode, episode, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Run fetches one run by ID.
func (l *Ledger) Run(ctx context.Context, id string) (Run, error) {
	if !l.Enabled() {
		return Run{}, ErrRunNotFound
	}
	r, err := scanRun(l.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE run_id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return r, err
}

// RunJobs lists the jobs of a run in the order they finished.
func (l *Ledger) RunJobs(ctx context.Context, runID string) ([]JobRecord, error) {
	if !l.Enabled() {
		return nil, nil
	}
	rows, err := l.db.QueryContext(ctx,
		`SELECT run_id, segment, attempt, job_id, outcome, reason, bytes, started_at, finished_at
		 FROM jobs WHERE run_id = ? ORDER BY id ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck

	var jobs []JobRecord
	for rows.Next() {
		var (
			j                 JobRecord
			outcome           string
			started, finished int64
		)
		if err := rows.Scan(&j.RunID, &j.Segment, &j.Attempt, &j.JobID, &outcome, &j.Reason, &j.Bytes,
			&started, &finished); err != nil {
			return nil, err
		}
		j.Outcome = parseOutcome(outcome)
		j.Started = time.UnixMilli(started)
		j.Finished = time.UnixMilli(finished)
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// Prune deletes runs, and their jobs, that started before the retention
// window.
func (l *Ledger) Prune(ctx context.Context) (err error) {
	if !l.Enabled() || l.retention <= 0 {
		return nil
	}
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback() //nolint:errcheck
		}
	}()

	cutoff := l.clock().Add(-l.retention).UnixMilli()
	if _, err = tx.ExecContext(ctx,
		`DELETE FROM jobs WHERE run_id IN (SELECT run_id FROM runs WHERE started_at < ?)`, cutoff); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM runs WHERE started_at < ?`, cutoff)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		l.logger.Debug("pruned runs", "count", n)
	}
	return tx.Commit()
}

func parseOutcome(s string) ttypes.Outcome {
	for _, o := range []ttypes.Outcome{
		ttypes.OutcomeSuccess, ttypes.OutcomeTransport, ttypes.OutcomeServer, ttypes.OutcomeValidation,
	} {
		if o.String() == s {
			return o
		}
	}
	return ttypes.OutcomeTransport
}
