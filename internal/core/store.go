package core

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/3cpo-dev/appfleet/pkg/api"
)

// ErrRunNotFound is returned by GetRun for an unknown run id.
var ErrRunNotFound = errors.New("run not found")

// Store persists run history. It speaks SQLite (modernc, pure Go) or Postgres.
type Store struct{ db *sqlx.DB }

//go:embed migrations/*.sql
var migrationFS embed.FS

// RunRecord is one row of run history.
type RunRecord struct {
	ID             string    `db:"id" json:"id"`
	Source         string    `db:"source" json:"source"`
	Total          int       `db:"total" json:"total"`
	Succeeded      int       `db:"succeeded" json:"succeeded"`
	Failed         int       `db:"failed" json:"failed"`
	ElapsedSeconds float64   `db:"elapsed_seconds" json:"elapsed_seconds"`
	WorkerCount    int       `db:"worker_count" json:"worker_count"`
	StartedAt      time.Time `db:"started_at" json:"started_at"`
	FinishedAt     time.Time `db:"finished_at" json:"finished_at"`
}

// RunDetail is a run with its job results and deployments.
type RunDetail struct {
	RunRecord
	Results     []api.JobResult        `json:"results"`
	Deployments []api.DeploymentResult `json:"deployments"`
}

// NewStore opens the database for driver ("sqlite" or "postgres") and applies
// the schema.
func NewStore(driver, dsn string) (*Store, error) {
	switch driver {
	case "", "sqlite":
		driver = "sqlite"
		if dir := filepath.Dir(dsn); dsn != ":memory:" && dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create store dir: %w", err)
			}
		}
	case "postgres":
	default:
		return nil, fmt.Errorf("unsupported store driver: %s", driver)
	}
	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if driver == "sqlite" {
		db.SetMaxOpenConns(1)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema, err := migrationFS.ReadFile("migrations/0001_init.sql")
	if err != nil {
		return err
	}
	if _, err := s.db.Exec(string(schema)); err != nil {
		return fmt.Errorf("apply migration: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	if s.db == nil {
		return errors.New("db not initialized")
	}
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error { return s.db.Close() }

// SaveRun stores a summary and its job results in one transaction.
func (s *Store) SaveRun(ctx context.Context, runID, source string, sum api.RunSummary) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, tx.Rebind(`
INSERT INTO runs (id, source, total, succeeded, failed, elapsed_seconds, worker_count, started_at, finished_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		runID, source, sum.Total, sum.SucceededCount, sum.FailedCount, sum.ElapsedSeconds, sum.WorkerCount,
		sum.StartedAt.UTC(), sum.FinishedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	insert := tx.Rebind(`
INSERT INTO job_results (run_id, seq, job_id, succeeded, attempt_count, error, artifact_location, completed_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	for i, r := range sum.Results {
		if _, err := tx.ExecContext(ctx, insert, runID, i, r.JobID, r.Succeeded, r.AttemptCount, r.Error, r.ArtifactLocation, r.CompletedAt.UTC()); err != nil {
			return fmt.Errorf("insert job result %s: %w", r.JobID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// SaveDeployments appends deployment outcomes to a run.
func (s *Store) SaveDeployments(ctx context.Context, runID string, results []api.DeploymentResult) error {
	insert := s.db.Rebind(`
INSERT INTO deployments (run_id, job_id, target, deployed, url, error, deployed_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`)
	for _, d := range results {
		if _, err := s.db.ExecContext(ctx, insert, runID, d.JobID, d.Target, d.Deployed, d.URL, d.Error, d.At.UTC()); err != nil {
			return fmt.Errorf("insert deployment %s/%s: %w", d.JobID, d.Target, err)
		}
	}
	return nil
}

// ListRuns returns the most recent runs first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	var runs []RunRecord
	err := s.db.SelectContext(ctx, &runs, s.db.Rebind(`
SELECT id, source, total, succeeded, failed, elapsed_seconds, worker_count, started_at, finished_at
FROM runs ORDER BY started_at DESC LIMIT ?`), limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return runs, nil
}

// GetRun loads one run with its results in completion order.
func (s *Store) GetRun(ctx context.Context, runID string) (*RunDetail, error) {
	var d RunDetail
	err := s.db.GetContext(ctx, &d.RunRecord, s.db.Rebind(`
SELECT id, source, total, succeeded, failed, elapsed_seconds, worker_count, started_at, finished_at
FROM runs WHERE id = ?`), runID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	if err := s.db.SelectContext(ctx, &d.Results, s.db.Rebind(`
SELECT job_id, succeeded, attempt_count, error, artifact_location, completed_at
FROM job_results WHERE run_id = ? ORDER BY seq`), runID); err != nil {
		return nil, fmt.Errorf("get job results: %w", err)
	}
	if err := s.db.SelectContext(ctx, &d.Deployments, s.db.Rebind(`
SELECT job_id, target, deployed, url, error, deployed_at
FROM deployments WHERE run_id = ? ORDER BY deployed_at`), runID); err != nil {
		return nil, fmt.Errorf("get deployments: %w", err)
	}
	return &d, nil
}
