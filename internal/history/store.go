// Package history records finished runs in a local SQLite database.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/zjsxply/coding-agent-kit-sub000/internal/agent"
	"github.com/zjsxply/coding-agent-kit-sub000/internal/telemetry"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
    id              TEXT PRIMARY KEY,
    agent           TEXT NOT NULL,
    agent_version   TEXT NOT NULL DEFAULT '',
    exit_code       INTEGER,
    runtime_seconds REAL NOT NULL DEFAULT 0,
    total_cost      REAL,
    llm_calls       INTEGER,
    tool_calls      INTEGER,
    output_path     TEXT NOT NULL DEFAULT '',
    trajectory_path TEXT NOT NULL DEFAULT '',
    created_at      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_runs_agent_created ON runs(agent, created_at);
CREATE TABLE IF NOT EXISTS run_models (
    run_id            TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
    model             TEXT NOT NULL,
    prompt_tokens     INTEGER NOT NULL,
    completion_tokens INTEGER NOT NULL,
    total_tokens      INTEGER NOT NULL,
    PRIMARY KEY (run_id, model)
);
`

// Run is one recorded run.
type Run struct {
	ID             string
	Agent          string
	AgentVersion   string
	ExitCode       *int
	RuntimeSeconds float64
	TotalCost      *float64
	LLMCalls       *int
	ToolCalls      *int
	OutputPath     string
	TrajectoryPath string
	CreatedAt      time.Time
	Models         telemetry.ModelUsage
}

// FromResult builds a Run with a fresh time-ordered ID.
func FromResult(r agent.RunResult, at time.Time) Run {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return Run{
		ID:             id.String(),
		Agent:          r.Agent,
		AgentVersion:   deref(r.AgentVersion),
		ExitCode:       r.ExitCode,
		RuntimeSeconds: r.RuntimeSeconds,
		TotalCost:      r.TotalCost,
		LLMCalls:       r.LLMCalls,
		ToolCalls:      r.ToolCalls,
		OutputPath:     deref(r.OutputPath),
		TrajectoryPath: deref(r.TrajectoryPath),
		CreatedAt:      at.UTC(),
		Models:         r.ModelsUsage.Clone(),
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// Store provides SQLite-backed run history.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the history database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create history dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	// One connection keeps PRAGMA foreign_keys in effect for every query.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA foreign_keys=ON", "PRAGMA busy_timeout=5000"} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record stores a run and its per-model usage in one transaction.
func (s *Store) Record(ctx context.Context, r Run) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (
			id, agent, agent_version, exit_code, runtime_seconds,
			total_cost, llm_calls, tool_calls,
			output_path, trajectory_path, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Agent, r.AgentVersion, nullInt(r.ExitCode), r.RuntimeSeconds,
		nullFloat(r.TotalCost), nullInt(r.LLMCalls), nullInt(r.ToolCalls),
		r.OutputPath, r.TrajectoryPath, r.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert run %s: %w", r.ID, err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO run_models (run_id, model, prompt_tokens, completion_tokens, total_tokens)
		VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare usage insert: %w", err)
	}
	defer stmt.Close()
	for _, model := range r.Models.Models() {
		u := r.Models[model]
		if _, err := stmt.ExecContext(ctx, r.ID, model, u.PromptTokens, u.CompletionTokens, u.TotalTokens); err != nil {
			return fmt.Errorf("insert usage %s/%s: %w", r.ID, model, err)
		}
	}
	return tx.Commit()
}

// Filter narrows List.
type Filter struct {
	Agent string
	// Limit caps the number of runs; zero means 20.
	Limit int
}

// List returns recent runs, newest first, with their per-model usage.
func (s *Store) List(ctx context.Context, f Filter) ([]Run, error) {
	if f.Limit <= 0 {
		f.Limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, agent, agent_version, exit_code, runtime_seconds,
		       total_cost, llm_calls, tool_calls,
		       output_path, trajectory_path, created_at
		FROM runs
		WHERE (? = '' OR agent = ?)
		ORDER BY created_at DESC, id DESC
		LIMIT ?`, f.Agent, f.Agent, f.Limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}

	var runs []Run
	for rows.Next() {
		var r Run
		var exit, llm, tools sql.NullInt64
		var cost sql.NullFloat64
		var created string
		if err := rows.Scan(&r.ID, &r.Agent, &r.AgentVersion, &exit, &r.RuntimeSeconds,
			&cost, &llm, &tools, &r.OutputPath, &r.TrajectoryPath, &created); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.ExitCode, r.LLMCalls, r.ToolCalls = intPtr(exit), intPtr(llm), intPtr(tools)
		if cost.Valid {
			r.TotalCost = &cost.Float64
		}
		if t, err := time.Parse(time.RFC3339Nano, created); err == nil {
			r.CreatedAt = t
		}
		runs = append(runs, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range runs {
		models, err := s.models(ctx, runs[i].ID)
		if err != nil {
			return nil, err
		}
		runs[i].Models = models
	}
	return runs, nil
}

func (s *Store) models(ctx context.Context, id string) (telemetry.ModelUsage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT model, prompt_tokens, completion_tokens, total_tokens
		FROM run_models WHERE run_id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("query usage for %s: %w", id, err)
	}
	defer rows.Close()
	out := telemetry.ModelUsage{}
	for rows.Next() {
		var model string
		var u telemetry.Usage
		if err := rows.Scan(&model, &u.PromptTokens, &u.CompletionTokens, &u.TotalTokens); err != nil {
			return nil, fmt.Errorf("scan usage: %w", err)
		}
		out[model] = u
	}
	return out, rows.Err()
}

func nullInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullFloat(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func intPtr(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	n := int(v.Int64)
	return &n
}
