// Package usage persists per-model-turn token accounting to SQLite. Only
// token counts are stored; conversation content never touches disk.
package usage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/harida/titian/pkg/agent"
	_ "github.com/mattn/go-sqlite3"
)

// Store is an append-only token usage store.
type Store struct {
	db *sql.DB
}

// NewStore opens (or creates) the usage database at path.
func NewStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening usage database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrating usage database: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS model_turns (
			id TEXT PRIMARY KEY,
			recorded_at TEXT NOT NULL,
			run_id TEXT NOT NULL,
			round INTEGER NOT NULL,
			provider TEXT NOT NULL,
			model TEXT NOT NULL,
			input_tokens INTEGER NOT NULL,
			output_tokens INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_model_turns_run ON model_turns(run_id);
		CREATE INDEX IF NOT EXISTS idx_model_turns_recorded ON model_turns(recorded_at DESC);
	`)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// RecordTurn appends one model turn's token usage.
func (s *Store) RecordTurn(ctx context.Context, turn agent.UsageTurn) error {
	at := turn.At
	if at.IsZero() {
		at = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO model_turns (id, recorded_at, run_id, round, provider, model, input_tokens, output_tokens)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, uuid.New().String(), at.Format(time.RFC3339), turn.RunID, turn.Round,
		turn.Provider, turn.Model, turn.Usage.InputTokens, turn.Usage.OutputTokens)
	if err != nil {
		return fmt.Errorf("recording model turn: %w", err)
	}
	return nil
}

// ModelSummary aggregates usage for one model.
type ModelSummary struct {
	Model        string `json:"model"`
	Turns        int    `json:"turns"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
}

// Summary is the aggregate view over all recorded turns.
type Summary struct {
	Turns        int            `json:"turns"`
	Runs         int            `json:"runs"`
	InputTokens  int            `json:"input_tokens"`
	OutputTokens int            `json:"output_tokens"`
	ByModel      []ModelSummary `json:"by_model"`
}

// Summarize aggregates all recorded turns.
func (s *Store) Summarize(ctx context.Context) (*Summary, error) {
	summary := &Summary{}

	row := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COUNT(DISTINCT run_id),
		       COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0)
		FROM model_turns
	`)
	if err := row.Scan(&summary.Turns, &summary.Runs, &summary.InputTokens, &summary.OutputTokens); err != nil {
		return nil, fmt.Errorf("aggregating usage: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT model, COUNT(*), SUM(input_tokens), SUM(output_tokens)
		FROM model_turns
		GROUP BY model
		ORDER BY model
	`)
	if err != nil {
		return nil, fmt.Errorf("aggregating usage by model: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var ms ModelSummary
		if err := rows.Scan(&ms.Model, &ms.Turns, &ms.InputTokens, &ms.OutputTokens); err != nil {
			return nil, fmt.Errorf("scanning model summary: %w", err)
		}
		summary.ByModel = append(summary.ByModel, ms)
	}
	return summary, rows.Err()
}

// RunUsage aggregates usage for one run.
func (s *Store) RunUsage(ctx context.Context, runID string) (*ModelSummary, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(model), ''), COUNT(*),
		       COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0)
		FROM model_turns WHERE run_id = ?
	`, runID)

	var ms ModelSummary
	if err := row.Scan(&ms.Model, &ms.Turns, &ms.InputTokens, &ms.OutputTokens); err != nil {
		return nil, fmt.Errorf("aggregating run usage: %w", err)
	}
	return &ms, nil
}
