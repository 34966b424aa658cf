package gateway

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nerrad567/modbus-twin-gateway/internal/infrastructure/database"
)

// AppliedConfig is the last configuration document the gateway accepted.
type AppliedConfig struct {
	Document       json.RawMessage
	DesiredVersion int
	SlaveCount     int
	AppliedAt      time.Time
}

// DefaultOutcomeLogSize is how many reconfiguration outcomes SQLiteStore keeps.
const DefaultOutcomeLogSize = 200

// Outcome is the result of one reconfiguration attempt.
type Outcome struct {
	DesiredVersion int       `json:"desiredVersion"`
	StatusCode     int       `json:"statusCode"`
	Status         string    `json:"status"`
	SlaveCount     int       `json:"slaveCount"`
	AttemptedAt    time.Time `json:"attemptedAt"`
}

// ConfigStore persists the applied configuration across restarts.
type ConfigStore interface {
	// Load returns the applied configuration, or false when none was saved.
	Load(ctx context.Context) (AppliedConfig, bool, error)

	// Save replaces the applied configuration and records a successful outcome.
	Save(ctx context.Context, cfg AppliedConfig) error

	// RecordOutcome records a rejected attempt.
	RecordOutcome(ctx context.Context, outcome Outcome) error
}

// OutcomeHistory lists recent reconfiguration outcomes. A ConfigStore that
// also implements it has its history included in the status method.
type OutcomeHistory interface {
	Recent(ctx context.Context, limit int) ([]Outcome, error)
}

// SQLiteStore is a ConfigStore backed by the gateway database. It needs the
// gateway_config and reconfiguration_log migrations.
//
// The reconfiguration log is capped at the newest DefaultOutcomeLogSize rows.
type SQLiteStore struct {
	db      *database.DB
	logSize int
}

// NewSQLiteStore creates a store over db.
func NewSQLiteStore(db *database.DB) *SQLiteStore {
	return &SQLiteStore{db: db, logSize: DefaultOutcomeLogSize}
}

// Load returns the applied configuration.
func (s *SQLiteStore) Load(ctx context.Context) (AppliedConfig, bool, error) {
	var (
		cfg       AppliedConfig
		document  string
		appliedAt string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT document, desired_version, slave_count, applied_at
		FROM gateway_config WHERE id = 1`,
	).Scan(&document, &cfg.DesiredVersion, &cfg.SlaveCount, &appliedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return AppliedConfig{}, false, nil
	}
	if err != nil {
		return AppliedConfig{}, false, fmt.Errorf("loading applied config: %w", err)
	}

	cfg.Document = json.RawMessage(document)
	cfg.AppliedAt, _ = time.Parse(time.RFC3339Nano, appliedAt) //nolint:errcheck // Format is controlled
	return cfg, true, nil
}

// Save replaces the applied configuration and logs the success in one transaction.
func (s *SQLiteStore) Save(ctx context.Context, cfg AppliedConfig) error {
	if cfg.AppliedAt.IsZero() {
		cfg.AppliedAt = time.Now()
	}
	appliedAt := cfg.AppliedAt.UTC().Format(time.RFC3339Nano)

	return s.db.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO gateway_config (id, document, desired_version, slave_count, applied_at)
			VALUES (1, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				document = excluded.document,
				desired_version = excluded.desired_version,
				slave_count = excluded.slave_count,
				applied_at = excluded.applied_at`,
			string(cfg.Document), cfg.DesiredVersion, cfg.SlaveCount, appliedAt,
		)
		if err != nil {
			return fmt.Errorf("saving applied config: %w", err)
		}
		return s.insertOutcome(ctx, tx, Outcome{
			DesiredVersion: cfg.DesiredVersion,
			StatusCode:     200,
			Status:         StatusCompleted,
			SlaveCount:     cfg.SlaveCount,
			AttemptedAt:    cfg.AppliedAt,
		})
	})
}

// RecordOutcome appends an attempt to the reconfiguration log.
func (s *SQLiteStore) RecordOutcome(ctx context.Context, outcome Outcome) error {
	return s.db.WithTx(ctx, func(tx *sql.Tx) error {
		return s.insertOutcome(ctx, tx, outcome)
	})
}

// Recent returns up to limit outcomes, newest first.
func (s *SQLiteStore) Recent(ctx context.Context, limit int) ([]Outcome, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT desired_version, status_code, status, slave_count, attempted_at
		FROM reconfiguration_log
		ORDER BY id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying reconfiguration log: %w", err)
	}
	defer rows.Close()

	var outcomes []Outcome
	for rows.Next() {
		var (
			o  Outcome
			at string
		)
		if err := rows.Scan(&o.DesiredVersion, &o.StatusCode, &o.Status, &o.SlaveCount, &at); err != nil {
			return nil, fmt.Errorf("scanning reconfiguration log: %w", err)
		}
		o.AttemptedAt, _ = time.Parse(time.RFC3339Nano, at) //nolint:errcheck // Format is controlled
		outcomes = append(outcomes, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating reconfiguration log: %w", err)
	}
	return outcomes, nil
}

// insertOutcome appends o and drops rows beyond the log size in the same
// transaction.
func (s *SQLiteStore) insertOutcome(ctx context.Context, tx *sql.Tx, o Outcome) error {
	if o.AttemptedAt.IsZero() {
		o.AttemptedAt = time.Now()
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO reconfiguration_log (desired_version, status_code, status, slave_count, attempted_at)
		VALUES (?, ?, ?, ?, ?)`,
		o.DesiredVersion, o.StatusCode, o.Status, o.SlaveCount,
		o.AttemptedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("recording reconfiguration outcome: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		DELETE FROM reconfiguration_log
		WHERE id NOT IN (SELECT id FROM reconfiguration_log ORDER BY id DESC LIMIT ?)`,
		s.logSize,
	)
	if err != nil {
		return fmt.Errorf("pruning reconfiguration log: %w", err)
	}
	return nil
}
