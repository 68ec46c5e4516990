// Package store persists proposals, votes, nodes, system parameters and the
// consensus log in SQLite or Postgres. It implements the collaborators the
// consensus evaluator and the request authenticator depend on.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/nexus/pkg/consensus"
	"github.com/Mindburn-Labs/nexus/pkg/database"
)

// Limits on proposal content.
const (
	MaxTitleRunes       = 200
	MaxDescriptionRunes = 1000
	MaxPayloadBytes     = 10 * 1024
)

// SQLStore is the durable store. All times are stored as unix seconds.
type SQLStore struct {
	db           *database.DB
	validator    *PayloadValidator
	votingPeriod time.Duration
	now          func() time.Time
}

// Option configures a SQLStore.
type Option func(*SQLStore)

// WithVotingPeriod sets the time between creation and deadline.
func WithVotingPeriod(d time.Duration) Option {
	return func(s *SQLStore) {
		if d > 0 {
			s.votingPeriod = d
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *SQLStore) { s.now = now }
}

// New migrates the schema and returns a store.
func New(db *database.DB, opts ...Option) (*SQLStore, error) {
	validator, err := NewPayloadValidator()
	if err != nil {
		return nil, err
	}
	s := &SQLStore{
		db:           db,
		validator:    validator,
		votingPeriod: 72 * time.Hour,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) migrate() error {
	return s.db.Migrate(
		`CREATE TABLE IF NOT EXISTS proposals (
			id          TEXT PRIMARY KEY,
			type        TEXT NOT NULL,
			title       TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			payload     TEXT NOT NULL DEFAULT '{}',
			proposer_id TEXT NOT NULL,
			created_at  BIGINT NOT NULL,
			deadline    BIGINT NOT NULL,
			status      TEXT NOT NULL,
			decided_at  BIGINT,
			archived_at BIGINT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_proposals_status_deadline ON proposals (status, deadline)`,
		`CREATE TABLE IF NOT EXISTS votes (
			proposal_id TEXT NOT NULL REFERENCES proposals (id),
			voter_id    TEXT NOT NULL,
			choice      TEXT NOT NULL,
			cast_at     BIGINT NOT NULL,
			PRIMARY KEY (proposal_id, voter_id)
		)`,
		`CREATE TABLE IF NOT EXISTS nodes (
			node_id       TEXT PRIMARY KEY,
			endpoint      TEXT NOT NULL DEFAULT '',
			secret        TEXT NOT NULL DEFAULT '',
			status        TEXT NOT NULL,
			proposal_id   TEXT NOT NULL DEFAULT '',
			registered_at BIGINT NOT NULL,
			updated_at    BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS consensus_log (
			id          TEXT PRIMARY KEY,
			created_at  BIGINT NOT NULL,
			event_type  TEXT NOT NULL,
			proposal_id TEXT NOT NULL DEFAULT '',
			node_id     TEXT NOT NULL DEFAULT '',
			details     TEXT NOT NULL DEFAULT '{}'
		)`,
		`CREATE INDEX IF NOT EXISTS idx_consensus_log_event ON consensus_log (event_type, created_at)`,
		`CREATE TABLE IF NOT EXISTS system_parameters (
			param_key   TEXT PRIMARY KEY,
			param_value TEXT NOT NULL,
			proposal_id TEXT NOT NULL DEFAULT '',
			updated_at  BIGINT NOT NULL
		)`,
	)
}

// Ping checks connectivity.
func (s *SQLStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %w", consensus.ErrStorage, err)
	}
	return nil
}

func (s *SQLStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin: %w", consensus.ErrStorage, err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %w", consensus.ErrStorage, err)
	}
	return nil
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", consensus.ErrStorage, op, err)
}

func unix(t time.Time) int64 { return t.Unix() }

func fromUnix(sec int64) time.Time { return time.Unix(sec, 0).UTC() }

func fromNullUnix(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromUnix(n.Int64)
	return &t
}

func isNoRows(err error) bool { return errors.Is(err, sql.ErrNoRows) }

var (
	_ consensus.ProposalStore    = (*SQLStore)(nil)
	_ consensus.DecisionRecorder = (*SQLStore)(nil)
	_ consensus.NodeActivator    = (*SQLStore)(nil)
	_ consensus.ParameterWriter  = (*SQLStore)(nil)
	_ consensus.EventLogger      = (*SQLStore)(nil)
)
