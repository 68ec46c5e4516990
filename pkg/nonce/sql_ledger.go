package nonce

import (
	"context"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/nexus/pkg/database"
)

// SQLLedger keeps nonces in a SQL table. A single upsert both inserts new
// pairs and reclaims expired ones, so check-and-insert is one statement.
type SQLLedger struct {
	db *database.DB
}

// NewSQLLedger creates the nonces table if needed.
func NewSQLLedger(db *database.DB) (*SQLLedger, error) {
	l := &SQLLedger{db: db}
	if err := l.migrate(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *SQLLedger) migrate() error {
	return l.db.Migrate(
		`CREATE TABLE IF NOT EXISTS nonces (
			node_id    TEXT NOT NULL,
			nonce      TEXT NOT NULL,
			first_seen BIGINT NOT NULL,
			expires_at BIGINT NOT NULL,
			PRIMARY KEY (node_id, nonce)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_nonces_expires_at ON nonces (expires_at)`,
	)
}

// MarkIfNew inserts the pair, or overwrites a row whose expiry second is
// before now. A live row is left untouched and the statement affects zero
// rows.
func (l *SQLLedger) MarkIfNew(ctx context.Context, nodeID, nonce string, now, expiry time.Time) (bool, error) {
	if err := validate(nodeID, nonce); err != nil {
		return false, err
	}
	at := now.Unix()
	query := l.db.Rebind(`
		INSERT INTO nonces (node_id, nonce, first_seen, expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (node_id, nonce) DO UPDATE
		SET first_seen = excluded.first_seen, expires_at = excluded.expires_at
		WHERE nonces.expires_at < ?`)

	res, err := l.db.ExecContext(ctx, query, nodeID, nonce, at, expiry.Unix(), at)
	if err != nil {
		return false, fmt.Errorf("nonce: mark %s: %w", nodeID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("nonce: rows affected: %w", err)
	}
	return n == 1, nil
}

// Purge deletes expired nonces.
func (l *SQLLedger) Purge(ctx context.Context, now time.Time) (int64, error) {
	res, err := l.db.ExecContext(ctx, l.db.Rebind(`DELETE FROM nonces WHERE expires_at < ?`), now.Unix())
	if err != nil {
		return 0, fmt.Errorf("nonce: purge: %w", err)
	}
	return res.RowsAffected()
}
