package ratelimit

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"

	"github.com/Mindburn-Labs/nexus/pkg/database"
)

// SQLCounterStore keeps fixed-window counters in a SQL table. Each Take runs
// in one transaction: SQLite opens it IMMEDIATE (writer lock up front) and
// Postgres locks the rows with SELECT ... FOR UPDATE.
type SQLCounterStore struct {
	db *database.DB
}

// NewSQLCounterStore creates the rate_windows table if needed.
func NewSQLCounterStore(db *database.DB) (*SQLCounterStore, error) {
	s := &SQLCounterStore{db: db}
	if err := s.db.Migrate(
		`CREATE TABLE IF NOT EXISTS rate_windows (
			client_key   TEXT NOT NULL,
			tier         TEXT NOT NULL,
			window_start BIGINT,
			count        BIGINT,
			expires_at   BIGINT NOT NULL DEFAULT 0,
			PRIMARY KEY (client_key, tier)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_rate_windows_expires_at ON rate_windows (expires_at)`,
	); err != nil {
		return nil, err
	}
	return s, nil
}

// Take checks and increments every tier of key in a single transaction.
func (s *SQLCounterStore) Take(ctx context.Context, key string, tiers []Tier, now time.Time) (res TakeResult, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return TakeResult{}, fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	ensure := s.db.Rebind(`INSERT INTO rate_windows (client_key, tier, window_start, count, expires_at)
		VALUES (?, ?, ?, 0, ?) ON CONFLICT (client_key, tier) DO NOTHING`)
	load := s.db.Rebind(`SELECT window_start, count FROM rate_windows WHERE client_key = ? AND tier = ?`) + s.db.ForUpdate()

	starts := make([]int64, len(tiers))
	counts := make([]int64, len(tiers))
	for i, t := range tiers {
		start := windowStart(now, t.Window)
		if _, err = tx.ExecContext(ctx, ensure, key, t.Name, start.Unix(), start.Add(t.Window).Unix()); err != nil {
			return TakeResult{}, fmt.Errorf("ensure %s window: %w", t.Name, err)
		}
		var rawStart, rawCount sql.NullString
		if err = tx.QueryRowContext(ctx, load, key, t.Name).Scan(&rawStart, &rawCount); err != nil {
			return TakeResult{}, fmt.Errorf("load %s window: %w", t.Name, err)
		}
		starts[i] = parseCounter(rawStart)
		counts[i] = parseCounter(rawCount)
	}

	res = evaluate(tiers, starts, counts, now)

	// Rewrite every tier, including on denial, so stale or corrupt rows are
	// normalized. A denied call leaves counts unchanged.
	save := s.db.Rebind(`UPDATE rate_windows SET window_start = ?, count = ?, expires_at = ?
		WHERE client_key = ? AND tier = ?`)
	for _, st := range res.Tiers {
		if _, err = tx.ExecContext(ctx, save, st.WindowStart.Unix(), st.Count, st.ResetAt.Unix(), key, st.Name); err != nil {
			return TakeResult{}, fmt.Errorf("save %s window: %w", st.Name, err)
		}
	}
	if err = tx.Commit(); err != nil {
		return TakeResult{}, fmt.Errorf("commit: %w", err)
	}
	return res, nil
}

// Purge deletes windows that have ended.
func (s *SQLCounterStore) Purge(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM rate_windows WHERE expires_at <= ?`), now.Unix())
	if err != nil {
		return 0, fmt.Errorf("purge rate windows: %w", err)
	}
	return res.RowsAffected()
}

// parseCounter returns -1 for NULL or unparsable values.
func parseCounter(v sql.NullString) int64 {
	if !v.Valid {
		return -1
	}
	n, err := strconv.ParseInt(v.String, 10, 64)
	if err != nil {
		return -1
	}
	return n
}
