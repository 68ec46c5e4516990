package store

import (
	"context"
	"time"

	"github.com/Mindburn-Labs/nexus/pkg/consensus"
)

// Stats summarizes the store.
type Stats struct {
	ProposalsByStatus map[string]int `json:"proposals_by_status"`
	NodesByStatus     map[string]int `json:"nodes_by_status"`
	Archived          int            `json:"archived"`
	DecisionsLast24h  int            `json:"decisions_last_24h"`
}

// ArchiveDecided stamps archived_at on decided proposals whose decision is
// older than age. Status stays terminal.
func (s *SQLStore) ArchiveDecided(ctx context.Context, age time.Duration) (int64, error) {
	now := s.now()
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE proposals SET archived_at = ?
		WHERE status IN (?, ?) AND archived_at IS NULL AND decided_at <= ?`),
		now.Unix(), string(consensus.StatusAccepted), string(consensus.StatusRejected), now.Add(-age).Unix())
	if err != nil {
		return 0, storageErr("archive decided", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, storageErr("archive decided", err)
	}
	return n, nil
}

// Statistics counts proposals and nodes by status and decisions made in the
// last 24 hours.
func (s *SQLStore) Statistics(ctx context.Context) (*Stats, error) {
	st := &Stats{}
	var err error
	if st.ProposalsByStatus, err = s.countBy(ctx, `SELECT status, COUNT(*) FROM proposals GROUP BY status`); err != nil {
		return nil, err
	}
	if st.NodesByStatus, err = s.countBy(ctx, `SELECT status, COUNT(*) FROM nodes GROUP BY status`); err != nil {
		return nil, err
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM proposals WHERE archived_at IS NOT NULL`).Scan(&st.Archived); err != nil {
		return nil, storageErr("statistics", err)
	}
	since := s.now().Add(-24 * time.Hour).Unix()
	if err := s.db.QueryRowContext(ctx, s.db.Rebind(`
		SELECT COUNT(*) FROM consensus_log WHERE event_type = ? AND created_at > ?`),
		consensus.EventProposalDecided, since).Scan(&st.DecisionsLast24h); err != nil {
		return nil, storageErr("statistics", err)
	}
	return st, nil
}

func (s *SQLStore) countBy(ctx context.Context, query string) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, storageErr("statistics", err)
	}
	defer func() { _ = rows.Close() }()

	out := map[string]int{}
	for rows.Next() {
		var (
			k string
			n int
		)
		if err := rows.Scan(&k, &n); err != nil {
			return nil, storageErr("statistics", err)
		}
		out[k] = n
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("statistics", err)
	}
	return out, nil
}
