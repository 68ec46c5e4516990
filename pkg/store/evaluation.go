package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/nexus/pkg/consensus"
)

// LogEntry is one consensus log row.
type LogEntry struct {
	ID         string          `json:"id"`
	CreatedAt  time.Time       `json:"created_at"`
	EventType  string          `json:"event_type"`
	ProposalID string          `json:"proposal_id,omitempty"`
	NodeID     string          `json:"node_id,omitempty"`
	Details    json.RawMessage `json:"details"`
}

// ListOpenExpiredProposals returns VOTING_OPEN proposals with deadline <= now,
// oldest deadline first.
func (s *SQLStore) ListOpenExpiredProposals(ctx context.Context, now time.Time) ([]consensus.Proposal, error) {
	return s.queryProposals(ctx, "list due proposals", s.db.Rebind(`
		SELECT `+proposalColumns+` FROM proposals
		WHERE status = ? AND deadline <= ?
		ORDER BY deadline, id`),
		string(consensus.StatusVotingOpen), now.Unix())
}

// TallyVotes counts current votes by choice.
func (s *SQLStore) TallyVotes(ctx context.Context, proposalID string) (consensus.Tally, error) {
	rows, err := s.db.QueryContext(ctx, s.db.Rebind(`
		SELECT choice, COUNT(*) FROM votes WHERE proposal_id = ? GROUP BY choice`), proposalID)
	if err != nil {
		return consensus.Tally{}, storageErr("tally votes", err)
	}
	defer func() { _ = rows.Close() }()

	var t consensus.Tally
	for rows.Next() {
		var (
			choice string
			n      int
		)
		if err := rows.Scan(&choice, &n); err != nil {
			return consensus.Tally{}, storageErr("tally votes", err)
		}
		switch consensus.Choice(choice) {
		case consensus.ChoiceFor:
			t.For = n
		case consensus.ChoiceAgainst:
			t.Against = n
		case consensus.ChoiceAbstain:
			t.Abstain = n
		}
	}
	if err := rows.Err(); err != nil {
		return consensus.Tally{}, storageErr("tally votes", err)
	}
	return t, nil
}

// CASTransition sets status to next only where it is still expected. One
// conditional UPDATE; the affected row count says whether this call won.
func (s *SQLStore) CASTransition(ctx context.Context, proposalID string, expected, next consensus.Status, at time.Time) (bool, error) {
	if !next.Valid() || !expected.Valid() {
		return false, fmt.Errorf("cas transition: invalid status %q -> %q", expected, next)
	}
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE proposals SET status = ?, decided_at = ?
		WHERE id = ? AND status = ?`),
		string(next), at.Unix(), proposalID, string(expected))
	if err != nil {
		return false, storageErr("cas transition", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, storageErr("cas transition", err)
	}
	return n == 1, nil
}

// RecordDecision appends a PROPOSAL_DECIDED entry.
func (s *SQLStore) RecordDecision(ctx context.Context, d consensus.Decision) error {
	return s.LogEvent(ctx, consensus.EventProposalDecided, d.ProposalID, "", d)
}

// LogEvent appends an entry to the consensus log. details is stored as JSON.
func (s *SQLStore) LogEvent(ctx context.Context, eventType, proposalID, nodeID string, details any) error {
	raw, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("log event %s: %w", eventType, err)
	}
	if details == nil {
		raw = []byte("{}")
	}
	_, err = s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO consensus_log (id, created_at, event_type, proposal_id, node_id, details)
		VALUES (?, ?, ?, ?, ?, ?)`),
		uuid.NewString(), s.now().Unix(), eventType, proposalID, nodeID, string(raw))
	if err != nil {
		return storageErr("log event", err)
	}
	return nil
}

// ConsensusLog returns log entries newest first. An empty proposalID lists
// every entry.
func (s *SQLStore) ConsensusLog(ctx context.Context, proposalID string, limit int) ([]LogEntry, error) {
	query := `SELECT id, created_at, event_type, proposal_id, node_id, details FROM consensus_log`
	var args []any
	if proposalID != "" {
		query += ` WHERE proposal_id = ?`
		args = append(args, proposalID)
	}
	query += ` ORDER BY created_at DESC, id`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return nil, storageErr("consensus log", err)
	}
	defer func() { _ = rows.Close() }()

	var out []LogEntry
	for rows.Next() {
		var (
			e       LogEntry
			created int64
			details string
		)
		if err := rows.Scan(&e.ID, &created, &e.EventType, &e.ProposalID, &e.NodeID, &details); err != nil {
			return nil, storageErr("consensus log", err)
		}
		e.CreatedAt = fromUnix(created)
		e.Details = json.RawMessage(details)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("consensus log", err)
	}
	return out, nil
}
