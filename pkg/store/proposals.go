package store

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/Mindburn-Labs/nexus/pkg/canonicalize"
	"github.com/Mindburn-Labs/nexus/pkg/consensus"
)

// NewProposal is the input to CreateProposal.
type NewProposal struct {
	Type        consensus.ProposalType `json:"type"`
	Title       string                 `json:"title"`
	Description string                 `json:"description,omitempty"`
	Payload     json.RawMessage        `json:"payload,omitempty"`
	ProposerID  string                 `json:"proposer_id"`
}

// Vote is one node's vote on one proposal.
type Vote struct {
	ProposalID string           `json:"proposal_id"`
	VoterID    string           `json:"voter_id"`
	Choice     consensus.Choice `json:"choice"`
	CastAt     time.Time        `json:"cast_at"`
}

// ListFilter narrows ListProposals. The zero value lists every
// non-archived proposal, newest first.
type ListFilter struct {
	Status          consensus.Status
	IncludeArchived bool
	Limit           int
}

const proposalColumns = `id, type, title, description, payload, proposer_id, created_at, deadline, status, decided_at, archived_at`

func (in *NewProposal) normalize() error {
	in.Title = strings.TrimSpace(in.Title)
	in.Description = strings.TrimSpace(in.Description)
	in.Type = consensus.ProposalType(strings.ToUpper(strings.TrimSpace(string(in.Type))))

	if n := utf8.RuneCountInString(in.Title); n == 0 || n > MaxTitleRunes {
		return fmt.Errorf("%w: title must be 1-%d characters", consensus.ErrInvalidProposal, MaxTitleRunes)
	}
	if utf8.RuneCountInString(in.Description) > MaxDescriptionRunes {
		return fmt.Errorf("%w: description must be at most %d characters", consensus.ErrInvalidProposal, MaxDescriptionRunes)
	}
	if len(in.Payload) > MaxPayloadBytes {
		return fmt.Errorf("%w: payload exceeds %d bytes", consensus.ErrInvalidProposal, MaxPayloadBytes)
	}
	if in.ProposerID == "" {
		return fmt.Errorf("%w: proposer is required", consensus.ErrInvalidProposal)
	}
	if len(bytes.TrimSpace(in.Payload)) == 0 {
		in.Payload = json.RawMessage("{}")
	}
	return nil
}

// proposalID is the SHA-256 of the canonical proposal content and the
// creation second. payload must already be canonical JSON.
func proposalID(in NewProposal, payload []byte, createdAt int64) (string, error) {
	return canonicalize.Digest(map[string]any{
		"type":        in.Type,
		"title":       in.Title,
		"description": in.Description,
		"payload":     json.RawMessage(payload),
		"proposer_id": in.ProposerID,
		"created_at":  createdAt,
	})
}

// CreateProposal validates and stores a new VOTING_OPEN proposal whose
// deadline is one voting period from now.
func (s *SQLStore) CreateProposal(ctx context.Context, in NewProposal) (*consensus.Proposal, error) {
	if err := in.normalize(); err != nil {
		return nil, err
	}
	if err := s.validator.Validate(in.Type, in.Payload); err != nil {
		return nil, err
	}
	payload, err := canonicalize.Transform(in.Payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", consensus.ErrInvalidProposal, err)
	}

	now := s.now().UTC().Truncate(time.Second)
	id, err := proposalID(in, payload, now.Unix())
	if err != nil {
		return nil, err
	}
	p := &consensus.Proposal{
		ID:          id,
		Type:        in.Type,
		Title:       in.Title,
		Description: in.Description,
		Payload:     payload,
		ProposerID:  in.ProposerID,
		CreatedAt:   now,
		Deadline:    now.Add(s.votingPeriod),
		Status:      consensus.StatusVotingOpen,
	}

	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO proposals (id, type, title, description, payload, proposer_id, created_at, deadline, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`),
		p.ID, string(p.Type), p.Title, p.Description, string(p.Payload), p.ProposerID,
		unix(p.CreatedAt), unix(p.Deadline), string(p.Status))
	if err != nil {
		return nil, storageErr("create proposal", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, storageErr("create proposal", err)
	}
	if n == 0 {
		return nil, fmt.Errorf("%w: %s", consensus.ErrDuplicateProposal, p.ID)
	}
	return p, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProposal(row rowScanner) (*consensus.Proposal, error) {
	var (
		p                    consensus.Proposal
		typ, status, payload string
		created, deadline    int64
		decided, archived    sql.NullInt64
	)
	if err := row.Scan(&p.ID, &typ, &p.Title, &p.Description, &payload, &p.ProposerID,
		&created, &deadline, &status, &decided, &archived); err != nil {
		return nil, err
	}
	p.Type = consensus.ProposalType(typ)
	p.Status = consensus.Status(status)
	p.Payload = json.RawMessage(payload)
	p.CreatedAt = fromUnix(created)
	p.Deadline = fromUnix(deadline)
	p.DecidedAt = fromNullUnix(decided)
	p.ArchivedAt = fromNullUnix(archived)
	return &p, nil
}

// GetProposal returns the proposal or consensus.ErrNotFound.
func (s *SQLStore) GetProposal(ctx context.Context, id string) (*consensus.Proposal, error) {
	row := s.db.QueryRowContext(ctx, s.db.Rebind(`SELECT `+proposalColumns+` FROM proposals WHERE id = ?`), id)
	p, err := scanProposal(row)
	if isNoRows(err) {
		return nil, fmt.Errorf("%w: %s", consensus.ErrNotFound, id)
	}
	if err != nil {
		return nil, storageErr("get proposal", err)
	}
	return p, nil
}

// ListProposals returns proposals newest first.
func (s *SQLStore) ListProposals(ctx context.Context, f ListFilter) ([]consensus.Proposal, error) {
	var (
		where []string
		args  []any
	)
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if !f.IncludeArchived {
		where = append(where, "archived_at IS NULL")
	}
	query := `SELECT ` + proposalColumns + ` FROM proposals`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, id`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	return s.queryProposals(ctx, "list proposals", s.db.Rebind(query), args...)
}

func (s *SQLStore) queryProposals(ctx context.Context, op, query string, args ...any) ([]consensus.Proposal, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr(op, err)
	}
	defer func() { _ = rows.Close() }()

	var out []consensus.Proposal
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, storageErr(op, err)
		}
		out = append(out, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr(op, err)
	}
	return out, nil
}

// CastVote records voterID's choice. A repeat vote while voting is open
// replaces the earlier one. Votes at or after the deadline, or on a decided
// proposal, fail with consensus.ErrVotingClosed.
func (s *SQLStore) CastVote(ctx context.Context, proposalID, voterID string, choice consensus.Choice) (*Vote, error) {
	choice, err := consensus.ParseChoice(string(choice))
	if err != nil {
		return nil, err
	}
	if voterID == "" {
		return nil, fmt.Errorf("cast vote: voter is required")
	}
	now := s.now().UTC().Truncate(time.Second)

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		var (
			status   string
			deadline int64
		)
		err := tx.QueryRowContext(ctx,
			s.db.Rebind(`SELECT status, deadline FROM proposals WHERE id = ?`+s.db.ForUpdate()),
			proposalID).Scan(&status, &deadline)
		if isNoRows(err) {
			return fmt.Errorf("%w: %s", consensus.ErrNotFound, proposalID)
		}
		if err != nil {
			return storageErr("cast vote", err)
		}
		if consensus.Status(status) != consensus.StatusVotingOpen || now.Unix() >= deadline {
			return fmt.Errorf("%w: %s", consensus.ErrVotingClosed, proposalID)
		}

		if _, err := tx.ExecContext(ctx, s.db.Rebind(`
			INSERT INTO votes (proposal_id, voter_id, choice, cast_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (proposal_id, voter_id) DO UPDATE
			SET choice = excluded.choice, cast_at = excluded.cast_at`),
			proposalID, voterID, string(choice), now.Unix()); err != nil {
			return storageErr("cast vote", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &Vote{ProposalID: proposalID, VoterID: voterID, Choice: choice, CastAt: now}, nil
}

// ListVotes returns the votes on a proposal ordered by voter.
func (s *SQLStore) ListVotes(ctx context.Context, proposalID string) ([]Vote, error) {
	rows, err := s.db.QueryContext(ctx, s.db.Rebind(`
		SELECT proposal_id, voter_id, choice, cast_at FROM votes
		WHERE proposal_id = ? ORDER BY voter_id`), proposalID)
	if err != nil {
		return nil, storageErr("list votes", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Vote
	for rows.Next() {
		var (
			v      Vote
			choice string
			castAt int64
		)
		if err := rows.Scan(&v.ProposalID, &v.VoterID, &choice, &castAt); err != nil {
			return nil, storageErr("list votes", err)
		}
		v.Choice = consensus.Choice(choice)
		v.CastAt = fromUnix(castAt)
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list votes", err)
	}
	return out, nil
}
