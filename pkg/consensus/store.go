package consensus

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrStorage wraps any failure of the backing store.
	ErrStorage = errors.New("consensus: storage failure")
	// ErrNotFound is returned for an unknown proposal id.
	ErrNotFound = errors.New("consensus: proposal not found")
	// ErrVotingClosed is returned for a vote on a proposal past its deadline
	// or no longer VOTING_OPEN.
	ErrVotingClosed = errors.New("consensus: voting closed")
	// ErrDuplicateProposal is returned when an identical proposal already exists.
	ErrDuplicateProposal = errors.New("consensus: duplicate proposal")
	// ErrInvalidProposal is returned when a proposal fails validation.
	ErrInvalidProposal = errors.New("consensus: invalid proposal")
)

// ProposalStore is the storage the evaluator decides against.
//
// CASTransition moves a proposal from expected to next only if its stored
// status is still expected, and reports whether this caller made the change.
// Exactly one of any number of concurrent callers observes true.
type ProposalStore interface {
	ListOpenExpiredProposals(ctx context.Context, now time.Time) ([]Proposal, error)
	TallyVotes(ctx context.Context, proposalID string) (Tally, error)
	CASTransition(ctx context.Context, proposalID string, expected, next Status, at time.Time) (bool, error)
}

// DecisionRecorder persists the audit record of a won transition.
type DecisionRecorder interface {
	RecordDecision(ctx context.Context, d Decision) error
}

// EffectApplier runs the side effects of a decided proposal.
type EffectApplier interface {
	Apply(ctx context.Context, p Proposal, d Decision) error
}

// EffectFunc adapts a function to EffectApplier.
type EffectFunc func(ctx context.Context, p Proposal, d Decision) error

// Apply calls f.
func (f EffectFunc) Apply(ctx context.Context, p Proposal, d Decision) error {
	return f(ctx, p, d)
}
