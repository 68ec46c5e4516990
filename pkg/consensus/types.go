package consensus

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Status is a proposal's lifecycle state. VOTING_OPEN moves to exactly one
// terminal state.
type Status string

const (
	StatusVotingOpen Status = "VOTING_OPEN"
	StatusAccepted   Status = "ACCEPTED"
	StatusRejected   Status = "REJECTED"
)

// Terminal reports whether s is ACCEPTED or REJECTED.
func (s Status) Terminal() bool {
	return s == StatusAccepted || s == StatusRejected
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s == StatusVotingOpen || s.Terminal()
}

// Choice is a single vote.
type Choice string

const (
	ChoiceFor     Choice = "FOR"
	ChoiceAgainst Choice = "AGAINST"
	ChoiceAbstain Choice = "ABSTAIN"
)

// ParseChoice accepts FOR, AGAINST or ABSTAIN in any case.
func ParseChoice(s string) (Choice, error) {
	switch c := Choice(strings.ToUpper(strings.TrimSpace(s))); c {
	case ChoiceFor, ChoiceAgainst, ChoiceAbstain:
		return c, nil
	default:
		return "", fmt.Errorf("invalid vote choice %q", s)
	}
}

// ProposalType selects the payload shape and the effect of an accepted proposal.
type ProposalType string

const (
	TypeNodeAdmission   ProposalType = "NODE_ADMISSION"
	TypeParameterChange ProposalType = "PARAMETER_CHANGE"
	TypeSystemUpdate    ProposalType = "SYSTEM_UPDATE"
	TypeSecurityUpdate  ProposalType = "SECURITY_UPDATE"
	TypeEmergency       ProposalType = "EMERGENCY"
	TypeGeneral         ProposalType = "GENERAL"
)

// ProposalTypes lists every accepted proposal type.
var ProposalTypes = []ProposalType{
	TypeNodeAdmission, TypeParameterChange, TypeSystemUpdate,
	TypeSecurityUpdate, TypeEmergency, TypeGeneral,
}

// Proposal is a motion put to a vote.
type Proposal struct {
	ID          string          `json:"id"`
	Type        ProposalType    `json:"type"`
	Title       string          `json:"title"`
	Description string          `json:"description,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	ProposerID  string          `json:"proposer_id"`
	CreatedAt   time.Time       `json:"created_at"`
	Deadline    time.Time       `json:"deadline"`
	Status      Status          `json:"status"`
	DecidedAt   *time.Time      `json:"decided_at,omitempty"`
	ArchivedAt  *time.Time      `json:"archived_at,omitempty"`
}

// Due reports whether voting on p has closed at now and p is still undecided.
func (p Proposal) Due(now time.Time) bool {
	return p.Status == StatusVotingOpen && !now.Before(p.Deadline)
}

// Tally is the vote count for one proposal.
type Tally struct {
	For     int `json:"for"`
	Against int `json:"against"`
	Abstain int `json:"abstain"`
}

// Decisive is FOR plus AGAINST. Abstentions are excluded.
func (t Tally) Decisive() int { return t.For + t.Against }

// Total counts every vote.
func (t Tally) Total() int { return t.For + t.Against + t.Abstain }

// Ratio is FOR over decisive votes, or 0 when there are none.
func (t Tally) Ratio() float64 {
	if t.Decisive() == 0 {
		return 0
	}
	return float64(t.For) / float64(t.Decisive())
}

// Decision is the recorded outcome of one guarded transition.
type Decision struct {
	ProposalID  string       `json:"proposal_id"`
	Type        ProposalType `json:"type"`
	Outcome     Status       `json:"outcome"`
	Tally       Tally        `json:"tally"`
	Ratio       float64      `json:"ratio"`
	Threshold   float64      `json:"threshold"`
	MinDecisive int          `json:"min_decisive"`
	RunID       string       `json:"run_id"`
	DecidedAt   time.Time    `json:"decided_at"`
}
