package consensus

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// memStore is an in-memory ProposalStore with failure injection.
type memStore struct {
	mu        sync.Mutex
	proposals map[string]*Proposal
	tallies   map[string]Tally

	listErr   error
	tallyErr  map[string]error
	casErrs   []error // consumed one per CASTransition call
	casCalls  int
	decisions []Decision
	recordErr error
}

func newMemStore() *memStore {
	return &memStore{
		proposals: map[string]*Proposal{},
		tallies:   map[string]Tally{},
		tallyErr:  map[string]error{},
	}
}

func (m *memStore) add(p Proposal, t Tally) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.Status == "" {
		p.Status = StatusVotingOpen
	}
	m.proposals[p.ID] = &p
	m.tallies[p.ID] = t
}

func (m *memStore) status(id string) Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.proposals[id].Status
}

func (m *memStore) ListOpenExpiredProposals(_ context.Context, now time.Time) ([]Proposal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	var out []Proposal
	for _, p := range m.proposals {
		if p.Due(now) {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) TallyVotes(_ context.Context, id string) (Tally, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.tallyErr[id]; err != nil {
		return Tally{}, err
	}
	return m.tallies[id], nil
}

func (m *memStore) CASTransition(_ context.Context, id string, expected, next Status, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.casCalls++
	if len(m.casErrs) > 0 {
		err := m.casErrs[0]
		m.casErrs = m.casErrs[1:]
		if err != nil {
			return false, err
		}
	}
	p, ok := m.proposals[id]
	if !ok {
		return false, errors.New("no such proposal")
	}
	if p.Status != expected {
		return false, nil
	}
	p.Status = next
	p.DecidedAt = &at
	return true, nil
}

func (m *memStore) RecordDecision(_ context.Context, d Decision) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.recordErr != nil {
		return m.recordErr
	}
	m.decisions = append(m.decisions, d)
	return nil
}
