package consensus

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"
)

// BackoffPolicy bounds the wait between guarded-write attempts.
type BackoffPolicy struct {
	Base      time.Duration
	Max       time.Duration
	MaxJitter time.Duration
}

// DefaultBackoff is used when the evaluator is not given a policy.
var DefaultBackoff = BackoffPolicy{
	Base:      50 * time.Millisecond,
	Max:       2 * time.Second,
	MaxJitter: 25 * time.Millisecond,
}

// Delay returns the wait before attempt (zero based) for one proposal in one
// run. The delay doubles per attempt up to Max, plus a jitter derived from
// runID, proposalID and attempt, so a replayed run waits the same amounts.
func (p BackoffPolicy) Delay(runID, proposalID string, attempt int) time.Duration {
	factor := int64(1)
	if attempt > 0 {
		if attempt > 30 {
			factor = 1 << 30
		} else {
			factor = 1 << attempt
		}
	}

	delay := int64(p.Base) * factor
	if p.Max > 0 && delay > int64(p.Max) {
		delay = int64(p.Max)
	}
	return time.Duration(delay + p.jitter(runID, proposalID, attempt))
}

func (p BackoffPolicy) jitter(runID, proposalID string, attempt int) int64 {
	if p.MaxJitter <= 0 {
		return 0
	}
	seed := fmt.Sprintf("%s:%s:%d", runID, proposalID, attempt)
	sum := sha256.Sum256([]byte(seed))
	basis := binary.BigEndian.Uint64(sum[:8])
	return int64(basis % uint64(p.MaxJitter)) //nolint:gosec // MaxJitter is positive
}
