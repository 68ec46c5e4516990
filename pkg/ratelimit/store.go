package ratelimit

import (
	"context"
	"time"
)

// Tier is one fixed window with its ceiling.
type Tier struct {
	Name   string
	Window time.Duration
	Limit  int64
}

// TierState is a tier's counter after a Take.
type TierState struct {
	Tier
	Count       int64
	WindowStart time.Time
	ResetAt     time.Time
	Exceeded    bool
}

// Remaining is how many calls the window still admits.
func (s TierState) Remaining() int64 {
	if r := s.Limit - s.Count; r > 0 {
		return r
	}
	return 0
}

// TakeResult is the outcome of one atomic multi-tier check.
type TakeResult struct {
	Permitted bool
	Tiers     []TierState
}

// CounterStore is the durable counter backend. Take must check and increment
// every tier as one atomic step across processes: either all tiers count the
// call, or none does.
type CounterStore interface {
	Take(ctx context.Context, key string, tiers []Tier, now time.Time) (TakeResult, error)
	// Purge deletes windows that ended at or before now.
	Purge(ctx context.Context, now time.Time) (int64, error)
}

// windowStart aligns now to the wall-clock boundary of w.
func windowStart(now time.Time, w time.Duration) time.Time {
	return now.Truncate(w)
}

// evaluate applies the fixed-window rule to stored counts. stored[i] < 0
// means missing or unreadable and counts as zero.
func evaluate(tiers []Tier, starts []int64, counts []int64, now time.Time) TakeResult {
	res := TakeResult{Permitted: true, Tiers: make([]TierState, len(tiers))}
	for i, t := range tiers {
		start := windowStart(now, t.Window)
		count := counts[i]
		if starts[i] != start.Unix() || count < 0 {
			count = 0
		}
		st := TierState{Tier: t, Count: count, WindowStart: start, ResetAt: start.Add(t.Window)}
		if count >= t.Limit {
			st.Exceeded = true
			res.Permitted = false
		}
		res.Tiers[i] = st
	}
	if res.Permitted {
		for i := range res.Tiers {
			res.Tiers[i].Count++
		}
	}
	return res
}
