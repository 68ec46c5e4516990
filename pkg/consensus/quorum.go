package consensus

import "math"

// Rule is the quorum rule: a proposal is accepted when it has at least
// MinDecisive decisive votes and the FOR share of decisive votes reaches
// Threshold.
type Rule struct {
	Threshold   float64
	MinDecisive int
}

// DefaultRule is a two-thirds majority of at least one decisive vote.
var DefaultRule = Rule{Threshold: 0.67, MinDecisive: 1}

// Accepts applies the rule. Ratio and threshold are each rounded to whole
// percentage points (half away from zero) before comparing, so the FOR share
// must be at least round(Threshold*100) - 0.5 percent. At 0.67 the floor is
// 66.5%: 2 of 3 (66.7%) and 133 of 200 are accepted, 166 of 250 (66.4%) is
// not.
func (r Rule) Accepts(t Tally) bool {
	minimum := r.MinDecisive
	if minimum < 1 {
		minimum = 1
	}
	if t.Decisive() < minimum {
		return false
	}
	return percent(t.Ratio()) >= percent(r.Threshold)
}

// Decide returns ACCEPTED or REJECTED for t.
func (r Rule) Decide(t Tally) Status {
	if r.Accepts(t) {
		return StatusAccepted
	}
	return StatusRejected
}

func percent(f float64) int64 {
	return int64(math.Round(f * 100))
}
