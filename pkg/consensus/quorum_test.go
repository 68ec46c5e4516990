package consensus

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRule_Decide(t *testing.T) {
	tests := []struct {
		name  string
		tally Tally
		want  Status
	}{
		{"two thirds meets 0.67", Tally{For: 2, Against: 1}, StatusAccepted},
		{"one third", Tally{For: 1, Against: 2}, StatusRejected},
		{"no votes", Tally{}, StatusRejected},
		{"abstentions only", Tally{Abstain: 4}, StatusRejected},
		{"abstentions excluded", Tally{For: 2, Abstain: 5}, StatusAccepted},
		{"unanimous single vote", Tally{For: 1}, StatusAccepted},
		{"single against", Tally{Against: 1}, StatusRejected},
		{"just below", Tally{For: 65, Against: 35}, StatusRejected},
		{"exactly 67 percent", Tally{For: 67, Against: 33}, StatusAccepted},
		{"66.4 percent", Tally{For: 166, Against: 84}, StatusRejected},
		{"66.48 percent", Tally{For: 1329, Against: 670}, StatusRejected},
		{"66.5 percent floor", Tally{For: 133, Against: 67}, StatusAccepted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DefaultRule.Decide(tt.tally))
		})
	}
}

func TestRule_MinDecisive(t *testing.T) {
	rule := Rule{Threshold: 0.5, MinDecisive: 3}
	assert.False(t, rule.Accepts(Tally{For: 2}))
	assert.True(t, rule.Accepts(Tally{For: 2, Against: 1}))

	// a zero minimum still requires one decisive vote
	zero := Rule{Threshold: 0}
	assert.False(t, zero.Accepts(Tally{Abstain: 3}))
	assert.True(t, zero.Accepts(Tally{Against: 1}))
}

func TestTally_Ratio(t *testing.T) {
	assert.Equal(t, 0.0, Tally{Abstain: 2}.Ratio())
	assert.Equal(t, 0.75, Tally{For: 3, Against: 1, Abstain: 9}.Ratio())
	assert.Equal(t, 4, Tally{For: 3, Against: 1, Abstain: 9}.Decisive())
	assert.Equal(t, 13, Tally{For: 3, Against: 1, Abstain: 9}.Total())
}

func TestParseChoice(t *testing.T) {
	c, err := ParseChoice(" for ")
	assert.NoError(t, err)
	assert.Equal(t, ChoiceFor, c)

	_, err = ParseChoice("MAYBE")
	assert.Error(t, err)
}

func TestBackoff_Delay(t *testing.T) {
	p := BackoffPolicy{Base: 10_000_000, Max: 40_000_000}

	assert.Equal(t, int64(10_000_000), int64(p.Delay("run", "p1", 0)))
	assert.Equal(t, int64(20_000_000), int64(p.Delay("run", "p1", 1)))
	assert.Equal(t, int64(40_000_000), int64(p.Delay("run", "p1", 5)), "capped at Max")

	p.MaxJitter = 5_000_000
	d1 := p.Delay("run", "p1", 0)
	d2 := p.Delay("run", "p1", 0)
	assert.Equal(t, d1, d2, "jitter is deterministic for the same inputs")
	assert.GreaterOrEqual(t, int64(d1), int64(10_000_000))
	assert.Less(t, int64(d1), int64(15_000_000))
}
