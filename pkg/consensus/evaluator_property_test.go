//go:build property

package consensus

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestProperty_QuorumMonotonic(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("adding a FOR vote never turns ACCEPTED into REJECTED", prop.ForAll(
		func(f, a, ab int) bool {
			before := Tally{For: f, Against: a, Abstain: ab}
			after := Tally{For: f + 1, Against: a, Abstain: ab}
			return !DefaultRule.Accepts(before) || DefaultRule.Accepts(after)
		},
		gen.IntRange(0, 200), gen.IntRange(0, 200), gen.IntRange(0, 200),
	))

	properties.Property("abstentions never change the outcome", prop.ForAll(
		func(f, a, ab int) bool {
			return DefaultRule.Decide(Tally{For: f, Against: a}) == DefaultRule.Decide(Tally{For: f, Against: a, Abstain: ab})
		},
		gen.IntRange(0, 200), gen.IntRange(0, 200), gen.IntRange(0, 200),
	))

	properties.TestingRun(t)
}

func TestProperty_ConcurrentRunsDecideEachProposalOnce(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("one decision per due proposal", prop.ForAll(
		func(proposals, runs int) bool {
			store := newMemStore()
			for i := 0; i < proposals; i++ {
				store.add(dueProposal(fmt.Sprintf("p%d", i), TypeGeneral), Tally{For: i % 3, Against: i % 2})
			}
			var wg sync.WaitGroup
			for i := 0; i < runs; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, _ = newTestEvaluator(store).EvaluateDueProposals(context.Background())
				}()
			}
			wg.Wait()
			return len(store.decisions) == proposals
		},
		gen.IntRange(0, 20), gen.IntRange(1, 6),
	))

	properties.TestingRun(t)
}
