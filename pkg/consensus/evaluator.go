package consensus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/Mindburn-Labs/nexus/pkg/observability"
)

// RunReport summarizes one evaluation pass.
type RunReport struct {
	RunID          string        `json:"run_id"`
	StartedAt      time.Time     `json:"started_at"`
	Duration       time.Duration `json:"duration"`
	Due            int           `json:"due"`
	Accepted       int           `json:"accepted"`
	Rejected       int           `json:"rejected"`
	AlreadyDecided int           `json:"already_decided"`
	Deferred       int           `json:"deferred"`
	Failed         int           `json:"failed"`
	Decisions      []Decision    `json:"decisions,omitempty"`
}

// Decided is the number of transitions this run won.
func (r *RunReport) Decided() int { return r.Accepted + r.Rejected }

// Evaluator decides proposals whose voting window has closed.
//
// Evaluators hold no state between runs and may run concurrently with each
// other, in one process or many; the store's guarded transition decides
// which of them records each outcome.
type Evaluator struct {
	store    ProposalStore
	rule     Rule
	recorder DecisionRecorder
	effects  EffectApplier
	attempts int
	backoff  BackoffPolicy
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
	logger   *slog.Logger
	obs      *observability.Provider
}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithRecorder records every won decision.
func WithRecorder(r DecisionRecorder) Option {
	return func(e *Evaluator) { e.recorder = r }
}

// WithEffects applies side effects after every won decision.
func WithEffects(a EffectApplier) Option {
	return func(e *Evaluator) { e.effects = a }
}

// WithWriteAttempts sets how many times a failed guarded write is tried.
func WithWriteAttempts(n int) Option {
	return func(e *Evaluator) {
		if n > 0 {
			e.attempts = n
		}
	}
}

// WithBackoff sets the wait between guarded write attempts.
func WithBackoff(p BackoffPolicy) Option {
	return func(e *Evaluator) { e.backoff = p }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Evaluator) { e.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Evaluator) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithObservability traces and meters each run.
func WithObservability(p *observability.Provider) Option {
	return func(e *Evaluator) { e.obs = p }
}

// NewEvaluator returns an evaluator deciding against store with rule.
func NewEvaluator(store ProposalStore, rule Rule, opts ...Option) *Evaluator {
	e := &Evaluator{
		store:    store,
		rule:     rule,
		attempts: 3,
		backoff:  DefaultBackoff,
		now:      time.Now,
		sleep:    sleepContext,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "consensus_evaluator")
	return e
}

// Rule returns the quorum rule in use.
func (e *Evaluator) Rule() Rule { return e.rule }

// EvaluateDueProposals decides every VOTING_OPEN proposal whose deadline has
// passed. A proposal whose tally cannot be read is left for the next run.
// A proposal another evaluator decided first is counted as AlreadyDecided.
//
// The returned error wraps ErrStorage when the due list could not be read or
// a guarded write kept failing; the report is still returned.
func (e *Evaluator) EvaluateDueProposals(ctx context.Context) (*RunReport, error) {
	report := &RunReport{RunID: uuid.NewString(), StartedAt: e.now()}
	ctx, done := e.obs.TrackOperation(ctx, "consensus.evaluate", attribute.String("run_id", report.RunID))
	log := e.logger.With("run_id", report.RunID)

	err := e.run(ctx, log, report)
	report.Duration = e.now().Sub(report.StartedAt)
	done(err)

	log.InfoContext(ctx, "evaluation run finished",
		"due", report.Due,
		"accepted", report.Accepted,
		"rejected", report.Rejected,
		"already_decided", report.AlreadyDecided,
		"deferred", report.Deferred,
		"failed", report.Failed,
	)
	return report, err
}

func (e *Evaluator) run(ctx context.Context, log *slog.Logger, report *RunReport) error {
	due, err := e.store.ListOpenExpiredProposals(ctx, report.StartedAt)
	if err != nil {
		return fmt.Errorf("%w: list due proposals: %w", ErrStorage, err)
	}
	report.Due = len(due)

	var errs []error
	for _, p := range due {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := e.evaluate(ctx, log.With("proposal_id", p.ID), report, p); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (e *Evaluator) evaluate(ctx context.Context, log *slog.Logger, report *RunReport, p Proposal) error {
	tally, err := e.store.TallyVotes(ctx, p.ID)
	if err != nil {
		log.WarnContext(ctx, "tally unavailable, deferring proposal", "error", err)
		report.Deferred++
		return nil
	}

	outcome := e.rule.Decide(tally)
	decidedAt := e.now()

	won, err := e.transition(ctx, log, report.RunID, p.ID, outcome, decidedAt)
	if err != nil {
		report.Failed++
		return err
	}
	if !won {
		log.DebugContext(ctx, "proposal already decided by another run")
		report.AlreadyDecided++
		return nil
	}

	d := Decision{
		ProposalID:  p.ID,
		Type:        p.Type,
		Outcome:     outcome,
		Tally:       tally,
		Ratio:       tally.Ratio(),
		Threshold:   e.rule.Threshold,
		MinDecisive: e.rule.MinDecisive,
		RunID:       report.RunID,
		DecidedAt:   decidedAt,
	}
	report.Decisions = append(report.Decisions, d)
	e.obs.Decision(ctx, string(outcome))
	if outcome == StatusAccepted {
		report.Accepted++
	} else {
		report.Rejected++
	}
	log.InfoContext(ctx, "proposal decided",
		"type", p.Type,
		"outcome", outcome,
		"for", tally.For,
		"against", tally.Against,
		"abstain", tally.Abstain,
		"ratio", tally.Ratio(),
	)

	// The transition is committed; recording and effects never undo it.
	if e.recorder != nil {
		if err := e.recorder.RecordDecision(ctx, d); err != nil {
			log.ErrorContext(ctx, "failed to record decision", "error", err)
		}
	}
	if e.effects != nil {
		if err := e.effects.Apply(ctx, p, d); err != nil {
			log.ErrorContext(ctx, "failed to apply decision effects", "error", err)
		}
	}
	return nil
}

// transition retries the guarded write with the same expected status. A
// retry after a write that did land but reported an error returns false,
// since the status no longer matches.
func (e *Evaluator) transition(ctx context.Context, log *slog.Logger, runID, proposalID string, next Status, at time.Time) (bool, error) {
	var errs []error
	for attempt := 0; attempt < e.attempts; attempt++ {
		if attempt > 0 {
			if err := e.sleep(ctx, e.backoff.Delay(runID, proposalID, attempt-1)); err != nil {
				errs = append(errs, err)
				break
			}
		}
		won, err := e.store.CASTransition(ctx, proposalID, StatusVotingOpen, next, at)
		if err == nil {
			return won, nil
		}
		log.WarnContext(ctx, "guarded transition failed", "attempt", attempt+1, "error", err)
		errs = append(errs, err)
	}
	return false, fmt.Errorf("%w: transition %s to %s: %w", ErrStorage, proposalID, next, errors.Join(errs...))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
