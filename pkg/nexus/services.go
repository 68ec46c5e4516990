// Package nexus assembles the authentication and consensus core from a
// validated configuration.
package nexus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Mindburn-Labs/nexus/pkg/audit"
	"github.com/Mindburn-Labs/nexus/pkg/auth"
	"github.com/Mindburn-Labs/nexus/pkg/config"
	"github.com/Mindburn-Labs/nexus/pkg/consensus"
	"github.com/Mindburn-Labs/nexus/pkg/database"
	"github.com/Mindburn-Labs/nexus/pkg/nonce"
	"github.com/Mindburn-Labs/nexus/pkg/observability"
	"github.com/Mindburn-Labs/nexus/pkg/ratelimit"
	"github.com/Mindburn-Labs/nexus/pkg/store"
)

// Services holds every long-lived component. Fields are safe for concurrent
// use once NewServices returns.
type Services struct {
	Config        *config.Config
	Logger        *slog.Logger
	DB            *database.DB
	Store         *store.SQLStore
	Redis         redis.UniversalClient
	Nonces        nonce.Ledger
	Limiter       *ratelimit.Limiter
	Registry      auth.Registry
	Authenticator *auth.Authenticator
	Evaluator     *consensus.Evaluator
	Audit         audit.Logger
	Obs           *observability.Provider
}

// Options tune NewServices.
type Options struct {
	ServiceName string
	Logger      *slog.Logger
	AuditWriter io.Writer
	// Obs replaces the provider built from configuration.
	Obs *observability.Provider
	// Clock overrides time.Now for the store, limiter, authenticator and
	// evaluator.
	Clock func() time.Time
}

// NewServices opens storage and wires the components. The caller owns the
// result and must Close it.
func NewServices(ctx context.Context, cfg *config.Config, opts Options) (*Services, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.ServiceName == "" {
		opts.ServiceName = "nexus-core"
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	svc := &Services{Config: cfg, Logger: logger, Obs: opts.Obs}
	fail := func(err error) (*Services, error) {
		_ = svc.Close(context.Background())
		return nil, err
	}
	var err error

	if svc.Obs == nil {
		svc.Obs, err = observability.New(ctx, observability.FromConfig(opts.ServiceName, cfg))
		if err != nil {
			logger.WarnContext(ctx, "observability unavailable, continuing without export", "error", err)
			svc.Obs = observability.Disabled()
		}
	}

	svc.Audit = audit.Discard()
	if opts.AuditWriter != nil {
		svc.Audit = audit.NewJSONLogger(opts.AuditWriter)
	}

	svc.DB, err = database.Open(cfg.Storage.Driver, cfg.Storage.DSN, database.Options{BusyTimeout: cfg.RateLimit.LockTimeout})
	if err != nil {
		return fail(fmt.Errorf("%w: %w", consensus.ErrStorage, err))
	}
	svc.Store, err = store.New(svc.DB, store.WithVotingPeriod(cfg.Consensus.VotingPeriod), store.WithClock(opts.Clock))
	if err != nil {
		return fail(fmt.Errorf("%w: %w", consensus.ErrStorage, err))
	}

	if cfg.Auth.NonceBackend == "redis" || cfg.RateLimit.Backend == "redis" {
		svc.Redis = redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    []string{cfg.Storage.RedisAddr},
			Password: cfg.Storage.RedisPassword,
			DB:       cfg.Storage.RedisDB,
		})
	}

	if svc.Nonces, err = svc.nonceLedger(); err != nil {
		return fail(err)
	}
	counters, err := svc.counterStore()
	if err != nil {
		return fail(err)
	}
	svc.Limiter = ratelimit.New(counters, cfg.RateLimit, ratelimit.WithLogger(logger), ratelimit.WithClock(opts.Clock))

	static := auth.NewStaticRegistry(cfg.Auth.NodeKeys)
	svc.Registry = auth.ChainRegistry{svc.Store, static}
	svc.Authenticator = auth.NewAuthenticator(svc.Registry, svc.Nonces, cfg.Auth.Skew, auth.WithLogger(logger), auth.WithClock(opts.Clock))

	svc.Evaluator = consensus.NewEvaluator(svc.Store,
		consensus.Rule{Threshold: cfg.Consensus.QuorumThreshold, MinDecisive: cfg.Consensus.MinDecisiveVotes},
		consensus.WithRecorder(auditedRecorder{next: svc.Store, audit: svc.Audit}),
		consensus.WithEffects(&consensus.DecisionEffects{
			Nodes:  svc.Store,
			Params: svc.Store,
			Events: svc.Store,
			Logger: logger,
		}),
		consensus.WithWriteAttempts(cfg.Consensus.WriteAttempts),
		consensus.WithLogger(logger),
		consensus.WithClock(opts.Clock),
		consensus.WithObservability(svc.Obs),
	)

	logger.DebugContext(ctx, "configuration", "summary", cfg.Summary())
	logger.InfoContext(ctx, "services ready",
		"driver", cfg.Storage.Driver,
		"nonce_backend", cfg.Auth.NonceBackend,
		"rate_limit_backend", cfg.RateLimit.Backend,
		"static_nodes", static.Len(),
	)
	return svc, nil
}

func (s *Services) nonceLedger() (nonce.Ledger, error) {
	if s.Config.Auth.NonceBackend == "redis" {
		return nonce.NewRedisLedger(s.Redis), nil
	}
	l, err := nonce.NewSQLLedger(s.DB)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", consensus.ErrStorage, err)
	}
	return l, nil
}

func (s *Services) counterStore() (ratelimit.CounterStore, error) {
	if s.Config.RateLimit.Backend == "redis" {
		return ratelimit.NewRedisCounterStore(s.Redis), nil
	}
	cs, err := ratelimit.NewSQLCounterStore(s.DB)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", consensus.ErrStorage, err)
	}
	return cs, nil
}

// Handler wraps next with request ids, signed-request authentication and
// per-node rate limiting, in that order.
func (s *Services) Handler(next http.Handler) http.Handler {
	limited := auth.RateLimitMiddleware(s.Limiter, auth.DefaultClassifier, s.Audit, s.Obs)(next)
	authed := auth.NewMiddleware(s.Authenticator, s.Audit, s.Obs)(limited)
	return auth.RequestIDMiddleware(authed)
}

// MaintenanceTasks returns the periodic purges and archival to run beside
// the evaluator.
func (s *Services) MaintenanceTasks() []consensus.Task {
	cfg := s.Config
	janitor := nonce.NewJanitor(s.Nonces, s.Logger)
	return []consensus.Task{
		{
			Name:     "purge_nonces",
			Interval: cfg.Auth.NoncePurgeInterval,
			Run: func(ctx context.Context) error {
				_, err := janitor.Sweep(ctx)
				return err
			},
		},
		{
			Name:     "purge_rate_windows",
			Interval: cfg.Auth.NoncePurgeInterval,
			Run: func(ctx context.Context) error {
				_, err := s.Limiter.Purge(ctx)
				return err
			},
		},
		{
			Name:     "archive_decided",
			Interval: archiveInterval(cfg.Consensus.ArchiveAfter),
			Run: func(ctx context.Context) error {
				n, err := s.Store.ArchiveDecided(ctx, cfg.Consensus.ArchiveAfter)
				if n > 0 {
					s.Logger.InfoContext(ctx, "archived decided proposals", "count", n)
					_ = s.Audit.Record(ctx, audit.EventSystem, "archive", "proposals", map[string]any{
						"count":      n,
						"older_than": cfg.Consensus.ArchiveAfter.String(),
					})
				}
				return err
			},
		},
	}
}

// auditedRecorder persists a decision, then mirrors it to the audit stream.
type auditedRecorder struct {
	next  consensus.DecisionRecorder
	audit audit.Logger
}

func (r auditedRecorder) RecordDecision(ctx context.Context, d consensus.Decision) error {
	if err := r.next.RecordDecision(ctx, d); err != nil {
		return err
	}
	return r.audit.Record(ctx, audit.EventConsensus, "decide", d.ProposalID, map[string]any{
		"outcome":   string(d.Outcome),
		"type":      string(d.Type),
		"for":       d.Tally.For,
		"against":   d.Tally.Against,
		"abstain":   d.Tally.Abstain,
		"ratio":     d.Ratio,
		"threshold": d.Threshold,
		"run_id":    d.RunID,
	})
}

// archiveInterval runs archival daily, or more often for short retention.
func archiveInterval(after time.Duration) time.Duration {
	const day = 24 * time.Hour
	if after > 0 && after < day {
		return after
	}
	return day
}

// Close releases storage and flushes telemetry.
func (s *Services) Close(ctx context.Context) error {
	var errs []error
	if s.Redis != nil {
		errs = append(errs, s.Redis.Close())
	}
	if s.DB != nil {
		errs = append(errs, s.DB.Close())
	}
	if s.Obs != nil {
		errs = append(errs, s.Obs.Shutdown(ctx))
	}
	return errors.Join(errs...)
}
