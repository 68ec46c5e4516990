// Package ratelimit enforces per-minute and per-hour call budgets per client
// and endpoint class on durable, process-shared counters.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/Mindburn-Labs/nexus/pkg/config"
)

var (
	// ErrStorage means the counter backend failed or timed out. The call is denied.
	ErrStorage = errors.New("ratelimit: storage unavailable")
	// ErrUnknownClass means no ceiling is configured for the endpoint class.
	ErrUnknownClass = errors.New("ratelimit: unknown endpoint class")
)

// EndpointClass groups endpoints that share a budget.
type EndpointClass string

const (
	ClassPropose EndpointClass = "propose"
	ClassVote    EndpointClass = "vote"
	ClassRead    EndpointClass = "read"
)

// Decision is the limiter's answer for one call.
type Decision struct {
	Permitted bool
	// RetryAfter is set when denied: time until every exceeded window has
	// reset, rounded up to whole seconds, at least one second.
	RetryAfter time.Duration
	// Limit, Remaining and ResetAt describe the tightest tier.
	Limit     int64
	Remaining int64
	ResetAt   time.Time
	// Tier names the exceeded tier with the latest reset when denied.
	Tier string
}

// RetryAfterSeconds is RetryAfter as whole seconds for a Retry-After header.
func (d Decision) RetryAfterSeconds() int {
	return int(d.RetryAfter / time.Second)
}

// Limiter applies configured ceilings through a CounterStore.
type Limiter struct {
	store       CounterStore
	tiers       map[EndpointClass][]Tier
	lockTimeout time.Duration
	logger      *slog.Logger
	warn        *rate.Sometimes
	now         func() time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Limiter) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// New builds a limiter from the rate limit configuration.
func New(store CounterStore, cfg config.RateLimitConfig, opts ...Option) *Limiter {
	l := &Limiter{
		store: store,
		tiers: map[EndpointClass][]Tier{
			ClassPropose: tiersFor(cfg.Propose),
			ClassVote:    tiersFor(cfg.Vote),
			ClassRead:    tiersFor(cfg.Read),
		},
		lockTimeout: cfg.LockTimeout,
		logger:      slog.Default(),
		warn:        &rate.Sometimes{First: 1, Interval: 30 * time.Second},
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.With("component", "ratelimit")
	return l
}

func tiersFor(c config.Ceiling) []Tier {
	return []Tier{
		{Name: "minute", Window: time.Minute, Limit: c.PerMinute},
		{Name: "hour", Window: time.Hour, Limit: c.PerHour},
	}
}

// Allow counts one call for clientKey in class. A storage failure returns a
// denied decision together with an error wrapping ErrStorage.
func (l *Limiter) Allow(ctx context.Context, clientKey string, class EndpointClass) (Decision, error) {
	tiers, ok := l.tiers[class]
	if !ok {
		return Decision{RetryAfter: time.Second}, fmt.Errorf("%w: %q", ErrUnknownClass, class)
	}

	if l.lockTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.lockTimeout)
		defer cancel()
	}

	now := l.now()
	res, err := l.store.Take(ctx, string(class)+":"+clientKey, tiers, now)
	if err != nil {
		l.warn.Do(func() {
			l.logger.WarnContext(ctx, "rate limit store failed, denying", "client", clientKey, "class", class, "error", err)
		})
		return Decision{RetryAfter: time.Second}, fmt.Errorf("%w: %v", ErrStorage, err)
	}

	d := decide(res, now)
	if !d.Permitted {
		l.logger.DebugContext(ctx, "rate limit exceeded",
			"client", clientKey, "class", class, "tier", d.Tier, "retry_after", d.RetryAfter)
	}
	return d, nil
}

func decide(res TakeResult, now time.Time) Decision {
	d := Decision{Permitted: res.Permitted}
	first := true
	for _, st := range res.Tiers {
		if first || st.Remaining() < d.Remaining {
			d.Limit, d.Remaining, d.ResetAt = st.Limit, st.Remaining(), st.ResetAt
			first = false
		}
		if st.Exceeded {
			if wait := st.ResetAt.Sub(now); wait > d.RetryAfter {
				d.RetryAfter = wait
				d.Tier = st.Name
			}
		}
	}
	if !d.Permitted {
		d.RetryAfter = roundUpSeconds(d.RetryAfter)
	}
	return d
}

func roundUpSeconds(d time.Duration) time.Duration {
	secs := (d + time.Second - 1) / time.Second
	if secs < 1 {
		secs = 1
	}
	return secs * time.Second
}

// Purge deletes ended windows from the counter store.
func (l *Limiter) Purge(ctx context.Context) (int64, error) {
	n, err := l.store.Purge(ctx, l.now())
	if err != nil {
		return 0, fmt.Errorf("%w: purge: %v", ErrStorage, err)
	}
	if n > 0 {
		l.logger.DebugContext(ctx, "purged rate windows", "count", n)
	}
	return n, nil
}
