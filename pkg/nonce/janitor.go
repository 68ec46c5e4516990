package nonce

import (
	"context"
	"log/slog"
	"time"
)

// Janitor removes expired nonces. MarkIfNew already overwrites expired rows
// lazily; the janitor keeps the table from growing with nonces never reused.
type Janitor struct {
	ledger Ledger
	logger *slog.Logger
	now    func() time.Time
}

// NewJanitor returns a janitor for ledger. A nil logger uses slog.Default().
func NewJanitor(ledger Ledger, logger *slog.Logger) *Janitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Janitor{
		ledger: ledger,
		logger: logger.With("component", "nonce_janitor"),
		now:    time.Now,
	}
}

// Sweep runs one purge.
func (j *Janitor) Sweep(ctx context.Context) (int64, error) {
	n, err := j.ledger.Purge(ctx, j.now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		j.logger.DebugContext(ctx, "purged expired nonces", "count", n)
	}
	return n, nil
}
