package nonce

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubLedger struct {
	purged int64
	err    error
	at     []time.Time
}

func (s *stubLedger) MarkIfNew(context.Context, string, string, time.Time, time.Time) (bool, error) {
	return true, nil
}

func (s *stubLedger) Purge(_ context.Context, now time.Time) (int64, error) {
	s.at = append(s.at, now)
	return s.purged, s.err
}

func TestJanitor_Sweep(t *testing.T) {
	stub := &stubLedger{purged: 4}
	j := NewJanitor(stub, nil)
	fixed := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	j.now = func() time.Time { return fixed }

	n, err := j.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)
	assert.Equal(t, []time.Time{fixed}, stub.at)

	stub.err = errors.New("disk I/O error")
	n, err = j.Sweep(context.Background())
	assert.ErrorIs(t, err, stub.err)
	assert.Zero(t, n)
}
