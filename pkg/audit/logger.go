// Package audit writes one JSON line per security-relevant event: signed
// request verdicts, rate-limit denials, consensus decisions and maintenance.
package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType is the category of an audit record.
type EventType string

const (
	EventAuth      EventType = "AUTH"
	EventRateLimit EventType = "RATE_LIMIT"
	EventConsensus EventType = "CONSENSUS"
	EventSystem    EventType = "SYSTEM"
)

// Prefix starts every line so audit records can be filtered out of mixed
// process output.
const Prefix = "AUDIT: "

// Event is one audit record.
type Event struct {
	ID        string         `json:"id"`
	ActorID   string         `json:"actor_id"`
	RequestID string         `json:"request_id,omitempty"`
	Type      EventType      `json:"type"`
	Action    string         `json:"action"`
	Resource  string         `json:"resource"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Logger records audit events.
type Logger interface {
	Record(ctx context.Context, eventType EventType, action, resource string, metadata map[string]any) error
}

type actorKey struct{}
type requestKey struct{}

// WithActor names the node acting in ctx. Records without one carry "system".
func WithActor(ctx context.Context, actorID string) context.Context {
	return context.WithValue(ctx, actorKey{}, actorID)
}

// WithRequestID attaches the edge correlation id to ctx.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestKey{}, id)
}

// RequestID returns the correlation id attached to ctx, if any.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestKey{}).(string)
	return id
}

// JSONLogger serializes each event to a single line on its writer.
type JSONLogger struct {
	mu  sync.Mutex
	w   io.Writer
	now func() time.Time
}

// NewJSONLogger writes records to w.
func NewJSONLogger(w io.Writer) *JSONLogger {
	return &JSONLogger{w: w, now: time.Now}
}

// WithClock replaces the timestamp source.
func (l *JSONLogger) WithClock(now func() time.Time) *JSONLogger {
	l.now = now
	return l
}

func (l *JSONLogger) Record(ctx context.Context, eventType EventType, action, resource string, metadata map[string]any) error {
	actor, _ := ctx.Value(actorKey{}).(string)
	if actor == "" {
		actor = "system"
	}
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	ev := Event{
		ID:        id.String(),
		ActorID:   actor,
		RequestID: RequestID(ctx),
		Type:      eventType,
		Action:    action,
		Resource:  resource,
		Timestamp: l.now().UTC(),
		Metadata:  metadata,
	}

	var line bytes.Buffer
	line.WriteString(Prefix)
	if err := json.NewEncoder(&line).Encode(ev); err != nil {
		return fmt.Errorf("audit: encode %s/%s: %w", eventType, action, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	_, err = l.w.Write(line.Bytes())
	return err
}

type discard struct{}

func (discard) Record(context.Context, EventType, string, string, map[string]any) error {
	return nil
}

// Discard returns a Logger that drops every event.
func Discard() Logger { return discard{} }
