package audit

import (
	"context"
	"strings"
	"time"

	"guildpost.org/internal/ids"
)

// Severity classifies how sensitive an audited action is.
type Severity string

const (
	SeverityNormal    Severity = "normal"
	SeveritySensitive Severity = "sensitive"
	SeverityCritical  Severity = "critical"
)

// Entry is one immutable append record. The application never updates or
// deletes entries; this is the only write-side contract other subsystems
// depend on.
type Entry struct {
	ID          string            `json:"id"`
	OccurredAt  time.Time         `json:"occurred_at"`
	ActorUserID string            `json:"actor_user_id,omitempty"`
	Module      string            `json:"module"`
	Action      string            `json:"action"`
	Severity    Severity          `json:"severity"`
	Detail      map[string]string `json:"detail,omitempty"`
	RequestID   string            `json:"request_id,omitempty"`
}

// Sink appends entries to an append-only log.
type Sink interface {
	Record(ctx context.Context, entry Entry)
}

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// WithRequestID attaches the request identifier to the context so sinks can
// correlate entries with transport logs.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

func requestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

func normalize(ctx context.Context, entry Entry) Entry {
	if entry.ID == "" {
		entry.ID = ids.New()
	}
	if entry.OccurredAt.IsZero() {
		entry.OccurredAt = time.Now().UTC()
	}
	if entry.Severity == "" {
		entry.Severity = SeverityNormal
	}
	if entry.RequestID == "" {
		entry.RequestID = requestIDFromContext(ctx)
	}
	return entry
}
