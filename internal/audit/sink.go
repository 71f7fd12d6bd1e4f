package audit

import (
	"context"
	"database/sql"
	"encoding/json"

	"guildpost.org/internal/obs"
)

// PGSink appends entries to the audit_log table and mirrors each entry as a
// structured JSON log line. A failed insert is logged, never propagated:
// auditing must not fail the audited operation.
type PGSink struct {
	db *sql.DB
}

// NewPGSink constructs a PGSink over the shared database handle.
func NewPGSink(db *sql.DB) *PGSink {
	return &PGSink{db: db}
}

func (s *PGSink) Record(ctx context.Context, entry Entry) {
	entry = normalize(ctx, entry)

	detail, _ := json.Marshal(entry.Detail)
	_, err := s.db.ExecContext(ctx,
		`insert into audit_log(id, occurred_at, actor_user_id, module, action, severity, detail, request_id)
		 values($1,$2,$3,$4,$5,$6,$7,$8)`,
		entry.ID, entry.OccurredAt, nullable(entry.ActorUserID), entry.Module, entry.Action,
		string(entry.Severity), detail, nullable(entry.RequestID),
	)

	line := map[string]any{
		"ts":       entry.OccurredAt,
		"type":     "audit",
		"module":   entry.Module,
		"action":   entry.Action,
		"severity": entry.Severity,
	}
	if entry.ActorUserID != "" {
		line["actor_user_id"] = entry.ActorUserID
	}
	if entry.RequestID != "" {
		line["request_id"] = entry.RequestID
	}
	if len(entry.Detail) > 0 {
		line["detail"] = entry.Detail
	}
	if err != nil {
		line["append_error"] = err.Error()
	}
	obs.LogRequest(line)
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// LogSink writes entries only as structured log lines. Used where no
// database is configured (tests, local tooling).
type LogSink struct{}

func (LogSink) Record(ctx context.Context, entry Entry) {
	entry = normalize(ctx, entry)
	line := map[string]any{
		"ts":       entry.OccurredAt,
		"type":     "audit",
		"module":   entry.Module,
		"action":   entry.Action,
		"severity": entry.Severity,
	}
	if entry.ActorUserID != "" {
		line["actor_user_id"] = entry.ActorUserID
	}
	if entry.RequestID != "" {
		line["request_id"] = entry.RequestID
	}
	if len(entry.Detail) > 0 {
		line["detail"] = entry.Detail
	}
	obs.LogRequest(line)
}
