// Package audit provides the append-only audit trail of spec §3 "Audit
// entry": every state-changing handler writes one entry describing the
// actor, the event, and its outcome.
package audit

import (
	"context"
	"log/slog"

	"github.com/jonboulle/clockwork"

	"github.com/puzed/darkauth/storage"
)

// Outcome values used across handlers.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Logger writes audit entries to the persistence layer and mirrors them
// to structured logs via `*slog.Logger` rather than a bespoke audit
// logger with its own wire format.
type Logger struct {
	storage storage.Audit
	clock   clockwork.Clock
	logger  *slog.Logger
}

// New constructs a Logger.
func New(store storage.Audit, clock clockwork.Clock, logger *slog.Logger) *Logger {
	return &Logger{storage: store, clock: clock, logger: logger}
}

// Record persists one audit entry. actor may be a subject, a client id,
// or "system" for sweepers and startup tasks. details are freeform
// key/value pairs; callers must not put secrets in it, since audit
// entries are readable by administrators.
func (l *Logger) Record(ctx context.Context, actor, eventType, resourceType, resourceID, outcome string, details map[string]string) {
	entry := storage.AuditEntry{
		ID:           storage.NewID(),
		Actor:        actor,
		EventType:    eventType,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Outcome:      outcome,
		Details:      details,
		Timestamp:    l.clock.Now(),
	}
	if err := l.storage.WriteAudit(ctx, entry); err != nil {
		l.logger.ErrorContext(ctx, "failed to write audit entry", "error", err, "eventType", eventType, "resourceType", resourceType)
		return
	}
	l.logger.InfoContext(ctx, "audit", "actor", actor, "eventType", eventType, "resourceType", resourceType, "resourceId", resourceID, "outcome", outcome)
}

// Success is a convenience wrapper for the common successful-operation case.
func (l *Logger) Success(ctx context.Context, actor, eventType, resourceType, resourceID string, details map[string]string) {
	l.Record(ctx, actor, eventType, resourceType, resourceID, OutcomeSuccess, details)
}

// Failure is a convenience wrapper for the common failed-operation case.
func (l *Logger) Failure(ctx context.Context, actor, eventType, resourceType, resourceID string, details map[string]string) {
	l.Record(ctx, actor, eventType, resourceType, resourceID, OutcomeFailure, details)
}
