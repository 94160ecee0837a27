// Package audit records who did what against the provisioning API.
// Events are structured log lines; retention and shipping are the log
// pipeline's concern.
package audit

import (
	"context"

	"github.com/metalmcp/metalmcp/internal/observability"
)

// Outcome is the result of an audited action.
type Outcome string

// Outcomes.
const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeDenied  Outcome = "denied"
)

// Event is one audit record.
type Event struct {
	// Action is what was attempted, e.g. "tools/call:maas_deploy_machine".
	Action string

	// Resource is the resource family acted on, e.g. "machine".
	Resource string

	// ResourceID identifies the specific resource, when known.
	ResourceID string

	// Outcome is the result.
	Outcome Outcome

	// Detail carries action-specific context.
	Detail map[string]any
}

// Logger writes audit events.
type Logger interface {
	LogEvent(ctx context.Context, event Event)
}

type auditLogger struct {
	logger observability.Logger
}

// NewLogger creates an audit logger writing through the given
// structured logger.
func NewLogger(logger observability.Logger) Logger {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &auditLogger{logger: logger.With(observability.String("log_type", "audit"))}
}

// LogEvent writes one audit record.
func (l *auditLogger) LogEvent(ctx context.Context, event Event) {
	fields := []observability.Field{
		observability.String("action", event.Action),
		observability.String("outcome", string(event.Outcome)),
	}
	if event.Resource != "" {
		fields = append(fields, observability.String("resource", event.Resource))
	}
	if event.ResourceID != "" {
		fields = append(fields, observability.String("resource_id", event.ResourceID))
	}
	if len(event.Detail) > 0 {
		fields = append(fields, observability.Any("detail", event.Detail))
	}

	l.logger.WithContext(ctx).Info("audit event", fields...)
}

// Nop returns an audit logger that discards everything.
func Nop() Logger {
	return &auditLogger{logger: observability.NopLogger()}
}
