package observability

import (
	"context"
	"io"
	"os"
	"sync"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Audit categories.
const (
	AuditSnapshot = "snapshot"
	AuditSecurity = "security"
)

// AuditEvent is one line of the audit log.
type AuditEvent struct {
	Category string
	Action   string // e.g. "snapshot:create", "rate_limit"
	Subject  string // client address, or "cli"
	Outcome  string // "success", "failure", "denied"
	Fields   map[string]interface{}
}

// Auditor writes audit events as JSON lines to a single writer.
type Auditor struct {
	mu  sync.Mutex
	out zerolog.Logger
	w   io.Writer
}

var (
	auditorMu sync.RWMutex
	auditor   = NewAuditor(os.Stderr)
)

func NewAuditor(w io.Writer) *Auditor {
	return &Auditor{out: zerolog.New(w).With().Timestamp().Logger(), w: w}
}

// SetAuditor replaces the process auditor and returns the previous one.
func SetAuditor(a *Auditor) *Auditor {
	auditorMu.Lock()
	defer auditorMu.Unlock()
	prev := auditor
	auditor = a
	return prev
}

func currentAuditor() *Auditor {
	auditorMu.RLock()
	defer auditorMu.RUnlock()
	return auditor
}

// Record writes ev. When ctx carries a recording span the event is also
// attached to it and the line gets the span's trace ID.
func (a *Auditor) Record(ctx context.Context, ev AuditEvent) {
	var traceID string
	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		traceID = span.SpanContext().TraceID().String()
		span.AddEvent("audit."+ev.Action, trace.WithAttributes(
			attribute.String("audit.category", ev.Category),
			attribute.String("audit.subject", ev.Subject),
			attribute.String("audit.outcome", ev.Outcome),
		))
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	line := a.out.Log().
		Str("category", ev.Category).
		Str("action", ev.Action).
		Str("subject", ev.Subject).
		Str("outcome", ev.Outcome)
	if traceID != "" {
		line = line.Str("trace_id", traceID)
	}
	if len(ev.Fields) > 0 {
		line = line.Fields(ev.Fields)
	}
	line.Send()
}

// Close closes the underlying writer if it is closable.
func (a *Auditor) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if c, ok := a.w.(io.Closer); ok && a.w != os.Stderr && a.w != os.Stdout {
		return c.Close()
	}
	return nil
}

// RecordSnapshotAudit records a snapshot create or restore.
func RecordSnapshotAudit(ctx context.Context, action, subject string, err error, fields map[string]interface{}) {
	outcome := "success"
	if err != nil {
		outcome = "failure"
		if fields == nil {
			fields = map[string]interface{}{}
		}
		fields["error"] = err.Error()
	}
	currentAuditor().Record(ctx, AuditEvent{
		Category: AuditSnapshot,
		Action:   "snapshot:" + action,
		Subject:  subject,
		Outcome:  outcome,
		Fields:   fields,
	})
}

// RecordSecurityAudit records rejected or throttled requests.
func RecordSecurityAudit(ctx context.Context, action, subject, outcome string, fields map[string]interface{}) {
	currentAuditor().Record(ctx, AuditEvent{
		Category: AuditSecurity,
		Action:   action,
		Subject:  subject,
		Outcome:  outcome,
		Fields:   fields,
	})
}
