// Package audit implements the broker's single entry point for recording
// access decisions and credential lifecycle events: LogEvent. Every call
// that reaches the store is synchronous and its error is never
// swallowed, per spec.md §4.6 — a failure to log must fail the enclosing
// decision closed, so there is no fire-and-forget buffered path on the
// hot path that could silently lose an entry.
package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/toolbroker/broker/internal/store"
	"github.com/toolbroker/broker/pkg/types"
)

// AuditLogger records every access decision and credential lifecycle
// event atomically with the decision that produced it.
type AuditLogger struct {
	store store.Store
	now   func() time.Time
}

// New builds an AuditLogger over the same Store every other core
// component writes through.
func New(st store.Store) *AuditLogger {
	return &AuditLogger{store: st, now: time.Now}
}

// LogEvent fills log_id/timestamp when absent, validates the fields
// spec.md §4.6 requires for entry.Event, and persists via
// Store.AppendAccessLog. If ctx carries an open Store transaction
// (because the caller is itself inside a Store.WithTransaction closure),
// the entry commits or rolls back with the rest of that transaction;
// otherwise it is durable on its own before LogEvent returns.
func (a *AuditLogger) LogEvent(ctx context.Context, entry *types.AccessLog) error {
	if entry.LogID == "" {
		entry.LogID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = a.now()
	}

	if err := validateForEvent(entry); err != nil {
		return fmt.Errorf("audit: %w", err)
	}

	if err := a.store.AppendAccessLog(ctx, entry); err != nil {
		return fmt.Errorf("audit: append access log: %w", err)
	}
	return nil
}

// LogSync is an alias for LogEvent, named to match call sites inside a
// Store.WithTransaction closure where the synchronous, fail-closed path
// is mandatory rather than merely available.
func (a *AuditLogger) LogSync(ctx context.Context, entry *types.AccessLog) error {
	return a.LogEvent(ctx, entry)
}

// Query runs a filtered, paginated read over the access log.
func (a *AuditLogger) Query(ctx context.Context, filter store.AccessLogFilter) ([]*types.AccessLog, error) {
	logs, err := a.store.QueryAccessLogs(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("audit: query access logs: %w", err)
	}
	return logs, nil
}

// validateForEvent enforces the per-event required fields spec.md §4.6
// names explicitly (CREDENTIAL_ISSUED needs credential_id;
// REQUEST_EVALUATED needs a decision) and the invariants implied by
// every other event kind sharing the same entity.
func validateForEvent(entry *types.AccessLog) error {
	if entry.AgentID == "" {
		return fmt.Errorf("%s entry missing agent_id", entry.Event)
	}
	if entry.ToolID == "" {
		return fmt.Errorf("%s entry missing tool_id", entry.Event)
	}
	if entry.Decision == "" {
		return fmt.Errorf("%s entry missing decision", entry.Event)
	}

	switch entry.Event {
	case types.EventCredentialIssued, types.EventCredentialValidated, types.EventCredentialRevoked:
		if entry.CredentialID == nil || *entry.CredentialID == "" {
			return fmt.Errorf("%s entry missing credential_id", entry.Event)
		}
	case types.EventRequestEvaluated:
		// decision already required above; matched_policy_id is
		// optional (absent on DENY/NO_POLICY_MATCH).
	case types.EventRateLimited:
		// no additional required fields beyond agent_id/tool_id.
	default:
		return fmt.Errorf("unknown access event kind %q", entry.Event)
	}
	return nil
}
