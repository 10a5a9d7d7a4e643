// Package store persists the decision log and the admin audit trail.
package store

import (
	"context"
	"time"

	"github.com/modelmux/modelmux/internal/observe"
)

// Store is the persistence surface for the decision log.
type Store interface {
	// Decision log
	LogDecision(ctx context.Context, rec observe.Record) error
	ListDecisions(ctx context.Context, filter DecisionFilter) ([]DecisionRow, error)
	// RecentRecords loads records newer than since, for seeding the
	// observability windows after a restart.
	RecentRecords(ctx context.Context, since time.Time) ([]observe.Record, error)

	// Audit trail for admin mutations
	LogAudit(ctx context.Context, entry AuditEntry) error
	ListAuditLogs(ctx context.Context, limit, offset int) ([]AuditEntry, error)

	Migrate(ctx context.Context) error
	Close() error
}

// DecisionFilter narrows ListDecisions. Zero values mean no constraint;
// Limit zero means 100.
type DecisionFilter struct {
	Bucket   string
	Provider string
	Since    time.Time
	Limit    int
	Offset   int
}

// DecisionRow is a persisted decision record with its row id.
type DecisionRow struct {
	ID int64 `json:"id"`
	observe.Record
}

// AuditEntry captures an admin mutation.
type AuditEntry struct {
	ID        int64     `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Action    string    `json:"action"`   // e.g. "artifact.reload", "cooldown.clear"
	Resource  string    `json:"resource"` // e.g. artifact version, user key
	Detail    string    `json:"detail,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
}
