package store

import (
	"context"
	"time"

	"github.com/nhle/mailagent/internal/model"
)

// OutcomeFilter controls filtering and pagination for outcome queries.
// Nil fields do not filter.
type OutcomeFilter struct {
	MessageID *string
	Sender    *string
	RunID     *string
	Kind      *model.OutcomeKind
	Since     *time.Time
	Limit     int
	Offset    int
}

// AuditStore is the append-only record of processing outcomes.
type AuditStore interface {
	// Record appends an outcome. Existing outcomes are never changed.
	Record(ctx context.Context, o model.Outcome) error

	// Query returns outcomes matching the filter, newest first.
	Query(ctx context.Context, f OutcomeFilter) ([]model.Outcome, error)

	// HasSent reports whether a sent outcome exists for the message.
	HasSent(ctx context.Context, messageID string) (bool, error)
}

// RunStore keeps scheduler run summaries across restarts.
type RunStore interface {
	RecordRun(ctx context.Context, r model.RunRecord) error
	GetRuns(ctx context.Context, limit int) ([]model.RunRecord, error)
}

// Store is the full persistence interface of the agent.
type Store interface {
	AuditStore
	RunStore
	Close() error
}
