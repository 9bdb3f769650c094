package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/nhle/mailagent/internal/model"
	"github.com/nhle/mailagent/internal/store"
)

// NewTestStore opens an in-memory audit and run store with every migration
// applied. It is closed when the test completes.
func NewTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()

	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("opening audit store: %v", err)
	}
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("closing audit store: %v", err)
		}
	})
	return s
}

// SeedOutcomes records outcomes in order, filling a missing ID or
// RecordedAt. Later outcomes get later timestamps so newest-first queries
// return them in reverse.
func SeedOutcomes(t *testing.T, audit store.AuditStore, outcomes ...model.Outcome) []model.Outcome {
	t.Helper()

	base := time.Now().Add(-time.Duration(len(outcomes)) * time.Second)
	seeded := make([]model.Outcome, 0, len(outcomes))
	for i, o := range outcomes {
		if o.ID == "" {
			o.ID = uuid.New().String()
		}
		if o.RecordedAt.IsZero() {
			o.RecordedAt = base.Add(time.Duration(i) * time.Second)
		}
		if err := audit.Record(context.Background(), o); err != nil {
			t.Fatalf("recording outcome for message %s: %v", o.MessageID, err)
		}
		seeded = append(seeded, o)
	}
	return seeded
}
