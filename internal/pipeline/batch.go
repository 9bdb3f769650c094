package pipeline

import (
	"context"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc/pool"

	"github.com/nhle/mailagent/internal/model"
	"github.com/nhle/mailagent/internal/safety"
)

// BatchResult is the outcome of every dispatched message of a batch, in
// fetch order.
type BatchResult struct {
	Outcomes []model.Outcome

	// Canceled is set when stopped reported true before every message was
	// dispatched. Undispatched messages have no outcome.
	Canceled bool
}

// CountByKind tallies the outcomes of the batch.
func (r BatchResult) CountByKind() map[model.OutcomeKind]int {
	counts := make(map[model.OutcomeKind]int, len(model.OutcomeKinds))
	for _, o := range r.Outcomes {
		counts[o.Kind]++
	}
	return counts
}

// ProcessBatch runs msgs through Process on at most
// cfg.Schedule.Concurrency workers. stopped is checked before each message
// is dispatched; messages already dispatched always run to completion.
func (p *Processor) ProcessBatch(
	ctx context.Context,
	runID string,
	msgs []*model.Message,
	cfg *model.Config,
	stopped func() bool,
) BatchResult {
	workers := cfg.Schedule.Concurrency
	if workers < 1 {
		workers = 1
	}

	filter := safety.New(safety.PolicyFromConfig(cfg.Safety))
	results := make([]*model.Outcome, len(msgs))
	wp := pool.New().WithMaxGoroutines(workers)

	canceled := false
	for i, msg := range msgs {
		if stopped != nil && stopped() {
			canceled = true
			break
		}
		wp.Go(func() {
			outcome := p.handle(ctx, runID, msg, cfg, filter)
			results[i] = &outcome
		})
	}
	wp.Wait()

	res := BatchResult{Canceled: canceled}
	for _, o := range results {
		if o != nil {
			res.Outcomes = append(res.Outcomes, *o)
		}
	}
	return res
}

func newOutcomeID() string {
	return uuid.New().String()
}
