// Package pipeline drives a single message through safety checks, rate
// limiting, classification, generation, delivery and housekeeping.
package pipeline

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/nhle/mailagent/internal/ai"
	"github.com/nhle/mailagent/internal/classify"
	"github.com/nhle/mailagent/internal/model"
	"github.com/nhle/mailagent/internal/ratelimit"
	"github.com/nhle/mailagent/internal/safety"
	"github.com/nhle/mailagent/internal/source"
	"github.com/nhle/mailagent/internal/store"
)

// Skip reasons that do not come from the safety filter.
const (
	ReasonAlreadyReplied    = "AlreadyReplied"
	ReasonAutoReplyDisabled = "AutoReplyDisabled"
	ReasonAuditUnavailable  = "AuditUnavailable"
	ReasonRateLimitExceeded = "RateLimitExceeded"
)

// mailTimeout bounds each mailbox and transport call.
const mailTimeout = 30 * time.Second

// Deps are the collaborators of a Processor.
type Deps struct {
	Mailbox   source.Mailbox
	Transport source.Transport
	Audit     store.AuditStore
	Limiter   *ratelimit.Limiter
	Generator *ai.Generator
	Logger    *zap.Logger

	// Now defaults to time.Now.
	Now func() time.Time
}

// Processor runs the per-message state machine. It is safe for concurrent
// use by the workers of one batch.
type Processor struct {
	mailbox   source.Mailbox
	audit     store.AuditStore
	limiter   *ratelimit.Limiter
	generator *ai.Generator
	sink      *Sink
	logger    *zap.Logger
	now       func() time.Time
}

// NewProcessor creates a Processor.
func NewProcessor(d Deps) *Processor {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := d.Now
	if now == nil {
		now = time.Now
	}

	return &Processor{
		mailbox:   d.Mailbox,
		audit:     d.Audit,
		limiter:   d.Limiter,
		generator: d.Generator,
		sink:      NewSink(d.Transport, d.Mailbox),
		logger:    logger.Named("pipeline"),
		now:       now,
	}
}

// Process handles msg under the configuration snapshot cfg and returns its
// outcome. The outcome is recorded in the audit store before the message
// is deleted; a failure never aborts the caller's batch.
func (p *Processor) Process(ctx context.Context, runID string, msg *model.Message, cfg *model.Config) model.Outcome {
	return p.handle(ctx, runID, msg, cfg, safety.New(safety.PolicyFromConfig(cfg.Safety)))
}

// handle is Process with a filter built once per batch.
func (p *Processor) handle(
	ctx context.Context,
	runID string,
	msg *model.Message,
	cfg *model.Config,
	filter *safety.Filter,
) model.Outcome {
	outcome := p.process(ctx, runID, msg, cfg, filter)

	fields := []zap.Field{
		zap.String("run_id", runID),
		zap.String("message_id", msg.ID),
		zap.String("sender", msg.Sender),
		zap.String("outcome", string(outcome.Kind)),
	}
	if outcome.Reason != "" {
		fields = append(fields, zap.String("reason", outcome.Reason))
	}
	p.logger.Info("message processed", fields...)

	return outcome
}

func (p *Processor) process(
	ctx context.Context,
	runID string,
	msg *model.Message,
	cfg *model.Config,
	filter *safety.Filter,
) model.Outcome {
	sent, err := p.audit.HasSent(ctx, msg.ID)
	if err != nil {
		p.logger.Error("checking audit store", zap.String("message_id", msg.ID), zap.Error(err))
		return model.NewOutcome(runID, msg, model.OutcomeSkippedPolicy, ReasonAuditUnavailable)
	}
	if sent {
		// Answered in an earlier run. Only a send in this run may delete.
		outcome := p.record(ctx, model.NewOutcome(runID, msg, model.OutcomeSkippedPolicy, ReasonAlreadyReplied))
		p.markSeen(ctx, msg)
		return outcome
	}

	decision := filter.Evaluate(msg)
	if !decision.Allowed {
		p.logger.Info("message blocked",
			zap.String("message_id", msg.ID),
			zap.String("reason", string(decision.Reason)),
			zap.String("detail", decision.Detail),
		)
		outcome := p.record(ctx, model.NewOutcome(runID, msg, model.OutcomeSkippedPolicy, string(decision.Reason)))
		p.markSeen(ctx, msg)
		return outcome
	}

	if !cfg.Schedule.AutoReplyEnabled {
		return p.record(ctx, model.NewOutcome(runID, msg, model.OutcomeSkippedPolicy, ReasonAutoReplyDisabled))
	}

	reservation, ok := p.limiter.CheckAndReserve(msg.Sender, p.now())
	if !ok {
		return p.record(ctx, model.NewOutcome(runID, msg, model.OutcomeSkippedRateLimit, ReasonRateLimitExceeded))
	}

	category := classify.Classify(msg)

	text, err := p.generator.Generate(ctx, msg, category, ai.OptionsFromConfig(cfg.Generation))
	if err != nil {
		p.limiter.Release(reservation)
		outcome := model.NewOutcome(runID, msg, model.OutcomeGenerationFailed, generationReason(err))
		outcome.Category = category
		return p.record(ctx, outcome)
	}

	sendCtx, cancel := context.WithTimeout(ctx, mailTimeout)
	replyID, err := p.sink.Send(sendCtx, msg, text, cfg.Generation.Signature)
	cancel()
	if err != nil {
		p.limiter.Release(reservation)
		p.logger.Warn("send failed", zap.String("message_id", msg.ID), zap.Error(err))
		outcome := model.NewOutcome(runID, msg, model.OutcomeSendFailed, sendReason(err))
		outcome.Category = category
		return p.record(ctx, outcome)
	}

	outcome := model.NewOutcome(runID, msg, model.OutcomeSent, "")
	outcome.Category = category
	outcome.ReplyID = replyID

	recorded, err := p.tryRecord(ctx, outcome)
	p.markSeen(ctx, msg)
	if err != nil {
		// Without an audit entry the message must stay in the mailbox.
		p.logger.Error("recording sent outcome; message kept",
			zap.String("message_id", msg.ID), zap.Error(err))
		return outcome
	}

	p.delete(ctx, msg, cfg.Schedule.DeleteProcessed)
	return recorded
}

// record appends o to the audit store and returns it with its stored ID.
// Audit failures are logged.
func (p *Processor) record(ctx context.Context, o model.Outcome) model.Outcome {
	recorded, err := p.tryRecord(ctx, o)
	if err != nil {
		p.logger.Error("recording outcome",
			zap.String("message_id", o.MessageID),
			zap.String("outcome", string(o.Kind)),
			zap.Error(err),
		)
		return o
	}
	return recorded
}

func (p *Processor) tryRecord(ctx context.Context, o model.Outcome) (model.Outcome, error) {
	if o.ID == "" {
		o.ID = newOutcomeID()
	}
	if o.RecordedAt.IsZero() {
		o.RecordedAt = p.now()
	}
	if err := p.audit.Record(ctx, o); err != nil {
		return o, err
	}
	return o, nil
}

func (p *Processor) markSeen(ctx context.Context, msg *model.Message) {
	ctx, cancel := context.WithTimeout(ctx, mailTimeout)
	defer cancel()

	if err := p.mailbox.MarkSeen(ctx, msg.ID); err != nil {
		p.logger.Warn("marking message seen", zap.String("message_id", msg.ID), zap.Error(err))
	}
}

func (p *Processor) delete(ctx context.Context, msg *model.Message, deleteProcessed bool) {
	ctx, cancel := context.WithTimeout(ctx, mailTimeout)
	defer cancel()

	if _, err := p.sink.Delete(ctx, msg, deleteProcessed); err != nil {
		p.logger.Warn("delete failed after reply was sent",
			zap.String("message_id", msg.ID), zap.Error(err))
	}
}

func generationReason(err error) string {
	var genErr *ai.GenerationError
	if errors.As(err, &genErr) {
		return string(genErr.Reason)
	}
	return string(ai.ReasonBackendError)
}

func sendReason(err error) string {
	switch {
	case source.IsAuthError(err):
		return "AuthError"
	case source.IsConnectionError(err):
		return "ConnectionError"
	default:
		return err.Error()
	}
}
