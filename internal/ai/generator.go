package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/nhle/mailagent/internal/model"
)

// Reason is the failure class of a GenerationError.
type Reason string

const (
	ReasonTimeout       Reason = "Timeout"
	ReasonBackendError  Reason = "BackendError"
	ReasonEmptyResponse Reason = "EmptyResponse"
)

// GenerationError is returned by Generator.Generate when no usable reply
// text was produced.
type GenerationError struct {
	Reason   Reason
	Attempts int
	Err      error
}

func (e *GenerationError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("generation failed (%s) after %d attempt(s)", e.Reason, e.Attempts)
	}
	return fmt.Sprintf("generation failed (%s) after %d attempt(s): %v", e.Reason, e.Attempts, e.Err)
}

func (e *GenerationError) Unwrap() error {
	return e.Err
}

// Options bound a single Generate call.
type Options struct {
	// Timeout applies to each attempt separately.
	Timeout time.Duration

	// MaxRetries is the number of attempts after the first one.
	MaxRetries int

	// Backoff is the wait before the first retry; it doubles on every
	// further retry.
	Backoff time.Duration

	MaxBodyChars int
}

// OptionsFromConfig maps the generation section of the configuration.
func OptionsFromConfig(cfg model.GenerationConfig) Options {
	return Options{
		Timeout:      cfg.Timeout,
		MaxRetries:   cfg.MaxRetries,
		Backoff:      cfg.Backoff,
		MaxBodyChars: cfg.MaxBodyChars,
	}
}

// Generator produces reply text through a Backend with bounded latency.
type Generator struct {
	backend Backend
	logger  *zap.Logger
}

// NewGenerator creates a Generator.
func NewGenerator(backend Backend, logger *zap.Logger) *Generator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Generator{backend: backend, logger: logger.Named("ai")}
}

// Generate returns reply text for msg. Timeouts and backend errors are
// retried up to opts.MaxRetries times; an empty answer fails immediately.
func (g *Generator) Generate(
	ctx context.Context,
	msg *model.Message,
	category model.Category,
	opts Options,
) (string, error) {
	prompt := BuildPrompt(msg, category, opts.MaxBodyChars)

	var lastErr error
	attempts := 0
	for attempt := 0; attempt <= opts.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := sleep(ctx, backoffDelay(opts.Backoff, attempt)); err != nil {
				break
			}
		}

		attempts++
		text, err := g.attempt(ctx, prompt, opts.Timeout)
		if err == nil {
			text = cleanResponse(text)
			if text == "" {
				return "", &GenerationError{Reason: ReasonEmptyResponse, Attempts: attempts}
			}
			return text, nil
		}

		lastErr = err
		g.logger.Warn("generation attempt failed",
			zap.String("message_id", msg.ID),
			zap.Int("attempt", attempts),
			zap.Error(err),
		)
	}

	reason := ReasonBackendError
	if errors.Is(lastErr, ErrTimeout) {
		reason = ReasonTimeout
	}
	return "", &GenerationError{Reason: reason, Attempts: attempts, Err: lastErr}
}

func (g *Generator) attempt(ctx context.Context, prompt Prompt, timeout time.Duration) (string, error) {
	if timeout <= 0 {
		return g.backend.Generate(ctx, prompt)
	}

	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	text, err := g.backend.Generate(attemptCtx, prompt)
	if err != nil && !errors.Is(err, ErrTimeout) && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
		return "", fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return text, err
}

// cleanResponse trims the model output and drops a leading "Response:"
// label some models echo from the prompt.
func cleanResponse(text string) string {
	text = strings.TrimSpace(text)
	const label = "response:"
	if len(text) >= len(label) && strings.EqualFold(text[:len(label)], label) {
		text = strings.TrimSpace(text[len(label):])
	}
	return text
}

// maxBackoff caps the wait between two attempts.
const maxBackoff = 5 * time.Minute

// backoffDelay is the wait before retry number attempt (1-based): base
// doubled attempt-1 times, capped at maxBackoff.
func backoffDelay(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	d := base
	for i := 1; i < attempt; i++ {
		if d >= maxBackoff/2 {
			return maxBackoff
		}
		d *= 2
	}
	return min(d, maxBackoff)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
