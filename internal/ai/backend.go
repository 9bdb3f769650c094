// Package ai turns a classified message into reply text using an external
// language model.
package ai

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/nhle/mailagent/internal/model"
)

var (
	// ErrTimeout is returned by a Backend when the model did not answer in time.
	ErrTimeout = errors.New("generation timed out")

	// ErrBackend is returned by a Backend for transport failures and
	// non-success responses.
	ErrBackend = errors.New("generation backend error")
)

// Prompt is the input of a single generation request.
type Prompt struct {
	System string
	User   string
}

// Backend is a text-generation capability: given a prompt it produces text
// or fails with an error wrapping ErrTimeout or ErrBackend.
type Backend interface {
	Generate(ctx context.Context, prompt Prompt) (string, error)
}

// NewBackend creates the backend selected by cfg.Backend.
func NewBackend(cfg model.AIConfig) (Backend, error) {
	switch cfg.Backend {
	case "ollama", "":
		return NewOllamaBackend(cfg), nil
	case "anthropic":
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("anthropic backend requires an API key")
		}
		return NewAnthropicBackend(cfg), nil
	default:
		return nil, fmt.Errorf("unknown ai backend %q", cfg.Backend)
	}
}

// transportError maps an error from http.Client.Do to ErrTimeout or
// ErrBackend.
func transportError(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrBackend, err)
}

// statusError maps a non-success HTTP status to ErrTimeout for gateway
// timeouts and ErrBackend otherwise.
func statusError(status int, detail string) error {
	if status == http.StatusGatewayTimeout || status == http.StatusRequestTimeout {
		return fmt.Errorf("%w: status %d: %s", ErrTimeout, status, detail)
	}
	return fmt.Errorf("%w: status %d: %s", ErrBackend, status, detail)
}
