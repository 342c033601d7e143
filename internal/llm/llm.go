// Package llm defines a single blocking call: a prompt goes in, text comes
// back. Every structured interpretation of that text (plan JSON, synthesis
// prose) lives in internal/planning and internal/promptbuilder instead.
package llm

import (
	"context"
	"errors"
)

// ErrNoResponse is returned when a backend completes without error but
// produces no usable text.
var ErrNoResponse = errors.New("llm: backend returned no response text")

// Client is the narrowed LLM transport contract: Complete blocks until a
// full completion is available (or ctx is cancelled) and returns raw text.
// Callers impose their own timeout via ctx.
type Client interface {
	Complete(ctx context.Context, prompt string, temperature float64, maxTokens int) (string, error)
}
