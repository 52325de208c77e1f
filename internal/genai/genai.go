// Package genai abstracts the generative model capability. The core only
// needs prompt-in, text-out; vendor transport stays behind this interface.
package genai

import (
	"context"
	"fmt"
)

// Generator produces a completion for a system and user prompt pair.
type Generator interface {
	Generate(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// UnavailableError marks a transient backend failure; callers may retry with
// backoff.
type UnavailableError struct {
	Err error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("genai: model unavailable: %v", e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }
