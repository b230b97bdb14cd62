// Package llm adapts a handful of heterogeneous model APIs to one
// synchronous Provider contract so the deliberation engine never has to
// know which vendor an agent is bound to.
package llm

import (
	"context"
	"errors"
)

// Provider is the interface every model backend implements. GenerateResponse
// returns the raw completion text plus the token usage reported by the
// backend (zero Usage if the backend doesn't report one) so callers can cost
// the call without a second round trip.
type Provider interface {
	GenerateResponse(ctx context.Context, prompt string, systemPrompt string, options map[string]interface{}) (string, Usage, error)
	// AdaptInstructions transforms raw instructions into model-specific formats.
	AdaptInstructions(rawInstructions string) string
}

// Sentinel errors classify provider failures so the agent runner can decide
// whether a retry is worthwhile. Wrap these with fmt.Errorf("...: %w", Err...)
// rather than returning them bare, so the upstream message survives.
var (
	ErrRateLimited    = errors.New("llm: rate limited")
	ErrTimeout        = errors.New("llm: call timed out")
	ErrInvalidRequest = errors.New("llm: invalid request")
	ErrUpstream       = errors.New("llm: upstream error")
	ErrNetwork        = errors.New("llm: network error")
)

// Usage reports token accounting for a single GenerateResponse call.
// Providers that can't report usage (raw HTTP backends without a usage
// block) return a zero Usage, and the call is then costed at zero.
type Usage struct {
	InputTokens  int
	OutputTokens int
}
