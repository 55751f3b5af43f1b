// Package provider defines the text generation backend contract and the
// OpenAI-compatible HTTP client used in production deployments.
package provider

import "context"

// Generator produces a completion for a fully assembled prompt. The prompt
// already carries the system preamble and conversation history; Generate
// treats it as opaque text.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
	Name() string
}
