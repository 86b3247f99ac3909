package provider

import (
	"context"

	"rhythmchamber/pkg/llm"
)

// Adapter is the uniform boundary every backend (Gemini, Ollama, an
// OpenAI-compatible local server, or an OpenAI-hosted model) implements.
// It mirrors the teacher's LLMClient but adds Name/HealthCheck so the
// Router can key circuit-breaker and rate-limit state per provider and
// the HealthProbe can poll readiness without sending a chat request.
type Adapter interface {
	// Name returns the stable identifier used as the circuit breaker and
	// rate limiter key, e.g. "gemini", "ollama", "compatible:lmstudio".
	Name() string

	// StreamChat issues a streaming chat completion. The returned channel
	// is closed when the stream ends, whether cleanly or by error; a
	// terminal StreamChunk.Err carries the failure.
	StreamChat(ctx context.Context, messages []llm.Message, tools []llm.ToolDefinition) (<-chan llm.StreamChunk, error)

	// HealthCheck performs a cheap reachability probe (not a full chat
	// request) and returns a non-nil error if the provider cannot be
	// reached at all.
	HealthCheck(ctx context.Context) error
}
