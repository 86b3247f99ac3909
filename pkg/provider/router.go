package provider

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/time/rate"

	"rhythmchamber/pkg/llm"
)

// RouterConfig carries the per-provider ordering and resilience knobs a
// Router is built with, generalizing win30221-genesis's FallbackClient
// (pkg/llm/llm.go) from a flat retry loop into breaker+rate-limit aware
// routing across an ordered provider chain.
type RouterConfig struct {
	MaxRetries      int
	RetryBaseDelay  time.Duration
	RetryMaxDelay   time.Duration
	RateLimitPerSec float64
	RateLimitBurst  int
}

func defaultRouterConfig() RouterConfig {
	return RouterConfig{
		MaxRetries:      3,
		RetryBaseDelay:  250 * time.Millisecond,
		RetryMaxDelay:   5 * time.Second,
		RateLimitPerSec: 2,
		RateLimitBurst:  4,
	}
}

// Router selects among an ordered chain of Adapters, consulting a shared
// HealthAuthority circuit breaker and a per-provider token bucket before
// every attempt, and falls back to the next adapter in the chain when one
// is unavailable or fails with a recoverable error.
type Router struct {
	adapters []Adapter
	health   *HealthAuthority
	limiters map[string]*rate.Limiter
	cfg      RouterConfig
	logger   *slog.Logger
}

// NewRouter builds a Router over an ordered fallback chain of adapters.
// The first adapter is preferred; later ones are tried only when an
// earlier one is circuit-open or fails with a recoverable error.
func NewRouter(adapters []Adapter, health *HealthAuthority, cfg RouterConfig, logger *slog.Logger) *Router {
	if cfg.MaxRetries <= 0 {
		cfg = defaultRouterConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	limiters := make(map[string]*rate.Limiter, len(adapters))
	for _, a := range adapters {
		limit := cfg.RateLimitPerSec
		if limit <= 0 {
			limit = defaultRouterConfig().RateLimitPerSec
		}
		burst := cfg.RateLimitBurst
		if burst <= 0 {
			burst = defaultRouterConfig().RateLimitBurst
		}
		limiters[a.Name()] = rate.NewLimiter(rate.Limit(limit), burst)
	}
	return &Router{adapters: adapters, health: health, limiters: limiters, cfg: cfg, logger: logger}
}

// StreamChat attempts each adapter in the configured chain in turn,
// retrying transient failures within an adapter with jittered exponential
// backoff (cenkalti/backoff/v5) before moving to the next adapter. It
// returns the first adapter's stream that starts successfully.
func (r *Router) StreamChat(ctx context.Context, messages []llm.Message, tools []llm.ToolDefinition) (<-chan llm.StreamChunk, error) {
	var lastErr error

	for _, adapter := range r.adapters {
		name := adapter.Name()

		if ok, cooldownMs := r.health.Allow(name); !ok {
			r.logger.Warn("provider circuit open, skipping", "provider", name, "cooldown_ms", cooldownMs)
			lastErr = CircuitOpenError(name, cooldownMs)
			continue
		}

		if lim := r.limiters[name]; lim != nil {
			if err := lim.Wait(ctx); err != nil {
				return nil, err
			}
		}

		ch, err := r.streamWithRetry(ctx, adapter, messages, tools)
		if err == nil {
			r.health.RecordSuccess(name)
			return ch, nil
		}

		r.health.RecordFailure(name)
		lastErr = err

		var perr *Error
		if asProviderError(err, &perr) && !perr.Recoverable {
			r.logger.Error("provider failed non-recoverably", "provider", name, "err", err)
			return nil, err
		}
		r.logger.Warn("provider failed, trying next in chain", "provider", name, "err", err)
	}

	if lastErr == nil {
		return nil, fmt.Errorf("provider: no adapters configured")
	}
	return nil, lastErr
}

func (r *Router) streamWithRetry(ctx context.Context, adapter Adapter, messages []llm.Message, tools []llm.ToolDefinition) (<-chan llm.StreamChunk, error) {
	op := func() (<-chan llm.StreamChunk, error) {
		ch, err := adapter.StreamChat(ctx, messages, tools)
		if err != nil {
			var perr *Error
			if asProviderError(err, &perr) && !perr.Recoverable {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		return ch, nil
	}

	return backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(uint(maxInt(r.cfg.MaxRetries, 1))),
	)
}

func asProviderError(err error, target **Error) bool {
	for e := err; e != nil; {
		if pe, ok := e.(*Error); ok {
			*target = pe
			return true
		}
		u, ok := e.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		e = u.Unwrap()
	}
	return false
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
