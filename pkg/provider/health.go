package provider

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"
)

// ProbeResult is one adapter's readiness outcome.
type ProbeResult struct {
	Provider string
	Healthy  bool
	Err      error
	Latency  time.Duration
}

// HealthProbe runs HealthCheck against every configured adapter in
// parallel via golang.org/x/sync/errgroup, the same concurrency primitive
// win30221-genesis's gateway layer reaches for when fanning work across
// channels.
type HealthProbe struct {
	Adapters []Adapter
	Timeout  time.Duration
}

func NewHealthProbe(adapters []Adapter) *HealthProbe {
	return &HealthProbe{Adapters: adapters, Timeout: 5 * time.Second}
}

// Run probes every adapter concurrently and returns one result per
// adapter, in the same order as p.Adapters. A single slow or failing
// probe never blocks the others; errgroup only reports the first error
// to its own ctx, so each goroutine records its own ProbeResult directly.
func (p *HealthProbe) Run(ctx context.Context) []ProbeResult {
	results := make([]ProbeResult, len(p.Adapters))

	g, gctx := errgroup.WithContext(ctx)
	for i, a := range p.Adapters {
		i, a := i, a
		g.Go(func() error {
			timeout := p.Timeout
			if timeout <= 0 {
				timeout = 5 * time.Second
			}
			probeCtx, cancel := context.WithTimeout(gctx, timeout)
			defer cancel()

			start := time.Now()
			err := a.HealthCheck(probeCtx)
			results[i] = ProbeResult{
				Provider: a.Name(),
				Healthy:  err == nil,
				Err:      err,
				Latency:  time.Since(start),
			}
			return nil // never propagate: each probe is independent
		})
	}
	_ = g.Wait()
	return results
}
