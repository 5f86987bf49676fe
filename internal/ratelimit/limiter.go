// Package ratelimit gates calls to external services. Each service gets an
// independent concurrency ceiling and, where the provider demands it, a
// strict requests-per-second spacing on top.
package ratelimit

import (
	"context"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"
)

// Service identifies an externally rate-limited dependency.
type Service string

const (
	// ServiceReasoning is the LLM used for classification and research.
	ServiceReasoning Service = "reasoning"
	// ServiceGoogle is the primary geocoder.
	ServiceGoogle Service = "google"
	// ServiceNominatim is the fallback geocoder. Its usage policy is a hard
	// 1 request/second, so it carries rps spacing in addition to a
	// concurrency ceiling of one.
	ServiceNominatim Service = "nominatim"
)

// Config sets per-service ceilings. Zero values fall back to defaults.
type Config struct {
	ReasoningConcurrency int     `yaml:"reasoning_concurrency" mapstructure:"reasoning_concurrency"`
	GoogleConcurrency    int     `yaml:"google_concurrency" mapstructure:"google_concurrency"`
	NominatimRPS         float64 `yaml:"nominatim_rps" mapstructure:"nominatim_rps"`
}

type gate struct {
	sem     chan struct{}
	spacing *rate.Limiter // nil when the service has no rps requirement
}

// Limiter holds one gate per service. Construct once per run and pass into
// workers; there is deliberately no package-level instance.
type Limiter struct {
	gates map[Service]*gate
}

// New builds a Limiter from cfg, applying defaults for unset fields
// (reasoning 10 concurrent, google 50 concurrent, nominatim 1 rps / 1
// concurrent).
func New(cfg Config) *Limiter {
	reasoning := cfg.ReasoningConcurrency
	if reasoning <= 0 {
		reasoning = 10
	}
	google := cfg.GoogleConcurrency
	if google <= 0 {
		google = 50
	}
	rps := cfg.NominatimRPS
	if rps <= 0 {
		rps = 1.0
	}

	return &Limiter{
		gates: map[Service]*gate{
			ServiceReasoning: {sem: make(chan struct{}, reasoning)},
			ServiceGoogle:    {sem: make(chan struct{}, google)},
			ServiceNominatim: {
				sem:     make(chan struct{}, 1),
				spacing: rate.NewLimiter(rate.Limit(rps), 1),
			},
		},
	}
}

// Acquire blocks until a permit for the service is available and returns a
// release function. It never drops a request; the only failure mode is
// context cancellation.
func (l *Limiter) Acquire(ctx context.Context, svc Service) (func(), error) {
	g, ok := l.gates[svc]
	if !ok {
		return nil, eris.Errorf("ratelimit: unknown service %q", svc)
	}

	select {
	case g.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, eris.Wrapf(ctx.Err(), "ratelimit: acquire %s", svc)
	}

	if g.spacing != nil {
		if err := g.spacing.Wait(ctx); err != nil {
			<-g.sem
			return nil, eris.Wrapf(err, "ratelimit: spacing %s", svc)
		}
	}

	return func() { <-g.sem }, nil
}
