package geocode

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/storyatlas/resolve-cli/internal/ratelimit"
	"github.com/storyatlas/resolve-cli/internal/resilience"
)

// Cache stores geocode results (matches and non-matches) keyed by
// normalized address. Absence covers both never-seen and expired entries.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, payload []byte) error
}

// Limiter gates provider calls. Satisfied by *ratelimit.Limiter.
type Limiter interface {
	Acquire(ctx context.Context, svc ratelimit.Service) (func(), error)
}

// Cascade tries geocode providers in order until one matches. Every
// provider call passes through the cache first and through the rate
// limiter for that provider.
type Cascade struct {
	providers []Provider
	cache     Cache
	limiter   Limiter
	retry     resilience.RetryConfig
}

// CascadeOption configures the Cascade.
type CascadeOption func(*Cascade)

// WithCache enables result caching.
func WithCache(c Cache) CascadeOption {
	return func(cc *Cascade) { cc.cache = c }
}

// WithLimiter gates provider calls through the given rate limiter.
func WithLimiter(l Limiter) CascadeOption {
	return func(cc *Cascade) { cc.limiter = l }
}

// WithRetryConfig overrides the per-provider retry policy.
func WithRetryConfig(cfg resilience.RetryConfig) CascadeOption {
	return func(cc *Cascade) { cc.retry = cfg }
}

// NewCascade creates a Cascade over the given providers, tried in order.
func NewCascade(providers []Provider, opts ...CascadeOption) *Cascade {
	c := &Cascade{
		providers: providers,
		retry:     resilience.GeocodeRetryConfig(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Geocode resolves a free-text address to coordinates and precision. A
// non-match from every provider is a valid answer (Matched=false), not an
// error; it is cached like any other result so re-runs don't re-spend.
func (c *Cascade) Geocode(ctx context.Context, address string) (*Result, error) {
	key := CacheKey(address)

	if cached := c.checkCache(ctx, key); cached != nil {
		return cached, nil
	}

	var lastMiss *Result
	for _, p := range c.providers {
		result, err := c.callProvider(ctx, p, func(ctx context.Context) (*Result, error) {
			return p.Geocode(ctx, address)
		})
		if err != nil {
			zap.L().Debug("cascade: provider error, trying next",
				zap.String("provider", p.Name()),
				zap.Error(err),
			)
			continue
		}
		if result != nil && result.Matched {
			c.storeCache(ctx, key, result)
			return result, nil
		}
		if result != nil {
			lastMiss = result
		}
	}

	noMatch := &Result{Matched: false, Source: "cascade"}
	if lastMiss != nil {
		noMatch.Source = lastMiss.Source
	}
	c.storeCache(ctx, key, noMatch)
	return noMatch, nil
}

// ReverseGeocode resolves coordinates to an address. Utility path: rate
// limited but not cached.
func (c *Cascade) ReverseGeocode(ctx context.Context, lat, lon float64) (*Result, error) {
	for _, p := range c.providers {
		result, err := c.callProvider(ctx, p, func(ctx context.Context) (*Result, error) {
			return p.Reverse(ctx, lat, lon)
		})
		if err != nil {
			zap.L().Debug("cascade: reverse provider error, trying next",
				zap.String("provider", p.Name()),
				zap.Error(err),
			)
			continue
		}
		if result != nil && result.Matched {
			return result, nil
		}
	}
	return &Result{Matched: false, Source: "cascade"}, nil
}

func (c *Cascade) callProvider(ctx context.Context, p Provider, fn func(ctx context.Context) (*Result, error)) (*Result, error) {
	if c.limiter != nil {
		if svc, ok := serviceFor(p.Name()); ok {
			release, err := c.limiter.Acquire(ctx, svc)
			if err != nil {
				return nil, err
			}
			defer release()
		}
	}
	return resilience.DoVal(ctx, c.retry, fn)
}

func serviceFor(providerName string) (ratelimit.Service, bool) {
	switch providerName {
	case "google":
		return ratelimit.ServiceGoogle, true
	case "nominatim":
		return ratelimit.ServiceNominatim, true
	}
	return "", false
}

func (c *Cascade) checkCache(ctx context.Context, key string) *Result {
	if c.cache == nil {
		return nil
	}
	payload, ok, err := c.cache.Get(ctx, key)
	if err != nil || !ok {
		return nil
	}
	var r Result
	if err := json.Unmarshal(payload, &r); err != nil {
		return nil
	}
	zap.L().Debug("geocode cache hit", zap.String("key", key[:20]), zap.Bool("matched", r.Matched))
	return &r
}

func (c *Cascade) storeCache(ctx context.Context, key string, result *Result) {
	if c.cache == nil {
		return
	}
	payload, err := json.Marshal(result)
	if err != nil {
		return
	}
	if err := c.cache.Set(ctx, key, payload); err != nil {
		zap.L().Warn("geocode cache write failed", zap.Error(err))
	}
}
