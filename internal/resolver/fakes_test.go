package resolver

import (
	"context"
	"sync"
	"time"

	"github.com/storyatlas/resolve-cli/internal/model"
	"github.com/storyatlas/resolve-cli/internal/ratelimit"
	"github.com/storyatlas/resolve-cli/internal/resilience"
	"github.com/storyatlas/resolve-cli/pkg/geocode"
	"github.com/storyatlas/resolve-cli/pkg/reason"
)

type fakeReason struct {
	mu         sync.Mutex
	completeFn func(req reason.Request) (*reason.Response, error)
	calls      int
}

func (f *fakeReason) Complete(_ context.Context, req reason.Request) (*reason.Response, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return f.completeFn(req)
}

func textResponse(s string) *reason.Response {
	return &reason.Response{Content: []reason.ContentBlock{{Type: "text", Text: s}}}
}

type noopLimiter struct {
	mu       sync.Mutex
	acquired map[ratelimit.Service]int
}

func (l *noopLimiter) Acquire(_ context.Context, svc ratelimit.Service) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.acquired == nil {
		l.acquired = map[ratelimit.Service]int{}
	}
	l.acquired[svc]++
	return func() {}, nil
}

type fakeGeocoder struct {
	mu     sync.Mutex
	result *geocode.Result
	err    error
	calls  int
}

func (g *fakeGeocoder) Geocode(_ context.Context, _ string) (*geocode.Result, error) {
	g.mu.Lock()
	g.calls++
	g.mu.Unlock()
	if g.err != nil {
		return nil, g.err
	}
	return g.result, nil
}

type fakePersister struct {
	mu    sync.Mutex
	saved map[string]*model.Resolution
	err   error
}

func newFakePersister() *fakePersister {
	return &fakePersister{saved: map[string]*model.Resolution{}}
}

func (p *fakePersister) SaveResolution(_ context.Context, id string, res *model.Resolution) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.saved[id] = res
	return nil
}

type fakeHarvester struct {
	digest string
	err    error
}

func (h *fakeHarvester) Harvest(_ context.Context, _ string) (string, error) {
	if h.err != nil {
		return "", h.err
	}
	return h.digest, nil
}

func fastRetry() resilience.RetryConfig {
	return resilience.RetryConfig{
		MaxAttempts:    2,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     time.Millisecond,
	}
}
