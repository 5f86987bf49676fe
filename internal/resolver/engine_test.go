package resolver

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storyatlas/resolve-cli/internal/model"
	"github.com/storyatlas/resolve-cli/pkg/reason"
)

func testBatch(n int) []model.LocationRecord {
	records := make([]model.LocationRecord, 0, n)
	for i := 0; i < n; i++ {
		records = append(records, model.LocationRecord{
			ID:        fmt.Sprintf("loc-%d", i),
			PlaceName: fmt.Sprintf("place %d", i),
		})
	}
	return records
}

func TestEngineRun_CountsOutcomes(t *testing.T) {
	// Record loc-3 errors at persist; everything else resolves.
	backend := scriptedBackend(`{"category": "skip", "reason": "broad"}`, ``)
	persister := newFakePersister()
	failing := &selectivePersister{inner: persister, failID: "loc-3"}

	o := newTestOrchestrator(backend, &fakeGeocoder{}, persister, func(cfg *OrchestratorConfig) {
		cfg.Persister = failing
	})
	e := NewEngine(o, 4)

	summary := e.Run(context.Background(), testBatch(6))
	assert.Equal(t, 6, summary.Total)
	assert.Equal(t, 5, summary.Resolved)
	assert.Equal(t, 1, summary.Failed)
	assert.Zero(t, summary.Skipped)
	assert.Zero(t, summary.Unprocessed)
}

func TestEngineRun_FailureIsolation(t *testing.T) {
	backend := scriptedBackend(`{"category": "skip", "reason": "broad"}`, ``)
	persister := newFakePersister()
	failing := &selectivePersister{inner: persister, failID: "loc-0"}

	o := newTestOrchestrator(backend, &fakeGeocoder{}, persister, func(cfg *OrchestratorConfig) {
		cfg.Persister = failing
	})
	e := NewEngine(o, 1)

	summary := e.Run(context.Background(), testBatch(3))
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, 2, summary.Resolved)
	// The failed record did not stop its successors from persisting.
	assert.Len(t, persister.saved, 2)
}

func TestEngineRun_CancelledContextStopsDispatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	backend := scriptedBackend(`{"category": "skip", "reason": "broad"}`, ``)
	o := newTestOrchestrator(backend, &fakeGeocoder{}, newFakePersister(), nil)
	e := NewEngine(o, 2)

	summary := e.Run(ctx, testBatch(5))
	assert.Equal(t, 5, summary.Total)
	assert.Equal(t, 5, summary.Unprocessed)
	assert.Zero(t, summary.Resolved)
}

func TestEngineRun_InFlightRecordFinishesAfterDeadline(t *testing.T) {
	// The run context expires while loc-0 is mid-reasoning-call. The record
	// must still complete and persist; only undispatched records are dropped.
	ctx, cancel := context.WithCancel(context.Background())

	backend := &fakeReason{completeFn: func(_ reason.Request) (*reason.Response, error) {
		cancel()
		return textResponse(`{"category": "skip", "reason": "broad"}`), nil
	}}
	persister := newFakePersister()
	strict := &deadlineRejectingPersister{inner: persister}

	o := newTestOrchestrator(backend, &fakeGeocoder{}, persister, func(cfg *OrchestratorConfig) {
		cfg.Persister = strict
	})
	e := NewEngine(o, 1)

	summary := e.Run(ctx, testBatch(1))
	assert.Equal(t, 1, summary.Resolved)
	assert.Zero(t, summary.Failed)
	assert.Zero(t, summary.Unprocessed)
	require.Contains(t, persister.saved, "loc-0")
	assert.Equal(t, model.TierSkip, persister.saved["loc-0"].Tier)
}

func TestEngineRun_RespectsConcurrencyLimit(t *testing.T) {
	var current, peak int64
	backend := &fakeReason{completeFn: func(_ reason.Request) (*reason.Response, error) {
		n := atomic.AddInt64(&current, 1)
		for {
			p := atomic.LoadInt64(&peak)
			if n <= p || atomic.CompareAndSwapInt64(&peak, p, n) {
				break
			}
		}
		defer atomic.AddInt64(&current, -1)
		return textResponse(`{"category": "skip", "reason": "broad"}`), nil
	}}

	o := newTestOrchestrator(backend, &fakeGeocoder{}, newFakePersister(), nil)
	e := NewEngine(o, 2)

	summary := e.Run(context.Background(), testBatch(10))
	require.Equal(t, 10, summary.Resolved)
	assert.LessOrEqual(t, atomic.LoadInt64(&peak), int64(2))
}

func TestEngineRun_ProgressCallback(t *testing.T) {
	backend := scriptedBackend(`{"category": "skip", "reason": "broad"}`, ``)
	o := newTestOrchestrator(backend, &fakeGeocoder{}, newFakePersister(), nil)
	e := NewEngine(o, 3)

	var mu sync.Mutex
	seen := map[string]Outcome{}
	e.OnProgress = func(rec model.LocationRecord, outcome Outcome) {
		mu.Lock()
		seen[rec.ID] = outcome
		mu.Unlock()
	}

	e.Run(context.Background(), testBatch(4))
	assert.Len(t, seen, 4)
	assert.Equal(t, OutcomeResolved, seen["loc-0"])
}

func TestNewEngine_DefaultConcurrency(t *testing.T) {
	e := NewEngine(nil, 0)
	assert.Equal(t, DefaultConcurrency, e.concurrency)
}

// deadlineRejectingPersister refuses writes on a cancelled context, the way
// a real store call would.
type deadlineRejectingPersister struct {
	inner *fakePersister
}

func (p *deadlineRejectingPersister) SaveResolution(ctx context.Context, id string, res *model.Resolution) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return p.inner.SaveResolution(ctx, id, res)
}

// selectivePersister fails exactly one record ID and delegates the rest.
type selectivePersister struct {
	inner  *fakePersister
	failID string
}

func (p *selectivePersister) SaveResolution(ctx context.Context, id string, res *model.Resolution) error {
	if id == p.failID {
		return fmt.Errorf("simulated write failure for %s", id)
	}
	return p.inner.SaveResolution(ctx, id, res)
}

var _ Geocoder = (*fakeGeocoder)(nil)
