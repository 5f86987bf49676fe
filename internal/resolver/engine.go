package resolver

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/storyatlas/resolve-cli/internal/model"
)

// DefaultConcurrency is the worker pool size when none is configured.
const DefaultConcurrency = 10

// Summary aggregates per-record outcomes for one run.
type Summary struct {
	Total    int `json:"total"`
	Resolved int `json:"resolved"`
	Skipped  int `json:"skipped"`
	Failed   int `json:"failed"`

	// Unprocessed counts records never dispatched because the run
	// deadline or cancellation stopped the engine early.
	Unprocessed int `json:"unprocessed,omitempty"`
}

// Engine fans records out over a bounded worker pool. Each record fails
// in isolation: one bad record never aborts the batch.
type Engine struct {
	orch        *Orchestrator
	concurrency int

	// OnProgress, if set, is called after each record completes.
	OnProgress func(rec model.LocationRecord, outcome Outcome)
}

// NewEngine creates an Engine over the given orchestrator.
func NewEngine(orch *Orchestrator, concurrency int) *Engine {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	return &Engine{orch: orch, concurrency: concurrency}
}

// Run resolves all records and returns the aggregate summary. Context
// cancellation (including a run deadline) stops new dispatch; records
// already in flight finish and persist.
func (e *Engine) Run(ctx context.Context, records []model.LocationRecord) *Summary {
	summary := &Summary{Total: len(records)}
	var mu sync.Mutex

	// The deadline gates dispatch only. Workers run detached from it so a
	// record mid-classify or mid-geocode completes and persists instead of
	// aborting partway through a provider call.
	workCtx := context.WithoutCancel(ctx)

	g := &errgroup.Group{}
	g.SetLimit(e.concurrency)

	dispatched := 0
	for _, rec := range records {
		if ctx.Err() != nil {
			zap.L().Warn("run deadline reached, stopping dispatch",
				zap.Int("dispatched", dispatched),
				zap.Int("remaining", len(records)-dispatched),
			)
			break
		}
		dispatched++

		rec := rec
		g.Go(func() error {
			outcome, _, err := e.orch.ResolveOne(workCtx, rec)
			if err != nil {
				zap.L().Error("record failed",
					zap.String("id", rec.ID),
					zap.String("place", rec.PlaceName),
					zap.Error(err),
				)
				outcome = OutcomeFailed
			}

			mu.Lock()
			switch outcome {
			case OutcomeResolved:
				summary.Resolved++
			case OutcomeSkipped:
				summary.Skipped++
			default:
				summary.Failed++
			}
			mu.Unlock()

			if e.OnProgress != nil {
				e.OnProgress(rec, outcome)
			}
			return nil
		})
	}

	g.Wait() //nolint:errcheck // workers never return errors

	summary.Unprocessed = len(records) - dispatched
	return summary
}
