package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/storyatlas/resolve-cli/internal/model"
	"github.com/storyatlas/resolve-cli/internal/ratelimit"
	"github.com/storyatlas/resolve-cli/internal/resolver"
	"github.com/storyatlas/resolve-cli/internal/store"
	"github.com/storyatlas/resolve-cli/pkg/geocode"
	"github.com/storyatlas/resolve-cli/pkg/reason"
	"github.com/storyatlas/resolve-cli/pkg/websearch"
)

var (
	resolveConcurrency int
	resolveLimit       int
	resolveBook        string
	resolveIncremental bool
	resolveThreshold   float64
	resolveDryRun      bool
	resolveTimeout     time.Duration
)

var resolveCmd = &cobra.Command{
	Use:   "resolve",
	Short: "Resolve pending location records",
	Long:  "Classifies each pending record into an effort tier and resolves it to an address via reasoning, web research, and the geocoder cascade.",
	RunE:  runResolve,
}

func init() {
	resolveCmd.Flags().IntVar(&resolveConcurrency, "concurrency", 0, "worker count (default from config)")
	resolveCmd.Flags().IntVar(&resolveLimit, "limit", 0, "max records to process (0 = all)")
	resolveCmd.Flags().StringVar(&resolveBook, "book", "", "restrict to one book ID")
	resolveCmd.Flags().BoolVar(&resolveIncremental, "incremental", false, "re-check already-resolved records against the current pipeline version")
	resolveCmd.Flags().Float64Var(&resolveThreshold, "confidence-threshold", 0, "incremental re-resolve threshold (default from config)")
	resolveCmd.Flags().BoolVar(&resolveDryRun, "dry-run", false, "compute resolutions without persisting")
	resolveCmd.Flags().DurationVar(&resolveTimeout, "timeout", 0, "abort the run after this duration (0 = none)")
	rootCmd.AddCommand(resolveCmd)
}

func runResolve(cmd *cobra.Command, args []string) error {
	// Fail before any record is touched, not midway through a batch.
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	timeout := resolveTimeout
	if timeout == 0 && cfg.Resolve.TimeoutSecs > 0 {
		timeout = time.Duration(cfg.Resolve.TimeoutSecs) * time.Second
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	st, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.Migrate(ctx); err != nil {
		return err
	}

	policy := cfg.Policy
	if resolveThreshold > 0 {
		policy.IncrementalThreshold = resolveThreshold
	}

	records, err := st.ListUnresolved(ctx, store.Filter{
		BookID:      resolveBook,
		Limit:       resolveLimit,
		Incremental: resolveIncremental,
	})
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Println("Nothing to resolve.")
		return nil
	}

	limiter := ratelimit.New(cfg.RateLimit)
	reasoner := reason.NewClient(cfg.Anthropic.Key)
	cache := storeCache{st}

	harvester := websearch.NewHarvester(
		websearch.WithCache(cache),
		websearch.WithMaxResults(cfg.Search.MaxResults),
	)

	providers, err := buildProviders()
	if err != nil {
		return err
	}
	cascade := geocode.NewCascade(providers,
		geocode.WithCache(cache),
		geocode.WithLimiter(limiter),
	)

	orch := resolver.NewOrchestrator(resolver.OrchestratorConfig{
		Classifier:  resolver.NewClassifier(reasoner, cfg.Anthropic.Model, limiter),
		Precision:   resolver.NewPrecisionResolver(reasoner, cfg.Anthropic.Model, harvester, limiter),
		Geocoder:    cascade,
		Persister:   st,
		Policy:      policy,
		ModelID:     cfg.Anthropic.Model,
		Incremental: resolveIncremental,
		DryRun:      resolveDryRun,
	})

	concurrency := resolveConcurrency
	if concurrency == 0 {
		concurrency = cfg.Resolve.Concurrency
	}
	engine := resolver.NewEngine(orch, concurrency)

	bar := progressbar.NewOptions(len(records),
		progressbar.OptionSetDescription("Resolving"),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
	)
	engine.OnProgress = func(rec model.LocationRecord, outcome resolver.Outcome) {
		_ = bar.Add(1)
	}

	zap.L().Info("starting resolve run",
		zap.Int("records", len(records)),
		zap.Int("concurrency", concurrency),
		zap.Bool("incremental", resolveIncremental),
		zap.Bool("dry_run", resolveDryRun),
	)

	summary := engine.Run(ctx, records)
	_ = bar.Finish()

	fmt.Printf("Total:       %d\n", summary.Total)
	fmt.Printf("Resolved:    %d\n", summary.Resolved)
	fmt.Printf("Skipped:     %d\n", summary.Skipped)
	fmt.Printf("Failed:      %d\n", summary.Failed)
	if summary.Unprocessed > 0 {
		fmt.Printf("Unprocessed: %d\n", summary.Unprocessed)
	}

	if summary.Failed > 0 || summary.Unprocessed > 0 {
		exitCode = 2
	}
	return nil
}

// storeCache exposes the store's lookup cache under the Get/Set shape the
// harvester and cascade expect. Both share one table; their keys carry
// distinct prefixes.
type storeCache struct {
	store.Store
}

func (c storeCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	return c.GetCache(ctx, key)
}

func (c storeCache) Set(ctx context.Context, key string, payload []byte) error {
	return c.SetCache(ctx, key, payload)
}

// buildProviders assembles the geocoder cascade in priority order. Google
// is optional; Nominatim is always present as the fallback.
func buildProviders() ([]geocode.Provider, error) {
	var providers []geocode.Provider

	if cfg.Geocode.GoogleAPIKey != "" {
		google, err := geocode.NewGoogleProvider(cfg.Geocode.GoogleAPIKey)
		if err != nil {
			return nil, err
		}
		providers = append(providers, google)
	} else {
		zap.L().Warn("google api key not configured, geocoding with nominatim only")
	}

	nominatim, err := geocode.NewNominatimProvider(cfg.Geocode.NominatimEmail)
	if err != nil {
		return nil, err
	}
	providers = append(providers, nominatim)

	return providers, nil
}
