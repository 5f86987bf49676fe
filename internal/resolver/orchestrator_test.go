package resolver

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storyatlas/resolve-cli/internal/model"
	"github.com/storyatlas/resolve-cli/pkg/geocode"
	"github.com/storyatlas/resolve-cli/pkg/reason"
)

const testModelID = "claude-sonnet-4-5"

// scriptedBackend returns classifier output for classification prompts and
// research output for precision prompts, keyed off the system prompt.
func scriptedBackend(clsJSON, precJSON string) *fakeReason {
	return &fakeReason{completeFn: func(req reason.Request) (*reason.Response, error) {
		if req.System == classifierSystem {
			return textResponse(clsJSON), nil
		}
		return textResponse(precJSON), nil
	}}
}

func newTestOrchestrator(backend *fakeReason, geo *fakeGeocoder, persister *fakePersister, mutate func(*OrchestratorConfig)) *Orchestrator {
	limiter := &noopLimiter{}
	cfg := OrchestratorConfig{
		Classifier: NewClassifier(backend, testModelID, limiter),
		Precision:  NewPrecisionResolver(backend, testModelID, &fakeHarvester{digest: "evidence"}, limiter),
		Geocoder:   geo,
		Persister:  persister,
		Policy:     DefaultPolicy(),
		ModelID:    testModelID,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return NewOrchestrator(cfg)
}

func TestResolveOne_SimpleTier(t *testing.T) {
	backend := scriptedBackend(
		`{"category": "simple", "reason": "well-known city", "simple_address": "Cupertino, CA, USA", "estimated_precision": "city"}`,
		``)
	geo := &fakeGeocoder{result: &geocode.Result{
		Matched: true, Address: "Cupertino, CA 95014, USA",
		Lat: 37.3229, Lon: -122.0322, Precision: model.PrecisionCity, Source: "google",
	}}
	persister := newFakePersister()

	o := newTestOrchestrator(backend, geo, persister, nil)
	outcome, res, err := o.ResolveOne(context.Background(), model.LocationRecord{
		ID: "loc-1", PlaceName: "Cupertino, California",
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeResolved, outcome)

	saved := persister.saved["loc-1"]
	require.NotNil(t, saved)
	assert.Equal(t, res, saved)
	assert.Equal(t, model.TierSimple, saved.Tier)
	assert.Equal(t, "Cupertino, CA 95014, USA", *saved.Address)
	assert.InDelta(t, 0.85, saved.Confidence, 1e-9)
	assert.Equal(t, model.PrecisionCity, saved.Precision)
	assert.Equal(t, "google", saved.Provenance.Geocoder)
	assert.Equal(t, model.ResolutionHash("Cupertino, California", ClassifierVersion, testModelID), saved.Hash)
	assert.Equal(t, 1, geo.calls)
}

func TestResolveOne_SkipTierNeverGeocodes(t *testing.T) {
	backend := scriptedBackend(
		`{"category": "skip", "reason": "country-level reference with no specific site"}`,
		``)
	geo := &fakeGeocoder{}
	persister := newFakePersister()

	o := newTestOrchestrator(backend, geo, persister, nil)
	outcome, _, err := o.ResolveOne(context.Background(), model.LocationRecord{
		ID: "loc-2", PlaceName: "China", PlaceType: "country",
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeResolved, outcome)

	saved := persister.saved["loc-2"]
	require.NotNil(t, saved)
	assert.Equal(t, model.TierSkip, saved.Tier)
	assert.Equal(t, "China", *saved.Address)
	assert.Equal(t, model.PrecisionCountry, saved.Precision)
	assert.InDelta(t, 0.2, saved.Confidence, 1e-9)
	assert.Equal(t, 0, geo.calls, "skip tier must not touch the geocoder")
	assert.Equal(t, 1, backend.calls, "skip tier must not reach the research path")
}

func TestResolveOne_ResearchTier(t *testing.T) {
	backend := scriptedBackend(
		`{"category": "research", "reason": "generic factory reference"}`,
		`{"address": "No. 188, Wenhua 2nd Rd, Taoyuan City", "precision": "address",
		  "confidence": 0.8, "source_url": "https://example.com/quanta",
		  "source_snippet": "headquarters at No. 188", "is_residence": false,
		  "reason": "corroborated"}`)
	geo := &fakeGeocoder{result: &geocode.Result{
		Matched: true, Address: "No. 188, Wenhua 2nd Rd, Guishan, Taoyuan City",
		Lat: 25.057, Lon: 121.379, Precision: model.PrecisionAddress, Source: "google",
	}}
	persister := newFakePersister()

	o := newTestOrchestrator(backend, geo, persister, nil)
	outcome, _, err := o.ResolveOne(context.Background(), model.LocationRecord{
		ID: "loc-3", PlaceName: "the Quanta factory", CompanyHint: "Quanta Computer",
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeResolved, outcome)

	saved := persister.saved["loc-3"]
	require.NotNil(t, saved)
	assert.Equal(t, model.TierResearch, saved.Tier)
	assert.Contains(t, *saved.Address, "Guishan")
	assert.Equal(t, model.PrecisionAddress, saved.Precision)
	assert.InDelta(t, 0.9, saved.Confidence, 1e-9, "geocoded research result gets the policy confidence")
	assert.Equal(t, "https://example.com/quanta", saved.Provenance.SourceURL)
	assert.Equal(t, "google", saved.Provenance.Geocoder)
}

func TestResolveOne_ResearchGeocodeMissKeepsModelConfidence(t *testing.T) {
	backend := scriptedBackend(
		`{"category": "research", "reason": "weakly sourced"}`,
		`{"address": "somewhere on Bandley Drive", "precision": "street",
		  "confidence": 0.45, "reason": "single uncorroborated mention"}`)
	geo := &fakeGeocoder{result: &geocode.Result{Matched: false, Source: "google"}}
	persister := newFakePersister()

	o := newTestOrchestrator(backend, geo, persister, nil)
	_, res, err := o.ResolveOne(context.Background(), model.LocationRecord{
		ID: "loc-11", PlaceName: "the first office",
	})
	require.NoError(t, err)
	require.NotNil(t, res.Address)
	// No geocoder corroboration: the policy floor does not apply.
	assert.InDelta(t, 0.45, res.Confidence, 1e-9)
	assert.Equal(t, model.PrecisionStreet, res.Precision)
	assert.Empty(t, res.Provenance.Geocoder)
}

func TestResolveOne_ResearchNoResultPersistsEmptyAnswer(t *testing.T) {
	backend := scriptedBackend(
		`{"category": "research", "reason": "ambiguous"}`,
		`{"address": null, "confidence": 0, "reason": "evidence does not name a street address"}`)
	geo := &fakeGeocoder{}
	persister := newFakePersister()

	o := newTestOrchestrator(backend, geo, persister, nil)
	outcome, _, err := o.ResolveOne(context.Background(), model.LocationRecord{
		ID: "loc-4", PlaceName: "the warehouse",
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeResolved, outcome, "a confirmed no-result is still a resolution")

	saved := persister.saved["loc-4"]
	require.NotNil(t, saved)
	assert.Nil(t, saved.Address)
	assert.Zero(t, saved.Confidence)
	assert.Contains(t, saved.Provenance.Reason, "does not name a street address")
	assert.Equal(t, 0, geo.calls)
}

func TestResolveOne_IncrementalSkipsCurrentResolution(t *testing.T) {
	backend := scriptedBackend(`{"category": "simple", "reason": "x"}`, ``)
	persister := newFakePersister()

	o := newTestOrchestrator(backend, &fakeGeocoder{}, persister, func(cfg *OrchestratorConfig) {
		cfg.Incremental = true
	})

	hash := model.ResolutionHash("Cupertino, California", ClassifierVersion, testModelID)
	outcome, res, err := o.ResolveOne(context.Background(), model.LocationRecord{
		ID: "loc-5", PlaceName: "Cupertino, California",
		Resolution: &model.Resolution{Hash: hash, Confidence: 0.85},
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, outcome)
	assert.Nil(t, res)
	assert.Equal(t, 0, backend.calls, "pre-check skip must not call the classifier")
	assert.Empty(t, persister.saved)
}

func TestResolveOne_IncrementalReresolvesStaleHash(t *testing.T) {
	backend := scriptedBackend(
		`{"category": "simple", "reason": "x", "simple_address": "Cupertino, CA"}`, ``)
	geo := &fakeGeocoder{result: &geocode.Result{Matched: true, Address: "Cupertino, CA", Lat: 1, Lon: 2, Precision: model.PrecisionCity, Source: "google"}}
	persister := newFakePersister()

	o := newTestOrchestrator(backend, geo, persister, func(cfg *OrchestratorConfig) {
		cfg.Incremental = true
	})

	outcome, _, err := o.ResolveOne(context.Background(), model.LocationRecord{
		ID: "loc-6", PlaceName: "Cupertino, California",
		Resolution: &model.Resolution{Hash: "stale-hash", Confidence: 0.95},
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeResolved, outcome)
	assert.NotEmpty(t, persister.saved)
}

func TestResolveOne_IncrementalReresolvesLowConfidence(t *testing.T) {
	backend := scriptedBackend(
		`{"category": "simple", "reason": "x", "simple_address": "Cupertino, CA"}`, ``)
	geo := &fakeGeocoder{result: &geocode.Result{Matched: true, Address: "Cupertino, CA", Precision: model.PrecisionCity}}
	persister := newFakePersister()

	o := newTestOrchestrator(backend, geo, persister, func(cfg *OrchestratorConfig) {
		cfg.Incremental = true
	})

	hash := model.ResolutionHash("Cupertino, California", ClassifierVersion, testModelID)
	outcome, _, err := o.ResolveOne(context.Background(), model.LocationRecord{
		ID: "loc-7", PlaceName: "Cupertino, California",
		Resolution: &model.Resolution{Hash: hash, Confidence: 0.4},
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeResolved, outcome)
}

func TestResolveOne_DryRunComputesButDoesNotPersist(t *testing.T) {
	backend := scriptedBackend(
		`{"category": "skip", "reason": "country"}`, ``)
	persister := newFakePersister()

	o := newTestOrchestrator(backend, &fakeGeocoder{}, persister, func(cfg *OrchestratorConfig) {
		cfg.DryRun = true
	})

	outcome, res, err := o.ResolveOne(context.Background(), model.LocationRecord{
		ID: "loc-8", PlaceName: "France", PlaceType: "country",
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeResolved, outcome)
	require.NotNil(t, res)
	assert.Empty(t, persister.saved)
}

func TestResolveOne_PersistFailure(t *testing.T) {
	backend := scriptedBackend(`{"category": "skip", "reason": "country"}`, ``)
	persister := newFakePersister()
	persister.err = errors.New("disk full")

	o := newTestOrchestrator(backend, &fakeGeocoder{}, persister, nil)
	outcome, _, err := o.ResolveOne(context.Background(), model.LocationRecord{
		ID: "loc-9", PlaceName: "Germany", PlaceType: "country",
	})
	require.Error(t, err)
	assert.Equal(t, OutcomeFailed, outcome)
}

func TestResolveOne_SimpleGeocodeMissKeepsEstimate(t *testing.T) {
	backend := scriptedBackend(
		`{"category": "simple", "reason": "known place", "simple_address": "Fountain, CO", "estimated_precision": "city"}`, ``)
	geo := &fakeGeocoder{result: &geocode.Result{Matched: false, Source: "google"}}
	persister := newFakePersister()

	o := newTestOrchestrator(backend, geo, persister, nil)
	_, res, err := o.ResolveOne(context.Background(), model.LocationRecord{
		ID: "loc-10", PlaceName: "Fountain",
	})
	require.NoError(t, err)
	require.NotNil(t, res.Address)
	assert.Equal(t, "Fountain, CO", *res.Address)
	assert.Equal(t, model.PrecisionCity, res.Precision)
	assert.Empty(t, res.Provenance.Geocoder)
}
