package resolver

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/storyatlas/resolve-cli/internal/model"
	"github.com/storyatlas/resolve-cli/pkg/geocode"
)

// Policy holds the fixed confidences each tier's resolution is persisted
// with, and the incremental re-resolution threshold.
type Policy struct {
	SkipConfidence   float64 `yaml:"skip_confidence" mapstructure:"skip_confidence"`
	SimpleConfidence float64 `yaml:"simple_confidence" mapstructure:"simple_confidence"`

	// ResearchConfidence is the floor applied when a research candidate is
	// corroborated by a geocoder match. An un-geocoded candidate keeps the
	// model-reported confidence so a weaker answer is not inflated.
	ResearchConfidence float64 `yaml:"research_confidence" mapstructure:"research_confidence"`

	// IncrementalThreshold: a prior resolution at or above this confidence,
	// with a current hash, is left alone in incremental mode.
	IncrementalThreshold float64 `yaml:"incremental_threshold" mapstructure:"incremental_threshold"`
}

// DefaultPolicy returns the standard tier confidences.
func DefaultPolicy() Policy {
	return Policy{
		SkipConfidence:       0.2,
		SimpleConfidence:     0.85,
		ResearchConfidence:   0.9,
		IncrementalThreshold: 0.7,
	}
}

// Outcome is the per-record result category for the run summary.
type Outcome string

const (
	// OutcomeResolved means a resolution was computed (and persisted
	// unless dry-run). Skip-tier records count here: the skip itself is
	// a persisted answer.
	OutcomeResolved Outcome = "resolved"

	// OutcomeSkipped means the incremental pre-check found a current,
	// confident prior resolution and did no work.
	OutcomeSkipped Outcome = "skipped"

	// OutcomeFailed means the record errored; other records are unaffected.
	OutcomeFailed Outcome = "failed"
)

// Geocoder resolves a free-text address. Satisfied by *geocode.Cascade.
type Geocoder interface {
	Geocode(ctx context.Context, address string) (*geocode.Result, error)
}

// Persister writes one record's resolution. Satisfied by store.Store.
type Persister interface {
	SaveResolution(ctx context.Context, id string, res *model.Resolution) error
}

// Orchestrator drives one record through classify → (skip | geocode |
// research) → persist.
type Orchestrator struct {
	classifier *Classifier
	precision  *PrecisionResolver
	geocoder   Geocoder
	persister  Persister
	policy     Policy
	modelID    string

	incremental bool
	dryRun      bool
}

// OrchestratorConfig wires an Orchestrator.
type OrchestratorConfig struct {
	Classifier  *Classifier
	Precision   *PrecisionResolver
	Geocoder    Geocoder
	Persister   Persister
	Policy      Policy
	ModelID     string
	Incremental bool
	DryRun      bool
}

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(cfg OrchestratorConfig) *Orchestrator {
	return &Orchestrator{
		classifier:  cfg.Classifier,
		precision:   cfg.Precision,
		geocoder:    cfg.Geocoder,
		persister:   cfg.Persister,
		policy:      cfg.Policy,
		modelID:     cfg.ModelID,
		incremental: cfg.Incremental,
		dryRun:      cfg.DryRun,
	}
}

// ResolveOne runs the full state machine for a single record. The returned
// resolution is nil when the incremental pre-check skipped the record.
func (o *Orchestrator) ResolveOne(ctx context.Context, rec model.LocationRecord) (Outcome, *model.Resolution, error) {
	hash := model.ResolutionHash(rec.PlaceName, ClassifierVersion, o.modelID)

	if o.incremental && rec.Resolution != nil &&
		rec.Resolution.Hash == hash &&
		rec.Resolution.Confidence >= o.policy.IncrementalThreshold {
		zap.L().Debug("incremental: prior resolution is current",
			zap.String("id", rec.ID),
			zap.String("place", rec.PlaceName),
			zap.Float64("confidence", rec.Resolution.Confidence),
		)
		return OutcomeSkipped, nil, nil
	}

	classification := o.classifier.Classify(ctx, rec)

	var res *model.Resolution
	var err error
	switch classification.Tier {
	case model.TierSkip:
		res = o.resolveSkip(rec, classification)
	case model.TierSimple:
		res = o.resolveSimple(ctx, rec, classification)
	default:
		res, err = o.resolveResearch(ctx, rec, classification)
		if err != nil {
			return OutcomeFailed, nil, err
		}
	}

	res.Hash = hash
	res.ResolvedAt = time.Now().UTC()

	if o.dryRun {
		zap.L().Info("dry-run: resolution computed but not persisted",
			zap.String("id", rec.ID),
			zap.String("tier", string(res.Tier)),
		)
		return OutcomeResolved, res, nil
	}

	if err := o.persister.SaveResolution(ctx, rec.ID, res); err != nil {
		return OutcomeFailed, nil, eris.Wrapf(err, "persist resolution %s", rec.ID)
	}
	return OutcomeResolved, res, nil
}

// resolveSkip is terminal: no geocoding, no research. The place name itself
// stands in as the address at country/region precision.
func (o *Orchestrator) resolveSkip(rec model.LocationRecord, cls Classification) *model.Resolution {
	precision := model.PrecisionRegion
	if rec.PlaceType == "country" {
		precision = model.PrecisionCountry
	}

	name := rec.PlaceName
	return &model.Resolution{
		Tier:           model.TierSkip,
		TierConfidence: o.policy.SkipConfidence,
		TierReason:     cls.Reason,
		Address:        &name,
		Lat:            rec.ApproxLat,
		Lon:            rec.ApproxLon,
		Precision:      precision,
		Confidence:     o.policy.SkipConfidence,
		Provenance: model.Provenance{
			Tier:   model.TierSkip,
			Reason: cls.Reason,
		},
	}
}

// resolveSimple geocodes the classifier's address directly. A geocode
// failure or miss degrades to the classifier's own estimate rather than
// failing the record.
func (o *Orchestrator) resolveSimple(ctx context.Context, rec model.LocationRecord, cls Classification) *model.Resolution {
	address := cls.SimpleAddress
	if address == "" {
		address = rec.PlaceName
	}

	res := &model.Resolution{
		Tier:           model.TierSimple,
		TierConfidence: o.policy.SimpleConfidence,
		TierReason:     cls.Reason,
		Address:        &address,
		Lat:            rec.ApproxLat,
		Lon:            rec.ApproxLon,
		Confidence:     o.policy.SimpleConfidence,
		Provenance: model.Provenance{
			Tier:   model.TierSimple,
			Reason: cls.Reason,
		},
	}

	res.Precision = cls.EstimatedPrecision
	if res.Precision == "" {
		res.Precision = model.PrecisionCity
	}

	geo, err := o.geocoder.Geocode(ctx, address)
	if err != nil {
		zap.L().Warn("simple geocode failed, keeping classifier estimate",
			zap.String("place", rec.PlaceName),
			zap.Error(err),
		)
		return res
	}
	if geo.Matched {
		res.Address = &geo.Address
		res.Lat = &geo.Lat
		res.Lon = &geo.Lon
		res.Precision = geo.Precision
		res.Provenance.Geocoder = geo.Source
	}
	return res
}

// resolveResearch runs the expensive path: web evidence + reasoning, then
// geocoding the candidate. A candidate without an address is a valid
// no-result and is persisted as such.
func (o *Orchestrator) resolveResearch(ctx context.Context, rec model.LocationRecord, cls Classification) (*model.Resolution, error) {
	cand, err := o.precision.Resolve(ctx, rec)
	if err != nil {
		return nil, eris.Wrapf(err, "research %s", rec.PlaceName)
	}

	res := &model.Resolution{
		Tier:           model.TierResearch,
		TierConfidence: o.policy.ResearchConfidence,
		TierReason:     cls.Reason,
		Provenance: model.Provenance{
			Tier:        model.TierResearch,
			Reason:      cand.Reason,
			SourceURL:   cand.SourceURL,
			Snippet:     cand.Snippet,
			IsResidence: cand.IsResidence,
		},
	}

	if cand.Address == nil {
		// Explicit no-result: persisted with zero confidence so a later
		// run with more evidence can revisit it.
		res.Confidence = 0
		res.Lat = rec.ApproxLat
		res.Lon = rec.ApproxLon
		return res, nil
	}

	res.Address = cand.Address
	res.Lat = cand.Lat
	res.Lon = cand.Lon
	res.Precision = cand.Precision
	res.Confidence = cand.Confidence

	geo, err := o.geocoder.Geocode(ctx, *cand.Address)
	if err != nil {
		zap.L().Warn("research geocode failed, keeping candidate coordinates",
			zap.String("place", rec.PlaceName),
			zap.Error(err),
		)
		return res, nil
	}
	if geo.Matched {
		res.Address = &geo.Address
		res.Lat = &geo.Lat
		res.Lon = &geo.Lon
		res.Precision = geo.Precision
		res.Provenance.Geocoder = geo.Source
		if o.policy.ResearchConfidence > res.Confidence {
			res.Confidence = o.policy.ResearchConfidence
		}
	}
	return res, nil
}
