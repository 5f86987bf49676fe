// Package model defines the location records and resolution results shared
// across the pipeline.
package model

import (
	"encoding/json"
	"time"
)

// SchemaVersion identifies the persisted layout of resolution fields. It
// participates in the resolution hash so a schema change forces re-resolution.
const SchemaVersion = "1.1"

// Tier is the effort classification assigned to a location before resolution.
type Tier string

const (
	// TierSkip marks broad country/region references with no disambiguating
	// context. Terminal: no geocoding or research is performed.
	TierSkip Tier = "skip"

	// TierSimple marks well-known, uniquely identifiable places that go
	// straight to geocoding.
	TierSimple Tier = "simple"

	// TierResearch marks specific places whose address must be researched
	// via web-search-augmented reasoning.
	TierResearch Tier = "research"
)

// Valid reports whether t is one of the known tiers.
func (t Tier) Valid() bool {
	switch t {
	case TierSkip, TierSimple, TierResearch:
		return true
	}
	return false
}

// Precision is the granularity of a resolved location.
type Precision string

const (
	PrecisionAddress Precision = "address"
	PrecisionStreet  Precision = "street"
	PrecisionCity    Precision = "city"
	PrecisionRegion  Precision = "region"
	PrecisionCountry Precision = "country"
)

// precisionRank orders precisions finest-first for comparison.
var precisionRank = map[Precision]int{
	PrecisionAddress: 0,
	PrecisionStreet:  1,
	PrecisionCity:    2,
	PrecisionRegion:  3,
	PrecisionCountry: 4,
}

// FinerThan reports whether p is strictly finer-grained than other.
// Unknown precisions compare as coarsest.
func (p Precision) FinerThan(other Precision) bool {
	pr, ok := precisionRank[p]
	if !ok {
		pr = len(precisionRank)
	}
	or, ok := precisionRank[other]
	if !ok {
		or = len(precisionRank)
	}
	return pr < or
}

// LocationRecord is the unit of work: a place reference extracted from
// narrative text, plus whatever resolution state it already carries.
// Records are created by the upstream extraction pipeline; this subsystem
// only reads the descriptive fields and writes the Resolution back.
type LocationRecord struct {
	ID           string `json:"id"`
	BookID       string `json:"book_id"`
	PlaceName    string `json:"place_name"`
	PlaceType    string `json:"place_type,omitempty"`
	Note         string `json:"note,omitempty"`
	StoryTitle   string `json:"story_title,omitempty"`
	StorySummary string `json:"story_summary,omitempty"`

	// Optional hints from the extractor.
	CompanyHint string `json:"company_hint,omitempty"`
	YearHint    int    `json:"year_hint,omitempty"`

	// Approximate coordinates from the extractor, if any.
	ApproxLat *float64 `json:"approx_lat,omitempty"`
	ApproxLon *float64 `json:"approx_lon,omitempty"`

	// Prior resolution, nil if the record is unresolved.
	Resolution *Resolution `json:"resolution,omitempty"`
}

// Resolution holds the output fields written back onto a location record.
type Resolution struct {
	Tier           Tier    `json:"tier"`
	TierConfidence float64 `json:"tier_confidence"`
	TierReason     string  `json:"tier_reason,omitempty"`

	Address    *string    `json:"address,omitempty"`
	Lat        *float64   `json:"lat,omitempty"`
	Lon        *float64   `json:"lon,omitempty"`
	Precision  Precision  `json:"precision,omitempty"`
	Confidence float64    `json:"confidence"`
	Provenance Provenance `json:"provenance"`
	ResolvedAt time.Time  `json:"resolved_at"`
	Hash       string     `json:"hash"`
}

// Resolved reports whether the resolution carries a concrete address.
func (r *Resolution) Resolved() bool {
	return r != nil && r.Address != nil && *r.Address != ""
}

// Provenance records where a resolved address came from.
type Provenance struct {
	Tier        Tier   `json:"tier"`
	Reason      string `json:"reason,omitempty"`
	SourceURL   string `json:"url,omitempty"`
	Snippet     string `json:"snippet,omitempty"`
	Geocoder    string `json:"geocoder,omitempty"`
	IsResidence bool   `json:"is_residence"`
}

// MarshalProvenance serializes provenance for storage as a JSON blob.
func MarshalProvenance(p Provenance) string {
	b, err := json.Marshal(p)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// UnmarshalProvenance parses a stored provenance blob, returning the zero
// value for malformed input.
func UnmarshalProvenance(s string) Provenance {
	var p Provenance
	if s == "" {
		return p
	}
	_ = json.Unmarshal([]byte(s), &p)
	return p
}
