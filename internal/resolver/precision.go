package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/storyatlas/resolve-cli/internal/model"
	"github.com/storyatlas/resolve-cli/internal/ratelimit"
	"github.com/storyatlas/resolve-cli/internal/resilience"
	"github.com/storyatlas/resolve-cli/pkg/reason"
)

// Harvester gathers web evidence for a search query. Satisfied by
// *websearch.Harvester.
type Harvester interface {
	Harvest(ctx context.Context, query string) (string, error)
}

// Candidate is the single best address the research path produced, or an
// explicit no-result with the reason. A nil Address is a valid answer,
// not a failure.
type Candidate struct {
	Address     *string
	Lat         *float64
	Lon         *float64
	Precision   model.Precision
	Confidence  float64
	SourceURL   string
	Snippet     string
	IsResidence bool
	Reason      string
}

// PrecisionResolver handles research-tier places: it harvests web evidence
// and asks the reasoning service for exactly one best candidate address.
type PrecisionResolver struct {
	client    reason.Client
	model     string
	harvester Harvester
	limiter   Limiter
	retry     resilience.RetryConfig
}

// NewPrecisionResolver creates a PrecisionResolver.
func NewPrecisionResolver(client reason.Client, modelID string, harvester Harvester, limiter Limiter) *PrecisionResolver {
	return &PrecisionResolver{
		client:    client,
		model:     modelID,
		harvester: harvester,
		limiter:   limiter,
		retry:     resilience.DefaultRetryConfig(),
	}
}

const precisionSystem = `You research the precise historical address of a place
referenced in narrative text, using the provided web evidence.

Rules:
- Return exactly ONE best candidate address, or null if the evidence does
  not support a specific address. A null answer with a clear reason is
  better than a guess.
- Prefer addresses corroborated by the evidence; cite the supporting URL
  and a short snippet.
- Mark is_residence true when the address is a private home.

Respond with only a JSON object:
{"address": "<street address or null>", "lat": <number or null>,
 "lon": <number or null>,
 "precision": "address"|"street"|"city"|"region"|"country",
 "confidence": <0.0-1.0>, "source_url": "<url or empty>",
 "source_snippet": "<snippet or empty>", "is_residence": <bool>,
 "reason": "<one sentence>"}`

type precisionOutput struct {
	Address       *string  `json:"address"`
	Lat           *float64 `json:"lat"`
	Lon           *float64 `json:"lon"`
	Precision     string   `json:"precision"`
	Confidence    float64  `json:"confidence"`
	SourceURL     string   `json:"source_url"`
	SourceSnippet string   `json:"source_snippet"`
	IsResidence   bool     `json:"is_residence"`
	Reason        string   `json:"reason"`
}

// Resolve researches one record. It returns an error only when the
// reasoning service fails after retries; thin or missing evidence still
// produces a candidate (possibly a no-result).
func (p *PrecisionResolver) Resolve(ctx context.Context, rec model.LocationRecord) (*Candidate, error) {
	evidence := p.gatherEvidence(ctx, rec)

	prompt := precisionPrompt(rec, evidence)

	out, err := resilience.DoVal(ctx, p.retry, func(ctx context.Context) (*precisionOutput, error) {
		release, err := p.limiter.Acquire(ctx, ratelimit.ServiceReasoning)
		if err != nil {
			return nil, err
		}
		defer release()

		resp, err := p.client.Complete(ctx, reason.Request{
			Model:     p.model,
			MaxTokens: 1024,
			System:    precisionSystem,
			Prompt:    prompt,
		})
		if err != nil {
			return nil, err
		}
		resp.Usage.LogCost(p.model, "research")

		var parsed precisionOutput
		if err := json.Unmarshal([]byte(cleanJSON(resp.Text())), &parsed); err != nil {
			return nil, resilience.NewTransientError(err, 0)
		}
		return &parsed, nil
	})
	if err != nil {
		return nil, err
	}

	cand := &Candidate{
		Lat:         out.Lat,
		Lon:         out.Lon,
		Precision:   model.Precision(out.Precision),
		Confidence:  out.Confidence,
		SourceURL:   out.SourceURL,
		Snippet:     out.SourceSnippet,
		IsResidence: out.IsResidence,
		Reason:      out.Reason,
	}
	if out.Address != nil && strings.TrimSpace(*out.Address) != "" &&
		!strings.EqualFold(strings.TrimSpace(*out.Address), "null") {
		cand.Address = out.Address
	}
	return cand, nil
}

// gatherEvidence searches the web for the place. Harvest failures degrade
// to an evidence-free prompt rather than failing the record.
func (p *PrecisionResolver) gatherEvidence(ctx context.Context, rec model.LocationRecord) string {
	if p.harvester == nil {
		return "No web evidence available."
	}
	digest, err := p.harvester.Harvest(ctx, searchQuery(rec))
	if err != nil {
		zap.L().Warn("web harvest failed, continuing without evidence",
			zap.String("place", rec.PlaceName),
			zap.Error(err),
		)
		return "No web evidence available."
	}
	return digest
}

func searchQuery(rec model.LocationRecord) string {
	parts := []string{rec.PlaceName}
	if rec.CompanyHint != "" {
		parts = append(parts, rec.CompanyHint)
	}
	if rec.YearHint != 0 {
		parts = append(parts, fmt.Sprintf("%d", rec.YearHint))
	}
	parts = append(parts, "address location")
	return strings.Join(parts, " ")
}

func precisionPrompt(rec model.LocationRecord, evidence string) string {
	var b strings.Builder
	b.WriteString(classifierPrompt(rec))
	if rec.ApproxLat != nil && rec.ApproxLon != nil {
		fmt.Fprintf(&b, "Approximate coordinates: %.4f, %.4f\n", *rec.ApproxLat, *rec.ApproxLon)
	}
	b.WriteString("\nWeb evidence:\n")
	b.WriteString(evidence)
	return b.String()
}
