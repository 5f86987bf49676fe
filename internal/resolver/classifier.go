// Package resolver turns extracted place references into persisted
// resolutions: an effort-tier classification followed by geocoding or
// web-research, under per-provider rate limits.
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

// ClassifierVersion participates in the resolution hash; bump it whenever
// the classification prompt or category semantics change so prior results
// are re-resolved.
const ClassifierVersion = "v2"

// Limiter gates calls to external services. Satisfied by *ratelimit.Limiter.
type Limiter interface {
	Acquire(ctx context.Context, svc ratelimit.Service) (func(), error)
}

// Classification is the effort-tier decision for one place reference.
type Classification struct {
	Tier   model.Tier
	Reason string

	// SimpleAddress is the geocodable string for simple-tier places.
	SimpleAddress string

	// EstimatedPrecision is the classifier's guess at achievable precision,
	// used when geocoding a simple address fails.
	EstimatedPrecision model.Precision
}

// Classifier assigns an effort tier to each place reference with a single
// reasoning call.
type Classifier struct {
	client  reason.Client
	model   string
	limiter Limiter
	retry   resilience.RetryConfig
}

// NewClassifier creates a Classifier.
func NewClassifier(client reason.Client, modelID string, limiter Limiter) *Classifier {
	return &Classifier{
		client:  client,
		model:   modelID,
		limiter: limiter,
		retry:   resilience.DefaultRetryConfig(),
	}
}

const classifierSystem = `You classify place references extracted from narrative text
into one of three resolution tiers:

- "skip": broad country or region references with no disambiguating context
  (e.g. "China", "the Midwest"). No specific address exists to find.
- "simple": well-known, uniquely identifiable places that a geocoder can
  resolve directly (e.g. "1 Infinite Loop, Cupertino", "the Eiffel Tower").
  Provide the geocodable string as simple_address.
- "research": specific places whose address must be researched from
  contextual clues (e.g. "the factory", "their first office").

Respond with only a JSON object:
{"category": "skip"|"simple"|"research", "reason": "<one sentence>",
 "simple_address": "<geocodable string, simple tier only>",
 "estimated_precision": "address"|"street"|"city"|"region"|"country"}`

type classifierOutput struct {
	Category           string `json:"category"`
	Reason             string `json:"reason"`
	SimpleAddress      string `json:"simple_address"`
	EstimatedPrecision string `json:"estimated_precision"`
}

// Classify assigns a tier to the record. Classification never fails hard:
// when the reasoning service is unreachable after retries, the record falls
// back to the research tier so the expensive path can still attempt it.
func (c *Classifier) Classify(ctx context.Context, rec model.LocationRecord) Classification {
	prompt := classifierPrompt(rec)

	out, err := resilience.DoVal(ctx, c.retry, func(ctx context.Context) (*classifierOutput, error) {
		release, err := c.limiter.Acquire(ctx, ratelimit.ServiceReasoning)
		if err != nil {
			return nil, err
		}
		defer release()

		resp, err := c.client.Complete(ctx, reason.Request{
			Model:     c.model,
			MaxTokens: 512,
			System:    classifierSystem,
			Prompt:    prompt,
		})
		if err != nil {
			return nil, err
		}
		resp.Usage.LogCost(c.model, "classify")

		var parsed classifierOutput
		if err := json.Unmarshal([]byte(cleanJSON(resp.Text())), &parsed); err != nil {
			return nil, resilience.NewTransientError(err, 0)
		}
		return &parsed, nil
	})
	if err != nil {
		zap.L().Warn("classification failed, falling back to research tier",
			zap.String("place", rec.PlaceName),
			zap.Error(err),
		)
		return Classification{
			Tier:   model.TierResearch,
			Reason: fmt.Sprintf("classification unavailable: %s", truncate(err.Error(), 100)),
		}
	}

	tier := model.Tier(out.Category)
	if !tier.Valid() {
		zap.L().Warn("classifier returned unknown category, treating as research",
			zap.String("place", rec.PlaceName),
			zap.String("category", out.Category),
		)
		tier = model.TierResearch
	}
	return Classification{
		Tier:               tier,
		Reason:             out.Reason,
		SimpleAddress:      out.SimpleAddress,
		EstimatedPrecision: model.Precision(out.EstimatedPrecision),
	}
}

func classifierPrompt(rec model.LocationRecord) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Place: %s\n", rec.PlaceName)
	if rec.PlaceType != "" {
		fmt.Fprintf(&b, "Type: %s\n", rec.PlaceType)
	}
	if rec.Note != "" {
		fmt.Fprintf(&b, "Note: %s\n", rec.Note)
	}
	if rec.StoryTitle != "" {
		fmt.Fprintf(&b, "Story: %s\n", rec.StoryTitle)
	}
	if rec.StorySummary != "" {
		fmt.Fprintf(&b, "Summary: %s\n", rec.StorySummary)
	}
	if rec.CompanyHint != "" {
		fmt.Fprintf(&b, "Company: %s\n", rec.CompanyHint)
	}
	if rec.YearHint != 0 {
		fmt.Fprintf(&b, "Year: %d\n", rec.YearHint)
	}
	return b.String()
}

// cleanJSON extracts a JSON object from text that may contain markdown
// code fences or other wrapping.
func cleanJSON(text string) string {
	text = strings.TrimSpace(text)

	if strings.HasPrefix(text, "```json") {
		text = strings.TrimPrefix(text, "```json")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	} else if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		return text[start : end+1]
	}
	return strings.TrimSpace(text)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
