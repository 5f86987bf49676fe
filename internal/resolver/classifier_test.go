package resolver

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/storyatlas/resolve-cli/internal/model"
	"github.com/storyatlas/resolve-cli/pkg/reason"
)

func TestClassify_Simple(t *testing.T) {
	client := &fakeReason{completeFn: func(req reason.Request) (*reason.Response, error) {
		assert.Contains(t, req.Prompt, "Cupertino, California")
		return textResponse(`{"category": "simple", "reason": "well-known city",
			"simple_address": "Cupertino, CA, USA", "estimated_precision": "city"}`), nil
	}}

	c := NewClassifier(client, "claude-sonnet-4-5", &noopLimiter{})
	cls := c.Classify(context.Background(), model.LocationRecord{PlaceName: "Cupertino, California"})

	assert.Equal(t, model.TierSimple, cls.Tier)
	assert.Equal(t, "Cupertino, CA, USA", cls.SimpleAddress)
	assert.Equal(t, model.PrecisionCity, cls.EstimatedPrecision)
}

func TestClassify_StripsCodeFences(t *testing.T) {
	client := &fakeReason{completeFn: func(_ reason.Request) (*reason.Response, error) {
		return textResponse("```json\n{\"category\": \"skip\", \"reason\": \"country-level\"}\n```"), nil
	}}

	c := NewClassifier(client, "m", &noopLimiter{})
	cls := c.Classify(context.Background(), model.LocationRecord{PlaceName: "China"})

	assert.Equal(t, model.TierSkip, cls.Tier)
	assert.Equal(t, "country-level", cls.Reason)
}

func TestClassify_UnknownCategoryBecomesResearch(t *testing.T) {
	client := &fakeReason{completeFn: func(_ reason.Request) (*reason.Response, error) {
		return textResponse(`{"category": "medium", "reason": "unsure"}`), nil
	}}

	c := NewClassifier(client, "m", &noopLimiter{})
	cls := c.Classify(context.Background(), model.LocationRecord{PlaceName: "the office"})

	assert.Equal(t, model.TierResearch, cls.Tier)
}

func TestClassify_FailureFallsBackToResearch(t *testing.T) {
	client := &fakeReason{completeFn: func(_ reason.Request) (*reason.Response, error) {
		return nil, errors.New("invalid api key")
	}}

	c := NewClassifier(client, "m", &noopLimiter{})
	c.retry = fastRetry()
	cls := c.Classify(context.Background(), model.LocationRecord{PlaceName: "somewhere"})

	assert.Equal(t, model.TierResearch, cls.Tier)
	assert.Contains(t, cls.Reason, "classification unavailable")
	// Auth errors are not transient: no retry.
	assert.Equal(t, 1, client.calls)
}

func TestClassify_RetriesMalformedJSON(t *testing.T) {
	attempts := 0
	client := &fakeReason{completeFn: func(_ reason.Request) (*reason.Response, error) {
		attempts++
		if attempts == 1 {
			return textResponse("I think this place is probably in California"), nil
		}
		return textResponse(`{"category": "research", "reason": "needs evidence"}`), nil
	}}

	c := NewClassifier(client, "m", &noopLimiter{})
	c.retry = fastRetry()
	cls := c.Classify(context.Background(), model.LocationRecord{PlaceName: "the lab"})

	assert.Equal(t, model.TierResearch, cls.Tier)
	assert.Equal(t, "needs evidence", cls.Reason)
	assert.Equal(t, 2, attempts)
}

func TestClassify_LogsTokenUsage(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	prev := zap.L()
	zap.ReplaceGlobals(zap.New(core))
	defer zap.ReplaceGlobals(prev)

	client := &fakeReason{completeFn: func(_ reason.Request) (*reason.Response, error) {
		resp := textResponse(`{"category": "skip", "reason": "broad"}`)
		resp.Usage = reason.TokenUsage{InputTokens: 120, OutputTokens: 30}
		return resp, nil
	}}

	c := NewClassifier(client, "m", &noopLimiter{})
	c.Classify(context.Background(), model.LocationRecord{PlaceName: "China"})

	entries := logs.FilterMessage("reasoning usage").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "classify", fields["phase"])
	assert.Equal(t, int64(120), fields["input_tokens"])
}

func TestClassifierPrompt_IncludesContext(t *testing.T) {
	prompt := classifierPrompt(model.LocationRecord{
		PlaceName:   "the factory",
		PlaceType:   "factory",
		Note:        "where the first boards were assembled",
		StoryTitle:  "Garage Days",
		CompanyHint: "Quanta Computer",
		YearHint:    2005,
	})
	require.Contains(t, prompt, "Place: the factory")
	require.Contains(t, prompt, "Type: factory")
	require.Contains(t, prompt, "Company: Quanta Computer")
	require.Contains(t, prompt, "Year: 2005")
}

func TestCleanJSON(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"bare object", `{"a": 1}`, `{"a": 1}`},
		{"json fence", "```json\n{\"a\": 1}\n```", `{"a": 1}`},
		{"plain fence", "```\n{\"a\": 1}\n```", `{"a": 1}`},
		{"surrounding prose", `Here you go: {"a": 1} hope that helps`, `{"a": 1}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, cleanJSON(tt.input))
		})
	}
}
