package resolver

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storyatlas/resolve-cli/internal/model"
	"github.com/storyatlas/resolve-cli/pkg/reason"
)

func TestPrecisionResolve_Candidate(t *testing.T) {
	client := &fakeReason{completeFn: func(req reason.Request) (*reason.Response, error) {
		assert.Contains(t, req.Prompt, "search results about Quanta")
		return textResponse(`{
			"address": "No. 188, Wenhua 2nd Rd, Guishan District, Taoyuan City",
			"lat": 25.057, "lon": 121.379,
			"precision": "address", "confidence": 0.8,
			"source_url": "https://example.com/quanta",
			"source_snippet": "headquarters located at No. 188",
			"is_residence": false,
			"reason": "corroborated by company filings"
		}`), nil
	}}
	harvester := &fakeHarvester{digest: "search results about Quanta"}

	p := NewPrecisionResolver(client, "m", harvester, &noopLimiter{})
	cand, err := p.Resolve(context.Background(), model.LocationRecord{
		PlaceName: "the Quanta factory", CompanyHint: "Quanta Computer",
	})
	require.NoError(t, err)
	require.NotNil(t, cand.Address)
	assert.Contains(t, *cand.Address, "Wenhua 2nd Rd")
	assert.Equal(t, model.PrecisionAddress, cand.Precision)
	assert.InDelta(t, 0.8, cand.Confidence, 1e-9)
	assert.Equal(t, "https://example.com/quanta", cand.SourceURL)
	assert.False(t, cand.IsResidence)
}

func TestPrecisionResolve_NullAddressIsValidNoResult(t *testing.T) {
	client := &fakeReason{completeFn: func(_ reason.Request) (*reason.Response, error) {
		return textResponse(`{"address": null, "confidence": 0,
			"reason": "evidence names the company but no street address"}`), nil
	}}

	p := NewPrecisionResolver(client, "m", &fakeHarvester{digest: "thin evidence"}, &noopLimiter{})
	cand, err := p.Resolve(context.Background(), model.LocationRecord{PlaceName: "the warehouse"})
	require.NoError(t, err)
	assert.Nil(t, cand.Address)
	assert.Contains(t, cand.Reason, "no street address")
}

func TestPrecisionResolve_LiteralNullStringTreatedAsNoResult(t *testing.T) {
	client := &fakeReason{completeFn: func(_ reason.Request) (*reason.Response, error) {
		return textResponse(`{"address": "null", "confidence": 0, "reason": "nothing found"}`), nil
	}}

	p := NewPrecisionResolver(client, "m", nil, &noopLimiter{})
	cand, err := p.Resolve(context.Background(), model.LocationRecord{PlaceName: "somewhere"})
	require.NoError(t, err)
	assert.Nil(t, cand.Address)
}

func TestPrecisionResolve_HarvestFailureDegradesToNoEvidence(t *testing.T) {
	var sawPrompt string
	client := &fakeReason{completeFn: func(req reason.Request) (*reason.Response, error) {
		sawPrompt = req.Prompt
		return textResponse(`{"address": null, "reason": "no evidence"}`), nil
	}}
	harvester := &fakeHarvester{err: errors.New("search returned status 503")}

	p := NewPrecisionResolver(client, "m", harvester, &noopLimiter{})
	_, err := p.Resolve(context.Background(), model.LocationRecord{PlaceName: "the plant"})
	require.NoError(t, err)
	assert.Contains(t, sawPrompt, "No web evidence available")
}

func TestPrecisionResolve_ReasoningFailureIsAnError(t *testing.T) {
	client := &fakeReason{completeFn: func(_ reason.Request) (*reason.Response, error) {
		return nil, errors.New("invalid api key")
	}}

	p := NewPrecisionResolver(client, "m", nil, &noopLimiter{})
	p.retry = fastRetry()
	_, err := p.Resolve(context.Background(), model.LocationRecord{PlaceName: "the plant"})
	require.Error(t, err)
}

func TestSearchQuery_IncludesHints(t *testing.T) {
	q := searchQuery(model.LocationRecord{
		PlaceName:   "the assembly plant",
		CompanyHint: "Foxconn",
		YearHint:    2010,
	})
	assert.Equal(t, "the assembly plant Foxconn 2010 address location", q)
}
