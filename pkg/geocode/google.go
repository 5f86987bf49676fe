package geocode

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/storyatlas/resolve-cli/internal/model"
	"github.com/storyatlas/resolve-cli/internal/resilience"
)

const defaultGoogleBaseURL = "https://maps.googleapis.com/maps/api/geocode/json"

// GoogleProvider geocodes via the Google Geocoding API.
type GoogleProvider struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// GoogleOption configures the GoogleProvider.
type GoogleOption func(*GoogleProvider)

// WithGoogleBaseURL overrides the API endpoint (tests).
func WithGoogleBaseURL(u string) GoogleOption {
	return func(p *GoogleProvider) { p.baseURL = u }
}

// WithGoogleHTTPClient sets a custom HTTP client.
func WithGoogleHTTPClient(hc *http.Client) GoogleOption {
	return func(p *GoogleProvider) { p.httpClient = hc }
}

// NewGoogleProvider creates a Google geocoding provider.
func NewGoogleProvider(apiKey string, opts ...GoogleOption) (*GoogleProvider, error) {
	if apiKey == "" {
		return nil, eris.New("geocode: google api key not configured")
	}
	p := &GoogleProvider{
		apiKey:     apiKey,
		baseURL:    defaultGoogleBaseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Name implements Provider.
func (p *GoogleProvider) Name() string { return "google" }

type googleResponse struct {
	Results []googleResult `json:"results"`
	Status  string         `json:"status"`
}

type googleResult struct {
	Geometry struct {
		Location struct {
			Lat float64 `json:"lat"`
			Lng float64 `json:"lng"`
		} `json:"location"`
		LocationType string `json:"location_type"`
	} `json:"geometry"`
	FormattedAddress  string `json:"formatted_address"`
	AddressComponents []struct {
		Types []string `json:"types"`
	} `json:"address_components"`
}

// Geocode implements Provider.
func (p *GoogleProvider) Geocode(ctx context.Context, address string) (*Result, error) {
	params := url.Values{
		"address": {address},
		"key":     {p.apiKey},
	}
	return p.query(ctx, params)
}

// Reverse implements Provider.
func (p *GoogleProvider) Reverse(ctx context.Context, lat, lon float64) (*Result, error) {
	params := url.Values{
		"latlng": {fmt.Sprintf("%f,%f", lat, lon)},
		"key":    {p.apiKey},
	}
	return p.query(ctx, params)
}

func (p *GoogleProvider) query(ctx context.Context, params url.Values) (*Result, error) {
	reqURL := p.baseURL + "?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, eris.Wrap(err, "geocode: google build request")
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "geocode: google request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		err := eris.Errorf("geocode: google returned status %d", resp.StatusCode)
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return nil, resilience.NewTransientError(err, resp.StatusCode)
		}
		return nil, err
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "geocode: google read body")
	}

	var gr googleResponse
	if err := json.Unmarshal(body, &gr); err != nil {
		return nil, eris.Wrap(err, "geocode: google parse response")
	}

	switch gr.Status {
	case "OK":
	case "ZERO_RESULTS":
		// A valid empty answer, not an error.
		return &Result{Matched: false, Source: "google"}, nil
	case "OVER_QUERY_LIMIT":
		return nil, resilience.NewTransientError(eris.New("geocode: google rate limit exceeded"), http.StatusTooManyRequests)
	default:
		return nil, eris.Errorf("geocode: google status %s", gr.Status)
	}

	if len(gr.Results) == 0 {
		return &Result{Matched: false, Source: "google"}, nil
	}

	best := gr.Results[0]
	return &Result{
		Address:   best.FormattedAddress,
		Lat:       best.Geometry.Location.Lat,
		Lon:       best.Geometry.Location.Lng,
		Precision: googlePrecision(best),
		Source:    "google",
		Matched:   true,
	}, nil
}

// googlePrecision maps Google's location_type, refined by address component
// types for centroid results, onto the precision taxonomy.
func googlePrecision(r googleResult) model.Precision {
	switch strings.ToUpper(r.Geometry.LocationType) {
	case "ROOFTOP":
		return model.PrecisionAddress
	case "RANGE_INTERPOLATED":
		return model.PrecisionStreet
	}

	types := map[string]bool{}
	for _, comp := range r.AddressComponents {
		for _, t := range comp.Types {
			types[t] = true
		}
	}
	switch {
	case types["street_address"] || types["premise"]:
		return model.PrecisionAddress
	case types["route"]:
		return model.PrecisionStreet
	case types["locality"] || types["postal_town"]:
		return model.PrecisionCity
	case types["administrative_area_level_1"]:
		return model.PrecisionRegion
	case types["country"]:
		return model.PrecisionCountry
	}
	return model.PrecisionCity
}
