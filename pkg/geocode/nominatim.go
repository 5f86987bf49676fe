package geocode

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rotisserie/eris"

	"github.com/storyatlas/resolve-cli/internal/model"
	"github.com/storyatlas/resolve-cli/internal/resilience"
)

const defaultNominatimBaseURL = "https://nominatim.openstreetmap.org"

// NominatimProvider geocodes via OpenStreetMap's Nominatim service. The
// usage policy requires an identifying User-Agent with a contact address,
// so construction fails without one.
type NominatimProvider struct {
	userAgent  string
	baseURL    string
	httpClient *http.Client
}

// NominatimOption configures the NominatimProvider.
type NominatimOption func(*NominatimProvider)

// WithNominatimBaseURL overrides the API endpoint (tests).
func WithNominatimBaseURL(u string) NominatimOption {
	return func(p *NominatimProvider) { p.baseURL = u }
}

// WithNominatimHTTPClient sets a custom HTTP client.
func WithNominatimHTTPClient(hc *http.Client) NominatimOption {
	return func(p *NominatimProvider) { p.httpClient = hc }
}

// NewNominatimProvider creates a Nominatim provider identified by the given
// contact email.
func NewNominatimProvider(contactEmail string, opts ...NominatimOption) (*NominatimProvider, error) {
	if contactEmail == "" {
		return nil, eris.New("geocode: nominatim contact email not configured")
	}
	p := &NominatimProvider{
		userAgent:  fmt.Sprintf("StoryAtlasResolve/1.0 (%s)", contactEmail),
		baseURL:    defaultNominatimBaseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Name implements Provider.
func (p *NominatimProvider) Name() string { return "nominatim" }

type nominatimPlace struct {
	DisplayName string            `json:"display_name"`
	Lat         string            `json:"lat"`
	Lon         string            `json:"lon"`
	Type        string            `json:"type"`
	Address     map[string]string `json:"address"`
}

// Geocode implements Provider.
func (p *NominatimProvider) Geocode(ctx context.Context, address string) (*Result, error) {
	params := url.Values{
		"q":              {address},
		"format":         {"jsonv2"},
		"limit":          {"1"},
		"addressdetails": {"1"},
	}

	var places []nominatimPlace
	if err := p.query(ctx, "/search", params, &places); err != nil {
		return nil, err
	}
	if len(places) == 0 {
		return &Result{Matched: false, Source: "nominatim"}, nil
	}
	return placeToResult(places[0])
}

// Reverse implements Provider.
func (p *NominatimProvider) Reverse(ctx context.Context, lat, lon float64) (*Result, error) {
	params := url.Values{
		"lat":            {fmt.Sprintf("%f", lat)},
		"lon":            {fmt.Sprintf("%f", lon)},
		"format":         {"jsonv2"},
		"addressdetails": {"1"},
	}

	var place nominatimPlace
	if err := p.query(ctx, "/reverse", params, &place); err != nil {
		return nil, err
	}
	if place.Lat == "" {
		return &Result{Matched: false, Source: "nominatim"}, nil
	}
	return placeToResult(place)
}

func (p *NominatimProvider) query(ctx context.Context, path string, params url.Values, out any) error {
	reqURL := p.baseURL + path + "?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return eris.Wrap(err, "geocode: nominatim build request")
	}
	req.Header.Set("User-Agent", p.userAgent)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return eris.Wrap(err, "geocode: nominatim request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		err := eris.Errorf("geocode: nominatim returned status %d", resp.StatusCode)
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return resilience.NewTransientError(err, resp.StatusCode)
		}
		return err
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return eris.Wrap(err, "geocode: nominatim read body")
	}
	if err := json.Unmarshal(body, out); err != nil {
		return eris.Wrap(err, "geocode: nominatim parse response")
	}
	return nil
}

func placeToResult(place nominatimPlace) (*Result, error) {
	lat, err := strconv.ParseFloat(place.Lat, 64)
	if err != nil {
		return nil, eris.Wrap(err, "geocode: nominatim parse lat")
	}
	lon, err := strconv.ParseFloat(place.Lon, 64)
	if err != nil {
		return nil, eris.Wrap(err, "geocode: nominatim parse lon")
	}

	return &Result{
		Address:   place.DisplayName,
		Lat:       lat,
		Lon:       lon,
		Precision: nominatimPrecision(place),
		Source:    "nominatim",
		Matched:   true,
	}, nil
}

// nominatimPrecision derives precision from the address breakdown, checking
// components from most to least specific.
func nominatimPrecision(place nominatimPlace) model.Precision {
	addr := place.Address
	switch {
	case addr["house_number"] != "" || place.Type == "house":
		return model.PrecisionAddress
	case addr["road"] != "" || place.Type == "road" || place.Type == "street":
		return model.PrecisionStreet
	case addr["city"] != "" || addr["town"] != "" || addr["village"] != "":
		return model.PrecisionCity
	case addr["state"] != "" || addr["region"] != "":
		return model.PrecisionRegion
	case addr["country"] != "":
		return model.PrecisionCountry
	}
	return model.PrecisionCity
}
