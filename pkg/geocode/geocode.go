// Package geocode turns free-text addresses into coordinates via a cascade
// of providers: Google Geocoding API (primary, when a key is configured)
// with Nominatim as fallback.
package geocode

import (
	"context"
	"crypto/sha256"
	"fmt"
	"strings"

	"github.com/storyatlas/resolve-cli/internal/model"
)

// Result holds the geocoding output for an address.
type Result struct {
	Address   string          `json:"address"`
	Lat       float64         `json:"lat"`
	Lon       float64         `json:"lon"`
	Precision model.Precision `json:"precision"`
	Source    string          `json:"source"` // "google" or "nominatim"
	Matched   bool            `json:"matched"`
}

// Provider is a single geocoding backend.
type Provider interface {
	Name() string
	Geocode(ctx context.Context, address string) (*Result, error)
	Reverse(ctx context.Context, lat, lon float64) (*Result, error)
}

// CacheKey returns the cache key for a free-text address: sha256 hex of the
// normalized (lowercased, whitespace-collapsed) address.
func CacheKey(address string) string {
	normalized := strings.Join(strings.Fields(strings.ToLower(address)), " ")
	h := sha256.Sum256([]byte(normalized))
	return "geocode:" + fmt.Sprintf("%x", h)
}
