package geo

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Place is a reverse-geocoded position, shown when creating or joining a
// geofenced group.
type Place struct {
	Address     string `json:"display_name"`
	CountryCode string `json:"country_code"`
}

// Geocoder resolves coordinates to a human-readable place.
type Geocoder interface {
	Reverse(ctx context.Context, lat, lon float64) (Place, error)
}

// HTTPGeocoder talks to a Nominatim-compatible reverse geocoding endpoint.
type HTTPGeocoder struct {
	baseURL string
	hc      *http.Client
}

func NewHTTPGeocoder(baseURL string) *HTTPGeocoder {
	return &HTTPGeocoder{
		baseURL: baseURL,
		hc:      &http.Client{Timeout: 10 * time.Second},
	}
}

func (g *HTTPGeocoder) Reverse(ctx context.Context, lat, lon float64) (Place, error) {
	q := url.Values{}
	q.Set("lat", strconv.FormatFloat(lat, 'f', -1, 64))
	q.Set("lon", strconv.FormatFloat(lon, 'f', -1, 64))
	q.Set("format", "jsonv2")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+"/reverse?"+q.Encode(), nil)
	if err != nil {
		return Place{}, err
	}
	resp, err := g.hc.Do(req)
	if err != nil {
		return Place{}, fmt.Errorf("reverse geocode: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Place{}, fmt.Errorf("reverse geocode: status %d: %s", resp.StatusCode, body)
	}

	var payload struct {
		DisplayName string `json:"display_name"`
		Address     struct {
			CountryCode string `json:"country_code"`
		} `json:"address"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return Place{}, fmt.Errorf("reverse geocode: decode: %w", err)
	}
	return Place{Address: payload.DisplayName, CountryCode: payload.Address.CountryCode}, nil
}
