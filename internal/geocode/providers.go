package geocode

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// Provider resolves free-text addresses.
type Provider interface {
	Name() string
	Search(ctx context.Context, query string) ([]Result, error)
}

// Reverser resolves coordinates to a place name.
type Reverser interface {
	Reverse(ctx context.Context, lat, lng float64) (string, error)
}

type httpProvider struct {
	base      string
	userAgent string
	client    *http.Client
}

func (p *httpProvider) getJSON(ctx context.Context, path string, q url.Values, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.base+path+"?"+q.Encode(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", p.userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s returned %d", p.base, resp.StatusCode)
	}
	return json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(out)
}

// Nominatim is the OpenStreetMap Nominatim API.
type Nominatim struct {
	httpProvider
}

// NewNominatim creates a Nominatim provider.
func NewNominatim(base, userAgent string, client *http.Client) *Nominatim {
	return &Nominatim{httpProvider{base: strings.TrimRight(base, "/"), userAgent: userAgent, client: client}}
}

func (n *Nominatim) Name() string { return "nominatim" }

func (n *Nominatim) Search(ctx context.Context, query string) ([]Result, error) {
	var rows []struct {
		Lat         string `json:"lat"`
		Lon         string `json:"lon"`
		DisplayName string `json:"display_name"`
	}
	q := url.Values{"q": {query}, "format": {"jsonv2"}, "limit": {"1"}}
	if err := n.getJSON(ctx, "/search", q, &rows); err != nil {
		return nil, err
	}
	out := make([]Result, 0, len(rows))
	for _, r := range rows {
		lat, err1 := strconv.ParseFloat(r.Lat, 64)
		lng, err2 := strconv.ParseFloat(r.Lon, 64)
		if err1 != nil || err2 != nil {
			continue
		}
		out = append(out, Result{Lat: lat, Lng: lng, DisplayName: r.DisplayName, Provider: n.Name()})
	}
	return out, nil
}

// Reverse looks up the display name nearest to a coordinate.
func (n *Nominatim) Reverse(ctx context.Context, lat, lng float64) (string, error) {
	var row struct {
		DisplayName string `json:"display_name"`
		Error       string `json:"error"`
	}
	q := url.Values{
		"lat":    {strconv.FormatFloat(lat, 'f', 6, 64)},
		"lon":    {strconv.FormatFloat(lng, 'f', 6, 64)},
		"format": {"jsonv2"},
	}
	if err := n.getJSON(ctx, "/reverse", q, &row); err != nil {
		return "", err
	}
	if row.Error != "" || row.DisplayName == "" {
		return "", ErrNoResults
	}
	return row.DisplayName, nil
}

// Photon is the komoot Photon API.
type Photon struct {
	httpProvider
}

// NewPhoton creates a Photon provider.
func NewPhoton(base, userAgent string, client *http.Client) *Photon {
	return &Photon{httpProvider{base: strings.TrimRight(base, "/"), userAgent: userAgent, client: client}}
}

func (p *Photon) Name() string { return "photon" }

func (p *Photon) Search(ctx context.Context, query string) ([]Result, error) {
	var body struct {
		Features []struct {
			Geometry struct {
				Coordinates []float64 `json:"coordinates"`
			} `json:"geometry"`
			Properties map[string]interface{} `json:"properties"`
		} `json:"features"`
	}
	if err := p.getJSON(ctx, "/api/", url.Values{"q": {query}, "limit": {"1"}}, &body); err != nil {
		return nil, err
	}
	out := make([]Result, 0, len(body.Features))
	for _, f := range body.Features {
		if len(f.Geometry.Coordinates) < 2 {
			continue
		}
		out = append(out, Result{
			Lat:         f.Geometry.Coordinates[1],
			Lng:         f.Geometry.Coordinates[0],
			DisplayName: photonLabel(f.Properties),
			Provider:    p.Name(),
		})
	}
	return out, nil
}

func photonLabel(props map[string]interface{}) string {
	var parts []string
	street := ""
	if s, ok := props["street"].(string); ok {
		street = s
		if hn, ok := props["housenumber"].(string); ok && hn != "" {
			street = hn + " " + s
		}
	}
	for _, v := range []interface{}{props["name"], street, props["city"], props["state"], props["postcode"], props["country"]} {
		if s, ok := v.(string); ok && s != "" {
			if len(parts) > 0 && parts[len(parts)-1] == s {
				continue
			}
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, ", ")
}
