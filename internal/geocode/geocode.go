// Package geocode resolves site addresses to coordinates through public
// geocoders, with a TTL cache and progressively coarser fallbacks.
package geocode

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"sitereport/internal/config"
	"sitereport/internal/logging"
)

// ErrNoResults means no provider could resolve the query or any coarser form of it.
var ErrNoResults = errors.New("no geocoding results")

// Result is a resolved location.
type Result struct {
	Lat         float64 `json:"lat"`
	Lng         float64 `json:"lng"`
	DisplayName string  `json:"displayName"`
	Provider    string  `json:"provider"`
	Query       string  `json:"query"` // the form of the query that resolved
}

// Geocoder fans out to providers and caches answers.
type Geocoder struct {
	providers []Provider
	reverser  Reverser
	limiters  map[string]*rate.Limiter
	cache     *Cache[Result]
	reverse   *Cache[string]
	client    *http.Client
}

// New builds a geocoder against Nominatim and Photon.
func New(cfg config.GeocodeConfig) *Geocoder {
	client := &http.Client{Timeout: cfg.GetTimeout()}
	nom := NewNominatim(cfg.NominatimURL, cfg.UserAgent, client)
	var providers []Provider
	if cfg.NominatimURL != "" {
		providers = append(providers, nom)
	}
	if cfg.PhotonURL != "" {
		providers = append(providers, NewPhoton(cfg.PhotonURL, cfg.UserAgent, client))
	}
	g := NewWithProviders(cfg, providers, nom)
	g.client = client
	return g
}

// NewWithProviders builds a geocoder over arbitrary providers. reverser may be nil.
func NewWithProviders(cfg config.GeocodeConfig, providers []Provider, reverser Reverser) *Geocoder {
	rps := cfg.RequestsPerSecond
	limiters := make(map[string]*rate.Limiter, len(providers))
	for _, p := range providers {
		if rps > 0 {
			limiters[p.Name()] = rate.NewLimiter(rate.Limit(rps), 1)
		} else {
			limiters[p.Name()] = rate.NewLimiter(rate.Inf, 0)
		}
	}
	if _, ok := limiters["reverse"]; !ok && rps > 0 {
		limiters["reverse"] = rate.NewLimiter(rate.Limit(rps), 1)
	}
	return &Geocoder{
		providers: providers,
		reverser:  reverser,
		limiters:  limiters,
		cache:     NewCache[Result](cfg.GetCacheTTL(), cfg.CacheSize),
		reverse:   NewCache[string](cfg.GetCacheTTL(), cfg.CacheSize),
	}
}

// Close drops idle provider connections.
func (g *Geocoder) Close() {
	if g.client != nil {
		g.client.CloseIdleConnections()
	}
}

// Cache exposes the forward cache for metrics.
func (g *Geocoder) Cache() *Cache[Result] { return g.cache }

// Candidates lists the query followed by each coarser comma-separated
// suffix, dropping the leading component each time.
func Candidates(query string) []string {
	var parts []string
	for _, p := range strings.Split(query, ",") {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	out := make([]string, 0, len(parts))
	for i := range parts {
		out = append(out, strings.Join(parts[i:], ", "))
	}
	return out
}

// Resolve geocodes a free-text address.
func (g *Geocoder) Resolve(ctx context.Context, query string) (*Result, error) {
	key := Normalize(query)
	if key == "" {
		return nil, ErrNoResults
	}
	if r, ok := g.cache.Get(key); ok {
		logging.GeocodeDebug("Cache hit for %q", key)
		return &r, nil
	}

	timer := logging.StartTimer(logging.CategoryGeocode, "Resolve")
	defer timer.Stop()

	var lastErr error
	for _, candidate := range Candidates(key) {
		r, err := g.race(ctx, candidate)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			if !errors.Is(err, ErrNoResults) {
				lastErr = err
			}
			logging.GeocodeDebug("Nothing for %q (%v), trying coarser", candidate, err)
			continue
		}
		r.Query = candidate
		g.cache.Set(key, *r)
		logging.Geocode("Resolved %q via %s (%s)", key, r.Provider, candidate)
		return r, nil
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, ErrNoResults
}

// race queries every provider concurrently; the first non-empty answer wins
// and cancels the rest. ErrNoResults is returned when at least one provider
// answered empty and none succeeded.
func (g *Geocoder) race(ctx context.Context, query string) (*Result, error) {
	if len(g.providers) == 0 {
		return nil, fmt.Errorf("no geocoding providers configured")
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		mu      sync.Mutex
		winner  *Result
		empty   int
		lastErr error
	)
	eg, egCtx := errgroup.WithContext(ctx)
	for _, p := range g.providers {
		eg.Go(func() error {
			if err := g.limiters[p.Name()].Wait(egCtx); err != nil {
				return nil
			}
			results, err := p.Search(egCtx, query)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				if egCtx.Err() == nil {
					logging.GeocodeDebug("%s failed for %q: %v", p.Name(), query, err)
					lastErr = fmt.Errorf("%s: %w", p.Name(), err)
				}
			case len(results) == 0:
				empty++
			case winner == nil:
				r := results[0]
				winner = &r
				cancel()
			}
			return nil
		})
	}
	_ = eg.Wait()

	if winner != nil {
		return winner, nil
	}
	if err := ctx.Err(); err != nil && empty == 0 && lastErr == nil {
		return nil, err
	}
	if empty > 0 || lastErr == nil {
		return nil, ErrNoResults
	}
	return nil, lastErr
}

// Reverse resolves coordinates to a display name.
func (g *Geocoder) Reverse(ctx context.Context, lat, lng float64) (string, error) {
	if lat < -90 || lat > 90 || lng < -180 || lng > 180 {
		return "", fmt.Errorf("coordinates out of range")
	}
	if g.reverser == nil {
		return "", fmt.Errorf("reverse geocoding not configured")
	}
	key := fmt.Sprintf("%.5f,%.5f", lat, lng)
	if name, ok := g.reverse.Get(key); ok {
		return name, nil
	}
	if lim, ok := g.limiters["reverse"]; ok {
		if err := lim.Wait(ctx); err != nil {
			return "", err
		}
	}
	name, err := g.reverser.Reverse(ctx, lat, lng)
	if err != nil {
		return "", err
	}
	g.reverse.Set(key, name)
	return name, nil
}
