package server

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"sitereport/internal/geocode"
)

func (s *Server) handleGeocode(w http.ResponseWriter, r *http.Request) {
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	if q == "" {
		writeError(w, r, fmt.Errorf("%w: q is required", errBadRequest))
		return
	}
	res, err := s.geocoder.Resolve(r.Context(), q)
	if err != nil {
		writeError(w, r, geocodeError(err))
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleReverseGeocode(w http.ResponseWriter, r *http.Request) {
	lat, errLat := strconv.ParseFloat(r.URL.Query().Get("lat"), 64)
	lng, errLng := strconv.ParseFloat(r.URL.Query().Get("lng"), 64)
	if errLat != nil || errLng != nil || lat < -90 || lat > 90 || lng < -180 || lng > 180 {
		writeError(w, r, fmt.Errorf("%w: lat and lng must be valid coordinates", errBadRequest))
		return
	}
	name, err := s.geocoder.Reverse(r.Context(), lat, lng)
	if err != nil {
		writeError(w, r, geocodeError(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"lat": lat, "lng": lng, "displayName": name})
}

// geocodeError keeps ErrNoResults and reports provider failures as upstream errors.
func geocodeError(err error) error {
	if errors.Is(err, geocode.ErrNoResults) {
		return err
	}
	return fmt.Errorf("%w: %v", errUpstream, err)
}
