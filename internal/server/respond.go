package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5/middleware"

	"sitereport/internal/auth"
	"sitereport/internal/geocode"
	"sitereport/internal/logging"
	"sitereport/internal/mail"
	"sitereport/internal/netguard"
	"sitereport/internal/payment"
	"sitereport/internal/photos"
	"sitereport/internal/render"
	"sitereport/internal/store"
	"sitereport/internal/types"
)

var (
	errBadRequest       = errors.New("bad request")
	errRouteNotFound    = errors.New("route not found")
	errMethodNotAllowed = errors.New("method not allowed")
	errReportLimit      = errors.New("report limit reached")
	errMailDisabled     = errors.New("email delivery is not configured")
	errBadState         = errors.New("sign-in state mismatch")
	errUpstream         = errors.New("upstream fetch failed")
	errBlockedAddress   = netguard.ErrBlockedAddress
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.HTTPError("Failed to encode response: %v", err)
	}
}

// statusFor maps a service error to its HTTP status.
func statusFor(err error) int {
	var maxErr *http.MaxBytesError
	var apiErr *payment.APIError
	switch {
	case errors.As(err, &maxErr), errors.Is(err, photos.ErrTooLarge):
		return http.StatusRequestEntityTooLarge

	case errors.Is(err, errBadRequest), errors.Is(err, types.ErrInvalidForm),
		errors.Is(err, auth.ErrInvalidEmail), errors.Is(err, auth.ErrWeakPassword),
		errors.Is(err, photos.ErrInvalidSection), errors.Is(err, photos.ErrInvalidURL),
		errors.Is(err, payment.ErrSignatureMismatch), errors.Is(err, render.ErrUnsupportedFormat),
		errors.Is(err, mail.ErrInvalidRecipient), errors.Is(err, errBadState),
		errors.Is(err, errBlockedAddress):
		return http.StatusBadRequest

	case errors.Is(err, photos.ErrUnsupportedType):
		return http.StatusUnsupportedMediaType

	case errors.Is(err, auth.ErrInvalidCredentials), errors.Is(err, auth.ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, auth.ErrPaymentRequired):
		return http.StatusPaymentRequired
	case errors.Is(err, auth.ErrForbidden), errors.Is(err, payment.ErrOrderNotOwned),
		errors.Is(err, photos.ErrForeignAsset),
		errors.Is(err, errReportLimit):
		return http.StatusForbidden

	case errors.Is(err, store.ErrNotFound), errors.Is(err, geocode.ErrNoResults),
		errors.Is(err, errRouteNotFound):
		return http.StatusNotFound
	case errors.Is(err, errMethodNotAllowed):
		return http.StatusMethodNotAllowed
	case errors.Is(err, store.ErrConflict), errors.Is(err, auth.ErrEmailTaken),
		errors.Is(err, photos.ErrBucketFull):
		return http.StatusConflict

	case errors.Is(err, photos.ErrHostDisabled), errors.Is(err, payment.ErrDisabled),
		errors.Is(err, render.ErrNoRenderer), errors.Is(err, auth.ErrGoogleDisabled),
		errors.Is(err, errMailDisabled):
		return http.StatusServiceUnavailable

	case errors.As(err, &apiErr), errors.Is(err, errUpstream):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// writeError answers {"error": msg}. Internal errors are logged and hidden.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		logging.HTTPError("%s %s [%s]: %v", r.Method, r.URL.Path, middleware.GetReqID(r.Context()), err)
		msg = "internal error"
	}
	writeJSON(w, status, map[string]string{"error": msg})
}

func decodeJSON(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return err
		}
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: empty body", errBadRequest)
		}
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}

// pageParams reads limit/offset with a default page size and a hard cap.
func pageParams(r *http.Request) (limit, offset int, err error) {
	limit, offset = 50, 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil || limit < 1 {
			return 0, 0, fmt.Errorf("%w: limit must be a positive integer", errBadRequest)
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if offset, err = strconv.Atoi(v); err != nil || offset < 0 {
			return 0, 0, fmt.Errorf("%w: offset must be a non-negative integer", errBadRequest)
		}
	}
	return min(limit, 200), offset, nil
}
