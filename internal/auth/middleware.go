package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"sitereport/internal/logging"
	"sitereport/internal/types"
)

// CookieName is the session cookie.
const CookieName = "sr_session"

// StateCookieName carries the OAuth state between redirect and callback.
const StateCookieName = "sr_oauth_state"

type ctxKey struct{}

// WithUser stores the authenticated user on ctx.
func WithUser(ctx context.Context, u *types.User) context.Context {
	return context.WithValue(ctx, ctxKey{}, u)
}

// UserFrom returns the authenticated user, if any.
func UserFrom(ctx context.Context) (*types.User, bool) {
	u, ok := ctx.Value(ctxKey{}).(*types.User)
	return u, ok && u != nil
}

// TokenFromRequest reads the session token from the cookie or a bearer header.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if tok, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(tok)
		}
	}
	if c, err := r.Cookie(CookieName); err == nil {
		return c.Value
	}
	return ""
}

// SetSessionCookie writes the session cookie.
func SetSessionCookie(w http.ResponseWriter, sess *types.Session, secure bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    sess.Token,
		Path:     "/",
		Expires:  sess.ExpiresAt,
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// ClearSessionCookie expires the session cookie.
func ClearSessionCookie(w http.ResponseWriter, secure bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		Expires:  time.Unix(0, 0),
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	})
}

func deny(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

// RequireUser rejects requests without a valid session and puts the user on the context.
func (s *Service) RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, err := s.Authenticate(TokenFromRequest(r))
		if err != nil {
			if !errors.Is(err, ErrUnauthenticated) {
				logging.Get(logging.CategoryAuth).Error("session lookup failed: %v", err)
				deny(w, http.StatusInternalServerError, errors.New("internal error"))
				return
			}
			deny(w, http.StatusUnauthorized, ErrUnauthenticated)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), u)))
	})
}

// RequireAdmin must run after RequireUser.
func (s *Service) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, ok := UserFrom(r.Context())
		if !ok {
			deny(w, http.StatusUnauthorized, ErrUnauthenticated)
			return
		}
		if !u.IsAdmin() {
			logging.AuthWarn("Non-admin %s denied %s", u.ID, r.URL.Path)
			deny(w, http.StatusForbidden, ErrForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequirePaid must run after RequireUser. Admins always pass.
func (s *Service) RequirePaid(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, ok := UserFrom(r.Context())
		if !ok {
			deny(w, http.StatusUnauthorized, ErrUnauthenticated)
			return
		}
		if !u.HasPaidAccess(s.now()) {
			deny(w, http.StatusPaymentRequired, ErrPaymentRequired)
			return
		}
		next.ServeHTTP(w, r)
	})
}
