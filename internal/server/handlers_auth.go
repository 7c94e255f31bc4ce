package server

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"sitereport/internal/auth"
	"sitereport/internal/logging"
	"sitereport/internal/types"
)

type credentials struct {
	Email    string `json:"email"`
	Name     string `json:"name"`
	Password string `json:"password"`
}

type sessionResponse struct {
	User       *types.User `json:"user"`
	Token      string      `json:"token"`
	ExpiresAt  time.Time   `json:"expiresAt"`
	PaidAccess bool        `json:"paidAccess"`
}

func (s *Server) startSession(w http.ResponseWriter, u *types.User, sess *types.Session, status int) {
	auth.SetSessionCookie(w, sess, s.cfg.Server.SecureCookies)
	writeJSON(w, status, sessionResponse{
		User:       u,
		Token:      sess.Token,
		ExpiresAt:  sess.ExpiresAt,
		PaidAccess: u.HasPaidAccess(s.now()),
	})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var in credentials
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, r, err)
		return
	}
	u, err := s.auth.Register(in.Email, in.Name, in.Password)
	if err != nil {
		writeError(w, r, err)
		return
	}
	sess, err := s.auth.NewSession(u.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), 15*time.Second)
	defer cancel()
	if err := s.mailer.SendWelcome(ctx, u); err != nil {
		logging.MailWarn("Welcome mail to %s failed: %v", u.Email, err)
	}

	s.startSession(w, u, sess, http.StatusCreated)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var in credentials
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, r, err)
		return
	}
	u, sess, err := s.auth.Login(in.Email, in.Password)
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.startSession(w, u, sess, http.StatusOK)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := s.auth.Logout(auth.TokenFromRequest(r)); err != nil {
		writeError(w, r, err)
		return
	}
	auth.ClearSessionCookie(w, s.cfg.Server.SecureCookies)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	u, _ := auth.UserFrom(r.Context())
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"user":       u,
		"paidAccess": u.HasPaidAccess(s.now()),
	})
}

func (s *Server) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	u, _ := auth.UserFrom(r.Context())
	var in struct {
		OldPassword string `json:"oldPassword"`
		NewPassword string `json:"newPassword"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.auth.ChangePassword(u, in.OldPassword, in.NewPassword); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGoogleStart(w http.ResponseWriter, r *http.Request) {
	if !s.auth.GoogleEnabled() {
		writeError(w, r, auth.ErrGoogleDisabled)
		return
	}
	state, err := auth.NewState()
	if err != nil {
		writeError(w, r, err)
		return
	}
	target, err := s.auth.AuthCodeURL(state)
	if err != nil {
		writeError(w, r, err)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     auth.StateCookieName,
		Value:    state,
		Path:     "/api/auth/google",
		MaxAge:   int((10 * time.Minute).Seconds()),
		HttpOnly: true,
		Secure:   s.cfg.Server.SecureCookies,
		SameSite: http.SameSiteLaxMode,
	})
	http.Redirect(w, r, target, http.StatusFound)
}

func (s *Server) handleGoogleCallback(w http.ResponseWriter, r *http.Request) {
	if !s.auth.GoogleEnabled() {
		writeError(w, r, auth.ErrGoogleDisabled)
		return
	}
	q := r.URL.Query()
	cookie, err := r.Cookie(auth.StateCookieName)
	if err != nil || cookie.Value == "" || subtle.ConstantTimeCompare([]byte(cookie.Value), []byte(q.Get("state"))) != 1 {
		logging.AuthWarn("Google callback with bad state from %s", r.RemoteAddr)
		writeError(w, r, errBadState)
		return
	}
	http.SetCookie(w, &http.Cookie{Name: auth.StateCookieName, Path: "/api/auth/google", MaxAge: -1})

	if e := q.Get("error"); e != "" {
		writeError(w, r, auth.ErrUnauthenticated)
		return
	}
	code := q.Get("code")
	if code == "" {
		writeError(w, r, errBadRequest)
		return
	}
	_, sess, err := s.auth.SignInWithGoogle(r.Context(), code)
	if err != nil {
		writeError(w, r, err)
		return
	}
	auth.SetSessionCookie(w, sess, s.cfg.Server.SecureCookies)
	http.Redirect(w, r, strings.TrimRight(s.cfg.Server.PublicURL, "/")+"/", http.StatusFound)
}
