package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"sitereport/internal/logging"
	"sitereport/internal/store"
	"sitereport/internal/types"
)

const googleUserInfoURL = "https://www.googleapis.com/oauth2/v3/userinfo"

// GoogleProfile is the subset of the OpenID userinfo response we use.
type GoogleProfile struct {
	Sub           string `json:"sub"`
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	Name          string `json:"name"`
}

type googleProvider struct {
	cfg         *oauth2.Config
	userInfoURL string
}

func newGoogleProvider(clientID, clientSecret, redirectURL string) *googleProvider {
	return &googleProvider{
		cfg: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  redirectURL,
			Scopes: []string{
				"openid",
				"https://www.googleapis.com/auth/userinfo.email",
				"https://www.googleapis.com/auth/userinfo.profile",
			},
			Endpoint: google.Endpoint,
		},
		userInfoURL: googleUserInfoURL,
	}
}

// GoogleEnabled reports whether Google sign-in is configured.
func (s *Service) GoogleEnabled() bool {
	return s.google != nil
}

// NewState returns a random OAuth state value.
func NewState() (string, error) {
	return randomToken(16)
}

// AuthCodeURL returns the Google consent URL for state.
func (s *Service) AuthCodeURL(state string) (string, error) {
	if s.google == nil {
		return "", ErrGoogleDisabled
	}
	return s.google.cfg.AuthCodeURL(state, oauth2.SetAuthURLParam("prompt", "select_account")), nil
}

// Exchange trades an authorization code for the caller's Google profile.
func (s *Service) Exchange(ctx context.Context, code string) (*GoogleProfile, error) {
	if s.google == nil {
		return nil, ErrGoogleDisabled
	}
	token, err := s.google.cfg.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("token exchange failed: %w", err)
	}

	client := s.google.cfg.Client(ctx, token)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.google.userInfoURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("userinfo request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("userinfo failed: %d %s", resp.StatusCode, string(body))
	}

	var profile GoogleProfile
	if err := json.NewDecoder(resp.Body).Decode(&profile); err != nil {
		return nil, fmt.Errorf("failed to decode userinfo: %w", err)
	}
	if profile.Sub == "" || profile.Email == "" {
		return nil, fmt.Errorf("userinfo missing subject or email")
	}
	return &profile, nil
}

// SignInWithGoogle exchanges code, finds or creates the matching user and
// opens a session. An existing password account is linked only when Google
// reports the email as verified.
func (s *Service) SignInWithGoogle(ctx context.Context, code string) (*types.User, *types.Session, error) {
	profile, err := s.Exchange(ctx, code)
	if err != nil {
		logging.AuthWarn("Google exchange failed: %v", err)
		return nil, nil, err
	}
	u, err := s.findOrCreateGoogleUser(profile)
	if err != nil {
		return nil, nil, err
	}
	return s.startSession(u, "google")
}

func (s *Service) findOrCreateGoogleUser(p *GoogleProfile) (*types.User, error) {
	u, err := s.store.GetUserByGoogleSub(p.Sub)
	if err == nil {
		return u, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	u, err = s.store.GetUserByEmail(p.Email)
	switch {
	case err == nil:
		if !p.EmailVerified {
			return nil, fmt.Errorf("%w: google email not verified", ErrForbidden)
		}
		u.GoogleSub = p.Sub
		if u.Name == "" {
			u.Name = p.Name
		}
		if err := s.store.UpdateUser(u); err != nil {
			return nil, err
		}
		logging.Auth("Linked Google account to user %s", u.ID)
		return u, nil
	case !errors.Is(err, store.ErrNotFound):
		return nil, err
	}

	u = &types.User{Email: p.Email, Name: p.Name, GoogleSub: p.Sub, Role: types.RoleUser}
	if s.IsBootstrapAdmin(p.Email) {
		u.Role = types.RoleAdmin
	}
	if err := s.store.CreateUser(u); err != nil {
		return nil, err
	}
	logging.Auth("Created user %s from Google sign-in", u.ID)
	logging.Audit().Event(logging.AuditRegister, u.ID, u.Email, nil)
	return u, nil
}
