// Package auth handles credentials, sessions and Google sign-in.
package auth

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/oauth2"

	"sitereport/internal/config"
	"sitereport/internal/logging"
	"sitereport/internal/store"
	"sitereport/internal/types"
)

var (
	// ErrInvalidCredentials covers both unknown email and wrong password.
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrUnauthenticated    = errors.New("authentication required")
	ErrForbidden          = errors.New("forbidden")
	ErrPaymentRequired    = errors.New("an active plan is required")
	ErrEmailTaken         = errors.New("email already registered")
	ErrInvalidEmail       = errors.New("invalid email address")
	ErrWeakPassword       = errors.New("password too short")
	ErrGoogleDisabled     = errors.New("google sign-in is not configured")
)

// Store is the persistence the auth service needs.
type Store interface {
	CreateUser(u *types.User) error
	GetUser(id string) (*types.User, error)
	GetUserByEmail(email string) (*types.User, error)
	GetUserByGoogleSub(sub string) (*types.User, error)
	UpdateUser(u *types.User) error
	SetRole(id string, role types.Role) error
	TouchLogin(id string) error
	CreateSession(sess *types.Session) error
	GetSession(token string) (*types.Session, error)
	DeleteSession(token string) error
}

// Service issues and validates sessions.
type Service struct {
	store      Store
	ttl        time.Duration
	minPw      int
	admins     map[string]bool
	bcryptCost int
	google     *googleProvider
	now        func() time.Time

	// hash compared against when the email is unknown
	dummyHash []byte
}

// New builds the auth service from config.
func New(st Store, cfg *config.Config) *Service {
	s := &Service{
		store:      st,
		ttl:        cfg.GetSessionTTL(),
		minPw:      cfg.Auth.MinPasswordLength,
		admins:     make(map[string]bool),
		bcryptCost: bcrypt.DefaultCost,
		now:        time.Now,
	}
	for _, e := range cfg.Auth.AdminEmails {
		s.admins[store.NormalizeEmail(e)] = true
	}
	if cfg.GoogleEnabled() {
		s.google = newGoogleProvider(cfg.Auth.GoogleClientID, cfg.Auth.GoogleClientSecret,
			strings.TrimRight(cfg.Server.PublicURL, "/")+"/api/auth/google/callback")
	}
	s.dummyHash, _ = bcrypt.GenerateFromPassword([]byte("sitereport-dummy-password"), s.bcryptCost)
	return s
}

// SetBcryptCost lowers hashing cost (tests and the CLI seeding path).
func (s *Service) SetBcryptCost(cost int) {
	if cost < bcrypt.MinCost {
		cost = bcrypt.MinCost
	}
	s.bcryptCost = cost
	s.dummyHash, _ = bcrypt.GenerateFromPassword([]byte("sitereport-dummy-password"), cost)
}

// SetGoogleEndpoint points Google sign-in at another OAuth2 server.
func (s *Service) SetGoogleEndpoint(ep oauth2.Endpoint, userInfoURL string) {
	if s.google == nil {
		return
	}
	s.google.cfg.Endpoint = ep
	s.google.userInfoURL = userInfoURL
}

// SessionTTL returns the configured session lifetime.
func (s *Service) SessionTTL() time.Duration { return s.ttl }

// IsBootstrapAdmin reports whether email is listed in auth.admin_emails.
func (s *Service) IsBootstrapAdmin(email string) bool {
	return s.admins[store.NormalizeEmail(email)]
}

// Register creates a password account and returns it.
func (s *Service) Register(email, name, password string) (*types.User, error) {
	email = store.NormalizeEmail(email)
	if _, err := mail.ParseAddress(email); err != nil || !strings.Contains(email, "@") {
		return nil, ErrInvalidEmail
	}
	if len(password) < s.minPw {
		return nil, fmt.Errorf("%w: need at least %d characters", ErrWeakPassword, s.minPw)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.bcryptCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	u := &types.User{
		Email:        email,
		Name:         strings.TrimSpace(name),
		PasswordHash: string(hash),
		Role:         types.RoleUser,
	}
	if s.IsBootstrapAdmin(email) {
		u.Role = types.RoleAdmin
	}
	if err := s.store.CreateUser(u); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, ErrEmailTaken
		}
		return nil, err
	}

	logging.Auth("Registered user %s (%s)", u.ID, u.Role)
	logging.Audit().Event(logging.AuditRegister, u.ID, u.Email, nil)
	return u, nil
}

// Login checks a password and opens a session.
func (s *Service) Login(email, password string) (*types.User, *types.Session, error) {
	u, err := s.store.GetUserByEmail(email)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, nil, err
	}

	if u == nil || u.PasswordHash == "" {
		_ = bcrypt.CompareHashAndPassword(s.dummyHash, []byte(password))
		s.loginFailed(store.NormalizeEmail(email))
		return nil, nil, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		s.loginFailed(u.Email)
		return nil, nil, ErrInvalidCredentials
	}

	return s.startSession(u, "password")
}

func (s *Service) loginFailed(email string) {
	logging.AuthWarn("Failed login for %s", email)
	logging.Audit().Event(logging.AuditLoginFailed, "", email, ErrInvalidCredentials)
}

// startSession promotes bootstrap admins, records the login and issues a token.
func (s *Service) startSession(u *types.User, method string) (*types.User, *types.Session, error) {
	if s.IsBootstrapAdmin(u.Email) && u.Role != types.RoleAdmin {
		if err := s.store.SetRole(u.ID, types.RoleAdmin); err != nil {
			return nil, nil, err
		}
		u.Role = types.RoleAdmin
		logging.Auth("Promoted bootstrap admin %s", u.Email)
	}

	sess, err := s.NewSession(u.ID)
	if err != nil {
		return nil, nil, err
	}
	if err := s.store.TouchLogin(u.ID); err != nil {
		logging.AuthWarn("Could not record login for %s: %v", u.ID, err)
	}

	logging.Auth("User %s signed in via %s", u.ID, method)
	logging.Audit().Log(logging.AuditEvent{
		EventType: logging.AuditLogin,
		UserID:    u.ID,
		Target:    u.Email,
		Success:   true,
		Fields:    map[string]interface{}{"method": method},
	})
	return u, sess, nil
}

// NewSession issues a fresh session token for a user.
func (s *Service) NewSession(userID string) (*types.Session, error) {
	token, err := randomToken(32)
	if err != nil {
		return nil, err
	}
	sess := &types.Session{Token: token, UserID: userID, ExpiresAt: s.now().Add(s.ttl)}
	if err := s.store.CreateSession(sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// Authenticate resolves a session token to its user.
func (s *Service) Authenticate(token string) (*types.User, error) {
	if token == "" {
		return nil, ErrUnauthenticated
	}
	sess, err := s.store.GetSession(token)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrUnauthenticated
	}
	if err != nil {
		return nil, err
	}
	u, err := s.store.GetUser(sess.UserID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrUnauthenticated
	}
	return u, err
}

// Logout ends the session behind token.
func (s *Service) Logout(token string) error {
	if token == "" {
		return nil
	}
	if sess, err := s.store.GetSession(token); err == nil {
		logging.Audit().Event(logging.AuditLogout, sess.UserID, "", nil)
	}
	return s.store.DeleteSession(token)
}

// ChangePassword replaces a user's password after checking the old one.
// Accounts created through Google have no password and may set one freely.
func (s *Service) ChangePassword(u *types.User, oldPassword, newPassword string) error {
	if u.PasswordHash != "" {
		if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(oldPassword)); err != nil {
			return ErrInvalidCredentials
		}
	}
	if len(newPassword) < s.minPw {
		return fmt.Errorf("%w: need at least %d characters", ErrWeakPassword, s.minPw)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(newPassword), s.bcryptCost)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}
	u.PasswordHash = string(hash)
	return s.store.UpdateUser(u)
}

func randomToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
