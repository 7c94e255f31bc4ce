package auth

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"sitereport/internal/config"
	"sitereport/internal/store"
	"sitereport/internal/types"
)

func newTestService(t *testing.T, mutate func(*config.Config)) (*Service, *store.Store) {
	t.Helper()
	st, err := store.Open("sqlite", filepath.Join(t.TempDir(), "auth.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	cfg := config.DefaultConfig()
	cfg.Auth.AdminEmails = []string{"Boss@Example.com"}
	if mutate != nil {
		mutate(cfg)
	}
	svc := New(st, cfg)
	svc.SetBcryptCost(4)
	return svc, st
}

func TestRegisterAndLogin(t *testing.T) {
	svc, _ := newTestService(t, nil)

	u, err := svc.Register("Ann@Example.com", " Ann ", "correct-horse")
	require.NoError(t, err)
	assert.Equal(t, "ann@example.com", u.Email)
	assert.Equal(t, "Ann", u.Name)
	assert.Equal(t, types.RoleUser, u.Role)
	assert.NotEqual(t, "correct-horse", u.PasswordHash)

	got, sess, err := svc.Login("ANN@example.com", "correct-horse")
	require.NoError(t, err)
	assert.Equal(t, u.ID, got.ID)
	assert.NotEmpty(t, sess.Token)
	assert.WithinDuration(t, time.Now().Add(svc.SessionTTL()), sess.ExpiresAt, time.Minute)

	who, err := svc.Authenticate(sess.Token)
	require.NoError(t, err)
	assert.Equal(t, u.ID, who.ID)

	require.NoError(t, svc.Logout(sess.Token))
	_, err = svc.Authenticate(sess.Token)
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestRegisterValidation(t *testing.T) {
	svc, _ := newTestService(t, nil)

	_, err := svc.Register("not-an-email", "", "long-enough")
	assert.ErrorIs(t, err, ErrInvalidEmail)

	_, err = svc.Register("a@example.com", "", "short")
	assert.ErrorIs(t, err, ErrWeakPassword)

	_, err = svc.Register("a@example.com", "", "long-enough")
	require.NoError(t, err)
	_, err = svc.Register("A@EXAMPLE.COM", "", "long-enough")
	assert.ErrorIs(t, err, ErrEmailTaken)
}

func TestLoginDoesNotEnumerate(t *testing.T) {
	svc, _ := newTestService(t, nil)
	_, err := svc.Register("b@example.com", "", "long-enough")
	require.NoError(t, err)

	_, _, errUnknown := svc.Login("nobody@example.com", "long-enough")
	_, _, errWrong := svc.Login("b@example.com", "wrong-password")
	assert.ErrorIs(t, errUnknown, ErrInvalidCredentials)
	assert.ErrorIs(t, errWrong, ErrInvalidCredentials)
	assert.Equal(t, errUnknown.Error(), errWrong.Error())
}

func TestBootstrapAdmin(t *testing.T) {
	svc, st := newTestService(t, nil)

	u, err := svc.Register("boss@example.com", "", "long-enough")
	require.NoError(t, err)
	assert.Equal(t, types.RoleAdmin, u.Role)

	// promoted on login when the list changes after registration
	plain := &types.User{Email: "late@example.com", Role: types.RoleUser}
	require.NoError(t, st.CreateUser(plain))
	svc.admins["late@example.com"] = true
	got, _, err := svc.startSession(plain, "test")
	require.NoError(t, err)
	assert.Equal(t, types.RoleAdmin, got.Role)

	stored, err := st.GetUser(plain.ID)
	require.NoError(t, err)
	assert.Equal(t, types.RoleAdmin, stored.Role)
}

func TestChangePassword(t *testing.T) {
	svc, st := newTestService(t, nil)
	u, err := svc.Register("c@example.com", "", "first-password")
	require.NoError(t, err)

	assert.ErrorIs(t, svc.ChangePassword(u, "nope", "second-password"), ErrInvalidCredentials)
	require.NoError(t, svc.ChangePassword(u, "first-password", "second-password"))

	reloaded, err := st.GetUser(u.ID)
	require.NoError(t, err)
	_, _, err = svc.Login(reloaded.Email, "second-password")
	assert.NoError(t, err)
}

func TestTokenFromRequest(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.Empty(t, TokenFromRequest(r))

	r.AddCookie(&http.Cookie{Name: CookieName, Value: "cookie-token"})
	assert.Equal(t, "cookie-token", TokenFromRequest(r))

	r.Header.Set("Authorization", "Bearer header-token")
	assert.Equal(t, "header-token", TokenFromRequest(r))
}

func TestMiddlewareChain(t *testing.T) {
	svc, st := newTestService(t, nil)
	u, err := svc.Register("d@example.com", "", "long-enough")
	require.NoError(t, err)
	_, sess, err := svc.Login("d@example.com", "long-enough")
	require.NoError(t, err)

	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		who, found := UserFrom(r.Context())
		require.True(t, found)
		w.Write([]byte(who.ID))
	})

	call := func(h http.Handler, token string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/x", nil)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	rec := call(svc.RequireUser(ok), "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, ErrUnauthenticated.Error(), body["error"])

	rec = call(svc.RequireUser(ok), sess.Token)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, u.ID, rec.Body.String())

	rec = call(svc.RequireUser(svc.RequireAdmin(ok)), sess.Token)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = call(svc.RequireUser(svc.RequirePaid(ok)), sess.Token)
	assert.Equal(t, http.StatusPaymentRequired, rec.Code)

	require.NoError(t, st.SetPaid(u.ID, true, nil))
	rec = call(svc.RequireUser(svc.RequirePaid(ok)), sess.Token)
	assert.Equal(t, http.StatusOK, rec.Code)

	expired := time.Now().Add(-time.Hour)
	require.NoError(t, st.SetPaid(u.ID, true, &expired))
	rec = call(svc.RequireUser(svc.RequirePaid(ok)), sess.Token)
	assert.Equal(t, http.StatusPaymentRequired, rec.Code)

	require.NoError(t, st.SetRole(u.ID, types.RoleAdmin))
	rec = call(svc.RequireUser(svc.RequirePaid(ok)), sess.Token)
	assert.Equal(t, http.StatusOK, rec.Code, "admins bypass the paywall")
}

func fakeGoogle(t *testing.T, profile GoogleProfile) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		if r.PostForm.Get("code") != "good-code" {
			http.Error(w, `{"error":"invalid_grant"}`, http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"at-1","token_type":"Bearer","expires_in":3600}`))
	})
	mux.HandleFunc("/userinfo", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer at-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(profile)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func withGoogle(cfg *config.Config) {
	cfg.Auth.GoogleClientID = "client-id"
	cfg.Auth.GoogleClientSecret = "client-secret"
}

func TestGoogleDisabled(t *testing.T) {
	svc, _ := newTestService(t, nil)
	assert.False(t, svc.GoogleEnabled())
	_, err := svc.AuthCodeURL("state")
	assert.ErrorIs(t, err, ErrGoogleDisabled)
}

func TestGoogleAuthCodeURL(t *testing.T) {
	svc, _ := newTestService(t, withGoogle)
	url, err := svc.AuthCodeURL("xyz")
	require.NoError(t, err)
	assert.Contains(t, url, "state=xyz")
	assert.Contains(t, url, "client_id=client-id")
	assert.True(t, strings.Contains(url, "api%2Fauth%2Fgoogle%2Fcallback"))
}

func TestSignInWithGoogleCreatesAndLinks(t *testing.T) {
	srv := fakeGoogle(t, GoogleProfile{Sub: "g-1", Email: "eve@example.com", EmailVerified: true, Name: "Eve"})
	svc, st := newTestService(t, withGoogle)
	svc.SetGoogleEndpoint(oauth2.Endpoint{AuthURL: srv.URL + "/auth", TokenURL: srv.URL + "/token"}, srv.URL+"/userinfo")

	existing, err := svc.Register("eve@example.com", "", "long-enough")
	require.NoError(t, err)

	u, sess, err := svc.SignInWithGoogle(t.Context(), "good-code")
	require.NoError(t, err)
	assert.Equal(t, existing.ID, u.ID)
	assert.NotEmpty(t, sess.Token)

	linked, err := st.GetUserByGoogleSub("g-1")
	require.NoError(t, err)
	assert.Equal(t, existing.ID, linked.ID)
	assert.Equal(t, "Eve", linked.Name)

	_, _, err = svc.SignInWithGoogle(t.Context(), "bad-code")
	assert.Error(t, err)
}

func TestSignInWithGoogleUnverifiedEmail(t *testing.T) {
	srv := fakeGoogle(t, GoogleProfile{Sub: "g-2", Email: "frank@example.com", EmailVerified: false})
	svc, _ := newTestService(t, withGoogle)
	svc.SetGoogleEndpoint(oauth2.Endpoint{TokenURL: srv.URL + "/token"}, srv.URL+"/userinfo")

	_, err := svc.Register("frank@example.com", "", "long-enough")
	require.NoError(t, err)

	_, _, err = svc.SignInWithGoogle(t.Context(), "good-code")
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestSignInWithGoogleNewUser(t *testing.T) {
	srv := fakeGoogle(t, GoogleProfile{Sub: "g-3", Email: "boss@example.com", EmailVerified: true, Name: "Boss"})
	svc, _ := newTestService(t, withGoogle)
	svc.SetGoogleEndpoint(oauth2.Endpoint{TokenURL: srv.URL + "/token"}, srv.URL+"/userinfo")

	u, _, err := svc.SignInWithGoogle(t.Context(), "good-code")
	require.NoError(t, err)
	assert.Equal(t, "boss@example.com", u.Email)
	assert.Equal(t, types.RoleAdmin, u.Role)
	assert.Empty(t, u.PasswordHash)
}
