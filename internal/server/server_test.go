package server

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sitereport/internal/auth"
	"sitereport/internal/config"
	"sitereport/internal/geocode"
	"sitereport/internal/mail"
	"sitereport/internal/payment"
	"sitereport/internal/photos"
	"sitereport/internal/render"
	"sitereport/internal/store"
	"sitereport/internal/types"
)

const adminEmail = "admin@example.com"

type fakeHost struct {
	mu        sync.Mutex
	uploads   int
	destroyed []string
}

func (h *fakeHost) Upload(ctx context.Context, r io.Reader, filename, folder string) (*photos.Asset, error) {
	if _, err := io.Copy(io.Discard, r); err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.uploads++
	id := folder + "/" + filename
	return &photos.Asset{PublicID: id, SecureURL: "https://cdn.test/" + id, Width: 4, Height: 3}, nil
}

func (h *fakeHost) Destroy(ctx context.Context, publicID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.destroyed = append(h.destroyed, publicID)
	return nil
}

type fakeProvider struct{}

func (fakeProvider) Name() string { return "fake" }

func (fakeProvider) Search(ctx context.Context, query string) ([]geocode.Result, error) {
	if strings.Contains(query, "nowhere") {
		return nil, nil
	}
	return []geocode.Result{{Lat: 12.97, Lng: 77.59, DisplayName: "Bengaluru, Karnataka, India", Provider: "fake"}}, nil
}

type fakeReverser struct{}

func (fakeReverser) Reverse(ctx context.Context, lat, lng float64) (string, error) {
	return "MG Road, Bengaluru", nil
}

type fakePDF struct{}

func (fakePDF) RenderPDF(ctx context.Context, doc string) (*render.PDF, error) {
	return &render.PDF{Data: []byte("%PDF-1.7 test"), DOMPages: strings.Count(doc, `class="nk-page `)}, nil
}

type sentMail struct {
	to  []string
	raw []byte
}

type mailbox struct {
	mu   sync.Mutex
	sent []sentMail
}

func (m *mailbox) Send(ctx context.Context, from string, to []string, raw []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, sentMail{to, raw})
	return nil
}

func (m *mailbox) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

type harness struct {
	t      *testing.T
	srv    *Server
	http   *httptest.Server
	store  *store.Store
	cfg    *config.Config
	host   *fakeHost
	mail   *mailbox
	secret string
}

func newHarness(t *testing.T, mutate func(*config.Config), setup ...func(*Server)) *harness {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.Server.PublicURL = ""
	cfg.Auth.AdminEmails = []string{adminEmail}
	cfg.Geocode.RequestsPerSecond = 0
	cfg.Images.CDNHost = "cdn.test"
	cfg.Payments.KeyID = "rzp_test_key"
	cfg.Payments.KeySecret = "rzp_test_secret"
	cfg.Payments.WebhookSecret = "whsec"
	if mutate != nil {
		mutate(cfg)
	}

	st, err := store.Open("sqlite", filepath.Join(cfg.DataDir, "server.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	authSvc := auth.New(st, cfg)
	authSvc.SetBcryptCost(4)
	host := &fakeHost{}
	box := &mailbox{}
	mailer := mail.New(cfg).WithTransport(box)
	geo := geocode.NewWithProviders(cfg.Geocode, []geocode.Provider{fakeProvider{}}, fakeReverser{})
	t.Cleanup(geo.Close)
	exporter := render.NewExporter(cfg, fakePDF{})
	t.Cleanup(exporter.Images().Close)

	srv := New(Deps{
		Config:   cfg,
		Store:    st,
		Auth:     authSvc,
		Photos:   photos.NewService(st, host, cfg.Images, cfg.Limits),
		Payments: payment.NewService(st, cfg.Payments, mailer),
		Geocoder: geo,
		Exporter: exporter,
		Mailer:   mailer,
	})
	for _, fn := range setup {
		fn(srv)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &harness{t: t, srv: srv, http: ts, store: st, cfg: cfg, host: host, mail: box, secret: cfg.Payments.KeySecret}
}

type response struct {
	status int
	header http.Header
	body   []byte
}

func (r response) decode(t *testing.T, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(r.body, v), string(r.body))
}

func (r response) errorMessage(t *testing.T) string {
	t.Helper()
	var e struct {
		Error string `json:"error"`
	}
	r.decode(t, &e)
	return e.Error
}

func (h *harness) do(method, path, token string, body io.Reader, contentType string) response {
	h.t.Helper()
	req, err := http.NewRequest(method, h.http.URL+path, body)
	require.NoError(h.t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	client := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }}
	resp, err := client.Do(req)
	require.NoError(h.t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(h.t, err)
	return response{status: resp.StatusCode, header: resp.Header, body: data}
}

func (h *harness) json(method, path, token string, v interface{}) response {
	h.t.Helper()
	var body io.Reader
	if v != nil {
		data, err := json.Marshal(v)
		require.NoError(h.t, err)
		body = bytes.NewReader(data)
	}
	return h.do(method, path, token, body, "application/json")
}

func (h *harness) register(email string) (string, *types.User) {
	h.t.Helper()
	resp := h.json(http.MethodPost, "/api/auth/register", "", credentials{Email: email, Name: "Tester", Password: "correct-horse"})
	require.Equal(h.t, http.StatusCreated, resp.status, string(resp.body))
	var out sessionResponse
	resp.decode(h.t, &out)
	return out.Token, out.User
}

func (h *harness) createReport(token string, in reportInput) *types.Report {
	h.t.Helper()
	resp := h.json(http.MethodPost, "/api/reports", token, in)
	require.Equal(h.t, http.StatusCreated, resp.status, string(resp.body))
	var rep types.Report
	resp.decode(h.t, &rep)
	return &rep
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 4, 3))
	img.Set(1, 1, color.RGBA{R: 200, A: 255})
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestHealthz(t *testing.T) {
	h := newHarness(t, nil)
	resp := h.do(http.MethodGet, "/healthz", "", nil, "")
	assert.Equal(t, http.StatusOK, resp.status)
	var out map[string]interface{}
	resp.decode(t, &out)
	assert.Equal(t, "ok", out["status"])
}

func TestUnknownRouteIsJSON(t *testing.T) {
	h := newHarness(t, nil)
	resp := h.do(http.MethodGet, "/api/nope", "", nil, "")
	assert.Equal(t, http.StatusNotFound, resp.status)
	assert.Equal(t, "route not found", resp.errorMessage(t))
}

func TestAuthFlow(t *testing.T) {
	h := newHarness(t, nil)
	token, u := h.register("Inspector@Example.com")
	assert.Equal(t, "inspector@example.com", u.Email)
	assert.Equal(t, 1, h.mail.count(), "welcome mail")

	resp := h.json(http.MethodPost, "/api/auth/register", "", credentials{Email: "inspector@example.com", Password: "another-pass"})
	assert.Equal(t, http.StatusConflict, resp.status)

	resp = h.json(http.MethodPost, "/api/auth/register", "", credentials{Email: "short@example.com", Password: "x"})
	assert.Equal(t, http.StatusBadRequest, resp.status)

	resp = h.json(http.MethodGet, "/api/auth/me", token, nil)
	require.Equal(t, http.StatusOK, resp.status)
	var me struct {
		User       types.User `json:"user"`
		PaidAccess bool       `json:"paidAccess"`
	}
	resp.decode(t, &me)
	assert.Equal(t, u.ID, me.User.ID)
	assert.False(t, me.PaidAccess)

	resp = h.json(http.MethodPost, "/api/auth/login", "", credentials{Email: "inspector@example.com", Password: "wrong-password"})
	assert.Equal(t, http.StatusUnauthorized, resp.status)
	assert.Equal(t, auth.ErrInvalidCredentials.Error(), resp.errorMessage(t))

	resp = h.json(http.MethodPost, "/api/auth/login", "", credentials{Email: "INSPECTOR@example.com", Password: "correct-horse"})
	require.Equal(t, http.StatusOK, resp.status)
	var cookie *http.Cookie
	for _, c := range (&http.Response{Header: resp.header}).Cookies() {
		if c.Name == auth.CookieName {
			cookie = c
		}
	}
	require.NotNil(t, cookie)
	assert.True(t, cookie.HttpOnly)

	resp = h.json(http.MethodPut, "/api/auth/password", token, map[string]string{"oldPassword": "correct-horse", "newPassword": "battery-staple"})
	assert.Equal(t, http.StatusNoContent, resp.status)

	resp = h.json(http.MethodPost, "/api/auth/logout", token, nil)
	assert.Equal(t, http.StatusNoContent, resp.status)
	resp = h.json(http.MethodGet, "/api/auth/me", token, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.status)
}

func TestGoogleDisabled(t *testing.T) {
	h := newHarness(t, nil)
	resp := h.do(http.MethodGet, "/api/auth/google", "", nil, "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.status)
}

func TestGoogleStartSetsState(t *testing.T) {
	h := newHarness(t, func(c *config.Config) {
		c.Auth.GoogleClientID = "client"
		c.Auth.GoogleClientSecret = "secret"
	})
	resp := h.do(http.MethodGet, "/api/auth/google", "", nil, "")
	require.Equal(t, http.StatusFound, resp.status)
	loc, err := url.Parse(resp.header.Get("Location"))
	require.NoError(t, err)
	state := loc.Query().Get("state")
	assert.NotEmpty(t, state)
	assert.Contains(t, resp.header.Get("Set-Cookie"), auth.StateCookieName+"="+state)

	resp = h.do(http.MethodGet, "/api/auth/google/callback?state=forged&code=x", "", nil, "")
	assert.Equal(t, http.StatusBadRequest, resp.status)
}

func TestReportCRUDAndIsolation(t *testing.T) {
	h := newHarness(t, nil)
	alice, _ := h.register("alice@example.com")
	bob, _ := h.register("bob@example.com")

	rep := h.createReport(alice, reportInput{
		Title: " Warehouse roof ",
		Form:  types.FormData{ReportNumber: "SR-1", InspectionDate: "2025-03-04"},
	})
	assert.Equal(t, "Warehouse roof", rep.Title)
	assert.Equal(t, types.StatusDraft, rep.Status)

	resp := h.json(http.MethodGet, "/api/reports", alice, nil)
	require.Equal(t, http.StatusOK, resp.status)
	var list struct {
		Reports []store.ReportSummary `json:"reports"`
	}
	resp.decode(t, &list)
	require.Len(t, list.Reports, 1)
	assert.Equal(t, "SR-1", list.Reports[0].ReportNumber)

	for _, method := range []string{http.MethodGet, http.MethodPut, http.MethodDelete} {
		resp = h.json(method, "/api/reports/"+rep.ID, bob, reportInput{Title: "stolen"})
		assert.Equal(t, http.StatusNotFound, resp.status, method)
	}

	resp = h.json(http.MethodPut, "/api/reports/"+rep.ID, alice, reportInput{
		Title:  "Warehouse roof",
		Status: types.StatusFinal,
		Form:   types.FormData{InspectionDate: "04/03/2025"},
	})
	assert.Equal(t, http.StatusBadRequest, resp.status)

	resp = h.json(http.MethodPut, "/api/reports/"+rep.ID, alice, reportInput{
		Title:     "Warehouse roof",
		Status:    types.StatusFinal,
		Signature: "javascript:alert(1)",
	})
	assert.Equal(t, http.StatusBadRequest, resp.status)

	resp = h.json(http.MethodPut, "/api/reports/"+rep.ID, alice, reportInput{
		Title:  "Warehouse roof",
		Status: types.StatusFinal,
		Form:   types.FormData{ReportNumber: "SR-1", OverallStatus: "Satisfactory"},
	})
	require.Equal(t, http.StatusOK, resp.status)

	resp = h.json(http.MethodGet, "/api/reports/"+rep.ID, alice, nil)
	require.Equal(t, http.StatusOK, resp.status)
	var got struct {
		Report types.Report `json:"report"`
	}
	resp.decode(t, &got)
	assert.Equal(t, types.StatusFinal, got.Report.Status)
	assert.Equal(t, "Satisfactory", got.Report.Form.OverallStatus)

	resp = h.json(http.MethodDelete, "/api/reports/"+rep.ID, alice, nil)
	assert.Equal(t, http.StatusNoContent, resp.status)
	resp = h.json(http.MethodGet, "/api/reports/"+rep.ID, alice, nil)
	assert.Equal(t, http.StatusNotFound, resp.status)
}

func TestReportLimit(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.Limits.MaxReportsPerUser = 1 })
	tok, _ := h.register("one@example.com")
	h.createReport(tok, reportInput{Title: "first"})
	resp := h.json(http.MethodPost, "/api/reports", tok, reportInput{Title: "second"})
	assert.Equal(t, http.StatusForbidden, resp.status)
}

func TestBodyLimit(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.Limits.MaxBodyKB = 16 })
	tok, _ := h.register("big@example.com")
	resp := h.json(http.MethodPost, "/api/reports", tok, reportInput{Title: strings.Repeat("x", 40<<10)})
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.status)
}

func (h *harness) upload(token, reportID string, fields map[string]string, data []byte) response {
	h.t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(h.t, mw.WriteField(k, v))
	}
	fw, err := mw.CreateFormFile("file", "site.png")
	require.NoError(h.t, err)
	_, err = fw.Write(data)
	require.NoError(h.t, err)
	require.NoError(h.t, mw.Close())
	return h.do(http.MethodPost, "/api/reports/"+reportID+"/photos", token, &buf, mw.FormDataContentType())
}

func TestPhotoLifecycle(t *testing.T) {
	h := newHarness(t, nil)
	tok, owner := h.register("photos@example.com")
	rep := h.createReport(tok, reportInput{Title: "Photos"})
	img := pngBytes(t)

	var ids []string
	for _, caption := range []string{"north wall", "south wall"} {
		resp := h.upload(tok, rep.ID, map[string]string{"section": "background", "caption": caption, "lat": "12.5", "lng": "77.25"}, img)
		require.Equal(t, http.StatusCreated, resp.status, string(resp.body))
		var p types.Photo
		resp.decode(t, &p)
		assert.Equal(t, caption, p.Caption)
		require.NotNil(t, p.Lat)
		assert.InDelta(t, 12.5, *p.Lat, 1e-9)
		ids = append(ids, p.ID)
	}
	assert.Equal(t, 2, h.host.uploads)

	resp := h.upload(tok, rep.ID, map[string]string{"section": "basement"}, img)
	assert.Equal(t, http.StatusBadRequest, resp.status)
	resp = h.upload(tok, rep.ID, map[string]string{"section": "background"}, []byte("plain text, not an image"))
	assert.Equal(t, http.StatusUnsupportedMediaType, resp.status)

	resp = h.json(http.MethodPost, "/api/reports/"+rep.ID+"/photos", tok, map[string]interface{}{
		"section": "equipment", "url": "https://cdn.test/existing.jpg",
		"publicId": "sitereport/" + owner.ID + "/" + rep.ID + "/existing", "caption": "meter",
	})
	require.Equal(t, http.StatusCreated, resp.status, string(resp.body))
	resp = h.json(http.MethodPost, "/api/reports/"+rep.ID+"/photos", tok, map[string]interface{}{
		"section": "equipment", "url": "https://cdn.test/theirs.jpg", "publicId": "sitereport/someone/else/theirs",
	})
	assert.Equal(t, http.StatusForbidden, resp.status)
	resp = h.json(http.MethodPost, "/api/reports/"+rep.ID+"/photos", tok, map[string]interface{}{
		"section": "equipment", "url": "https://elsewhere.test/a.jpg",
	})
	assert.Equal(t, http.StatusBadRequest, resp.status)
	resp = h.json(http.MethodPost, "/api/reports/"+rep.ID+"/photos", tok, map[string]interface{}{
		"section": "equipment", "url": "http://insecure.test/a.jpg",
	})
	assert.Equal(t, http.StatusBadRequest, resp.status)

	flagged := true
	resp = h.json(http.MethodPatch, "/api/reports/"+rep.ID+"/photos/"+ids[0], tok, store.PhotoPatch{Flagged: &flagged})
	require.Equal(t, http.StatusOK, resp.status)
	var patched types.Photo
	resp.decode(t, &patched)
	assert.True(t, patched.Flagged)

	resp = h.json(http.MethodPut, "/api/reports/"+rep.ID+"/photos/order/background", tok, map[string][]string{"ids": {ids[1], ids[0]}})
	require.Equal(t, http.StatusOK, resp.status)
	var listed struct {
		Photos types.PhotoBuckets `json:"photos"`
	}
	resp.decode(t, &listed)
	require.Len(t, listed.Photos[types.SectionBackground], 2)
	assert.Equal(t, ids[1], listed.Photos[types.SectionBackground][0].ID)
	assert.Len(t, listed.Photos[types.SectionEquipment], 1)

	other, _ := h.register("other@example.com")
	resp = h.json(http.MethodGet, "/api/reports/"+rep.ID+"/photos", other, nil)
	assert.Equal(t, http.StatusNotFound, resp.status)

	resp = h.json(http.MethodDelete, "/api/reports/"+rep.ID+"/photos/"+ids[0], tok, nil)
	assert.Equal(t, http.StatusNoContent, resp.status)

	resp = h.json(http.MethodDelete, "/api/reports/"+rep.ID, tok, nil)
	require.Equal(t, http.StatusNoContent, resp.status)
	h.host.mu.Lock()
	assert.Len(t, h.host.destroyed, 3, "deleted photo, remaining upload and the referenced image")
	h.host.mu.Unlock()
}

func TestExportRequiresPaidAccess(t *testing.T) {
	h := newHarness(t, nil)
	tok, _ := h.register("free@example.com")
	rep := h.createReport(tok, reportInput{Title: "Free"})
	resp := h.do(http.MethodGet, "/api/reports/"+rep.ID+"/export/pdf", tok, nil, "")
	assert.Equal(t, http.StatusPaymentRequired, resp.status)
	resp = h.do(http.MethodGet, "/api/reports/"+rep.ID+"/summary", tok, nil, "")
	assert.Equal(t, http.StatusPaymentRequired, resp.status)
}

func TestExports(t *testing.T) {
	h := newHarness(t, nil)
	tok, u := h.register(adminEmail)
	require.Equal(t, types.RoleAdmin, u.Role)
	rep := h.createReport(tok, reportInput{
		Title: "Roof",
		Form: types.FormData{
			ReportNumber:   "SR-9",
			ProjectName:    "Warehouse <Roof>",
			InspectionDate: "2025-03-04",
			SummaryRows: []types.SummaryRow{
				{Item: "Gutters", Status: types.RowNonCompliant},
				{Item: "Flashing", Status: types.RowCompliant},
			},
		},
	})
	base := "/api/reports/" + rep.ID

	resp := h.do(http.MethodGet, base+"/export/html", tok, nil, "")
	require.Equal(t, http.StatusOK, resp.status, string(resp.body))
	assert.True(t, strings.HasPrefix(resp.header.Get("Content-Disposition"), "inline"))
	assert.Contains(t, string(resp.body), "Warehouse &lt;Roof&gt;")

	resp = h.do(http.MethodGet, base+"/export/pdf", tok, nil, "")
	require.Equal(t, http.StatusOK, resp.status, string(resp.body))
	assert.Equal(t, "application/pdf", resp.header.Get("Content-Type"))
	assert.Equal(t, `attachment; filename=SR-9-20250304.pdf`, resp.header.Get("Content-Disposition"))
	assert.NotEmpty(t, resp.header.Get("X-Page-Count"))
	assert.True(t, bytes.HasPrefix(resp.body, []byte("%PDF")))

	for _, mode := range []string{"html", "direct"} {
		resp = h.do(http.MethodGet, base+"/export/docx?mode="+mode, tok, nil, "")
		require.Equal(t, http.StatusOK, resp.status, mode)
		assert.True(t, bytes.HasPrefix(resp.body, []byte("PK")), mode)
	}
	resp = h.do(http.MethodGet, base+"/export/docx?mode=fancy", tok, nil, "")
	assert.Equal(t, http.StatusBadRequest, resp.status)

	resp = h.do(http.MethodGet, base+"/summary", tok, nil, "")
	require.Equal(t, http.StatusOK, resp.status)
	var sum render.Summary
	resp.decode(t, &sum)
	assert.Equal(t, "Warehouse <Roof>", sum.ProjectName)
	assert.Equal(t, 2, sum.TotalRows)

	resp = h.do(http.MethodGet, base+"/summary?format=pdf", tok, nil, "")
	require.Equal(t, http.StatusOK, resp.status)
	assert.Equal(t, `attachment; filename=SR-9-20250304-summary.pdf`, resp.header.Get("Content-Disposition"))

	resp = h.do(http.MethodGet, base+"/summary?format=xml", tok, nil, "")
	assert.Equal(t, http.StatusBadRequest, resp.status)
}

func TestEmailReport(t *testing.T) {
	h := newHarness(t, nil)
	tok, _ := h.register(adminEmail)
	rep := h.createReport(tok, reportInput{Title: "Mailed", Form: types.FormData{ReportNumber: "SR-5"}})
	welcome := h.mail.count()

	resp := h.json(http.MethodPost, "/api/reports/"+rep.ID+"/email", tok, emailRequest{To: []string{"not-an-address"}})
	assert.Equal(t, http.StatusBadRequest, resp.status)

	resp = h.json(http.MethodPost, "/api/reports/"+rep.ID+"/email", tok, emailRequest{
		To:     []string{"Client <client@example.com>"},
		Format: "docx",
		Note:   "Please review.",
	})
	require.Equal(t, http.StatusOK, resp.status, string(resp.body))
	require.Equal(t, welcome+1, h.mail.count())
	last := h.mail.sent[len(h.mail.sent)-1]
	assert.Equal(t, []string{"client@example.com"}, last.to)
	assert.Contains(t, string(last.raw), ".docx")
}

func TestGeocodeRoutes(t *testing.T) {
	h := newHarness(t, nil)
	tok, _ := h.register("geo@example.com")

	resp := h.do(http.MethodGet, "/api/geocode?q="+url.QueryEscape("MG Road, Bengaluru"), tok, nil, "")
	require.Equal(t, http.StatusOK, resp.status)
	var res geocode.Result
	resp.decode(t, &res)
	assert.InDelta(t, 12.97, res.Lat, 1e-9)
	assert.Equal(t, "fake", res.Provider)

	resp = h.do(http.MethodGet, "/api/geocode?q=nowhere", tok, nil, "")
	assert.Equal(t, http.StatusNotFound, resp.status)
	resp = h.do(http.MethodGet, "/api/geocode", tok, nil, "")
	assert.Equal(t, http.StatusBadRequest, resp.status)

	resp = h.do(http.MethodGet, "/api/geocode/reverse?lat=12.9&lng=77.6", tok, nil, "")
	require.Equal(t, http.StatusOK, resp.status)
	assert.Contains(t, string(resp.body), "MG Road, Bengaluru")
	resp = h.do(http.MethodGet, "/api/geocode/reverse?lat=95&lng=77.6", tok, nil, "")
	assert.Equal(t, http.StatusBadRequest, resp.status)

	resp = h.do(http.MethodGet, "/api/geocode?q=x", "", nil, "")
	assert.Equal(t, http.StatusUnauthorized, resp.status)
}

func TestPaymentVerify(t *testing.T) {
	h := newHarness(t, nil)
	tok, u := h.register("payer@example.com")
	require.NoError(t, h.store.CreatePayment(&types.Payment{
		UserID: u.ID, OrderID: "order_1", Amount: 49900, Currency: "INR", Status: types.PaymentCreated,
	}))

	resp := h.json(http.MethodPost, "/api/payments/verify", tok, verifyRequest{OrderID: "order_1", PaymentID: "pay_1", Signature: "bad"})
	assert.Equal(t, http.StatusBadRequest, resp.status)

	require.NoError(t, h.store.CreatePayment(&types.Payment{
		UserID: u.ID, OrderID: "order_2", Amount: 49900, Currency: "INR", Status: types.PaymentCreated,
	}))
	sig := payment.Sign(h.secret, payment.CheckoutPayload("order_2", "pay_2"))
	resp = h.json(http.MethodPost, "/api/payments/verify", tok, verifyRequest{OrderID: "order_2", PaymentID: "pay_2", Signature: sig})
	require.Equal(t, http.StatusOK, resp.status, string(resp.body))
	var out struct {
		Payment    types.Payment `json:"payment"`
		PaidAccess bool          `json:"paidAccess"`
	}
	resp.decode(t, &out)
	assert.Equal(t, types.PaymentPaid, out.Payment.Status)
	assert.True(t, out.PaidAccess)

	other, _ := h.register("other@example.com")
	resp = h.json(http.MethodPost, "/api/payments/verify", other, verifyRequest{OrderID: "order_2", PaymentID: "pay_2", Signature: sig})
	assert.Equal(t, http.StatusForbidden, resp.status)

	resp = h.json(http.MethodGet, "/api/payments", tok, nil)
	require.Equal(t, http.StatusOK, resp.status)
	var list struct {
		Payments []types.Payment `json:"payments"`
	}
	resp.decode(t, &list)
	assert.Len(t, list.Payments, 2)

	rep := h.createReport(tok, reportInput{Title: "Now paid"})
	resp = h.do(http.MethodGet, "/api/reports/"+rep.ID+"/summary", tok, nil, "")
	assert.Equal(t, http.StatusOK, resp.status)
}

func TestPaymentWebhookSignature(t *testing.T) {
	h := newHarness(t, nil)
	resp := h.do(http.MethodPost, "/api/payments/webhook", "", strings.NewReader(`{"event":"order.paid"}`), "application/json")
	assert.Equal(t, http.StatusBadRequest, resp.status)
}

func TestAdminRoutes(t *testing.T) {
	h := newHarness(t, nil)
	admin, adminUser := h.register(adminEmail)
	userTok, u := h.register("worker@example.com")
	h.createReport(userTok, reportInput{Title: "Worker report"})

	resp := h.json(http.MethodGet, "/api/admin/stats", userTok, nil)
	assert.Equal(t, http.StatusForbidden, resp.status)

	resp = h.json(http.MethodGet, "/api/admin/stats", admin, nil)
	require.Equal(t, http.StatusOK, resp.status)
	var stats types.Stats
	resp.decode(t, &stats)
	assert.Equal(t, 2, stats.Users)
	assert.Equal(t, 1, stats.Reports)

	resp = h.json(http.MethodGet, "/api/admin/users?q=worker&limit=10", admin, nil)
	require.Equal(t, http.StatusOK, resp.status)
	var users struct {
		Users []types.User `json:"users"`
		Total int          `json:"total"`
	}
	resp.decode(t, &users)
	require.Len(t, users.Users, 1)
	assert.Equal(t, u.ID, users.Users[0].ID)

	resp = h.json(http.MethodGet, "/api/admin/users?limit=-1", admin, nil)
	assert.Equal(t, http.StatusBadRequest, resp.status)

	resp = h.json(http.MethodPut, "/api/admin/users/"+u.ID+"/paid", admin, map[string]bool{"paid": true})
	require.Equal(t, http.StatusOK, resp.status)
	var updated types.User
	resp.decode(t, &updated)
	assert.True(t, updated.Paid)

	resp = h.json(http.MethodPut, "/api/admin/users/"+u.ID+"/role", admin, map[string]string{"role": "superuser"})
	assert.Equal(t, http.StatusBadRequest, resp.status)
	resp = h.json(http.MethodPut, "/api/admin/users/"+adminUser.ID+"/role", admin, map[string]string{"role": "user"})
	assert.Equal(t, http.StatusBadRequest, resp.status)
	resp = h.json(http.MethodPut, "/api/admin/users/missing/role", admin, map[string]string{"role": "admin"})
	assert.Equal(t, http.StatusNotFound, resp.status)
	resp = h.json(http.MethodPut, "/api/admin/users/"+u.ID+"/role", admin, map[string]string{"role": "admin"})
	require.Equal(t, http.StatusOK, resp.status)

	resp = h.json(http.MethodGet, "/api/admin/reports", admin, nil)
	require.Equal(t, http.StatusOK, resp.status)
	var reports struct {
		Reports []store.ReportSummary `json:"reports"`
		Total   int                   `json:"total"`
	}
	resp.decode(t, &reports)
	assert.Equal(t, 1, reports.Total)
	assert.Equal(t, "worker@example.com", reports.Reports[0].OwnerEmail)
}

func TestImageProxy(t *testing.T) {
	img := pngBytes(t)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok.png":
			w.Header().Set("Content-Type", "image/png")
			w.Write(img)
		case "/sniff":
			w.Header().Set("Content-Type", "application/octet-stream")
			w.Write(img)
		case "/page":
			w.Header().Set("Content-Type", "text/html")
			w.Write([]byte("<html></html>"))
		case "/big":
			w.Header().Set("Content-Type", "image/png")
			w.Write(bytes.Repeat([]byte{1}, 2<<20))
		default:
			http.NotFound(w, r)
		}
	}))
	defer upstream.Close()

	get := func(h *harness, target string) response {
		return h.do(http.MethodGet, "/api/image-proxy?url="+url.QueryEscape(target), "", nil, "")
	}

	strict := newHarness(t, nil)
	resp := get(strict, upstream.URL+"/ok.png")
	assert.Equal(t, http.StatusBadRequest, resp.status, "loopback is refused by default")

	h := newHarness(t, nil, func(s *Server) { s.proxy = newImageProxy(1<<20, true) })
	resp = get(h, upstream.URL+"/ok.png")
	require.Equal(t, http.StatusOK, resp.status, string(resp.body))
	assert.Equal(t, "image/png", resp.header.Get("Content-Type"))
	assert.Equal(t, img, resp.body)

	resp = get(h, upstream.URL+"/sniff")
	require.Equal(t, http.StatusOK, resp.status)
	assert.Equal(t, "image/png", resp.header.Get("Content-Type"))

	assert.Equal(t, http.StatusBadGateway, get(h, upstream.URL+"/page").status)
	assert.Equal(t, http.StatusBadGateway, get(h, upstream.URL+"/missing").status)
	assert.Equal(t, http.StatusRequestEntityTooLarge, get(h, upstream.URL+"/big").status)
	assert.Equal(t, http.StatusBadRequest, get(h, "file:///etc/passwd").status)
	assert.Equal(t, http.StatusBadRequest, get(h, "").status)
}

func TestMetricsEndpoint(t *testing.T) {
	h := newHarness(t, nil)
	tok, _ := h.register(adminEmail)
	rep := h.createReport(tok, reportInput{Title: "Metrics"})
	h.do(http.MethodGet, "/api/reports/"+rep.ID+"/export/html", tok, nil, "")
	h.do(http.MethodGet, "/api/geocode?q=Bengaluru", tok, nil, "")
	h.do(http.MethodGet, "/api/geocode?q=Bengaluru", tok, nil, "")

	resp := h.do(http.MethodGet, "/metrics", "", nil, "")
	require.Equal(t, http.StatusOK, resp.status)
	body := string(resp.body)
	assert.Contains(t, body, `sitereport_http_requests_total{code="201",method="POST",route="/api/auth/register"} 1`)
	assert.Contains(t, body, `route="/api/reports/{id}/export/html"`)
	assert.Contains(t, body, `sitereport_exports_total{format="html",kind="report",outcome="ok"} 1`)
	assert.Contains(t, body, "sitereport_geocode_cache_hits_total 1")
	assert.Contains(t, body, "sitereport_geocode_cache_misses_total 1")
}

func TestStatusFor(t *testing.T) {
	cases := map[error]int{
		store.ErrNotFound:              http.StatusNotFound,
		store.ErrConflict:              http.StatusConflict,
		auth.ErrPaymentRequired:        http.StatusPaymentRequired,
		photos.ErrBucketFull:           http.StatusConflict,
		photos.ErrHostDisabled:         http.StatusServiceUnavailable,
		render.ErrNoRenderer:           http.StatusServiceUnavailable,
		payment.ErrSignatureMismatch:   http.StatusBadRequest,
		&payment.APIError{Status: 500}: http.StatusBadGateway,
		io.ErrUnexpectedEOF:            http.StatusInternalServerError,
	}
	for err, want := range cases {
		assert.Equal(t, want, statusFor(err), err.Error())
	}
}
