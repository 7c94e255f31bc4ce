package photos

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sitereport/internal/config"
	"sitereport/internal/store"
	"sitereport/internal/types"
)

type memHost struct {
	mu        sync.Mutex
	uploads   map[string][]byte
	destroyed []string
	failDel   bool
}

func newMemHost() *memHost { return &memHost{uploads: make(map[string][]byte)} }

func (h *memHost) Upload(_ context.Context, r io.Reader, filename, folder string) (*Asset, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	id := folder + "/" + strings.TrimSuffix(filename, filepath.Ext(filename))
	h.uploads[id] = data
	return &Asset{PublicID: id, SecureURL: "https://cdn.test/image/upload/" + id + filepath.Ext(filename), Width: 4, Height: 3}, nil
}

func (h *memHost) Destroy(_ context.Context, publicID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.failDel {
		return errors.New("host down")
	}
	h.destroyed = append(h.destroyed, publicID)
	return nil
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 4, 3))
	img.Set(1, 1, color.RGBA{R: 255, A: 255})
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

type photoFixture struct {
	svc    *Service
	host   *memHost
	store  *store.Store
	user   *types.User
	report *types.Report
}

func newPhotoFixture(t *testing.T, limits config.Limits) *photoFixture {
	t.Helper()
	st, err := store.Open("sqlite", filepath.Join(t.TempDir(), "photos.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	u := &types.User{Email: "p@example.com"}
	require.NoError(t, st.CreateUser(u))
	r := &types.Report{UserID: u.ID, Title: "Site"}
	require.NoError(t, st.CreateReport(r))

	host := newMemHost()
	images := config.DefaultConfig().Images
	images.CDNHost = "cdn.test"
	return &photoFixture{
		svc:    NewService(st, host, images, limits),
		host:   host,
		store:  st,
		user:   u,
		report: r,
	}
}

func (f *photoFixture) req(section types.Section) UploadRequest {
	return UploadRequest{UserID: f.user.ID, ReportID: f.report.ID, Section: section, Filename: "IMG_0001.png"}
}

func TestUploadAppendsToBucket(t *testing.T) {
	f := newPhotoFixture(t, config.DefaultLimits())
	lat, lng := 19.07, 72.87
	req := f.req(types.SectionFieldObservation)
	req.Caption = "  Spalling  "
	req.Lat, req.Lng = &lat, &lng

	p, err := f.svc.Upload(context.Background(), req, bytes.NewReader(pngBytes(t)))
	require.NoError(t, err)
	assert.Equal(t, "Spalling", p.Caption)
	assert.Equal(t, 4, p.Width)
	assert.True(t, strings.HasSuffix(p.URL, ".png"))
	assert.Contains(t, p.PublicID, f.report.ID)

	buckets, err := f.svc.List(f.user.ID, f.report.ID)
	require.NoError(t, err)
	require.Len(t, buckets[types.SectionFieldObservation], 1)
	assert.InDelta(t, lat, *buckets[types.SectionFieldObservation][0].Lat, 1e-9)
}

func TestUploadRejects(t *testing.T) {
	f := newPhotoFixture(t, config.DefaultLimits())
	ctx := context.Background()

	_, err := f.svc.Upload(ctx, f.req("roof"), bytes.NewReader(pngBytes(t)))
	assert.ErrorIs(t, err, ErrInvalidSection)

	_, err = f.svc.Upload(ctx, f.req(types.SectionBackground), strings.NewReader("%PDF-1.4 not an image"))
	assert.ErrorIs(t, err, ErrUnsupportedType)

	other := f.req(types.SectionBackground)
	other.UserID = "intruder"
	_, err = f.svc.Upload(ctx, other, bytes.NewReader(pngBytes(t)))
	assert.ErrorIs(t, err, store.ErrNotFound)

	f.svc.maxBytes = 10
	_, err = f.svc.Upload(ctx, f.req(types.SectionBackground), bytes.NewReader(pngBytes(t)))
	assert.ErrorIs(t, err, ErrTooLarge)
}

func TestBucketLimit(t *testing.T) {
	limits := config.DefaultLimits()
	limits.MaxPhotosPerBucket = 1
	f := newPhotoFixture(t, limits)
	ctx := context.Background()

	_, err := f.svc.Upload(ctx, f.req(types.SectionEquipment), bytes.NewReader(pngBytes(t)))
	require.NoError(t, err)
	_, err = f.svc.Upload(ctx, f.req(types.SectionEquipment), bytes.NewReader(pngBytes(t)))
	assert.ErrorIs(t, err, ErrBucketFull)

	_, err = f.svc.Upload(ctx, f.req(types.SectionAdditional), bytes.NewReader(pngBytes(t)))
	assert.NoError(t, err)
}

func TestAddByURL(t *testing.T) {
	f := newPhotoFixture(t, config.DefaultLimits())
	ctx := context.Background()
	own := "sitereport/" + f.user.ID + "/" + f.report.ID + "/a"

	_, err := f.svc.AddByURL(ctx, f.req(types.SectionBackground), "http://insecure/a.jpg", "")
	assert.ErrorIs(t, err, ErrInvalidURL)
	_, err = f.svc.AddByURL(ctx, f.req(types.SectionBackground), "https://10.0.0.5/a.jpg", "")
	assert.ErrorIs(t, err, ErrInvalidURL)

	p, err := f.svc.AddByURL(ctx, f.req(types.SectionBackground), "https://CDN.test/a.jpg", own)
	require.NoError(t, err)
	assert.Equal(t, own, p.PublicID)

	p, err = f.svc.AddByURL(ctx, f.req(types.SectionBackground), "https://cdn.test/b.jpg", "")
	require.NoError(t, err)
	assert.Empty(t, p.PublicID)
}

func TestAddByURLRejectsOtherReportsAssets(t *testing.T) {
	f := newPhotoFixture(t, config.DefaultLimits())
	ctx := context.Background()

	victim := &types.User{Email: "victim@example.com"}
	require.NoError(t, f.store.CreateUser(victim))
	victimReport := &types.Report{UserID: victim.ID, Title: "Theirs"}
	require.NoError(t, f.store.CreateReport(victimReport))
	vp, err := f.svc.Upload(ctx, UploadRequest{
		UserID: victim.ID, ReportID: victimReport.ID, Section: types.SectionBackground, Filename: "IMG_0001.png",
	}, bytes.NewReader(pngBytes(t)))
	require.NoError(t, err)

	for _, id := range []string{
		vp.PublicID,
		"sitereport/" + f.user.ID + "/" + f.report.ID + "/../../../" + victim.ID + "/" + victimReport.ID + "/IMG_0001",
		"sitereport/" + f.user.ID + "/" + f.report.ID,
		"other-folder/IMG_0001",
	} {
		_, err := f.svc.AddByURL(ctx, f.req(types.SectionBackground), "https://cdn.test/x.png", id)
		assert.ErrorIs(t, err, ErrForeignAsset, id)
	}

	buckets, err := f.svc.List(f.user.ID, f.report.ID)
	require.NoError(t, err)
	assert.Zero(t, buckets.Count())

	removed, err := f.store.DeleteReport(f.user.ID, f.report.ID)
	require.NoError(t, err)
	f.svc.DestroyAll(ctx, removed)
	f.host.mu.Lock()
	defer f.host.mu.Unlock()
	assert.Empty(t, f.host.destroyed)
	assert.Contains(t, f.host.uploads, vp.PublicID)
}

func TestDeleteSurvivesHostFailure(t *testing.T) {
	f := newPhotoFixture(t, config.DefaultLimits())
	ctx := context.Background()
	p, err := f.svc.Upload(ctx, f.req(types.SectionBackground), bytes.NewReader(pngBytes(t)))
	require.NoError(t, err)

	f.host.failDel = true
	require.NoError(t, f.svc.Delete(ctx, f.user.ID, f.report.ID, p.ID))

	buckets, err := f.svc.List(f.user.ID, f.report.ID)
	require.NoError(t, err)
	assert.Zero(t, buckets.Count())
}

func TestDeleteDestroysHostedImage(t *testing.T) {
	f := newPhotoFixture(t, config.DefaultLimits())
	ctx := context.Background()
	p, err := f.svc.Upload(ctx, f.req(types.SectionBackground), bytes.NewReader(pngBytes(t)))
	require.NoError(t, err)

	require.NoError(t, f.svc.Delete(ctx, f.user.ID, f.report.ID, p.ID))
	assert.Equal(t, []string{p.PublicID}, f.host.destroyed)
}

func TestSignParams(t *testing.T) {
	// documented example from the Cloudinary signing guide
	sig := SignParams(map[string]string{
		"eager":     "w_400,h_300,c_pad|w_260,h_200,c_crop",
		"public_id": "sample_image",
		"timestamp": "1315060510",
		"empty":     "",
	}, "abcd")
	assert.Equal(t, "bfd09f95f331f558cbd1320e67aa8d488770583e", sig)
}

func TestTransformURL(t *testing.T) {
	tests := []struct {
		in    string
		width int
		want  string
	}{
		{"https://res.cloudinary.com/demo/image/upload/v1/a.jpg", 800, "https://res.cloudinary.com/demo/image/upload/w_800,c_limit,q_auto,f_auto/v1/a.jpg"},
		{"https://res.cloudinary.com/demo/image/upload/w_400,c_limit/a.jpg", 800, "https://res.cloudinary.com/demo/image/upload/w_400,c_limit/a.jpg"},
		{"https://example.com/a.jpg", 800, "https://example.com/a.jpg"},
		{"https://res.cloudinary.com/demo/image/upload/a.jpg", 0, "https://res.cloudinary.com/demo/image/upload/a.jpg"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, TransformURL(tt.in, tt.width))
	}
}

func TestCloudinaryClient(t *testing.T) {
	var gotUpload, gotDestroy bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1_1/demo/image/upload":
			require.NoError(t, r.ParseMultipartForm(1<<20))
			assert.Equal(t, "key", r.FormValue("api_key"))
			assert.Equal(t, "reports", r.FormValue("folder"))
			assert.Equal(t, "1700000000", r.FormValue("timestamp"))
			assert.Equal(t, SignParams(map[string]string{"folder": "reports", "timestamp": "1700000000"}, "secret"), r.FormValue("signature"))
			_, hdr, err := r.FormFile("file")
			require.NoError(t, err)
			assert.Equal(t, "a.png", hdr.Filename)
			gotUpload = true
			json.NewEncoder(w).Encode(Asset{PublicID: "reports/a", SecureURL: "https://res.test/image/upload/reports/a.png", Width: 4, Height: 3})
		case "/v1_1/demo/image/destroy":
			require.NoError(t, r.ParseForm())
			assert.Equal(t, "reports/a", r.PostForm.Get("public_id"))
			gotDestroy = true
			w.Write([]byte(`{"result":"not found"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"error":{"message":"no route"}}`))
		}
	}))
	defer srv.Close()

	c := NewCloudinary(config.ImagesConfig{CloudName: "demo", APIKey: "key", APISecret: "secret", BaseURL: srv.URL})
	c.now = func() time.Time { return time.Unix(1700000000, 0) }

	asset, err := c.Upload(context.Background(), bytes.NewReader(pngBytes(t)), "a.png", "reports")
	require.NoError(t, err)
	assert.Equal(t, "reports/a", asset.PublicID)
	require.NoError(t, c.Destroy(context.Background(), "reports/a"))
	assert.True(t, gotUpload)
	assert.True(t, gotDestroy)

	c.cloud = "missing"
	_, err = c.Upload(context.Background(), bytes.NewReader(pngBytes(t)), "a.png", "reports")
	assert.ErrorContains(t, err, "no route")
}
