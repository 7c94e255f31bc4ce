package photos

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"sitereport/internal/config"
	"sitereport/internal/logging"
	"sitereport/internal/store"
	"sitereport/internal/types"
)

var (
	ErrHostDisabled    = errors.New("image hosting is not configured")
	ErrUnsupportedType = errors.New("unsupported image type")
	ErrTooLarge        = errors.New("image too large")
	ErrBucketFull      = errors.New("photo section is full")
	ErrInvalidSection  = errors.New("unknown photo section")
	ErrInvalidURL      = errors.New("photo URL must be an https URL on the image host")
	ErrForeignAsset    = errors.New("hosted image belongs to another report")
)

var allowedTypes = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/webp": ".webp",
	"image/gif":  ".gif",
}

// Store is the persistence the photo service needs.
type Store interface {
	GetReport(userID, id string) (*types.Report, error)
	AddPhoto(p *types.Photo) error
	ListPhotos(userID, reportID string) (types.PhotoBuckets, error)
	UpdatePhoto(userID, reportID, photoID string, patch store.PhotoPatch) (*types.Photo, error)
	DeletePhoto(userID, reportID, photoID string) (*types.Photo, error)
	ReorderSection(userID, reportID string, section types.Section, ids []string) error
	CountPhotos(reportID string, section types.Section) (int, error)
}

// Service manages section photo buckets.
type Service struct {
	store     Store
	host      Host
	folder    string
	cdnHost   string
	maxBytes  int64
	maxBucket int
}

// NewService builds the photo service. host may be nil when uploads are disabled.
func NewService(st Store, host Host, images config.ImagesConfig, limits config.Limits) *Service {
	return &Service{
		store:     st,
		host:      host,
		folder:    images.Folder,
		cdnHost:   strings.ToLower(images.CDNHost),
		maxBytes:  images.MaxUploadBytes(),
		maxBucket: limits.MaxPhotosPerBucket,
	}
}

// UploadRequest describes one photo upload.
type UploadRequest struct {
	UserID   string
	ReportID string
	Section  types.Section
	Filename string
	Caption  string
	Lat, Lng *float64
	TakenAt  *time.Time
	Flagged  bool
}

func (s *Service) precheck(ctx context.Context, req UploadRequest) error {
	if !req.Section.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidSection, req.Section)
	}
	if (req.Lat == nil) != (req.Lng == nil) {
		return fmt.Errorf("%w: lat and lng must be set together", types.ErrInvalidForm)
	}
	if _, err := s.store.GetReport(req.UserID, req.ReportID); err != nil {
		return err
	}
	if s.maxBucket > 0 {
		n, err := s.store.CountPhotos(req.ReportID, req.Section)
		if err != nil {
			return err
		}
		if n >= s.maxBucket {
			return fmt.Errorf("%w: %d photos", ErrBucketFull, n)
		}
	}
	return ctx.Err()
}

// Upload validates an image, sends it to the host and appends it to the bucket.
func (s *Service) Upload(ctx context.Context, req UploadRequest, body io.Reader) (*types.Photo, error) {
	if s.host == nil {
		return nil, ErrHostDisabled
	}
	if err := s.precheck(ctx, req); err != nil {
		return nil, err
	}

	br := bufio.NewReaderSize(body, 512)
	head, _ := br.Peek(512)
	ctype := http.DetectContentType(head)
	ext, ok := allowedTypes[ctype]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedType, ctype)
	}

	limited := &limitedReader{r: br, remaining: s.maxBytes}
	name := strings.TrimSuffix(path.Base(req.Filename), path.Ext(req.Filename))
	if name == "" || name == "." || name == "/" {
		name = "photo"
	}

	asset, err := s.host.Upload(ctx, limited, name+ext, s.assetFolder(req))
	if limited.exceeded {
		return nil, fmt.Errorf("%w: limit is %d bytes", ErrTooLarge, s.maxBytes)
	}
	if err != nil {
		logging.PhotosWarn("Upload failed for report %s: %v", req.ReportID, err)
		return nil, err
	}

	p := &types.Photo{
		ReportID: req.ReportID,
		UserID:   req.UserID,
		Section:  req.Section,
		URL:      asset.SecureURL,
		PublicID: asset.PublicID,
		Caption:  strings.TrimSpace(req.Caption),
		Lat:      req.Lat,
		Lng:      req.Lng,
		TakenAt:  req.TakenAt,
		Flagged:  req.Flagged,
		Width:    asset.Width,
		Height:   asset.Height,
	}
	if err := s.store.AddPhoto(p); err != nil {
		// keep the host clean when the row cannot be written
		if derr := s.host.Destroy(context.WithoutCancel(ctx), asset.PublicID); derr != nil {
			logging.PhotosWarn("Orphaned upload %s: %v", asset.PublicID, derr)
		}
		return nil, err
	}
	return p, nil
}

func (s *Service) assetFolder(req UploadRequest) string {
	return path.Join(s.folder, req.UserID, req.ReportID)
}

// AddByURL attaches an image the client already uploaded to the host. The
// URL must be served by the configured CDN and a public ID, when given, must
// live under this report's upload folder.
func (s *Service) AddByURL(ctx context.Context, req UploadRequest, rawURL, publicID string) (*types.Photo, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme != "https" || u.Host == "" {
		return nil, ErrInvalidURL
	}
	if s.cdnHost != "" && strings.ToLower(u.Hostname()) != s.cdnHost {
		return nil, fmt.Errorf("%w: %s", ErrInvalidURL, u.Hostname())
	}
	publicID = strings.TrimSpace(publicID)
	if publicID != "" {
		clean := path.Clean(publicID)
		if clean != publicID || !strings.HasPrefix(publicID, s.assetFolder(req)+"/") {
			return nil, fmt.Errorf("%w: %s", ErrForeignAsset, publicID)
		}
	}
	if err := s.precheck(ctx, req); err != nil {
		return nil, err
	}
	p := &types.Photo{
		ReportID: req.ReportID,
		UserID:   req.UserID,
		Section:  req.Section,
		URL:      u.String(),
		PublicID: publicID,
		Caption:  strings.TrimSpace(req.Caption),
		Lat:      req.Lat,
		Lng:      req.Lng,
		TakenAt:  req.TakenAt,
		Flagged:  req.Flagged,
	}
	if err := s.store.AddPhoto(p); err != nil {
		return nil, err
	}
	return p, nil
}

// List returns a report's buckets.
func (s *Service) List(userID, reportID string) (types.PhotoBuckets, error) {
	return s.store.ListPhotos(userID, reportID)
}

// Update changes caption or flag.
func (s *Service) Update(userID, reportID, photoID string, patch store.PhotoPatch) (*types.Photo, error) {
	if patch.Caption != nil {
		c := strings.TrimSpace(*patch.Caption)
		patch.Caption = &c
	}
	return s.store.UpdatePhoto(userID, reportID, photoID, patch)
}

// Reorder sets the display order of a section.
func (s *Service) Reorder(userID, reportID string, section types.Section, ids []string) error {
	if !section.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidSection, section)
	}
	return s.store.ReorderSection(userID, reportID, section, ids)
}

// Delete removes the photo row. Host deletion failures are logged; the row
// is removed either way.
func (s *Service) Delete(ctx context.Context, userID, reportID, photoID string) error {
	p, err := s.store.DeletePhoto(userID, reportID, photoID)
	if err != nil {
		return err
	}
	s.destroy(ctx, *p)
	logging.Audit().Event(logging.AuditPhotoDelete, userID, photoID, nil)
	return nil
}

// DestroyAll removes hosted images for photos already deleted from the store.
func (s *Service) DestroyAll(ctx context.Context, photos []types.Photo) {
	for _, p := range photos {
		s.destroy(ctx, p)
	}
}

func (s *Service) destroy(ctx context.Context, p types.Photo) {
	if s.host == nil || p.PublicID == "" {
		return
	}
	if err := s.host.Destroy(ctx, p.PublicID); err != nil {
		logging.PhotosWarn("Could not delete hosted image %s: %v", p.PublicID, err)
	}
}

type limitedReader struct {
	r         io.Reader
	remaining int64
	exceeded  bool
}

func (l *limitedReader) Read(p []byte) (int, error) {
	if l.remaining <= 0 {
		// read one more byte to tell EOF from overflow
		var one [1]byte
		n, err := l.r.Read(one[:])
		if n > 0 {
			l.exceeded = true
			return 0, ErrTooLarge
		}
		return 0, err
	}
	if int64(len(p)) > l.remaining {
		p = p[:l.remaining]
	}
	n, err := l.r.Read(p)
	l.remaining -= int64(n)
	return n, err
}
