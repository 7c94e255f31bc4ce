// Package photos uploads report photos to the image host and manages section buckets.
package photos

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"sitereport/internal/config"
	"sitereport/internal/logging"
)

// Asset is an uploaded image as reported by the host.
type Asset struct {
	PublicID  string `json:"public_id"`
	SecureURL string `json:"secure_url"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
	Format    string `json:"format"`
	Bytes     int64  `json:"bytes"`
}

// Host stores and deletes images.
type Host interface {
	Upload(ctx context.Context, r io.Reader, filename, folder string) (*Asset, error)
	Destroy(ctx context.Context, publicID string) error
}

// Cloudinary is a Cloudinary-compatible REST client using signed requests.
type Cloudinary struct {
	cloud   string
	key     string
	secret  string
	baseURL string
	http    *http.Client
	now     func() time.Time
}

// NewCloudinary creates a client from config.
func NewCloudinary(cfg config.ImagesConfig) *Cloudinary {
	return &Cloudinary{
		cloud:   cfg.CloudName,
		key:     cfg.APIKey,
		secret:  cfg.APISecret,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    &http.Client{Timeout: cfg.GetTimeout()},
		now:     time.Now,
	}
}

// SignParams returns the hex SHA-1 of the params sorted by key, joined as
// k=v with '&', with the API secret appended.
func SignParams(params map[string]string, secret string) string {
	keys := make([]string, 0, len(params))
	for k, v := range params {
		if v == "" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "=" + params[k]
	}
	sum := sha1.Sum([]byte(strings.Join(parts, "&") + secret))
	return hex.EncodeToString(sum[:])
}

func (c *Cloudinary) endpoint(action string) string {
	return fmt.Sprintf("%s/v1_1/%s/image/%s", c.baseURL, c.cloud, action)
}

func (c *Cloudinary) signed(params map[string]string) map[string]string {
	params["timestamp"] = strconv.FormatInt(c.now().Unix(), 10)
	params["signature"] = SignParams(params, c.secret)
	params["api_key"] = c.key
	return params
}

// Upload sends an image with a signed multipart request.
func (c *Cloudinary) Upload(ctx context.Context, r io.Reader, filename, folder string) (*Asset, error) {
	timer := logging.StartTimer(logging.CategoryPhotos, "Upload")
	defer timer.StopWithThreshold(10 * time.Second)

	params := c.signed(map[string]string{"folder": folder})

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range params {
		if err := mw.WriteField(k, v); err != nil {
			return nil, err
		}
	}
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(fw, r); err != nil {
		return nil, fmt.Errorf("failed to read upload: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("upload"), &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var asset Asset
	if err := c.do(req, &asset); err != nil {
		return nil, err
	}
	if asset.PublicID == "" || asset.SecureURL == "" {
		return nil, fmt.Errorf("image host returned an incomplete asset")
	}
	logging.Photos("Uploaded %s (%dx%d, %d bytes)", asset.PublicID, asset.Width, asset.Height, asset.Bytes)
	return &asset, nil
}

// Destroy deletes an image by public ID. Already-missing images are not an error.
func (c *Cloudinary) Destroy(ctx context.Context, publicID string) error {
	params := c.signed(map[string]string{"public_id": publicID})
	form := url.Values{}
	for k, v := range params {
		form.Set(k, v)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("destroy"), strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	var result struct {
		Result string `json:"result"`
	}
	if err := c.do(req, &result); err != nil {
		return err
	}
	switch result.Result {
	case "ok", "not found":
		return nil
	}
	return fmt.Errorf("destroy %s: %s", publicID, result.Result)
}

func (c *Cloudinary) do(req *http.Request, out interface{}) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("image host request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode/100 != 2 {
		var wrapped struct {
			Error struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(data, &wrapped) == nil && wrapped.Error.Message != "" {
			return fmt.Errorf("image host %d: %s", resp.StatusCode, wrapped.Error.Message)
		}
		return fmt.Errorf("image host returned %d", resp.StatusCode)
	}
	return json.Unmarshal(data, out)
}

// TransformURL inserts a width-limited delivery transformation into a CDN
// URL of the form .../image/upload/<rest>. Other URLs are returned unchanged.
func TransformURL(raw string, width int) string {
	const marker = "/image/upload/"
	i := strings.Index(raw, marker)
	if i < 0 || width <= 0 {
		return raw
	}
	head, rest := raw[:i+len(marker)], raw[i+len(marker):]
	if strings.HasPrefix(rest, "w_") {
		// already transformed
		return raw
	}
	return fmt.Sprintf("%sw_%d,c_limit,q_auto,f_auto/%s", head, width, rest)
}
