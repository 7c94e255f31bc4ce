package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"sitereport/internal/logging"
	"sitereport/internal/netguard"
)

// imageProxy fetches remote images on behalf of the export pipeline so
// hosts without CORS headers can still be embedded.
type imageProxy struct {
	client   *http.Client
	maxBytes int64
}

func newImageProxy(maxBytes int64, allowPrivate bool) *imageProxy {
	return &imageProxy{
		client: &http.Client{
			Transport: netguard.Transport(allowPrivate),
			Timeout:   30 * time.Second,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 5 {
					return fmt.Errorf("too many redirects")
				}
				if req.URL.Scheme != "http" && req.URL.Scheme != "https" {
					return errBlockedAddress
				}
				return nil
			},
		},
		maxBytes: maxBytes,
	}
}

type proxiedImage struct {
	contentType string
	data        []byte
}

func (p *imageProxy) fetch(ctx context.Context, raw string) (*proxiedImage, error) {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: url must be absolute http or https", errBadRequest)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errBadRequest, err)
	}
	req.Header.Set("Accept", "image/*")
	req.Header.Set("User-Agent", "sitereport-image-proxy/1.0")

	resp, err := p.client.Do(req)
	if err != nil {
		if errors.Is(err, errBlockedAddress) {
			return nil, errBlockedAddress
		}
		return nil, fmt.Errorf("%w: %v", errUpstream, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: upstream returned %d", errUpstream, resp.StatusCode)
	}
	if resp.ContentLength > p.maxBytes {
		return nil, &http.MaxBytesError{Limit: p.maxBytes}
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, p.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errUpstream, err)
	}
	if int64(len(data)) > p.maxBytes {
		return nil, &http.MaxBytesError{Limit: p.maxBytes}
	}

	ctype := resp.Header.Get("Content-Type")
	if !strings.HasPrefix(ctype, "image/") {
		ctype = http.DetectContentType(data)
	}
	if !strings.HasPrefix(ctype, "image/") {
		return nil, fmt.Errorf("%w: not an image (%s)", errUpstream, ctype)
	}
	return &proxiedImage{contentType: ctype, data: data}, nil
}

func (s *Server) handleImageProxy(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("url")
	img, err := s.proxy.fetch(r.Context(), raw)
	if err != nil {
		logging.HTTP("Image proxy refused %q: %v", raw, err)
		writeError(w, r, err)
		return
	}
	h := w.Header()
	h.Set("Content-Type", img.contentType)
	h.Set("Content-Length", strconv.Itoa(len(img.data)))
	h.Set("Cache-Control", "public, max-age=86400")
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("Content-Security-Policy", "default-src 'none'; sandbox")
	h.Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(img.data)
}
