package render

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
	"golang.org/x/net/html"
	"golang.org/x/sync/errgroup"

	"sitereport/internal/config"
	"sitereport/internal/logging"
	"sitereport/internal/netguard"
)

// PlaceholderImage replaces images no route could fetch.
const PlaceholderImage = "data:image/svg+xml;base64,PHN2ZyB4bWxucz0iaHR0cDovL3d3dy53My5vcmcvMjAwMC9zdmciIHdpZHRoPSI0MDAiIGhlaWdodD0iMzAwIiB2aWV3Qm94PSIwIDAgNDAwIDMwMCI+PHJlY3Qgd2lkdGg9IjQwMCIgaGVpZ2h0PSIzMDAiIGZpbGw9IiNlNWU3ZWIiLz48dGV4dCB4PSIyMDAiIHk9IjE1NSIgZm9udC1mYW1pbHk9IkFyaWFsLHNhbnMtc2VyaWYiIGZvbnQtc2l6ZT0iMTgiIGZpbGw9IiM2YjcyODAiIHRleHQtYW5jaG9yPSJtaWRkbGUiPkltYWdlIHVuYXZhaWxhYmxlPC90ZXh0Pjwvc3ZnPg=="

// ErrNotImage means a route answered with something other than an image.
var ErrNotImage = errors.New("response is not an image")

// Public fetch relays tried after the direct fetch and our own proxy.
var publicRelays = []func(string) string{
	func(u string) string { return "https://images.weserv.nl/?url=" + url.QueryEscape(u) },
	func(u string) string { return "https://corsproxy.io/?" + url.QueryEscape(u) },
}

// Resolver inlines remote images as data URLs so Chrome and the DOCX
// writer never touch the network. Photo URLs are user supplied, so the
// direct fetch only dials public addresses; the proxy route and relays are
// fixed endpoints and use the plain client.
type Resolver struct {
	direct      *http.Client
	client      *http.Client
	proxyBase   string
	relays      []func(string) string
	maxDim      int
	maxBytes    int64
	concurrency int

	mu    sync.Mutex
	cache map[string]string
}

// NewResolver builds a resolver from configuration.
func NewResolver(cfg *config.Config) *Resolver {
	r := &Resolver{
		direct:      &http.Client{Transport: netguard.Transport(cfg.Render.AllowPrivateImages), Timeout: 30 * time.Second},
		client:      &http.Client{Timeout: 30 * time.Second},
		relays:      publicRelays,
		maxDim:      cfg.Render.MaxImageDim,
		maxBytes:    cfg.Limits.MaxProxyImageBytes(),
		concurrency: cfg.Render.ImageConcurrency,
		cache:       make(map[string]string),
	}
	if base := strings.TrimRight(cfg.Server.PublicURL, "/"); base != "" {
		r.proxyBase = base + "/api/image-proxy?url="
	}
	if r.concurrency < 1 {
		r.concurrency = 4
	}
	if r.maxBytes <= 0 {
		r.maxBytes = 20 << 20
	}
	return r
}

// Close drops idle connections.
func (r *Resolver) Close() {
	r.direct.CloseIdleConnections()
	r.client.CloseIdleConnections()
}

// Routes lists the URLs tried for src, in order.
func (r *Resolver) Routes(src string) []string {
	routes := []string{src}
	if r.proxyBase != "" {
		routes = append(routes, r.proxyBase+url.QueryEscape(src))
	}
	for _, relay := range r.relays {
		routes = append(routes, relay(src))
	}
	return routes
}

// Resolve returns src as a data URL, or PlaceholderImage when every route
// fails. The bool reports whether a real image was obtained.
func (r *Resolver) Resolve(ctx context.Context, src string) (string, bool) {
	if strings.HasPrefix(src, "data:") {
		return src, true
	}
	r.mu.Lock()
	if cached, ok := r.cache[src]; ok {
		r.mu.Unlock()
		return cached, true
	}
	r.mu.Unlock()

	for i, route := range r.Routes(src) {
		if ctx.Err() != nil {
			break
		}
		client := r.client
		if i == 0 {
			client = r.direct
		}
		data, ctype, err := r.fetch(ctx, client, route)
		if err != nil {
			logging.ExportDebug("Image route failed for %s: %v", route, err)
			continue
		}
		data, ctype = r.shrink(data, ctype)
		out := "data:" + ctype + ";base64," + base64.StdEncoding.EncodeToString(data)
		r.mu.Lock()
		r.cache[src] = out
		r.mu.Unlock()
		return out, true
	}
	logging.ExportWarn("No route could fetch image %s, using placeholder", src)
	return PlaceholderImage, false
}

func (r *Resolver) fetch(ctx context.Context, client *http.Client, target string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, "", err
	}
	req.Header.Set("Accept", "image/*")
	resp, err := client.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("status %d", resp.StatusCode)
	}
	ctype, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	data, err := io.ReadAll(io.LimitReader(resp.Body, r.maxBytes+1))
	if err != nil {
		return nil, "", err
	}
	if int64(len(data)) > r.maxBytes {
		return nil, "", fmt.Errorf("image larger than %d bytes", r.maxBytes)
	}
	if !strings.HasPrefix(ctype, "image/") {
		ctype = http.DetectContentType(data)
		if !strings.HasPrefix(ctype, "image/") {
			return nil, "", ErrNotImage
		}
	}
	return data, ctype, nil
}

// shrink downscales raster images whose longest side exceeds maxDim and
// re-encodes them as JPEG. Anything undecodable is returned unchanged.
func (r *Resolver) shrink(data []byte, ctype string) ([]byte, string) {
	if r.maxDim <= 0 || ctype == "image/svg+xml" {
		return data, ctype
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil || (cfg.Width <= r.maxDim && cfg.Height <= r.maxDim) {
		return data, ctype
	}
	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return data, ctype
	}
	out, err := Downscale(src, r.maxDim)
	if err != nil {
		logging.ExportWarn("Failed to downscale image: %v", err)
		return data, ctype
	}
	return out, "image/jpeg"
}

// Downscale fits img inside a maxDim square and encodes it as JPEG.
func Downscale(img image.Image, maxDim int) ([]byte, error) {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w >= h && w > maxDim {
		h = h * maxDim / w
		w = maxDim
	} else if h > w && h > maxDim {
		w = w * maxDim / h
		h = maxDim
	}
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(dst, dst.Bounds(), image.White, image.Point{}, draw.Src)
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Over, nil)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: 85}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// InlineImages rewrites every <img src> in an HTML document to a data URL.
// It returns the rewritten document and the number of placeholders used.
func (r *Resolver) InlineImages(ctx context.Context, doc string) (string, int, error) {
	root, err := html.Parse(strings.NewReader(doc))
	if err != nil {
		return "", 0, fmt.Errorf("failed to parse html: %w", err)
	}

	var imgs []*html.Attribute
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "img" {
			for i := range n.Attr {
				if n.Attr[i].Key == "src" && n.Attr[i].Val != "" && !strings.HasPrefix(n.Attr[i].Val, "data:") {
					imgs = append(imgs, &n.Attr[i])
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)

	timer := logging.StartTimer(logging.CategoryExport, "InlineImages")
	defer timer.Stop()

	var (
		mu      sync.Mutex
		missing int
	)
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(r.concurrency)
	for _, attr := range imgs {
		eg.Go(func() error {
			out, ok := r.Resolve(egCtx, attr.Val)
			mu.Lock()
			attr.Val = out
			if !ok {
				missing++
			}
			mu.Unlock()
			return nil
		})
	}
	_ = eg.Wait()
	if err := ctx.Err(); err != nil {
		return "", missing, err
	}

	var buf bytes.Buffer
	if err := html.Render(&buf, root); err != nil {
		return "", missing, fmt.Errorf("failed to render html: %w", err)
	}
	logging.Export("Inlined %d images (%d placeholders)", len(imgs), missing)
	return buf.String(), missing, nil
}
