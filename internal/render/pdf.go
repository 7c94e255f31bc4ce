package render

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"sync"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"

	"sitereport/internal/config"
	"sitereport/internal/logging"
)

// A4 in inches.
const (
	a4Width  = 8.27
	a4Height = 11.69
)

// PDFRenderer prints a self-contained HTML document to PDF.
type PDFRenderer interface {
	RenderPDF(ctx context.Context, doc string) (*PDF, error)
}

// PDF is a printed document and its page counts.
type PDF struct {
	Data      []byte
	DOMPages  int // .nk-page elements in the loaded document
	FilePages int // page objects found in the PDF, 0 when unknown
}

// Chrome owns a headless Chrome instance, launched locally or attached
// over DevTools, and prints one tab per request.
type Chrome struct {
	cfg config.RenderConfig

	mu         sync.RWMutex
	browser    *rod.Browser
	launch     *launcher.Launcher
	controlURL string
}

// NewChrome creates a renderer. The browser starts on first use.
func NewChrome(cfg config.RenderConfig) *Chrome {
	return &Chrome{cfg: cfg}
}

// Start connects to the configured DevTools endpoint or launches Chrome.
func (c *Chrome) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.browser != nil {
		if _, err := c.browser.Version(); err == nil {
			return nil
		}
		logging.ExportWarn("Stale browser connection detected, reconnecting")
		c.closeLocked()
	}

	controlURL := c.cfg.ChromeURL
	if controlURL == "" {
		l := launcher.New().Headless(c.cfg.Headless).NoSandbox(true).Set("disable-gpu")
		if bin := c.cfg.ChromeBin; bin != "" {
			l = l.Bin(bin)
		} else if bin, ok := launcher.LookPath(); ok {
			l = l.Bin(bin)
		}
		u, err := l.Launch()
		if err != nil {
			return fmt.Errorf("launch chrome: %w", err)
		}
		c.launch = l
		controlURL = u
	}

	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		if c.launch != nil {
			c.launch.Kill()
			c.launch = nil
		}
		return fmt.Errorf("connect to chrome: %w", err)
	}
	c.browser = browser
	c.controlURL = controlURL
	logging.Export("Chrome connected at %s", controlURL)
	return nil
}

func (c *Chrome) ensureStarted(ctx context.Context) (*rod.Browser, error) {
	c.mu.RLock()
	b := c.browser
	c.mu.RUnlock()
	if b != nil {
		return b, nil
	}
	if err := c.Start(ctx); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.browser, nil
}

// IsConnected reports whether a browser is attached.
func (c *Chrome) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.browser != nil
}

// Shutdown closes the browser and kills a locally launched process.
func (c *Chrome) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeLocked()
}

func (c *Chrome) closeLocked() error {
	var err error
	if c.browser != nil {
		err = c.browser.Close()
		c.browser = nil
	}
	if c.launch != nil {
		c.launch.Kill()
		c.launch = nil
	}
	c.controlURL = ""
	return err
}

const waitImagesJS = `() => Promise.all(Array.from(document.images).map(img =>
	img.complete ? null : new Promise(done => { img.onload = done; img.onerror = done; })))`

const countPagesJS = `() => document.querySelectorAll('.nk-page').length`

// RenderPDF loads doc into a fresh tab and prints it at A4 with CSS page
// sizes honoured, so every .nk-page is one physical page.
func (c *Chrome) RenderPDF(ctx context.Context, doc string) (*PDF, error) {
	browser, err := c.ensureStarted(ctx)
	if err != nil {
		return nil, err
	}
	timer := logging.StartTimer(logging.CategoryExport, "RenderPDF")
	defer timer.Stop()

	page, err := browser.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return nil, fmt.Errorf("create page: %w", err)
	}
	defer page.Close()
	page = page.Context(ctx)

	if err := page.SetDocumentContent(doc); err != nil {
		return nil, fmt.Errorf("load document: %w", err)
	}
	if err := page.WaitLoad(); err != nil {
		return nil, fmt.Errorf("wait for load: %w", err)
	}
	if _, err := page.Eval(waitImagesJS); err != nil {
		return nil, fmt.Errorf("wait for images: %w", err)
	}
	res, err := page.Eval(countPagesJS)
	if err != nil {
		return nil, fmt.Errorf("count pages: %w", err)
	}
	domPages := res.Value.Int()

	num := func(f float64) *float64 { return &f }
	stream, err := page.PDF(&proto.PagePrintToPDF{
		PaperWidth:        num(a4Width),
		PaperHeight:       num(a4Height),
		MarginTop:         num(0),
		MarginBottom:      num(0),
		MarginLeft:        num(0),
		MarginRight:       num(0),
		PrintBackground:   true,
		PreferCSSPageSize: true,
	})
	if err != nil {
		return nil, fmt.Errorf("print to pdf: %w", err)
	}
	data, err := io.ReadAll(stream)
	if err != nil {
		return nil, fmt.Errorf("read pdf stream: %w", err)
	}
	if len(data) == 0 {
		return nil, errors.New("chrome returned an empty pdf")
	}

	out := &PDF{Data: data, DOMPages: domPages, FilePages: CountPDFPages(data)}
	if out.FilePages > 0 && out.FilePages != domPages {
		logging.ExportWarn("PDF has %d pages but layout has %d", out.FilePages, domPages)
	}
	logging.Export("Printed %d pages (%d bytes)", domPages, len(data))
	return out, nil
}

var pageObject = regexp.MustCompile(`/Type\s*/Page[^s]`)

// CountPDFPages counts uncompressed page objects. It returns 0 when the
// page tree lives in compressed object streams.
func CountPDFPages(data []byte) int {
	if !bytes.HasPrefix(data, []byte("%PDF")) {
		return 0
	}
	return len(pageObject.FindAllIndex(data, -1))
}
