package render

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"sitereport/internal/config"
	"sitereport/internal/logging"
)

// Format is an export output type.
type Format string

const (
	FormatPDF  Format = "pdf"
	FormatDOCX Format = "docx"
	FormatHTML Format = "html"
	FormatJSON Format = "json"
)

// DocxMode selects how a DOCX is built.
type DocxMode string

const (
	DocxFromHTML DocxMode = "html"
	DocxDirect   DocxMode = "direct"
)

var (
	ErrUnsupportedFormat = errors.New("unsupported export format")
	ErrNoRenderer        = errors.New("pdf renderer not configured")
)

// ParseFormat accepts a case-insensitive format name.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatPDF, FormatDOCX, FormatHTML, FormatJSON:
		return f, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, s)
}

// ParseDocxMode defaults to DocxFromHTML.
func ParseDocxMode(s string) (DocxMode, error) {
	switch m := DocxMode(strings.ToLower(strings.TrimSpace(s))); m {
	case "", DocxFromHTML:
		return DocxFromHTML, nil
	case DocxDirect:
		return m, nil
	}
	return "", fmt.Errorf("%w: docx mode %q", ErrUnsupportedFormat, s)
}

// Artifact is a finished export.
type Artifact struct {
	Filename    string
	ContentType string
	Data        []byte
	Pages       int
}

// Exporter runs the export pipeline.
type Exporter struct {
	images  *Resolver
	pdf     PDFRenderer
	perPage int
}

// NewExporter wires the pipeline. pdf may be nil when Chrome is unavailable.
func NewExporter(cfg *config.Config, pdf PDFRenderer) *Exporter {
	return &Exporter{
		images:  NewResolver(cfg),
		pdf:     pdf,
		perPage: cfg.Render.PhotosPerPage,
	}
}

// Images exposes the image resolver.
func (e *Exporter) Images() *Resolver { return e.images }

// inlinedHTML builds the report HTML with every image embedded.
func (e *Exporter) inlinedHTML(ctx context.Context, doc *Document) (string, *Layout, error) {
	page, layout, err := BuildHTML(doc, e.perPage)
	if err != nil {
		return "", nil, err
	}
	page, _, err = e.images.InlineImages(ctx, page)
	if err != nil {
		return "", nil, err
	}
	return page, layout, nil
}

// Export renders doc in the requested format.
func (e *Exporter) Export(ctx context.Context, doc *Document, format Format, mode DocxMode) (*Artifact, error) {
	logging.Export("Exporting report %s as %s", doc.ReportID, format)
	switch format {
	case FormatHTML:
		page, layout, err := e.inlinedHTML(ctx, doc)
		if err != nil {
			return nil, err
		}
		return &Artifact{
			Filename:    Filename(doc, "html"),
			ContentType: "text/html; charset=utf-8",
			Data:        []byte(page),
			Pages:       len(layout.Pages),
		}, nil

	case FormatPDF:
		if e.pdf == nil {
			return nil, ErrNoRenderer
		}
		page, layout, err := e.inlinedHTML(ctx, doc)
		if err != nil {
			return nil, err
		}
		out, err := e.pdf.RenderPDF(ctx, page)
		if err != nil {
			return nil, err
		}
		if out.DOMPages != len(layout.Pages) {
			logging.ExportWarn("Report %s: planned %d pages, browser saw %d", doc.ReportID, len(layout.Pages), out.DOMPages)
		}
		return &Artifact{
			Filename:    Filename(doc, "pdf"),
			ContentType: "application/pdf",
			Data:        out.Data,
			Pages:       len(layout.Pages),
		}, nil

	case FormatDOCX:
		var (
			data  []byte
			pages int
			err   error
		)
		if mode == DocxDirect {
			data, err = DirectDOCX(ctx, doc, e.images)
		} else {
			var page string
			var layout *Layout
			page, layout, err = e.inlinedHTML(ctx, doc)
			if err == nil {
				pages = len(layout.Pages)
				data, err = HTMLToDOCX(page, doc.DisplayTitle(), doc.GeneratedAt)
			}
		}
		if err != nil {
			return nil, err
		}
		return &Artifact{Filename: Filename(doc, "docx"), ContentType: docxMIME, Data: data, Pages: pages}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
}

// Summary exports the Auto Summary as JSON, HTML or PDF.
func (e *Exporter) Summary(ctx context.Context, doc *Document, format Format) (*Artifact, error) {
	s := Summarize(doc)
	base := strings.TrimSuffix(Filename(doc, "x"), ".x") + "-summary"
	switch format {
	case FormatJSON, "":
		data, err := json.MarshalIndent(s, "", "  ")
		if err != nil {
			return nil, err
		}
		return &Artifact{Filename: base + ".json", ContentType: "application/json", Data: data}, nil
	case FormatHTML, FormatPDF:
		page, err := SummaryHTML(s)
		if err != nil {
			return nil, err
		}
		if page, _, err = e.images.InlineImages(ctx, page); err != nil {
			return nil, err
		}
		if format == FormatHTML {
			return &Artifact{Filename: base + ".html", ContentType: "text/html; charset=utf-8", Data: []byte(page)}, nil
		}
		if e.pdf == nil {
			return nil, ErrNoRenderer
		}
		out, err := e.pdf.RenderPDF(ctx, page)
		if err != nil {
			return nil, err
		}
		return &Artifact{Filename: base + ".pdf", ContentType: "application/pdf", Data: out.Data, Pages: out.DOMPages}, nil
	}
	return nil, fmt.Errorf("%w: summary as %q", ErrUnsupportedFormat, format)
}
