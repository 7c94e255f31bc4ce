// Package render turns reports into print-layout HTML, PDF (headless Chrome)
// and DOCX documents.
package render

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"sitereport/internal/types"
)

// Document is everything an export needs.
type Document struct {
	ReportID    string
	Title       string
	Status      types.ReportStatus
	Form        types.FormData
	Photos      types.PhotoBuckets
	Signature   string
	CompanyName string
	GeneratedAt time.Time
}

// NewDocument assembles a document from stored report data.
func NewDocument(r *types.Report, photos types.PhotoBuckets, company string, now time.Time) *Document {
	if photos == nil {
		photos = types.PhotoBuckets{}
	}
	return &Document{
		ReportID:    r.ID,
		Title:       r.Title,
		Status:      r.Status,
		Form:        r.Form,
		Photos:      photos,
		Signature:   r.Signature,
		CompanyName: company,
		GeneratedAt: now,
	}
}

// DisplayTitle is the cover title: project name, then report title.
func (d *Document) DisplayTitle() string {
	if t := strings.TrimSpace(d.Form.ProjectName); t != "" {
		return t
	}
	if t := strings.TrimSpace(d.Title); t != "" {
		return t
	}
	return "Site Inspection Report"
}

// NA substitutes "N/A" for blank text.
func NA(s string) string {
	if strings.TrimSpace(s) == "" {
		return "N/A"
	}
	return s
}

// FormatDate renders the inspection date for print, falling back to the raw value.
func (d *Document) FormatDate() string {
	if t := d.Form.ParsedDate(); !t.IsZero() {
		return t.Format("02 January 2006")
	}
	return NA(d.Form.InspectionDate)
}

// Coordinates renders the site coordinates or "N/A".
func (d *Document) Coordinates() string {
	if d.Form.Latitude == nil || d.Form.Longitude == nil {
		return "N/A"
	}
	return fmt.Sprintf("%.6f, %.6f", *d.Form.Latitude, *d.Form.Longitude)
}

// Disclaimer is the standard limitation-of-scope text.
const Disclaimer = "This report records the visible condition of the site on the date of inspection. " +
	"It is based on non-destructive visual observation and the information available to the inspector at that time. " +
	"Concealed, inaccessible or latent defects are outside its scope. " +
	"The report is prepared for the client named on the cover and should not be relied upon by any third party."

// Field is a labelled value on the cover page.
type Field struct {
	Label string
	Value string
}

// CoverFields lists the cover-page particulars with blanks as N/A.
func (d *Document) CoverFields() []Field {
	weather := NA(d.Form.Weather)
	if t := strings.TrimSpace(d.Form.Temperature); t != "" {
		weather += ", " + t
	}
	return []Field{
		{"Report number", NA(d.Form.ReportNumber)},
		{"Client", NA(d.Form.ClientName)},
		{"Client contact", NA(d.Form.ClientContact)},
		{"Site address", NA(d.Form.SiteAddress)},
		{"Coordinates", d.Coordinates()},
		{"Inspection date", d.FormatDate()},
		{"Inspector", NA(d.Form.InspectorName)},
		{"Licence", NA(d.Form.InspectorLicense)},
		{"Weather", weather},
		{"Overall status", NA(d.Form.OverallStatus)},
	}
}

// PageKind identifies a fixed page template.
type PageKind string

const (
	PageCover       PageKind = "cover"
	PageDisclaimer  PageKind = "disclaimer"
	PageContents    PageKind = "contents"
	PageSummary     PageKind = "summary"
	PageBackground  PageKind = "background"
	PageObservation PageKind = "observation"
	PageGallery     PageKind = "gallery"
	PageConclusion  PageKind = "conclusion"
)

// Page is one physical page of the print layout.
type Page struct {
	Kind      PageKind
	Number    int
	Title     string
	Section   types.Section
	Photos    []types.Photo
	FirstIdx  int // 1-based figure number of Photos[0]
	Continued bool
}

// ContentsEntry is one line of the table of contents.
type ContentsEntry struct {
	Title string
	Page  int
}

// Layout is the ordered page plan and its table of contents.
type Layout struct {
	Pages    []Page
	Contents []ContentsEntry
}

// Plan lays out the fixed page sequence. Galleries get one or more pages
// per non-empty section with perPage photos each.
func Plan(doc *Document, perPage int) *Layout {
	if perPage < 1 {
		perPage = 6
	}
	l := &Layout{}
	add := func(p Page, toc bool) {
		p.Number = len(l.Pages) + 1
		l.Pages = append(l.Pages, p)
		if toc {
			l.Contents = append(l.Contents, ContentsEntry{Title: p.Title, Page: p.Number})
		}
	}

	add(Page{Kind: PageCover, Title: doc.DisplayTitle()}, false)
	add(Page{Kind: PageDisclaimer, Title: "Disclaimer"}, true)
	add(Page{Kind: PageContents, Title: "Table of Contents"}, false)
	add(Page{Kind: PageSummary, Title: "Field Summary"}, true)
	add(Page{Kind: PageBackground, Title: "Background"}, true)
	add(Page{Kind: PageObservation, Title: "Field Observation"}, true)

	figure := 1
	for _, section := range types.Sections {
		photos := doc.Photos[section]
		for start := 0; start < len(photos); start += perPage {
			end := start + perPage
			if end > len(photos) {
				end = len(photos)
			}
			add(Page{
				Kind:      PageGallery,
				Title:     section.Title(),
				Section:   section,
				Photos:    photos[start:end],
				FirstIdx:  figure + start,
				Continued: start > 0,
			}, start == 0)
		}
		figure += len(photos)
	}

	add(Page{Kind: PageConclusion, Title: "Conclusion & Recommendations"}, true)
	return l
}

var unsafeFilename = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// Filename builds "<report-number or title>-<yyyymmdd>.<ext>" with unsafe
// characters replaced.
func Filename(doc *Document, ext string) string {
	base := strings.TrimSpace(doc.Form.ReportNumber)
	if base == "" {
		base = strings.TrimSpace(doc.Title)
	}
	if base == "" {
		base = "report"
	}
	base = strings.Trim(unsafeFilename.ReplaceAllString(base, "-"), "-.")
	if base == "" {
		base = "report"
	}
	if len(base) > 80 {
		base = base[:80]
	}

	date := doc.Form.ParsedDate()
	if date.IsZero() {
		date = doc.GeneratedAt
	}
	return fmt.Sprintf("%s-%s.%s", base, date.Format("20060102"), strings.TrimPrefix(ext, "."))
}
