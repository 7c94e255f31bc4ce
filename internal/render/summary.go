package render

import (
	"bytes"
	"fmt"
	"html/template"
	"time"

	"sitereport/internal/types"
)

// StatusCount is the number of summary rows with one status.
type StatusCount struct {
	Status types.RowStatus `json:"status"`
	Label  string          `json:"label"`
	Count  int             `json:"count"`
}

// FlaggedPhoto is a flagged attachment listed in the summary.
type FlaggedPhoto struct {
	Figure  int           `json:"figure"`
	Section types.Section `json:"section"`
	Caption string        `json:"caption"`
	URL     string        `json:"url"`
}

// Summary is the Auto Summary digest of a report.
type Summary struct {
	ReportID       string                `json:"reportId"`
	Title          string                `json:"title"`
	ReportNumber   string                `json:"reportNumber"`
	ProjectName    string                `json:"projectName"`
	ClientName     string                `json:"clientName"`
	SiteAddress    string                `json:"siteAddress"`
	Coordinates    string                `json:"coordinates"`
	InspectorName  string                `json:"inspectorName"`
	InspectionDate string                `json:"inspectionDate"`
	OverallStatus  string                `json:"overallStatus"`
	RowCounts      []StatusCount         `json:"rowCounts"`
	TotalRows      int                   `json:"totalRows"`
	PhotoCounts    map[types.Section]int `json:"photoCounts"`
	Flagged        []FlaggedPhoto        `json:"flagged"`
	GeneratedAt    time.Time             `json:"generatedAt"`
}

// Summarize derives the Auto Summary. Figure numbers match the full report.
func Summarize(doc *Document) *Summary {
	s := &Summary{
		ReportID:       doc.ReportID,
		Title:          doc.DisplayTitle(),
		ReportNumber:   NA(doc.Form.ReportNumber),
		ProjectName:    NA(doc.Form.ProjectName),
		ClientName:     NA(doc.Form.ClientName),
		SiteAddress:    NA(doc.Form.SiteAddress),
		Coordinates:    doc.Coordinates(),
		InspectorName:  NA(doc.Form.InspectorName),
		InspectionDate: doc.FormatDate(),
		OverallStatus:  NA(doc.Form.OverallStatus),
		TotalRows:      len(doc.Form.SummaryRows),
		PhotoCounts:    make(map[types.Section]int, len(types.Sections)),
		Flagged:        []FlaggedPhoto{},
		GeneratedAt:    doc.GeneratedAt,
	}

	counts := make(map[types.RowStatus]int)
	for _, r := range doc.Form.SummaryRows {
		counts[r.Status]++
	}
	for _, st := range types.RowStatuses {
		s.RowCounts = append(s.RowCounts, StatusCount{Status: st, Label: st.Label(), Count: counts[st]})
	}

	figure := 1
	for _, section := range types.Sections {
		photos := doc.Photos[section]
		s.PhotoCounts[section] = len(photos)
		for _, p := range photos {
			if p.Flagged {
				s.Flagged = append(s.Flagged, FlaggedPhoto{Figure: figure, Section: section, Caption: NA(p.Caption), URL: p.URL})
			}
			figure++
		}
	}
	return s
}

// FlaggedPages splits flagged photos into gallery pages of six.
func (s *Summary) FlaggedPages() [][]FlaggedPhoto {
	var pages [][]FlaggedPhoto
	for start := 0; start < len(s.Flagged); start += 6 {
		end := min(start+6, len(s.Flagged))
		pages = append(pages, s.Flagged[start:end])
	}
	return pages
}

var summaryTemplate = template.Must(template.New("summary").Funcs(template.FuncMap{
	"sectionTitle": func(s types.Section) string { return s.Title() },
	"sections":     func() []types.Section { return types.Sections },
	"date":         func(t time.Time) string { return t.Format("02 January 2006 15:04 MST") },
}).Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>Summary: {{.Title}}</title>
<style>` + pageCSS + `</style>
</head>
<body>
<div class="nk-page nk-summary">
  <h2>Auto Summary: {{.Title}}</h2>
  <table class="nk-meta">
    <tr><th>Report number</th><td>{{.ReportNumber}}</td></tr>
    <tr><th>Project</th><td>{{.ProjectName}}</td></tr>
    <tr><th>Client</th><td>{{.ClientName}}</td></tr>
    <tr><th>Site address</th><td>{{.SiteAddress}}</td></tr>
    <tr><th>Coordinates</th><td>{{.Coordinates}}</td></tr>
    <tr><th>Inspector</th><td>{{.InspectorName}}</td></tr>
    <tr><th>Inspection date</th><td>{{.InspectionDate}}</td></tr>
    <tr><th>Overall status</th><td>{{.OverallStatus}}</td></tr>
  </table>
  <h2 style="margin-top:8mm">Findings</h2>
  <table class="nk-table">
    <thead><tr><th>Status</th><th>Rows</th></tr></thead>
    <tbody>
    {{- range .RowCounts}}
      <tr><td>{{.Label}}</td><td>{{.Count}}</td></tr>
    {{- end}}
      <tr><th>Total</th><th>{{.TotalRows}}</th></tr>
    </tbody>
  </table>
  <h2 style="margin-top:8mm">Photographs</h2>
  <table class="nk-table">
    <tbody>
    {{- $counts := .PhotoCounts}}
    {{- range sections}}
      <tr><td>{{sectionTitle .}}</td><td>{{index $counts .}}</td></tr>
    {{- end}}
    </tbody>
  </table>
  <div class="nk-footer"><span>Generated {{date .GeneratedAt}}</span><span>{{len .Flagged}} flagged</span></div>
</div>
{{- range $i, $page := .FlaggedPages}}
<div class="nk-page nk-flagged">
  <h2>Flagged Photographs{{if $i}} (continued){{end}}</h2>
  <div class="nk-grid">
  {{- range $page}}
    <figure class="nk-figure">
      <img src="{{.URL}}" alt="Figure {{.Figure}}">
      <figcaption><strong>Figure {{.Figure}}.</strong> {{.Caption}} <span class="geo">{{sectionTitle .Section}}</span></figcaption>
    </figure>
  {{- end}}
  </div>
</div>
{{- end}}
</body>
</html>
`))

// SummaryHTML renders the summary as a printable page.
func SummaryHTML(s *Summary) (string, error) {
	var buf bytes.Buffer
	if err := summaryTemplate.Execute(&buf, s); err != nil {
		return "", fmt.Errorf("failed to render summary html: %w", err)
	}
	return buf.String(), nil
}
