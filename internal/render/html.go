package render

import (
	"bytes"
	"fmt"
	"html/template"
	"strings"

	"sitereport/internal/types"
)

const pageCSS = `
@page { size: A4; margin: 0; }
* { box-sizing: border-box; }
body { margin: 0; font-family: "Helvetica Neue", Arial, sans-serif; font-size: 11pt; color: #1d2330; }
.nk-page { position: relative; width: 210mm; height: 297mm; padding: 18mm 16mm 22mm; overflow: hidden; page-break-after: always; break-after: page; }
.nk-page:last-child { page-break-after: auto; break-after: auto; }
.nk-footer { position: absolute; left: 16mm; right: 16mm; bottom: 10mm; font-size: 8.5pt; color: #6b7280; display: flex; justify-content: space-between; border-top: 1px solid #d1d5db; padding-top: 2mm; }
h1 { font-size: 26pt; margin: 0 0 6mm; }
h2 { font-size: 16pt; margin: 0 0 5mm; border-bottom: 2px solid #0f4c81; padding-bottom: 2mm; color: #0f4c81; }
.nk-cover { display: flex; flex-direction: column; justify-content: center; }
.nk-cover .company { font-size: 12pt; letter-spacing: 0.08em; text-transform: uppercase; color: #0f4c81; }
.nk-meta { width: 100%; border-collapse: collapse; margin-top: 10mm; }
.nk-meta th { text-align: left; width: 40%; color: #4b5563; font-weight: 600; padding: 2mm 0; }
.nk-meta td { padding: 2mm 0; }
.nk-table { width: 100%; border-collapse: collapse; font-size: 10pt; }
.nk-table th, .nk-table td { border: 1px solid #cbd5e1; padding: 2mm; vertical-align: top; text-align: left; }
.nk-table th { background: #eef2f7; }
.nk-status-compliant { color: #166534; }
.nk-status-non-compliant { color: #b91c1c; font-weight: 600; }
.nk-toc li { display: flex; justify-content: space-between; border-bottom: 1px dotted #9ca3af; padding: 2mm 0; }
.nk-toc ol { list-style: none; padding: 0; }
.nk-text { white-space: pre-wrap; line-height: 1.5; }
.nk-grid { display: grid; grid-template-columns: 1fr 1fr; gap: 6mm; }
.nk-figure { margin: 0; border: 1px solid #e5e7eb; padding: 2mm; page-break-inside: avoid; }
.nk-figure img { width: 100%; height: 62mm; object-fit: contain; background: #f3f4f6; display: block; }
.nk-figure figcaption { font-size: 9pt; margin-top: 1.5mm; }
.nk-figure .geo { color: #6b7280; font-size: 8pt; }
.nk-flag { color: #b91c1c; font-weight: 600; }
.nk-signature img { max-height: 30mm; max-width: 70mm; }
`

var docTemplate = template.Must(template.New("report").Funcs(template.FuncMap{
	"na":         NA,
	"disclaimer": func() string { return Disclaimer },
	"statusClass": func(s types.RowStatus) string {
		return "nk-status-" + strings.ReplaceAll(string(s), "/", "")
	},
	"coord": func(p *float64) string {
		if p == nil {
			return ""
		}
		return fmt.Sprintf("%.5f", *p)
	},
	"add": func(a, b int) int { return a + b },
	"sigsrc": func(s string) template.URL {
		// only data:image/ and https:// reach here, see types.ValidateSignature
		if strings.HasPrefix(s, "data:image/") || strings.HasPrefix(s, "https://") {
			return template.URL(s)
		}
		return ""
	},
}).Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>{{.Doc.DisplayTitle}}</title>
<style>` + pageCSS + `</style>
</head>
<body>
{{- $doc := .Doc}}{{$total := .Total}}{{$layout := .Layout}}
{{- range .Layout.Pages}}
<div class="nk-page nk-{{.Kind}}" data-page="{{.Number}}">
{{- if eq .Kind "cover"}}
  <div class="company">{{na $doc.CompanyName}}</div>
  <h1>{{.Title}}</h1>
  <div>Site Inspection Report</div>
  <table class="nk-meta">
  {{- range $doc.CoverFields}}
    <tr><th>{{.Label}}</th><td>{{.Value}}</td></tr>
  {{- end}}
  </table>
{{- else if eq .Kind "disclaimer"}}
  <h2>{{.Title}}</h2>
  <p class="nk-text">{{disclaimer}}</p>
  <p class="nk-text">Purpose of inspection: {{na $doc.Form.Purpose}}</p>
{{- else if eq .Kind "contents"}}
  <h2>{{.Title}}</h2>
  <div class="nk-toc"><ol>
  {{- range $layout.Contents}}
    <li><span>{{.Title}}</span><span>{{.Page}}</span></li>
  {{- end}}
  </ol></div>
{{- else if eq .Kind "summary"}}
  <h2>{{.Title}}</h2>
  {{- if $doc.Form.SummaryRows}}
  <table class="nk-table">
    <thead><tr><th>#</th><th>Item</th><th>Status</th><th>Notes</th></tr></thead>
    <tbody>
    {{- range $i, $row := $doc.Form.SummaryRows}}
      <tr><td>{{add $i 1}}</td><td>{{na $row.Item}}</td><td class="{{statusClass $row.Status}}">{{$row.Status.Label}}</td><td>{{na $row.Notes}}</td></tr>
    {{- end}}
    </tbody>
  </table>
  {{- else}}
  <p>N/A</p>
  {{- end}}
{{- else if eq .Kind "background"}}
  <h2>{{.Title}}</h2>
  <div class="nk-text">{{na $doc.Form.Background}}</div>
{{- else if eq .Kind "observation"}}
  <h2>{{.Title}}</h2>
  <div class="nk-text">{{na $doc.Form.FieldObservation}}</div>
  <h2 style="margin-top:8mm">Equipment Used</h2>
  <div class="nk-text">{{na $doc.Form.EquipmentUsed}}</div>
{{- else if eq .Kind "gallery"}}
  <h2>{{.Title}}{{if .Continued}} (continued){{end}}</h2>
  <div class="nk-grid">
  {{- $first := .FirstIdx}}
  {{- range $i, $p := .Photos}}
    <figure class="nk-figure">
      <img src="{{$p.URL}}" alt="Figure {{add $first $i}}">
      <figcaption>
        <strong>Figure {{add $first $i}}.</strong> {{na $p.Caption}}{{if $p.Flagged}} <span class="nk-flag">[Flagged]</span>{{end}}
        {{- if and $p.Lat $p.Lng}}<div class="geo">{{coord $p.Lat}}, {{coord $p.Lng}}</div>{{end}}
      </figcaption>
    </figure>
  {{- end}}
  </div>
{{- else if eq .Kind "conclusion"}}
  <h2>Conclusion</h2>
  <div class="nk-text">{{na $doc.Form.Conclusion}}</div>
  <h2 style="margin-top:8mm">Recommendations</h2>
  <div class="nk-text">{{na $doc.Form.Recommendations}}</div>
  <div class="nk-signature" style="margin-top:14mm">
    {{- if $doc.Signature}}<img src="{{sigsrc $doc.Signature}}" alt="Signature">{{end}}
    <div>{{na $doc.Form.InspectorName}}</div>
    <div>{{na $doc.Form.InspectorLicense}}</div>
    <div>{{$doc.FormatDate}}</div>
  </div>
{{- end}}
  <div class="nk-footer"><span>{{$doc.DisplayTitle}}</span><span>Page {{.Number}} of {{$total}}</span></div>
</div>
{{- end}}
</body>
</html>
`))

// BuildHTML renders the print layout. Remote image URLs are left in place;
// run Resolver.InlineImages before printing.
func BuildHTML(doc *Document, perPage int) (string, *Layout, error) {
	layout := Plan(doc, perPage)
	var buf bytes.Buffer
	err := docTemplate.Execute(&buf, struct {
		Doc    *Document
		Layout *Layout
		Total  int
	}{doc, layout, len(layout.Pages)})
	if err != nil {
		return "", nil, fmt.Errorf("failed to render report html: %w", err)
	}
	return buf.String(), layout, nil
}
