package render

import (
	"context"
	"fmt"
	"strconv"

	"sitereport/internal/logging"
	"sitereport/internal/types"
)

// ImageSource turns a photo URL into an embeddable data URL.
type ImageSource interface {
	Resolve(ctx context.Context, src string) (string, bool)
}

// DirectDOCX builds an editable .docx straight from the form data. Photos
// are fetched through images; a nil source embeds captions only.
func DirectDOCX(ctx context.Context, doc *Document, images ImageSource) ([]byte, error) {
	timer := logging.StartTimer(logging.CategoryExport, "DirectDOCX")
	defer timer.Stop()

	w := newDocx(doc.DisplayTitle(), doc.GeneratedAt)

	w.Paragraph("", run{Text: NA(doc.CompanyName), Bold: true, Color: "0F4C81"})
	w.Paragraph("Title", run{Text: doc.DisplayTitle()})
	w.Paragraph("", run{Text: "Site Inspection Report"})
	var cover [][]string
	for _, f := range doc.CoverFields() {
		cover = append(cover, []string{f.Label, f.Value})
	}
	w.Table(cover, false)
	w.PageBreak()

	w.Heading(1, "Disclaimer")
	w.Text(Disclaimer)
	w.Paragraph("", run{Text: "Purpose of inspection: ", Bold: true}, run{Text: NA(doc.Form.Purpose)})
	w.PageBreak()

	w.Heading(1, "Field Summary")
	if len(doc.Form.SummaryRows) == 0 {
		w.Text("")
	} else {
		rows := [][]string{{"#", "Item", "Status", "Notes"}}
		for i, r := range doc.Form.SummaryRows {
			rows = append(rows, []string{strconv.Itoa(i + 1), NA(r.Item), r.Status.Label(), NA(r.Notes)})
		}
		w.Table(rows, true)
	}

	w.Heading(1, "Background")
	w.Text(doc.Form.Background)
	w.Heading(1, "Field Observation")
	w.Text(doc.Form.FieldObservation)
	w.Heading(2, "Equipment Used")
	w.Text(doc.Form.EquipmentUsed)

	figure := 1
	for _, section := range types.Sections {
		photos := doc.Photos[section]
		if len(photos) == 0 {
			continue
		}
		w.PageBreak()
		w.Heading(1, section.Title())
		for _, p := range photos {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			embedded := false
			if images != nil {
				if src, ok := images.Resolve(ctx, p.URL); ok {
					if err := w.Image(src); err != nil {
						logging.ExportDebug("Photo %s not embeddable: %v", p.ID, err)
					} else {
						embedded = true
					}
				}
			}
			caption := []run{{Text: fmt.Sprintf("Figure %d. ", figure), Bold: true}, {Text: NA(p.Caption)}}
			if !embedded {
				caption = append(caption, run{Text: " (image unavailable)", Italic: true})
			}
			if p.Flagged {
				caption = append(caption, run{Text: " [Flagged]", Bold: true, Color: "B91C1C"})
			}
			w.Paragraph("Caption", caption...)
			figure++
		}
	}

	w.PageBreak()
	w.Heading(1, "Conclusion")
	w.Text(doc.Form.Conclusion)
	w.Heading(1, "Recommendations")
	w.Text(doc.Form.Recommendations)

	if doc.Signature != "" {
		sig := doc.Signature
		ok := true
		if images != nil {
			sig, ok = images.Resolve(ctx, sig)
		}
		if ok {
			if err := w.Image(sig); err != nil {
				logging.ExportDebug("Signature not embeddable: %v", err)
			}
		}
	}
	w.Paragraph("", run{Text: NA(doc.Form.InspectorName), Bold: true})
	w.Paragraph("", run{Text: NA(doc.Form.InspectorLicense)})
	w.Paragraph("", run{Text: doc.FormatDate()})

	return w.Bytes()
}
