package render

import (
	"archive/zip"
	"bytes"
	"encoding/base64"
	"encoding/xml"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"net/url"
	"strings"
	"time"
)

const (
	emuPerPixel = 9525       // at 96 dpi
	maxImageEMU = 6 * 914400 // 6in text width
	docxMIME    = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	nsW         = "http://schemas.openxmlformats.org/wordprocessingml/2006/main"
	nsR         = "http://schemas.openxmlformats.org/officeDocument/2006/relationships"
	nsWP        = "http://schemas.openxmlformats.org/drawingml/2006/wordprocessingDrawing"
	relImage    = "http://schemas.openxmlformats.org/officeDocument/2006/relationships/image"
	relStyles   = "http://schemas.openxmlformats.org/officeDocument/2006/relationships/styles"
	relDocument = "http://schemas.openxmlformats.org/officeDocument/2006/relationships/officeDocument"
	relCore     = "http://schemas.openxmlformats.org/package/2006/relationships/metadata/core-properties"
)

// ErrBadDataURL means an image source is not a base64 data URL.
var ErrBadDataURL = errors.New("not a base64 data URL")

type run struct {
	Text   string
	Bold   bool
	Italic bool
	Color  string // hex without '#'
}

type media struct {
	name  string
	relID string
	data  []byte
}

// docxWriter accumulates WordprocessingML body XML and media parts.
type docxWriter struct {
	body   bytes.Buffer
	media  []media
	title  string
	now    time.Time
	drawID int
}

func newDocx(title string, now time.Time) *docxWriter {
	return &docxWriter{title: title, now: now}
}

func escape(s string) string {
	var b strings.Builder
	_ = xml.EscapeText(&b, []byte(s))
	return b.String()
}

func (w *docxWriter) writeRuns(runs []run) {
	for _, r := range runs {
		w.body.WriteString("<w:r>")
		if r.Bold || r.Italic || r.Color != "" {
			w.body.WriteString("<w:rPr>")
			if r.Bold {
				w.body.WriteString("<w:b/>")
			}
			if r.Italic {
				w.body.WriteString("<w:i/>")
			}
			if r.Color != "" {
				fmt.Fprintf(&w.body, `<w:color w:val="%s"/>`, r.Color)
			}
			w.body.WriteString("</w:rPr>")
		}
		for i, line := range strings.Split(r.Text, "\n") {
			if i > 0 {
				w.body.WriteString("<w:br/>")
			}
			for j, seg := range strings.Split(line, "\t") {
				if j > 0 {
					w.body.WriteString("<w:tab/>")
				}
				if seg != "" {
					fmt.Fprintf(&w.body, `<w:t xml:space="preserve">%s</w:t>`, escape(seg))
				}
			}
		}
		w.body.WriteString("</w:r>")
	}
}

// Paragraph writes runs as one paragraph, optionally with a named style.
func (w *docxWriter) Paragraph(style string, runs ...run) {
	w.body.WriteString("<w:p>")
	if style != "" {
		fmt.Fprintf(&w.body, `<w:pPr><w:pStyle w:val="%s"/></w:pPr>`, style)
	}
	w.writeRuns(runs)
	w.body.WriteString("</w:p>")
}

// Text writes plain text, substituting N/A for blanks.
func (w *docxWriter) Text(s string) {
	w.Paragraph("", run{Text: NA(s)})
}

// Heading writes a Heading1..Heading3 paragraph.
func (w *docxWriter) Heading(level int, text string) {
	if level < 1 {
		level = 1
	}
	if level > 3 {
		level = 3
	}
	w.Paragraph(fmt.Sprintf("Heading%d", level), run{Text: text})
}

// PageBreak starts a new page.
func (w *docxWriter) PageBreak() {
	w.body.WriteString(`<w:p><w:r><w:br w:type="page"/></w:r></w:p>`)
}

// Table writes a bordered table. The first row is bold when header is set.
func (w *docxWriter) Table(rows [][]string, header bool) {
	if len(rows) == 0 {
		return
	}
	cols := 0
	for _, r := range rows {
		if len(r) > cols {
			cols = len(r)
		}
	}
	w.body.WriteString(`<w:tbl><w:tblPr><w:tblStyle w:val="TableGrid"/><w:tblW w:w="5000" w:type="pct"/>`)
	w.body.WriteString(`<w:tblBorders>`)
	for _, side := range []string{"top", "left", "bottom", "right", "insideH", "insideV"} {
		fmt.Fprintf(&w.body, `<w:%s w:val="single" w:sz="4" w:space="0" w:color="CBD5E1"/>`, side)
	}
	w.body.WriteString(`</w:tblBorders></w:tblPr><w:tblGrid>`)
	for i := 0; i < cols; i++ {
		w.body.WriteString(`<w:gridCol/>`)
	}
	w.body.WriteString(`</w:tblGrid>`)
	for i, r := range rows {
		w.body.WriteString("<w:tr>")
		for c := 0; c < cols; c++ {
			cell := ""
			if c < len(r) {
				cell = r[c]
			}
			w.body.WriteString("<w:tc><w:tcPr>")
			if header && i == 0 {
				w.body.WriteString(`<w:shd w:val="clear" w:color="auto" w:fill="EEF2F7"/>`)
			}
			w.body.WriteString("</w:tcPr><w:p>")
			w.writeRuns([]run{{Text: cell, Bold: header && i == 0}})
			w.body.WriteString("</w:p></w:tc>")
		}
		w.body.WriteString("</w:tr>")
	}
	w.body.WriteString("</w:tbl>")
	w.body.WriteString("<w:p/>")
}

// Image embeds a data URL as an inline picture scaled to the text width.
// SVG and undecodable images are reported as errors so callers can
// substitute text.
func (w *docxWriter) Image(dataURL string) error {
	data, ctype, err := parseDataURL(dataURL)
	if err != nil {
		return err
	}
	ext := ""
	switch ctype {
	case "image/jpeg":
		ext = "jpeg"
	case "image/png":
		ext = "png"
	case "image/gif":
		ext = "gif"
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("decode %s: %w", ctype, err)
	}
	if ext == "" {
		img, _, err := image.Decode(bytes.NewReader(data))
		if err != nil {
			return fmt.Errorf("decode %s: %w", ctype, err)
		}
		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 85}); err != nil {
			return err
		}
		data, ext = buf.Bytes(), "jpeg"
	}

	cx := int64(cfg.Width) * emuPerPixel
	cy := int64(cfg.Height) * emuPerPixel
	if cx > maxImageEMU {
		cy = cy * maxImageEMU / cx
		cx = maxImageEMU
	}
	if cx <= 0 || cy <= 0 {
		return fmt.Errorf("image has no size")
	}

	w.drawID++
	m := media{
		name:  fmt.Sprintf("image%d.%s", w.drawID, ext),
		relID: fmt.Sprintf("rIdImg%d", w.drawID),
		data:  data,
	}
	w.media = append(w.media, m)

	fmt.Fprintf(&w.body, `<w:p><w:pPr><w:jc w:val="center"/></w:pPr><w:r><w:drawing>`+
		`<wp:inline distT="0" distB="0" distL="0" distR="0"><wp:extent cx="%d" cy="%d"/>`+
		`<wp:docPr id="%d" name="Picture %d"/>`+
		`<a:graphic xmlns:a="http://schemas.openxmlformats.org/drawingml/2006/main">`+
		`<a:graphicData uri="http://schemas.openxmlformats.org/drawingml/2006/picture">`+
		`<pic:pic xmlns:pic="http://schemas.openxmlformats.org/drawingml/2006/picture">`+
		`<pic:nvPicPr><pic:cNvPr id="%d" name="%s"/><pic:cNvPicPr/></pic:nvPicPr>`+
		`<pic:blipFill><a:blip r:embed="%s"/><a:stretch><a:fillRect/></a:stretch></pic:blipFill>`+
		`<pic:spPr><a:xfrm><a:off x="0" y="0"/><a:ext cx="%d" cy="%d"/></a:xfrm>`+
		`<a:prstGeom prst="rect"><a:avLst/></a:prstGeom></pic:spPr></pic:pic>`+
		`</a:graphicData></a:graphic></wp:inline></w:drawing></w:r></w:p>`,
		cx, cy, w.drawID, w.drawID, w.drawID, m.name, m.relID, cx, cy)
	return nil
}

// parseDataURL decodes "data:<type>;base64,<payload>".
func parseDataURL(s string) ([]byte, string, error) {
	rest, ok := strings.CutPrefix(s, "data:")
	if !ok {
		return nil, "", ErrBadDataURL
	}
	meta, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return nil, "", ErrBadDataURL
	}
	ctype, isB64 := strings.CutSuffix(meta, ";base64")
	if !isB64 {
		decoded, err := url.PathUnescape(payload)
		if err != nil {
			return nil, "", ErrBadDataURL
		}
		return []byte(decoded), ctype, nil
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrBadDataURL, err)
	}
	return data, ctype, nil
}

type xmlTypes struct {
	XMLName   xml.Name      `xml:"http://schemas.openxmlformats.org/package/2006/content-types Types"`
	Defaults  []xmlDefault  `xml:"Default"`
	Overrides []xmlOverride `xml:"Override"`
}

type xmlDefault struct {
	Extension   string `xml:"Extension,attr"`
	ContentType string `xml:"ContentType,attr"`
}

type xmlOverride struct {
	PartName    string `xml:"PartName,attr"`
	ContentType string `xml:"ContentType,attr"`
}

type xmlRelationships struct {
	XMLName xml.Name          `xml:"http://schemas.openxmlformats.org/package/2006/relationships Relationships"`
	Rels    []xmlRelationship `xml:"Relationship"`
}

type xmlRelationship struct {
	ID     string `xml:"Id,attr"`
	Type   string `xml:"Type,attr"`
	Target string `xml:"Target,attr"`
}

func marshalPart(v interface{}) ([]byte, error) {
	out, err := xml.Marshal(v)
	if err != nil {
		return nil, err
	}
	return append([]byte(xml.Header), out...), nil
}

const stylesXML = xml.Header + `<w:styles xmlns:w="` + nsW + `">
<w:docDefaults><w:rPrDefault><w:rPr><w:rFonts w:ascii="Arial" w:hAnsi="Arial" w:cs="Arial"/><w:sz w:val="21"/></w:rPr></w:rPrDefault>
<w:pPrDefault><w:pPr><w:spacing w:after="120" w:line="276" w:lineRule="auto"/></w:pPr></w:pPrDefault></w:docDefaults>
<w:style w:type="paragraph" w:default="1" w:styleId="Normal"><w:name w:val="Normal"/></w:style>
<w:style w:type="paragraph" w:styleId="Title"><w:name w:val="Title"/><w:basedOn w:val="Normal"/><w:pPr><w:spacing w:before="2400" w:after="240"/></w:pPr><w:rPr><w:b/><w:sz w:val="52"/></w:rPr></w:style>
<w:style w:type="paragraph" w:styleId="Heading1"><w:name w:val="heading 1"/><w:basedOn w:val="Normal"/><w:pPr><w:keepNext/><w:spacing w:before="240" w:after="120"/><w:outlineLvl w:val="0"/></w:pPr><w:rPr><w:b/><w:color w:val="0F4C81"/><w:sz w:val="36"/></w:rPr></w:style>
<w:style w:type="paragraph" w:styleId="Heading2"><w:name w:val="heading 2"/><w:basedOn w:val="Normal"/><w:pPr><w:keepNext/><w:spacing w:before="200" w:after="100"/><w:outlineLvl w:val="1"/></w:pPr><w:rPr><w:b/><w:color w:val="0F4C81"/><w:sz w:val="30"/></w:rPr></w:style>
<w:style w:type="paragraph" w:styleId="Heading3"><w:name w:val="heading 3"/><w:basedOn w:val="Normal"/><w:pPr><w:keepNext/><w:outlineLvl w:val="2"/></w:pPr><w:rPr><w:b/><w:sz w:val="24"/></w:rPr></w:style>
<w:style w:type="paragraph" w:styleId="Caption"><w:name w:val="caption"/><w:basedOn w:val="Normal"/><w:pPr><w:jc w:val="center"/></w:pPr><w:rPr><w:i/><w:sz w:val="18"/></w:rPr></w:style>
<w:style w:type="table" w:styleId="TableGrid"><w:name w:val="Table Grid"/><w:tblPr><w:tblCellMar><w:left w:w="108" w:type="dxa"/><w:right w:w="108" w:type="dxa"/></w:tblCellMar></w:tblPr></w:style>
</w:styles>`

// Bytes packages the document as a .docx zip.
func (w *docxWriter) Bytes() ([]byte, error) {
	types := xmlTypes{
		Defaults: []xmlDefault{
			{Extension: "rels", ContentType: "application/vnd.openxmlformats-package.relationships+xml"},
			{Extension: "xml", ContentType: "application/xml"},
			{Extension: "jpeg", ContentType: "image/jpeg"},
			{Extension: "png", ContentType: "image/png"},
			{Extension: "gif", ContentType: "image/gif"},
		},
		Overrides: []xmlOverride{
			{PartName: "/word/document.xml", ContentType: "application/vnd.openxmlformats-officedocument.wordprocessingml.document.main+xml"},
			{PartName: "/word/styles.xml", ContentType: "application/vnd.openxmlformats-officedocument.wordprocessingml.styles+xml"},
			{PartName: "/docProps/core.xml", ContentType: "application/vnd.openxmlformats-package.core-properties+xml"},
		},
	}
	rootRels := xmlRelationships{Rels: []xmlRelationship{
		{ID: "rId1", Type: relDocument, Target: "word/document.xml"},
		{ID: "rId2", Type: relCore, Target: "docProps/core.xml"},
	}}
	docRels := xmlRelationships{Rels: []xmlRelationship{{ID: "rIdStyles", Type: relStyles, Target: "styles.xml"}}}
	for _, m := range w.media {
		docRels.Rels = append(docRels.Rels, xmlRelationship{ID: m.relID, Type: relImage, Target: "media/" + m.name})
	}

	var doc bytes.Buffer
	doc.WriteString(xml.Header)
	fmt.Fprintf(&doc, `<w:document xmlns:w="%s" xmlns:r="%s" xmlns:wp="%s"><w:body>`, nsW, nsR, nsWP)
	doc.Write(w.body.Bytes())
	doc.WriteString(`<w:sectPr><w:pgSz w:w="11906" w:h="16838"/>` +
		`<w:pgMar w:top="1134" w:right="1134" w:bottom="1134" w:left="1134" w:header="567" w:footer="567" w:gutter="0"/>` +
		`</w:sectPr></w:body></w:document>`)

	core := fmt.Sprintf(xml.Header+`<cp:coreProperties xmlns:cp="http://schemas.openxmlformats.org/package/2006/metadata/core-properties" `+
		`xmlns:dc="http://purl.org/dc/elements/1.1/" xmlns:dcterms="http://purl.org/dc/terms/" `+
		`xmlns:xsi="http://www.w3.org/2001/XMLSchema-instance"><dc:title>%s</dc:title><dc:creator>sitereport</dc:creator>`+
		`<dcterms:created xsi:type="dcterms:W3CDTF">%s</dcterms:created></cp:coreProperties>`,
		escape(w.title), w.now.UTC().Format(time.RFC3339))

	parts := []struct {
		name string
		v    interface{}
	}{
		{"[Content_Types].xml", types},
		{"_rels/.rels", rootRels},
		{"word/_rels/document.xml.rels", docRels},
		{"word/document.xml", doc.Bytes()},
		{"word/styles.xml", []byte(stylesXML)},
		{"docProps/core.xml", []byte(core)},
	}
	for _, m := range w.media {
		parts = append(parts, struct {
			name string
			v    interface{}
		}{"word/media/" + m.name, m.data})
	}

	var out bytes.Buffer
	zw := zip.NewWriter(&out)
	for _, p := range parts {
		data, ok := p.v.([]byte)
		if !ok {
			var err error
			if data, err = marshalPart(p.v); err != nil {
				return nil, fmt.Errorf("marshal %s: %w", p.name, err)
			}
		}
		f, err := zw.Create(p.name)
		if err != nil {
			return nil, err
		}
		if _, err := f.Write(data); err != nil {
			return nil, err
		}
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}
