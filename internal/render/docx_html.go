package render

import (
	"fmt"
	"strings"
	"time"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"sitereport/internal/logging"
)

// htmlDocx walks print-layout HTML and mirrors it into a docxWriter.
type htmlDocx struct {
	w        *docxWriter
	runs     []run
	pages    int
	preserve int // depth inside pre-wrap text blocks
}

// HTMLToDOCX converts print-layout HTML into a .docx. Each .nk-page starts a
// new Word page; data URL images become media parts.
func HTMLToDOCX(doc, title string, now time.Time) ([]byte, error) {
	root, err := html.Parse(strings.NewReader(doc))
	if err != nil {
		return nil, fmt.Errorf("failed to parse html: %w", err)
	}
	c := &htmlDocx{w: newDocx(title, now)}
	c.walk(root, run{})
	c.flush()
	return c.w.Bytes()
}

func hasClass(n *html.Node, class string) bool {
	for _, a := range n.Attr {
		if a.Key == "class" {
			for _, c := range strings.Fields(a.Val) {
				if c == class {
					return true
				}
			}
		}
	}
	return false
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

// textContent flattens a subtree with whitespace collapsed.
func textContent(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
			b.WriteByte(' ')
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return strings.Join(strings.Fields(b.String()), " ")
}

func (c *htmlDocx) flush() {
	blank := true
	for _, r := range c.runs {
		if strings.TrimSpace(r.Text) != "" {
			blank = false
			break
		}
	}
	if !blank {
		runs := c.runs
		runs[0].Text = strings.TrimLeft(runs[0].Text, " ")
		runs[len(runs)-1].Text = strings.TrimRight(runs[len(runs)-1].Text, " ")
		c.w.Paragraph("", runs...)
	}
	c.runs = nil
}

func (c *htmlDocx) children(n *html.Node, style run) {
	for ch := n.FirstChild; ch != nil; ch = ch.NextSibling {
		c.walk(ch, style)
	}
}

func (c *htmlDocx) walk(n *html.Node, style run) {
	switch n.Type {
	case html.DocumentNode:
		c.children(n, style)
		return
	case html.TextNode:
		text := n.Data
		if c.preserve == 0 {
			text = strings.Join(strings.Fields(text), " ")
			if text == "" {
				return
			}
			if len(c.runs) > 0 {
				text = " " + text
			}
		}
		r := style
		r.Text = text
		c.runs = append(c.runs, r)
		return
	case html.ElementNode:
	default:
		return
	}

	switch n.DataAtom {
	case atom.Head, atom.Style, atom.Script, atom.Title:
		return
	case atom.H1:
		c.flush()
		c.w.Paragraph("Title", run{Text: textContent(n)})
		return
	case atom.H2, atom.H3:
		c.flush()
		level := 1
		if n.DataAtom == atom.H3 {
			level = 2
		}
		c.w.Heading(level, textContent(n))
		return
	case atom.Table:
		c.flush()
		c.table(n)
		return
	case atom.Img:
		c.flush()
		if err := c.w.Image(attr(n, "src")); err != nil {
			logging.ExportDebug("Skipping image in docx: %v", err)
			c.w.Paragraph("Caption", run{Text: "[" + NA(attr(n, "alt")) + ": image unavailable]"})
		}
		return
	case atom.Br:
		c.runs = append(c.runs, run{Text: "\n"})
		return
	case atom.Strong, atom.B:
		style.Bold = true
		c.children(n, style)
		return
	case atom.Em, atom.I:
		style.Italic = true
		c.children(n, style)
		return
	case atom.Span:
		if n.PrevSibling != nil && n.PrevSibling.Type == html.ElementNode && n.PrevSibling.DataAtom == atom.Span {
			c.runs = append(c.runs, run{Text: "\t"})
		}
		if hasClass(n, "nk-flag") {
			style.Color = "B91C1C"
			style.Bold = true
		}
		c.children(n, style)
		return
	}

	if n.DataAtom == atom.Div && hasClass(n, "nk-footer") {
		return
	}
	if n.DataAtom == atom.Div && hasClass(n, "nk-page") {
		c.flush()
		if c.pages > 0 {
			c.w.PageBreak()
		}
		c.pages++
		c.children(n, style)
		c.flush()
		return
	}

	// block-level elements
	c.flush()
	if hasClass(n, "nk-text") {
		c.preserve++
		c.children(n, style)
		c.preserve--
	} else {
		c.children(n, style)
	}
	c.flush()
}

func (c *htmlDocx) table(n *html.Node) {
	var rows [][]string
	header := false
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.DataAtom == atom.Tr {
			var row []string
			for cell := n.FirstChild; cell != nil; cell = cell.NextSibling {
				if cell.Type != html.ElementNode {
					continue
				}
				if cell.DataAtom == atom.Th || cell.DataAtom == atom.Td {
					if cell.DataAtom == atom.Th && len(rows) == 0 {
						header = true
					}
					row = append(row, textContent(cell))
				}
			}
			rows = append(rows, row)
			return
		}
		for ch := n.FirstChild; ch != nil; ch = ch.NextSibling {
			walk(ch)
		}
	}
	walk(n)
	// key/value tables have th cells in every row, only a thead is a header
	if header && len(rows) > 1 && n.FirstChild != nil {
		header = findChild(n, atom.Thead) != nil
	}
	c.w.Table(rows, header)
}

func findChild(n *html.Node, a atom.Atom) *html.Node {
	for ch := n.FirstChild; ch != nil; ch = ch.NextSibling {
		if ch.Type == html.ElementNode && ch.DataAtom == a {
			return ch
		}
	}
	return nil
}
