package extract

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"code.sajari.com/docconv"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

var errEmptyHTML = errors.New("html produced no text")

// Elements whose content is never document text.
var junkAtoms = map[atom.Atom]bool{
	atom.Script:   true,
	atom.Style:    true,
	atom.Noscript: true,
	atom.Template: true,
	atom.Iframe:   true,
	atom.Svg:      true,
	atom.Head:     true,
}

var htmlBreaks = []string{
	"br", "p", "div", "li", "tr", "section", "article", "blockquote", "pre",
	"h1", "h2", "h3", "h4", "h5", "h6",
}

// extractHTML parses the markup with the html5 parser, drops non-content elements and
// attributes, and hands the re-rendered body to docconv's tokenizer.
func extractHTML(content []byte) (string, error) {
	doc, err := html.Parse(bytes.NewReader(content))
	if err != nil {
		return "", fmt.Errorf("parse html: %w", err)
	}
	body := findBody(doc)
	if body == nil {
		body = doc
	}
	strip(body)

	var buf bytes.Buffer
	if err := html.Render(&buf, body); err != nil {
		return "", fmt.Errorf("render html: %w", err)
	}
	text, err := docconv.XMLToText(&buf, htmlBreaks, nil, false)
	if err != nil {
		return "", fmt.Errorf("convert html: %w", err)
	}
	text = collapseLines(text)
	if text == "" && len(bytes.TrimSpace(content)) > 0 {
		return "", errEmptyHTML
	}
	return text, nil
}

func findBody(n *html.Node) *html.Node {
	if n.Type == html.ElementNode && n.DataAtom == atom.Body {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if b := findBody(c); b != nil {
			return b
		}
	}
	return nil
}

func strip(n *html.Node) {
	for c := n.FirstChild; c != nil; {
		next := c.NextSibling
		switch {
		case c.Type == html.CommentNode || c.Type == html.DoctypeNode:
			n.RemoveChild(c)
		case c.Type == html.ElementNode && junkAtoms[c.DataAtom]:
			n.RemoveChild(c)
		default:
			c.Attr = nil
			strip(c)
		}
		c = next
	}
}

func collapseLines(s string) string {
	lines := strings.Split(s, "\n")
	out := lines[:0]
	for _, l := range lines {
		if l = strings.Join(strings.Fields(l), " "); l != "" {
			out = append(out, l)
		}
	}
	return strings.Join(out, "\n")
}
