package fetch

import (
	"bytes"
	"fmt"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// TocClass marks headings that belong to the table of contents.
const TocClass = "kindle-cn-toc-level"

// NormalizeText extracts the plain text of a chapter: the title, then every
// table-of-contents heading, every paragraph and every list item, one per line,
// followed by a blank line.
//
// Markup without an <html> or <body> element is rejected with ErrFatal.
func NormalizeText(markup []byte) (string, error) {
	if !hasMarker(markup) {
		return "", fmt.Errorf("%w: no <html> or <body> element", ErrFatal)
	}
	doc, err := html.Parse(bytes.NewReader(markup))
	if err != nil {
		return "", fmt.Errorf("%w: parse markup: %v", ErrFatal, err)
	}

	var title string
	var toc, paras, items []*html.Node
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch {
			case n.DataAtom == atom.Title && title == "":
				title = textOf(n)
			case n.DataAtom == atom.P:
				paras = append(paras, n)
			case n.DataAtom == atom.Li:
				items = append(items, n)
			}
			if hasClass(n, TocClass) {
				toc = append(toc, n)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	var b strings.Builder
	b.WriteString(title)
	for _, group := range [][]*html.Node{toc, paras, items} {
		for _, n := range group {
			b.WriteByte('\n')
			b.WriteString(textOf(n))
		}
	}
	b.WriteString("\n\n")
	return b.String(), nil
}

func hasMarker(markup []byte) bool {
	lower := bytes.ToLower(markup)
	return bytes.Contains(lower, []byte("<html")) || bytes.Contains(lower, []byte("<body"))
}

func hasClass(n *html.Node, class string) bool {
	for _, a := range n.Attr {
		if a.Key != "class" {
			continue
		}
		for _, c := range strings.Fields(a.Val) {
			if c == class {
				return true
			}
		}
	}
	return false
}

func textOf(n *html.Node) string {
	var b strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return b.String()
}
