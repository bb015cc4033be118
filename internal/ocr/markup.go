package ocr

import (
	"regexp"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

var htmlTag = regexp.MustCompile(`(?i)</?(table|thead|tbody|tr|td|th|br|p|div|span|sup|sub|b|i|u|em|strong|li|ul|ol|h[1-6])\b[^>]*>`)

// stripMarkup reduces inline HTML in recognized markdown to plain lines.
// Table rows become one line with cells separated by " | ". Text without
// HTML tags is returned unchanged.
func stripMarkup(text string) string {
	if !htmlTag.MatchString(text) {
		return text
	}
	ctx := &html.Node{Type: html.ElementNode, Data: "div", DataAtom: atom.Div}
	nodes, err := html.ParseFragment(strings.NewReader(text), ctx)
	if err != nil {
		return text
	}

	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.TextNode:
			if !inTableStructure(n) {
				sb.WriteString(n.Data)
			}
			return
		case html.ElementNode:
			switch n.DataAtom {
			case atom.Script, atom.Style:
				return
			case atom.Br:
				sb.WriteByte('\n')
				return
			case atom.Td, atom.Th:
				if hasElementBefore(n) {
					sb.WriteString(" | ")
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
		if n.Type == html.ElementNode && isBlock(n.DataAtom) {
			sb.WriteByte('\n')
		}
	}
	for _, n := range nodes {
		walk(n)
	}
	return sb.String()
}

func isBlock(a atom.Atom) bool {
	switch a {
	case atom.P, atom.Div, atom.Tr, atom.Li, atom.Table,
		atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6:
		return true
	}
	return false
}

func hasElementBefore(n *html.Node) bool {
	for p := n.PrevSibling; p != nil; p = p.PrevSibling {
		if p.Type == html.ElementNode {
			return true
		}
	}
	return false
}

// inTableStructure reports whether n sits directly in a table, row or row
// group, where only formatting whitespace can appear.
func inTableStructure(n *html.Node) bool {
	if n.Parent == nil {
		return false
	}
	switch n.Parent.DataAtom {
	case atom.Table, atom.Thead, atom.Tbody, atom.Tfoot, atom.Tr:
		return true
	}
	return false
}
