package cas

import (
	"bytes"
	"strings"

	"golang.org/x/net/html"
)

// findAnchor returns the href of the first <a> whose href contains marker.
func findAnchor(body []byte, marker string) (string, bool) {
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return "", false
	}
	var href string
	walk(doc, func(n *html.Node) bool {
		if n.Type != html.ElementNode || n.Data != "a" {
			return false
		}
		if v, ok := attr(n, "href"); ok && strings.Contains(v, marker) {
			href = v
			return true
		}
		return false
	})
	return href, href != ""
}

// findInputValue returns the value of the first <input name=name>.
func findInputValue(body []byte, name string) (string, bool) {
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return "", false
	}
	var (
		value string
		found bool
	)
	walk(doc, func(n *html.Node) bool {
		if n.Type != html.ElementNode || n.Data != "input" {
			return false
		}
		if v, ok := attr(n, "name"); !ok || v != name {
			return false
		}
		value, _ = attr(n, "value")
		found = true
		return true
	})
	return value, found && value != ""
}

// walk visits nodes depth-first until visit returns true.
func walk(n *html.Node, visit func(*html.Node) bool) bool {
	if visit(n) {
		return true
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if walk(c, visit) {
			return true
		}
	}
	return false
}

func attr(n *html.Node, key string) (string, bool) {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val, true
		}
	}
	return "", false
}
