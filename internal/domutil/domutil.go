// File: internal/domutil/domutil.go

// Package domutil provides the stateless DOM helpers the lazy-load pipeline is
// built on: a small CSS-selector matcher, attribute promotion, class toggling,
// shallow option merging, and JSON-safe parsing of data-* payloads.
package domutil

import (
	"strings"
	"sync"

	"golang.org/x/net/html"
)

// DataPrefix is the attribute prefix carrying deferred loading information.
const DataPrefix = "data-"

// Attr returns the value of the named attribute, or "" when absent.
func Attr(el *html.Node, name string) string {
	if el == nil {
		return ""
	}
	for _, a := range el.Attr {
		if a.Key == name {
			return a.Val
		}
	}
	return ""
}

// HasAttr reports whether the named attribute is present, even if empty.
func HasAttr(el *html.Node, name string) bool {
	if el == nil {
		return false
	}
	for _, a := range el.Attr {
		if a.Key == name {
			return true
		}
	}
	return false
}

// SetAttr sets the named attribute, replacing any existing value in place.
func SetAttr(el *html.Node, name, value string) {
	for i := range el.Attr {
		if el.Attr[i].Key == name {
			el.Attr[i].Val = value
			return
		}
	}
	el.Attr = append(el.Attr, html.Attribute{Key: name, Val: value})
}

// RemoveAttr removes the named attribute if present.
func RemoveAttr(el *html.Node, name string) {
	for i := range el.Attr {
		if el.Attr[i].Key == name {
			el.Attr = append(el.Attr[:i], el.Attr[i+1:]...)
			return
		}
	}
}

// PromoteAttr promotes a data-prefixed attribute to its real name, e.g.
// data-src becomes src. An existing target attribute is overwritten in place
// so that the promoted value always wins. When removeSource is true, the
// data-* attribute is stripped after promotion. Returns false when the element
// carries no source attribute.
func PromoteAttr(el *html.Node, name string, removeSource bool) bool {
	source := DataPrefix + name
	if !HasAttr(el, source) {
		return false
	}
	SetAttr(el, name, Attr(el, source))
	if removeSource {
		RemoveAttr(el, source)
	}
	return true
}

// PromoteAttrs promotes each named data-* attribute on the element.
func PromoteAttrs(el *html.Node, removeSource bool, names ...string) {
	for _, name := range names {
		PromoteAttr(el, name, removeSource)
	}
}

// PromoteWithSources promotes attributes on the element, or, when the element
// sits inside a <picture>, on every <source> child of that picture instead.
// This mirrors how browsers resolve picture sources: the controller <img> is
// not the element carrying the srcset.
func PromoteWithSources(el *html.Node, removeSource bool, names ...string) {
	parent := el.Parent
	if parent != nil && parent.Type == html.ElementNode && parent.Data == "picture" {
		for child := parent.FirstChild; child != nil; child = child.NextSibling {
			if child.Type == html.ElementNode && child.Data == "source" {
				PromoteAttrs(child, removeSource, names...)
			}
		}
		return
	}
	PromoteAttrs(el, removeSource, names...)
}

// HasClass reports whether the element's class attribute contains the class.
func HasClass(el *html.Node, class string) bool {
	for _, c := range strings.Fields(Attr(el, "class")) {
		if c == class {
			return true
		}
	}
	return false
}

// AddClass appends the class unless already present.
func AddClass(el *html.Node, class string) {
	if class == "" || HasClass(el, class) {
		return
	}
	existing := Attr(el, "class")
	if existing == "" {
		SetAttr(el, "class", class)
		return
	}
	SetAttr(el, "class", existing+" "+class)
}

// RemoveClass removes the class, preserving the order of the remainder.
func RemoveClass(el *html.Node, class string) {
	fields := strings.Fields(Attr(el, "class"))
	kept := fields[:0]
	for _, c := range fields {
		if c != class {
			kept = append(kept, c)
		}
	}
	SetAttr(el, "class", strings.Join(kept, " "))
}

// Extend shallow-merges the given maps into dst; later maps override earlier
// ones. Only the callers' own entries are copied. Returns dst.
func Extend(dst map[string]interface{}, maps ...map[string]interface{}) map[string]interface{} {
	if dst == nil {
		dst = make(map[string]interface{})
	}
	for _, m := range maps {
		for k, v := range m {
			dst[k] = v
		}
	}
	return dst
}

// Once wraps fn so only the first invocation executes; the result is memoized
// and returned to every subsequent caller without re-running side effects.
func Once(fn func() interface{}) func() interface{} {
	var (
		once   sync.Once
		result interface{}
	)
	return func() interface{} {
		once.Do(func() {
			result = fn()
		})
		return result
	}
}

// Matches reports whether the element matches the CSS selector group. The
// supported subset covers what lazy-load markup needs: tag, #id, .class,
// [attr] and [attr=val] simple selectors, compounds thereof, and comma lists.
func Matches(el *html.Node, selector string) bool {
	if el == nil || el.Type != html.ElementNode {
		return false
	}
	for _, alt := range strings.Split(selector, ",") {
		if compoundMatches(el, strings.TrimSpace(alt)) {
			return true
		}
	}
	return false
}

// Closest walks from the element up through its ancestors, stopping at the
// document root, and returns the first node matching the selector. Returns nil
// (the no-match sentinel) when nothing matches; it never errors.
func Closest(el *html.Node, selector string) *html.Node {
	for n := el; n != nil && n.Type != html.DocumentNode; n = n.Parent {
		if Matches(n, selector) {
			return n
		}
	}
	return nil
}

// Query returns the first element under root (inclusive) matching the
// selector, in depth-first document order, or nil.
func Query(root *html.Node, selector string) *html.Node {
	var found *html.Node
	walk(root, func(n *html.Node) bool {
		if Matches(n, selector) {
			found = n
			return false
		}
		return true
	})
	return found
}

// QueryAll returns every element under root (inclusive) matching the selector,
// in depth-first document order.
func QueryAll(root *html.Node, selector string) []*html.Node {
	var out []*html.Node
	walk(root, func(n *html.Node) bool {
		if Matches(n, selector) {
			out = append(out, n)
		}
		return true
	})
	return out
}

// walk visits root and its descendants depth-first; the visitor returns false
// to stop the traversal early.
func walk(n *html.Node, visit func(*html.Node) bool) bool {
	if n == nil {
		return true
	}
	if n.Type == html.ElementNode {
		if !visit(n) {
			return false
		}
	}
	for child := n.FirstChild; child != nil; child = child.NextSibling {
		if !walk(child, visit) {
			return false
		}
	}
	return true
}

// compoundMatches checks a single compound selector such as img.b-lazy[data-src].
func compoundMatches(el *html.Node, compound string) bool {
	if compound == "" {
		return false
	}
	for _, simple := range splitCompound(compound) {
		if !simpleMatches(el, simple) {
			return false
		}
	}
	return true
}

// splitCompound breaks "img.b-lazy[data-src]" into its simple selector parts.
func splitCompound(compound string) []string {
	var parts []string
	var current strings.Builder
	inBracket := false
	for _, r := range compound {
		switch {
		case r == '[':
			inBracket = true
			if current.Len() > 0 {
				parts = append(parts, current.String())
				current.Reset()
			}
			current.WriteRune(r)
		case r == ']':
			inBracket = false
			current.WriteRune(r)
			parts = append(parts, current.String())
			current.Reset()
		case (r == '.' || r == '#') && !inBracket:
			if current.Len() > 0 {
				parts = append(parts, current.String())
				current.Reset()
			}
			current.WriteRune(r)
		default:
			current.WriteRune(r)
		}
	}
	if current.Len() > 0 {
		parts = append(parts, current.String())
	}
	return parts
}

// simpleMatches checks one simple selector against the element.
func simpleMatches(el *html.Node, simple string) bool {
	switch {
	case simple == "*":
		return true
	case strings.HasPrefix(simple, "."):
		return HasClass(el, simple[1:])
	case strings.HasPrefix(simple, "#"):
		return Attr(el, "id") == simple[1:]
	case strings.HasPrefix(simple, "[") && strings.HasSuffix(simple, "]"):
		body := simple[1 : len(simple)-1]
		if eq := strings.IndexByte(body, '='); eq >= 0 {
			name := body[:eq]
			val := strings.Trim(body[eq+1:], `"'`)
			return HasAttr(el, name) && Attr(el, name) == val
		}
		return HasAttr(el, body)
	default:
		return strings.EqualFold(el.Data, simple)
	}
}
