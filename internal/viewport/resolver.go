// File: internal/viewport/resolver.go
package viewport

import (
	"strconv"
	"sync"

	"github.com/blazekit/blazekit/internal/domutil"
	"golang.org/x/net/html"
)

// DefaultBlockHeight is assumed for media elements carrying no size hints.
const DefaultBlockHeight = 400.0

// mediaTags are the element types that occupy flow height in the synthetic
// layout. Everything else is treated as zero-height glue.
var mediaTags = map[string]bool{
	"img":     true,
	"picture": true,
	"video":   true,
	"iframe":  true,
}

// StaticResolver serves rectangles from a fixed map. Tests and embedders with
// real layout data use it to pin element geometry explicitly.
type StaticResolver struct {
	mu    sync.RWMutex
	rects map[*html.Node]Rect
}

// NewStaticResolver creates an empty static resolver.
func NewStaticResolver() *StaticResolver {
	return &StaticResolver{rects: make(map[*html.Node]Rect)}
}

// Set pins an element's rectangle.
func (s *StaticResolver) Set(el *html.Node, r Rect) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rects[el] = r
}

// Rect implements GeometryResolver.
func (s *StaticResolver) Rect(el *html.Node) (Rect, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rects[el]
	return r, ok
}

// FlowResolver approximates document geometry with a single vertical flow:
// media elements are stacked top to bottom at full viewport width, each sized
// from its own hints (height attribute, data-ratio percentage, or
// data-dimensions breakpoints). A real layout engine is deliberately out of
// scope; the flow model is enough to order elements for viewport scanning.
type FlowResolver struct {
	mu    sync.Mutex
	width float64
	rects map[*html.Node]Rect
}

// NewFlowResolver lays out the subtree under root for the given viewport
// width and mobile-first mode.
func NewFlowResolver(root *html.Node, width, pixelRatio float64, mobileFirst bool) *FlowResolver {
	fr := &FlowResolver{
		width: width,
		rects: make(map[*html.Node]Rect),
	}
	fr.layout(root, pixelRatio, mobileFirst)
	return fr
}

// Rect implements GeometryResolver.
func (fr *FlowResolver) Rect(el *html.Node) (Rect, bool) {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	r, ok := fr.rects[el]
	return r, ok
}

// Relayout recomputes the flow for a new viewport width, keeping the same
// document. Used after resize events.
func (fr *FlowResolver) Relayout(root *html.Node, width, pixelRatio float64, mobileFirst bool) {
	fr.mu.Lock()
	fr.width = width
	fr.rects = make(map[*html.Node]Rect)
	fr.mu.Unlock()
	fr.layout(root, pixelRatio, mobileFirst)
}

func (fr *FlowResolver) layout(root *html.Node, pixelRatio float64, mobileFirst bool) {
	fr.mu.Lock()
	defer fr.mu.Unlock()

	y := 0.0
	var visit func(n *html.Node)
	visit = func(n *html.Node) {
		if n == nil {
			return
		}
		if n.Type == html.ElementNode && fr.occupiesFlow(n) {
			h := fr.heightFor(n, pixelRatio, mobileFirst)
			fr.rects[n] = Rect{X: 0, Y: y, Width: fr.width, Height: h}
			y += h
			// A media element's children (picture sources etc.) share its box.
			for child := n.FirstChild; child != nil; child = child.NextSibling {
				if child.Type == html.ElementNode {
					fr.rects[child] = fr.rects[n]
				}
			}
			return
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			visit(child)
		}
	}
	visit(root)
}

// occupiesFlow reports whether the element takes part in the vertical flow:
// media tags and anything carrying deferred-source markers.
func (fr *FlowResolver) occupiesFlow(n *html.Node) bool {
	if mediaTags[n.Data] {
		return true
	}
	return domutil.HasAttr(n, "data-src") || domutil.HasAttr(n, "data-backgrounds")
}

// heightFor derives the element's flow height from its size hints.
func (fr *FlowResolver) heightFor(n *html.Node, pixelRatio float64, mobileFirst bool) float64 {
	if raw := domutil.Attr(n, "height"); raw != "" {
		if h, err := strconv.ParseFloat(raw, 64); err == nil && h > 0 {
			return h
		}
	}
	if raw := domutil.Attr(n, "data-ratio"); raw != "" {
		if ratio, err := strconv.ParseFloat(raw, 64); err == nil && ratio > 0 {
			return fr.width * ratio / 100
		}
	}
	if ds := domutil.ParseDataset(n, "data-dimensions"); ds != nil {
		if entry, ok := ds.ActiveWidth(fr.width, pixelRatio, mobileFirst); ok && entry.Ratio > 0 {
			return fr.width * entry.Ratio / 100
		}
	}
	return DefaultBlockHeight
}
