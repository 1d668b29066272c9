// File: internal/viewport/viewport.go

// Package viewport models the geometry half of lazy loading: rectangles, a
// synthetic viewport, root-margin expansion, and the intersection watcher that
// stands in for the browser's IntersectionObserver primitive.
package viewport

import (
	"fmt"
	"strconv"
	"strings"
)

// Rect is an axis-aligned rectangle in document coordinates.
type Rect struct {
	X, Y, Width, Height float64
}

// Right returns the right edge.
func (r Rect) Right() float64 { return r.X + r.Width }

// Bottom returns the bottom edge.
func (r Rect) Bottom() float64 { return r.Y + r.Height }

// Area returns the rectangle's area; degenerate rects have zero area.
func (r Rect) Area() float64 {
	if r.Width <= 0 || r.Height <= 0 {
		return 0
	}
	return r.Width * r.Height
}

// Intersect returns the overlapping region of two rectangles. A zero-area
// Rect means no overlap.
func Intersect(a, b Rect) Rect {
	x1 := max(a.X, b.X)
	y1 := max(a.Y, b.Y)
	x2 := min(a.Right(), b.Right())
	y2 := min(a.Bottom(), b.Bottom())
	if x2 <= x1 || y2 <= y1 {
		return Rect{}
	}
	return Rect{X: x1, Y: y1, Width: x2 - x1, Height: y2 - y1}
}

// Margin is a rootMargin-style edge set in CSS pixels. Positive values grow
// the viewport (load earlier), negative values shrink it.
type Margin struct {
	Top, Right, Bottom, Left float64
}

// Expand grows the rectangle by the margin on each side.
func (m Margin) Expand(r Rect) Rect {
	return Rect{
		X:      r.X - m.Left,
		Y:      r.Y - m.Top,
		Width:  r.Width + m.Left + m.Right,
		Height: r.Height + m.Top + m.Bottom,
	}
}

// ParseMargin parses a CSS-style rootMargin string such as "0px",
// "100px 0px", or "10px 20px 30px 40px". Only px units are supported; an
// empty string is a zero margin.
func ParseMargin(s string) (Margin, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Margin{}, nil
	}

	fields := strings.Fields(s)
	values := make([]float64, 0, 4)
	for _, f := range fields {
		f = strings.TrimSuffix(f, "px")
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return Margin{}, fmt.Errorf("invalid root margin component %q: %w", f, err)
		}
		values = append(values, v)
	}

	switch len(values) {
	case 1:
		return Margin{Top: values[0], Right: values[0], Bottom: values[0], Left: values[0]}, nil
	case 2:
		return Margin{Top: values[0], Right: values[1], Bottom: values[0], Left: values[1]}, nil
	case 3:
		return Margin{Top: values[0], Right: values[1], Bottom: values[2], Left: values[1]}, nil
	case 4:
		return Margin{Top: values[0], Right: values[1], Bottom: values[2], Left: values[3]}, nil
	default:
		return Margin{}, fmt.Errorf("root margin accepts 1-4 components, got %d", len(values))
	}
}

// View is the synthetic viewport state the watcher evaluates against.
type View struct {
	// Width and Height are the visible dimensions.
	Width, Height float64
	// ScrollTop is the vertical scroll offset in document coordinates.
	ScrollTop float64
	// PixelRatio is the device pixel ratio used by breakpoint selection.
	PixelRatio float64
}

// Rect returns the viewport's rectangle in document coordinates.
func (v View) Rect() Rect {
	return Rect{X: 0, Y: v.ScrollTop, Width: v.Width, Height: v.Height}
}
