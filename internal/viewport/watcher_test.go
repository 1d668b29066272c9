package viewport_test

import (
	"strings"
	"testing"

	"github.com/blazekit/blazekit/internal/viewport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/net/html"
)

// element builds a detached element node for geometry tests; the watcher never
// inspects markup, only identity.
func element(tag string) *html.Node {
	return &html.Node{Type: html.ElementNode, Data: tag}
}

func TestWatcherInitialEvaluation(t *testing.T) {
	resolver := viewport.NewStaticResolver()
	visible := element("img")
	below := element("img")
	resolver.Set(visible, viewport.Rect{Y: 100, Width: 100, Height: 100})
	resolver.Set(below, viewport.Rect{Y: 5000, Width: 100, Height: 100})

	var batches [][]viewport.Entry
	w := viewport.NewWatcher(resolver, viewport.Margin{}, []float64{0}, func(batch []viewport.Entry) {
		batches = append(batches, batch)
	}, zaptest.NewLogger(t))

	w.Observe(visible)
	w.Observe(below)
	require.Equal(t, 2, w.Count())

	// The first evaluation reports initial state for every target, matching
	// observer semantics of an immediate callback on observe.
	delivered := w.Evaluate(viewport.View{Width: 1280, Height: 800})
	assert.Equal(t, 2, delivered)
	require.Len(t, batches, 1)

	byTarget := map[*html.Node]viewport.Entry{}
	for _, e := range batches[0] {
		byTarget[e.Target] = e
	}
	assert.True(t, byTarget[visible].IsIntersecting)
	assert.Greater(t, byTarget[visible].Ratio, 0.0)
	assert.False(t, byTarget[below].IsIntersecting)
	assert.Equal(t, 0.0, byTarget[below].Ratio)

	// A second identical evaluation delivers nothing; no thresholds crossed.
	assert.Equal(t, 0, w.Evaluate(viewport.View{Width: 1280, Height: 800}))
}

func TestWatcherScrollCrossing(t *testing.T) {
	resolver := viewport.NewStaticResolver()
	target := element("img")
	resolver.Set(target, viewport.Rect{Y: 2000, Width: 100, Height: 100})

	var last []viewport.Entry
	w := viewport.NewWatcher(resolver, viewport.Margin{}, []float64{0}, func(batch []viewport.Entry) {
		last = batch
	}, zaptest.NewLogger(t))
	w.Observe(target)

	w.Evaluate(viewport.View{Width: 1280, Height: 800})
	require.Len(t, last, 1)
	assert.False(t, last[0].IsIntersecting)

	// Scrolling the viewport over the target flips the intersecting state.
	last = nil
	w.Evaluate(viewport.View{Width: 1280, Height: 800, ScrollTop: 1500})
	require.Len(t, last, 1)
	assert.True(t, last[0].IsIntersecting)
	assert.Equal(t, 1.0, last[0].Ratio)
}

func TestWatcherRootMarginLoadsEarly(t *testing.T) {
	resolver := viewport.NewStaticResolver()
	target := element("img")
	// Just past the viewport bottom.
	resolver.Set(target, viewport.Rect{Y: 850, Width: 100, Height: 100})

	var last []viewport.Entry
	margin := viewport.Margin{Bottom: 100}
	w := viewport.NewWatcher(resolver, margin, []float64{0}, func(batch []viewport.Entry) {
		last = batch
	}, zaptest.NewLogger(t))
	w.Observe(target)

	w.Evaluate(viewport.View{Width: 1280, Height: 800})
	require.Len(t, last, 1)
	assert.True(t, last[0].IsIntersecting, "bottom margin should extend the load window")
}

func TestWatcherThresholdCrossing(t *testing.T) {
	resolver := viewport.NewStaticResolver()
	target := element("img")
	w := viewport.NewWatcher(resolver, viewport.Margin{}, []float64{0.5}, func([]viewport.Entry) {}, zaptest.NewLogger(t))
	w.Observe(target)

	// 25% visible: below the 0.5 threshold.
	resolver.Set(target, viewport.Rect{Y: 775, Width: 100, Height: 100})
	first := w.Evaluate(viewport.View{Width: 1280, Height: 800})
	assert.Equal(t, 1, first, "initial state always delivers")

	// Still 25%: no crossing, no delivery.
	assert.Equal(t, 0, w.Evaluate(viewport.View{Width: 1280, Height: 800}))

	// 75% visible crosses 0.5 upward.
	resolver.Set(target, viewport.Rect{Y: 725, Width: 100, Height: 100})
	assert.Equal(t, 1, w.Evaluate(viewport.View{Width: 1280, Height: 800}))
}

func TestWatcherUnobserveAndDisconnect(t *testing.T) {
	resolver := viewport.NewStaticResolver()
	a, b := element("img"), element("img")
	resolver.Set(a, viewport.Rect{Y: 0, Width: 10, Height: 10})
	resolver.Set(b, viewport.Rect{Y: 0, Width: 10, Height: 10})

	deliveries := 0
	w := viewport.NewWatcher(resolver, viewport.Margin{}, nil, func(batch []viewport.Entry) {
		deliveries += len(batch)
	}, zaptest.NewLogger(t))
	w.Observe(a)
	w.Observe(b)
	w.Unobserve(a)
	assert.Equal(t, 1, w.Count())

	w.Evaluate(viewport.View{Width: 100, Height: 100})
	assert.Equal(t, 1, deliveries)

	w.Disconnect()
	assert.True(t, w.Released())
	assert.Equal(t, 0, w.Count())

	// Observation and evaluation after disconnect are inert.
	w.Observe(a)
	assert.Equal(t, 0, w.Count())
	assert.Equal(t, 0, w.Evaluate(viewport.View{Width: 100, Height: 100}))
}

func TestFlowResolverStacksMedia(t *testing.T) {
	doc, err := html.Parse(strings.NewReader(`<div>
		<img id="a" class="b-lazy" height="300" data-src="a.jpg">
		<p>text between</p>
		<div id="b" class="b-lazy b-bg" data-ratio="50" data-src="b.jpg"></div>
		<iframe id="c" data-src="c.html"></iframe>
	</div>`))
	require.NoError(t, err)

	fr := viewport.NewFlowResolver(doc, 1000, 1.0, false)

	var a, b, c *html.Node
	var find func(n *html.Node)
	find = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch attr(n, "id") {
			case "a":
				a = n
			case "b":
				b = n
			case "c":
				c = n
			}
		}
		for ch := n.FirstChild; ch != nil; ch = ch.NextSibling {
			find(ch)
		}
	}
	find(doc)
	require.NotNil(t, a)
	require.NotNil(t, b)
	require.NotNil(t, c)

	ra, ok := fr.Rect(a)
	require.True(t, ok)
	assert.Equal(t, viewport.Rect{X: 0, Y: 0, Width: 1000, Height: 300}, ra)

	// data-ratio sizes as a percentage of viewport width.
	rb, ok := fr.Rect(b)
	require.True(t, ok)
	assert.Equal(t, 300.0, rb.Y)
	assert.Equal(t, 500.0, rb.Height)

	// No hints falls back to the default block height.
	rc, ok := fr.Rect(c)
	require.True(t, ok)
	assert.Equal(t, 800.0, rc.Y)
	assert.Equal(t, viewport.DefaultBlockHeight, rc.Height)
}

func TestFlowResolverRelayout(t *testing.T) {
	doc, err := html.Parse(strings.NewReader(`<div id="bg" data-ratio="50" data-src="x.jpg"></div>`))
	require.NoError(t, err)
	var target *html.Node
	var find func(n *html.Node)
	find = func(n *html.Node) {
		if n.Type == html.ElementNode && attr(n, "id") == "bg" {
			target = n
		}
		for ch := n.FirstChild; ch != nil; ch = ch.NextSibling {
			find(ch)
		}
	}
	find(doc)
	require.NotNil(t, target)

	fr := viewport.NewFlowResolver(doc, 1000, 1.0, false)
	r, ok := fr.Rect(target)
	require.True(t, ok)
	assert.Equal(t, 500.0, r.Height)

	fr.Relayout(doc, 600, 1.0, false)
	r, ok = fr.Rect(target)
	require.True(t, ok)
	assert.Equal(t, 600.0, r.Width)
	assert.Equal(t, 300.0, r.Height)
}

func attr(n *html.Node, name string) string {
	for _, a := range n.Attr {
		if a.Key == name {
			return a.Val
		}
	}
	return ""
}
