package domutil_test

import (
	"strings"
	"sync"
	"testing"

	"github.com/blazekit/blazekit/internal/domutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/html"
)

// parseDoc parses an HTML snippet into a full document tree.
func parseDoc(t *testing.T, snippet string) *html.Node {
	t.Helper()
	doc, err := html.Parse(strings.NewReader(snippet))
	require.NoError(t, err)
	return doc
}

func TestAttrRoundTrip(t *testing.T) {
	doc := parseDoc(t, `<img id="a" data-src="real.jpg" src="placeholder.gif">`)
	img := domutil.Query(doc, "img")
	require.NotNil(t, img)

	assert.Equal(t, "real.jpg", domutil.Attr(img, "data-src"))
	assert.Equal(t, "", domutil.Attr(img, "missing"))
	assert.True(t, domutil.HasAttr(img, "src"))
	assert.False(t, domutil.HasAttr(img, "missing"))

	domutil.SetAttr(img, "src", "updated.jpg")
	assert.Equal(t, "updated.jpg", domutil.Attr(img, "src"))
	// SetAttr must replace in place, not append a duplicate.
	count := 0
	for _, a := range img.Attr {
		if a.Key == "src" {
			count++
		}
	}
	assert.Equal(t, 1, count)

	domutil.RemoveAttr(img, "src")
	assert.False(t, domutil.HasAttr(img, "src"))
}

func TestPromoteAttr(t *testing.T) {
	doc := parseDoc(t, `<img data-src="real.jpg" src="placeholder.gif">`)
	img := domutil.Query(doc, "img")

	ok := domutil.PromoteAttr(img, "src", true)
	assert.True(t, ok)
	assert.Equal(t, "real.jpg", domutil.Attr(img, "src"))
	assert.False(t, domutil.HasAttr(img, "data-src"))

	// No source attribute means no promotion and no mutation.
	assert.False(t, domutil.PromoteAttr(img, "srcset", true))
}

func TestPromoteWithSourcesPicture(t *testing.T) {
	doc := parseDoc(t, `<picture>
		<source data-srcset="wide.jpg 1024w" media="(min-width: 1024px)">
		<source data-srcset="narrow.jpg 480w">
		<img class="b-lazy" data-src="fallback.jpg">
	</picture>`)
	img := domutil.Query(doc, "img.b-lazy")
	require.NotNil(t, img)

	domutil.PromoteWithSources(img, true, "srcset")

	sources := domutil.QueryAll(doc, "source")
	require.Len(t, sources, 2)
	for _, s := range sources {
		assert.True(t, domutil.HasAttr(s, "srcset"))
		assert.False(t, domutil.HasAttr(s, "data-srcset"))
	}
	// The controller img itself carries no srcset; it is left alone.
	assert.False(t, domutil.HasAttr(img, "srcset"))
}

func TestClassHelpers(t *testing.T) {
	doc := parseDoc(t, `<div class="b-lazy media"></div>`)
	div := domutil.Query(doc, "div")

	assert.True(t, domutil.HasClass(div, "b-lazy"))
	assert.False(t, domutil.HasClass(div, "b-loaded"))

	domutil.AddClass(div, "b-loaded")
	assert.True(t, domutil.HasClass(div, "b-loaded"))

	// Adding again must not duplicate.
	domutil.AddClass(div, "b-loaded")
	assert.Equal(t, "b-lazy media b-loaded", domutil.Attr(div, "class"))

	domutil.RemoveClass(div, "b-lazy")
	assert.Equal(t, "media b-loaded", domutil.Attr(div, "class"))
}

func TestExtend(t *testing.T) {
	base := map[string]interface{}{"selector": ".b-lazy", "disconnect": true}
	override := map[string]interface{}{"selector": ".custom"}

	merged := domutil.Extend(map[string]interface{}{}, base, override)
	assert.Equal(t, ".custom", merged["selector"])
	assert.Equal(t, true, merged["disconnect"])

	// nil destination allocates.
	out := domutil.Extend(nil, base)
	assert.Equal(t, ".b-lazy", out["selector"])
}

func TestOnceMemoizes(t *testing.T) {
	calls := 0
	fn := domutil.Once(func() interface{} {
		calls++
		return calls
	})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.Equal(t, 1, fn())
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, calls)
}

func TestMatches(t *testing.T) {
	doc := parseDoc(t, `<img id="hero" class="b-lazy b-bg" data-src="x.jpg">`)
	img := domutil.Query(doc, "img")
	require.NotNil(t, img)

	cases := []struct {
		selector string
		want     bool
	}{
		{"img", true},
		{"IMG", true},
		{".b-lazy", true},
		{".missing", false},
		{"#hero", true},
		{"#other", false},
		{"[data-src]", true},
		{`[data-src="x.jpg"]`, true},
		{`[data-src="y.jpg"]`, false},
		{"img.b-lazy[data-src]", true},
		{"img.b-lazy.b-bg#hero", true},
		{"div, img", true},
		{"div, span", false},
		{"*", true},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, domutil.Matches(img, tc.selector), "selector %q", tc.selector)
	}
}

func TestClosest(t *testing.T) {
	doc := parseDoc(t, `<div class="grid" data-blazekit='{}'><p><img class="b-lazy"></p></div>`)
	img := domutil.Query(doc, "img")
	require.NotNil(t, img)

	grid := domutil.Closest(img, ".grid")
	require.NotNil(t, grid)
	assert.Equal(t, "div", grid.Data)

	// Self-match counts.
	assert.Equal(t, img, domutil.Closest(img, "img"))

	// Absent ancestor yields the nil sentinel, never an error.
	assert.Nil(t, domutil.Closest(img, ".missing"))
}

func TestQueryAllDocumentOrder(t *testing.T) {
	doc := parseDoc(t, `<div>
		<img id="one" class="b-lazy">
		<section><img id="two" class="b-lazy"></section>
		<img id="three" class="b-lazy">
	</div>`)

	all := domutil.QueryAll(doc, ".b-lazy")
	require.Len(t, all, 3)
	assert.Equal(t, "one", domutil.Attr(all[0], "id"))
	assert.Equal(t, "two", domutil.Attr(all[1], "id"))
	assert.Equal(t, "three", domutil.Attr(all[2], "id"))

	assert.Equal(t, all[0], domutil.Query(doc, ".b-lazy"))
	assert.Nil(t, domutil.Query(doc, ".nothing"))
}
