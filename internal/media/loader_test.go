package media_test

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/blazekit/blazekit/internal/domutil"
	"github.com/blazekit/blazekit/internal/events"
	"github.com/blazekit/blazekit/internal/media"
	"github.com/blazekit/blazekit/internal/observe"
	"github.com/blazekit/blazekit/internal/viewport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/net/html"
)

// stubFetcher records probed URLs and fails those listed in failures.
type stubFetcher struct {
	mu       sync.Mutex
	probed   []string
	failures map[string]bool
}

func (s *stubFetcher) Probe(ctx context.Context, url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.probed = append(s.probed, url)
	if s.failures[url] {
		return fmt.Errorf("stub failure for %s", url)
	}
	return nil
}

func (s *stubFetcher) urls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.probed))
	copy(out, s.probed)
	return out
}

type loaderFixture struct {
	doc     *html.Node
	loader  *media.Loader
	fetcher *stubFetcher
}

func newLoaderFixture(t *testing.T, markup string, opts observe.Options) *loaderFixture {
	t.Helper()
	doc, err := html.Parse(strings.NewReader(markup))
	require.NoError(t, err)

	resolver := viewport.NewStaticResolver()
	for i, el := range domutil.QueryAll(doc, ".b-lazy") {
		resolver.Set(el, viewport.Rect{Y: float64(i) * 100, Width: 100, Height: 100})
	}

	fetcher := &stubFetcher{failures: map[string]bool{}}
	opts.Root = doc
	l, err := media.New(media.Config{
		Options:  opts,
		Resolver: resolver,
		Fetcher:  fetcher,
		Logger:   zaptest.NewLogger(t),
		View: func() viewport.View {
			return viewport.View{Width: 1280, Height: 800, PixelRatio: 1.0}
		},
		Concurrency: 4,
	})
	require.NoError(t, err)
	return &loaderFixture{doc: doc, loader: l, fetcher: fetcher}
}

func TestLoaderImagePreloadSuccess(t *testing.T) {
	f := newLoaderFixture(t, `<img class="b-lazy" data-src="hero.jpg" data-srcset="hero-2x.jpg 2x">`, observe.Options{})
	img := domutil.Query(f.doc, "img")

	f.loader.LazyLoad(context.Background(), img)
	f.loader.Wait()

	assert.Equal(t, []string{"hero.jpg"}, f.fetcher.urls())
	assert.Equal(t, "hero.jpg", domutil.Attr(img, "src"))
	assert.Equal(t, "hero-2x.jpg 2x", domutil.Attr(img, "srcset"))
	assert.False(t, domutil.HasAttr(img, "data-src"))
	assert.True(t, domutil.HasClass(img, "b-loaded"))
	assert.False(t, domutil.HasClass(img, "b-error"))
	assert.False(t, domutil.HasAttr(img, media.HitMarker), "settled elements must not carry the dispatch marker")
}

func TestLoaderImagePreloadFailure(t *testing.T) {
	f := newLoaderFixture(t, `<img class="b-lazy" data-src="broken.jpg">`, observe.Options{})
	f.fetcher.failures["broken.jpg"] = true
	img := domutil.Query(f.doc, "img")

	f.loader.LazyLoad(context.Background(), img)
	f.loader.Wait()

	// The source is applied anyway; the error class and retry eligibility
	// record the failure.
	assert.Equal(t, "broken.jpg", domutil.Attr(img, "src"))
	assert.True(t, domutil.HasClass(img, "b-error"))
	assert.False(t, domutil.HasAttr(img, media.HitMarker), "failure must clear the hit marker for retries")
	assert.Equal(t, 1, f.loader.Engine().ErrorCount())

	// A retry that succeeds drains the error state.
	f.fetcher.failures["broken.jpg"] = false
	domutil.SetAttr(img, "data-src", "broken.jpg")
	f.loader.LazyLoad(context.Background(), img)
	f.loader.Wait()
	assert.Equal(t, 0, f.loader.Engine().ErrorCount())
	assert.True(t, domutil.HasClass(img, "b-loaded"))
}

func TestLoaderHitMarkerPreventsDuplicateDispatch(t *testing.T) {
	f := newLoaderFixture(t, `<img class="b-lazy" data-src="once.jpg">`, observe.Options{})
	img := domutil.Query(f.doc, "img")

	ctx := context.Background()
	f.loader.LazyLoad(ctx, img)
	f.loader.LazyLoad(ctx, img)
	f.loader.LazyLoad(ctx, img)
	f.loader.Wait()

	assert.Equal(t, []string{"once.jpg"}, f.fetcher.urls(), "repeat dispatch before completion must not re-probe")
}

func TestLoaderPicturePromotion(t *testing.T) {
	f := newLoaderFixture(t, `<picture>
		<source data-srcset="wide.jpg" media="(min-width: 1024px)">
		<source data-srcset="narrow.jpg">
		<img class="b-lazy" data-src="fallback.jpg">
	</picture>`, observe.Options{})
	img := domutil.Query(f.doc, "img")

	f.loader.LazyLoad(context.Background(), img)
	f.loader.Wait()

	// Picture promotion is synchronous and never probes the network.
	assert.Empty(t, f.fetcher.urls())
	assert.True(t, domutil.HasClass(img, "b-loaded"))
	assert.False(t, domutil.HasAttr(img, media.HitMarker))
	assert.Equal(t, "fallback.jpg", domutil.Attr(img, "src"))
	for _, s := range domutil.QueryAll(f.doc, "source") {
		assert.True(t, domutil.HasAttr(s, "srcset"))
		assert.False(t, domutil.HasAttr(s, "data-srcset"))
	}
}

func TestLoaderVideoPromotion(t *testing.T) {
	f := newLoaderFixture(t, `<video class="b-lazy">
		<source data-src="clip.webm" type="video/webm">
		<source data-src="clip.mp4" type="video/mp4">
	</video>`, observe.Options{})
	video := domutil.Query(f.doc, "video")

	f.loader.LazyLoad(context.Background(), video)
	f.loader.Wait()

	assert.Empty(t, f.fetcher.urls())
	assert.True(t, domutil.HasClass(video, "b-loaded"))
	for _, s := range domutil.QueryAll(f.doc, "source") {
		assert.True(t, domutil.HasAttr(s, "src"))
	}
}

func TestLoaderBackgroundBreakpoint(t *testing.T) {
	f := newLoaderFixture(t, `<div class="b-lazy b-bg"
		data-backgrounds='{"480": {"src": "small.jpg", "ratio": 75}, "1280": {"src": "large.jpg", "ratio": 56.25}}'></div>`,
		observe.Options{})
	div := domutil.Query(f.doc, "div.b-bg")

	f.loader.LazyLoad(context.Background(), div)
	f.loader.Wait()

	// Desktop-first at width 1280 picks the 1280 entry.
	assert.Equal(t, []string{"large.jpg"}, f.fetcher.urls())
	style := domutil.Attr(div, "style")
	assert.Contains(t, style, "background-image: url(large.jpg)")
	assert.Contains(t, style, "padding-bottom: 56.2500%")
	assert.False(t, domutil.HasAttr(div, "data-backgrounds"))
	assert.True(t, domutil.HasClass(div, "b-loaded"))
}

func TestLoaderPlaceholderFrameSwapsImmediately(t *testing.T) {
	f := newLoaderFixture(t, `<iframe class="b-lazy" src="about:blank" data-src="embed.html"></iframe>`, observe.Options{})
	frame := domutil.Query(f.doc, "iframe")

	f.loader.LazyLoad(context.Background(), frame)
	f.loader.Wait()

	assert.Empty(t, f.fetcher.urls())
	assert.Equal(t, "embed.html", domutil.Attr(frame, "src"))
	assert.True(t, domutil.HasClass(frame, "b-loaded"))
}

func TestLoaderAnimationClasses(t *testing.T) {
	f := newLoaderFixture(t, `<img class="b-lazy" data-src="a.jpg" data-animation="fade-in">`, observe.Options{})
	img := domutil.Query(f.doc, "img")

	f.loader.LazyLoad(context.Background(), img)
	f.loader.Wait()

	assert.True(t, domutil.HasClass(img, "animated"))
	assert.True(t, domutil.HasClass(img, "fade-in"))
	assert.False(t, domutil.HasAttr(img, "data-animation"))
}

func TestLoaderCompletionEvents(t *testing.T) {
	doc, err := html.Parse(strings.NewReader(`<img class="b-lazy" data-src="evt.jpg">`))
	require.NoError(t, err)
	img := domutil.Query(doc, "img")

	logger := zaptest.NewLogger(t)
	bus := events.NewBus(logger, 4)
	defer bus.Shutdown()
	ch, unsub := bus.Subscribe(events.TopicLoaded)
	defer unsub()

	fetcher := &stubFetcher{failures: map[string]bool{"evt.jpg": true}}
	l, err := media.New(media.Config{
		Options:  observe.Options{Root: doc},
		Resolver: viewport.NewStaticResolver(),
		Fetcher:  fetcher,
		Bus:      bus,
		Logger:   logger,
		View: func() viewport.View {
			return viewport.View{Width: 1280, Height: 800, PixelRatio: 1.0}
		},
		Concurrency: 1,
	})
	require.NoError(t, err)

	l.LazyLoad(context.Background(), img)
	l.Wait()

	// The completion event fires even on failure.
	msg := <-ch
	payload, ok := msg.Payload.(events.ElementPayload)
	require.True(t, ok)
	assert.False(t, payload.Success)
	assert.Equal(t, "evt.jpg", payload.URL)
	bus.Acknowledge(msg)
}

func TestLoaderRequiresCollaborators(t *testing.T) {
	doc, err := html.Parse(strings.NewReader(`<img>`))
	require.NoError(t, err)

	_, err = media.New(media.Config{
		Options:  observe.Options{Root: doc},
		Resolver: viewport.NewStaticResolver(),
		Logger:   zaptest.NewLogger(t),
		View:     func() viewport.View { return viewport.View{} },
	})
	assert.Error(t, err, "a fetcher is required")

	_, err = media.New(media.Config{
		Options:  observe.Options{Root: doc},
		Resolver: viewport.NewStaticResolver(),
		Fetcher:  &stubFetcher{},
		Logger:   zaptest.NewLogger(t),
	})
	assert.Error(t, err, "a view supplier is required")
}
