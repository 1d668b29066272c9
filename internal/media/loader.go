// File: internal/media/loader.go

// Package media supplies the element-type-aware loading hook on top of the
// observer engine: synchronous promotion for <picture> and <video>, immediate
// promotion for placeholdered frames, and the asynchronous probe-then-swap
// protocol for images and background containers.
package media

import (
	"context"
	"fmt"
	"sync"

	"github.com/blazekit/blazekit/internal/domutil"
	"github.com/blazekit/blazekit/internal/events"
	"github.com/blazekit/blazekit/internal/observe"
	"github.com/blazekit/blazekit/internal/viewport"
	"go.uber.org/zap"
	"golang.org/x/net/html"
	"golang.org/x/sync/semaphore"
)

// HitMarker is the transient attribute preventing duplicate preload attempts
// for an element already dispatched for loading. It is removed once the
// element settles: on success the loaded class takes over dedupe, on failure
// removal restores retry eligibility. Rendered output never carries it.
const HitMarker = "data-blazekit-hit"

// Fetcher performs the detached preload fetch. network.Prober is the
// production implementation; tests substitute stubs.
type Fetcher interface {
	Probe(ctx context.Context, url string) error
}

// Loader wraps an observer engine and replaces its loading hook with
// shape-aware media activation. Composition stands in for the prototype
// chain: the engine owns lifecycle and counters, the loader owns element
// handling.
type Loader struct {
	engine  *observe.Engine
	fetcher Fetcher
	bus     *events.Bus
	logger  *zap.Logger

	// view supplies current viewport metrics for breakpoint selection.
	view func() viewport.View

	// sem bounds concurrent preload probes.
	sem *semaphore.Weighted

	// mu serializes DOM mutation between async preload completions.
	mu sync.Mutex
	wg sync.WaitGroup
}

// Config collects the loader's collaborators.
type Config struct {
	Options     observe.Options
	Resolver    viewport.GeometryResolver
	Fetcher     Fetcher
	Bus         *events.Bus
	Logger      *zap.Logger
	View        func() viewport.View
	Concurrency int64
}

// New constructs a loader and its underlying engine. The engine's loader hook
// is pointed at this loader before any observation starts.
func New(cfg Config) (*Loader, error) {
	if cfg.Fetcher == nil {
		return nil, fmt.Errorf("media: a fetcher is required")
	}
	if cfg.View == nil {
		return nil, fmt.Errorf("media: a view supplier is required")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}

	l := &Loader{
		fetcher: cfg.Fetcher,
		bus:     cfg.Bus,
		logger:  cfg.Logger.Named("media"),
		view:    cfg.View,
		sem:     semaphore.NewWeighted(cfg.Concurrency),
	}

	opts := cfg.Options
	opts.Loader = l.LazyLoad
	engine, err := observe.New(opts, cfg.Resolver, cfg.Bus, cfg.Logger)
	if err != nil {
		return nil, err
	}
	l.engine = engine
	return l, nil
}

// Engine exposes the wrapped observer engine for lifecycle control.
func (l *Loader) Engine() *observe.Engine { return l.engine }

// Wait blocks until every in-flight preload has completed. There is no
// cancellation of an in-flight probe; callers that need a bound use the
// context handed to LazyLoad.
func (l *Loader) Wait() { l.wg.Wait() }

// LazyLoad is the loading hook dispatched per intersecting element. The hit
// marker makes re-entry a no-op, so an element intersected repeatedly before
// its preload resolves triggers at most one probe.
func (l *Loader) LazyLoad(ctx context.Context, el *html.Node) {
	l.mu.Lock()
	opts := l.engine.Options()
	if domutil.HasClass(el, opts.LoadedClass) || domutil.HasAttr(el, HitMarker) {
		l.mu.Unlock()
		return
	}
	domutil.SetAttr(el, HitMarker, "1")

	switch {
	case el.Data == "img" && insidePicture(el):
		l.loadPicture(ctx, el, opts)
		l.mu.Unlock()

	case el.Data == "video":
		l.loadVideo(ctx, el, opts)
		l.mu.Unlock()

	case el.Data == "img" || domutil.HasClass(el, opts.BackgroundClass):
		l.mu.Unlock()
		l.preloadAsync(ctx, el, opts)

	case domutil.HasAttr(el, "data-src") && domutil.HasAttr(el, "src"):
		// Frames and other embeds that already show a placeholder swap
		// immediately; the browser fetches the real document on its own.
		domutil.PromoteAttr(el, "src", true)
		l.markLoaded(ctx, el, opts)
		l.mu.Unlock()

	default:
		// No recognized deferred source; count it processed so the engine
		// can settle.
		l.markLoaded(ctx, el, opts)
		l.mu.Unlock()
	}
}

// insidePicture reports whether the element is the controller <img> of a
// <picture>.
func insidePicture(el *html.Node) bool {
	return el.Parent != nil && el.Parent.Type == html.ElementNode && el.Parent.Data == "picture"
}

// loadPicture promotes every <source>'s data-srcset and the controller img's
// data-src. No network preload: the browser resolves picture sources itself,
// so the element is marked loaded immediately.
func (l *Loader) loadPicture(ctx context.Context, el *html.Node, opts observe.Options) {
	domutil.PromoteWithSources(el, true, "srcset")
	domutil.PromoteAttr(el, "src", true)
	l.markLoaded(ctx, el, opts)
}

// loadVideo promotes all <source> children's data-src and marks the element
// loaded immediately, the equivalent of calling the media element's native
// load method.
func (l *Loader) loadVideo(ctx context.Context, el *html.Node, opts observe.Options) {
	for child := el.FirstChild; child != nil; child = child.NextSibling {
		if child.Type == html.ElementNode && child.Data == "source" {
			domutil.PromoteAttr(child, "src", true)
		}
	}
	l.markLoaded(ctx, el, opts)
}

// resolveSource picks the URL to probe: the breakpoint-selected background
// entry when the element carries one, else data-src.
func (l *Loader) resolveSource(el *html.Node) (url string, ratio float64) {
	if ds := domutil.ParseDataset(el, "data-backgrounds"); ds != nil {
		v := l.view()
		if entry, ok := ds.ActiveWidth(v.Width, v.PixelRatio, l.engine.Options().MobileFirst); ok {
			return entry.Src, entry.Ratio
		}
	}
	return domutil.Attr(el, "data-src"), 0
}

// preloadAsync runs the probe-then-swap protocol off the hot path. Success
// applies the real attributes and the success class; failure still applies
// the attributes best-effort, applies the error class, and clears the hit
// marker so a later pass may retry. Both outcomes publish the completion
// event; subscribers rely on it to clean up loading-state classes no matter
// what happened.
func (l *Loader) preloadAsync(ctx context.Context, el *html.Node, opts observe.Options) {
	l.mu.Lock()
	url, ratio := l.resolveSource(el)
	l.mu.Unlock()

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()

		success := false
		defer func() {
			if l.bus != nil {
				_ = l.bus.Post(ctx, events.TopicLoaded, events.ElementPayload{
					Element: el,
					Success: success,
					URL:     url,
				})
			}
		}()

		if err := l.sem.Acquire(ctx, 1); err != nil {
			l.fail(el, opts, url, ratio, err)
			return
		}
		err := l.fetcher.Probe(ctx, url)
		l.sem.Release(1)

		if err != nil {
			l.fail(el, opts, url, ratio, err)
			return
		}
		l.succeed(el, opts, url, ratio)
		success = true
	}()
}

// succeed applies the probed source for real and records the success.
func (l *Loader) succeed(el *html.Node, opts observe.Options, url string, ratio float64) {
	l.mu.Lock()
	l.apply(el, opts, url, ratio)
	domutil.AddClass(el, opts.SuccessClass)
	l.animate(el)
	domutil.RemoveAttr(el, HitMarker)
	l.mu.Unlock()

	l.engine.ResolveError()
	if opts.Success != nil {
		opts.Success(el)
	}
}

// fail applies the attributes anyway, since an empty element is worse than a
// broken image, then records the error and restores retry eligibility.
func (l *Loader) fail(el *html.Node, opts observe.Options, url string, ratio float64, err error) {
	l.logger.Debug("Preload failed", zap.String("url", url), zap.Error(err))

	l.mu.Lock()
	l.apply(el, opts, url, ratio)
	domutil.AddClass(el, opts.ErrorClass)
	domutil.RemoveAttr(el, HitMarker)
	l.mu.Unlock()

	l.engine.AddError()
	if opts.Error != nil {
		opts.Error(el)
	}
}

// apply writes the real attributes onto the element: src/srcset for images,
// a background-image style for background containers.
func (l *Loader) apply(el *html.Node, opts observe.Options, url string, ratio float64) {
	if el.Data == "img" {
		if url != "" {
			domutil.SetAttr(el, "src", url)
			domutil.RemoveAttr(el, "data-src")
		}
		domutil.PromoteAttr(el, "srcset", true)
		return
	}

	if url != "" {
		style := fmt.Sprintf("background-image: url(%s);", url)
		if ratio > 0 {
			style = fmt.Sprintf("%s padding-bottom: %.4f%%;", style, ratio)
		}
		domutil.SetAttr(el, "style", style)
		domutil.RemoveAttr(el, "data-backgrounds")
		domutil.RemoveAttr(el, "data-src")
	}
}

// animate promotes a declared entrance animation into classes once the
// element has real content.
func (l *Loader) animate(el *html.Node) {
	if anim := domutil.Attr(el, "data-animation"); anim != "" {
		domutil.AddClass(el, "animated")
		domutil.AddClass(el, anim)
		domutil.RemoveAttr(el, "data-animation")
	}
}

// markLoaded finishes a synchronous branch: loaded class, success callback,
// completion event.
func (l *Loader) markLoaded(ctx context.Context, el *html.Node, opts observe.Options) {
	domutil.AddClass(el, opts.LoadedClass)
	l.animate(el)
	domutil.RemoveAttr(el, HitMarker)
	if opts.Success != nil {
		opts.Success(el)
	}
	if l.bus != nil {
		_ = l.bus.Post(ctx, events.TopicLoaded, events.ElementPayload{Element: el, Success: true})
	}
}
