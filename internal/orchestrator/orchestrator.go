// File: internal/orchestrator/orchestrator.go

// Package orchestrator discovers lazy-load containers in a document, selects
// the activation strategy (native, observer engine, or legacy polling), and
// owns the page-lifetime state: merged configuration, ratio bookkeeping, and
// the once-per-document flags.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/blazekit/blazekit/internal/config"
	"github.com/blazekit/blazekit/internal/domutil"
	"github.com/blazekit/blazekit/internal/events"
	"github.com/blazekit/blazekit/internal/media"
	"github.com/blazekit/blazekit/internal/observe"
	"github.com/blazekit/blazekit/internal/viewport"
	"go.uber.org/zap"
	"golang.org/x/net/html"
	"golang.org/x/time/rate"
)

// defaultResizeThrottle bounds how often resize events trigger a relayout.
const defaultResizeThrottle = 200 * time.Millisecond

// Strategy is the loading mechanism selected for a subtree.
type Strategy int

const (
	// StrategyNone means no matching elements were found; nothing was built.
	StrategyNone Strategy = iota
	// StrategyNative relies on the browser-intrinsic loading attribute.
	StrategyNative
	// StrategyObserver drives the observer engine and media loader.
	StrategyObserver
	// StrategyLegacy polls element positions against the scroll offset.
	StrategyLegacy
)

func (s Strategy) String() string {
	switch s {
	case StrategyNative:
		return "native"
	case StrategyObserver:
		return "observer"
	case StrategyLegacy:
		return "legacy"
	default:
		return "none"
	}
}

// Capabilities models what the rendering environment supports. The CLI
// defaults both to true; tests toggle them to force strategies.
type Capabilities struct {
	NativeLazy           bool
	IntersectionObserver bool
}

// Results summarizes an activation pass.
type Results struct {
	Discovered int
	Native     int
	Loaded     int
	Errored    int
}

// Orchestrator is the per-document pipeline state. Created lazily on first
// attachment, mutated on resize and re-attachment, and closed with the
// document. Once-flags live here instead of module globals.
type Orchestrator struct {
	cfg         config.PipelineConfig
	vpCfg       config.ViewportConfig
	caps        Capabilities
	bus         *events.Bus
	logger      *zap.Logger
	concurrency int64

	fetcher media.Fetcher

	mu       sync.Mutex
	doc      *html.Node
	opts     observe.Options
	resolver *viewport.FlowResolver
	loader   *media.Loader
	legacy   *legacyLoader
	strategy Strategy
	view     viewport.View

	ratioContainers []*html.Node
	resizeLimiter   *rate.Limiter
	resizeTicks     int

	// Once-per-document flags.
	nativeDone     bool
	ratioBroadcast bool

	results  Results
	closed   bool
	loadedCh <-chan events.Message
	done     chan struct{}
	consumer sync.WaitGroup
}

// New builds an orchestrator from configuration. Attach must run before any
// scanning.
func New(cfg config.Interface, fetcher media.Fetcher, bus *events.Bus, caps Capabilities, logger *zap.Logger) *Orchestrator {
	pipeline := cfg.Pipeline()
	vp := cfg.Viewport()

	interval := pipeline.ResizeThrottle
	if interval <= 0 {
		interval = defaultResizeThrottle
	}

	return &Orchestrator{
		cfg:           pipeline,
		vpCfg:         vp,
		caps:          caps,
		bus:           bus,
		fetcher:       fetcher,
		logger:        logger.Named("orchestrator"),
		concurrency:   int64(cfg.Network().ProbeConcurrency),
		resizeLimiter: rate.NewLimiter(rate.Every(interval), 1),
		done:          make(chan struct{}),
		view: viewport.View{
			Width:      vp.Width,
			Height:     vp.Height,
			PixelRatio: vp.PixelRatio,
		},
	}
}

// Attach discovers lazy elements under root, selects the strategy, and wires
// the chosen loader. A document with zero matching elements completes without
// constructing an engine or binding native handling.
func (o *Orchestrator) Attach(ctx context.Context, root *html.Node) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return fmt.Errorf("orchestrator: attach after close")
	}
	o.doc = root
	opts := o.mergedOptions(root)
	o.opts = opts

	candidates := domutil.QueryAll(root, opts.Selector)
	o.results.Discovered = len(candidates)
	o.ratioContainers = o.findRatioContainers(root)

	if len(candidates) == 0 {
		// Nothing to do; skip engine construction and native binding
		// entirely rather than observing zero elements indefinitely.
		o.strategy = StrategyNone
		o.logger.Debug("No lazy elements found, initialization complete")
		o.applyRatiosLocked()
		_ = o.bus.Post(ctx, events.TopicAttachDone, nil)
		return nil
	}

	o.subscribeLoadedLocked()

	// Native candidates opt in explicitly; they bypass the engine.
	if o.caps.NativeLazy && o.cfg.NativeEnabled {
		native := o.nativeCandidates(candidates)
		if len(native) > 0 {
			o.activateNativeLocked(ctx, native)
		}
	}

	remaining := o.pending(candidates, opts.LoadedClass)
	switch {
	case len(remaining) == 0:
		o.strategy = StrategyNative
	case o.caps.IntersectionObserver && o.cfg.ObserverEnabled:
		o.strategy = StrategyObserver
		if err := o.buildObserverLocked(ctx, root, opts); err != nil {
			return err
		}
	default:
		o.strategy = StrategyLegacy
		if err := o.buildLegacyLocked(ctx, root, opts); err != nil {
			return err
		}
	}

	o.applyRatiosLocked()
	o.logger.Info("Attached",
		zap.String("strategy", o.strategy.String()),
		zap.Int("discovered", o.results.Discovered),
		zap.Int("native", o.results.Native))
	_ = o.bus.Post(ctx, events.TopicAttachDone, nil)
	return nil
}

// mergedOptions layers the three configuration sources: site-wide defaults,
// per-subtree data-attribute overrides, and hard-coded fallbacks (supplied by
// observe.DefaultOptions at engine construction).
func (o *Orchestrator) mergedOptions(root *html.Node) observe.Options {
	opts := observe.Options{
		Root:               root,
		Selector:           o.cfg.Selector,
		SuccessClass:       o.cfg.SuccessClass,
		ErrorClass:         o.cfg.ErrorClass,
		LoadedClass:        o.cfg.LoadedClass,
		BackgroundClass:    o.cfg.BackgroundClass,
		RootMargin:         o.cfg.RootMargin,
		Thresholds:         o.cfg.Thresholds,
		MobileFirst:        o.cfg.MobileFirst,
		DisconnectWhenDone: o.cfg.DisconnectWhenDone,
		RevalidateBudget:   o.cfg.RevalidateBudget,
	}

	// Counting happens in the synchronous callbacks so results are settled
	// once the loader's wait returns, without racing the event consumer.
	opts.Success = func(el *html.Node) {
		o.mu.Lock()
		o.results.Loaded++
		o.mu.Unlock()
	}
	opts.Error = func(el *html.Node) {
		o.mu.Lock()
		o.results.Errored++
		o.mu.Unlock()
	}

	// A container-level data attribute carries JSON overrides for its
	// subtree. Malformed JSON is no data.
	container := root
	if !domutil.Matches(root, o.cfg.ContainerSelector) {
		if c := domutil.Query(root, o.cfg.ContainerSelector); c != nil {
			container = c
		}
	}
	overrides := parseOverrides(container)
	if v, ok := overrides["selector"].(string); ok && v != "" {
		opts.Selector = v
	}
	if v, ok := overrides["successClass"].(string); ok && v != "" {
		opts.SuccessClass = v
	}
	if v, ok := overrides["errorClass"].(string); ok && v != "" {
		opts.ErrorClass = v
	}
	if v, ok := overrides["rootMargin"].(string); ok && v != "" {
		opts.RootMargin = v
	}
	if v, ok := overrides["mobileFirst"].(bool); ok {
		opts.MobileFirst = v
	}
	if v, ok := overrides["disconnect"].(bool); ok {
		opts.DisconnectWhenDone = v
	}
	return opts
}

// nativeCandidates filters the candidates declaring the native opt-in.
func (o *Orchestrator) nativeCandidates(candidates []*html.Node) []*html.Node {
	var native []*html.Node
	for _, el := range candidates {
		if domutil.Attr(el, "loading") == "lazy" {
			native = append(native, el)
		}
	}
	return native
}

// activateNativeLocked strips lazy attributes from native candidates and
// marks them loaded, bypassing the observer engine. The native-done event
// fires exactly once per document.
func (o *Orchestrator) activateNativeLocked(ctx context.Context, native []*html.Node) {
	for _, el := range native {
		domutil.PromoteWithSources(el, true, "srcset")
		domutil.PromoteAttr(el, "src", true)
		domutil.AddClass(el, o.cfg.LoadedClass)
		o.results.Native++
	}
	if !o.nativeDone {
		o.nativeDone = true
		_ = o.bus.Post(ctx, events.TopicNativeDone, nil)
	}
	o.logger.Debug("Native candidates activated", zap.Int("count", len(native)))
}

// pending returns the candidates not yet carrying the loaded class.
func (o *Orchestrator) pending(candidates []*html.Node, loadedClass string) []*html.Node {
	var out []*html.Node
	for _, el := range candidates {
		if !domutil.HasClass(el, loadedClass) {
			out = append(out, el)
		}
	}
	return out
}

// buildObserverLocked constructs the flow resolver, media loader, and
// observer engine, and starts observing.
func (o *Orchestrator) buildObserverLocked(ctx context.Context, root *html.Node, opts observe.Options) error {
	o.resolver = viewport.NewFlowResolver(root, o.view.Width, o.view.PixelRatio, opts.MobileFirst)

	loader, err := media.New(media.Config{
		Options:     opts,
		Resolver:    o.resolver,
		Fetcher:     o.fetcher,
		Bus:         o.bus,
		Logger:      o.logger,
		View:        o.currentView,
		Concurrency: o.concurrency,
	})
	if err != nil {
		return fmt.Errorf("orchestrator: %w", err)
	}
	o.loader = loader
	loader.Engine().Observe(ctx)
	return nil
}

// buildLegacyLocked constructs the polling fallback for environments without
// intersection observation.
func (o *Orchestrator) buildLegacyLocked(ctx context.Context, root *html.Node, opts observe.Options) error {
	o.resolver = viewport.NewFlowResolver(root, o.view.Width, o.view.PixelRatio, opts.MobileFirst)

	loader, err := media.New(media.Config{
		Options:     opts,
		Resolver:    o.resolver,
		Fetcher:     o.fetcher,
		Bus:         o.bus,
		Logger:      o.logger,
		View:        o.currentView,
		Concurrency: o.concurrency,
	})
	if err != nil {
		return fmt.Errorf("orchestrator: %w", err)
	}
	o.loader = loader
	o.legacy = newLegacyLoader(root, opts, loader, o.resolver, o.logger)
	return nil
}

// currentView snapshots the viewport; breakpoint selection and intersection
// evaluation consult it.
func (o *Orchestrator) currentView() viewport.View {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.view
}

// Scan simulates a full scroll pass: the viewport steps from the document top
// downward, evaluating intersections (or polling, for legacy) at every stop
// and waiting out in-flight preloads so results are deterministic.
func (o *Orchestrator) Scan(ctx context.Context) (Results, error) {
	o.mu.Lock()
	strategy := o.strategy
	loader := o.loader
	legacy := o.legacy
	doc := o.doc
	step := o.vpCfg.ScrollStep
	height := o.view.Height
	o.mu.Unlock()

	if doc == nil {
		return Results{}, fmt.Errorf("orchestrator: scan before attach")
	}
	if step <= 0 {
		step = height
	}

	switch strategy {
	case StrategyObserver:
		bottom := o.documentBottom()
		for top := 0.0; ; top += step {
			o.setScroll(top)
			loader.Engine().Evaluate(o.currentView())
			loader.Wait()
			if top >= bottom || ctx.Err() != nil {
				break
			}
		}
	case StrategyLegacy:
		bottom := o.documentBottom()
		for top := 0.0; ; top += step {
			o.setScroll(top)
			legacy.Tick(ctx, o.currentView())
			loader.Wait()
			if top >= bottom || ctx.Err() != nil {
				break
			}
		}
	}
	if err := ctx.Err(); err != nil {
		return o.snapshotResults(), err
	}
	return o.snapshotResults(), nil
}

// LoadAll is the manual trigger path: every pending element loads regardless
// of viewport position.
func (o *Orchestrator) LoadAll(ctx context.Context) (Results, error) {
	o.mu.Lock()
	loader := o.loader
	doc := o.doc
	selector := o.opts.Selector
	o.mu.Unlock()

	if doc == nil {
		return Results{}, fmt.Errorf("orchestrator: load before attach")
	}
	if loader != nil {
		loader.Engine().Load(ctx, domutil.QueryAll(doc, selector)...)
		loader.Wait()
	}
	return o.snapshotResults(), nil
}

// Resize applies a new viewport size. Recomputation is throttled to one pass
// per throttle interval; excess events only bump the tick counter. Legacy
// strategies run a polling pass against the resized viewport, since position
// polling cannot notice newly visible elements on its own.
func (o *Orchestrator) Resize(ctx context.Context, width, height float64) {
	o.mu.Lock()
	o.resizeTicks++
	o.view.Width = width
	o.view.Height = height
	if !o.resizeLimiter.Allow() {
		o.mu.Unlock()
		return
	}

	if o.resolver != nil && o.doc != nil {
		o.resolver.Relayout(o.doc, width, o.view.PixelRatio, o.cfg.MobileFirst)
	}
	o.applyRatiosLocked()
	strategy := o.strategy
	loader := o.loader
	legacy := o.legacy
	o.mu.Unlock()

	if strategy == StrategyLegacy && legacy != nil {
		legacy.Tick(ctx, o.currentView())
		loader.Wait()
	}
	_ = o.bus.Post(ctx, events.TopicResize, events.ResizePayload{Width: width, Height: height})
}

// ResizeTicks returns how many resize events have arrived, throttled or not.
func (o *Orchestrator) ResizeTicks() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.resizeTicks
}

// Strategy reports the selected loading strategy.
func (o *Orchestrator) Strategy() Strategy {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.strategy
}

func (o *Orchestrator) setScroll(top float64) {
	o.mu.Lock()
	o.view.ScrollTop = top
	o.mu.Unlock()
}

// documentBottom estimates the scrollable extent from the deepest laid-out
// element.
func (o *Orchestrator) documentBottom() float64 {
	o.mu.Lock()
	resolver := o.resolver
	doc := o.doc
	selector := o.opts.Selector
	o.mu.Unlock()

	bottom := 0.0
	if resolver == nil || doc == nil {
		return bottom
	}
	for _, el := range domutil.QueryAll(doc, selector) {
		if r, ok := resolver.Rect(el); ok && r.Bottom() > bottom {
			bottom = r.Bottom()
		}
	}
	return bottom
}

func (o *Orchestrator) snapshotResults() Results {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.results
}

// subscribeLoadedLocked consumes completion events for loading-class cleanup.
// The completion event fires regardless of outcome, which is exactly why the
// cleanup lives here. The consumer runs until the bus closes the channel or
// Close signals done; on done it drains what is already buffered first, so
// the cleanup of settled loads is never lost to shutdown ordering.
func (o *Orchestrator) subscribeLoadedLocked() {
	if o.loadedCh != nil {
		return
	}
	ch, _ := o.bus.Subscribe(events.TopicLoaded)
	o.loadedCh = ch
	loadingClass := o.cfg.LoadingClass

	handle := func(msg events.Message) {
		if payload, ok := msg.Payload.(events.ElementPayload); ok {
			o.mu.Lock()
			domutil.RemoveClass(payload.Element, loadingClass)
			o.mu.Unlock()
		}
		o.bus.Acknowledge(msg)
	}

	o.consumer.Add(1)
	go func() {
		defer o.consumer.Done()
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					return
				}
				handle(msg)
			case <-o.done:
				for {
					select {
					case msg, ok := <-ch:
						if !ok {
							return
						}
						handle(msg)
					default:
						return
					}
				}
			}
		}
	}()
}

// Close waits out in-flight loads, releases the engine, and stops the
// loaded-event consumer. The bus itself is owned by the caller.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	loader := o.loader
	o.mu.Unlock()

	if loader != nil {
		loader.Wait()
		loader.Engine().Disconnect(true)
	}
	// With every load settled there are no further completion events; the
	// consumer drains its buffer and exits.
	close(o.done)
}

// WaitConsumers blocks until the loaded-event consumer goroutine exits, which
// Close triggers after in-flight loads settle. Test hygiene.
func (o *Orchestrator) WaitConsumers() {
	o.consumer.Wait()
}

// parseOverrides decodes the container's data-blazekit JSON into a generic
// map. Malformed or absent JSON yields an empty map, never nil.
func parseOverrides(container *html.Node) map[string]interface{} {
	raw := domutil.Attr(container, "data-blazekit")
	if raw == "" {
		return map[string]interface{}{}
	}
	decoded, ok := domutil.ParseJSONMap(raw)
	if !ok {
		return map[string]interface{}{}
	}
	return domutil.Extend(map[string]interface{}{}, decoded)
}
