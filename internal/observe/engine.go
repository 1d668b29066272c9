// File: internal/observe/engine.go

// Package observe implements the observer engine: it tracks lazy elements
// through an intersection watcher, runs the loading hook exactly once per
// element, and manages the observing/disconnected lifecycle with error-aware
// disconnect refusal.
package observe

import (
	"context"
	"fmt"
	"sync"

	"github.com/blazekit/blazekit/internal/domutil"
	"github.com/blazekit/blazekit/internal/events"
	"github.com/blazekit/blazekit/internal/viewport"
	"go.uber.org/zap"
	"golang.org/x/net/html"
)

// Engine drives one observed subtree. Lifecycle:
//
//	uninitialized -> observing -> (intersecting)* -> disconnected -> [reinit -> observing]
//
// Counters: count is the number of targets registered by the last Observe or
// Revalidate; counted is the total processed so far and never decreases;
// erCounted tracks elements currently in an error state and blocks
// auto-disconnect while positive.
type Engine struct {
	mu sync.Mutex

	opts     Options
	margin   viewport.Margin
	resolver viewport.GeometryResolver
	bus      *events.Bus
	logger   *zap.Logger

	watcher *viewport.Watcher
	runCtx  context.Context

	count         int
	counted       int
	erCounted     int
	revalidations int
	disconnected  bool
	observed      bool
}

// New constructs an engine. The resolver supplies element geometry; the bus
// receives lifecycle events and may be shared across engines.
func New(opts Options, resolver viewport.GeometryResolver, bus *events.Bus, logger *zap.Logger) (*Engine, error) {
	merged := merge(opts)
	if merged.Root == nil {
		return nil, fmt.Errorf("observe: options require a root node")
	}
	margin, err := viewport.ParseMargin(merged.RootMargin)
	if err != nil {
		return nil, fmt.Errorf("observe: %w", err)
	}

	e := &Engine{
		opts:     merged,
		margin:   margin,
		resolver: resolver,
		bus:      bus,
		logger:   logger.Named("observe"),
	}
	if e.opts.Loader == nil {
		e.opts.Loader = e.defaultLoader
	}
	return e, nil
}

// defaultLoader marks the element loaded without any media work. The media
// loader replaces this hook.
func (e *Engine) defaultLoader(ctx context.Context, el *html.Node) {
	domutil.AddClass(el, e.opts.LoadedClass)
}

// Observe queries all matching, not-yet-loaded elements under the root and
// registers them with the watcher. Re-entrant after Disconnect: a fresh
// watcher is constructed (reinit).
func (e *Engine) Observe(ctx context.Context) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.runCtx = ctx
	if e.watcher == nil || e.watcher.Released() {
		e.watcher = viewport.NewWatcher(e.resolver, e.margin, e.opts.Thresholds, e.onBatch, e.logger)
		e.disconnected = false
	}

	elements := e.pendingLocked()
	for _, el := range elements {
		e.watcher.Observe(el)
	}
	e.count = len(elements)
	e.observed = true

	e.logger.Debug("Observing lazy elements", zap.Int("count", e.count), zap.String("selector", e.opts.Selector))
	if e.opts.Observing != nil {
		e.opts.Observing(e.count)
	}
	return e.count
}

// pendingLocked returns the matching elements that have not been loaded yet.
func (e *Engine) pendingLocked() []*html.Node {
	var pending []*html.Node
	for _, el := range domutil.QueryAll(e.opts.Root, e.opts.Selector) {
		if !domutil.HasClass(el, e.opts.LoadedClass) {
			pending = append(pending, el)
		}
	}
	return pending
}

// Evaluate runs one intersection pass against the view. It is the external
// heartbeat: the orchestrator calls it on scroll and resize ticks.
func (e *Engine) Evaluate(view viewport.View) int {
	e.mu.Lock()
	w := e.watcher
	e.mu.Unlock()
	if w == nil {
		return 0
	}
	return w.Evaluate(view)
}

// onBatch handles one intersection batch in delivery order. Entries whose
// ratio is positive or whose IsIntersecting flag is set, and which are not
// already loaded, take the intersecting path exactly once.
func (e *Engine) onBatch(batch []viewport.Entry) {
	for _, entry := range batch {
		if entry.Ratio <= 0 && !entry.IsIntersecting {
			continue
		}
		if domutil.HasClass(entry.Target, e.opts.LoadedClass) {
			continue
		}
		e.intersecting(entry.Target)
	}

	e.mu.Lock()
	auto := e.opts.DisconnectWhenDone
	processed := e.counted
	w := e.watcher
	e.mu.Unlock()
	// The generation is complete when the watcher holds no more targets.
	// Comparing the monotonic total against the last query size would
	// disconnect early after a revalidation.
	if auto && processed > 0 && w != nil && w.Count() == 0 {
		e.Disconnect(false)
	}
}

// intersecting fires the domain event, delegates to the loader hook,
// increments the processed counter, and stops observing the element. One-shot:
// a loaded element is never re-evaluated.
func (e *Engine) intersecting(el *html.Node) {
	e.mu.Lock()
	ctx := e.runCtx
	disconnected := e.disconnected
	w := e.watcher
	e.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}

	if e.bus != nil {
		_ = e.bus.Post(ctx, events.TopicIntersecting, events.ElementPayload{Element: el})
	}
	if e.opts.Intersecting != nil {
		e.opts.Intersecting(el)
	}

	e.opts.Loader(ctx, el)

	e.mu.Lock()
	e.counted++
	e.mu.Unlock()

	// Once globally disconnected the watcher is gone; no per-element
	// unobserve is needed.
	if !disconnected && w != nil {
		w.Unobserve(el)
	}
}

// Load is the manual trigger path for elements the viewport will never reach
// in time (cloned slides, explicit preloads). Each unloaded element runs the
// same intersecting path as if it had been observed; afterwards the engine
// disconnects unless already disconnected.
func (e *Engine) Load(ctx context.Context, elements ...*html.Node) {
	e.mu.Lock()
	e.runCtx = ctx
	e.mu.Unlock()

	for _, el := range elements {
		if el == nil || domutil.HasClass(el, e.opts.LoadedClass) {
			continue
		}
		e.intersecting(el)
	}

	e.mu.Lock()
	alreadyDisconnected := e.disconnected
	e.mu.Unlock()
	if !alreadyDisconnected {
		e.Disconnect(false)
	}
}

// Disconnect releases the watcher and resets counters. It is refused while
// any element is in an error state, unless forced; an instance with
// outstanding errors keeps its watcher alive so retried elements remain
// tracked. Returns whether the disconnect happened.
func (e *Engine) Disconnect(force bool) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.erCounted > 0 && !force {
		e.logger.Debug("Disconnect refused, errors outstanding", zap.Int("errors", e.erCounted))
		return false
	}

	if e.watcher != nil {
		e.watcher.Disconnect()
	}
	e.disconnected = true
	e.count = 0
	e.erCounted = 0
	e.logger.Debug("Disconnected", zap.Int("processed", e.counted))
	return true
}

// Revalidate re-queries the DOM for newly matching elements and re-observes
// them. It only runs when forced or when the processed count lags behind the
// discovered count, and never beyond the revalidation budget.
func (e *Engine) Revalidate(force bool) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.revalidations >= e.opts.RevalidateBudget {
		return 0
	}

	discovered := len(domutil.QueryAll(e.opts.Root, e.opts.Selector))
	if !force && e.counted >= discovered {
		return 0
	}
	pending := e.pendingLocked()
	if len(pending) == 0 {
		return 0
	}
	e.revalidations++

	if e.watcher == nil || e.watcher.Released() {
		e.watcher = viewport.NewWatcher(e.resolver, e.margin, e.opts.Thresholds, e.onBatch, e.logger)
		e.disconnected = false
	}
	for _, el := range pending {
		e.watcher.Observe(el)
	}
	e.count = len(pending)
	e.logger.Debug("Revalidated", zap.Int("pending", len(pending)), zap.Int("budget_used", e.revalidations))
	return len(pending)
}

// Options exposes the merged option set.
func (e *Engine) Options() Options { return e.opts }

// Count returns the number of targets registered by the last observe pass.
func (e *Engine) Count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.count
}

// Counted returns the total number of processed elements. Monotonic.
func (e *Engine) Counted() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.counted
}

// ErrorCount returns the number of elements currently in an error state.
func (e *Engine) ErrorCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.erCounted
}

// AddError records an element entering the error state.
func (e *Engine) AddError() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.erCounted++
}

// ResolveError records a subsequent success for this instance, unblocking
// auto-disconnect once the counter drains.
func (e *Engine) ResolveError() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.erCounted > 0 {
		e.erCounted--
	}
}

// Disconnected reports whether the engine has released its watcher.
func (e *Engine) Disconnected() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.disconnected
}

// Bus returns the event bus shared with this engine, if any.
func (e *Engine) Bus() *events.Bus { return e.bus }
