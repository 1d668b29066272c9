// File: internal/viewport/watcher.go
package viewport

import (
	"sync"

	"go.uber.org/zap"
	"golang.org/x/net/html"
)

// Entry reports one target's visibility at evaluation time.
type Entry struct {
	Target *html.Node
	// Ratio is the fraction of the target's area inside the expanded viewport.
	Ratio float64
	// IsIntersecting is true when any part of the target overlaps the
	// expanded viewport.
	IsIntersecting bool
}

// GeometryResolver supplies document-coordinate rectangles for elements. The
// watcher stays agnostic of how geometry is produced; tests use a static map
// and production uses the flow resolver.
type GeometryResolver interface {
	Rect(el *html.Node) (Rect, bool)
}

// Callback receives batches of entries whose visibility changed.
type Callback func([]Entry)

type targetState struct {
	lastRatio        float64
	lastIntersecting bool
	evaluated        bool
}

// Watcher is the intersection primitive: it tracks observed targets and, on
// each Evaluate call, delivers a batch of entries whose visibility crossed a
// threshold since the previous evaluation. It mirrors IntersectionObserver
// semantics: batched delivery, initial-state notification, per-target
// unobserve, and full disconnect.
type Watcher struct {
	mu         sync.Mutex
	resolver   GeometryResolver
	margin     Margin
	thresholds []float64
	callback   Callback
	targets    map[*html.Node]*targetState
	released   bool
	logger     *zap.Logger
}

// NewWatcher constructs a watcher. A nil or empty threshold list defaults to
// the single threshold 0 (any overlap fires).
func NewWatcher(resolver GeometryResolver, margin Margin, thresholds []float64, cb Callback, logger *zap.Logger) *Watcher {
	if len(thresholds) == 0 {
		thresholds = []float64{0}
	}
	return &Watcher{
		resolver:   resolver,
		margin:     margin,
		thresholds: thresholds,
		callback:   cb,
		targets:    make(map[*html.Node]*targetState),
		logger:     logger.Named("watcher"),
	}
}

// Observe registers a target. Observing after Disconnect is a no-op.
func (w *Watcher) Observe(el *html.Node) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.released || el == nil {
		return
	}
	if _, ok := w.targets[el]; !ok {
		w.targets[el] = &targetState{}
	}
}

// Unobserve removes a single target.
func (w *Watcher) Unobserve(el *html.Node) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.targets, el)
}

// Disconnect releases all targets. A released watcher cannot observe again.
func (w *Watcher) Disconnect() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.released = true
	w.targets = make(map[*html.Node]*targetState)
}

// Released reports whether Disconnect has run.
func (w *Watcher) Released() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.released
}

// Count returns the number of currently observed targets.
func (w *Watcher) Count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.targets)
}

// Evaluate computes visibility for every observed target against the view and
// delivers one batch of changed entries to the callback. The batch preserves
// no global ordering beyond evaluation order, matching how the browser hands
// over intersection batches. Returns the number of delivered entries.
func (w *Watcher) Evaluate(view View) int {
	w.mu.Lock()
	if w.released {
		w.mu.Unlock()
		return 0
	}

	expanded := w.margin.Expand(view.Rect())
	var batch []Entry
	for el, state := range w.targets {
		rect, ok := w.resolver.Rect(el)
		if !ok {
			continue
		}

		area := rect.Area()
		ratio := 0.0
		if area > 0 {
			ratio = Intersect(rect, expanded).Area() / area
		}
		intersecting := Intersect(rect, expanded).Area() > 0
		if area == 0 {
			// Zero-area targets still intersect when their origin is inside
			// the viewport, per observer semantics.
			intersecting = rect.X >= expanded.X && rect.X <= expanded.Right() &&
				rect.Y >= expanded.Y && rect.Y <= expanded.Bottom()
		}

		if !state.evaluated || state.lastIntersecting != intersecting || w.crossed(state.lastRatio, ratio) {
			batch = append(batch, Entry{Target: el, Ratio: ratio, IsIntersecting: intersecting})
		}
		state.evaluated = true
		state.lastRatio = ratio
		state.lastIntersecting = intersecting
	}
	cb := w.callback
	w.mu.Unlock()

	if len(batch) > 0 && cb != nil {
		w.logger.Debug("Delivering intersection batch", zap.Int("entries", len(batch)))
		cb(batch)
	}
	return len(batch)
}

// crossed reports whether the ratio moved across any configured threshold.
func (w *Watcher) crossed(prev, next float64) bool {
	for _, th := range w.thresholds {
		if (prev < th) != (next < th) || (prev <= th) != (next <= th) {
			return true
		}
	}
	return false
}
