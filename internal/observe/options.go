// File: internal/observe/options.go
package observe

import (
	"context"

	"golang.org/x/net/html"
)

// LoaderFunc is the loading hook invoked for each intersecting element. The
// media loader supplies the real implementation; the default hook simply
// marks the element loaded.
type LoaderFunc func(ctx context.Context, el *html.Node)

// Options configure an engine instance. User options are merged over defaults
// at construction.
type Options struct {
	// Root is the subtree the selector is evaluated under. Required.
	Root *html.Node

	// Selector matches the lazy elements to observe.
	Selector string

	// Class names applied through the element lifecycle. BackgroundClass
	// flags containers loaded via CSS background instead of src.
	SuccessClass    string
	ErrorClass      string
	LoadedClass     string
	BackgroundClass string

	// RootMargin expands (or shrinks) the viewport for intersection purposes,
	// CSS-style, px units only.
	RootMargin string

	// Thresholds are the intersection ratios that trigger delivery.
	Thresholds []float64

	// MobileFirst switches breakpoint selection to window-width comparison.
	// Boolean fields are taken verbatim at construction; false means off.
	MobileFirst bool

	// DisconnectWhenDone releases the watcher once every target has been
	// processed. Opt-in: the zero value keeps the watcher alive.
	DisconnectWhenDone bool

	// RevalidateBudget caps how many times Revalidate may re-query the DOM,
	// guarding against runaway re-queries on rapid resize events.
	RevalidateBudget int

	// Callbacks. All optional.
	Intersecting func(el *html.Node)
	Observing    func(count int)
	Success      func(el *html.Node)
	Error        func(el *html.Node)

	// Loader is the per-element loading hook.
	Loader LoaderFunc
}

// DefaultOptions returns the baseline option set. It carries no boolean
// defaults: merge copies boolean fields verbatim from the caller, so flags
// like DisconnectWhenDone must be enabled explicitly.
func DefaultOptions() Options {
	return Options{
		Selector:         ".b-lazy",
		SuccessClass:     "b-loaded",
		ErrorClass:       "b-error",
		LoadedClass:      "b-loaded",
		BackgroundClass:  "b-bg",
		RootMargin:       "0px",
		Thresholds:       []float64{0},
		RevalidateBudget: 10,
	}
}

// merge overlays the user's options on the defaults. Zero values defer to the
// default; explicit booleans are taken as given since their zero value is a
// meaningful setting.
func merge(user Options) Options {
	opts := DefaultOptions()

	opts.Root = user.Root
	if user.Selector != "" {
		opts.Selector = user.Selector
	}
	if user.SuccessClass != "" {
		opts.SuccessClass = user.SuccessClass
	}
	if user.ErrorClass != "" {
		opts.ErrorClass = user.ErrorClass
	}
	if user.LoadedClass != "" {
		opts.LoadedClass = user.LoadedClass
	}
	if user.BackgroundClass != "" {
		opts.BackgroundClass = user.BackgroundClass
	}
	if user.RootMargin != "" {
		opts.RootMargin = user.RootMargin
	}
	if len(user.Thresholds) > 0 {
		opts.Thresholds = user.Thresholds
	}
	if user.RevalidateBudget > 0 {
		opts.RevalidateBudget = user.RevalidateBudget
	}
	opts.MobileFirst = user.MobileFirst
	opts.DisconnectWhenDone = user.DisconnectWhenDone
	opts.Intersecting = user.Intersecting
	opts.Observing = user.Observing
	opts.Success = user.Success
	opts.Error = user.Error
	opts.Loader = user.Loader
	return opts
}
