// File: internal/orchestrator/legacy.go
package orchestrator

import (
	"context"

	"github.com/blazekit/blazekit/internal/domutil"
	"github.com/blazekit/blazekit/internal/media"
	"github.com/blazekit/blazekit/internal/observe"
	"github.com/blazekit/blazekit/internal/viewport"
	"go.uber.org/zap"
	"golang.org/x/net/html"
)

// legacyLoader is the position-polling fallback used when intersection
// observation is unavailable. Each tick compares element tops against the
// scrolled viewport bottom and loads everything that has come into range.
// There is no unobserve; loaded elements drop out through the loaded-class
// check on the next query.
type legacyLoader struct {
	root     *html.Node
	opts     observe.Options
	loader   *media.Loader
	resolver viewport.GeometryResolver
	logger   *zap.Logger
}

func newLegacyLoader(root *html.Node, opts observe.Options, loader *media.Loader, resolver viewport.GeometryResolver, logger *zap.Logger) *legacyLoader {
	return &legacyLoader{
		root:     root,
		opts:     opts,
		loader:   loader,
		resolver: resolver,
		logger:   logger.Named("legacy"),
	}
}

// Tick runs one polling pass for the given view. The effective bottom extends
// by the same margin the observer variant would apply, so both strategies
// load at comparable scroll positions.
func (ll *legacyLoader) Tick(ctx context.Context, view viewport.View) int {
	margin, err := viewport.ParseMargin(ll.opts.RootMargin)
	if err != nil {
		margin = viewport.Margin{}
	}
	window := margin.Expand(view.Rect())

	loaded := 0
	for _, el := range domutil.QueryAll(ll.root, ll.opts.Selector) {
		if domutil.HasClass(el, ll.opts.LoadedClass) {
			continue
		}
		r, ok := ll.resolver.Rect(el)
		if !ok {
			continue
		}
		if r.Y <= window.Bottom() {
			ll.loader.LazyLoad(ctx, el)
			loaded++
		}
	}
	if loaded > 0 {
		ll.logger.Debug("Legacy pass loaded elements", zap.Int("count", loaded))
	}
	return loaded
}
