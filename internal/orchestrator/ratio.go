// File: internal/orchestrator/ratio.go
package orchestrator

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/antchfx/htmlquery"
	"github.com/blazekit/blazekit/internal/domutil"
	"github.com/blazekit/blazekit/internal/events"
	"go.uber.org/zap"
	"golang.org/x/net/html"
)

// findRatioContainers collects the elements declaring aspect-ratio hints.
// These get a padding-bottom percentage so the page does not reflow when
// their media arrives. The union query runs as XPath, which keeps document
// order across both attributes in a single pass.
func (o *Orchestrator) findRatioContainers(root *html.Node) []*html.Node {
	nodes, err := htmlquery.QueryAll(root, "//*[@data-dimensions or @data-ratio]")
	if err != nil {
		o.logger.Warn("Ratio container query failed", zap.Error(err))
		return nil
	}
	return nodes
}

// applyRatiosLocked recomputes padding percentages for the current viewport
// width. Breakpointed dimensions win over the flat data-ratio value. With
// uniform ratio enabled, the first computed padding is broadcast once so
// same-shaped grids can size themselves without per-element styles.
func (o *Orchestrator) applyRatiosLocked() {
	uniform := -1.0
	for _, el := range o.ratioContainers {
		ratio, ok := o.ratioFor(el)
		if !ok {
			continue
		}
		setPadding(el, ratio)
		if uniform < 0 {
			uniform = ratio
		}
	}

	if o.cfg.UniformRatio && uniform >= 0 && !o.ratioBroadcast {
		o.ratioBroadcast = true
		_ = o.bus.Post(context.Background(), events.TopicRatioBroadcast, events.RatioPayload{Padding: uniform})
		o.logger.Debug("Uniform ratio broadcast", zap.Float64("padding", uniform))
	}
}

// ratioFor derives the padding percentage for one container.
func (o *Orchestrator) ratioFor(el *html.Node) (float64, bool) {
	if ds := domutil.ParseDataset(el, "data-dimensions"); ds != nil {
		if entry, ok := ds.ActiveWidth(o.view.Width, o.view.PixelRatio, o.cfg.MobileFirst); ok && entry.Ratio > 0 {
			return entry.Ratio, true
		}
	}
	if raw := domutil.Attr(el, "data-ratio"); raw != "" {
		if ratio, err := strconv.ParseFloat(raw, 64); err == nil && ratio > 0 {
			return ratio, true
		}
	}
	return 0, false
}

// setPadding writes the padding-bottom style, preserving any background image
// the media loader already applied.
func setPadding(el *html.Node, ratio float64) {
	padding := fmt.Sprintf("padding-bottom: %.4f%%;", ratio)
	existing := domutil.Attr(el, "style")
	switch {
	case existing == "":
		domutil.SetAttr(el, "style", padding)
	default:
		domutil.SetAttr(el, "style", mergeStyle(existing, padding))
	}
}

// mergeStyle replaces any existing padding-bottom declaration with the new
// one, leaving other declarations intact.
func mergeStyle(existing, padding string) string {
	var kept []string
	for _, decl := range strings.Split(existing, ";") {
		decl = strings.TrimSpace(decl)
		if decl == "" || strings.HasPrefix(strings.ToLower(decl), "padding-bottom") {
			continue
		}
		kept = append(kept, decl+";")
	}
	kept = append(kept, padding)
	return strings.Join(kept, " ")
}
