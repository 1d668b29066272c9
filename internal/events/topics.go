// File: internal/events/topics.go
package events

import "golang.org/x/net/html"

// Topic identifies a class of pipeline events.
type Topic string

const (
	// TopicIntersecting fires when an observed element first enters the viewport.
	TopicIntersecting Topic = "element.intersecting"
	// TopicLoaded fires after a load attempt completes, regardless of outcome.
	TopicLoaded Topic = "element.loaded"
	// TopicNativeDone fires once per document after all native-lazy candidates
	// have been activated.
	TopicNativeDone Topic = "document.native_done"
	// TopicRatioBroadcast carries the uniform aspect-ratio padding for
	// containers opted into the uniform swap.
	TopicRatioBroadcast Topic = "document.ratio_broadcast"
	// TopicAttachDone fires after the orchestrator completes its initial pass
	// over an attached subtree.
	TopicAttachDone Topic = "document.attach_done"
	// TopicResize signals a viewport resize; the orchestrator recomputes fluid
	// ratios on receipt.
	TopicResize Topic = "viewport.resize"
)

// ElementPayload accompanies element-scoped topics.
type ElementPayload struct {
	Element *html.Node
	// Success reports the load outcome on TopicLoaded; meaningless elsewhere.
	Success bool
	// URL is the resolved media source, when one was selected.
	URL string
}

// RatioPayload accompanies TopicRatioBroadcast.
type RatioPayload struct {
	// Padding is the padding-bottom percentage applied to ratio containers.
	Padding float64
}

// ResizePayload accompanies TopicResize.
type ResizePayload struct {
	Width  float64
	Height float64
}
