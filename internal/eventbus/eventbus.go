// Package eventbus provides a minimal typed event sink used by the
// Normalizer for notifying the surrounding application. The Builder
// reports progress through its own runtimebuild.ProgressFunc instead.
package eventbus

// Tracker receives events. Implementations must be safe for concurrent
// use from multiple goroutines.
type Tracker interface {
	OnEvent(any)
}

// NewTracker creates a Tracker from a typed callback function. The
// caller works with a concrete event type; the Tracker interface stays
// non-generic so it composes across components that emit different
// event shapes.
func NewTracker[E any](fn func(E)) Tracker {
	return funcTracker(func(v any) { fn(v.(E)) })
}

type funcTracker func(any)

func (f funcTracker) OnEvent(e any) { f(e) }

// Nop is a no-op tracker for callers that don't need events.
var Nop Tracker = funcTracker(func(any) {})
