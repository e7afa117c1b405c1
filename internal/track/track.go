// Package track defines the immutable playable-media descriptor produced by
// resolution and consumed by the playback engine.
package track

// Track is a resolved media reference. Values are never mutated after
// resolution; the queue copies them freely.
type Track struct {
	Title       string
	URL         string
	Duration    string // human readable, e.g. "3:41" or "live"
	RequestedBy string
}
