// Package progress provides the event primitives, non-blocking hub, and emitter
// interfaces that import runs use to report their progress. The hub batches
// events on a background goroutine and fans them out to pluggable sinks such
// as the terminal reporter, Prometheus metrics, or the job store.
package progress
