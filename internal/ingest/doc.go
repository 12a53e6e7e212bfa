// Package ingest runs one import: it consumes the producer's event stream,
// buffers scraped questions in an unbounded FIFO and persists them with a
// single writer, while keeping run metrics and a small state machine.
//
// The producer side (stream reading) and the consumer side (persistence)
// run on separate goroutines joined by the queue. A run is finished only
// when the stream has ended and nothing is queued or in flight.
package ingest
