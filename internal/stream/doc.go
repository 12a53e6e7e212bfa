// Package stream consumes the producer's server-sent event stream.
//
// A Client opens one connection per run and yields a closed set of typed
// events. It never reconnects on its own: a dropped connection would restart
// the remote scrape from the beginning, so transport failures surface as
// errors and the caller decides what to do. Liveness is inferred from
// keepalives; a connection that stays silent for longer than the stall
// timeout is closed and reported as importer.ErrStalled.
package stream
