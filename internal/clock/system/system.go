// Package system is the production importer.Clock.
package system

import "time"

// Clock reads the wall clock in UTC at microsecond precision, the finest
// precision a Postgres timestamptz keeps. Times it returns compare equal
// after a database round trip.
type Clock struct{}

// New returns a Clock.
func New() *Clock {
	return &Clock{}
}

// Now implements importer.Clock.
func (Clock) Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}
