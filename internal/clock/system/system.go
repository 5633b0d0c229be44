// Package system provides the wall clock used to stamp manifest rows and name run folders.
package system

import "time"

// Clock implements pipeline.Clock using time.Now.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time in UTC, truncated to microseconds so that
// timestamps survive a round trip through the manifest CSV.
func (Clock) Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}
