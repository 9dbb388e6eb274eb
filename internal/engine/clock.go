package engine

import "time"

// Clock supplies client_created_at for new drafts.
//
// The engine never compares wall-clock readings with each other, only
// stamps them onto drafts, so a fixed or stepping clock is enough for
// deterministic tests.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

// Now returns the current UTC time truncated to milliseconds.
func (SystemClock) Now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}
