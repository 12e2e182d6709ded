package limiter

import (
	"context"
	"time"
)

// Store defines the interface for storing and updating rate records.
type Store interface {
	// Increment counts one request against key and returns the record after the update.
	// A missing record, or one whose window has expired at now, is replaced by a fresh
	// window starting at now with a count of 1. The read-decide-write must be atomic
	// with respect to concurrent calls for the same key.
	Increment(ctx context.Context, key string, window time.Duration, now time.Time) (Record, error)

	// Get returns the stored record for key without modifying it.
	// The boolean is false when no record exists.
	Get(ctx context.Context, key string) (Record, bool, error)

	// Delete removes the record for key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// DeleteExpired removes every record whose window has expired at now and
	// returns how many were removed.
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
}

// Record is the counter state for one (client, endpoint) key.
type Record struct {
	Count       int64         // requests observed in the current window
	WindowStart time.Time     // when the current window began
	Window      time.Duration // length of the window the record was created with
}

// ResetAt returns the instant the current window ends.
func (r Record) ResetAt() time.Time {
	return r.WindowStart.Add(r.Window)
}

// Expired reports whether the window is over at now.
func (r Record) Expired(now time.Time) bool {
	return now.Sub(r.WindowStart) > r.Window
}

// advance applies one request to a record read from a store.
func advance(rec Record, found bool, window time.Duration, now time.Time) Record {
	if !found || rec.Expired(now) {
		return Record{Count: 1, WindowStart: now, Window: window}
	}
	rec.Count++
	rec.Window = window
	return rec
}
