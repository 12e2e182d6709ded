package limiter

import "time"

// Decision is the outcome of CheckAndRecord.
// Denial is a normal outcome reported through Allowed, never as an error.
type Decision struct {
	Allowed           bool
	Limit             int       // max requests per window
	Remaining         int       // requests left in the window, never negative
	Count             int64     // requests counted in the window, including this one
	ResetAt           time.Time // end of the current window
	ResetSeconds      int       // seconds until ResetAt, rounded up
	RetryAfterSeconds int       // set only when denied
	Degraded          bool      // decided without the primary store
}

// RetryAfter returns the suggested wait before retrying a denied request.
func (d Decision) RetryAfter() time.Duration {
	return time.Duration(d.RetryAfterSeconds) * time.Second
}

// Status is a read-only snapshot of a key's quota.
type Status struct {
	Count        int64
	Limit        int
	Remaining    int
	ResetAt      time.Time
	ResetSeconds int
	Exceeded     bool // the next request would be denied
	Degraded     bool // read from the fallback store
}

func newDecision(rec Record, limit Limit, now time.Time) Decision {
	resetAt := rec.ResetAt()
	d := Decision{
		Allowed:      rec.Count <= int64(limit.MaxRequests),
		Limit:        limit.MaxRequests,
		Remaining:    remaining(limit.MaxRequests, rec.Count),
		Count:        rec.Count,
		ResetAt:      resetAt,
		ResetSeconds: ceilSeconds(resetAt.Sub(now)),
	}
	if !d.Allowed {
		d.RetryAfterSeconds = max(1, d.ResetSeconds)
	}
	return d
}

func newStatus(rec Record, found bool, limit Limit, now time.Time) Status {
	if !found || rec.Expired(now) {
		return Status{
			Limit:     limit.MaxRequests,
			Remaining: limit.MaxRequests,
			Exceeded:  limit.MaxRequests == 0,
		}
	}
	resetAt := rec.ResetAt()
	return Status{
		Count:        rec.Count,
		Limit:        limit.MaxRequests,
		Remaining:    remaining(limit.MaxRequests, rec.Count),
		ResetAt:      resetAt,
		ResetSeconds: ceilSeconds(resetAt.Sub(now)),
		Exceeded:     rec.Count >= int64(limit.MaxRequests),
	}
}

func remaining(maxRequests int, count int64) int {
	left := int64(maxRequests) - count
	if left < 0 {
		return 0
	}
	return int(left)
}

// ceilSeconds rounds a positive duration up to whole seconds.
func ceilSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int((d + time.Second - 1) / time.Second)
}
