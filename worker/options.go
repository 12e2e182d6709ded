package worker

import (
	"time"
)

type tickerOptions struct {
	jobTimeout time.Duration // Per-run context deadline. 0 = the interval
	runOnStart bool          // Run the job once before the first tick
}

func defaultTickerOptions() tickerOptions {
	return tickerOptions{
		jobTimeout: 0,
		runOnStart: false,
	}
}

// TickerOption configures a Ticker.
type TickerOption func(*tickerOptions)

// WithJobTimeout bounds each run of the job. Defaults to the tick interval.
func WithJobTimeout(d time.Duration) TickerOption {
	return func(o *tickerOptions) {
		if d > 0 {
			o.jobTimeout = d
		}
	}
}

// WithRunOnStart runs the job immediately when the ticker starts.
func WithRunOnStart() TickerOption {
	return func(o *tickerOptions) {
		o.runOnStart = true
	}
}
