package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

var (
	ErrTickerRunning    = errors.New("ticker already running")
	ErrTickerNotRunning = errors.New("ticker not running")
	ErrInvalidInterval  = errors.New("ticker interval must be positive")
)

// Job is one unit of periodic work.
type Job func(ctx context.Context) error

// Ticker runs a Job on a fixed interval in its own goroutine.
// Runs never overlap; a tick that fires while a run is in progress is skipped.
type Ticker struct {
	name     string
	interval time.Duration
	job      Job
	opts     tickerOptions

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool

	runs     atomic.Int64
	failures atomic.Int64
	lastRun  atomic.Int64 // unix nanoseconds
}

// TickerStats is a snapshot of a ticker's counters.
type TickerStats struct {
	Name     string
	Running  bool
	Runs     int64
	Failures int64
	LastRun  time.Time
}

// NewTicker creates a stopped ticker.
func NewTicker(name string, interval time.Duration, job Job, opts ...TickerOption) *Ticker {
	cfg := defaultTickerOptions()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.jobTimeout == 0 {
		cfg.jobTimeout = interval
	}
	return &Ticker{
		name:     name,
		interval: interval,
		job:      job,
		opts:     cfg,
	}
}

// Name returns the ticker name.
func (t *Ticker) Name() string {
	return t.name
}

// Start launches the ticker loop and returns immediately.
// The loop ends when ctx is cancelled or Stop is called.
func (t *Ticker) Start(ctx context.Context) error {
	if t.interval <= 0 {
		return fmt.Errorf("%w: %s", ErrInvalidInterval, t.name)
	}
	if t.job == nil {
		return fmt.Errorf("ticker %s: job cannot be nil", t.name)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return ErrTickerRunning
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	t.cancel = cancel
	t.done = make(chan struct{})
	t.running = true

	go func() {
		defer close(t.done)
		t.loop(ctx, loopCtx)
	}()

	log.Debug().Str("ticker", t.name).Dur("interval", t.interval).Msg("ticker started")
	return nil
}

// Stop cancels the loop and waits for an in-flight run to return, or for ctx.
func (t *Ticker) Stop(ctx context.Context) error {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return ErrTickerNotRunning
	}
	t.running = false
	cancel, done := t.cancel, t.done
	t.mu.Unlock()

	cancel()

	select {
	case <-done:
		log.Debug().Str("ticker", t.name).Int64("runs", t.runs.Load()).Msg("ticker stopped")
		return nil
	case <-ctx.Done():
		log.Error().Err(ctx.Err()).Str("ticker", t.name).Msg("ticker stop timed out")
		return fmt.Errorf("stop %s: %w", t.name, ctx.Err())
	}
}

// Run returns a blocking function suited to errgroup.Go: it starts the ticker,
// waits for ctx to end, then stops it.
func (t *Ticker) Run(ctx context.Context) func() error {
	return func() error {
		if err := t.Start(ctx); err != nil {
			return err
		}
		<-ctx.Done()
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), t.opts.jobTimeout)
		defer cancel()
		if err := t.Stop(stopCtx); err != nil && !errors.Is(err, ErrTickerNotRunning) {
			return err
		}
		return nil
	}
}

// Stats returns the ticker counters.
func (t *Ticker) Stats() TickerStats {
	t.mu.Lock()
	running := t.running
	t.mu.Unlock()

	st := TickerStats{
		Name:     t.name,
		Running:  running,
		Runs:     t.runs.Load(),
		Failures: t.failures.Load(),
	}
	if ns := t.lastRun.Load(); ns > 0 {
		st.LastRun = time.Unix(0, ns)
	}
	return st
}

func (t *Ticker) loop(parent, ctx context.Context) {
	if t.opts.runOnStart {
		t.runOnce(ctx)
	}

	tk := time.NewTicker(t.interval)
	defer tk.Stop()

	for {
		select {
		case <-parent.Done():
			return
		case <-ctx.Done():
			return
		case <-tk.C:
			t.runOnce(ctx)
		}
	}
}

func (t *Ticker) runOnce(ctx context.Context) {
	runCtx, cancel := context.WithTimeout(ctx, t.opts.jobTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			t.failures.Add(1)
			log.Error().Str("ticker", t.name).Interface("panic_value", r).Msg("ticker job panicked")
		}
	}()

	start := time.Now()
	t.runs.Add(1)
	t.lastRun.Store(start.UnixNano())

	if err := t.job(runCtx); err != nil {
		t.failures.Add(1)
		log.Error().Err(err).Str("ticker", t.name).Dur("elapsed", time.Since(start)).Msg("ticker job failed")
		return
	}
	log.Debug().Str("ticker", t.name).Dur("elapsed", time.Since(start)).Msg("ticker job finished")
}
