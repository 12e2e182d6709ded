package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Manager owns a set of tickers and stops them together.
type Manager struct {
	mu      sync.Mutex
	tickers map[string]*Ticker // Key: ticker name
	running bool
}

// NewManager creates a new Manager.
func NewManager() *Manager {
	return &Manager{
		tickers: make(map[string]*Ticker),
		running: true,
	}
}

// Schedule creates a ticker for job and starts it.
func (m *Manager) Schedule(ctx context.Context, name string, interval time.Duration, job Job, opts ...TickerOption) (*Ticker, error) {
	if name == "" {
		return nil, errors.New("ticker name cannot be empty")
	}
	if job == nil {
		return nil, errors.New("job cannot be nil")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return nil, errors.New("worker manager is not running")
	}
	if _, exists := m.tickers[name]; exists {
		return nil, fmt.Errorf("ticker %s already scheduled", name)
	}

	t := NewTicker(name, interval, job, opts...)
	if err := t.Start(ctx); err != nil {
		return nil, err
	}
	m.tickers[name] = t

	log.Info().Str("ticker", name).Dur("interval", interval).Msg("job scheduled")
	return t, nil
}

// Cancel stops and removes one ticker.
func (m *Manager) Cancel(ctx context.Context, name string) error {
	m.mu.Lock()
	t, ok := m.tickers[name]
	if !ok {
		m.mu.Unlock()
		log.Warn().Str("ticker", name).Msg("cancel called for unknown ticker")
		return nil
	}
	delete(m.tickers, name)
	m.mu.Unlock() // Release lock before potentially blocking stop

	return t.Stop(ctx)
}

// Stats returns a snapshot of every scheduled ticker.
func (m *Manager) Stats() []TickerStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]TickerStats, 0, len(m.tickers))
	for _, t := range m.tickers {
		out = append(out, t.Stats())
	}
	return out
}

// Shutdown stops all tickers concurrently and waits for them, or for ctx.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return errors.New("worker manager already shut down")
	}
	m.running = false

	toStop := make([]*Ticker, 0, len(m.tickers))
	for _, t := range m.tickers {
		toStop = append(toStop, t)
	}
	m.tickers = make(map[string]*Ticker)
	m.mu.Unlock()

	log.Info().Int("ticker_count", len(toStop)).Msg("shutting down tickers...")

	var (
		wg    sync.WaitGroup
		errMu sync.Mutex
		errs  []error
	)
	for _, t := range toStop {
		wg.Add(1)
		go func(t *Ticker) {
			defer wg.Done()
			if err := t.Stop(ctx); err != nil && !errors.Is(err, ErrTickerNotRunning) {
				errMu.Lock()
				errs = append(errs, err)
				errMu.Unlock()
			}
		}(t)
	}
	wg.Wait()

	if err := errors.Join(errs...); err != nil {
		log.Error().Err(err).Msg("worker manager shutdown finished with errors")
		return err
	}
	log.Info().Msg("worker manager shutdown complete")
	return nil
}
