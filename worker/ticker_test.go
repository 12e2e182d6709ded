package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestTickerRunsJob(t *testing.T) {
	var calls atomic.Int32
	tk := NewTicker("count", 5*time.Millisecond, func(context.Context) error {
		calls.Add(1)
		return nil
	})

	require.NoError(t, tk.Start(context.Background()))
	assert.Eventually(t, func() bool { return calls.Load() >= 3 }, time.Second, time.Millisecond)
	require.NoError(t, tk.Stop(context.Background()))

	after := calls.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, after, calls.Load(), "no runs after stop")

	st := tk.Stats()
	assert.Equal(t, "count", st.Name)
	assert.False(t, st.Running)
	assert.Equal(t, int64(after), st.Runs)
	assert.False(t, st.LastRun.IsZero())
}

func TestTickerStartStopErrors(t *testing.T) {
	ctx := context.Background()
	noop := func(context.Context) error { return nil }

	assert.ErrorIs(t, NewTicker("bad", 0, noop).Start(ctx), ErrInvalidInterval)
	assert.Error(t, NewTicker("nil", time.Second, nil).Start(ctx))

	tk := NewTicker("twice", time.Hour, noop)
	assert.ErrorIs(t, tk.Stop(ctx), ErrTickerNotRunning)
	require.NoError(t, tk.Start(ctx))
	assert.ErrorIs(t, tk.Start(ctx), ErrTickerRunning)
	require.NoError(t, tk.Stop(ctx))
	assert.ErrorIs(t, tk.Stop(ctx), ErrTickerNotRunning)
}

func TestTickerRunOnStart(t *testing.T) {
	ran := make(chan struct{}, 1)
	tk := NewTicker("eager", time.Hour, func(context.Context) error {
		select {
		case ran <- struct{}{}:
		default:
		}
		return nil
	}, WithRunOnStart())

	require.NoError(t, tk.Start(context.Background()))
	t.Cleanup(func() { _ = tk.Stop(context.Background()) })

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("job did not run on start")
	}
}

func TestTickerCountsFailuresAndPanics(t *testing.T) {
	var calls atomic.Int32
	tk := NewTicker("flaky", 5*time.Millisecond, func(context.Context) error {
		switch calls.Add(1) {
		case 1:
			return errors.New("transient")
		case 2:
			panic("boom")
		}
		return nil
	})

	require.NoError(t, tk.Start(context.Background()))
	assert.Eventually(t, func() bool { return calls.Load() >= 3 }, time.Second, time.Millisecond)
	require.NoError(t, tk.Stop(context.Background()))

	assert.Equal(t, int64(2), tk.Stats().Failures)
}

func TestTickerJobTimeout(t *testing.T) {
	deadlineSeen := make(chan time.Duration, 1)
	tk := NewTicker("bounded", time.Hour, func(ctx context.Context) error {
		dl, ok := ctx.Deadline()
		if ok {
			select {
			case deadlineSeen <- time.Until(dl):
			default:
			}
		}
		return nil
	}, WithRunOnStart(), WithJobTimeout(50*time.Millisecond))

	require.NoError(t, tk.Start(context.Background()))
	t.Cleanup(func() { _ = tk.Stop(context.Background()) })

	select {
	case left := <-deadlineSeen:
		assert.LessOrEqual(t, left, 50*time.Millisecond)
	case <-time.After(time.Second):
		t.Fatal("job did not run")
	}
}

func TestTickerStopsWithParentContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls atomic.Int32
	tk := NewTicker("parent", 5*time.Millisecond, func(context.Context) error {
		calls.Add(1)
		return nil
	})
	require.NoError(t, tk.Start(ctx))
	assert.Eventually(t, func() bool { return calls.Load() >= 1 }, time.Second, time.Millisecond)

	cancel()
	require.NoError(t, tk.Stop(context.Background()))
}

func TestTickerStopTimesOut(t *testing.T) {
	block := make(chan struct{})
	started := make(chan struct{})
	tk := NewTicker("stuck", time.Hour, func(context.Context) error {
		close(started)
		<-block
		return nil
	}, WithRunOnStart())

	require.NoError(t, tk.Start(context.Background()))
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := tk.Stop(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	close(block)
}

func TestTickerRunWithErrgroup(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls atomic.Int32
	tk := NewTicker("group", 5*time.Millisecond, func(context.Context) error {
		calls.Add(1)
		return nil
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(tk.Run(gctx))

	assert.Eventually(t, func() bool { return calls.Load() >= 2 }, time.Second, time.Millisecond)
	cancel()
	require.NoError(t, g.Wait())
	assert.False(t, tk.Stats().Running)
}
