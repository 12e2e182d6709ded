package limiter

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/toolink/ratewindow/pubsub"
	"github.com/toolink/ratewindow/worker"
)

// resetEvent is broadcast after an administrative reset.
type resetEvent struct {
	InstanceID string    `json:"instance_id"`
	Key        string    `json:"key"`
	At         time.Time `json:"at"`
}

// Start launches the periodic sweep and, when a broadcaster is configured,
// subscribes to reset events from other instances. It does not block.
func (rl *RateLimiter) Start(ctx context.Context) error {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if rl.sweeper != nil {
		return ErrAlreadyStarted
	}

	if rl.broker != nil {
		id, err := rl.broker.Subscribe(ctx, rl.resetTopic, rl.handleReset)
		if err != nil {
			log.Error().Err(err).Str("topic", rl.resetTopic).Msg("failed to subscribe to reset events")
			return err
		}
		rl.subID = id
	}

	sweeper := worker.NewTicker("ratelimit-sweep", rl.config.SweepInterval, func(ctx context.Context) error {
		_, err := rl.Sweep(ctx)
		return err
	})
	if err := sweeper.Start(ctx); err != nil {
		if rl.subID != "" {
			_ = rl.broker.Unsubscribe(ctx, rl.subID)
			rl.subID = ""
		}
		return err
	}
	rl.sweeper = sweeper

	log.Info().Dur("interval", rl.config.SweepInterval).Msg("rate limit sweeper started")
	return nil
}

// Stop halts the sweep and the reset subscription.
func (rl *RateLimiter) Stop(ctx context.Context) error {
	rl.mu.Lock()
	sweeper := rl.sweeper
	subID := rl.subID
	rl.sweeper = nil
	rl.subID = ""
	rl.mu.Unlock()

	if sweeper == nil {
		return ErrNotStarted
	}

	if subID != "" {
		if err := rl.broker.Unsubscribe(ctx, subID); err != nil {
			log.Warn().Err(err).Str("subscription_id", subID).Msg("failed to unsubscribe from reset events")
		}
	}

	err := sweeper.Stop(ctx)
	log.Info().Int64("swept_total", rl.swept.Load()).Msg("rate limit sweeper stopped")
	return err
}

// Sweep deletes expired records. The in-memory fallback is always swept; a
// separate primary store is swept only while the sweep lock (if any) is held.
func (rl *RateLimiter) Sweep(ctx context.Context) (int, error) {
	now := rl.now()

	removed, err := rl.fallback.DeleteExpired(ctx, now)
	if err != nil {
		return removed, err
	}

	if rl.store != Store(rl.fallback) {
		n, err := rl.sweepPrimary(ctx, now)
		removed += n
		if err != nil {
			rl.swept.Add(int64(removed))
			return removed, err
		}
	}

	rl.swept.Add(int64(removed))
	if removed > 0 {
		log.Debug().Int("removed", removed).Msg("expired rate records swept")
	}
	return removed, nil
}

func (rl *RateLimiter) sweepPrimary(ctx context.Context, now time.Time) (int, error) {
	if rl.sweepLock != nil {
		if err := rl.sweepLock.TryLock(ctx); err != nil {
			log.Debug().Err(err).Msg("sweep lock not acquired, skipping primary store sweep")
			return 0, nil
		}
		defer func() {
			if err := rl.sweepLock.Unlock(ctx); err != nil {
				log.Warn().Err(err).Msg("failed to release sweep lock")
			}
		}()
	}

	n, err := rl.store.DeleteExpired(ctx, now)
	if err != nil {
		log.Error().Err(err).Msg("primary store sweep failed")
		return n, err
	}
	return n, nil
}

func (rl *RateLimiter) broadcastReset(ctx context.Context, key string) {
	if rl.broker == nil {
		return
	}
	payload, err := json.Marshal(resetEvent{InstanceID: rl.instanceID, Key: key, At: rl.now()})
	if err != nil {
		log.Error().Err(err).Str("key", key).Msg("failed to encode reset event")
		return
	}
	if err := rl.broker.Publish(ctx, rl.resetTopic, payload); err != nil {
		log.Warn().Err(err).Str("key", key).Str("topic", rl.resetTopic).Msg("failed to broadcast reset")
	}
}

// handleReset drops the local copy of a record reset on another instance.
func (rl *RateLimiter) handleReset(ctx context.Context, msg *pubsub.Message) {
	var ev resetEvent
	if err := json.Unmarshal(msg.Payload, &ev); err != nil {
		log.Warn().Err(err).Str("topic", msg.Topic).Msg("ignoring malformed reset event")
		return
	}
	if ev.InstanceID == rl.instanceID {
		return
	}
	_ = rl.fallback.Delete(ctx, ev.Key)
	log.Debug().Str("key", ev.Key).Str("origin", ev.InstanceID).Msg("applied remote reset")
}
