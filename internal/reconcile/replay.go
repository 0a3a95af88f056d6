package reconcile

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// ReplayState is what the guard knows about an event id.
type ReplayState int

const (
	// ReplayNew means the caller now owns the event.
	ReplayNew ReplayState = iota
	// ReplayInFlight means another delivery of the event is being handled.
	ReplayInFlight
	// ReplayDone means the event was handled before.
	ReplayDone
)

const (
	replayProcessing = "processing"
	replayCompleted  = "done"
)

// ReplayGuard remembers handled event ids.
type ReplayGuard interface {
	Begin(ctx context.Context, provider, eventID string) (ReplayState, error)
	Complete(ctx context.Context, provider, eventID string) error
	Abort(ctx context.Context, provider, eventID string) error
}

// RedisReplayGuard implements ReplayGuard with SETNX. A claim expires after
// InFlightTTL so a crashed handler does not block redelivery for long.
type RedisReplayGuard struct {
	Client      redis.Cmdable
	TTL         time.Duration
	InFlightTTL time.Duration
}

func replayKey(provider, eventID string) string {
	return "whevt:" + provider + ":" + eventID
}

// Begin claims eventID.
func (g RedisReplayGuard) Begin(ctx context.Context, provider, eventID string) (ReplayState, error) {
	if g.Client == nil {
		return ReplayNew, nil
	}
	ttl := g.InFlightTTL
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	key := replayKey(provider, eventID)
	ok, err := g.Client.SetNX(ctx, key, replayProcessing, ttl).Result()
	if err != nil {
		return ReplayNew, err
	}
	if ok {
		return ReplayNew, nil
	}
	state, err := g.Client.Get(ctx, key).Result()
	switch {
	case errors.Is(err, redis.Nil):
		// Expired between the two calls; the next delivery claims it.
		return ReplayInFlight, nil
	case err != nil:
		return ReplayNew, err
	case state == replayCompleted:
		return ReplayDone, nil
	default:
		return ReplayInFlight, nil
	}
}

// Complete marks eventID handled for TTL.
func (g RedisReplayGuard) Complete(ctx context.Context, provider, eventID string) error {
	if g.Client == nil {
		return nil
	}
	ttl := g.TTL
	if ttl <= 0 {
		ttl = 72 * time.Hour
	}
	return g.Client.Set(ctx, replayKey(provider, eventID), replayCompleted, ttl).Err()
}

// Abort drops the claim so a redelivery is processed again.
func (g RedisReplayGuard) Abort(ctx context.Context, provider, eventID string) error {
	if g.Client == nil {
		return nil
	}
	return g.Client.Del(ctx, replayKey(provider, eventID)).Err()
}
