package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for rate limit tracking.
var (
	rateLimitRemaining = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bulk_rate_limit_remaining",
		Help: "Requests remaining in the current stack rate limit window",
	})

	rateLimitCooldownsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bulk_rate_limit_cooldowns_total",
		Help: "Total number of cooldowns started after 429 responses",
	})

	rateLimitWaitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bulk_rate_limit_waits_total",
		Help: "Total number of requests held back by reason",
	}, []string{"reason"})
)

// Tracker gates requests on the shared rate limit state.
type Tracker struct {
	store  Store
	logger zerolog.Logger
	now    func() time.Time
}

// NewTracker creates a tracker over store.
func NewTracker(store Store, logger zerolog.Logger) *Tracker {
	if store == nil {
		store = NewMemoryStore()
	}
	return &Tracker{
		store:  store,
		logger: logger,
		now:    time.Now,
	}
}

// GetState returns the current state.
func (t *Tracker) GetState(ctx context.Context) (State, error) {
	state, err := t.store.Load(ctx)
	if err != nil {
		return State{}, fmt.Errorf("load rate limit state: %w", err)
	}
	return state, nil
}

// UpdateFromHeaders records the budget reported by a response. Cooldowns
// already in place are kept.
func (t *Tracker) UpdateFromHeaders(ctx context.Context, headers http.Header) error {
	parsed, ok, err := ParseHeaders(headers, t.now())
	if err != nil || !ok {
		return err
	}

	state, err := t.GetState(ctx)
	if err != nil {
		return err
	}
	state.Limit = parsed.Limit
	state.Remaining = parsed.Remaining
	state.LastUpdate = parsed.LastUpdate

	if err := t.store.Save(ctx, state); err != nil {
		return fmt.Errorf("save rate limit state: %w", err)
	}

	rateLimitRemaining.Set(float64(state.Remaining))
	t.logger.Debug().
		Int("limit", state.Limit).
		Int("remaining", state.Remaining).
		Msg("Rate limit state updated")
	return nil
}

// Cooldown holds every request sharing the store back for d. An existing,
// longer cooldown wins.
func (t *Tracker) Cooldown(ctx context.Context, d time.Duration) error {
	state, err := t.GetState(ctx)
	if err != nil {
		return err
	}

	until := t.now().Add(d)
	if until.Before(state.CooldownUntil) {
		return nil
	}
	state.CooldownUntil = until

	if err := t.store.Save(ctx, state); err != nil {
		return fmt.Errorf("save rate limit state: %w", err)
	}

	rateLimitCooldownsTotal.Inc()
	t.logger.Warn().
		Dur("cooldown", d).
		Time("until", until).
		Msg("Rate limited - cooling down")
	return nil
}

// Wait blocks while a cooldown is active or the current window is spent.
// Store failures are logged and do not block; only context cancellation
// returns an error.
func (t *Tracker) Wait(ctx context.Context) error {
	state, err := t.GetState(ctx)
	if err != nil {
		t.logger.Warn().Err(err).Msg("Rate limit state unavailable - not waiting")
		return nil
	}

	now := t.now()
	wait := state.CooldownRemaining(now)
	reason := "cooldown"
	if d := state.ThrottleDelay(now); d > wait {
		wait = d
		reason = "throttle"
	}
	if wait <= 0 {
		return nil
	}

	rateLimitWaitsTotal.WithLabelValues(reason).Inc()
	t.logger.Debug().
		Str("reason", reason).
		Dur("wait", wait).
		Int("remaining", state.Remaining).
		Msg("Holding request for rate limit")

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
