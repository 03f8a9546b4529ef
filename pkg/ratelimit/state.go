// Package ratelimit tracks the stack's request budget from response headers
// and 429 responses, and gates outgoing requests while the budget is spent.
// State lives behind a Store so that independent dispatchers, or separate
// processes sharing Redis, back off together.
package ratelimit

import (
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// Headers the stack uses to report its per-second budget.
const (
	HeaderLimit     = "X-RateLimit-Limit"
	HeaderRemaining = "X-RateLimit-Remaining"
)

// Window is the length of the stack's rate limit window.
const Window = 1 * time.Second

// ThresholdWarning throttles requests when fewer calls than this remain in
// the current window.
const ThresholdWarning = 1

// State is the last known rate limit budget plus any active cooldown.
type State struct {
	// Limit is the number of requests allowed per window (X-RateLimit-Limit).
	Limit int `json:"limit"`

	// Remaining is the number of requests left in the window (X-RateLimit-Remaining).
	Remaining int `json:"remaining"`

	// CooldownUntil is set after a 429; no request should be sent before it.
	CooldownUntil time.Time `json:"cooldown_until"`

	// LastUpdate is when the budget fields were last refreshed.
	LastUpdate time.Time `json:"last_update"`
}

// IsStale returns true if the budget is older than maxAge.
func (s State) IsStale(now time.Time, maxAge time.Duration) bool {
	return now.Sub(s.LastUpdate) > maxAge
}

// CooldownRemaining returns how long requests must still wait after a 429.
func (s State) CooldownRemaining(now time.Time) time.Duration {
	d := s.CooldownUntil.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// ThrottleDelay returns how long to wait for the current window to reset
// when its budget is spent. Stale budgets never throttle.
func (s State) ThrottleDelay(now time.Time) time.Duration {
	if s.Limit <= 0 || s.Remaining >= ThresholdWarning || s.IsStale(now, Window) {
		return 0
	}
	return Window - now.Sub(s.LastUpdate)
}

// ParseHeaders extracts the budget from response headers. ok is false when
// the response carries no rate limit headers.
func ParseHeaders(headers http.Header, now time.Time) (state State, ok bool, err error) {
	remainStr := headers.Get(HeaderRemaining)
	if remainStr == "" {
		return State{}, false, nil
	}

	remain, err := strconv.Atoi(remainStr)
	if err != nil {
		return State{}, false, fmt.Errorf("parse %s header: %w", HeaderRemaining, err)
	}

	limit := 0
	if limitStr := headers.Get(HeaderLimit); limitStr != "" {
		limit, err = strconv.Atoi(limitStr)
		if err != nil {
			return State{}, false, fmt.Errorf("parse %s header: %w", HeaderLimit, err)
		}
	}

	return State{
		Limit:      limit,
		Remaining:  remain,
		LastUpdate: now,
	}, true, nil
}
