//go:build integration

package ratelimit

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupRedis starts a Redis container and returns a client
func setupRedis(t *testing.T) (*redis.Client, func()) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}

	redisContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start Redis container: %v", err)
	}

	endpoint, err := redisContainer.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("Failed to get Redis endpoint: %v", err)
	}

	client := redis.NewClient(&redis.Options{
		Addr: endpoint,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		t.Fatalf("Failed to connect to Redis: %v", err)
	}

	cleanup := func() {
		client.Close()
		redisContainer.Terminate(ctx)
	}

	return client, cleanup
}

func TestRedisStore_Integration_RoundTrip(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	store := NewRedisStore(redisClient, "blt-stack")
	ctx := context.Background()

	state, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("Load() on empty Redis error = %v", err)
	}
	if state != (State{}) {
		t.Errorf("Load() on empty Redis = %+v, want zero state", state)
	}

	want := State{
		Limit:         10,
		Remaining:     3,
		CooldownUntil: time.Now().Add(time.Second).UTC().Truncate(time.Millisecond),
		LastUpdate:    time.Now().UTC().Truncate(time.Millisecond),
	}
	if err := store.Save(ctx, want); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	got, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got.Limit != want.Limit || got.Remaining != want.Remaining ||
		!got.CooldownUntil.Equal(want.CooldownUntil) || !got.LastUpdate.Equal(want.LastUpdate) {
		t.Errorf("Load() = %+v, want %+v", got, want)
	}

	ttl, err := redisClient.TTL(ctx, store.Key()).Result()
	if err != nil {
		t.Fatalf("TTL() error = %v", err)
	}
	if ttl <= 0 || ttl > time.Minute {
		t.Errorf("TTL = %v, want within (0, 1m]", ttl)
	}
}

func TestTracker_Integration_SharedCooldown(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	ctx := context.Background()
	first := NewTracker(NewRedisStore(redisClient, "blt-stack"), zerolog.Nop())
	second := NewTracker(NewRedisStore(redisClient, "blt-stack"), zerolog.Nop())
	other := NewTracker(NewRedisStore(redisClient, "blt-other"), zerolog.Nop())

	if err := first.Cooldown(ctx, 200*time.Millisecond); err != nil {
		t.Fatalf("Cooldown() error = %v", err)
	}

	start := time.Now()
	if err := second.Wait(ctx); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed < 100*time.Millisecond {
		t.Errorf("second tracker waited %v, want the shared cooldown", elapsed)
	}

	start = time.Now()
	if err := other.Wait(ctx); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		t.Errorf("tracker of another stack waited %v, want no wait", elapsed)
	}
}

func TestTracker_Integration_UpdateFromHeaders(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	ctx := context.Background()
	tracker := NewTracker(NewRedisStore(redisClient, "blt-stack"), zerolog.Nop())

	headers := http.Header{}
	headers.Set(HeaderLimit, "10")
	headers.Set(HeaderRemaining, "6")
	if err := tracker.UpdateFromHeaders(ctx, headers); err != nil {
		t.Fatalf("UpdateFromHeaders() error = %v", err)
	}

	state, err := tracker.GetState(ctx)
	if err != nil {
		t.Fatalf("GetState() error = %v", err)
	}
	if state.Limit != 10 || state.Remaining != 6 {
		t.Errorf("state = %d/%d, want 6/10", state.Remaining, state.Limit)
	}
}
