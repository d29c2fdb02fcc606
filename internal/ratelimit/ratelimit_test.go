package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/nimbus-chat/hub-server/internal/ephemeral"
)

func newTestLimiter(t *testing.T) (*miniredis.Miniredis, *Limiter) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, NewLimiter(ephemeral.New(rdb))
}

func TestAllowUpToLimit(t *testing.T) {
	t.Parallel()
	_, l := newTestLimiter(t)
	ctx := context.Background()
	userID := uuid.New()

	for i := 0; i < 3; i++ {
		allowed, err := l.Allow(ctx, userID, 3, time.Minute)
		if err != nil {
			t.Fatalf("Allow() call %d error = %v", i, err)
		}
		if !allowed {
			t.Fatalf("Allow() call %d = false, want true", i)
		}
	}

	allowed, err := l.Allow(ctx, userID, 3, time.Minute)
	if err != nil {
		t.Fatalf("Allow() error = %v", err)
	}
	if allowed {
		t.Error("Allow() past limit = true, want false")
	}
}

func TestAllowResetsAfterWindow(t *testing.T) {
	t.Parallel()
	mr, l := newTestLimiter(t)
	ctx := context.Background()
	userID := uuid.New()

	for i := 0; i < 2; i++ {
		if allowed, err := l.Allow(ctx, userID, 2, 10*time.Second); err != nil || !allowed {
			t.Fatalf("Allow() call %d = (%v, %v), want (true, nil)", i, allowed, err)
		}
	}
	if allowed, _ := l.Allow(ctx, userID, 2, 10*time.Second); allowed {
		t.Fatal("Allow() at limit = true, want false")
	}

	mr.FastForward(11 * time.Second)

	allowed, err := l.Allow(ctx, userID, 2, 10*time.Second)
	if err != nil {
		t.Fatalf("Allow() after window error = %v", err)
	}
	if !allowed {
		t.Error("Allow() after window reset = false, want true")
	}
}

func TestAllowIsPerUser(t *testing.T) {
	t.Parallel()
	_, l := newTestLimiter(t)
	ctx := context.Background()
	alice, bob := uuid.New(), uuid.New()

	for i := 0; i < 2; i++ {
		if allowed, _ := l.Allow(ctx, alice, 2, time.Minute); !allowed {
			t.Fatalf("Allow(alice) call %d = false", i)
		}
	}
	if allowed, _ := l.Allow(ctx, alice, 2, time.Minute); allowed {
		t.Fatal("Allow(alice) past limit = true")
	}

	allowed, err := l.Allow(ctx, bob, 2, time.Minute)
	if err != nil {
		t.Fatalf("Allow(bob) error = %v", err)
	}
	if !allowed {
		t.Error("Allow(bob) = false, want true (limits must not leak across users)")
	}
}
