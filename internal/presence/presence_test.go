package presence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/nimbus-chat/hub-server/internal/ephemeral"
)

func newTestStore(t *testing.T) (*miniredis.Miniredis, *ephemeral.Store) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, ephemeral.New(rdb)
}

// fakeDurable is a hand-written fake ProfileUpdater recording calls made
// from the best-effort update goroutine.
type fakeDurable struct {
	mu       sync.Mutex
	statuses map[uuid.UUID]string
	getErr   error
}

func newFakeDurable() *fakeDurable {
	return &fakeDurable{statuses: make(map[uuid.UUID]string)}
}

func (f *fakeDurable) UpdateStatus(_ context.Context, userID uuid.UUID, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[userID] = status
	return nil
}

func (f *fakeDurable) GetStatus(_ context.Context, userID uuid.UUID) (string, error) {
	if f.getErr != nil {
		return "", f.getErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statuses[userID], nil
}

func (f *fakeDurable) get(userID uuid.UUID) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statuses[userID]
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestSetOnlineThenGetStatus(t *testing.T) {
	t.Parallel()
	_, store := newTestStore(t)
	svc := NewService(store, nil, zerolog.Nop())
	ctx := context.Background()
	userID := uuid.New()

	if err := svc.SetOnline(ctx, userID); err != nil {
		t.Fatalf("SetOnline() error = %v", err)
	}

	got, err := svc.GetStatus(ctx, userID)
	if err != nil {
		t.Fatalf("GetStatus() error = %v", err)
	}
	if got != StatusOnline {
		t.Errorf("GetStatus() = %q, want %q", got, StatusOnline)
	}
}

func TestGetStatusDefaultsToOfflineWithNoDurable(t *testing.T) {
	t.Parallel()
	_, store := newTestStore(t)
	svc := NewService(store, nil, zerolog.Nop())

	got, err := svc.GetStatus(context.Background(), uuid.New())
	if err != nil {
		t.Fatalf("GetStatus() error = %v", err)
	}
	if got != StatusOffline {
		t.Errorf("GetStatus() = %q, want %q", got, StatusOffline)
	}
}

func TestGetStatusFallsBackToDurableOnMiss(t *testing.T) {
	t.Parallel()
	_, store := newTestStore(t)
	durable := newFakeDurable()
	userID := uuid.New()
	durable.statuses[userID] = StatusAway

	svc := NewService(store, durable, zerolog.Nop())
	got, err := svc.GetStatus(context.Background(), userID)
	if err != nil {
		t.Fatalf("GetStatus() error = %v", err)
	}
	if got != StatusAway {
		t.Errorf("GetStatus() = %q, want %q", got, StatusAway)
	}
}

func TestGetStatusDurableFailureFallsBackToOffline(t *testing.T) {
	t.Parallel()
	_, store := newTestStore(t)
	durable := newFakeDurable()
	durable.getErr = errors.New("durable store down")

	svc := NewService(store, durable, zerolog.Nop())
	got, err := svc.GetStatus(context.Background(), uuid.New())
	if err != nil {
		t.Fatalf("GetStatus() error = %v", err)
	}
	if got != StatusOffline {
		t.Errorf("GetStatus() = %q, want %q", got, StatusOffline)
	}
}

func TestSetOfflineDeletesKey(t *testing.T) {
	t.Parallel()
	_, store := newTestStore(t)
	svc := NewService(store, nil, zerolog.Nop())
	ctx := context.Background()
	userID := uuid.New()

	if err := svc.SetOnline(ctx, userID); err != nil {
		t.Fatalf("SetOnline() error = %v", err)
	}
	if err := svc.SetOffline(ctx, userID); err != nil {
		t.Fatalf("SetOffline() error = %v", err)
	}

	exists, err := svc.Exists(ctx, userID)
	if err != nil {
		t.Fatalf("Exists() error = %v", err)
	}
	if exists {
		t.Error("Exists() = true after SetOffline, want false")
	}
}

func TestUpdateStatusRejectsInvalidValue(t *testing.T) {
	t.Parallel()
	_, store := newTestStore(t)
	svc := NewService(store, nil, zerolog.Nop())

	err := svc.UpdateStatus(context.Background(), uuid.New(), "invisible")
	if !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("UpdateStatus() error = %v, want ErrInvalidStatus", err)
	}
}

func TestUpdateStatusRoutesOfflineThroughDelete(t *testing.T) {
	t.Parallel()
	_, store := newTestStore(t)
	svc := NewService(store, nil, zerolog.Nop())
	ctx := context.Background()
	userID := uuid.New()

	if err := svc.SetOnline(ctx, userID); err != nil {
		t.Fatalf("SetOnline() error = %v", err)
	}
	if err := svc.UpdateStatus(ctx, userID, StatusOffline); err != nil {
		t.Fatalf("UpdateStatus() error = %v", err)
	}

	exists, err := svc.Exists(ctx, userID)
	if err != nil {
		t.Fatalf("Exists() error = %v", err)
	}
	if exists {
		t.Error("Exists() = true after offline transition, want false")
	}
}

func TestSetOnlineFiresBestEffortDurableUpdate(t *testing.T) {
	t.Parallel()
	_, store := newTestStore(t)
	durable := newFakeDurable()
	svc := NewService(store, durable, zerolog.Nop())
	userID := uuid.New()

	if err := svc.SetOnline(context.Background(), userID); err != nil {
		t.Fatalf("SetOnline() error = %v", err)
	}

	waitFor(t, func() bool { return durable.get(userID) == StatusOnline })
}

func TestRefreshExtendsTTLWithoutChangingValue(t *testing.T) {
	t.Parallel()
	mr, store := newTestStore(t)
	svc := NewService(store, nil, zerolog.Nop())
	ctx := context.Background()
	userID := uuid.New()

	if err := svc.UpdateStatus(ctx, userID, StatusBusy); err != nil {
		t.Fatalf("UpdateStatus() error = %v", err)
	}

	mr.FastForward(4 * time.Minute)
	if err := svc.Refresh(ctx, userID); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	mr.FastForward(4 * time.Minute)

	got, err := svc.GetStatus(ctx, userID)
	if err != nil {
		t.Fatalf("GetStatus() error = %v", err)
	}
	if got != StatusBusy {
		t.Errorf("GetStatus() = %q after refresh, want %q", got, StatusBusy)
	}
}

func TestRefreshOnMissingKeyIsNoOp(t *testing.T) {
	t.Parallel()
	_, store := newTestStore(t)
	svc := NewService(store, nil, zerolog.Nop())

	if err := svc.Refresh(context.Background(), uuid.New()); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
}

func TestValidStatus(t *testing.T) {
	t.Parallel()
	tests := []struct {
		status string
		want   bool
	}{
		{StatusOnline, true},
		{StatusAway, true},
		{StatusBusy, true},
		{StatusOffline, true},
		{"", false},
		{"invisible", false},
	}
	for _, tt := range tests {
		if got := ValidStatus(tt.status); got != tt.want {
			t.Errorf("ValidStatus(%q) = %v, want %v", tt.status, got, tt.want)
		}
	}
}
