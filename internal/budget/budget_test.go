package budget

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func newRedisController(t *testing.T, cfg Config) (*Controller, *RedisStore) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	store := NewRedisStore(client)
	return NewController(store, cfg, zap.NewNop()), store
}

func TestAllow_TwentyAcceptedTwentyFirstDenied(t *testing.T) {
	ctl, _ := newRedisController(t, Config{
		Global: Limits{RequestsPerHour: 20},
	})
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		if err := ctl.Allow(ctx, "u1", "ws1"); err != nil {
			t.Fatalf("request %d should be allowed: %v", i+1, err)
		}
	}
	err := ctl.Allow(ctx, "u1", "ws1")
	if err == nil {
		t.Fatal("21st request should be denied")
	}
	var exceeded *ExceededError
	if !errors.As(err, &exceeded) {
		t.Fatalf("expected *ExceededError, got %T", err)
	}
	if exceeded.Limit != 20 || exceeded.Kind != "requests" {
		t.Errorf("unexpected error detail: %+v", exceeded)
	}
}

func TestAllow_RejectionDoesNotConsume(t *testing.T) {
	ctl, store := newRedisController(t, Config{
		Global: Limits{RequestsPerHour: 2},
	})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := ctl.Allow(ctx, "u1", "ws1"); err != nil {
			t.Fatalf("request %d should be allowed: %v", i+1, err)
		}
	}
	// Several rejected attempts must leave the counter at the limit.
	for i := 0; i < 5; i++ {
		if err := ctl.Allow(ctx, "u1", "ws1"); err == nil {
			t.Fatal("over-limit request should be denied")
		}
	}
	key := ctl.requestKey("u1", "hour")
	n, err := store.Get(ctx, key)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if n != 2 {
		t.Errorf("rejections must not consume: counter is %d, want 2", n)
	}
}

func TestAllow_DailyLimitRollsBackHourly(t *testing.T) {
	ctl, store := newRedisController(t, Config{
		Global: Limits{RequestsPerHour: 100, RequestsPerDay: 1},
	})
	ctx := context.Background()

	if err := ctl.Allow(ctx, "u1", "ws1"); err != nil {
		t.Fatalf("first request should be allowed: %v", err)
	}
	if err := ctl.Allow(ctx, "u1", "ws1"); err == nil {
		t.Fatal("second request should hit the daily limit")
	}
	n, _ := store.Get(ctx, ctl.requestKey("u1", "hour"))
	if n != 1 {
		t.Errorf("hourly counter must be compensated after daily rejection: got %d, want 1", n)
	}
}

// recordingStore wraps a MemoryStore and records every Add call.
type recordingStore struct {
	*MemoryStore
	adds []struct {
		key    string
		n      int64
		window time.Duration
	}
}

func (s *recordingStore) Add(ctx context.Context, key string, n int64, window time.Duration) error {
	s.adds = append(s.adds, struct {
		key    string
		n      int64
		window time.Duration
	}{key, n, window})
	return s.MemoryStore.Add(ctx, key, n, window)
}

func TestAllow_CompensationUsesAcceptedWindowDuration(t *testing.T) {
	store := &recordingStore{MemoryStore: NewMemoryStore()}
	ctl := NewController(store, Config{
		Global: Limits{RequestsPerHour: 100, RequestsPerDay: 1},
	}, zap.NewNop())
	ctx := context.Background()

	if err := ctl.Allow(ctx, "u1", "ws1"); err != nil {
		t.Fatalf("first request should be allowed: %v", err)
	}
	if err := ctl.Allow(ctx, "u1", "ws1"); err == nil {
		t.Fatal("second request should hit the daily limit")
	}

	var rollbacks int
	for _, a := range store.adds {
		if a.n != -1 {
			continue
		}
		rollbacks++
		if a.key != ctl.requestKey("u1", "hour") {
			t.Errorf("rollback hit the wrong key: %s", a.key)
		}
		if a.window != time.Hour {
			t.Errorf("rollback must carry the hourly key's own window, got %v", a.window)
		}
	}
	if rollbacks != 1 {
		t.Errorf("expected exactly 1 compensating write, got %d", rollbacks)
	}
}

func TestAllow_IdentityOverrideBeatsWorkspace(t *testing.T) {
	ctl, _ := newRedisController(t, Config{
		Global:     Limits{RequestsPerHour: 100},
		Workspaces: map[string]Limits{"ws1": {RequestsPerHour: 50}},
		Identities: map[string]Limits{"u1": {RequestsPerHour: 1}},
	})
	ctx := context.Background()

	if err := ctl.Allow(ctx, "u1", "ws1"); err != nil {
		t.Fatalf("first request should be allowed: %v", err)
	}
	err := ctl.Allow(ctx, "u1", "ws1")
	var exceeded *ExceededError
	if !errors.As(err, &exceeded) {
		t.Fatalf("expected *ExceededError, got %v", err)
	}
	if exceeded.Scope != "identity" {
		t.Errorf("expected identity scope, got %s", exceeded.Scope)
	}
}

func TestAllow_ZeroLimitMeansUnlimited(t *testing.T) {
	ctl, _ := newRedisController(t, Config{})
	ctx := context.Background()
	for i := 0; i < 100; i++ {
		if err := ctl.Allow(ctx, "u1", "ws1"); err != nil {
			t.Fatalf("unlimited config must always allow: %v", err)
		}
	}
}

func TestCheckTokens_DeniesWhenConsumed(t *testing.T) {
	ctl, _ := newRedisController(t, Config{
		Global: Limits{TokenUnitsPerHour: 1000},
	})
	ctx := context.Background()

	if err := ctl.CheckTokens(ctx, "u1", "ws1"); err != nil {
		t.Fatalf("fresh identity should pass: %v", err)
	}
	ctl.Consume(ctx, "u1", 1000)
	err := ctl.CheckTokens(ctx, "u1", "ws1")
	var exceeded *ExceededError
	if !errors.As(err, &exceeded) {
		t.Fatalf("expected *ExceededError after consuming the budget, got %v", err)
	}
	if exceeded.Kind != "token_units" {
		t.Errorf("expected token_units kind, got %s", exceeded.Kind)
	}
}

func TestMemoryStore_IncrCheckEnforcesLimit(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		ok, err := store.IncrCheck(ctx, "k", 0, 3)
		if err != nil || !ok {
			t.Fatalf("increment %d should pass: ok=%v err=%v", i+1, ok, err)
		}
	}
	ok, err := store.IncrCheck(ctx, "k", 0, 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Error("fourth increment should be rejected")
	}
	n, _ := store.Get(ctx, "k")
	if n != 3 {
		t.Errorf("rejected increment must not consume: got %d", n)
	}
}
