package limiter

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestLocalStrategyLimitsPerKey(t *testing.T) {
	m := NewLocalManager()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := m.Allow(ctx, "ip-1", 3, time.Hour)
		require.NoError(t, err)
		require.True(t, ok)
	}
	ok, err := m.Allow(ctx, "ip-1", 3, time.Hour)
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = m.Allow(ctx, "ip-2", 3, time.Hour)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestLocalStrategyRefills(t *testing.T) {
	s := NewLocalStrategy()
	ctx := context.Background()

	ok, _ := s.Allow(ctx, nil, "k", 1, 50*time.Millisecond)
	require.True(t, ok)
	ok, _ = s.Allow(ctx, nil, "k", 1, 50*time.Millisecond)
	require.False(t, ok)

	require.Eventually(t, func() bool {
		ok, _ := s.Allow(ctx, nil, "k", 1, 50*time.Millisecond)
		return ok
	}, time.Second, 10*time.Millisecond)
}

func TestLocalStrategyPrunesIdleKeys(t *testing.T) {
	s := NewLocalStrategy()
	s.maxKeys = 2
	ctx := context.Background()

	s.Allow(ctx, nil, "a", 1, time.Millisecond)
	s.Allow(ctx, nil, "b", 1, time.Millisecond)
	time.Sleep(5 * time.Millisecond)
	s.Allow(ctx, nil, "c", 1, time.Millisecond)
	require.Len(t, s.limiters, 1)
}

func TestLocalStrategyPruneKeepsLongWindowKeys(t *testing.T) {
	s := NewLocalStrategy()
	s.maxKeys = 2
	ctx := context.Background()

	ok, _ := s.Allow(ctx, nil, "limiter:inbox:ip-1", 1, time.Hour)
	require.True(t, ok)
	s.Allow(ctx, nil, "limiter:search:ip-1", 1, time.Millisecond)
	time.Sleep(5 * time.Millisecond)
	s.Allow(ctx, nil, "limiter:search:ip-2", 1, time.Millisecond)

	require.Contains(t, s.limiters, "limiter:inbox:ip-1")
	require.NotContains(t, s.limiters, "limiter:search:ip-1")
	ok, _ = s.Allow(ctx, nil, "limiter:inbox:ip-1", 1, time.Hour)
	require.False(t, ok)
}

func TestRedisStrategiesSurfaceErrors(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 100 * time.Millisecond, MaxRetries: -1})
	defer rdb.Close()
	ctx := context.Background()

	for _, strategy := range []Strategy{&FixedWindowStrategy{}, &TokenBucketStrategy{}} {
		ok, err := NewManager(rdb, strategy).Allow(ctx, "limiter:test", 5, time.Minute)
		require.Error(t, err)
		require.False(t, ok)
	}
}
