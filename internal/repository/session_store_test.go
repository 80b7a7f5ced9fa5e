package repository

import (
	"context"
	"testing"
	"time"

	"refill-service/internal/domain"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newRedisFactory(t *testing.T) (*RedisSessionFactory, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisSessionFactory(client, 5*time.Minute, 24*time.Hour, zap.NewNop()), mr
}

func pending(ref string, createdAt time.Time) *domain.PendingReconciliation {
	return &domain.PendingReconciliation{
		Reference:       ref,
		CardID:          "A1",
		RequestedAmount: decimal.RequireFromString("50.25"),
		CreatedAt:       createdAt,
	}
}

// Both implementations must behave the same.
func stores(t *testing.T) map[string]func(now func() time.Time) SessionStoreFactory {
	return map[string]func(now func() time.Time) SessionStoreFactory{
		"redis": func(now func() time.Time) SessionStoreFactory {
			f, _ := newRedisFactory(t)
			f.now = now
			return f
		},
		"memory": func(now func() time.Time) SessionStoreFactory {
			f := NewMemorySessionFactory(5 * time.Minute)
			f.SetClock(now)
			return f
		},
	}
}

func TestSessionStoreRoundTrip(t *testing.T) {
	for name, mk := range stores(t) {
		t.Run(name, func(t *testing.T) {
			now := time.Date(2026, 6, 1, 12, 0, 0, 123_000_000, time.UTC)
			s := mk(func() time.Time { return now }).For("s1")
			ctx := context.Background()

			rec := pending("R1", now)
			target := decimal.RequireFromString("70.25")
			rec.MarkApplying(decimal.NewFromInt(20), target)
			require.NoError(t, s.Save(ctx, rec))

			got, err := s.Load(ctx)
			require.NoError(t, err)
			require.NotNil(t, got)
			require.Equal(t, "R1", got.Reference)
			require.True(t, got.RequestedAmount.Equal(rec.RequestedAmount))
			require.True(t, got.CreatedAt.Equal(now))
			require.True(t, got.Applying)
			require.True(t, got.TargetBalance.Equal(target))

			require.NoError(t, s.Clear(ctx))
			got, err = s.Load(ctx)
			require.NoError(t, err)
			require.Nil(t, got)
		})
	}
}

func TestSessionStoreLazyExpiry(t *testing.T) {
	for name, mk := range stores(t) {
		t.Run(name, func(t *testing.T) {
			now := time.Now()
			clock := func() time.Time { return now }
			f := mk(clock)
			s := f.For("s1")
			ctx := context.Background()

			require.NoError(t, s.Save(ctx, pending("OLD", now.Add(-6*time.Minute))))
			got, err := s.Load(ctx)
			require.ErrorIs(t, err, ErrPendingExpired)
			require.Equal(t, "OLD", got.Reference)

			// Cleared, not just hidden: moving the clock back does not revive it.
			now = now.Add(-10 * time.Minute)
			got, err = s.Load(ctx)
			require.NoError(t, err)
			require.Nil(t, got)
		})
	}
}

func TestSessionStoreSingleSlotAndScope(t *testing.T) {
	for name, mk := range stores(t) {
		t.Run(name, func(t *testing.T) {
			now := time.Now()
			f := mk(func() time.Time { return now })
			ctx := context.Background()

			a := f.For("a")
			require.NoError(t, a.Save(ctx, pending("R1", now)))
			require.NoError(t, a.Save(ctx, pending("R2", now)))
			got, err := a.Load(ctx)
			require.NoError(t, err)
			require.Equal(t, "R2", got.Reference)

			got, err = f.For("b").Load(ctx)
			require.NoError(t, err)
			require.Nil(t, got)
		})
	}
}

func TestSessionStoreConsume(t *testing.T) {
	for name, mk := range stores(t) {
		t.Run(name, func(t *testing.T) {
			now := time.Now()
			f := mk(func() time.Time { return now })
			s := f.For("s1")
			ctx := context.Background()

			require.NoError(t, s.Save(ctx, pending("R1", now)))

			// Consuming some other reference leaves the slot alone.
			require.NoError(t, s.Consume(ctx, "R0"))
			got, err := s.Load(ctx)
			require.NoError(t, err)
			require.NotNil(t, got)

			require.NoError(t, s.Consume(ctx, "R1"))
			got, err = s.Load(ctx)
			require.NoError(t, err)
			require.Nil(t, got)

			applied, err := s.IsApplied(ctx, "R1")
			require.NoError(t, err)
			require.True(t, applied)

			// Markers are global so another session sees them too.
			applied, err = f.For("s2").IsApplied(ctx, "R1")
			require.NoError(t, err)
			require.True(t, applied)

			applied, err = s.IsApplied(ctx, "R9")
			require.NoError(t, err)
			require.False(t, applied)
		})
	}
}

func TestRedisSessionStoreKeyTTLAndCorruption(t *testing.T) {
	f, mr := newRedisFactory(t)
	ctx := context.Background()
	s := f.For("s1")

	require.NoError(t, s.Save(ctx, pending("R1", time.Now())))
	ttl := mr.TTL(pendingKey("s1"))
	require.Greater(t, ttl, 5*time.Minute)
	require.LessOrEqual(t, ttl, 6*time.Minute)

	mr.FastForward(7 * time.Minute)
	require.False(t, mr.Exists(pendingKey("s1")))

	require.NoError(t, mr.Set(pendingKey("s1"), "{not json"))
	got, err := s.Load(ctx)
	require.NoError(t, err)
	require.Nil(t, got)
	require.False(t, mr.Exists(pendingKey("s1")))

	require.NoError(t, s.Consume(ctx, "R1"))
	require.True(t, mr.Exists(appliedKey("R1")))
	require.Equal(t, 24*time.Hour, mr.TTL(appliedKey("R1")))
}

func TestRedisSessionStorePaidRecordOutlivesKeyGrace(t *testing.T) {
	f, mr := newRedisFactory(t)
	ctx := context.Background()
	s := f.For("s1")

	rec := pending("R1", time.Now())
	rec.Verified = true
	require.NoError(t, s.Save(ctx, rec))
	require.Greater(t, mr.TTL(pendingKey("s1")), 24*time.Hour)

	// Well past the unpaid grace, the expired paid record is still handed back once.
	mr.FastForward(10 * time.Minute)
	f.now = func() time.Time { return time.Now().Add(10 * time.Minute) }
	got, err := s.Load(ctx)
	require.ErrorIs(t, err, ErrPendingExpired)
	require.True(t, got.Verified)
	require.False(t, mr.Exists(pendingKey("s1")))

	got, err = s.Load(ctx)
	require.NoError(t, err)
	require.Nil(t, got)
}
