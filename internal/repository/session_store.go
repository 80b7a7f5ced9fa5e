// internal/repository/session_store.go
package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"refill-service/internal/domain"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// SessionStore is the single-slot pending reconciliation of one terminal session.
// It is the only state that survives the checkout redirect.
type SessionStore interface {
	// Save replaces whatever the slot held.
	Save(ctx context.Context, rec *domain.PendingReconciliation) error

	// Load returns nil, nil when the slot is empty. A record that outlived the
	// TTL is cleared and returned once together with ErrPendingExpired.
	Load(ctx context.Context) (*domain.PendingReconciliation, error)

	Clear(ctx context.Context) error

	// Consume marks reference as applied and, in the same transaction, empties
	// the slot if it still holds that reference.
	Consume(ctx context.Context, reference string) error

	IsApplied(ctx context.Context, reference string) (bool, error)
}

// SessionStoreFactory scopes a store to a terminal session.
type SessionStoreFactory interface {
	For(sessionID string) SessionStore
}

// ErrPendingExpired accompanies a record Load found past its TTL and removed.
var ErrPendingExpired = errors.New("pending reconciliation expired")

const (
	expiryGrace     = time.Minute
	maxConsumeTries = 3
)

func pendingKey(sessionID string) string {
	return fmt.Sprintf("refill:pending:v1:%s", sessionID)
}

func appliedKey(reference string) string {
	return fmt.Sprintf("refill:applied:v1:%s", reference)
}

type RedisSessionFactory struct {
	client    *redis.Client
	ttl       time.Duration
	markerTTL time.Duration
	logger    *zap.Logger
	now       func() time.Time
}

func NewRedisSessionFactory(client *redis.Client, ttl, markerTTL time.Duration, logger *zap.Logger) *RedisSessionFactory {
	return &RedisSessionFactory{client: client, ttl: ttl, markerTTL: markerTTL, logger: logger, now: time.Now}
}

func (f *RedisSessionFactory) For(sessionID string) SessionStore {
	return &redisSessionStore{f: f, sessionID: sessionID, key: pendingKey(sessionID)}
}

type redisSessionStore struct {
	f         *RedisSessionFactory
	sessionID string
	key       string
}

func (s *redisSessionStore) Save(ctx context.Context, rec *domain.PendingReconciliation) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal pending reconciliation: %w", err)
	}
	// The key TTL only reaps abandoned slots; Load enforces the real TTL from createdAt.
	// Paid records outlive it by the marker TTL so an expired one is still seen and reported.
	remaining := s.f.ttl - s.f.now().Sub(rec.CreatedAt)
	if remaining < 0 {
		remaining = 0
	}
	grace := expiryGrace
	if rec.Verified || rec.Applying {
		grace = s.f.markerTTL
	}
	if err := s.f.client.Set(ctx, s.key, data, remaining+grace).Err(); err != nil {
		return fmt.Errorf("save pending reconciliation: %w", err)
	}
	return nil
}

func (s *redisSessionStore) Load(ctx context.Context) (*domain.PendingReconciliation, error) {
	data, err := s.f.client.Get(ctx, s.key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("load pending reconciliation: %w", err)
	}

	var rec domain.PendingReconciliation
	if err := json.Unmarshal(data, &rec); err != nil {
		s.f.logger.Warn("discarding unreadable pending reconciliation",
			zap.String("session_id", s.sessionID), zap.Error(err))
		return nil, s.Clear(ctx)
	}
	if rec.Expired(s.f.now(), s.f.ttl) {
		s.f.logger.Info("pending reconciliation expired",
			zap.String("session_id", s.sessionID),
			zap.String("reference", rec.Reference),
			zap.Bool("verified", rec.Verified),
			zap.Time("created_at", rec.CreatedAt))
		if err := s.Clear(ctx); err != nil {
			return nil, err
		}
		return &rec, ErrPendingExpired
	}
	return &rec, nil
}

func (s *redisSessionStore) Clear(ctx context.Context) error {
	if err := s.f.client.Del(ctx, s.key).Err(); err != nil {
		return fmt.Errorf("clear pending reconciliation: %w", err)
	}
	return nil
}

func (s *redisSessionStore) Consume(ctx context.Context, reference string) error {
	txf := func(tx *redis.Tx) error {
		holds := false
		data, err := tx.Get(ctx, s.key).Bytes()
		switch {
		case err == nil:
			var rec domain.PendingReconciliation
			holds = json.Unmarshal(data, &rec) == nil && rec.Reference == reference
		case !errors.Is(err, redis.Nil):
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, appliedKey(reference), s.f.now().UTC().Format(time.RFC3339Nano), s.f.markerTTL)
			if holds {
				pipe.Del(ctx, s.key)
			}
			return nil
		})
		return err
	}

	var err error
	for i := 0; i < maxConsumeTries; i++ {
		err = s.f.client.Watch(ctx, txf, s.key)
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
	}
	if err != nil {
		return fmt.Errorf("consume %s: %w", reference, err)
	}
	return nil
}

func (s *redisSessionStore) IsApplied(ctx context.Context, reference string) (bool, error) {
	n, err := s.f.client.Exists(ctx, appliedKey(reference)).Result()
	if err != nil {
		return false, fmt.Errorf("check applied %s: %w", reference, err)
	}
	return n > 0, nil
}
