package repository

import (
	"context"
	"fmt"
	"sync"

	"refill-service/internal/domain"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// AnomalyRepository keeps reconciliation anomalies for operator review.
type AnomalyRepository interface {
	Create(ctx context.Context, a *domain.Anomaly) error
	ListRecent(ctx context.Context, limit int) ([]*domain.Anomaly, error)
}

type anomalyRepo struct {
	db *pgxpool.Pool
}

func NewAnomalyRepository(db *pgxpool.Pool) AnomalyRepository {
	return &anomalyRepo{db: db}
}

func (r *anomalyRepo) Create(ctx context.Context, a *domain.Anomaly) error {
	query := `
		INSERT INTO refill_anomalies (id, kind, session_id, reference, card_id, amount, detail, detected_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := r.db.Exec(ctx, query,
		a.ID, string(a.Kind), a.SessionID, a.Reference, a.CardID, a.Amount.String(), a.Detail, a.DetectedAt)
	if err != nil {
		return fmt.Errorf("insert anomaly: %w", err)
	}
	return nil
}

func (r *anomalyRepo) ListRecent(ctx context.Context, limit int) ([]*domain.Anomaly, error) {
	query := `
		SELECT id, kind, session_id, reference, card_id, amount::text, detail, detected_at
		FROM refill_anomalies
		ORDER BY detected_at DESC
		LIMIT $1
	`
	rows, err := r.db.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("list anomalies: %w", err)
	}
	defer rows.Close()

	var out []*domain.Anomaly
	for rows.Next() {
		a, err := scanAnomaly(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// rowScanner is the part of pgx.Rows an anomaly row is read through.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanAnomaly(row rowScanner) (*domain.Anomaly, error) {
	var (
		a      domain.Anomaly
		kind   string
		amount string
	)
	if err := row.Scan(&a.ID, &kind, &a.SessionID, &a.Reference, &a.CardID, &amount, &a.Detail, &a.DetectedAt); err != nil {
		return nil, fmt.Errorf("scan anomaly: %w", err)
	}
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("parse anomaly amount %q: %w", amount, err)
	}
	a.Kind = domain.AnomalyKind(kind)
	a.Amount = d
	return &a, nil
}

type MemoryAnomalyRepository struct {
	mu    sync.Mutex
	items []*domain.Anomaly
}

func NewMemoryAnomalyRepository() *MemoryAnomalyRepository {
	return &MemoryAnomalyRepository{}
}

func (m *MemoryAnomalyRepository) Create(ctx context.Context, a *domain.Anomaly) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *a
	m.items = append(m.items, &cp)
	return nil
}

func (m *MemoryAnomalyRepository) ListRecent(ctx context.Context, limit int) ([]*domain.Anomaly, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Anomaly
	for i := len(m.items) - 1; i >= 0 && len(out) < limit; i-- {
		cp := *m.items[i]
		out = append(out, &cp)
	}
	return out, nil
}

// Kinds lists stored anomaly kinds in insertion order.
func (m *MemoryAnomalyRepository) Kinds() []domain.AnomalyKind {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.AnomalyKind, 0, len(m.items))
	for _, a := range m.items {
		out = append(out, a.Kind)
	}
	return out
}
