// internal/repository/receipt_repo.go
package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"refill-service/internal/domain"
	"refill-service/pkg/cache"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const receiptCacheTTL = 24 * time.Hour

type ReceiptRepository interface {
	// Create stores a receipt once per reference. created is false when one already existed.
	Create(ctx context.Context, r *domain.ReconciliationReceipt) (created bool, err error)
	GetByReference(ctx context.Context, reference string) (*domain.ReconciliationReceipt, error)
	GetByCode(ctx context.Context, code string) (*domain.ReconciliationReceipt, error)
}

type receiptRepo struct {
	db     *pgxpool.Pool
	cache  *cache.CacheService
	logger *zap.Logger
}

func NewReceiptRepository(db *pgxpool.Pool, cache *cache.CacheService, logger *zap.Logger) ReceiptRepository {
	return &receiptRepo{db: db, cache: cache, logger: logger}
}

const receiptColumns = `
	code, reference, base_amount::text, vat_amount::text, service_fee_amount::text,
	total_amount::text, currency, card_id, balance_before::text, balance_after::text,
	initiated_at, finalized_at`

func (r *receiptRepo) Create(ctx context.Context, rc *domain.ReconciliationReceipt) (bool, error) {
	query := `
		INSERT INTO refill_receipts (
			code, reference, base_amount, vat_amount, service_fee_amount,
			total_amount, currency, card_id, balance_before, balance_after,
			initiated_at, finalized_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (reference) DO NOTHING
	`
	tag, err := r.db.Exec(ctx, query,
		rc.Code,
		rc.Reference,
		rc.BaseAmount.String(),
		rc.VATAmount.String(),
		rc.ServiceFeeAmount.String(),
		rc.TotalAmount.String(),
		rc.Currency,
		rc.CardID,
		rc.BalanceBefore.String(),
		rc.BalanceAfter.String(),
		rc.InitiatedAt,
		rc.FinalizedAt,
	)
	if err != nil {
		return false, fmt.Errorf("insert receipt %s: %w", rc.Reference, err)
	}
	created := tag.RowsAffected() == 1
	if created {
		r.cacheReceipt(ctx, rc)
	}
	return created, nil
}

func (r *receiptRepo) GetByReference(ctx context.Context, reference string) (*domain.ReconciliationReceipt, error) {
	if r.cache != nil {
		if data, err := r.cache.GetReceipt(ctx, reference); err != nil {
			r.logger.Warn("receipt cache read failed", zap.String("reference", reference), zap.Error(err))
		} else if data != nil {
			var rc domain.ReconciliationReceipt
			if err := json.Unmarshal(data, &rc); err == nil {
				return &rc, nil
			}
		}
	}

	rc, err := r.queryOne(ctx, `SELECT `+receiptColumns+` FROM refill_receipts WHERE reference = $1`, reference)
	if err != nil {
		return nil, err
	}
	r.cacheReceipt(ctx, rc)
	return rc, nil
}

func (r *receiptRepo) GetByCode(ctx context.Context, code string) (*domain.ReconciliationReceipt, error) {
	return r.queryOne(ctx, `SELECT `+receiptColumns+` FROM refill_receipts WHERE code = $1`, code)
}

func (r *receiptRepo) queryOne(ctx context.Context, query string, arg string) (*domain.ReconciliationReceipt, error) {
	var (
		rc                                domain.ReconciliationReceipt
		base, vat, fee, total, before, af string
	)
	err := r.db.QueryRow(ctx, query, arg).Scan(
		&rc.Code,
		&rc.Reference,
		&base,
		&vat,
		&fee,
		&total,
		&rc.Currency,
		&rc.CardID,
		&before,
		&af,
		&rc.InitiatedAt,
		&rc.FinalizedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrReceiptNotFound
		}
		return nil, fmt.Errorf("query receipt: %w", err)
	}

	for _, f := range []struct {
		dst *decimal.Decimal
		raw string
	}{
		{&rc.BaseAmount, base},
		{&rc.VATAmount, vat},
		{&rc.ServiceFeeAmount, fee},
		{&rc.TotalAmount, total},
		{&rc.BalanceBefore, before},
		{&rc.BalanceAfter, af},
	} {
		d, err := decimal.NewFromString(f.raw)
		if err != nil {
			return nil, fmt.Errorf("parse receipt amount %q: %w", f.raw, err)
		}
		*f.dst = d
	}
	return &rc, nil
}

func (r *receiptRepo) cacheReceipt(ctx context.Context, rc *domain.ReconciliationReceipt) {
	if r.cache == nil {
		return
	}
	data, err := json.Marshal(rc)
	if err != nil {
		return
	}
	if err := r.cache.SetReceipt(ctx, rc.Reference, data, receiptCacheTTL); err != nil {
		r.logger.Warn("receipt cache write failed", zap.String("reference", rc.Reference), zap.Error(err))
	}
}

// MemoryReceiptRepository backs tests and database-less development runs.
type MemoryReceiptRepository struct {
	mu          sync.Mutex
	byReference map[string]*domain.ReconciliationReceipt
	CreateErr   error
}

func NewMemoryReceiptRepository() *MemoryReceiptRepository {
	return &MemoryReceiptRepository{byReference: make(map[string]*domain.ReconciliationReceipt)}
}

func (m *MemoryReceiptRepository) Create(ctx context.Context, rc *domain.ReconciliationReceipt) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.CreateErr != nil {
		return false, m.CreateErr
	}
	if _, ok := m.byReference[rc.Reference]; ok {
		return false, nil
	}
	cp := *rc
	m.byReference[rc.Reference] = &cp
	return true, nil
}

func (m *MemoryReceiptRepository) GetByReference(ctx context.Context, reference string) (*domain.ReconciliationReceipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rc, ok := m.byReference[reference]
	if !ok {
		return nil, domain.ErrReceiptNotFound
	}
	cp := *rc
	return &cp, nil
}

func (m *MemoryReceiptRepository) GetByCode(ctx context.Context, code string) (*domain.ReconciliationReceipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rc := range m.byReference {
		if rc.Code == code {
			cp := *rc
			return &cp, nil
		}
	}
	return nil, domain.ErrReceiptNotFound
}

func (m *MemoryReceiptRepository) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byReference)
}
