package repository

import (
	"context"
	"testing"
	"time"

	"refill-service/internal/domain"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

type fakeAnomalyRow struct {
	amount string
}

func (r fakeAnomalyRow) Scan(dest ...any) error {
	*dest[0].(*string) = "a1"
	*dest[1].(*string) = string(domain.AnomalyExpiredVerified)
	*dest[2].(*string) = "s1"
	*dest[3].(*string) = "R1"
	*dest[4].(*string) = "04A1B2C3"
	*dest[5].(*string) = r.amount
	*dest[6].(*string) = "paid refill expired"
	*dest[7].(*time.Time) = time.Date(2026, 4, 2, 10, 6, 0, 0, time.UTC)
	return nil
}

func TestScanAnomaly(t *testing.T) {
	a, err := scanAnomaly(fakeAnomalyRow{amount: "50.00"})
	require.NoError(t, err)
	require.Equal(t, domain.AnomalyExpiredVerified, a.Kind)
	require.Equal(t, "R1", a.Reference)
	require.True(t, a.Amount.Equal(decimal.NewFromInt(50)))

	_, err = scanAnomaly(fakeAnomalyRow{amount: "fifty"})
	require.ErrorContains(t, err, "parse anomaly amount")
}

func TestMemoryAnomalyRepositoryNewestFirst(t *testing.T) {
	repo := NewMemoryAnomalyRepository()
	ctx := context.Background()
	require.NoError(t, repo.Create(ctx, &domain.Anomaly{ID: "a1", Kind: domain.AnomalySuperseded}))
	require.NoError(t, repo.Create(ctx, &domain.Anomaly{ID: "a2", Kind: domain.AnomalyOrphanedPayment}))

	items, err := repo.ListRecent(ctx, 1)
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, "a2", items[0].ID)
}
