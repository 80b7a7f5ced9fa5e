// pkg/receipt/builder.go
package receipt

import (
	"fmt"
	"strings"
	"time"

	"refill-service/internal/domain"

	"github.com/shopspring/decimal"
)

var (
	VATRate        = decimal.RequireFromString("0.15")
	ServiceFeeRate = decimal.RequireFromString("0.015")
)

// Input is everything a receipt is derived from.
type Input struct {
	Code          string
	Reference     string
	BaseAmount    decimal.Decimal
	Currency      string
	CardID        string
	BalanceBefore decimal.Decimal
	BalanceAfter  decimal.Decimal
	InitiatedAt   time.Time
	FinalizedAt   time.Time
}

// Build computes VAT and service fee on the base amount, each rounded half-up
// to 2 places, and totals them. It performs no I/O.
func Build(in Input) (*domain.ReconciliationReceipt, error) {
	if strings.TrimSpace(in.Reference) == "" {
		return nil, fmt.Errorf("%w: empty reference", domain.ErrInvalidReceiptInput)
	}
	if in.BaseAmount.IsNegative() {
		return nil, fmt.Errorf("%w: negative base amount %s", domain.ErrInvalidReceiptInput, in.BaseAmount)
	}
	if in.FinalizedAt.Before(in.InitiatedAt) {
		return nil, fmt.Errorf("%w: finalized before initiated", domain.ErrInvalidReceiptInput)
	}

	base := domain.Round2(in.BaseAmount)
	vat := domain.Round2(base.Mul(VATRate))
	fee := domain.Round2(base.Mul(ServiceFeeRate))

	return &domain.ReconciliationReceipt{
		Code:             in.Code,
		Reference:        in.Reference,
		BaseAmount:       base,
		VATAmount:        vat,
		ServiceFeeAmount: fee,
		TotalAmount:      base.Add(vat).Add(fee),
		Currency:         in.Currency,
		CardID:           in.CardID,
		BalanceBefore:    in.BalanceBefore,
		BalanceAfter:     in.BalanceAfter,
		InitiatedAt:      in.InitiatedAt.UTC(),
		FinalizedAt:      in.FinalizedAt.UTC(),
	}, nil
}
