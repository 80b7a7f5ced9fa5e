// internal/domain/receipt.go
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ReconciliationReceipt is the auditable record of one applied refill.
// It is never mutated once built.
type ReconciliationReceipt struct {
	Code             string          `json:"code"`
	Reference        string          `json:"reference"`
	BaseAmount       decimal.Decimal `json:"base_amount"`
	VATAmount        decimal.Decimal `json:"vat_amount"`
	ServiceFeeAmount decimal.Decimal `json:"service_fee_amount"`
	TotalAmount      decimal.Decimal `json:"total_amount"`
	Currency         string          `json:"currency,omitempty"`
	CardID           string          `json:"card_id"`
	BalanceBefore    decimal.Decimal `json:"balance_before"`
	BalanceAfter     decimal.Decimal `json:"balance_after"`
	InitiatedAt      time.Time       `json:"initiated_at"`
	FinalizedAt      time.Time       `json:"finalized_at"`
}
