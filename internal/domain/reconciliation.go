// internal/domain/reconciliation.go
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type EngineState string

const (
	StateIdle                 EngineState = "idle"
	StateCardKnown            EngineState = "card_known"
	StateAwaitingGateway      EngineState = "awaiting_gateway"
	StateAwaitingVerification EngineState = "awaiting_verification"
	StateAwaitingApplication  EngineState = "awaiting_application"
	StateReconciled           EngineState = "reconciled"
)

// DefaultPendingTTL is how long an unresolved reconciliation survives after beginRefill.
const DefaultPendingTTL = 5 * time.Minute

// PendingReconciliation is the record carried across the checkout redirect.
// Only one exists per terminal session.
type PendingReconciliation struct {
	Reference       string          `json:"reference"`
	CardID          string          `json:"card_id"`
	RequestedAmount decimal.Decimal `json:"requested_amount"`
	CreatedAt       time.Time       `json:"created_at"`
	Verified        bool            `json:"verified"`
	VerifiedAt      *time.Time      `json:"verified_at,omitempty"`
	CheckoutURL     string          `json:"checkout_url,omitempty"`

	// Application intent, written before the tag write is attempted.
	Applying      bool             `json:"applying,omitempty"`
	PriorBalance  *decimal.Decimal `json:"prior_balance,omitempty"`
	TargetBalance *decimal.Decimal `json:"target_balance,omitempty"`
}

// Expired reports whether the record is older than ttl at now.
func (p *PendingReconciliation) Expired(now time.Time, ttl time.Duration) bool {
	return now.Sub(p.CreatedAt) > ttl
}

// MarkApplying records the balances around the tag write that is about to happen.
func (p *PendingReconciliation) MarkApplying(prior, target decimal.Decimal) {
	p.Applying = true
	p.PriorBalance = &prior
	p.TargetBalance = &target
}

// AnomalyKind names conditions an operator has to look at.
type AnomalyKind string

const (
	// A new refill replaced a reconciliation that had not been applied yet.
	AnomalySuperseded AnomalyKind = "superseded_reconciliation"
	// A payment returned for a reference that is no longer in the session slot.
	AnomalyOrphanedPayment AnomalyKind = "orphaned_payment"
	// After an interrupted write the card shows neither the prior nor the target balance.
	AnomalyAmbiguousBalance AnomalyKind = "ambiguous_balance"
	// The tag was written but the consumed marker could not be stored.
	AnomalyConsumeFailed AnomalyKind = "consume_failed"
	// A paid reconciliation reached its TTL before the card was written.
	AnomalyExpiredVerified AnomalyKind = "expired_verified"
)

type Anomaly struct {
	ID         string          `json:"id"`
	Kind       AnomalyKind     `json:"kind"`
	SessionID  string          `json:"session_id"`
	Reference  string          `json:"reference"`
	CardID     string          `json:"card_id,omitempty"`
	Amount     decimal.Decimal `json:"amount"`
	Detail     string          `json:"detail,omitempty"`
	DetectedAt time.Time       `json:"detected_at"`
}
