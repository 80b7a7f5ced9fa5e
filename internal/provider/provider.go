// internal/provider/provider.go
package provider

import (
	"context"

	"refill-service/internal/domain"

	"github.com/shopspring/decimal"
)

// GatewayClient is the hosted-checkout proxy a refill is paid through.
type GatewayClient interface {
	Name() string

	// Initiate creates a checkout session and returns where to send the customer.
	Initiate(ctx context.Context, req *InitiateRequest) (*Checkout, error)

	// Verify asks the gateway whether a reference was paid, and for how much.
	Verify(ctx context.Context, reference string) (*Verification, error)
}

// MediumAdapter reads and writes the physical tag.
type MediumAdapter interface {
	// ReadOnce blocks until one tag is presented or ctx is cancelled.
	ReadOnce(ctx context.Context) (*domain.TagEvent, error)

	// Write returns once the tag acknowledged the payload.
	Write(ctx context.Context, cardID string, payload []byte) error
}

type InitiateRequest struct {
	Amount      decimal.Decimal
	CardID      string
	SessionID   string
	CallbackURL string
	Metadata    map[string]string
}

type Checkout struct {
	CheckoutURL string
	Reference   string
}

type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailed  Outcome = "failed"
)

type Verification struct {
	Reference       string
	Outcome         Outcome
	ConfirmedAmount decimal.Decimal
	GatewayStatus   string
}
