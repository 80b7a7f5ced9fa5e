// internal/provider/mock/gateway.go
package mock

import (
	"context"
	"errors"
	"net/url"
	"sync"

	"refill-service/internal/provider"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var ErrMockGateway = errors.New("mock gateway error")

// Gateway approves every checkout and sends the customer straight back to the
// callback URL with the reference attached. Used for GATEWAY_MODE=mock and in tests.
type Gateway struct {
	mu        sync.Mutex
	payments  map[string]decimal.Decimal
	outcomes  map[string]provider.Outcome
	confirmed map[string]decimal.Decimal

	NextReference func() string
	InitiateErr   error
	VerifyErr     error

	InitiateCalls int
	VerifyCalls   int
}

func NewGateway() *Gateway {
	return &Gateway{
		payments:  make(map[string]decimal.Decimal),
		outcomes:  make(map[string]provider.Outcome),
		confirmed: make(map[string]decimal.Decimal),
	}
}

func (g *Gateway) Name() string { return "mock" }

func (g *Gateway) Initiate(ctx context.Context, req *provider.InitiateRequest) (*provider.Checkout, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.InitiateCalls++
	if g.InitiateErr != nil {
		return nil, g.InitiateErr
	}

	ref := "MOCK-" + uuid.NewString()
	if g.NextReference != nil {
		ref = g.NextReference()
	}
	g.payments[ref] = req.Amount

	return &provider.Checkout{CheckoutURL: returnURL(req.CallbackURL, ref), Reference: ref}, nil
}

func (g *Gateway) Verify(ctx context.Context, reference string) (*provider.Verification, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.VerifyCalls++
	if g.VerifyErr != nil {
		return nil, g.VerifyErr
	}

	amount, ok := g.payments[reference]
	if !ok {
		return &provider.Verification{Reference: reference, Outcome: provider.OutcomeFailed, GatewayStatus: "not_found"}, nil
	}
	if c, ok := g.confirmed[reference]; ok {
		amount = c
	}
	outcome := provider.OutcomeSuccess
	if o, ok := g.outcomes[reference]; ok {
		outcome = o
	}
	return &provider.Verification{
		Reference:       reference,
		Outcome:         outcome,
		ConfirmedAmount: amount,
		GatewayStatus:   string(outcome),
	}, nil
}

// SetOutcome fixes what Verify reports for a reference.
func (g *Gateway) SetOutcome(reference string, outcome provider.Outcome) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.outcomes[reference] = outcome
}

// SetConfirmedAmount makes the gateway report a charged amount different from the one requested.
func (g *Gateway) SetConfirmedAmount(reference string, amount decimal.Decimal) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.confirmed[reference] = amount
}

func (g *Gateway) SetVerifyErr(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.VerifyErr = err
}

func (g *Gateway) Calls() (initiate, verify int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.InitiateCalls, g.VerifyCalls
}

func returnURL(callback, reference string) string {
	u, err := url.Parse(callback)
	if err != nil {
		return callback
	}
	q := u.Query()
	q.Set("reference", reference)
	u.RawQuery = q.Encode()
	return u.String()
}
