// internal/provider/checkout/checkout.go
package checkout

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"refill-service/config"
	"refill-service/internal/provider"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var minorUnits = decimal.NewFromInt(100)

// CheckoutProvider talks to a hosted-checkout gateway using the
// initialize / verify transaction API.
type CheckoutProvider struct {
	config     config.GatewayConfig
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

func NewCheckoutProvider(cfg config.GatewayConfig, logger *zap.Logger) *CheckoutProvider {
	return &CheckoutProvider{
		config:     cfg,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger,
	}
}

func (c *CheckoutProvider) Name() string { return "checkout" }

type initializeRequest struct {
	Amount      int64             `json:"amount"`
	Currency    string            `json:"currency,omitempty"`
	Email       string            `json:"email"`
	CallbackURL string            `json:"callback_url"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

type envelope struct {
	Status  bool            `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type initializeData struct {
	AuthorizationURL string `json:"authorization_url"`
	AccessCode       string `json:"access_code"`
	Reference        string `json:"reference"`
}

type verifyData struct {
	Status    string `json:"status"`
	Reference string `json:"reference"`
	Amount    int64  `json:"amount"`
	Currency  string `json:"currency"`
}

// Initiate creates a checkout session. Amounts go over the wire in minor units.
func (c *CheckoutProvider) Initiate(ctx context.Context, req *provider.InitiateRequest) (*provider.Checkout, error) {
	meta := map[string]string{"card_id": req.CardID, "session_id": req.SessionID}
	for k, v := range req.Metadata {
		meta[k] = v
	}
	body := initializeRequest{
		Amount:      req.Amount.Mul(minorUnits).Round(0).IntPart(),
		Currency:    c.config.Currency,
		Email:       terminalEmail(req.SessionID),
		CallbackURL: req.CallbackURL,
		Metadata:    meta,
	}

	var data initializeData
	if err := c.makeRequest(ctx, http.MethodPost, c.baseURL+"/transaction/initialize", body, &data); err != nil {
		return nil, fmt.Errorf("failed to initialize checkout: %w", err)
	}
	if data.AuthorizationURL == "" || data.Reference == "" {
		return nil, fmt.Errorf("failed to initialize checkout: incomplete response")
	}

	c.logger.Info("checkout initialized",
		zap.String("reference", data.Reference),
		zap.String("amount", req.Amount.StringFixed(2)))

	return &provider.Checkout{CheckoutURL: data.AuthorizationURL, Reference: data.Reference}, nil
}

// Verify reports the gateway's view of a reference. Anything but "success" is a failed outcome.
func (c *CheckoutProvider) Verify(ctx context.Context, reference string) (*provider.Verification, error) {
	endpoint := c.baseURL + "/transaction/verify/" + url.PathEscape(reference)

	var data verifyData
	if err := c.makeRequest(ctx, http.MethodGet, endpoint, nil, &data); err != nil {
		return nil, fmt.Errorf("failed to verify %s: %w", reference, err)
	}

	v := &provider.Verification{
		Reference:       reference,
		Outcome:         provider.OutcomeFailed,
		ConfirmedAmount: decimal.New(data.Amount, -2),
		GatewayStatus:   data.Status,
	}

	// A reply about another transaction or currency never confirms this one.
	switch {
	case data.Reference != reference:
		c.logger.Warn("verify reply for a different reference",
			zap.String("reference", reference), zap.String("reply_reference", data.Reference))
		v.GatewayStatus = "reference_mismatch"
	case data.Currency != "" && !strings.EqualFold(data.Currency, c.config.Currency):
		c.logger.Warn("verify reply in a different currency",
			zap.String("reference", reference),
			zap.String("currency", data.Currency),
			zap.String("expected", c.config.Currency))
		v.GatewayStatus = "currency_mismatch"
	case data.Status == "success":
		v.Outcome = provider.OutcomeSuccess
	}
	return v, nil
}

func (c *CheckoutProvider) makeRequest(ctx context.Context, method, endpoint string, payload interface{}, out interface{}) error {
	var body io.Reader
	if payload != nil {
		jsonData, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewBuffer(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.config.SecretKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	responseBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}

	var env envelope
	if err := json.Unmarshal(responseBody, &env); err != nil {
		return fmt.Errorf("failed to parse response (http %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK || !env.Status {
		return fmt.Errorf("API error (http %d): %s", resp.StatusCode, env.Message)
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("failed to parse response data: %w", err)
		}
	}
	return nil
}

// terminalEmail gives the gateway the customer email it insists on.
// Terminals are anonymous, so it is derived from the session.
func terminalEmail(sessionID string) string {
	if sessionID == "" {
		sessionID = "anonymous"
	}
	return sessionID + "@terminal.refill.local"
}
