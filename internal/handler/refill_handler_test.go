package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"refill-service/internal/codec"
	"refill-service/internal/domain"
	"refill-service/internal/provider/mock"
	"refill-service/internal/repository"
	"refill-service/internal/usecase"
	"refill-service/pkg/jwtutil"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type apiResponse struct {
	Status  string          `json:"status"`
	Code    string          `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

const testOperatorKey = "ops-key"

type handlerFixture struct {
	handler   *RefillHandler
	router    http.Handler
	factory   *usecase.EngineFactory
	signer    *jwtutil.Signer
	gateway   *mock.Gateway
	medium    *mock.Medium
	receipts  *repository.MemoryReceiptRepository
	anomalies *repository.MemoryAnomalyRepository
}

func newHandlerFixture(t *testing.T, checks map[string]HealthCheck) *handlerFixture {
	t.Helper()
	f := &handlerFixture{
		signer:    jwtutil.NewSigner("test-secret", "refill-service", time.Hour),
		gateway:   mock.NewGateway(),
		medium:    mock.NewMedium(),
		receipts:  repository.NewMemoryReceiptRepository(),
		anomalies: repository.NewMemoryAnomalyRepository(),
	}
	f.factory = usecase.NewEngineFactory(usecase.EngineDeps{
		Gateway:     f.gateway,
		Sessions:    repository.NewMemorySessionFactory(domain.DefaultPendingTTL),
		Receipts:    f.receipts,
		Anomalies:   f.anomalies,
		Policy:      domain.DefaultAmountPolicy(),
		CallbackURL: "http://terminal.local/refill/return",
		Currency:    "ZAR",
		Logger:      zap.NewNop(),
	})
	f.handler = NewRefillHandler(f.factory, NewHub(zap.NewNop()), f.signer, f.receipts, f.anomalies,
		RefillOptions{Presets: []decimal.Decimal{decimal.NewFromInt(20), decimal.NewFromInt(50)}, Currency: "ZAR"},
		checks, zap.NewNop())

	r := chi.NewRouter()
	r.Post("/sessions", f.handler.CreateSession)
	r.Get("/refills/options", f.handler.Options)
	r.Get("/health", f.handler.Health)
	r.With(RequireOperatorKey(testOperatorKey, zap.NewNop())).Get("/anomalies", f.handler.ListAnomalies)
	r.Group(func(r chi.Router) {
		r.Use(RequireSession(f.signer))
		r.Post("/refills/verify", f.handler.VerifyPayment)
		r.Get("/refills/state", f.handler.State)
		r.Get("/receipts/{reference}", f.handler.GetReceipt)
		r.Get("/receipts/code/{code}", f.handler.GetReceiptByCode)
	})
	f.router = r
	return f
}

func (f *handlerFixture) do(t *testing.T, method, path, token string, body interface{}) (int, apiResponse) {
	t.Helper()
	return f.doWith(t, method, path, token, "", body)
}

func (f *handlerFixture) doWith(t *testing.T, method, path, token, apiKey string, body interface{}) (int, apiResponse) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	var resp apiResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return rec.Code, resp
}

func (f *handlerFixture) session(t *testing.T) (sessionID, token string) {
	t.Helper()
	code, resp := f.do(t, http.MethodPost, "/sessions", "", map[string]string{"terminal": "kiosk-1"})
	require.Equal(t, http.StatusCreated, code)
	var data struct {
		SessionID string `json:"session_id"`
		Token     string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &data))
	require.NotEmpty(t, data.SessionID)
	require.NotEmpty(t, data.Token)
	return data.SessionID, data.Token
}

func TestCreateSessionAndState(t *testing.T) {
	f := newHandlerFixture(t, nil)
	_, token := f.session(t)

	code, resp := f.do(t, http.MethodGet, "/refills/state", token, nil)
	require.Equal(t, http.StatusOK, code)
	var data struct {
		State string `json:"state"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &data))
	require.Equal(t, string(domain.StateIdle), data.State)
}

func TestProtectedRoutesNeedToken(t *testing.T) {
	f := newHandlerFixture(t, nil)

	code, _ := f.do(t, http.MethodGet, "/refills/state", "", nil)
	require.Equal(t, http.StatusUnauthorized, code)

	code, _ = f.do(t, http.MethodGet, "/refills/state", "not-a-token", nil)
	require.Equal(t, http.StatusUnauthorized, code)
}

func TestVerifyPaymentAcrossRedirect(t *testing.T) {
	f := newHandlerFixture(t, nil)
	sessionID, token := f.session(t)
	ctx := context.Background()

	// The terminal read the card and started checkout before the redirect.
	engine := f.factory.New(sessionID, f.medium, nil)
	f.medium.SetTag("CARD-0001", codec.Encode(decimal.NewFromInt(20)))
	f.medium.Present("CARD-0001")
	require.NoError(t, engine.Scan(ctx))
	co, err := engine.BeginRefill(ctx, decimal.NewFromInt(50))
	require.NoError(t, err)

	code, resp := f.do(t, http.MethodPost, "/refills/verify", token, map[string]string{"reference": co.Reference})
	require.Equal(t, http.StatusOK, code)
	var data struct {
		State  string             `json:"state"`
		Status domain.StatusEvent `json:"status"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &data))
	require.Equal(t, string(domain.StateAwaitingApplication), data.State)
	require.Equal(t, domain.ActionPresentCard, data.Status.Action)

	// A different reference is refused and recorded.
	code, resp = f.do(t, http.MethodPost, "/refills/verify", token, map[string]string{"reference": "OTHER"})
	require.Equal(t, http.StatusConflict, code)
	require.Equal(t, string(domain.KindState), resp.Code)
	require.Equal(t, []domain.AnomalyKind{domain.AnomalyOrphanedPayment}, f.anomalies.Kinds())
}

func TestVerifyPaymentWithoutPendingRefill(t *testing.T) {
	f := newHandlerFixture(t, nil)
	_, token := f.session(t)

	code, resp := f.do(t, http.MethodPost, "/refills/verify", token, map[string]string{"reference": "R-UNKNOWN"})
	require.Equal(t, http.StatusConflict, code)
	require.Equal(t, domain.ErrSessionLost.Error(), resp.Message)

	code, _ = f.do(t, http.MethodPost, "/refills/verify", token, map[string]string{})
	require.Equal(t, http.StatusBadRequest, code)
}

func TestGetReceipt(t *testing.T) {
	f := newHandlerFixture(t, nil)
	_, token := f.session(t)
	_, err := f.receipts.Create(context.Background(), &domain.ReconciliationReceipt{
		Code:        "RF01TEST",
		Reference:   "R1",
		CardID:      "CARD-0001",
		BaseAmount:  decimal.NewFromInt(50),
		TotalAmount: decimal.RequireFromString("58.25"),
		Currency:    "ZAR",
	})
	require.NoError(t, err)

	code, _ := f.do(t, http.MethodGet, "/receipts/R1", "", nil)
	require.Equal(t, http.StatusUnauthorized, code)

	code, resp := f.do(t, http.MethodGet, "/receipts/R1", token, nil)
	require.Equal(t, http.StatusOK, code)
	var rc domain.ReconciliationReceipt
	require.NoError(t, json.Unmarshal(resp.Data, &rc))
	require.Equal(t, "RF01TEST", rc.Code)
	require.Equal(t, "****0001", rc.CardID)
	require.True(t, rc.TotalAmount.Equal(decimal.RequireFromString("58.25")))

	code, resp = f.do(t, http.MethodGet, "/receipts/code/RF01TEST", token, nil)
	require.Equal(t, http.StatusOK, code)
	require.NotContains(t, string(resp.Data), "CARD-0001")

	code, _ = f.do(t, http.MethodGet, "/receipts/R404", token, nil)
	require.Equal(t, http.StatusNotFound, code)

	// The stored receipt keeps the full card id.
	stored, err := f.receipts.GetByReference(context.Background(), "R1")
	require.NoError(t, err)
	require.Equal(t, "CARD-0001", stored.CardID)
}

func TestOptionsAndAnomalies(t *testing.T) {
	f := newHandlerFixture(t, nil)

	code, resp := f.do(t, http.MethodGet, "/refills/options", "", nil)
	require.Equal(t, http.StatusOK, code)
	var opts struct {
		Presets  []string `json:"presets"`
		Max      string   `json:"max"`
		Currency string   `json:"currency"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &opts))
	require.Equal(t, []string{"20.00", "50.00"}, opts.Presets)
	require.Equal(t, "1000.00", opts.Max)
	require.Equal(t, "ZAR", opts.Currency)

	require.NoError(t, f.anomalies.Create(context.Background(), &domain.Anomaly{
		ID: "a1", Kind: domain.AnomalySuperseded, SessionID: "s1", Reference: "R1", CardID: "CARD-0001",
	}))

	code, _ = f.do(t, http.MethodGet, "/anomalies?limit=10", "", nil)
	require.Equal(t, http.StatusUnauthorized, code)
	code, _ = f.doWith(t, http.MethodGet, "/anomalies?limit=10", "", "not-the-key", nil)
	require.Equal(t, http.StatusUnauthorized, code)

	code, resp = f.doWith(t, http.MethodGet, "/anomalies?limit=10", "", testOperatorKey, nil)
	require.Equal(t, http.StatusOK, code)
	var items []domain.Anomaly
	require.NoError(t, json.Unmarshal(resp.Data, &items))
	require.Len(t, items, 1)
	require.Equal(t, "****0001", items[0].CardID)

	code, _ = f.doWith(t, http.MethodGet, "/anomalies?limit=0", "", testOperatorKey, nil)
	require.Equal(t, http.StatusBadRequest, code)
}

func TestHealth(t *testing.T) {
	ok := func(context.Context) error { return nil }
	down := func(context.Context) error { return errors.New("connection refused") }

	f := newHandlerFixture(t, map[string]HealthCheck{"redis": ok, "postgres": ok})
	code, _ := f.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, code)

	f = newHandlerFixture(t, map[string]HealthCheck{"redis": ok, "postgres": down})
	code, resp := f.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusServiceUnavailable, code)
	require.Equal(t, "unhealthy", resp.Code)
}

func TestWriteRefillErrorStatusCodes(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{domain.ValidationError("begin_refill", domain.ErrAmountAboveCap), http.StatusBadRequest},
		{domain.StateError("confirm_payment", "R1", "", domain.ErrSessionLost), http.StatusConflict},
		{domain.DecodeAmbiguityError("CARD-1"), http.StatusConflict},
		{domain.GatewayError("verify", "R1", true, errors.New("timeout")), http.StatusBadGateway},
		{domain.MediumError("write", "R1", "CARD-1", errors.New("lost")), http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		writeRefillError(rec, tc.err, nil)
		require.Equal(t, tc.code, rec.Code, tc.err.Error())

		var resp apiResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		var data struct {
			Retryable bool `json:"retryable"`
		}
		require.NoError(t, json.Unmarshal(resp.Data, &data))
		require.Equal(t, domain.IsRetryable(tc.err), data.Retryable)
	}
}
