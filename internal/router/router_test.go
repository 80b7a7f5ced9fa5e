package router

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"refill-service/internal/domain"
	"refill-service/internal/handler"
	"refill-service/internal/provider/mock"
	"refill-service/internal/repository"
	"refill-service/internal/usecase"
	"refill-service/pkg/jwtutil"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestRouter(t *testing.T) (http.Handler, *jwtutil.Signer) {
	t.Helper()
	receipts := repository.NewMemoryReceiptRepository()
	anomalies := repository.NewMemoryAnomalyRepository()
	factory := usecase.NewEngineFactory(usecase.EngineDeps{
		Gateway:   mock.NewGateway(),
		Sessions:  repository.NewMemorySessionFactory(domain.DefaultPendingTTL),
		Receipts:  receipts,
		Anomalies: anomalies,
		Policy:    domain.DefaultAmountPolicy(),
	})
	signer := jwtutil.NewSigner("router-secret", "refill-service", time.Hour)
	h := handler.NewRefillHandler(factory, handler.NewHub(zap.NewNop()), signer, receipts, anomalies,
		handler.RefillOptions{Currency: "ZAR"},
		map[string]handler.HealthCheck{"redis": func(context.Context) error { return nil }},
		zap.NewNop())
	return SetupRoutes(h, signer, "ops-key", zap.NewNop()), signer
}

func TestRoutes(t *testing.T) {
	r, signer := newTestRouter(t)
	token, _, err := signer.Generate("s1", "kiosk")
	require.NoError(t, err)

	cases := []struct {
		method string
		path   string
		token  string
		apiKey string
		want   int
	}{
		{http.MethodGet, "/api/v1/refills/health", "", "", http.StatusOK},
		{http.MethodGet, "/metrics", "", "", http.StatusOK},
		{http.MethodGet, "/api/v1/refills/options", "", "", http.StatusOK},
		{http.MethodPost, "/api/v1/sessions", "", "", http.StatusCreated},
		{http.MethodGet, "/api/v1/refills/state", "", "", http.StatusUnauthorized},
		{http.MethodGet, "/api/v1/refills/state", token, "", http.StatusOK},
		{http.MethodGet, "/api/v1/refills/ws", "", "", http.StatusUnauthorized},
		{http.MethodGet, "/api/v1/receipts/R404", "", "", http.StatusUnauthorized},
		{http.MethodGet, "/api/v1/receipts/code/RF01", "", "", http.StatusUnauthorized},
		{http.MethodGet, "/api/v1/receipts/R404", token, "", http.StatusNotFound},
		{http.MethodGet, "/api/v1/anomalies", "", "", http.StatusUnauthorized},
		{http.MethodGet, "/api/v1/anomalies", token, "", http.StatusUnauthorized},
		{http.MethodGet, "/api/v1/anomalies", "", "wrong-key", http.StatusUnauthorized},
		{http.MethodGet, "/api/v1/anomalies", "", "ops-key", http.StatusOK},
		{http.MethodGet, "/api/v1/unknown", "", "", http.StatusNotFound},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(tc.method, tc.path, nil)
		if tc.token != "" {
			req.Header.Set("Authorization", "Bearer "+tc.token)
		}
		if tc.apiKey != "" {
			req.Header.Set("X-API-Key", tc.apiKey)
		}
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		require.Equal(t, tc.want, rec.Code, "%s %s", tc.method, tc.path)
	}
}

func TestOperatorRoutesDisabledWithoutKey(t *testing.T) {
	receipts := repository.NewMemoryReceiptRepository()
	anomalies := repository.NewMemoryAnomalyRepository()
	factory := usecase.NewEngineFactory(usecase.EngineDeps{
		Gateway:   mock.NewGateway(),
		Sessions:  repository.NewMemorySessionFactory(domain.DefaultPendingTTL),
		Receipts:  receipts,
		Anomalies: anomalies,
		Policy:    domain.DefaultAmountPolicy(),
	})
	signer := jwtutil.NewSigner("router-secret", "refill-service", time.Hour)
	h := handler.NewRefillHandler(factory, handler.NewHub(zap.NewNop()), signer, receipts, anomalies,
		handler.RefillOptions{Currency: "ZAR"}, nil, zap.NewNop())
	r := SetupRoutes(h, signer, "", zap.NewNop())

	for _, key := range []string{"", "ops-key"} {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/anomalies", nil)
		req.Header.Set("X-API-Key", key)
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		require.Equal(t, http.StatusUnauthorized, rec.Code, "key %q", key)
	}
}
