// internal/router/router.go
package router

import (
	"net/http"
	"time"

	"refill-service/internal/handler"
	"refill-service/pkg/jwtutil"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

func SetupRoutes(
	refillHandler *handler.RefillHandler,
	signer *jwtutil.Signer,
	operatorKey string,
	logger *zap.Logger,
) http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(LoggerMiddleware(logger))
	r.Use(middleware.Recoverer)

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Handle("/metrics", promhttp.Handler())

	requireSession := handler.RequireSession(signer)
	requireOperator := handler.RequireOperatorKey(operatorKey, logger)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/refills/health", refillHandler.Health)

		// Websocket upgrades are long lived and must not get the request timeout.
		r.With(requireSession).Get("/refills/ws", refillHandler.HandleWebSocket)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(60 * time.Second))

			r.Post("/sessions", refillHandler.CreateSession)
			r.Get("/refills/options", refillHandler.Options)

			// Terminal session routes
			r.With(requireSession).Post("/refills/verify", refillHandler.VerifyPayment)
			r.With(requireSession).Get("/refills/state", refillHandler.State)

			r.With(requireSession).Get("/receipts/code/{code}", refillHandler.GetReceiptByCode)
			r.With(requireSession).Get("/receipts/{reference}", refillHandler.GetReceipt)

			// Operator routes
			r.With(requireOperator).Get("/anomalies", refillHandler.ListAnomalies)
		})
	})

	return r
}

// LoggerMiddleware logs HTTP requests
func LoggerMiddleware(logger *zap.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			logger.Info("http request",
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)),
				zap.String("remote_addr", r.RemoteAddr),
				zap.String("user_agent", r.UserAgent()))
		})
	}
}
