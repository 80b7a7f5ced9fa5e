// cmd/server/main.go
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"refill-service/config"
	"refill-service/internal/domain"
	"refill-service/internal/handler"
	"refill-service/internal/provider"
	"refill-service/internal/provider/checkout"
	"refill-service/internal/provider/mock"
	"refill-service/internal/pub"
	"refill-service/internal/repository"
	"refill-service/internal/router"
	"refill-service/internal/usecase"
	"refill-service/pkg/cache"
	"refill-service/pkg/generator"
	"refill-service/pkg/jwtutil"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

func main() {
	// Load .env (optional)
	if err := godotenv.Load(); err != nil {
		log.Println("refill: no .env file found, relying on system env vars")
	}

	logger, err := newLogger(os.Getenv("ENVIRONMENT"))
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer logger.Sync()

	logger.Info("starting refill service")

	cfg, err := config.Load(logger)
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	ctx := context.Background()

	redisClient, err := cache.NewRedisClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		logger.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer redisClient.Close()
	logger.Info("connected to redis", zap.String("addr", cfg.Redis.Addr))

	dbPool, err := config.NewDBPool(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer dbPool.Close()

	// Initialize repositories
	cacheService := cache.NewCacheService(redisClient, logger)
	receiptRepo := repository.NewReceiptRepository(dbPool, cacheService, logger)
	anomalyRepo := repository.NewAnomalyRepository(dbPool)
	sessions := repository.NewRedisSessionFactory(redisClient, cfg.Refill.PendingTTL, cfg.Refill.AppliedMarkerTTL, logger)

	// Initialize gateway
	var gateway provider.GatewayClient
	switch cfg.Gateway.Mode {
	case "live":
		gateway = checkout.NewCheckoutProvider(cfg.Gateway, logger)
	default:
		gateway = mock.NewGateway()
	}
	logger.Info("payment gateway ready", zap.String("gateway", gateway.Name()))

	var publisher pub.Publisher = pub.NoopPublisher{}
	if cfg.Kafka.Enabled {
		publisher = pub.NewKafkaPublisher(cfg.Kafka, logger)
		logger.Info("kafka publisher ready", zap.Strings("brokers", cfg.Kafka.Brokers), zap.String("topic", cfg.Kafka.Topic))
	}
	defer publisher.Close()

	factory := usecase.NewEngineFactory(usecase.EngineDeps{
		Gateway:   gateway,
		Sessions:  sessions,
		Receipts:  receiptRepo,
		Anomalies: anomalyRepo,
		Publisher: publisher,
		Codes:     generator.NewGenerator(),
		Policy: domain.AmountPolicy{
			Max:  cfg.Refill.MaxAmount,
			Step: cfg.Refill.AmountStep,
		},
		CallbackURL: cfg.CallbackURL(),
		Currency:    cfg.Gateway.Currency,
		Logger:      logger,
	})

	signer := jwtutil.NewSigner(cfg.Session.TokenSecret, cfg.Session.Issuer, cfg.Session.TokenTTL)

	hub := handler.NewHub(logger)
	go hub.Run()

	refillHandler := handler.NewRefillHandler(
		factory,
		hub,
		signer,
		receiptRepo,
		anomalyRepo,
		handler.RefillOptions{Presets: cfg.Refill.PresetAmounts, Currency: cfg.Gateway.Currency},
		map[string]handler.HealthCheck{
			"redis":    cacheService.Ping,
			"postgres": dbPool.Ping,
		},
		logger,
	)

	r := router.SetupRoutes(refillHandler, signer, cfg.Operator.APIKey, logger)

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 65 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server starting", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("failed to start server", zap.Error(err))
		}
	}()

	logger.Info("refill service started successfully",
		zap.String("port", cfg.Server.Port),
		zap.String("environment", cfg.Server.Env),
		zap.String("callback_url", cfg.CallbackURL()))

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", zap.Error(err))
	}

	logger.Info("server stopped")
}

func newLogger(env string) (*zap.Logger, error) {
	if env == "production" {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}
