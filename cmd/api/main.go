// The api binary serves the storefront checkout and payment reconciliation
// API.
//
//	@title        Gebeya Hub API
//	@version      1.0
//	@description  Order checkout and payment reconciliation service.
//	@BasePath     /
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	_ "github.com/gebeyahub/backend/docs"
	"github.com/gebeyahub/backend/internal/cart"
	"github.com/gebeyahub/backend/internal/checkout"
	"github.com/gebeyahub/backend/internal/config"
	"github.com/gebeyahub/backend/internal/httpx"
	"github.com/gebeyahub/backend/internal/notify"
	"github.com/gebeyahub/backend/internal/order"
	"github.com/gebeyahub/backend/internal/payment"
	"github.com/gebeyahub/backend/internal/postgres"
	"github.com/gebeyahub/backend/internal/product"
	"github.com/gebeyahub/backend/internal/provider"
	"github.com/gebeyahub/backend/internal/webhook"
)

func newLogger() (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncoderConfig.TimeKey = "timestamp"
	return cfg.Build()
}

func main() {
	log, err := newLogger()
	if err != nil {
		panic(err)
	}
	defer func() { _ = log.Sync() }()

	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := postgres.Connect(ctx, cfg.PostgresDSN, log.With(zap.String("component", "postgres")))
	if err != nil {
		log.Fatal("database connection failed", zap.Error(err))
	}
	defer pool.Close()

	if err := postgres.Migrate(cfg.PostgresDSN); err != nil {
		log.Fatal("migrations failed", zap.Error(err))
	}

	orders := order.NewPGRepo()
	payments := payment.NewPGRepo()
	products := product.NewPGRepo()
	carts := cart.NewPGSnapshotter()

	providers := provider.NewRegistry()
	providers.Register(provider.NewChapa(provider.ChapaOptions{
		SecretKey:     cfg.ChapaSecretKey,
		WebhookSecret: cfg.ChapaWebhookSecret,
		BaseURL:       cfg.ChapaBaseURL,
		CallbackURL:   cfg.CallbackBaseURL + "/api/webhooks/payments/chapa",
		Timeout:       cfg.ProviderTimeout,
		MaxAttempts:   cfg.ProviderMaxAttempts,
	}, log.With(zap.String("component", "chapa"))))

	var notifier notify.Notifier = notify.Nop{}
	if len(cfg.KafkaBrokers) > 0 && cfg.KafkaBrokers[0] != "" {
		notifier = notify.NewKafkaNotifier(cfg.KafkaBrokers, cfg.NotificationsTopic,
			log.With(zap.String("component", "kafka")))
	}
	defer func() { _ = notifier.Close() }()

	orch := checkout.NewOrchestrator(pool, orders, payments, products, carts,
		providers, notifier, log.With(zap.String("component", "checkout")),
		checkout.Options{
			TaxRate:         cfg.TaxRate,
			ShippingCost:    cfg.ShippingCost,
			DefaultCurrency: cfg.DefaultCurrency,
			ProviderTimeout: cfg.ProviderTimeout,
		})

	rec := webhook.NewReconciler(pool, payments, orders, providers, notifier,
		log.With(zap.String("component", "webhook")))

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), httpx.RequestID(), httpx.Logger(log.With(zap.String("component", "http"))))

	r.GET("/healthz", func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	// Catalog reads and webhooks skip the gateway identity headers:
	// browsing is public, webhooks authenticate by signature.
	r.GET("/api/products", listProductsHandler(pool, products))
	r.GET("/api/products/:id", getProductHandler(pool, products))
	r.POST("/api/webhooks/payments/:provider", providerWebhookHandler(rec, log))

	api := r.Group("/api", httpx.Auth())
	{
		api.POST("/orders", createOrderHandler(orch))
		api.GET("/orders", listOrdersHandler(pool, orders))
		api.GET("/orders/:id", getOrderHandler(pool, orders))
		api.POST("/orders/:id/cancel", cancelOrderHandler(orch))
		api.POST("/orders/:id/payments", initiatePaymentHandler(orch))
		api.GET("/payments", listPaymentsHandler(pool, payments, orders))
		api.GET("/payments/:id", getPaymentHandler(pool, payments))
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info("api listening", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server stopped", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown failed", zap.Error(err))
		os.Exit(1)
	}
	log.Info("bye")
}
