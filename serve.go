package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"bridge-svc/cache"
	"bridge-svc/config"
	"bridge-svc/database"
	"bridge-svc/handlers"
	"bridge-svc/kafka"
	"bridge-svc/keepalive"
	"bridge-svc/middleware"
	"bridge-svc/reconcile"
	"bridge-svc/sbpay"
	"bridge-svc/signature"
	"bridge-svc/store"
	"bridge-svc/yaad"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"
)

const serviceName = "bridge-service"

func serveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the payment bridge HTTP service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(*configPath)
		},
	}
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	if cfg.IsProduction() {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}

func runServe(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	// Initialize logger
	logger, err := newLogger(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	// Initialize OpenTelemetry
	shutdownTracing, err := middleware.InitTracing(serviceName, cfg.JaegerEndpoint)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	defer shutdownTracing()

	st, err := buildStore(cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	events, err := buildPublisher(cfg, logger)
	if err != nil {
		return err
	}
	defer events.Close()

	engine := buildEngine(cfg, st, events, logger)
	router := newRouter(cfg, handlers.NewPaymentHandler(engine, logger, cfg.IsProduction()), logger)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	logger.Info("Bridge service started",
		zap.String("addr", srv.Addr),
		zap.String("env", cfg.Env),
		zap.String("store", cfg.Store.Backend),
	)

	if cfg.IsProduction() && cfg.AppURL != "" {
		pinger := keepalive.NewPinger(cfg.AppURL, cfg.KeepAliveInterval, &http.Client{Timeout: cfg.UpstreamTimeout}, logger)
		go pinger.Run(ctx)
	}

	select {
	case err := <-serveErr:
		logger.Error("Server failed", zap.Error(err))
		return err
	case <-ctx.Done():
	}

	logger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
		return err
	}

	logger.Info("Server exited")
	return nil
}

func buildStore(cfg *config.Config, logger *zap.Logger) (store.Store, error) {
	switch cfg.Store.Backend {
	case config.StoreRedis:
		rdb, err := cache.InitRedis(cfg.Redis, logger)
		if err != nil {
			return nil, err
		}
		return store.NewRedisStore(rdb, cfg.Store.TTL), nil
	case config.StorePostgres:
		db, err := database.InitDB(cfg.Database, logger)
		if err != nil {
			return nil, err
		}
		return store.NewPostgresStore(db), nil
	default:
		logger.Warn("Using in-memory reconciliation store, state is lost on restart")
		return store.NewMemoryStore(), nil
	}
}

func buildPublisher(cfg *config.Config, logger *zap.Logger) (kafka.EventPublisher, error) {
	brokers := cfg.Kafka.Brokers()
	if len(brokers) == 0 {
		return kafka.NopPublisher{}, nil
	}
	producer, err := kafka.InitProducer(brokers, logger)
	if err != nil {
		return nil, err
	}
	return kafka.NewPublisher(producer, cfg.Kafka.Topic, logger), nil
}

func buildEngine(cfg *config.Config, st store.Store, events kafka.EventPublisher, logger *zap.Logger) *reconcile.Engine {
	httpClient := &http.Client{Timeout: cfg.UpstreamTimeout}

	yaadCfg := yaad.Config{
		BaseURL: cfg.Yaad.BaseURL,
		Key:     cfg.Yaad.Key,
		PassP:   cfg.Yaad.PassP,
		Masof:   cfg.Yaad.Masof,
	}
	if cfg.AppURL != "" {
		yaadCfg.SuccessURL = cfg.AppURL + "/api/payment-success"
		yaadCfg.CancelURL = cfg.AppURL + "/api/payment-cancelled"
	}
	processor := yaad.NewClient(yaadCfg, httpClient, logger)

	origin := sbpay.NewClient(sbpay.Config{
		BaseURL:  cfg.SBPay.APIURL,
		APIKey:   cfg.SBPay.APIKey,
		Merchant: cfg.SBPay.Merchant,
	}, signature.NewCodec(cfg.SBPay.Secret), httpClient, logger)

	return reconcile.NewEngine(signature.NewCodec(cfg.SBPay.WebhookSecret), processor, origin, st, events, logger)
}

func newRouter(cfg *config.Config, paymentHandler *handlers.PaymentHandler, logger *zap.Logger) *gin.Engine {
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(serviceName))
	router.Use(middleware.LoggerMiddleware(logger))
	router.Use(middleware.MetricsMiddleware())
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.RateLimit(middleware.NewRateLimiter(cfg.RateLimit.Requests, cfg.RateLimit.Window)))

	// Health check endpoint
	router.GET("/health", handlers.HealthCheck)

	// Metrics endpoint
	router.GET("/metrics", middleware.PrometheusHandler())

	api := router.Group("/api")
	{
		api.POST("/payment", paymentHandler.ProcessPayment)
		api.POST("/webhook/payment", paymentHandler.HandleWebhook)
		api.GET("/yaad-callback", paymentHandler.HandleYaadCallback)
		api.GET("/payment-success", handlers.PaymentSuccessPage)
		api.GET("/payment-cancelled", handlers.PaymentCancelledPage)
	}

	return router
}
