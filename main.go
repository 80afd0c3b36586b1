package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/Chachompoo/chaploy-project/cache"
	"github.com/Chachompoo/chaploy-project/database"
	"github.com/Chachompoo/chaploy-project/handlers"
	"github.com/Chachompoo/chaploy-project/kafka"
	"github.com/Chachompoo/chaploy-project/mail"
	"github.com/Chachompoo/chaploy-project/middleware"
	"github.com/Chachompoo/chaploy-project/storage"
)

func main() {
	// Initialize logger
	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	// Initialize database
	db, err := database.InitDB(logger)
	if err != nil {
		logger.Fatal("Failed to initialize database", zap.Error(err))
	}
	defer db.Close()

	// Initialize file storage for payment slips and receipts
	files, err := storage.NewStore(logger)
	if err != nil {
		logger.Fatal("Failed to initialize file storage", zap.Error(err))
	}

	// Redis and Kafka degrade gracefully: without them the shop still takes
	// orders, it just serves uncached reads and sends no notifications.
	redisClient, err := cache.InitRedis(logger)
	if err != nil {
		logger.Warn("Redis unavailable, product cache disabled", zap.Error(err))
		redisClient = nil
	}

	producer, err := kafka.InitProducer(logger)
	if err != nil {
		logger.Warn("Kafka unavailable, lifecycle events disabled", zap.Error(err))
		producer = nil
	} else {
		defer producer.Close()
	}

	if producer != nil {
		consumer, err := kafka.InitConsumer(logger)
		if err != nil {
			logger.Warn("Kafka consumer unavailable, notifications disabled", zap.Error(err))
		} else {
			defer consumer.Close()
			mailer := mail.NewSMTPMailer(logger)
			go func() {
				if err := kafka.StartNotificationConsumer(consumer, mailer, logger); err != nil {
					logger.Error("Notification consumer error", zap.Error(err))
				}
			}()
		}
	}

	// Initialize OpenTelemetry
	shutdown, err := middleware.InitTracing("chaploy-shop")
	if err != nil {
		logger.Fatal("Failed to initialize tracing", zap.Error(err))
	}
	defer shutdown()

	router := gin.New()
	router.Use(gin.Recovery())
	// OpenTelemetry middleware must be first to extract trace context
	router.Use(otelgin.Middleware("chaploy-shop"))
	router.Use(middleware.LoggerMiddleware(logger))
	router.Use(middleware.MetricsMiddleware())
	router.Use(middleware.Authenticate())

	router.GET("/health", handlers.HealthCheck)
	router.GET("/metrics", middleware.PrometheusHandler())

	authHandler := handlers.NewAuthHandler(db, logger)
	router.POST("/auth/login", authHandler.Login)
	router.POST("/auth/staff/login", authHandler.StaffLogin)

	productHandler := handlers.NewProductHandler(db, redisClient, logger)
	router.GET("/products", productHandler.GetProducts)
	router.GET("/products/:id", productHandler.GetProduct)

	cartHandler := handlers.NewCartHandler(db, logger)
	router.POST("/cart/resolve", cartHandler.ResolveCart)
	router.POST("/cart/increment", cartHandler.IncrementCheck)

	// checkout accepts guests, identity comes from the token when present
	checkoutHandler := handlers.NewCheckoutHandler(db, producer, files, redisClient, logger)
	router.POST("/checkout", checkoutHandler.Checkout)

	orderHandler := handlers.NewOrderHandler(db, producer, logger)
	paymentHandler := handlers.NewPaymentHandler(db, producer, files, logger)
	router.GET("/orders", middleware.RequireCustomer(), orderHandler.ListMyOrders)
	router.GET("/orders/:id", orderHandler.GetOrder)
	router.GET("/orders/:id/items", orderHandler.GetOrderItems)
	router.GET("/orders/:id/receipt", paymentHandler.GetReceipt)
	router.POST("/orders/:id/cancel", orderHandler.Cancel)
	router.PUT("/orders/:id/status", middleware.RequireStaff(), orderHandler.UpdateStatus)
	router.POST("/payments/:id/verify", middleware.RequireStaff(), paymentHandler.Verify)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: router,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	logger.Info("Chaploy shop started", zap.String("port", port))

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	logger.Info("Chaploy shop stopped")
}
