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

	"commerce-service/config"
	"commerce-service/internal/api"
	"commerce-service/internal/broker"
	"commerce-service/internal/payment"
	"commerce-service/internal/redisclient"
	"commerce-service/internal/service"
	"commerce-service/internal/store"
	"commerce-service/internal/util"
	"commerce-service/internal/worker"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// backend is everything the core needs from the primary store
type backend interface {
	service.UserDirectory
	service.ProductCatalog
	service.StockStore
	service.OrderRepository
	api.Pinger
}

func main() {

	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting commerce service")

	tp, err := util.InitTracer("commerce-service", cfg.Observ.JaegerEndpoint, cfg.Server.Env)
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			log.Printf("Error shutting down tracer: %v", err)
		}
	}()

	var (
		db    backend
		carts service.CartRepository
	)
	switch cfg.Database.Driver {
	case "memory":
		mem := store.NewMemoryStore()
		db, carts = mem, mem
		logger.Warn("Using in-memory store, data is lost on restart")
	case "postgres":
		pg, err := store.NewStore(cfg.Database.URL)
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		defer pg.Close()
		log.Println("Database connected")

		if cfg.Database.RunMigrations {
			if err := pg.RunMigrations(); err != nil {
				log.Fatalf("Failed to run migrations: %v", err)
			}
		}

		mongoCtx, mongoCancel := context.WithTimeout(context.Background(), 10*time.Second)
		mongoDB, err := store.ConnectMongoDB(mongoCtx, cfg.Mongo.URI, cfg.Mongo.Database)
		if err != nil {
			mongoCancel()
			log.Fatalf("Failed to connect to MongoDB: %v", err)
		}
		defer func() {
			if err := mongoDB.Client().Disconnect(context.Background()); err != nil {
				log.Printf("Error disconnecting MongoDB: %v", err)
			}
		}()
		cartRepo := store.NewMongoCartRepository(mongoDB)
		if err := cartRepo.CreateIndexes(mongoCtx); err != nil {
			logger.Warn("Failed to create cart indexes", zap.Error(err))
		}
		mongoCancel()
		log.Println("MongoDB connected")

		db, carts = pg, cartRepo
	default:
		log.Fatalf("Unknown STORE_DRIVER %q", cfg.Database.Driver)
	}

	var (
		cartCache service.CartCache
		locker    service.CheckoutLocker
		claimer   service.EventClaimer
	)
	redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		logger.Warn("Redis unavailable, running without cart cache, checkout locks and event dedup", zap.Error(err))
	} else {
		defer redisClient.Close()
		cartCache, locker, claimer = redisClient, redisClient, redisClient
		log.Println("Redis connected")
	}

	producer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicOrder)
	defer producer.Close()
	log.Println("Kafka producer initialized")

	eventPublisher := broker.NewEventPublisher(producer)

	stockLedger := service.NewStockLedger(db, db, eventPublisher, cfg.Business.LowStockThreshold)
	cartService := service.NewCartService(db, db, carts, cartCache)
	orderService := service.NewOrderService(db, eventPublisher)
	checkout := service.NewCheckout(db, db, db, cartService, locker, eventPublisher, service.CheckoutConfig{
		OrderNumberPrefix: cfg.Business.OrderNumberPrefix,
		DefaultCurrency:   cfg.Business.DefaultCurrency,
		LockTTL:           time.Duration(cfg.Business.CheckoutLockTTLSeconds) * time.Second,
	})
	paymentCallback := service.NewPaymentCallback(orderService, claimer,
		time.Duration(cfg.Business.EventClaimTTLSeconds)*time.Second)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	paymentConsumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicPayment, cfg.Kafka.ConsumerGroup)
	paymentWorker := worker.NewPaymentWorker(paymentConsumer, paymentCallback)
	go func() {
		if err := paymentWorker.Start(workerCtx); err != nil && err != context.Canceled {
			log.Printf("Payment worker error: %v", err)
		}
	}()

	var webhookVerifier *payment.WebhookVerifier
	if cfg.Stripe.WebhookSecret != "" {
		webhookVerifier = payment.NewWebhookVerifier(cfg.Stripe.WebhookSecret)
	} else {
		logger.Warn("STRIPE_WEBHOOK_SECRET not set, payment webhook disabled")
	}

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.Default()
	handler := api.NewHandler(api.Services{
		Carts:    cartService,
		Checkout: checkout,
		Orders:   orderService,
		Stock:    stockLedger,
		Payments: paymentCallback,
		Webhook:  webhookVerifier,
	})
	handler.AddReadinessCheck("store", db)
	if redisClient != nil {
		handler.AddReadinessCheck("redis", redisClient)
	}
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		log.Printf("Starting HTTP server on port %s", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	workerCancel()
	if err := paymentWorker.Stop(); err != nil {
		log.Printf("Error stopping payment worker: %v", err)
	}

	log.Println("Server exited")
}
