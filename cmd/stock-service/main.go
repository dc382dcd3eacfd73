package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/medflow/pharmstock/internal/stock/consumers"
	"github.com/medflow/pharmstock/internal/stock/domain"
	"github.com/medflow/pharmstock/internal/stock/events"
	"github.com/medflow/pharmstock/internal/stock/handler"
	"github.com/medflow/pharmstock/internal/stock/repository"
	"github.com/medflow/pharmstock/internal/stock/service"
	"github.com/medflow/pharmstock/internal/stock/store"
	"github.com/medflow/pharmstock/pkg/config"
	"github.com/medflow/pharmstock/pkg/database"
	"github.com/medflow/pharmstock/pkg/httputil"
	"github.com/medflow/pharmstock/pkg/logger"
	"github.com/medflow/pharmstock/pkg/messaging"
)

const serviceName = "stock-service"

func main() {
	// Load configuration with validation (fails fast in production if required config is missing)
	cfg, err := config.LoadWithValidation(serviceName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(serviceName, cfg.Server.Environment)
	log.Info().Str("store", cfg.Stock.StoreDriver).Msg("starting Stock Service")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Storage
	var (
		st         store.Store
		db         *database.DB
		principals service.PrincipalLookup
		cache      consumers.PrincipalCache
	)
	switch cfg.Stock.StoreDriver {
	case "memory":
		st = store.NewMemory()
		log.Warn().Msg("using in-memory store, stock will not survive a restart")
	default:
		db, err = database.New(&cfg.Database, log)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to database")
		}
		defer db.Close()

		if err := repository.Migrate(ctx, db); err != nil {
			log.Fatal().Err(err).Msg("failed to apply schema")
		}

		st = repository.NewStore(db)
		principalRepo := repository.NewPrincipalCacheRepository(db)
		principals = principalRepo
		cache = principalRepo
	}

	// Messaging
	var (
		rmq       *messaging.RabbitMQ
		publisher *events.StockEventPublisher
	)
	if cfg.RabbitMQ.Enabled {
		rmq, err = messaging.New(&cfg.RabbitMQ, log)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to RabbitMQ")
		}
		defer rmq.Close()

		if err := rmq.Declare(messaging.StockTopology(events.ServiceName)); err != nil {
			log.Fatal().Err(err).Msg("failed to declare RabbitMQ topology")
		}
		rmq.Watch(ctx)

		publisher, err = events.NewStockEventPublisher(rmq, log)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to create event publisher")
		}

		if cache != nil {
			userConsumer, err := consumers.NewUserEventConsumer(rmq, cache, log.WithComponent("user-consumer"))
			if err != nil {
				log.Fatal().Err(err).Msg("failed to create user event consumer")
			}
			if err := userConsumer.Start(ctx); err != nil {
				log.Fatal().Err(err).Msg("failed to start user event consumer")
			}
		}
	} else {
		log.Warn().Msg("RabbitMQ disabled, stock events will not be published")
	}

	opts := service.Options{
		DefaultPolicy:     domain.Policy(cfg.Stock.DefaultPolicy),
		ExpiryWarningDays: cfg.Stock.ExpiryWarningDays,
		DefaultListLimit:  cfg.Stock.DefaultListLimit,
		MaxListLimit:      cfg.Stock.MaxListLimit,
	}
	stockService := service.NewStockService(st, publisher, principals, opts, log)
	stockHandler := handler.NewStockHandler(stockService, log)

	// Expiry and low stock scans
	scanner := service.NewExpiryScanner(st, publisher, opts, log.WithComponent("expiry-scanner"))
	scheduler := service.NewScheduler(scanner, cfg.Stock.ExpiryScanInterval, log)
	scheduler.Start(ctx)

	r := chi.NewRouter()

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.Server.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID", httputil.HeaderUserID, httputil.HeaderUserName, httputil.HeaderUserEmail, httputil.HeaderUserRole},
		ExposedHeaders:   []string{"X-Request-ID", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(middleware.RealIP)
	r.Use(httputil.RequestID)
	r.Use(httputil.ActorMiddleware)
	r.Use(httputil.Logger(log))
	r.Use(httputil.Recoverer(log))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		health := map[string]interface{}{
			"status":  "healthy",
			"service": serviceName,
			"store":   cfg.Stock.StoreDriver,
		}
		if db != nil {
			health["database"] = db.Health(r.Context())
		}
		if rmq != nil {
			health["rabbitmq"] = rmq.Health()
		}
		httputil.JSON(w, http.StatusOK, health)
	})

	r.Mount("/api/v1/stock", stockHandler.Routes())

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down server")

	// Stop the scanner and consumers before draining requests
	scheduler.Stop()
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}

	log.Info().Msg("server stopped")
}
