/**
 * @description
 * This is the main entry point for the identity-service. Its primary role is
 * to start an HTTP server that serves the gated registration flow and listens
 * for incoming verification webhooks from Didit.
 *
 * Key features:
 * - Loads application configuration from environment variables.
 * - Establishes the PostgreSQL connection pool and RabbitMQ connections.
 * - Starts the linkage repair consumer and the cron-scheduled stale-session
 *   reconciliation sweep.
 * - Implements graceful shutdown to ensure clean resource cleanup on termination.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: HTTP routing (wired in internal/api).
 * - github.com/jackc/pgx/v5/pgxpool: Database connection pooling.
 * - github.com/joho/godotenv: For loading .env files during local development.
 */
package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"github.com/shebn/identity-service/internal/api"
	"github.com/shebn/identity-service/internal/app"
	"github.com/shebn/identity-service/internal/config"
	"github.com/shebn/identity-service/internal/domain"
	"github.com/shebn/identity-service/internal/store"
	"github.com/shebn/identity-service/pkg/diditclient"
	"github.com/shebn/identity-service/pkg/rabbitmq"
)

func main() {
	// Load .env file for local development.
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	// Load application configuration.
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("cannot load config: %v", err)
	}
	if cfg.RegistrationTokenSecret == "" {
		log.Fatal("REGISTRATION_TOKEN_SECRET must be configured")
	}
	if cfg.DiditWebhookSecret == "" {
		log.Println("WARNING: DIDIT_WEBHOOK_SECRET is not set; the service runs in unverified webhook mode")
	}
	if cfg.GenderGateFailOpen {
		log.Println("WARNING: GENDER_GATE_FAIL_OPEN is enabled; sessions with no gender attribute will be admitted")
	}

	// Establish database connection pool.
	dbConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Unable to parse database URL: %v\n", err)
	}
	dbConfig.MaxConns = 25
	dbConfig.MinConns = 5
	dbConfig.MaxConnLifetime = 30 * time.Minute
	dbConfig.MaxConnIdleTime = 5 * time.Minute
	dbConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(context.Background(), dbConfig)
	if err != nil {
		log.Fatalf("Unable to connect to database: %v\n", err)
	}
	defer dbpool.Close()
	log.Println("Database connection established")

	// Set up RabbitMQ producer.
	producer, err := rabbitmq.NewEventProducer(cfg.RabbitMQURL)
	if err != nil {
		log.Fatalf("Failed to connect to RabbitMQ: %v", err)
	}
	defer producer.Close()
	log.Println("RabbitMQ producer connected")

	// Set up dependencies.
	sessionRepo := store.NewPostgresVerificationRepository(dbpool)
	accountRepo := store.NewPostgresAccountRepository(dbpool)
	diditClient := diditclient.NewClient(cfg.DiditAPIBaseURL, cfg.DiditAPIKey)

	tokens := app.NewTokenIssuer(cfg.RegistrationTokenSecret)
	access := api.NewAccessTokenIssuer(cfg.RegistrationTokenSecret)
	gate := domain.GenderGate{FailOpen: cfg.GenderGateFailOpen}

	registrationService := app.NewRegistrationService(
		sessionRepo,
		accountRepo,
		diditClient,
		producer,
		tokens,
		gate,
		diditclient.VerificationURL,
		cfg.DiditWorkflowID,
		cfg.PublicBaseURL+"/webhooks/didit",
	)
	poller := app.NewPoller(registrationService)

	// Set up the linkage repair consumer.
	consumer, err := rabbitmq.NewConsumer(cfg.RabbitMQURL)
	if err != nil {
		log.Fatalf("Failed to connect RabbitMQ consumer: %v", err)
	}
	defer consumer.Close()

	consumerCtx, stopConsumer := context.WithCancel(context.Background())
	defer stopConsumer()

	linkageHandler := app.NewLinkageEventHandler(accountRepo, sessionRepo, producer)
	go func() {
		log.Printf("Starting consumer for event 'registration.profile_link_pending'...")
		err := consumer.Consume(consumerCtx, domain.VerificationExchange, "identity_service_profile_linkage", domain.RoutingProfileLinkPending, linkageHandler.HandleProfileLinkPending)
		if err != nil && consumerCtx.Err() == nil {
			log.Printf("Consumer error: %v", err) // Log as non-fatal
		}
	}()

	// Start the stale-session reconciliation sweep.
	slogger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	reconciler := app.NewReconciler(registrationService, sessionRepo, slogger, cfg.ReconcileSweepSchedule)
	reconciler.Start()

	// Set up router and handlers.
	verifier := api.NewSignatureVerifier(cfg.DiditWebhookSecret)
	webhookHandler := api.NewWebhookHandler(registrationService, verifier, cfg.AllowUnverifiedWebhooks)
	registrationHandler := api.NewRegistrationHandler(registrationService, poller, access)
	router := api.NewRouter(registrationHandler, webhookHandler, access)

	// Start the HTTP server.
	server := &http.Server{
		Addr:    ":" + cfg.ServerPort,
		Handler: router,
	}

	go func() {
		log.Printf("Server starting on port %s", cfg.ServerPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Could not start server: %s\n", err)
		}
	}()

	// Graceful shutdown logic.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	stopConsumer()
	<-reconciler.Stop().Done()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatalf("Server shutdown failed: %v", err)
	}

	log.Println("Server gracefully stopped")
}
