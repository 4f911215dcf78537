package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/songzhibin97/gkit/generator"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/pesio-ai/be-expense-approvals/internal/client"
	"github.com/pesio-ai/be-expense-approvals/internal/handler"
	"github.com/pesio-ai/be-expense-approvals/internal/platform/auth"
	"github.com/pesio-ai/be-expense-approvals/internal/platform/config"
	"github.com/pesio-ai/be-expense-approvals/internal/platform/database"
	"github.com/pesio-ai/be-expense-approvals/internal/platform/logger"
	"github.com/pesio-ai/be-expense-approvals/internal/platform/middleware"
	"github.com/pesio-ai/be-expense-approvals/internal/platform/telemetry"
	"github.com/pesio-ai/be-expense-approvals/internal/repository"
	"github.com/pesio-ai/be-expense-approvals/internal/repository/memstore"
	"github.com/pesio-ai/be-expense-approvals/internal/rules"
	"github.com/pesio-ai/be-expense-approvals/internal/service"
	"github.com/pesio-ai/be-expense-approvals/internal/verification"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log := logger.New(logger.Config{
		Level:       cfg.Log.Level,
		Environment: cfg.Service.Environment,
		ServiceName: cfg.Service.Name,
		Version:     cfg.Service.Version,
	})

	log.Info().
		Str("service", cfg.Service.Name).
		Str("version", cfg.Service.Version).
		Str("environment", cfg.Service.Environment).
		Str("storage", cfg.Storage.Driver).
		Msg("Starting Expense Approvals Service")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Telemetry
	providers, err := telemetry.Setup(ctx, telemetry.Config{
		ServiceName:    cfg.Service.Name,
		ServiceVersion: cfg.Service.Version,
		Exporter:       cfg.Telemetry.Exporter,
		Endpoint:       cfg.Telemetry.Endpoint,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize telemetry")
	}
	metrics, err := service.NewMetrics()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to register metrics")
	}

	// Storage
	store, closeStore := openStore(ctx, cfg, log)
	defer closeStore()

	// Pending sign-ups
	pending, closePending := openVerificationStore(ctx, cfg, log)
	defer closePending()

	// Notifications
	var nc *nats.Conn
	if cfg.NATS.URL != "" {
		nc, err = nats.Connect(cfg.NATS.URL,
			nats.Name(cfg.Service.Name),
			nats.MaxReconnects(-1),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				log.Warn().Err(err).Msg("NATS disconnected")
			}),
			nats.ReconnectHandler(func(c *nats.Conn) {
				log.Info().Str("url", c.ConnectedUrl()).Msg("NATS reconnected")
			}),
		)
		if err != nil {
			log.Fatal().Err(err).Str("url", cfg.NATS.URL).Msg("Failed to connect to NATS")
		}
		defer nc.Drain()
		log.Info().Str("url", cfg.NATS.URL).Msg("NATS connection established")
	} else {
		log.Warn().Msg("NATS_URL not set; notifications disabled")
	}
	publisher := client.NewNotificationPublisher(nc, log)

	var mailer service.Mailer = client.NewLogMailer(log)
	if nc != nil {
		mailer = publisher
	}

	// Services
	ids := generator.NewSnowflake(time.Now().Add(-1*time.Second), 1)
	approvals := service.NewApprovalWorkflowService(store, rules.NewExprEvaluator(), publisher, metrics, log.With("approvals"))
	users := service.NewUserService(store, log.With("users"))
	onboarding := service.NewOnboardingService(store, pending, ids, approvals, mailer, cfg.Verification.TTL, log.With("onboarding"))

	// HTTP
	mux := http.NewServeMux()
	handler.NewHTTPHandler(approvals, users, onboarding, log).Register(mux)

	var h http.Handler = mux
	h = auth.Middleware(h)
	h = middleware.Timeout(cfg.Server.RequestTimeout)(h)
	h = middleware.CORS([]string{"*"})(h)
	h = middleware.Recovery(&log.Logger)(h)
	h = middleware.Logger(&log.Logger)(h)
	h = middleware.RequestID(h)
	h = middleware.Tracing("http.server")(h)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      h,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info().Int("port", cfg.Server.Port).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("HTTP server failed")
		}
	}()

	// gRPC
	grpcServer := grpc.NewServer(grpc.UnaryInterceptor(auth.UnaryServerInterceptor()))
	handler.RegisterExpenseApprovalsServer(grpcServer, handler.NewGRPCHandler(approvals, log))
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus(handler.ServiceName, healthpb.HealthCheckResponse_SERVING)
	reflection.Register(grpcServer)

	grpcListener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.GRPCPort))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create gRPC listener")
	}

	go func() {
		log.Info().Int("port", cfg.Server.GRPCPort).Msg("Starting gRPC server")
		if err := grpcServer.Serve(grpcListener); err != nil {
			log.Error().Err(err).Msg("gRPC server failed")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")
	healthServer.Shutdown()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}
	grpcServer.GracefulStop()

	if err := providers.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Telemetry shutdown failed")
	}

	log.Info().Msg("Server stopped")
}

// openStore selects the storage driver. The returned func releases it.
func openStore(ctx context.Context, cfg *config.Config, log *logger.Logger) (repository.Store, func()) {
	if cfg.Storage.Driver == "memory" {
		log.Warn().Msg("Using in-memory storage; data is lost on restart")
		return memstore.New(), func() {}
	}

	db, err := database.New(ctx, database.Config{
		Host:        cfg.Database.Host,
		Port:        cfg.Database.Port,
		User:        cfg.Database.User,
		Password:    cfg.Database.Password,
		Database:    cfg.Database.Database,
		SSLMode:     cfg.Database.SSLMode,
		MaxConns:    cfg.Database.MaxConns,
		MinConns:    cfg.Database.MinConns,
		MaxConnTime: cfg.Database.MaxConnTime,
		MaxIdleTime: cfg.Database.MaxIdleTime,
		HealthCheck: cfg.Database.HealthCheck,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	log.Info().Msg("Database connection established")

	if cfg.Database.Migrate {
		if err := database.RunMigrations(ctx, db); err != nil {
			log.Fatal().Err(err).Msg("Failed to run migrations")
		}
		log.Info().Msg("Database migrations applied")
	}
	return repository.NewPostgresStore(db), db.Close
}

// openVerificationStore selects where pending sign-ups live.
func openVerificationStore(ctx context.Context, cfg *config.Config, log *logger.Logger) (verification.Store, func()) {
	if cfg.Verification.Driver != "redis" {
		return verification.NewMemoryStore(time.Now), func() {}
	}

	rs, err := verification.NewRedisStore(ctx, verification.RedisOptions{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		log.Fatal().Err(err).Str("addr", cfg.Redis.Addr).Msg("Failed to connect to Redis")
	}
	log.Info().Str("addr", cfg.Redis.Addr).Msg("Redis verification store ready")
	return rs, func() {
		if err := rs.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close Redis client")
		}
	}
}
