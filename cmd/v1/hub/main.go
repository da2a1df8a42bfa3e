package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/inkmere/collab-docs/backend/go/internal/v1/access"
	"github.com/inkmere/collab-docs/backend/go/internal/v1/auth"
	"github.com/inkmere/collab-docs/backend/go/internal/v1/config"
	"github.com/inkmere/collab-docs/backend/go/internal/v1/health"
	"github.com/inkmere/collab-docs/backend/go/internal/v1/logging"
	"github.com/inkmere/collab-docs/backend/go/internal/v1/middleware"
	"github.com/inkmere/collab-docs/backend/go/internal/v1/ratelimit"
	"github.com/inkmere/collab-docs/backend/go/internal/v1/replica"
	"github.com/inkmere/collab-docs/backend/go/internal/v1/room"
	"github.com/inkmere/collab-docs/backend/go/internal/v1/store"
	"github.com/inkmere/collab-docs/backend/go/internal/v1/tracing"
	"github.com/inkmere/collab-docs/backend/go/internal/v1/transport"
	"github.com/inkmere/collab-docs/backend/go/internal/v1/types"
)

const serviceName = "collab-hub"

func main() {
	// Load .env file for local development.
	envPaths := []string{".env", "../../../.env", "../../.env"}
	var envLoaded bool
	for _, path := range envPaths {
		if err := godotenv.Load(path); err == nil {
			slog.Info("Loaded environment from", "path", path)
			envLoaded = true
			break
		}
	}
	if !envLoaded {
		slog.Warn("No .env file found in any expected location, relying on environment variables")
	}

	cfg, err := config.ValidateEnv()
	if err != nil {
		slog.Error("Environment validation failed", "error", err)
		os.Exit(1)
	}

	if err := logging.Initialize(cfg.DevelopmentMode); err != nil {
		slog.Error("Failed to initialize logger", "error", err)
		os.Exit(1)
	}

	// --- Tracing (optional) ---
	if cfg.OTLPCollectorAddr != "" {
		tp, err := tracing.InitTracer(context.Background(), serviceName, cfg.OTLPCollectorAddr)
		if err != nil {
			slog.Error("Failed to initialize tracing", "error", err)
			os.Exit(1)
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = tp.Shutdown(ctx)
		}()
		slog.Info("Tracing initialized", "collector", cfg.OTLPCollectorAddr)
	}

	// --- Token validator ---
	// HS256 shared-secret mode is the default; setting AUTH_DOMAIN switches to
	// JWKS mode against an external identity provider. SKIP_AUTH disables
	// verification entirely and is honored only in development mode.
	var validator types.TokenValidator
	if cfg.SkipAuth {
		if !cfg.DevelopmentMode {
			slog.Error("SKIP_AUTH=true requires DEVELOPMENT_MODE=true")
			os.Exit(1)
		}
		validator = auth.NewInsecureValidator()
		slog.Warn("SKIP_AUTH enabled: tokens are NOT verified, the token value is used as the user id")
	} else if cfg.AuthDomain != "" && cfg.AuthAudience != "" {
		v, err := auth.NewValidator(context.Background(), cfg.AuthDomain, cfg.AuthAudience)
		if err != nil {
			slog.Error("Failed to create JWKS validator", "error", err)
			os.Exit(1)
		}
		validator = v
		slog.Info("JWKS validator initialized", "domain", cfg.AuthDomain, "audience", cfg.AuthAudience)
	} else {
		v, err := auth.NewSecretValidator(cfg.JWTSecret)
		if err != nil {
			slog.Error("Failed to create secret validator", "error", err)
			os.Exit(1)
		}
		validator = v
		slog.Info("HS256 secret validator initialized")
	}

	// --- Metadata store ---
	st, err := store.NewRedis(cfg.RedisAddr, cfg.RedisPassword)
	if err != nil {
		slog.Error("Failed to connect to metadata store", "error", err)
		os.Exit(1)
	}

	// --- Rate limiting ---
	rateLimiter, err := ratelimit.NewRateLimiter(cfg, st.Client())
	if err != nil {
		slog.Error("Failed to create rate limiter", "error", err)
		os.Exit(1)
	}

	// --- Core registries and hub ---
	rooms := room.NewRegistry()
	replicas := replica.NewRegistry(st, replica.Config{
		SaveInterval:         cfg.SaveInterval,
		UpdateThreshold:      cfg.UpdateThreshold,
		InactiveTimeout:      cfg.InactiveTimeout,
		CleanupCheckInterval: cfg.CleanupCheckInterval,
	}, rooms.InUse)

	allowedOrigins := auth.GetAllowedOriginsFromEnv("ALLOWED_ORIGINS", []string{"http://localhost:3000"})

	hub := transport.NewHub(transport.Deps{
		Validator:      validator,
		Store:          st,
		Access:         access.NewResolver(st),
		Rooms:          rooms,
		Replicas:       replicas,
		RateLimiter:    rateLimiter,
		AllowedOrigins: allowedOrigins,
	})

	// --- HTTP server ---
	if !cfg.DevelopmentMode {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CorrelationID())
	router.Use(otelgin.Middleware(serviceName))

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = allowedOrigins
	router.Use(cors.New(corsConfig))

	wsGroup := router.Group("/ws")
	{
		wsGroup.GET("/collab", hub.ServeWs)
	}

	router.GET("/metrics", rateLimiter.APIMiddleware(), gin.WrapH(promhttp.Handler()))

	healthHandler := health.NewHandler(st)
	router.GET("/health/live", healthHandler.Liveness)
	router.GET("/health/ready", healthHandler.Readiness)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		slog.Info("Collaboration hub starting", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Failed to run server", "error", err)
			syscall.Kill(os.Getpid(), syscall.SIGTERM)
		}
	}()

	// --- Graceful shutdown ---
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Order matters: sessions drain first, then replicas flush their final
	// snapshots, then the store connection closes.
	if err := hub.Shutdown(ctx); err != nil {
		slog.Error("Error during hub shutdown", "error", err)
	}

	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}

	replicas.Close(ctx)
	slog.Info("Replicas flushed")

	if err := st.Close(); err != nil {
		slog.Error("Failed to close store connection", "error", err)
	}

	slog.Info("Server exiting")
}
