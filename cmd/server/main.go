package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/spf13/viper"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"

	"nexflow-crm/backend/internal/api"
	"nexflow-crm/backend/internal/auth"
	"nexflow-crm/backend/internal/cache"
	"nexflow-crm/backend/internal/config"
	"nexflow-crm/backend/internal/logging"
	"nexflow-crm/backend/internal/mcp"
	"nexflow-crm/backend/internal/repository"
	"nexflow-crm/backend/internal/secure"
	"nexflow-crm/backend/internal/services"
	"nexflow-crm/backend/internal/storage"
	"nexflow-crm/backend/internal/tenant"
	"nexflow-crm/backend/internal/tls"
)

func main() {
	ctx := context.Background()

	envFile := flag.String("env", "", "Path to .env file")
	flag.Parse()

	cfg, err := config.LoadConfig(*envFile)
	if err != nil {
		log.Fatalf("Configuration loading failed: %v", err)
	}

	logger := logging.NewLogger(cfg.Log.Level, cfg.IsDev())
	defer func() { _ = logger.Sync() }()

	logger.Info("Configuration loaded",
		"environment", cfg.Environment,
		"okta_domain", cfg.Auth.OktaDomain,
		"okta_client_id", cfg.Auth.ClientID,
		"db_driver", cfg.DB.Driver,
		"storage_driver", cfg.Storage.Driver,
		"config_file", viper.ConfigFileUsed(),
	)
	if cfg.DevModeBypass {
		logger.Warn("Authentication bypass is enabled; every request acts as the dev user", "email", cfg.DevUserEmail)
	}
	if cfg.Auth.SwaggerClientID != "" && cfg.Auth.SwaggerClientID == cfg.Auth.ClientID {
		logger.Warn("Swagger client id matches the backend client id; PKCE sign-in from /docs will fail for a web app client")
	}

	logger.Info("Starting Nexflow CRM backend")

	repo, closeRepo, err := initRepository(ctx, cfg, logger)
	if err != nil {
		logger.Error("Failed to initialize repository", "error", err)
		os.Exit(1)
	}
	defer closeRepo()

	client := secure.NewClient(tenant.ContextResolver{}, cache.New(logger), secure.LogNotifier{Logger: logger}, logger)
	svc := services.New(repo, client, logger)

	backend, err := initStorage(ctx, cfg)
	if err != nil {
		logger.Error("Failed to initialize file storage", "error", err)
		os.Exit(1)
	}
	files := storage.New(backend, tenant.ContextResolver{}, logger)

	logger.Info("Service layer initialized")

	authz, err := auth.New(ctx, cfg, repo, logger)
	if err != nil {
		logger.Error("Failed to initialize auth", "error", err)
		os.Exit(1)
	}

	e := echo.New()
	e.HideBanner = true
	e.HTTPErrorHandler = api.ErrorHandler(logger)
	e.Use(middleware.Recover())
	e.Use(otelecho.Middleware("nexflow-crm"))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			logger.Debug("request", "method", v.Method, "uri", v.URI, "status", v.Status, "latency", v.Latency)
			return nil
		},
	}))

	e.GET("/login", echo.WrapHandler(http.HandlerFunc(authz.LoginHandler)))
	e.GET("/auth/callback", echo.WrapHandler(http.HandlerFunc(authz.CallbackHandler)))
	e.GET("/logout", echo.WrapHandler(http.HandlerFunc(authz.LogoutHandler)))

	server := api.NewServer(svc, files, logger)
	apiGroup := e.Group("/api/v1")
	apiGroup.Use(echo.WrapMiddleware(authz.RequireAuth))
	apiGroup.Use(api.Notices())
	api.RegisterHandlers(apiGroup, server)
	api.RegisterPublicHandlers(e, server, api.NewHandler(repo))

	if local, ok := backend.(*storage.LocalStorage); ok && cfg.Storage.PublicBaseURL == "" {
		e.Static("/files", local.Dir())
	}

	logger.Info("REST API handlers mounted")

	mcpServer := mcp.NewServer(svc)
	mcpHandlers := http.NewServeMux()
	mcp.MountHTTPHandlers(mcpHandlers, mcpServer.GetMCPServer())
	e.Any("/mcp", echo.WrapHandler(authz.RequireAuth(mcpHandlers)))
	e.Any("/mcp/*", echo.WrapHandler(authz.RequireAuth(mcpHandlers)))

	logger.Info("MCP protocol handlers mounted")

	e.GET("/openapi.yaml", api.SpecHandler(cfg.Auth.OktaDomain))
	e.GET("/docs", api.SwaggerHandler(cfg.Auth.OktaDomain, cfg.Auth.SwaggerClientID))
	e.GET("/docs/oauth2-redirect.html", api.OAuthRedirectHandler)

	if cfg.TLS.Enable {
		generated, err := tls.EnsureCert(cfg.TLS.CertFile, cfg.TLS.KeyFile, cfg.TLS.Hostnames)
		if err != nil {
			logger.Error("TLS certificate unavailable", "error", err)
			os.Exit(1)
		}
		if generated {
			logger.Warn("Generated a self-signed certificate", "cert", cfg.TLS.CertFile)
		}
	}

	httpServer := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      e,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("Server starting", "address", httpServer.Addr, "tls", cfg.TLS.Enable)
		if cfg.TLS.Enable {
			serverErrors <- httpServer.ListenAndServeTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile)
			return
		}
		serverErrors <- httpServer.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Server error", "error", err)
			os.Exit(1)
		}
	case sig := <-shutdown:
		logger.Info("Shutdown signal received", "signal", sig.String())

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(ctx); err != nil {
			logger.Error("Server shutdown error", "error", err)
			if err := httpServer.Close(); err != nil {
				logger.Error("Server close error", "error", err)
			}
		}

		logger.Info("Server stopped gracefully")
	}
}

func initRepository(ctx context.Context, cfg *config.Config, logger *logging.Logger) (repository.Repository, func(), error) {
	if cfg.DB.Driver == "memory" {
		logger.Warn("Using the in-memory store; data is lost on restart")
		return repository.NewMemoryStore(), func() {}, nil
	}

	logger.Debug("Initializing database connection")
	pool, err := repository.Connect(ctx, cfg.DSN(), cfg.DB.MaxConns, time.Minute, logger)
	if err != nil {
		return nil, nil, err
	}
	if cfg.DB.Migrate {
		if err := repository.Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("migrating database: %w", err)
		}
		logger.Info("Database schema up to date")
	}
	logger.Info("Database connected")
	return repository.NewPostgresStore(pool, logger), pool.Close, nil
}

func initStorage(ctx context.Context, cfg *config.Config) (storage.Backend, error) {
	if cfg.Storage.Driver == "s3" {
		s3, err := storage.NewS3Storage(ctx, cfg.Storage.Bucket, storage.S3Config{
			Region:        cfg.Storage.Region,
			Endpoint:      cfg.Storage.Endpoint,
			UsePathStyle:  cfg.Storage.UsePathStyle,
			PublicBaseURL: cfg.Storage.PublicBaseURL,
		})
		if err != nil {
			return nil, err
		}
		if cfg.IsDev() {
			if err := s3.EnsureBucket(ctx); err != nil {
				return nil, err
			}
		}
		return s3, nil
	}
	return storage.NewLocalStorage(cfg.Storage.LocalDir, cfg.Storage.PublicBaseURL)
}
