package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/common/version"
	"github.com/sirupsen/logrus"

	"github.com/kenneth/document-vault/internal/api"
	"github.com/kenneth/document-vault/internal/audit"
	"github.com/kenneth/document-vault/internal/auth"
	"github.com/kenneth/document-vault/internal/cache"
	"github.com/kenneth/document-vault/internal/config"
	"github.com/kenneth/document-vault/internal/crypto"
	"github.com/kenneth/document-vault/internal/document"
	"github.com/kenneth/document-vault/internal/metrics"
	"github.com/kenneth/document-vault/internal/middleware"
	"github.com/kenneth/document-vault/internal/s3"
	"github.com/kenneth/document-vault/internal/tracing"
)

var (
	buildVersion = "dev"
	commit       = "unknown"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(logrus.InfoLevel)

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}
	setLogLevel(logger, cfg.LogLevel)

	version.Version = buildVersion
	version.Revision = commit
	logger.WithFields(logrus.Fields{
		"version": buildVersion,
		"commit":  commit,
	}).Info("Starting document vault")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.NewMetrics()
	m.StartSystemMetricsCollector(ctx)

	tracer, err := tracing.Init(ctx, cfg.Tracing, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize tracing")
	}

	store, err := newStore(ctx, &cfg.Backend, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create object store client")
	}

	keys, err := newKeyManager(ctx, &cfg.KMS)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create key manager")
	}
	logger.WithFields(logrus.Fields{
		"provider":  keys.Provider(),
		"algorithm": cfg.Documents.Algorithm,
	}).Info("Key manager initialized")

	policies := config.NewPolicyManager()
	if len(cfg.Documents.PolicyFiles) > 0 {
		if err := policies.LoadPolicies(cfg.Documents.PolicyFiles); err != nil {
			logger.WithError(err).Fatal("Failed to load category policies")
		}
	}

	documents, err := document.NewService(store, keys, document.OptionsFromConfig(cfg, policies), logger, m)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create document service")
	}

	verifier, err := auth.NewVerifier(cfg.Auth)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create token verifier")
	}

	var viewCache cache.Cache
	if cfg.Cache.Enabled {
		viewCache = cache.NewMemoryCache(cfg.Cache.MaxSize, cfg.Cache.MaxItems, cfg.Cache.DefaultTTL)
		logger.WithFields(logrus.Fields{
			"max_size":    cfg.Cache.MaxSize,
			"max_items":   cfg.Cache.MaxItems,
			"default_ttl": cfg.Cache.DefaultTTL,
		}).Info("View cache enabled")
	}

	var auditLogger audit.Logger
	if cfg.Audit.Enabled {
		auditLogger = audit.NewLogger(cfg.Audit.MaxEvents, audit.NewLogrusWriter(logger))
		logger.WithField("max_events", cfg.Audit.MaxEvents).Info("Audit logging enabled")
	}

	handler := api.NewHandlerWithFeatures(documents, verifier, logger, m, viewCache, auditLogger)
	handler.SetReadinessChecks(map[string]metrics.ReadinessCheck{
		"object_store": func(ctx context.Context) error {
			return store.HeadBucket(ctx, cfg.Backend.Bucket)
		},
	})

	router := mux.NewRouter()
	// Route-aware middleware runs inside the router so it can see the matched template.
	router.Use(
		middleware.TracingMiddleware(cfg.Tracing.RedactSensitive),
		middleware.LoggingMiddleware(logger, &cfg.Logging),
		middleware.MetricsMiddleware(m),
	)
	handler.RegisterRoutes(router)

	var httpHandler http.Handler = router
	if cfg.RateLimit.Enabled {
		rateLimiter := middleware.NewRateLimiter(cfg.RateLimit.Limit, cfg.RateLimit.Window, logger)
		defer rateLimiter.Stop()
		httpHandler = middleware.RateLimitMiddleware(rateLimiter)(httpHandler)
		logger.WithFields(logrus.Fields{
			"limit":  cfg.RateLimit.Limit,
			"window": cfg.RateLimit.Window,
		}).Info("Rate limiting enabled")
	}
	httpHandler = middleware.SecurityHeadersMiddleware()(httpHandler)
	httpHandler = middleware.RecoveryMiddleware(logger)(httpHandler)
	httpHandler = middleware.RequestIDMiddleware()(httpHandler)

	reloader, err := config.NewConfigReloader(configPath, cfg, logger)
	if err != nil {
		logger.WithError(err).Warn("Config hot reload disabled")
	} else {
		reloader.SetOnReloadCallback(func(_, next *config.Config) error {
			setLogLevel(logger, next.LogLevel)
			return nil
		})
		go reloader.Start()
		defer reloader.Stop()
	}

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           httpHandler,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		MaxHeaderBytes:    cfg.Server.MaxHeaderBytes,
	}

	serverErr := make(chan error, 1)
	go func() {
		var err error
		if cfg.TLS.Enabled {
			logger.WithFields(logrus.Fields{
				"addr":      cfg.ListenAddr,
				"cert_file": cfg.TLS.CertFile,
				"key_file":  cfg.TLS.KeyFile,
			}).Info("Starting HTTPS server")
			err = server.ListenAndServeTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		} else {
			logger.WithField("addr", cfg.ListenAddr).Info("Starting HTTP server")
			err = server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("Shutting down server...")
	case err := <-serverErr:
		logger.WithError(err).Error("Server failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout(cfg))
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	} else {
		logger.Info("Server stopped gracefully")
	}
	if err := keys.Close(shutdownCtx); err != nil {
		logger.WithError(err).Warn("Failed to close key manager")
	}
	if err := tracer.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("Failed to flush traces")
	}
}

func setLogLevel(logger *logrus.Logger, raw string) {
	level, err := logrus.ParseLevel(raw)
	if err != nil {
		logger.WithError(err).Warn("Invalid log level, using info")
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
}

func shutdownTimeout(cfg *config.Config) time.Duration {
	if cfg.Server.ShutdownTimeout > 0 {
		return cfg.Server.ShutdownTimeout
	}
	return 30 * time.Second
}

func newStore(ctx context.Context, cfg *config.BackendConfig, logger *logrus.Logger) (s3.Client, error) {
	if cfg.Provider == "memory" {
		logger.Warn("Using the in-memory object store; documents are lost on restart")
		return s3.NewMemoryClient(), nil
	}
	return s3.NewClient(ctx, cfg)
}

func newKeyManager(ctx context.Context, cfg *config.KMSConfig) (crypto.KeyManager, error) {
	handle := crypto.MasterKeyHandle{
		Project:  cfg.MasterKey.Project,
		Location: cfg.MasterKey.Location,
		KeyRing:  cfg.MasterKey.KeyRing,
		Key:      cfg.MasterKey.Key,
	}
	switch cfg.Provider {
	case "local":
		return crypto.NewLocalKeyManager(cfg.LocalSecret, handle)
	case "aws-kms":
		return crypto.NewAWSKMSManager(ctx, crypto.AWSKMSOptions{
			Handle:    handle,
			KeyID:     cfg.KeyID,
			Region:    cfg.Region,
			Endpoint:  cfg.Endpoint,
			AccessKey: cfg.AccessKey,
			SecretKey: cfg.SecretKey,
			Timeout:   cfg.Timeout,
		})
	default:
		return nil, fmt.Errorf("unsupported kms provider %q", cfg.Provider)
	}
}
