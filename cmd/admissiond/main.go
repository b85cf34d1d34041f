// Package main is the entry point for the admission service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/voxwire/admission/internal/audit"
	"github.com/voxwire/admission/internal/auth"
	"github.com/voxwire/admission/internal/auth/apikey"
	"github.com/voxwire/admission/internal/auth/token"
	"github.com/voxwire/admission/internal/circuitbreaker"
	"github.com/voxwire/admission/internal/config"
	"github.com/voxwire/admission/internal/health"
	"github.com/voxwire/admission/internal/observability"
	"github.com/voxwire/admission/internal/pipeline"
	"github.com/voxwire/admission/internal/ratelimit"
	"github.com/voxwire/admission/internal/ratelimit/store"
)

// Version information (set at build time).
var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

// cliFlags holds command line flags.
type cliFlags struct {
	configPath  string
	logLevel    string
	logFormat   string
	showVersion bool
}

func main() {
	flags := parseFlags()

	if flags.showVersion {
		printVersion()
		return
	}

	logger := initLogger(flags)
	defer func() { _ = logger.Sync() }()

	cfg := loadAndValidateConfig(flags.configPath, logger)
	app := initApplication(cfg, logger)

	run(app, flags.configPath, logger)
}

// parseFlags parses command line flags.
func parseFlags() cliFlags {
	configPath := flag.String("config", getEnvOrDefault("ADMISSION_CONFIG_PATH", "configs/admission.yaml"),
		"Path to configuration file")
	logLevel := flag.String("log-level", getEnvOrDefault("ADMISSION_LOG_LEVEL", "info"),
		"Log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", getEnvOrDefault("ADMISSION_LOG_FORMAT", "json"),
		"Log format (json, console)")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	return cliFlags{
		configPath:  *configPath,
		logLevel:    *logLevel,
		logFormat:   *logFormat,
		showVersion: *showVersion,
	}
}

// printVersion prints version information and exits.
func printVersion() {
	fmt.Printf("admissiond version %s\n", version)
	fmt.Printf("  Build time: %s\n", buildTime)
	fmt.Printf("  Git commit: %s\n", gitCommit)
}

// initLogger initializes the logger.
func initLogger(flags cliFlags) observability.Logger {
	logger, err := observability.NewLogger(observability.LogConfig{
		Level:  flags.logLevel,
		Format: flags.logFormat,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	observability.SetGlobalLogger(logger)
	return logger
}

// loadAndValidateConfig loads and validates the configuration.
func loadAndValidateConfig(configPath string, logger observability.Logger) *config.Config {
	logger.Info("starting admissiond",
		observability.String("version", version),
		observability.String("config", configPath),
	)

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Fatal("failed to load configuration", observability.Error(err))
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal("invalid configuration", observability.Error(err))
	}

	logger.Info("configuration loaded",
		observability.Bool("rate_limit", cfg.RateLimit.Enabled),
		observability.Bool("token_auth", cfg.Auth.Token.Enabled),
		observability.Bool("apikey_auth", cfg.Auth.APIKey.Enabled),
		observability.Bool("audit", cfg.Audit.Enabled),
		observability.Int("trusted_services", len(cfg.Auth.TrustedServices)),
	)

	return cfg
}

// application holds all application components.
type application struct {
	config     *config.Config
	counters   *store.RedisStore
	resolver   *ratelimit.Resolver
	limiter    ratelimit.Limiter
	breakers   *circuitbreaker.Registry
	auditLog   audit.Logger
	pipeline   *pipeline.Pipeline
	health     *health.Handler
	httpServer *http.Server
	grpcServer *grpc.Server
}

// initApplication initializes all application components.
func initApplication(cfg *config.Config, logger observability.Logger) *application {
	counters := initCounterStore(cfg, logger)
	auditLog := initAuditLogger(cfg, logger)

	resolver := ratelimit.NewResolver(cfg.RateLimit, cfg.Auth.TrustedServices)
	limiter := initLimiter(cfg, counters, resolver, logger)
	breakers := circuitbreaker.NewRegistry(cfg.Breaker, logger)
	authenticator := initAuthenticator(cfg, counters, auditLog, logger)

	p := pipeline.New(
		pipeline.WithAuthenticator(authenticator),
		pipeline.WithLimiter(limiter),
		pipeline.WithBreakers(breakers),
		pipeline.WithAuditLogger(auditLog),
		pipeline.WithPipelineLogger(logger),
	)

	healthHandler := initHealth(counters, logger)

	app := &application{
		config:   cfg,
		counters: counters,
		resolver: resolver,
		limiter:  limiter,
		breakers: breakers,
		auditLog: auditLog,
		pipeline: p,
		health:   healthHandler,
	}
	app.httpServer = buildHTTPServer(app, logger)
	app.grpcServer = buildGRPCServer(app)
	return app
}

// initCounterStore connects to Redis when any component needs it. Returns
// nil when both rate limiting and token revocation are disabled.
func initCounterStore(cfg *config.Config, logger observability.Logger) *store.RedisStore {
	needed := cfg.RateLimit.Enabled ||
		(cfg.Auth.Token.Enabled && cfg.Auth.Token.Revocation.Enabled)
	if !needed {
		return nil
	}

	prefix := ""
	if cfg.Redis.KeyPrefix != "" {
		prefix = cfg.Redis.KeyPrefix + ":rl:"
	}

	counters, err := store.NewRedisStore(&store.RedisConfig{
		Address:      cfg.Redis.Address,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		Prefix:       prefix,
		MaxRetries:   cfg.Redis.MaxRetries,
		DialTimeout:  cfg.Redis.DialTimeout.Duration(),
		ReadTimeout:  cfg.Redis.OpTimeout.Duration(),
		WriteTimeout: cfg.Redis.OpTimeout.Duration(),
		Logger:       logger,
	})
	if err != nil {
		logger.Fatal("failed to connect to redis", observability.Error(err))
	}
	return counters
}

// initAuditLogger builds the async audit logger.
func initAuditLogger(cfg *config.Config, logger observability.Logger) audit.Logger {
	auditCfg := audit.DefaultConfig()
	auditCfg.Enabled = cfg.Audit.Enabled
	if cfg.Audit.Output != "" {
		auditCfg.Output = cfg.Audit.Output
	}
	if cfg.Audit.Format != "" {
		auditCfg.Format = cfg.Audit.Format
	}
	if cfg.Audit.QueueSize > 0 {
		auditCfg.QueueSize = cfg.Audit.QueueSize
	}

	auditLog, err := audit.NewLogger(auditCfg, audit.WithLoggerLogger(logger))
	if err != nil {
		logger.Fatal("failed to initialize audit logger", observability.Error(err))
	}
	return auditLog
}

// initLimiter builds the sliding-window limiter, or a noop when disabled.
func initLimiter(
	cfg *config.Config,
	counters *store.RedisStore,
	resolver *ratelimit.Resolver,
	logger observability.Logger,
) ratelimit.Limiter {
	if !cfg.RateLimit.Enabled || counters == nil {
		return ratelimit.NewNoopLimiter()
	}
	return ratelimit.NewSlidingWindow(
		counters,
		resolver,
		cfg.RateLimit.Window.Duration(),
		cfg.RateLimit.Burst,
		cfg.RateLimit.FailOpen,
		ratelimit.WithLimiterLogger(logger),
	)
}

// initAuthenticator builds the credential validators and the authenticator
// over them.
func initAuthenticator(
	cfg *config.Config,
	counters *store.RedisStore,
	auditLog audit.Logger,
	logger observability.Logger,
) *auth.Authenticator {
	opts := []auth.AuthenticatorOption{
		auth.WithTrustedServices(cfg.Auth.TrustedServices),
		auth.WithAuditLogger(auditLog),
		auth.WithAuthenticatorLogger(logger),
	}

	if cfg.Auth.Token.Enabled {
		opts = append(opts, auth.WithTokenValidator(initTokenValidator(cfg, counters, logger)))
	}
	if cfg.Auth.APIKey.Enabled {
		opts = append(opts, auth.WithKeyValidator(initKeyValidator(cfg, logger)))
	}

	return auth.NewAuthenticator(opts...)
}

func initTokenValidator(
	cfg *config.Config,
	counters *store.RedisStore,
	logger observability.Logger,
) *token.Validator {
	keys, err := token.LoadKeySet(context.Background(),
		cfg.Auth.Token.JWKSURL, cfg.Auth.Token.PublicKeyFile)
	if err != nil {
		logger.Fatal("failed to load token verification keys", observability.Error(err))
	}

	opts := []token.ValidatorOption{token.WithValidatorLogger(logger)}
	if cfg.Auth.Token.Revocation.Enabled {
		if counters == nil {
			logger.Fatal("token revocation requires redis")
		}
		opts = append(opts, token.WithRevocation(token.NewRedisRevocations(
			counters.Client(),
			cfg.Auth.Token.Revocation.KeyPrefix,
			cfg.Auth.Token.Revocation.Timeout.Duration(),
		)))
	}

	validator, err := token.NewValidator(token.Config{
		Issuer:    cfg.Auth.Token.Issuer,
		Audience:  cfg.Auth.Token.Audience,
		ClockSkew: cfg.Auth.Token.ClockSkew.Duration(),
	}, keys, opts...)
	if err != nil {
		logger.Fatal("failed to initialize token validator", observability.Error(err))
	}
	return validator
}

func initKeyValidator(cfg *config.Config, logger observability.Logger) *apikey.Validator {
	var keyStore apikey.Store
	if cfg.Auth.APIKey.Vault.Enabled {
		vaultStore, err := apikey.NewVaultStore(apikey.VaultStoreConfig{
			Address:          cfg.Auth.APIKey.Vault.Address,
			Token:            cfg.Auth.APIKey.Vault.Token,
			MountPath:        cfg.Auth.APIKey.Vault.MountPath,
			Timeout:          cfg.Auth.APIKey.Vault.Timeout.Duration(),
			FailureThreshold: cfg.Auth.APIKey.Vault.FailureThreshold,
			ResetTimeout:     cfg.Auth.APIKey.Vault.ResetTimeout.Duration(),
			Logger:           logger,
		})
		if err != nil {
			logger.Fatal("failed to initialize vault key store", observability.Error(err))
		}
		keyStore = vaultStore
	} else {
		keyStore = apikey.NewMemoryStore(cfg.Auth.APIKey.HashScheme, staticKeys(cfg.Auth.APIKey.Keys))
	}

	return apikey.NewValidator(keyStore, cfg.Auth.APIKey.HashScheme,
		apikey.WithValidatorLogger(logger))
}

// staticKeys converts configured key entries to store records.
func staticKeys(entries []config.APIKeyEntry) []*apikey.Key {
	keys := make([]*apikey.Key, 0, len(entries))
	for _, e := range entries {
		keys = append(keys, &apikey.Key{
			ID:           e.ID,
			Hash:         e.Hash,
			Owner:        e.Owner,
			Kind:         e.Kind,
			Roles:        e.Roles,
			Permissions:  e.Permissions,
			ExpiresAt:    e.ExpiresAt,
			Disabled:     e.Disabled,
			RateOverride: e.RateOverride,
		})
	}
	return keys
}

// initHealth builds the readiness checks over the stores the admission
// path depends on.
func initHealth(counters *store.RedisStore, logger observability.Logger) *health.Handler {
	opts := []health.Option{health.WithHealthLogger(logger)}
	if counters != nil {
		opts = append(opts, health.WithCheck(health.Check{
			Name:     "redis",
			Probe:    counters.Ping,
			Critical: true,
		}))
	}
	return health.NewHandler(opts...)
}

// buildHTTPServer builds the gin engine with the admission endpoint,
// health endpoints, and metrics.
func buildHTTPServer(app *application, logger observability.Logger) *http.Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	app.health.Register(router)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.POST("/v1/admit", admitHandler(app))

	return &http.Server{
		Addr:         app.config.Server.HTTPAddress,
		Handler:      router,
		ReadTimeout:  app.config.Server.ReadTimeout.Duration(),
		WriteTimeout: app.config.Server.WriteTimeout.Duration(),
	}
}

// admitHandler runs the full admission pipeline for a request described by
// its headers and reports the decision. Callers such as an edge proxy send
// the original endpoint in X-Endpoint and the permission the operation
// needs in X-Required-Permission.
func admitHandler(app *application) gin.HandlerFunc {
	return func(c *gin.Context) {
		creds, err := auth.ExtractHTTP(c.Request)
		if err != nil && !errors.Is(err, auth.ErrNoCredentials) {
			creds = nil
		}

		endpoint := c.GetHeader("X-Endpoint")
		if endpoint == "" {
			endpoint = c.Request.Method + " " + c.FullPath()
		}

		req := &pipeline.Request{
			Endpoint:      endpoint,
			Credentials:   creds,
			Permission:    c.GetHeader("X-Required-Permission"),
			CorrelationID: c.GetHeader("X-Correlation-ID"),
		}

		ctx, handleErr := app.pipeline.Handle(c.Request.Context(), req, nil)
		if handleErr != nil {
			env := app.pipeline.Translator().Translate(ctx, handleErr)
			_ = env.WriteHTTP(c.Writer)
			return
		}

		c.Header("X-Correlation-ID", req.CorrelationID)
		c.JSON(http.StatusOK, gin.H{
			"admitted":       true,
			"client_id":      req.Principal().ID,
			"correlation_id": req.CorrelationID,
		})
	}
}

// buildGRPCServer builds the gRPC server with the admission interceptor.
// The standard health service is exempt from admission.
func buildGRPCServer(app *application) *grpc.Server {
	admission := app.pipeline.UnaryInterceptor(nil)
	interceptor := func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		if strings.HasPrefix(info.FullMethod, "/grpc.health.v1.Health/") {
			return handler(ctx, req)
		}
		return admission(ctx, req, info, handler)
	}

	server := grpc.NewServer(grpc.UnaryInterceptor(interceptor))
	healthpb.RegisterHealthServer(server, grpchealth.NewServer())
	return server
}

// run starts the servers and the config watcher, then blocks until
// shutdown.
func run(app *application, configPath string, logger observability.Logger) {
	go func() {
		logger.Info("http server listening",
			observability.String("address", app.config.Server.HTTPAddress))
		if err := app.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("http server failed", observability.Error(err))
		}
	}()

	go func() {
		listener, err := net.Listen("tcp", app.config.Server.GRPCAddress)
		if err != nil {
			logger.Fatal("failed to listen for grpc", observability.Error(err))
		}
		logger.Info("grpc server listening",
			observability.String("address", app.config.Server.GRPCAddress))
		if err := app.grpcServer.Serve(listener); err != nil {
			logger.Fatal("grpc server failed", observability.Error(err))
		}
	}()

	watcher := startConfigWatcher(app, configPath, logger)

	waitForShutdown(app, watcher, logger)
}

// startConfigWatcher applies config reloads to the limiter and breakers
// immediately. A reload failure keeps the previous configuration.
func startConfigWatcher(app *application, configPath string, logger observability.Logger) *config.Watcher {
	watcher, err := config.NewWatcher(configPath, func(newCfg *config.Config) {
		logger.Info("configuration changed, applying")

		app.resolver.Update(newCfg.RateLimit, newCfg.Auth.TrustedServices)
		if sw, ok := app.limiter.(*ratelimit.SlidingWindow); ok {
			sw.UpdateWindow(
				newCfg.RateLimit.Window.Duration(),
				newCfg.RateLimit.Burst,
				newCfg.RateLimit.FailOpen,
			)
		}
		app.breakers.Update(newCfg.Breaker)
	}, config.WithWatcherLogger(logger))
	if err != nil {
		logger.Error("failed to create config watcher", observability.Error(err))
		return nil
	}

	if err := watcher.Start(context.Background()); err != nil {
		logger.Error("failed to start config watcher", observability.Error(err))
		return nil
	}
	return watcher
}

// waitForShutdown blocks on SIGINT/SIGTERM and drains everything.
func waitForShutdown(app *application, watcher *config.Watcher, logger observability.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh

	logger.Info("shutting down", observability.String("signal", sig.String()))

	ctx, cancel := context.WithTimeout(context.Background(),
		app.config.Server.ShutdownTimeout.Duration())
	defer cancel()

	if err := app.httpServer.Shutdown(ctx); err != nil {
		logger.Error("http shutdown failed", observability.Error(err))
	}
	app.grpcServer.GracefulStop()

	if watcher != nil {
		_ = watcher.Stop()
	}

	// Drain queued audit events before closing the store they may need.
	if err := app.auditLog.Close(); err != nil {
		logger.Error("audit drain failed", observability.Error(err))
	}
	if app.counters != nil {
		_ = app.counters.Close()
	}

	logger.Info("shutdown complete")
}

// getEnvOrDefault returns the environment variable value or a default.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
