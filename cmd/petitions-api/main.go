package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/petitions/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/petitions/backend/internal/cache"
	"github.com/MarcoPoloResearchLab/petitions/backend/internal/config"
	"github.com/MarcoPoloResearchLab/petitions/backend/internal/database"
	"github.com/MarcoPoloResearchLab/petitions/backend/internal/logging"
	"github.com/MarcoPoloResearchLab/petitions/backend/internal/petitions"
	"github.com/MarcoPoloResearchLab/petitions/backend/internal/server"
	"github.com/MarcoPoloResearchLab/petitions/backend/internal/telemetry"
	"github.com/MarcoPoloResearchLab/petitions/backend/internal/users"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/automaxprocs/maxprocs"
	"go.uber.org/zap"
)

const (
	shutdownTimeout     = 10 * time.Second
	memorySweepInterval = time.Minute
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "petitions-api",
		Short: "Civic petitions backend service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newMintTokenCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().Duration("request-timeout", defaults.GetDuration("http.request_timeout"), "Per-request deadline")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")
	cmd.PersistentFlags().String("cookie-name", defaults.GetString("tauth.cookie_name"), "Session cookie name")
	cmd.PersistentFlags().String("cache-backend", defaults.GetString("cache.backend"), "Cache backend (memory, redis, badger)")
	cmd.PersistentFlags().Bool("cache-coalesce", defaults.GetBool("cache.coalesce"), "Coalesce concurrent cache misses")
	cmd.PersistentFlags().String("redis-url", "", "Redis URL for the shared cache backend")
	cmd.PersistentFlags().String("badger-path", "", "Badger data directory (empty keeps the cache in memory)")
	cmd.PersistentFlags().Bool("tracing", defaults.GetBool("tracing.enabled"), "Enable OpenTelemetry tracing")
	cmd.PersistentFlags().String("tracing-exporter", defaults.GetString("tracing.exporter"), "Span exporter (otlp, stdout)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "http.request_timeout", "request-timeout")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "tauth.signing_secret", "signing-secret")
	bindFlag(cmd, "tauth.cookie_name", "cookie-name")
	bindFlag(cmd, "cache.backend", "cache-backend")
	bindFlag(cmd, "cache.coalesce", "cache-coalesce")
	bindFlag(cmd, "redis.url", "redis-url")
	bindFlag(cmd, "badger.path", "badger-path")
	bindFlag(cmd, "tracing.enabled", "tracing")
	bindFlag(cmd, "tracing.exporter", "tracing-exporter")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	undoMaxProcs, err := maxprocs.Set(maxprocs.Logger(logger.Sugar().Infof))
	if err != nil {
		logger.Warn("failed to set GOMAXPROCS", zap.Error(err))
	}
	defer undoMaxProcs()

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(signalCtx, telemetry.Config{
		Enabled:  appConfig.TracingEnabled,
		Exporter: appConfig.TracingExporter,
		Endpoint: appConfig.TracingEndpoint,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("tracing shutdown failed", zap.Error(err))
		}
	}()

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	cacheMetrics := &cache.Metrics{}
	cacheMetrics.Register(registry)
	httpMetrics := &server.HTTPMetrics{}
	httpMetrics.Register(registry)

	store, closeStore, err := openCacheStore(signalCtx, appConfig, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	generations := cache.NewGenerations()
	readThrough, err := cache.NewReadThrough(cache.ReadThroughConfig{
		Store:       store,
		Logger:      logger,
		Metrics:     cacheMetrics,
		Generations: generations,
		Coalesce:    appConfig.CacheCoalesce,
	})
	if err != nil {
		return err
	}
	invalidator, err := cache.NewInvalidator(cache.InvalidatorConfig{
		Store:       store,
		Logger:      logger,
		Metrics:     cacheMetrics,
		Generations: generations,
	})
	if err != nil {
		return err
	}

	userService, err := users.NewService(users.ServiceConfig{
		Database: db,
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	dispatcher := server.NewRealtimeDispatcher()
	petitionService, err := petitions.NewService(petitions.ServiceConfig{
		Database:        db,
		Clock:           time.Now,
		Logger:          logger,
		DefaultDuration: appConfig.DefaultDuration(),
		Profiles:        userService,
		Notifiers: []petitions.ChangeNotifier{
			invalidator,
			server.NewRealtimeNotifier(dispatcher, time.Now),
		},
	})
	if err != nil {
		return err
	}

	sessionValidator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.TAuthSigningKey),
		Issuer:        appConfig.TAuthIssuer,
		CookieName:    appConfig.TAuthCookieName,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Petitions:   petitionService,
		Sessions:    sessionValidator,
		Identities:  userService,
		ReadThrough: readThrough,
		TTLs: cache.TTLs{
			Listings:       appConfig.CacheTTL.Listings,
			Petition:       appConfig.CacheTTL.Petition,
			Signatures:     appConfig.CacheTTL.Signatures,
			UserPetitions:  appConfig.CacheTTL.UserPetitions,
			UserSignatures: appConfig.CacheTTL.UserSignatures,
			Categories:     appConfig.CacheTTL.Categories,
		},
		Realtime:        dispatcher,
		Logger:          logger,
		MetricsGatherer: registry,
		HTTPMetrics:     httpMetrics,
		HealthCheck:     sqlDB.PingContext,
		RequestTimeout:  appConfig.RequestTimeout,
	})
	if err != nil {
		return err
	}

	// Request contexts derive from signalCtx so open streams end on shutdown.
	httpServer := &http.Server{
		Addr:        appConfig.HTTPAddress,
		Handler:     handler,
		BaseContext: func(net.Listener) context.Context { return signalCtx },
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.String("cache_backend", appConfig.CacheBackend))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// openCacheStore builds the configured backend. The memory sweeper stops with ctx.
func openCacheStore(ctx context.Context, appConfig config.AppConfig, logger *zap.Logger) (cache.Store, func(), error) {
	switch appConfig.CacheBackend {
	case config.CacheBackendRedis:
		client, err := cache.NewRedisClient(ctx, cache.RedisConfig{
			URL:         appConfig.RedisURL,
			PoolSize:    appConfig.RedisPoolSize,
			DialTimeout: appConfig.RedisDialTimeout,
		})
		if err != nil {
			return nil, nil, err
		}
		store, err := cache.NewRedisStore(client, cache.WithNamespace(appConfig.RedisNamespace))
		if err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		logger.Info("redis cache connected")
		return store, closeRedis(client, logger), nil
	case config.CacheBackendBadger:
		store, err := cache.NewBadgerStore(cache.BadgerConfig{
			Path:   appConfig.BadgerPath,
			Logger: logger,
		})
		if err != nil {
			return nil, nil, err
		}
		logger.Info("badger cache opened", zap.String("path", appConfig.BadgerPath))
		return store, func() {
			if err := store.Close(); err != nil {
				logger.Warn("badger close failed", zap.Error(err))
			}
		}, nil
	default:
		store := cache.NewMemoryStore(time.Now)
		go store.RunSweeper(ctx, memorySweepInterval)
		return store, func() {}, nil
	}
}

func closeRedis(client *redis.Client, logger *zap.Logger) func() {
	return func() {
		if err := client.Close(); err != nil {
			logger.Warn("redis close failed", zap.Error(err))
		}
	}
}

func newMintTokenCommand() *cobra.Command {
	var (
		userID      string
		email       string
		displayName string
		ttl         time.Duration
	)
	cmd := &cobra.Command{
		Use:   "mint-token",
		Short: "Mint a session token for local development",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			issuer, err := auth.NewSessionIssuer(auth.SessionIssuerConfig{
				SigningSecret: []byte(appConfig.TAuthSigningKey),
				Issuer:        appConfig.TAuthIssuer,
				TokenTTL:      ttl,
			})
			if err != nil {
				return err
			}
			token, expiresAt, err := issuer.Issue(auth.SessionIdentity{
				UserID:      userID,
				Email:       email,
				DisplayName: displayName,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\n", token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires at %s\n", expiresAt.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user-id", "", "User identifier embedded in the token")
	cmd.Flags().StringVar(&email, "email", "", "User email embedded in the token")
	cmd.Flags().StringVar(&displayName, "display-name", "", "Display name shown on public signatures")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "Token lifetime")
	_ = cmd.MarkFlagRequired("user-id")
	return cmd
}
