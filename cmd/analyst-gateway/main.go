package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // Register pgx as database/sql driver
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/atlasbi/gateway/internal/api"
	"github.com/atlasbi/gateway/internal/auth"
	"github.com/atlasbi/gateway/internal/backend"
	"github.com/atlasbi/gateway/internal/budget"
	"github.com/atlasbi/gateway/internal/dimension"
	"github.com/atlasbi/gateway/internal/export"
	"github.com/atlasbi/gateway/internal/gateway"
	"github.com/atlasbi/gateway/internal/metrics"
	"github.com/atlasbi/gateway/internal/proposal"
	"github.com/atlasbi/gateway/internal/provider"
	"github.com/atlasbi/gateway/internal/registry"
	"github.com/atlasbi/gateway/internal/router"
	"github.com/atlasbi/gateway/internal/safety"
	"github.com/atlasbi/gateway/internal/storage"
	"github.com/atlasbi/gateway/internal/tools"
	"github.com/atlasbi/gateway/internal/workspace"
)

func main() {
	logger := mustBuildLogger(envOrDefault("GATEWAY_LOG_LEVEL", "info"))
	defer logger.Sync() //nolint:errcheck // best-effort flush

	// Config from env
	httpPort := envOrDefault("GATEWAY_HTTP_PORT", "8080")
	maxIterations := envOrDefaultInt("GATEWAY_MAX_ITERATIONS", 8)
	inlineCap := envOrDefaultInt("GATEWAY_INLINE_CAP", 500)
	exportCap := envOrDefaultInt("GATEWAY_EXPORT_CAP", 10000)
	semaphoreCap := envOrDefaultInt("GATEWAY_TOOL_CONCURRENCY", 10)
	postgresDSN := os.Getenv("POSTGRES_DSN")
	clickhouseDSN := os.Getenv("CLICKHOUSE_DSN")
	redisAddr := os.Getenv("REDIS_ADDR")
	dimensionFile := os.Getenv("GATEWAY_DIMENSION_FILE")
	workspaceFile := os.Getenv("GATEWAY_WORKSPACE_FILE")
	budgetFile := os.Getenv("GATEWAY_BUDGET_FILE")
	signalFile := os.Getenv("GATEWAY_SIGNAL_FILE")
	tierFile := os.Getenv("GATEWAY_TIER_FILE")
	fixtureFile := os.Getenv("GATEWAY_FIXTURE_FILE")

	logger.Info("starting analyst gateway",
		zap.String("http_port", httpPort),
		zap.Int("max_iterations", maxIterations),
		zap.Int("inline_cap", inlineCap),
		zap.Int("export_cap", exportCap),
	)

	// Postgres pool
	var db *sql.DB
	if postgresDSN != "" {
		var err error
		db, err = sql.Open("pgx", postgresDSN)
		if err != nil {
			logger.Fatal("failed to open postgres", zap.Error(err))
		}
		defer func() { _ = db.Close() }()
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
		if err := db.PingContext(context.Background()); err != nil {
			logger.Fatal("failed to ping postgres", zap.Error(err))
		}
		logger.Info("postgres connected")
	} else {
		logger.Info("no POSTGRES_DSN set, using in-memory stores")
	}

	// Audit trail: ClickHouse, or LogWriter fallback
	var audit storage.EventWriter
	if clickhouseDSN != "" {
		chWriter, err := storage.NewClickHouseWriter(clickhouseDSN, logger)
		if err != nil {
			logger.Warn("clickhouse connection failed, falling back to log writer", zap.Error(err))
			audit = storage.NewLogWriter(logger)
		} else {
			audit = chWriter
			logger.Info("clickhouse audit writer connected")
		}
	} else {
		audit = storage.NewLogWriter(logger)
		logger.Info("no CLICKHOUSE_DSN set, using log audit writer")
	}
	defer audit.Close()

	// Budget counters: Redis, or per-process fallback
	var counters budget.CounterStore
	if redisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     redisAddr,
			Password: os.Getenv("REDIS_PASSWORD"),
		})
		if err := client.Ping(context.Background()).Err(); err != nil {
			logger.Warn("redis connection failed, budget limits hold per replica only", zap.Error(err))
			counters = budget.NewMemoryStore()
		} else {
			counters = budget.NewRedisStore(client)
			defer func() { _ = client.Close() }()
			logger.Info("redis budget counters connected")
		}
	} else {
		counters = budget.NewMemoryStore()
		logger.Info("no REDIS_ADDR set, budget limits hold per replica only")
	}

	budgetCfg := loadBudgetConfig(budgetFile, logger)
	budgetCtl := budget.NewController(counters, budgetCfg, logger)

	// Authentication: Postgres-backed, or static dev key
	var authenticator auth.Authenticator
	if db != nil {
		authenticator = auth.NewPostgresAuthenticator(auth.PostgresAuthConfig{
			DB:     db,
			Logger: logger,
		})
	} else {
		devKey := envOrDefault("GATEWAY_DEV_API_KEY", "agw_dev_local_key_000000")
		authenticator = auth.NewStaticAuthenticator(map[string]*auth.Identity{
			devKey: {
				ID:   "dev",
				Name: "Local development",
				Capabilities: []auth.Capability{
					auth.CapabilityRead, auth.CapabilityExport,
					auth.CapabilityProposalReview, auth.CapabilityProposalApprove,
					auth.CapabilityProposalExecute,
				},
			},
		})
		logger.Warn("no POSTGRES_DSN set, static dev authenticator enabled")
	}

	// Dimension configuration
	var dimStore dimension.Store
	switch {
	case db != nil:
		dimStore = dimension.NewPostgresStore(dimension.PostgresStoreConfig{DB: db, Logger: logger})
	case dimensionFile != "":
		loaded, err := dimension.LoadStaticStore(dimensionFile)
		if err != nil {
			logger.Fatal("failed to load dimension file", zap.Error(err))
		}
		dimStore = loaded
	default:
		dimStore = dimension.NewStaticStore(dimension.NewSnapshot(nil, nil, nil, nil, nil))
		logger.Warn("no dimension configuration, filters pass through unresolved")
	}
	resolver := dimension.NewResolver(dimStore, logger)

	// Data backend: fixture only for now; a production deployment points
	// this at the real read service.
	var readBackend backend.ReadBackend
	var mutationBackend backend.MutationBackend
	fixture := backend.NewFixtureBackend()
	if fixtureFile != "" {
		loaded, err := backend.LoadFixtureBackend(fixtureFile)
		if err != nil {
			logger.Fatal("failed to load fixture file", zap.Error(err))
		}
		fixture = loaded
	}
	readBackend = fixture
	mutationBackend = fixture

	// Tool registry
	reg := registry.New()
	catalog := tools.NewCatalog(readBackend, resolver)
	if err := catalog.RegisterAll(reg); err != nil {
		logger.Fatal("failed to register tools", zap.Error(err))
	}
	reg.Freeze()
	logger.Info("tool registry frozen", zap.Strings("tools", reg.Names()))

	// Metrics
	promRegistry := prometheus.NewRegistry()
	mets := metrics.New(promRegistry)

	// Safety controller
	safetyCtl := safety.NewController(readBackend, safety.Caps{
		InlineCap: int64(inlineCap),
		ExportCap: int64(exportCap),
	}, logger)

	// Proposal service
	var proposalStore proposal.Store
	if db != nil {
		proposalStore = proposal.NewPostgresStore(db)
	} else {
		proposalStore = proposal.NewMemoryStore()
	}
	proposals := proposal.NewService(proposal.ServiceConfig{
		Store:   proposalStore,
		Backend: mutationBackend,
		Audit:   audit,
		Logger:  logger,
	})

	// Export manager
	var exportStore export.Store
	if db != nil {
		exportStore = export.NewPostgresStore(db)
	} else {
		exportStore = export.NewMemoryStore()
	}
	exports := export.NewManager(export.ManagerConfig{
		Store:    exportStore,
		Registry: reg,
		Metrics:  mets,
		Logger:   logger,
	})
	defer exports.Close()

	// Router
	classifier := loadClassifier(signalFile, logger)
	selector := router.NewSelector(loadTierRecords(tierFile, logger))

	// Providers
	providers := buildProviders(logger)

	// Workspaces
	var wsStore workspace.Store
	if workspaceFile != "" {
		loaded, err := workspace.LoadStaticStore(workspaceFile)
		if err != nil {
			logger.Fatal("failed to load workspace file", zap.Error(err))
		}
		wsStore = loaded
	} else {
		wsStore = workspace.NewStaticStore([]workspace.Workspace{*workspace.Default()})
	}

	gw := gateway.New(gateway.Dependencies{
		Config: gateway.Config{
			MaxIterations: maxIterations,
			SemaphoreCap:  int64(semaphoreCap),
		},
		Registry:   reg,
		Resolver:   resolver,
		Safety:     safetyCtl,
		Budget:     budgetCtl,
		Classifier: classifier,
		Selector:   selector,
		Providers:  providers,
		Proposals:  proposals,
		Exports:    exports,
		Audit:      audit,
		Metrics:    mets,
		Logger:     logger,
	})

	// Proposal expiry sweep
	sweepCtx, cancelSweep := context.WithCancel(context.Background())
	defer cancelSweep()
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-sweepCtx.Done():
				return
			case <-ticker.C:
				if n, err := proposals.ExpireStale(sweepCtx); err != nil {
					logger.Warn("proposal expiry sweep failed", zap.Error(err))
				} else if n > 0 {
					logger.Info("expired stale proposals", zap.Int("count", n))
				}
			}
		}
	}()

	deps := &api.Dependencies{
		Gateway:       gw,
		Authenticator: authenticator,
		Workspaces:    wsStore,
		Proposals:     proposals,
		Exports:       exports,
		Registry:      promRegistry,
		Logger:        logger,
	}
	httpServer := &http.Server{
		Addr:         ":" + httpPort,
		Handler:      api.NewRouter(deps),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		logger.Info("http server listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http server failed", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received signal, shutting down", zap.String("signal", sig.String()))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", zap.Error(err))
	}

	logger.Info("analyst gateway stopped")
}

// buildProviders wires the configured chat providers. Without credentials a
// scripted provider keeps local development working.
func buildProviders(logger *zap.Logger) map[string]*provider.Client {
	providers := map[string]*provider.Client{}

	scripted := provider.NewScriptedProvider("scripted")
	providers["scripted"] = provider.NewClient(provider.ClientConfig{
		Primary: scripted,
		Logger:  logger,
	})
	providers["default"] = providers["scripted"]
	logger.Warn("no model provider credentials configured, scripted provider active")
	return providers
}

func loadBudgetConfig(path string, logger *zap.Logger) budget.Config {
	if path == "" {
		return budget.Config{
			Global: budget.Limits{RequestsPerHour: 20 * 60, RequestsPerDay: 20 * 60 * 24},
		}
	}
	cfg, err := budget.LoadConfig(path)
	if err != nil {
		logger.Fatal("failed to load budget file", zap.Error(err))
	}
	return cfg
}

func loadClassifier(path string, logger *zap.Logger) *router.Classifier {
	if path == "" {
		return router.NewClassifier(router.DefaultSignalTable())
	}
	c, err := router.LoadClassifier(path)
	if err != nil {
		logger.Fatal("failed to load signal file", zap.Error(err))
	}
	return c
}

func loadTierRecords(path string, logger *zap.Logger) []router.Record {
	if path == "" {
		return []router.Record{router.DefaultRecord()}
	}
	records, err := router.LoadRecords(path)
	if err != nil {
		logger.Fatal("failed to load tier file", zap.Error(err))
	}
	return records
}

func mustBuildLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(zapLevel),
		Development:      false,
		Encoding:         "json",
		EncoderConfig:    zap.NewProductionEncoderConfig(),
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := cfg.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to build logger: %v", err))
	}
	return logger
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envOrDefaultInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}
