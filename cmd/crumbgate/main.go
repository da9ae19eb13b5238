// Command crumbgate launches the cookie mediation engine.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/crumbgate/crumbgate/config"
	"github.com/crumbgate/crumbgate/internal/engine"
	"github.com/crumbgate/crumbgate/internal/observability"
	"github.com/crumbgate/crumbgate/internal/permission"
	"github.com/crumbgate/crumbgate/internal/persistence/migrations"
	"github.com/crumbgate/crumbgate/internal/persistence/postgres"
	"github.com/crumbgate/crumbgate/internal/prefs"
	"github.com/crumbgate/crumbgate/internal/profile"
	"github.com/crumbgate/crumbgate/internal/store"
	"github.com/crumbgate/crumbgate/internal/store/cdp"
	"github.com/crumbgate/crumbgate/internal/telemetry"
	libtelemetry "github.com/crumbgate/crumbgate/lib/telemetry"

	"go.opentelemetry.io/otel"
)

const (
	loggerPrefix             = "crumbgate "
	shutdownTimeout          = 30 * time.Second
	engineShutdownTimeout    = 10 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
	migrationTimeout         = 60 * time.Second
)

func main() {
	cfgPath := flag.String("config", "", "Path to application configuration file")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := log.New(os.Stdout, loggerPrefix, log.LstdFlags|log.Lmicroseconds)
	observability.SetLogger(observability.NewStdLogger(logger, *debug))

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	logger.Printf("configuration initialised: store=%s persistence=%s",
		storeBackendName(cfg), persistenceBackendName(cfg))

	_, telemetryShutdown, err := libtelemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		logger.Fatalf("initialize telemetry: %v", err)
	}

	metrics, err := telemetry.NewMetrics(otel.Meter("crumbgate"))
	if err != nil {
		logger.Fatalf("initialize meters: %v", err)
	}

	cookieStore, storeClose, err := buildStore(ctx, cfg)
	if err != nil {
		logger.Fatalf("initialize cookie store: %v", err)
	}

	profileStore, prefsStore, pool, err := buildPersistence(ctx, cfg)
	if err != nil {
		storeClose()
		logger.Fatalf("initialize persistence: %v", err)
	}

	eng, err := engine.New(cfg, engine.Deps{
		Store:    cookieStore,
		Profiles: profileStore,
		Prefs:    prefsStore,
		Perms:    permission.NewStaticChecker(),
		Metrics:  metrics,
	})
	if err != nil {
		storeClose()
		logger.Fatalf("initialize engine: %v", err)
	}
	if err := eng.Start(ctx); err != nil {
		storeClose()
		logger.Fatalf("start engine: %v", err)
	}

	logger.Print("crumbgate started; awaiting shutdown signal")
	<-ctx.Done()
	logger.Print("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	shutdownStart := time.Now()
	shutdownStep(shutdownCtx, logger, "stopping engine", engineShutdownTimeout, func(context.Context) error {
		eng.Close()
		return nil
	})
	shutdownStep(shutdownCtx, logger, "closing cookie store", engineShutdownTimeout, func(context.Context) error {
		storeClose()
		return nil
	})
	if pool != nil {
		shutdownStep(shutdownCtx, logger, "closing database pool", engineShutdownTimeout, func(context.Context) error {
			pool.Close()
			return nil
		})
	}
	shutdownStep(shutdownCtx, logger, "shutting down telemetry", telemetryShutdownTimeout, telemetryShutdown)

	logger.Printf("shutdown completed in %v", time.Since(shutdownStart))
}

func storeBackendName(cfg config.AppConfig) string {
	if cfg.Store.CDPEndpoint != "" {
		return "devtools"
	}
	return "memory"
}

func persistenceBackendName(cfg config.AppConfig) string {
	if cfg.Persistence.PostgresDSN != "" {
		return "postgres"
	}
	return "memory"
}

func buildStore(ctx context.Context, cfg config.AppConfig) (store.Store, func(), error) {
	if cfg.Store.CDPEndpoint == "" {
		return store.NewMemory(), func() {}, nil
	}
	client, err := cdp.Dial(ctx, cfg.Store)
	if err != nil {
		return nil, nil, fmt.Errorf("dial devtools endpoint: %w", err)
	}
	return client, client.Close, nil
}

func buildPersistence(ctx context.Context, cfg config.AppConfig) (profile.Store, prefs.Store, *pgxpool.Pool, error) {
	if cfg.Persistence.PostgresDSN == "" {
		return profile.NewMemoryStore(), prefs.NewMemoryStore(), nil, nil
	}

	migrateCtx, cancel := context.WithTimeout(ctx, migrationTimeout)
	defer cancel()
	if err := migrations.Apply(migrateCtx, cfg.Persistence.PostgresDSN, cfg.Persistence.MigrationsDir); err != nil {
		return nil, nil, nil, fmt.Errorf("apply migrations: %w", err)
	}

	pool, err := pgxpool.New(ctx, cfg.Persistence.PostgresDSN)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("create pgx pool: %w", err)
	}
	return postgres.NewProfileStore(pool), postgres.NewPrefsStore(pool), pool, nil
}

func shutdownStep(ctx context.Context, logger *log.Logger, name string, timeout time.Duration, fn func(context.Context) error) {
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	logger.Printf("shutdown: %s...", name)
	if err := fn(stepCtx); err != nil {
		logger.Printf("shutdown: %s failed: %v", name, err)
	} else {
		logger.Printf("shutdown: %s completed", name)
	}
}
