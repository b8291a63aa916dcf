// worker runs the cleanup reaper on its own, for deployments that scale it separately from
// the API. Several workers may share one database; claimed jobs are leased.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/afero"

	"session-provisioner/internal/cleanupjob/repository"
	"session-provisioner/internal/config"
	"session-provisioner/internal/db"
	"session-provisioner/internal/gitrepo"
	"session-provisioner/internal/logging"
	"session-provisioner/internal/provisioner"
	"session-provisioner/internal/telemetry"
	telemetryotel "session-provisioner/internal/telemetry/otel"
	"session-provisioner/internal/telemetry/producer"
	userrepo "session-provisioner/internal/user/repository"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "worker:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if cfg.DatabaseURL == "" {
		return errors.New("DATABASE_URL is not set")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	providers, err := telemetryotel.NewProviders(ctx, cfg.OTLPEndpoint, cfg.ServiceName+"-worker", cfg.Env, cfg.OTLPInsecure)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	providers.SetGlobal()
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = providers.Shutdown(sctx)
	}()

	logger, _, err := logging.New(logging.Options{
		Level:          cfg.LogLevel,
		JSON:           cfg.LogFormat == "json",
		LoggerProvider: providers.LoggerProvider,
		Name:           cfg.ServiceName + "-worker",
		SetDefault:     true,
	})
	if err != nil {
		return fmt.Errorf("logging: %w", err)
	}

	database, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	defer database.Close()

	workspace, err := gitrepo.NewWorkspace(gitrepo.Options{
		RemoteURL:   cfg.GitRemoteURL,
		Dir:         cfg.GitWorkdir,
		Branch:      cfg.GitBranch,
		AuthorName:  cfg.GitAuthorName,
		AuthorEmail: cfg.GitAuthorEmail,
	})
	if err != nil {
		return err
	}

	emitters := []telemetry.EventEmitter{telemetryotel.NewEventEmitter(providers.LoggerProvider)}
	kafka, err := producer.NewKafkaProducer(cfg.KafkaBrokersList(), cfg.LifecycleKafkaTopic)
	if err != nil {
		return fmt.Errorf("kafka: %w", err)
	}
	if kafka != nil {
		defer kafka.Close()
		emitters = append(emitters, kafka)
	}

	reaper := provisioner.NewReaper(provisioner.ReaperConfig{
		SessionsDir: cfg.SessionsDir,
		Interval:    cfg.ReaperIntervalDuration(),
		BatchSize:   cfg.ReaperBatchSize,
		Lease:       cfg.ReaperLeaseDuration(),
	},
		repository.NewPostgresRepository(database),
		userrepo.NewPostgresRepository(database),
		workspace, afero.NewOsFs(), telemetry.Fanout(emitters...), logger,
	)

	logger.Info("reaper started", "interval", cfg.ReaperIntervalDuration(), "batch", cfg.ReaperBatchSize)
	err = reaper.Run(ctx)
	time.Sleep(telemetry.ShutdownDrainDuration)
	logger.Info("reaper stopped")
	return err
}
