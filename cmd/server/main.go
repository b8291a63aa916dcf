// server runs the provisioning HTTP API, the session orchestrator and an in-process reaper.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"session-provisioner/internal/cleanupjob/repository"
	"session-provisioner/internal/config"
	"session-provisioner/internal/db"
	"session-provisioner/internal/gitrepo"
	"session-provisioner/internal/health"
	"session-provisioner/internal/heroku"
	"session-provisioner/internal/httpapi"
	"session-provisioner/internal/logging"
	"session-provisioner/internal/pairing"
	"session-provisioner/internal/policy/engine"
	"session-provisioner/internal/provisioner"
	"session-provisioner/internal/security"
	"session-provisioner/internal/session/registry"
	"session-provisioner/internal/telemetry"
	telemetryotel "session-provisioner/internal/telemetry/otel"
	"session-provisioner/internal/telemetry/producer"
	userrepo "session-provisioner/internal/user/repository"
)

const shutdownTimeout = 15 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "server:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	providers, err := telemetryotel.NewProviders(ctx, cfg.OTLPEndpoint, cfg.ServiceName, cfg.Env, cfg.OTLPInsecure)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	providers.SetGlobal()
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := providers.Shutdown(sctx); err != nil {
			fmt.Fprintln(os.Stderr, "otel shutdown:", err)
		}
	}()

	logger, _, err := logging.New(logging.Options{
		Level:          cfg.LogLevel,
		JSON:           cfg.LogFormat == "json",
		LoggerProvider: providers.LoggerProvider,
		Name:           cfg.ServiceName,
		SetDefault:     true,
	})
	if err != nil {
		return fmt.Errorf("logging: %w", err)
	}

	if cfg.DatabaseURL == "" {
		return errors.New("DATABASE_URL is not set")
	}
	database, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	defer database.Close()
	users := userrepo.NewPostgresRepository(database)
	jobs := repository.NewPostgresRepository(database)

	bridge, err := pairing.DialBridge(cfg.PairingBridgeAddr)
	if err != nil {
		return err
	}
	defer bridge.Close()

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
	if err := workspace.Sync(ctx); err != nil {
		return fmt.Errorf("git sync: %w", err)
	}

	admission, err := newAdmission(ctx, cfg)
	if err != nil {
		return err
	}

	events, closeEvents, err := newEmitter(cfg, providers)
	if err != nil {
		return err
	}
	defer closeEvents()

	fs := afero.NewOsFs()
	svc := provisioner.NewService(provisioner.Config{
		SessionsDir:  cfg.SessionsDir,
		AppPrefix:    cfg.HerokuAppPrefix,
		CleanupGrace: cfg.CleanupGraceDuration(),
	}, provisioner.Deps{
		Users:     users,
		Jobs:      jobs,
		Registry:  registry.New(),
		Protocol:  bridge,
		Admission: admission,
		Publisher: provisioner.NewPublisher(workspace, fs, cfg.GitSessionDir, cfg.BuildpackList()),
		Deployer: provisioner.NewDeployer(
			heroku.NewClient(cfg.HerokuAPIKey, cfg.HerokuAPIURL),
			cfg.SourceTarballURL, cfg.ExtraConfigVars(), logger,
		),
		Events: events,
		Fs:     fs,
		Logger: logger,
	})

	reaper := provisioner.NewReaper(provisioner.ReaperConfig{
		SessionsDir: cfg.SessionsDir,
		Interval:    cfg.ReaperIntervalDuration(),
		BatchSize:   cfg.ReaperBatchSize,
		Lease:       cfg.ReaperLeaseDuration(),
	}, jobs, users, workspace, fs, events, logger)

	var verifier httpapi.TokenVerifier
	if cfg.APIJWTPublicKey != "" {
		pub, err := security.ParsePublicKey(cfg.APIJWTPublicKey)
		if err != nil {
			return fmt.Errorf("api key: %w", err)
		}
		verifier = security.NewTokenVerifier(pub, cfg.APIJWTIssuer, cfg.APIJWTAudience)
	} else {
		logger.Warn("API_JWT_PUBLIC_KEY is not set; API authentication is disabled")
	}

	handler := httpapi.NewHandler(svc, health.NewChecker(database, admission), logger)
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httpapi.New(handler, verifier),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http server listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return reaper.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := srv.Shutdown(sctx)
		if cerr := svc.Close(); cerr != nil {
			logger.Warn("close sessions", "error", cerr)
		}
		// Let async lifecycle emits finish before the providers go away.
		time.Sleep(telemetry.ShutdownDrainDuration)
		return err
	})

	err = g.Wait()
	logger.Info("server stopped")
	return err
}

// newAdmission compiles the admission policy, reading ADMISSION_POLICY_FILE when set.
func newAdmission(ctx context.Context, cfg *config.Config) (*engine.OPAEvaluator, error) {
	var policy string
	if cfg.AdmissionPolicyFile != "" {
		b, err := os.ReadFile(cfg.AdmissionPolicyFile)
		if err != nil {
			return nil, fmt.Errorf("admission policy: %w", err)
		}
		policy = string(b)
	}
	ev, err := engine.NewOPAEvaluator(ctx, policy, engine.Settings{
		MaxActiveSessions: cfg.MaxActiveSessions,
		DeniedPrefixes:    cfg.DeniedPhonePrefixList(),
	})
	if err != nil {
		return nil, fmt.Errorf("admission policy: %w", err)
	}
	return ev, nil
}

// newEmitter sends lifecycle events to OTel logs and, when brokers are configured, to Kafka.
func newEmitter(cfg *config.Config, providers *telemetryotel.Providers) (telemetry.EventEmitter, func(), error) {
	emitters := []telemetry.EventEmitter{telemetryotel.NewEventEmitter(providers.LoggerProvider)}
	closeFn := func() {}
	kafka, err := producer.NewKafkaProducer(cfg.KafkaBrokersList(), cfg.LifecycleKafkaTopic)
	if err != nil {
		return nil, nil, fmt.Errorf("kafka: %w", err)
	}
	if kafka != nil {
		emitters = append(emitters, kafka)
		closeFn = func() {
			if err := kafka.Close(); err != nil {
				slog.Warn("kafka close", "error", err)
			}
		}
	}
	return telemetry.Fanout(emitters...), closeFn, nil
}
