package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"equation_consensus/pkg/channel"
	"equation_consensus/pkg/config"
	"equation_consensus/pkg/consensus"
	"equation_consensus/pkg/database"
	"equation_consensus/pkg/gateway"
	"equation_consensus/pkg/judge"
	"equation_consensus/pkg/orchestrator"
	"equation_consensus/pkg/scheduler"
	"equation_consensus/pkg/security"
	"equation_consensus/pkg/utils"
)

const defaultKeyFile = "./data/keys/signing.key"

// App wires the pipeline's services together and owns their lifecycle
type App struct {
	logger *zap.Logger
	config *config.Config

	db          *database.Service
	broker      *channel.Broker
	registry    *orchestrator.Registry
	supervisor  *orchestrator.Supervisor
	coordinator *consensus.Coordinator
	hub         *gateway.Hub
	server      *gateway.Server
	scheduler   *scheduler.Scheduler

	cancel context.CancelFunc
}

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	dataDir := flag.String("data-dir", "", "override data directory path")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "loading configuration: %v\n", err)
		os.Exit(1)
	}
	if *dataDir != "" {
		cfg.Database.DataDir = filepath.Join(*dataDir, "postgres")
		if cfg.Security.KeyFile == "" {
			cfg.Security.KeyFile = filepath.Join(*dataDir, "keys", "signing.key")
		}
	}

	logCfg := utils.DefaultLogConfig()
	logCfg.Level = cfg.LogLevel
	logCfg.Debug = *debug || cfg.IsDevelopment()
	logger, err := utils.NewLogger(logCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "creating logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	app := &App{logger: logger, config: cfg}
	if err := app.Run(); err != nil {
		logger.Fatal("Application failed", zap.Error(err))
	}
}

// Run starts every service, blocks until a shutdown signal arrives, and
// then stops them in reverse order
func (a *App) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	defer cancel()

	if err := a.start(ctx); err != nil {
		a.stop()
		return err
	}
	a.logger.Info("Equation consensus pipeline started",
		zap.String("gateway", a.config.Gateway.Addr),
		zap.Strings("judges", a.config.Judges.Enabled))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	a.logger.Info("Shutdown signal received", zap.String("signal", sig.String()))

	a.stop()
	return nil
}

func (a *App) start(ctx context.Context) error {
	cfg := a.config

	db, err := database.NewService(&cfg.Database, a.logger)
	if err != nil {
		return fmt.Errorf("creating database service: %w", err)
	}
	a.db = db
	if err := a.db.Start(ctx); err != nil {
		return fmt.Errorf("starting database: %w", err)
	}
	repo := a.db.Repository()

	keyFile := cfg.Security.KeyFile
	if keyFile == "" {
		keyFile = defaultKeyFile
	}
	keyPair, err := security.LoadOrCreateKeyPair(keyFile)
	if err != nil {
		return fmt.Errorf("loading signing key: %w", err)
	}
	crypto, err := security.NewCryptoManager(keyPair, cfg.Security.JWTSecret)
	if err != nil {
		return fmt.Errorf("creating crypto manager: %w", err)
	}
	validator := security.NewValidator(cfg.Security.MaxPayloadLen)

	a.broker = channel.NewBroker(&cfg.Channel, a.logger)
	a.registry = orchestrator.NewRegistry(cfg.Judges.HeartbeatExpiry, a.logger)
	a.supervisor = orchestrator.NewSupervisor(&cfg.Judges, a.registry, a.logger)

	for i, kind := range cfg.Judges.Enabled {
		j, err := judge.New(kind, fmt.Sprintf("%s-%d", kind, i+1))
		if err != nil {
			return fmt.Errorf("creating judge: %w", err)
		}
		runner := judge.NewRunner(j, cfg.Judges.EvalTimeout, crypto, a.registry.Heartbeat, a.logger)
		a.supervisor.Supervise(orchestrator.NewJudgeWorker(runner, a.broker, a.logger))
	}

	a.hub = gateway.NewHub(&cfg.Gateway, a.logger)
	if err := a.hub.SubscribeDecisions(ctx, a.broker); err != nil {
		return fmt.Errorf("subscribing hub to decisions: %w", err)
	}

	a.coordinator = consensus.NewCoordinator(&cfg.Pipeline, a.broker, a.registry, repo, a.hub, a.logger)
	if err := a.coordinator.Start(ctx); err != nil {
		return fmt.Errorf("starting coordinator: %w", err)
	}

	a.supervisor.Start()

	a.scheduler = scheduler.NewScheduler(a.logger)
	if err := a.scheduler.RegisterMaintenance(&cfg.Scheduler, a.coordinator, a.broker, a.registry, a.hub); err != nil {
		return fmt.Errorf("registering maintenance tasks: %w", err)
	}
	a.scheduler.Start()

	a.server = gateway.NewServer(&cfg.Gateway, a.coordinator, repo, a.registry, validator, crypto, a.hub, a.logger)
	go func() {
		if err := a.server.Start(); err != nil {
			a.logger.Error("Gateway server stopped", zap.Error(err))
		}
	}()

	return nil
}

// stop tears services down in reverse start order. The gateway goes
// first so no new candidates arrive while the pipeline drains.
func (a *App) stop() {
	if a.server != nil {
		if err := a.server.Shutdown(context.Background()); err != nil {
			a.logger.Warn("Gateway shutdown error", zap.Error(err))
		}
	}
	if a.scheduler != nil {
		a.scheduler.Stop()
	}
	if a.supervisor != nil {
		a.supervisor.Stop()
	}
	if a.coordinator != nil {
		a.coordinator.Close()
	}
	if a.broker != nil {
		a.broker.Close()
	}
	if a.cancel != nil {
		a.cancel()
	}
	if a.db != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := a.db.Stop(stopCtx); err != nil {
			a.logger.Warn("Database shutdown error", zap.Error(err))
		}
		cancel()
	}
	a.logger.Info("Shutdown complete")
}
