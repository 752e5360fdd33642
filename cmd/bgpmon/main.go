package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/route-beacon/bgpmon/internal/config"
	"github.com/route-beacon/bgpmon/internal/control"
	"github.com/route-beacon/bgpmon/internal/db"
	"github.com/route-beacon/bgpmon/internal/httpapi"
	"github.com/route-beacon/bgpmon/internal/kafkaexport"
	"github.com/route-beacon/bgpmon/internal/labeler"
	"github.com/route-beacon/bgpmon/internal/maintenance"
	"github.com/route-beacon/bgpmon/internal/metrics"
	"github.com/route-beacon/bgpmon/internal/mrt"
	"github.com/route-beacon/bgpmon/internal/queue"
	"github.com/route-beacon/bgpmon/internal/status"
	"github.com/route-beacon/bgpmon/internal/store"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		runServe()
	case "migrate":
		runMigrate()
	case "maintenance":
		runMaintenance()
	case "--help", "-h", "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: bgpmon <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve         Start the peer monitor service")
	fmt.Println("  migrate       Run database migrations (only needed when the history sink is configured)")
	fmt.Println("  maintenance   Run session_events partition maintenance (create new, drop old)")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  --config <path>  Path to ambient service configuration YAML")
	fmt.Println("  --peers <path>   Path to the peer/peer-group topology YAML")
	fmt.Println("  --log-level <lvl> Override log level (debug, info, warn, error)")
}

func parseFlags(args []string) (configPath, peersPath, logLevel string) {
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			if i+1 < len(args) {
				configPath = args[i+1]
				i++
			}
		case "--peers":
			if i+1 < len(args) {
				peersPath = args[i+1]
				i++
			}
		case "--log-level":
			if i+1 < len(args) {
				logLevel = args[i+1]
				i++
			}
		}
	}
	return
}

func loadConfig(args []string) (*config.Config, *config.Model, *zap.Logger) {
	configPath, peersPath, logLevelOverride := parseFlags(args)

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	if logLevelOverride != "" {
		cfg.Service.LogLevel = logLevelOverride
	}
	logger := initLogger(cfg.Service.LogLevel)

	var model *config.Model
	if peersPath != "" {
		model, err = config.LoadPeers(peersPath)
		if err != nil {
			logger.Fatal("failed to load peer topology", zap.Error(err))
		}
	} else {
		model = &config.Model{Peers: map[string]*config.Peer{}, Groups: map[string]*config.PeerGroup{}}
	}

	return cfg, model, logger
}

func initLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zap.DebugLevel
	case "warn":
		zapLevel = zap.WarnLevel
	case "error":
		zapLevel = zap.ErrorLevel
	default:
		zapLevel = zap.InfoLevel
	}

	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(zapLevel)
	zapCfg.EncoderConfig.TimeKey = "ts"
	zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := zapCfg.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logger: %v\n", err)
		os.Exit(1)
	}
	return logger
}

func migrationsDir() string {
	exe, err := os.Executable()
	if err != nil {
		return "migrations"
	}
	return filepath.Join(filepath.Dir(exe), "migrations")
}

func runServe() {
	cfg, model, logger := loadConfig(os.Args[2:])
	defer logger.Sync()

	metrics.Register()

	logger.Info("starting bgpmon",
		zap.String("instance_id", cfg.Service.InstanceID),
		zap.String("http_listen", cfg.Service.HTTPListen),
		zap.Int("peers_configured", len(model.Peers)),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sup := control.New(cfg, model, logger.Named("control"))
	if err := sup.Start(ctx); err != nil {
		logger.Fatal("failed to start control plane", zap.Error(err))
	}

	var wg sync.WaitGroup

	lab := labeler.New(sup.PeerPublication(), sup.Publication(), sup.LabeledPublication(), sup, logger.Named("labeler"))
	wg.Add(1)
	go func() { defer wg.Done(); lab.Run(ctx) }()

	sampler := status.New(sup, sup.LabeledPublication(), time.Duration(cfg.Service.StatusIntervalSeconds)*time.Second, logger.Named("status"))
	wg.Add(1)
	go func() { defer wg.Done(); sampler.Run(ctx) }()

	// --- Optional Postgres history sink ---
	var pool interface {
		Ping(ctx context.Context) error
		Close()
	}
	if cfg.Postgres.DSN != "" {
		pgPool, err := db.NewPool(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxConns, cfg.Postgres.MinConns)
		if err != nil {
			logger.Fatal("failed to connect to database", zap.Error(err))
		}
		pool = pgPool
		defer pgPool.Close()

		pm := maintenance.NewPartitionManager(pgPool, cfg.Retention.Days, cfg.Retention.Timezone, logger.Named("maintenance"))
		if err := pm.CreatePartitions(ctx); err != nil {
			logger.Fatal("failed to create session_events partitions on startup", zap.Error(err))
		}

		histWriter := store.NewWriter(pgPool, logger.Named("store"), true)
		wg.Add(1)
		go func() {
			defer wg.Done()
			runHistorySink(ctx, sup.LabeledPublication(), histWriter, logger.Named("store"))
		}()

		logger.Info("session-history sink enabled", zap.Int("retention_days", cfg.Retention.Days))
	}

	// --- Optional Kafka export bridge ---
	if cfg.Kafka.Enabled {
		tlsCfg, err := cfg.Kafka.BuildTLSConfig()
		if err != nil {
			logger.Fatal("failed to build kafka export TLS config", zap.Error(err))
		}
		saslMech := cfg.Kafka.BuildSASLMechanism()

		exporter, err := kafkaexport.NewExporter(cfg.Kafka.Brokers, cfg.Kafka.ClientID, cfg.Kafka.Topic, tlsCfg, saslMech, logger.Named("kafkaexport"))
		if err != nil {
			logger.Fatal("failed to construct kafka exporter", zap.Error(err))
		}
		defer exporter.Close()

		kafkaReader := sup.LabeledPublication().NewReader()
		wg.Add(1)
		go func() {
			defer wg.Done()
			exporter.Run(ctx, sup.LabeledPublication(), kafkaReader)
		}()

		logger.Info("kafka export bridge enabled", zap.Strings("brokers", cfg.Kafka.Brokers), zap.String("topic", cfg.Kafka.Topic))
	}

	// --- Optional MRT ingestion ---
	if cfg.MRT.Enabled {
		f, err := os.Open(cfg.MRT.Path)
		if err != nil {
			logger.Fatal("failed to open MRT stream", zap.Error(err), zap.String("path", cfg.MRT.Path))
		}
		defer f.Close()

		opts := mrt.DefaultOptions()
		opts.ChunkFraction = cfg.MRT.DrainChunkFraction
		if cfg.MRT.PollIntervalSeconds > 0 {
			opts.PollInterval = time.Duration(cfg.MRT.PollIntervalSeconds) * time.Second
		}
		if opts.PollInterval > 0 && cfg.MRT.WaitForLiveSeconds > 0 {
			opts.MaxPolls = int(time.Duration(cfg.MRT.WaitForLiveSeconds) * time.Second / opts.PollInterval)
		}

		ingestor := mrt.New(sup, opts)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := ingestor.Run(ctx, f); err != nil && err != context.Canceled {
				logger.Warn("MRT ingestion stopped", zap.Error(err))
			}
		}()

		logger.Info("MRT ingestion started", zap.String("path", cfg.MRT.Path))
	}

	// --- HTTP server ---
	httpServer := httpapi.NewServer(cfg.Service.HTTPListen, sup, pool, logger.Named("http"))
	if err := httpServer.Start(); err != nil {
		logger.Fatal("failed to start HTTP server", zap.Error(err))
	}

	logger.Info("bgpmon fully started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	logger.Info("received shutdown signal", zap.String("signal", sig.String()))

	shutdownTimeout := time.Duration(cfg.Service.ShutdownTimeoutSeconds) * time.Second
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	cancel()

	if err := sup.Shutdown(shutdownCtx); err != nil {
		logger.Error("control plane shutdown error", zap.Error(err))
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("all subsystems stopped gracefully")
	case <-shutdownCtx.Done():
		logger.Warn("shutdown timeout reached, some goroutines may not have finished")
	}

	logger.Info("bgpmon stopped")
}

// runHistorySink drains its own publication reader in small batches and
// flushes each to the session_events writer, mirroring the
// batch-size/flush-interval shape the rest of this codebase's pipelines
// use for their own Postgres sinks.
func runHistorySink(ctx context.Context, pub *queue.Publication, w *store.Writer, log *zap.Logger) {
	reader := pub.NewReader()
	for {
		envs, err := pub.Read(ctx, reader, 256)
		if err != nil {
			return
		}
		if len(envs) == 0 {
			continue
		}
		if _, err := w.FlushBatch(ctx, envs); err != nil {
			log.Warn("history sink: flush failed", zap.Error(err))
		}
	}
}

func runMigrate() {
	cfg, _, logger := loadConfig(os.Args[2:])
	defer logger.Sync()

	logger.Info("running migrations")

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxConns, cfg.Postgres.MinConns)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()

	if err := db.RunMigrations(ctx, pool, migrationsDir(), logger); err != nil {
		logger.Fatal("migration failed", zap.Error(err))
	}

	logger.Info("migrations complete")
}

func runMaintenance() {
	cfg, _, logger := loadConfig(os.Args[2:])
	defer logger.Sync()

	logger.Info("running session_events partition maintenance",
		zap.Int("retention_days", cfg.Retention.Days),
		zap.String("timezone", cfg.Retention.Timezone),
	)

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxConns, cfg.Postgres.MinConns)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()

	pm := maintenance.NewPartitionManager(pool, cfg.Retention.Days, cfg.Retention.Timezone, logger)
	if err := pm.Run(ctx); err != nil {
		logger.Fatal("maintenance failed", zap.Error(err))
	}

	logger.Info("partition maintenance complete")
}
