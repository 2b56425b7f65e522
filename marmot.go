package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/maxpert/marmot-restore/admin"
	"github.com/maxpert/marmot-restore/cfg"
	"github.com/maxpert/marmot-restore/db"
	marmotgrpc "github.com/maxpert/marmot-restore/grpc"
	"github.com/maxpert/marmot-restore/hlc"
	"github.com/maxpert/marmot-restore/publisher"
	_ "github.com/maxpert/marmot-restore/publisher/sink"
	"github.com/maxpert/marmot-restore/restore"
	"github.com/maxpert/marmot-restore/schema"
	"github.com/maxpert/marmot-restore/telemetry"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const collectInterval = 5 * time.Second

func main() {
	flag.Parse()

	// Load configuration
	err := cfg.Load(*cfg.ConfigPathFlag)
	if err != nil {
		panic(err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("Invalid configuration: %v", err))
	}

	// Setup logging
	var writer io.Writer = zerolog.NewConsoleWriter()
	if cfg.Config.Logging.Format == "json" {
		writer = os.Stdout
	}
	gLog := zerolog.New(writer).
		With().
		Timestamp().
		Str("host_id", cfg.Config.HostID).
		Uint64("node_id", cfg.Config.NodeID).
		Logger()

	if cfg.Config.Logging.Verbose {
		log.Logger = gLog.Level(zerolog.DebugLevel)
	} else {
		log.Logger = gLog.Level(zerolog.InfoLevel)
	}

	if cfg.Config.Restore.ID == "" {
		cfg.Config.Restore.ID = uuid.NewString()
		if cfg.Config.Coordination.Mode != cfg.CoordinationLocal {
			log.Warn().Msg("No restore id configured; hosts of a coordinated restore should share one")
		}
	}

	log.Info().Str("restore_id", cfg.Config.Restore.ID).Msg("Marmot restore")
	log.Debug().Msg("Initializing telemetry")
	telemetry.InitializeTelemetry()
	telemetry.InitMetrics()
	marmotgrpc.ConfigureCompression(cfg.Config.GRPCClient.CompressionLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err = run(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

// run restores the configured elements on this host
func run(ctx context.Context) error {
	conf := cfg.Config

	reader, err := openBackup()
	if err != nil {
		log.Error().Err(err).Msg("Failed to open backup")
		return err
	}

	parser, err := schema.NewParser(conf.Restore.ParseCacheSize)
	if err != nil {
		log.Error().Err(err).Msg("Failed to create definition parser")
		return err
	}

	clock := hlc.NewClock(conf.NodeID)
	locks := db.NewTableLockManager(clock, time.Duration(conf.Target.LockTimeoutMS)*time.Millisecond)

	catalog, closeCatalog, err := openCatalog(ctx, parser, locks)
	if err != nil {
		log.Error().Err(err).Msg("Failed to open restore target")
		return err
	}
	defer closeCatalog()

	control, err := openAccessControl()
	if err != nil {
		log.Error().Err(err).Msg("Invalid access configuration")
		return err
	}

	elements, err := buildElements(conf.Restore.Elements)
	if err != nil {
		log.Error().Err(err).Msg("Invalid restore elements")
		return err
	}
	settings, err := buildSettings()
	if err != nil {
		log.Error().Err(err).Msg("Invalid restore settings")
		return err
	}

	// Routes are added once the restorer exists
	httpMux := http.NewServeMux()

	coord, err := setupCoordination(httpMux)
	if err != nil {
		log.Error().Err(err).Msg("Failed to set up coordination")
		return err
	}
	defer coord.Close()

	if conf.Coordination.Mode != cfg.CoordinationServer && conf.Admin.Enabled {
		stopHTTP := serveHTTP(httpMux)
		defer stopHTTP()
	}

	var recorder *publisher.Recorder
	if conf.Publisher.Enabled {
		registry, err := publisher.NewRegistry(publisher.RegistryConfig{
			Dir:          cfg.GetPublishLogPath(),
			SinkConfigs:  conf.Publisher.Sinks,
			DrainTimeout: 10 * time.Second,
		})
		if err != nil {
			log.Error().Err(err).Msg("Failed to initialize restore event publisher")
			return err
		}
		if err := registry.Start(); err != nil {
			return err
		}
		defer registry.Stop()
		recorder = registry.Recorder(conf.Restore.ID, conf.HostID, conf.NodeID)
	}

	timer := telemetry.NewStageTimer()
	config := restore.Config{
		Elements:     elements,
		Settings:     settings,
		Backup:       reader,
		Catalog:      catalog,
		Access:       control,
		Coordination: coord.participant,
		Parser:       parser,
		Pool:         restore.NewPool(conf.Restore.Workers),
		Owner:        "restore-" + conf.Restore.ID,
		AfterTask:    telemetry.TasksCompletedTotal.Inc,
		OnStage: func(stage restore.Stage, message string) {
			timer.Enter(int(stage), stage.String())
			recorder.Stage(stage.String(), message)
		},
	}
	if conf.Target.FreeSpacePath != "" {
		config.Space = db.DiskSpace{Path: conf.Target.FreeSpacePath}
	}

	restorer, err := restore.New(config)
	if err != nil {
		log.Error().Err(err).Msg("Failed to create restorer")
		return err
	}
	defer restorer.Close()

	if conf.Admin.Enabled {
		handlers := admin.NewAdminHandlers(conf.Restore.ID, conf.HostID, restorer, locks, coord.reports)
		admin.RegisterRoutes(httpMux, handlers, conf.Coordination.Secret)
	}

	collector := telemetry.NewMetricsCollector(telemetry.CollectorSources{
		Progress: func() telemetry.ProgressSnapshot {
			p := restorer.Progress()
			return telemetry.ProgressSnapshot{
				Databases:      p.Databases,
				Tables:         p.Tables,
				TablesCreated:  p.TablesCreated,
				TablesRestored: p.TablesRestored,
			}
		},
		Locks: func() int { return len(locks.ActiveLocks()) },
	}, collectInterval)
	collector.Start()
	defer collector.Stop()

	mode := restore.ModeRestore
	if conf.Restore.CheckAccessOnly {
		mode = restore.ModeCheckAccessOnly
	}

	started := time.Now()
	err = restorer.Run(ctx, mode)
	if err != nil {
		kind := failureKind(err)
		telemetry.RestoreFailuresTotal.With(kind).Inc()
		recorder.Failure(restorer.Stage().String(), err)
		log.Error().Err(err).Str("kind", kind).Dur("elapsed", time.Since(started)).Msg("Restore failed")
	} else {
		for _, table := range restorer.Tables() {
			recorder.Table(table.Database, table.Table)
		}
		logBackupSize(ctx, reader, restorer.RootPaths())

		p := restorer.Progress()
		log.Info().
			Int("databases", p.Databases).
			Int("tables", p.Tables).
			Int64("tasks", p.TasksCompleted).
			Dur("elapsed", time.Since(started)).
			Msg("Restore completed")
	}

	if conf.Admin.Enabled && conf.Admin.Linger && ctx.Err() == nil {
		log.Info().Msg("Restore finished, serving progress until interrupted")
		<-ctx.Done()
	}

	return err
}
