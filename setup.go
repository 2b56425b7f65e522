package main

import (
	"context"
	"fmt"
	"net/http"
	"path"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/dustin/go-humanize"
	"github.com/maxpert/marmot-restore/access"
	"github.com/maxpert/marmot-restore/admin"
	"github.com/maxpert/marmot-restore/backup"
	"github.com/maxpert/marmot-restore/cfg"
	"github.com/maxpert/marmot-restore/coordination"
	"github.com/maxpert/marmot-restore/db"
	marmotgrpc "github.com/maxpert/marmot-restore/grpc"
	"github.com/maxpert/marmot-restore/restore"
	"github.com/maxpert/marmot-restore/schema"
	"github.com/maxpert/marmot-restore/telemetry"
	"github.com/rs/zerolog/log"
)

func openBackup() (backup.Reader, error) {
	conf := cfg.Config.Backup
	switch conf.Store {
	case cfg.BackupS3:
		return backup.NewS3(backup.S3Config{
			Endpoint:     conf.S3.Endpoint,
			Region:       conf.S3.Region,
			AccessKey:    conf.S3.AccessKey,
			SecretKey:    conf.S3.SecretKey,
			SessionToken: conf.S3.SessionToken,
			Bucket:       conf.S3.Bucket,
			Prefix:       conf.S3.Path,
			UseSSL:       conf.S3.UseSSL,
		})
	default:
		return backup.NewDir(conf.Dir)
	}
}

func openCatalog(ctx context.Context, parser *schema.Parser, locks *db.TableLockManager) (db.Catalog, func(), error) {
	conf := cfg.Config.Target
	if conf.Type == cfg.TargetMemory {
		log.Warn().Msg("Restoring into an in-memory target, nothing is persisted")
		return db.NewMemoryCatalog(locks), func() {}, nil
	}

	catalog, err := db.OpenMySQL(ctx, db.MySQLConfig{
		DSN:          conf.DSN,
		MaxOpenConns: conf.MaxOpenConns,
		Shared:       conf.Shared,
	}, parser, locks)
	if err != nil {
		return nil, nil, err
	}
	return catalog, func() {
		if err := catalog.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close target connection")
		}
	}, nil
}

func openAccessControl() (access.Control, error) {
	conf := cfg.Config.Access
	return access.NewStaticControlFromStrings(conf.User, conf.Grants, conf.Revokes)
}

func buildElements(configs []cfg.ElementConfiguration) ([]restore.Element, error) {
	elements := make([]restore.Element, 0, len(configs))
	for i, c := range configs {
		typ, err := restore.ParseElementType(c.Type)
		if err != nil {
			return nil, fmt.Errorf("element %d: %w", i, err)
		}

		element := restore.Element{
			Type:            typ,
			Database:        c.Database,
			Table:           c.Table,
			NewDatabase:     c.NewDatabase,
			NewTable:        c.NewTable,
			Partitions:      c.Partitions,
			ExceptDatabases: c.ExceptDatabases,
		}
		for _, name := range c.ExceptTables {
			database, table := cfg.SplitTableName(name)
			if database == "" {
				database = c.Database
			}
			element.ExceptTables = append(element.ExceptTables, schema.QualifiedName{Database: database, Table: table})
		}
		elements = append(elements, element)
	}
	return elements, nil
}

func buildSettings() (restore.Settings, error) {
	conf := cfg.Config
	settings := restore.DefaultSettings()

	var err error
	if settings.CreateDatabase, err = restore.ParseCreationMode(conf.Restore.CreateDatabase); err != nil {
		return settings, err
	}
	if settings.CreateTable, err = restore.ParseCreationMode(conf.Restore.CreateTable); err != nil {
		return settings, err
	}

	settings.AllowDifferentDatabaseDef = conf.Restore.AllowDifferentDatabaseDef
	settings.AllowDifferentTableDef = conf.Restore.AllowDifferentTableDef
	settings.AllowNonEmptyTables = conf.Restore.AllowNonEmptyTables
	settings.AllowMissingDependencies = conf.Restore.AllowMissingDependencies
	settings.StructureOnly = conf.Restore.StructureOnly
	settings.EngineSubstitution = conf.Restore.EngineSubstitution
	if len(conf.Restore.InnerTablePatterns) > 0 {
		settings.InnerTablePatterns = conf.Restore.InnerTablePatterns
	}
	if conf.Restore.CreateTableTimeoutMS > 0 {
		settings.CreateTableTimeout = time.Duration(conf.Restore.CreateTableTimeoutMS) * time.Millisecond
	}

	settings.ShardNumInBackup = conf.Cluster.ShardNumInBackup
	settings.ReplicaNumInBackup = conf.Cluster.ReplicaNumInBackup
	settings.HostID = conf.HostID
	settings.ClusterHostIDs = conf.Cluster.Hosts
	return settings, nil
}

// coordinationSetup is this host's view of the restore's coordination and
// whatever serves it
type coordinationSetup struct {
	participant *coordination.Participant
	reports     admin.ReportSource
	closers     []func()
}

func (c *coordinationSetup) Close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		c.closers[i]()
	}
}

func setupCoordination(httpMux *http.ServeMux) (*coordinationSetup, error) {
	conf := cfg.Config
	stageTimeout := time.Duration(conf.Coordination.StageTimeoutMS) * time.Millisecond
	setup := &coordinationSetup{}

	switch conf.Coordination.Mode {
	case cfg.CoordinationServer:
		hosts := restore.FilterHosts(conf.Cluster.Hosts, conf.Cluster.ShardNum, conf.Cluster.ReplicaNum)
		if !containsHost(hosts, conf.HostID) {
			return nil, fmt.Errorf("host %s is not among the restoring hosts %v", conf.HostID, hosts)
		}

		hubConfig := coordination.HubConfig{RestoreID: conf.Restore.ID, Hosts: hosts, NodeID: conf.NodeID}
		if conf.Coordination.Persist {
			store, err := coordination.OpenStore(cfg.GetCoordinationStatePath())
			if err != nil {
				return nil, err
			}
			setup.closers = append(setup.closers, func() { store.Close() })
			hubConfig.Store = store
		}

		hub, err := coordination.NewHub(hubConfig)
		if err != nil {
			setup.Close()
			return nil, err
		}

		server, err := marmotgrpc.NewServer(marmotgrpc.ServerConfig{
			Address:        conf.Coordination.BindAddress,
			Port:           conf.Coordination.Port,
			Secret:         conf.Coordination.Secret,
			Hub:            hub,
			HTTPHandler:    httpMux,
			MetricsHandler: telemetry.GetMetricsHandler(),
		})
		if err == nil {
			err = server.Start()
		}
		if err != nil {
			setup.Close()
			return nil, err
		}
		setup.closers = append(setup.closers, server.Stop)

		setup.participant = hub.Participant(conf.HostID, stageTimeout)
		setup.reports = func(ctx context.Context) ([]coordination.StageReport, error) {
			return hub.Reports(), nil
		}
		log.Info().Strs("hosts", hosts).Msg("Coordinating restore as hub")

	case cfg.CoordinationClient:
		client, err := marmotgrpc.NewClient(marmotgrpc.ClientConfigFromConfig(conf))
		if err != nil {
			return nil, err
		}
		setup.closers = append(setup.closers, func() { client.Close() })
		setup.participant = coordination.NewParticipant(client, conf.HostID, stageTimeout)
		setup.reports = client.Reports

	default:
		setup.participant = coordination.NewLocal(conf.HostID)
	}

	return setup, nil
}

func containsHost(hosts []string, host string) bool {
	for _, h := range hosts {
		if h == host {
			return true
		}
	}
	return false
}

// serveHTTP serves the admin API and metrics when no hub is running on
// this host
func serveHTTP(httpMux *http.ServeMux) func() {
	if handler := telemetry.GetMetricsHandler(); handler != nil {
		httpMux.Handle("/metrics", handler)
	}

	addr := fmt.Sprintf("%s:%d", cfg.Config.Coordination.BindAddress, cfg.Config.Coordination.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           httpMux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("HTTP server failed")
		}
	}()
	log.Info().Str("address", addr).Msg("Serving restore progress")

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(ctx)
	}
}

// failureKind labels a failed restore by its error kind
func failureKind(err error) string {
	switch {
	case errors.IsAssertionFailure(err):
		return "internal"
	case errors.Is(err, restore.ErrCancelled):
		return "cancelled"
	case errors.Is(err, restore.ErrNotFound):
		return "not_found"
	case errors.Is(err, restore.ErrInconsistency):
		return "inconsistency"
	case errors.Is(err, restore.ErrAuthorization):
		return "authorization"
	case errors.Is(err, restore.ErrCapability):
		return "capability"
	case errors.Is(err, restore.ErrResourceExhausted):
		return "resource_exhausted"
	case errors.Is(err, restore.ErrInvalidRequest):
		return "invalid_request"
	default:
		return "other"
	}
}

// logBackupSize reports how much data the restore read, when the backup
// store can tell
func logBackupSize(ctx context.Context, reader backup.Reader, roots []string) {
	sizer, ok := reader.(backup.Sizer)
	if !ok {
		return
	}

	var total int64
	for _, root := range roots {
		size, err := sizer.TotalSize(ctx, path.Join(root, "data"))
		if err != nil {
			log.Debug().Err(err).Str("root", root).Msg("Failed to size backup data")
			return
		}
		total += size
	}

	telemetry.BackupBytes.Set(float64(total))
	log.Info().Str("size", humanize.IBytes(uint64(total))).Msg("Restored backup data")
}
