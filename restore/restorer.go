// Package restore restores databases and tables from a backup onto a running
// server. A Restorer finds what the backup holds, checks the caller's
// privileges, creates databases and tables in dependency order and loads
// their data, moving through a fixed sequence of stages that all hosts taking
// part in the restore pass together.
package restore

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/gobwas/glob"
	"github.com/maxpert/marmot-restore/access"
	"github.com/maxpert/marmot-restore/backup"
	"github.com/maxpert/marmot-restore/coordination"
	"github.com/maxpert/marmot-restore/db"
	"github.com/maxpert/marmot-restore/schema"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"
)

// Config wires a Restorer to its collaborators.
type Config struct {
	Elements []Element
	Settings Settings

	Backup       backup.Reader
	Catalog      db.Catalog
	Access       access.Control
	Coordination coordination.Coordination
	Parser       *schema.Parser

	// Pool bounds the tasks running at once. It may be shared by restores.
	Pool *semaphore.Weighted
	// Space, when set, is checked for room for the backup's data.
	Space db.SpaceChecker

	// Owner names the restore in table locks.
	Owner string

	// AfterTask runs after every task that succeeded.
	AfterTask func()
	// OnStage runs whenever the restore enters a stage.
	OnStage func(stage Stage, message string)
}

// Progress is a snapshot of a running restore.
type Progress struct {
	Stage          Stage
	Databases      int
	Tables         int
	TablesCreated  int
	TablesRestored int
	TasksCompleted int64
	Error          error
}

type tableInfo struct {
	def        *schema.Definition
	text       string
	predefined bool
	hasData    bool
	dataPath   string
	partitions []string

	database db.Database
	storage  db.Storage
	lock     *db.TableLock
}

type databaseInfo struct {
	def        *schema.Definition
	text       string
	predefined bool

	database db.Database
}

// Restorer runs one restore. Run may be called once; Close must be called
// afterwards to release table locks.
type Restorer struct {
	config   Config
	settings Settings
	inner    []glob.Glob

	tasks  *supervisor
	stages *stageMachine

	started        atomic.Bool
	mode           Mode
	renaming       *RenamingMap
	rootPaths      []string
	tasksCompleted atomic.Int64

	mu        sync.Mutex
	tables    map[schema.QualifiedName]*tableInfo
	databases map[string]*databaseInfo
	graph     *Graph
	dataTasks []db.DataTask
	created   int
	restored  int
	failure   error
	closed    bool
}

// New validates config and prepares a restore.
func New(config Config) (*Restorer, error) {
	if config.Backup == nil {
		return nil, errors.New("restore needs a backup reader")
	}
	if config.Catalog == nil {
		return nil, errors.New("restore needs a target catalog")
	}
	if config.Access == nil {
		return nil, errors.New("restore needs access control")
	}
	if config.Parser == nil {
		return nil, errors.New("restore needs a definition parser")
	}
	if config.Coordination == nil {
		config.Coordination = coordination.NewLocal(config.Settings.HostID)
	}
	if config.Owner == "" {
		config.Owner = "restore"
	}

	settings := config.Settings.withDefaults()
	inner, err := compileInnerPatterns(settings.InnerTablePatterns)
	if err != nil {
		return nil, err
	}

	r := &Restorer{
		config:    config,
		settings:  settings,
		inner:     inner,
		tables:    make(map[schema.QualifiedName]*tableInfo),
		databases: make(map[string]*databaseInfo),
		graph:     NewGraph(),
	}
	r.tasks = newSupervisor(config.Pool, r.afterTask)
	r.stages = newStageMachine(config.Coordination, r.tasks, config.OnStage)
	return r, nil
}

func (r *Restorer) afterTask() {
	r.tasksCompleted.Add(1)
	if r.config.AfterTask != nil {
		r.config.AfterTask()
	}
}

// Run executes the restore, or only its access check in
// ModeCheckAccessOnly.
func (r *Restorer) Run(ctx context.Context, mode Mode) error {
	if !r.started.CompareAndSwap(false, true) {
		return errors.AssertionFailedf("already restoring")
	}
	r.mode = mode

	err := r.run(ctx)
	if err != nil {
		r.fail(ctx, err)
	}
	return err
}

func (r *Restorer) run(ctx context.Context) error {
	renaming, err := NewRenamingMap(r.config.Elements)
	if err != nil {
		return err
	}
	r.renaming = renaming

	hostShard, hostReplica := 1, 1
	if r.settings.HostID != "" {
		hostShard, hostReplica = FindShardAndReplica(r.settings.ClusterHostIDs, r.settings.HostID)
	}
	r.rootPaths, err = ResolveRootPaths(ctx, r.config.Backup, RootPathOptions{
		ShardNum:       r.settings.ShardNumInBackup,
		ReplicaNum:     r.settings.ReplicaNumInBackup,
		HostShardNum:   hostShard,
		HostReplicaNum: hostReplica,
	})
	if err != nil {
		return err
	}

	if err := r.stages.advance(ctx, StageFindingTables, ""); err != nil {
		return err
	}
	if err := r.findDatabasesAndTables(ctx); err != nil {
		return err
	}

	action := "restore"
	if r.mode == ModeCheckAccessOnly {
		action = "check access rights for restoring"
	}
	progress := r.Progress()
	log.Info().
		Int("databases", progress.Databases).
		Int("tables", progress.Tables).
		Msgf("Will %s %d databases and %d tables", action, progress.Databases, progress.Tables)

	if err := r.stages.advance(ctx, StageCheckingAccess, ""); err != nil {
		return err
	}
	if err := r.checkAccess(ctx); err != nil {
		return err
	}
	if r.mode == ModeCheckAccessOnly {
		return nil
	}

	if err := r.stages.advance(ctx, StageCreatingDatabases, ""); err != nil {
		return err
	}
	if err := r.createAndCheckDatabases(ctx); err != nil {
		return err
	}

	if err := r.stages.advance(ctx, StageCreatingTables, ""); err != nil {
		return err
	}
	if err := r.removeUnresolvedDependencies(ctx); err != nil {
		return err
	}
	if err := r.createAndCheckTables(ctx); err != nil {
		return err
	}

	if err := r.stages.advance(ctx, StageInsertingData, ""); err != nil {
		return err
	}
	if err := r.insertData(ctx); err != nil {
		return err
	}
	if err := r.runDataRestoreTasks(ctx); err != nil {
		return err
	}

	if err := r.stages.advance(ctx, StageFinalizing, ""); err != nil {
		return err
	}
	if err := r.finalizeTables(ctx); err != nil {
		return err
	}

	return r.stages.advance(ctx, StageCompleted, "")
}

func (r *Restorer) fail(ctx context.Context, err error) {
	r.tasks.close()

	r.mu.Lock()
	r.failure = err
	r.mu.Unlock()

	logFailure(log.Error(), err).Str("stage", r.stages.Current().String()).Msg("Restore failed")

	if errors.Is(err, ErrCancelled) {
		return
	}
	var hostFailed *coordination.HostFailedError
	if errors.As(err, &hostFailed) {
		return
	}
	if setErr := r.config.Coordination.SetError(context.WithoutCancel(ctx), err); setErr != nil {
		log.Warn().Err(setErr).Msg("Failed to report restore failure to other hosts")
	}
}

// Close waits for tasks left over by a failed run and releases the table
// locks held since the tables were checked.
func (r *Restorer) Close() {
	r.tasks.close()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	for _, info := range r.tables {
		if info.lock != nil {
			info.lock.Release()
			info.lock = nil
		}
	}
}

// Stage returns the current stage.
func (r *Restorer) Stage() Stage {
	return r.stages.Current()
}

// Progress returns a snapshot of the restore.
func (r *Restorer) Progress() Progress {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Progress{
		Stage:          r.stages.Current(),
		Databases:      len(r.databases),
		Tables:         len(r.tables),
		TablesCreated:  r.created,
		TablesRestored: r.restored,
		TasksCompleted: r.tasksCompleted.Load(),
		Error:          r.failure,
	}
}

// Tables returns the target names of the tables being restored.
func (r *Restorer) Tables() []schema.QualifiedName {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]schema.QualifiedName, 0, len(r.tables))
	for name := range r.tables {
		names = append(names, name)
	}
	sortNames(names)
	return names
}

// Databases returns the target names of the databases being restored.
func (r *Restorer) Databases() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.databaseNamesLocked()
}

func (r *Restorer) databaseNamesLocked() []string {
	names := make([]string, 0, len(r.databases))
	for name := range r.databases {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RootPaths returns the backup paths searched for definitions.
func (r *Restorer) RootPaths() []string {
	return append([]string(nil), r.rootPaths...)
}
