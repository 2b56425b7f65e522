package restore

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/maxpert/marmot-restore/coordination"
	"github.com/maxpert/marmot-restore/db"
	"github.com/maxpert/marmot-restore/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRestoreEverything(t *testing.T) {
	h := newHarness(t)
	h.backup.
		database("db1", "CREATE DATABASE db1").
		table("db1", "t1", "CREATE TABLE t1 (id INT, name VARCHAR(16))").
		rows("db1", "t1", "part0.rows.zst", []string{"id", "name"},
			[]interface{}{1, "a"}, []interface{}{2, "b"})

	r, err := h.run(DefaultSettings(), everything())
	require.NoError(t, err)

	assert.Equal(t, StageCompleted, r.Stage())
	assert.Equal(t, allStages, h.seenStages())
	assert.Equal(t, []string{"db1"}, r.Databases())
	assert.Equal(t, []schema.QualifiedName{qn("db1", "t1")}, r.Tables())
	assert.Equal(t, []string{"/"}, r.RootPaths())

	table := h.memoryTable(qn("db1", "t1"))
	assert.Len(t, table.Rows(), 2)
	assert.Equal(t, 1, table.Finalized())

	progress := r.Progress()
	assert.Equal(t, 1, progress.Databases)
	assert.Equal(t, 1, progress.Tables)
	assert.Equal(t, 1, progress.TablesCreated)
	assert.Equal(t, 1, progress.TablesRestored)
	assert.Greater(t, progress.TasksCompleted, int64(0))
	assert.NoError(t, progress.Error)

	r.mu.Lock()
	assert.Empty(t, r.dataTasks)
	r.mu.Unlock()
}

func TestRestoreHoldsTableLocksUntilClose(t *testing.T) {
	h := newHarness(t)
	h.backup.
		database("db1", "CREATE DATABASE db1").
		table("db1", "t1", "CREATE TABLE t1 (id INT)")

	r, err := h.run(DefaultSettings(), everything())
	require.NoError(t, err)

	locks := h.locks.ActiveLocks()
	require.Len(t, locks, 1)
	assert.Equal(t, "test-restore", locks[0].Owner)

	r.Close()
	assert.Empty(t, h.locks.ActiveLocks())
	r.Close()
}

func TestRestoreMissingDependencyFails(t *testing.T) {
	h := newHarness(t)
	h.backup.
		database("db1", "CREATE DATABASE db1").
		table("db1", "v2", "CREATE VIEW v2 AS SELECT id FROM t1")

	r, err := h.run(DefaultSettings(), everything())
	require.Error(t, err)
	assert.True(t, errors.IsAssertionFailure(err), "got %v", err)
	assert.Contains(t, err.Error(), "db1.t1")
	assert.Equal(t, StageCreatingTables, r.Stage())
	assert.Equal(t, err, r.Progress().Error)

	exists, err := h.catalog.TableExists(context.Background(), qn("db1", "v2"))
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestRestoreMissingDependencyAllowed(t *testing.T) {
	h := newHarness(t)
	h.backup.
		database("db1", "CREATE DATABASE db1").
		table("db1", "v2", "CREATE VIEW v2 AS SELECT id FROM t1")

	settings := DefaultSettings()
	settings.AllowMissingDependencies = true
	r, err := h.run(settings, everything())
	require.NoError(t, err)
	assert.Equal(t, StageCompleted, r.Stage())

	exists, err := h.catalog.TableExists(context.Background(), qn("db1", "v2"))
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestRestoreDependencyOnExistingTable(t *testing.T) {
	h := newHarness(t)
	h.backup.
		database("db1", "CREATE DATABASE db1").
		table("db1", "v2", "CREATE VIEW v2 AS SELECT id FROM t1")
	h.catalog.AddTable(mustParse(t, h.parser, "CREATE TABLE t1 (id INT)", "db1"))

	r, err := h.run(DefaultSettings(), everything())
	require.NoError(t, err)
	assert.Equal(t, []schema.QualifiedName{qn("db1", "v2")}, r.Tables())

	r.mu.Lock()
	assert.False(t, r.graph.Contains(qn("db1", "t1")))
	r.mu.Unlock()
}

func TestRestoreCreatesDependenciesFirst(t *testing.T) {
	h := newHarness(t)
	h.backup.
		database("db1", "CREATE DATABASE db1").
		table("db1", "v3", "CREATE VIEW v3 AS SELECT id FROM v2").
		table("db1", "v2", "CREATE VIEW v2 AS SELECT id FROM t1").
		table("db1", "t1", "CREATE TABLE t1 (id INT)")

	r, err := h.run(DefaultSettings(), everything())
	require.NoError(t, err)

	r.mu.Lock()
	levels := r.graph.Levels()
	r.mu.Unlock()
	assert.Equal(t, [][]schema.QualifiedName{{qn("db1", "t1")}, {qn("db1", "v2")}, {qn("db1", "v3")}}, levels)
	assert.Equal(t, 3, r.Progress().TablesCreated)
}

func TestRestoreMissingShard(t *testing.T) {
	h := newHarness(t)
	h.backup.database("db1", "CREATE DATABASE db1")

	settings := DefaultSettings()
	settings.ShardNumInBackup = 3
	r, err := h.run(settings, everything())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.Equal(t, StageNone, r.Stage())
	assert.Empty(t, h.seenStages())
}

func TestRestoreMissingTable(t *testing.T) {
	h := newHarness(t)
	h.backup.database("db1", "CREATE DATABASE db1")

	r, err := h.run(DefaultSettings(), Element{Type: ElementTable, Database: "db1", Table: "nope"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.Contains(t, err.Error(), "db1.nope not found in backup")
	assert.Equal(t, StageFindingTables, r.Stage())
}

func TestRestoreStructureOnly(t *testing.T) {
	h := newHarness(t)
	h.backup.
		database("db1", "CREATE DATABASE db1").
		table("db1", "t1", "CREATE TABLE t1 (id INT)").
		rows("db1", "t1", "part0.rows.zst", []string{"id"}, []interface{}{1}).
		table("db1", "t2", "CREATE TABLE t2 (id INT)").
		rows("db1", "t2", "part0.rows.zst", []string{"id"}, []interface{}{2})

	settings := DefaultSettings()
	settings.StructureOnly = true
	r, err := h.run(settings, everything())
	require.NoError(t, err)

	for _, name := range []schema.QualifiedName{qn("db1", "t1"), qn("db1", "t2")} {
		assert.Empty(t, h.memoryTable(name).Rows())
	}
	progress := r.Progress()
	assert.Equal(t, 2, progress.TablesCreated)
	assert.Equal(t, 0, progress.TablesRestored)
}

func existingStructure(t *testing.T, h *harness, tableText string) {
	ctx := context.Background()
	dbDef := mustParse(t, h.parser, "CREATE DATABASE db1", "")
	require.NoError(t, h.catalog.CreateDatabase(ctx, dbDef))
	h.catalog.AddTable(mustParse(t, h.parser, tableText, "db1"))
}

func TestRestoreMustExistWithDifferentTable(t *testing.T) {
	h := newHarness(t)
	h.backup.
		database("db1", "CREATE DATABASE db1").
		table("db1", "t1", "CREATE TABLE t1 (id INT)")
	existingStructure(t, h, "CREATE TABLE t1 (id INT, extra INT)")

	settings := DefaultSettings()
	settings.CreateDatabase = CreateIfNotExists
	settings.CreateTable = MustExist
	r, err := h.run(settings, everything())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInconsistency))

	var mismatchErr *DefinitionMismatchError
	require.True(t, errors.As(err, &mismatchErr))
	assert.Equal(t, "table", mismatchErr.Kind)
	assert.Equal(t, "db1.t1", mismatchErr.Name)
	assert.Contains(t, mismatchErr.Existing, "extra")
	assert.NotContains(t, mismatchErr.Backup, "extra")
	assert.Contains(t, err.Error(), "while checking table db1.t1")
	assert.Equal(t, StageCreatingTables, r.Stage())
	assert.Equal(t, 0, r.Progress().TablesCreated)
}

func TestRestoreMustExistAllowingDifferentTable(t *testing.T) {
	h := newHarness(t)
	h.backup.
		database("db1", "CREATE DATABASE db1").
		table("db1", "t1", "CREATE TABLE t1 (id INT)").
		rows("db1", "t1", "part0.rows.zst", []string{"id"}, []interface{}{1})
	existingStructure(t, h, "CREATE TABLE t1 (id INT, extra INT)")

	settings := DefaultSettings()
	settings.CreateDatabase = CreateIfNotExists
	settings.CreateTable = MustExist
	settings.AllowDifferentTableDef = true
	_, err := h.run(settings, everything())
	require.NoError(t, err)
	assert.Len(t, h.memoryTable(qn("db1", "t1")).Rows(), 1)
}

func TestRestoreExistingDatabaseWithoutIfNotExists(t *testing.T) {
	h := newHarness(t)
	h.backup.
		database("db1", "CREATE DATABASE db1").
		table("db1", "t1", "CREATE TABLE t1 (id INT)")
	require.NoError(t, h.catalog.CreateDatabase(context.Background(),
		mustParse(t, h.parser, "CREATE DATABASE db1", "")))

	r, err := h.run(DefaultSettings(), everything())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "while creating database db1")
	assert.Equal(t, StageCreatingDatabases, r.Stage())
}

func TestRestoreRefusesNonEmptyTable(t *testing.T) {
	h := newHarness(t)
	h.backup.
		database("db1", "CREATE DATABASE db1").
		table("db1", "t1", "CREATE TABLE t1 (id INT)").
		rows("db1", "t1", "part0.rows.zst", []string{"id"}, []interface{}{1})
	existingStructure(t, h, "CREATE TABLE t1 (id INT)")
	h.memoryTable(qn("db1", "t1")).Insert([]interface{}{42})

	settings := DefaultSettings()
	settings.CreateDatabase = CreateIfNotExists
	settings.CreateTable = CreateIfNotExists
	_, err := h.run(settings, everything())
	require.Error(t, err)

	var notEmpty *db.TableNotEmptyError
	assert.True(t, errors.As(err, &notEmpty))
}

func TestRestoreConflictingDefinitions(t *testing.T) {
	h := newHarness(t)
	h.backup.
		database("db1", "CREATE DATABASE db1").
		table("db1", "t1", "CREATE TABLE t1 (id INT)").
		database("db2", "CREATE DATABASE db2").
		table("db2", "t1", "CREATE TABLE t1 (id BIGINT)")

	_, err := h.run(DefaultSettings(),
		Element{Type: ElementTable, Database: "db1", Table: "t1"},
		Element{Type: ElementDatabase, Database: "db2", NewDatabase: "db1"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInconsistency))
	assert.Contains(t, err.Error(), "extracted two different create queries for the same table db1.t1")
}

func partitionedBackup(h *harness) {
	h.backup.
		table("db1", "p", "CREATE TABLE p (id INT) PARTITION BY HASH (id) PARTITIONS 3").
		rows("db1", "p", "p0/a.rows.zst", []string{"id"}, []interface{}{0}).
		rows("db1", "p", "p1/a.rows.zst", []string{"id"}, []interface{}{1}).
		rows("db1", "p", "p2/a.rows.zst", []string{"id"}, []interface{}{2})
	require.NoError(h.t, h.catalog.CreateDatabase(context.Background(),
		mustParse(h.t, h.parser, "CREATE DATABASE db1", "")))
}

func TestRestorePartitionsAreMerged(t *testing.T) {
	h := newHarness(t)
	partitionedBackup(h)

	r, err := h.run(DefaultSettings(),
		Element{Type: ElementTable, Database: "db1", Table: "p", Partitions: []string{"p0"}},
		Element{Type: ElementTable, Database: "db1", Table: "p", Partitions: []string{"p2", "p0"}})
	require.NoError(t, err)

	r.mu.Lock()
	partitions := append([]string(nil), r.tables[qn("db1", "p")].partitions...)
	r.mu.Unlock()
	assert.ElementsMatch(t, []string{"p0", "p2"}, partitions)
	assert.Len(t, h.memoryTable(qn("db1", "p")).Rows(), 2)
}

func TestRestorePartitionsOfUnpartitionedTable(t *testing.T) {
	h := newHarness(t)
	h.backup.
		table("db1", "t1", "CREATE TABLE t1 (id INT)").
		rows("db1", "t1", "p0/a.rows.zst", []string{"id"}, []interface{}{0})
	require.NoError(t, h.catalog.CreateDatabase(context.Background(),
		mustParse(t, h.parser, "CREATE DATABASE db1", "")))

	r, err := h.run(DefaultSettings(),
		Element{Type: ElementTable, Database: "db1", Table: "t1", Partitions: []string{"p0"}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCapability))
	assert.Contains(t, err.Error(), "doesn't support partitions")
	assert.Equal(t, StageInsertingData, r.Stage())
}

func TestCheckAccessOnlyDoesNotMutate(t *testing.T) {
	h := newHarness(t)
	h.backup.
		database("db1", "CREATE DATABASE db1").
		table("db1", "t1", "CREATE TABLE t1 (id INT)")

	r := h.restorer(DefaultSettings(), everything())
	require.NoError(t, r.Run(context.Background(), ModeCheckAccessOnly))

	assert.Equal(t, StageCheckingAccess, r.Stage())
	assert.Equal(t, []Stage{StageFindingTables, StageCheckingAccess}, h.seenStages())
	exists, err := h.catalog.DatabaseExists(context.Background(), "db1")
	require.NoError(t, err)
	assert.False(t, exists)
	assert.Empty(t, h.locks.ActiveLocks())
}

func TestRunTwice(t *testing.T) {
	h := newHarness(t)
	h.backup.database("db1", "CREATE DATABASE db1")

	r, err := h.run(DefaultSettings(), everything())
	require.NoError(t, err)

	err = r.Run(context.Background(), ModeRestore)
	require.Error(t, err)
	assert.True(t, errors.IsAssertionFailure(err))
}

func TestDataTasksOnlyDuringInsert(t *testing.T) {
	h := newHarness(t)
	r := h.restorer(DefaultSettings(), everything())

	err := dataTaskQueue{r: r}.Add(func(context.Context) error { return nil })
	require.Error(t, err)
	assert.True(t, errors.IsAssertionFailure(err))
	assert.Contains(t, err.Error(), "not allowed in stage")
}

func TestDataTasksMayAddFollowUps(t *testing.T) {
	h := newHarness(t)
	r := h.restorer(DefaultSettings(), everything())
	ctx := context.Background()

	for _, stage := range allStages[:5] {
		require.NoError(t, r.stages.advance(ctx, stage, ""))
	}

	queue := dataTaskQueue{r: r}
	var ran atomic.Int32
	require.NoError(t, queue.Add(func(context.Context) error {
		ran.Add(1)
		return queue.AddAll([]db.DataTask{
			func(context.Context) error { ran.Add(1); return nil },
			func(context.Context) error {
				ran.Add(1)
				return queue.Add(func(context.Context) error { ran.Add(1); return nil })
			},
		})
	}))

	require.NoError(t, r.runDataRestoreTasks(ctx))
	assert.Equal(t, int32(4), ran.Load())
	assert.Empty(t, r.dataTasks)
}

func TestRestoreTemporaryTableWithRename(t *testing.T) {
	h := newHarness(t)
	h.backup.
		temporaryTable("tmp", "CREATE TEMPORARY TABLE tmp (id INT)").
		rows(schema.TemporaryDatabase, "tmp", "part0.rows.zst", []string{"id"}, []interface{}{7})

	r, err := h.run(DefaultSettings(), Element{Type: ElementTemporaryTable, Table: "tmp", NewTable: "tmp2"})
	require.NoError(t, err)

	renamed := schema.QualifiedName{Database: schema.TemporaryDatabase, Table: "tmp2"}
	assert.Equal(t, []schema.QualifiedName{renamed}, r.Tables())
	assert.Len(t, h.memoryTable(renamed).Rows(), 1)
}

func TestRestoreTableIntoOtherDatabase(t *testing.T) {
	h := newHarness(t)
	h.backup.
		database("db1", "CREATE DATABASE db1").
		table("db1", "t1", "CREATE TABLE t1 (id INT)").
		rows("db1", "t1", "part0.rows.zst", []string{"id"}, []interface{}{1})
	require.NoError(t, h.catalog.CreateDatabase(context.Background(),
		mustParse(t, h.parser, "CREATE DATABASE db2", "")))

	_, err := h.run(DefaultSettings(), Element{Type: ElementTable, Database: "db1", Table: "t1", NewDatabase: "db2"})
	require.NoError(t, err)

	assert.Len(t, h.memoryTable(qn("db2", "t1")).Rows(), 1)
	exists, err := h.catalog.TableExists(context.Background(), qn("db1", "t1"))
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestRestoreDatabaseWithRename(t *testing.T) {
	h := newHarness(t)
	h.backup.
		database("db1", "CREATE DATABASE db1").
		table("db1", "t1", "CREATE TABLE t1 (id INT)").
		table("db1", "v1", "CREATE VIEW v1 AS SELECT id FROM t1")

	r, err := h.run(DefaultSettings(), Element{Type: ElementDatabase, Database: "db1", NewDatabase: "db9"})
	require.NoError(t, err)

	assert.Equal(t, []string{"db9"}, r.Databases())
	assert.Equal(t, []schema.QualifiedName{qn("db9", "t1"), qn("db9", "v1")}, r.Tables())

	def, err := h.memoryTable(qn("db9", "v1")).Definition(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []schema.QualifiedName{qn("db9", "t1")}, def.Dependencies())
}

func TestRestoreSkipsInnerTablesAndExceptions(t *testing.T) {
	h := newHarness(t)
	h.backup.
		database("db1", "CREATE DATABASE db1").
		table("db1", "t1", "CREATE TABLE t1 (id INT)").
		table("db1", "t2", "CREATE TABLE t2 (id INT)").
		table("db1", ".inner.mv", "CREATE TABLE `.inner.mv` (id INT)").
		database("db2", "CREATE DATABASE db2")

	r, err := h.run(DefaultSettings(), Element{
		Type:            ElementEverything,
		ExceptTables:    []schema.QualifiedName{qn("db1", "t2")},
		ExceptDatabases: []string{"db2"},
	})
	require.NoError(t, err)
	assert.Equal(t, []schema.QualifiedName{qn("db1", "t1")}, r.Tables())
	assert.Equal(t, []string{"db1"}, r.Databases())
}

func TestRestoreCancelled(t *testing.T) {
	h := newHarness(t)
	h.backup.database("db1", "CREATE DATABASE db1")

	r := h.restorer(DefaultSettings(), everything())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := r.Run(ctx, ModeRestore)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCancelled))
}

type fixedSpace uint64

func (s fixedSpace) FreeBytes(context.Context) (uint64, error) {
	return uint64(s), nil
}

func TestRestoreChecksFreeSpace(t *testing.T) {
	h := newHarness(t)
	h.backup.
		database("db1", "CREATE DATABASE db1").
		table("db1", "t1", "CREATE TABLE t1 (id INT)").
		rows("db1", "t1", "part0.rows.zst", []string{"id"}, []interface{}{1})

	config := h.config(DefaultSettings(), everything())
	config.Space = fixedSpace(1)
	r, err := New(config)
	require.NoError(t, err)
	t.Cleanup(r.Close)

	err = r.Run(context.Background(), ModeRestore)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrResourceExhausted))
	assert.Empty(t, h.memoryTable(qn("db1", "t1")).Rows())

	config = h.config(DefaultSettings(), everything())
	config.Space = fixedSpace(1 << 30)
	config.Catalog = db.NewMemoryCatalog(h.locks)
	r, err = New(config)
	require.NoError(t, err)
	t.Cleanup(r.Close)
	require.NoError(t, r.Run(context.Background(), ModeRestore))
}

func TestRestoreEngineSubstitution(t *testing.T) {
	h := newHarness(t)
	h.backup.
		database("db1", "CREATE DATABASE db1").
		table("db1", "t1", "CREATE TABLE t1 (id INT) ENGINE=MyISAM")

	settings := DefaultSettings()
	settings.EngineSubstitution = map[string]string{"myisam": "InnoDB"}
	_, err := h.run(settings, everything())
	require.NoError(t, err)
	assert.Equal(t, "InnoDB", h.memoryTable(qn("db1", "t1")).Engine())
}

func TestNewValidatesConfig(t *testing.T) {
	h := newHarness(t)

	config := h.config(DefaultSettings())
	config.Backup = nil
	_, err := New(config)
	assert.Error(t, err)

	config = h.config(DefaultSettings())
	config.Parser = nil
	_, err = New(config)
	assert.Error(t, err)
}

func TestRestoreOnTwoHosts(t *testing.T) {
	h := newHarness(t)
	h.backup.
		database("db1", "CREATE DATABASE db1").
		table("db1", "t1", "CREATE TABLE t1 (id INT)").
		table("db1", "v1", "CREATE VIEW v1 AS SELECT id FROM t1")

	hosts := [][]string{{"h1", "h2"}}
	hub, err := coordination.NewHub(coordination.HubConfig{Hosts: FilterHosts(hosts, 0, 0)})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	errs := make([]error, 2)
	restorers := make([]*Restorer, 2)
	for i, host := range []string{"h1", "h2"} {
		settings := DefaultSettings()
		settings.StructureOnly = true
		settings.CreateDatabase = CreateIfNotExists
		settings.CreateTable = CreateIfNotExists
		settings.HostID = host
		settings.ClusterHostIDs = hosts

		config := h.config(settings, everything())
		config.Coordination = hub.Participant(host, 0)
		config.OnStage = nil
		r, err := New(config)
		require.NoError(t, err)
		t.Cleanup(r.Close)
		restorers[i] = r

		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = restorers[i].Run(ctx, ModeRestore)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		require.NoError(t, err, "host %d", i)
		assert.Equal(t, StageCompleted, restorers[i].Stage())
		assert.Equal(t, 2, restorers[i].Progress().TablesCreated)
	}

	for _, name := range []schema.QualifiedName{qn("db1", "t1"), qn("db1", "v1")} {
		exists, err := h.catalog.TableExists(ctx, name)
		require.NoError(t, err)
		assert.True(t, exists)
	}
}

func TestRestoreViewsWithoutStoredSources(t *testing.T) {
	h := newHarness(t)
	h.backup.
		database("db1", "CREATE DATABASE db1").
		table("db1", "v", "CREATE VIEW v AS SELECT 1 AS one").
		table("db1", "w", "CREATE VIEW w AS WITH x AS (SELECT 1 AS a) SELECT a FROM x")

	r, err := h.run(DefaultSettings(), everything())
	require.NoError(t, err)
	assert.Equal(t, []schema.QualifiedName{qn("db1", "v"), qn("db1", "w")}, r.Tables())

	def, err := h.memoryTable(qn("db1", "w")).Definition(context.Background())
	require.NoError(t, err)
	assert.NotContains(t, def.Text(), "db1.x")
	assert.NotContains(t, def.Text(), "db1.dual")
}

func TestRestoreExistingViewIfNotExists(t *testing.T) {
	h := newHarness(t)
	h.backup.
		database("db1", "CREATE DATABASE db1").
		table("db1", "t1", "CREATE TABLE t1 (id INT)").
		table("db1", "v", "CREATE VIEW v AS SELECT id FROM t1")
	existingStructure(t, h, "CREATE TABLE t1 (id INT)")
	h.catalog.AddTable(mustParse(t, h.parser, "CREATE VIEW v AS SELECT id FROM t1", "db1"))

	settings := DefaultSettings()
	settings.CreateDatabase = CreateIfNotExists
	settings.CreateTable = CreateIfNotExists
	r, err := h.run(settings, everything())
	require.NoError(t, err)
	assert.Equal(t, StageCompleted, r.Stage())
	assert.Equal(t, 1, r.Progress().TablesCreated)
}

func TestRestoreNonEmptyTableWithoutBackupData(t *testing.T) {
	h := newHarness(t)
	h.backup.
		database("db1", "CREATE DATABASE db1").
		table("db1", "t1", "CREATE TABLE t1 (id INT)")
	existingStructure(t, h, "CREATE TABLE t1 (id INT)")
	h.memoryTable(qn("db1", "t1")).Insert([]interface{}{42})

	settings := DefaultSettings()
	settings.CreateDatabase = CreateIfNotExists
	settings.CreateTable = CreateIfNotExists
	r, err := h.run(settings, everything())
	require.NoError(t, err)
	assert.Equal(t, StageCompleted, r.Stage())
	assert.Len(t, h.memoryTable(qn("db1", "t1")).Rows(), 1)
}

// creationOrder records the order in which tables are created.
type creationOrder struct {
	*coordination.Participant

	mu   sync.Mutex
	keys []string
}

func (c *creationOrder) CreateOnce(ctx context.Context, key string, timeout time.Duration, create func(context.Context) error) error {
	c.mu.Lock()
	c.keys = append(c.keys, key)
	c.mu.Unlock()
	return c.Participant.CreateOnce(ctx, key, timeout, create)
}

func TestRestoreCyclicForeignKeys(t *testing.T) {
	h := newHarness(t)
	h.backup.
		database("db1", "CREATE DATABASE db1").
		table("db1", "t0", "CREATE TABLE t0 (id INT PRIMARY KEY)").
		table("db1", "t1", `CREATE TABLE t1 (
			id INT PRIMARY KEY,
			t0_id INT,
			t2_id INT,
			CONSTRAINT fk_t0 FOREIGN KEY (t0_id) REFERENCES t0 (id),
			CONSTRAINT fk_t2 FOREIGN KEY (t2_id) REFERENCES t2 (id)
		)`).
		table("db1", "t2", `CREATE TABLE t2 (
			id INT PRIMARY KEY,
			t1_id INT,
			CONSTRAINT fk_t1 FOREIGN KEY (t1_id) REFERENCES t1 (id)
		)`)
	order := &creationOrder{Participant: coordination.NewLocal("h1")}
	h.coord = order

	r, err := h.run(DefaultSettings(), everything())
	require.NoError(t, err)
	assert.Equal(t, StageCompleted, r.Stage())
	assert.Equal(t, 3, r.Progress().TablesCreated)

	r.mu.Lock()
	levels := r.graph.Levels()
	cyclic := r.graph.CyclicTables()
	r.mu.Unlock()
	assert.Equal(t, [][]schema.QualifiedName{{qn("db1", "t0")}, {qn("db1", "t1"), qn("db1", "t2")}}, levels)
	assert.Equal(t, []schema.QualifiedName{qn("db1", "t1"), qn("db1", "t2")}, cyclic)

	order.mu.Lock()
	defer order.mu.Unlock()
	require.Len(t, order.keys, 3)
	assert.Equal(t, "table:db1.t0", order.keys[0])
	assert.ElementsMatch(t, []string{"table:db1.t1", "table:db1.t2"}, order.keys[1:])
}

// unlockedLookups fails lookups made while the restorer's mutex is held.
type unlockedLookups struct {
	*db.MemoryCatalog
	r       *Restorer
	lookups atomic.Int32
}

func (c *unlockedLookups) TableExists(ctx context.Context, name schema.QualifiedName) (bool, error) {
	if !c.r.mu.TryLock() {
		return false, errors.AssertionFailedf("looked up %s while holding the restorer lock", name)
	}
	c.r.mu.Unlock()
	c.lookups.Add(1)
	return c.MemoryCatalog.TableExists(ctx, name)
}

func TestRestoreLooksUpDependenciesWithoutLock(t *testing.T) {
	h := newHarness(t)
	h.backup.
		database("db1", "CREATE DATABASE db1").
		table("db1", "v2", "CREATE VIEW v2 AS SELECT id FROM t1")
	h.catalog.AddTable(mustParse(t, h.parser, "CREATE TABLE t1 (id INT)", "db1"))

	catalog := &unlockedLookups{MemoryCatalog: h.catalog}
	config := h.config(DefaultSettings(), everything())
	config.Catalog = catalog
	r, err := New(config)
	require.NoError(t, err)
	t.Cleanup(r.Close)
	catalog.r = r

	require.NoError(t, r.Run(context.Background(), ModeRestore))
	assert.Equal(t, int32(1), catalog.lookups.Load())
}
