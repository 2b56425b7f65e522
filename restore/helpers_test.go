package restore

import (
	"bytes"
	"context"
	"path"
	"sync"
	"testing"

	"github.com/maxpert/marmot-restore/access"
	"github.com/maxpert/marmot-restore/backup"
	"github.com/maxpert/marmot-restore/coordination"
	"github.com/maxpert/marmot-restore/db"
	"github.com/maxpert/marmot-restore/encoding"
	"github.com/maxpert/marmot-restore/hlc"
	"github.com/maxpert/marmot-restore/schema"
	"github.com/stretchr/testify/require"
)

func newTestParser(t *testing.T) *schema.Parser {
	t.Helper()
	p, err := schema.NewParser(64)
	require.NoError(t, err)
	return p
}

func mustParse(t *testing.T, p *schema.Parser, text, database string) *schema.Definition {
	t.Helper()
	def, err := p.Parse(text, database)
	require.NoError(t, err)
	return def
}

// testBackup builds backups laid out the way restore reads them.
type testBackup struct {
	*backup.Memory
	t    *testing.T
	root string
}

func newTestBackup(t *testing.T) *testBackup {
	return &testBackup{Memory: backup.NewMemory(), t: t, root: "/"}
}

func (b *testBackup) under(root string) *testBackup {
	return &testBackup{Memory: b.Memory, t: b.t, root: root}
}

func (b *testBackup) database(name, text string) *testBackup {
	b.PutString(path.Join(b.root, "metadata", escapeName(name)+".sql"), text)
	return b
}

func (b *testBackup) table(database, table, text string) *testBackup {
	name := schema.QualifiedName{Database: database, Table: table}
	b.PutString(tableMetadataPath(b.root, name), text)
	return b
}

func (b *testBackup) temporaryTable(table, text string) *testBackup {
	name := schema.QualifiedName{Database: schema.TemporaryDatabase, Table: table}
	b.PutString(tableMetadataPath(b.root, name), text)
	return b
}

func (b *testBackup) rows(database, table, file string, columns []string, rows ...[]interface{}) *testBackup {
	b.t.Helper()
	var buf bytes.Buffer
	w, err := encoding.NewRowWriter(&buf)
	require.NoError(b.t, err)
	require.NoError(b.t, w.Write(encoding.RowBatch{Columns: columns, Rows: rows}))
	require.NoError(b.t, w.Close())

	name := schema.QualifiedName{Database: database, Table: table}
	b.Put(path.Join(tableDataPath(b.root, name), file), buf.Bytes())
	return b
}

// harness bundles the collaborators of a restore running on one host.
type harness struct {
	t       *testing.T
	parser  *schema.Parser
	backup  *testBackup
	locks   *db.TableLockManager
	catalog *db.MemoryCatalog
	control *access.StaticControl
	coord   coordination.Coordination

	mu     sync.Mutex
	stages []Stage
}

func newHarness(t *testing.T) *harness {
	locks := db.NewTableLockManager(hlc.NewClock(1), 0)
	return &harness{
		t:       t,
		parser:  newTestParser(t),
		backup:  newTestBackup(t),
		locks:   locks,
		catalog: db.NewMemoryCatalog(locks),
		control: access.NewStaticControl("tester", allRights()),
		coord:   coordination.NewLocal("h1"),
	}
}

func allRights() *access.Rights {
	rights := access.NewRights()
	rights.Grant(access.Element{Flags: access.All})
	return rights
}

func (h *harness) config(settings Settings, elements ...Element) Config {
	return Config{
		Elements:     elements,
		Settings:     settings,
		Backup:       h.backup.Memory,
		Catalog:      h.catalog,
		Access:       h.control,
		Coordination: h.coord,
		Parser:       h.parser,
		Pool:         NewPool(4),
		Owner:        "test-restore",
		OnStage: func(stage Stage, _ string) {
			h.mu.Lock()
			h.stages = append(h.stages, stage)
			h.mu.Unlock()
		},
	}
}

func (h *harness) restorer(settings Settings, elements ...Element) *Restorer {
	h.t.Helper()
	r, err := New(h.config(settings, elements...))
	require.NoError(h.t, err)
	h.t.Cleanup(r.Close)
	return r
}

func (h *harness) run(settings Settings, elements ...Element) (*Restorer, error) {
	h.t.Helper()
	r := h.restorer(settings, elements...)
	return r, r.Run(context.Background(), ModeRestore)
}

func (h *harness) seenStages() []Stage {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Stage(nil), h.stages...)
}

func (h *harness) memoryTable(name schema.QualifiedName) *db.MemoryTable {
	h.t.Helper()
	storage, err := h.catalog.Table(context.Background(), name)
	require.NoError(h.t, err)
	return storage.(*db.MemoryTable)
}

func everything() Element {
	return Element{Type: ElementEverything}
}

func qn(database, table string) schema.QualifiedName {
	return schema.QualifiedName{Database: database, Table: table}
}

var allStages = []Stage{
	StageFindingTables,
	StageCheckingAccess,
	StageCreatingDatabases,
	StageCreatingTables,
	StageInsertingData,
	StageFinalizing,
	StageCompleted,
}
