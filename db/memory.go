package db

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/maxpert/marmot-restore/coordination"
	"github.com/maxpert/marmot-restore/encoding"
	"github.com/maxpert/marmot-restore/schema"
	"github.com/puzpuzpuz/xsync/v3"
)

// MemoryCatalog is a restore target kept in memory. It serves dry runs and
// tests; several hosts may share one instance.
type MemoryCatalog struct {
	databases *xsync.MapOf[string, *MemoryDatabase]
	tables    *xsync.MapOf[schema.QualifiedName, *MemoryTable]
	locks     *TableLockManager
}

// NewMemoryCatalog creates an empty target. Predefined databases exist from
// the start.
func NewMemoryCatalog(locks *TableLockManager) *MemoryCatalog {
	c := &MemoryCatalog{
		databases: xsync.NewMapOf[string, *MemoryDatabase](),
		tables:    xsync.NewMapOf[schema.QualifiedName, *MemoryTable](),
		locks:     locks,
	}
	for name := range predefinedDatabases {
		c.databases.Store(name, &MemoryDatabase{catalog: c, name: name})
	}
	return c
}

func (c *MemoryCatalog) Database(ctx context.Context, name string) (Database, error) {
	d, ok := c.databases.Load(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDatabase, schema.QuoteIdent(name))
	}
	return d, nil
}

func (c *MemoryCatalog) DatabaseExists(ctx context.Context, name string) (bool, error) {
	_, ok := c.databases.Load(name)
	return ok, nil
}

func (c *MemoryCatalog) CreateDatabase(ctx context.Context, def *schema.Definition) error {
	d := &MemoryDatabase{catalog: c, name: def.Name.Database, def: storedDefinition(def)}
	if _, loaded := c.databases.LoadOrStore(d.name, d); loaded && !def.IfNotExists() {
		return fmt.Errorf("database %s already exists", def.Name)
	}
	return nil
}

func (c *MemoryCatalog) Table(ctx context.Context, name schema.QualifiedName) (Storage, error) {
	t, ok := c.tables.Load(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTable, name)
	}
	return t, nil
}

func (c *MemoryCatalog) TableExists(ctx context.Context, name schema.QualifiedName) (bool, error) {
	_, ok := c.tables.Load(name)
	return ok, nil
}

func (c *MemoryCatalog) IsPredefinedDatabase(name string) bool {
	return IsPredefinedDatabase(name)
}

func (c *MemoryCatalog) IsPredefinedTable(name schema.QualifiedName) bool {
	return IsPredefinedTable(name)
}

// AddTable installs a table directly, bypassing CREATE.
func (c *MemoryCatalog) AddTable(def *schema.Definition) *MemoryTable {
	t := &MemoryTable{catalog: c, def: storedDefinition(def)}
	c.tables.Store(def.Name, t)
	return t
}

// DropTable removes a table. It waits for shared locks to go away.
func (c *MemoryCatalog) DropTable(ctx context.Context, name schema.QualifiedName) error {
	lock, err := c.locks.AcquireExclusive(ctx, name, "drop")
	if err != nil {
		return err
	}
	defer lock.Release()

	if _, ok := c.tables.LoadAndDelete(name); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTable, name)
	}
	return nil
}

func storedDefinition(def *schema.Definition) *schema.Definition {
	if def == nil {
		return nil
	}
	stored := def.Clone()
	stored.SetIfNotExists(false)
	return stored
}

// MemoryDatabase is a database of a MemoryCatalog.
type MemoryDatabase struct {
	catalog *MemoryCatalog
	name    string
	def     *schema.Definition
}

func (d *MemoryDatabase) Name() string {
	return d.name
}

func (d *MemoryDatabase) Definition(ctx context.Context) (*schema.Definition, error) {
	if d.def == nil {
		return nil, fmt.Errorf("database %s has no definition", schema.QuoteIdent(d.name))
	}
	return d.def.Clone(), nil
}

func (d *MemoryDatabase) CreateTable(ctx context.Context, def *schema.Definition, coord coordination.Coordination, timeout time.Duration) error {
	return coord.CreateOnce(ctx, coordination.IdentifierKey(def), timeout, func(ctx context.Context) error {
		t := &MemoryTable{catalog: d.catalog, def: storedDefinition(def)}
		if _, loaded := d.catalog.tables.LoadOrStore(def.Name, t); loaded && !def.IfNotExists() {
			return fmt.Errorf("%s already exists", def.Name.Describe())
		}
		return nil
	})
}

// MemoryTable is a table of a MemoryCatalog.
type MemoryTable struct {
	catalog *MemoryCatalog
	def     *schema.Definition

	mu        sync.Mutex
	columns   []string
	rows      [][]interface{}
	finalized int
}

func (t *MemoryTable) Name() schema.QualifiedName {
	return t.def.Name
}

func (t *MemoryTable) Engine() string {
	return t.def.Engine()
}

func (t *MemoryTable) Definition(ctx context.Context) (*schema.Definition, error) {
	return t.def.Clone(), nil
}

func (t *MemoryTable) LockForShare(ctx context.Context, owner string) (*TableLock, error) {
	return t.catalog.locks.AcquireShared(ctx, t.def.Name, owner)
}

func (t *MemoryTable) SupportsPartitions() bool {
	return t.def.Partitioned()
}

func (t *MemoryTable) RestoreData(ctx context.Context, req DataRestore) error {
	if req.HasData && !req.AllowNonEmpty && len(t.Rows()) > 0 {
		return &TableNotEmptyError{Table: t.def.Name}
	}

	files, err := dataFiles(ctx, req)
	if err != nil {
		return err
	}

	tasks := make([]DataTask, 0, len(files))
	for _, file := range files {
		file := file
		tasks = append(tasks, func(ctx context.Context) error {
			return readDataFile(ctx, req.Backup, file, t.appendBatch)
		})
	}
	return req.Tasks.AddAll(tasks)
}

func (t *MemoryTable) appendBatch(batch encoding.RowBatch) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.columns == nil {
		t.columns = batch.Columns
	}
	t.rows = append(t.rows, batch.Rows...)
	return nil
}

func (t *MemoryTable) FinalizeRestore(ctx context.Context) error {
	t.mu.Lock()
	t.finalized++
	t.mu.Unlock()
	return nil
}

// Rows returns a copy of the stored rows.
func (t *MemoryTable) Rows() [][]interface{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([][]interface{}(nil), t.rows...)
}

// Insert appends rows directly.
func (t *MemoryTable) Insert(rows ...[]interface{}) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rows = append(t.rows, rows...)
}

// Finalized returns how many times FinalizeRestore ran.
func (t *MemoryTable) Finalized() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.finalized
}
