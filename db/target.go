package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/maxpert/marmot-restore/backup"
	"github.com/maxpert/marmot-restore/coordination"
	"github.com/maxpert/marmot-restore/schema"
)

var (
	// ErrUnknownDatabase is returned when a database does not exist.
	ErrUnknownDatabase = errors.New("unknown database")
	// ErrUnknownTable is returned when a table does not exist.
	ErrUnknownTable = errors.New("unknown table")
)

// SystemDatabase holds the server's own tables.
const SystemDatabase = "mysql"

// Catalog resolves databases and tables of the restore target.
type Catalog interface {
	Database(ctx context.Context, name string) (Database, error)
	DatabaseExists(ctx context.Context, name string) (bool, error)
	CreateDatabase(ctx context.Context, def *schema.Definition) error
	Table(ctx context.Context, name schema.QualifiedName) (Storage, error)
	TableExists(ctx context.Context, name schema.QualifiedName) (bool, error)
	IsPredefinedDatabase(name string) bool
	IsPredefinedTable(name schema.QualifiedName) bool
}

// Database is a database of the restore target.
type Database interface {
	Name() string
	Definition(ctx context.Context) (*schema.Definition, error)
	// CreateTable creates a table restored from a backup. coord lets the
	// database run its own cross-host protocol; timeout bounds it.
	CreateTable(ctx context.Context, def *schema.Definition, coord coordination.Coordination, timeout time.Duration) error
}

// Storage is a table of the restore target.
type Storage interface {
	Name() schema.QualifiedName
	Engine() string
	Definition(ctx context.Context) (*schema.Definition, error)
	// LockForShare prevents structural changes until the lock is released.
	LockForShare(ctx context.Context, owner string) (*TableLock, error)
	SupportsPartitions() bool
	// RestoreData schedules the work needed to load the table's data. It may
	// register follow-up tasks through req.Tasks.
	RestoreData(ctx context.Context, req DataRestore) error
	// FinalizeRestore runs once after all data tasks finished.
	FinalizeRestore(ctx context.Context) error
}

// DataTask is deferred data restore work.
type DataTask func(ctx context.Context) error

// DataTasks accepts follow-up tasks while data is being restored.
type DataTasks interface {
	Add(task DataTask) error
	AddAll(tasks []DataTask) error
}

// DataRestore describes where a table's data lives in a backup.
type DataRestore struct {
	Backup        backup.Reader
	DataPath      string
	Partitions    []string
	HasData       bool // The backup holds files under DataPath
	AllowNonEmpty bool
	Tasks         DataTasks
}

// TableNotEmptyError is returned by RestoreData when the backup has data for
// a target table that already holds rows and non-empty tables are not
// allowed.
type TableNotEmptyError struct {
	Table schema.QualifiedName
}

func (e *TableNotEmptyError) Error() string {
	return fmt.Sprintf("cannot restore the table %s because it already contains some data; "+
		"set structure_only or allow_non_empty_tables to overcome that", e.Table)
}

// SystemTable classifies tables of the system database whose restore needs
// dedicated privileges.
type SystemTable int

const (
	SystemTableNone SystemTable = iota
	SystemTableFunctions
	SystemTableAccounts
)

var accountTables = map[string]struct{}{
	"user":          {},
	"db":            {},
	"tables_priv":   {},
	"columns_priv":  {},
	"procs_priv":    {},
	"proxies_priv":  {},
	"role_edges":    {},
	"default_roles": {},
	"global_grants": {},
}

// ClassifySystemTable tells whether name is the function table or one of the
// account tables.
func ClassifySystemTable(name schema.QualifiedName) SystemTable {
	if name.Database != SystemDatabase {
		return SystemTableNone
	}
	if name.Table == "func" {
		return SystemTableFunctions
	}
	if _, ok := accountTables[name.Table]; ok {
		return SystemTableAccounts
	}
	return SystemTableNone
}

var predefinedDatabases = map[string]struct{}{
	SystemDatabase:           {},
	"information_schema":     {},
	"performance_schema":     {},
	"sys":                    {},
	schema.TemporaryDatabase: {},
}

// IsPredefinedDatabase reports whether the server creates the database itself.
func IsPredefinedDatabase(name string) bool {
	_, ok := predefinedDatabases[name]
	return ok
}

// IsPredefinedTable reports whether the table belongs to a server database.
func IsPredefinedTable(name schema.QualifiedName) bool {
	return !name.IsTemporary() && IsPredefinedDatabase(name.Database)
}
