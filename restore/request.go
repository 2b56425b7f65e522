package restore

import (
	"fmt"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gobwas/glob"
	"github.com/maxpert/marmot-restore/schema"
)

// ElementType is the kind of object a restore element names.
type ElementType int

const (
	ElementTable ElementType = iota
	ElementTemporaryTable
	ElementDatabase
	ElementEverything
)

func (t ElementType) String() string {
	switch t {
	case ElementTable:
		return "table"
	case ElementTemporaryTable:
		return "temporary_table"
	case ElementDatabase:
		return "database"
	case ElementEverything:
		return "all"
	default:
		return "unknown"
	}
}

// ParseElementType parses the names printed by ElementType.String.
func ParseElementType(s string) (ElementType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "table":
		return ElementTable, nil
	case "temporary_table", "temporary table":
		return ElementTemporaryTable, nil
	case "database":
		return ElementDatabase, nil
	case "all", "everything":
		return ElementEverything, nil
	}
	return 0, errors.Mark(errors.Newf("unknown element type %q", s), ErrInvalidRequest)
}

// Element is one entry of a restore request. Database and Table are the
// names in the backup; NewDatabase and NewTable rename the object on restore.
type Element struct {
	Type        ElementType
	Database    string
	Table       string
	NewDatabase string
	NewTable    string

	// Partitions limits a table's data to these partitions. Empty means all.
	Partitions []string

	// ExceptTables and ExceptDatabases use names in the backup.
	ExceptTables    []schema.QualifiedName
	ExceptDatabases []string
}

func (e Element) newDatabase() string {
	if e.NewDatabase != "" {
		return e.NewDatabase
	}
	return e.Database
}

func (e Element) newTable() string {
	if e.NewTable != "" {
		return e.NewTable
	}
	return e.Table
}

// CreationMode decides what happens to objects that already exist.
type CreationMode int

const (
	// CreateAlways fails when the object exists.
	CreateAlways CreationMode = iota
	// CreateIfNotExists keeps an existing object.
	CreateIfNotExists
	// MustExist never creates; the object has to be there already.
	MustExist
)

func (m CreationMode) String() string {
	switch m {
	case CreateAlways:
		return "create"
	case CreateIfNotExists:
		return "if-not-exists"
	case MustExist:
		return "must-exist"
	default:
		return "unknown"
	}
}

// ParseCreationMode accepts "create", "if-not-exists" and "must-exist".
func ParseCreationMode(s string) (CreationMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "create":
		return CreateAlways, nil
	case "if-not-exists", "if_not_exists":
		return CreateIfNotExists, nil
	case "must-exist", "must_exist":
		return MustExist, nil
	}
	return 0, errors.Mark(errors.Newf("unknown creation mode %q", s), ErrInvalidRequest)
}

// Mode selects between a full restore and an access check.
type Mode int

const (
	ModeRestore Mode = iota
	ModeCheckAccessOnly
)

// DefaultCreateTableTimeout bounds creating one table.
const DefaultCreateTableTimeout = 300000 * time.Millisecond

// DefaultInnerTablePatterns match the auxiliary tables that back
// materialized objects; they are restored with their owner.
var DefaultInnerTablePatterns = []string{".inner.*", ".inner_id.*"}

// Settings tune a restore.
type Settings struct {
	CreateDatabase CreationMode
	CreateTable    CreationMode

	AllowDifferentDatabaseDef bool
	AllowDifferentTableDef    bool
	AllowNonEmptyTables       bool
	StructureOnly             bool

	// AllowMissingDependencies restores tables whose dependencies are
	// neither in the backup nor on the target, logging a warning. This is the
	// lenient mode; by default such a dependency fails the restore.
	AllowMissingDependencies bool

	// EngineSubstitution maps an engine in the backup to the engine used on
	// restore, e.g. MyISAM to InnoDB.
	EngineSubstitution map[string]string
	// InnerTablePatterns are glob patterns of target table names skipped when
	// a whole database is restored.
	InnerTablePatterns []string

	CreateTableTimeout time.Duration

	// ShardNumInBackup and ReplicaNumInBackup select a subtree of the backup.
	// Zero picks one based on the host's position in the cluster.
	ShardNumInBackup   int
	ReplicaNumInBackup int

	HostID         string
	ClusterHostIDs [][]string
}

// DefaultSettings returns settings with every default filled in.
func DefaultSettings() Settings {
	return Settings{
		InnerTablePatterns: append([]string(nil), DefaultInnerTablePatterns...),
		CreateTableTimeout: DefaultCreateTableTimeout,
	}
}

func (s Settings) withDefaults() Settings {
	if s.CreateTableTimeout <= 0 {
		s.CreateTableTimeout = DefaultCreateTableTimeout
	}
	if s.InnerTablePatterns == nil {
		s.InnerTablePatterns = DefaultInnerTablePatterns
	}
	return s
}

func compileInnerPatterns(patterns []string) ([]glob.Glob, error) {
	globs := make([]glob.Glob, 0, len(patterns))
	for _, p := range patterns {
		g, err := glob.Compile(p)
		if err != nil {
			return nil, errors.Mark(errors.Wrapf(err, "invalid inner table pattern %q", p), ErrInvalidRequest)
		}
		globs = append(globs, g)
	}
	return globs, nil
}

// RenamingMap maps names in the backup to names on the target.
type RenamingMap struct {
	databases map[string]string
	tables    map[schema.QualifiedName]schema.QualifiedName
}

// NewRenamingMap derives the renaming from the request elements. Renaming
// one object to two names, or two objects to one name, is rejected.
func NewRenamingMap(elements []Element) (*RenamingMap, error) {
	m := &RenamingMap{
		databases: make(map[string]string),
		tables:    make(map[schema.QualifiedName]schema.QualifiedName),
	}

	for _, e := range elements {
		switch e.Type {
		case ElementTable:
			if e.Database == "" || e.Table == "" {
				return nil, errors.Mark(errors.New("table element needs a database and a table"), ErrInvalidRequest)
			}
			from := schema.QualifiedName{Database: e.Database, Table: e.Table}
			to := schema.QualifiedName{Database: e.newDatabase(), Table: e.newTable()}
			if err := m.setTable(from, to); err != nil {
				return nil, err
			}

		case ElementTemporaryTable:
			if e.Table == "" {
				return nil, errors.Mark(errors.New("temporary table element needs a table"), ErrInvalidRequest)
			}
			from := schema.QualifiedName{Database: schema.TemporaryDatabase, Table: e.Table}
			to := schema.QualifiedName{Database: schema.TemporaryDatabase, Table: e.newTable()}
			if err := m.setTable(from, to); err != nil {
				return nil, err
			}

		case ElementDatabase:
			if e.Database == "" {
				return nil, errors.Mark(errors.New("database element needs a database"), ErrInvalidRequest)
			}
			if err := m.setDatabase(e.Database, e.newDatabase()); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

func (m *RenamingMap) setDatabase(from, to string) error {
	if prev, ok := m.databases[from]; ok && prev != to {
		return errors.Mark(errors.Newf("wrong renaming: database %s is renamed to %s and to %s",
			schema.QuoteIdent(from), schema.QuoteIdent(prev), schema.QuoteIdent(to)), ErrInvalidRequest)
	}
	for other, target := range m.databases {
		if other != from && target == to {
			return errors.Mark(errors.Newf("wrong renaming: databases %s and %s are both renamed to %s",
				schema.QuoteIdent(other), schema.QuoteIdent(from), schema.QuoteIdent(to)), ErrInvalidRequest)
		}
	}
	m.databases[from] = to
	return nil
}

func (m *RenamingMap) setTable(from, to schema.QualifiedName) error {
	if prev, ok := m.tables[from]; ok && prev != to {
		return errors.Mark(errors.Newf("wrong renaming: %s is renamed to %s and to %s",
			from.Describe(), prev, to), ErrInvalidRequest)
	}
	for other, target := range m.tables {
		if other != from && target == to {
			return errors.Mark(errors.Newf("wrong renaming: tables %s and %s are both renamed to %s",
				other, from, to), ErrInvalidRequest)
		}
	}
	m.tables[from] = to
	return nil
}

// NewDatabaseName returns the target name of a database in the backup.
func (m *RenamingMap) NewDatabaseName(old string) string {
	if to, ok := m.databases[old]; ok {
		return to
	}
	return old
}

// NewTableName returns the target name of a table in the backup. A table
// without its own renaming follows its database.
func (m *RenamingMap) NewTableName(old schema.QualifiedName) schema.QualifiedName {
	if to, ok := m.tables[old]; ok {
		return to
	}
	return schema.QualifiedName{Database: m.NewDatabaseName(old.Database), Table: old.Table}
}

func (m *RenamingMap) String() string {
	var parts []string
	for from, to := range m.databases {
		if from != to {
			parts = append(parts, fmt.Sprintf("%s->%s", schema.QuoteIdent(from), schema.QuoteIdent(to)))
		}
	}
	for from, to := range m.tables {
		if from != to {
			parts = append(parts, fmt.Sprintf("%s->%s", from, to))
		}
	}
	return strings.Join(parts, ", ")
}
