package schema

import (
	"sort"
	"strings"

	"vitess.io/vitess/go/vt/sqlparser"
)

// Kind classifies a schema definition.
type Kind int

const (
	KindDatabase Kind = iota
	KindTable
	KindTemporaryTable
	KindView
)

func (k Kind) String() string {
	switch k {
	case KindDatabase:
		return "database"
	case KindTable:
		return "table"
	case KindTemporaryTable:
		return "temporary table"
	case KindView:
		return "view"
	default:
		return "unknown"
	}
}

// Definition is a parsed CREATE statement for a database, table or view.
//
// The statement is always held fully qualified so that Text is stable
// regardless of the database the definition was read from. ID carries the
// object identifier agreed between hosts; it is not part of the SQL text.
type Definition struct {
	Kind Kind
	Name QualifiedName
	ID   string

	stmt sqlparser.Statement
}

// Text returns the canonical one-line form of the definition. The same routine
// is used for storing and for comparing definitions.
func (d *Definition) Text() string {
	return sqlparser.String(d.stmt)
}

// Statement exposes the underlying AST.
func (d *Definition) Statement() sqlparser.Statement {
	return d.stmt
}

// Clone returns a deep copy that can be mutated independently.
func (d *Definition) Clone() *Definition {
	return &Definition{
		Kind: d.Kind,
		Name: d.Name,
		ID:   d.ID,
		stmt: sqlparser.CloneStatement(d.stmt),
	}
}

// IfNotExists reports whether the statement carries IF NOT EXISTS.
func (d *Definition) IfNotExists() bool {
	switch s := d.stmt.(type) {
	case *sqlparser.CreateDatabase:
		return s.IfNotExists
	case *sqlparser.CreateTable:
		return s.IfNotExists
	}
	return false
}

// SetIfNotExists toggles IF NOT EXISTS. Views have no such clause in MySQL and
// are left unchanged; callers check existence themselves.
func (d *Definition) SetIfNotExists(v bool) {
	switch s := d.stmt.(type) {
	case *sqlparser.CreateDatabase:
		s.IfNotExists = v
	case *sqlparser.CreateTable:
		s.IfNotExists = v
	}
}

// Engine returns the ENGINE table option, or "" when absent.
func (d *Definition) Engine() string {
	ct, ok := d.stmt.(*sqlparser.CreateTable)
	if !ok || ct.TableSpec == nil {
		return ""
	}
	for _, opt := range ct.TableSpec.Options {
		if strings.EqualFold(opt.Name, "engine") {
			return opt.String
		}
	}
	return ""
}

// SetEngine replaces (or adds) the ENGINE table option.
func (d *Definition) SetEngine(engine string) {
	ct, ok := d.stmt.(*sqlparser.CreateTable)
	if !ok || ct.TableSpec == nil {
		return
	}
	for _, opt := range ct.TableSpec.Options {
		if strings.EqualFold(opt.Name, "engine") {
			opt.String = engine
			return
		}
	}
	ct.TableSpec.Options = append(ct.TableSpec.Options, &sqlparser.TableOption{
		Name:          "ENGINE",
		String:        engine,
		CaseSensitive: true,
	})
}

// Partitioned reports whether a table definition carries PARTITION BY.
func (d *Definition) Partitioned() bool {
	ct, ok := d.stmt.(*sqlparser.CreateTable)
	return ok && ct.TableSpec != nil && ct.TableSpec.PartitionOption != nil
}

// Dependencies returns the tables referenced by the definition (view sources
// and foreign key targets), sorted and without duplicates.
func (d *Definition) Dependencies() []QualifiedName {
	local := boundNames(d.stmt)
	seen := make(map[QualifiedName]struct{})
	_ = sqlparser.Walk(func(node sqlparser.SQLNode) (bool, error) {
		switch n := node.(type) {
		case *sqlparser.ColName:
			// column qualifiers are aliases or table names already referenced in FROM
			return false, nil
		case sqlparser.TableName:
			if !isStoredTable(n, local) {
				return true, nil
			}
			name := d.qualify(n)
			if name != d.Name {
				seen[name] = struct{}{}
			}
		}
		return true, nil
	}, d.stmt)

	deps := make([]QualifiedName, 0, len(seen))
	for name := range seen {
		deps = append(deps, name)
	}
	sort.Slice(deps, func(i, j int) bool { return deps[i].Less(deps[j]) })
	return deps
}

// Rename rewrites the definition's own name and every table it references.
func (d *Definition) Rename(databaseFn func(string) string, tableFn func(QualifiedName) QualifiedName) {
	switch s := d.stmt.(type) {
	case *sqlparser.CreateDatabase:
		d.Name = QualifiedName{Database: databaseFn(d.Name.Database)}
		s.DBName = sqlparser.NewIdentifierCS(d.Name.Database)
		return
	}

	local := boundNames(d.stmt)
	d.stmt = sqlparser.Rewrite(d.stmt, func(cursor *sqlparser.Cursor) bool {
		tn, ok := cursor.Node().(sqlparser.TableName)
		if !ok || !isStoredTable(tn, local) {
			return true
		}
		if _, isColumn := cursor.Parent().(*sqlparser.ColName); isColumn {
			return true
		}
		cursor.Replace(d.tableName(tableFn(d.qualify(tn))))
		return true
	}, nil).(sqlparser.Statement)

	d.Name = tableFn(d.Name)
}

// boundNames returns the lower-cased names introduced by WITH clauses
// anywhere in stmt.
func boundNames(stmt sqlparser.Statement) map[string]struct{} {
	names := make(map[string]struct{})
	_ = sqlparser.Walk(func(node sqlparser.SQLNode) (bool, error) {
		if cte, ok := node.(*sqlparser.CommonTableExpr); ok {
			names[strings.ToLower(cte.ID.String())] = struct{}{}
		}
		return true, nil
	}, stmt)
	return names
}

// isStoredTable reports whether tn refers to a table or view in a database,
// as opposed to DUAL or a common table expression.
func isStoredTable(tn sqlparser.TableName, local map[string]struct{}) bool {
	if tn.Name.IsEmpty() {
		return false
	}
	if !tn.Qualifier.IsEmpty() {
		return true
	}
	name := strings.ToLower(tn.Name.String())
	if name == "dual" {
		return false
	}
	_, bound := local[name]
	return !bound
}

func (d *Definition) qualify(tn sqlparser.TableName) QualifiedName {
	if d.Kind == KindTemporaryTable && tn.Qualifier.IsEmpty() {
		return QualifiedName{Database: TemporaryDatabase, Table: tn.Name.String()}
	}
	db := tn.Qualifier.String()
	if db == "" {
		db = d.Name.Database
	}
	return QualifiedName{Database: db, Table: tn.Name.String()}
}

func (d *Definition) tableName(name QualifiedName) sqlparser.TableName {
	tn := sqlparser.TableName{Name: sqlparser.NewIdentifierCS(name.Table)}
	if !name.IsTemporary() {
		tn.Qualifier = sqlparser.NewIdentifierCS(name.Database)
	}
	return tn
}

// EqualRestored compares two definitions the way a restore does: object
// identifiers and IF NOT EXISTS are ignored.
func EqualRestored(existing, fromBackup *Definition) bool {
	a, b := existing.Clone(), fromBackup.Clone()
	a.SetIfNotExists(false)
	b.SetIfNotExists(false)
	return a.Text() == b.Text()
}

// EqualIgnoringEngine is EqualRestored with the ENGINE option disregarded.
func EqualIgnoringEngine(existing, fromBackup *Definition) bool {
	a, b := existing.Clone(), fromBackup.Clone()
	a.SetEngine("")
	b.SetEngine("")
	return EqualRestored(a, b)
}
