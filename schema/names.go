package schema

import (
	"strings"

	"vitess.io/vitess/go/vt/sqlparser"
)

// TemporaryDatabase is the pseudo database holding temporary tables.
const TemporaryDatabase = "_temporary_and_external_tables"

// QualifiedName identifies a table (or a database when Table is empty).
type QualifiedName struct {
	Database string
	Table    string
}

// IsTemporary reports whether the name refers to a temporary table.
func (q QualifiedName) IsTemporary() bool {
	return q.Database == TemporaryDatabase
}

// String formats the name with backquotes only where needed.
func (q QualifiedName) String() string {
	if q.Table == "" {
		return QuoteIdent(q.Database)
	}
	if q.IsTemporary() || q.Database == "" {
		return QuoteIdent(q.Table)
	}
	return QuoteIdent(q.Database) + "." + QuoteIdent(q.Table)
}

// Describe returns "table db.t" or "temporary table t" for messages.
func (q QualifiedName) Describe() string {
	if q.IsTemporary() {
		return "temporary table " + q.String()
	}
	return "table " + q.String()
}

// Less orders names by database then table.
func (q QualifiedName) Less(other QualifiedName) bool {
	if q.Database != other.Database {
		return q.Database < other.Database
	}
	return q.Table < other.Table
}

// QuoteIdent backquotes an identifier if it is a keyword or contains special characters.
func QuoteIdent(name string) string {
	return sqlparser.String(sqlparser.NewIdentifierCS(name))
}

// ParseQualifiedName splits "db.table" into its parts. A name without a dot is
// resolved against defaultDatabase.
func ParseQualifiedName(s, defaultDatabase string) QualifiedName {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '.'); i > 0 {
		return QualifiedName{Database: unquote(s[:i]), Table: unquote(s[i+1:])}
	}
	return QualifiedName{Database: defaultDatabase, Table: unquote(s)}
}

func unquote(s string) string {
	if len(s) >= 2 && s[0] == '`' && s[len(s)-1] == '`' {
		return strings.ReplaceAll(s[1:len(s)-1], "``", "`")
	}
	return s
}
