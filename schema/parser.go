package schema

import (
	"fmt"
	"strings"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"
	"vitess.io/vitess/go/vt/sqlparser"
)

// DefaultCacheSize is the number of parsed statements kept by a Parser.
const DefaultCacheSize = 1024

// Parser turns CREATE statements read from a backup or from the target into
// Definitions. Parsed statements are cached by XXH64 of their text and cloned
// on every hit, so callers may mutate what they get back.
type Parser struct {
	parser *sqlparser.Parser
	cache  *lru.Cache[uint64, sqlparser.Statement]
}

// NewParser creates a parser with an LRU cache of the given size.
func NewParser(cacheSize int) (*Parser, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}

	p, err := sqlparser.New(sqlparser.Options{})
	if err != nil {
		return nil, err
	}

	cache, err := lru.New[uint64, sqlparser.Statement](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create definition cache: %w", err)
	}

	return &Parser{parser: p, cache: cache}, nil
}

// Parse parses a CREATE DATABASE/TABLE/VIEW statement. Unqualified table names
// are resolved against defaultDatabase.
func (p *Parser) Parse(text string, defaultDatabase string) (*Definition, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("empty definition")
	}

	stmt, err := p.parseCached(text)
	if err != nil {
		return nil, err
	}

	def := &Definition{stmt: stmt}
	switch s := stmt.(type) {
	case *sqlparser.CreateDatabase:
		def.Kind = KindDatabase
		def.Name = QualifiedName{Database: s.DBName.String()}
		return def, nil

	case *sqlparser.CreateTable:
		if s.Temp {
			def.Kind = KindTemporaryTable
			def.Name = QualifiedName{Database: TemporaryDatabase, Table: s.Table.Name.String()}
			s.Table.Qualifier = sqlparser.NewIdentifierCS("")
		} else {
			def.Kind = KindTable
			def.Name = qualifiedOrDefault(s.Table, defaultDatabase)
			s.Table.Qualifier = sqlparser.NewIdentifierCS(def.Name.Database)
		}
		stripVolatileOptions(s)

	case *sqlparser.CreateView:
		def.Kind = KindView
		def.Name = qualifiedOrDefault(s.ViewName, defaultDatabase)
		s.ViewName.Qualifier = sqlparser.NewIdentifierCS(def.Name.Database)

	default:
		return nil, fmt.Errorf("unsupported definition statement %T", stmt)
	}

	if def.Name.Database == "" {
		return nil, fmt.Errorf("definition of %s has no database", def.Name.Table)
	}

	// Qualify every referenced table so the canonical text does not depend on
	// the session's current database.
	def.Rename(identity, func(q QualifiedName) QualifiedName { return q })
	return def, nil
}

func (p *Parser) parseCached(text string) (sqlparser.Statement, error) {
	key := xxhash.Sum64String(text)
	if cached, ok := p.cache.Get(key); ok {
		return sqlparser.CloneStatement(cached), nil
	}

	stmt, err := p.parser.Parse(text)
	if err != nil {
		return nil, fmt.Errorf("failed to parse definition: %w", err)
	}

	p.cache.Add(key, sqlparser.CloneStatement(stmt))
	return stmt, nil
}

func qualifiedOrDefault(tn sqlparser.TableName, defaultDatabase string) QualifiedName {
	db := tn.Qualifier.String()
	if db == "" {
		db = defaultDatabase
	}
	return QualifiedName{Database: db, Table: tn.Name.String()}
}

// stripVolatileOptions drops table options that change without the structure
// changing, so SHOW CREATE TABLE output compares equal to the backup.
func stripVolatileOptions(ct *sqlparser.CreateTable) {
	if ct.TableSpec == nil {
		return
	}
	kept := ct.TableSpec.Options[:0]
	for _, opt := range ct.TableSpec.Options {
		if strings.EqualFold(opt.Name, "auto_increment") {
			continue
		}
		kept = append(kept, opt)
	}
	ct.TableSpec.Options = kept
}

func identity(s string) string { return s }
