package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/mysql"
	"github.com/doug-martin/goqu/v9/exp"
	"github.com/go-sql-driver/mysql"
	"github.com/maxpert/marmot-restore/coordination"
	"github.com/maxpert/marmot-restore/encoding"
	"github.com/maxpert/marmot-restore/schema"
	"github.com/rs/zerolog/log"
)

// MySQL error numbers the restore target cares about.
const (
	erBadDB       = 1049
	erNoSuchTable = 1146
)

// querier is satisfied by *sql.DB and *sql.Conn.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// MySQLConfig configures the MySQL restore target.
type MySQLConfig struct {
	DSN          string
	MaxOpenConns int
	// Shared is set when every restoring host writes to the same server, so
	// each object is created by one host only.
	Shared bool
}

// MySQLCatalog is a restore target backed by a MySQL server.
type MySQLCatalog struct {
	db      *sql.DB
	parser  *schema.Parser
	locks   *TableLockManager
	dialect goqu.DialectWrapper
	shared  bool

	// temporary tables live in one pinned session
	tempMu sync.Mutex
	temp   *sql.Conn
}

// OpenMySQL connects to the server described by config.
func OpenMySQL(ctx context.Context, config MySQLConfig, parser *schema.Parser, locks *TableLockManager) (*MySQLCatalog, error) {
	dsn, err := mysql.ParseDSN(config.DSN)
	if err != nil {
		return nil, fmt.Errorf("invalid mysql dsn: %w", err)
	}
	dsn.InterpolateParams = true

	conn, err := sql.Open("mysql", dsn.FormatDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open mysql connection: %w", err)
	}
	if config.MaxOpenConns > 0 {
		conn.SetMaxOpenConns(config.MaxOpenConns)
		conn.SetMaxIdleConns(config.MaxOpenConns)
	}
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping mysql at %s: %w", dsn.Addr, err)
	}

	log.Info().Str("addr", dsn.Addr).Bool("shared", config.Shared).Msg("Connected to MySQL restore target")
	return NewMySQLCatalog(conn, parser, locks, config.Shared), nil
}

// NewMySQLCatalog wraps an open connection pool.
func NewMySQLCatalog(conn *sql.DB, parser *schema.Parser, locks *TableLockManager, shared bool) *MySQLCatalog {
	return &MySQLCatalog{
		db:      conn,
		parser:  parser,
		locks:   locks,
		dialect: goqu.Dialect("mysql"),
		shared:  shared,
	}
}

// Close releases the pinned session and the pool.
func (c *MySQLCatalog) Close() error {
	c.tempMu.Lock()
	if c.temp != nil {
		c.temp.Close()
		c.temp = nil
	}
	c.tempMu.Unlock()
	return c.db.Close()
}

func (c *MySQLCatalog) tempSession(ctx context.Context) (querier, error) {
	c.tempMu.Lock()
	defer c.tempMu.Unlock()
	if c.temp == nil {
		conn, err := c.db.Conn(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to pin session for temporary tables: %w", err)
		}
		c.temp = conn
	}
	return c.temp, nil
}

func (c *MySQLCatalog) session(ctx context.Context, database string) (querier, error) {
	if database == schema.TemporaryDatabase {
		return c.tempSession(ctx)
	}
	return c.db, nil
}

func (c *MySQLCatalog) Database(ctx context.Context, name string) (Database, error) {
	if name != schema.TemporaryDatabase {
		exists, err := c.DatabaseExists(ctx, name)
		if err != nil {
			return nil, err
		}
		if !exists {
			return nil, fmt.Errorf("%w: %s", ErrUnknownDatabase, schema.QuoteIdent(name))
		}
	}
	return &mysqlDatabase{catalog: c, name: name}, nil
}

func (c *MySQLCatalog) DatabaseExists(ctx context.Context, name string) (bool, error) {
	if name == schema.TemporaryDatabase {
		return true, nil
	}
	query, args, err := c.dialect.
		From(goqu.S("information_schema").Table("SCHEMATA")).
		Select("SCHEMA_NAME").
		Where(goqu.C("SCHEMA_NAME").Eq(name)).
		Prepared(true).
		ToSQL()
	if err != nil {
		return false, err
	}

	var found string
	err = c.db.QueryRowContext(ctx, query, args...).Scan(&found)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to look up database %s: %w", name, err)
	}
	return true, nil
}

func (c *MySQLCatalog) CreateDatabase(ctx context.Context, def *schema.Definition) error {
	if _, err := c.db.ExecContext(ctx, def.Text()); err != nil {
		return translateError(err)
	}
	return nil
}

func (c *MySQLCatalog) Table(ctx context.Context, name schema.QualifiedName) (Storage, error) {
	if name.IsTemporary() {
		s := &mysqlStorage{catalog: c, name: name}
		if _, err := s.Definition(ctx); err != nil {
			return nil, err
		}
		return s, nil
	}

	query, args, err := c.dialect.
		From(goqu.S("information_schema").Table("TABLES")).
		Select("TABLE_TYPE", goqu.COALESCE(goqu.C("ENGINE"), "")).
		Where(goqu.C("TABLE_SCHEMA").Eq(name.Database), goqu.C("TABLE_NAME").Eq(name.Table)).
		Prepared(true).
		ToSQL()
	if err != nil {
		return nil, err
	}

	var tableType, engine string
	err = c.db.QueryRowContext(ctx, query, args...).Scan(&tableType, &engine)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTable, name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up %s: %w", name.Describe(), err)
	}
	return &mysqlStorage{catalog: c, name: name, view: tableType == "VIEW", engine: engine}, nil
}

func (c *MySQLCatalog) TableExists(ctx context.Context, name schema.QualifiedName) (bool, error) {
	_, err := c.Table(ctx, name)
	if errors.Is(err, ErrUnknownTable) || errors.Is(err, ErrUnknownDatabase) {
		return false, nil
	}
	return err == nil, err
}

func (c *MySQLCatalog) IsPredefinedDatabase(name string) bool {
	return IsPredefinedDatabase(name)
}

func (c *MySQLCatalog) IsPredefinedTable(name schema.QualifiedName) bool {
	return IsPredefinedTable(name)
}

// showCreate runs a SHOW CREATE statement and returns the definition column.
func showCreate(ctx context.Context, q querier, statement string) (string, error) {
	rows, err := q.QueryContext(ctx, statement)
	if err != nil {
		return "", translateError(err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return "", err
	}
	if len(columns) < 2 {
		return "", fmt.Errorf("unexpected result of %s", statement)
	}
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return "", err
		}
		return "", fmt.Errorf("empty result of %s", statement)
	}

	values := make([]sql.RawBytes, len(columns))
	dest := make([]interface{}, len(columns))
	for i := range values {
		dest[i] = &values[i]
	}
	if err := rows.Scan(dest...); err != nil {
		return "", err
	}
	return string(values[1]), rows.Err()
}

func translateError(err error) error {
	var myErr *mysql.MySQLError
	if !errors.As(err, &myErr) {
		return err
	}
	switch myErr.Number {
	case erBadDB:
		return fmt.Errorf("%w: %s", ErrUnknownDatabase, myErr.Message)
	case erNoSuchTable:
		return fmt.Errorf("%w: %s", ErrUnknownTable, myErr.Message)
	}
	return err
}

func quoteName(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

func quoteQualified(name schema.QualifiedName) string {
	if name.IsTemporary() {
		return quoteName(name.Table)
	}
	return quoteName(name.Database) + "." + quoteName(name.Table)
}

type mysqlDatabase struct {
	catalog *MySQLCatalog
	name    string
}

func (d *mysqlDatabase) Name() string {
	return d.name
}

func (d *mysqlDatabase) Definition(ctx context.Context) (*schema.Definition, error) {
	text, err := showCreate(ctx, d.catalog.db, "SHOW CREATE DATABASE "+quoteName(d.name))
	if err != nil {
		return nil, err
	}
	return d.catalog.parser.Parse(text, "")
}

func (d *mysqlDatabase) CreateTable(ctx context.Context, def *schema.Definition, coord coordination.Coordination, timeout time.Duration) error {
	q, err := d.catalog.session(ctx, d.name)
	if err != nil {
		return err
	}
	create := func(ctx context.Context) error {
		_, err := q.ExecContext(ctx, def.Text())
		return translateError(err)
	}

	if d.catalog.shared && !def.Name.IsTemporary() {
		return coord.CreateOnce(ctx, coordination.IdentifierKey(def), timeout, create)
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return create(ctx)
}

type mysqlStorage struct {
	catalog *MySQLCatalog
	name    schema.QualifiedName
	view    bool
	engine  string
}

func (s *mysqlStorage) Name() schema.QualifiedName {
	return s.name
}

func (s *mysqlStorage) Engine() string {
	return s.engine
}

func (s *mysqlStorage) Definition(ctx context.Context) (*schema.Definition, error) {
	q, err := s.catalog.session(ctx, s.name.Database)
	if err != nil {
		return nil, err
	}
	statement := "SHOW CREATE TABLE " + quoteQualified(s.name)
	if s.view {
		statement = "SHOW CREATE VIEW " + quoteQualified(s.name)
	}
	text, err := showCreate(ctx, q, statement)
	if err != nil {
		return nil, err
	}
	return s.catalog.parser.Parse(text, s.name.Database)
}

func (s *mysqlStorage) LockForShare(ctx context.Context, owner string) (*TableLock, error) {
	return s.catalog.locks.AcquireShared(ctx, s.name, owner)
}

func (s *mysqlStorage) SupportsPartitions() bool {
	def, err := s.Definition(context.Background())
	return err == nil && def.Partitioned()
}

func (s *mysqlStorage) table() exp.IdentifierExpression {
	if s.name.IsTemporary() {
		return goqu.T(s.name.Table)
	}
	return goqu.S(s.name.Database).Table(s.name.Table)
}

func (s *mysqlStorage) RestoreData(ctx context.Context, req DataRestore) error {
	if s.view {
		return nil
	}

	q, err := s.catalog.session(ctx, s.name.Database)
	if err != nil {
		return err
	}

	if req.HasData && !req.AllowNonEmpty {
		empty, err := s.isEmpty(ctx, q)
		if err != nil {
			return err
		}
		if !empty {
			return &TableNotEmptyError{Table: s.name}
		}
	}

	files, err := dataFiles(ctx, req)
	if err != nil {
		return err
	}

	tasks := make([]DataTask, 0, len(files))
	for _, file := range files {
		file := file
		tasks = append(tasks, func(ctx context.Context) error {
			return readDataFile(ctx, req.Backup, file, func(batch encoding.RowBatch) error {
				return s.insert(ctx, q, batch)
			})
		})
	}

	log.Debug().Str("table", s.name.String()).Int("files", len(files)).Msg("Scheduled data files for restore")
	return req.Tasks.AddAll(tasks)
}

func (s *mysqlStorage) isEmpty(ctx context.Context, q querier) (bool, error) {
	query, args, err := s.catalog.dialect.From(s.table()).Select(goqu.L("1")).Limit(1).Prepared(true).ToSQL()
	if err != nil {
		return false, err
	}
	var one int
	err = q.QueryRowContext(ctx, query, args...).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check whether %s is empty: %w", s.name.Describe(), translateError(err))
	}
	return false, nil
}

func (s *mysqlStorage) insert(ctx context.Context, q querier, batch encoding.RowBatch) error {
	if len(batch.Rows) == 0 {
		return nil
	}
	cols := make([]interface{}, len(batch.Columns))
	for i, c := range batch.Columns {
		cols[i] = c
	}
	query, args, err := s.catalog.dialect.
		Insert(s.table()).
		Cols(cols...).
		Vals(batch.Rows...).
		Prepared(true).
		ToSQL()
	if err != nil {
		return err
	}
	if _, err := q.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to insert %d rows into %s: %w", len(batch.Rows), s.name, translateError(err))
	}
	return nil
}

func (s *mysqlStorage) FinalizeRestore(ctx context.Context) error {
	if s.view || s.name.IsTemporary() {
		return nil
	}
	_, err := s.catalog.db.ExecContext(ctx, "ANALYZE TABLE "+quoteQualified(s.name))
	return translateError(err)
}
