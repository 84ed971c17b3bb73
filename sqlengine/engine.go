// Package sqlengine runs SQL over boltscope table providers. Every provider
// is a SQLite virtual table: queries stream record batches from the
// provider, and key comparisons and column usage are pushed down into its
// scan request.
package sqlengine

import (
	"context"
	"database/sql"
	"strings"
	"sync"

	"boltscope"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	_ "modernc.org/sqlite" // pure Go SQLite driver
)

const driverName = "sqlite"

type Engine struct {
	ctx    context.Context
	db     *sql.DB
	log    log.FieldLogger
	tables map[string]*arrow.Schema
	tokens []string

	mu      sync.Mutex
	running context.Context
	scanErr error
}

type Option func(*Engine)

// WithLogger sets the logger; the default is the logrus standard logger.
func WithLogger(l log.FieldLogger) Option {
	return func(e *Engine) { e.log = l }
}

// Result holds the column names and rows of a query.
type Result struct {
	Columns []string
	Rows    [][]interface{}
}

// New opens an empty in-memory engine. Scans started by its queries run
// under ctx.
func New(ctx context.Context, opts ...Option) (*Engine, error) {
	e := &Engine{ctx: ctx, log: log.StandardLogger(), tables: map[string]*arrow.Schema{}}
	for _, opt := range opts {
		opt(e)
	}
	db, err := sql.Open(driverName, ":memory:")
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	// Modules are installed on connections opened after registration.
	if err := registerModule(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	// Every connection to :memory: is a separate database.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "ping sqlite")
	}
	e.db = db
	return e, nil
}

// Close releases the in-memory database and forgets the registered tables.
func (e *Engine) Close() error {
	err := e.db.Close()
	for _, token := range e.tokens {
		sources.Delete(token)
	}
	e.tokens = nil
	return err
}

// Tables returns the schemas of the registered tables by name.
func (e *Engine) Tables() map[string]*arrow.Schema {
	tables := make(map[string]*arrow.Schema, len(e.tables))
	for name, s := range e.tables {
		tables[name] = s
	}
	return tables
}

// Register exposes provider as table name. Nothing is read until a query
// touches the table. req is the base of every scan: its projection fixes
// the columns of the table, its key bounds narrow every scan, and its
// decoder and batch size apply as given.
func (e *Engine) Register(ctx context.Context, name string, provider boltscope.TableProvider, req boltscope.ScanRequest) error {
	if _, ok := e.tables[name]; ok {
		return errors.Errorf("table %q already registered", name)
	}
	schema, err := boltscope.ProjectSchema(provider.Schema(), req.Projection)
	if err != nil {
		return err
	}
	columns := req.Projection
	if columns == nil {
		columns = make([]int, schema.NumFields())
		for i := range columns {
			columns[i] = i
		}
	}
	src := &source{
		engine:   e,
		name:     name,
		provider: provider,
		req:      req,
		schema:   schema,
		columns:  columns,
		key:      -1,
	}
	if idx := schema.FieldIndices("key"); len(idx) == 1 && schema.Field(idx[0]).Type.ID() == arrow.BINARY {
		src.key = idx[0]
	}

	token := sources.add(src)
	stmt := "CREATE VIRTUAL TABLE " + quoteIdent(name) + " USING " + moduleName + "(" + token + ")"
	if _, err := e.db.ExecContext(ctx, stmt); err != nil {
		sources.Delete(token)
		return errors.Wrapf(err, "create table %q", name)
	}
	e.tokens = append(e.tokens, token)
	e.tables[name] = schema
	e.log.WithFields(log.Fields{"table": name, "columns": schema.NumFields()}).Debug("table registered")
	return nil
}

// RegisterPartitions exposes the partitions of one table as table name.
// Scans read the partitions with up to workers goroutines and keep
// partition order.
func (e *Engine) RegisterPartitions(ctx context.Context, name string, parts []boltscope.Partition, workers int) error {
	if len(parts) == 0 {
		return errors.Errorf("table %q has no partitions", name)
	}
	return e.Register(ctx, name, &boltscope.PartitionedTable{Partitions: parts, Workers: workers}, boltscope.ScanRequest{})
}

// fail remembers the first scan error of a query. SQLite reports a failed
// virtual table step without its cause.
func (e *Engine) fail(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.scanErr == nil {
		e.scanErr = err
	}
}

// scanContext is the context of the running query.
func (e *Engine) scanContext() context.Context {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running != nil {
		return e.running
	}
	return e.ctx
}

func (e *Engine) takeScanErr() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	err := e.scanErr
	e.scanErr = nil
	return err
}

// Query runs a statement over the registered tables. A query that fails
// inside a table scan returns the scan error.
func (e *Engine) Query(ctx context.Context, query string, args ...interface{}) (*Result, error) {
	e.takeScanErr()
	e.mu.Lock()
	e.running = ctx
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.running = nil
		e.mu.Unlock()
	}()

	res, err := e.query(ctx, query, args...)
	if scanErr := e.takeScanErr(); scanErr != nil {
		return nil, scanErr
	}
	return res, err
}

func (e *Engine) query(ctx context.Context, query string, args ...interface{}) (*Result, error) {
	rows, err := e.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "query")
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	res := &Result{Columns: cols}
	for rows.Next() {
		values := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, errors.WithStack(err)
		}
		res.Rows = append(res.Rows, values)
	}
	return res, errors.WithStack(rows.Err())
}

func sqlType(t arrow.DataType) string {
	switch t.ID() {
	case arrow.STRING:
		return "TEXT"
	case arrow.UINT64, arrow.BOOL:
		return "INTEGER"
	}
	return "BLOB"
}

// sqlValue converts a batch value to a SQLite value. SQLite integers are
// signed 64 bit.
func sqlValue(v interface{}) interface{} {
	if u, ok := v.(uint64); ok {
		return int64(u)
	}
	return v
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// declareTable is the statement a virtual table declares its columns with.
func declareTable(schema *arrow.Schema) string {
	cols := make([]string, schema.NumFields())
	for i, f := range schema.Fields() {
		cols[i] = quoteIdent(f.Name) + " " + sqlType(f.Type)
	}
	return "CREATE TABLE x (" + strings.Join(cols, ", ") + ")"
}
