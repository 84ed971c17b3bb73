package sqlengine

import (
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"boltscope"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"modernc.org/sqlite/vtab"
)

const moduleName = "boltscope"

// Cost estimates steer SQLite towards plans with key bounds.
const (
	fullScanCost    = 1e6
	boundedScanCost = 1e3
)

var (
	registerOnce sync.Once
	registerErr  error
)

// registerModule makes the module known to the driver. The driver keeps
// modules process wide, so it is registered once.
func registerModule(db *sql.DB) error {
	registerOnce.Do(func() {
		registerErr = errors.Wrap(vtab.RegisterModule(db, moduleName, module{}), "register sqlite module")
	})
	return registerErr
}

// registry maps the argument of CREATE VIRTUAL TABLE to its source.
type registry struct {
	sync.Map
	seq uint64
}

var sources registry

func (r *registry) add(src *source) string {
	token := fmt.Sprintf("t%d", atomic.AddUint64(&r.seq, 1))
	src.token = token
	r.Store(token, src)
	return token
}

func (r *registry) source(args []string) (*source, error) {
	// module name, database name, table name, then the arguments
	if len(args) != 4 {
		return nil, errors.Errorf("%s: expect one argument, got %d", moduleName, len(args)-3)
	}
	v, ok := r.Load(strings.TrimSpace(args[3]))
	if !ok {
		return nil, errors.Errorf("%s: unknown table source %q", moduleName, args[3])
	}
	return v.(*source), nil
}

type module struct{}

func (module) Create(ctx vtab.Context, args []string) (vtab.Table, error) {
	return connect(ctx, args)
}

func (module) Connect(ctx vtab.Context, args []string) (vtab.Table, error) {
	return connect(ctx, args)
}

func connect(ctx vtab.Context, args []string) (vtab.Table, error) {
	src, err := sources.source(args)
	if err != nil {
		return nil, err
	}
	if err := ctx.Declare(declareTable(src.schema)); err != nil {
		return nil, errors.Wrapf(err, "declare table %q", src.name)
	}
	return src, nil
}

// source is one registered provider. It is the virtual table.
type source struct {
	engine   *Engine
	token    string
	name     string
	provider boltscope.TableProvider
	req      boltscope.ScanRequest
	schema   *arrow.Schema
	// columns maps a table column to its provider column.
	columns []int
	// key is the table column keys are pushed down on, or -1.
	key int
}

var pushedOps = map[vtab.ConstraintOp]string{
	vtab.OpEQ: "=",
	vtab.OpGT: ">",
	vtab.OpGE: ">=",
	vtab.OpLT: "<",
	vtab.OpLE: "<=",
}

// BestIndex hands usable key comparisons to Filter, in argument order, as
// the comma separated idxStr. idxNum is the mask of the columns the query
// reads, or -1 when every column is needed.
func (s *source) BestIndex(info *vtab.IndexInfo) error {
	var ops []string
	if s.key >= 0 {
		for i, c := range info.Constraints {
			op, ok := pushedOps[c.Op]
			if !ok || !c.Usable || c.Column != s.key {
				continue
			}
			// SQLite still checks every row, so the bounds only need to
			// cover the matching keys.
			info.Constraints[i].ArgIndex = len(ops)
			ops = append(ops, op)
		}
	}
	info.IdxStr = strings.Join(ops, ",")
	info.IdxNum = columnMask(info.ColUsed, len(s.columns))
	info.EstimatedCost = fullScanCost
	if len(ops) > 0 {
		info.EstimatedCost = boundedScanCost
	}
	return nil
}

// columnMask keeps the used columns that fit an idxNum.
func columnMask(used uint64, n int) int64 {
	if n > 30 || used&(1<<63) != 0 {
		return -1
	}
	return int64(used & (1<<uint(n) - 1))
}

// request builds the scan request of a plan chosen by BestIndex.
func (s *source) request(idxNum int, idxStr string, vals []vtab.Value) (boltscope.ScanRequest, error) {
	req := s.req
	if idxNum >= 0 {
		req.Projection = nil
		for col := range s.columns {
			if idxNum&(1<<uint(col)) != 0 {
				req.Projection = append(req.Projection, s.columns[col])
			}
		}
		if req.Projection == nil {
			// count(*) and friends read no column at all
			req.Projection = []int{s.columns[0]}
		}
	}

	var ops []string
	if idxStr != "" {
		ops = strings.Split(idxStr, ",")
	}
	if len(ops) != len(vals) {
		return req, errors.Errorf("%d key constraints for %d values", len(ops), len(vals))
	}
	bound := req.Range()
	for i, op := range ops {
		// SQLite orders every blob above text and numbers, so only blob
		// comparisons narrow the byte ordered key range.
		v, ok := vals[i].([]byte)
		if !ok {
			continue
		}
		bound = bound.Intersect(boltscope.CompareRange(op, v))
	}
	return req.WithRange(bound), nil
}

func (s *source) Open() (vtab.Cursor, error) {
	return &cursor{src: s}, nil
}

func (s *source) Disconnect() error { return nil }

func (s *source) Destroy() error {
	sources.Delete(s.token)
	return nil
}

// cursor streams the rows of one scan.
type cursor struct {
	src    *source
	reader array.RecordReader
	rec    arrow.Record
	// cols maps a table column to its record column, or -1.
	cols  []int
	row   int
	rowid int64
	eof   bool
}

func (c *cursor) fail(err error) error {
	c.src.engine.fail(err)
	c.src.engine.log.WithError(err).WithField("table", c.src.name).Debug("scan failed")
	c.eof = true
	return err
}

func (c *cursor) Filter(idxNum int, idxStr string, vals []vtab.Value) error {
	c.release()
	req, err := c.src.request(idxNum, idxStr, vals)
	if err != nil {
		return c.fail(err)
	}
	reader, err := c.src.provider.Scan(c.src.engine.scanContext(), req)
	if err != nil {
		return c.fail(err)
	}
	c.reader = reader
	c.cols = recordColumns(c.src.columns, req.Projection)
	c.rowid = 0
	c.eof = false
	c.src.engine.log.WithFields(log.Fields{
		"table":      c.src.name,
		"projection": req.Projection,
		"lower":      fmt.Sprintf("%x", req.Lower),
		"upper":      fmt.Sprintf("%x", req.Upper),
	}).Debug("scan started")
	return c.advance()
}

// recordColumns maps table columns onto the columns of a projected record.
func recordColumns(columns, projection []int) []int {
	cols := make([]int, len(columns))
	for i, col := range columns {
		cols[i] = -1
		if projection == nil {
			cols[i] = col
			continue
		}
		for j, p := range projection {
			if p == col {
				cols[i] = j
				break
			}
		}
	}
	return cols
}

// advance moves to the first row of the next non-empty record.
func (c *cursor) advance() error {
	for c.reader.Next() {
		if rec := c.reader.Record(); rec.NumRows() > 0 {
			c.rec = rec
			c.row = 0
			return nil
		}
	}
	c.rec = nil
	c.eof = true
	if err := c.reader.Err(); err != nil {
		return c.fail(err)
	}
	return nil
}

func (c *cursor) Next() error {
	c.rowid++
	c.row++
	if int64(c.row) < c.rec.NumRows() {
		return nil
	}
	return c.advance()
}

func (c *cursor) Eof() bool { return c.eof }

func (c *cursor) Column(col int) (vtab.Value, error) {
	if c.rec == nil || col < 0 || col >= len(c.cols) || c.cols[col] < 0 {
		return nil, nil
	}
	return sqlValue(boltscope.ValueAt(c.rec.Column(c.cols[col]), c.row)), nil
}

func (c *cursor) Rowid() (int64, error) { return c.rowid, nil }

func (c *cursor) release() {
	if c.reader != nil {
		c.reader.Release()
		c.reader = nil
	}
	c.rec = nil
}

func (c *cursor) Close() error {
	c.release()
	return nil
}
