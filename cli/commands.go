package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"boltscope"
	"boltscope/sqlengine"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

type InfoCmd struct{}

func (c *InfoCmd) Run(g *Globals) error {
	db, err := g.open()
	if err != nil {
		return err
	}
	defer db.Close()

	info := db.Info()
	rows := [][]string{
		{"Page-Size", fmt.Sprint(info.PageSize)},
		{"Version", fmt.Sprint(info.Version)},
		{"Max-PGID", fmt.Sprint(info.MaxPgid)},
		{"Root-PGID", fmt.Sprint(info.RootPgid)},
		{"Root-Sequence", fmt.Sprint(info.RootSequence)},
		{"Freelist-PGID", fmt.Sprint(info.FreelistPgid)},
		{"TXID", fmt.Sprint(info.Txid)},
		{"Meta-PGID", fmt.Sprint(info.MetaPgid)},
		{"File-Size", fmt.Sprint(info.FileSize)},
	}
	if err0, err1 := db.MetaErrors(); err0 != nil || err1 != nil {
		for i, err := range []error{err0, err1} {
			if err != nil {
				rows = append(rows, []string{fmt.Sprintf("Meta-%d-Error", i), err.Error()})
			}
		}
	}
	return render(g, info, []string{"NAME", "VALUE"}, rows)
}

type BucketsCmd struct {
	Bucket string `arg:"" optional:"" help:"Start below this bucket path (names joined with /)."`
}

type bucketRow struct {
	Path     string `json:"path"`
	Depth    int    `json:"depth"`
	PageID   uint64 `json:"page_id"`
	Inline   bool   `json:"inline"`
	Sequence uint64 `json:"sequence"`
}

func (c *BucketsCmd) Run(g *Globals) error {
	db, err := g.open()
	if err != nil {
		return err
	}
	defer db.Close()

	start, err := db.Bucket(boltscope.SplitPath(c.Bucket)...)
	if err != nil {
		return err
	}
	var (
		list []bucketRow
		rows [][]string
	)
	err = start.Walk(func(b *boltscope.Bucket, depth int) error {
		list = append(list, bucketRow{
			Path:     boltscope.JoinPath(b.Path()),
			Depth:    depth,
			PageID:   uint64(b.Root()),
			Inline:   b.Inline(),
			Sequence: b.Sequence(),
		})
		rows = append(rows, []string{
			strings.Repeat("  ", depth-1) + text(b.Name()),
			fmt.Sprint(b.Root()),
			strconv.FormatBool(b.Inline()),
			fmt.Sprint(b.Sequence()),
		})
		return nil
	})
	if err != nil {
		return err
	}
	return render(g, list, []string{"NAME", "PAGE-ID", "INLINE", "SEQUENCE"}, rows)
}

type StatsCmd struct {
	Bucket string `arg:"" optional:"" help:"Bucket path (names joined with /); the root bucket by default."`
}

func (c *StatsCmd) Run(g *Globals) error {
	db, err := g.open()
	if err != nil {
		return err
	}
	defer db.Close()

	b, err := db.Bucket(boltscope.SplitPath(c.Bucket)...)
	if err != nil {
		return err
	}
	s, err := b.Stats()
	if err != nil {
		return err
	}
	rows := [][]string{
		{"Keys", fmt.Sprint(s.KeyN)},
		{"Buckets", fmt.Sprint(s.BucketN)},
		{"Inline-Buckets", fmt.Sprint(s.InlineBucketN)},
		{"Depth", fmt.Sprint(s.Depth)},
		{"Branch-Pages", fmt.Sprint(s.BranchPageN)},
		{"Leaf-Pages", fmt.Sprint(s.LeafPageN)},
		{"Overflow-Pages", fmt.Sprint(s.OverflowPageN)},
		{"Branch-Inuse", fmt.Sprint(s.BranchInuse)},
		{"Leaf-Inuse", fmt.Sprint(s.LeafInuse)},
		{"Inline-Inuse", fmt.Sprint(s.InlineInuse)},
	}
	return render(g, s, []string{"NAME", "VALUE"}, rows)
}

type FreelistCmd struct {
	IDs bool `name:"ids" help:"List the free page ids."`
}

func (c *FreelistCmd) Run(g *Globals) error {
	db, err := g.open()
	if err != nil {
		return err
	}
	defer db.Close()

	if c.IDs {
		ids, err := db.Freelist()
		if err != nil {
			return err
		}
		rows := make([][]string, len(ids))
		for i, id := range ids {
			rows[i] = []string{fmt.Sprint(id)}
		}
		return render(g, ids, []string{"PAGE-ID"}, rows)
	}
	s, err := db.FreelistSummary()
	if err != nil {
		return err
	}
	rows := [][]string{
		{"Persisted", strconv.FormatBool(s.Persisted)},
		{"Page", fmt.Sprint(s.Page)},
		{"Count", fmt.Sprint(s.Count)},
		{"Bytes", fmt.Sprint(s.Bytes)},
		{"Encoding", s.Encoding},
	}
	return render(g, s, []string{"NAME", "VALUE"}, rows)
}

type KvsCmd struct {
	List KvsListCmd `cmd:"" help:"List key/value pairs."`
	Get  KvsGetCmd  `cmd:"" help:"Look up one key."`
}

// ValueFlags are shared by the commands that print values.
type ValueFlags struct {
	Decode string `name:"decode" help:"Decompress values with this codec (none, snappy, lz4, xz, zstd)." default:"none"`
}

type KvsListCmd struct {
	ValueFlags
	Bucket string `arg:"" optional:"" help:"Bucket path (names joined with /); every bucket by default."`
	Filter string `name:"filter" short:"f" help:"Key filter, e.g. 'key >= \"a\" and key < \"m\"'."`
	Limit  int    `name:"limit" short:"n" help:"Maximum number of pairs."`
}

type kvRow struct {
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
	Value  string `json:"value"`
}

func (c *KvsListCmd) Run(g *Globals) error {
	db, err := g.open()
	if err != nil {
		return err
	}
	defer db.Close()

	decode, err := boltscope.LookupCodec(c.Decode)
	if err != nil {
		return err
	}
	req := boltscope.ScanRequest{Limit: c.Limit, Decode: decode}
	if c.Filter != "" {
		kr, err := boltscope.ParseKeyRange(c.Filter)
		if err != nil {
			return err
		}
		req = req.WithRange(kr)
	}

	var table boltscope.TableProvider = &boltscope.FileTable{DB: db}
	if c.Bucket != "" {
		b, err := db.Bucket(boltscope.SplitPath(c.Bucket)...)
		if err != nil {
			return err
		}
		table = &boltscope.BucketTable{Bucket: b}
	}
	reader, err := table.Scan(context.Background(), req)
	if err != nil {
		return err
	}
	defer reader.Release()

	var (
		list []kvRow
		rows [][]string
	)
	for reader.Next() {
		rec := reader.Record()
		for i := 0; i < int(rec.NumRows()); i++ {
			r := boltscope.RowAt(rec, i)
			row := kvRow{Bucket: r[0].(string), Key: text(r[1].([]byte)), Value: text(r[2].([]byte))}
			list = append(list, row)
			rows = append(rows, []string{row.Bucket, row.Key, row.Value})
		}
	}
	if err := reader.Err(); err != nil {
		return err
	}
	return render(g, list, []string{"BUCKET", "KEY", "VALUE"}, rows)
}

type KvsGetCmd struct {
	ValueFlags
	Bucket string `arg:"" help:"Bucket path (names joined with /)."`
	Key    string `arg:"" help:"Key to look up."`
	Hex    bool   `name:"hex" help:"The key is hex encoded."`
}

func (c *KvsGetCmd) Run(g *Globals) error {
	db, err := g.open()
	if err != nil {
		return err
	}
	defer db.Close()

	decode, err := boltscope.LookupCodec(c.Decode)
	if err != nil {
		return err
	}
	key := []byte(c.Key)
	if c.Hex {
		if key, err = hex.DecodeString(c.Key); err != nil {
			return errors.Wrap(err, "decode hex key")
		}
	}
	path := boltscope.SplitPath(c.Bucket)
	value, found, err := db.Get(path, key)
	if err != nil {
		return err
	}
	if !found {
		return errors.WithStack(&boltscope.NotFoundError{Path: path, Key: key})
	}
	if value, err = decode(value); err != nil {
		return errors.Wrap(err, "decode value")
	}
	row := kvRow{Bucket: c.Bucket, Key: text(key), Value: text(value)}
	return render(g, row, []string{"KEY", "VALUE"}, [][]string{{row.Key, row.Value}})
}

type PagesCmd struct {
	List        PagesListCmd        `cmd:"" default:"1" help:"List the reachable pages."`
	Unreachable PagesUnreachableCmd `cmd:"" help:"List pages that are neither reachable nor free."`
	Digest      PagesDigestCmd      `cmd:"" help:"Print the BLAKE3 digest of pages."`
}

type PagesListCmd struct{}

func (c *PagesListCmd) Run(g *Globals) error {
	db, err := g.open()
	if err != nil {
		return err
	}
	defer db.Close()

	var pages []boltscope.PageInfo
	it := db.Pages()
	for info, ok := it.Next(); ok; info, ok = it.Next() {
		pages = append(pages, info)
	}
	if err := it.Err(); err != nil {
		return err
	}
	sort.Slice(pages, func(i, j int) bool { return pages[i].ID < pages[j].ID })

	rows := make([][]string, len(pages))
	for i, p := range pages {
		parent := "-"
		if p.HasParent {
			parent = fmt.Sprint(p.ParentID)
		}
		rows[i] = []string{
			fmt.Sprint(p.ID), p.Type, fmt.Sprint(p.Count), fmt.Sprint(p.Overflow),
			fmt.Sprint(p.Capacity), fmt.Sprint(p.Used), parent,
		}
	}
	return render(g, pages, []string{"PAGE-ID", "TYPE", "COUNT", "OVERFLOW", "CAPACITY", "USED", "PARENT-PAGE-ID"}, rows)
}

type PagesUnreachableCmd struct {
	Workers int `name:"workers" short:"w" help:"Number of goroutines; one per CPU by default."`
}

func (c *PagesUnreachableCmd) Run(g *Globals) error {
	db, err := g.open()
	if err != nil {
		return err
	}
	defer db.Close()

	ids, err := db.UnreachablePages(c.Workers)
	if err != nil {
		return err
	}
	if g.Output == "json" {
		return printJSON(ids)
	}
	if len(ids) == 0 {
		fmt.Println("No unreachable pages found.")
		return nil
	}
	rows := make([][]string, len(ids))
	for i, id := range ids {
		rows[i] = []string{fmt.Sprint(id)}
	}
	return printTable([]string{"PAGE-ID"}, rows)
}

type PagesDigestCmd struct {
	IDs []uint64 `arg:"" help:"Page ids."`
}

func (c *PagesDigestCmd) Run(g *Globals) error {
	db, err := g.open()
	if err != nil {
		return err
	}
	defer db.Close()

	digests := map[uint64]string{}
	rows := make([][]string, len(c.IDs))
	for i, id := range c.IDs {
		sum, err := db.PageDigest(boltscope.PageID(id))
		if err != nil {
			return err
		}
		digests[id] = hex.EncodeToString(sum[:])
		rows[i] = []string{fmt.Sprint(id), digests[id]}
	}
	return render(g, digests, []string{"PAGE-ID", "BLAKE3"}, rows)
}

type QueryCmd struct {
	ValueFlags
	SQL       string `arg:"" help:"SQL statement over the buckets, pages and kvs tables."`
	Bucket    string `name:"bucket" short:"b" help:"Load kvs from this bucket only (names joined with /)."`
	Filter    string `name:"filter" short:"f" help:"Key filter applied to every kvs scan, on top of the key comparisons pushed down from the SQL."`
	BatchSize int    `name:"batch-size" help:"Rows per record batch." default:"1024"`
	Parallel  int    `name:"parallel" short:"p" help:"Split the kvs bucket scan across this many workers." default:"1"`
}

func (c *QueryCmd) Run(g *Globals) error {
	db, err := g.open()
	if err != nil {
		return err
	}
	defer db.Close()

	decode, err := boltscope.LookupCodec(c.Decode)
	if err != nil {
		return err
	}
	req := boltscope.ScanRequest{BatchSize: c.BatchSize, Decode: decode}
	if c.Filter != "" {
		kr, err := boltscope.ParseKeyRange(c.Filter)
		if err != nil {
			return err
		}
		req = req.WithRange(kr)
	}

	ctx := context.Background()
	engine, err := sqlengine.New(ctx, sqlengine.WithLogger(log.StandardLogger()))
	if err != nil {
		return err
	}
	defer engine.Close()

	meta := boltscope.ScanRequest{BatchSize: c.BatchSize}
	if err := engine.Register(ctx, "buckets", &boltscope.BucketsTable{DB: db}, meta); err != nil {
		return err
	}
	if err := engine.Register(ctx, "pages", &boltscope.PagesTable{DB: db}, meta); err != nil {
		return err
	}
	if c.Bucket == "" {
		if err := engine.Register(ctx, "kvs", &boltscope.FileTable{DB: db}, req); err != nil {
			return err
		}
	} else {
		b, err := db.Bucket(boltscope.SplitPath(c.Bucket)...)
		if err != nil {
			return err
		}
		parts, err := boltscope.BucketPartitions(b, c.Parallel, req)
		if err != nil {
			return err
		}
		if len(parts) == 0 {
			// The filter excludes every key.
			parts = []boltscope.Partition{{Table: &boltscope.BucketTable{Bucket: b}, Request: req}}
		}
		if err := engine.RegisterPartitions(ctx, "kvs", parts, c.Parallel); err != nil {
			return err
		}
	}

	res, err := engine.Query(ctx, c.SQL)
	if err != nil {
		return err
	}
	rows := make([][]string, len(res.Rows))
	list := make([]map[string]string, len(res.Rows))
	for i, r := range res.Rows {
		rows[i] = make([]string, len(r))
		list[i] = map[string]string{}
		for j, v := range r {
			rows[i][j] = cell(v)
			list[i][res.Columns[j]] = rows[i][j]
		}
	}
	return render(g, list, res.Columns, rows)
}
