package main

import (
	"fmt"
	"os"

	"boltscope"

	"github.com/alecthomas/kong"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Globals are the flags shared by every command. Defaults may come from a
// YAML config file.
type Globals struct {
	Config   kong.ConfigFlag `name:"config" help:"Load flag defaults from a YAML file." type:"path"`
	DB       string          `name:"db" help:"Path to the database file." type:"existingfile" required:""`
	PageSize int             `name:"page-size" help:"Override the page size declared in the meta pages."`
	Buffered bool            `name:"buffered" help:"Read the file into memory instead of mapping it."`
	Lock     bool            `name:"lock" help:"Hold a shared lock on the file while reading."`
	Output   string          `name:"output" short:"o" help:"Output format (${enum})." enum:"table,json" default:"table"`
	LogLevel string          `name:"log-level" help:"Log level (${enum})." enum:"debug,info,warn,error" default:"warn"`
	LogJSON  bool            `name:"log-json" help:"Log in JSON format."`
}

func (g *Globals) open() (*boltscope.DB, error) {
	return boltscope.Open(g.DB, &boltscope.Options{
		PageSize: g.PageSize,
		Buffered: g.Buffered,
		Lock:     g.Lock,
		Logger:   log.StandardLogger(),
	})
}

var cli struct {
	Globals

	Info     InfoCmd     `cmd:"" help:"Show the authoritative meta page."`
	Buckets  BucketsCmd  `cmd:"" help:"Show the bucket hierarchy."`
	Stats    StatsCmd    `cmd:"" help:"Show page and element statistics of a bucket."`
	Freelist FreelistCmd `cmd:"" help:"Summarize the free pages."`
	Kvs      KvsCmd      `cmd:"" help:"Key/value operations."`
	Pages    PagesCmd    `cmd:"" help:"Page diagnostics."`
	Query    QueryCmd    `cmd:"" help:"Run SQL over the buckets, pages and kvs tables."`
}

func main() {
	ctx := kong.Parse(&cli,
		kong.Name("boltscope"),
		kong.Description("Read-only inspector for bolt database files"),
		kong.UsageOnError(),
		kong.Configuration(loadYAML, "~/.boltscope.yaml"),
	)
	configureLogging(&cli.Globals)
	err := ctx.Run(&cli.Globals)
	if err != nil {
		fmt.Fprintf(os.Stderr, "boltscope: %v\n", err)
	}
	os.Exit(exitCode(err))
}

func configureLogging(g *Globals) {
	if g.LogJSON {
		log.SetFormatter(&log.JSONFormatter{})
	}
	level, err := log.ParseLevel(g.LogLevel)
	if err != nil {
		level = log.WarnLevel
	}
	log.SetLevel(level)
	log.SetOutput(os.Stderr)
}

// exitCode maps error kinds to distinct exit statuses.
func exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case boltscope.IsNotFound(err):
		return 2
	case errors.Is(err, boltscope.ErrCorrupted):
		return 3
	case errors.Is(err, boltscope.ErrFormat):
		return 4
	case errors.Is(err, boltscope.ErrBounds):
		return 5
	}
	return 1
}
