// Command cleanup-sweep runs one pass of the cleanup scheduler's release
// sweep, force-releasing any entry whose hold window has elapsed and
// removing its superseded media's blob directory from disk.
//
// Usage:
//
//	cleanup-sweep -db db/uploadguard.db -disk public=/data/public -disk private=/data/private
//
// Pass -trace to route all queries through the sqlite-trace driver
// (github.com/hazyhaar/uploadguard/trace), which logs statements through the
// default slog logger: at debug level normally (not shown by the default
// handler), at warn when slower than 100ms, at error when they fail. This
// command sets no trace store, so no statement is persisted.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/hazyhaar/uploadguard/cleanup"
	"github.com/hazyhaar/uploadguard/dbopen"
	"github.com/hazyhaar/uploadguard/media"
	"github.com/hazyhaar/uploadguard/pathlayout"
	"github.com/hazyhaar/uploadguard/storage"
	"github.com/hazyhaar/uploadguard/vtq"

	_ "github.com/hazyhaar/uploadguard/trace"
	_ "modernc.org/sqlite"
)

type diskFlags map[string]string

func (d diskFlags) String() string { return "" }

func (d diskFlags) Set(v string) error {
	name, root, ok := strings.Cut(v, "=")
	if !ok {
		return fmt.Errorf("expected name=path, got %q", v)
	}
	d[name] = root
	return nil
}

func main() {
	dbPath := flag.String("db", "", "path to the engine's SQLite database")
	trace := flag.Bool("trace", false, "open the database through the sqlite-trace driver")
	chunk := flag.Int("chunk", 100, "number of expired entries to release per invocation")
	disks := diskFlags{}
	flag.Var(disks, "disk", "disk=root mapping, repeatable")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))

	if *dbPath == "" || len(disks) == 0 {
		fmt.Fprintln(os.Stderr, "usage: cleanup-sweep -db <path> -disk name=root [-disk name=root ...] [-trace] [-chunk 100]")
		os.Exit(1)
	}

	opts := []dbopen.Option{dbopen.WithSchema(cleanup.Schema + media.Schema)}
	if *trace {
		opts = append(opts, dbopen.WithTrace())
	}
	db, err := dbopen.Open(*dbPath, opts...)
	if err != nil {
		logger.Error("cleanup-sweep: open db", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	ctx := context.Background()

	queue := vtq.New(db, vtq.Options{})
	if err := queue.EnsureTable(ctx); err != nil {
		logger.Error("cleanup-sweep: ensure queue table", "error", err)
		os.Exit(1)
	}

	backend := storage.NewLocal(disks)
	store := media.NewSQLiteStore(db, nil)

	resolve := func(ctx context.Context, mediaID string) (string, string, bool, error) {
		rec, err := store.Get(ctx, mediaID)
		if err != nil {
			return "", "", false, nil
		}
		return rec.Disk, pathlayout.BaseDirectory(rec.Path), true, nil
	}

	scheduler := cleanup.New(db, queue, backend, resolve, cleanup.Options{Logger: logger})

	released, err := scheduler.PurgeExpired(ctx, *chunk)
	if err != nil {
		logger.Error("cleanup-sweep: purge expired", "error", err)
		os.Exit(1)
	}
	logger.Info("cleanup-sweep: done", "released", released, "traced", *trace)
}
