// Command quarantine-cleanup-sidecars removes quarantine sidecar files left
// behind by a blob whose write crashed before the sidecar could be written,
// or whose blob was removed without going through Accept/Reject.
//
// Usage:
//
//	quarantine-cleanup-sidecars -root /data/quarantine
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/hazyhaar/uploadguard/quarantine"
)

func main() {
	root := flag.String("root", "", "quarantine store root directory")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))

	if *root == "" {
		fmt.Fprintln(os.Stderr, "usage: quarantine-cleanup-sidecars -root <dir>")
		os.Exit(1)
	}

	store := quarantine.New(*root)
	n, err := store.CleanupOrphanedSidecars(context.Background())
	if err != nil {
		logger.Error("quarantine-cleanup-sidecars: failed", "error", err)
		os.Exit(1)
	}
	logger.Info("quarantine-cleanup-sidecars: done", "removed", n)
}
