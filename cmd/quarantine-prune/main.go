// Command quarantine-prune removes stale quarantine blobs whose sidecar
// carries no explicit TTL, using a fallback age in hours.
//
// Usage:
//
//	quarantine-prune -root /data/quarantine -hours 24
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
	hours := flag.Int("hours", 24, "fallback TTL in hours for sidecars with no expiry recorded")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))

	if *root == "" {
		fmt.Fprintln(os.Stderr, "usage: quarantine-prune -root <dir> [-hours 24]")
		os.Exit(1)
	}

	store := quarantine.New(*root)
	n, err := store.PruneStale(context.Background(), *hours)
	if err != nil {
		logger.Error("quarantine-prune: failed", "error", err)
		os.Exit(1)
	}
	logger.Info("quarantine-prune: done", "removed", n)
}
