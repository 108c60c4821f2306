// Package healthcheck implements the Health Check component: independent
// liveness probes for the quarantine disk, the AV binary, YARA rule
// integrity, the default media disk, and the shared job queue. Every probe
// runs in isolation — one failing probe never aborts the rest. When a
// HeartbeatWriter is configured, every run also writes a heartbeat row (the
// process's runtime metrics, not the probe results) so an external monitor
// can alert on staleness as well as on the direct result.
package healthcheck

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/hazyhaar/uploadguard/observability"
	"github.com/hazyhaar/uploadguard/scan"
	"github.com/hazyhaar/uploadguard/storage"
	"github.com/hazyhaar/uploadguard/vtq"
)

// Result is one probe's outcome.
type Result struct {
	OK     bool
	Detail string
}

// Checker runs every configured probe independently.
type Checker struct {
	QuarantineRoot string
	AVBinaryPath   string
	YaraRules      *scan.YaraScanner
	MediaBackend   storage.Backend
	MediaDisk      string
	Queue          *vtq.Q
	Heartbeat      *observability.HeartbeatWriter
}

// Run executes every probe and returns a name → Result map. No probe's
// failure prevents the others from running.
func (c *Checker) Run(ctx context.Context) map[string]Result {
	results := map[string]Result{
		"quarantine_disk": c.checkQuarantineDisk(ctx),
		"av_binary":       c.checkAVBinary(),
		"yara_rules":      c.checkYaraRules(),
		"media_disk":      c.checkMediaDisk(ctx),
		"queue":           c.checkQueue(ctx),
	}

	if c.Heartbeat != nil {
		if err := c.Heartbeat.WriteHeartbeat(); err != nil {
			results["heartbeat"] = Result{OK: false, Detail: err.Error()}
		}
	}
	return results
}

func (c *Checker) checkQuarantineDisk(ctx context.Context) Result {
	if c.QuarantineRoot == "" {
		return Result{OK: false, Detail: "quarantine root not configured"}
	}
	probe := filepath.Join(c.QuarantineRoot, ".healthcheck")
	if err := os.MkdirAll(c.QuarantineRoot, 0o755); err != nil {
		return Result{OK: false, Detail: fmt.Sprintf("mkdir: %v", err)}
	}
	if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
		return Result{OK: false, Detail: fmt.Sprintf("write: %v", err)}
	}
	defer os.Remove(probe)
	st, err := os.Stat(probe)
	if err != nil {
		return Result{OK: false, Detail: fmt.Sprintf("stat: %v", err)}
	}
	return Result{OK: true, Detail: fmt.Sprintf("writable, %s", humanize.Bytes(uint64(st.Size())))}
}

func (c *Checker) checkAVBinary() Result {
	if c.AVBinaryPath == "" {
		return Result{OK: false, Detail: "av binary path not configured"}
	}
	info, err := os.Stat(c.AVBinaryPath)
	if err != nil {
		return Result{OK: false, Detail: fmt.Sprintf("stat: %v", err)}
	}
	if info.Mode()&0o111 == 0 {
		return Result{OK: false, Detail: "binary is not executable"}
	}
	return Result{OK: true, Detail: "present and executable"}
}

func (c *Checker) checkYaraRules() Result {
	if c.YaraRules == nil {
		return Result{OK: false, Detail: "yara scanner not configured"}
	}
	if err := c.YaraRules.VerifyRulesIntegrity(); err != nil {
		return Result{OK: false, Detail: err.Error()}
	}
	return Result{OK: true, Detail: "rules hash matches expected"}
}

func (c *Checker) checkMediaDisk(ctx context.Context) Result {
	if c.MediaBackend == nil {
		return Result{OK: false, Detail: "media backend not configured"}
	}
	probePath := ".healthcheck/" + time.Now().UTC().Format("20060102T150405")
	n, err := c.MediaBackend.WriteStream(ctx, c.MediaDisk, probePath, strings.NewReader("ok"))
	if err != nil {
		return Result{OK: false, Detail: fmt.Sprintf("write: %v", err)}
	}
	if err := c.MediaBackend.DeleteIfExists(ctx, c.MediaDisk, probePath); err != nil {
		return Result{OK: false, Detail: fmt.Sprintf("delete: %v", err)}
	}
	return Result{OK: true, Detail: fmt.Sprintf("writable, %s", humanize.Bytes(uint64(n)))}
}

func (c *Checker) checkQueue(ctx context.Context) Result {
	if c.Queue == nil {
		return Result{OK: false, Detail: "queue not configured"}
	}
	n, err := c.Queue.Len(ctx)
	if err != nil {
		return Result{OK: false, Detail: fmt.Sprintf("size probe: %v", err)}
	}
	return Result{OK: true, Detail: fmt.Sprintf("%d jobs queued", n)}
}
