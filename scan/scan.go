// Package scan implements the Scan Coordinator: runs the configured
// antivirus and YARA scanners over a quarantined file and turns their
// verdicts into the ordered fatal/advisory decision spec'd per profile
// scan mode.
package scan

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/uploadguard/connectivity"
	"github.com/hazyhaar/uploadguard/profile"
	"github.com/hazyhaar/uploadguard/uploaderr"
)

// Verdict is one scanner's result for a single file.
type Verdict struct {
	Clean      bool
	Signatures []string
}

// Scanner is implemented by ClamAVScanner and YaraScanner.
type Scanner interface {
	Name() string
	Scan(ctx context.Context, path string) (Verdict, error)
}

// Required marks whether a scanner's failure (as opposed to a positive
// detection, which is always fatal) blocks the upload or is merely logged.
type Required bool

const (
	Mandatory Required = true
	Advisory  Required = false
)

// Entry pairs a scanner with whether its own failure-to-run is fatal.
type Entry struct {
	Scanner  Scanner
	Required Required
}

// Coordinator runs a fixed list of scanners, wrapped in a per-call timeout
// and retry, in the order configured.
type Coordinator struct {
	Entries      []Entry
	CallTimeout  time.Duration
	MaxRetries   int
	RetryBackoff time.Duration
	Logger       *slog.Logger
}

// NewCoordinator builds a Coordinator with the teacher's default timeout/
// retry posture: one retry after a short backoff, bounded by a 30s call cap.
func NewCoordinator(entries []Entry, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		Entries:      entries,
		CallTimeout:  30 * time.Second,
		MaxRetries:   1,
		RetryBackoff: 500 * time.Millisecond,
		Logger:       logger,
	}
}

// Run executes every configured scanner against path in order, per spec
// §4.E. Under a disabled scan mode it returns nil without calling any
// scanner. A positive detection from any scanner is always fatal. A scanner
// that errors out (can't run at all) is fatal when its Entry.Required is
// Mandatory or when mode is ScanRequired; otherwise it's logged and skipped.
func (co *Coordinator) Run(ctx context.Context, mode profile.ScanMode, path string) error {
	if mode == profile.ScanDisabled {
		return nil
	}

	for _, entry := range co.Entries {
		verdict, err := co.call(ctx, entry.Scanner, path)
		if err != nil {
			failed, ok := err.(*uploaderr.ScanFailed)
			if !ok {
				return fmt.Errorf("scan: %s: %w", entry.Scanner.Name(), err)
			}
			if entry.Required == Mandatory || mode == profile.ScanRequired {
				return failed
			}
			co.Logger.WarnContext(ctx, "scan: scanner unavailable, continuing (advisory)",
				"scanner", entry.Scanner.Name(), "error", failed.Cause)
			continue
		}
		if !verdict.Clean {
			return &uploaderr.VirusDetected{Scanner: entry.Scanner.Name(), Signatures: verdict.Signatures}
		}
	}

	co.Logger.InfoContext(ctx, "scan_passed", "path_scanned", true)
	return nil
}

// call runs one scanner wrapped in the same timeout/retry middleware every
// other inter-service hop in the engine uses. Retries apply only to the
// scanner failing to execute (ScanFailed) — a positive detection is never
// retried, since running the scan again won't change a verdict.
func (co *Coordinator) call(ctx context.Context, s Scanner, path string) (Verdict, error) {
	var verdict Verdict
	base := func(ctx context.Context, _ []byte) ([]byte, error) {
		v, err := s.Scan(ctx, path)
		if err != nil {
			return nil, err
		}
		verdict = v
		return nil, nil
	}

	chain := connectivity.WithRetry(co.MaxRetries, co.RetryBackoff, co.Logger)(
		connectivity.WithTimeout(co.CallTimeout)(base))
	_, err := chain(ctx, nil)
	return verdict, err
}
