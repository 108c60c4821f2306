package healthcheck_test

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/uploadguard/dbopen"
	"github.com/hazyhaar/uploadguard/healthcheck"
	"github.com/hazyhaar/uploadguard/scan"
	"github.com/hazyhaar/uploadguard/vtq"
)

type fakeBackend struct {
	mu      sync.Mutex
	data    map[string][]byte
	failAll bool
}

func newFakeBackend() *fakeBackend { return &fakeBackend{data: map[string][]byte{}} }

func (b *fakeBackend) WriteStream(ctx context.Context, disk, path string, r io.Reader) (int64, error) {
	if b.failAll {
		return 0, os.ErrPermission
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return 0, err
	}
	b.mu.Lock()
	b.data[disk+"://"+path] = data
	b.mu.Unlock()
	return int64(len(data)), nil
}

func (b *fakeBackend) DeleteIfExists(ctx context.Context, disk, path string) error {
	b.mu.Lock()
	delete(b.data, disk+"://"+path)
	b.mu.Unlock()
	return nil
}

func (b *fakeBackend) Size(ctx context.Context, disk, path string) (int64, bool, error) {
	return 0, false, nil
}
func (b *fakeBackend) Exists(ctx context.Context, disk, path string) (bool, error) {
	return false, nil
}
func (b *fakeBackend) TemporaryURL(ctx context.Context, disk, path string, ttl time.Duration) (string, bool, error) {
	return "", false, nil
}

func TestRun_AllProbesHealthy(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	rulesDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(rulesDir, "a.yar"), []byte("rule a { condition: true }"), 0o644); err != nil {
		t.Fatal(err)
	}
	yara := &scan.YaraScanner{RulesDir: rulesDir}
	// With no ExpectedHash set, VerifyRulesIntegrity only reads and hashes
	// the rules files; this sanity call checks that it succeeds.
	if err := yara.VerifyRulesIntegrity(); err != nil {
		t.Fatalf("sanity: %v", err)
	}

	avBinary := filepath.Join(dir, "fake-clamscan")
	if err := os.WriteFile(avBinary, []byte("#!/bin/sh\nexit 0\n"), 0o755); err != nil {
		t.Fatal(err)
	}

	db := dbopen.OpenMemory(t)
	q := vtq.New(db, vtq.Options{})
	if err := q.EnsureTable(ctx); err != nil {
		t.Fatal(err)
	}

	c := &healthcheck.Checker{
		QuarantineRoot: filepath.Join(dir, "quarantine"),
		AVBinaryPath:   avBinary,
		YaraRules:      yara,
		MediaBackend:   newFakeBackend(),
		MediaDisk:      "public",
		Queue:          q,
	}

	results := c.Run(ctx)
	for name, r := range results {
		if !r.OK {
			t.Errorf("probe %q failed: %s", name, r.Detail)
		}
	}
}

func TestRun_MissingCollaboratorsReportUnhealthy(t *testing.T) {
	ctx := context.Background()
	c := &healthcheck.Checker{}

	results := c.Run(ctx)
	for _, name := range []string{"quarantine_disk", "av_binary", "yara_rules", "media_disk", "queue"} {
		r, ok := results[name]
		if !ok {
			t.Fatalf("missing result for %q", name)
		}
		if r.OK {
			t.Errorf("expected probe %q to report unhealthy with no collaborator configured", name)
		}
	}
}

func TestCheckAVBinary_RejectsNonExecutable(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	binPath := filepath.Join(dir, "notexec")
	if err := os.WriteFile(binPath, []byte("not a binary"), 0o644); err != nil {
		t.Fatal(err)
	}

	c := &healthcheck.Checker{AVBinaryPath: binPath}
	results := c.Run(ctx)
	if results["av_binary"].OK {
		t.Fatal("expected non-executable file to fail the av_binary probe")
	}
}

func TestCheckMediaDisk_ReportsBackendFailure(t *testing.T) {
	ctx := context.Background()
	c := &healthcheck.Checker{
		MediaBackend: &fakeBackend{data: map[string][]byte{}, failAll: true},
		MediaDisk:    "public",
	}
	results := c.Run(ctx)
	if results["media_disk"].OK {
		t.Fatal("expected media_disk probe to fail when backend write fails")
	}
}
