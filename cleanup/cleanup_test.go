package cleanup_test

import (
	"context"
	"sync"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/uploadguard/cleanup"
	"github.com/hazyhaar/uploadguard/dbopen"
	"github.com/hazyhaar/uploadguard/vtq"
)

// fakeDirBackend tracks removed directories in memory, implementing
// storage.DirRemover.
type fakeDirBackend struct {
	mu      sync.Mutex
	removed []string
}

func (b *fakeDirBackend) RemoveDir(ctx context.Context, disk, dir string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removed = append(b.removed, disk+"://"+dir)
	return nil
}

func (b *fakeDirBackend) has(disk, dir string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	want := disk + "://" + dir
	for _, r := range b.removed {
		if r == want {
			return true
		}
	}
	return false
}

func newScheduler(t *testing.T, backend *fakeDirBackend, resolve cleanup.PreservedPathLookup) (*cleanup.Scheduler, *vtq.Q) {
	t.Helper()
	db := dbopen.OpenMemory(t, dbopen.WithSchema(cleanup.Schema))
	q := vtq.New(db, vtq.Options{Visibility: time.Minute})
	if err := q.EnsureTable(context.Background()); err != nil {
		t.Fatal(err)
	}
	s := cleanup.New(db, q, backend, resolve, cleanup.Options{MaxAge: time.Hour})
	return s, q
}

func TestScheduleCleanup_NoPendingConversionsReleasesImmediately(t *testing.T) {
	ctx := context.Background()
	backend := &fakeDirBackend{}
	s, _ := newScheduler(t, backend, nil)

	id, err := s.ScheduleCleanup(ctx, "media1", []cleanup.Artifact{{Disk: "public", Dir: "u1/media1"}}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if id != "cleanup_media1" {
		t.Fatalf("id = %q, want cleanup_media1", id)
	}
	if !backend.has("public", "u1/media1") {
		t.Fatal("expected immediate removal when no pending conversions")
	}
}

func TestScheduleCleanup_WaitsForPendingConversions(t *testing.T) {
	ctx := context.Background()
	backend := &fakeDirBackend{}
	s, _ := newScheduler(t, backend, nil)

	if err := s.FlagPendingConversions(ctx, "media1", []string{"thumb", "medium"}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ScheduleCleanup(ctx, "media1", []cleanup.Artifact{{Disk: "public", Dir: "u1/media1"}}, nil); err != nil {
		t.Fatal(err)
	}
	if backend.has("public", "u1/media1") {
		t.Fatal("should not release while conversions are pending")
	}

	if err := s.HandleConversionEvent(ctx, "media1", "thumb"); err != nil {
		t.Fatal(err)
	}
	if backend.has("public", "u1/media1") {
		t.Fatal("should still be pending after only one of two conversions complete")
	}

	if err := s.HandleConversionEvent(ctx, "media1", "medium"); err != nil {
		t.Fatal(err)
	}
	if !backend.has("public", "u1/media1") {
		t.Fatal("expected release once all pending conversions complete")
	}
}

func TestScheduleCleanup_SkipsPreservedDirectory(t *testing.T) {
	ctx := context.Background()
	backend := &fakeDirBackend{}
	resolve := func(ctx context.Context, mediaID string) (string, string, bool, error) {
		if mediaID == "new-media" {
			return "public", "u1/media1", true, nil
		}
		return "", "", false, nil
	}
	s, _ := newScheduler(t, backend, resolve)

	// New media's path happens to collide with the directory the previous
	// media's artifact points at (both keyed under the owner's directory).
	if _, err := s.ScheduleCleanup(ctx, "media1", []cleanup.Artifact{{Disk: "public", Dir: "u1/media1"}}, []string{"new-media"}); err != nil {
		t.Fatal(err)
	}
	if backend.has("public", "u1/media1") {
		t.Fatal("expected preserved directory to be skipped")
	}
}

func TestFlushExpired_ForcesRelease(t *testing.T) {
	ctx := context.Background()
	backend := &fakeDirBackend{}
	s, _ := newScheduler(t, backend, nil)

	if err := s.FlagPendingConversions(ctx, "media1", []string{"thumb"}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ScheduleCleanup(ctx, "media1", []cleanup.Artifact{{Disk: "public", Dir: "u1/media1"}}, nil); err != nil {
		t.Fatal(err)
	}
	if backend.has("public", "u1/media1") {
		t.Fatal("should not have released yet")
	}

	if err := s.FlushExpired(ctx, "media1"); err != nil {
		t.Fatal(err)
	}
	if !backend.has("public", "u1/media1") {
		t.Fatal("expected FlushExpired to force release")
	}
}

func TestPurgeExpired(t *testing.T) {
	ctx := context.Background()
	backend := &fakeDirBackend{}
	db := dbopen.OpenMemory(t, dbopen.WithSchema(cleanup.Schema))
	q := vtq.New(db, vtq.Options{Visibility: time.Minute})
	if err := q.EnsureTable(ctx); err != nil {
		t.Fatal(err)
	}
	s := cleanup.New(db, q, backend, nil, cleanup.Options{MaxAge: time.Millisecond})

	if err := s.FlagPendingConversions(ctx, "media1", []string{"thumb"}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ScheduleCleanup(ctx, "media1", []cleanup.Artifact{{Disk: "public", Dir: "u1/media1"}}, nil); err != nil {
		t.Fatal(err)
	}
	time.Sleep(10 * time.Millisecond)

	n, err := s.PurgeExpired(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("released = %d, want 1", n)
	}
	if !backend.has("public", "u1/media1") {
		t.Fatal("expected purge to release expired entry")
	}
}
