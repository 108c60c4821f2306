// Package cleanup implements the Cleanup Scheduler: it tracks which
// conversions a media record still owes, and once a replaced (or deleted)
// media's own pending conversions are done — or a ceiling elapses — it
// removes that media's blob directory and its conversions/responsive-images
// siblings from disk. Entries and the release sweep ride on the stack's
// SQLite visibility-timeout queue (vtq), the same primitive the
// post-processing coordinator shares.
package cleanup

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/uploadguard/storage"
	"github.com/hazyhaar/uploadguard/vtq"
)

// Artifact names one disk+directory this entry must eventually remove.
type Artifact struct {
	Disk string
	Dir  string
}

// PreservedPathLookup resolves a media id's current blob directory, so the
// release step can refuse to delete a path that still belongs to a live
// media record even if it happens to overlap a scheduled artifact.
type PreservedPathLookup func(ctx context.Context, mediaID string) (disk, dir string, ok bool, err error)

// Scheduler is component J.
type Scheduler struct {
	db      *sql.DB
	queue   *vtq.Q
	backend storage.Backend
	resolve PreservedPathLookup
	maxAge  time.Duration
	logger  *slog.Logger
}

// Options configures a Scheduler.
type Options struct {
	// MaxAge is the ceiling at which an entry is force-released regardless
	// of pending conversions. Default: 48h.
	MaxAge time.Duration
	Logger *slog.Logger
}

// New constructs a Scheduler. db must already have Schema applied and
// vtq_jobs created via queue.EnsureTable. resolve may be nil, in which case
// preserve checks are skipped (acceptable for single-writer deployments
// where overlap cannot occur by construction of the path templates).
func New(db *sql.DB, queue *vtq.Q, backend storage.Backend, resolve PreservedPathLookup, opts Options) *Scheduler {
	if opts.MaxAge <= 0 {
		opts.MaxAge = 48 * time.Hour
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Scheduler{db: db, queue: queue, backend: backend, resolve: resolve, maxAge: opts.MaxAge, logger: opts.Logger}
}

// FlagPendingConversions records the set of conversions a newly attached
// media is expected to produce, so that if this media is later superseded,
// scheduleCleanup knows which of them are still outstanding.
func (s *Scheduler) FlagPendingConversions(ctx context.Context, mediaID string, expected []string) error {
	exp, err := json.Marshal(expected)
	if err != nil {
		return fmt.Errorf("cleanup: encode expected: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO media_conversion_state (media_id, expected, completed)
		VALUES (?, ?, '[]')
		ON CONFLICT(media_id) DO UPDATE SET expected = excluded.expected`,
		mediaID, string(exp))
	if err != nil {
		return fmt.Errorf("cleanup: flag pending conversions: %w", err)
	}
	return nil
}

// pendingFor returns the expected conversions for mediaID that have not yet
// completed.
func (s *Scheduler) pendingFor(ctx context.Context, mediaID string) ([]string, error) {
	var expJSON, compJSON string
	err := s.db.QueryRowContext(ctx, `SELECT expected, completed FROM media_conversion_state WHERE media_id = ?`, mediaID).
		Scan(&expJSON, &compJSON)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cleanup: pending lookup: %w", err)
	}
	var expected, completed []string
	if err := json.Unmarshal([]byte(expJSON), &expected); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(compJSON), &completed); err != nil {
		return nil, err
	}
	done := make(map[string]bool, len(completed))
	for _, c := range completed {
		done[c] = true
	}
	var pending []string
	for _, e := range expected {
		if !done[e] {
			pending = append(pending, e)
		}
	}
	return pending, nil
}

// ScheduleCleanup stores a CleanupEntry for triggerMediaID (the *previous*
// media in a replacement) and publishes its release job. artifacts lists
// every disk+directory this entry must eventually remove; preserveMediaIDs
// is the set of media whose current blob directory must never be deleted
// even if it overlaps an artifact.
func (s *Scheduler) ScheduleCleanup(ctx context.Context, triggerMediaID string, artifacts []Artifact, preserveMediaIDs []string) (string, error) {
	pending, err := s.pendingFor(ctx, triggerMediaID)
	if err != nil {
		return "", err
	}

	artifactsJSON, err := json.Marshal(artifacts)
	if err != nil {
		return "", fmt.Errorf("cleanup: encode artifacts: %w", err)
	}
	preserveJSON, err := json.Marshal(preserveMediaIDs)
	if err != nil {
		return "", fmt.Errorf("cleanup: encode preserve: %w", err)
	}
	pendingJSON, err := json.Marshal(pending)
	if err != nil {
		return "", fmt.Errorf("cleanup: encode pending: %w", err)
	}

	id := "cleanup_" + triggerMediaID
	now := time.Now()
	_, err = s.db.ExecContext(ctx, `INSERT INTO cleanup_entries
		(id, trigger_media_id, artifacts, preserve_media_ids, expected_conversions, pending_conversions, created_at, expires_at, released)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0)
		ON CONFLICT(id) DO UPDATE SET artifacts = excluded.artifacts, preserve_media_ids = excluded.preserve_media_ids,
			pending_conversions = excluded.pending_conversions, released = 0`,
		id, triggerMediaID, string(artifactsJSON), string(preserveJSON), string(pendingJSON), string(pendingJSON),
		now.UnixMilli(), now.Add(s.maxAge).UnixMilli())
	if err != nil {
		return "", fmt.Errorf("cleanup: insert entry: %w", err)
	}

	if err := s.queue.Publish(ctx, id, nil); err != nil {
		return "", fmt.Errorf("cleanup: publish: %w", err)
	}

	if len(pending) == 0 {
		return id, s.release(ctx, id)
	}
	return id, nil
}

// HandleConversionEvent records that mediaID's named conversion has
// completed. If mediaID is the trigger of a live cleanup entry and this was
// its last outstanding conversion, the entry is released immediately.
func (s *Scheduler) HandleConversionEvent(ctx context.Context, mediaID, conversionName string) error {
	var compJSON string
	err := s.db.QueryRowContext(ctx, `SELECT completed FROM media_conversion_state WHERE media_id = ?`, mediaID).Scan(&compJSON)
	if err == sql.ErrNoRows {
		compJSON = "[]"
	} else if err != nil {
		return fmt.Errorf("cleanup: completed lookup: %w", err)
	}
	var completed []string
	if err := json.Unmarshal([]byte(compJSON), &completed); err != nil {
		return err
	}
	completed = append(completed, conversionName)
	newComp, err := json.Marshal(completed)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `INSERT INTO media_conversion_state (media_id, expected, completed)
		VALUES (?, '[]', ?)
		ON CONFLICT(media_id) DO UPDATE SET completed = excluded.completed`, mediaID, string(newComp)); err != nil {
		return fmt.Errorf("cleanup: update completed: %w", err)
	}

	id := "cleanup_" + mediaID
	var pendingJSON string
	var released int
	err = s.db.QueryRowContext(ctx, `SELECT pending_conversions, released FROM cleanup_entries WHERE id = ?`, id).
		Scan(&pendingJSON, &released)
	if err == sql.ErrNoRows || released != 0 {
		return nil
	}
	if err != nil {
		return fmt.Errorf("cleanup: entry lookup: %w", err)
	}
	var pending []string
	if err := json.Unmarshal([]byte(pendingJSON), &pending); err != nil {
		return err
	}
	remaining := pending[:0]
	for _, p := range pending {
		if p != conversionName {
			remaining = append(remaining, p)
		}
	}
	remJSON, err := json.Marshal(remaining)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE cleanup_entries SET pending_conversions = ? WHERE id = ?`, string(remJSON), id); err != nil {
		return fmt.Errorf("cleanup: update pending: %w", err)
	}
	if len(remaining) == 0 {
		return s.release(ctx, id)
	}
	// Extend the job's visibility so a stale poll doesn't force-release early.
	_ = s.queue.Extend(ctx, id, s.maxAge)
	return nil
}

// FlushExpired forces the release of mediaID's cleanup entry right now,
// regardless of pending conversions.
func (s *Scheduler) FlushExpired(ctx context.Context, mediaID string) error {
	return s.release(ctx, "cleanup_"+mediaID)
}

// release deletes an entry's artifact directories (and conversions/ and
// responsive-images/ siblings), skipping any directory that currently
// belongs to a preserved media, then acks the entry's queue job. Deletion
// failures are logged, never returned, matching the scheduler's best-effort
// release contract.
func (s *Scheduler) release(ctx context.Context, id string) error {
	var artifactsJSON, preserveJSON string
	var released int
	err := s.db.QueryRowContext(ctx, `SELECT artifacts, preserve_media_ids, released FROM cleanup_entries WHERE id = ?`, id).
		Scan(&artifactsJSON, &preserveJSON, &released)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return fmt.Errorf("cleanup: release lookup: %w", err)
	}
	if released != 0 {
		return nil
	}

	var artifacts []Artifact
	if err := json.Unmarshal([]byte(artifactsJSON), &artifacts); err != nil {
		return fmt.Errorf("cleanup: decode artifacts: %w", err)
	}
	var preserveIDs []string
	if err := json.Unmarshal([]byte(preserveJSON), &preserveIDs); err != nil {
		return fmt.Errorf("cleanup: decode preserve: %w", err)
	}

	preserved := s.preservedDirs(ctx, preserveIDs)

	for _, a := range artifacts {
		if preserved[a.Disk+"\x00"+a.Dir] {
			s.logger.WarnContext(ctx, "cleanup: skipped preserved directory", "disk", a.Disk, "dir", a.Dir)
			continue
		}
		s.removeDir(ctx, a.Disk, a.Dir)
		s.removeDir(ctx, a.Disk, a.Dir+"/conversions")
		s.removeDir(ctx, a.Disk, a.Dir+"/responsive-images")
	}

	if _, err := s.db.ExecContext(ctx, `UPDATE cleanup_entries SET released = 1 WHERE id = ?`, id); err != nil {
		return fmt.Errorf("cleanup: mark released: %w", err)
	}
	return s.queue.Ack(ctx, id)
}

func (s *Scheduler) preservedDirs(ctx context.Context, mediaIDs []string) map[string]bool {
	preserved := make(map[string]bool, len(mediaIDs))
	if s.resolve == nil {
		return preserved
	}
	for _, id := range mediaIDs {
		disk, dir, ok, err := s.resolve(ctx, id)
		if err != nil || !ok {
			continue
		}
		preserved[disk+"\x00"+dir] = true
	}
	return preserved
}

func (s *Scheduler) removeDir(ctx context.Context, disk, dir string) {
	remover, ok := s.backend.(storage.DirRemover)
	if !ok {
		s.logger.WarnContext(ctx, "cleanup: backend does not support directory removal", "disk", disk, "dir", dir)
		return
	}
	if err := remover.RemoveDir(ctx, disk, dir); err != nil {
		s.logger.WarnContext(ctx, "cleanup: remove directory failed", "disk", disk, "dir", dir, "error", err)
	}
}

// PurgeExpired walks entries past the configured ceiling and force-releases
// them regardless of pending conversions, guarding against leaked entries
// from lost conversion-completion events. Returns the number released.
func (s *Scheduler) PurgeExpired(ctx context.Context, chunkSize int) (int, error) {
	now := time.Now().UnixMilli()
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM cleanup_entries WHERE released = 0 AND expires_at <= ? LIMIT ?`, now, chunkSize)
	if err != nil {
		return 0, fmt.Errorf("cleanup: purge query: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
		ids = append(ids, id)
	}
	rows.Close()

	released := 0
	for _, id := range ids {
		if err := s.release(ctx, id); err != nil {
			s.logger.WarnContext(ctx, "cleanup: purge release failed", "id", id, "error", err)
			continue
		}
		released++
	}
	return released, nil
}
