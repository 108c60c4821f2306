// Package postprocess implements the Post-Processing Coordinator: it
// coalesces repeated upload events for the same (tenant, owner) into a
// single queued conversion job, using the same atomic "set-if-newer"
// compare-and-set discipline this stack's job-bus fan-out code uses
// elsewhere, and delivers the coalesced job to a configured webhook target
// through the stack's HMAC-signed retry dispatcher.
package postprocess

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/uploadguard/kit"
	"github.com/hazyhaar/uploadguard/vtq"
	"github.com/hazyhaar/uploadguard/webhook"
)

// Status is the state reported by the coordinator's status query.
type Status string

const (
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusSuperseded Status = "superseded"
	StatusFailed     Status = "failed"
)

// DefaultTTL is the coalescer key's lifetime, matching the concurrency
// model's "small TTL (default 10 minutes)" for enqueue-once bookkeeping.
const DefaultTTL = 10 * time.Minute

// TenantResolver looks up a tenant for an owner when the event didn't carry
// one directly. Both methods return ok=false when nothing is known.
type TenantResolver interface {
	CurrentTenant(ctx context.Context, ownerID string) (tenantID string, ok bool, err error)
	FirstTenant(ctx context.Context, ownerID string) (tenantID string, ok bool, err error)
}

// ConversionGenerator produces the configured conversions for one media
// record. Implemented by the orchestrator's image pipeline collaborators.
type ConversionGenerator interface {
	GenerateConversions(ctx context.Context, mediaID string) error
}

// Event is the minimal shape the coordinator needs from an AvatarUpdated (or
// equivalent) domain event.
type Event struct {
	OwnerID            string
	MediaID            string
	UploadUUID         string
	Version            string
	CustomPropTenantID string // customProperties["tenant_id"], if present
}

// Coordinator is component K.
type Coordinator struct {
	db       *sql.DB
	queue    *vtq.Q
	resolver TenantResolver
	sender   webhook.Sender
	ttl      time.Duration
	logger   *slog.Logger
}

// New constructs a Coordinator. db must have Schema applied; queue must have
// EnsureTable called. sender may be webhook.Nop{} when no target is configured.
func New(db *sql.DB, queue *vtq.Q, resolver TenantResolver, sender webhook.Sender) *Coordinator {
	return &Coordinator{db: db, queue: queue, resolver: resolver, sender: sender, ttl: DefaultTTL, logger: slog.Default()}
}

// HandleEvent resolves the tenant for ev, remembers it as the latest state
// for (tenant, owner), and enqueues a coalesced processing job if one isn't
// already pending. A tenant that cannot be resolved is dropped with a
// missing_tenant log line, per the coordinator's drop policy.
func (c *Coordinator) HandleEvent(ctx context.Context, ev Event) error {
	tenantID, err := c.resolveTenant(ctx, ev.CustomPropTenantID, ev.OwnerID)
	if err != nil || tenantID == "" {
		c.logger.WarnContext(ctx, "postprocess: missing_tenant", "owner_id", ev.OwnerID, "error", err)
		return nil
	}

	if err := c.RememberLatest(ctx, tenantID, ev.OwnerID, ev.MediaID, ev.UploadUUID, ev.Version); err != nil {
		return fmt.Errorf("postprocess: remember latest: %w", err)
	}
	if err := c.EnqueueOnce(ctx, tenantID, ev.OwnerID); err != nil {
		return fmt.Errorf("postprocess: enqueue once: %w", err)
	}
	return nil
}

func (c *Coordinator) resolveTenant(ctx context.Context, customPropTenantID, ownerID string) (string, error) {
	if customPropTenantID != "" {
		return customPropTenantID, nil
	}
	if ctxTenant := kit.GetTenantID(ctx); ctxTenant != "" {
		return ctxTenant, nil
	}
	if c.resolver != nil {
		if t, ok, err := c.resolver.CurrentTenant(ctx, ownerID); err != nil {
			return "", err
		} else if ok {
			return t, nil
		}
		if t, ok, err := c.resolver.FirstTenant(ctx, ownerID); err != nil {
			return "", err
		} else if ok {
			return t, nil
		}
	}
	return "", nil
}

// RememberLatest overwrites any prior (tenant, owner) state with the given
// media identity via an atomic "set-if-newer" upsert: a row only loses its
// position to a later received_at, so out-of-order delivery can never
// regress the visible "latest" media.
func (c *Coordinator) RememberLatest(ctx context.Context, tenantID, ownerID, mediaID, uploadUUID, version string) error {
	now := time.Now()
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO postprocess_latest (tenant_id, owner_id, media_id, upload_uuid, version, received_at, enqueued, completed, failed, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, 0, 0, ?)
		ON CONFLICT(tenant_id, owner_id) DO UPDATE SET
			media_id = excluded.media_id,
			upload_uuid = excluded.upload_uuid,
			version = excluded.version,
			received_at = excluded.received_at,
			completed = 0,
			failed = 0,
			expires_at = excluded.expires_at
		WHERE postprocess_latest.received_at < excluded.received_at`,
		tenantID, ownerID, mediaID, uploadUUID, version, now.UnixNano(), now.Add(c.ttl).UnixMilli())
	if err != nil {
		return fmt.Errorf("postprocess: set-if-newer upsert: %w", err)
	}

	if _, err := c.db.ExecContext(ctx, `INSERT OR IGNORE INTO postprocess_uuid_index (upload_uuid, tenant_id, owner_id)
		VALUES (?, ?, ?)`, uploadUUID, tenantID, ownerID); err != nil {
		return fmt.Errorf("postprocess: index upload uuid: %w", err)
	}
	return nil
}

type jobPayload struct {
	TenantID string `json:"tenant_id"`
	OwnerID  string `json:"owner_id"`
}

// EnqueueOnce publishes a coalesced job for (tenantID, ownerID) unless one is
// already queued and not yet started.
func (c *Coordinator) EnqueueOnce(ctx context.Context, tenantID, ownerID string) error {
	res, err := c.db.ExecContext(ctx, `UPDATE postprocess_latest SET enqueued = 1
		WHERE tenant_id = ? AND owner_id = ? AND enqueued = 0`, tenantID, ownerID)
	if err != nil {
		return fmt.Errorf("postprocess: mark enqueued: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("postprocess: rows affected: %w", err)
	}
	if n == 0 {
		return nil // already queued
	}

	payload, err := json.Marshal(jobPayload{TenantID: tenantID, OwnerID: ownerID})
	if err != nil {
		return fmt.Errorf("postprocess: encode payload: %w", err)
	}
	id := "postprocess_" + tenantID + "_" + ownerID
	if err := c.queue.Publish(ctx, id, payload); err != nil {
		return fmt.Errorf("postprocess: publish: %w", err)
	}
	return nil
}

// ExecuteJob handles one claimed vtq job: it reads the latest recorded media
// for the job's (tenant, owner), generates conversions for that media only,
// clears the enqueued flag, and delivers the coalesced result to the
// configured webhook target.
func (c *Coordinator) ExecuteJob(ctx context.Context, job *vtq.Job, gen ConversionGenerator) error {
	var p jobPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return fmt.Errorf("postprocess: decode payload: %w", err)
	}

	var mediaID, uploadUUID, version string
	err := c.db.QueryRowContext(ctx, `SELECT media_id, upload_uuid, version FROM postprocess_latest
		WHERE tenant_id = ? AND owner_id = ?`, p.TenantID, p.OwnerID).Scan(&mediaID, &uploadUUID, &version)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return fmt.Errorf("postprocess: read latest: %w", err)
	}

	genErr := gen.GenerateConversions(ctx, mediaID)

	if genErr != nil {
		if _, err := c.db.ExecContext(ctx, `UPDATE postprocess_latest SET failed = 1, enqueued = 0
			WHERE tenant_id = ? AND owner_id = ? AND media_id = ?`, p.TenantID, p.OwnerID, mediaID); err != nil {
			c.logger.WarnContext(ctx, "postprocess: mark failed error", "error", err)
		}
		return fmt.Errorf("postprocess: generate conversions: %w", genErr)
	}

	if _, err := c.db.ExecContext(ctx, `UPDATE postprocess_latest SET completed = 1, enqueued = 0
		WHERE tenant_id = ? AND owner_id = ? AND media_id = ?`, p.TenantID, p.OwnerID, mediaID); err != nil {
		return fmt.Errorf("postprocess: mark completed: %w", err)
	}

	if c.sender != nil {
		payload := map[string]string{
			"tenant_id":   p.TenantID,
			"owner_id":    p.OwnerID,
			"media_id":    mediaID,
			"upload_uuid": uploadUUID,
			"version":     version,
		}
		if err := c.sender.Dispatch(ctx, "media.processed", payload); err != nil {
			c.logger.WarnContext(ctx, "postprocess: webhook dispatch failed", "error", err)
		}
	}
	return nil
}

// Status reports the processing status of a previously submitted upload, by
// comparing uploadUUID against the latest recorded media for its (tenant,
// owner) pair.
func (c *Coordinator) Status(ctx context.Context, uploadUUID string) (Status, error) {
	var tenantID, ownerID string
	err := c.db.QueryRowContext(ctx, `SELECT tenant_id, owner_id FROM postprocess_uuid_index WHERE upload_uuid = ?`, uploadUUID).
		Scan(&tenantID, &ownerID)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("postprocess: unknown upload uuid %q", uploadUUID)
	}
	if err != nil {
		return "", fmt.Errorf("postprocess: index lookup: %w", err)
	}

	var latestUUID string
	var completed, failed int
	err = c.db.QueryRowContext(ctx, `SELECT upload_uuid, completed, failed FROM postprocess_latest
		WHERE tenant_id = ? AND owner_id = ?`, tenantID, ownerID).Scan(&latestUUID, &completed, &failed)
	if err != nil {
		return "", fmt.Errorf("postprocess: status lookup: %w", err)
	}
	if latestUUID != uploadUUID {
		return StatusSuperseded, nil
	}
	if failed != 0 {
		return StatusFailed, nil
	}
	if completed != 0 {
		return StatusCompleted, nil
	}
	return StatusProcessing, nil
}
