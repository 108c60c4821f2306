// Package orchestrator implements the Upload Orchestrator: the component
// that composes the profile registry, owner-id normalizer, file constraints
// validator, quarantine store, scan coordinator, image normalizer, path
// layout, and media attacher into the end-to-end upload and replace flows.
package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hazyhaar/uploadguard/cleanup"
	"github.com/hazyhaar/uploadguard/constraints"
	"github.com/hazyhaar/uploadguard/events"
	"github.com/hazyhaar/uploadguard/idgen"
	"github.com/hazyhaar/uploadguard/imagenorm"
	"github.com/hazyhaar/uploadguard/media"
	"github.com/hazyhaar/uploadguard/observability"
	"github.com/hazyhaar/uploadguard/ownerid"
	"github.com/hazyhaar/uploadguard/pathlayout"
	"github.com/hazyhaar/uploadguard/profile"
	"github.com/hazyhaar/uploadguard/quarantine"
	"github.com/hazyhaar/uploadguard/scan"
	"github.com/hazyhaar/uploadguard/shield"
	"github.com/hazyhaar/uploadguard/storage"
	"github.com/hazyhaar/uploadguard/tenant"
	"github.com/hazyhaar/uploadguard/uploaderr"
)

// UploadRequest carries the caller's inputs to Upload/Replace.
type UploadRequest struct {
	ProfileID     string
	Actor         string
	OwnerIDRaw    string // empty when the profile has no owner concept
	OriginalName  string
	ClaimedMime   string
	Size          int64
	File          io.Reader
	CorrelationID string // defaults to a fresh UUID when empty
}

// UploadResult mirrors the data model's UploadResult.
type UploadResult struct {
	ID            string
	TenantID      string
	ProfileID     string
	Disk          string
	Path          string
	Mime          string
	Size          int64
	Checksum      string
	Status        string
	CorrelationID string
}

// ReplacementResult is returned by Replace.
type ReplacementResult struct {
	New      UploadResult
	Previous *media.Record
}

// Orchestrator is component H.
type Orchestrator struct {
	Profiles    *profile.Registry
	OwnerMode   ownerid.Mode
	Quarantine  *quarantine.Store
	Scanner     *scan.Coordinator
	Normalizer  *imagenorm.Normalizer
	Paths       *pathlayout.Layout
	Attacher    *media.Attacher
	Cleanup     *cleanup.Scheduler
	Backend     storage.Backend
	Bus         events.Bus
	RateLimiter *shield.RateLimiter
	Audit       *observability.AuditLogger
	EventLog    *observability.EventLogger
	Metrics     *observability.MetricsManager
	Logger      *slog.Logger

	// Maintenance gates the whole pipeline: while active, every upload is
	// rejected before any quarantine I/O happens.
	Maintenance *shield.MaintenanceMode
	// MaxBodyBytes bounds the request body read before it ever reaches
	// quarantine, independent of (and smaller than) a profile's own
	// FileConstraints.MaxSizeBytes. Zero disables the guard.
	MaxBodyBytes int64

	// SoftTimeout bounds the whole upload flow (uploads.soft_timeout_seconds).
	SoftTimeout time.Duration
	// RateLimitEndpoint is the endpoint key consulted on the per-actor
	// rate limiter (shield.RateLimiter's rate_limits table).
	RateLimitEndpoint string

	// Tenant is the explicit tenant context this orchestrator instance serves
	// requests for — threaded by value, never resolved through an implicit
	// global, per the design notes on the source's global tenant() helper.
	Tenant tenant.Context
}

// Upload runs the full ten-step pipeline from §4.H. The actor identity is
// used only up to the quarantine handoff (step 3); from there on, pipeline
// state is keyed exclusively by the opaque correlation id.
func (o *Orchestrator) Upload(ctx context.Context, req UploadRequest) (*UploadResult, error) {
	result, _, err := o.upload(ctx, req)
	return result, err
}

// upload is the unexported implementation shared by Upload and Replace; it
// additionally returns the superseded record (if any) so Replace never has
// to re-derive it by re-querying the just-inserted record.
func (o *Orchestrator) upload(ctx context.Context, req UploadRequest) (*UploadResult, *media.Record, error) {
	if o.SoftTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.SoftTimeout)
		defer cancel()
	}

	if err := o.Tenant.Validate(); err != nil {
		return nil, nil, fmt.Errorf("upload: %w", err)
	}

	if o.Maintenance != nil && o.Maintenance.Active() {
		return nil, nil, &uploaderr.MaintenanceActive{Message: o.Maintenance.Message()}
	}

	start := time.Now()
	correlationID := req.CorrelationID
	if correlationID == "" {
		correlationID = idgen.New()
	}

	if o.RateLimiter != nil && o.RateLimitEndpoint != "" {
		if !o.RateLimiter.Allow(req.Actor, o.RateLimitEndpoint) {
			return nil, nil, fmt.Errorf("upload: rate limit exceeded for actor")
		}
	}

	if o.MaxBodyBytes > 0 {
		req.File = shield.LimitReader(req.File, o.MaxBodyBytes)
	}

	p, err := o.Profiles.Get(req.ProfileID)
	if err != nil {
		return nil, nil, err
	}

	ownerID := req.OwnerIDRaw
	if ownerID != "" {
		ownerID, err = ownerid.Normalize(o.OwnerMode, req.OwnerIDRaw)
		if err != nil {
			return nil, nil, err
		}
	}

	o.auditStart(ctx, req.ProfileID, req.Actor, correlationID, ownerID)

	result, previous, err := o.runPipeline(ctx, p, req, correlationID, ownerID)
	duration := time.Since(start)
	if o.Metrics != nil {
		o.Metrics.RecordSimple("upload_duration_ms", float64(duration.Milliseconds()), "milliseconds")
	}

	if err != nil {
		o.auditFailure(ctx, req.ProfileID, correlationID, err)
		return nil, nil, err
	}

	o.auditSuccess(ctx, req.ProfileID, correlationID, duration)

	if o.Bus != nil {
		evt := events.AvatarUpdated{
			UserID:     ownerID,
			NewMediaID: result.ID,
			Collection: p.Collection,
			Replaced:   previous != nil,
		}
		if previous != nil {
			evt.OldMediaID = previous.ID
		}
		if dispatchErr := o.Bus.Dispatch(ctx, evt); dispatchErr != nil {
			o.Logger.WarnContext(ctx, "orchestrator: event dispatch failed", "error", dispatchErr)
		}
	}

	return &UploadResult{
		ID: result.ID, TenantID: o.Tenant.TenantID, ProfileID: req.ProfileID, Disk: result.Disk,
		Path: result.Path, Mime: result.Mime, Size: result.Size, Checksum: result.Checksum,
		Status: "stored", CorrelationID: correlationID,
	}, previous, nil
}

// Replace wraps Upload and, when the profile supersedes a prior record,
// schedules the previous media's artifacts for deferred deletion keyed to
// the *previous* media's own pending conversions — never the new upload's —
// closing the race the source's direct-delete-on-replace left open.
func (o *Orchestrator) Replace(ctx context.Context, req UploadRequest) (*ReplacementResult, error) {
	result, previous, err := o.upload(ctx, req)
	if err != nil {
		return nil, err
	}

	return &ReplacementResult{New: *result, Previous: previous}, nil
}

// runPipeline implements steps 3-9 of §4.H and returns the attach result.
func (o *Orchestrator) runPipeline(ctx context.Context, p profile.Profile, req UploadRequest, correlationID, ownerID string) (*media.Record, *media.Record, error) {
	ttl := p.QuarantineTTLHours
	if ttl <= 0 {
		ttl = 24
	}

	tok, err := o.Quarantine.Ingest(ctx, correlationID, p.ID, ttl, req.File)
	if err != nil {
		if errors.Is(err, shield.ErrBodyTooLarge) {
			return nil, nil, &uploaderr.BodyTooLarge{MaxBytes: o.MaxBodyBytes}
		}
		return nil, nil, fmt.Errorf("upload: quarantine ingest: %w", err)
	}

	reject := func(cause error) error {
		if rejErr := o.Quarantine.Reject(ctx, correlationID); rejErr != nil {
			o.Logger.WarnContext(ctx, "orchestrator: quarantine reject failed", "error", rejErr, "correlation_id", correlationID)
		}
		if o.EventLog != nil {
			o.EventLog.LogEvent(ctx, observability.BusinessEvent{
				EventType: "validation_failed", ServiceName: "upload-orchestrator",
				EntityType: "correlation", EntityID: correlationID, Action: "reject", Success: false,
				Details: cause.Error(),
			})
		}
		return cause
	}

	blobPath := o.Quarantine.BlobPath(correlationID)

	outcome, err := constraints.Validate(blobPath, req.Size, p.FileConstraints, constraints.Context{
		OriginalFilename: req.OriginalName, Mime: req.ClaimedMime,
	})
	if err != nil {
		return nil, nil, reject(err)
	}

	if err := o.Scanner.Run(ctx, p.ScanMode, blobPath); err != nil {
		return nil, nil, reject(err)
	}
	if err := o.Quarantine.MarkScanned(ctx, correlationID); err != nil {
		o.Logger.WarnContext(ctx, "orchestrator: mark scanned failed", "error", err)
	}

	workingPath := blobPath
	var conversions []imagenorm.Conversion
	if p.ProcessingMode == profile.ProcessingImagePipeline {
		original, outs, normErr := o.Normalizer.Normalize(blobPath, p.Conversions)
		if normErr != nil {
			if _, ok := normErr.(*uploaderr.ConversionWarning); !ok {
				return nil, nil, reject(normErr)
			}
			o.Logger.WarnContext(ctx, "orchestrator: conversion warning", "error", normErr)
		}
		conversions = outs
		tmp, werr := writeTempFile(original)
		if werr != nil {
			return nil, nil, reject(fmt.Errorf("upload: write normalized temp: %w", werr))
		}
		defer os.Remove(tmp)
		workingPath = tmp
	}

	checksum, err := fileChecksum(workingPath)
	if err != nil {
		return nil, nil, reject(fmt.Errorf("upload: checksum: %w", err))
	}

	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(req.OriginalName), "."))
	disk := o.Profiles.EffectiveDisk(p)
	path, err := o.Paths.PathForProfile(pathlayout.Request{
		Category: p.PathCategory, TenantID: o.Tenant.TenantID, OwnerID: ownerID, Extension: ext,
	})
	if err != nil {
		return nil, nil, reject(err)
	}

	f, err := os.Open(workingPath)
	if err != nil {
		return nil, nil, reject(fmt.Errorf("upload: open for final write: %w", err))
	}
	defer f.Close()

	expectedConversions := make([]string, 0, len(p.Conversions))
	for _, c := range p.Conversions {
		expectedConversions = append(expectedConversions, c.Name)
	}

	attachResult, err := o.Attacher.Attach(ctx, media.AttachRequest{
		ProfileID: p.ID, Collection: p.Collection, SingleFile: p.SingleFile,
		ModelType: string(p.Kind), ModelID: ownerID, Disk: disk, Path: path,
		Mime: outcome.RealMime, Checksum: checksum, Extension: ext,
		CustomProperties: map[string]string{
			media.PropTenantID:      o.Tenant.TenantID,
			media.PropUploadUUID:    correlationID,
			media.PropVersion:       checksum,
			media.PropQuarantineID:  tok.ID,
			media.PropCorrelationID: correlationID,
			media.PropOriginalName:  outcome.SanitizedFilename,
		},
		ExpectedConversions: expectedConversions,
		Original:            f,
		Size:                req.Size,
	})
	if err != nil {
		return nil, nil, reject(err)
	}

	for _, c := range conversions {
		convPath := pathlayout.ConversionsDirectory(path) + c.Name + ".jpg"
		if _, werr := o.Backend.WriteStream(ctx, disk, convPath, bytesReader(c.Data)); werr != nil {
			o.Logger.WarnContext(ctx, "orchestrator: conversion write failed", "name", c.Name, "error", werr)
		}
	}

	if o.Cleanup != nil {
		if err := o.Cleanup.FlagPendingConversions(ctx, attachResult.Record.ID, expectedConversions); err != nil {
			o.Logger.WarnContext(ctx, "orchestrator: flag pending conversions failed", "error", err)
		}
		if attachResult.Previous != nil {
			artifacts := []cleanup.Artifact{{Disk: attachResult.Previous.Disk, Dir: pathlayout.BaseDirectory(attachResult.Previous.Path)}}
			if _, err := o.Cleanup.ScheduleCleanup(ctx, attachResult.Previous.ID, artifacts, []string{attachResult.Record.ID}); err != nil {
				o.Logger.WarnContext(ctx, "orchestrator: schedule cleanup failed", "error", err)
			}
		}
	}

	if err := o.Quarantine.Accept(ctx, correlationID); err != nil {
		o.Logger.WarnContext(ctx, "orchestrator: quarantine accept failed", "error", err)
	}

	return attachResult.Record, attachResult.Previous, nil
}

func (o *Orchestrator) auditStart(ctx context.Context, profileID, actor, correlationID, ownerID string) {
	if o.Audit == nil {
		return
	}
	o.Audit.LogAsync(&observability.AuditEntry{
		ComponentName: "upload-orchestrator", OperationType: "upload_started",
		UserID: actor, Status: "started",
		Parameters: fmt.Sprintf(`{"profile":%q,"correlation_id":%q,"owner":%q}`, profileID, correlationID, ownerID),
	})
}

func (o *Orchestrator) auditSuccess(ctx context.Context, profileID, correlationID string, d time.Duration) {
	if o.Audit == nil {
		return
	}
	o.Audit.LogAsync(&observability.AuditEntry{
		ComponentName: "upload-orchestrator", OperationType: "upload_completed",
		Status: "success", DurationMs: d.Milliseconds(),
		Parameters: fmt.Sprintf(`{"profile":%q,"correlation_id":%q}`, profileID, correlationID),
	})
}

func (o *Orchestrator) auditFailure(ctx context.Context, profileID, correlationID string, cause error) {
	if o.Audit == nil {
		return
	}
	o.Audit.LogAsync(&observability.AuditEntry{
		ComponentName: "upload-orchestrator", OperationType: "upload_failed",
		Status: "error", ErrorMessage: cause.Error(),
		Parameters: fmt.Sprintf(`{"profile":%q,"correlation_id":%q}`, profileID, correlationID),
	})
}

func fileChecksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func writeTempFile(data []byte) (string, error) {
	f, err := os.CreateTemp("", "uploadguard-normalized-*")
	if err != nil {
		return "", err
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}

func bytesReader(b []byte) io.Reader {
	return strings.NewReader(string(b))
}
