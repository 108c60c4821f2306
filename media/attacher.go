package media

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/hazyhaar/uploadguard/storage"
	"github.com/hazyhaar/uploadguard/uploaderr"
)

// AttachRequest carries everything the attacher needs to persist one
// accepted artifact.
type AttachRequest struct {
	ProfileID        string
	Collection       string
	SingleFile       bool
	ModelType        string
	ModelID          string // normalized owner id
	Disk             string
	Path             string // from pathlayout.PathForProfile
	Mime             string
	Checksum         string // hex, empty if not computed upstream
	Extension        string
	CustomProperties map[string]string
	ExpectedConversions []string // conversion names the profile configures

	// Original opens the accepted bytes for the final disk write.
	Original io.Reader
	Size     int64
}

// AttachResult is returned on success.
type AttachResult struct {
	Record   *Record
	Previous *Record // non-nil when a singleFile collection superseded a prior record
}

// SupersededHandler is invoked with the previous record after a singleFile
// replacement commits, so the caller can route it to the Cleanup Scheduler.
// It receives the previous record's path so the handler need not re-fetch it.
type SupersededHandler func(previous *Record)

// Attacher implements component I: deterministic filenames, the final disk
// write, and transactional metadata persistence with singleFile supersede.
type Attacher struct {
	Store   Store
	Backend storage.Backend
	Logger  *slog.Logger

	// OnSuperseded, when set, is invoked after commit with the detached
	// previous record (if any). The Cleanup Scheduler (J) wires in here.
	OnSuperseded SupersededHandler
}

// NewAttacher constructs an Attacher with a default logger.
func NewAttacher(store Store, backend storage.Backend) *Attacher {
	return &Attacher{Store: store, Backend: backend, Logger: slog.Default()}
}

// Attach writes req.Original to the target disk under a generated filename
// and persists the metadata record in one transaction. For singleFile
// collections any pre-existing non-superseded record for the owner is
// marked superseded in the same transaction, then handed to OnSuperseded
// after commit.
func (a *Attacher) Attach(ctx context.Context, req AttachRequest) (*AttachResult, error) {
	fileName, err := GenerateFileName(req.ProfileID, req.Checksum, req.Extension)
	if err != nil {
		return nil, &uploaderr.AttachFailed{Cause: err}
	}

	n, err := a.Backend.WriteStream(ctx, req.Disk, req.Path, req.Original)
	if err != nil {
		return nil, &uploaderr.StorageWriteFailed{Disk: req.Disk, Path: req.Path, Cause: err}
	}
	size := n
	if req.Size > 0 {
		size = req.Size
	}

	var previous *Record
	if req.SingleFile {
		previous, err = a.Store.CurrentForOwner(ctx, req.Collection, req.ModelType, req.ModelID)
		if err != nil {
			a.Backend.DeleteIfExists(ctx, req.Disk, req.Path)
			return nil, &uploaderr.AttachFailed{Cause: fmt.Errorf("lookup current: %w", err)}
		}
	}

	record := &Record{
		ModelType:            req.ModelType,
		ModelID:              req.ModelID,
		Collection:           req.Collection,
		Disk:                 req.Disk,
		Path:                 req.Path,
		FileName:             fileName,
		Mime:                 req.Mime,
		Size:                 size,
		CustomProperties:     conversionPlaceholders(req.CustomProperties, req.ExpectedConversions),
		GeneratedConversions: nil,
		ResponsiveImages:     nil,
	}

	tx, err := a.Store.Begin(ctx)
	if err != nil {
		a.Backend.DeleteIfExists(ctx, req.Disk, req.Path)
		return nil, &uploaderr.AttachFailed{Cause: err}
	}

	if err := tx.Insert(ctx, record); err != nil {
		tx.Rollback()
		a.Backend.DeleteIfExists(ctx, req.Disk, req.Path)
		return nil, &uploaderr.AttachFailed{Cause: err}
	}

	if previous != nil {
		if err := tx.MarkSuperseded(ctx, previous.ID); err != nil {
			tx.Rollback()
			a.Backend.DeleteIfExists(ctx, req.Disk, req.Path)
			return nil, &uploaderr.AttachFailed{Cause: fmt.Errorf("mark superseded: %w", err)}
		}
	}

	if previous != nil && a.OnSuperseded != nil {
		captured := previous
		tx.AfterCommit(func() { a.OnSuperseded(captured) })
	}

	if err := tx.Commit(); err != nil {
		a.Backend.DeleteIfExists(ctx, req.Disk, req.Path)
		return nil, &uploaderr.AttachFailed{Cause: err}
	}

	a.Logger.InfoContext(ctx, "media attached", "profile", req.ProfileID, "disk", req.Disk, "path", req.Path)
	return &AttachResult{Record: record, Previous: previous}, nil
}

// conversionPlaceholders returns a copy of props with one
// "conversion_pending:<name>" key per expected conversion, marking work the
// Post-Processing Coordinator (K) still owes this record.
func conversionPlaceholders(props map[string]string, conversions []string) map[string]string {
	out := make(map[string]string, len(props)+len(conversions))
	for k, v := range props {
		out[k] = v
	}
	for _, name := range conversions {
		out["conversion_pending:"+name] = "1"
	}
	return out
}
