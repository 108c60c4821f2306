// Package media implements the Media Attacher & Metadata Store: given an
// accepted temp file and a profile, it derives a deterministic on-disk
// filename, writes the blob through the storage collaborator, and persists
// a MediaRecord (with conversion placeholders) through a transactional
// external store. For singleFile collections it detaches any pre-existing
// record for the same owner and hands its blobs to the cleanup collaborator.
package media

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
)

// Record is the persisted artifact row the engine reads/writes through
// Store. It mirrors the MediaRecord data model: the core never inspects the
// owner entity directly, only this opaque row.
type Record struct {
	ID                  string
	ModelType           string
	ModelID             string // opaque owner id, already normalized
	Collection          string
	Disk                string
	Path                string
	FileName            string
	Mime                string
	Size                int64
	CustomProperties    map[string]string
	GeneratedConversions []string
	ResponsiveImages     []string
	Superseded          bool
}

// CustomProperty keys recognized by the engine. Values are always strings;
// numeric/bool values are caller-serialized before insertion.
const (
	PropTenantID      = "tenant_id"
	PropUploadUUID    = "upload_uuid"
	PropVersion       = "version"
	PropQuarantineID  = "quarantine_id"
	PropCorrelationID = "correlation_id"
	PropOriginalName  = "original_filename"
)

// Tx is the transactional handle the attacher uses to persist a Record and
// register a post-commit callback. Implementations must only invoke the
// AfterCommit callback once Commit has returned nil.
type Tx interface {
	Insert(ctx context.Context, r *Record) error
	Update(ctx context.Context, r *Record) error
	MarkSuperseded(ctx context.Context, id string) error
	AfterCommit(fn func())
	Commit() error
	Rollback() error
}

// Store is the external relational metadata-store collaborator consumed by
// the engine (§6). It owns the actual MediaRecord row; the engine only sees
// it through this interface.
type Store interface {
	Begin(ctx context.Context) (Tx, error)
	Get(ctx context.Context, id string) (*Record, error)
	// CurrentForOwner returns the current (non-superseded) record for a
	// singleFile collection and owner, or nil if none exists.
	CurrentForOwner(ctx context.Context, collection, modelType, modelID string) (*Record, error)
}

var safeProfilePattern = regexp.MustCompile(`[^a-z0-9-]+`)

// SafeProfileName lowercases and kebab-cases a profile id for use in a
// generated filename, truncated to 40 characters.
func SafeProfileName(profileID string) string {
	s := strings.ToLower(profileID)
	s = safeProfilePattern.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-")
	if s == "" {
		s = "upload"
	}
	if len(s) > 40 {
		s = s[:40]
	}
	return s
}

var extPattern = regexp.MustCompile(`^[a-z0-9]{1,10}$`)

// GenerateFileName builds the deterministic "{safeProfile}-{hash}-{rand8}.{ext}"
// filename. checksum is the pipeline's computed hash (hex); when empty, 32
// hex characters of CSPRNG stand in for it.
func GenerateFileName(profileID, checksum, ext string) (string, error) {
	safe := SafeProfileName(profileID)

	ext = strings.ToLower(strings.TrimPrefix(ext, "."))
	if !extPattern.MatchString(ext) {
		return "", fmt.Errorf("media: invalid extension %q", ext)
	}

	hash := checksum
	if hash == "" {
		b := make([]byte, 16)
		if _, err := rand.Read(b); err != nil {
			return "", fmt.Errorf("media: rand: %w", err)
		}
		hash = hex.EncodeToString(b)
	}

	randSuffix := make([]byte, 4)
	if _, err := rand.Read(randSuffix); err != nil {
		return "", fmt.Errorf("media: rand: %w", err)
	}

	return fmt.Sprintf("%s-%s-%s.%s", safe, hash, hex.EncodeToString(randSuffix), ext), nil
}
