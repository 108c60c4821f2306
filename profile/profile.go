// Package profile implements the Profile Registry: a process-wide immutable
// mapping from profile id to UploadProfile, loaded once at startup from a
// YAML document. Mutation after construction is prohibited; Get never
// returns a pointer a caller could mutate the registry through.
package profile

import (
	"context"
	"database/sql"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/uploadguard/constraints"
	"github.com/hazyhaar/uploadguard/pathlayout"
	"github.com/hazyhaar/uploadguard/uploaderr"
)

// Kind is the closed family of profile kinds. Represented as a tagged
// variant rather than open inheritance, per the design notes.
type Kind string

const (
	KindAvatar      Kind = "avatar"
	KindImage       Kind = "image"
	KindDocument    Kind = "document"
	KindSpreadsheet Kind = "spreadsheet"
	KindImport      Kind = "import"
	KindSecret      Kind = "secret"
)

type ProcessingMode string

const (
	ProcessingImagePipeline ProcessingMode = "image-pipeline"
	ProcessingNone          ProcessingMode = "none"
)

type ScanMode string

const (
	ScanRequired ScanMode = "required"
	ScanOptional ScanMode = "optional"
	ScanDisabled ScanMode = "disabled"
)

type ServingMode string

const (
	ServingControllerSigned ServingMode = "controller-signed"
	ServingPrivateSigned    ServingMode = "private-signed"
	ServingPublic           ServingMode = "public"
	ServingForbidden        ServingMode = "forbidden"
)

// ConversionDimensions is the target size for one named conversion
// (e.g. "thumb" → 64x64).
type ConversionDimensions struct {
	Name   string `yaml:"name"`
	Width  int    `yaml:"width"`
	Height int    `yaml:"height"`
}

// Profile is the UploadProfile record: id, kind, and every admission/
// processing/serving rule associated with it.
type Profile struct {
	ID                         string                 `yaml:"id"`
	Kind                       Kind                   `yaml:"kind"`
	ProcessingMode             ProcessingMode         `yaml:"processing_mode"`
	ScanMode                   ScanMode               `yaml:"scan_mode"`
	ServingMode                ServingMode            `yaml:"serving_mode"`
	PathCategory               pathlayout.Category    `yaml:"path_category"`
	SingleFile                 bool                   `yaml:"single_file"`
	RequiresImageNormalization bool                   `yaml:"requires_image_normalization"`
	Conversions                []ConversionDimensions `yaml:"conversions"`
	FileConstraints            constraints.FileConstraints `yaml:"-"`
	UsesQuarantine             bool                   `yaml:"uses_quarantine"`
	QuarantineTTLHours         int                    `yaml:"quarantine_ttl_hours"`
	FailedTTLHours             int                    `yaml:"failed_ttl_hours"`
	Collection                 string                 `yaml:"collection"`
	Disk                       string                 `yaml:"disk"`
}

// yamlDocument is the on-disk shape of the profile registry's config file.
// FileConstraints in YAML use simpler field names than the Go struct; they
// are translated in Load().
type yamlDocument struct {
	DefaultDisk string        `yaml:"default_disk"`
	Profiles    []yamlProfile `yaml:"profiles"`
}

type yamlProfile struct {
	Profile            `yaml:",inline"`
	MaxSizeBytes       int64    `yaml:"max_size_bytes"`
	AllowedMimes       []string `yaml:"allowed_mimes"`
	AllowedExtensions  []string `yaml:"allowed_extensions"`
	AllowedSignatures  []struct {
		HexPrefix string `yaml:"hex_prefix"`
		Label     string `yaml:"label"`
	} `yaml:"allowed_signatures"`
	EnforceStrictMagicBytes bool     `yaml:"enforce_strict_magic_bytes"`
	PreventPolyglotFiles    bool     `yaml:"prevent_polyglot_files"`
	MinWidth                int      `yaml:"min_width"`
	MinHeight               int      `yaml:"min_height"`
	MaxWidth                int      `yaml:"max_width"`
	MaxHeight               int      `yaml:"max_height"`
	MaxPixelRatio           float64  `yaml:"max_pixel_ratio"`
	SuspiciousPatterns      []string `yaml:"suspicious_payload_patterns"`
	IsPDF                   bool     `yaml:"is_pdf"`
}

// Registry is the immutable, process-wide profile map.
type Registry struct {
	defaultDisk string
	profiles    map[string]Profile
}

// Load parses a YAML document into a Registry. It does not touch SQLite;
// call MirrorToSQLite separately if an inspection mirror is wanted.
func Load(data []byte) (*Registry, error) {
	var doc yamlDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("profile: parse registry document: %w", err)
	}

	reg := &Registry{defaultDisk: doc.DefaultDisk, profiles: make(map[string]Profile, len(doc.Profiles))}
	for _, yp := range doc.Profiles {
		p := yp.Profile
		p.FileConstraints = constraints.FileConstraints{
			MaxSizeBytes:            yp.MaxSizeBytes,
			AllowedMimes:            toSet(yp.AllowedMimes),
			AllowedExtensions:       toSet(yp.AllowedExtensions),
			EnforceStrictMagicBytes: yp.EnforceStrictMagicBytes,
			PreventPolyglotFiles:    yp.PreventPolyglotFiles,
			MinWidth:                yp.MinWidth,
			MinHeight:               yp.MinHeight,
			MaxWidth:                yp.MaxWidth,
			MaxHeight:               yp.MaxHeight,
			MaxPixelRatio:           yp.MaxPixelRatio,
			SuspiciousPatterns:      yp.SuspiciousPatterns,
			IsPDF:                   yp.IsPDF,
		}
		for _, s := range yp.AllowedSignatures {
			p.FileConstraints.AllowedSignatures = append(p.FileConstraints.AllowedSignatures,
				constraints.Signature{HexPrefix: s.HexPrefix, Label: s.Label})
		}
		if p.Disk == "" {
			p.Disk = doc.DefaultDisk
		}
		reg.profiles[p.ID] = p
	}
	return reg, nil
}

func toSet(items []string) map[string]bool {
	if len(items) == 0 {
		return nil
	}
	set := make(map[string]bool, len(items))
	for _, it := range items {
		set[it] = true
	}
	return set
}

// Get returns the profile for id or ProfileNotFound.
func (r *Registry) Get(id string) (Profile, error) {
	p, ok := r.profiles[id]
	if !ok {
		return Profile{}, &uploaderr.ProfileNotFound{ProfileID: id}
	}
	return p, nil
}

// EffectiveDisk resolves a profile's disk, falling back to the registry's
// configured default when the profile doesn't name one.
func (r *Registry) EffectiveDisk(p Profile) string {
	if p.Disk != "" {
		return p.Disk
	}
	return r.defaultDisk
}

// ConversionDimensionsFor returns the configured {width,height} for a named
// conversion, or ok=false if the profile has no such conversion.
func (p Profile) ConversionDimensionsFor(name string) (ConversionDimensions, bool) {
	for _, c := range p.Conversions {
		if c.Name == name {
			return c, true
		}
	}
	return ConversionDimensions{}, false
}

// mirrorSchema is the read-only SQLite inspection surface. The in-memory
// map remains authoritative at request time; this table exists purely so
// operators can inspect the loaded registry with ordinary SQL.
const mirrorSchema = `
CREATE TABLE IF NOT EXISTS profile_registry_mirror (
	profile_id TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	processing_mode TEXT NOT NULL,
	scan_mode TEXT NOT NULL,
	serving_mode TEXT NOT NULL,
	path_category TEXT NOT NULL,
	single_file INTEGER NOT NULL,
	disk TEXT NOT NULL,
	loaded_at INTEGER NOT NULL DEFAULT (strftime('%s','now'))
);`

// MirrorToSQLite writes a read-only snapshot of the loaded registry into db,
// for operator inspection/audit only — never read back by Get.
func (r *Registry) MirrorToSQLite(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, mirrorSchema); err != nil {
		return fmt.Errorf("profile: create mirror table: %w", err)
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("profile: begin mirror tx: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM profile_registry_mirror`); err != nil {
		tx.Rollback()
		return fmt.Errorf("profile: clear mirror: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO profile_registry_mirror
		(profile_id, kind, processing_mode, scan_mode, serving_mode, path_category, single_file, disk)
		VALUES (?,?,?,?,?,?,?,?)`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("profile: prepare mirror insert: %w", err)
	}
	defer stmt.Close()
	for _, p := range r.profiles {
		if _, err := stmt.ExecContext(ctx, p.ID, p.Kind, p.ProcessingMode, p.ScanMode, p.ServingMode,
			p.PathCategory, p.SingleFile, r.EffectiveDisk(p)); err != nil {
			tx.Rollback()
			return fmt.Errorf("profile: insert mirror row %s: %w", p.ID, err)
		}
	}
	return tx.Commit()
}
