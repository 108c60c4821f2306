// Package pathlayout computes deterministic, tenant-first storage paths for
// accepted artifacts. Every returned path is run through horosafe.SafePath
// before any disk collaborator touches it.
package pathlayout

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hazyhaar/uploadguard/horosafe"
	"github.com/hazyhaar/uploadguard/idgen"
	"github.com/hazyhaar/uploadguard/uploaderr"
)

// Category is the path-category a profile is configured with.
type Category string

const (
	CategoryAvatars      Category = "avatars"
	CategoryImages       Category = "images"
	CategoryDocuments    Category = "documents"
	CategorySpreadsheets Category = "spreadsheets"
	CategoryImports      Category = "imports"
	CategorySecrets      Category = "secrets"
	CategoryOther        Category = "other"
)

// Request carries the inputs to pathForProfile. UniqueID and Version are
// optional: a missing UniqueID is freshly generated, a missing avatar
// Version falls back to the current unix timestamp.
type Request struct {
	Category  Category
	TenantID  string
	OwnerID   string // required for avatars
	Extension string
	Version   string
	UniqueID  string
	Date      time.Time
}

// Layout resolves the relative path within a disk for one artifact.
type Layout struct {
	newID idgen.Generator
}

// New creates a Layout. gen defaults to a random UUID v4 generator
// (uuid.NewString) when nil.
func New(gen idgen.Generator) *Layout {
	if gen == nil {
		gen = uuid.NewString
	}
	return &Layout{newID: gen}
}

// PathForProfile returns the relative path for req, per the category
// templates in the path layout table.
func (l *Layout) PathForProfile(req Request) (string, error) {
	ext := strings.ToLower(strings.TrimPrefix(req.Extension, "."))
	uid := req.UniqueID
	if uid == "" {
		uid = l.newID()
	}
	date := req.Date
	if date.IsZero() {
		date = time.Now().UTC()
	}
	yyyy := fmt.Sprintf("%04d", date.Year())
	mm := fmt.Sprintf("%02d", date.Month())

	var rel string
	switch req.Category {
	case CategoryAvatars:
		if req.OwnerID == "" {
			return "", &uploaderr.OwnerRequired{}
		}
		version := req.Version
		if version == "" {
			version = strconv.FormatInt(time.Now().Unix(), 10)
		}
		rel = fmt.Sprintf("users/%s/avatars/%s/v%s.%s", req.OwnerID, uid, version, ext)
	case CategoryImages:
		rel = fmt.Sprintf("media/images/%s/%s/%s.%s", yyyy, mm, uid, ext)
	case CategoryDocuments:
		rel = fmt.Sprintf("documents/%s/%s/%s.pdf", yyyy, mm, uid)
	case CategorySpreadsheets:
		rel = fmt.Sprintf("spreadsheets/%s/%s/%s.xlsx", yyyy, mm, uid)
	case CategoryImports:
		rel = fmt.Sprintf("imports/%s/%s/%s.csv", yyyy, mm, uid)
	case CategorySecrets:
		rel = fmt.Sprintf("secrets/certificates/%s.p12", uid)
	case CategoryOther, "":
		rel = fmt.Sprintf("uploads/%s/%s/%s.%s", yyyy, mm, uid, ext)
	default:
		return "", fmt.Errorf("pathlayout: unknown category %q", req.Category)
	}

	full := "tenants/" + req.TenantID + "/" + rel
	if _, err := horosafe.SafePath("tenants", strings.TrimPrefix(full, "tenants/")); err != nil {
		return "", fmt.Errorf("pathlayout: %w", err)
	}
	return full, nil
}

// BaseDirectory returns the directory containing path (path with its last
// segment removed).
func BaseDirectory(path string) string {
	idx := strings.LastIndex(path, "/")
	if idx < 0 {
		return ""
	}
	return path[:idx]
}

// ConversionsDirectory returns the conversions/ sibling directory for path.
func ConversionsDirectory(path string) string {
	return BaseDirectory(path) + "/conversions/"
}

// ResponsiveImagesDirectory returns the responsive-images/ sibling directory.
func ResponsiveImagesDirectory(path string) string {
	return BaseDirectory(path) + "/responsive-images/"
}
