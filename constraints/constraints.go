// Package constraints implements the File Constraints & Magic-Byte
// Validator: ordered structural checks over a quarantined file's bytes on
// disk, never the caller-claimed metadata.
package constraints

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"log/slog"
	"net/http"
	"os"
	"regexp"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	"github.com/hazyhaar/uploadguard/uploaderr"
)

const (
	magicHeaderBytes      = 512
	suspiciousPayloadScan = 64 * 1024
)

// FileConstraints mirrors the data model's FileConstraints record.
type FileConstraints struct {
	MaxSizeBytes            int64
	AllowedMimes            map[string]bool
	AllowedExtensions       map[string]bool
	AllowedSignatures       []Signature // ordered hex-prefix → label
	EnforceStrictMagicBytes bool
	PreventPolyglotFiles    bool
	MinWidth, MinHeight     int
	MaxWidth, MaxHeight     int
	MaxPixelRatio           float64
	SuspiciousPatterns      []string // regex source; invalid entries are skipped
	IsPDF                   bool     // enables step 8 (document-structural validation)
}

// Signature is one allowed magic-byte prefix, in hex, with a human label.
type Signature struct {
	HexPrefix string
	Label     string
}

// Context carries request-scoped information the validator logs alongside
// a rejection, never the raw filename.
type Context struct {
	OriginalFilename string
	Mime             string // caller-claimed, used only for the log line
}

// Outcome is what validate(...) produces on success: sanitized text
// properties and, for images, decoded dimensions.
type Outcome struct {
	RealMime         string
	Width, Height    int
	SanitizedFilename string
}

var textSanitizer = bluemonday.StrictPolicy()

// Validate runs the full ordered check sequence against the file at path
// and returns the sanitized outcome or the first applicable error kind.
func Validate(path string, size int64, c FileConstraints, rc Context) (*Outcome, error) {
	if size > c.MaxSizeBytes {
		logRejection(rc, "oversize")
		return nil, &uploaderr.Oversize{SizeBytes: size, MaxBytes: c.MaxSizeBytes}
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("constraints: open: %w", err)
	}
	defer f.Close()

	header := make([]byte, magicHeaderBytes)
	n, _ := io.ReadFull(f, header)
	header = header[:n]

	realMime := sniffMime(header)
	if len(c.AllowedMimes) > 0 && !c.AllowedMimes[realMime] {
		logRejection(rc, "mime_not_allowed")
		return nil, &uploaderr.MimeNotAllowed{Mime: realMime}
	}

	ext := strings.ToLower(strings.TrimPrefix(extOf(rc.OriginalFilename), "."))
	if len(c.AllowedExtensions) > 0 && !c.AllowedExtensions[ext] {
		logRejection(rc, "extension_not_allowed")
		return nil, &uploaderr.ExtensionNotAllowed{Extension: ext}
	}

	if len(c.AllowedSignatures) > 0 {
		hexHeader := hex.EncodeToString(header)
		matched := false
		for _, sig := range c.AllowedSignatures {
			if strings.HasPrefix(hexHeader, strings.ToLower(sig.HexPrefix)) {
				matched = true
				break
			}
		}
		if !matched {
			logRejection(rc, "signature_mismatch")
			return nil, &uploaderr.SignatureMismatch{Reason: "no allowed signature matched header"}
		}
	}

	if c.PreventPolyglotFiles {
		if markers := polyglotMarkers(header); len(markers) > 0 {
			logRejection(rc, "polyglot_detected")
			return nil, &uploaderr.PolyglotDetected{Markers: markers}
		}
	}

	if len(c.SuspiciousPatterns) > 0 {
		if _, err := f.Seek(0, io.SeekStart); err == nil {
			buf := make([]byte, suspiciousPayloadScan)
			nn, _ := io.ReadFull(bufio.NewReader(f), buf)
			buf = buf[:nn]
			for _, pat := range c.SuspiciousPatterns {
				re, err := regexp.Compile(pat)
				if err != nil {
					// Invalid regex: skip, but log so operators notice a bad config entry.
					logRejection(rc, "invalid_suspicious_pattern_skipped")
					continue
				}
				if re.Match(buf) {
					logRejection(rc, "suspicious_payload")
					return nil, &uploaderr.SuspiciousPayload{Pattern: pat}
				}
			}
		}
	}

	outcome := &Outcome{RealMime: realMime, SanitizedFilename: textSanitizer.Sanitize(rc.OriginalFilename)}

	if strings.HasPrefix(realMime, "image/") {
		if _, err := f.Seek(0, io.SeekStart); err == nil {
			cfg, _, err := image.DecodeConfig(f)
			if err == nil {
				outcome.Width, outcome.Height = cfg.Width, cfg.Height
				if (c.MaxWidth > 0 && cfg.Width > c.MaxWidth) || (c.MaxHeight > 0 && cfg.Height > c.MaxHeight) ||
					(c.MinWidth > 0 && cfg.Width < c.MinWidth) || (c.MinHeight > 0 && cfg.Height < c.MinHeight) {
					logRejection(rc, "dimensions_out_of_bounds")
					return nil, &uploaderr.DimensionsOutOfBounds{Width: cfg.Width, Height: cfg.Height}
				}
				if c.MaxPixelRatio > 0 {
					maxDim := cfg.Width
					if cfg.Height > maxDim {
						maxDim = cfg.Height
					}
					if maxDim > 0 {
						ratio := float64(cfg.Width*cfg.Height) / float64(maxDim)
						if ratio > c.MaxPixelRatio {
							logRejection(rc, "suspicious_ratio")
							return nil, &uploaderr.SuspiciousRatio{Ratio: ratio}
						}
					}
				}
			}
		}
	}

	if c.IsPDF {
		pf, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("constraints: open for pdf validation: %w", err)
		}
		_, validateErr := api.ReadValidateAndOptimize(pf, model.NewDefaultConfiguration())
		pf.Close()
		if validateErr != nil {
			// A structural anomaly (truncated/hostile xref) folds into
			// SignatureMismatch rather than trusting the magic bytes alone.
			logRejection(rc, "pdf_structural_validation_failed")
			return nil, &uploaderr.SignatureMismatch{Reason: "pdf structural validation: " + validateErr.Error()}
		}
	}

	return outcome, nil
}

// sniffMime detects the real MIME type from the leading bytes of the file,
// matching the teacher's own sniffing practice (sas_ingester/metadata.go)
// rather than trusting the caller-claimed content type.
func sniffMime(header []byte) string {
	mime := http.DetectContentType(header)
	if idx := strings.IndexByte(mime, ';'); idx >= 0 {
		mime = strings.TrimSpace(mime[:idx])
	}
	return mime
}

func polyglotMarkers(header []byte) []string {
	limit := len(header)
	if limit > magicHeaderBytes {
		limit = magicHeaderBytes
	}
	window := header[:limit]
	var markers []string
	if bytes.Contains(window, []byte("<?")) {
		markers = append(markers, "php_tag")
	}
	if bytes.Contains(window, []byte("%PDF")) {
		markers = append(markers, "pdf")
	}
	if bytes.Contains(window, []byte("PK\x03\x04")) {
		markers = append(markers, "zip")
	}
	if len(markers) > 1 {
		return markers
	}
	return nil
}

func extOf(filename string) string {
	idx := strings.LastIndex(filename, ".")
	if idx < 0 {
		return ""
	}
	return filename[idx:]
}

func logRejection(rc Context, reason string) {
	slog.Warn("constraints: rejected", "reason", reason, "filename_hash", FilenameHash(rc.OriginalFilename))
}

// FilenameHash returns the sha256 hex digest of filename, for use in audit
// log entries that must never carry the raw filename.
func FilenameHash(filename string) string {
	sum := sha256.Sum256([]byte(filename))
	return hex.EncodeToString(sum[:])
}
