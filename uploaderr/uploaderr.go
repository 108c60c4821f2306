// Package uploaderr defines the tagged error-kind taxonomy for the upload
// ingestion engine. Each kind is its own exported type implementing error,
// so callers branch with errors.As instead of string-matching.
package uploaderr

import "fmt"

// Validation kinds.

type ProfileNotFound struct{ ProfileID string }

func (e *ProfileNotFound) Error() string { return fmt.Sprintf("upload: profile not found: %s", e.ProfileID) }

type InvalidOwnerID struct{ Mode, Value string }

func (e *InvalidOwnerID) Error() string {
	return fmt.Sprintf("upload: invalid owner id for mode %s", e.Mode)
}

type OwnerRequired struct{}

func (e *OwnerRequired) Error() string { return "upload: owner id required for this profile" }

type MaintenanceActive struct{ Message string }

func (e *MaintenanceActive) Error() string { return "upload: service under maintenance: " + e.Message }

type BodyTooLarge struct{ MaxBytes int64 }

func (e *BodyTooLarge) Error() string {
	return fmt.Sprintf("upload: body exceeds configured maximum of %d bytes", e.MaxBytes)
}

type Oversize struct {
	SizeBytes, MaxBytes int64
}

func (e *Oversize) Error() string {
	return fmt.Sprintf("upload: file exceeds max size (%d > %d bytes)", e.SizeBytes, e.MaxBytes)
}

type MimeNotAllowed struct{ Mime string }

func (e *MimeNotAllowed) Error() string { return fmt.Sprintf("upload: mime type not allowed: %s", e.Mime) }

type ExtensionNotAllowed struct{ Extension string }

func (e *ExtensionNotAllowed) Error() string {
	return fmt.Sprintf("upload: extension not allowed: %s", e.Extension)
}

type SignatureMismatch struct{ Reason string }

func (e *SignatureMismatch) Error() string { return "upload: magic signature mismatch: " + e.Reason }

type PolyglotDetected struct{ Markers []string }

func (e *PolyglotDetected) Error() string {
	return fmt.Sprintf("upload: polyglot file detected: %v", e.Markers)
}

type SuspiciousPayload struct{ Pattern string }

func (e *SuspiciousPayload) Error() string { return "upload: suspicious payload pattern matched" }

type DimensionsOutOfBounds struct{ Width, Height int }

func (e *DimensionsOutOfBounds) Error() string {
	return fmt.Sprintf("upload: image dimensions out of bounds: %dx%d", e.Width, e.Height)
}

type SuspiciousRatio struct{ Ratio float64 }

func (e *SuspiciousRatio) Error() string {
	return fmt.Sprintf("upload: suspicious pixel ratio: %.1f", e.Ratio)
}

// Security kinds.

type VirusDetected struct {
	Scanner    string
	Signatures []string
}

func (e *VirusDetected) Error() string {
	return fmt.Sprintf("upload: virus detected by %s: %v", e.Scanner, e.Signatures)
}

type ScanFailed struct {
	Scanner string
	Cause   error
}

func (e *ScanFailed) Error() string { return fmt.Sprintf("upload: scan failed (%s): %v", e.Scanner, e.Cause) }
func (e *ScanFailed) Unwrap() error { return e.Cause }

type YaraRulesIntegrity struct{ Detail string }

func (e *YaraRulesIntegrity) Error() string { return "upload: yara rules integrity check failed: " + e.Detail }

// Pipeline kinds.

type NormalizationFailed struct{ Cause error }

func (e *NormalizationFailed) Error() string { return fmt.Sprintf("upload: image normalization failed: %v", e.Cause) }
func (e *NormalizationFailed) Unwrap() error { return e.Cause }

type QuarantineIntegrity struct {
	CorrelationID string
}

func (e *QuarantineIntegrity) Error() string {
	return fmt.Sprintf("upload: quarantine integrity check failed: %s", e.CorrelationID)
}

type UploadTimeout struct{ CorrelationID string }

func (e *UploadTimeout) Error() string { return fmt.Sprintf("upload: timed out: %s", e.CorrelationID) }

type StorageWriteFailed struct {
	Disk, Path string
	Cause      error
}

func (e *StorageWriteFailed) Error() string {
	return fmt.Sprintf("upload: storage write failed (%s/%s): %v", e.Disk, e.Path, e.Cause)
}
func (e *StorageWriteFailed) Unwrap() error { return e.Cause }

type AttachFailed struct{ Cause error }

func (e *AttachFailed) Error() string { return fmt.Sprintf("upload: attach failed: %v", e.Cause) }
func (e *AttachFailed) Unwrap() error { return e.Cause }

// Operational kinds (never fatal; logged at WARNING by the caller).

type DeletePreviousFailed struct {
	MediaID string
	Cause   error
}

func (e *DeletePreviousFailed) Error() string {
	return fmt.Sprintf("upload: delete previous media failed (%s): %v", e.MediaID, e.Cause)
}
func (e *DeletePreviousFailed) Unwrap() error { return e.Cause }

type ConversionWarning struct {
	Name  string
	Cause error
}

func (e *ConversionWarning) Error() string {
	return fmt.Sprintf("upload: conversion warning (%s): %v", e.Name, e.Cause)
}
func (e *ConversionWarning) Unwrap() error { return e.Cause }
