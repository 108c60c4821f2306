// Package ownerid normalizes caller-supplied owner identifiers according to
// the configured identifier kind. Normalization is pure validate-and-cast;
// it never performs I/O.
package ownerid

import (
	"strconv"
	"strings"

	"github.com/hazyhaar/uploadguard/uploaderr"
)

// Mode selects how owner identifiers are validated and normalized.
type Mode string

const (
	ModeInt       Mode = "int"
	ModeUUID      Mode = "uuid"
	ModeULID      Mode = "ulid"
	ModeStringAny Mode = "string-any"
)

// Normalize validates raw against mode and returns the canonical form.
func Normalize(mode Mode, raw string) (string, error) {
	switch mode {
	case ModeInt:
		return normalizeInt(raw)
	case ModeUUID:
		return normalizeUUID(raw)
	case ModeULID:
		return normalizeULID(raw)
	case ModeStringAny, "":
		return normalizeStringAny(raw)
	default:
		return "", &uploaderr.InvalidOwnerID{Mode: string(mode), Value: raw}
	}
}

func normalizeInt(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" || strings.ContainsAny(trimmed, ".eE") {
		// Reject floats (even integer-valued, e.g. "42.0") and empty input.
		return "", &uploaderr.InvalidOwnerID{Mode: string(ModeInt), Value: raw}
	}
	n, err := strconv.ParseInt(trimmed, 10, 64)
	if err != nil || n < 0 {
		return "", &uploaderr.InvalidOwnerID{Mode: string(ModeInt), Value: raw}
	}
	return strconv.FormatInt(n, 10), nil
}

func normalizeUUID(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if !isCanonicalLowerUUID(s) {
		return "", &uploaderr.InvalidOwnerID{Mode: string(ModeUUID), Value: raw}
	}
	return s, nil
}

func isCanonicalLowerUUID(s string) bool {
	if len(s) != 36 {
		return false
	}
	for i, r := range s {
		switch i {
		case 8, 13, 18, 23:
			if r != '-' {
				return false
			}
		default:
			if !((r >= '0' && r <= '9') || (r >= 'a' && r <= 'f')) {
				return false
			}
		}
	}
	return true
}

const crockfordAlphabet = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"

func normalizeULID(raw string) (string, error) {
	s := strings.ToUpper(strings.TrimSpace(raw))
	if len(s) != 26 {
		return "", &uploaderr.InvalidOwnerID{Mode: string(ModeULID), Value: raw}
	}
	for _, r := range s {
		if !strings.ContainsRune(crockfordAlphabet, r) {
			return "", &uploaderr.InvalidOwnerID{Mode: string(ModeULID), Value: raw}
		}
	}
	return s, nil
}

func normalizeStringAny(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", &uploaderr.InvalidOwnerID{Mode: string(ModeStringAny), Value: raw}
	}
	return s, nil
}
