// Package quarantine implements the Quarantine Store: an isolated disk area
// holding raw artifacts with sidecar metadata and TTL, pending validation
// and scanning.
package quarantine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/hazyhaar/uploadguard/uploaderr"
)

// State is a QuarantineToken's lifecycle stage.
type State string

const (
	StatePending State = "pending"
	StateScanned State = "scanned"
	StateAccepted State = "accepted"
	StateRejected State = "rejected"
	StateExpired  State = "expired"
)

// Token identifies one quarantined artifact.
type Token struct {
	ID          string
	Disk        string
	RelPath     string
	Hash        string
	SidecarPresent bool
	CreatedAt   time.Time
	TTLHours    int
	State       State
	ProfileID   string
}

type sidecar struct {
	Hash      string `json:"hash"`
	CreatedAt int64  `json:"created_at"`
	TTLHours  int    `json:"ttl_hours"`
	State     State  `json:"state"`
	ProfileID string `json:"profile_id"`
}

// Store manages quarantine blobs and sidecars under root.
type Store struct {
	root string
}

// New creates a Store rooted at root (a directory on the quarantine disk,
// typically "{quarantineDisk}/quarantine").
func New(root string) *Store {
	return &Store{root: root}
}

func (s *Store) blobPath(correlationID string) string {
	return filepath.Join(s.root, correlationID+".bin")
}

func (s *Store) sidecarPath(correlationID string) string {
	return filepath.Join(s.root, correlationID+".meta")
}

// Ingest streams r to the quarantine blob, hashing it in a single pass via
// io.TeeReader, then writes the sidecar. The sidecar's create-exclusive open
// doubles as the per-token lock: a second Ingest for the same correlationID
// fails rather than silently overwriting state.
func (s *Store) Ingest(ctx context.Context, correlationID, profileID string, ttlHours int, r io.Reader) (*Token, error) {
	if err := os.MkdirAll(s.root, 0o755); err != nil {
		return nil, fmt.Errorf("quarantine: mkdir: %w", err)
	}

	sidecarFile, err := os.OpenFile(s.sidecarPath(correlationID), os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("quarantine: acquire sidecar lock: %w", err)
	}

	blobFile, err := os.OpenFile(s.blobPath(correlationID), os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		sidecarFile.Close()
		os.Remove(s.sidecarPath(correlationID))
		return nil, fmt.Errorf("quarantine: create blob: %w", err)
	}

	hasher := sha256.New()
	tee := io.TeeReader(r, hasher)
	_, copyErr := io.Copy(blobFile, tee)
	closeErr := blobFile.Close()
	if copyErr != nil || closeErr != nil {
		sidecarFile.Close()
		os.Remove(s.blobPath(correlationID))
		os.Remove(s.sidecarPath(correlationID))
		if copyErr != nil {
			return nil, fmt.Errorf("quarantine: write blob: %w", copyErr)
		}
		return nil, fmt.Errorf("quarantine: close blob: %w", closeErr)
	}

	hash := hex.EncodeToString(hasher.Sum(nil))
	sc := sidecar{Hash: hash, CreatedAt: time.Now().Unix(), TTLHours: ttlHours, State: StatePending, ProfileID: profileID}
	enc := json.NewEncoder(sidecarFile)
	encErr := enc.Encode(sc)
	closeSidecarErr := sidecarFile.Close()
	if encErr != nil || closeSidecarErr != nil {
		os.Remove(s.blobPath(correlationID))
		os.Remove(s.sidecarPath(correlationID))
		if encErr != nil {
			return nil, fmt.Errorf("quarantine: write sidecar: %w", encErr)
		}
		return nil, fmt.Errorf("quarantine: close sidecar: %w", closeSidecarErr)
	}

	return &Token{
		ID: correlationID, RelPath: correlationID + ".bin", Hash: hash,
		SidecarPresent: true, CreatedAt: time.Unix(sc.CreatedAt, 0), TTLHours: ttlHours,
		State: StatePending, ProfileID: profileID,
	}, nil
}

// BlobPath returns the absolute path to a token's blob, for the scan
// coordinator and image normalizer to read directly off disk.
func (s *Store) BlobPath(correlationID string) string {
	return s.blobPath(correlationID)
}

// Read opens the blob for correlationID after verifying its hash still
// matches the sidecar's recorded hash.
func (s *Store) Read(ctx context.Context, correlationID string) (io.ReadCloser, *Token, error) {
	tok, err := s.loadToken(correlationID)
	if err != nil {
		return nil, nil, err
	}

	f, err := os.Open(s.blobPath(correlationID))
	if err != nil {
		return nil, nil, fmt.Errorf("quarantine: open blob: %w", err)
	}

	hasher := sha256.New()
	if _, err := io.Copy(hasher, f); err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("quarantine: rehash blob: %w", err)
	}
	if hex.EncodeToString(hasher.Sum(nil)) != tok.Hash {
		f.Close()
		return nil, nil, &uploaderr.QuarantineIntegrity{CorrelationID: correlationID}
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("quarantine: rewind blob: %w", err)
	}
	return f, tok, nil
}

func (s *Store) loadToken(correlationID string) (*Token, error) {
	data, err := os.ReadFile(s.sidecarPath(correlationID))
	if err != nil {
		return nil, fmt.Errorf("quarantine: read sidecar: %w", err)
	}
	var sc sidecar
	if err := json.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("quarantine: parse sidecar: %w", err)
	}
	return &Token{
		ID: correlationID, RelPath: correlationID + ".bin", Hash: sc.Hash,
		SidecarPresent: true, CreatedAt: time.Unix(sc.CreatedAt, 0), TTLHours: sc.TTLHours,
		State: sc.State, ProfileID: sc.ProfileID,
	}, nil
}

func (s *Store) setState(correlationID string, state State) error {
	tok, err := s.loadToken(correlationID)
	if err != nil {
		return err
	}
	tok.State = state
	sc := sidecar{Hash: tok.Hash, CreatedAt: tok.CreatedAt.Unix(), TTLHours: tok.TTLHours, State: state, ProfileID: tok.ProfileID}
	data, err := json.Marshal(sc)
	if err != nil {
		return fmt.Errorf("quarantine: marshal sidecar: %w", err)
	}
	return os.WriteFile(s.sidecarPath(correlationID), data, 0o644)
}

// Accept marks a token accepted (idempotent). Callers still move/delete the
// blob themselves once the final storage write succeeds.
func (s *Store) Accept(ctx context.Context, correlationID string) error {
	return s.setState(correlationID, StateAccepted)
}

// MarkScanned transitions a token from pending to scanned after the Scan
// Coordinator clears it.
func (s *Store) MarkScanned(ctx context.Context, correlationID string) error {
	return s.setState(correlationID, StateScanned)
}

// Reject deletes a token's blob and sidecar.
func (s *Store) Reject(ctx context.Context, correlationID string) error {
	_ = s.setState(correlationID, StateRejected)
	var errs []error
	if err := os.Remove(s.blobPath(correlationID)); err != nil && !os.IsNotExist(err) {
		errs = append(errs, err)
	}
	if err := os.Remove(s.sidecarPath(correlationID)); err != nil && !os.IsNotExist(err) {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// PruneStale removes blob+sidecar pairs whose created_at+ttl_hours has
// elapsed, falling back to fallbackTTLHours when a sidecar's own ttl is zero.
func (s *Store) PruneStale(ctx context.Context, fallbackTTLHours int) (int, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("quarantine: list root: %w", err)
	}

	removed := 0
	now := time.Now()
	for _, e := range entries {
		name := e.Name()
		if filepath.Ext(name) != ".meta" {
			continue
		}
		correlationID := name[:len(name)-len(".meta")]
		tok, err := s.loadToken(correlationID)
		if err != nil {
			continue
		}
		ttl := tok.TTLHours
		if ttl <= 0 {
			ttl = fallbackTTLHours
		}
		if now.After(tok.CreatedAt.Add(time.Duration(ttl) * time.Hour)) {
			os.Remove(s.blobPath(correlationID))
			os.Remove(s.sidecarPath(correlationID))
			removed++
		}
	}
	return removed, nil
}

// CleanupOrphanedSidecars removes a sidecar with no matching blob, or a blob
// with no matching sidecar.
func (s *Store) CleanupOrphanedSidecars(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("quarantine: list root: %w", err)
	}

	blobs := make(map[string]bool)
	sidecars := make(map[string]bool)
	for _, e := range entries {
		name := e.Name()
		switch filepath.Ext(name) {
		case ".bin":
			blobs[name[:len(name)-len(".bin")]] = true
		case ".meta":
			sidecars[name[:len(name)-len(".meta")]] = true
		}
	}

	removed := 0
	for id := range sidecars {
		if !blobs[id] {
			os.Remove(s.sidecarPath(id))
			removed++
		}
	}
	for id := range blobs {
		if !sidecars[id] {
			os.Remove(s.blobPath(id))
			removed++
		}
	}
	return removed, nil
}
