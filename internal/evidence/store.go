package evidence

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/osiriscare/appliance/internal/clock"
)

// UploadState is the lifecycle of a sealed bundle's delivery to WORM storage.
type UploadState string

const (
	UploadPending UploadState = "pending"
	UploadUploaded UploadState = "uploaded"
	UploadFailed  UploadState = "failed"
)

// RegistryEntry tracks one bundle's upload state across retries.
type RegistryEntry struct {
	BundleID  string      `json:"bundle_id"`
	State     UploadState `json:"state"`
	Reason    string      `json:"reason,omitempty"`
	Attempts  int         `json:"attempts"`
	WORMURI   string      `json:"worm_uri,omitempty"`
}

// Store writes sealed bundles to <state_dir>/evidence/YYYY/MM/DD/ and
// tracks their upload state in .upload_registry.json. It is the Evidence
// Generator's exclusive resource alongside Chain.
type Store struct {
	mu       sync.Mutex
	baseDir  string
	regPath  string
	clock    clock.Clock
	registry map[string]*RegistryEntry
}

// OpenStore loads an existing upload registry (if present) rooted at
// baseDir (typically <state_dir>/evidence).
func OpenStore(baseDir string, c clock.Clock) (*Store, error) {
	s := &Store{
		baseDir:  baseDir,
		regPath:  filepath.Join(baseDir, ".upload_registry.json"),
		clock:    c,
		registry: map[string]*RegistryEntry{},
	}
	data, err := os.ReadFile(s.regPath)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("read upload registry: %w", err)
	}
	var entries []RegistryEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse upload registry: %w", err)
	}
	for i := range entries {
		s.registry[entries[i].BundleID] = &entries[i]
	}
	return s, nil
}

// WriteBundle persists a sealed bundle's JSON and a sibling .sig file
// holding just its signature, under evidence/YYYY/MM/DD/{bundle_id}.json,
// and records it pending in the upload registry.
func (s *Store) WriteBundle(b *Bundle) error {
	if b.ContentHash == "" || b.Signature == "" {
		return fmt.Errorf("bundle %s must be sealed before writing", b.BundleID)
	}

	dir, err := bundleDateDir(s.baseDir, b.BundleID)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create evidence dir: %w", err)
	}

	jsonPath := filepath.Join(dir, b.BundleID+".json")
	body, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal bundle: %w", err)
	}
	if err := os.WriteFile(jsonPath, body, 0600); err != nil {
		return fmt.Errorf("write bundle json: %w", err)
	}

	sigPath := filepath.Join(dir, b.BundleID+".sig")
	if err := os.WriteFile(sigPath, []byte(b.Signature), 0600); err != nil {
		return fmt.Errorf("write bundle sig: %w", err)
	}

	s.mu.Lock()
	s.registry[b.BundleID] = &RegistryEntry{BundleID: b.BundleID, State: UploadPending}
	defer s.mu.Unlock()
	return s.persistRegistry()
}

// ReadBundle loads a previously written bundle back off disk. The bundle
// ID's embedded YYYYMMDD (see NewBundleID) locates its directory directly,
// so the upload worker never has to keep its own in-memory copy between a
// process restart and a retried upload.
func (s *Store) ReadBundle(bundleID string) (*Bundle, error) {
	dir, err := bundleDateDir(s.baseDir, bundleID)
	if err != nil {
		return nil, err
	}
	body, err := os.ReadFile(filepath.Join(dir, bundleID+".json"))
	if err != nil {
		return nil, fmt.Errorf("read bundle %s: %w", bundleID, err)
	}
	var b Bundle
	if err := json.Unmarshal(body, &b); err != nil {
		return nil, fmt.Errorf("parse bundle %s: %w", bundleID, err)
	}
	return &b, nil
}

func bundleDateDir(baseDir, bundleID string) (string, error) {
	var year, month, day int
	if _, err := fmt.Sscanf(bundleID, "EB-%4d%2d%2d-", &year, &month, &day); err != nil {
		return "", fmt.Errorf("bundle ID %q doesn't match EB-YYYYMMDD-NNNN: %w", bundleID, err)
	}
	return filepath.Join(baseDir, fmt.Sprintf("%04d", year), fmt.Sprintf("%02d", month), fmt.Sprintf("%02d", day)), nil
}

// MarkUploaded records a successful WORM upload.
func (s *Store) MarkUploaded(bundleID, wormURI string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.registry[bundleID]
	if !ok {
		return fmt.Errorf("unknown bundle %s", bundleID)
	}
	entry.State = UploadUploaded
	entry.WORMURI = wormURI
	entry.Reason = ""
	return s.persistRegistry()
}

// MarkFailed records a failed upload attempt; the bundle stays pending for
// the upload worker to retry.
func (s *Store) MarkFailed(bundleID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.registry[bundleID]
	if !ok {
		return fmt.Errorf("unknown bundle %s", bundleID)
	}
	entry.State = UploadFailed
	entry.Reason = reason
	entry.Attempts++
	return s.persistRegistry()
}

// Pending returns bundle IDs still awaiting upload, in deterministic order.
func (s *Store) Pending() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for id, entry := range s.registry {
		if entry.State != UploadUploaded {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

func (s *Store) persistRegistry() error {
	entries := make([]RegistryEntry, 0, len(s.registry))
	for _, e := range s.registry {
		entries = append(entries, *e)
	}
	body, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal registry: %w", err)
	}
	if err := os.MkdirAll(s.baseDir, 0700); err != nil {
		return fmt.Errorf("create evidence dir: %w", err)
	}
	tmp := s.regPath + ".tmp"
	if err := os.WriteFile(tmp, body, 0600); err != nil {
		return fmt.Errorf("write registry: %w", err)
	}
	return os.Rename(tmp, s.regPath)
}
