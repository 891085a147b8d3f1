package metadata

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/onnwee/stream-archiver/archerr"
)

// ErrBusy is returned by Acquire when another phase owns the document.
var ErrBusy = errors.New("metadata document owned by another phase")

// Store hands out exclusive leases on metadata documents. One Store must be shared by every
// writer in the process so that a live session and a backfill never write the same folder
// at the same time.
type Store struct {
	mu   sync.Mutex
	held map[string]string // abs path -> owner
}

// NewStore returns an empty lease registry.
func NewStore() *Store { return &Store{held: map[string]string{}} }

// Lease is the right to read-modify-write one folder's metadata document.
type Lease struct {
	store *Store
	path  string
	owner string
	once  sync.Once
}

// Acquire takes ownership of folder's document for owner (e.g. "session", "backfill").
func (s *Store) Acquire(folder, owner string) (*Lease, error) {
	path, err := filepath.Abs(filepath.Join(folder, FileName))
	if err != nil {
		return nil, archerr.IO("metadata acquire", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.held[path]; ok {
		return nil, fmt.Errorf("%w: %s held by %s", ErrBusy, path, cur)
	}
	s.held[path] = owner
	return &Lease{store: s, path: path, owner: owner}, nil
}

// Owner returns who holds folder's document, or "" when free.
func (s *Store) Owner(folder string) string {
	path, err := filepath.Abs(filepath.Join(folder, FileName))
	if err != nil {
		return ""
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.held[path]
}

// Path is the document's file path.
func (l *Lease) Path() string { return l.path }

// Release gives the document back. Safe to call more than once.
func (l *Lease) Release() {
	l.once.Do(func() {
		l.store.mu.Lock()
		delete(l.store.held, l.path)
		l.store.mu.Unlock()
	})
}

// Load reads the document. A missing file yields an empty document; a corrupt one yields
// an empty document plus a data error so the caller can log it and continue on defaults.
func (l *Lease) Load() (*Document, error) { return Load(l.path) }

// Save atomically replaces the document.
func (l *Lease) Save(doc *Document) error {
	_, err := l.save(doc, false)
	return err
}

// SaveIfChanged writes only when the serialized document differs from the file on disk.
func (l *Lease) SaveIfChanged(doc *Document) (bool, error) { return l.save(doc, true) }

func (l *Lease) save(doc *Document, onlyChanged bool) (bool, error) {
	data, err := json.MarshalIndent(doc, "", "    ")
	if err != nil {
		return false, archerr.Data("metadata encode", err)
	}
	data = append(data, '\n')
	if onlyChanged {
		if cur, err := os.ReadFile(l.path); err == nil && bytes.Equal(cur, data) {
			return false, nil
		}
	}
	if err := writeAtomic(l.path, data); err != nil {
		return false, archerr.IO("metadata save", err)
	}
	return true, nil
}

// Load reads a document without a lease, for read-only callers.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return &Document{}, nil
	}
	if err != nil {
		return &Document{}, archerr.IO("metadata load", err)
	}
	doc := &Document{}
	if err := json.Unmarshal(data, doc); err != nil {
		return &Document{}, archerr.Data("metadata load", fmt.Errorf("%s: %w", path, err))
	}
	return doc, nil
}

// writeAtomic writes data to a temp file in the same directory and renames it over path.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".metadata-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return err
	}
	return nil
}
