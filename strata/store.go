package strata

import (
	"bytes"
	"context"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
)

// cleanObjectPath normalizes a slash-separated object path. It rejects
// empty, absolute-only and escaping paths. The bool reports validity.
func cleanObjectPath(p string) (string, bool) {
	if p == "" {
		return "", false
	}
	cleaned := strings.TrimPrefix(path.Clean(filepath.ToSlash(p)), "/")
	if cleaned == "" || cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", false
	}
	return cleaned, true
}

// cleanObjectPrefix is cleanObjectPath for list prefixes, where the empty
// prefix ("everything") is valid.
func cleanObjectPrefix(p string) (string, bool) {
	if p == "" {
		return "", true
	}
	cleaned := strings.TrimPrefix(path.Clean(filepath.ToSlash(p)), "/")
	if cleaned == "." {
		return "", true
	}
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", false
	}
	return cleaned, true
}

// -----------------------------------------------------------------------------
// Filesystem ObjectStore
// -----------------------------------------------------------------------------

// fsStore keeps objects as plain files under a root directory.
type fsStore struct {
	root string
}

// NewFSStore creates a filesystem-backed ObjectStore rooted at dir, which
// must already exist.
//
// Consistency: immediate read-after-write on local filesystems. Put
// replaces objects atomically via rename.
func NewFSStore(dir string) (ObjectStore, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, os.ErrNotExist
	}
	return &fsStore{root: dir}, nil
}

// resolve maps an object path to its on-disk location.
func (f *fsStore) resolve(p string) (string, error) {
	cleaned, ok := cleanObjectPath(p)
	if !ok {
		return "", ErrInvalidPath
	}
	return filepath.Join(f.root, filepath.FromSlash(cleaned)), nil
}

func (f *fsStore) Put(_ context.Context, p string, r io.Reader) error {
	target, err := f.resolve(p)
	if err != nil {
		return err
	}
	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	// Write beside the target, then rename over it, so readers never see a
	// partially written object.
	tmp, err := os.CreateTemp(dir, ".strata-*")
	if err != nil {
		return err
	}
	if _, err := io.Copy(tmp, r); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return nil
}

func (f *fsStore) Get(_ context.Context, p string) (io.ReadCloser, error) {
	target, err := f.resolve(p)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(target)
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return file, nil
}

func (f *fsStore) Exists(_ context.Context, p string) (bool, error) {
	target, err := f.resolve(p)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(target); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (f *fsStore) List(_ context.Context, prefix string) ([]string, error) {
	cleaned, ok := cleanObjectPrefix(prefix)
	if !ok {
		return nil, ErrInvalidPath
	}
	searchRoot := filepath.Join(f.root, filepath.FromSlash(cleaned))

	var paths []string
	err := filepath.WalkDir(searchRoot, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(f.root, p)
		if err != nil {
			return err
		}
		paths = append(paths, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return paths, nil
}

func (f *fsStore) Delete(_ context.Context, p string) error {
	target, err := f.resolve(p)
	if err != nil {
		return err
	}
	if err := os.Remove(target); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Sync flushes the root directory entry to durable storage.
func (f *fsStore) Sync() error {
	dir, err := os.Open(f.root)
	if err != nil {
		return err
	}
	defer func() { _ = dir.Close() }()
	return dir.Sync()
}

// -----------------------------------------------------------------------------
// Memory ObjectStore
// -----------------------------------------------------------------------------

// memoryStore holds objects in a map. It backs tests and throwaway
// containers.
type memoryStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

// NewMemoryStore creates an in-memory ObjectStore.
//
// Consistency: immediate. Safe for concurrent use.
func NewMemoryStore() ObjectStore {
	return &memoryStore{objects: make(map[string][]byte)}
}

func (m *memoryStore) Put(_ context.Context, p string, r io.Reader) error {
	cleaned, ok := cleanObjectPath(p)
	if !ok {
		return ErrInvalidPath
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.objects[cleaned] = data
	m.mu.Unlock()
	return nil
}

func (m *memoryStore) Get(_ context.Context, p string) (io.ReadCloser, error) {
	cleaned, ok := cleanObjectPath(p)
	if !ok {
		return nil, ErrInvalidPath
	}
	m.mu.RLock()
	data, found := m.objects[cleaned]
	m.mu.RUnlock()
	if !found {
		return nil, ErrNotFound
	}
	// Copy so callers never alias the stored bytes.
	return io.NopCloser(bytes.NewReader(append([]byte(nil), data...))), nil
}

func (m *memoryStore) Exists(_ context.Context, p string) (bool, error) {
	cleaned, ok := cleanObjectPath(p)
	if !ok {
		return false, ErrInvalidPath
	}
	m.mu.RLock()
	_, found := m.objects[cleaned]
	m.mu.RUnlock()
	return found, nil
}

func (m *memoryStore) List(_ context.Context, prefix string) ([]string, error) {
	cleaned, ok := cleanObjectPrefix(prefix)
	if !ok {
		return nil, ErrInvalidPath
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var paths []string
	for p := range m.objects {
		if strings.HasPrefix(p, cleaned) {
			paths = append(paths, p)
		}
	}
	return paths, nil
}

func (m *memoryStore) Delete(_ context.Context, p string) error {
	cleaned, ok := cleanObjectPath(p)
	if !ok {
		return ErrInvalidPath
	}
	m.mu.Lock()
	delete(m.objects, cleaned)
	m.mu.Unlock()
	return nil
}
