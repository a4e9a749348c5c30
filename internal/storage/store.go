package storage

import (
	"errors"
	"fmt"
	"os"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/spf13/afero"
)

// ErrKeyNotFound is returned by Get and Delete for a missing key.
var ErrKeyNotFound = errors.New("key not found")

// Store is a flat key/value store of opaque blobs.
type Store interface {
	Get(key string) ([]byte, error)
	Put(key string, value []byte) error
	Delete(key string) error
	List() ([]string, error)
	Stats() (StoreStats, error)
}

// StoreStats summarises a store's contents.
type StoreStats struct {
	Keys  int   `json:"keys"`
	Bytes int64 `json:"bytes"`
}

// FSStore keeps one file per key under a directory of an afero filesystem.
// Writes go to a temporary file that is renamed into place, so readers never
// observe a partially written value.
type FSStore struct {
	fs  afero.Fs
	dir string
	mu  sync.Mutex
}

const tmpSuffix = ".tmp"

// NewFSStore creates dir if needed.
func NewFSStore(fs afero.Fs, dir string) (*FSStore, error) {
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}
	return &FSStore{fs: fs, dir: dir}, nil
}

// NewOSStore is an FSStore on the host filesystem.
func NewOSStore(dir string) (*FSStore, error) {
	return NewFSStore(afero.NewOsFs(), dir)
}

func validKey(key string) error {
	if key == "" || strings.ContainsAny(key, `/\`) || key == "." || key == ".." || strings.HasSuffix(key, tmpSuffix) {
		return fmt.Errorf("invalid key %q", key)
	}
	return nil
}

func (s *FSStore) path(key string) string {
	return path.Join(s.dir, key)
}

func (s *FSStore) Get(key string) ([]byte, error) {
	if err := validKey(key); err != nil {
		return nil, err
	}
	data, err := afero.ReadFile(s.fs, s.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrKeyNotFound
	}
	return data, err
}

func (s *FSStore) Put(key string, value []byte) error {
	if err := validKey(key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tmp := s.path(key) + tmpSuffix
	if err := afero.WriteFile(s.fs, tmp, value, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	if err := s.fs.Rename(tmp, s.path(key)); err != nil {
		_ = s.fs.Remove(tmp)
		return fmt.Errorf("commit %s: %w", key, err)
	}
	return nil
}

func (s *FSStore) Delete(key string) error {
	if err := validKey(key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.fs.Remove(s.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return ErrKeyNotFound
	}
	return err
}

// List returns keys in lexical order.
func (s *FSStore) List() ([]string, error) {
	infos, err := afero.ReadDir(s.fs, s.dir)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(infos))
	for _, fi := range infos {
		if fi.IsDir() || strings.HasSuffix(fi.Name(), tmpSuffix) {
			continue
		}
		keys = append(keys, fi.Name())
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *FSStore) Stats() (StoreStats, error) {
	infos, err := afero.ReadDir(s.fs, s.dir)
	if err != nil {
		return StoreStats{}, err
	}
	var st StoreStats
	for _, fi := range infos {
		if fi.IsDir() || strings.HasSuffix(fi.Name(), tmpSuffix) {
			continue
		}
		st.Keys++
		st.Bytes += fi.Size()
	}
	return st, nil
}
