// Package store persists component binaries, one "<id>.wasm" file per
// component, in the component directory.
package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/afero"

	"github.com/gnufoo/MeCP/errors"
)

// Ext is the file extension of persisted components.
const Ext = ".wasm"

// Store is a directory of component binaries.
type Store struct {
	fs  afero.Fs
	dir string
}

// New returns a store rooted at dir on fs, creating the directory.
func New(fs afero.Fs, dir string) (*Store, error) {
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.IO(errors.PhaseStore, "create component directory "+dir, err)
	}
	return &Store{fs: fs, dir: dir}, nil
}

// NewOS returns a store on the real filesystem.
func NewOS(dir string) (*Store, error) {
	return New(afero.NewOsFs(), dir)
}

// Dir returns the store's directory.
func (s *Store) Dir() string { return s.dir }

// Fs returns the underlying filesystem.
func (s *Store) Fs() afero.Fs { return s.fs }

// Path returns the file path of component id.
func (s *Store) Path(id string) string {
	return filepath.Join(s.dir, id+Ext)
}

// ValidID reports whether id can name a persisted component.
func ValidID(id string) bool {
	if id == "" || id == "." || id == ".." {
		return false
	}
	return !strings.ContainsAny(id, `/\:`) && !strings.HasPrefix(id, ".")
}

// IDFromPath derives a component id from the file stem of path.
func IDFromPath(path string) string {
	return strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
}

// Put writes the bytes of id atomically: a temporary file is written in the
// same directory and renamed over the target.
func (s *Store) Put(id string, wasm []byte) error {
	if !ValidID(id) {
		return errors.InvalidInput(errors.PhaseStore, fmt.Sprintf("invalid component id %q", id))
	}
	tmp, err := afero.TempFile(s.fs, s.dir, "."+id+"-*.tmp")
	if err != nil {
		return errors.IO(errors.PhaseStore, "create temporary file", err)
	}
	name := tmp.Name()
	cleanup := func() { _ = s.fs.Remove(name) }

	if _, err := tmp.Write(wasm); err != nil {
		_ = tmp.Close()
		cleanup()
		return errors.IO(errors.PhaseStore, "write "+id, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return errors.IO(errors.PhaseStore, "sync "+id, err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return errors.IO(errors.PhaseStore, "close "+id, err)
	}
	if err := s.fs.Rename(name, s.Path(id)); err != nil {
		cleanup()
		return errors.IO(errors.PhaseStore, "rename "+id, err)
	}
	return nil
}

// Get reads the bytes of id.
func (s *Store) Get(id string) ([]byte, error) {
	b, err := afero.ReadFile(s.fs, s.Path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NotFound(errors.PhaseStore, "component file", id)
		}
		return nil, errors.IO(errors.PhaseStore, "read "+id, err)
	}
	return b, nil
}

// Exists reports whether id has a persisted file.
func (s *Store) Exists(id string) bool {
	ok, err := afero.Exists(s.fs, s.Path(id))
	return err == nil && ok
}

// Delete removes the file of id. A missing file is not an error.
func (s *Store) Delete(id string) error {
	err := s.fs.Remove(s.Path(id))
	if err != nil && !os.IsNotExist(err) {
		return errors.IO(errors.PhaseStore, "delete "+id, err)
	}
	return nil
}

// List returns the ids of all persisted components, sorted.
func (s *Store) List() ([]string, error) {
	entries, err := afero.ReadDir(s.fs, s.dir)
	if err != nil {
		return nil, errors.IO(errors.PhaseStore, "list "+s.dir, err)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != Ext {
			continue
		}
		if id := IDFromPath(e.Name()); ValidID(id) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}
