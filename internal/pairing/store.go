package pairing

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/afero"
)

const tmpSuffix = ".tmp"

// ErrInvalidName is returned when a credential file name is not a plain file name.
var ErrInvalidName = errors.New("pairing: invalid credential file name")

// CredentialStore is the credential area of one session: a flat directory of files.
type CredentialStore struct {
	fs  afero.Fs
	dir string
}

// NewCredentialStore creates dir on fs (if needed) and returns a store rooted there.
func NewCredentialStore(fs afero.Fs, dir string) (*CredentialStore, error) {
	if dir == "" {
		return nil, errors.New("pairing: credential dir is empty")
	}
	if err := fs.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("pairing: create credential dir: %w", err)
	}
	return &CredentialStore{fs: fs, dir: dir}, nil
}

// OpenCredentialStore returns a store over an existing credential area.
func OpenCredentialStore(fs afero.Fs, dir string) (*CredentialStore, error) {
	ok, err := afero.DirExists(fs, dir)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("pairing: credential dir %s: %w", dir, os.ErrNotExist)
	}
	return &CredentialStore{fs: fs, dir: dir}, nil
}

// Dir returns the credential area path.
func (s *CredentialStore) Dir() string {
	return s.dir
}

// Save writes one credential file atomically: a reader sees either the old or the new contents.
func (s *CredentialStore) Save(name string, data []byte) error {
	if !validName(name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	path := filepath.Join(s.dir, name)
	tmp := path + tmpSuffix
	if err := afero.WriteFile(s.fs, tmp, data, 0o600); err != nil {
		return err
	}
	if err := s.fs.Rename(tmp, path); err != nil {
		_ = s.fs.Remove(tmp)
		return err
	}
	return nil
}

// SaveAll writes files in name order, stopping at the first failure.
func (s *CredentialStore) SaveAll(files map[string][]byte) error {
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := s.Save(name, files[name]); err != nil {
			return err
		}
	}
	return nil
}

// Snapshot returns the current contents of every credential file.
func (s *CredentialStore) Snapshot() (map[string][]byte, error) {
	infos, err := afero.ReadDir(s.fs, s.dir)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]byte, len(infos))
	for _, fi := range infos {
		if fi.IsDir() || strings.HasSuffix(fi.Name(), tmpSuffix) {
			continue
		}
		data, err := afero.ReadFile(s.fs, filepath.Join(s.dir, fi.Name()))
		if err != nil {
			return nil, err
		}
		out[fi.Name()] = data
	}
	return out, nil
}

// Remove deletes the credential area and everything in it.
func (s *CredentialStore) Remove() error {
	return s.fs.RemoveAll(s.dir)
}

func validName(name string) bool {
	if name == "" || name == "." || name == ".." || strings.HasSuffix(name, tmpSuffix) {
		return false
	}
	return !strings.ContainsAny(name, `/\`)
}
