package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

const historyDir = ".history"

// FSStore keeps artifacts as files under
// <root>/jobs/<job>/contacts/<contact>/<name>. Replaced files are kept in a
// .history directory next to them.
type FSStore struct {
	root string
	now  func() time.Time
}

// NewFS creates a filesystem store rooted at root.
func NewFS(root string) (*FSStore, error) {
	if root == "" {
		return nil, eris.New("store: fs root is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, eris.Wrapf(err, "store: create %s", root)
	}
	return &FSStore{root: root, now: time.Now}, nil
}

// Root returns the output directory.
func (s *FSStore) Root() string {
	return s.root
}

// ContactDir returns the directory holding one contact's artifacts.
func (s *FSStore) ContactDir(jobID, contactID string) string {
	return filepath.Join(s.root, "jobs", jobID, "contacts", contactID)
}

func (s *FSStore) Put(_ context.Context, key Key, data []byte) error {
	if err := key.Validate(); err != nil {
		return err
	}
	return writeAtomic(s.ContactDir(key.JobID, key.ContactID), key.Name, data, s.now)
}

func (s *FSStore) Get(_ context.Context, key Key) ([]byte, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	return readFile(filepath.Join(s.ContactDir(key.JobID, key.ContactID), key.Name), key)
}

func (s *FSStore) List(_ context.Context, jobID, contactID string) ([]string, error) {
	return listFiles(s.ContactDir(jobID, contactID))
}

func (s *FSStore) Contacts(_ context.Context, jobID string) ([]string, error) {
	return listDirs(filepath.Join(s.root, "jobs", jobID, "contacts"))
}

func (s *FSStore) Jobs(_ context.Context) ([]string, error) {
	return listDirs(filepath.Join(s.root, "jobs"))
}

func listDirs(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "store: list %s", dir)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			ids = append(ids, e.Name())
		}
	}
	slices.Sort(ids)
	return ids, nil
}

func (s *FSStore) Close() error { return nil }

// dirStore maps every key onto a single contact directory. It backs
// OpenContactDir for callers that only hold a path.
type dirStore struct {
	dir string
	now func() time.Time
}

func (s *dirStore) Put(_ context.Context, key Key, data []byte) error {
	if err := key.Validate(); err != nil {
		return err
	}
	return writeAtomic(s.dir, key.Name, data, s.now)
}

func (s *dirStore) Get(_ context.Context, key Key) ([]byte, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	return readFile(filepath.Join(s.dir, key.Name), key)
}

func (s *dirStore) List(_ context.Context, _, _ string) ([]string, error) {
	return listFiles(s.dir)
}

func (s *dirStore) Contacts(_ context.Context, _ string) ([]string, error) {
	return []string{filepath.Base(s.dir)}, nil
}

// Jobs is empty: a bare directory belongs to no listed job.
func (s *dirStore) Jobs(_ context.Context) ([]string, error) {
	return nil, nil
}

func (s *dirStore) Close() error { return nil }

// writeAtomic replaces dir/name with data. The new content is fully written
// before the previous file is archived, and the final rename keeps the target
// present for concurrent readers throughout.
func writeAtomic(dir, name string, data []byte, now func() time.Time) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return eris.Wrapf(err, "store: create %s", dir)
	}
	target := filepath.Join(dir, name)

	tmp, err := os.CreateTemp(dir, "."+name+".tmp-*")
	if err != nil {
		return eris.Wrapf(err, "store: temp file for %s", target)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()           //nolint:errcheck
		os.Remove(tmp.Name()) //nolint:errcheck
		return eris.Wrapf(err, "store: write %s", target)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name()) //nolint:errcheck
		return eris.Wrapf(err, "store: close %s", target)
	}

	if err := archive(dir, name, now); err != nil {
		os.Remove(tmp.Name()) //nolint:errcheck
		return err
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		os.Remove(tmp.Name()) //nolint:errcheck
		return eris.Wrapf(err, "store: rename %s", target)
	}
	return nil
}

// archive keeps a copy of the current dir/name under .history without
// removing it. Missing targets are not an error.
func archive(dir, name string, now func() time.Time) error {
	target := filepath.Join(dir, name)
	if _, err := os.Stat(target); errors.Is(err, fs.ErrNotExist) {
		return nil
	} else if err != nil {
		return eris.Wrapf(err, "store: stat %s", target)
	}

	hist := filepath.Join(dir, historyDir)
	if err := os.MkdirAll(hist, 0o755); err != nil {
		return eris.Wrapf(err, "store: create %s", hist)
	}
	prev := filepath.Join(hist, fmt.Sprintf("%s.%d", name, now().UnixNano()))
	if err := os.Link(target, prev); err == nil {
		return nil
	}
	// Hard links are not available everywhere; fall back to a copy.
	data, err := os.ReadFile(target)
	if err != nil {
		return eris.Wrapf(err, "store: archive %s", target)
	}
	return eris.Wrapf(os.WriteFile(prev, data, 0o644), "store: archive %s", target)
}

func readFile(path string, key Key) ([]byte, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, eris.Wrap(ErrNotFound, key.String())
	}
	if err != nil {
		return nil, eris.Wrapf(err, "store: read %s", key.String())
	}
	return data, nil
}

func listFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "store: list %s", dir)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		names = append(names, e.Name())
	}
	slices.Sort(names)
	return names, nil
}

func sqlitePath(root string) string {
	if root == "" {
		root = "."
	}
	return filepath.Join(root, "artifacts.db")
}
