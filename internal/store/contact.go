package store

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/rotisserie/eris"
)

// Contact is a contact-scoped view of a Store.
type Contact struct {
	Store     Store
	JobID     string
	ContactID string

	lockPath string
}

// NewContact returns the view for one contact. Exclusive locks are taken on
// files under lockDir.
func NewContact(st Store, lockDir, jobID, contactID string) *Contact {
	return &Contact{
		Store:     st,
		JobID:     jobID,
		ContactID: contactID,
		lockPath:  lockFile(lockDir, jobID, contactID),
	}
}

// lockFile is the lock for one contact under an output directory. Every
// view of the same contact must resolve to the same file.
func lockFile(root, jobID, contactID string) string {
	return filepath.Join(root, "locks", jobID+"_"+contactID+".lock")
}

// OpenContactDir returns a view over a bare contact directory, as laid out
// by FSStore. The job id is taken from the path when it follows that layout.
func OpenContactDir(dir string) (*Contact, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, eris.Wrapf(err, "store: open contact dir %s", dir)
	}
	if !info.IsDir() {
		return nil, eris.Errorf("store: %s is not a directory", dir)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, eris.Wrap(err, "store: resolve contact dir")
	}

	contactID := filepath.Base(abs)
	jobID := "local"
	lockPath := filepath.Join(abs, ".lock")
	// <root>/jobs/<job>/contacts/<contact> shares its lock with NewContact.
	if parent := filepath.Dir(abs); filepath.Base(parent) == "contacts" {
		jobDir := filepath.Dir(parent)
		jobID = filepath.Base(jobDir)
		if jobsDir := filepath.Dir(jobDir); filepath.Base(jobsDir) == "jobs" {
			lockPath = lockFile(filepath.Dir(jobsDir), jobID, contactID)
		}
	}
	return &Contact{
		Store:     &dirStore{dir: abs, now: time.Now},
		JobID:     jobID,
		ContactID: contactID,
		lockPath:  lockPath,
	}, nil
}

func (c *Contact) key(name string) Key {
	return Key{JobID: c.JobID, ContactID: c.ContactID, Name: name}
}

// Put stores raw bytes.
func (c *Contact) Put(ctx context.Context, name string, data []byte) error {
	return c.Store.Put(ctx, c.key(name), data)
}

// Get loads raw bytes.
func (c *Contact) Get(ctx context.Context, name string) ([]byte, error) {
	return c.Store.Get(ctx, c.key(name))
}

// PutText stores a text artifact.
func (c *Contact) PutText(ctx context.Context, name, text string) error {
	return c.Put(ctx, name, []byte(text))
}

// GetText loads a text artifact.
func (c *Contact) GetText(ctx context.Context, name string) (string, error) {
	b, err := c.Get(ctx, name)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// PutJSON stores v as indented JSON.
func (c *Contact) PutJSON(ctx context.Context, name string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return eris.Wrapf(err, "store: marshal %s", name)
	}
	return c.Put(ctx, name, b)
}

// GetJSON decodes a JSON artifact into v.
func (c *Contact) GetJSON(ctx context.Context, name string, v any) error {
	b, err := c.Get(ctx, name)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(b, v); err != nil {
		return eris.Wrapf(err, "store: decode %s", name)
	}
	return nil
}

// Has reports whether an artifact exists.
func (c *Contact) Has(ctx context.Context, name string) (bool, error) {
	_, err := c.Get(ctx, name)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// List returns the artifact names present for the contact.
func (c *Contact) List(ctx context.Context) ([]string, error) {
	return c.Store.List(ctx, c.JobID, c.ContactID)
}

// Lock takes an exclusive inter-process lock on the contact, polling until
// ctx is done. The returned func releases it.
func (c *Contact) Lock(ctx context.Context) (func(), error) {
	if err := os.MkdirAll(filepath.Dir(c.lockPath), 0o755); err != nil {
		return nil, eris.Wrap(err, "store: create lock dir")
	}
	fl := flock.New(c.lockPath)
	ok, err := fl.TryLockContext(ctx, 50*time.Millisecond)
	if err != nil {
		return nil, eris.Wrapf(err, "store: lock %s/%s", c.JobID, c.ContactID)
	}
	if !ok {
		return nil, eris.Errorf("store: contact %s/%s is locked", c.JobID, c.ContactID)
	}
	return func() { _ = fl.Unlock() }, nil
}

// TryLock takes the lock without waiting. ok is false when another holder
// has it.
func (c *Contact) TryLock() (unlock func(), ok bool, err error) {
	if err := os.MkdirAll(filepath.Dir(c.lockPath), 0o755); err != nil {
		return nil, false, eris.Wrap(err, "store: create lock dir")
	}
	fl := flock.New(c.lockPath)
	locked, err := fl.TryLock()
	if err != nil {
		return nil, false, eris.Wrapf(err, "store: lock %s/%s", c.JobID, c.ContactID)
	}
	if !locked {
		return nil, false, nil
	}
	return func() { _ = fl.Unlock() }, true, nil
}
