// Package store persists per-contact stage artifacts. Artifacts are keyed by
// job, contact and a stable name; writers never edit in place, so every
// driver keeps earlier revisions and reads return the latest.
package store

import (
	"context"
	"errors"
	"strings"

	"github.com/rotisserie/eris"
)

// ErrNotFound is returned when no artifact exists for a key.
var ErrNotFound = errors.New("store: artifact not found")

// ErrInvalidKey is returned for empty or path-like key parts.
var ErrInvalidKey = errors.New("store: invalid artifact key")

// Stable artifact names.
const (
	Meta              = "meta.json"
	MatchResult       = "step1_match.json"
	BoardCards        = "step1_trello_cards.json"
	BoardErrors       = "step1_trello_errors.json"
	BoardText         = "step1_trello_text.txt"
	BoardError        = "step1_error.json"
	CRMData           = "step2_hubspot.json"
	CRMText           = "step2_hubspot_text.txt"
	MergedContext     = "step2_merged_context.txt"
	CRMError          = "step2_error.json"
	SummaryRaw        = "step3_raw.txt"
	Summary           = "step3_ai.json"
	SummaryError      = "step3_error.json"
	SummaryRerunMeta  = "step3_rerun_meta.json"
	NoteHTML          = "step4_note.html"
	RenderStatus      = "step4_status.json"
	RenderError       = "step4_error.json"
	RenderRerunMeta   = "step4_rerun_meta.json"
	RenderFailedRerun = "step4_failed_render.json"
	Verified          = "verified.json"
	WriteResult       = "hubspot_write_result.json"
	WriteError        = "hubspot_write_error.json"
)

// Key addresses one artifact.
type Key struct {
	JobID     string
	ContactID string
	Name      string
}

func (k Key) String() string {
	return k.JobID + "/" + k.ContactID + "/" + k.Name
}

// Validate rejects empty or path-like key parts.
func (k Key) Validate() error {
	for _, part := range []string{k.JobID, k.ContactID, k.Name} {
		if part == "" || part == "." || part == ".." || strings.ContainsAny(part, `/\`) {
			return eris.Wrapf(ErrInvalidKey, "%q", k.String())
		}
	}
	return nil
}

// Store persists artifacts.
type Store interface {
	Put(ctx context.Context, key Key, data []byte) error
	Get(ctx context.Context, key Key) ([]byte, error)
	// List returns the artifact names present for one contact, sorted.
	List(ctx context.Context, jobID, contactID string) ([]string, error)
	// Contacts returns the contact ids with at least one artifact, sorted.
	Contacts(ctx context.Context, jobID string) ([]string, error)
	// Jobs returns the job ids with at least one artifact, sorted.
	Jobs(ctx context.Context) ([]string, error)
	Close() error
}

// Open creates the store for a driver name: "fs" (root is the output
// directory), "sqlite" (artifacts.db under root) or "postgres" (dsn).
func Open(ctx context.Context, driver, root, dsn string) (Store, error) {
	switch driver {
	case "", "fs":
		return NewFS(root)
	case "sqlite":
		return NewSQLite(sqlitePath(root))
	case "postgres":
		return NewPostgres(ctx, dsn)
	default:
		return nil, eris.Errorf("store: unknown artifact driver %q", driver)
	}
}
