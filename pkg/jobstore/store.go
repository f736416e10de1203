// Package jobstore implements the on-disk persistence of active job
// documents a stage service needs for crash recovery (spec.md §4.B).
//
// Directory layout:
//
//	<root>/job-<id>.json
//
// One file per job id, written atomically (write-temp-then-rename), so a
// crash mid-write never leaves a half-written record behind.
package jobstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrNotFound is returned by Get when no record exists for the given id.
var ErrNotFound = errors.New("jobstore: job not found")

// Store persists and loads job records from an on-disk directory, one
// file per job id.
type Store struct {
	dir string
}

// New creates a Store rooted at dir. The directory is created lazily on
// first write, matching spec.md §4.B ("directory is created on service
// start if absent") once the caller invokes EnsureDir.
func New(dir string) *Store {
	return &Store{dir: strings.TrimSpace(dir)}
}

// Dir returns the store's root directory.
func (s *Store) Dir() string {
	return s.dir
}

// EnsureDir creates the job directory if it does not already exist.
func (s *Store) EnsureDir() error {
	if s.dir == "" {
		return fmt.Errorf("jobstore: root directory is empty")
	}
	return os.MkdirAll(s.dir, 0o755)
}

func (s *Store) path(id string) string {
	return filepath.Join(s.dir, fmt.Sprintf("job-%s.json", id))
}

// Persist writes a job record for id. doc is marshaled as indented JSON
// (encoding/json writes struct fields in declaration order and map keys
// in sorted order, so the same value always yields the same bytes) and
// written via a temp-file-then-rename so readers never observe a
// partial write.
func (s *Store) Persist(id string, doc interface{}) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("jobstore: job id is required")
	}
	if err := s.EnsureDir(); err != nil {
		return err
	}

	b, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("jobstore: marshal job %s: %w", id, err)
	}
	b = append(b, '\n')

	tmp, err := os.CreateTemp(s.dir, fmt.Sprintf("job-%s.json.tmp.*", id))
	if err != nil {
		return fmt.Errorf("jobstore: create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("jobstore: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("jobstore: close temp file: %w", err)
	}
	if err := os.Rename(tmpName, s.path(id)); err != nil {
		return fmt.Errorf("jobstore: rename job file: %w", err)
	}
	return nil
}

// Get reads the job record for id into out (a pointer).
func (s *Store) Get(id string, out interface{}) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("jobstore: job id is required")
	}
	b, err := os.ReadFile(s.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return err
	}
	if strings.TrimSpace(string(b)) == "" {
		return fmt.Errorf("jobstore: job-%s.json is empty", id)
	}
	return json.Unmarshal(b, out)
}

// Delete removes the persisted record for id. Deleting an already-absent
// job is not an error: the framework deletes on explicit delete, on
// terminal completion, and on rejection, and any of those paths may race
// with another delete.
func (s *Store) Delete(id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("jobstore: job id is required")
	}
	err := os.Remove(s.path(id))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// RawRecord is a file discovered at startup, still in its raw JSON form
// so ListAll's caller can unmarshal it into a service-specific document
// type.
type RawRecord struct {
	ID  string
	Raw json.RawMessage
}

// ListAll yields every job record on disk, for rehydration at service
// start. Every file in the job directory at startup corresponds to an
// unfinished job (spec.md §3 invariant). Corrupt files are logged by the
// caller and skipped, never deleted — a malformed file might be
// recoverable by an operator, so jobstore never destroys data on a
// read path.
func (s *Store) ListAll() ([]RawRecord, []error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, []error{fmt.Errorf("jobstore: read dir: %w", err)}
	}

	var records []RawRecord
	var errs []error
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasPrefix(name, "job-") || !strings.HasSuffix(name, ".json") || strings.Contains(name, ".tmp.") {
			continue
		}
		id := strings.TrimSuffix(strings.TrimPrefix(name, "job-"), ".json")

		b, err := os.ReadFile(filepath.Join(s.dir, name))
		if err != nil {
			errs = append(errs, fmt.Errorf("jobstore: read %s: %w", name, err))
			continue
		}
		if strings.TrimSpace(string(b)) == "" {
			errs = append(errs, fmt.Errorf("jobstore: %s is empty", name))
			continue
		}
		var probe json.RawMessage
		if err := json.Unmarshal(b, &probe); err != nil {
			errs = append(errs, fmt.Errorf("jobstore: corrupt %s: %w", name, err))
			continue
		}
		records = append(records, RawRecord{ID: id, Raw: probe})
	}
	return records, errs
}
