// Package state implements the single durable document that backs the
// rebalancing controller's live job: atomic write-then-rename for
// crash-safe visibility, applied to a single file instead of a database.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/Fantasim/rebalancer/internal/config"
	"github.com/Fantasim/rebalancer/internal/models"
)

// Store is the single-document StateStore. It holds no mutex of its own and
// is not safe for concurrent writers: Save and Archive rely on the engine's
// single-consumer discipline to serialize every call.
type Store struct {
	dir       string
	statePath string
	histPath  string
}

// New opens a Store rooted at dir (created if absent). dir typically matches
// config.Config.StateDir.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, config.StateDirPerm); err != nil {
		return nil, fmt.Errorf("state: create state dir %q: %w", dir, err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "archive"), config.StateDirPerm); err != nil {
		return nil, fmt.Errorf("state: create archive dir: %w", err)
	}
	return &Store{
		dir:       dir,
		statePath: filepath.Join(dir, config.StateFileName),
		histPath:  filepath.Join(dir, config.StateHistoryFile),
	}, nil
}

// Load reads the live document, returning (nil, nil) if none exists — the
// IDLE/no-job case: zero or one active job at a time.
func (s *Store) Load() (*models.RebalanceJob, error) {
	data, err := os.ReadFile(s.statePath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("state: read %q: %w", s.statePath, err)
	}

	var job models.RebalanceJob
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("state: decode %q: %w", s.statePath, err)
	}
	return &job, nil
}

// Save persists job with write-then-atomic-rename and appends one line to
// the JSONL audit trail. The rename happens only after the temp file is
// fsynced, so a crash mid-write never corrupts the previously-visible live
// document: the on-disk document always reflects the most recently
// persisted transition.
func (s *Store) Save(job *models.RebalanceJob) error {
	job.UpdatedAt = time.Now().UnixMilli()
	if job.CreatedAt == 0 {
		job.CreatedAt = job.UpdatedAt
	}

	data, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		return fmt.Errorf("state: encode job: %w", err)
	}

	if err := s.atomicWrite(s.statePath, data); err != nil {
		return err
	}

	s.appendHistory(job)
	return nil
}

// atomicWrite writes data to a .tmp sibling of path, fsyncs it, then renames
// it over path, so a reader never observes a partially-written document.
func (s *Store) atomicWrite(path string, data []byte) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, config.StateFilePerm)
	if err != nil {
		return fmt.Errorf("state: open temp file %q: %w", tmp, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("state: write temp file %q: %w", tmp, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("state: sync temp file %q: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("state: close temp file %q: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("state: rename %q to %q: %w", tmp, path, err)
	}
	return nil
}

// historyLine is one entry in the supplemental JSONL audit trail. Pure
// observability: nothing in the engine reads this file back.
type historyLine struct {
	Timestamp int64                `json:"ts"`
	JobID     string               `json:"jobId"`
	State     models.RebalanceState `json:"state"`
}

func (s *Store) appendHistory(job *models.RebalanceJob) {
	line := historyLine{Timestamp: job.UpdatedAt, JobID: job.JobID, State: job.State}
	data, err := json.Marshal(line)
	if err != nil {
		slog.Warn("state: failed to encode history line", "error", err)
		return
	}

	f, err := os.OpenFile(s.histPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, config.StateFilePerm)
	if err != nil {
		slog.Warn("state: failed to open history file", "error", err)
		return
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		slog.Warn("state: failed to append history line", "error", err)
	}
}

// Archive moves the live document to storage/archive/rebalance-<unix-ms>.json
// and removes the live file: on reaching FINISHED the job is archived and
// cleared, freeing the single-job slot for the next rebalance.
func (s *Store) Archive(job *models.RebalanceJob) error {
	data, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		return fmt.Errorf("state: encode job for archive: %w", err)
	}

	archivePath := filepath.Join(s.dir, "archive", fmt.Sprintf("rebalance-%d.json", time.Now().UnixMilli()))
	if err := os.WriteFile(archivePath, data, config.StateFilePerm); err != nil {
		return fmt.Errorf("state: write archive %q: %w", archivePath, err)
	}

	if err := os.Remove(s.statePath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("state: remove live document: %w", err)
	}

	slog.Info("rebalance job archived", "jobId", job.JobID, "path", archivePath)
	return nil
}

// ListArchived returns the n most recently archived job files, most recent
// first. Used by cmd/inspect.
func (s *Store) ListArchived(n int) ([]*models.RebalanceJob, error) {
	dir := filepath.Join(s.dir, "archive")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("state: read archive dir: %w", err)
	}

	// Directory entries from os.ReadDir are sorted by filename, and
	// filenames embed a monotonically increasing unix-ms timestamp, so
	// reverse order is newest-first.
	var jobs []*models.RebalanceJob
	for i := len(entries) - 1; i >= 0 && len(jobs) < n; i-- {
		if entries[i].IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entries[i].Name()))
		if err != nil {
			slog.Warn("state: failed to read archived job", "file", entries[i].Name(), "error", err)
			continue
		}
		var job models.RebalanceJob
		if err := json.Unmarshal(data, &job); err != nil {
			slog.Warn("state: failed to decode archived job", "file", entries[i].Name(), "error", err)
			continue
		}
		jobs = append(jobs, &job)
	}
	return jobs, nil
}

// StatePath exposes the live document path for cmd/inspect and tests.
func (s *Store) StatePath() string { return s.statePath }
