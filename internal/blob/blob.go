// Package blob stores uploaded audio files on the local filesystem.
//
// Files are named "<job_id>.<ext>" under a single root directory. The store
// is deliberately dumb: jobs hold all metadata, the blob store only moves
// bytes. Paths derived from job ids are validated so a crafted id cannot
// escape the root.
package blob

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// ErrNotFound is returned when the requested audio file does not exist.
var ErrNotFound = errors.New("blob: not found")

// Store persists audio files under a root directory.
type Store struct {
	root string
}

// NewStore creates a Store rooted at dir, creating the directory if needed.
func NewStore(dir string) (*Store, error) {
	if dir == "" {
		return nil, errors.New("blob: root directory must not be empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("blob: create root: %w", err)
	}
	return &Store{root: dir}, nil
}

// Save writes the audio payload for a job and returns the absolute path of
// the stored file.
func (s *Store) Save(jobID, ext string, r io.Reader) (string, error) {
	path, err := s.path(jobID, ext)
	if err != nil {
		return "", err
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return "", fmt.Errorf("blob: create %s: %w", path, err)
	}
	defer f.Close()

	if _, err := io.Copy(f, r); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("blob: write %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("blob: close %s: %w", path, err)
	}
	return path, nil
}

// Resolve returns the absolute path of a stored audio file, or [ErrNotFound]
// when no file exists for the job.
func (s *Store) Resolve(jobID, ext string) (string, error) {
	path, err := s.path(jobID, ext)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("blob: stat %s: %w", path, err)
	}
	return path, nil
}

// Remove deletes the audio file for a job. Removing a file that does not
// exist is not an error; workers call this best-effort after finishing.
func (s *Store) Remove(jobID, ext string) error {
	path, err := s.path(jobID, ext)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("blob: remove %s: %w", path, err)
	}
	return nil
}

// path builds the storage path for a job, rejecting ids or extensions that
// would resolve outside the root.
func (s *Store) path(jobID, ext string) (string, error) {
	name := jobID + "." + ext
	cleaned := filepath.Clean(name)
	if cleaned != name || strings.ContainsAny(name, `/\`) || strings.Contains(name, "..") {
		return "", fmt.Errorf("blob: invalid object name %q", name)
	}
	return filepath.Join(s.root, cleaned), nil
}
