package replication

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrStateFile is returned when the local cursor state is missing or unreadable
var ErrStateFile = errors.New("state file error")

// StateStore persists the replication cursor between iterations and restarts
type StateStore interface {
	Load() (*State, error)
	Save(state *State) error
}

// FileStore keeps the cursor in a local state.txt-style file
type FileStore struct {
	path string
}

// NewFileStore creates a store backed by path
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the location of the state file
func (s *FileStore) Path() string {
	return s.path
}

// Load reads and parses the state file
func (s *FileStore) Load() (*State, error) {
	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s does not exist - run 'init' first", ErrStateFile, s.path)
		}
		return nil, fmt.Errorf("%w: %w", ErrStateFile, err)
	}
	defer f.Close()

	state, err := ParseState(f)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrStateFile, s.path, err)
	}
	return state, nil
}

// Save replaces the state file atomically
func (s *FileStore) Save(state *State) error {
	if state == nil {
		return fmt.Errorf("%w: no state to save", ErrStateFile)
	}

	if dir := filepath.Dir(s.path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("%w: failed to create directory: %w", ErrStateFile, err)
		}
	}

	tmpFile := s.path + ".tmp"
	out, err := os.Create(tmpFile)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrStateFile, err)
	}

	err = WriteState(out, state)
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmpFile)
		return fmt.Errorf("%w: failed to write state: %w", ErrStateFile, err)
	}

	if err := os.Rename(tmpFile, s.path); err != nil {
		os.Remove(tmpFile)
		return fmt.Errorf("%w: failed to rename state file: %w", ErrStateFile, err)
	}
	return nil
}
