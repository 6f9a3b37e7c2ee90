package models

import (
	"fmt"
	"os"
	"path/filepath"
)

// Store locates model files in the per-application models directory.
// Acquiring the files (download, manual import) happens elsewhere.
type Store struct {
	dir string
}

// NewStore creates a store rooted at dir
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// DefaultDir returns the default models directory
func DefaultDir() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	return filepath.Join(homeDir, "Library", "Application Support", "EzS2T-Stream", "models")
}

// Dir returns the models directory
func (s *Store) Dir() string {
	return s.dir
}

// Path returns the expected location of the model file
func (s *Store) Path(id ID) (string, error) {
	m, ok := Lookup(id)
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownModel, id)
	}
	return filepath.Join(s.dir, m.FileName), nil
}

// Exists reports whether a non-empty regular file is present for the model
func (s *Store) Exists(id ID) bool {
	path, err := s.Path(id)
	if err != nil {
		return false
	}

	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.Mode().IsRegular() && info.Size() > 0
}

// FileSize returns the size of the model file, if one is present
func (s *Store) FileSize(id ID) (int64, bool) {
	path, err := s.Path(id)
	if err != nil {
		return 0, false
	}

	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return 0, false
	}
	return info.Size(), true
}

// FileState returns the state implied by the file on disk
func (s *Store) FileState(id ID) State {
	if s.Exists(id) {
		return Downloaded
	}
	return DoesNotExist
}

// FormatSize formats bytes to human-readable size
func FormatSize(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
