package history

import (
	"fmt"
	"sync"

	"github.com/sunshow/workgear/client/internal/model"
)

// Selection tracks which version a view shows. The zero value follows the
// latest version; any other selected version is read-only.
type Selection struct {
	mu       sync.RWMutex
	versions []model.HistoryVersion
	selected string
}

// SetVersions replaces the known versions, newest first. A selection that no
// longer exists falls back to following the latest version.
func (s *Selection) SetVersions(vs []model.HistoryVersion) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.versions = append([]model.HistoryVersion(nil), vs...)
	if s.selected != "" && !s.hasLocked(s.selected) {
		s.selected = ""
	}
}

// Versions returns the known versions, newest first
func (s *Selection) Versions() []model.HistoryVersion {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]model.HistoryVersion(nil), s.versions...)
}

// Latest returns the newest known version, "" when none is known
func (s *Selection) Latest() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latestLocked()
}

// Select shows version. Selecting the latest version, or "", follows the latest.
func (s *Selection) Select(version string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if version == "" || version == s.latestLocked() {
		s.selected = ""
		return nil
	}
	if !s.hasLocked(version) {
		return fmt.Errorf("version %s: %w", version, model.ErrNotFound)
	}
	s.selected = version
	return nil
}

// Selected returns the shown version, "" while following the latest
func (s *Selection) Selected() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.selected
}

// ReadOnly reports whether a past version is shown
func (s *Selection) ReadOnly() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.selected != "" && s.selected != s.latestLocked()
}

// Writable returns ErrReadOnlyVersion while a past version is shown. It fits edit.Guard.
func (s *Selection) Writable() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.selected != "" && s.selected != s.latestLocked() {
		return fmt.Errorf("version %s: %w", s.selected, model.ErrReadOnlyVersion)
	}
	return nil
}

func (s *Selection) latestLocked() string {
	if len(s.versions) == 0 {
		return ""
	}
	return s.versions[0].Version
}

func (s *Selection) hasLocked(version string) bool {
	for _, v := range s.versions {
		if v.Version == version {
			return true
		}
	}
	return false
}
