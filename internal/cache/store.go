package cache

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
)

// Ext is the extension of per-segment artifacts.
const Ext = ".wav"

// ErrInvalidName indicates a segment name that cannot be used as a file name
var ErrInvalidName = errors.New("invalid segment name")

// SegmentStore keeps one audio file per segment in a directory. Files are
// written atomically, so a file under its final name is always complete.
// It survives across runs, which is what makes a rerun resumable.
type SegmentStore struct {
	dir     string
	rejects *RejectArchive
	logger  *log.Logger

	mu    sync.Mutex
	stats StoreStats
}

// StoreStats counts store activity for the current process.
type StoreStats struct {
	Saved        int
	BytesWritten int64
	Rejected     int
	Removed      int
}

// NewSegmentStore creates the directory if needed. rejects may be nil.
func NewSegmentStore(dir string, rejects *RejectArchive, logger *log.Logger) (*SegmentStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create artifact directory: %w", err)
	}
	if logger == nil {
		logger = log.Default()
	}
	return &SegmentStore{
		dir:     dir,
		rejects: rejects,
		logger:  logger.WithPrefix("store"),
	}, nil
}

// Dir returns the artifact directory.
func (s *SegmentStore) Dir() string {
	return s.dir
}

// Path returns the artifact path for a segment.
func (s *SegmentStore) Path(name string) string {
	return filepath.Join(s.dir, name+Ext)
}

// Save writes audio for a segment through a temp file and a rename.
func (s *SegmentStore) Save(name string, audio []byte) (string, error) {
	if err := CheckName(name); err != nil {
		return "", err
	}

	tmp, err := os.CreateTemp(s.dir, "."+name+".*.tmp")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(audio); err != nil {
		_ = tmp.Close()
		cleanup()
		return "", fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return "", fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return "", fmt.Errorf("close temp file: %w", err)
	}

	path := s.Path(name)
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return "", fmt.Errorf("rename artifact: %w", err)
	}

	s.mu.Lock()
	s.stats.Saved++
	s.stats.BytesWritten += int64(len(audio))
	s.mu.Unlock()
	return path, nil
}

// Reject hands a body that failed validation to the reject archive.
func (s *SegmentStore) Reject(name string, attempt int, body []byte, reason string) error {
	s.mu.Lock()
	s.stats.Rejected++
	s.mu.Unlock()
	if s.rejects == nil || len(body) == 0 {
		return nil
	}
	return s.rejects.Put(name, attempt, body, reason)
}

// Existing lists the segment names that have a file, valid or not.
func (s *SegmentStore) Existing() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), Ext) || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), Ext))
	}
	sort.Strings(names)
	return names, nil
}

// Remove deletes the given files and then the directory if it is empty.
// It never fails; it returns how many files were deleted.
func (s *SegmentStore) Remove(paths []string) int {
	removed := 0
	for _, p := range paths {
		if err := os.Remove(p); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				s.logger.Warn("could not delete artifact", "path", p, "err", err)
			}
			continue
		}
		removed++
	}
	if err := os.Remove(s.dir); err != nil && !errors.Is(err, fs.ErrNotExist) {
		s.logger.Debug("artifact directory kept", "dir", s.dir, "err", err)
	}

	s.mu.Lock()
	s.stats.Removed += removed
	s.mu.Unlock()
	return removed
}

// Stats returns a copy of the store counters.
func (s *SegmentStore) Stats() StoreStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// CheckName rejects names that would escape the store directory.
func CheckName(name string) error {
	if name == "" || name == "." || name == ".." ||
		strings.ContainsAny(name, `/\`) || strings.ContainsRune(name, 0) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}
