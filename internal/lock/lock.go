// Package lock provides the per-episode run lock.
//
// A lock is a marker file inside the episode directory. Acquisition never
// waits: if the marker exists the call fails with a *ContentionError. A
// process that dies without releasing leaves the marker behind, and it has
// to be removed by hand.
package lock

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

// FileName is the marker created inside the target directory.
const FileName = ".tts_generation.lock"

// ErrContention matches any *ContentionError.
var ErrContention = errors.New("lock is held")

// ContentionError is returned when the target is already locked.
type ContentionError struct {
	Path   string
	Holder string

	// Stale is set when the marker exists but no live process holds it.
	Stale bool
}

// Error implements the error interface
func (e *ContentionError) Error() string {
	var b strings.Builder
	if e.Stale {
		fmt.Fprintf(&b, "stale lock file %s", e.Path)
	} else {
		b.WriteString("another TTS generation is already running for this episode")
	}
	if e.Holder != "" {
		fmt.Fprintf(&b, " (held by %s)", e.Holder)
	}
	fmt.Fprintf(&b, "\nlock file: %s\nif you're sure no other process is running, delete the lock file", e.Path)
	return b.String()
}

// Is lets errors.Is(err, ErrContention) match.
func (e *ContentionError) Is(target error) bool {
	return target == ErrContention
}

// Lock is a held run lock.
type Lock struct {
	path   string
	file   *os.File
	logger *log.Logger
	once   sync.Once
}

// lockFile takes the advisory lock on a freshly created marker.
var lockFile = tryLock

// Path returns the marker location.
func Path(dir string) string {
	return filepath.Join(dir, FileName)
}

// Acquire takes the lock for dir, creating dir if needed.
func Acquire(dir string) (*Lock, error) {
	return AcquireWithLogger(dir, nil)
}

// AcquireWithLogger is Acquire with an explicit logger for release errors.
func AcquireWithLogger(dir string, logger *log.Logger) (*Lock, error) {
	if logger == nil {
		logger = log.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}

	path := Path(dir)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o644)
	if errors.Is(err, fs.ErrExist) {
		return nil, contention(path)
	}
	if err != nil {
		return nil, fmt.Errorf("create lock file: %w", err)
	}

	if err := lockFile(f); err != nil {
		// A contender probing for staleness holds the flock briefly. The
		// marker is ours, so it goes with us.
		_ = f.Close()
		if rerr := os.Remove(path); rerr != nil && !errors.Is(rerr, fs.ErrNotExist) {
			logger.Warn("could not remove lock file", "path", path, "err", rerr)
		}
		return nil, &ContentionError{Path: path}
	}

	if _, err := fmt.Fprintf(f, "%s\n", holder()); err != nil {
		logger.Debug("could not write lock holder", "path", path, "err", err)
	}
	_ = f.Sync()

	return &Lock{path: path, file: f, logger: logger}, nil
}

// Release unlocks and removes the marker. It is safe to call more than
// once and never fails; problems are logged.
func (l *Lock) Release() {
	if l == nil {
		return
	}
	l.once.Do(func() {
		if err := unlock(l.file); err != nil {
			l.logger.Debug("unlock failed", "path", l.path, "err", err)
		}
		if err := l.file.Close(); err != nil {
			l.logger.Debug("close lock file failed", "path", l.path, "err", err)
		}
		if err := os.Remove(l.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			l.logger.Warn("could not remove lock file", "path", l.path, "err", err)
		}
	})
}

// Path returns the marker location.
func (l *Lock) Path() string {
	return l.path
}

// Inspect reports whether dir is locked without taking the lock.
func Inspect(dir string) (*ContentionError, bool) {
	path := Path(dir)
	if _, err := os.Stat(path); err != nil {
		return nil, false
	}
	return contention(path), true
}

func contention(path string) *ContentionError {
	ce := &ContentionError{Path: path}
	if b, err := os.ReadFile(path); err == nil {
		ce.Holder = strings.TrimSpace(string(b))
	}
	ce.Stale = isStale(path)
	return ce
}

func holder() string {
	host, _ := os.Hostname()
	return fmt.Sprintf("pid %d on %s since %s", os.Getpid(), host, time.Now().Format(time.RFC3339))
}
