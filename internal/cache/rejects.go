package cache

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
)

// RejectArchive keeps compressed copies of response bodies that failed
// validation, plus a log of why. Error pages and truncated audio are far
// easier to debug when the actual bytes are still around.
type RejectArchive struct {
	dir string

	encoder *zstd.Encoder
	decoder *zstd.Decoder

	mu    sync.Mutex
	clock func() time.Time
}

// ReasonsFile is the append-only log inside the archive directory.
const ReasonsFile = "reasons.log"

// NewRejectArchive creates an archive in dir. level is a zstd level (1-22).
func NewRejectArchive(dir string, level int) (*RejectArchive, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create reject directory: %w", err)
	}
	if level <= 0 {
		level = 3
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	return &RejectArchive{dir: dir, encoder: enc, decoder: dec, clock: time.Now}, nil
}

// Dir returns the archive directory.
func (a *RejectArchive) Dir() string {
	return a.dir
}

// PathFor returns where the body of a given attempt is kept.
func (a *RejectArchive) PathFor(name string, attempt int) string {
	return filepath.Join(a.dir, fmt.Sprintf("%s.attempt%d.zst", name, attempt))
}

// Put stores body and records reason.
func (a *RejectArchive) Put(name string, attempt int, body []byte, reason string) error {
	if err := CheckName(name); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	compressed := a.encoder.EncodeAll(body, nil)
	if err := os.WriteFile(a.PathFor(name, attempt), compressed, 0o644); err != nil {
		return fmt.Errorf("failed to write rejected body: %w", err)
	}

	f, err := os.OpenFile(filepath.Join(a.dir, ReasonsFile), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open reasons log: %w", err)
	}
	defer f.Close() //nolint:errcheck
	_, err = fmt.Fprintf(f, "%s\t%s\tattempt=%d\tbytes=%d\t%s\n",
		a.clock().Format(time.RFC3339), name, attempt, len(body), reason)
	return err
}

// Get returns the original body of an archived attempt.
func (a *RejectArchive) Get(name string, attempt int) ([]byte, error) {
	data, err := os.ReadFile(a.PathFor(name, attempt))
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	out, err := a.decoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress rejected body: %w", err)
	}
	return out, nil
}

// Close releases the codec resources.
func (a *RejectArchive) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.decoder.Close()
	return a.encoder.Close()
}
