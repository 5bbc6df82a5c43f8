// Package episode knows the on-disk layout of an episode directory: the
// manifest, the per-segment text files, and where outputs go.
package episode

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dgnsrekt/episode-tts/internal/cache"
	"github.com/dgnsrekt/episode-tts/internal/ttypes"
	"github.com/mitchellh/go-homedir"
	"gopkg.in/yaml.v3"
)

// File and directory names inside an episode directory.
const (
	ManifestFile = "manifest.json"
	WAVDir       = "wav_temp"
	RejectDir    = "rejected"
	EpisodeWAV   = "episode.wav"
	EpisodeMP3   = "episode.mp3"
	TelegramMP3  = "episode_telegram.mp3"
	TimelineFile = "timeline.json"
	TextExt      = ".txt"
)

var (
	// ErrNoManifest indicates the episode has no manifest
	ErrNoManifest = errors.New("manifest not found")

	// ErrEmptyManifest indicates the manifest lists no segments
	ErrEmptyManifest = errors.New("manifest lists no segments")
)

// Episode is one output target.
type Episode struct {
	Name string
	Dir  string
}

// Resolve turns a command-line argument into an episode. arg may be a
// directory path or an episode name under root.
func Resolve(root, arg string) (Episode, error) {
	if arg == "" {
		return Episode{}, errors.New("episode is required")
	}

	expanded, err := homedir.Expand(arg)
	if err != nil {
		return Episode{}, fmt.Errorf("unable to expand %q: %w", arg, err)
	}
	if st, err := os.Stat(expanded); err == nil && st.IsDir() && strings.ContainsRune(arg, os.PathSeparator) {
		abs, err := filepath.Abs(expanded)
		if err != nil {
			return Episode{}, fmt.Errorf("unable to get absolute path: %w", err)
		}
		return Episode{Name: filepath.Base(abs), Dir: abs}, nil
	}

	if err := cache.CheckName(arg); err != nil {
		return Episode{}, err
	}
	root, err = homedir.Expand(root)
	if err != nil {
		return Episode{}, fmt.Errorf("unable to expand %q: %w", root, err)
	}
	dir, err := filepath.Abs(filepath.Join(root, arg))
	if err != nil {
		return Episode{}, fmt.Errorf("unable to get absolute path: %w", err)
	}
	return Episode{Name: arg, Dir: dir}, nil
}

// Path joins elem onto the episode directory.
func (e Episode) Path(elem ...string) string {
	return filepath.Join(append([]string{e.Dir}, elem...)...)
}

// Manifest lists the segments of an episode in order.
type Manifest struct {
	Segments []string `yaml:"segments"`
}

// LoadManifest reads manifest.json. YAML is accepted too since it is a
// superset of JSON.
func LoadManifest(e Episode) (Manifest, error) {
	path := e.Path(ManifestFile)
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Manifest{}, fmt.Errorf("%w: %s", ErrNoManifest, path)
		}
		return Manifest{}, fmt.Errorf("unable to read manifest: %w", err)
	}

	var m Manifest
	if err := yaml.Unmarshal(b, &m); err != nil {
		return Manifest{}, fmt.Errorf("unable to parse manifest %s: %w", path, err)
	}
	if err := m.Validate(); err != nil {
		return Manifest{}, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

// Validate checks that names are present, unique, and usable as file names.
func (m Manifest) Validate() error {
	if len(m.Segments) == 0 {
		return ErrEmptyManifest
	}
	seen := make(map[string]bool, len(m.Segments))
	for _, name := range m.Segments {
		if err := cache.CheckName(name); err != nil {
			return err
		}
		if seen[name] {
			return fmt.Errorf("duplicate segment %q", name)
		}
		seen[name] = true
	}
	return nil
}

// LoadSegments reads the text of every manifest entry, in manifest order.
func LoadSegments(e Episode) ([]ttypes.Segment, error) {
	m, err := LoadManifest(e)
	if err != nil {
		return nil, err
	}
	segs := make([]ttypes.Segment, 0, len(m.Segments))
	for i, name := range m.Segments {
		b, err := os.ReadFile(e.Path(name + TextExt))
		if err != nil {
			return nil, fmt.Errorf("unable to read segment %s: %w", name, err)
		}
		segs = append(segs, ttypes.Segment{Index: i, Name: name, Text: string(b)})
	}
	return segs, nil
}

// WordCount counts whitespace-separated words.
func WordCount(text string) int {
	return len(strings.Fields(text))
}
