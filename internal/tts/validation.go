package tts

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
)

// MinAudioBytes is the smallest body accepted as audio. Anything shorter
// is a truncated response or an error page.
const MinAudioBytes = 1000

var riffMagic = []byte("RIFF")

// ValidateAudio checks that b looks like a WAV file. It returns false and a
// human-readable reason when it does not.
//
// Checks run in order: non-empty, size floor, RIFF magic.
func ValidateAudio(b []byte) (bool, string) {
	if len(b) == 0 {
		return false, "empty response body"
	}
	if len(b) < MinAudioBytes {
		return false, fmt.Sprintf("too small (%d bytes < %d)", len(b), MinAudioBytes)
	}
	if !bytes.Equal(b[:len(riffMagic)], riffMagic) {
		return false, fmt.Sprintf("invalid WAV header (got %s, expected 'RIFF')", hex.EncodeToString(b[:len(riffMagic)]))
	}
	return true, ""
}

// ValidateExisting applies ValidateAudio to a file already on disk. Only
// the header is read; the size floor is checked with Stat.
func ValidateExisting(path string) bool {
	ok, _ := validateFile(path)
	return ok
}

// ValidateExistingReason is ValidateExisting with the rejection reason.
func ValidateExistingReason(path string) (bool, string) {
	return validateFile(path)
}

func validateFile(path string) (bool, string) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, "missing"
		}
		return false, err.Error()
	}
	defer f.Close() //nolint:errcheck

	st, err := f.Stat()
	if err != nil {
		return false, err.Error()
	}
	if st.IsDir() {
		return false, "is a directory"
	}

	// Read enough to run the same checks as a fresh body without loading
	// the whole file.
	head := make([]byte, MinAudioBytes)
	n, err := io.ReadFull(f, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return false, err.Error()
	}
	if int64(n) != min(st.Size(), MinAudioBytes) {
		return false, "short read"
	}
	if st.Size() < MinAudioBytes {
		return ValidateAudio(head[:n])
	}
	return ValidateAudio(head)
}

// ToolCheck is the result of looking up an external binary.
type ToolCheck struct {
	Name     string
	Path     string
	Error    error
	Guidance string
}

// CheckTools verifies that the transcoding tools are installed. Each
// argument may be a bare name or a command line; only its first word is
// looked up.
func CheckTools(commands ...string) []ToolCheck {
	results := make([]ToolCheck, 0, len(commands))
	for _, c := range commands {
		name := c
		if fields := strings.Fields(c); len(fields) > 0 {
			name = fields[0]
		}
		check := ToolCheck{Name: name}
		p, err := exec.LookPath(name)
		if err != nil {
			check.Error = fmt.Errorf("%s not found in PATH: %w", name, err)
			check.Guidance = buildFFmpegInstallGuidance()
		} else {
			check.Path = p
		}
		results = append(results, check)
	}
	return results
}

// FirstToolError returns the first failed check as an error, including
// install guidance.
func FirstToolError(checks []ToolCheck) error {
	for _, c := range checks {
		if c.Error != nil {
			return fmt.Errorf("%w\n\n%s", c.Error, c.Guidance)
		}
	}
	return nil
}

func buildFFmpegInstallGuidance() string {
	return `ffmpeg and ffprobe are required to assemble the episode.

Install them with your package manager:
  Ubuntu/Debian:  sudo apt install ffmpeg
  Fedora:         sudo dnf install ffmpeg
  macOS:          brew install ffmpeg

Or point the config at custom binaries:
  audio:
    ffmpeg: /opt/ffmpeg/bin/ffmpeg
    ffprobe: /opt/ffmpeg/bin/ffprobe`
}
