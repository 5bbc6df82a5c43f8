package audio

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-audio/wav"
	"github.com/tcolgate/mp3"
)

// Format is the sample format of PCM audio.
type Format struct {
	SampleRate int
	Channels   int
	BitDepth   int
}

// DefaultFormat is what the synthesis server produces.
var DefaultFormat = Format{SampleRate: 24000, Channels: 1, BitDepth: 16}

// ChannelLayout returns the ffmpeg layout name.
func (f Format) ChannelLayout() string {
	switch f.Channels {
	case 1:
		return "mono"
	case 2:
		return "stereo"
	default:
		return fmt.Sprintf("%dc", f.Channels)
	}
}

// Codec returns the ffmpeg PCM codec for the bit depth.
func (f Format) Codec() string {
	switch f.BitDepth {
	case 8:
		return "pcm_u8"
	case 24:
		return "pcm_s24le"
	case 32:
		return "pcm_s32le"
	default:
		return "pcm_s16le"
	}
}

// ReadFormat reads the header of a WAV file.
func ReadFormat(path string) (Format, error) {
	f, err := os.Open(path)
	if err != nil {
		return Format{}, err
	}
	defer f.Close() //nolint:errcheck

	d := wav.NewDecoder(f)
	d.ReadInfo()
	if err := d.Err(); err != nil {
		return Format{}, fmt.Errorf("read wav header %s: %w", path, err)
	}
	if !d.IsValidFile() {
		return Format{}, fmt.Errorf("%s is not a valid wav file", path)
	}
	return Format{
		SampleRate: int(d.SampleRate),
		Channels:   int(d.NumChans),
		BitDepth:   int(d.BitDepth),
	}, nil
}

// WAVDuration reads the duration of a WAV file from its data chunk.
func WAVDuration(path string) (time.Duration, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close() //nolint:errcheck

	dur, err := PCMDuration(f)
	if err != nil {
		return 0, fmt.Errorf("read wav duration %s: %w", path, err)
	}
	return dur, nil
}

// PCMDuration is the playing time of the PCM data chunk of a WAV stream.
// The RIFF chunk size also counts the header, so it is not used.
func PCMDuration(r io.ReadSeeker) (time.Duration, error) {
	d := wav.NewDecoder(r)
	if err := d.FwdToPCM(); err != nil {
		return 0, err
	}
	bytesPerSec := int64(d.SampleRate) * int64(d.NumChans) * int64(d.BitDepth) / 8
	if bytesPerSec == 0 {
		return 0, errors.New("wav header has no sample format")
	}
	return time.Duration(d.PCMLen() * int64(time.Second) / bytesPerSec), nil
}

// MP3Duration sums the durations of all MP3 frames in a file.
func MP3Duration(path string) (time.Duration, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close() //nolint:errcheck

	d := mp3.NewDecoder(f)
	var (
		frame   mp3.Frame
		skipped int
		total   time.Duration
	)
	for {
		if err := d.Decode(&frame, &skipped); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return 0, err
		}
		total += frame.Duration()
	}
	return total, nil
}

type probeOutput struct {
	Format struct {
		FormatName string `json:"format_name"`
		Duration   string `json:"duration"`
	} `json:"format"`
}

// Probe returns the duration of any audio file, asking ffprobe first and
// reading the file directly when ffprobe gives nothing usable.
func Probe(ctx context.Context, r Runner, ffprobe Tool, path string) (time.Duration, error) {
	out, err := ffprobe.run(ctx, r, "-v", "quiet", "-print_format", "json", "-show_format", path)
	if err == nil {
		var d time.Duration
		if d, err = parseProbe(out); err == nil {
			return d, nil
		}
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".mp3":
		if d, ferr := MP3Duration(path); ferr == nil && d > 0 {
			return d, nil
		}
	case ".wav":
		if d, ferr := WAVDuration(path); ferr == nil {
			return d, nil
		}
	}
	return 0, fmt.Errorf("probe %s: %w", path, err)
}

func parseProbe(out []byte) (time.Duration, error) {
	var po probeOutput
	if err := json.Unmarshal(out, &po); err != nil {
		return 0, fmt.Errorf("decode ffprobe output: %w", err)
	}
	if po.Format.Duration == "" {
		return 0, errors.New("ffprobe reported no duration")
	}
	secs, err := strconv.ParseFloat(po.Format.Duration, 64)
	if err != nil {
		return 0, fmt.Errorf("parse duration %q: %w", po.Format.Duration, err)
	}
	return time.Duration(secs * float64(time.Second)), nil
}
