package episode

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dgnsrekt/episode-tts/internal/ttypes"
)

// Segment kinds, derived from names like "03_-_script_02".
const (
	KindIntro        = "intro"
	KindOutro        = "outro"
	KindScript       = "script"
	KindInterstitial = "interstitial"
	KindUnknown      = "unknown"
)

// NameInfo is what a segment name says about its role.
type NameInfo struct {
	Kind   string
	Script int
	Next   int
}

// ParseName splits "NN_-_kind[_args]" into its parts.
func ParseName(name string) NameInfo {
	base := name
	if len(name) > 5 && name[2:5] == "_-_" {
		base = name[5:]
	}

	switch {
	case base == KindIntro:
		return NameInfo{Kind: KindIntro}
	case base == KindOutro:
		return NameInfo{Kind: KindOutro}
	case strings.HasPrefix(base, KindScript+"_"):
		parts := strings.Split(base, "_")
		n, err := strconv.Atoi(parts[1])
		if err != nil {
			return NameInfo{Kind: KindUnknown}
		}
		return NameInfo{Kind: KindScript, Script: n}
	case strings.HasPrefix(base, KindInterstitial+"_"):
		parts := strings.Split(base, "_")
		if len(parts) < 3 {
			return NameInfo{Kind: KindUnknown}
		}
		n, err1 := strconv.Atoi(parts[1])
		next, err2 := strconv.Atoi(parts[2])
		if err1 != nil || err2 != nil {
			return NameInfo{Kind: KindUnknown}
		}
		return NameInfo{Kind: KindInterstitial, Script: n, Next: next}
	default:
		return NameInfo{Kind: KindUnknown}
	}
}

// Position orders segments for chapter listings: intro 0, scripts by
// number, interstitials 10+n, outro 99.
func (n NameInfo) Position() int {
	switch n.Kind {
	case KindIntro:
		return 0
	case KindOutro:
		return 99
	case KindScript:
		return n.Script
	case KindInterstitial:
		return 10 + n.Script
	default:
		return -1
	}
}

// Timeline places each segment in the final artifact. durations is keyed
// by segment name; gap separates adjacent segments.
func Timeline(segs []ttypes.Segment, durations map[string]time.Duration, gap time.Duration) []ttypes.SegmentTiming {
	out := make([]ttypes.SegmentTiming, 0, len(segs))
	var offset time.Duration
	for i, s := range segs {
		info := ParseName(s.Name)
		d := durations[s.Name]
		out = append(out, ttypes.SegmentTiming{
			Name:            s.Name,
			Kind:            info.Kind,
			Position:        info.Position(),
			Start:           offset,
			Duration:        d,
			StartSeconds:    offset.Seconds(),
			DurationSeconds: d.Seconds(),
		})
		offset += d
		if i < len(segs)-1 {
			offset += gap
		}
	}
	return out
}

// WriteTimeline stores the timeline as JSON in the episode directory.
func WriteTimeline(e Episode, timings []ttypes.SegmentTiming) (string, error) {
	b, err := json.MarshalIndent(struct {
		Episode  string                 `json:"episode"`
		Segments []ttypes.SegmentTiming `json:"segments"`
	}{e.Name, timings}, "", "  ")
	if err != nil {
		return "", fmt.Errorf("unable to encode timeline: %w", err)
	}
	path := e.Path(TimelineFile)
	if err := os.WriteFile(path, append(b, '\n'), 0o644); err != nil {
		return "", fmt.Errorf("unable to write timeline: %w", err)
	}
	return path, nil
}
