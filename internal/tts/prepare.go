package tts

import (
	"regexp"
	"strings"

	"github.com/dgnsrekt/episode-tts/internal/ttypes"
	"golang.org/x/text/unicode/norm"
)

// BoundaryGlyph is placed at both ends of a segment so the backend
// breathes before and after it.
const BoundaryGlyph = "—"

var (
	extensionPattern = regexp.MustCompile(`\.([a-zA-Z]{1,5})\b`)

	// spokenExtensions have a pronunciation the voice gets right.
	spokenExtensions = map[string]string{
		"py":   "pie",
		"yml":  "yeah mel",
		"yaml": "yeah mel",
		"json": "jason",
		"txt":  "text",
		"toml": "toemul",
		"gif":  "jif",
		"wav":  "wave",
	}

	// naturalExtensions already sound fine when read as words.
	naturalExtensions = map[string]bool{
		"zip": true,
		"log": true,
		"bin": true,
		"bat": true,
		"doc": true,
		"go":  true,
	}
)

type pronunciationFix struct {
	pattern     *regexp.Regexp
	replacement string
}

// pronunciationFixes are applied in order after extension rewriting.
var pronunciationFixes = []pronunciationFix{
	{regexp.MustCompile(`\bGrok\b`), "Grock"},
	{regexp.MustCompile(`\bREADME\b`), "read me"},
	{regexp.MustCompile(`\bReadme\b`), "read me"},
	{regexp.MustCompile(`\breadme\b`), "read me"},
}

// Prepare normalizes segment text before it is sent to the backend:
// extension tokens are rewritten into a spoken form, known mispronounced
// words are substituted, and boundary pauses are added.
//
// Prepare is pure and safe for concurrent use.
func Prepare(text string) string {
	text = strings.TrimSpace(norm.NFC.String(text))

	text = extensionPattern.ReplaceAllStringFunc(text, spellExtension)

	for _, fix := range pronunciationFixes {
		text = fix.pattern.ReplaceAllString(text, fix.replacement)
	}

	if !strings.HasPrefix(text, BoundaryGlyph) {
		text = BoundaryGlyph + " " + text
	}
	if !strings.HasSuffix(text, BoundaryGlyph) {
		text = text + " " + BoundaryGlyph
	}
	return text
}

// spellExtension receives a match such as ".yaml" and returns its spoken form.
func spellExtension(match string) string {
	ext := match[1:]
	low := strings.ToLower(ext)

	if spoken, ok := spokenExtensions[low]; ok {
		return " dot " + spoken
	}
	if naturalExtensions[low] {
		return " dot " + ext
	}

	letters := make([]string, 0, len(ext))
	for _, r := range strings.ToUpper(ext) {
		letters = append(letters, string(r))
	}
	return " dot " + strings.Join(letters, " ")
}

// PrepareSegments returns copies of segs with prepared text.
func PrepareSegments(segs []ttypes.Segment) []ttypes.Segment {
	out := make([]ttypes.Segment, len(segs))
	for i, s := range segs {
		s.Text = Prepare(s.Text)
		out[i] = s
	}
	return out
}
