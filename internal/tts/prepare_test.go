package tts

import (
	"strings"
	"testing"
)

func TestPrepare(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "plain text", in: "Hello there.", want: "— Hello there. —"},
		{name: "surrounding whitespace", in: "  Hello.\n", want: "— Hello. —"},
		{name: "already wrapped", in: "— Hello. —", want: "— Hello. —"},
		{name: "spoken extension", in: "Edit config.yaml now", want: "— Edit config dot yeah mel now —"},
		{name: "spoken extension upper case", in: "Open data.JSON", want: "— Open data dot jason —"},
		{name: "natural extension", in: "Unpack the archive.zip", want: "— Unpack the archive dot zip —"},
		{name: "spelled extension", in: "See main.rs for details", want: "— See main dot R S for details —"},
		{name: "readme", in: "Read the README first", want: "— Read the read me first —"},
		{name: "readme with extension", in: "Check README.md", want: "— Check read me dot M D —"},
		{name: "brand name", in: "Grok said so", want: "— Grock said so —"},
		{name: "no partial word match", in: "Groking is fine", want: "— Groking is fine —"},
		{name: "numbers untouched", in: "Version 3.14 shipped", want: "— Version 3.14 shipped —"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Prepare(tt.in); got != tt.want {
				t.Errorf("Prepare(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestPrepareIsIdempotent(t *testing.T) {
	for _, in := range []string{"Edit config.yaml", "plain", "Grok and README"} {
		once := Prepare(in)
		if twice := Prepare(once); twice != once {
			t.Errorf("Prepare not idempotent: %q -> %q -> %q", in, once, twice)
		}
	}
}

func TestPrepareSegmentsCopies(t *testing.T) {
	segs := segments("01_-_intro", "02_-_script_01")
	out := PrepareSegments(segs)
	for i := range segs {
		if strings.HasPrefix(segs[i].Text, BoundaryGlyph) {
			t.Error("input segments were modified")
		}
		if !strings.HasPrefix(out[i].Text, BoundaryGlyph) || out[i].Name != segs[i].Name || out[i].Index != segs[i].Index {
			t.Errorf("out[%d] = %+v", i, out[i])
		}
	}
}
