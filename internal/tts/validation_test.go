package tts

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestValidateAudio(t *testing.T) {
	tests := []struct {
		name   string
		body   []byte
		ok     bool
		reason string
	}{
		{name: "empty", body: nil, reason: "empty response body"},
		{name: "too small", body: append([]byte("RIFF"), make([]byte, 995)...), reason: "too small (999 bytes < 1000)"},
		{name: "wrong magic", body: append([]byte("RIFX"), make([]byte, 996)...), reason: "invalid WAV header (got 52494658, expected 'RIFF')"},
		{name: "html error page", body: append([]byte("<htm"), bytes.Repeat([]byte("x"), 2000)...), reason: "invalid WAV header (got 3c68746d, expected 'RIFF')"},
		{name: "exactly the floor", body: append([]byte("RIFF"), make([]byte, 996)...), ok: true},
		{name: "normal", body: wavBody(), ok: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, reason := ValidateAudio(tt.body)
			if ok != tt.ok {
				t.Errorf("ok = %v, want %v", ok, tt.ok)
			}
			if reason != tt.reason {
				t.Errorf("reason = %q, want %q", reason, tt.reason)
			}
		})
	}
}

func TestValidateExisting(t *testing.T) {
	dir := t.TempDir()
	write := func(name string, b []byte) string {
		p := filepath.Join(dir, name)
		if err := os.WriteFile(p, b, 0o644); err != nil {
			t.Fatal(err)
		}
		return p
	}

	tests := []struct {
		name   string
		path   string
		ok     bool
		reason string
	}{
		{name: "valid", path: write("ok.wav", wavBody()), ok: true},
		{name: "truncated", path: write("short.wav", []byte("RIFF1234")), reason: "too small (8 bytes < 1000)"},
		{name: "zero length", path: write("empty.wav", nil), reason: "empty response body"},
		{name: "not a wav", path: write("page.wav", bytes.Repeat([]byte("a"), 4000)), reason: "invalid WAV header (got 61616161, expected 'RIFF')"},
		{name: "missing", path: filepath.Join(dir, "nope.wav"), reason: "missing"},
		{name: "directory", path: dir, reason: "is a directory"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, reason := ValidateExistingReason(tt.path)
			if ok != tt.ok || reason != tt.reason {
				t.Errorf("got (%v, %q), want (%v, %q)", ok, reason, tt.ok, tt.reason)
			}
			if ValidateExisting(tt.path) != tt.ok {
				t.Error("ValidateExisting disagrees with ValidateExistingReason")
			}
		})
	}
}

func TestCheckTools(t *testing.T) {
	checks := CheckTools("sh -c true", "definitely-not-a-real-binary-7f3a")
	if len(checks) != 2 {
		t.Fatalf("checks = %+v", checks)
	}
	if checks[0].Name != "sh" || checks[0].Error != nil || checks[0].Path == "" {
		t.Errorf("sh check = %+v", checks[0])
	}
	if checks[1].Error == nil || checks[1].Guidance == "" {
		t.Errorf("missing binary check = %+v", checks[1])
	}
	if err := FirstToolError(checks); err == nil {
		t.Error("FirstToolError returned nil")
	}
	if err := FirstToolError(checks[:1]); err != nil {
		t.Errorf("FirstToolError = %v", err)
	}
}
