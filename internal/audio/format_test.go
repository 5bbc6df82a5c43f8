package audio

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWAVDurationCountsOnlyPCM(t *testing.T) {
	tests := []struct {
		name string
		d    time.Duration
	}{
		{name: "one second", d: time.Second},
		{name: "fractional", d: 250 * time.Millisecond},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := filepath.Join(t.TempDir(), "seg.wav")
			writeWAV(t, p, tt.d, 1)
			got, err := WAVDuration(p)
			if err != nil {
				t.Fatalf("WAVDuration: %v", err)
			}
			if got != tt.d {
				t.Errorf("WAVDuration = %v, want %v", got, tt.d)
			}
		})
	}
}

func TestWAVDurationDoesNotDrift(t *testing.T) {
	dir := t.TempDir()
	var total time.Duration
	for i := 0; i < 40; i++ {
		p := filepath.Join(dir, fmt.Sprintf("%02d.wav", i))
		writeWAV(t, p, time.Second, 1)
		d, err := WAVDuration(p)
		if err != nil {
			t.Fatal(err)
		}
		total += d
	}
	if total != 40*time.Second {
		t.Errorf("sum of 40 one-second segments = %v, want 40s", total)
	}
}

func TestPCMDurationFromBytes(t *testing.T) {
	p := filepath.Join(t.TempDir(), "seg.wav")
	writeWAV(t, p, 2*time.Second, 0)
	b, err := os.ReadFile(p)
	if err != nil {
		t.Fatal(err)
	}
	got, err := PCMDuration(bytes.NewReader(b))
	if err != nil {
		t.Fatalf("PCMDuration: %v", err)
	}
	if got != 2*time.Second {
		t.Errorf("PCMDuration = %v, want 2s", got)
	}

	if _, err := PCMDuration(bytes.NewReader([]byte("not a wav file at all"))); err == nil {
		t.Error("expected error for non-wav input")
	}
}
