package cache

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/charmbracelet/log"
)

func newTestStore(t *testing.T, rejects *RejectArchive) *SegmentStore {
	t.Helper()
	s, err := NewSegmentStore(filepath.Join(t.TempDir(), "wav_temp"), rejects, log.New(io.Discard))
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestSaveIsAtomic(t *testing.T) {
	s := newTestStore(t, nil)

	path, err := s.Save("01_-_intro", []byte("RIFF-data"))
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if path != s.Path("01_-_intro") || filepath.Ext(path) != Ext {
		t.Errorf("path = %s", path)
	}
	b, err := os.ReadFile(path)
	if err != nil || string(b) != "RIFF-data" {
		t.Fatalf("content = %q, %v", b, err)
	}

	// Overwrite leaves no temp files behind.
	if _, err := s.Save("01_-_intro", []byte("RIFF-new")); err != nil {
		t.Fatal(err)
	}
	entries, _ := os.ReadDir(s.Dir())
	if len(entries) != 1 {
		var names []string
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Errorf("directory holds %v", names)
	}

	st := s.Stats()
	if st.Saved != 2 || st.BytesWritten != int64(len("RIFF-data")+len("RIFF-new")) {
		t.Errorf("stats = %+v", st)
	}
}

func TestCheckName(t *testing.T) {
	tests := []struct {
		name  string
		valid bool
	}{
		{"01_-_intro", true},
		{"05_-_interstitial_01_02", true},
		{"", false},
		{".", false},
		{"..", false},
		{"../escape", false},
		{`a\b`, false},
		{"nul\x00byte", false},
	}
	for _, tt := range tests {
		err := CheckName(tt.name)
		if (err == nil) != tt.valid {
			t.Errorf("CheckName(%q) = %v", tt.name, err)
		}
		if err != nil && !errors.Is(err, ErrInvalidName) {
			t.Errorf("CheckName(%q) error does not wrap ErrInvalidName", tt.name)
		}
	}

	s := newTestStore(t, nil)
	if _, err := s.Save("../evil", []byte("x")); !errors.Is(err, ErrInvalidName) {
		t.Errorf("Save accepted a bad name: %v", err)
	}
}

func TestExistingAndRemove(t *testing.T) {
	s := newTestStore(t, nil)
	for _, n := range []string{"02_-_script_01", "01_-_intro"} {
		if _, err := s.Save(n, []byte("RIFF")); err != nil {
			t.Fatal(err)
		}
	}
	// Noise the listing must ignore.
	_ = os.WriteFile(filepath.Join(s.Dir(), "notes.txt"), []byte("x"), 0o644)
	_ = os.WriteFile(filepath.Join(s.Dir(), ".01_-_intro.123.tmp"), []byte("x"), 0o644)

	names, err := s.Existing()
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(names, []string{"01_-_intro", "02_-_script_01"}) {
		t.Errorf("Existing = %v", names)
	}

	removed := s.Remove([]string{s.Path("01_-_intro"), s.Path("02_-_script_01"), s.Path("missing")})
	if removed != 2 || s.Stats().Removed != 2 {
		t.Errorf("removed = %d", removed)
	}
	// Other files keep the directory alive.
	if _, err := os.Stat(s.Dir()); err != nil {
		t.Errorf("directory should remain while not empty: %v", err)
	}

	empty := newTestStore(t, nil)
	empty.Remove(nil)
	if _, err := os.Stat(empty.Dir()); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("empty directory should be removed: %v", err)
	}
	if names, err := empty.Existing(); err != nil || names != nil {
		t.Errorf("Existing on removed dir = %v, %v", names, err)
	}
}

func TestRejectArchive(t *testing.T) {
	a, err := NewRejectArchive(filepath.Join(t.TempDir(), "rejected"), 0)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close() //nolint:errcheck

	s := newTestStore(t, a)
	body := []byte(strings.Repeat("<html>Bad Gateway</html>", 50))
	if err := s.Reject("03_-_script_02", 2, body, "invalid WAV header"); err != nil {
		t.Fatalf("Reject: %v", err)
	}
	if err := s.Reject("03_-_script_02", 3, nil, "empty response body"); err != nil {
		t.Fatalf("Reject empty: %v", err)
	}
	if s.Stats().Rejected != 2 {
		t.Errorf("rejected = %d", s.Stats().Rejected)
	}

	got, err := a.Get("03_-_script_02", 2)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != string(body) {
		t.Error("round trip mismatch")
	}
	if st, _ := os.Stat(a.PathFor("03_-_script_02", 2)); st == nil || st.Size() >= int64(len(body)) {
		t.Error("body should be stored compressed")
	}
	if _, err := os.Stat(a.PathFor("03_-_script_02", 3)); !errors.Is(err, os.ErrNotExist) {
		t.Error("empty bodies are not archived")
	}

	reasons, err := os.ReadFile(filepath.Join(a.Dir(), ReasonsFile))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(reasons), "03_-_script_02\tattempt=2\tbytes=1200\tinvalid WAV header") {
		t.Errorf("reasons log = %q", reasons)
	}
}
