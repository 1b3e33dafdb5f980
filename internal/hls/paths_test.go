package hls

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSanitizeName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"cam_1", "cam_1"},
		{"cam-2", "cam-2"},
		{"cam/../bad name", "cam___bad_name"},
		{"rtsp://evil", "rtsp___evil"},
		{"ÜmlautCam", "_mlautCam"},
		{strings.Repeat("a", 100), strings.Repeat("a", 64)},
	}
	for _, tt := range tests {
		if got := SanitizeName(tt.in); got != tt.want {
			t.Errorf("SanitizeName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSanitizeNameOnlyAllowedChars(t *testing.T) {
	allowed := regexp.MustCompile(`^[A-Za-z0-9_-]*$`)
	inputs := []string{"a b", "../../etc", "名前", "x;rm -rf /", ""}
	for _, in := range inputs {
		got := SanitizeName(in)
		if !allowed.MatchString(got) {
			t.Errorf("SanitizeName(%q) = %q contains disallowed characters", in, got)
		}
	}
}

func TestPlaylistPath(t *testing.T) {
	tree := NewTree("/var/hls", testLogger())
	if got := tree.PlaylistPath("cam_1"); got != "/hls/cam_1/stream.m3u8" {
		t.Errorf("PlaylistPath = %q", got)
	}
}

func TestEnsureAndRemoveStreamDir(t *testing.T) {
	tree := NewTree(t.TempDir(), testLogger())

	if err := tree.EnsureStreamDir("cam_1"); err != nil {
		t.Fatalf("EnsureStreamDir: %v", err)
	}
	if _, err := os.Stat(tree.StreamDir("cam_1")); err != nil {
		t.Fatalf("stream dir missing: %v", err)
	}

	// Segments inside the dir are removed with it.
	seg := filepath.Join(tree.StreamDir("cam_1"), "s0.ts")
	if err := os.WriteFile(seg, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	tree.RemoveStreamDir("cam_1")
	if _, err := os.Stat(tree.StreamDir("cam_1")); !os.IsNotExist(err) {
		t.Errorf("stream dir still exists after remove")
	}

	// Removing again is a no-op.
	tree.RemoveStreamDir("cam_1")
}

func TestSweep(t *testing.T) {
	root := filepath.Join(t.TempDir(), "hls")
	tree := NewTree(root, testLogger())

	if err := tree.EnsureStreamDir("stale"); err != nil {
		t.Fatal(err)
	}
	if err := tree.Sweep(); err != nil {
		t.Fatalf("Sweep: %v", err)
	}

	if _, err := os.Stat(root); err != nil {
		t.Fatalf("root missing after sweep: %v", err)
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("expected empty root after sweep, got %d entries", len(entries))
	}
}
