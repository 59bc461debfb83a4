package fileutil

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSanitizeName(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"clip.mp4", "clip.mp4"},
		{"  padded.mp4 ", "padded.mp4"},
		{"a/b/c.mp4", "c.mp4"},
		{`what? "is": this|.mkv`, "what_ _is__ this_.mkv"},
		{"", "downloaded_file"},
		{".mp4", "downloaded_file.mp4"},
	}
	for _, tc := range cases {
		if got := SanitizeName(tc.in); got != tc.want {
			t.Fatalf("SanitizeName(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestSanitizeNameBoundsStem(t *testing.T) {
	long := strings.Repeat("x", 300) + ".mp4"
	got := SanitizeName(long)
	if !strings.HasSuffix(got, ".mp4") {
		t.Fatalf("extension lost: %q", got)
	}
	if len(got) > 84 {
		t.Fatalf("stem not bounded, len=%d", len(got))
	}
}

func TestEnsureDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "a", "b")
	if err := EnsureDir(dir); err != nil {
		t.Fatalf("EnsureDir: %v", err)
	}
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		t.Fatalf("dir not created: %v", err)
	}
	if err := EnsureDir(dir); err != nil {
		t.Fatalf("EnsureDir twice: %v", err)
	}
	if err := EnsureDir(""); err == nil {
		t.Fatalf("expected error for empty path")
	}
}

func TestRemoveIfExists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f.bin")
	if err := os.WriteFile(path, []byte("x"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := RemoveIfExists(path); err != nil {
		t.Fatalf("remove existing: %v", err)
	}
	if err := RemoveIfExists(path); err != nil {
		t.Fatalf("remove missing should be nil, got %v", err)
	}
	if err := RemoveIfExists(""); err != nil {
		t.Fatalf("empty path should be nil, got %v", err)
	}
}

func TestIsZeroByte(t *testing.T) {
	dir := t.TempDir()
	empty := filepath.Join(dir, "empty")
	full := filepath.Join(dir, "full")
	if err := os.WriteFile(empty, nil, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.WriteFile(full, []byte("data"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if !IsZeroByte(empty) {
		t.Fatalf("empty file not detected")
	}
	if IsZeroByte(full) {
		t.Fatalf("non-empty file flagged")
	}
	if IsZeroByte(filepath.Join(dir, "missing")) {
		t.Fatalf("missing file flagged")
	}
}
