package security

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestValidatePathWithinDirectory(t *testing.T) {
	tmpDir := t.TempDir()

	safeDir := filepath.Join(tmpDir, "compensation")
	outsideDir := filepath.Join(tmpDir, "outside")
	for _, d := range []string{safeDir, outsideDir} {
		if err := os.MkdirAll(d, 0755); err != nil {
			t.Fatalf("Failed to create directory: %v", err)
		}
	}
	if err := os.WriteFile(filepath.Join(outsideDir, "cal.json"), []byte("{}"), 0644); err != nil {
		t.Fatalf("Failed to create file: %v", err)
	}

	link := filepath.Join(safeDir, "linked")
	if err := os.Symlink(outsideDir, link); err != nil {
		t.Fatalf("Failed to create symlink: %v", err)
	}

	tests := []struct {
		name      string
		filePath  string
		wantError bool
	}{
		{"file in directory", filepath.Join(safeDir, "1.json"), false},
		{"nested file", filepath.Join(safeDir, "bench", "2.yaml"), false},
		{"dot-dot escape", filepath.Join(safeDir, "..", "outside", "cal.json"), true},
		{"relative escape", "../../../etc/passwd", true},
		{"absolute outside", "/etc/passwd", true},
		{"symlinked file", filepath.Join(link, "cal.json"), true},
		{"symlinked missing file", filepath.Join(link, "new.json"), true},
		{"symlink itself", link, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePathWithinDirectory(tt.filePath, safeDir)
			if (err != nil) != tt.wantError {
				t.Errorf("ValidatePathWithinDirectory(%q) error = %v, wantError %v", tt.filePath, err, tt.wantError)
			}
			if err != nil && tt.wantError && !errors.Is(err, ErrPathEscapes) {
				t.Errorf("expected ErrPathEscapes, got %v", err)
			}
		})
	}
}

func TestValidatePathWithinDirectory_MissingBase(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "nope")
	if err := ValidatePathWithinDirectory(filepath.Join(missing, "a.json"), missing); err == nil {
		t.Fatal("expected error for missing base directory")
	}
}

func TestResolveWithin(t *testing.T) {
	dir := t.TempDir()

	got, err := ResolveWithin(dir, "bench.json")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if want := filepath.Join(dir, "bench.json"); got != want {
		t.Errorf("ResolveWithin = %q, want %q", got, want)
	}

	abs := filepath.Join(dir, "sub", "x.yaml")
	if got, err := ResolveWithin(dir, abs); err != nil || got != abs {
		t.Errorf("ResolveWithin(abs) = %q, %v", got, err)
	}

	if _, err := ResolveWithin(dir, "../escape.json"); !errors.Is(err, ErrPathEscapes) {
		t.Errorf("expected ErrPathEscapes, got %v", err)
	}

	if got, err := ResolveWithin("", "../anything.json"); err != nil || got != "../anything.json" {
		t.Errorf("empty base should pass through, got %q, %v", got, err)
	}
}
