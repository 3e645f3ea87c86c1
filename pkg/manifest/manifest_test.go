package manifest

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func names(m Manifest) []string {
	out := make([]string, 0, len(m.Entries))
	for _, e := range m.Entries {
		out = append(out, e.Name)
	}
	return out
}

func TestScanPaths_FilesAndDirectories(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "notes.txt"), "hello")
	writeFile(t, filepath.Join(dir, "photos", "b.jpg"), "bb")
	writeFile(t, filepath.Join(dir, "photos", "a.jpg"), "a")
	writeFile(t, filepath.Join(dir, "photos", "2024", "c.jpg"), "ccc")
	if err := os.MkdirAll(filepath.Join(dir, "photos", "empty"), 0o755); err != nil {
		t.Fatal(err)
	}

	m, err := ScanPaths([]string{filepath.Join(dir, "notes.txt"), filepath.Join(dir, "photos")})
	if err != nil {
		t.Fatalf("ScanPaths error = %v", err)
	}
	want := []string{"notes.txt", "photos/2024/c.jpg", "photos/a.jpg", "photos/b.jpg"}
	if got := names(m); !reflect.DeepEqual(got, want) {
		t.Fatalf("names = %v, want %v", got, want)
	}
	if m.TotalBytes != 11 {
		t.Errorf("TotalBytes = %d, want 11", m.TotalBytes)
	}
	if m.Entries[0].Path != filepath.Join(dir, "notes.txt") {
		t.Errorf("Path = %q", m.Entries[0].Path)
	}
}

func TestScanPaths_BaseNameCollision(t *testing.T) {
	dir := t.TempDir()
	first := filepath.Join(dir, "one", "report.pdf")
	second := filepath.Join(dir, "two", "report.pdf")
	other := filepath.Join(dir, "two", "other.pdf")
	writeFile(t, first, "1")
	writeFile(t, second, "2")
	writeFile(t, other, "3")

	m, err := ScanPaths([]string{first, other, second})
	if err != nil {
		t.Fatalf("ScanPaths error = %v", err)
	}
	want := []string{"1_report.pdf", "other.pdf", "2_report.pdf"}
	if got := names(m); !reflect.DeepEqual(got, want) {
		t.Fatalf("names = %v, want %v", got, want)
	}
}

func TestScanPaths_Errors(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "empty"), 0o755); err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		name  string
		paths []string
	}{
		{"no paths", nil},
		{"missing", []string{filepath.Join(dir, "nope")}},
		{"only empty dir", []string{filepath.Join(dir, "empty")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ScanPaths(tt.paths); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}
