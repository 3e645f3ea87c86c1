// Package manifest expands a command line selection of files and directories
// into the flat list of files one send offers.
package manifest

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
)

// Entry is one regular file selected for sending.
type Entry struct {
	Path string // Source path on disk
	Name string // Relative name with forward slashes, unique within the manifest
	Size int64
}

// Manifest is the expanded selection in deterministic order.
type Manifest struct {
	Entries    []Entry
	TotalBytes int64
}

// ScanPaths expands paths. A file contributes its base name; a directory
// contributes every regular file below it as "dir/rel/path". Paths that share
// a base name are disambiguated with an ordinal prefix (1_, 2_, ...) in
// argument order. Symlinks and other non-regular files are skipped.
func ScanPaths(paths []string) (Manifest, error) {
	if len(paths) == 0 {
		return Manifest{}, errors.New("no paths provided")
	}

	bases := make([]string, len(paths))
	count := make(map[string]int)
	for i, path := range paths {
		abs, err := filepath.Abs(path)
		if err != nil {
			return Manifest{}, fmt.Errorf("cannot get absolute path for %s: %w", path, err)
		}
		bases[i] = baseName(abs)
		count[bases[i]]++
	}

	var m Manifest
	seen := make(map[string]int)
	for i, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			if os.IsNotExist(err) {
				return Manifest{}, fmt.Errorf("path does not exist: %s", path)
			}
			return Manifest{}, fmt.Errorf("cannot access path %s: %w", path, err)
		}

		root := bases[i]
		if count[root] > 1 {
			seen[root]++
			root = strconv.Itoa(seen[root]) + "_" + root
		}

		if !info.IsDir() {
			if !info.Mode().IsRegular() {
				continue
			}
			m.add(Entry{Path: path, Name: root, Size: info.Size()})
			continue
		}
		if err := m.walk(path, root); err != nil {
			return Manifest{}, err
		}
	}
	if len(m.Entries) == 0 {
		return Manifest{}, errors.New("no files found")
	}
	return m, nil
}

func (m *Manifest) walk(dir, root string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return fmt.Errorf("cannot read %s: %w", path, err)
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return fmt.Errorf("cannot compute relative path: %w", err)
		}
		info, err := d.Info()
		if err != nil {
			return fmt.Errorf("cannot stat %s: %w", path, err)
		}
		m.add(Entry{Path: path, Name: root + "/" + filepath.ToSlash(rel), Size: info.Size()})
		return nil
	})
}

func (m *Manifest) add(e Entry) {
	m.Entries = append(m.Entries, e)
	m.TotalBytes += e.Size
}

func baseName(abs string) string {
	switch base := filepath.Base(abs); base {
	case ".":
		return "current"
	case string(filepath.Separator):
		return "root"
	default:
		return base
	}
}
