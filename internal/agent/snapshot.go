package agent

import (
	"io/fs"
	"path/filepath"
	"sort"
	"time"
)

// excludedNames are skipped by backups and change detection.
var excludedNames = []string{
	"__pycache__", "*.pyc", ".git", "node_modules",
	".venv", "venv", "*.egg-info", ".mypy_cache",
}

// Excluded reports whether a file or directory name is ignored by backups
// and change detection.
func Excluded(name string) bool {
	for _, p := range excludedNames {
		if ok, _ := filepath.Match(p, name); ok {
			return true
		}
	}
	return false
}

type fileStamp struct {
	size    int64
	modTime time.Time
}

// Snapshot maps paths relative to the walked root to their size and mtime.
type Snapshot map[string]fileStamp

// TakeSnapshot records every regular file under root. Unreadable entries are
// skipped.
func TakeSnapshot(root string) Snapshot {
	s := Snapshot{}
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if d != nil && d.IsDir() && path != root {
				return fs.SkipDir
			}
			return nil
		}
		if path != root && Excluded(d.Name()) {
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil
		}
		s[filepath.ToSlash(rel)] = fileStamp{size: info.Size(), modTime: info.ModTime()}
		return nil
	})
	return s
}

// Changed lists files created, modified or deleted between s and after,
// sorted.
func (s Snapshot) Changed(after Snapshot) []string {
	var out []string
	for p, a := range after {
		if b, ok := s[p]; !ok || b.size != a.size || !b.modTime.Equal(a.modTime) {
			out = append(out, p)
		}
	}
	for p := range s {
		if _, ok := after[p]; !ok {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}

