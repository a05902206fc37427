package fixer

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/philiporange/supervisor/internal/agent"
)

const backupStamp = "20060102_150405"

// CreateBackup copies workDir to root/<name>/<timestamp>, skipping caches,
// VCS metadata and virtualenvs. It returns the backup path.
func CreateBackup(root, name, workDir string, now time.Time) (string, error) {
	info, err := os.Stat(workDir)
	if err != nil {
		return "", fmt.Errorf("stat work dir: %w", err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("work dir %s is not a directory", workDir)
	}
	base := filepath.Join(root, name)
	if err := os.MkdirAll(base, 0o750); err != nil {
		return "", fmt.Errorf("create backup dir: %w", err)
	}
	dst := filepath.Join(base, now.Format(backupStamp))
	for i := 1; exists(dst); i++ {
		dst = filepath.Join(base, fmt.Sprintf("%s_%d", now.Format(backupStamp), i))
	}
	if err := copyTree(workDir, dst, true); err != nil {
		_ = os.RemoveAll(dst)
		return "", err
	}
	slog.Info("created backup", "name", name, "path", dst)
	return dst, nil
}

// PruneBackups keeps the newest keep backups of name. Timestamped directory
// names sort chronologically.
func PruneBackups(root, name string, keep int) {
	base := filepath.Join(root, name)
	entries, err := os.ReadDir(base)
	if err != nil {
		return
	}
	var dirs []string
	for _, e := range entries {
		if e.IsDir() {
			dirs = append(dirs, e.Name())
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(dirs)))
	if keep < 0 {
		keep = 0
	}
	for _, d := range dirs[min(keep, len(dirs)):] {
		p := filepath.Join(base, d)
		if err := os.RemoveAll(p); err != nil {
			slog.Warn("failed to remove old backup", "path", p, "error", err)
			continue
		}
		slog.Debug("removed old backup", "path", p)
	}
}

// RestoreBackup replaces every top-level entry of workDir that also exists
// in the backup, then copies the backup over workDir. Entries only present in
// workDir are left alone.
func RestoreBackup(backup, workDir string) error {
	entries, err := os.ReadDir(backup)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrNoBackup, backup)
		}
		return fmt.Errorf("read backup: %w", err)
	}
	if err := os.MkdirAll(workDir, 0o750); err != nil {
		return fmt.Errorf("create work dir: %w", err)
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(workDir, e.Name())); err != nil {
			return fmt.Errorf("remove %s: %w", e.Name(), err)
		}
	}
	if err := copyTree(backup, workDir, false); err != nil {
		return err
	}
	slog.Info("restored backup", "backup", backup, "work_dir", workDir)
	return nil
}

func copyTree(src, dst string, exclude bool) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if rel != "." && exclude && agent.Excluded(d.Name()) {
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		target := filepath.Join(dst, rel)
		switch {
		case d.IsDir():
			return os.MkdirAll(target, 0o750)
		case d.Type()&fs.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return os.Symlink(link, target)
		case d.Type().IsRegular():
			return copyFile(path, target)
		}
		return nil
	})
}

func copyFile(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	in, err := os.Open(filepath.Clean(src))
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()
	out, err := os.OpenFile(filepath.Clean(dst), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Chtimes(dst, info.ModTime(), info.ModTime())
}

func exists(p string) bool {
	_, err := os.Lstat(p)
	return err == nil
}
