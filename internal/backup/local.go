package backup

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/stphnsmpsn/unifi-protect-backup/internal/catalog"
)

// LocalTarget writes clips into a directory tree. Files carry their
// event's start time as mtime so age-based pruning matches event age.
type LocalTarget struct {
	name     string
	basePath string
	template Template
}

func NewLocalTarget(name, basePath string, template Template) *LocalTarget {
	return &LocalTarget{name: name, basePath: basePath, template: template}
}

func (t *LocalTarget) Name() string { return t.name }

// AbsPath exposes the on-disk location of a stored clip so the archive
// stager can hard link instead of copying.
func (t *LocalTarget) AbsPath(remotePath string) string {
	return filepath.Join(t.basePath, filepath.FromSlash(remotePath))
}

func (t *LocalTarget) Write(ctx context.Context, e catalog.Event, clipPath string) (string, int64, error) {
	remotePath := t.template.Render(e)
	dst := t.AbsPath(remotePath)

	src, err := os.Open(clipPath)
	if err != nil {
		return "", 0, fmt.Errorf("local %s: %w", t.name, err)
	}
	defer src.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", 0, fmt.Errorf("local %s: %w", t.name, err)
	}

	// Write to a temp name in the destination directory and rename, so a
	// crash never leaves a partial file under the final name.
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".ufp-*")
	if err != nil {
		return "", 0, fmt.Errorf("local %s: %w", t.name, err)
	}
	size, err := io.Copy(tmp, src)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp.Name())
		return "", 0, fmt.Errorf("local %s: %w", t.name, err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		os.Remove(tmp.Name())
		return "", 0, fmt.Errorf("local %s: %w", t.name, err)
	}

	eventTime := time.Unix(e.StartTime, 0)
	if err := os.Chtimes(dst, eventTime, eventTime); err != nil {
		log.Printf("[WARN] local %s: setting mtime on %s: %v", t.name, dst, err)
	}
	return remotePath, size, nil
}

func (t *LocalTarget) Stat(_ context.Context, remotePath string) (bool, error) {
	_, err := os.Stat(t.AbsPath(remotePath))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

func (t *LocalTarget) Open(_ context.Context, remotePath string) (io.ReadCloser, error) {
	return os.Open(t.AbsPath(remotePath))
}

func (t *LocalTarget) Prune(ctx context.Context, cutoff time.Time) ([]string, error) {
	var removed []string
	err := filepath.WalkDir(t.basePath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if !info.ModTime().Before(cutoff) {
			return nil
		}
		if err := os.Remove(path); err != nil {
			return err
		}
		rel, err := filepath.Rel(t.basePath, path)
		if err != nil {
			return err
		}
		removed = append(removed, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return removed, fmt.Errorf("local %s: prune: %w", t.name, err)
	}
	t.removeEmptyDirs()
	return removed, nil
}

// removeEmptyDirs sweeps directories emptied by prune. Best effort.
func (t *LocalTarget) removeEmptyDirs() {
	var dirs []string
	filepath.WalkDir(t.basePath, func(path string, d fs.DirEntry, err error) error {
		if err == nil && d.IsDir() && path != t.basePath {
			dirs = append(dirs, path)
		}
		return nil
	})
	// Deepest first.
	for i := len(dirs) - 1; i >= 0; i-- {
		os.Remove(dirs[i])
	}
}

func (t *LocalTarget) Probe(_ context.Context) error {
	if err := os.MkdirAll(t.basePath, 0o755); err != nil {
		return fmt.Errorf("local %s: %w", t.name, err)
	}
	probe, err := os.CreateTemp(t.basePath, ".ufp-probe-*")
	if err != nil {
		return fmt.Errorf("local %s: not writable: %w", t.name, err)
	}
	probe.Close()
	os.Remove(probe.Name())
	return nil
}
