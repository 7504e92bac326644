package archive

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/stphnsmpsn/unifi-protect-backup/internal/backup"
	"github.com/stphnsmpsn/unifi-protect-backup/internal/catalog"
)

// stageWindow materializes a window's clips under a staging directory
// mirroring the backup path template. The directory is deterministic per
// (target, label), so a failed archive resumes into the same tree. Hard
// links are used when the source target stores files locally.
func stageWindow(ctx context.Context, targetName, label string, source backup.Target, rows []catalog.BackupWithEvent) (string, error) {
	stagingDir := filepath.Join(os.TempDir(), "ufp-stage", targetName, label)
	if err := os.MkdirAll(stagingDir, 0o755); err != nil {
		return "", err
	}

	local, _ := source.(*backup.LocalTarget)

	for _, row := range rows {
		if ctx.Err() != nil {
			return stagingDir, ctx.Err()
		}
		dst := filepath.Join(stagingDir, filepath.FromSlash(row.RemotePath))
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return stagingDir, err
		}
		if _, err := os.Stat(dst); err == nil {
			continue // staged by a previous attempt
		}

		if local != nil {
			if err := os.Link(local.AbsPath(row.RemotePath), dst); err == nil {
				continue
			}
			// Cross-device or missing source; fall through to copy.
		}
		if err := copyFromTarget(ctx, source, row.RemotePath, dst); err != nil {
			return stagingDir, fmt.Errorf("staging %s: %w", row.RemotePath, err)
		}
	}
	return stagingDir, nil
}

func copyFromTarget(ctx context.Context, source backup.Target, remotePath, dst string) error {
	src, err := source.Open(ctx, remotePath)
	if err != nil {
		return err
	}
	defer src.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".ufp-*")
	if err != nil {
		return err
	}
	_, err = io.Copy(tmp, src)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), dst)
}
