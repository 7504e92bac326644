package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stphnsmpsn/unifi-protect-backup/internal/backup"
	"github.com/stphnsmpsn/unifi-protect-backup/internal/catalog"
	"github.com/stphnsmpsn/unifi-protect-backup/internal/metrics"
)

func newLocalTarget(t *testing.T) (*backup.LocalTarget, string) {
	t.Helper()
	base := t.TempDir()
	tmpl, err := backup.ParseTemplate("{camera_name}/{date}/{time}_{detection_type}.mp4", 5*time.Minute, time.UTC)
	require.NoError(t, err)
	return backup.NewLocalTarget("nas", base, tmpl), base
}

func TestPruneRemovesBytesRowsEventsInOrder(t *testing.T) {
	cat, err := catalog.Open(filepath.Join(t.TempDir(), "events.db"))
	require.NoError(t, err)
	t.Cleanup(func() { cat.Close() })
	ctx := context.Background()

	local, base := newLocalTarget(t)

	now := time.Now()
	oldStart := now.Add(-8 * 24 * time.Hour).Unix()
	newStart := now.Add(-1 * time.Hour).Unix()

	write := func(id string, start int64) string {
		ev := catalog.Event{
			ID: id, DetectionType: "motion", CameraID: "cam-1", CameraName: "C1",
			StartTime: start, EndTime: intPtr(start + 5), ObservedAt: start,
		}
		_, err := cat.UpsertEvent(ctx, ev)
		require.NoError(t, err)

		clip := filepath.Join(t.TempDir(), id+".mp4")
		require.NoError(t, os.WriteFile(clip, []byte("clip"), 0o644))
		remotePath, size, err := local.Write(ctx, ev, clip)
		require.NoError(t, err)
		require.NoError(t, cat.RecordBackup(ctx, catalog.BackupRecord{
			EventID: id, TargetName: "nas", RemotePath: remotePath, SizeBytes: size, BackupTime: start,
		}))
		return remotePath
	}

	oldPath := write("old", oldStart)
	newPath := write("fresh", newStart)

	pruner := NewPruner(PrunerConfig{
		Interval:  time.Hour,
		Retention: 7 * 24 * time.Hour,
	}, cat, []backup.Target{local}, metrics.New())

	pruner.Prune(ctx)

	// File gone, row gone, event gone.
	_, err = os.Stat(filepath.Join(base, filepath.FromSlash(oldPath)))
	assert.True(t, os.IsNotExist(err))
	have, err := cat.BackupsForEvent(ctx, "old")
	require.NoError(t, err)
	assert.Empty(t, have)
	_, err = cat.GetEvent(ctx, "old")
	assert.ErrorIs(t, err, catalog.ErrNotFound)

	// The fresh event survives intact.
	_, err = os.Stat(filepath.Join(base, filepath.FromSlash(newPath)))
	assert.NoError(t, err)
	have, err = cat.BackupsForEvent(ctx, "fresh")
	require.NoError(t, err)
	assert.Len(t, have, 1)
}

func TestPruneKeepsRowWhenBytesSurvive(t *testing.T) {
	cat, err := catalog.Open(filepath.Join(t.TempDir(), "events.db"))
	require.NoError(t, err)
	t.Cleanup(func() { cat.Close() })
	ctx := context.Background()

	local, base := newLocalTarget(t)

	start := time.Now().Add(-8 * 24 * time.Hour).Unix()
	ev := catalog.Event{
		ID: "old", DetectionType: "motion", CameraID: "cam-1", CameraName: "C1",
		StartTime: start, EndTime: intPtr(start + 5), ObservedAt: start,
	}
	_, err = cat.UpsertEvent(ctx, ev)
	require.NoError(t, err)

	clip := filepath.Join(t.TempDir(), "clip.mp4")
	require.NoError(t, os.WriteFile(clip, []byte("clip"), 0o644))
	remotePath, size, err := local.Write(ctx, ev, clip)
	require.NoError(t, err)
	require.NoError(t, cat.RecordBackup(ctx, catalog.BackupRecord{
		EventID: "old", TargetName: "nas", RemotePath: remotePath, SizeBytes: size, BackupTime: start,
	}))

	// Freshen the file's mtime so the target's age prune skips it.
	require.NoError(t, os.Chtimes(filepath.Join(base, filepath.FromSlash(remotePath)), time.Now(), time.Now()))

	pruner := NewPruner(PrunerConfig{Interval: time.Hour, Retention: 7 * 24 * time.Hour}, cat, []backup.Target{local}, metrics.New())
	pruner.Prune(ctx)

	// Bytes survived, so the row and event must survive too.
	have, err := cat.BackupsForEvent(ctx, "old")
	require.NoError(t, err)
	assert.Len(t, have, 1)
	_, err = cat.GetEvent(ctx, "old")
	assert.NoError(t, err)
}

func TestPruneRemovesAgedMissingSentinels(t *testing.T) {
	cat, err := catalog.Open(filepath.Join(t.TempDir(), "events.db"))
	require.NoError(t, err)
	t.Cleanup(func() { cat.Close() })
	ctx := context.Background()

	local, _ := newLocalTarget(t)

	start := time.Now().Add(-8 * 24 * time.Hour).Unix()
	_, err = cat.UpsertEvent(ctx, catalog.Event{
		ID: "gone", DetectionType: "motion", CameraID: "cam-1", CameraName: "C1",
		StartTime: start, EndTime: intPtr(start + 5), ObservedAt: start,
	})
	require.NoError(t, err)
	require.NoError(t, cat.RecordBackup(ctx, catalog.BackupRecord{
		EventID: "gone", TargetName: catalog.MissingTarget, BackupTime: start,
	}))

	pruner := NewPruner(PrunerConfig{Interval: time.Hour, Retention: 7 * 24 * time.Hour}, cat, []backup.Target{local}, metrics.New())
	pruner.Prune(ctx)

	_, err = cat.GetEvent(ctx, "gone")
	assert.ErrorIs(t, err, catalog.ErrNotFound)
}
