package pipeline

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stphnsmpsn/unifi-protect-backup/internal/backup"
	"github.com/stphnsmpsn/unifi-protect-backup/internal/catalog"
	"github.com/stphnsmpsn/unifi-protect-backup/internal/metrics"
	"github.com/stphnsmpsn/unifi-protect-backup/internal/protect"
)

type fakeClient struct {
	mu      sync.Mutex
	clip    string
	err     error
	fetches int
}

func (c *fakeClient) Login(context.Context) error { return nil }

func (c *fakeClient) GetBootstrap(context.Context) (*protect.Bootstrap, error) {
	return &protect.Bootstrap{}, nil
}

func (c *fakeClient) Subscribe(context.Context) (*protect.Subscription, error) {
	return nil, assert.AnError
}

func (c *fakeClient) ListEvents(context.Context, time.Time, time.Time) ([]protect.Event, error) {
	return nil, nil
}

func (c *fakeClient) FetchClip(context.Context, string, int64, int64) (io.ReadCloser, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fetches++
	if c.err != nil {
		return nil, c.err
	}
	return io.NopCloser(strings.NewReader(c.clip)), nil
}

// fakeTarget stores clips in memory and can fail on demand.
type fakeTarget struct {
	name string

	mu       sync.Mutex
	files    map[string][]byte
	writes   int
	failNext int
}

func newFakeTarget(name string) *fakeTarget {
	return &fakeTarget{name: name, files: map[string][]byte{}}
}

func (f *fakeTarget) Name() string { return f.name }

func (f *fakeTarget) Write(_ context.Context, e catalog.Event, clipPath string) (string, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes++
	if f.failNext > 0 {
		f.failNext--
		return "", 0, assert.AnError
	}
	data, err := readFile(clipPath)
	if err != nil {
		return "", 0, err
	}
	remotePath := e.CameraName + "/" + e.ID + ".mp4"
	f.files[remotePath] = data
	return remotePath, int64(len(data)), nil
}

func (f *fakeTarget) Stat(_ context.Context, remotePath string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.files[remotePath]
	return ok, nil
}

func (f *fakeTarget) Open(_ context.Context, remotePath string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.files[remotePath]
	if !ok {
		return nil, assert.AnError
	}
	return io.NopCloser(strings.NewReader(string(data))), nil
}

func (f *fakeTarget) Prune(_ context.Context, cutoff time.Time) ([]string, error) {
	return nil, nil
}

func (f *fakeTarget) Probe(context.Context) error { return nil }

func readFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}

func intPtr(v int64) *int64 { return &v }

func newTestPipeline(t *testing.T, client protect.Client, targets ...backup.Target) (*Pipeline, *catalog.Catalog) {
	t.Helper()
	cat, err := catalog.Open(filepath.Join(t.TempDir(), "events.db"))
	require.NoError(t, err)
	t.Cleanup(func() { cat.Close() })

	p := New(client, cat, targets, Config{
		PollInterval:       time.Minute,
		MaxEventLength:     5 * time.Minute,
		ParallelUploads:    2,
		DownloadBufferSize: 4096,
	}, metrics.New())
	p.backoffBase = time.Millisecond
	return p, cat
}

func seedEvent(t *testing.T, cat *catalog.Catalog, id string, start int64) catalog.Event {
	t.Helper()
	ev := catalog.Event{
		ID: id, DetectionType: "motion", CameraID: "cam-1", CameraName: "C1",
		StartTime: start, EndTime: intPtr(start + 5), ObservedAt: start,
	}
	_, err := cat.UpsertEvent(context.Background(), ev)
	require.NoError(t, err)
	return ev
}

func TestProcessEventFansOutToAllTargets(t *testing.T) {
	client := &fakeClient{clip: "clip-bytes"}
	nas := newFakeTarget("nas")
	offsite := newFakeTarget("offsite")
	p, cat := newTestPipeline(t, client, nas, offsite)
	ctx := context.Background()

	ev := seedEvent(t, cat, "e1", 1000)
	p.processEvent(ctx, ev)

	// One download, one write per target, one row per target.
	assert.Equal(t, 1, client.fetches)
	assert.Equal(t, 1, nas.writes)
	assert.Equal(t, 1, offsite.writes)

	have, err := cat.BackupsForEvent(ctx, "e1")
	require.NoError(t, err)
	require.Len(t, have, 2)
	assert.Equal(t, "C1/e1.mp4", have["nas"].RemotePath)
	assert.Equal(t, int64(len("clip-bytes")), have["nas"].SizeBytes)
}

func TestProcessEventIdempotent(t *testing.T) {
	client := &fakeClient{clip: "clip"}
	nas := newFakeTarget("nas")
	p, cat := newTestPipeline(t, client, nas)
	ctx := context.Background()

	ev := seedEvent(t, cat, "e1", 1000)
	p.processEvent(ctx, ev)
	p.processEvent(ctx, ev)

	// The second pass is a no-op: the eligibility gate sees the row.
	assert.Equal(t, 1, client.fetches)
	assert.Equal(t, 1, nas.writes)
	have, err := cat.BackupsForEvent(ctx, "e1")
	require.NoError(t, err)
	assert.Len(t, have, 1)
}

func TestProcessEventPartialFailure(t *testing.T) {
	client := &fakeClient{clip: "clip"}
	nas := newFakeTarget("nas")
	offsite := newFakeTarget("offsite")
	offsite.failNext = 1
	p, cat := newTestPipeline(t, client, nas, offsite)
	ctx := context.Background()

	ev := seedEvent(t, cat, "e1", 1000)
	p.processEvent(ctx, ev)

	// The failing target does not abort its sibling.
	have, err := cat.BackupsForEvent(ctx, "e1")
	require.NoError(t, err)
	require.Len(t, have, 1)
	assert.Contains(t, have, "nas")

	// Next pass retries only the failed target; no duplicate nas file.
	p.processEvent(ctx, ev)
	assert.Equal(t, 1, nas.writes)
	assert.Equal(t, 2, offsite.writes)

	have, err = cat.BackupsForEvent(ctx, "e1")
	require.NoError(t, err)
	assert.Len(t, have, 2)
}

func TestProcessEventSkipMissing(t *testing.T) {
	client := &fakeClient{err: protect.ErrClipUnavailable}
	nas := newFakeTarget("nas")
	p, cat := newTestPipeline(t, client, nas)
	p.cfg.SkipMissing = true
	ctx := context.Background()

	ev := seedEvent(t, cat, "e1", 1000)
	p.processEvent(ctx, ev)

	have, err := cat.BackupsForEvent(ctx, "e1")
	require.NoError(t, err)
	require.Contains(t, have, catalog.MissingTarget)
	assert.Zero(t, nas.writes)

	// The sentinel keeps the event from being retried.
	fetchesBefore := client.fetches
	p.processEvent(ctx, ev)
	assert.Equal(t, fetchesBefore, client.fetches)
}

func TestProcessEventMissingWithoutSkipLeavesUnbacked(t *testing.T) {
	client := &fakeClient{err: protect.ErrClipUnavailable}
	nas := newFakeTarget("nas")
	p, cat := newTestPipeline(t, client, nas)
	ctx := context.Background()

	ev := seedEvent(t, cat, "e1", 1000)
	p.processEvent(ctx, ev)

	have, err := cat.BackupsForEvent(ctx, "e1")
	require.NoError(t, err)
	assert.Empty(t, have)

	// Still selectable for later reconciliation.
	events, err := cat.ListUnbacked(ctx, "nas", 10, time.Unix(2000, 0), 5*time.Minute)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestDispatchDeduplicatesInflight(t *testing.T) {
	client := &fakeClient{clip: "clip"}
	nas := newFakeTarget("nas")
	p, cat := newTestPipeline(t, client, nas)

	ev := seedEvent(t, cat, "e1", 1000)

	p.mu.Lock()
	p.inflight["e1"] = true
	p.mu.Unlock()

	p.dispatch(context.Background(), ev)
	p.wg.Wait()
	assert.Zero(t, client.fetches)
}
