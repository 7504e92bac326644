package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stphnsmpsn/unifi-protect-backup/internal/backup"
	"github.com/stphnsmpsn/unifi-protect-backup/internal/catalog"
	"github.com/stphnsmpsn/unifi-protect-backup/internal/metrics"
	"github.com/stphnsmpsn/unifi-protect-backup/internal/protect"
)

const (
	fetchAttempts     = 5
	fetchBackoffBase  = time.Second
	fetchBackoffCap   = 60 * time.Second
	quarantineAfter   = 5
	defaultBatchSize  = 100
	recordTimeout     = 5 * time.Second
	quarantineFactor  = 10
)

type Config struct {
	PollInterval       time.Duration
	MaxEventLength     time.Duration
	ParallelUploads    int
	DownloadBufferSize int64
	SkipMissing        bool
	BatchSize          int
}

// Pipeline turns ready events into clips on every configured target.
// Per event: fetch once, fan out to the targets that still lack a backup
// row, record each success. Bytes written strictly happens-before the
// catalog row.
type Pipeline struct {
	client  protect.Client
	cat     *catalog.Catalog
	targets []backup.Target
	cfg     Config
	met     *metrics.Metrics

	sem chan struct{}

	mu         sync.Mutex
	inflight   map[string]bool
	failures   map[string]int
	quarantine map[string]time.Time

	quit chan struct{}
	wg   sync.WaitGroup
	now  func() time.Time

	backoffBase time.Duration
}

func New(client protect.Client, cat *catalog.Catalog, targets []backup.Target, cfg Config, met *metrics.Metrics) *Pipeline {
	if cfg.ParallelUploads <= 0 {
		cfg.ParallelUploads = 4
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	return &Pipeline{
		client:     client,
		cat:        cat,
		targets:    targets,
		cfg:        cfg,
		met:        met,
		sem:        make(chan struct{}, cfg.ParallelUploads),
		inflight:   map[string]bool{},
		failures:   map[string]int{},
		quarantine: map[string]time.Time{},
		quit:       make(chan struct{}),
		now:        time.Now,

		backoffBase: fetchBackoffBase,
	}
}

// Start consumes the ingestor queue and runs the reconcile ticker that
// re-discovers events the queue missed.
func (p *Pipeline) Start(ctx context.Context, in <-chan catalog.Event) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.cfg.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case ev, ok := <-in:
				if !ok {
					return
				}
				p.dispatch(ctx, ev)
			case <-ticker.C:
				p.reconcile(ctx)
			case <-p.quit:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (p *Pipeline) Stop() {
	close(p.quit)
	p.wg.Wait()
}

// reconcile asks the catalog for unbacked events per target; the union
// with the push queue is deduplicated by the in-flight set.
func (p *Pipeline) reconcile(ctx context.Context) {
	for _, t := range p.targets {
		if p.isQuarantined(t.Name()) {
			continue
		}
		events, err := p.cat.ListUnbacked(ctx, t.Name(), p.cfg.BatchSize, p.now(), p.cfg.MaxEventLength)
		if err != nil {
			log.Printf("[ERROR] pipeline: listing unbacked for %s: %v", t.Name(), err)
			continue
		}
		for _, ev := range events {
			p.dispatch(ctx, ev)
		}
	}
}

// dispatch claims the event and hands it to a worker. Events already in
// flight are dropped here, making queue+reconcile delivery exactly-once
// per cycle.
func (p *Pipeline) dispatch(ctx context.Context, ev catalog.Event) {
	p.mu.Lock()
	if p.inflight[ev.ID] {
		p.mu.Unlock()
		return
	}
	p.inflight[ev.ID] = true
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		select {
		case p.sem <- struct{}{}:
		case <-p.quit:
			p.release(ev.ID)
			return
		case <-ctx.Done():
			p.release(ev.ID)
			return
		}
		defer func() { <-p.sem }()
		defer p.release(ev.ID)

		p.met.InflightBackups.Inc()
		defer p.met.InflightBackups.Dec()
		p.processEvent(ctx, ev)
	}()
}

func (p *Pipeline) release(eventID string) {
	p.mu.Lock()
	delete(p.inflight, eventID)
	p.mu.Unlock()
}

func (p *Pipeline) processEvent(ctx context.Context, ev catalog.Event) {
	have, err := p.cat.BackupsForEvent(ctx, ev.ID)
	if err != nil {
		log.Printf("[ERROR] pipeline: reading backups for %s: %v", ev.ID, err)
		return
	}
	if _, gone := have[catalog.MissingTarget]; gone {
		return
	}

	var pending []backup.Target
	for _, t := range p.targets {
		if _, ok := have[t.Name()]; ok {
			continue
		}
		if p.isQuarantined(t.Name()) {
			continue
		}
		pending = append(pending, t)
	}
	if len(pending) == 0 {
		return
	}

	clipPath, err := p.fetchClip(ctx, ev)
	if err != nil {
		if errors.Is(err, protect.ErrClipUnavailable) && p.cfg.SkipMissing {
			log.Printf("[WARN] pipeline: clip for %s gone, marking missing", ev.ID)
			p.recordBackup(catalog.BackupRecord{
				EventID:    ev.ID,
				TargetName: catalog.MissingTarget,
				BackupTime: p.now().Unix(),
			})
			return
		}
		log.Printf("[ERROR] pipeline: fetching clip for %s: %v", ev.ID, err)
		return
	}
	defer os.Remove(clipPath)

	// Fan out. Per-target failures do not abort siblings.
	var fanout sync.WaitGroup
	for _, t := range pending {
		fanout.Add(1)
		go func(t backup.Target) {
			defer fanout.Done()
			remotePath, size, err := t.Write(ctx, ev, clipPath)
			if err != nil {
				p.met.BackupWrites.WithLabelValues(t.Name(), "error").Inc()
				p.targetFailed(t.Name(), ev.ID, err)
				return
			}
			p.met.BackupWrites.WithLabelValues(t.Name(), "ok").Inc()
			p.targetSucceeded(t.Name())
			p.recordBackup(catalog.BackupRecord{
				EventID:    ev.ID,
				TargetName: t.Name(),
				RemotePath: remotePath,
				SizeBytes:  size,
				BackupTime: p.now().Unix(),
			})
			log.Printf("[INFO] pipeline: event %s -> %s (%s, %d bytes)", ev.ID, t.Name(), remotePath, size)
		}(t)
	}
	fanout.Wait()
}

// fetchClip downloads the event's clip to a staging file, retrying with
// exponential backoff. A zero-byte body counts as not ready.
func (p *Pipeline) fetchClip(ctx context.Context, ev catalog.Event) (string, error) {
	end := ev.EffectiveEnd(p.cfg.MaxEventLength)

	var lastErr error
	backoff := p.backoffBase
	for attempt := 1; attempt <= fetchAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-time.After(backoff):
			case <-p.quit:
				return "", lastErr
			case <-ctx.Done():
				return "", ctx.Err()
			}
			backoff *= 2
			if backoff > fetchBackoffCap {
				backoff = fetchBackoffCap
			}
		}

		path, size, err := p.downloadOnce(ctx, ev, end)
		if err == nil && size == 0 {
			os.Remove(path)
			err = fmt.Errorf("clip for %s: empty body", ev.ID)
		}
		if err == nil {
			p.met.ClipsDownloaded.Inc()
			p.met.DownloadBytes.Add(float64(size))
			return path, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
	}
	return "", lastErr
}

func (p *Pipeline) downloadOnce(ctx context.Context, ev catalog.Event, end int64) (string, int64, error) {
	body, err := p.client.FetchClip(ctx, ev.CameraID, ev.StartTime, end)
	if err != nil {
		return "", 0, err
	}
	defer body.Close()

	staging := filepath.Join(os.TempDir(), "ufp-"+uuid.New().String()+".mp4")
	f, err := os.Create(staging)
	if err != nil {
		return "", 0, err
	}

	buf := make([]byte, p.cfg.DownloadBufferSize)
	size, err := io.CopyBuffer(f, body, buf)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(staging)
		return "", 0, err
	}
	return staging, size, nil
}

// recordBackup persists the row on a detached context: the write must
// complete even while the service is shutting down.
func (p *Pipeline) recordBackup(r catalog.BackupRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	if err := p.cat.RecordBackup(ctx, r); err != nil {
		log.Printf("[ERROR] pipeline: recording backup (%s, %s): %v", r.EventID, r.TargetName, err)
	}
}

func (p *Pipeline) isQuarantined(target string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	until, ok := p.quarantine[target]
	if !ok {
		return false
	}
	if p.now().After(until) {
		delete(p.quarantine, target)
		p.failures[target] = 0
		return false
	}
	return true
}

func (p *Pipeline) targetFailed(target, eventID string, err error) {
	log.Printf("[ERROR] pipeline: writing event %s to %s: %v", eventID, target, err)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures[target]++
	if p.failures[target] >= quarantineAfter {
		until := p.now().Add(time.Duration(quarantineFactor) * p.cfg.PollInterval)
		p.quarantine[target] = until
		log.Printf("[WARN] pipeline: target %s quarantined until %s", target, until.Format(time.RFC3339))
	}
}

func (p *Pipeline) targetSucceeded(target string) {
	p.mu.Lock()
	p.failures[target] = 0
	p.mu.Unlock()
}
