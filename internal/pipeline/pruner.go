package pipeline

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/stphnsmpsn/unifi-protect-backup/internal/backup"
	"github.com/stphnsmpsn/unifi-protect-backup/internal/catalog"
	"github.com/stphnsmpsn/unifi-protect-backup/internal/metrics"
)

type PrunerConfig struct {
	Interval  time.Duration
	Retention time.Duration
}

// Pruner enforces clip retention. Order is load-bearing: target bytes
// first, then backup rows whose bytes are gone, then events with no
// surviving rows — so a BackupRecord never outlives its file by more
// than one pass, and never the other way around.
type Pruner struct {
	cfg     PrunerConfig
	cat     *catalog.Catalog
	targets []backup.Target
	met     *metrics.Metrics

	quit chan struct{}
	wg   sync.WaitGroup
	now  func() time.Time
}

func NewPruner(cfg PrunerConfig, cat *catalog.Catalog, targets []backup.Target, met *metrics.Metrics) *Pruner {
	return &Pruner{
		cfg:     cfg,
		cat:     cat,
		targets: targets,
		met:     met,
		quit:    make(chan struct{}),
		now:     time.Now,
	}
}

func (p *Pruner) Start(ctx context.Context) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				p.Prune(ctx)
			case <-p.quit:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (p *Pruner) Stop() {
	close(p.quit)
	p.wg.Wait()
}

// Prune runs one retention pass.
func (p *Pruner) Prune(ctx context.Context) {
	cutoff := p.now().Add(-p.cfg.Retention)

	for _, t := range p.targets {
		if _, err := t.Prune(ctx, cutoff); err != nil {
			log.Printf("[ERROR] prune: target %s: %v", t.Name(), err)
			// Rows stay until the bytes are confirmed gone.
		}

		rows, err := p.cat.ListBackupsOlderThan(ctx, t.Name(), cutoff.Unix())
		if err != nil {
			log.Printf("[ERROR] prune: listing rows for %s: %v", t.Name(), err)
			continue
		}
		for _, row := range rows {
			present, err := t.Stat(ctx, row.RemotePath)
			if err != nil {
				log.Printf("[ERROR] prune: stat %s on %s: %v", row.RemotePath, t.Name(), err)
				continue
			}
			if present {
				log.Printf("[WARN] prune: %s still present on %s after prune, keeping row", row.RemotePath, t.Name())
				continue
			}
			if err := p.cat.DeleteBackup(ctx, row.EventID, t.Name()); err != nil {
				log.Printf("[ERROR] prune: deleting row (%s, %s): %v", row.EventID, t.Name(), err)
				continue
			}
			p.met.PruneDeletions.WithLabelValues(t.Name()).Inc()
		}
	}

	// Sentinel rows age out with the same cutoff.
	missing, err := p.cat.ListBackupsOlderThan(ctx, catalog.MissingTarget, cutoff.Unix())
	if err == nil {
		for _, row := range missing {
			if err := p.cat.DeleteBackup(ctx, row.EventID, catalog.MissingTarget); err != nil {
				log.Printf("[ERROR] prune: deleting sentinel row for %s: %v", row.EventID, err)
			}
		}
	}

	removed, err := p.cat.PruneEventsOlderThan(ctx, cutoff.Unix())
	if err != nil {
		log.Printf("[ERROR] prune: removing events: %v", err)
		return
	}
	if removed > 0 {
		log.Printf("[INFO] prune: removed %d events older than %s", removed, cutoff.Format(time.RFC3339))
	}
}
