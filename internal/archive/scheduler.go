package archive

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/stphnsmpsn/unifi-protect-backup/internal/backup"
	"github.com/stphnsmpsn/unifi-protect-backup/internal/catalog"
	"github.com/stphnsmpsn/unifi-protect-backup/internal/metrics"
)

// maxReplayWindows caps how far back a restart replays missed windows.
const maxReplayWindows = 7

type SchedulerConfig struct {
	Interval        time.Duration
	RetentionPeriod time.Duration

	// ProcessTimeout bounds each external engine invocation.
	// Defaults to 2x Interval.
	ProcessTimeout time.Duration
}

// Scheduler windows backed-up clips into archives on a fixed cadence.
// Missed windows (service stopped, failed ticks) are replayed newest
// first up to maxReplayWindows.
type Scheduler struct {
	cfg     SchedulerConfig
	cat     *catalog.Catalog
	targets []Target

	// sources are the backup targets in declared order; the first that
	// holds rows for a window is the staging source of truth.
	sources []backup.Target

	met *metrics.Metrics
	now func() time.Time

	quit chan struct{}
	wg   sync.WaitGroup
}

func NewScheduler(cfg SchedulerConfig, cat *catalog.Catalog, targets []Target, sources []backup.Target, met *metrics.Metrics) *Scheduler {
	if cfg.Interval == 0 {
		cfg.Interval = 24 * time.Hour
	}
	if cfg.ProcessTimeout == 0 {
		cfg.ProcessTimeout = 2 * cfg.Interval
	}
	return &Scheduler{
		cfg:     cfg,
		cat:     cat,
		targets: targets,
		sources: sources,
		met:     met,
		now:     time.Now,
		quit:    make(chan struct{}),
	}
}

func (s *Scheduler) Start() {
	if len(s.targets) == 0 {
		return
	}
	s.wg.Add(1)
	go s.run()
}

func (s *Scheduler) Stop() {
	if len(s.targets) == 0 {
		return
	}
	close(s.quit)
	s.wg.Wait()
}

func (s *Scheduler) run() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	// Initial tick replays anything missed while stopped.
	s.tick(context.Background())

	for {
		select {
		case <-ticker.C:
			s.tick(context.Background())
		case <-s.quit:
			return
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	for _, target := range s.targets {
		select {
		case <-s.quit:
			return
		default:
		}
		s.runTarget(ctx, target)
	}
}

func (s *Scheduler) runTarget(ctx context.Context, target Target) {
	interval := int64(s.cfg.Interval.Seconds())
	wEndNow := (s.now().Unix() / interval) * interval

	last, err := s.cat.LastArchivedWindowEnd(ctx, target.Name())
	if err != nil {
		log.Printf("[ERROR] archive %s: reading last window: %v", target.Name(), err)
		return
	}

	// Newest first. A target that has never archived starts with the
	// current window only; replay applies to gaps in an existing history.
	var windows [][2]int64
	floor := wEndNow - interval
	if last > 0 {
		floor = last
	}
	for wEnd := wEndNow; wEnd-interval >= floor && len(windows) < maxReplayWindows; wEnd -= interval {
		windows = append(windows, [2]int64{wEnd - interval, wEnd})
	}
	if last > 0 {
		if skipped := (wEndNow-last)/interval - int64(len(windows)); skipped > 0 {
			log.Printf("[WARN] archive %s: %d windows older than the replay cap not archived", target.Name(), skipped)
		}
	}

	for _, w := range windows {
		if err := s.runWindow(ctx, target, w[0], w[1]); err != nil {
			log.Printf("[ERROR] archive %s: window [%d,%d): %v", target.Name(), w[0], w[1], err)
			s.met.ArchiveRuns.WithLabelValues(target.Name(), "error").Inc()
			// Leave the window unrecorded; the next tick retries it.
			continue
		}
	}

	pruneCtx, cancel := context.WithTimeout(ctx, s.cfg.ProcessTimeout)
	defer cancel()
	if err := target.Prune(pruneCtx, s.cfg.RetentionPeriod); err != nil {
		log.Printf("[ERROR] archive %s: prune: %v", target.Name(), err)
	}
}

func (s *Scheduler) runWindow(ctx context.Context, target Target, wStart, wEnd int64) error {
	label := "ufp-" + time.Unix(wStart, 0).UTC().Format("2006-01-02T15:04:05Z")

	rows, source, err := s.windowRows(ctx, wStart, wEnd)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		// Nothing to stage. Record the window so it is not replayed.
		log.Printf("[DEBUG] archive %s: window %s empty", target.Name(), label)
		s.met.ArchiveRuns.WithLabelValues(target.Name(), "skipped").Inc()
		return s.cat.RecordArchiveRun(ctx, catalog.ArchiveRun{
			TargetName:  target.Name(),
			ArchiveID:   label,
			WindowStart: wStart,
			WindowEnd:   wEnd,
			CreatedAt:   s.now().Unix(),
		})
	}

	stagingDir, err := stageWindow(ctx, target.Name(), label, source, rows)
	if err != nil {
		return fmt.Errorf("staging: %w", err)
	}

	archiveCtx, cancel := context.WithTimeout(ctx, s.cfg.ProcessTimeout)
	defer cancel()
	archiveID, err := target.Archive(archiveCtx, stagingDir, label)
	if err != nil {
		// Staging stays on disk; the engine resumes by content next tick.
		return err
	}

	if err := s.cat.RecordArchiveRun(ctx, catalog.ArchiveRun{
		TargetName:  target.Name(),
		ArchiveID:   archiveID,
		WindowStart: wStart,
		WindowEnd:   wEnd,
		CreatedAt:   s.now().Unix(),
	}); err != nil {
		return err
	}

	os.RemoveAll(stagingDir)
	s.met.ArchiveRuns.WithLabelValues(target.Name(), "ok").Inc()
	log.Printf("[INFO] archive %s: created %s clips=%d window=[%d,%d)", target.Name(), archiveID, len(rows), wStart, wEnd)
	return nil
}

// windowRows finds the window's clips on the first backup target that
// holds any, in declared order.
func (s *Scheduler) windowRows(ctx context.Context, wStart, wEnd int64) ([]catalog.BackupWithEvent, backup.Target, error) {
	for _, src := range s.sources {
		rows, err := s.cat.ListBackupsInWindow(ctx, src.Name(), wStart, wEnd)
		if err != nil {
			return nil, nil, err
		}
		if len(rows) > 0 {
			return rows, src, nil
		}
	}
	return nil, nil, nil
}
