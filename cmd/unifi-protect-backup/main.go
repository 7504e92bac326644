package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/stphnsmpsn/unifi-protect-backup/internal/archive"
	"github.com/stphnsmpsn/unifi-protect-backup/internal/backup"
	"github.com/stphnsmpsn/unifi-protect-backup/internal/catalog"
	"github.com/stphnsmpsn/unifi-protect-backup/internal/config"
	"github.com/stphnsmpsn/unifi-protect-backup/internal/ingest"
	"github.com/stphnsmpsn/unifi-protect-backup/internal/metrics"
	"github.com/stphnsmpsn/unifi-protect-backup/internal/pipeline"
	"github.com/stphnsmpsn/unifi-protect-backup/internal/protect"
)

var version = "dev"

const (
	exitOK      = 0
	exitRuntime = 1
	exitConfig  = 2
	exitProbe   = 3

	shutdownGrace = 30 * time.Second
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to the TOML config file (default: $UFP_CONFIG, then ~/.unifi-protect-backup/config.toml)")
	validate := flag.Bool("validate", false, "load config, probe all dependencies, and exit")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("unifi-protect-backup %s\n", version)
		return exitOK
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Printf("[ERROR] main: config: %v", err)
		return exitConfig
	}

	targets, err := backup.BuildTargets(cfg.Backup, time.Local)
	if err != nil {
		log.Printf("[ERROR] main: config: %v", err)
		return exitConfig
	}
	archiveTargets, err := archive.BuildTargets(cfg.Archive)
	if err != nil {
		log.Printf("[ERROR] main: config: %v", err)
		return exitConfig
	}

	client, err := protect.NewHTTPClient(protect.Options{
		Address:   string(cfg.Unifi.Address),
		Port:      cfg.Unifi.Port,
		Username:  string(cfg.Unifi.Username),
		Password:  cfg.Unifi.Password.Value,
		VerifySSL: cfg.Unifi.VerifySSL,
	})
	if err != nil {
		log.Printf("[ERROR] main: protect client: %v", err)
		return exitConfig
	}

	if *validate {
		return probeDependencies(cfg, client, targets, archiveTargets)
	}

	cat, err := catalog.Open(string(cfg.Database.Path))
	if err != nil {
		log.Printf("[ERROR] main: %v", err)
		return exitRuntime
	}
	defer cat.Close()

	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := client.Login(rootCtx); err != nil {
		log.Printf("[ERROR] main: controller login: %v", err)
		return exitRuntime
	}
	boot, err := client.GetBootstrap(rootCtx)
	if err != nil {
		log.Printf("[ERROR] main: controller bootstrap: %v", err)
		return exitRuntime
	}
	log.Printf("[INFO] main: connected, controller reports %d cameras", len(boot.Cameras))

	met := metrics.New()
	if cfg.Metrics != nil {
		go func() {
			if err := met.Serve(rootCtx, string(cfg.Metrics.Address), cfg.Metrics.Port); err != nil {
				log.Printf("[ERROR] main: metrics listener: %v", err)
			}
		}()
	}

	filter := ingest.NewFilter(cfg.Backup.DetectionTypes, cfg.Backup.IgnoreCameras, cfg.Backup.Cameras)
	ingestor := ingest.New(client, cat, boot, filter, ingest.Config{
		PollInterval:   cfg.Backup.PollInterval.Std(),
		MaxEventLength: cfg.Backup.MaxEventLength.Std(),
		QueueSize:      cfg.Backup.ParallelUploads * 4,
	}, met)

	pipe := pipeline.New(client, cat, targets, pipeline.Config{
		PollInterval:       cfg.Backup.PollInterval.Std(),
		MaxEventLength:     cfg.Backup.MaxEventLength.Std(),
		ParallelUploads:    cfg.Backup.ParallelUploads,
		DownloadBufferSize: cfg.Backup.DownloadBufferSize,
		SkipMissing:        cfg.Backup.SkipMissing,
	}, met)

	pruner := pipeline.NewPruner(pipeline.PrunerConfig{
		Interval:  cfg.Backup.PurgeInterval.Std(),
		Retention: cfg.Backup.RetentionPeriod.Std(),
	}, cat, targets, met)

	scheduler := archive.NewScheduler(archive.SchedulerConfig{
		Interval:        cfg.Archive.ArchiveInterval.Std(),
		RetentionPeriod: cfg.Archive.RetentionPeriod.Std(),
	}, cat, archiveTargets, targets, met)

	pipe.Start(rootCtx, ingestor.Out())
	ingestor.Start(rootCtx)
	pruner.Start(rootCtx)
	scheduler.Start()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigs
	log.Printf("[INFO] main: received %s, shutting down", sig)

	// Stop intake first, then workers; in-flight catalog writes run on
	// detached contexts and finish on their own.
	done := make(chan struct{})
	go func() {
		defer close(done)
		ingestor.Stop()
		pipe.Stop()
		pruner.Stop()
		scheduler.Stop()
	}()

	select {
	case <-done:
		cancel()
		log.Printf("[INFO] main: shutdown complete")
		return exitOK
	case <-time.After(shutdownGrace):
		cancel()
		log.Printf("[ERROR] main: shutdown timed out after %s, forcing exit", shutdownGrace)
		return exitRuntime
	}
}

// probeDependencies implements --validate: every external dependency is
// exercised; any failure exits non-zero.
func probeDependencies(cfg *config.Config, client *protect.HTTPClient, targets []backup.Target, archiveTargets []archive.Target) int {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	failed := false
	fail := func(what string, err error) {
		log.Printf("[ERROR] validate: %s: %v", what, err)
		failed = true
	}

	cat, err := catalog.Open(string(cfg.Database.Path))
	if err != nil {
		fail("catalog", err)
	} else {
		if err := cat.Ping(ctx); err != nil {
			fail("catalog", err)
		}
		cat.Close()
	}

	if err := client.Login(ctx); err != nil {
		fail("controller login", err)
	} else if _, err := client.GetBootstrap(ctx); err != nil {
		fail("controller bootstrap", err)
	}

	for _, t := range targets {
		if err := t.Probe(ctx); err != nil {
			fail(fmt.Sprintf("backup target %s", t.Name()), err)
		}
	}
	for _, t := range archiveTargets {
		if err := t.Check(ctx); err != nil {
			fail(fmt.Sprintf("archive target %s", t.Name()), err)
		}
	}

	if failed {
		return exitProbe
	}
	log.Printf("[INFO] validate: all dependencies ok")
	return exitOK
}
