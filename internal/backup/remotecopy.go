package backup

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"time"

	"github.com/stphnsmpsn/unifi-protect-backup/internal/catalog"
	"github.com/stphnsmpsn/unifi-protect-backup/internal/platform/procs"
)

const remoteCopyBinary = "remote-copy"

// RemoteCopyTarget ships clips to a named remote via the external
// remote-copy tool. The tool owns transport and credentials; we own paths.
type RemoteCopyTarget struct {
	name       string
	remote     string
	basePath   string
	configFile string
	template   Template

	run procs.RunFunc
}

func NewRemoteCopyTarget(name, remote, basePath, configFile string, template Template) *RemoteCopyTarget {
	return &RemoteCopyTarget{
		name:       name,
		remote:     remote,
		basePath:   basePath,
		configFile: configFile,
		template:   template,
		run:        procs.Run,
	}
}

func (t *RemoteCopyTarget) Name() string { return t.name }

func (t *RemoteCopyTarget) remoteSpec(remotePath string) string {
	return t.remote + ":" + path.Join(t.basePath, remotePath)
}

func (t *RemoteCopyTarget) args(extra ...string) []string {
	if t.configFile != "" {
		return append([]string{"--config", t.configFile}, extra...)
	}
	return extra
}

func (t *RemoteCopyTarget) Write(ctx context.Context, e catalog.Event, clipPath string) (string, int64, error) {
	remotePath := t.template.Render(e)

	info, err := os.Stat(clipPath)
	if err != nil {
		return "", 0, fmt.Errorf("remote-copy %s: %w", t.name, err)
	}

	// copy-to semantics: the destination is the exact path, so a repeat
	// write for the same event overwrites rather than duplicating.
	_, _, err = t.run(ctx, nil, remoteCopyBinary,
		t.args("copy", clipPath, t.remoteSpec(remotePath))...)
	if err != nil {
		return "", 0, fmt.Errorf("remote-copy %s: %w", t.name, err)
	}
	return remotePath, info.Size(), nil
}

func (t *RemoteCopyTarget) Stat(ctx context.Context, remotePath string) (bool, error) {
	stdout, _, err := t.run(ctx, nil, remoteCopyBinary,
		t.args("lsf", t.remoteSpec(remotePath))...)
	if err != nil {
		if procs.IsNotFound(err) {
			return false, err
		}
		// lsf on a missing path exits non-zero; treat as absent.
		return false, nil
	}
	return len(strings.TrimSpace(string(stdout))) > 0, nil
}

func (t *RemoteCopyTarget) Open(ctx context.Context, remotePath string) (io.ReadCloser, error) {
	tmp, err := os.CreateTemp("", "ufp-fetch-*")
	if err != nil {
		return nil, err
	}
	tmp.Close()

	_, _, err = t.run(ctx, nil, remoteCopyBinary,
		t.args("copy", t.remoteSpec(remotePath), tmp.Name())...)
	if err != nil {
		os.Remove(tmp.Name())
		return nil, fmt.Errorf("remote-copy %s: %w", t.name, err)
	}

	f, err := os.Open(tmp.Name())
	if err != nil {
		os.Remove(tmp.Name())
		return nil, err
	}
	return &tempFileReader{File: f}, nil
}

// Prune delegates age-based deletion to the tool. It cannot enumerate
// what was removed, so it returns no paths; the pipeline reconciles the
// catalog by Stat.
func (t *RemoteCopyTarget) Prune(ctx context.Context, cutoff time.Time) ([]string, error) {
	minAge := time.Since(cutoff)
	if minAge < 0 {
		return nil, nil
	}
	_, _, err := t.run(ctx, nil, remoteCopyBinary,
		t.args("delete", t.remote+":"+t.basePath, "--min-age", formatAge(minAge))...)
	if err != nil {
		return nil, fmt.Errorf("remote-copy %s: prune: %w", t.name, err)
	}
	return nil, nil
}

func (t *RemoteCopyTarget) Probe(ctx context.Context) error {
	if err := procs.LookPath(remoteCopyBinary); err != nil {
		return err
	}
	_, _, err := t.run(ctx, nil, remoteCopyBinary, t.args("lsf", t.remote+":"+t.basePath)...)
	if err != nil {
		return fmt.Errorf("remote-copy %s: remote unreachable: %w", t.name, err)
	}
	return nil
}

func formatAge(d time.Duration) string {
	return fmt.Sprintf("%ds", int64(d.Seconds()))
}

// tempFileReader deletes its backing file on close.
type tempFileReader struct {
	*os.File
}

func (r *tempFileReader) Close() error {
	err := r.File.Close()
	os.Remove(r.File.Name())
	return err
}
