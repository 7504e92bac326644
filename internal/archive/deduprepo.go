package archive

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/stphnsmpsn/unifi-protect-backup/internal/platform/procs"
	"github.com/stphnsmpsn/unifi-protect-backup/internal/secrets"
)

const archiveEngineBinary = "archive-engine"

// DedupRepoTarget wraps the external deduplicating archiver. The
// passphrase and identity key reach the engine through its environment,
// never argv.
type DedupRepoTarget struct {
	name       string
	repo       string
	passphrase secrets.Value
	sshKeyPath string

	run procs.RunFunc
}

func NewDedupRepoTarget(name, repo string, passphrase secrets.Value, sshKeyPath string) *DedupRepoTarget {
	return &DedupRepoTarget{
		name:       name,
		repo:       repo,
		passphrase: passphrase,
		sshKeyPath: sshKeyPath,
		run:        procs.Run,
	}
}

func (t *DedupRepoTarget) Name() string { return t.name }

func (t *DedupRepoTarget) env() []string {
	env := []string{"ARCHIVE_PASSPHRASE=" + t.passphrase.Reveal()}
	if t.sshKeyPath != "" {
		env = append(env, "ARCHIVE_SSH_KEY="+t.sshKeyPath)
	}
	return env
}

func (t *DedupRepoTarget) Archive(ctx context.Context, stagingDir, label string) (string, error) {
	stdout, _, err := t.run(ctx, t.env(), archiveEngineBinary,
		"create", "--repo", t.repo, "--label", label, stagingDir)
	if err != nil {
		return "", fmt.Errorf("dedup-repo %s: create: %w", t.name, err)
	}
	archiveID := strings.TrimSpace(string(stdout))
	if archiveID == "" {
		archiveID = label
	}
	return archiveID, nil
}

func (t *DedupRepoTarget) Prune(ctx context.Context, keepWithin time.Duration) error {
	days := int64(keepWithin.Hours() / 24)
	if days < 1 {
		days = 1
	}
	_, _, err := t.run(ctx, t.env(), archiveEngineBinary,
		"prune", "--repo", t.repo, "--keep-within", fmt.Sprintf("%dd", days))
	if err != nil {
		return fmt.Errorf("dedup-repo %s: prune: %w", t.name, err)
	}
	return nil
}

func (t *DedupRepoTarget) Check(ctx context.Context) error {
	if err := procs.LookPath(archiveEngineBinary); err != nil {
		return err
	}
	_, _, err := t.run(ctx, t.env(), archiveEngineBinary, "check", "--repo", t.repo)
	if err != nil {
		return fmt.Errorf("dedup-repo %s: check: %w", t.name, err)
	}
	return nil
}
