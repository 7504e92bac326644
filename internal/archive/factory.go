package archive

import (
	"fmt"

	"github.com/stphnsmpsn/unifi-protect-backup/internal/config"
)

// BuildTargets enumerates the configured archive targets.
func BuildTargets(cfg config.ArchiveConfig) ([]Target, error) {
	targets := make([]Target, 0, len(cfg.Remote))
	for _, r := range cfg.Remote {
		if r.DedupRepo == nil {
			return nil, fmt.Errorf("archive target %q has no kind", r.Name)
		}
		targets = append(targets, NewDedupRepoTarget(
			r.Name,
			string(r.DedupRepo.Repo),
			r.DedupRepo.Passphrase.Value,
			string(r.DedupRepo.SSHKeyPath),
		))
	}
	return targets, nil
}
