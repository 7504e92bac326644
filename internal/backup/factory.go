package backup

import (
	"fmt"
	"time"

	"github.com/stphnsmpsn/unifi-protect-backup/internal/config"
)

// BuildTargets enumerates the configured backup targets. Declared order is
// preserved: the first target is the archive stager's source of truth.
func BuildTargets(cfg config.BackupConfig, loc *time.Location) ([]Target, error) {
	template, err := ParseTemplate(string(cfg.FileStructureFormat), cfg.MaxEventLength.Std(), loc)
	if err != nil {
		return nil, err
	}

	targets := make([]Target, 0, len(cfg.Remote))
	for _, r := range cfg.Remote {
		switch {
		case r.Local != nil:
			targets = append(targets, NewLocalTarget(r.Name, string(r.Local.Path), template))
		case r.RemoteCopy != nil:
			targets = append(targets, NewRemoteCopyTarget(
				r.Name,
				string(r.RemoteCopy.Remote),
				string(r.RemoteCopy.Path),
				string(r.RemoteCopy.ConfigFile),
				template,
			))
		default:
			return nil, fmt.Errorf("backup target %q has no kind", r.Name)
		}
	}
	return targets, nil
}
