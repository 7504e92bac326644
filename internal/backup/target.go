package backup

import (
	"context"
	"io"
	"time"

	"github.com/stphnsmpsn/unifi-protect-backup/internal/catalog"
)

// Target is one real-time backup destination. Write is idempotent by
// deterministic path: the same event always lands at the same remote path
// and a second write overwrites cleanly.
type Target interface {
	Name() string

	// Write stores the clip at clipPath under the event's templated path.
	Write(ctx context.Context, e catalog.Event, clipPath string) (remotePath string, size int64, err error)

	// Stat reports whether remotePath currently holds a file.
	Stat(ctx context.Context, remotePath string) (bool, error)

	// Open streams a stored clip back, for archive staging.
	Open(ctx context.Context, remotePath string) (io.ReadCloser, error)

	// Prune removes clips older than cutoff. The returned paths are the
	// removals the target could enumerate; callers still reconcile the
	// catalog by Stat for targets that cannot enumerate.
	Prune(ctx context.Context, cutoff time.Time) ([]string, error)

	// Probe verifies the target is usable, for --validate.
	Probe(ctx context.Context) error
}
