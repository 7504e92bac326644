package archive

import (
	"context"
	"time"
)

// Target rolls staged clips into long-term archives.
type Target interface {
	Name() string

	// Archive snapshots stagingDir under label. All-or-nothing: an error
	// means no snapshot was created. Returns the engine's archive id.
	Archive(ctx context.Context, stagingDir, label string) (string, error)

	// Prune applies a keep-within retention window to the repository.
	Prune(ctx context.Context, keepWithin time.Duration) error

	// Check verifies the repository is reachable, for --validate.
	Check(ctx context.Context) error
}
