package catalog

import "time"

// Event is a detection record as known to the catalog. Times are epoch
// seconds UTC; EndTime is nil while the controller still considers the
// event open.
type Event struct {
	ID            string
	DetectionType string
	CameraID      string
	CameraName    string
	StartTime     int64
	EndTime       *int64
	ObservedAt    int64
}

// Closed reports whether the event has a known end, or has outlived the
// configured maximum event length.
func (e Event) Closed(now time.Time, maxEventLength time.Duration) bool {
	if e.EndTime != nil {
		return true
	}
	return now.Unix() >= e.ObservedAt+int64(maxEventLength.Seconds())
}

// EffectiveEnd returns the end time to use for clip fetches: the recorded
// end, or start + maxEventLength for events that timed out open.
func (e Event) EffectiveEnd(maxEventLength time.Duration) int64 {
	if e.EndTime != nil {
		return *e.EndTime
	}
	return e.StartTime + int64(maxEventLength.Seconds())
}

// BackupRecord asserts that the clip for EventID is present on TargetName
// at RemotePath. Rows exist iff the bytes do.
type BackupRecord struct {
	EventID    string
	TargetName string
	RemotePath string
	SizeBytes  int64
	BackupTime int64
}

// BackupWithEvent joins a backup row with its event, for archive windowing.
type BackupWithEvent struct {
	BackupRecord
	Event Event
}

// ArchiveRun records one snapshot created by an archive target over a
// time window.
type ArchiveRun struct {
	TargetName  string
	ArchiveID   string
	WindowStart int64
	WindowEnd   int64
	CreatedAt   int64
}

// MissingTarget is the synthetic target name used to pin events whose
// clips the controller reports gone, so they are not retried forever.
const MissingTarget = "__missing__"
