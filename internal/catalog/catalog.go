package catalog

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/mattn/go-sqlite3"
)

var (
	ErrNotFound = errors.New("record not found")
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Catalog is the durable event+backup ledger. It is safe for concurrent
// use; writes are serialized through a single mutex on top of sqlite's own
// write lock, readers run on WAL snapshots and never block on writers.
type Catalog struct {
	db *sql.DB

	// wmu serializes the logical writer. Individual statements are
	// transactional on their own; the mutex keeps multi-statement writes
	// (upsert read-modify-write) single-writer.
	wmu sync.Mutex
}

// Open opens (creating if needed) the sqlite database at path and brings
// the schema up to date.
func Open(path string) (*Catalog, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening catalog: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("opening catalog: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating catalog: %w", err)
	}
	return &Catalog{db: db}, nil
}

func runMigrations(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return err
	}
	drv, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return err
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", drv)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

func (c *Catalog) Close() error { return c.db.Close() }

// Ping verifies the store is reachable, for --validate probes.
func (c *Catalog) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

// UpsertEvent inserts the event or, for an existing row, advances its end
// time. StartTime is never overwritten; EndTime only moves NULL -> value
// or value -> larger value. Returns true when the row was created.
func (c *Catalog) UpsertEvent(ctx context.Context, e Event) (bool, error) {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	var existingEnd sql.NullInt64
	err = tx.QueryRowContext(ctx, `SELECT end_time FROM events WHERE id = ?`, e.ID).Scan(&existingEnd)
	switch {
	case err == sql.ErrNoRows:
		_, err = tx.ExecContext(ctx, `
			INSERT INTO events (id, event_type, camera_id, camera_name, start_time, end_time, observed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			e.ID, e.DetectionType, e.CameraID, e.CameraName, e.StartTime, nullableInt(e.EndTime), e.ObservedAt)
		if err != nil {
			return false, err
		}
		return true, tx.Commit()
	case err != nil:
		return false, err
	}

	if e.EndTime != nil && (!existingEnd.Valid || *e.EndTime > existingEnd.Int64) {
		if _, err := tx.ExecContext(ctx, `UPDATE events SET end_time = ? WHERE id = ?`, *e.EndTime, e.ID); err != nil {
			return false, err
		}
	}
	return false, tx.Commit()
}

// GetEvent fetches one event by id.
func (c *Catalog) GetEvent(ctx context.Context, id string) (*Event, error) {
	row := c.db.QueryRowContext(ctx, `
		SELECT id, event_type, camera_id, camera_name, start_time, end_time, observed_at
		FROM events WHERE id = ?`, id)
	e, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return e, err
}

// ListUnbacked returns closed events with no backup row for targetName,
// oldest first, event id breaking ties. An event counts as closed once its
// end time is known or maxEventLength has elapsed since first observation.
// Events pinned by the __missing__ sentinel are never selected.
func (c *Catalog) ListUnbacked(ctx context.Context, targetName string, limit int, now time.Time, maxEventLength time.Duration) ([]Event, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT e.id, e.event_type, e.camera_id, e.camera_name, e.start_time, e.end_time, e.observed_at
		FROM events e
		WHERE (e.end_time IS NOT NULL OR e.observed_at + ? <= ?)
		  AND NOT EXISTS (
			SELECT 1 FROM backups b WHERE b.event_id = e.id AND (b.target_name = ? OR b.target_name = ?)
		  )
		ORDER BY e.start_time ASC, e.id ASC
		LIMIT ?`,
		int64(maxEventLength.Seconds()), now.Unix(), targetName, MissingTarget, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

// RecordBackup upserts the (event, target) backup row. Idempotent.
func (c *Catalog) RecordBackup(ctx context.Context, r BackupRecord) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	_, err := c.db.ExecContext(ctx, `
		INSERT INTO backups (event_id, target_name, remote_path, size_bytes, backup_time)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (event_id, target_name) DO UPDATE SET
			remote_path = excluded.remote_path,
			size_bytes  = excluded.size_bytes,
			backup_time = excluded.backup_time`,
		r.EventID, r.TargetName, r.RemotePath, r.SizeBytes, r.BackupTime)
	return err
}

// DeleteBackup removes the backup row; callers delete the bytes first.
func (c *Catalog) DeleteBackup(ctx context.Context, eventID, targetName string) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	_, err := c.db.ExecContext(ctx,
		`DELETE FROM backups WHERE event_id = ? AND target_name = ?`, eventID, targetName)
	return err
}

// BackupsForEvent returns the backup rows for one event keyed by target.
func (c *Catalog) BackupsForEvent(ctx context.Context, eventID string) (map[string]BackupRecord, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT event_id, target_name, remote_path, size_bytes, backup_time
		FROM backups WHERE event_id = ?`, eventID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]BackupRecord{}
	for rows.Next() {
		var r BackupRecord
		if err := rows.Scan(&r.EventID, &r.TargetName, &r.RemotePath, &r.SizeBytes, &r.BackupTime); err != nil {
			return nil, err
		}
		out[r.TargetName] = r
	}
	return out, rows.Err()
}

// FullyBackedUp reports whether every named target has a backup row for
// the event. Derived on read so that adding a target re-opens events.
// The __missing__ sentinel satisfies all targets.
func (c *Catalog) FullyBackedUp(ctx context.Context, eventID string, targets []string) (bool, error) {
	have, err := c.BackupsForEvent(ctx, eventID)
	if err != nil {
		return false, err
	}
	if _, gone := have[MissingTarget]; gone {
		return true, nil
	}
	for _, t := range targets {
		if _, ok := have[t]; !ok {
			return false, nil
		}
	}
	return true, nil
}

// ListBackupsInWindow returns backup rows on targetName whose event start
// time falls in [wStart, wEnd), with their events, oldest first.
func (c *Catalog) ListBackupsInWindow(ctx context.Context, targetName string, wStart, wEnd int64) ([]BackupWithEvent, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT b.event_id, b.target_name, b.remote_path, b.size_bytes, b.backup_time,
		       e.id, e.event_type, e.camera_id, e.camera_name, e.start_time, e.end_time, e.observed_at
		FROM backups b
		JOIN events e ON e.id = b.event_id
		WHERE b.target_name = ? AND e.start_time >= ? AND e.start_time < ?
		ORDER BY e.start_time ASC, e.id ASC`,
		targetName, wStart, wEnd)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []BackupWithEvent
	for rows.Next() {
		var bw BackupWithEvent
		var end sql.NullInt64
		if err := rows.Scan(
			&bw.EventID, &bw.TargetName, &bw.RemotePath, &bw.SizeBytes, &bw.BackupTime,
			&bw.Event.ID, &bw.Event.DetectionType, &bw.Event.CameraID, &bw.Event.CameraName,
			&bw.Event.StartTime, &end, &bw.Event.ObservedAt,
		); err != nil {
			return nil, err
		}
		if end.Valid {
			v := end.Int64
			bw.Event.EndTime = &v
		}
		out = append(out, bw)
	}
	return out, rows.Err()
}

// ListBackupsOlderThan returns backup rows on targetName whose event
// started before cutoff, for prune reconciliation.
func (c *Catalog) ListBackupsOlderThan(ctx context.Context, targetName string, cutoff int64) ([]BackupRecord, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT b.event_id, b.target_name, b.remote_path, b.size_bytes, b.backup_time
		FROM backups b
		JOIN events e ON e.id = b.event_id
		WHERE b.target_name = ? AND e.start_time < ?
		ORDER BY e.start_time ASC`,
		targetName, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []BackupRecord
	for rows.Next() {
		var r BackupRecord
		if err := rows.Scan(&r.EventID, &r.TargetName, &r.RemotePath, &r.SizeBytes, &r.BackupTime); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// PruneEventsOlderThan removes events whose start time is before cutoff
// and which have no surviving backup rows. Returns the number removed.
func (c *Catalog) PruneEventsOlderThan(ctx context.Context, cutoff int64) (int64, error) {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	res, err := c.db.ExecContext(ctx, `
		DELETE FROM events
		WHERE start_time < ?
		  AND NOT EXISTS (SELECT 1 FROM backups b WHERE b.event_id = events.id)`,
		cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// RecordArchiveRun persists one snapshot for missed-window replay.
func (c *Catalog) RecordArchiveRun(ctx context.Context, r ArchiveRun) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	_, err := c.db.ExecContext(ctx, `
		INSERT INTO archive_runs (target_name, archive_id, window_start, window_end, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (target_name, archive_id) DO NOTHING`,
		r.TargetName, r.ArchiveID, r.WindowStart, r.WindowEnd, r.CreatedAt)
	return err
}

// LastArchivedWindowEnd returns the newest archived window end for the
// target, or 0 when it has never archived.
func (c *Catalog) LastArchivedWindowEnd(ctx context.Context, targetName string) (int64, error) {
	var end sql.NullInt64
	err := c.db.QueryRowContext(ctx,
		`SELECT MAX(window_end) FROM archive_runs WHERE target_name = ?`, targetName).Scan(&end)
	if err != nil {
		return 0, err
	}
	if !end.Valid {
		return 0, nil
	}
	return end.Int64, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*Event, error) {
	var e Event
	var end sql.NullInt64
	if err := row.Scan(&e.ID, &e.DetectionType, &e.CameraID, &e.CameraName, &e.StartTime, &end, &e.ObservedAt); err != nil {
		return nil, err
	}
	if end.Valid {
		v := end.Int64
		e.EndTime = &v
	}
	return &e, nil
}

func scanEvents(rows *sql.Rows) ([]Event, error) {
	var out []Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

func nullableInt(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}
