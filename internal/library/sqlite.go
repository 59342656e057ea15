package library

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/dj-oyu/pose-coach/scoring-server/internal/logger"
	"github.com/dj-oyu/pose-coach/scoring-server/pkg/types"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

const (
	sqliteBusyCode          = 5
	busyRetryAttempts       = 5
	busyRetryInitialBackoff = 10 * time.Millisecond
	busyRetryMaxBackoff     = 200 * time.Millisecond

	// fixed width so created_at sorts lexically
	timeLayout = "2006-01-02T15:04:05.000000000Z07:00"
)

// SQLite is a Registry persisted in a SQLite database.
type SQLite struct {
	db   *sql.DB
	path string
}

// OpenSQLite opens (creating if needed) the library database at path.
func OpenSQLite(path string) (*SQLite, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("ensure library directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	s := &SQLite{db: db, path: path}
	if err := s.applyMigrations(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	logger.Info("Library", "opened %s", path)
	return s, nil
}

// Close closes the underlying database connection.
func (s *SQLite) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLite) applyMigrations(ctx context.Context) error {
	entries, err := migrationFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS schema_migrations (version TEXT PRIMARY KEY)"); err != nil {
		return fmt.Errorf("ensure schema_migrations: %w", err)
	}
	for _, name := range names {
		version := strings.TrimSuffix(name, ".sql")
		var count int
		if err := tx.QueryRowContext(ctx, "SELECT COUNT(1) FROM schema_migrations WHERE version = ?", version).Scan(&count); err != nil {
			return fmt.Errorf("scan migration version: %w", err)
		}
		if count > 0 {
			continue
		}
		body, err := migrationFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if _, err := tx.ExecContext(ctx, string(body)); err != nil {
			return fmt.Errorf("apply migration %s: %w", version, err)
		}
		if _, err := tx.ExecContext(ctx, "INSERT INTO schema_migrations (version) VALUES (?)", version); err != nil {
			return fmt.Errorf("record migration %s: %w", version, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migrations: %w", err)
	}
	return nil
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var coder interface{ Code() int }
	if errors.As(err, &coder) && coder.Code() == sqliteBusyCode {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func retryOnBusy(ctx context.Context, op func() error) error {
	delay := busyRetryInitialBackoff
	var lastErr error
	for attempt := 0; attempt < busyRetryAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !isSQLiteBusy(lastErr) || attempt == busyRetryAttempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		if next := delay * 2; next <= busyRetryMaxBackoff {
			delay = next
		}
	}
	return lastErr
}

func (s *SQLite) exec(ctx context.Context, query string, args ...any) error {
	return retryOnBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx, query, args...)
		return err
	})
}

const referenceColumns = `v.id, v.name, v.video_path, v.frame_count, v.fps, v.width, v.height, v.created_at,
	EXISTS (SELECT 1 FROM reference_poses p WHERE p.reference_id = v.id)`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReference(row rowScanner) (Reference, error) {
	var (
		ref     Reference
		created string
	)
	if err := row.Scan(&ref.ID, &ref.Name, &ref.VideoPath, &ref.FrameCount, &ref.FPS, &ref.Width, &ref.Height, &created, &ref.Indexed); err != nil {
		return Reference{}, err
	}
	t, err := time.Parse(timeLayout, created)
	if err != nil {
		return Reference{}, fmt.Errorf("parse created_at for %s: %w", ref.ID, err)
	}
	ref.CreatedAt = t
	return ref, nil
}

// Register implements Registry. Registering an existing ID updates its metadata.
func (s *SQLite) Register(ctx context.Context, ref Reference) (Reference, error) {
	ref, err := prepareReference(ref)
	if err != nil {
		return ref, err
	}
	err = s.exec(ctx, `INSERT INTO reference_videos (id, name, video_path, frame_count, fps, width, height, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, video_path = excluded.video_path,
			frame_count = excluded.frame_count, fps = excluded.fps, width = excluded.width, height = excluded.height`,
		ref.ID, ref.Name, ref.VideoPath, ref.FrameCount, ref.FPS, ref.Width, ref.Height,
		ref.CreatedAt.UTC().Format(timeLayout))
	if err != nil {
		return ref, fmt.Errorf("register reference %s: %w", ref.ID, err)
	}
	return s.Resolve(ctx, ref.ID)
}

// List implements Registry, newest first.
func (s *SQLite) List(ctx context.Context) ([]Reference, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+referenceColumns+" FROM reference_videos v ORDER BY v.created_at DESC, v.id")
	if err != nil {
		return nil, fmt.Errorf("list references: %w", err)
	}
	defer rows.Close()

	var out []Reference
	for rows.Next() {
		ref, err := scanReference(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ref)
	}
	return out, rows.Err()
}

// Resolve implements Registry.
func (s *SQLite) Resolve(ctx context.Context, id string) (Reference, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+referenceColumns+" FROM reference_videos v WHERE v.id = ?", id)
	ref, err := scanReference(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Reference{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return Reference{}, fmt.Errorf("resolve reference %s: %w", id, err)
	}
	return ref, nil
}

// LoadPoses implements Registry.
func (s *SQLite) LoadPoses(ctx context.Context, id string) (*types.PoseBuffer, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, "SELECT data FROM reference_poses WHERE reference_id = ?", id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: no poses for %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load poses %s: %w", id, err)
	}
	return decodePoses(data)
}

// StorePoses implements Registry.
func (s *SQLite) StorePoses(ctx context.Context, id string, buf *types.PoseBuffer) error {
	if _, err := s.Resolve(ctx, id); err != nil {
		return err
	}
	data, err := encodePoses(buf)
	if err != nil {
		return err
	}
	err = s.exec(ctx, `INSERT INTO reference_poses (reference_id, frame_count, detected, data, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(reference_id) DO UPDATE SET frame_count = excluded.frame_count, detected = excluded.detected,
			data = excluded.data, updated_at = excluded.updated_at`,
		id, buf.Len(), buf.Detected(), data, time.Now().UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("store poses %s: %w", id, err)
	}
	return s.exec(ctx, "UPDATE reference_videos SET frame_count = ? WHERE id = ? AND frame_count = 0", buf.Len(), id)
}
