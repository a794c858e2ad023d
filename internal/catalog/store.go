// Package catalog indexes generated lectures and their generation history in
// SQLite.
package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/loqalabs/lecture-core/internal/config"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned by GetLecture for an unknown id.
var ErrNotFound = errors.New("catalog: lecture not found")

const (
	EventGenerated = "generated"
	EventFailed    = "failed"
)

// Lecture is the indexed summary of a published lecture.
type Lecture struct {
	ID           string
	Title        string
	Voice        string
	Theme        string
	TotalSlides  int
	ManifestPath string
	CreatedAt    time.Time
}

// Event is one entry of a lecture's generation history.
type Event struct {
	ID        int64
	LectureID string
	Type      string
	Payload   []byte
	CreatedAt time.Time
}

// Store wraps the SQLite catalog. With retention mode "ephemeral" it keeps
// nothing and every operation is a no-op.
type Store struct {
	db    *sql.DB
	cfg   config.CatalogConfig
	log   *slog.Logger
	clock func() time.Time
}

func Open(ctx context.Context, cfg config.CatalogConfig, log *slog.Logger) (*Store, error) {
	log = log.With(slog.String("component", "catalog"))
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if _, err := db.ExecContext(ctx, "VACUUM"); err != nil {
			log.Warn("catalog vacuum failed", slog.String("error", err.Error()))
		}
	}
	if err := s.Prune(ctx); err != nil {
		log.Warn("catalog prune on start failed", slog.String("error", err.Error()))
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS lectures (
    id TEXT PRIMARY KEY,
    title TEXT NOT NULL,
    voice TEXT,
    theme TEXT,
    total_slides INTEGER NOT NULL,
    manifest_path TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS generation_events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    lecture_id TEXT NOT NULL,
    event_type TEXT NOT NULL,
    payload BLOB,
    created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_generation_events_lecture ON generation_events(lecture_id, created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) enabled() bool {
	return s.cfg.RetentionMode != "ephemeral" && s.db != nil
}

// Healthy reports whether the database answers.
func (s *Store) Healthy(ctx context.Context) bool {
	if !s.enabled() {
		return true
	}
	return s.db.PingContext(ctx) == nil
}

// RecordLecture inserts a lecture or replaces the row of a regenerated one.
func (s *Store) RecordLecture(ctx context.Context, l Lecture) error {
	if !s.enabled() {
		return nil
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = s.clock()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO lectures(id, title, voice, theme, total_slides, manifest_path, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET title=excluded.title, voice=excluded.voice, theme=excluded.theme,
		   total_slides=excluded.total_slides, manifest_path=excluded.manifest_path, created_at=excluded.created_at`,
		l.ID, l.Title, l.Voice, l.Theme, l.TotalSlides, l.ManifestPath, l.CreatedAt.UTC())
	return err
}

func (s *Store) GetLecture(ctx context.Context, id string) (Lecture, error) {
	if !s.enabled() {
		return Lecture{}, ErrNotFound
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT id, title, voice, theme, total_slides, manifest_path, created_at FROM lectures WHERE id = ?`, id)
	l, err := scanLecture(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Lecture{}, ErrNotFound
	}
	return l, err
}

// ListLectures returns up to limit lectures, newest first.
func (s *Store) ListLectures(ctx context.Context, limit int) ([]Lecture, error) {
	if !s.enabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, voice, theme, total_slides, manifest_path, created_at
		 FROM lectures ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Lecture
	for rows.Next() {
		l, err := scanLecture(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanLecture(row scanner) (Lecture, error) {
	var l Lecture
	var created timestamp
	if err := row.Scan(&l.ID, &l.Title, &l.Voice, &l.Theme, &l.TotalSlides, &l.ManifestPath, &created); err != nil {
		return Lecture{}, err
	}
	l.CreatedAt = created.Time
	return l, nil
}

// timestamp scans a TIMESTAMP column whether the driver hands back a
// time.Time or its text form.
type timestamp struct {
	time.Time
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999 -0700 MST",
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05",
}

func (t *timestamp) Scan(src any) error {
	switch v := src.(type) {
	case time.Time:
		t.Time = v
		return nil
	case string:
		return t.parse(v)
	case []byte:
		return t.parse(string(v))
	case nil:
		t.Time = time.Time{}
		return nil
	}
	return fmt.Errorf("scan timestamp: unsupported type %T", src)
}

func (t *timestamp) parse(s string) error {
	if i := strings.Index(s, " m="); i >= 0 {
		s = s[:i]
	}
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			t.Time = ts
			return nil
		}
	}
	return fmt.Errorf("scan timestamp: unrecognized format %q", s)
}

func (s *Store) AppendEvent(ctx context.Context, evt Event) error {
	if !s.enabled() {
		return nil
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = s.clock()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO generation_events(lecture_id, event_type, payload, created_at) VALUES(?, ?, ?, ?)`,
		evt.LectureID, evt.Type, evt.Payload, evt.CreatedAt.UTC())
	return err
}

// ListEvents returns up to limit events for a lecture, oldest first.
func (s *Store) ListEvents(ctx context.Context, lectureID string, limit int) ([]Event, error) {
	if !s.enabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, lecture_id, event_type, payload, created_at
		 FROM generation_events WHERE lecture_id = ? ORDER BY created_at ASC, id ASC LIMIT ?`, lectureID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var created timestamp
		if err := rows.Scan(&e.ID, &e.LectureID, &e.Type, &e.Payload, &created); err != nil {
			return nil, err
		}
		e.CreatedAt = created.Time
		events = append(events, e)
	}
	return events, rows.Err()
}

// Prune deletes lectures and events older than the configured retention.
func (s *Store) Prune(ctx context.Context) (err error) {
	if !s.enabled() || s.cfg.RetentionDays <= 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour).UTC()
	if _, err = tx.ExecContext(ctx, `DELETE FROM generation_events WHERE created_at < ?`, cutoff); err != nil {
		return err
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM lectures WHERE created_at < ?`, cutoff); err != nil {
		return err
	}
	return tx.Commit()
}
