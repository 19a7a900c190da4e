package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/kjstillabower/bulletin-weather-service/internal/models"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS bulletins (
	key        TEXT PRIMARY KEY,
	fetched_at REAL NOT NULL,
	body       TEXT NOT NULL,
	stored_at  TEXT NOT NULL
);`

// SQLiteStore keeps the bulletin in a SQLite table, one row per key. The upsert in Save
// runs in a single statement so readers never observe a partial row.
type SQLiteStore struct {
	db  *sql.DB
	key string
}

// OpenSQLiteStore opens (or creates) the database at path and applies the schema.
func OpenSQLiteStore(ctx context.Context, path, key string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	if key == "" {
		key = "latest"
	}
	return &SQLiteStore{db: db, key: key}, nil
}

func (s *SQLiteStore) Name() string { return "sqlite" }

func (s *SQLiteStore) Load(ctx context.Context) (models.Bulletin, error) {
	var (
		fetchedAt sql.NullFloat64
		body      string
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT fetched_at, body FROM bulletins WHERE key = ?", s.key).Scan(&fetchedAt, &body)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Bulletin{}, ErrCacheMiss
	}
	if err != nil {
		return models.Bulletin{}, fmt.Errorf("query bulletin: %w", err)
	}
	if !fetchedAt.Valid {
		return models.Bulletin{}, fmt.Errorf("%w: null timestamp", ErrCorruptEntry)
	}
	t, err := timeFromEpoch(fetchedAt.Float64)
	if err != nil {
		return models.Bulletin{}, err
	}
	return models.Bulletin{Body: body, FetchedAt: t}, nil
}

func (s *SQLiteStore) Save(ctx context.Context, b models.Bulletin) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO bulletins (key, fetched_at, body, stored_at) VALUES (?, ?, ?, ?)
ON CONFLICT(key) DO UPDATE SET
	fetched_at = excluded.fetched_at,
	body = excluded.body,
	stored_at = excluded.stored_at`,
		s.key, epochSeconds(b.FetchedAt), b.Body, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("save bulletin: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM bulletins WHERE key = ?", s.key); err != nil {
		return fmt.Errorf("delete bulletin: %w", err)
	}
	return nil
}

// Close closes the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
