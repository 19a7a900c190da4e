package cache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/renameio/v2"

	"github.com/kjstillabower/bulletin-weather-service/internal/models"
)

// FileStore persists the bulletin to a single file in the two-line cache format.
type FileStore struct {
	path string
	perm os.FileMode
}

// NewFileStore creates the parent directory of path if needed.
func NewFileStore(path string) (*FileStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("cache path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	return &FileStore{path: path, perm: 0o644}, nil
}

func (s *FileStore) Name() string { return "file" }

// Path returns the cache file location.
func (s *FileStore) Path() string { return s.path }

func (s *FileStore) Load(ctx context.Context) (models.Bulletin, error) {
	if err := ctx.Err(); err != nil {
		return models.Bulletin{}, err
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return models.Bulletin{}, ErrCacheMiss
		}
		return models.Bulletin{}, fmt.Errorf("read cache file: %w", err)
	}
	return DecodeBulletin(data)
}

// Save writes to a temporary file in the same directory and renames it over the cache file.
func (s *FileStore) Save(ctx context.Context, b models.Bulletin) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := renameio.WriteFile(s.path, EncodeBulletin(b), s.perm); err != nil {
		return fmt.Errorf("write cache file: %w", err)
	}
	return nil
}

func (s *FileStore) Delete(ctx context.Context) error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove cache file: %w", err)
	}
	return nil
}
