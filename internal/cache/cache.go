package cache

import (
	"context"
	"sync"

	"github.com/kjstillabower/bulletin-weather-service/internal/models"
)

// MemoryStore keeps the bulletin in process memory. Nothing survives a restart.
type MemoryStore struct {
	mu    sync.RWMutex
	entry *models.Bulletin
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Name() string { return "in_memory" }

// Load returns ErrCacheMiss until the first Save.
func (s *MemoryStore) Load(ctx context.Context) (models.Bulletin, error) {
	if err := ctx.Err(); err != nil {
		return models.Bulletin{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.entry == nil {
		return models.Bulletin{}, ErrCacheMiss
	}
	return *s.entry, nil
}

func (s *MemoryStore) Save(ctx context.Context, b models.Bulletin) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entry = &b
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entry = nil
	return nil
}
