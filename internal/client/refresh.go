package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kjstillabower/bulletin-weather-service/internal/models"
)

// ErrPersist marks a refresh whose fetch succeeded but whose write to the store failed.
var ErrPersist = errors.New("persist bulletin")

// Persister stores a fetched bulletin, replacing any previous entry. cache.Store satisfies it.
type Persister interface {
	Save(ctx context.Context, b models.Bulletin) error
}

// Refresh fetches the bulletin and writes it to store stamped with stamp. Nothing is
// written when the fetch fails.
func Refresh(ctx context.Context, fetcher BulletinFetcher, store Persister, stamp time.Time) (models.Bulletin, error) {
	body, err := fetcher.Fetch(ctx)
	if err != nil {
		return models.Bulletin{}, fmt.Errorf("refresh bulletin: %w", err)
	}
	b := models.Bulletin{Body: body, FetchedAt: stamp}
	if err := store.Save(ctx, b); err != nil {
		return models.Bulletin{}, fmt.Errorf("%w: %w", ErrPersist, err)
	}
	return b, nil
}
