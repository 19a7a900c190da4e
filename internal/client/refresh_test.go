package client

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kjstillabower/bulletin-weather-service/internal/models"
)

type stubFetcher struct {
	body string
	err  error
}

func (f stubFetcher) Fetch(ctx context.Context) (string, error) { return f.body, f.err }

type recordingStore struct {
	saved []models.Bulletin
	err   error
}

func (s *recordingStore) Save(ctx context.Context, b models.Bulletin) error {
	if s.err != nil {
		return s.err
	}
	s.saved = append(s.saved, b)
	return nil
}

func TestRefresh_PersistsStampedBulletin(t *testing.T) {
	store := &recordingStore{}
	stamp := time.Unix(1_700_000_600, 0)

	b, err := Refresh(context.Background(), stubFetcher{body: testBulletin}, store, stamp)
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if len(store.saved) != 1 {
		t.Fatalf("saved %d bulletins, want 1", len(store.saved))
	}
	got := store.saved[0]
	if got.Body != testBulletin || !got.FetchedAt.Equal(stamp) {
		t.Errorf("saved = %+v, want body with stamp %v", got, stamp)
	}
	if b != got {
		t.Errorf("Refresh() = %+v, want the saved bulletin", b)
	}
}

func TestRefresh_FetchErrorWritesNothing(t *testing.T) {
	store := &recordingStore{}
	_, err := Refresh(context.Background(), stubFetcher{err: ErrFetchExhausted}, store, time.Now())
	if !errors.Is(err, ErrFetchExhausted) {
		t.Errorf("Refresh() error = %v, want ErrFetchExhausted", err)
	}
	if errors.Is(err, ErrPersist) {
		t.Error("fetch failure reported as ErrPersist")
	}
	if len(store.saved) != 0 {
		t.Errorf("saved %d bulletins after failed fetch, want 0", len(store.saved))
	}
}

func TestRefresh_SaveError(t *testing.T) {
	saveErr := errors.New("disk full")
	_, err := Refresh(context.Background(), stubFetcher{body: testBulletin}, &recordingStore{err: saveErr}, time.Now())
	if !errors.Is(err, ErrPersist) || !errors.Is(err, saveErr) {
		t.Errorf("Refresh() error = %v, want ErrPersist wrapping %v", err, saveErr)
	}
}
