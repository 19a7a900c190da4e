package cache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/kjstillabower/bulletin-weather-service/internal/models"
)

var (
	// ErrCacheMiss is returned by Store.Load when nothing has been persisted yet.
	ErrCacheMiss = errors.New("cache miss")
	// ErrCorruptEntry is returned by Store.Load when the timestamp line is missing or not a number.
	ErrCorruptEntry = errors.New("corrupt cache entry")
)

// Store persists a single bulletin. Save must replace the previous entry atomically so
// a concurrent Load sees either the old or the new bulletin, never a mix.
type Store interface {
	Name() string
	Load(ctx context.Context) (models.Bulletin, error)
	Save(ctx context.Context, b models.Bulletin) error
	Delete(ctx context.Context) error
}

// EncodeBulletin renders the two-line cache format: epoch seconds, newline, raw body.
func EncodeBulletin(b models.Bulletin) []byte {
	stamp := strconv.FormatFloat(epochSeconds(b.FetchedAt), 'f', -1, 64)
	buf := make([]byte, 0, len(stamp)+1+len(b.Body))
	buf = append(buf, stamp...)
	buf = append(buf, '\n')
	buf = append(buf, b.Body...)
	return buf
}

// DecodeBulletin parses the two-line cache format. The body is returned verbatim.
func DecodeBulletin(data []byte) (models.Bulletin, error) {
	line, body, _ := bytes.Cut(data, []byte{'\n'})
	f, err := strconv.ParseFloat(string(bytes.TrimSpace(line)), 64)
	if err != nil {
		return models.Bulletin{}, fmt.Errorf("%w: timestamp %q: %v", ErrCorruptEntry, truncate(line, 32), err)
	}
	t, err := timeFromEpoch(f)
	if err != nil {
		return models.Bulletin{}, err
	}
	return models.Bulletin{Body: string(body), FetchedAt: t}, nil
}

func epochSeconds(t time.Time) float64 {
	return float64(t.Unix()) + float64(t.Nanosecond())/float64(time.Second)
}

func timeFromEpoch(f float64) (time.Time, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return time.Time{}, fmt.Errorf("%w: timestamp %v", ErrCorruptEntry, f)
	}
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(frac*float64(time.Second))).Round(time.Microsecond), nil
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}
