// Package ledger answers the two questions the ingestion pipeline asks before
// doing expensive work: has this media item been stored already, and how far
// has this album been synced.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sourcebruh/photosearch/internal/storage"
)

// Images is the part of the vector store the ledger reads.
type Images interface {
	Exists(ctx context.Context, tenantID, externalMediaID string) (bool, error)
	LatestTimestamp(ctx context.Context, tenantID string, albumTitle *string) (time.Time, bool, error)
}

// Marks persists per-album watermarks. *storage.Store implements it.
type Marks interface {
	GetWatermark(tenantID, albumTitle string) (time.Time, bool, error)
	InitWatermark(tenantID, albumTitle string) error
	AdvanceWatermark(tenantID, albumTitle string, t time.Time) (time.Time, error)
}

// Watermark is the committed sync position of one album.
type Watermark struct {
	Time time.Time
	Set  bool
}

// Covers reports whether an item with timestamp ts is at or below the watermark.
func (w Watermark) Covers(ts time.Time) bool {
	return w.Set && !ts.After(w.Time)
}

func (w Watermark) String() string {
	if !w.Set {
		return "none"
	}
	return w.Time.UTC().Format(time.RFC3339Nano)
}

type Ledger struct {
	images Images
	marks  Marks
}

func New(images Images, marks Marks) *Ledger {
	return &Ledger{images: images, marks: marks}
}

// Seen reports whether the tenant already holds the media item.
func (l *Ledger) Seen(ctx context.Context, tenantID, mediaID string) (bool, error) {
	return l.images.Exists(ctx, tenantID, mediaID)
}

// Begin returns the album's committed watermark. The first Begin for an
// album records it with no watermark, so items left behind by an interrupted
// first sync are never treated as covered. Only an album that already has
// stored records but no row at all is seeded from its newest record; those
// records predate the ledger.
func (l *Ledger) Begin(ctx context.Context, tenantID, albumTitle string) (Watermark, error) {
	t, set, err := l.marks.GetWatermark(tenantID, albumTitle)
	if err == nil {
		return Watermark{Time: t, Set: set}, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return Watermark{}, fmt.Errorf("reading watermark for %s/%s: %w", tenantID, albumTitle, err)
	}

	latest, ok, err := l.images.LatestTimestamp(ctx, tenantID, &albumTitle)
	if err != nil {
		return Watermark{}, fmt.Errorf("deriving watermark for %s/%s: %w", tenantID, albumTitle, err)
	}
	if !ok {
		if err := l.marks.InitWatermark(tenantID, albumTitle); err != nil {
			return Watermark{}, fmt.Errorf("recording album %s/%s: %w", tenantID, albumTitle, err)
		}
		return Watermark{}, nil
	}
	stored, err := l.marks.AdvanceWatermark(tenantID, albumTitle, latest)
	if err != nil {
		return Watermark{}, fmt.Errorf("seeding watermark for %s/%s: %w", tenantID, albumTitle, err)
	}
	return Watermark{Time: stored, Set: true}, nil
}

// Commit advances the album's watermark to t. The stored watermark never
// moves backwards; the effective value is returned.
func (l *Ledger) Commit(ctx context.Context, tenantID, albumTitle string, t time.Time) (Watermark, error) {
	if err := ctx.Err(); err != nil {
		return Watermark{}, err
	}
	stored, err := l.marks.AdvanceWatermark(tenantID, albumTitle, t)
	if err != nil {
		return Watermark{}, fmt.Errorf("committing watermark for %s/%s: %w", tenantID, albumTitle, err)
	}
	return Watermark{Time: stored, Set: true}, nil
}
