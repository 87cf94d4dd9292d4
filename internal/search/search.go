// Package search answers free-text queries over a tenant's ingested images.
package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/sourcebruh/photosearch/internal/blob"
	"github.com/sourcebruh/photosearch/internal/metrics"
	"github.com/sourcebruh/photosearch/internal/vectorstore"
)

var (
	// ErrEmptyQuery is returned for a blank query.
	ErrEmptyQuery = errors.New("query is empty")
	// ErrNotFound is returned when an image or its payload does not exist.
	ErrNotFound = errors.New("image not found")
)

const (
	DefaultTopK      = 20
	MaxTopK          = 200
	DefaultCacheSize = 256
)

// Embedder turns query text into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Blobs reads stored image payloads.
type Blobs interface {
	Get(ctx context.Context, ref string) ([]byte, string, error)
}

// Result is one search hit as returned to clients.
type Result struct {
	ID          string  `json:"id"`
	Distance    float64 `json:"distance"`
	Description string  `json:"description"`
	AlbumTitle  string  `json:"album_title"`
	Timestamp   string  `json:"timestamp"`
	Filename    string  `json:"filename,omitempty"`
	ThumbURL    string  `json:"thumb_url"`
}

// Service runs searches and serves image payloads.
type Service struct {
	store  vectorstore.Store
	embed  Embedder
	blobs  Blobs
	cache  *lru.Cache[string, []float32]
	topK   int
	logger *slog.Logger
}

// New creates a Service. blobs may be nil when images are stored inline.
// cacheSize <= 0 uses DefaultCacheSize.
func New(store vectorstore.Store, embed Embedder, blobs Blobs, topK, cacheSize int) (*Service, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	if topK <= 0 {
		topK = DefaultTopK
	}
	cache, err := lru.New[string, []float32](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("creating query cache: %w", err)
	}
	return &Service{
		store:  store,
		embed:  embed,
		blobs:  blobs,
		cache:  cache,
		topK:   topK,
		logger: slog.Default().With("component", "search"),
	}, nil
}

// Search embeds query and returns the nearest images for the tenant.
// topK <= 0 uses the service default; values above MaxTopK are clamped.
func (s *Service) Search(ctx context.Context, tenantID, query string, topK int) ([]Result, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		metrics.RecordSearch("invalid")
		return nil, ErrEmptyQuery
	}
	if topK <= 0 {
		topK = s.topK
	}
	if topK > MaxTopK {
		topK = MaxTopK
	}

	vec, err := s.queryVector(ctx, query)
	if err != nil {
		metrics.RecordSearch("error")
		return nil, fmt.Errorf("embedding query: %w", err)
	}

	matches, err := s.store.SearchNearest(ctx, tenantID, vec, topK)
	if err != nil {
		metrics.RecordSearch("error")
		return nil, fmt.Errorf("searching: %w", err)
	}

	results := make([]Result, 0, len(matches))
	for _, m := range matches {
		results = append(results, toResult(m))
	}
	metrics.RecordSearch("ok")
	s.logger.Debug("search", "tenant", tenantID, "query_len", len(query), "results", len(results))
	return results, nil
}

func (s *Service) queryVector(ctx context.Context, query string) ([]float32, error) {
	if vec, ok := s.cache.Get(query); ok {
		metrics.RecordCacheHit()
		return vec, nil
	}
	metrics.RecordCacheMiss()
	vec, err := s.embed.Embed(ctx, query)
	if err != nil {
		return nil, err
	}
	s.cache.Add(query, vec)
	return vec, nil
}

func toResult(m vectorstore.Match) Result {
	r := m.Record
	ts := r.TimestampRaw
	if ts == "" && !r.Timestamp.IsZero() {
		ts = r.Timestamp.UTC().Format(time.RFC3339)
	}
	return Result{
		ID:          r.ID,
		Distance:    m.Distance,
		Description: r.Description,
		AlbumTitle:  r.AlbumTitle,
		Timestamp:   ts,
		Filename:    r.Filename,
		ThumbURL:    "/image/" + r.ID + "?thumb=1",
	}
}

// Image returns the original image or its thumbnail. Inline payloads are
// preferred over the blob store.
func (s *Service) Image(ctx context.Context, tenantID, id string, thumb bool) ([]byte, string, error) {
	rec, err := s.store.Get(ctx, tenantID, id)
	if errors.Is(err, vectorstore.ErrNotFound) {
		return nil, "", fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, "", err
	}

	inline, ref, mime := rec.ImageBlob, rec.FilePath, rec.MimeType
	if thumb {
		inline, ref, mime = rec.ThumbBlob, rec.ThumbPath, "image/jpeg"
	}
	if len(inline) > 0 {
		return inline, mimeOr(mime), nil
	}
	if ref == "" || s.blobs == nil {
		return nil, "", fmt.Errorf("%w: no payload for %s", ErrNotFound, id)
	}

	data, blobMime, err := s.blobs.Get(ctx, ref)
	if errors.Is(err, blob.ErrNotFound) {
		return nil, "", fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	if err != nil {
		return nil, "", fmt.Errorf("reading %s: %w", ref, err)
	}
	if mime == "" {
		mime = blobMime
	}
	return data, mimeOr(mime), nil
}

func mimeOr(m string) string {
	if m == "" {
		return "application/octet-stream"
	}
	return m
}
