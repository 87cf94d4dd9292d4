package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when a record does not exist in the tenant's partition.
	ErrNotFound = errors.New("image record not found")

	// ErrDimension is returned by Upsert when a non-empty embedding does not
	// have the configured dimensionality.
	ErrDimension = errors.New("embedding dimension mismatch")
)

// Store is the interface implemented by every image record backend.
//
// All operations are scoped to a tenant. An empty tenant ID addresses every
// tenant, which is how single-user deployments run.
type Store interface {
	// Upsert inserts rec or fully replaces the record identified by
	// (rec.TenantID, rec.ExternalMediaID) and returns the record's ID.
	// The ID of an existing record never changes.
	Upsert(ctx context.Context, rec ImageRecord) (string, error)

	// Exists reports whether the tenant already holds the given media item.
	Exists(ctx context.Context, tenantID, externalMediaID string) (bool, error)

	// Get returns a record, including inline blobs, by internal ID.
	Get(ctx context.Context, tenantID, id string) (ImageRecord, error)

	// SearchNearest returns up to topK records ordered by ascending cosine
	// distance to query. Records without a usable embedding are skipped.
	SearchNearest(ctx context.Context, tenantID string, query []float32, topK int) ([]Match, error)

	// LatestTimestamp returns the newest record timestamp for the tenant,
	// optionally restricted to one album title. ok is false when nothing matches.
	LatestTimestamp(ctx context.Context, tenantID string, albumTitle *string) (t time.Time, ok bool, err error)

	// Count returns the number of records held by the tenant.
	Count(ctx context.Context, tenantID string) (int, error)
}

// ImageRecord is one ingested media item.
type ImageRecord struct {
	ID              string
	TenantID        string
	ExternalMediaID string

	AlbumTitle      string
	AlbumPath       string
	AlbumProductURL string
	Filename        string

	// FilePath and ThumbPath are blob store references. ImageBlob and
	// ThumbBlob hold the same payload inline when the deployment stores
	// bytes with the record.
	FilePath  string
	ThumbPath string
	ImageBlob []byte
	ThumbBlob []byte
	MimeType  string

	Timestamp    time.Time
	TimestampRaw string
	Width        int
	Height       int
	ContentHash  string
	Description  string
	Embedding    []float32

	SourceBaseURL string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// HasEmbedding reports whether the record can take part in a search.
func (r ImageRecord) HasEmbedding() bool {
	return norm(r.Embedding) > 0
}

// Match is a search hit.
type Match struct {
	Record   ImageRecord
	Distance float64
}

// recordNamespace seeds the deterministic record IDs.
var recordNamespace = uuid.MustParse("6f1d3c0e-4b8a-4f57-9a1e-2f6c5d7b8e90")

// RecordID returns the stable internal ID for a tenant's media item. Every
// backend assigns it on first insert so image URLs survive re-ingestion and
// backend migrations.
func RecordID(tenantID, externalMediaID string) string {
	return uuid.NewSHA1(recordNamespace, []byte(tenantID+"\x00"+externalMediaID)).String()
}

// checkDimension enforces the configured embedding length. dim <= 0 disables the check.
func checkDimension(dim int, v []float32) error {
	if dim <= 0 || len(v) == 0 || len(v) == dim {
		return nil
	}
	return fmt.Errorf("%w: got %d, want %d", ErrDimension, len(v), dim)
}
