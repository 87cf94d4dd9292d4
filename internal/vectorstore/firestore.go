package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/firestore/apiv1/firestorepb"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var _ Store = (*FirestoreStore)(nil)

// FirestoreStore is the hosted backend. Each record is one document keyed by
// its record ID; tenant scoping is a field filter.
type FirestoreStore struct {
	client     *firestore.Client
	collection string
	dim        int
}

func NewFirestoreStore(client *firestore.Client, collection string, dim int) *FirestoreStore {
	if collection == "" {
		collection = "images"
	}
	return &FirestoreStore{client: client, collection: collection, dim: dim}
}

// firestoreDoc is the stored document shape.
type firestoreDoc struct {
	ID              string             `firestore:"id"`
	TenantID        string             `firestore:"tenant_id"`
	ExternalMediaID string             `firestore:"external_media_id"`
	AlbumTitle      string             `firestore:"album_title"`
	AlbumPath       string             `firestore:"album_path"`
	AlbumProductURL string             `firestore:"album_product_url"`
	Filename        string             `firestore:"filename"`
	FilePath        string             `firestore:"file_path"`
	ThumbPath       string             `firestore:"thumb_path"`
	ImageBlob       []byte             `firestore:"image_blob,omitempty"`
	ThumbBlob       []byte             `firestore:"thumb_blob,omitempty"`
	MimeType        string             `firestore:"mime_type"`
	Timestamp       time.Time          `firestore:"timestamp"`
	TimestampRaw    string             `firestore:"timestamp_raw"`
	Width           int                `firestore:"width"`
	Height          int                `firestore:"height"`
	ContentHash     string             `firestore:"content_hash"`
	Description     string             `firestore:"description"`
	Embedding       firestore.Vector32 `firestore:"embedding,omitempty"`
	SourceBaseURL   string             `firestore:"source_base_url"`
	Seq             int64              `firestore:"seq"`
	CreatedAt       time.Time          `firestore:"created_at"`
	UpdatedAt       time.Time          `firestore:"updated_at"`
}

func (d firestoreDoc) record() ImageRecord {
	return ImageRecord{
		ID:              d.ID,
		TenantID:        d.TenantID,
		ExternalMediaID: d.ExternalMediaID,
		AlbumTitle:      d.AlbumTitle,
		AlbumPath:       d.AlbumPath,
		AlbumProductURL: d.AlbumProductURL,
		Filename:        d.Filename,
		FilePath:        d.FilePath,
		ThumbPath:       d.ThumbPath,
		ImageBlob:       d.ImageBlob,
		ThumbBlob:       d.ThumbBlob,
		MimeType:        d.MimeType,
		Timestamp:       d.Timestamp.UTC(),
		TimestampRaw:    d.TimestampRaw,
		Width:           d.Width,
		Height:          d.Height,
		ContentHash:     d.ContentHash,
		Description:     d.Description,
		Embedding:       []float32(d.Embedding),
		SourceBaseURL:   d.SourceBaseURL,
		CreatedAt:       d.CreatedAt,
		UpdatedAt:       d.UpdatedAt,
	}
}

func (s *FirestoreStore) col() *firestore.CollectionRef {
	return s.client.Collection(s.collection)
}

func (s *FirestoreStore) scoped(tenantID string) firestore.Query {
	q := s.col().Query
	if tenantID != "" {
		q = q.Where("tenant_id", "==", tenantID)
	}
	return q
}

// Upsert writes the whole document in a transaction. Because the document ID
// is derived from (tenant, media id), a replay addresses the same document;
// seq and created_at of an existing document are preserved.
func (s *FirestoreStore) Upsert(ctx context.Context, rec ImageRecord) (string, error) {
	if rec.TenantID == "" || rec.ExternalMediaID == "" {
		return "", fmt.Errorf("upsert: tenant and external media id are required")
	}
	if err := checkDimension(s.dim, rec.Embedding); err != nil {
		return "", err
	}
	id := RecordID(rec.TenantID, rec.ExternalMediaID)
	ts := rec.Timestamp
	if ts.IsZero() {
		ts = time.Unix(0, 0)
	}
	ref := s.col().Doc(id)

	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		now := time.Now().UTC()
		doc := firestoreDoc{
			ID:              id,
			TenantID:        rec.TenantID,
			ExternalMediaID: rec.ExternalMediaID,
			AlbumTitle:      rec.AlbumTitle,
			AlbumPath:       rec.AlbumPath,
			AlbumProductURL: rec.AlbumProductURL,
			Filename:        rec.Filename,
			FilePath:        rec.FilePath,
			ThumbPath:       rec.ThumbPath,
			ImageBlob:       rec.ImageBlob,
			ThumbBlob:       rec.ThumbBlob,
			MimeType:        rec.MimeType,
			Timestamp:       ts.UTC(),
			TimestampRaw:    rec.TimestampRaw,
			Width:           rec.Width,
			Height:          rec.Height,
			ContentHash:     rec.ContentHash,
			Description:     rec.Description,
			SourceBaseURL:   rec.SourceBaseURL,
			Seq:             now.UnixNano(),
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if len(rec.Embedding) > 0 {
			doc.Embedding = firestore.Vector32(rec.Embedding)
		}

		snap, err := tx.Get(ref)
		switch {
		case status.Code(err) == codes.NotFound:
		case err != nil:
			return err
		default:
			var prev firestoreDoc
			if err := snap.DataTo(&prev); err != nil {
				return fmt.Errorf("decoding existing document: %w", err)
			}
			doc.Seq = prev.Seq
			doc.CreatedAt = prev.CreatedAt
		}
		return tx.Set(ref, doc)
	})
	if err != nil {
		return "", fmt.Errorf("upsert image %s/%s: %w", rec.TenantID, rec.ExternalMediaID, err)
	}
	return id, nil
}

func (s *FirestoreStore) Exists(ctx context.Context, tenantID, externalMediaID string) (bool, error) {
	snap, err := s.col().Doc(RecordID(tenantID, externalMediaID)).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check image %s/%s: %w", tenantID, externalMediaID, err)
	}
	return snap.Exists(), nil
}

func (s *FirestoreStore) Get(ctx context.Context, tenantID, id string) (ImageRecord, error) {
	snap, err := s.col().Doc(id).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return ImageRecord{}, ErrNotFound
	}
	if err != nil {
		return ImageRecord{}, fmt.Errorf("get image %s: %w", id, err)
	}
	var d firestoreDoc
	if err := snap.DataTo(&d); err != nil {
		return ImageRecord{}, fmt.Errorf("decode image %s: %w", id, err)
	}
	if tenantID != "" && d.TenantID != tenantID {
		return ImageRecord{}, ErrNotFound
	}
	return d.record(), nil
}

// SearchNearest reads only seq and embedding for the scan, then fetches the
// winning documents in one batch.
func (s *FirestoreStore) SearchNearest(ctx context.Context, tenantID string, query []float32, topK int) ([]Match, error) {
	if topK <= 0 || norm(query) == 0 {
		return nil, nil
	}

	it := s.scoped(tenantID).Select("seq", "embedding").Documents(ctx)
	defer it.Stop()

	r := newRanker(topK)
	for {
		snap, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("scan vectors: %w", err)
		}
		var d struct {
			Seq       int64              `firestore:"seq"`
			Embedding firestore.Vector32 `firestore:"embedding"`
		}
		if err := snap.DataTo(&d); err != nil {
			return nil, fmt.Errorf("decode vector %s: %w", snap.Ref.ID, err)
		}
		if len(d.Embedding) == 0 {
			continue
		}
		r.offer(candidate{ID: snap.Ref.ID, Seq: d.Seq, Distance: CosineDistance(query, d.Embedding)})
	}

	ranked := r.sorted()
	if len(ranked) == 0 {
		return nil, nil
	}
	refs := make([]*firestore.DocumentRef, len(ranked))
	for i, c := range ranked {
		refs[i] = s.col().Doc(c.ID)
	}
	snaps, err := s.client.GetAll(ctx, refs)
	if err != nil {
		return nil, fmt.Errorf("fetch top-K documents: %w", err)
	}

	byID := make(map[string]ImageRecord, len(snaps))
	for _, snap := range snaps {
		if !snap.Exists() {
			continue
		}
		var d firestoreDoc
		if err := snap.DataTo(&d); err != nil {
			return nil, fmt.Errorf("decode image %s: %w", snap.Ref.ID, err)
		}
		rec := d.record()
		// Search results are metadata only.
		rec.ImageBlob, rec.ThumbBlob = nil, nil
		byID[rec.ID] = rec
	}
	return orderMatches(ranked, byID), nil
}

func (s *FirestoreStore) LatestTimestamp(ctx context.Context, tenantID string, albumTitle *string) (time.Time, bool, error) {
	q := s.scoped(tenantID)
	if albumTitle != nil {
		q = q.Where("album_title", "==", *albumTitle)
	}
	it := q.OrderBy("timestamp", firestore.Desc).Limit(1).Documents(ctx)
	defer it.Stop()

	snap, err := it.Next()
	if errors.Is(err, iterator.Done) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("read latest timestamp: %w", err)
	}
	v, err := snap.DataAt("timestamp")
	if err != nil {
		return time.Time{}, false, fmt.Errorf("read timestamp field: %w", err)
	}
	t, ok := v.(time.Time)
	if !ok {
		return time.Time{}, false, fmt.Errorf("timestamp field of %s has type %T", snap.Ref.ID, v)
	}
	return t.UTC(), true, nil
}

func (s *FirestoreStore) Count(ctx context.Context, tenantID string) (int, error) {
	res, err := s.scoped(tenantID).NewAggregationQuery().WithCount("all").Get(ctx)
	if err != nil {
		return 0, fmt.Errorf("count images: %w", err)
	}
	v, ok := res["all"].(*firestorepb.Value)
	if !ok {
		return 0, fmt.Errorf("unexpected count result %T", res["all"])
	}
	return int(v.GetIntegerValue()), nil
}
