package vectorstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Compile-time check that SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore keeps image records in the images table of the application
// database and answers nearest-neighbour queries by a full scan of the
// tenant's embeddings. The images table is created by storage migrations.
type SQLiteStore struct {
	db  *sql.DB
	dim int
	now func() time.Time
}

// NewSQLiteStore wraps an existing *sql.DB. dim > 0 enforces the embedding
// dimensionality on Upsert.
func NewSQLiteStore(db *sql.DB, dim int) *SQLiteStore {
	return &SQLiteStore{db: db, dim: dim, now: time.Now}
}

// metadataColumns are the columns read for search results; blobs are left out.
const metadataColumns = `id, tenant_id, external_media_id, album_title, album_path, album_product_url,
	filename, file_path, thumb_path, mime_type, timestamp, timestamp_raw, width, height,
	content_hash, description, embedding, source_base_url, created_at, updated_at`

// Upsert inserts or replaces the record in a single statement, so a record is
// never left with a mix of old and new fields.
func (s *SQLiteStore) Upsert(ctx context.Context, rec ImageRecord) (string, error) {
	if rec.TenantID == "" || rec.ExternalMediaID == "" {
		return "", fmt.Errorf("upsert: tenant and external media id are required")
	}
	if err := checkDimension(s.dim, rec.Embedding); err != nil {
		return "", err
	}
	if rec.ID == "" {
		rec.ID = RecordID(rec.TenantID, rec.ExternalMediaID)
	}
	ts := rec.Timestamp
	if ts.IsZero() {
		ts = time.Unix(0, 0)
	}
	now := formatTimestamp(s.now())

	var id string
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO images (id, tenant_id, external_media_id, album_title, album_path, album_product_url,
			filename, file_path, thumb_path, image_blob, thumb_blob, mime_type, timestamp, timestamp_raw,
			width, height, content_hash, description, embedding, source_base_url, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, external_media_id) DO UPDATE SET
			album_title = excluded.album_title,
			album_path = excluded.album_path,
			album_product_url = excluded.album_product_url,
			filename = excluded.filename,
			file_path = excluded.file_path,
			thumb_path = excluded.thumb_path,
			image_blob = excluded.image_blob,
			thumb_blob = excluded.thumb_blob,
			mime_type = excluded.mime_type,
			timestamp = excluded.timestamp,
			timestamp_raw = excluded.timestamp_raw,
			width = excluded.width,
			height = excluded.height,
			content_hash = excluded.content_hash,
			description = excluded.description,
			embedding = excluded.embedding,
			source_base_url = excluded.source_base_url,
			updated_at = excluded.updated_at
		RETURNING id`,
		rec.ID, rec.TenantID, rec.ExternalMediaID, rec.AlbumTitle, rec.AlbumPath, rec.AlbumProductURL,
		rec.Filename, rec.FilePath, rec.ThumbPath, nullBytes(rec.ImageBlob), nullBytes(rec.ThumbBlob), rec.MimeType,
		formatTimestamp(ts), rec.TimestampRaw, rec.Width, rec.Height, rec.ContentHash, rec.Description,
		encodeFloat32s(rec.Embedding), rec.SourceBaseURL, now, now,
	).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("upserting image %s/%s: %w", rec.TenantID, rec.ExternalMediaID, err)
	}
	return id, nil
}

// Exists is served by the (tenant_id, external_media_id) unique index.
func (s *SQLiteStore) Exists(ctx context.Context, tenantID, externalMediaID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM images WHERE tenant_id = ? AND external_media_id = ?`,
		tenantID, externalMediaID,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking image %s/%s: %w", tenantID, externalMediaID, err)
	}
	return true, nil
}

func (s *SQLiteStore) Get(ctx context.Context, tenantID, id string) (ImageRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+metadataColumns+`, image_blob, thumb_blob
		FROM images WHERE id = ? AND (? = '' OR tenant_id = ?)`,
		id, tenantID, tenantID,
	)
	var imageBlob, thumbBlob []byte
	rec, err := scanRecord(row, &imageBlob, &thumbBlob)
	if errors.Is(err, sql.ErrNoRows) {
		return ImageRecord{}, ErrNotFound
	}
	if err != nil {
		return ImageRecord{}, fmt.Errorf("getting image %s: %w", id, err)
	}
	rec.ImageBlob = imageBlob
	rec.ThumbBlob = thumbBlob
	return rec, nil
}

// SearchNearest performs a brute-force cosine scan over the tenant's
// embeddings. Phase 1 reads only seq, id, and embedding; phase 2 fetches
// metadata for the top-K winners.
func (s *SQLiteStore) SearchNearest(ctx context.Context, tenantID string, query []float32, topK int) ([]Match, error) {
	if topK <= 0 || norm(query) == 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, id, embedding FROM images
		WHERE embedding IS NOT NULL AND length(embedding) > 0 AND (? = '' OR tenant_id = ?)`,
		tenantID, tenantID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying vectors: %w", err)
	}
	defer rows.Close()

	r := newRanker(topK)
	// Reusable buffer for decoding embeddings to avoid per-row allocations.
	var buf []float32
	for rows.Next() {
		var c candidate
		var blob []byte
		if err := rows.Scan(&c.Seq, &c.ID, &blob); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		buf, err = decodeFloat32sInto(buf, blob)
		if err != nil {
			return nil, fmt.Errorf("decoding embedding for %s: %w", c.ID, err)
		}
		c.Distance = CosineDistance(query, buf)
		r.offer(c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}

	ranked := r.sorted()
	if len(ranked) == 0 {
		return nil, nil
	}

	args := make([]interface{}, len(ranked))
	for i, c := range ranked {
		args[i] = c.ID
	}
	fullRows, err := s.db.QueryContext(ctx, `SELECT `+metadataColumns+`
		FROM images WHERE id IN (?`+strings.Repeat(",?", len(ranked)-1)+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("fetching top-K records: %w", err)
	}
	defer fullRows.Close()

	byID := make(map[string]ImageRecord, len(ranked))
	for fullRows.Next() {
		rec, err := scanRecord(fullRows)
		if err != nil {
			return nil, fmt.Errorf("scanning full record: %w", err)
		}
		byID[rec.ID] = rec
	}
	if err := fullRows.Err(); err != nil {
		return nil, fmt.Errorf("iterating full records: %w", err)
	}

	// IN query doesn't preserve order.
	return orderMatches(ranked, byID), nil
}

func (s *SQLiteStore) LatestTimestamp(ctx context.Context, tenantID string, albumTitle *string) (time.Time, bool, error) {
	query := `SELECT MAX(timestamp) FROM images WHERE (? = '' OR tenant_id = ?)`
	args := []interface{}{tenantID, tenantID}
	if albumTitle != nil {
		query += ` AND album_title = ?`
		args = append(args, *albumTitle)
	}

	var latest sql.NullString
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&latest); err != nil {
		return time.Time{}, false, fmt.Errorf("reading latest timestamp: %w", err)
	}
	if !latest.Valid {
		return time.Time{}, false, nil
	}
	t, err := parseTimestamp(latest.String)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parsing latest timestamp %q: %w", latest.String, err)
	}
	return t, true, nil
}

func (s *SQLiteStore) Count(ctx context.Context, tenantID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM images WHERE (? = '' OR tenant_id = ?)`, tenantID, tenantID,
	).Scan(&n)
	return n, err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanRecord reads metadataColumns followed by any extra destinations.
func scanRecord(row rowScanner, extra ...interface{}) (ImageRecord, error) {
	var r ImageRecord
	var ts, createdAt, updatedAt string
	var blob []byte
	dest := []interface{}{
		&r.ID, &r.TenantID, &r.ExternalMediaID, &r.AlbumTitle, &r.AlbumPath, &r.AlbumProductURL,
		&r.Filename, &r.FilePath, &r.ThumbPath, &r.MimeType, &ts, &r.TimestampRaw, &r.Width, &r.Height,
		&r.ContentHash, &r.Description, &blob, &r.SourceBaseURL, &createdAt, &updatedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return ImageRecord{}, err
	}

	var err error
	if r.Embedding, err = decodeFloat32s(blob); err != nil {
		return ImageRecord{}, fmt.Errorf("decoding embedding for %s: %w", r.ID, err)
	}
	if r.Timestamp, err = parseTimestamp(ts); err != nil {
		return ImageRecord{}, fmt.Errorf("parsing timestamp for %s: %w", r.ID, err)
	}
	if r.CreatedAt, err = parseTimestamp(createdAt); err != nil {
		return ImageRecord{}, fmt.Errorf("parsing created_at for %s: %w", r.ID, err)
	}
	if r.UpdatedAt, err = parseTimestamp(updatedAt); err != nil {
		return ImageRecord{}, fmt.Errorf("parsing updated_at for %s: %w", r.ID, err)
	}
	return r, nil
}

// nullBytes stores empty payloads as NULL rather than zero-length blobs.
func nullBytes(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return b
}
