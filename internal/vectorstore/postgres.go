package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
)

var _ Store = (*PostgresStore)(nil)

// PostgresStore keeps image records in a Postgres table with a pgvector
// column. Ranking is computed in Go over the tenant's rows so results and tie
// order match the other backends exactly.
type PostgresStore struct {
	db  *pgxpool.Pool
	dim int
}

func NewPostgresStore(db *pgxpool.Pool, dim int) *PostgresStore {
	return &PostgresStore{db: db, dim: dim}
}

// EnsureSchema creates the vector extension and the images table.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.db.Exec(ctx, `
		CREATE EXTENSION IF NOT EXISTS vector;
		CREATE TABLE IF NOT EXISTS images (
			seq               BIGSERIAL PRIMARY KEY,
			id                TEXT NOT NULL UNIQUE,
			tenant_id         TEXT NOT NULL,
			external_media_id TEXT NOT NULL,
			album_title       TEXT NOT NULL DEFAULT '',
			album_path        TEXT NOT NULL DEFAULT '',
			album_product_url TEXT NOT NULL DEFAULT '',
			filename          TEXT NOT NULL DEFAULT '',
			file_path         TEXT NOT NULL DEFAULT '',
			thumb_path        TEXT NOT NULL DEFAULT '',
			image_blob        BYTEA,
			thumb_blob        BYTEA,
			mime_type         TEXT NOT NULL DEFAULT '',
			ts                TIMESTAMPTZ NOT NULL,
			ts_raw            TEXT NOT NULL DEFAULT '',
			width             INTEGER NOT NULL DEFAULT 0,
			height            INTEGER NOT NULL DEFAULT 0,
			content_hash      TEXT NOT NULL DEFAULT '',
			description       TEXT NOT NULL DEFAULT '',
			embedding         vector,
			source_base_url   TEXT NOT NULL DEFAULT '',
			created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (tenant_id, external_media_id)
		);
		CREATE INDEX IF NOT EXISTS images_tenant_album_ts_idx ON images (tenant_id, album_title, ts);
	`)
	if err != nil {
		return fmt.Errorf("creating postgres schema: %w", err)
	}
	return nil
}

const pgMetadataColumns = `id, tenant_id, external_media_id, album_title, album_path, album_product_url,
	filename, file_path, thumb_path, mime_type, ts, ts_raw, width, height,
	content_hash, description, embedding, source_base_url, created_at, updated_at`

func (s *PostgresStore) Upsert(ctx context.Context, rec ImageRecord) (string, error) {
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
	var emb interface{}
	if len(rec.Embedding) > 0 {
		emb = pgvector.NewVector(rec.Embedding)
	}

	var id string
	err := s.db.QueryRow(ctx, `
		INSERT INTO images (id, tenant_id, external_media_id, album_title, album_path, album_product_url,
			filename, file_path, thumb_path, image_blob, thumb_blob, mime_type, ts, ts_raw,
			width, height, content_hash, description, embedding, source_base_url)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
		ON CONFLICT (tenant_id, external_media_id) DO UPDATE SET
			album_title = EXCLUDED.album_title,
			album_path = EXCLUDED.album_path,
			album_product_url = EXCLUDED.album_product_url,
			filename = EXCLUDED.filename,
			file_path = EXCLUDED.file_path,
			thumb_path = EXCLUDED.thumb_path,
			image_blob = EXCLUDED.image_blob,
			thumb_blob = EXCLUDED.thumb_blob,
			mime_type = EXCLUDED.mime_type,
			ts = EXCLUDED.ts,
			ts_raw = EXCLUDED.ts_raw,
			width = EXCLUDED.width,
			height = EXCLUDED.height,
			content_hash = EXCLUDED.content_hash,
			description = EXCLUDED.description,
			embedding = EXCLUDED.embedding,
			source_base_url = EXCLUDED.source_base_url,
			updated_at = NOW()
		RETURNING id`,
		rec.ID, rec.TenantID, rec.ExternalMediaID, rec.AlbumTitle, rec.AlbumPath, rec.AlbumProductURL,
		rec.Filename, rec.FilePath, rec.ThumbPath, nullBytes(rec.ImageBlob), nullBytes(rec.ThumbBlob), rec.MimeType,
		ts.UTC(), rec.TimestampRaw, rec.Width, rec.Height, rec.ContentHash, rec.Description,
		emb, rec.SourceBaseURL,
	).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("upsert image %s/%s: %w", rec.TenantID, rec.ExternalMediaID, err)
	}
	return id, nil
}

func (s *PostgresStore) Exists(ctx context.Context, tenantID, externalMediaID string) (bool, error) {
	var ok bool
	err := s.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM images WHERE tenant_id = $1 AND external_media_id = $2)`,
		tenantID, externalMediaID,
	).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("check image %s/%s: %w", tenantID, externalMediaID, err)
	}
	return ok, nil
}

func (s *PostgresStore) Get(ctx context.Context, tenantID, id string) (ImageRecord, error) {
	row := s.db.QueryRow(ctx, `
		SELECT `+pgMetadataColumns+`, image_blob, thumb_blob
		FROM images WHERE id = $1 AND ($2 = '' OR tenant_id = $2)`, id, tenantID)
	var imageBlob, thumbBlob []byte
	rec, err := scanPgRecord(row, &imageBlob, &thumbBlob)
	if errors.Is(err, pgx.ErrNoRows) {
		return ImageRecord{}, ErrNotFound
	}
	if err != nil {
		return ImageRecord{}, fmt.Errorf("get image %s: %w", id, err)
	}
	rec.ImageBlob = imageBlob
	rec.ThumbBlob = thumbBlob
	return rec, nil
}

func (s *PostgresStore) SearchNearest(ctx context.Context, tenantID string, query []float32, topK int) ([]Match, error) {
	if topK <= 0 || norm(query) == 0 {
		return nil, nil
	}

	rows, err := s.db.Query(ctx, `
		SELECT seq, id, embedding FROM images
		WHERE embedding IS NOT NULL AND ($1 = '' OR tenant_id = $1)`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("query vectors: %w", err)
	}
	r := newRanker(topK)
	for rows.Next() {
		var c candidate
		var v pgvector.Vector
		if err := rows.Scan(&c.Seq, &c.ID, &v); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan vector row: %w", err)
		}
		c.Distance = CosineDistance(query, v.Slice())
		r.offer(c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate vector rows: %w", err)
	}

	ranked := r.sorted()
	if len(ranked) == 0 {
		return nil, nil
	}
	ids := make([]string, len(ranked))
	for i, c := range ranked {
		ids[i] = c.ID
	}

	full, err := s.db.Query(ctx, `SELECT `+pgMetadataColumns+` FROM images WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("fetch top-K records: %w", err)
	}
	defer full.Close()

	byID := make(map[string]ImageRecord, len(ranked))
	for full.Next() {
		rec, err := scanPgRecord(full)
		if err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		byID[rec.ID] = rec
	}
	if err := full.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return orderMatches(ranked, byID), nil
}

func (s *PostgresStore) LatestTimestamp(ctx context.Context, tenantID string, albumTitle *string) (time.Time, bool, error) {
	query := `SELECT MAX(ts) FROM images WHERE ($1 = '' OR tenant_id = $1)`
	args := []interface{}{tenantID}
	if albumTitle != nil {
		query += ` AND album_title = $2`
		args = append(args, *albumTitle)
	}
	var latest *time.Time
	if err := s.db.QueryRow(ctx, query, args...).Scan(&latest); err != nil {
		return time.Time{}, false, fmt.Errorf("read latest timestamp: %w", err)
	}
	if latest == nil {
		return time.Time{}, false, nil
	}
	return latest.UTC(), true, nil
}

func (s *PostgresStore) Count(ctx context.Context, tenantID string) (int, error) {
	var n int
	err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM images WHERE ($1 = '' OR tenant_id = $1)`, tenantID).Scan(&n)
	return n, err
}

func scanPgRecord(row pgx.Row, extra ...interface{}) (ImageRecord, error) {
	var r ImageRecord
	var emb *pgvector.Vector
	dest := []interface{}{
		&r.ID, &r.TenantID, &r.ExternalMediaID, &r.AlbumTitle, &r.AlbumPath, &r.AlbumProductURL,
		&r.Filename, &r.FilePath, &r.ThumbPath, &r.MimeType, &r.Timestamp, &r.TimestampRaw, &r.Width, &r.Height,
		&r.ContentHash, &r.Description, &emb, &r.SourceBaseURL, &r.CreatedAt, &r.UpdatedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return ImageRecord{}, err
	}
	if emb != nil {
		r.Embedding = emb.Slice()
	}
	r.Timestamp = r.Timestamp.UTC()
	return r, nil
}
