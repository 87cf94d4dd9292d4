package storage

import (
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a SQLite database with methods for jobs, tenant settings, sync
// history, and album watermarks. Image records live in the same database and
// are accessed through vectorstore.SQLiteStore via DB().
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending migrations.
// Pass ":memory:" as dataDir for an in-memory database (used by tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "photosearch.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	// Set busy timeout so concurrent access waits briefly instead of failing immediately.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// DB exposes the underlying handle so the local vector backend can share it.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate() error {
	// Ensure schema_version table exists (bootstrap).
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	// Sort by filename to guarantee ascending order.
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the list of applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// --- Tenant settings ---

func (s *Store) SaveTenantSettings(ts TenantSettings) error {
	if ts.TenantID == "" {
		return fmt.Errorf("tenant id is required")
	}
	albums, err := json.Marshal(nonNil(ts.Albums))
	if err != nil {
		return fmt.Errorf("encoding albums: %w", err)
	}
	paths, err := json.Marshal(nonNil(ts.AlbumPaths))
	if err != nil {
		return fmt.Errorf("encoding album paths: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO tenant_settings (tenant_id, albums, album_paths, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(tenant_id) DO UPDATE SET albums = excluded.albums, album_paths = excluded.album_paths, updated_at = excluded.updated_at`,
		ts.TenantID, string(albums), string(paths), time.Now().UTC().Format(time.RFC3339),
	)
	return err
}

func (s *Store) GetTenantSettings(tenantID string) (TenantSettings, error) {
	var ts TenantSettings
	var albums, paths, updatedAt string
	err := s.db.QueryRow(`SELECT tenant_id, albums, album_paths, updated_at FROM tenant_settings WHERE tenant_id = ?`, tenantID).
		Scan(&ts.TenantID, &albums, &paths, &updatedAt)
	if err == sql.ErrNoRows {
		return TenantSettings{}, ErrNotFound
	}
	if err != nil {
		return TenantSettings{}, err
	}
	if err := json.Unmarshal([]byte(albums), &ts.Albums); err != nil {
		return TenantSettings{}, fmt.Errorf("decoding albums for %s: %w", tenantID, err)
	}
	if err := json.Unmarshal([]byte(paths), &ts.AlbumPaths); err != nil {
		return TenantSettings{}, fmt.Errorf("decoding album paths for %s: %w", tenantID, err)
	}
	if ts.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return TenantSettings{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return ts, nil
}

// ListTenants returns every tenant with stored settings or credentials, sorted.
func (s *Store) ListTenants() ([]string, error) {
	rows, err := s.db.Query(`
		SELECT tenant_id FROM tenant_settings
		UNION
		SELECT tenant_id FROM tenant_credentials
		ORDER BY tenant_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// --- Tenant credentials ---

// SetPhotosToken stores the photo library access token for a tenant. An empty
// token removes it.
func (s *Store) SetPhotosToken(tenantID, token string) error {
	if tenantID == "" {
		return fmt.Errorf("tenant id is required")
	}
	if token == "" {
		_, err := s.db.Exec(`DELETE FROM tenant_credentials WHERE tenant_id = ?`, tenantID)
		return err
	}
	_, err := s.db.Exec(`
		INSERT INTO tenant_credentials (tenant_id, photos_access_token, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(tenant_id) DO UPDATE SET photos_access_token = excluded.photos_access_token, updated_at = excluded.updated_at`,
		tenantID, token, time.Now().UTC().Format(time.RFC3339),
	)
	return err
}

// PhotosToken returns the stored access token for a tenant, or ErrNotFound.
func (s *Store) PhotosToken(tenantID string) (string, error) {
	var token string
	err := s.db.QueryRow(`SELECT photos_access_token FROM tenant_credentials WHERE tenant_id = ?`, tenantID).Scan(&token)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return token, err
}

func nonNil(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

// --- Album watermarks ---

// GetWatermark returns the watermark for a tenant's album and whether one has
// been committed. A row created by InitWatermark reports set == false. Albums
// with no row return ErrNotFound.
func (s *Store) GetWatermark(tenantID, albumTitle string) (time.Time, bool, error) {
	var raw sql.NullString
	err := s.db.QueryRow(`SELECT watermark FROM album_watermarks WHERE tenant_id = ? AND album_title = ?`,
		tenantID, albumTitle).Scan(&raw)
	if err == sql.ErrNoRows {
		return time.Time{}, false, ErrNotFound
	}
	if err != nil {
		return time.Time{}, false, err
	}
	if !raw.Valid {
		return time.Time{}, false, nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw.String)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parsing watermark for %s/%s: %w", tenantID, albumTitle, err)
	}
	return t, true, nil
}

// InitWatermark records an album with no committed watermark. Existing rows
// are left untouched.
func (s *Store) InitWatermark(tenantID, albumTitle string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.Exec(`
		INSERT INTO album_watermarks (tenant_id, album_title, watermark, updated_at) VALUES (?, ?, NULL, ?)
		ON CONFLICT(tenant_id, album_title) DO NOTHING`,
		tenantID, albumTitle, now,
	)
	return err
}

// AdvanceWatermark sets the album watermark to max(current, t) and returns
// the stored value. The watermark never moves backwards.
func (s *Store) AdvanceWatermark(tenantID, albumTitle string, t time.Time) (time.Time, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return time.Time{}, fmt.Errorf("beginning watermark transaction: %w", err)
	}
	defer tx.Rollback()

	var raw sql.NullString
	err = tx.QueryRow(`SELECT watermark FROM album_watermarks WHERE tenant_id = ? AND album_title = ?`,
		tenantID, albumTitle).Scan(&raw)
	switch {
	case err == sql.ErrNoRows:
	case err != nil:
		return time.Time{}, err
	case raw.Valid:
		cur, err := time.Parse(time.RFC3339Nano, raw.String)
		if err != nil {
			return time.Time{}, fmt.Errorf("parsing watermark for %s/%s: %w", tenantID, albumTitle, err)
		}
		if !t.After(cur) {
			return cur, nil
		}
	}

	now := time.Now().UTC().Format(time.RFC3339)
	if _, err := tx.Exec(`
		INSERT INTO album_watermarks (tenant_id, album_title, watermark, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(tenant_id, album_title) DO UPDATE SET watermark = excluded.watermark, updated_at = excluded.updated_at`,
		tenantID, albumTitle, t.UTC().Format(time.RFC3339Nano), now,
	); err != nil {
		return time.Time{}, err
	}
	if err := tx.Commit(); err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

// --- Sync runs ---

func (s *Store) StartSyncRun(run SyncRun) error {
	started := run.StartedAt
	if started.IsZero() {
		started = time.Now()
	}
	_, err := s.db.Exec(`
		INSERT INTO sync_runs (id, tenant_id, job_id, started_at, status) VALUES (?, ?, ?, ?, 'running')`,
		run.ID, run.TenantID, nullString(run.JobID), started.UTC().Format(time.RFC3339Nano),
	)
	return err
}

// FinishSyncRun records the outcome of a run started with StartSyncRun.
func (s *Store) FinishSyncRun(run SyncRun) error {
	finished := time.Now()
	if run.FinishedAt != nil {
		finished = *run.FinishedAt
	}
	res, err := s.db.Exec(`
		UPDATE sync_runs SET finished_at = ?, status = ?, ingested = ?, skipped = ?, failed = ?, error = ?
		WHERE id = ?`,
		finished.UTC().Format(time.RFC3339Nano), run.Status, run.Ingested, run.Skipped, run.Failed, run.Error, run.ID,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListSyncRuns returns the most recent runs first. An empty tenantID lists all tenants.
func (s *Store) ListSyncRuns(tenantID string, limit int) ([]SyncRun, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(`
		SELECT id, tenant_id, job_id, started_at, finished_at, status, ingested, skipped, failed, error
		FROM sync_runs WHERE (? = '' OR tenant_id = ?)
		ORDER BY started_at DESC LIMIT ?`, tenantID, tenantID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SyncRun
	for rows.Next() {
		var r SyncRun
		var jobID, finished sql.NullString
		var started string
		if err := rows.Scan(&r.ID, &r.TenantID, &jobID, &started, &finished, &r.Status,
			&r.Ingested, &r.Skipped, &r.Failed, &r.Error); err != nil {
			return nil, err
		}
		r.JobID = jobID.String
		if r.StartedAt, err = time.Parse(time.RFC3339Nano, started); err != nil {
			return nil, fmt.Errorf("parsing started_at for run %s: %w", r.ID, err)
		}
		if finished.Valid {
			t, err := time.Parse(time.RFC3339Nano, finished.String)
			if err != nil {
				return nil, fmt.Errorf("parsing finished_at for run %s: %w", r.ID, err)
			}
			r.FinishedAt = &t
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// --- Jobs ---

func (s *Store) EnqueueJob(job Job) error {
	now := time.Now().UTC().Format(time.RFC3339)
	runAfter := now
	if !job.RunAfter.IsZero() {
		runAfter = job.RunAfter.UTC().Format(time.RFC3339)
	}
	maxAttempts := job.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = 3
	}
	payload := job.PayloadJSON
	if payload == "" {
		payload = "{}"
	}
	_, err := s.db.Exec(`
		INSERT INTO jobs (id, type, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at)
		VALUES (?, ?, ?, 'pending', 0, ?, ?, ?, ?)`,
		job.ID, job.Type, payload, maxAttempts, runAfter, now, now,
	)
	return err
}

func (s *Store) ClaimNextJob(types []string) (*Job, error) {
	if len(types) == 0 {
		return nil, nil
	}

	now := time.Now().UTC().Format(time.RFC3339)
	placeholders := strings.Repeat(",?", len(types)-1)
	query := `SELECT id, type, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at, last_error
		FROM jobs
		WHERE status = 'pending' AND run_after <= ? AND type IN (?` + placeholders + `)
		ORDER BY run_after ASC, created_at ASC
		LIMIT 1`

	args := make([]interface{}, 0, len(types)+1)
	args = append(args, now)
	for _, t := range types {
		args = append(args, t)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning claim transaction: %w", err)
	}

	var j Job
	var runAfter, createdAt, updatedAt string
	var lastError sql.NullString
	err = tx.QueryRow(query, args...).Scan(
		&j.ID, &j.Type, &j.PayloadJSON, &j.Status, &j.Attempts, &j.MaxAttempts,
		&runAfter, &createdAt, &updatedAt, &lastError,
	)
	if err == sql.ErrNoRows {
		tx.Rollback()
		return nil, nil
	}
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("selecting next job: %w", err)
	}

	res, err := tx.Exec(`UPDATE jobs SET status = 'running', updated_at = ? WHERE id = ? AND status = 'pending'`, now, j.ID)
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("updating job status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("checking updated job rows: %w", err)
	}
	if n != 1 {
		tx.Rollback()
		return nil, nil
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing claim: %w", err)
	}

	j.Status = "running"
	j.LastError = lastError.String
	if j.RunAfter, err = time.Parse(time.RFC3339, runAfter); err != nil {
		return nil, fmt.Errorf("parsing run_after for job %s: %w", j.ID, err)
	}
	if j.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at for job %s: %w", j.ID, err)
	}
	if j.UpdatedAt, err = time.Parse(time.RFC3339, now); err != nil {
		return nil, fmt.Errorf("parsing updated_at for job %s: %w", j.ID, err)
	}
	return &j, nil
}

func (s *Store) CompleteJob(id string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.Exec(`UPDATE jobs SET status = 'completed', updated_at = ? WHERE id = ?`, now, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// FailJob records a failed attempt. Jobs with attempts left go back to
// pending with exponential backoff; the rest are marked failed.
func (s *Store) FailJob(id string, errMsg string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning fail transaction: %w", err)
	}
	defer tx.Rollback()

	var attempts, maxAttempts int
	err = tx.QueryRow(`SELECT attempts, max_attempts FROM jobs WHERE id = ?`, id).Scan(&attempts, &maxAttempts)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	attempts++

	if attempts >= maxAttempts {
		_, err = tx.Exec(`UPDATE jobs SET status = 'failed', attempts = ?, last_error = ?, updated_at = ? WHERE id = ?`,
			attempts, errMsg, now.Format(time.RFC3339), id)
	} else {
		backoff := time.Duration(math.Pow(2, float64(attempts))) * time.Second
		runAfter := now.Add(backoff)
		_, err = tx.Exec(`UPDATE jobs SET status = 'pending', attempts = ?, last_error = ?, run_after = ?, updated_at = ? WHERE id = ?`,
			attempts, errMsg, runAfter.Format(time.RFC3339), now.Format(time.RFC3339), id)
	}

	if err != nil {
		return err
	}

	return tx.Commit()
}

// JobCounts returns the number of jobs per status.
func (s *Store) JobCounts() (map[string]int, error) {
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[status] = n
	}
	return out, rows.Err()
}

// ResetRunningJobs returns jobs left running by a previous process to pending.
func (s *Store) ResetRunningJobs() (int, error) {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.Exec(`UPDATE jobs SET status = 'pending', updated_at = ? WHERE status = 'running'`, now)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}
