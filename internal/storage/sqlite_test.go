package storage

import (
	"fmt"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// TestMigrationsIdempotent runs Open twice on the same database and verifies
// the schema_version count stays correct (migration not re-applied).
func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open(dir)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}

	v1, err := s1.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	s1.Close()

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	defer s2.Close()

	v2, err := s2.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}

	if len(v1) != len(v2) {
		t.Errorf("migration count changed: %d -> %d", len(v1), len(v2))
	}
}

// TestMigrationsOrdered verifies migrations are applied in ascending numeric order.
func TestMigrationsOrdered(t *testing.T) {
	s := openTestStore(t)

	versions, err := s.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}

	if len(versions) == 0 {
		t.Fatal("expected at least one applied migration")
	}

	for i := 1; i < len(versions); i++ {
		if versions[i] <= versions[i-1] {
			t.Errorf("migrations not in ascending order: %v", versions)
			break
		}
	}
}

// TestIndexesExist verifies that indexes are created by the migrations.
func TestIndexesExist(t *testing.T) {
	s := openTestStore(t)

	indexes := []string{"idx_jobs_status_run_after", "idx_sync_runs_tenant_started", "idx_images_tenant_album_ts"}
	for _, idx := range indexes {
		var count int
		err := s.db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='index' AND name=?", idx).Scan(&count)
		if err != nil {
			t.Fatalf("querying sqlite_master for %q: %v", idx, err)
		}
		if count != 1 {
			t.Errorf("index %q not found in sqlite_master", idx)
		}
	}
}

// TestImagesUniquePerTenant verifies the images table rejects a second row for
// the same (tenant, media id) but accepts it for another tenant.
func TestImagesUniquePerTenant(t *testing.T) {
	s := openTestStore(t)

	insert := `INSERT INTO images (id, tenant_id, external_media_id, timestamp, created_at, updated_at)
		VALUES (?, ?, 'm1', '1970-01-01T00:00:00.000000000Z', '', '')`
	if _, err := s.db.Exec(insert, "id-1", "alice"); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if _, err := s.db.Exec(insert, "id-2", "alice"); err == nil {
		t.Error("expected unique constraint violation for duplicate (tenant, media id)")
	}
	if _, err := s.db.Exec(insert, "id-3", "bob"); err != nil {
		t.Errorf("insert for other tenant: %v", err)
	}
}

func TestTenantSettingsRoundTrip(t *testing.T) {
	s := openTestStore(t)

	if _, err := s.GetTenantSettings("alice"); err != ErrNotFound {
		t.Fatalf("GetTenantSettings before save: err = %v, want ErrNotFound", err)
	}

	want := TenantSettings{TenantID: "alice", Albums: []string{"Trip", "Family"}, AlbumPaths: []string{"/album/abc"}}
	if err := s.SaveTenantSettings(want); err != nil {
		t.Fatalf("SaveTenantSettings: %v", err)
	}
	got, err := s.GetTenantSettings("alice")
	if err != nil {
		t.Fatalf("GetTenantSettings: %v", err)
	}
	if len(got.Albums) != 2 || got.Albums[0] != "Trip" || got.Albums[1] != "Family" {
		t.Errorf("Albums = %v, want [Trip Family]", got.Albums)
	}
	if len(got.AlbumPaths) != 1 || got.AlbumPaths[0] != "/album/abc" {
		t.Errorf("AlbumPaths = %v, want [/album/abc]", got.AlbumPaths)
	}
	if got.UpdatedAt.IsZero() {
		t.Error("UpdatedAt should be set")
	}

	// Overwrite with an empty selection.
	if err := s.SaveTenantSettings(TenantSettings{TenantID: "alice"}); err != nil {
		t.Fatalf("SaveTenantSettings (overwrite): %v", err)
	}
	got, err = s.GetTenantSettings("alice")
	if err != nil {
		t.Fatalf("GetTenantSettings: %v", err)
	}
	if !got.Empty() {
		t.Errorf("expected empty settings after overwrite, got %+v", got)
	}
}

func TestSaveTenantSettings_RequiresTenant(t *testing.T) {
	s := openTestStore(t)
	if err := s.SaveTenantSettings(TenantSettings{Albums: []string{JobTypePhotoSync}}); err == nil {
		t.Error("expected error for empty tenant id")
	}
}

func TestListTenants(t *testing.T) {
	s := openTestStore(t)

	for _, id := range []string{"carol", "alice", "bob"} {
		if err := s.SaveTenantSettings(TenantSettings{TenantID: id}); err != nil {
			t.Fatalf("SaveTenantSettings(%s): %v", id, err)
		}
	}
	// Tenants known only by their credentials are listed once.
	for _, id := range []string{"dave", "alice"} {
		if err := s.SetPhotosToken(id, "tok-"+id); err != nil {
			t.Fatalf("SetPhotosToken(%s): %v", id, err)
		}
	}
	got, err := s.ListTenants()
	if err != nil {
		t.Fatalf("ListTenants: %v", err)
	}
	want := []string{"alice", "bob", "carol", "dave"}
	if len(got) != len(want) {
		t.Fatalf("ListTenants = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("ListTenants[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestPhotosToken(t *testing.T) {
	s := openTestStore(t)

	if _, err := s.PhotosToken("alice"); err != ErrNotFound {
		t.Fatalf("PhotosToken before set: err = %v, want ErrNotFound", err)
	}
	if err := s.SetPhotosToken("alice", "tok-1"); err != nil {
		t.Fatalf("SetPhotosToken: %v", err)
	}
	if err := s.SetPhotosToken("alice", "tok-2"); err != nil {
		t.Fatalf("SetPhotosToken rotate: %v", err)
	}
	if got, err := s.PhotosToken("alice"); err != nil || got != "tok-2" {
		t.Errorf("PhotosToken = %q, %v; want tok-2", got, err)
	}
	if _, err := s.PhotosToken("bob"); err != ErrNotFound {
		t.Errorf("bob: err = %v, want ErrNotFound", err)
	}

	if err := s.SetPhotosToken("alice", ""); err != nil {
		t.Fatalf("SetPhotosToken clear: %v", err)
	}
	if _, err := s.PhotosToken("alice"); err != ErrNotFound {
		t.Errorf("after clear: err = %v, want ErrNotFound", err)
	}
	if err := s.SetPhotosToken("", "tok"); err == nil {
		t.Error("expected error for empty tenant id")
	}
}

func TestWatermark_NotFound(t *testing.T) {
	s := openTestStore(t)
	if _, _, err := s.GetWatermark("alice", "Trip"); err != ErrNotFound {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestInitWatermark_Unset(t *testing.T) {
	s := openTestStore(t)

	if err := s.InitWatermark("alice", "Trip"); err != nil {
		t.Fatalf("InitWatermark: %v", err)
	}
	if _, set, err := s.GetWatermark("alice", "Trip"); err != nil || set {
		t.Fatalf("GetWatermark = set %v, err %v; want unset", set, err)
	}

	t1 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	got, err := s.AdvanceWatermark("alice", "Trip", t1)
	if err != nil {
		t.Fatalf("AdvanceWatermark: %v", err)
	}
	if !got.Equal(t1) {
		t.Errorf("advance from unset = %v, want %v", got, t1)
	}

	// A second init never clears a committed watermark.
	if err := s.InitWatermark("alice", "Trip"); err != nil {
		t.Fatalf("InitWatermark again: %v", err)
	}
	stored, set, err := s.GetWatermark("alice", "Trip")
	if err != nil || !set || !stored.Equal(t1) {
		t.Errorf("GetWatermark = %v, %v, %v; want %v", stored, set, err, t1)
	}
}

func TestAdvanceWatermark_NeverRegresses(t *testing.T) {
	s := openTestStore(t)

	t1 := time.Date(2024, 1, 1, 0, 0, 0, 500, time.UTC)
	t0 := t1.Add(-time.Hour)
	t2 := t1.Add(time.Hour)

	got, err := s.AdvanceWatermark("alice", "Trip", t1)
	if err != nil {
		t.Fatalf("AdvanceWatermark(t1): %v", err)
	}
	if !got.Equal(t1) {
		t.Errorf("after t1: %v, want %v", got, t1)
	}

	got, err = s.AdvanceWatermark("alice", "Trip", t0)
	if err != nil {
		t.Fatalf("AdvanceWatermark(t0): %v", err)
	}
	if !got.Equal(t1) {
		t.Errorf("after older t0: %v, want unchanged %v", got, t1)
	}

	if _, err := s.AdvanceWatermark("alice", "Trip", t2); err != nil {
		t.Fatalf("AdvanceWatermark(t2): %v", err)
	}
	stored, set, err := s.GetWatermark("alice", "Trip")
	if err != nil {
		t.Fatalf("GetWatermark: %v", err)
	}
	if !set || !stored.Equal(t2) {
		t.Errorf("stored = %v, want %v", stored, t2)
	}

	// Other tenants and albums are independent.
	if _, _, err := s.GetWatermark("bob", "Trip"); err != ErrNotFound {
		t.Errorf("bob/Trip: err = %v, want ErrNotFound", err)
	}
	if _, _, err := s.GetWatermark("alice", "Other"); err != ErrNotFound {
		t.Errorf("alice/Other: err = %v, want ErrNotFound", err)
	}
}

func TestSyncRuns(t *testing.T) {
	s := openTestStore(t)

	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		run := SyncRun{ID: fmt.Sprintf("run-%d", i), TenantID: "alice", StartedAt: base.Add(time.Duration(i) * time.Minute)}
		if err := s.StartSyncRun(run); err != nil {
			t.Fatalf("StartSyncRun(%d): %v", i, err)
		}
	}
	if err := s.StartSyncRun(SyncRun{ID: "run-bob", TenantID: "bob", JobID: "job-1", StartedAt: base}); err != nil {
		t.Fatalf("StartSyncRun(bob): %v", err)
	}

	done := base.Add(10 * time.Minute)
	if err := s.FinishSyncRun(SyncRun{ID: "run-2", Status: "completed", Ingested: 4, Skipped: 2, Failed: 1, FinishedAt: &done}); err != nil {
		t.Fatalf("FinishSyncRun: %v", err)
	}

	runs, err := s.ListSyncRuns("alice", 10)
	if err != nil {
		t.Fatalf("ListSyncRuns: %v", err)
	}
	if len(runs) != 3 {
		t.Fatalf("len(runs) = %d, want 3", len(runs))
	}
	if runs[0].ID != "run-2" {
		t.Errorf("first run = %q, want most recent run-2", runs[0].ID)
	}
	if runs[0].Status != "completed" || runs[0].Ingested != 4 || runs[0].Skipped != 2 || runs[0].Failed != 1 {
		t.Errorf("finished run = %+v", runs[0])
	}
	if runs[0].FinishedAt == nil || !runs[0].FinishedAt.Equal(done) {
		t.Errorf("FinishedAt = %v, want %v", runs[0].FinishedAt, done)
	}
	if runs[1].Status != "running" || runs[1].FinishedAt != nil {
		t.Errorf("unfinished run = %+v", runs[1])
	}

	all, err := s.ListSyncRuns("", 10)
	if err != nil {
		t.Fatalf("ListSyncRuns(all): %v", err)
	}
	if len(all) != 4 {
		t.Errorf("len(all) = %d, want 4", len(all))
	}

	limited, err := s.ListSyncRuns("", 2)
	if err != nil {
		t.Fatalf("ListSyncRuns(limit): %v", err)
	}
	if len(limited) != 2 {
		t.Errorf("len(limited) = %d, want 2", len(limited))
	}
}

func TestFinishSyncRun_NotFound(t *testing.T) {
	s := openTestStore(t)
	if err := s.FinishSyncRun(SyncRun{ID: "missing", Status: "failed"}); err != ErrNotFound {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

// TestJobsTableExists verifies the jobs table is created by migration and supports round-trip.
func TestJobsTableExists(t *testing.T) {
	s := openTestStore(t)

	_, err := s.db.Exec(`INSERT INTO jobs (id, type, payload_json, run_after, created_at, updated_at)
		VALUES ('j1', 'photo_sync', '{"tenant_id":"alice"}', '2025-01-01T00:00:00Z', '2025-01-01T00:00:00Z', '2025-01-01T00:00:00Z')`)
	if err != nil {
		t.Fatalf("INSERT into jobs: %v", err)
	}

	var status string
	var attempts, maxAttempts int
	err = s.db.QueryRow(`SELECT status, attempts, max_attempts FROM jobs WHERE id = 'j1'`).
		Scan(&status, &attempts, &maxAttempts)
	if err != nil {
		t.Fatalf("SELECT from jobs: %v", err)
	}
	if status != "pending" || attempts != 0 || maxAttempts != 3 {
		t.Errorf("defaults: status=%q attempts=%d max_attempts=%d", status, attempts, maxAttempts)
	}
}

func TestJobCountsAndReset(t *testing.T) {
	s := openTestStore(t)

	for _, id := range []string{"a", "b", "c"} {
		if err := s.EnqueueJob(Job{ID: id, Type: JobTypePhotoSync}); err != nil {
			t.Fatalf("EnqueueJob(%s): %v", id, err)
		}
	}
	if _, err := s.ClaimNextJob([]string{JobTypePhotoSync}); err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}

	counts, err := s.JobCounts()
	if err != nil {
		t.Fatalf("JobCounts: %v", err)
	}
	if counts["pending"] != 2 || counts["running"] != 1 {
		t.Errorf("counts = %v, want pending=2 running=1", counts)
	}

	n, err := s.ResetRunningJobs()
	if err != nil {
		t.Fatalf("ResetRunningJobs: %v", err)
	}
	if n != 1 {
		t.Errorf("reset %d jobs, want 1", n)
	}
	counts, _ = s.JobCounts()
	if counts["pending"] != 3 {
		t.Errorf("pending after reset = %d, want 3", counts["pending"])
	}
}

func TestEnqueueAndClaimJob(t *testing.T) {
	s := openTestStore(t)

	job := Job{
		ID:          "j-claim-1",
		Type:        JobTypePhotoSync,
		PayloadJSON: `{"tenant_id":"alice"}`,
	}
	if err := s.EnqueueJob(job); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}

	got, err := s.ClaimNextJob([]string{JobTypePhotoSync})
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if got == nil {
		t.Fatal("ClaimNextJob returned nil")
	}
	if got.ID != "j-claim-1" {
		t.Errorf("ID = %q, want %q", got.ID, "j-claim-1")
	}
	if got.Type != JobTypePhotoSync {
		t.Errorf("Type = %q, want %q", got.Type, JobTypePhotoSync)
	}
	if got.PayloadJSON != `{"tenant_id":"alice"}` {
		t.Errorf("PayloadJSON = %q, want %q", got.PayloadJSON, `{"tenant_id":"alice"}`)
	}
	if got.Status != "running" {
		t.Errorf("Status = %q, want %q", got.Status, "running")
	}
	if got.MaxAttempts != 3 {
		t.Errorf("MaxAttempts = %d, want 3", got.MaxAttempts)
	}
}

func TestClaimNextJob_Empty(t *testing.T) {
	s := openTestStore(t)

	got, err := s.ClaimNextJob([]string{JobTypePhotoSync})
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil, got %+v", got)
	}
}

func TestClaimNextJob_RespectRunAfter(t *testing.T) {
	s := openTestStore(t)

	job := Job{
		ID:          "j-future",
		Type:        JobTypePhotoSync,
		PayloadJSON: `{}`,
		RunAfter:    time.Now().UTC().Add(1 * time.Hour),
	}
	if err := s.EnqueueJob(job); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}

	got, err := s.ClaimNextJob([]string{JobTypePhotoSync})
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil for future run_after, got %+v", got)
	}
}

func TestClaimNextJob_TypeFilter(t *testing.T) {
	s := openTestStore(t)

	if err := s.EnqueueJob(Job{ID: "j-a", Type: "a", PayloadJSON: `{}`}); err != nil {
		t.Fatalf("EnqueueJob a: %v", err)
	}
	if err := s.EnqueueJob(Job{ID: "j-b", Type: "b", PayloadJSON: `{}`}); err != nil {
		t.Fatalf("EnqueueJob b: %v", err)
	}

	got, err := s.ClaimNextJob([]string{"a"})
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if got == nil {
		t.Fatal("ClaimNextJob returned nil")
	}
	if got.Type != "a" {
		t.Errorf("Type = %q, want %q", got.Type, "a")
	}
}

func TestClaimNextJob_SkipsRunning(t *testing.T) {
	s := openTestStore(t)

	if err := s.EnqueueJob(Job{ID: "j-first", Type: JobTypePhotoSync, PayloadJSON: `{}`}); err != nil {
		t.Fatalf("EnqueueJob first: %v", err)
	}
	if _, err := s.ClaimNextJob([]string{JobTypePhotoSync}); err != nil {
		t.Fatalf("ClaimNextJob first: %v", err)
	}

	if err := s.EnqueueJob(Job{ID: "j-second", Type: JobTypePhotoSync, PayloadJSON: `{}`}); err != nil {
		t.Fatalf("EnqueueJob second: %v", err)
	}

	got, err := s.ClaimNextJob([]string{JobTypePhotoSync})
	if err != nil {
		t.Fatalf("ClaimNextJob second: %v", err)
	}
	if got == nil {
		t.Fatal("ClaimNextJob returned nil")
	}
	if got.ID != "j-second" {
		t.Errorf("ID = %q, want %q", got.ID, "j-second")
	}
}

func TestCompleteJob(t *testing.T) {
	s := openTestStore(t)

	if err := s.EnqueueJob(Job{ID: "j-complete", Type: JobTypePhotoSync, PayloadJSON: `{}`}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	if _, err := s.ClaimNextJob([]string{JobTypePhotoSync}); err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if err := s.CompleteJob("j-complete"); err != nil {
		t.Fatalf("CompleteJob: %v", err)
	}

	var status string
	if err := s.db.QueryRow(`SELECT status FROM jobs WHERE id = 'j-complete'`).Scan(&status); err != nil {
		t.Fatalf("SELECT: %v", err)
	}
	if status != "completed" {
		t.Errorf("status = %q, want %q", status, "completed")
	}
}

func TestFailJob_IncrementsAttempts(t *testing.T) {
	s := openTestStore(t)

	if err := s.EnqueueJob(Job{ID: "j-fail-inc", Type: JobTypePhotoSync, PayloadJSON: `{}`}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	if _, err := s.ClaimNextJob([]string{JobTypePhotoSync}); err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if err := s.FailJob("j-fail-inc", "something broke"); err != nil {
		t.Fatalf("FailJob: %v", err)
	}

	var status, lastError string
	var attempts int
	if err := s.db.QueryRow(`SELECT status, attempts, last_error FROM jobs WHERE id = 'j-fail-inc'`).Scan(&status, &attempts, &lastError); err != nil {
		t.Fatalf("SELECT: %v", err)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
	if status != "pending" {
		t.Errorf("status = %q, want %q", status, "pending")
	}
	if lastError != "something broke" {
		t.Errorf("last_error = %q, want %q", lastError, "something broke")
	}
}

func TestFailJob_MaxAttemptsReached(t *testing.T) {
	s := openTestStore(t)

	if err := s.EnqueueJob(Job{ID: "j-fail-max", Type: JobTypePhotoSync, PayloadJSON: `{}`, MaxAttempts: 1}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	if _, err := s.ClaimNextJob([]string{JobTypePhotoSync}); err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if err := s.FailJob("j-fail-max", "fatal"); err != nil {
		t.Fatalf("FailJob: %v", err)
	}

	var status string
	if err := s.db.QueryRow(`SELECT status FROM jobs WHERE id = 'j-fail-max'`).Scan(&status); err != nil {
		t.Fatalf("SELECT: %v", err)
	}
	if status != "failed" {
		t.Errorf("status = %q, want %q", status, "failed")
	}
}

func TestFailJob_SetsBackoff(t *testing.T) {
	s := openTestStore(t)

	if err := s.EnqueueJob(Job{ID: "j-backoff", Type: JobTypePhotoSync, PayloadJSON: `{}`}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	if _, err := s.ClaimNextJob([]string{JobTypePhotoSync}); err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}

	before := time.Now().UTC()
	if err := s.FailJob("j-backoff", "retry"); err != nil {
		t.Fatalf("FailJob: %v", err)
	}

	var runAfterStr string
	if err := s.db.QueryRow(`SELECT run_after FROM jobs WHERE id = 'j-backoff'`).Scan(&runAfterStr); err != nil {
		t.Fatalf("SELECT: %v", err)
	}
	runAfter, err := time.Parse(time.RFC3339, runAfterStr)
	if err != nil {
		t.Fatalf("parsing run_after: %v", err)
	}
	if !runAfter.After(before) {
		t.Errorf("run_after %v should be after %v", runAfter, before)
	}
}
