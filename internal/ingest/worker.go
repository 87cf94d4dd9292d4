package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/sourcebruh/photosearch/internal/photos"
	"github.com/sourcebruh/photosearch/internal/storage"
)

// JobStore abstracts the job queue operations.
type JobStore interface {
	ClaimNextJob(types []string) (*storage.Job, error)
	CompleteJob(id string) error
	FailJob(id string, errMsg string) error
}

// SyncPayload is the JSON payload of a photo_sync job. Empty album lists
// fall back to the tenant's settings.
type SyncPayload struct {
	TenantID   string   `json:"tenant_id"`
	Albums     []string `json:"albums,omitempty"`
	AlbumPaths []string `json:"album_paths,omitempty"`
}

// NewSyncJob builds a queued photo_sync job for a tenant.
func NewSyncJob(id string, payload SyncPayload) (storage.Job, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return storage.Job{}, err
	}
	return storage.Job{
		ID:          id,
		Type:        storage.JobTypePhotoSync,
		PayloadJSON: string(b),
		MaxAttempts: 3,
	}, nil
}

// Worker processes photo_sync jobs from the SQLite job queue.
type Worker struct {
	store  JobStore
	syncer *Syncer
	poll   time.Duration
	logger *slog.Logger
}

// NewWorker creates a Worker with the given dependencies.
// If pollInterval is <= 0, it defaults to 500ms.
func NewWorker(store JobStore, syncer *Syncer, pollInterval time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &Worker{
		store:  store,
		syncer: syncer,
		poll:   pollInterval,
		logger: slog.Default().With("component", "worker"),
	}
}

// Run polls for jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("worker iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// RunOnce claims and processes a single photo_sync job.
// Returns true if a job was processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob([]string{storage.JobTypePhotoSync})
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	if err := w.processJob(ctx, job); err != nil {
		w.logger.Warn("job failed", "job_id", job.ID, "error", err)
		if failErr := w.store.FailJob(job.ID, err.Error()); failErr != nil {
			w.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", failErr)
		}
		return true, nil
	}

	if err := w.store.CompleteJob(job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	return true, nil
}

func (w *Worker) processJob(ctx context.Context, job *storage.Job) error {
	var payload SyncPayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		return fmt.Errorf("parsing payload: %w", err)
	}

	sel := photos.Selection{Titles: payload.Albums, Paths: payload.AlbumPaths}
	report, err := w.syncer.Sync(ctx, payload.TenantID, sel, job.ID)
	if err != nil {
		return fmt.Errorf("syncing tenant %q: %w", payload.TenantID, err)
	}
	w.logger.Info("job completed", "job_id", job.ID, "tenant", payload.TenantID,
		"ingested", report.Counts.Ingested(), "failed", report.Counts.Failed())
	return nil
}
