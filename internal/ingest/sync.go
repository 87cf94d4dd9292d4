package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/sourcebruh/photosearch/internal/photos"
	"github.com/sourcebruh/photosearch/internal/storage"
)

// Runner runs one tenant's ingestion. *Pipeline implements it.
type Runner interface {
	Run(ctx context.Context, tenantID string, sel photos.Selection) (Report, error)
}

// RunStore records sync history and holds per-tenant album selections.
// *storage.Store implements it.
type RunStore interface {
	GetTenantSettings(tenantID string) (storage.TenantSettings, error)
	StartSyncRun(run storage.SyncRun) error
	FinishSyncRun(run storage.SyncRun) error
}

// Syncer picks a tenant's album selection, runs the pipeline, and records
// the run in the sync history.
type Syncer struct {
	runner   Runner
	runs     RunStore
	defaults photos.Selection
	logger   *slog.Logger
}

// NewSyncer creates a Syncer. defaults is used for tenants without their
// own album settings.
func NewSyncer(runner Runner, runs RunStore, defaults photos.Selection) *Syncer {
	return &Syncer{
		runner:   runner,
		runs:     runs,
		defaults: defaults,
		logger:   slog.Default().With("component", "sync"),
	}
}

// Selection returns the albums a tenant syncs: its stored settings when
// present, otherwise the configured defaults.
func (s *Syncer) Selection(tenantID string) (photos.Selection, error) {
	ts, err := s.runs.GetTenantSettings(tenantID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return photos.Selection{}, fmt.Errorf("loading settings for %s: %w", tenantID, err)
	}
	if err == nil && !ts.Empty() {
		return photos.Selection{Titles: ts.Albums, Paths: ts.AlbumPaths}, nil
	}
	return s.defaults, nil
}

// Sync runs one tenant. A non-empty override replaces the tenant's selection.
// jobID links the history entry to a queued job and may be empty.
func (s *Syncer) Sync(ctx context.Context, tenantID string, override photos.Selection, jobID string) (Report, error) {
	sel := override
	if sel.Empty() {
		var err error
		if sel, err = s.Selection(tenantID); err != nil {
			return newReport(tenantID), err
		}
	}

	run := storage.SyncRun{
		ID:        uuid.New().String(),
		TenantID:  tenantID,
		JobID:     jobID,
		StartedAt: time.Now().UTC(),
		Status:    "running",
	}
	if err := s.runs.StartSyncRun(run); err != nil {
		return newReport(tenantID), fmt.Errorf("%w: recording sync run: %w", ErrStorage, err)
	}

	report, runErr := s.runner.Run(ctx, tenantID, sel)

	finished := time.Now().UTC()
	run.FinishedAt = &finished
	run.Ingested = report.Counts.Ingested()
	run.Skipped = report.Counts.Skipped()
	run.Failed = report.Counts.Failed()
	switch {
	case runErr == nil:
		run.Status = "completed"
	case ctx.Err() != nil:
		run.Status = "canceled"
		run.Error = runErr.Error()
	default:
		run.Status = "failed"
		run.Error = runErr.Error()
	}
	// The history write must land even when ctx was canceled.
	if err := s.runs.FinishSyncRun(run); err != nil {
		s.logger.Error("failed to record sync run", "run_id", run.ID, "error", err)
	}
	return report, runErr
}

// RunTenants syncs tenants concurrently, at most parallel at a time. One
// tenant's failure does not stop the others; all failures are joined.
func RunTenants(ctx context.Context, s *Syncer, tenants []string, parallel int) ([]Report, error) {
	if parallel <= 0 {
		parallel = 1
	}
	reports := make([]Report, len(tenants))
	errs := make([]error, len(tenants))

	var g errgroup.Group
	g.SetLimit(parallel)
	for i, tenant := range tenants {
		g.Go(func() error {
			report, err := s.Sync(ctx, tenant, photos.Selection{}, "")
			reports[i] = report
			if err != nil {
				errs[i] = fmt.Errorf("tenant %s: %w", tenant, err)
			}
			return nil
		})
	}
	g.Wait()
	return reports, errors.Join(errs...)
}
