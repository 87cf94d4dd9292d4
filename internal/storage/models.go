package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// JobTypePhotoSync is the job type consumed by the ingestion worker.
const JobTypePhotoSync = "photo_sync"

type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}

// TenantSettings overrides the configured album selection for one tenant.
type TenantSettings struct {
	TenantID   string    `json:"tenant_id"`
	Albums     []string  `json:"albums"`
	AlbumPaths []string  `json:"album_paths"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Empty reports whether the settings select no albums at all.
func (s TenantSettings) Empty() bool {
	return len(s.Albums) == 0 && len(s.AlbumPaths) == 0
}

// SyncRun is the history entry for one ingestion run of one tenant.
type SyncRun struct {
	ID         string     `json:"id"`
	TenantID   string     `json:"tenant_id"`
	JobID      string     `json:"job_id,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Status     string     `json:"status"` // "running", "completed", "failed", "canceled"
	Ingested   int        `json:"ingested"`
	Skipped    int        `json:"skipped"`
	Failed     int        `json:"failed"`
	Error      string     `json:"error,omitempty"`
}
