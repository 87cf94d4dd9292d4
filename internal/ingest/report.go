package ingest

import (
	"time"

	"github.com/sourcebruh/photosearch/internal/ledger"
)

// Outcome is what happened to one media item.
type Outcome string

const (
	OutcomeIngested        Outcome = "ingested"
	OutcomeSkippedMime     Outcome = "skipped_mime"
	OutcomeSkippedNoID     Outcome = "skipped_no_id"
	OutcomeSkippedNoURL    Outcome = "skipped_no_url"
	OutcomeSkippedExists   Outcome = "skipped_exists"
	OutcomeSkippedStale    Outcome = "skipped_stale"
	OutcomeFailedDownload  Outcome = "failed_download"
	OutcomeFailedThumbnail Outcome = "failed_thumbnail"
	OutcomeFailedOracle    Outcome = "failed_oracle"
)

// Failed reports whether the item should be retried on the next run.
func (o Outcome) Failed() bool {
	switch o {
	case OutcomeFailedDownload, OutcomeFailedThumbnail, OutcomeFailedOracle:
		return true
	}
	return false
}

// Skipped reports whether the item was passed over without work.
func (o Outcome) Skipped() bool {
	return o != OutcomeIngested && !o.Failed()
}

// Counts tallies outcomes.
type Counts map[Outcome]int

func (c Counts) Ingested() int { return c[OutcomeIngested] }

func (c Counts) Skipped() int {
	n := 0
	for o, v := range c {
		if o.Skipped() {
			n += v
		}
	}
	return n
}

func (c Counts) Failed() int {
	n := 0
	for o, v := range c {
		if o.Failed() {
			n += v
		}
	}
	return n
}

func (c Counts) add(other Counts) {
	for o, v := range other {
		c[o] += v
	}
}

// AlbumReport describes one album of a run.
type AlbumReport struct {
	ID              string           `json:"id"`
	Title           string           `json:"title"`
	Path            string           `json:"path,omitempty"`
	Counts          Counts           `json:"counts"`
	WatermarkBefore ledger.Watermark `json:"-"`
	WatermarkAfter  ledger.Watermark `json:"-"`
	Error           string           `json:"error,omitempty"`
}

// Report summarizes a run for one tenant.
type Report struct {
	Tenant       string        `json:"tenant"`
	Albums       []AlbumReport `json:"albums"`
	Unmatched    []string      `json:"unmatched,omitempty"`
	Counts       Counts        `json:"counts"`
	MaxTimestamp time.Time     `json:"max_timestamp,omitzero"`
}

func newReport(tenant string) Report {
	return Report{Tenant: tenant, Counts: Counts{}}
}
