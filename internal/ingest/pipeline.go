// Package ingest walks a tenant's selected albums, describes and embeds each
// new image, and persists the results.
package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"

	"github.com/sourcebruh/photosearch/internal/blob"
	"github.com/sourcebruh/photosearch/internal/ledger"
	"github.com/sourcebruh/photosearch/internal/metrics"
	"github.com/sourcebruh/photosearch/internal/oracle"
	"github.com/sourcebruh/photosearch/internal/photos"
	"github.com/sourcebruh/photosearch/internal/thumbnail"
	"github.com/sourcebruh/photosearch/internal/vectorstore"
)

// Options tunes a Pipeline.
type Options struct {
	// DownloadSize is the size suffix passed to the source, e.g. "w2048-h2048".
	DownloadSize string
	ThumbMaxSize int
	ThumbQuality int
	// InlineBlobs stores image and thumbnail bytes on the record itself.
	InlineBlobs bool
}

// Pipeline ingests albums for one tenant at a time. Items are processed
// strictly in order; different tenants may run concurrently.
type Pipeline struct {
	sources Sources
	oracle  oracle.Oracle
	store   vectorstore.Store
	ledger  *ledger.Ledger
	blobs   blob.Store
	opts    Options
	logger  *slog.Logger
}

// New creates a Pipeline. Each run reads from the source sources picks for
// its tenant. blobs may be nil when opts.InlineBlobs is set.
func New(sources Sources, o oracle.Oracle, store vectorstore.Store, l *ledger.Ledger, blobs blob.Store, opts Options) *Pipeline {
	if opts.DownloadSize == "" {
		opts.DownloadSize = "w2048-h2048"
	}
	return &Pipeline{
		sources: sources,
		oracle:  o,
		store:   store,
		ledger:  l,
		blobs:   blobs,
		opts:    opts,
		logger:  slog.Default().With("component", "ingest"),
	}
}

// Run ingests every album sel picks for tenant. Item failures are counted
// and logged but do not stop the run. Missing configuration, storage
// failures, and cancellation abort it immediately. Albums whose listing
// fails are reported and the run continues; their errors are joined into
// the returned error.
func (p *Pipeline) Run(ctx context.Context, tenantID string, sel photos.Selection) (Report, error) {
	report := newReport(tenantID)
	status := "error"
	defer func() { metrics.RecordRun(status) }()

	if sel.Empty() {
		return report, ErrNoAlbums
	}

	source, err := p.sources.Source(ctx, tenantID)
	if err != nil {
		return report, fmt.Errorf("%w: %w", ErrStorage, err)
	}
	albums, err := source.ListAlbums(ctx)
	if err != nil {
		return report, fmt.Errorf("listing albums: %w", err)
	}
	resolved, unmatched := photos.ResolveAlbums(albums, sel)
	report.Unmatched = unmatched
	for _, u := range unmatched {
		p.logger.Warn("selected album not found", "tenant", tenantID, "album", u)
	}

	var albumErrs []error
	for _, album := range resolved {
		if err := ctx.Err(); err != nil {
			status = "canceled"
			return report, err
		}

		ar, err := p.runAlbum(ctx, source, tenantID, album, &report)
		report.Counts.add(ar.Counts)
		if err != nil {
			ar.Error = err.Error()
		}
		report.Albums = append(report.Albums, ar)
		if err == nil {
			continue
		}
		if Kind(err) == KindFatal {
			if ctx.Err() != nil {
				status = "canceled"
			}
			return report, err
		}
		albumErrs = append(albumErrs, fmt.Errorf("album %q: %w", album.Title, err))
	}

	if len(albumErrs) > 0 {
		status = "partial"
		return report, errors.Join(albumErrs...)
	}
	status = "ok"
	p.logger.Info("sync finished",
		"tenant", tenantID,
		"albums", len(report.Albums),
		"ingested", report.Counts.Ingested(),
		"skipped", report.Counts.Skipped(),
		"failed", report.Counts.Failed(),
		"max_timestamp", report.MaxTimestamp,
	)
	return report, nil
}

func (p *Pipeline) runAlbum(ctx context.Context, source photos.Source, tenantID string, album photos.ResolvedAlbum, report *Report) (AlbumReport, error) {
	ar := AlbumReport{ID: album.ID, Title: album.Title, Path: album.Path, Counts: Counts{}}

	wm, err := p.ledger.Begin(ctx, tenantID, album.Title)
	if err != nil {
		return ar, fmt.Errorf("%w: %w", ErrStorage, err)
	}
	ar.WatermarkBefore = wm
	ar.WatermarkAfter = wm
	p.logger.Debug("album start", "tenant", tenantID, "album", album.Title, "watermark", wm)

	var adv advance
	for item, err := range photos.Items(ctx, source, album.ID) {
		if err != nil {
			return ar, fmt.Errorf("listing items: %w", err)
		}
		if err := ctx.Err(); err != nil {
			return ar, err
		}

		outcome, err := p.processItem(ctx, source, tenantID, album, wm, item)
		if err != nil && (outcome == "" || Kind(err) == KindFatal) {
			return ar, err
		}
		ar.Counts[outcome]++
		metrics.RecordItem(string(outcome))
		if err != nil {
			p.logger.Warn("item failed",
				"tenant", tenantID, "album", album.Title, "media_id", item.ID,
				"outcome", outcome, "kind", Kind(err), "error", err)
		}

		if ts, ok := item.Created(); ok {
			adv.observe(outcome, ts)
			if outcome == OutcomeIngested && ts.After(report.MaxTimestamp) {
				report.MaxTimestamp = ts
			}
		}
	}

	if t, ok := adv.target(); ok {
		after, err := p.ledger.Commit(ctx, tenantID, album.Title, t)
		if err != nil {
			if ctx.Err() != nil {
				return ar, ctx.Err()
			}
			return ar, fmt.Errorf("%w: %w", ErrStorage, err)
		}
		ar.WatermarkAfter = after
	}
	return ar, nil
}

// processItem runs one media item through the pipeline. A non-empty outcome
// with an error is an item-level failure; an empty outcome with an error, or
// any fatal error, aborts the album.
func (p *Pipeline) processItem(ctx context.Context, source photos.Source, tenantID string, album photos.ResolvedAlbum, wm ledger.Watermark, item photos.MediaItem) (Outcome, error) {
	mime := strings.ToLower(strings.TrimSpace(item.MimeType))
	if !genericMime(mime) && !item.IsImage() {
		return OutcomeSkippedMime, nil
	}
	if item.ID == "" {
		return OutcomeSkippedNoID, nil
	}

	seen, err := p.ledger.Seen(ctx, tenantID, item.ID)
	if err != nil {
		return "", fmt.Errorf("%w: checking %s: %w", ErrStorage, item.ID, err)
	}
	if seen {
		return OutcomeSkippedExists, nil
	}
	if item.BaseURL == "" {
		return OutcomeSkippedNoURL, nil
	}
	ts, hasTS := item.Created()
	if hasTS && wm.Covers(ts) {
		return OutcomeSkippedStale, nil
	}

	data, err := source.Download(ctx, item.BaseURL, p.opts.DownloadSize)
	if err == nil && len(data) == 0 {
		err = fmt.Errorf("%w: empty download", photos.ErrUnavailable)
	}
	if err != nil {
		return OutcomeFailedDownload, fmt.Errorf("downloading %s: %w", item.ID, err)
	}

	if genericMime(mime) {
		mime = mimetype.Detect(data).String()
		if i := strings.IndexByte(mime, ';'); i >= 0 {
			mime = mime[:i]
		}
		if !strings.HasPrefix(mime, "image/") {
			return OutcomeSkippedMime, nil
		}
	}

	thumb, err := thumbnail.Make(data, p.opts.ThumbMaxSize, p.opts.ThumbQuality)
	if err != nil {
		return OutcomeFailedThumbnail, fmt.Errorf("%w: %s: %v", errBadImage, item.ID, err)
	}

	desc, err := p.oracle.Describe(ctx, data, mime)
	if err != nil {
		return OutcomeFailedOracle, err
	}
	var vec []float32
	if desc != "" {
		if vec, err = p.oracle.Embed(ctx, desc); err != nil {
			return OutcomeFailedOracle, err
		}
	}

	sum := sha256.Sum256(data)
	rec := vectorstore.ImageRecord{
		TenantID:        tenantID,
		ExternalMediaID: item.ID,
		AlbumTitle:      album.Title,
		AlbumPath:       album.Path,
		AlbumProductURL: album.ProductURL,
		Filename:        item.Filename,
		MimeType:        mime,
		Timestamp:       ts,
		TimestampRaw:    item.CreationTime,
		Width:           item.Width,
		Height:          item.Height,
		ContentHash:     hex.EncodeToString(sum[:]),
		Description:     desc,
		Embedding:       vec,
		SourceBaseURL:   item.BaseURL,
	}
	if !rec.HasEmbedding() {
		// Zero vectors have no direction; keep the record out of search.
		rec.Embedding = nil
	}
	if p.opts.InlineBlobs {
		rec.ImageBlob = data
		rec.ThumbBlob = thumb
	}
	if p.blobs != nil {
		if rec.FilePath, err = p.blobs.Put(ctx, imageKey(tenantID, item.ID, mime), data, mime); err != nil {
			return "", fmt.Errorf("%w: storing image %s: %w", ErrStorage, item.ID, err)
		}
		if rec.ThumbPath, err = p.blobs.Put(ctx, thumbKey(tenantID, item.ID), thumb, "image/jpeg"); err != nil {
			return "", fmt.Errorf("%w: storing thumbnail %s: %w", ErrStorage, item.ID, err)
		}
	}

	if _, err := p.store.Upsert(ctx, rec); err != nil {
		return "", fmt.Errorf("%w: upserting %s: %w", ErrStorage, item.ID, err)
	}
	p.logger.Debug("ingested", "tenant", tenantID, "album", album.Title, "media_id", item.ID, "searchable", rec.HasEmbedding())
	return OutcomeIngested, nil
}

// genericMime reports whether the source-reported type says nothing useful
// and the bytes must be sniffed instead.
func genericMime(m string) bool {
	return m == "" || m == "application/octet-stream" || m == "image/*"
}

func imageKey(tenantID, mediaID, mime string) string {
	ext := ".bin"
	if m := mimetype.Lookup(mime); m != nil && m.Extension() != "" {
		ext = m.Extension()
	}
	return tenantID + "/images/" + safeKeyPart(mediaID) + ext
}

func thumbKey(tenantID, mediaID string) string {
	return tenantID + "/thumbs/" + safeKeyPart(mediaID) + ".jpg"
}

// safeKeyPart keeps media IDs from introducing path separators into blob keys.
func safeKeyPart(s string) string {
	return strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(s)
}

// advance computes how far an album's watermark may move after a complete
// pass: to the newest stored timestamp that is older than every failure.
type advance struct {
	stored     []time.Time
	minFailed  time.Time
	haveFailed bool
}

func (a *advance) observe(o Outcome, ts time.Time) {
	switch {
	case o == OutcomeIngested || o == OutcomeSkippedExists:
		a.stored = append(a.stored, ts)
	case o.Failed():
		if !a.haveFailed || ts.Before(a.minFailed) {
			a.minFailed = ts
			a.haveFailed = true
		}
	}
}

func (a *advance) target() (time.Time, bool) {
	var t time.Time
	ok := false
	for _, s := range a.stored {
		if a.haveFailed && !s.Before(a.minFailed) {
			continue
		}
		if !ok || s.After(t) {
			t, ok = s, true
		}
	}
	return t, ok
}
