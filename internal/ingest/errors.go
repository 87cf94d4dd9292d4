package ingest

import (
	"context"
	"errors"

	"github.com/sourcebruh/photosearch/internal/blob"
	"github.com/sourcebruh/photosearch/internal/oracle"
	"github.com/sourcebruh/photosearch/internal/photos"
)

var (
	// ErrStorage wraps failures of the record store, ledger, or blob store.
	// They abort the run; nothing partial is committed beyond earlier upserts.
	ErrStorage = errors.New("storage failure")

	// ErrNoAlbums is returned when a run has nothing selected.
	ErrNoAlbums = errors.New("no albums selected")

	errBadImage = errors.New("undecodable image")
)

// ErrorKind classifies a collaborator failure.
type ErrorKind string

const (
	// KindTransient failures are retried on the next run.
	KindTransient ErrorKind = "transient"
	// KindAbsent means the resource is permanently gone at its source.
	KindAbsent ErrorKind = "absent"
	// KindData means the payload could not be processed.
	KindData ErrorKind = "data"
	// KindFatal failures abort the run: missing configuration, storage
	// failures, and cancellation.
	KindFatal ErrorKind = "fatal"
)

// Kind classifies err. A nil error has no kind.
func Kind(err error) ErrorKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindFatal
	case errors.Is(err, photos.ErrNotConfigured), errors.Is(err, oracle.ErrNotConfigured),
		errors.Is(err, blob.ErrDisabled), errors.Is(err, ErrStorage):
		return KindFatal
	case errors.Is(err, photos.ErrGone), errors.Is(err, blob.ErrNotFound):
		return KindAbsent
	case errors.Is(err, errBadImage):
		return KindData
	default:
		return KindTransient
	}
}

// IsNotConfigured reports whether err stems from missing credentials or
// configuration of a collaborator.
func IsNotConfigured(err error) bool {
	return errors.Is(err, photos.ErrNotConfigured) || errors.Is(err, oracle.ErrNotConfigured) ||
		errors.Is(err, blob.ErrDisabled)
}
