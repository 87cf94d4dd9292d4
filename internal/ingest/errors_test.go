package ingest

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/sourcebruh/photosearch/internal/blob"
	"github.com/sourcebruh/photosearch/internal/oracle"
	"github.com/sourcebruh/photosearch/internal/photos"
)

func TestKind(t *testing.T) {
	tests := []struct {
		err  error
		want ErrorKind
	}{
		{nil, ""},
		{fmt.Errorf("x: %w", photos.ErrNotConfigured), KindFatal},
		{fmt.Errorf("x: %w", oracle.ErrNotConfigured), KindFatal},
		{blob.ErrDisabled, KindFatal},
		{fmt.Errorf("%w: disk", ErrStorage), KindFatal},
		{context.Canceled, KindFatal},
		{photos.ErrGone, KindAbsent},
		{fmt.Errorf("%w: bad", errBadImage), KindData},
		{photos.ErrUnavailable, KindTransient},
		{oracle.ErrUnavailable, KindTransient},
		{errors.New("anything else"), KindTransient},
	}
	for _, tt := range tests {
		if got := Kind(tt.err); got != tt.want {
			t.Errorf("Kind(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}
