package ingest

import (
	"context"
	"errors"

	"github.com/sourcebruh/photosearch/internal/photos"
	"github.com/sourcebruh/photosearch/internal/storage"
)

// Sources picks the photo library a tenant is ingested from.
// *photos.Pool implements it.
type Sources interface {
	Source(ctx context.Context, tenantID string) (photos.Source, error)
}

type staticSources struct{ src photos.Source }

func (s staticSources) Source(context.Context, string) (photos.Source, error) { return s.src, nil }

// Static serves every tenant from src.
func Static(src photos.Source) Sources { return staticSources{src: src} }

// Credentials reads stored per-tenant tokens. *storage.Store implements it.
type Credentials interface {
	PhotosToken(tenantID string) (string, error)
}

// TenantTokens resolves a tenant's photo library token from creds. The
// default tenant falls back to fallback when it has no stored token; other
// tenants without one get no token.
func TenantTokens(creds Credentials, defaultTenant, fallback string) photos.TokenFunc {
	return func(tenantID string) (string, error) {
		token, err := creds.PhotosToken(tenantID)
		switch {
		case err == nil:
			return token, nil
		case !errors.Is(err, storage.ErrNotFound):
			return "", err
		case tenantID == defaultTenant:
			return fallback, nil
		default:
			return "", nil
		}
	}
}
