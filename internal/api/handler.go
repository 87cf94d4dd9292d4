package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/sourcebruh/photosearch/internal/ingest"
	"github.com/sourcebruh/photosearch/internal/metrics"
	"github.com/sourcebruh/photosearch/internal/oracle"
	"github.com/sourcebruh/photosearch/internal/search"
	"github.com/sourcebruh/photosearch/internal/storage"
)

const maxRequestBodySize = 1 << 20 // 1MB

// TenantHeader selects the tenant a request acts for.
const TenantHeader = "X-Tenant-ID"

var tenantPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// Searcher runs queries and serves image payloads. *search.Service implements it.
type Searcher interface {
	Search(ctx context.Context, tenantID, query string, topK int) ([]search.Result, error)
	Image(ctx context.Context, tenantID, id string, thumb bool) ([]byte, string, error)
}

type Deps struct {
	Store         *storage.Store
	Search        Searcher
	Token         string
	DefaultTenant string
}

// NewHandler returns the HTTP API. /health and /metrics are public; every
// other route requires the bearer token.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth)
	r.Handle("/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))
		r.Use(withTenant(deps.DefaultTenant))

		r.Get("/search", handleSearch(deps))
		r.Get("/image/{id}", handleImage(deps))
		r.Post("/sync", handleSync(deps))
		r.Get("/sync/runs", handleListRuns(deps))
		r.Get("/sync/jobs", handleJobCounts(deps))
		r.Get("/settings", handleGetSettings(deps))
		r.Put("/settings", handlePutSettings(deps))
		r.Put("/credentials", handlePutCredentials(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

type tenantKey struct{}

func withTenant(fallback string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tenant := r.Header.Get(TenantHeader)
			if tenant == "" {
				tenant = fallback
			}
			if !tenantPattern.MatchString(tenant) {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid tenant id %q", tenant)
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), tenantKey{}, tenant)))
		})
	}
}

func tenantOf(r *http.Request) string {
	t, _ := r.Context().Value(tenantKey{}).(string)
	return t
}

func handleSearch(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query().Get("q")
		topK := parseIntParam(r, "top_k", 0, search.MaxTopK)

		results, err := deps.Search.Search(r.Context(), tenantOf(r), q, topK)
		if err != nil {
			writeSearchError(w, err)
			return
		}
		if results == nil {
			results = []search.Result{}
		}
		writeJSON(w, http.StatusOK, results)
	}
}

func handleImage(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		thumb := r.URL.Query().Get("thumb") == "1"

		data, mime, err := deps.Search.Image(r.Context(), tenantOf(r), id, thumb)
		if err != nil {
			writeSearchError(w, err)
			return
		}
		w.Header().Set("Content-Type", mime)
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		w.Header().Set("Cache-Control", "private, max-age=3600")
		w.Write(data)
	}
}

func writeSearchError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, search.ErrEmptyQuery):
		httpError(w, http.StatusBadRequest, "invalid_request_error", "q is required")
	case errors.Is(err, search.ErrNotFound):
		httpError(w, http.StatusNotFound, "not_found", "image not found")
	case errors.Is(err, oracle.ErrNotConfigured):
		httpError(w, http.StatusBadRequest, "not_configured", "oracle not configured: %v", err)
	case errors.Is(err, oracle.ErrUnavailable):
		httpError(w, http.StatusServiceUnavailable, "unavailable", "oracle unavailable, retry later")
	default:
		slog.Error("request failed", "component", "api", "error", err)
		httpError(w, http.StatusInternalServerError, "api_error", "internal error")
	}
}

// SyncRequest optionally overrides the tenant's album selection for one run.
type SyncRequest struct {
	Albums     []string `json:"albums"`
	AlbumPaths []string `json:"album_paths"`
}

func handleSync(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req SyncRequest
		if err := decodeOptionalBody(w, r, &req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		jobID, err := enqueueSync(deps.Store, tenantOf(r), req.Albums, req.AlbumPaths)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to enqueue job: %v", err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{
			"job_id": jobID,
			"status": "queued",
		})
	}
}

func enqueueSync(store *storage.Store, tenant string, albums, paths []string) (string, error) {
	job, err := ingest.NewSyncJob(uuid.New().String(), ingest.SyncPayload{
		TenantID:   tenant,
		Albums:     albums,
		AlbumPaths: paths,
	})
	if err != nil {
		return "", err
	}
	if err := store.EnqueueJob(job); err != nil {
		return "", err
	}
	return job.ID, nil
}

func handleListRuns(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 20, 100)
		runs, err := deps.Store.ListSyncRuns(tenantOf(r), limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list runs: %v", err)
			return
		}
		if runs == nil {
			runs = []storage.SyncRun{}
		}
		writeJSON(w, http.StatusOK, runs)
	}
}

func handleGetSettings(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenant := tenantOf(r)
		ts, err := deps.Store.GetTenantSettings(tenant)
		if errors.Is(err, storage.ErrNotFound) {
			ts = storage.TenantSettings{TenantID: tenant, Albums: []string{}, AlbumPaths: []string{}}
		} else if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get settings: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, ts)
	}
}

func handlePutSettings(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		var req SyncRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		ts := storage.TenantSettings{
			TenantID:   tenantOf(r),
			Albums:     req.Albums,
			AlbumPaths: req.AlbumPaths,
			UpdatedAt:  time.Now().UTC(),
		}
		if err := deps.Store.SaveTenantSettings(ts); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to save settings: %v", err)
			return
		}
		saved, err := deps.Store.GetTenantSettings(ts.TenantID)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to reload settings: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, saved)
	}
}

// JobCounts is the queue depth per job status, across all tenants.
type JobCounts map[string]int

func handleJobCounts(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		counts, err := deps.Store.JobCounts()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to count jobs: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, JobCounts(counts))
	}
}

// CredentialsRequest sets the tenant's photo library token. An empty token
// removes it. The token is never returned by the API.
type CredentialsRequest struct {
	PhotosAccessToken string `json:"photos_access_token"`
}

func handlePutCredentials(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		var req CredentialsRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if err := deps.Store.SetPhotosToken(tenantOf(r), strings.TrimSpace(req.PhotosAccessToken)); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to save credentials: %v", err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// decodeOptionalBody decodes JSON into v; an empty body leaves v untouched.
func decodeOptionalBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
