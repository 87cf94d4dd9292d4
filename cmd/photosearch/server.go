package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/cobra"
	"golang.org/x/net/netutil"

	"github.com/sourcebruh/photosearch/internal/api"
	"github.com/sourcebruh/photosearch/internal/blob"
	"github.com/sourcebruh/photosearch/internal/config"
	"github.com/sourcebruh/photosearch/internal/ingest"
	"github.com/sourcebruh/photosearch/internal/ledger"
	"github.com/sourcebruh/photosearch/internal/oracle"
	"github.com/sourcebruh/photosearch/internal/photos"
	"github.com/sourcebruh/photosearch/internal/search"
	"github.com/sourcebruh/photosearch/internal/storage"
	"github.com/sourcebruh/photosearch/internal/vectorstore"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the ingestion worker (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

func setupLogging(level string) {
	logLevel := slog.LevelInfo
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn", "warning":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))
}

// app holds the process-wide collaborators, built once and passed down.
type app struct {
	cfg     config.Config
	store   *storage.Store
	vectors vectorstore.Store
	blobs   blob.Store
	oracle  oracle.Oracle
	search  *search.Service
	syncer  *ingest.Syncer

	closeVectors func() error
}

func openApp(ctx context.Context, cfg config.Config) (*app, error) {
	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}
	a := &app{cfg: cfg, store: store}

	vectors, closeVectors, err := vectorstore.Open(ctx, vectorstore.Options{
		Backend:              cfg.Vector.Backend,
		Dimension:            cfg.Vector.Dimension,
		SQLite:               store.DB(),
		FirestoreProject:     cfg.Firestore.ProjectID,
		FirestoreCredentials: cfg.Firestore.CredentialsFile,
		FirestoreCollection:  cfg.Firestore.Collection,
		PostgresDSN:          cfg.Postgres.DSN,
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("opening vector store: %w", err)
	}
	a.vectors, a.closeVectors = vectors, closeVectors

	if !cfg.Storage.InlineBlobs {
		a.blobs, err = blob.Open(ctx, blob.Options{
			Backend:        cfg.Blob.Backend,
			LocalDir:       cfg.BlobDir(),
			S3Bucket:       cfg.Blob.S3Bucket,
			S3Region:       cfg.Blob.S3Region,
			S3Endpoint:     cfg.Blob.S3Endpoint,
			S3UsePathStyle: cfg.Blob.S3UsePathStyle,
			S3AccessKeyID:  cfg.Blob.S3AccessKeyID,
			S3SecretKey:    cfg.Blob.S3SecretKey,
		})
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("opening blob store: %w", err)
		}
	}

	a.oracle, err = oracle.New(oracle.Options{
		Backend:             cfg.Oracle.Backend,
		GeminiAPIKey:        cfg.Gemini.APIKey,
		GeminiBaseURL:       cfg.Gemini.BaseURL,
		GeminiDescribeModel: cfg.Gemini.DescribeModel,
		GeminiEmbedModel:    cfg.Gemini.EmbedModel,
		OllamaBaseURL:       cfg.Ollama.BaseURL,
		OllamaVisionModel:   cfg.Ollama.VisionModel,
		OllamaEmbedModel:    cfg.Ollama.EmbedModel,
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	var searchBlobs search.Blobs
	if a.blobs != nil {
		searchBlobs = a.blobs
	}
	a.search, err = search.New(vectors, a.oracle, searchBlobs, cfg.Search.TopK, cfg.Search.CacheSize)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("building search: %w", err)
	}

	sources, err := photos.NewPool(cfg.Photos.BaseURL, cfg.Photos.PageSize,
		ingest.TenantTokens(store, cfg.Tenant.Default, cfg.Photos.AccessToken))
	if err != nil {
		a.Close()
		return nil, err
	}
	pipeline := ingest.New(sources, a.oracle, vectors, ledger.New(vectors, store), a.blobs, ingest.Options{
		DownloadSize: cfg.Photos.MaxDownloadSize,
		ThumbMaxSize: cfg.Thumbnail.MaxSize,
		ThumbQuality: cfg.Thumbnail.Quality,
		InlineBlobs:  cfg.Storage.InlineBlobs,
	})
	a.syncer = ingest.NewSyncer(pipeline, store, photos.Selection{
		Titles: cfg.Photos.Albums,
		Paths:  cfg.Photos.AlbumPaths,
	})
	return a, nil
}

func (a *app) Close() {
	if a.closeVectors != nil {
		if err := a.closeVectors(); err != nil {
			slog.Warn("closing vector store", "error", err)
		}
	}
	if err := a.store.Close(); err != nil {
		slog.Warn("closing storage", "error", err)
	}
}

// ensureOracleReady pulls the local models when the Ollama backend is used.
func ensureOracleReady(ctx context.Context, cfg config.Config) error {
	if cfg.Oracle.Backend != oracle.BackendOllama {
		return nil
	}
	o := oracle.NewOllama(cfg.Ollama.BaseURL, cfg.Ollama.VisionModel, cfg.Ollama.EmbedModel)
	return o.EnsureReady(ctx, os.Stderr)
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "photosearch version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	setupLogging(cfg.Log.Level)

	if cfg.Server.APIToken == "" {
		return fmt.Errorf("server.api_token is not set (export PHOTOSEARCH_SERVER_API_TOKEN)")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := ensureOracleReady(ctx, cfg); err != nil {
		return err
	}

	a, err := openApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	if a.blobs != nil {
		if err := a.blobs.Health(ctx); err != nil {
			slog.Warn("blob store not healthy", "backend", cfg.Blob.Backend, "error", err)
		}
	}

	// Jobs left running by a previous process are re-queued.
	if n, err := a.store.ResetRunningJobs(); err != nil {
		return fmt.Errorf("resetting running jobs: %w", err)
	} else if n > 0 {
		slog.Info("re-queued interrupted sync jobs", "count", n)
	}

	router := chi.NewRouter()
	router.Mount("/", api.NewHandler(api.Deps{
		Store:         a.store,
		Search:        a.search,
		Token:         cfg.Server.APIToken,
		DefaultTenant: cfg.Tenant.Default,
	}))

	addr := net.JoinHostPort(cfg.Server.Host, fmt.Sprint(cfg.Server.Port))
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	worker := ingest.NewWorker(a.store, a.syncer, cfg.Ingest.PollInterval)
	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		worker.Run(ctx)
	}()

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		stop()
		<-workerDone
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	if cfg.Server.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, cfg.Server.MaxConnections)
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("photosearch listening", "addr", addr, "vector_backend", cfg.Vector.Backend, "oracle_backend", cfg.Oracle.Backend)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			stop()
			<-workerDone
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = srv.Shutdown(shutdownCtx)
	stop()
	<-workerDone
	return err
}
