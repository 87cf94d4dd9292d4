package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

type Config struct {
	Server    ServerConfig
	Log       LogConfig
	Tenant    TenantConfig
	Storage   StorageConfig
	Blob      BlobConfig
	Vector    VectorConfig
	Firestore FirestoreConfig
	Postgres  PostgresConfig
	Photos    PhotosConfig
	Oracle    OracleConfig
	Gemini    GeminiConfig
	Ollama    OllamaConfig
	Thumbnail ThumbnailConfig
	Search    SearchConfig
	Ingest    IngestConfig
}

type ServerConfig struct {
	Host     string
	Port     int
	APIToken string

	// MaxConnections caps concurrently accepted connections; 0 means no cap.
	MaxConnections int
}

type LogConfig struct {
	Level string
}

type TenantConfig struct {
	Default string
	IDs     []string
}

type StorageConfig struct {
	DataDir     string
	InlineBlobs bool
}

type BlobConfig struct {
	Backend        string
	LocalDir       string
	S3Bucket       string
	S3Region       string
	S3Endpoint     string
	S3UsePathStyle bool
	S3AccessKeyID  string
	S3SecretKey    string
}

type VectorConfig struct {
	Backend   string
	Dimension int
}

type FirestoreConfig struct {
	ProjectID       string
	CredentialsFile string
	Collection      string
}

type PostgresConfig struct {
	DSN string
}

type PhotosConfig struct {
	BaseURL         string
	AccessToken     string
	Albums          []string
	AlbumPaths      []string
	MaxDownloadSize string
	PageSize        int
}

type OracleConfig struct {
	Backend string
}

type GeminiConfig struct {
	APIKey        string
	BaseURL       string
	DescribeModel string
	EmbedModel    string
}

type OllamaConfig struct {
	BaseURL     string
	VisionModel string
	EmbedModel  string
}

type ThumbnailConfig struct {
	MaxSize int
	Quality int
}

type SearchConfig struct {
	TopK      int
	CacheSize int
}

type IngestConfig struct {
	PollInterval    time.Duration
	ParallelTenants int
}

func defaults() Config {
	dataDir := defaultDataDir()
	return Config{
		Server: ServerConfig{
			Host:           "127.0.0.1",
			Port:           5057,
			MaxConnections: 256,
		},
		Log: LogConfig{Level: "info"},
		Tenant: TenantConfig{
			Default: "default",
		},
		Storage: StorageConfig{
			DataDir: dataDir,
		},
		Blob: BlobConfig{
			Backend:  "local",
			S3Region: "us-east-1",
		},
		Vector: VectorConfig{Backend: "sqlite"},
		Firestore: FirestoreConfig{
			Collection: "images",
		},
		Photos: PhotosConfig{
			BaseURL:         "https://photoslibrary.googleapis.com/v1",
			MaxDownloadSize: "w2048-h2048",
			PageSize:        100,
		},
		Oracle: OracleConfig{Backend: "gemini"},
		Gemini: GeminiConfig{
			BaseURL:       "https://generativelanguage.googleapis.com/v1beta",
			DescribeModel: "gemini-1.5-flash-latest",
			EmbedModel:    "text-embedding-004",
		},
		Ollama: OllamaConfig{
			BaseURL:     "http://localhost:11434",
			VisionModel: "llava",
			EmbedModel:  "nomic-embed-text",
		},
		Thumbnail: ThumbnailConfig{MaxSize: 320, Quality: 85},
		Search:    SearchConfig{TopK: 20, CacheSize: 256},
		Ingest: IngestConfig{
			PollInterval:    500 * time.Millisecond,
			ParallelTenants: 2,
		},
	}
}

// Load reads configuration from the YAML config file and then applies
// PHOTOSEARCH_* environment overrides. Secrets are only read from the
// environment.
//
// The file lives at $XDG_CONFIG_HOME/photosearch/config.yaml unless
// PHOTOSEARCH_CONFIG names another path. Missing credentials do not fail
// Load; the operations needing them report "not configured".
func Load() (Config, error) {
	return loadWith(newFileBackend(configFilePath()))
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.Vector.Backend {
	case "sqlite", "firestore", "postgres":
	default:
		return fmt.Errorf("invalid vector.backend %q: want sqlite, firestore, or postgres", c.Vector.Backend)
	}
	if c.Vector.Backend == "firestore" && c.Storage.InlineBlobs {
		// Firestore documents are capped at 1 MiB, smaller than most photos.
		return fmt.Errorf("storage.inline_blobs cannot be used with vector.backend firestore; use blob.backend local or s3")
	}
	switch c.Blob.Backend {
	case "local", "s3":
	default:
		return fmt.Errorf("invalid blob.backend %q: want local or s3", c.Blob.Backend)
	}
	switch c.Oracle.Backend {
	case "gemini", "ollama":
	default:
		return fmt.Errorf("invalid oracle.backend %q: want gemini or ollama", c.Oracle.Backend)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port %d", c.Server.Port)
	}
	if c.Server.MaxConnections < 0 {
		return fmt.Errorf("invalid server.max_connections %d", c.Server.MaxConnections)
	}
	if c.Vector.Dimension < 0 {
		return fmt.Errorf("invalid vector.dimension %d", c.Vector.Dimension)
	}
	if strings.TrimSpace(c.Tenant.Default) == "" {
		return fmt.Errorf("tenant.default must not be empty")
	}
	return nil
}

// Tenants returns the tenants a full sync covers: tenant.ids when set,
// otherwise just the default tenant.
func (c Config) Tenants() []string {
	if len(c.Tenant.IDs) > 0 {
		return c.Tenant.IDs
	}
	return []string{c.Tenant.Default}
}

// BlobDir is blob.local_dir, or a "blobs" directory under the data dir.
func (c Config) BlobDir() string {
	if c.Blob.LocalDir != "" {
		return c.Blob.LocalDir
	}
	return filepath.Join(c.Storage.DataDir, "blobs")
}

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return "photosearch-data"
		}
	}
	return filepath.Join(dir, "photosearch")
}

func configFilePath() string {
	if p := os.Getenv("PHOTOSEARCH_CONFIG"); p != "" {
		return p
	}
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".config")
		} else {
			dir = "."
		}
	}
	return filepath.Join(dir, "photosearch", "config.yaml")
}
