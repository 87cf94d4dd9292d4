package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kDuration
	kList
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.host", typ: kString, env: "PHOTOSEARCH_SERVER_HOST",
		apply:   func(cfg *Config, v any) { cfg.Server.Host = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.Host },
	},
	{
		key: "server.port", typ: kInt, env: "PHOTOSEARCH_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.max_connections", typ: kInt, env: "PHOTOSEARCH_SERVER_MAX_CONNECTIONS",
		apply:   func(cfg *Config, v any) { cfg.Server.MaxConnections = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.MaxConnections },
	},
	{
		key: "server.api_token", typ: kString, env: "PHOTOSEARCH_SERVER_API_TOKEN",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.Server.APIToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.APIToken },
	},
	{
		key: "log.level", typ: kString, env: "PHOTOSEARCH_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "tenant.default", typ: kString, env: "PHOTOSEARCH_TENANT_DEFAULT",
		apply:   func(cfg *Config, v any) { cfg.Tenant.Default = v.(string) },
		extract: func(cfg Config) any { return cfg.Tenant.Default },
	},
	{
		key: "tenant.ids", typ: kList, env: "PHOTOSEARCH_TENANT_IDS",
		apply:   func(cfg *Config, v any) { cfg.Tenant.IDs = v.([]string) },
		extract: func(cfg Config) any { return cfg.Tenant.IDs },
	},
	{
		key: "storage.data_dir", typ: kString, env: "PHOTOSEARCH_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "storage.inline_blobs", typ: kBool, env: "PHOTOSEARCH_STORAGE_INLINE_BLOBS",
		apply:   func(cfg *Config, v any) { cfg.Storage.InlineBlobs = v.(bool) },
		extract: func(cfg Config) any { return cfg.Storage.InlineBlobs },
	},
	{
		key: "blob.backend", typ: kString, env: "PHOTOSEARCH_BLOB_BACKEND",
		apply:   func(cfg *Config, v any) { cfg.Blob.Backend = v.(string) },
		extract: func(cfg Config) any { return cfg.Blob.Backend },
	},
	{
		key: "blob.local_dir", typ: kString, env: "PHOTOSEARCH_BLOB_LOCAL_DIR",
		apply:   func(cfg *Config, v any) { cfg.Blob.LocalDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Blob.LocalDir },
	},
	{
		key: "blob.s3_bucket", typ: kString, env: "PHOTOSEARCH_BLOB_S3_BUCKET",
		apply:   func(cfg *Config, v any) { cfg.Blob.S3Bucket = v.(string) },
		extract: func(cfg Config) any { return cfg.Blob.S3Bucket },
	},
	{
		key: "blob.s3_region", typ: kString, env: "PHOTOSEARCH_BLOB_S3_REGION",
		apply:   func(cfg *Config, v any) { cfg.Blob.S3Region = v.(string) },
		extract: func(cfg Config) any { return cfg.Blob.S3Region },
	},
	{
		key: "blob.s3_endpoint", typ: kString, env: "PHOTOSEARCH_BLOB_S3_ENDPOINT",
		apply:   func(cfg *Config, v any) { cfg.Blob.S3Endpoint = v.(string) },
		extract: func(cfg Config) any { return cfg.Blob.S3Endpoint },
	},
	{
		key: "blob.s3_use_path_style", typ: kBool, env: "PHOTOSEARCH_BLOB_S3_USE_PATH_STYLE",
		apply:   func(cfg *Config, v any) { cfg.Blob.S3UsePathStyle = v.(bool) },
		extract: func(cfg Config) any { return cfg.Blob.S3UsePathStyle },
	},
	{
		key: "blob.s3_access_key_id", typ: kString, env: "PHOTOSEARCH_BLOB_S3_ACCESS_KEY_ID",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.Blob.S3AccessKeyID = v.(string) },
		extract: func(cfg Config) any { return cfg.Blob.S3AccessKeyID },
	},
	{
		key: "blob.s3_secret_key", typ: kString, env: "PHOTOSEARCH_BLOB_S3_SECRET_KEY",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.Blob.S3SecretKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Blob.S3SecretKey },
	},
	{
		key: "vector.backend", typ: kString, env: "PHOTOSEARCH_VECTOR_BACKEND",
		apply:   func(cfg *Config, v any) { cfg.Vector.Backend = v.(string) },
		extract: func(cfg Config) any { return cfg.Vector.Backend },
	},
	{
		key: "vector.dimension", typ: kInt, env: "PHOTOSEARCH_VECTOR_DIMENSION",
		apply:   func(cfg *Config, v any) { cfg.Vector.Dimension = v.(int) },
		extract: func(cfg Config) any { return cfg.Vector.Dimension },
	},
	{
		key: "firestore.project_id", typ: kString, env: "PHOTOSEARCH_FIRESTORE_PROJECT_ID",
		apply:   func(cfg *Config, v any) { cfg.Firestore.ProjectID = v.(string) },
		extract: func(cfg Config) any { return cfg.Firestore.ProjectID },
	},
	{
		key: "firestore.credentials_file", typ: kString, env: "PHOTOSEARCH_FIRESTORE_CREDENTIALS_FILE",
		apply:   func(cfg *Config, v any) { cfg.Firestore.CredentialsFile = v.(string) },
		extract: func(cfg Config) any { return cfg.Firestore.CredentialsFile },
	},
	{
		key: "firestore.collection", typ: kString, env: "PHOTOSEARCH_FIRESTORE_COLLECTION",
		apply:   func(cfg *Config, v any) { cfg.Firestore.Collection = v.(string) },
		extract: func(cfg Config) any { return cfg.Firestore.Collection },
	},
	{
		key: "postgres.dsn", typ: kString, env: "PHOTOSEARCH_POSTGRES_DSN",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.Postgres.DSN = v.(string) },
		extract: func(cfg Config) any { return cfg.Postgres.DSN },
	},
	{
		key: "photos.base_url", typ: kString, env: "PHOTOSEARCH_PHOTOS_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Photos.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Photos.BaseURL },
	},
	{
		key: "photos.access_token", typ: kString, env: "PHOTOSEARCH_PHOTOS_ACCESS_TOKEN",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.Photos.AccessToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Photos.AccessToken },
	},
	{
		key: "photos.albums", typ: kList, env: "PHOTOSEARCH_PHOTOS_ALBUMS",
		apply:   func(cfg *Config, v any) { cfg.Photos.Albums = v.([]string) },
		extract: func(cfg Config) any { return cfg.Photos.Albums },
	},
	{
		key: "photos.album_paths", typ: kList, env: "PHOTOSEARCH_PHOTOS_ALBUM_PATHS",
		apply:   func(cfg *Config, v any) { cfg.Photos.AlbumPaths = v.([]string) },
		extract: func(cfg Config) any { return cfg.Photos.AlbumPaths },
	},
	{
		key: "photos.max_download_size", typ: kString, env: "PHOTOSEARCH_PHOTOS_MAX_DOWNLOAD_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Photos.MaxDownloadSize = v.(string) },
		extract: func(cfg Config) any { return cfg.Photos.MaxDownloadSize },
	},
	{
		key: "photos.page_size", typ: kInt, env: "PHOTOSEARCH_PHOTOS_PAGE_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Photos.PageSize = v.(int) },
		extract: func(cfg Config) any { return cfg.Photos.PageSize },
	},
	{
		key: "oracle.backend", typ: kString, env: "PHOTOSEARCH_ORACLE_BACKEND",
		apply:   func(cfg *Config, v any) { cfg.Oracle.Backend = v.(string) },
		extract: func(cfg Config) any { return cfg.Oracle.Backend },
	},
	{
		key: "gemini.api_key", typ: kString, env: "PHOTOSEARCH_GEMINI_API_KEY",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.Gemini.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Gemini.APIKey },
	},
	{
		key: "gemini.base_url", typ: kString, env: "PHOTOSEARCH_GEMINI_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Gemini.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Gemini.BaseURL },
	},
	{
		key: "gemini.describe_model", typ: kString, env: "PHOTOSEARCH_GEMINI_DESCRIBE_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Gemini.DescribeModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Gemini.DescribeModel },
	},
	{
		key: "gemini.embed_model", typ: kString, env: "PHOTOSEARCH_GEMINI_EMBED_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Gemini.EmbedModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Gemini.EmbedModel },
	},
	{
		key: "ollama.base_url", typ: kString, env: "PHOTOSEARCH_OLLAMA_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.BaseURL },
	},
	{
		key: "ollama.vision_model", typ: kString, env: "PHOTOSEARCH_OLLAMA_VISION_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.VisionModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.VisionModel },
	},
	{
		key: "ollama.embed_model", typ: kString, env: "PHOTOSEARCH_OLLAMA_EMBED_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.EmbedModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.EmbedModel },
	},
	{
		key: "thumbnail.max_size", typ: kInt, env: "PHOTOSEARCH_THUMBNAIL_MAX_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Thumbnail.MaxSize = v.(int) },
		extract: func(cfg Config) any { return cfg.Thumbnail.MaxSize },
	},
	{
		key: "thumbnail.quality", typ: kInt, env: "PHOTOSEARCH_THUMBNAIL_QUALITY",
		apply:   func(cfg *Config, v any) { cfg.Thumbnail.Quality = v.(int) },
		extract: func(cfg Config) any { return cfg.Thumbnail.Quality },
	},
	{
		key: "search.top_k", typ: kInt, env: "PHOTOSEARCH_SEARCH_TOP_K",
		apply:   func(cfg *Config, v any) { cfg.Search.TopK = v.(int) },
		extract: func(cfg Config) any { return cfg.Search.TopK },
	},
	{
		key: "search.cache_size", typ: kInt, env: "PHOTOSEARCH_SEARCH_CACHE_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Search.CacheSize = v.(int) },
		extract: func(cfg Config) any { return cfg.Search.CacheSize },
	},
	{
		key: "ingest.poll_interval", typ: kDuration, env: "PHOTOSEARCH_INGEST_POLL_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Ingest.PollInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Ingest.PollInterval },
	},
	{
		key: "ingest.parallel_tenants", typ: kInt, env: "PHOTOSEARCH_INGEST_PARALLEL_TENANTS",
		apply:   func(cfg *Config, v any) { cfg.Ingest.ParallelTenants = v.(int) },
		extract: func(cfg Config) any { return cfg.Ingest.ParallelTenants },
	},
}

// parse converts a raw string to the key's type. Lists are comma-separated.
func (s keySpec) parse(raw string) (any, error) {
	switch s.typ {
	case kString:
		return raw, nil
	case kInt:
		return strconv.Atoi(strings.TrimSpace(raw))
	case kBool:
		return strconv.ParseBool(strings.TrimSpace(raw))
	case kDuration:
		return time.ParseDuration(strings.TrimSpace(raw))
	case kList:
		return splitList(raw), nil
	}
	return nil, fmt.Errorf("unsupported key type %d", s.typ)
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kList:
			v, ok, err := b.GetStrings(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		default:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if !ok || (v == "" && s.typ != kString) {
				continue
			}
			parsed, err := s.parse(v)
			if err != nil {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse config key %s=%q: %v. Using default value.\n", s.key, v, err)
				continue
			}
			s.apply(cfg, parsed)
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := s.parse(raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
}
