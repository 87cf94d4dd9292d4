package vectorstore

import (
	"context"
	"database/sql"
	"fmt"

	"cloud.google.com/go/firestore"
	"github.com/jackc/pgx/v5/pgxpool"
	"google.golang.org/api/option"
)

// Backend names accepted by Open.
const (
	BackendSQLite    = "sqlite"
	BackendFirestore = "firestore"
	BackendPostgres  = "postgres"
)

// Options selects and configures a backend.
type Options struct {
	Backend   string
	Dimension int

	// SQLite shares the application database.
	SQLite *sql.DB

	FirestoreProject     string
	FirestoreCredentials string
	FirestoreCollection  string

	PostgresDSN string
}

// Open constructs the configured backend. The returned close function
// releases backend-owned connections; it never closes the shared SQLite handle.
func Open(ctx context.Context, opts Options) (Store, func() error, error) {
	switch opts.Backend {
	case "", BackendSQLite:
		if opts.SQLite == nil {
			return nil, nil, fmt.Errorf("sqlite backend requires a database handle")
		}
		return NewSQLiteStore(opts.SQLite, opts.Dimension), func() error { return nil }, nil

	case BackendFirestore:
		if opts.FirestoreProject == "" {
			return nil, nil, fmt.Errorf("firestore backend requires firestore.project_id")
		}
		var copts []option.ClientOption
		if opts.FirestoreCredentials != "" {
			copts = append(copts, option.WithCredentialsFile(opts.FirestoreCredentials))
		}
		client, err := firestore.NewClient(ctx, opts.FirestoreProject, copts...)
		if err != nil {
			return nil, nil, fmt.Errorf("creating firestore client: %w", err)
		}
		return NewFirestoreStore(client, opts.FirestoreCollection, opts.Dimension), client.Close, nil

	case BackendPostgres:
		if opts.PostgresDSN == "" {
			return nil, nil, fmt.Errorf("postgres backend requires postgres.dsn")
		}
		pool, err := pgxpool.New(ctx, opts.PostgresDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("connecting to postgres: %w", err)
		}
		s := NewPostgresStore(pool, opts.Dimension)
		if err := s.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return s, func() error { pool.Close(); return nil }, nil

	default:
		return nil, nil, fmt.Errorf("unknown vector backend %q", opts.Backend)
	}
}
