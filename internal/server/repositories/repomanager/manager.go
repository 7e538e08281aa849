// Package repomanager opens the user store named by the configured store
// location and runs the schema migrations of SQL backends.
//
// Location forms:
//
//	users.json, file:users.json     JSON document on disk
//	postgres://..., postgresql://... PostgreSQL through pgx
//	sqlite:users.db                  SQLite through modernc.org/sqlite
//	s3://bucket/prefix               one S3 object per user
package repomanager

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/dmitrijs2005/gophmsn/internal/common"
	"github.com/dmitrijs2005/gophmsn/internal/dbx"
	"github.com/dmitrijs2005/gophmsn/internal/server/config"
	"github.com/dmitrijs2005/gophmsn/internal/server/migrations"
	"github.com/dmitrijs2005/gophmsn/internal/server/repositories/users"
)

var (
	// gooseUpContext is a seam for testing goose.UpContext.
	gooseUpContext = func(ctx context.Context, db *sql.DB, dir string, opts ...goose.OptionsFunc) error {
		return goose.UpContext(ctx, db, dir, opts...)
	}

	sqlOpen = sql.Open

	loadDefaultAWSConfig = awsconfig.LoadDefaultConfig

	newS3ClientFromConfig = func(cfg aws.Config, optFns ...func(*s3.Options)) users.S3API {
		return s3.NewFromConfig(cfg, optFns...)
	}
)

// Store is an opened user repository together with whatever must be
// released when the server stops.
type Store struct {
	users.Repository
	db *sql.DB
}

// Close releases the database handle of SQL backends.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Kind classifies a store location.
type Kind int

const (
	KindFile Kind = iota
	KindPostgres
	KindSQLite
	KindS3
)

// Classify splits a store location into its kind and the backend specific
// remainder (path, DSN or bucket/prefix).
func Classify(location string) (Kind, string, error) {
	switch {
	case location == "":
		return 0, "", fmt.Errorf("%w: empty location", common.ErrUnsupportedStore)
	case strings.HasPrefix(location, "postgres://"), strings.HasPrefix(location, "postgresql://"):
		return KindPostgres, location, nil
	case strings.HasPrefix(location, "sqlite:"):
		return KindSQLite, strings.TrimPrefix(strings.TrimPrefix(location, "sqlite:"), "//"), nil
	case strings.HasPrefix(location, "s3://"):
		return KindS3, strings.TrimPrefix(location, "s3://"), nil
	case strings.HasPrefix(location, "file:"):
		return KindFile, strings.TrimPrefix(strings.TrimPrefix(location, "file:"), "//"), nil
	case strings.Contains(location, "://"):
		return 0, "", fmt.Errorf("%w: %s", common.ErrUnsupportedStore, location)
	}
	return KindFile, location, nil
}

// Open opens the store named by cfg.StoreLocation. SQL stores are migrated
// to the latest schema before use.
func Open(ctx context.Context, cfg *config.Config) (*Store, error) {
	kind, rest, err := Classify(cfg.StoreLocation)
	if err != nil {
		return nil, err
	}

	switch kind {
	case KindPostgres:
		return openSQL(ctx, "pgx", rest, dbx.Postgres)
	case KindSQLite:
		return openSQL(ctx, "sqlite", rest, dbx.SQLite)
	case KindS3:
		return openS3(ctx, cfg, rest)
	}

	repo, err := users.NewFileRepository(rest)
	if err != nil {
		return nil, err
	}
	return &Store{Repository: repo}, nil
}

func openSQL(ctx context.Context, driver, dsn string, dialect dbx.Dialect) (*Store, error) {
	db, err := sqlOpen(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("db init error: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("db init error: %w", err)
	}
	if err := RunMigrations(ctx, db, dialect); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}
	return &Store{Repository: users.NewSQLRepository(db, dialect), db: db}, nil
}

// RunMigrations sets up goose with the embedded migrations of the dialect
// and runs them against the provided database connection.
func RunMigrations(ctx context.Context, db *sql.DB, dialect dbx.Dialect) error {
	goose.SetBaseFS(migrations.Migrations)

	gooseDialect := "pgx"
	if dialect == dbx.SQLite {
		gooseDialect = "sqlite3"
	}
	if err := goose.SetDialect(gooseDialect); err != nil {
		return err
	}
	return gooseUpContext(ctx, db, string(dialect))
}

func openS3(ctx context.Context, c *config.Config, rest string) (*Store, error) {
	bucket, prefix, _ := strings.Cut(rest, "/")
	if bucket == "" {
		return nil, fmt.Errorf("%w: s3 location needs a bucket", common.ErrUnsupportedStore)
	}

	cfg, err := loadDefaultAWSConfig(ctx,
		awsconfig.WithRegion(c.S3Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			c.S3RootUser,
			c.S3RootPassword,
			"",
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("aws config: %w", err)
	}

	client := newS3ClientFromConfig(cfg, func(o *s3.Options) {
		if c.S3BaseEndpoint != "" {
			o.BaseEndpoint = aws.String(c.S3BaseEndpoint)
		}
		o.UsePathStyle = true
	})
	return &Store{Repository: users.NewS3Repository(client, bucket, prefix)}, nil
}
