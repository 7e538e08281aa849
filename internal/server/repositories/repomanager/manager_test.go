package repomanager

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/pressly/goose/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrijs2005/gophmsn/internal/common"
	"github.com/dmitrijs2005/gophmsn/internal/dbx"
	"github.com/dmitrijs2005/gophmsn/internal/server/config"
	"github.com/dmitrijs2005/gophmsn/internal/server/models"
	"github.com/dmitrijs2005/gophmsn/internal/server/repositories/users"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		in      string
		kind    Kind
		rest    string
		wantErr bool
	}{
		{in: "users.json", kind: KindFile, rest: "users.json"},
		{in: "file:///var/lib/msn/users.json", kind: KindFile, rest: "/var/lib/msn/users.json"},
		{in: "postgres://u:p@localhost/msn", kind: KindPostgres, rest: "postgres://u:p@localhost/msn"},
		{in: "postgresql://localhost/msn", kind: KindPostgres, rest: "postgresql://localhost/msn"},
		{in: "sqlite:users.db", kind: KindSQLite, rest: "users.db"},
		{in: "s3://bucket/prefix", kind: KindS3, rest: "bucket/prefix"},
		{in: "", wantErr: true},
		{in: "redis://localhost", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			kind, rest, err := Classify(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, common.ErrUnsupportedStore)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.kind, kind)
			assert.Equal(t, tt.rest, rest)
		})
	}
}

func TestOpen_File(t *testing.T) {
	cfg := &config.Config{StoreLocation: filepath.Join(t.TempDir(), "users.json")}

	st, err := Open(context.Background(), cfg)
	require.NoError(t, err)
	defer st.Close()

	_, ok := st.Repository.(*users.FileRepository)
	assert.True(t, ok)
}

func TestOpen_SQLiteMigrates(t *testing.T) {
	ctx := context.Background()
	cfg := &config.Config{StoreLocation: "sqlite:file:repomanager_open?mode=memory&cache=shared"}

	st, err := Open(ctx, cfg)
	require.NoError(t, err)
	defer st.Close()

	require.NoError(t, st.Save(ctx, models.NewUser("alice@example.com", "Alice", "s", "k")))
	got, err := st.Get(ctx, "alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, "Alice", got.Nickname)
}

func TestOpen_PostgresUsesSeams(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	mock.ExpectClose()

	origOpen, origUp := sqlOpen, gooseUpContext
	defer func() { sqlOpen, gooseUpContext = origOpen, origUp }()

	var driver, dir string
	sqlOpen = func(d, dsn string) (*sql.DB, error) {
		driver = d
		return db, nil
	}
	gooseUpContext = func(ctx context.Context, db *sql.DB, d string, opts ...goose.OptionsFunc) error {
		dir = d
		return nil
	}

	st, err := Open(context.Background(), &config.Config{StoreLocation: "postgres://localhost/msn"})
	require.NoError(t, err)
	assert.Equal(t, "pgx", driver)
	assert.Equal(t, "postgres", dir)
	_, ok := st.Repository.(*users.SQLRepository)
	assert.True(t, ok)

	require.NoError(t, st.Close())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRunMigrations_Error(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	orig := gooseUpContext
	gooseUpContext = func(ctx context.Context, db *sql.DB, dir string, opts ...goose.OptionsFunc) error {
		return errors.New("boom")
	}
	defer func() { gooseUpContext = orig }()

	err = RunMigrations(context.Background(), db, dbx.Postgres)
	require.EqualError(t, err, "boom")
}

func TestOpen_S3(t *testing.T) {
	origLoad, origNew := loadDefaultAWSConfig, newS3ClientFromConfig
	defer func() { loadDefaultAWSConfig, newS3ClientFromConfig = origLoad, origNew }()

	var region string
	loadDefaultAWSConfig = func(ctx context.Context, optFns ...func(*awsconfig.LoadOptions) error) (aws.Config, error) {
		var o awsconfig.LoadOptions
		for _, fn := range optFns {
			require.NoError(t, fn(&o))
		}
		region = o.Region
		return aws.Config{Region: o.Region}, nil
	}

	var opts s3.Options
	newS3ClientFromConfig = func(cfg aws.Config, optFns ...func(*s3.Options)) users.S3API {
		for _, fn := range optFns {
			fn(&opts)
		}
		return s3.NewFromConfig(cfg, optFns...)
	}

	cfg := &config.Config{StoreLocation: "s3://msn/users", S3Region: "eu-west-1", S3BaseEndpoint: "http://minio:9000"}
	st, err := Open(context.Background(), cfg)
	require.NoError(t, err)

	assert.Equal(t, "eu-west-1", region)
	assert.Equal(t, "http://minio:9000", aws.ToString(opts.BaseEndpoint))
	assert.True(t, opts.UsePathStyle)
	_, ok := st.Repository.(*users.S3Repository)
	assert.True(t, ok)
	assert.NoError(t, st.Close())
}

func TestOpen_S3Errors(t *testing.T) {
	_, err := Open(context.Background(), &config.Config{StoreLocation: "s3://"})
	assert.ErrorIs(t, err, common.ErrUnsupportedStore)

	orig := loadDefaultAWSConfig
	defer func() { loadDefaultAWSConfig = orig }()
	loadDefaultAWSConfig = func(ctx context.Context, optFns ...func(*awsconfig.LoadOptions) error) (aws.Config, error) {
		return aws.Config{}, errors.New("no creds")
	}
	_, err = Open(context.Background(), &config.Config{StoreLocation: "s3://msn"})
	require.ErrorContains(t, err, "no creds")
}
