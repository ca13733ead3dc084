//go:build integration

// Package containers provides testcontainers-go helpers for integration
// testing against the server's real backing stores: PostgreSQL for user
// records, Redis for the revoked-token list, and MinIO for avatars.
//
// All helpers are gated behind the "integration" build tag so they do
// not pull Docker-related dependencies into unit test builds. Use them
// exclusively from test files carrying the same tag. Every Start*
// function returns a *Result struct whose container the caller must
// terminate:
//
//	result, err := containers.StartPostgres(ctx)
//	if err != nil { ... }
//	defer result.Container.Terminate(ctx)
package containers

import (
	"context"
	"fmt"

	tcminio "github.com/testcontainers/testcontainers-go/modules/minio"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
)

// DefaultPostgresImage is the container image for PostgreSQL
// integration tests. Alpine variant for small size and fast startup.
const DefaultPostgresImage = "docker.io/postgres:16-alpine"

// DefaultPostgresDatabase is the database created inside the container.
const DefaultPostgresDatabase = "kazokunote_test"

// DefaultPostgresUser is the superuser name for the container.
const DefaultPostgresUser = "testuser"

// DefaultPostgresPassword is the password for the test superuser. A
// deliberately weak credential for ephemeral test containers only.
const DefaultPostgresPassword = "testpassword"

// PostgresResult holds a started PostgreSQL container and the
// connection string for it.
type PostgresResult struct {
	Container *tcpostgres.PostgresContainer

	// ConnString is a PostgreSQL URI with sslmode=disable, ready for
	// pgxpool.New.
	ConnString string
}

// StartPostgres starts a PostgreSQL 16 container and waits for it to
// accept connections.
func StartPostgres(ctx context.Context) (*PostgresResult, error) {
	container, err := tcpostgres.Run(ctx,
		DefaultPostgresImage,
		tcpostgres.WithDatabase(DefaultPostgresDatabase),
		tcpostgres.WithUsername(DefaultPostgresUser),
		tcpostgres.WithPassword(DefaultPostgresPassword),
		tcpostgres.BasicWaitStrategies(),
	)
	if err != nil {
		return nil, fmt.Errorf("containers: failed to start postgres container: %w", err)
	}

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("containers: failed to get connection string: %w", err)
	}

	return &PostgresResult{Container: container, ConnString: connStr}, nil
}

// DefaultRedisImage is the container image for Redis integration tests.
const DefaultRedisImage = "docker.io/redis:7-alpine"

// RedisResult holds a started Redis container and its connection
// string.
type RedisResult struct {
	Container *tcredis.RedisContainer

	// ConnString is a Redis URI (e.g. "redis://localhost:55679/0"),
	// ready for redis.ParseURL.
	ConnString string
}

// StartRedis starts a Redis 7 container without authentication.
func StartRedis(ctx context.Context) (*RedisResult, error) {
	container, err := tcredis.Run(ctx, DefaultRedisImage)
	if err != nil {
		return nil, fmt.Errorf("containers: failed to start redis container: %w", err)
	}

	connStr, err := container.ConnectionString(ctx)
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("containers: failed to get redis connection string: %w", err)
	}

	return &RedisResult{Container: container, ConnString: connStr}, nil
}

// DefaultMinIOImage is the container image for MinIO integration tests.
const DefaultMinIOImage = "docker.io/minio/minio:latest"

// DefaultMinIOAccessKey is the root access key for the MinIO container.
const DefaultMinIOAccessKey = "minioadmin"

// DefaultMinIOSecretKey is the root secret key for the MinIO container.
const DefaultMinIOSecretKey = "minioadmin"

// MinIOResult holds a started MinIO container and its connection
// details.
type MinIOResult struct {
	Container *tcminio.MinioContainer

	// Endpoint is the MinIO API endpoint (e.g. "localhost:55680").
	Endpoint string

	AccessKey string
	SecretKey string
}

// StartMinIO starts a MinIO container with root credentials.
func StartMinIO(ctx context.Context) (*MinIOResult, error) {
	container, err := tcminio.Run(ctx,
		DefaultMinIOImage,
		tcminio.WithUsername(DefaultMinIOAccessKey),
		tcminio.WithPassword(DefaultMinIOSecretKey),
	)
	if err != nil {
		return nil, fmt.Errorf("containers: failed to start minio container: %w", err)
	}

	connStr, err := container.ConnectionString(ctx)
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("containers: failed to get minio connection string: %w", err)
	}

	return &MinIOResult{
		Container: container,
		Endpoint:  connStr,
		AccessKey: DefaultMinIOAccessKey,
		SecretKey: DefaultMinIOSecretKey,
	}, nil
}
