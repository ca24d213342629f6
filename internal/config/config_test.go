package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	require.Equal(t, "postgres", cfg.DatabaseDriver)
	require.Equal(t, 3, cfg.MaxAttempts)
	require.Equal(t, 5*time.Second, cfg.WorkerPollInterval)
	require.NoError(t, cfg.Validate())
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("DATABASE_DRIVER", "SQLite")
	t.Setenv("MAX_ATTEMPTS", "7")
	t.Setenv("STALE_AFTER", "90s")
	t.Setenv("BLOB_S3_PATH_STYLE", "true")
	t.Setenv("WORKER_CONCURRENCY", "not-a-number")

	cfg := Load()
	require.Equal(t, "sqlite", cfg.DatabaseDriver)
	require.Equal(t, 7, cfg.MaxAttempts)
	require.Equal(t, 90*time.Second, cfg.StaleAfter)
	require.True(t, cfg.BlobS3PathStyle)
	require.Equal(t, 1, cfg.WorkerConcurrency)
}

func TestValidate(t *testing.T) {
	cfg := Load()
	cfg.DatabaseDriver = "mysql"
	cfg.MaxAttempts = 0
	cfg.BlobBackend = "s3"
	cfg.BlobS3Bucket = ""

	err := cfg.Validate()
	require.Error(t, err)
	require.Contains(t, err.Error(), `unknown DATABASE_DRIVER "mysql"`)
	require.Contains(t, err.Error(), "MAX_ATTEMPTS")
	require.Contains(t, err.Error(), "BLOB_S3_BUCKET")
}
