package bootstrap

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv("MEDIA_BUCKET", "media")

	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, "media", cfg.ArchiveBucket, "archives default to the media bucket")
	assert.Equal(t, "media", cfg.GeometryBucket)
	assert.Equal(t, "geometries_vtp", cfg.GeometryPrefix)
	assert.Equal(t, 7, cfg.ArchiveCleanupDays)
	assert.Equal(t, 30, cfg.TrashedObjectsCleanupDays)
	assert.True(t, cfg.DeleteFolderAfterZip)
	assert.Equal(t, 8, cfg.DownloadWorkers)
	assert.Equal(t, 4, cfg.SessionWorkers)
	assert.False(t, cfg.EnablePublish)
	assert.Equal(t, ":8080", cfg.HTTPAddr)

	ec := cfg.ExportConfig()
	assert.Equal(t, 7*24*time.Hour, ec.ArchiveRetention)
	assert.Equal(t, 30*24*time.Hour, ec.TrashRetention)
}

func TestLoadConfig_FileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mocap.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
media_bucket: from-file
archive_bucket: archives
download_workers: 2
delete_folder_after_zip: false
`), 0o644))
	t.Setenv("DOWNLOAD_WORKERS", "16")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "from-file", cfg.MediaBucket)
	assert.Equal(t, "archives", cfg.ArchiveBucket)
	assert.Equal(t, 16, cfg.DownloadWorkers, "environment wins over the file")
	assert.False(t, cfg.DeleteFolderAfterZip)
	assert.Equal(t, 16, cfg.ArchiveConfig().DownloadWorkers)
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestConfigValidate(t *testing.T) {
	err := (&Config{}).Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DATABASE_DSN")
	assert.Contains(t, err.Error(), "MEDIA_BUCKET")

	assert.NoError(t, (&Config{DatabaseDSN: "postgres://x", MediaBucket: "m"}).Validate())
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"WARN":  slog.LevelWarn,
		"error": slog.LevelError,
		"":      slog.LevelInfo,
		"loud":  slog.LevelInfo,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in), in)
	}
}

func TestComponentHandler(t *testing.T) {
	var buf bytes.Buffer
	base := slog.NewJSONHandler(&buf, GetSlogHandlerOptions(slog.LevelInfo))
	logger := slog.New(&ComponentHandler{Handler: base}).With("component", "archive")

	logger.InfoContext(context.Background(), "built", "files", 3)

	var rec map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "[archive] built", rec["message"])
	assert.Equal(t, "INFO", rec["severity"])
	assert.Equal(t, float64(3), rec["files"])
}
