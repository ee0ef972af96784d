package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"github.com/spf13/viper"

	shared "github.com/capturelab/mocap-server/pkg"
	"github.com/capturelab/mocap-server/pkg/archive"
	"github.com/capturelab/mocap-server/pkg/domain/trial"
	"github.com/capturelab/mocap-server/pkg/export"
	"github.com/capturelab/mocap-server/pkg/infrastructure/database"
	infrapubsub "github.com/capturelab/mocap-server/pkg/infrastructure/pubsub"
	"github.com/capturelab/mocap-server/pkg/infrastructure/sentry"
	infrastorage "github.com/capturelab/mocap-server/pkg/infrastructure/storage"
	"github.com/capturelab/mocap-server/pkg/scheduler"
)

// Config holds standard configuration for all services
type Config struct {
	ProjectID   string
	Environment string
	LogLevel    string

	DatabaseDSN        string
	DatabaseAttempts   int
	AutoMigrate        bool
	LocalStorageRoot   string
	MediaBucket        string
	ArchiveBucket      string
	GeometryBucket     string
	GeometryPrefix     string
	ScratchDir         string
	GeometryCacheDir   string
	MediaBaseURL       string
	HostURL            string
	EnablePublish      bool
	ExportTopic        string
	SentryDSN          string
	HTTPAddr           string

	ArchiveCleanupDays        int
	TrashedObjectsCleanupDays int
	DeleteFolderAfterZip      bool
	DownloadWorkers           int
	SessionWorkers            int
}

var defaults = map[string]interface{}{
	"GOOGLE_CLOUD_PROJECT":         shared.ProjectID,
	"ENVIRONMENT":                  "development",
	"LOG_LEVEL":                    "info",
	"DATABASE_ATTEMPTS":            5,
	"AUTO_MIGRATE":                 false,
	"GEOMETRY_PREFIX":              "geometries_vtp",
	"SCRATCH_DIR":                  os.TempDir() + "/mocap-archives",
	"GEOMETRY_CACHE_DIR":           os.TempDir() + "/mocap-geometry",
	"ENABLE_PUBLISH":               false,
	"EXPORT_TOPIC":                 shared.TopicArchiveExport,
	"HTTP_ADDR":                    ":8080",
	"ARCHIVE_CLEANUP_DAYS":         7,
	"TRASHED_OBJECTS_CLEANUP_DAYS": 30,
	"DELETE_FOLDER_AFTER_ZIP":      true,
	"DOWNLOAD_WORKERS":             8,
	"SESSION_WORKERS":              4,
}

// LoadConfig reads configuration from environment variables, overlaid on
// an optional config file.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := &Config{
		ProjectID:                 v.GetString("GOOGLE_CLOUD_PROJECT"),
		Environment:               v.GetString("ENVIRONMENT"),
		LogLevel:                  v.GetString("LOG_LEVEL"),
		DatabaseDSN:               v.GetString("DATABASE_DSN"),
		DatabaseAttempts:          v.GetInt("DATABASE_ATTEMPTS"),
		AutoMigrate:               v.GetBool("AUTO_MIGRATE"),
		LocalStorageRoot:          v.GetString("LOCAL_STORAGE_ROOT"),
		MediaBucket:               v.GetString("MEDIA_BUCKET"),
		ArchiveBucket:             v.GetString("ARCHIVE_BUCKET"),
		GeometryBucket:            v.GetString("GEOMETRY_BUCKET"),
		GeometryPrefix:            v.GetString("GEOMETRY_PREFIX"),
		ScratchDir:                v.GetString("SCRATCH_DIR"),
		GeometryCacheDir:          v.GetString("GEOMETRY_CACHE_DIR"),
		MediaBaseURL:              v.GetString("MEDIA_BASE_URL"),
		HostURL:                   v.GetString("HOST_URL"),
		EnablePublish:             v.GetBool("ENABLE_PUBLISH"),
		ExportTopic:               v.GetString("EXPORT_TOPIC"),
		SentryDSN:                 v.GetString("SENTRY_DSN"),
		HTTPAddr:                  v.GetString("HTTP_ADDR"),
		ArchiveCleanupDays:        v.GetInt("ARCHIVE_CLEANUP_DAYS"),
		TrashedObjectsCleanupDays: v.GetInt("TRASHED_OBJECTS_CLEANUP_DAYS"),
		DeleteFolderAfterZip:      v.GetBool("DELETE_FOLDER_AFTER_ZIP"),
		DownloadWorkers:           v.GetInt("DOWNLOAD_WORKERS"),
		SessionWorkers:            v.GetInt("SESSION_WORKERS"),
	}
	if cfg.ArchiveBucket == "" {
		cfg.ArchiveBucket = cfg.MediaBucket
	}
	if cfg.GeometryBucket == "" {
		cfg.GeometryBucket = cfg.MediaBucket
	}
	return cfg, nil
}

// Validate reports settings without which a service cannot start.
func (c *Config) Validate() error {
	var missing []string
	if c.DatabaseDSN == "" {
		missing = append(missing, "DATABASE_DSN")
	}
	if c.MediaBucket == "" {
		missing = append(missing, "MEDIA_BUCKET")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing configuration: %s", strings.Join(missing, ", "))
	}
	return nil
}

func (c *Config) ArchiveConfig() archive.Config {
	return archive.Config{
		MediaBucket:      c.MediaBucket,
		GeometryBucket:   c.GeometryBucket,
		GeometryPrefix:   c.GeometryPrefix,
		GeometryCacheDir: c.GeometryCacheDir,
		DownloadWorkers:  c.DownloadWorkers,
		SessionWorkers:   c.SessionWorkers,
	}
}

func (c *Config) ExportConfig() export.Config {
	return export.Config{
		ScratchDir:           c.ScratchDir,
		ArchiveBucket:        c.ArchiveBucket,
		Topic:                c.ExportTopic,
		DeleteFolderAfterZip: c.DeleteFolderAfterZip,
		ArchiveRetention:     time.Duration(c.ArchiveCleanupDays) * 24 * time.Hour,
		TrashRetention:       time.Duration(c.TrashedObjectsCleanupDays) * 24 * time.Hour,
	}
}

// Service holds initialized dependencies
type Service struct {
	DB     shared.Database
	Store  shared.BlobStore
	Pub    shared.Publisher
	Config *Config
	Logger *slog.Logger

	Trials    *trial.Service
	Scheduler *scheduler.Scheduler
	Archives  *archive.Builder
	Exports   *export.Pipeline

	closers []func() error
}

// GetSlogHandlerOptions returns standard handler options for GCP
func GetSlogHandlerOptions(level slog.Level) *slog.HandlerOptions {
	return &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			// Map standard keys to Cloud Logging keys
			if a.Key == slog.MessageKey {
				return slog.Attr{Key: "message", Value: a.Value}
			}
			if a.Key == slog.LevelKey {
				return slog.Attr{Key: "severity", Value: a.Value}
			}
			return a
		},
	}
}

// ComponentHandler wraps a slog.Handler to prepend [component] to the message
type ComponentHandler struct {
	slog.Handler
	component string
}

func (h *ComponentHandler) WithGroup(name string) slog.Handler {
	return &ComponentHandler{
		Handler:   h.Handler.WithGroup(name),
		component: h.component,
	}
}

func (h *ComponentHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	comp := h.component
	for _, a := range attrs {
		if a.Key == "component" {
			comp = a.Value.String()
		}
	}
	return &ComponentHandler{
		Handler:   h.Handler.WithAttrs(attrs),
		component: comp,
	}
}

func (h *ComponentHandler) Handle(ctx context.Context, r slog.Record) error {
	comp := h.component
	r.Attrs(func(a slog.Attr) bool {
		if a.Key == "component" {
			comp = a.Value.String()
			return false
		}
		return true
	})
	if comp == "" {
		return h.Handler.Handle(ctx, r)
	}

	// Rebuild the record so time, level and PC are kept.
	out := slog.NewRecord(r.Time, r.Level, fmt.Sprintf("[%s] %s", comp, r.Message), r.PC)
	r.Attrs(func(a slog.Attr) bool {
		out.AddAttrs(a)
		return true
	})
	return h.Handler.Handle(ctx, out)
}

// ParseLevel maps LOG_LEVEL values to slog levels; unknown values mean info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a configured logger instance
func NewLogger(serviceName, level string) *slog.Logger {
	handler := slog.NewJSONHandler(os.Stdout, GetSlogHandlerOptions(ParseLevel(level)))
	return slog.New(&ComponentHandler{Handler: handler}).With("service", serviceName)
}

// NewService initializes all standard dependencies
func NewService(ctx context.Context, serviceName string, cfg *Config) (*Service, error) {
	logger := NewLogger(serviceName, cfg.LogLevel)
	slog.SetDefault(logger)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger.Info("Initializing service", "project_id", cfg.ProjectID, "environment", cfg.Environment)

	if err := sentry.Init(sentry.Config{
		DSN:         cfg.SentryDSN,
		Environment: cfg.Environment,
		ServerName:  serviceName,
	}, logger); err != nil {
		return nil, err
	}

	svc := &Service{Config: cfg, Logger: logger}

	// Postgres
	gdb, err := database.Open(ctx, cfg.DatabaseDSN, cfg.DatabaseAttempts, logger)
	if err != nil {
		logger.Error("Database init failed", "error", err)
		return nil, fmt.Errorf("database init: %w", err)
	}
	if sqlDB, err := gdb.DB(); err == nil {
		svc.closers = append(svc.closers, sqlDB.Close)
	}
	if cfg.AutoMigrate {
		if err := database.Migrate(ctx, gdb); err != nil {
			return nil, err
		}
	}
	db := database.NewGormAdapter(gdb)
	svc.DB = db

	// Pub/Sub
	if cfg.EnablePublish {
		psClient, err := pubsub.NewClient(ctx, cfg.ProjectID)
		if err != nil {
			logger.Error("PubSub init failed", "error", err)
			return nil, fmt.Errorf("pubsub init: %w", err)
		}
		svc.closers = append(svc.closers, psClient.Close)
		svc.Pub = &infrapubsub.PubSubAdapter{Client: psClient}
		logger.Info("Pub/Sub: REAL (ENABLE_PUBLISH=true)")
	} else {
		svc.Pub = &infrapubsub.LogPublisher{Logger: logger}
		logger.Info("Pub/Sub: MOCK (LogPublisher)")
	}

	// Storage
	if cfg.LocalStorageRoot != "" {
		svc.Store = &infrastorage.LocalAdapter{Root: cfg.LocalStorageRoot}
		logger.Info("Storage: LOCAL", "root", cfg.LocalStorageRoot)
	} else {
		gcsClient, err := storage.NewClient(ctx)
		if err != nil {
			logger.Error("Storage init failed", "error", err)
			return nil, fmt.Errorf("storage init: %w", err)
		}
		svc.closers = append(svc.closers, gcsClient.Close)
		svc.Store = &infrastorage.StorageAdapter{Client: gcsClient}
	}

	svc.Trials = trial.NewService(db, logger, cfg.HostURL)
	svc.Scheduler = scheduler.New(db, logger)
	svc.Archives = archive.NewBuilder(db, svc.Store, cfg.ArchiveConfig(), logger.With("component", "archive"))
	svc.Exports = export.NewPipeline(db, svc.Archives, svc.Store, svc.Pub, cfg.ExportConfig(), logger.With("component", "export"))
	return svc, nil
}

// Close releases clients in reverse order of creation and flushes Sentry.
func (s *Service) Close() error {
	sentry.Flush(2 * time.Second)
	var firstErr error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
