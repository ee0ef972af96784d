package database

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	shared "github.com/capturelab/mocap-server/pkg"
	"github.com/capturelab/mocap-server/pkg/types"
)

// PostgreSQL error codes the adapter reacts to
const (
	PgErrUniqueViolation     = "23505" // unique_violation
	PgErrForeignKeyViolation = "23503" // foreign_key_violation

	PgErrSerializationFailure = "40001" // serialization_failure
	PgErrDeadlockDetected     = "40P01" // deadlock_detected
	PgErrAdminShutdown        = "57P01" // admin_shutdown
	PgErrCannotConnectNow     = "57P03" // cannot_connect_now
)

// Open connects to Postgres, retrying while the server is still coming up.
func Open(ctx context.Context, dsn string, attempts int, log *slog.Logger) (*gorm.DB, error) {
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
			Logger:  logger.Default.LogMode(logger.Warn),
			NowFunc: func() time.Time { return time.Now().UTC() },
		})
		if err == nil {
			log.Info("Connected to Postgres", "attempt", i+1)
			return db, nil
		}
		lastErr = err
		log.Warn("Postgres connection attempt failed", "attempt", i+1, "error", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
	return nil, fmt.Errorf("connect postgres after %d attempts: %w", attempts, lastErr)
}

// Migrate creates or updates the schema for every model.
func Migrate(ctx context.Context, db *gorm.DB) error {
	if err := db.WithContext(ctx).AutoMigrate(types.AllModels()...); err != nil {
		return fmt.Errorf("automigrate: %w", err)
	}
	return nil
}

// classify maps driver errors onto the shared error vocabulary.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return shared.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == PgErrSerializationFailure, pgErr.Code == PgErrDeadlockDetected:
			return shared.NewTransientError(err, 100*time.Millisecond, "transaction rollback")
		case pgErr.Code == PgErrAdminShutdown, pgErr.Code == PgErrCannotConnectNow:
			return shared.NewTransientError(err, time.Second, "server unavailable")
		case len(pgErr.Code) == 5 && pgErr.Code[:2] == "08":
			return shared.NewTransientError(err, time.Second, "connection exception")
		case len(pgErr.Code) == 5 && pgErr.Code[:2] == "53":
			return shared.NewTransientError(err, time.Second, "insufficient resources")
		}
		return fmt.Errorf("postgres %s: %s: %w", pgErr.Code, pgErr.Message, err)
	}
	if pgconn.SafeToRetry(err) || pgconn.Timeout(err) {
		return shared.NewTransientError(err, time.Second, "connection")
	}
	return err
}
