package shared

import (
	"context"
	"io"
	"time"

	"github.com/cloudevents/sdk-go/v2/event"
	"github.com/google/uuid"

	"github.com/capturelab/mocap-server/pkg/types"
)

// --- Persistence Interfaces ---

// Database is the full relational surface used by the server. Consumers
// depend on the narrower interfaces declared in their own packages.
type Database interface {
	// Sessions
	GetSession(ctx context.Context, id uuid.UUID) (*types.Session, error)
	CreateSession(ctx context.Context, s *types.Session) error
	ListSubjectSessions(ctx context.Context, subjectID uint) ([]types.Session, error)
	SetSessionTrashed(ctx context.Context, id uuid.UUID, trashed bool, at time.Time) error
	PurgeTrashedSessions(ctx context.Context, before time.Time) (int64, error)

	// Trials
	GetTrial(ctx context.Context, id uuid.UUID) (*types.Trial, error)
	CreateTrial(ctx context.Context, t *types.Trial) error
	LatestTrial(ctx context.Context, sessionID uuid.UUID) (*types.Trial, error)
	LatestTrialByName(ctx context.Context, sessionID uuid.UUID, name string) (*types.Trial, error)
	ListTrials(ctx context.Context, sessionID uuid.UUID) ([]types.Trial, error)
	TrialNames(ctx context.Context, sessionID uuid.UUID) ([]string, error)
	TransitionTrial(ctx context.Context, id uuid.UUID, from []types.TrialStatus, to types.TrialStatus) error
	SetTrialMeta(ctx context.Context, id uuid.UUID, meta types.TrialMeta) error
	SetTrialTrashed(ctx context.Context, id uuid.UUID, trashed bool, at time.Time) error
	PurgeTrashedTrials(ctx context.Context, before time.Time) (int64, error)
	TrialsWithStatus(ctx context.Context, status types.TrialStatus, updatedBefore time.Time) ([]types.Trial, error)
	ClaimTrial(ctx context.Context, q ClaimQuery) (*types.Trial, error)

	// Videos and results
	ListVideos(ctx context.Context, trialID uuid.UUID) ([]types.Video, error)
	CreateVideo(ctx context.Context, v *types.Video) error
	DeleteVideos(ctx context.Context, ids []uuid.UUID) error
	ListResults(ctx context.Context, trialID uuid.UUID) ([]types.Result, error)
	CreateResult(ctx context.Context, r *types.Result) error
	DeleteResults(ctx context.Context, trialID uuid.UUID, tags []types.ResultTag) (int64, error)

	// Subjects
	GetSubject(ctx context.Context, id uint) (*types.Subject, error)
	CreateSubject(ctx context.Context, s *types.Subject) error

	// Download logs
	CreateDownloadLog(ctx context.Context, l *types.DownloadLog) error
	GetDownloadLog(ctx context.Context, taskID string) (*types.DownloadLog, error)
	FindPendingDownloadLog(ctx context.Context, target types.TargetType, targetID string, since time.Time) (*types.DownloadLog, error)
	FinishDownloadLog(ctx context.Context, taskID string, state types.DownloadState, media, message string) error
	ListDownloadLogsBefore(ctx context.Context, before time.Time) ([]types.DownloadLog, error)
	DeleteDownloadLog(ctx context.Context, id uint) error
}

// ClaimQuery describes one scheduling pool. The database selects the best
// candidate in the pool and moves it to processing atomically.
type ClaimQuery struct {
	Statuses []types.TrialStatus
	Roles    RoleFilter
	Worker   string
	// Trials with a video still waiting for media that was touched after
	// this instant are skipped.
	UploadCutoff time.Time
}

// RoleFilter restricts a pool by trial name.
type RoleFilter int

const (
	AnyRole RoleFilter = iota
	OnlyReserved
	ExcludeReserved
)

// --- Messaging Interfaces ---

type Publisher interface {
	PublishCloudEvent(ctx context.Context, topic string, e event.Event) (string, error)
}

// --- Storage Interfaces ---

type BlobStore interface {
	Write(ctx context.Context, bucket, object string, data []byte) error
	Read(ctx context.Context, bucket, object string) ([]byte, error)
	WriteFrom(ctx context.Context, bucket, object string, r io.Reader) error
	Open(ctx context.Context, bucket, object string) (io.ReadCloser, error)
	Delete(ctx context.Context, bucket, object string) error
}
