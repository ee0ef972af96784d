// Package export turns built archives into downloadable zip files and
// tracks each request with a DownloadLog.
package export

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	shared "github.com/capturelab/mocap-server/pkg"
	"github.com/capturelab/mocap-server/pkg/archive"
	infrapubsub "github.com/capturelab/mocap-server/pkg/infrastructure/pubsub"
	"github.com/capturelab/mocap-server/pkg/types"
)

var ErrInvalidTarget = errors.New("invalid export target")

// Store is the persistence the pipeline needs.
type Store interface {
	CreateDownloadLog(ctx context.Context, l *types.DownloadLog) error
	GetDownloadLog(ctx context.Context, taskID string) (*types.DownloadLog, error)
	FindPendingDownloadLog(ctx context.Context, target types.TargetType, targetID string, since time.Time) (*types.DownloadLog, error)
	FinishDownloadLog(ctx context.Context, taskID string, state types.DownloadState, media, message string) error
	ListDownloadLogsBefore(ctx context.Context, before time.Time) ([]types.DownloadLog, error)
	DeleteDownloadLog(ctx context.Context, id uint) error
	PurgeTrashedSessions(ctx context.Context, before time.Time) (int64, error)
	PurgeTrashedTrials(ctx context.Context, before time.Time) (int64, error)
}

// Builder materializes archive trees.
type Builder interface {
	BuildSession(ctx context.Context, id uuid.UUID, dir string) (*archive.Report, error)
	BuildSubject(ctx context.Context, id uint, dir string) (*archive.Report, error)
}

type Config struct {
	ScratchDir    string
	ArchiveBucket string
	Topic         string

	DeleteFolderAfterZip bool
	// A pending export younger than this is reused instead of enqueuing
	// another build of the same target.
	InFlightWindow   time.Duration
	ArchiveRetention time.Duration
	TrashRetention   time.Duration
	// Scratch entries untouched for longer than this are removed before
	// each build.
	StaleAfter time.Duration
}

func (c Config) withDefaults() Config {
	if c.ScratchDir == "" {
		c.ScratchDir = filepath.Join(os.TempDir(), "mocap-archives")
	}
	if c.Topic == "" {
		c.Topic = shared.TopicArchiveExport
	}
	if c.InFlightWindow <= 0 {
		c.InFlightWindow = time.Hour
	}
	if c.ArchiveRetention <= 0 {
		c.ArchiveRetention = 7 * 24 * time.Hour
	}
	if c.TrashRetention <= 0 {
		c.TrashRetention = 30 * 24 * time.Hour
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 15 * time.Minute
	}
	return c
}

// Target names what an export archives.
type Target struct {
	Type types.TargetType
	ID   string
}

func SessionTarget(id uuid.UUID) Target {
	return Target{Type: types.TargetSession, ID: id.String()}
}

func SubjectTarget(id uint) Target {
	return Target{Type: types.TargetSubject, ID: strconv.FormatUint(uint64(id), 10)}
}

func (t Target) String() string {
	return string(t.Type) + "/" + t.ID
}

func (t Target) sessionID() (uuid.UUID, error) {
	id, err := uuid.Parse(t.ID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: session id %q", ErrInvalidTarget, t.ID)
	}
	return id, nil
}

func (t Target) subjectID() (uint, error) {
	id, err := strconv.ParseUint(t.ID, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: subject id %q", ErrInvalidTarget, t.ID)
	}
	return uint(id), nil
}

// Validate checks the target type and id format.
func (t Target) Validate() error {
	switch t.Type {
	case types.TargetSession:
		_, err := t.sessionID()
		return err
	case types.TargetSubject:
		_, err := t.subjectID()
		return err
	default:
		return fmt.Errorf("%w: type %q", ErrInvalidTarget, t.Type)
	}
}

type Pipeline struct {
	store     Store
	builder   Builder
	blobs     shared.BlobStore
	publisher shared.Publisher
	cfg       Config
	logger    *slog.Logger
	now       func() time.Time

	group singleflight.Group

	mu     sync.Mutex
	active map[string]int
}

func NewPipeline(store Store, builder Builder, blobs shared.BlobStore, publisher shared.Publisher, cfg Config, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		store:     store,
		builder:   builder,
		blobs:     blobs,
		publisher: publisher,
		cfg:       cfg.withDefaults(),
		logger:    logger,
		now:       time.Now,
		active:    make(map[string]int),
	}
}

// Enqueue registers an export and publishes the job. A pending export of
// the same target inside the in-flight window is returned instead.
func (p *Pipeline) Enqueue(ctx context.Context, t Target, userID *uint) (*types.DownloadLog, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	log := p.logger.With("target", t.String())

	since := p.now().Add(-p.cfg.InFlightWindow)
	existing, err := p.store.FindPendingDownloadLog(ctx, t.Type, t.ID, since)
	if err == nil {
		log.Info("reusing pending export", "task_id", existing.TaskID)
		return existing, nil
	}
	if !errors.Is(err, shared.ErrNotFound) {
		return nil, fmt.Errorf("find pending export: %w", err)
	}

	l := &types.DownloadLog{
		TaskID:     uuid.NewString(),
		UserID:     userID,
		TargetType: t.Type,
		TargetID:   t.ID,
		State:      types.DownloadPending,
		CreatedAt:  p.now(),
		UpdatedAt:  p.now(),
	}
	if err := p.store.CreateDownloadLog(ctx, l); err != nil {
		return nil, fmt.Errorf("create download log: %w", err)
	}

	req := types.ExportRequest{TaskID: l.TaskID, TargetType: t.Type, TargetID: t.ID, UserID: userID}
	e, err := infrapubsub.NewCloudEvent(shared.EventSourceAPI, shared.EventTypeExportJob, req)
	if err != nil {
		return nil, fmt.Errorf("build export event: %w", err)
	}
	msgID, err := p.publisher.PublishCloudEvent(ctx, p.cfg.Topic, e)
	if err != nil {
		if ferr := p.store.FinishDownloadLog(ctx, l.TaskID, types.DownloadFailed, "", "enqueue failed: "+err.Error()); ferr != nil {
			log.Warn("could not mark export failed", "task_id", l.TaskID, "error", ferr)
		}
		return nil, fmt.Errorf("publish export job: %w", err)
	}

	log.Info("export enqueued", "task_id", l.TaskID, "message_id", msgID)
	return l, nil
}

// Status returns the download log of a task.
func (p *Pipeline) Status(ctx context.Context, taskID string) (*types.DownloadLog, error) {
	return p.store.GetDownloadLog(ctx, taskID)
}

// Run executes an export job. Redelivered jobs whose log is already
// terminal are no-ops. Transient failures leave the log pending so the job
// can be retried; any other failure marks it FAILED.
func (p *Pipeline) Run(ctx context.Context, req types.ExportRequest) (*types.DownloadLog, error) {
	t := Target{Type: req.TargetType, ID: req.TargetID}
	if req.TaskID == "" {
		req.TaskID = uuid.NewString()
	}
	log := p.logger.With("task_id", req.TaskID, "target", t.String())

	l, err := p.store.GetDownloadLog(ctx, req.TaskID)
	switch {
	case errors.Is(err, shared.ErrNotFound):
		l = &types.DownloadLog{
			TaskID:     req.TaskID,
			UserID:     req.UserID,
			TargetType: t.Type,
			TargetID:   t.ID,
			State:      types.DownloadPending,
			CreatedAt:  p.now(),
			UpdatedAt:  p.now(),
		}
		if err := p.store.CreateDownloadLog(ctx, l); err != nil {
			return nil, fmt.Errorf("create download log: %w", err)
		}
	case err != nil:
		return nil, fmt.Errorf("load download log: %w", err)
	case l.State.Terminal():
		log.Info("export already finished", "state", l.State)
		return l, nil
	}

	media, buildErr := p.Export(ctx, t)
	if buildErr != nil && shared.IsTransient(buildErr) {
		log.Warn("export interrupted, will retry", "error", buildErr)
		return l, buildErr
	}

	state, message := types.DownloadSuccessful, ""
	if buildErr != nil {
		state, message = types.DownloadFailed, buildErr.Error()
		media = ""
	}
	if err := p.store.FinishDownloadLog(ctx, l.TaskID, state, media, message); err != nil {
		if errors.Is(err, shared.ErrStateConflict) {
			return p.store.GetDownloadLog(ctx, l.TaskID)
		}
		return l, fmt.Errorf("finish download log: %w", err)
	}
	l.State, l.Media, l.Error = state, media, message

	if buildErr != nil {
		log.Error("export failed", "error", buildErr)
		return l, buildErr
	}
	log.Info("export finished", "media", media)
	return l, nil
}

// Export builds, zips and uploads the target and returns the archive's
// object key. Concurrent exports of one target share a single build.
func (p *Pipeline) Export(ctx context.Context, t Target) (string, error) {
	if err := t.Validate(); err != nil {
		return "", err
	}
	v, err, joined := p.group.Do(t.String(), func() (interface{}, error) {
		return p.export(ctx, t)
	})
	if joined {
		p.logger.Debug("joined in-flight export", "target", t.String())
	}
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (p *Pipeline) export(ctx context.Context, t Target) (string, error) {
	p.acquire(t.ID)
	defer p.release(t.ID)

	if err := p.Sweep(); err != nil {
		p.logger.Warn("scratch sweep failed", "error", err)
	}

	var (
		report *archive.Report
		err    error
	)
	switch t.Type {
	case types.TargetSession:
		id, _ := t.sessionID()
		report, err = p.builder.BuildSession(ctx, id, p.cfg.ScratchDir)
	case types.TargetSubject:
		id, _ := t.subjectID()
		report, err = p.builder.BuildSubject(ctx, id, p.cfg.ScratchDir)
	}
	if err != nil {
		return "", fmt.Errorf("build %s: %w", t, err)
	}
	if len(report.Skipped) > 0 {
		p.logger.Warn("archive is partial", "target", t.String(), "skipped", len(report.Skipped))
	}
	return p.upload(ctx, report.Root)
}

func (p *Pipeline) upload(ctx context.Context, root string) (string, error) {
	zipPath := root + ".zip"
	f, err := os.Create(zipPath)
	if err != nil {
		return "", err
	}
	defer os.Remove(zipPath)
	defer f.Close()

	if err := ZipDir(root, f); err != nil {
		return "", fmt.Errorf("zip %s: %w", root, err)
	}
	if _, err := f.Seek(0, 0); err != nil {
		return "", err
	}

	key := path.Join(shared.ArchivePrefix, fmt.Sprintf("%s_%s.zip", filepath.Base(root), uuid.NewString()))
	if err := p.blobs.WriteFrom(ctx, p.cfg.ArchiveBucket, key, f); err != nil {
		return "", fmt.Errorf("upload %s: %w", key, err)
	}

	if p.cfg.DeleteFolderAfterZip {
		if err := os.RemoveAll(root); err != nil {
			p.logger.Warn("could not remove archive folder", "dir", root, "error", err)
		}
	}
	return key, nil
}

func (p *Pipeline) acquire(name string) {
	p.mu.Lock()
	p.active[name]++
	p.mu.Unlock()
}

func (p *Pipeline) release(name string) {
	p.mu.Lock()
	if p.active[name]--; p.active[name] <= 0 {
		delete(p.active, name)
	}
	p.mu.Unlock()
}

func (p *Pipeline) busy(name string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active[name] > 0
}
