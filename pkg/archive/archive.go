// Package archive reconstructs the on-disk layout of a session (or of every
// session of a subject) from the relational catalog and blob storage.
package archive

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	shared "github.com/capturelab/mocap-server/pkg"
	"github.com/capturelab/mocap-server/pkg/domain/trial"
	"github.com/capturelab/mocap-server/pkg/types"
)

//go:embed README.txt
var readme []byte

// Catalog is the read access the builder needs.
type Catalog interface {
	trial.Resolver
	ListTrials(ctx context.Context, sessionID uuid.UUID) ([]types.Trial, error)
	ListResults(ctx context.Context, trialID uuid.UUID) ([]types.Result, error)
	ListSubjectSessions(ctx context.Context, subjectID uint) ([]types.Session, error)
	GetSubject(ctx context.Context, id uint) (*types.Subject, error)
}

// Blobs opens stored objects.
type Blobs interface {
	Open(ctx context.Context, bucket, object string) (io.ReadCloser, error)
}

type Config struct {
	MediaBucket      string
	GeometryBucket   string
	GeometryPrefix   string
	GeometryCacheDir string

	DownloadWorkers int
	SessionWorkers  int
	Retries         int
	RetryBackoff    time.Duration

	// Strict turns unresolved calibration or neutral trials into errors.
	Strict bool
}

func (c Config) withDefaults() Config {
	if c.DownloadWorkers <= 0 {
		c.DownloadWorkers = 8
	}
	if c.SessionWorkers <= 0 {
		c.SessionWorkers = 4
	}
	if c.Retries <= 0 {
		c.Retries = 3
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 200 * time.Millisecond
	}
	if c.GeometryCacheDir == "" {
		c.GeometryCacheDir = filepath.Join(os.TempDir(), "mocap-geometry")
	}
	return c
}

// Report summarizes one build. Skipped lists archive paths whose source
// object was missing.
type Report struct {
	Root               string
	Files              int
	Skipped            []string
	CalibrationMissing bool
	NeutralMissing     bool
	Sessions           []*Report
}

func (r *Report) absorb(o *Report) {
	r.Files += o.Files
	r.Skipped = append(r.Skipped, o.Skipped...)
	r.CalibrationMissing = r.CalibrationMissing || o.CalibrationMissing
	r.NeutralMissing = r.NeutralMissing || o.NeutralMissing
	r.Sessions = append(r.Sessions, o)
}

type Builder struct {
	catalog  Catalog
	blobs    Blobs
	geometry *GeometryCache
	cfg      Config
	logger   *slog.Logger
}

func NewBuilder(catalog Catalog, blobs Blobs, cfg Config, logger *slog.Logger) *Builder {
	cfg = cfg.withDefaults()
	b := &Builder{
		catalog: catalog,
		blobs:   blobs,
		cfg:     cfg,
		logger:  logger,
	}
	b.geometry = NewGeometryCache(blobs, cfg.GeometryBucket, cfg.GeometryPrefix, cfg.GeometryCacheDir, cfg.DownloadWorkers, logger)
	return b
}

// BuildSession writes the session tree to dir/<session id> and returns the
// build report. An existing tree at that path is replaced.
func (b *Builder) BuildSession(ctx context.Context, id uuid.UUID, dir string) (*Report, error) {
	s, err := b.catalog.GetSession(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("session %s: %w", id, err)
	}
	if s.Trashed {
		return nil, fmt.Errorf("session %s: %w", id, shared.ErrNotFound)
	}
	return b.buildSession(ctx, s, filepath.Join(dir, s.ID.String()))
}

// BuildSubject writes dir/<subject id>/<session id> for every live session
// of the subject. Sessions are built concurrently.
func (b *Builder) BuildSubject(ctx context.Context, id uint, dir string) (*Report, error) {
	subj, err := b.catalog.GetSubject(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("subject %d: %w", id, err)
	}
	if subj.Trashed {
		return nil, fmt.Errorf("subject %d: %w", id, shared.ErrNotFound)
	}
	sessions, err := b.catalog.ListSubjectSessions(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("sessions of subject %d: %w", id, err)
	}

	root := filepath.Join(dir, strconv.FormatUint(uint64(id), 10))
	if err := resetDir(root); err != nil {
		return nil, err
	}

	reports := make([]*Report, len(sessions))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.cfg.SessionWorkers)
	for i := range sessions {
		i := i
		g.Go(func() error {
			r, err := b.buildSession(gctx, &sessions[i], filepath.Join(root, sessions[i].ID.String()))
			if err != nil {
				return fmt.Errorf("session %s: %w", sessions[i].ID, err)
			}
			reports[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	report := &Report{Root: root}
	for _, r := range reports {
		report.absorb(r)
	}
	b.logger.Info("subject archive built", "subject_id", id, "sessions", len(sessions), "files", report.Files)
	return report, nil
}

func (b *Builder) buildSession(ctx context.Context, s *types.Session, root string) (*Report, error) {
	log := b.logger.With("session_id", s.ID.String())
	if err := resetDir(root); err != nil {
		return nil, err
	}
	report := &Report{Root: root}
	p := newPlan()

	calib, err := trial.ResolveCalibration(ctx, b.catalog, s)
	switch {
	case errors.Is(err, trial.ErrCalibrationNotFound):
		report.CalibrationMissing = true
		if b.cfg.Strict {
			return nil, err
		}
		log.Warn("no calibration trial", "error", err)
	case err != nil:
		return nil, err
	default:
		if err := b.planCalibration(ctx, p, calib, log); err != nil {
			return nil, err
		}
	}

	trials, err := b.catalog.ListTrials(ctx, s.ID)
	if err != nil {
		return nil, fmt.Errorf("trials: %w", err)
	}
	for i := range trials {
		if trials[i].Role() == types.RoleCalibration {
			continue
		}
		b.planTrial(p, &trials[i])
	}

	neutral, err := trial.ResolveNeutral(ctx, b.catalog, s)
	switch {
	case errors.Is(err, trial.ErrNeutralNotFound):
		report.NeutralMissing = true
		if b.cfg.Strict {
			return nil, err
		}
		log.Warn("no neutral trial", "error", err)
	case err != nil:
		return nil, err
	default:
		if err := b.planNeutral(ctx, p, neutral); err != nil {
			return nil, err
		}
	}

	if err := b.run(ctx, root, p, report, log); err != nil {
		return nil, err
	}

	if metaPath := filepath.Join(root, "sessionMetadata.yaml"); !exists(metaPath) {
		data, err := b.fallbackMetadata(ctx, s)
		if err != nil {
			return nil, err
		}
		if err := writeFile(metaPath, data); err != nil {
			return nil, err
		}
		report.Files++
	}

	if p.modelFamily != "" {
		n, err := b.copyGeometry(ctx, p.modelFamily, root)
		if err != nil {
			log.Warn("geometry not copied", "family", p.modelFamily, "error", err)
		}
		report.Files += n
	}

	if p.mapping.Len() > 0 {
		if err := p.mapping.WriteFile(filepath.Join(root, "Videos", "mappingCamDevice.pickle")); err != nil {
			return nil, err
		}
		report.Files++
	}

	if err := writeFile(filepath.Join(root, "README.txt"), readme); err != nil {
		return nil, err
	}
	report.Files++

	log.Info("session archive built", "files", report.Files, "skipped", len(report.Skipped))
	return report, nil
}

// run downloads every planned object with bounded concurrency. Missing
// objects are skipped; other failures abort the build only for critical
// artifacts.
func (b *Builder) run(ctx context.Context, root string, p *plan, report *Report, log *slog.Logger) error {
	type outcome struct {
		skipped bool
		outside bool
		err     error
	}
	outcomes := make([]outcome, len(p.jobs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.cfg.DownloadWorkers)
	for i, j := range p.jobs {
		dest, ok := within(root, j.dest)
		if !ok {
			outcomes[i].outside = true
			continue
		}
		i, j := i, j
		g.Go(func() error {
			err := b.fetch(gctx, j.object, dest)
			switch {
			case err == nil:
			case errors.Is(err, shared.ErrNotFound):
				outcomes[i].skipped = true
			case j.critical:
				return fmt.Errorf("%s: %w", j.dest, err)
			default:
				outcomes[i].err = err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for i, o := range outcomes {
		j := p.jobs[i]
		switch {
		case o.outside:
			log.Error("artifact path outside archive root", "path", j.dest, "object", j.object)
			report.Skipped = append(report.Skipped, j.dest)
		case o.skipped:
			log.Warn("artifact missing", "path", j.dest, "object", j.object)
			report.Skipped = append(report.Skipped, j.dest)
		case o.err != nil:
			log.Warn("artifact not downloaded", "path", j.dest, "object", j.object, "error", o.err)
			report.Skipped = append(report.Skipped, j.dest)
		default:
			report.Files++
		}
	}
	return nil
}

// fetch copies one object to dest, retrying transient failures with
// exponential backoff.
func (b *Builder) fetch(ctx context.Context, object, dest string) error {
	backoff := b.cfg.RetryBackoff
	for attempt := 1; ; attempt++ {
		err := b.copyObject(ctx, object, dest)
		if err == nil || !shared.IsTransient(err) || attempt >= b.cfg.Retries {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}

func (b *Builder) copyObject(ctx context.Context, object, dest string) error {
	r, err := b.blobs.Open(ctx, b.cfg.MediaBucket, object)
	if err != nil {
		return err
	}
	defer r.Close()
	return writeFrom(dest, r)
}

// within joins the slash-separated rel onto root. ok is false when the
// result would not be inside root.
func within(root, rel string) (string, bool) {
	dest := filepath.Join(root, filepath.FromSlash(rel))
	r, err := filepath.Rel(root, dest)
	if err != nil || r == "." || r == ".." || strings.HasPrefix(r, ".."+string(filepath.Separator)) {
		return "", false
	}
	return dest, true
}

func resetDir(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("clear %s: %w", dir, err)
	}
	return os.MkdirAll(dir, 0o755)
}

func writeFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// writeFrom streams r into path through a temporary file so a failed
// download never leaves a truncated artifact behind.
func writeFrom(path string, r io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".part-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
