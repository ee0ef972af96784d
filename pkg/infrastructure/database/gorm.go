package database

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	shared "github.com/capturelab/mocap-server/pkg"
	"github.com/capturelab/mocap-server/pkg/types"
)

// maxClaimAttempts bounds how many candidates one claim transaction inspects
// before reporting the pool as empty.
const maxClaimAttempts = 5

var reservedNames = []string{types.TrialNameCalibration, types.TrialNameNeutral}

var elevatedGroups = []string{types.GroupAdmin, types.GroupPriority}

// GormAdapter implements shared.Database on top of gorm. Production runs it
// against Postgres; tests use SQLite.
type GormAdapter struct {
	db *gorm.DB
}

func NewGormAdapter(db *gorm.DB) *GormAdapter {
	return &GormAdapter{db: db}
}

// DB exposes the underlying handle for migrations and seeding.
func (a *GormAdapter) DB() *gorm.DB {
	return a.db
}

func (a *GormAdapter) supportsRowLocks() bool {
	return a.db.Dialector.Name() == "postgres"
}

// --- Sessions ---

func (a *GormAdapter) GetSession(ctx context.Context, id uuid.UUID) (*types.Session, error) {
	var s types.Session
	if err := a.db.WithContext(ctx).Preload("Subject").First(&s, "id = ?", id).Error; err != nil {
		return nil, classify(err)
	}
	return &s, nil
}

func (a *GormAdapter) CreateSession(ctx context.Context, s *types.Session) error {
	return classify(a.db.WithContext(ctx).Create(s).Error)
}

func (a *GormAdapter) ListSubjectSessions(ctx context.Context, subjectID uint) ([]types.Session, error) {
	var out []types.Session
	err := a.db.WithContext(ctx).
		Where("subject_id = ? AND trashed = ?", subjectID, false).
		Order("created_at ASC, id ASC").
		Find(&out).Error
	return out, classify(err)
}

func (a *GormAdapter) SetSessionTrashed(ctx context.Context, id uuid.UUID, trashed bool, at time.Time) error {
	return a.setTrashed(ctx, &types.Session{}, id, trashed, at)
}

func (a *GormAdapter) PurgeTrashedSessions(ctx context.Context, before time.Time) (int64, error) {
	var n int64
	err := a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ids := tx.Model(&types.Session{}).Select("id").Where("trashed = ? AND trashed_at < ?", true, before)
		trialIDs := tx.Model(&types.Trial{}).Select("id").Where("session_id IN (?)", ids)
		if err := tx.Where("trial_id IN (?)", trialIDs).Delete(&types.Video{}).Error; err != nil {
			return err
		}
		if err := tx.Where("trial_id IN (?)", trialIDs).Delete(&types.Result{}).Error; err != nil {
			return err
		}
		if err := tx.Where("session_id IN (?)", ids).Delete(&types.Trial{}).Error; err != nil {
			return err
		}
		res := tx.Where("trashed = ? AND trashed_at < ?", true, before).Delete(&types.Session{})
		n = res.RowsAffected
		return res.Error
	})
	return n, classify(err)
}

// --- Trials ---

func (a *GormAdapter) GetTrial(ctx context.Context, id uuid.UUID) (*types.Trial, error) {
	var t types.Trial
	if err := a.db.WithContext(ctx).First(&t, "id = ?", id).Error; err != nil {
		return nil, classify(err)
	}
	return &t, nil
}

func (a *GormAdapter) CreateTrial(ctx context.Context, t *types.Trial) error {
	return classify(a.db.WithContext(ctx).Create(t).Error)
}

func (a *GormAdapter) LatestTrial(ctx context.Context, sessionID uuid.UUID) (*types.Trial, error) {
	var t types.Trial
	err := a.db.WithContext(ctx).
		Where("session_id = ? AND trashed = ?", sessionID, false).
		Order("created_at DESC, id DESC").
		Take(&t).Error
	if err != nil {
		return nil, classify(err)
	}
	return &t, nil
}

func (a *GormAdapter) LatestTrialByName(ctx context.Context, sessionID uuid.UUID, name string) (*types.Trial, error) {
	var t types.Trial
	err := a.db.WithContext(ctx).
		Where("session_id = ? AND name = ? AND trashed = ?", sessionID, name, false).
		Order("created_at DESC, id DESC").
		Take(&t).Error
	if err != nil {
		return nil, classify(err)
	}
	return &t, nil
}

func (a *GormAdapter) ListTrials(ctx context.Context, sessionID uuid.UUID) ([]types.Trial, error) {
	var out []types.Trial
	err := a.db.WithContext(ctx).
		Preload("Videos", func(db *gorm.DB) *gorm.DB { return db.Order("created_at ASC, id ASC") }).
		Preload("Results", func(db *gorm.DB) *gorm.DB { return db.Order("created_at ASC, id ASC") }).
		Where("session_id = ? AND trashed = ?", sessionID, false).
		Order("created_at ASC, id ASC").
		Find(&out).Error
	return out, classify(err)
}

func (a *GormAdapter) TrialNames(ctx context.Context, sessionID uuid.UUID) ([]string, error) {
	var names []string
	err := a.db.WithContext(ctx).Model(&types.Trial{}).
		Where("session_id = ?", sessionID).
		Pluck("name", &names).Error
	return names, classify(err)
}

// TransitionTrial moves a trial to `to` only if its current status is one of
// `from`. A trial that exists but is in another status yields ErrStateConflict.
func (a *GormAdapter) TransitionTrial(ctx context.Context, id uuid.UUID, from []types.TrialStatus, to types.TrialStatus) error {
	res := a.db.WithContext(ctx).Model(&types.Trial{}).
		Where("id = ? AND status IN ?", id, from).
		Update("status", to)
	if res.Error != nil {
		return classify(res.Error)
	}
	if res.RowsAffected == 1 {
		return nil
	}
	if _, err := a.GetTrial(ctx, id); err != nil {
		return err
	}
	return shared.ErrStateConflict
}

func (a *GormAdapter) SetTrialMeta(ctx context.Context, id uuid.UUID, meta types.TrialMeta) error {
	res := a.db.WithContext(ctx).Model(&types.Trial{}).
		Where("id = ?", id).
		Update("meta", datatypes.NewJSONType(meta))
	if res.Error != nil {
		return classify(res.Error)
	}
	if res.RowsAffected == 0 {
		return shared.ErrNotFound
	}
	return nil
}

func (a *GormAdapter) SetTrialTrashed(ctx context.Context, id uuid.UUID, trashed bool, at time.Time) error {
	return a.setTrashed(ctx, &types.Trial{}, id, trashed, at)
}

func (a *GormAdapter) PurgeTrashedTrials(ctx context.Context, before time.Time) (int64, error) {
	var n int64
	err := a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ids := tx.Model(&types.Trial{}).Select("id").Where("trashed = ? AND trashed_at < ?", true, before)
		if err := tx.Where("trial_id IN (?)", ids).Delete(&types.Video{}).Error; err != nil {
			return err
		}
		if err := tx.Where("trial_id IN (?)", ids).Delete(&types.Result{}).Error; err != nil {
			return err
		}
		res := tx.Where("trashed = ? AND trashed_at < ?", true, before).Delete(&types.Trial{})
		n = res.RowsAffected
		return res.Error
	})
	return n, classify(err)
}

func (a *GormAdapter) TrialsWithStatus(ctx context.Context, status types.TrialStatus, updatedBefore time.Time) ([]types.Trial, error) {
	var out []types.Trial
	err := a.db.WithContext(ctx).
		Where("status = ? AND updated_at <= ? AND trashed = ?", status, updatedBefore, false).
		Order("updated_at ASC, id ASC").
		Find(&out).Error
	return out, classify(err)
}

// ClaimTrial selects the best candidate of one pool and moves it to
// processing inside a single transaction. On Postgres the candidate row is
// locked with FOR UPDATE SKIP LOCKED so concurrent workers skip each other's
// picks; the status-conditional UPDATE is the compare-and-set that makes the
// claim exclusive on every backend.
func (a *GormAdapter) ClaimTrial(ctx context.Context, q shared.ClaimQuery) (*types.Trial, error) {
	var claimed types.Trial
	err := a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		skip := []uuid.UUID{}
		for n := 0; n < maxClaimAttempts; n++ {
			query := a.candidates(tx, q)
			if len(skip) > 0 {
				query = query.Where("trials.id NOT IN ?", skip)
			}
			if a.supportsRowLocks() {
				query = query.Clauses(clause.Locking{
					Strength: "UPDATE",
					Table:    clause.Table{Name: "trials"},
					Options:  "SKIP LOCKED",
				})
			}

			var cand types.Trial
			if err := query.Take(&cand).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return shared.ErrNoCandidate
				}
				return err
			}

			res := tx.Model(&types.Trial{}).
				Where("id = ? AND status = ?", cand.ID, cand.Status).
				Updates(map[string]interface{}{
					"status":   types.TrialProcessing,
					"attempts": gorm.Expr("attempts + 1"),
					"worker":   q.Worker,
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				skip = append(skip, cand.ID)
				continue
			}

			if q.Worker != "" {
				err := tx.Model(&types.Session{}).
					Where("id = ? AND (server = '' OR server IS NULL)", cand.SessionID).
					Update("server", q.Worker).Error
				if err != nil {
					return err
				}
			}
			return tx.First(&claimed, "id = ?", cand.ID).Error
		}
		return shared.ErrNoCandidate
	})
	if err != nil {
		if errors.Is(err, shared.ErrNoCandidate) {
			return nil, err
		}
		return nil, classify(err)
	}
	return &claimed, nil
}

// candidates builds the ordered candidate query for one pool.
func (a *GormAdapter) candidates(tx *gorm.DB, q shared.ClaimQuery) *gorm.DB {
	query := tx.Model(&types.Trial{}).
		Select("trials.*").
		Joins("JOIN sessions ON sessions.id = trials.session_id").
		Where("trials.status IN ?", q.Statuses).
		Where("trials.trashed = ? AND sessions.trashed = ?", false, false).
		Where("NOT EXISTS (SELECT 1 FROM results WHERE results.trial_id = trials.id)").
		Where("NOT EXISTS (SELECT 1 FROM videos WHERE videos.trial_id = trials.id"+
			" AND (videos.media = '' OR videos.media IS NULL) AND videos.updated_at >= ?)", q.UploadCutoff)

	switch q.Roles {
	case shared.OnlyReserved:
		query = query.Where("trials.name IN ?", reservedNames)
	case shared.ExcludeReserved:
		query = query.Where("trials.name NOT IN ?", reservedNames)
	}

	return query.Order(clause.OrderBy{Expression: clause.Expr{
		SQL: "CASE WHEN EXISTS (SELECT 1 FROM auth_user_groups" +
			" JOIN auth_groups ON auth_groups.id = auth_user_groups.group_id" +
			" WHERE auth_user_groups.user_id = sessions.user_id AND auth_groups.name IN ?)" +
			" THEN 0 ELSE 1 END, trials.created_at ASC, trials.id ASC",
		Vars:               []interface{}{elevatedGroups},
		WithoutParentheses: true,
	}})
}

// --- Videos and results ---

func (a *GormAdapter) ListVideos(ctx context.Context, trialID uuid.UUID) ([]types.Video, error) {
	var out []types.Video
	err := a.db.WithContext(ctx).
		Where("trial_id = ?", trialID).
		Order("created_at ASC, id ASC").
		Find(&out).Error
	return out, classify(err)
}

func (a *GormAdapter) CreateVideo(ctx context.Context, v *types.Video) error {
	return classify(a.db.WithContext(ctx).Create(v).Error)
}

func (a *GormAdapter) DeleteVideos(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	return classify(a.db.WithContext(ctx).Where("id IN ?", ids).Delete(&types.Video{}).Error)
}

func (a *GormAdapter) ListResults(ctx context.Context, trialID uuid.UUID) ([]types.Result, error) {
	var out []types.Result
	err := a.db.WithContext(ctx).
		Where("trial_id = ?", trialID).
		Order("created_at ASC, id ASC").
		Find(&out).Error
	return out, classify(err)
}

func (a *GormAdapter) CreateResult(ctx context.Context, r *types.Result) error {
	return classify(a.db.WithContext(ctx).Create(r).Error)
}

// DeleteResults removes the trial's results with the given tags, or all of
// them when tags is empty.
func (a *GormAdapter) DeleteResults(ctx context.Context, trialID uuid.UUID, tags []types.ResultTag) (int64, error) {
	query := a.db.WithContext(ctx).Where("trial_id = ?", trialID)
	if len(tags) > 0 {
		query = query.Where("tag IN ?", tags)
	}
	res := query.Delete(&types.Result{})
	return res.RowsAffected, classify(res.Error)
}

// --- Subjects ---

func (a *GormAdapter) GetSubject(ctx context.Context, id uint) (*types.Subject, error) {
	var s types.Subject
	if err := a.db.WithContext(ctx).First(&s, id).Error; err != nil {
		return nil, classify(err)
	}
	return &s, nil
}

func (a *GormAdapter) CreateSubject(ctx context.Context, s *types.Subject) error {
	return classify(a.db.WithContext(ctx).Create(s).Error)
}

// --- Download logs ---

func (a *GormAdapter) CreateDownloadLog(ctx context.Context, l *types.DownloadLog) error {
	return classify(a.db.WithContext(ctx).Create(l).Error)
}

func (a *GormAdapter) GetDownloadLog(ctx context.Context, taskID string) (*types.DownloadLog, error) {
	var l types.DownloadLog
	if err := a.db.WithContext(ctx).Where("task_id = ?", taskID).Take(&l).Error; err != nil {
		return nil, classify(err)
	}
	return &l, nil
}

func (a *GormAdapter) FindPendingDownloadLog(ctx context.Context, target types.TargetType, targetID string, since time.Time) (*types.DownloadLog, error) {
	var l types.DownloadLog
	err := a.db.WithContext(ctx).
		Where("target_type = ? AND target_id = ? AND state = ? AND created_at >= ?", target, targetID, types.DownloadPending, since).
		Order("created_at DESC, id DESC").
		Take(&l).Error
	if err != nil {
		return nil, classify(err)
	}
	return &l, nil
}

// FinishDownloadLog records the terminal state of a pending export.
func (a *GormAdapter) FinishDownloadLog(ctx context.Context, taskID string, state types.DownloadState, media, message string) error {
	res := a.db.WithContext(ctx).Model(&types.DownloadLog{}).
		Where("task_id = ? AND state = ?", taskID, types.DownloadPending).
		Updates(map[string]interface{}{
			"state": state,
			"media": media,
			"error": message,
		})
	if res.Error != nil {
		return classify(res.Error)
	}
	if res.RowsAffected == 1 {
		return nil
	}
	if _, err := a.GetDownloadLog(ctx, taskID); err != nil {
		return err
	}
	return shared.ErrStateConflict
}

func (a *GormAdapter) ListDownloadLogsBefore(ctx context.Context, before time.Time) ([]types.DownloadLog, error) {
	var out []types.DownloadLog
	err := a.db.WithContext(ctx).
		Where("created_at < ?", before).
		Order("created_at ASC, id ASC").
		Find(&out).Error
	return out, classify(err)
}

func (a *GormAdapter) DeleteDownloadLog(ctx context.Context, id uint) error {
	return classify(a.db.WithContext(ctx).Delete(&types.DownloadLog{}, id).Error)
}

func (a *GormAdapter) setTrashed(ctx context.Context, model interface{}, id uuid.UUID, trashed bool, at time.Time) error {
	var trashedAt interface{}
	if trashed {
		trashedAt = at
	}
	res := a.db.WithContext(ctx).Model(model).
		Where("id = ?", id).
		Updates(map[string]interface{}{"trashed": trashed, "trashed_at": trashedAt})
	if res.Error != nil {
		return classify(res.Error)
	}
	if res.RowsAffected == 0 {
		return shared.ErrNotFound
	}
	return nil
}
