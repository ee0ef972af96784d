// Package dbtest provides an in-memory SQLite database with the server
// schema for tests.
package dbtest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/capturelab/mocap-server/pkg/infrastructure/database"
	"github.com/capturelab/mocap-server/pkg/types"
)

// Open returns a migrated adapter backed by a private in-memory database.
func Open(t testing.TB) *database.GormAdapter {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	if err := database.Migrate(context.Background(), db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return database.NewGormAdapter(db)
}

// Fixture creates rows with sensible defaults. Timestamps are explicit so
// ordering-sensitive tests are deterministic.
type Fixture struct {
	T   testing.TB
	DB  *database.GormAdapter
	Now time.Time
}

func NewFixture(t testing.TB) *Fixture {
	return &Fixture{
		T:   t,
		DB:  Open(t),
		Now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func (f *Fixture) create(v interface{}) {
	f.T.Helper()
	if err := f.DB.DB().Create(v).Error; err != nil {
		f.T.Fatalf("create %T: %v", v, err)
	}
}

// User creates a user that belongs to the named groups.
func (f *Fixture) User(name string, groups ...string) *types.User {
	f.T.Helper()
	u := &types.User{Username: name}
	for _, g := range groups {
		var grp types.Group
		if err := f.DB.DB().Where(types.Group{Name: g}).FirstOrCreate(&grp).Error; err != nil {
			f.T.Fatalf("group %s: %v", g, err)
		}
		u.Groups = append(u.Groups, grp)
	}
	f.create(u)
	return u
}

func (f *Fixture) Session(owner *types.User, meta types.SessionMeta) *types.Session {
	f.T.Helper()
	s := &types.Session{Meta: datatypes.NewJSONType(meta), CreatedAt: f.Now, UpdatedAt: f.Now}
	if owner != nil {
		s.UserID = &owner.ID
	}
	f.create(s)
	return s
}

// Trial creates a trial created `age` before f.Now.
func (f *Fixture) Trial(s *types.Session, name string, status types.TrialStatus, age time.Duration) *types.Trial {
	f.T.Helper()
	at := f.Now.Add(-age)
	tr := &types.Trial{SessionID: s.ID, Name: name, Status: status, CreatedAt: at, UpdatedAt: at}
	f.create(tr)
	return tr
}

// Video attaches a video; an empty media key means still uploading.
func (f *Fixture) Video(tr *types.Trial, device, media string, updated time.Time) *types.Video {
	f.T.Helper()
	v := &types.Video{TrialID: tr.ID, DeviceID: device, Media: media, CreatedAt: updated, UpdatedAt: updated}
	f.create(v)
	return v
}

func (f *Fixture) Result(tr *types.Trial, tag types.ResultTag, device, media string, at time.Time) *types.Result {
	f.T.Helper()
	r := &types.Result{TrialID: tr.ID, Tag: tag, DeviceID: device, Media: media, CreatedAt: at, UpdatedAt: at}
	f.create(r)
	return r
}

func (f *Fixture) Subject(owner *types.User, name string) *types.Subject {
	f.T.Helper()
	s := &types.Subject{Name: name, Weight: 70, Height: 1.75, CreatedAt: f.Now, UpdatedAt: f.Now}
	if owner != nil {
		s.UserID = &owner.ID
	}
	f.create(s)
	return s
}

// SubjectSession creates a session recorded for subj, created `age` before f.Now.
func (f *Fixture) SubjectSession(owner *types.User, subj *types.Subject, meta types.SessionMeta, age time.Duration) *types.Session {
	f.T.Helper()
	at := f.Now.Add(-age)
	s := &types.Session{Meta: datatypes.NewJSONType(meta), SubjectID: &subj.ID, CreatedAt: at, UpdatedAt: at}
	if owner != nil {
		s.UserID = &owner.ID
	}
	f.create(s)
	return s
}

// Select stores a calibration solution choice per camera on tr.
func (f *Fixture) Select(tr *types.Trial, choice map[string]int) {
	f.T.Helper()
	if err := f.DB.SetTrialMeta(context.Background(), tr.ID, types.TrialMeta{Calibration: choice}); err != nil {
		f.T.Fatalf("set trial meta: %v", err)
	}
}

// Trash marks a session trashed at f.Now.
func (f *Fixture) Trash(s *types.Session) {
	f.T.Helper()
	if err := f.DB.SetSessionTrashed(context.Background(), s.ID, true, f.Now); err != nil {
		f.T.Fatalf("trash session: %v", err)
	}
}
