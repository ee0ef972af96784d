package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// TrialStatus is the persisted lifecycle state of a Trial.
type TrialStatus string

const (
	TrialRecording  TrialStatus = "recording"
	TrialStopped    TrialStatus = "stopped"
	TrialProcessing TrialStatus = "processing"
	TrialDone       TrialStatus = "done"
	TrialError      TrialStatus = "error"
	TrialReprocess  TrialStatus = "reprocess"
)

// Reserved trial names.
const (
	TrialNameCalibration = "calibration"
	TrialNameNeutral     = "neutral"
)

// Group names that are scheduled ahead of everybody else.
const (
	GroupAdmin    = "admin"
	GroupPriority = "priority"
)

type User struct {
	ID        uint    `gorm:"primaryKey" json:"id"`
	Username  string  `gorm:"uniqueIndex;size:150" json:"username"`
	Email     string  `json:"email"`
	Groups    []Group `gorm:"many2many:auth_user_groups;" json:"groups,omitempty"`
	CreatedAt time.Time
}

type Group struct {
	ID   uint   `gorm:"primaryKey" json:"id"`
	Name string `gorm:"uniqueIndex;size:150" json:"name"`
}

func (Group) TableName() string {
	return "auth_groups"
}

type Subject struct {
	ID              uint           `gorm:"primaryKey" json:"id"`
	Name            string         `gorm:"size:64" json:"name"`
	UserID          *uint          `gorm:"index" json:"user_id,omitempty"`
	Weight          float64        `json:"weight"`
	Height          float64        `json:"height"`
	Age             int            `json:"age"`
	BirthYear       int            `json:"birth_year"`
	Gender          string         `gorm:"size:32" json:"gender"`
	SexAtBirth      string         `gorm:"size:32" json:"sex_at_birth"`
	Characteristics string         `json:"characteristics"`
	Tags            datatypes.JSON `json:"tags,omitempty"`
	Trashed         bool           `gorm:"index" json:"trashed"`
	TrashedAt       *time.Time     `json:"trashed_at,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// MetaDict is the subject block copied into a session's metadata.
func (s *Subject) MetaDict() SubjectMeta {
	return SubjectMeta{
		ID:     s.Name,
		Mass:   s.Weight,
		Height: s.Height,
		Sex:    s.SexAtBirth,
		Gender: s.Gender,
	}
}

type Session struct {
	ID        uuid.UUID                        `gorm:"type:uuid;primaryKey" json:"id"`
	UserID    *uint                            `gorm:"index" json:"user_id,omitempty"`
	User      *User                            `json:"-"`
	SubjectID *uint                            `gorm:"index" json:"subject_id,omitempty"`
	Subject   *Subject                         `json:"-"`
	Meta      datatypes.JSONType[SessionMeta]  `json:"meta"`
	Public    bool                             `json:"public"`
	Server    string                           `gorm:"size:64" json:"server"`
	Trashed   bool                             `gorm:"index" json:"trashed"`
	TrashedAt *time.Time                       `json:"trashed_at,omitempty"`
	CreatedAt time.Time                        `json:"created_at"`
	UpdatedAt time.Time                        `json:"updated_at"`
	Trials    []Trial                          `json:"trials,omitempty"`
}

func (s *Session) BeforeCreate(tx *gorm.DB) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	return nil
}

type Trial struct {
	ID        uuid.UUID                     `gorm:"type:uuid;primaryKey" json:"id"`
	SessionID uuid.UUID                     `gorm:"type:uuid;index" json:"session_id"`
	Session   *Session                      `json:"-"`
	Name      string                        `gorm:"size:64;index" json:"name"`
	Status    TrialStatus                   `gorm:"size:32;index;default:'recording'" json:"status"`
	Meta      datatypes.JSONType[TrialMeta] `json:"meta"`
	Attempts  int                           `json:"processed_count"`
	Worker    string                        `gorm:"size:64" json:"server"`
	Trashed   bool                          `gorm:"index" json:"trashed"`
	TrashedAt *time.Time                    `json:"trashed_at,omitempty"`
	CreatedAt time.Time                     `gorm:"index" json:"created_at"`
	UpdatedAt time.Time                     `json:"updated_at"`
	Videos    []Video                       `json:"videos,omitempty"`
	Results   []Result                      `json:"results,omitempty"`
}

func (t *Trial) BeforeCreate(tx *gorm.DB) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	return nil
}

// Role classifies a trial by its reserved name.
func (t *Trial) Role() TrialRole {
	return RoleOf(t.Name)
}

// FormattedName is the trial name as it appears in archive paths.
func (t *Trial) FormattedName() string {
	return FormatTrialName(t.Name)
}

type Video struct {
	ID         uuid.UUID                           `gorm:"type:uuid;primaryKey" json:"id"`
	TrialID    uuid.UUID                           `gorm:"type:uuid;index" json:"trial_id"`
	DeviceID   string                              `gorm:"size:64" json:"device_id"`
	Media      string                              `json:"video"`
	Thumbnail  string                              `json:"video_thumb"`
	Keypoints  string                              `json:"keypoints"`
	Parameters datatypes.JSONType[VideoParameters] `json:"parameters"`
	CreatedAt  time.Time                           `json:"created_at"`
	UpdatedAt  time.Time                           `json:"updated_at"`
}

func (v *Video) BeforeCreate(tx *gorm.DB) error {
	if v.ID == uuid.Nil {
		v.ID = uuid.New()
	}
	return nil
}

type VideoParameters struct {
	MaxFramerate int `json:"max_framerate,omitempty"`
}

type Result struct {
	ID        uint           `gorm:"primaryKey" json:"id"`
	TrialID   uuid.UUID      `gorm:"type:uuid;index" json:"trial_id"`
	Tag       ResultTag      `gorm:"size:64;index" json:"tag"`
	DeviceID  string         `gorm:"size:64" json:"device_id"`
	Media     string         `json:"media"`
	Meta      datatypes.JSON `json:"meta,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// DownloadState is the state of an asynchronous archive export.
type DownloadState string

const (
	DownloadPending    DownloadState = "PENDING"
	DownloadSuccessful DownloadState = "SUCCESSFUL"
	DownloadFailed     DownloadState = "FAILED"
)

// Terminal reports whether no further transition is allowed.
func (s DownloadState) Terminal() bool {
	return s == DownloadSuccessful || s == DownloadFailed
}

// TargetType is the kind of entity an export archives.
type TargetType string

const (
	TargetSession TargetType = "session"
	TargetSubject TargetType = "subject"
)

type DownloadLog struct {
	ID         uint          `gorm:"primaryKey" json:"id"`
	TaskID     string        `gorm:"size:64;uniqueIndex" json:"task_id"`
	UserID     *uint         `gorm:"index" json:"user_id,omitempty"`
	TargetType TargetType    `gorm:"size:16;index:idx_download_target" json:"target_type"`
	TargetID   string        `gorm:"size:64;index:idx_download_target" json:"target_id"`
	State      DownloadState `gorm:"size:16;index;default:'PENDING'" json:"state"`
	Error      string        `json:"error,omitempty"`
	Media      string        `json:"media,omitempty"`
	CreatedAt  time.Time     `gorm:"index" json:"created_at"`
	UpdatedAt  time.Time     `json:"updated_at"`
}

// AllModels lists every persisted model in migration order.
func AllModels() []interface{} {
	return []interface{}{
		&Group{},
		&User{},
		&Subject{},
		&Session{},
		&Trial{},
		&Video{},
		&Result{},
		&DownloadLog{},
	}
}
