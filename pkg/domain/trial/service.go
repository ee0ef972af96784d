package trial

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	shared "github.com/capturelab/mocap-server/pkg"
	"github.com/capturelab/mocap-server/pkg/types"
)

const (
	defaultFramerate   = 60
	referenceFramerate = 30
)

var framerateOptions = []int{60, 120, 240}

// cameraKey matches the camera names calibration selections are keyed by.
var cameraKey = regexp.MustCompile(`^Cam\d+$`)

// ValidateName rejects names that would leave their folder once used as a
// path segment.
func ValidateName(name string) error {
	if strings.ContainsAny(name, `/\`) || strings.Contains(name, "..") {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

// Store is the persistence the lifecycle needs.
type Store interface {
	Resolver
	LatestTrial(ctx context.Context, sessionID uuid.UUID) (*types.Trial, error)
	CreateTrial(ctx context.Context, t *types.Trial) error
	TrialNames(ctx context.Context, sessionID uuid.UUID) ([]string, error)
	TransitionTrial(ctx context.Context, id uuid.UUID, from []types.TrialStatus, to types.TrialStatus) error
	SetTrialMeta(ctx context.Context, id uuid.UUID, meta types.TrialMeta) error
	SetTrialTrashed(ctx context.Context, id uuid.UUID, trashed bool, at time.Time) error
	SetSessionTrashed(ctx context.Context, id uuid.UUID, trashed bool, at time.Time) error
	TrialsWithStatus(ctx context.Context, status types.TrialStatus, updatedBefore time.Time) ([]types.Trial, error)
	ListVideos(ctx context.Context, trialID uuid.UUID) ([]types.Video, error)
	CreateVideo(ctx context.Context, v *types.Video) error
	DeleteVideos(ctx context.Context, ids []uuid.UUID) error
	ListResults(ctx context.Context, trialID uuid.UUID) ([]types.Result, error)
	DeleteResults(ctx context.Context, trialID uuid.UUID, tags []types.ResultTag) (int64, error)
}

// Service runs lifecycle operations on trials.
type Service struct {
	store   Store
	logger  *slog.Logger
	hostURL string
	now     func() time.Time

	// serializes the per-device video check-and-create within this process
	videoMu sync.Mutex
}

// NewService creates a lifecycle service. hostURL prefixes the pairing URL
// handed to devices when a session asks them to move on.
func NewService(store Store, logger *slog.Logger, hostURL string) *Service {
	return &Service{
		store:   store,
		logger:  logger.With("component", "trial"),
		hostURL: strings.TrimRight(hostURL, "/"),
		now:     time.Now,
	}
}

// StatusReport is what a capture device receives when it polls a session.
type StatusReport struct {
	Status            ClientStatus `json:"status"`
	Trial             *uuid.UUID   `json:"trial"`
	Video             *uuid.UUID   `json:"video"`
	Framerate         int          `json:"framerate"`
	NewSessionURL     *string      `json:"newSessionURL"`
	NCamerasConnected *int         `json:"n_cameras_connected"`
	NVideosUploaded   int          `json:"n_videos_uploaded"`
}

// Status derives the session status for a polling device. While the latest
// trial is recording, the first poll of each device creates its Video.
func (s *Service) Status(ctx context.Context, sessionID uuid.UUID, deviceID string) (*StatusReport, error) {
	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	meta := session.Meta.Data()

	report := &StatusReport{Framerate: defaultFramerate}
	if meta.Settings != nil {
		if fr, ok := meta.Settings.Framerate.Int(); ok && fr > 0 {
			report.Framerate = fr
		}
	}
	if id, ok := meta.StartNewSession.UUID(); ok {
		u := fmt.Sprintf("%s/sessions/%s/status/", s.hostURL, id)
		report.NewSessionURL = &u
	}

	latest, err := s.store.LatestTrial(ctx, sessionID)
	if errors.Is(err, shared.ErrNotFound) {
		report.Status = StatusReady
		return report, nil
	}
	if err != nil {
		return nil, err
	}
	report.Trial = &latest.ID
	if latest.Role() != types.RoleDynamic {
		report.Framerate = referenceFramerate
	}

	videos, err := s.store.ListVideos(ctx, latest.ID)
	if err != nil {
		return nil, err
	}

	if latest.Status == types.TrialRecording && deviceID != "" {
		videos, err = s.ensureVideo(ctx, latest.ID, deviceID)
		if err != nil {
			return nil, err
		}
		n := len(videos)
		report.NCamerasConnected = &n
	}

	nResults := 0
	if latest.Status == types.TrialStopped || latest.Status == types.TrialProcessing {
		results, err := s.store.ListResults(ctx, latest.ID)
		if err != nil {
			return nil, err
		}
		nResults = len(results)
	}
	report.Status = Derive(latest, videos, nResults)

	for i := range videos {
		if videos[i].Media != "" {
			report.NVideosUploaded++
		}
		if deviceID != "" && report.Video == nil && videos[i].DeviceID == deviceID {
			report.Video = &videos[i].ID
		}
	}
	return report, nil
}

// ensureVideo creates the device's video unless the trial already has one
// and returns the trial's videos afterwards.
func (s *Service) ensureVideo(ctx context.Context, trialID uuid.UUID, deviceID string) ([]types.Video, error) {
	s.videoMu.Lock()
	defer s.videoMu.Unlock()

	videos, err := s.store.ListVideos(ctx, trialID)
	if err != nil {
		return nil, err
	}
	for _, v := range videos {
		if v.DeviceID == deviceID {
			return videos, nil
		}
	}
	v := types.Video{TrialID: trialID, DeviceID: deviceID}
	if err := s.store.CreateVideo(ctx, &v); err != nil {
		return nil, fmt.Errorf("create video for device %s: %w", deviceID, err)
	}
	s.logger.Info("Device joined recording", "trial_id", trialID, "device_id", deviceID)
	return append(videos, v), nil
}

// Record starts a new trial in the session. A name already used in the
// session gets a numeric suffix; calibration and neutral trials are stopped
// immediately because they are single-frame captures.
func (s *Service) Record(ctx context.Context, sessionID uuid.UUID, name string) (*types.Trial, error) {
	if _, err := s.store.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: trial name is required", ErrInvalidTransition)
	}
	if err := ValidateName(name); err != nil {
		return nil, err
	}

	existing, err := s.store.TrialNames(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !types.IsReservedName(name) {
		name = UniqueName(name, existing)
	}

	t := &types.Trial{SessionID: sessionID, Name: name, Status: types.TrialRecording}
	if err := s.store.CreateTrial(ctx, t); err != nil {
		return nil, fmt.Errorf("create trial: %w", err)
	}
	s.logger.Info("Trial recording", "session_id", sessionID, "trial_id", t.ID, "name", name)

	if types.IsReservedName(name) {
		return s.Stop(ctx, sessionID)
	}
	return t, nil
}

// UniqueName returns name, or name_<n+1> when name is taken and n is the
// highest numeric suffix already used for it.
func UniqueName(name string, existing []string) string {
	taken := false
	highest := 0
	for _, e := range existing {
		if e == name {
			taken = true
			continue
		}
		if suffix, ok := strings.CutPrefix(e, name+"_"); ok {
			if n, err := strconv.Atoi(suffix); err == nil && n > highest {
				highest = n
			}
		}
	}
	if !taken {
		return name
	}
	return fmt.Sprintf("%s_%d", name, highest+1)
}

// Stop ends recording of the latest trial. Duplicate videos created by
// devices that polled twice are removed, keeping the earliest per device.
// Stopping an already stopped trial only re-runs the pruning.
func (s *Service) Stop(ctx context.Context, sessionID uuid.UUID) (*types.Trial, error) {
	latest, err := s.latest(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if latest.Status != types.TrialRecording && latest.Status != types.TrialStopped {
		return nil, fmt.Errorf("%w: stop from %s", ErrInvalidTransition, latest.Status)
	}

	videos, err := s.store.ListVideos(ctx, latest.ID)
	if err != nil {
		return nil, err
	}
	dups := DuplicateVideos(videos)
	if err := s.store.DeleteVideos(ctx, dups); err != nil {
		return nil, fmt.Errorf("prune duplicate videos: %w", err)
	}
	if len(dups) > 0 {
		s.logger.Info("Pruned duplicate videos", "trial_id", latest.ID, "count", len(dups))
	}

	if latest.Status == types.TrialRecording {
		err := s.store.TransitionTrial(ctx, latest.ID, []types.TrialStatus{types.TrialRecording}, types.TrialStopped)
		if err != nil && !errors.Is(err, shared.ErrStateConflict) {
			return nil, err
		}
	}
	return s.store.GetTrial(ctx, latest.ID)
}

// DuplicateVideos returns the ids of every video whose device already has an
// earlier video. videos must be ordered by creation.
func DuplicateVideos(videos []types.Video) []uuid.UUID {
	seen := make(map[string]bool, len(videos))
	var dups []uuid.UUID
	for _, v := range videos {
		if seen[v.DeviceID] {
			dups = append(dups, v.ID)
			continue
		}
		seen[v.DeviceID] = true
	}
	return dups
}

// Cancel marks the session's latest trial as error.
func (s *Service) Cancel(ctx context.Context, sessionID uuid.UUID) (*types.Trial, error) {
	latest, err := s.latest(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if latest.Status == types.TrialError {
		return latest, nil
	}
	if err := s.transition(ctx, latest, types.TrialError); err != nil {
		return nil, err
	}
	s.logger.Info("Trial cancelled", "session_id", sessionID, "trial_id", latest.ID)
	return s.store.GetTrial(ctx, latest.ID)
}

// SetStatus applies a status reported by a worker or an operator.
//   - done requires the results the trial's role produces
//   - reprocess clears previous results so the trial is schedulable again
func (s *Service) SetStatus(ctx context.Context, trialID uuid.UUID, to types.TrialStatus) (*types.Trial, error) {
	t, err := s.store.GetTrial(ctx, trialID)
	if err != nil {
		return nil, err
	}
	if t.Status == to {
		return t, nil
	}
	if to == types.TrialProcessing {
		return nil, fmt.Errorf("%w: processing is assigned by dequeue", ErrInvalidTransition)
	}
	if !CanTransition(t.Status, to) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, to)
	}

	switch to {
	case types.TrialDone:
		results, err := s.store.ListResults(ctx, t.ID)
		if err != nil {
			return nil, err
		}
		if missing := MissingTags(t.Role(), results); len(missing) > 0 {
			return nil, fmt.Errorf("%w: %v", ErrMissingResults, missing)
		}
	case types.TrialReprocess:
		n, err := s.store.DeleteResults(ctx, t.ID, nil)
		if err != nil {
			return nil, fmt.Errorf("reset results: %w", err)
		}
		s.logger.Info("Reset results for reprocessing", "trial_id", t.ID, "deleted", n)
	}

	if err := s.transition(ctx, t, to); err != nil {
		return nil, err
	}
	s.logger.Info("Trial status updated", "trial_id", t.ID, "from", t.Status, "to", to)
	return s.store.GetTrial(ctx, t.ID)
}

// SelectCalibration stores which of the two calibration solutions each
// camera uses, on the session's latest calibration trial.
func (s *Service) SelectCalibration(ctx context.Context, sessionID uuid.UUID, selection map[string]int) (*types.Trial, error) {
	for cam, v := range selection {
		if !cameraKey.MatchString(cam) {
			return nil, fmt.Errorf("%w: unknown camera %q", ErrInvalidSelection, cam)
		}
		if v != 0 && v != 1 {
			return nil, fmt.Errorf("%w: camera %s must use solution 0 or 1, got %d", ErrInvalidSelection, cam, v)
		}
	}
	t, err := s.store.LatestTrialByName(ctx, sessionID, types.TrialNameCalibration)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return nil, ErrCalibrationNotFound
		}
		return nil, err
	}
	meta := t.Meta.Data()
	meta.Calibration = selection
	if err := s.store.SetTrialMeta(ctx, t.ID, meta); err != nil {
		return nil, err
	}
	return s.store.GetTrial(ctx, t.ID)
}

// CalibratedCameras returns the number of cameras in the calibration trial
// that applies to the session.
func (s *Service) CalibratedCameras(ctx context.Context, sessionID uuid.UUID) (int, error) {
	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	calib, err := ResolveCalibration(ctx, s.store, session)
	if err != nil {
		return 0, err
	}
	videos, err := s.store.ListVideos(ctx, calib.ID)
	if err != nil {
		return 0, err
	}
	return len(videos), nil
}

// Framerates lists the capture rates every device of the reference session's
// latest trial supports. Devices that do not report a maximum count as 60.
func (s *Service) Framerates(ctx context.Context, sessionID uuid.UUID) ([]int, error) {
	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if id, ok := session.Meta.Data().SessionWithCalibration.UUID(); ok {
		if linked, err := s.store.GetSession(ctx, id); err == nil {
			session = linked
		} else if !errors.Is(err, shared.ErrNotFound) {
			return nil, err
		}
	}

	limit := defaultFramerate
	latest, err := s.store.LatestTrial(ctx, session.ID)
	if err != nil && !errors.Is(err, shared.ErrNotFound) {
		return nil, err
	}
	if latest != nil {
		videos, err := s.store.ListVideos(ctx, latest.ID)
		if err != nil {
			return nil, err
		}
		rates := make([]int, 0, len(videos))
		for _, v := range videos {
			fr := v.Parameters.Data().MaxFramerate
			if fr == 0 {
				fr = defaultFramerate
			}
			rates = append(rates, fr)
		}
		if len(rates) > 0 {
			sort.Ints(rates)
			limit = rates[0]
		}
	}

	var out []int
	for _, f := range framerateOptions {
		if f <= limit {
			out = append(out, f)
		}
	}
	return out, nil
}

// Stale returns trials stuck in status for at least the given duration.
func (s *Service) Stale(ctx context.Context, status types.TrialStatus, age time.Duration) ([]types.Trial, error) {
	return s.store.TrialsWithStatus(ctx, status, s.now().Add(-age))
}

func (s *Service) TrashTrial(ctx context.Context, id uuid.UUID) error {
	return s.store.SetTrialTrashed(ctx, id, true, s.now())
}

func (s *Service) RestoreTrial(ctx context.Context, id uuid.UUID) error {
	return s.store.SetTrialTrashed(ctx, id, false, s.now())
}

func (s *Service) TrashSession(ctx context.Context, id uuid.UUID) error {
	return s.store.SetSessionTrashed(ctx, id, true, s.now())
}

func (s *Service) RestoreSession(ctx context.Context, id uuid.UUID) error {
	return s.store.SetSessionTrashed(ctx, id, false, s.now())
}

func (s *Service) latest(ctx context.Context, sessionID uuid.UUID) (*types.Trial, error) {
	if _, err := s.store.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	t, err := s.store.LatestTrial(ctx, sessionID)
	if errors.Is(err, shared.ErrNotFound) {
		return nil, ErrNoTrials
	}
	return t, err
}

// transition applies from t's observed status; a concurrent change surfaces
// as ErrInvalidTransition.
func (s *Service) transition(ctx context.Context, t *types.Trial, to types.TrialStatus) error {
	if !CanTransition(t.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, to)
	}
	err := s.store.TransitionTrial(ctx, t.ID, []types.TrialStatus{t.Status}, to)
	if errors.Is(err, shared.ErrStateConflict) {
		return fmt.Errorf("%w: trial %s changed concurrently", ErrInvalidTransition, t.ID)
	}
	return err
}
