// Package scheduler hands processing workers the next trial to work on.
//
// Candidates come from a fixed sequence of pools chosen by worker type. The
// first pool with a candidate wins, so any stopped trial is handed out before
// any trial queued for reprocessing. Inside a pool, sessions owned by admin or
// priority group members go first, then the oldest trial.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	shared "github.com/capturelab/mocap-server/pkg"
	"github.com/capturelab/mocap-server/pkg/types"
)

// UploadWindow is how long a video without media keeps its trial out of
// scheduling. Devices that have not uploaded by then are presumed gone.
const UploadWindow = 15 * time.Minute

// ErrNoWorkAvailable means every pool for the worker type is empty.
var ErrNoWorkAvailable = errors.New("no work available")

// WorkerType selects which trials a worker can process.
type WorkerType string

const (
	WorkerDefault     WorkerType = ""
	WorkerCalibration WorkerType = "calibration"
	WorkerDynamic     WorkerType = "dynamic"
)

// ParseWorkerType validates the worker type a worker declares.
func ParseWorkerType(s string) (WorkerType, error) {
	switch WorkerType(s) {
	case WorkerDefault, WorkerCalibration, WorkerDynamic:
		return WorkerType(s), nil
	case "all", "default":
		return WorkerDefault, nil
	}
	return "", fmt.Errorf("unknown worker type %q", s)
}

// Pool is one step of the candidate search.
type Pool struct {
	Statuses []types.TrialStatus
	Roles    shared.RoleFilter
}

func (p Pool) String() string {
	roles := "any"
	switch p.Roles {
	case shared.OnlyReserved:
		roles = "calibration|neutral"
	case shared.ExcludeReserved:
		roles = "dynamic"
	}
	return fmt.Sprintf("%v/%s", p.Statuses, roles)
}

var (
	stopped   = []types.TrialStatus{types.TrialStopped}
	reprocess = []types.TrialStatus{types.TrialReprocess}
)

// Plan returns the pools searched, in order, for a worker type.
func Plan(w WorkerType) []Pool {
	switch w {
	case WorkerCalibration:
		return []Pool{
			{Statuses: stopped, Roles: shared.OnlyReserved},
			{Statuses: reprocess, Roles: shared.OnlyReserved},
		}
	case WorkerDynamic:
		return []Pool{
			{Statuses: stopped, Roles: shared.ExcludeReserved},
			{Statuses: reprocess, Roles: shared.ExcludeReserved},
		}
	default:
		return []Pool{
			{Statuses: stopped, Roles: shared.OnlyReserved},
			{Statuses: stopped, Roles: shared.AnyRole},
			{Statuses: reprocess, Roles: shared.OnlyReserved},
			{Statuses: reprocess, Roles: shared.AnyRole},
		}
	}
}

// Claimer atomically claims the best candidate of one pool.
type Claimer interface {
	ClaimTrial(ctx context.Context, q shared.ClaimQuery) (*types.Trial, error)
}

// Worker identifies the requesting process.
type Worker struct {
	Type    WorkerType
	Address string
}

type Scheduler struct {
	claimer Claimer
	logger  *slog.Logger
	now     func() time.Time
}

func New(claimer Claimer, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		claimer: claimer,
		logger:  logger.With("component", "scheduler"),
		now:     time.Now,
	}
}

// Dequeue claims the next trial for w and returns it in processing state.
// It returns ErrNoWorkAvailable when there is nothing to do; any other error
// is a storage failure.
func (s *Scheduler) Dequeue(ctx context.Context, w Worker) (*types.Trial, error) {
	cutoff := s.now().Add(-UploadWindow)
	for _, pool := range Plan(w.Type) {
		t, err := s.claimer.ClaimTrial(ctx, shared.ClaimQuery{
			Statuses:     pool.Statuses,
			Roles:        pool.Roles,
			Worker:       w.Address,
			UploadCutoff: cutoff,
		})
		if errors.Is(err, shared.ErrNoCandidate) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("claim from %s: %w", pool, err)
		}
		s.logger.Info("Trial dequeued",
			"trial_id", t.ID,
			"session_id", t.SessionID,
			"name", t.Name,
			"worker", w.Address,
			"worker_type", string(w.Type),
			"attempts", t.Attempts,
		)
		return t, nil
	}
	return nil, ErrNoWorkAvailable
}
