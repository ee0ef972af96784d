// Package trial implements the trial lifecycle: recording, upload,
// processing and completion, plus the status clients poll while capturing.
package trial

import (
	"errors"
	"fmt"

	"github.com/capturelab/mocap-server/pkg/types"
)

var (
	// ErrInvalidTransition is returned for a move the lifecycle does not allow.
	ErrInvalidTransition = errors.New("invalid trial transition")

	// ErrMissingResults is returned when completing a trial that lacks the
	// results its role requires.
	ErrMissingResults = errors.New("trial is missing required results")

	// ErrNoTrials is returned by session-level actions on an empty session.
	ErrNoTrials = errors.New("session has no trials")

	ErrInvalidSelection = errors.New("invalid calibration selection")

	// ErrInvalidName is returned for trial names that cannot be used as a
	// single path segment.
	ErrInvalidName = errors.New("invalid trial name")
)

// transitions lists the allowed targets for each status. processing is only
// entered through the scheduler.
var transitions = map[types.TrialStatus][]types.TrialStatus{
	types.TrialRecording:  {types.TrialStopped, types.TrialError},
	types.TrialStopped:    {types.TrialProcessing, types.TrialError},
	types.TrialProcessing: {types.TrialDone, types.TrialError},
	types.TrialDone:       {types.TrialReprocess},
	types.TrialError:      {types.TrialReprocess},
	types.TrialReprocess:  {types.TrialProcessing, types.TrialError},
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to types.TrialStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Sources returns every status from which `to` can be reached.
func Sources(to types.TrialStatus) []types.TrialStatus {
	var out []types.TrialStatus
	for _, from := range []types.TrialStatus{
		types.TrialRecording, types.TrialStopped, types.TrialProcessing,
		types.TrialDone, types.TrialError, types.TrialReprocess,
	} {
		if CanTransition(from, to) {
			out = append(out, from)
		}
	}
	return out
}

// ParseStatus validates a status received from a client or worker.
func ParseStatus(s string) (types.TrialStatus, error) {
	st := types.TrialStatus(s)
	if _, ok := transitions[st]; !ok {
		return "", fmt.Errorf("unknown trial status %q", s)
	}
	return st, nil
}

// MissingTags returns the tags required for done that results do not cover.
func MissingTags(role types.TrialRole, results []types.Result) []types.ResultTag {
	have := make(map[types.ResultTag]bool, len(results))
	for _, r := range results {
		have[r.Tag] = true
	}
	var missing []types.ResultTag
	for _, tag := range types.RequiredTags(role) {
		if !have[tag] {
			missing = append(missing, tag)
		}
	}
	return missing
}

// ClientStatus is the status reported to capture devices. It is derived,
// never stored.
type ClientStatus string

const (
	StatusReady      ClientStatus = "ready"
	StatusRecording  ClientStatus = "recording"
	StatusUploading  ClientStatus = "uploading"
	StatusProcessing ClientStatus = "processing"
)

// Derive computes the client status for the latest trial of a session. A
// nil trial means the session has none.
func Derive(latest *types.Trial, videos []types.Video, nResults int) ClientStatus {
	if latest == nil {
		return StatusReady
	}
	switch latest.Status {
	case types.TrialRecording:
		return StatusRecording
	case types.TrialStopped, types.TrialProcessing:
		for _, v := range videos {
			if v.Media == "" {
				return StatusUploading
			}
		}
		if nResults == 0 {
			return StatusProcessing
		}
		return StatusReady
	default:
		return StatusReady
	}
}
