package types

import "strings"

// ResultTag identifies the kind of artifact a Result points at.
type ResultTag string

const (
	TagCalibrationImage   ResultTag = "calibration-img"
	TagCalibrationOptions ResultTag = "calibration_parameters_options"
	TagIKResults          ResultTag = "ik_results"
	TagMarkerData         ResultTag = "marker_data"
	TagOpenSimModel       ResultTag = "opensim_model"
	TagPosePickle         ResultTag = "pose_pickle"
	TagSessionMetadata    ResultTag = "session_metadata"
	TagVideoSync          ResultTag = "video-sync"

	// Produced by workers and stored, but not part of an archive.
	TagCameraMapping ResultTag = "camera_mapping"
	TagNeutralImage  ResultTag = "neutral-img"
	TagSessionZip    ResultTag = "session_zip"
)

var knownTags = map[ResultTag]bool{
	TagCalibrationImage:   true,
	TagCalibrationOptions: true,
	TagIKResults:          true,
	TagMarkerData:         true,
	TagOpenSimModel:       true,
	TagPosePickle:         true,
	TagSessionMetadata:    true,
	TagVideoSync:          true,
	TagCameraMapping:      true,
	TagNeutralImage:       true,
	TagSessionZip:         true,
}

func (t ResultTag) Valid() bool {
	return knownTags[t]
}

// TrialRole is derived from a trial's name.
type TrialRole int

const (
	RoleDynamic TrialRole = iota
	RoleCalibration
	RoleNeutral
)

func (r TrialRole) String() string {
	switch r {
	case RoleCalibration:
		return TrialNameCalibration
	case RoleNeutral:
		return TrialNameNeutral
	default:
		return "dynamic"
	}
}

// RoleOf maps a trial name to its role.
func RoleOf(name string) TrialRole {
	switch name {
	case TrialNameCalibration:
		return RoleCalibration
	case TrialNameNeutral:
		return RoleNeutral
	default:
		return RoleDynamic
	}
}

// IsReservedName reports whether name is one of the reserved trial names.
func IsReservedName(name string) bool {
	return RoleOf(name) != RoleDynamic
}

// FormatTrialName strips whitespace so the name is usable as a path segment.
func FormatTrialName(name string) string {
	return strings.Join(strings.Fields(name), "")
}

// RequiredTags is the minimum result set a trial of the given role needs
// before it can be marked done.
func RequiredTags(role TrialRole) []ResultTag {
	switch role {
	case RoleCalibration:
		return []ResultTag{TagCalibrationOptions, TagCalibrationImage}
	case RoleNeutral:
		return []ResultTag{TagOpenSimModel, TagSessionMetadata}
	default:
		return []ResultTag{TagMarkerData, TagIKResults}
	}
}
