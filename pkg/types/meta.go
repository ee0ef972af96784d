package types

import (
	"bytes"
	"encoding/json"
	"strconv"

	"github.com/google/uuid"
)

// Number accepts either a JSON number or a numeric string. Mobile clients
// send both.
type Number string

func (n *Number) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*n = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*n = Number(s)
		return nil
	}
	var num json.Number
	if err := json.Unmarshal(b, &num); err != nil {
		return err
	}
	*n = Number(num.String())
	return nil
}

func (n Number) Float64() (float64, bool) {
	f, err := strconv.ParseFloat(string(n), 64)
	return f, err == nil
}

func (n Number) Int() (int, bool) {
	f, ok := n.Float64()
	return int(f), ok
}

// Ref is a link to another entity stored in metadata.
type Ref struct {
	ID string `json:"id"`
}

// UUID parses the reference; ok is false for empty or malformed ids.
func (r *Ref) UUID() (uuid.UUID, bool) {
	if r == nil || r.ID == "" {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(r.ID)
	return id, err == nil
}

type SubjectMeta struct {
	ID          string  `json:"id,omitempty"`
	Mass        float64 `json:"mass,omitempty"`
	Height      float64 `json:"height,omitempty"`
	Sex         string  `json:"sex,omitempty"`
	Gender      string  `json:"gender,omitempty"`
	DataSharing string  `json:"datasharing,omitempty"`
	PoseModel   string  `json:"posemodel,omitempty"`
}

type SessionSettings struct {
	Framerate      Number `json:"framerate,omitempty"`
	DataSharing    string `json:"datasharing,omitempty"`
	PoseModel      string `json:"posemodel,omitempty"`
	OpenSimModel   string `json:"openSimModel,omitempty"`
	AugmenterModel string `json:"augmentermodel,omitempty"`
}

type Checkerboard struct {
	SquareSize Number `json:"square_size,omitempty"`
	Rows       Number `json:"rows,omitempty"`
	Cols       Number `json:"cols,omitempty"`
	Placement  string `json:"placement,omitempty"`
}

// SessionMeta is the typed view of a session's metadata document. Keys the
// server does not interpret are kept in Extra and written back unchanged.
type SessionMeta struct {
	Subject                *SubjectMeta     `json:"subject,omitempty"`
	Settings               *SessionSettings `json:"settings,omitempty"`
	Checkerboard           *Checkerboard    `json:"checkerboard,omitempty"`
	SessionWithCalibration *Ref             `json:"sessionWithCalibration,omitempty"`
	NeutralTrial           *Ref             `json:"neutral_trial,omitempty"`
	StartNewSession        *Ref             `json:"startNewSession,omitempty"`
	SessionName            string           `json:"sessionName,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

type sessionMetaAlias SessionMeta

var sessionMetaKeys = []string{
	"subject", "settings", "checkerboard", "sessionWithCalibration",
	"neutral_trial", "startNewSession", "sessionName",
}

func (m SessionMeta) MarshalJSON() ([]byte, error) {
	return marshalWithExtra(sessionMetaAlias(m), m.Extra)
}

func (m *SessionMeta) UnmarshalJSON(b []byte) error {
	var a sessionMetaAlias
	extra, err := unmarshalWithExtra(b, &a, sessionMetaKeys)
	if err != nil {
		return err
	}
	*m = SessionMeta(a)
	m.Extra = extra
	return nil
}

// TrialMeta is the typed view of a trial's metadata document.
type TrialMeta struct {
	// Calibration selects solution 0 or 1 per camera name.
	Calibration map[string]int `json:"calibration,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

type trialMetaAlias TrialMeta

var trialMetaKeys = []string{"calibration"}

func (m TrialMeta) MarshalJSON() ([]byte, error) {
	return marshalWithExtra(trialMetaAlias(m), m.Extra)
}

func (m *TrialMeta) UnmarshalJSON(b []byte) error {
	var a trialMetaAlias
	extra, err := unmarshalWithExtra(b, &a, trialMetaKeys)
	if err != nil {
		return err
	}
	*m = TrialMeta(a)
	m.Extra = extra
	return nil
}

func marshalWithExtra(known interface{}, extra map[string]json.RawMessage) ([]byte, error) {
	b, err := json.Marshal(known)
	if err != nil || len(extra) == 0 {
		return b, err
	}
	merged := make(map[string]json.RawMessage, len(extra))
	for k, v := range extra {
		merged[k] = v
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(b, &fields); err != nil {
		return nil, err
	}
	for k, v := range fields {
		merged[k] = v
	}
	return json.Marshal(merged)
}

func unmarshalWithExtra(b []byte, known interface{}, keys []string) (map[string]json.RawMessage, error) {
	if len(bytes.TrimSpace(b)) == 0 || bytes.Equal(bytes.TrimSpace(b), []byte("null")) {
		return nil, nil
	}
	if err := json.Unmarshal(b, known); err != nil {
		return nil, err
	}
	var all map[string]json.RawMessage
	if err := json.Unmarshal(b, &all); err != nil {
		return nil, err
	}
	for _, k := range keys {
		delete(all, k)
	}
	if len(all) == 0 {
		return nil, nil
	}
	return all, nil
}
