package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	shared "github.com/capturelab/mocap-server/pkg"
	"github.com/capturelab/mocap-server/pkg/domain/subject"
	"github.com/capturelab/mocap-server/pkg/domain/trial"
	"github.com/capturelab/mocap-server/pkg/export"
	httputil "github.com/capturelab/mocap-server/pkg/infrastructure/http"
	"github.com/capturelab/mocap-server/pkg/infrastructure/sentry"
	"github.com/capturelab/mocap-server/pkg/scheduler"
	"github.com/capturelab/mocap-server/pkg/types"
)

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	var verr *subject.ValidationError
	switch {
	case errors.As(err, &verr):
		httputil.WriteJSON(w, http.StatusBadRequest, map[string]string{
			"error": verr.Message,
			"field": verr.Field,
		})
		return
	case errors.Is(err, trial.ErrCalibrationNotFound), errors.Is(err, trial.ErrNeutralNotFound):
		httputil.WriteJSON(w, http.StatusNotFound, httputil.ErrorBody{Error: err.Error()})
		return
	}

	status := httputil.WriteError(w, err, badRequest...)
	if status >= http.StatusInternalServerError {
		s.Logger.Error("Request failed", "path", r.URL.Path, "status", status, "error", err)
		sentry.CaptureException(err, map[string]string{"path": r.URL.Path}, s.Logger)
	}
}

func pathUUID(r *http.Request, key string) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, key))
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %s is not a valid id", errBadInput, key)
	}
	return id, nil
}

func pathUint(r *http.Request, key string) (uint, error) {
	id, err := strconv.ParseUint(chi.URLParam(r, key), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s is not a valid id", errBadInput, key)
	}
	return uint(id), nil
}

func decode(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: %v", errBadInput, err)
	}
	return nil
}

// workerAddress identifies the caller: the first X-Forwarded-For hop when a
// proxy is in front, the socket peer otherwise.
func workerAddress(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return strings.TrimSpace(strings.Split(xff, ",")[0])
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// --- sessions ---

func (s *Server) sessionStatus(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	report, err := s.Trials.Status(r.Context(), id, r.URL.Query().Get("device_id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, report)
}

func (s *Server) record(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	t, err := s.Trials.Record(r.Context(), id, r.URL.Query().Get("name"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, t)
}

func (s *Server) stop(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	t, err := s.Trials.Stop(r.Context(), id)
	if errors.Is(err, trial.ErrNoTrials) {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorBody{Error: err.Error()})
		return
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, t)
}

func (s *Server) cancelTrial(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	_, err = s.Trials.Cancel(r.Context(), id)
	switch {
	case errors.Is(err, trial.ErrNoTrials):
		httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "noTrials"})
	case err != nil:
		s.fail(w, r, err)
	default:
		httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": string(types.TrialError)})
	}
}

func (s *Server) selectCalibration(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var selection map[string]int
	if err := decode(r, &selection); err != nil {
		s.fail(w, r, err)
		return
	}
	t, err := s.Trials.SelectCalibration(r.Context(), id, selection)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, t)
}

func (s *Server) calibratedCameras(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	n, err := s.Trials.CalibratedCameras(r.Context(), id)
	msg := ""
	if errors.Is(err, trial.ErrCalibrationNotFound) {
		n, msg, err = 0, "no calibration trial for this session", nil
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"error_message": msg,
		"data":          n,
	})
}

func (s *Server) sessionSettings(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	rates, err := s.Trials.Framerates(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string][]int{"framerates": rates})
}

// --- exports ---

func (s *Server) downloadSession(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.enqueue(w, r, export.SessionTarget(id))
}

func (s *Server) downloadSubject(w http.ResponseWriter, r *http.Request) {
	id, err := pathUint(r, "id")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if _, err := s.Subjects.GetSubject(r.Context(), id); err != nil {
		s.fail(w, r, err)
		return
	}
	s.enqueue(w, r, export.SubjectTarget(id))
}

func (s *Server) enqueue(w http.ResponseWriter, r *http.Request, t export.Target) {
	l, err := s.Exports.Enqueue(r.Context(), t, nil)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"task_id": l.TaskID})
}

func (s *Server) downloadReady(w http.ResponseWriter, r *http.Request) {
	l, err := s.Exports.Status(r.Context(), chi.URLParam(r, "task_id"))
	if errors.Is(err, shared.ErrNotFound) {
		// The worker creates the log when a job arrives without one.
		w.WriteHeader(http.StatusAccepted)
		return
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}

	switch l.State {
	case types.DownloadSuccessful:
		httputil.WriteJSON(w, http.StatusOK, map[string]string{"url": s.mediaURL(l.Media)})
	case types.DownloadFailed:
		httputil.WriteJSON(w, http.StatusOK, map[string]string{
			"state": string(l.State),
			"error": l.Error,
		})
	default:
		w.WriteHeader(http.StatusAccepted)
	}
}

func (s *Server) mediaURL(key string) string {
	if s.MediaBaseURL == "" {
		return key
	}
	return strings.TrimRight(s.MediaBaseURL, "/") + "/" + strings.TrimLeft(key, "/")
}

// --- subjects ---

type subjectRequest struct {
	Name            string  `json:"name"`
	Weight          float64 `json:"weight"`
	Height          float64 `json:"height"`
	Age             *int    `json:"age"`
	BirthYear       *int    `json:"birth_year"`
	Gender          string  `json:"gender"`
	SexAtBirth      string  `json:"sex_at_birth"`
	Characteristics string  `json:"characteristics"`
}

func (s *Server) createSubject(w http.ResponseWriter, r *http.Request) {
	var req subjectRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		s.fail(w, r, &subject.ValidationError{Field: "name", Message: "this field may not be blank"})
		return
	}

	subj := &types.Subject{
		Name:            req.Name,
		Weight:          req.Weight,
		Height:          req.Height,
		Gender:          req.Gender,
		SexAtBirth:      req.SexAtBirth,
		Characteristics: req.Characteristics,
	}
	if err := subject.Apply(subj, subject.Input{Age: req.Age, BirthYear: req.BirthYear}, s.now()); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.Subjects.CreateSubject(r.Context(), subj); err != nil {
		s.fail(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, subj)
}

// --- trials ---

func (s *Server) dequeue(w http.ResponseWriter, r *http.Request) {
	wt, err := scheduler.ParseWorkerType(r.URL.Query().Get("workerType"))
	if err != nil {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorBody{Error: err.Error()})
		return
	}
	t, err := s.Scheduler.Dequeue(r.Context(), scheduler.Worker{Type: wt, Address: workerAddress(r)})
	if errors.Is(err, scheduler.ErrNoWorkAvailable) {
		httputil.WriteJSON(w, http.StatusNotFound, httputil.ErrorBody{Error: err.Error()})
		return
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, t)
}

func (s *Server) trialsWithStatus(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	status := types.TrialStatus(q.Get("status"))
	if status == "" {
		s.fail(w, r, fmt.Errorf("%w: status is required", errBadInput))
		return
	}
	var hours float64
	if v := q.Get("hoursSinceUpdate"); v != "" {
		h, err := strconv.ParseFloat(v, 64)
		if err != nil || h < 0 {
			s.fail(w, r, fmt.Errorf("%w: hoursSinceUpdate must be a non-negative number", errBadInput))
			return
		}
		hours = h
	}

	trials, err := s.Trials.Stale(r.Context(), status, time.Duration(hours*float64(time.Hour)))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if trials == nil {
		trials = []types.Trial{}
	}
	httputil.WriteJSON(w, http.StatusOK, trials)
}

func (s *Server) setTrialStatus(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var body struct {
		Status types.TrialStatus `json:"status"`
	}
	if err := decode(r, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	status, err := trial.ParseStatus(string(body.Status))
	if err != nil {
		s.fail(w, r, fmt.Errorf("%w: %v", errBadInput, err))
		return
	}
	t, err := s.Trials.SetStatus(r.Context(), id, status)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, t)
}

// trashToggle answers POST /{sessions,trials}/{id}/{trash,restore}.
func (s *Server) trashToggle(apply func(context.Context, uuid.UUID) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathUUID(r, "id")
		if err != nil {
			s.fail(w, r, err)
			return
		}
		if err := apply(r.Context(), id); err != nil {
			s.fail(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
