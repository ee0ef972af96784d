package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/cloudevents/sdk-go/v2/event"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capturelab/mocap-server/pkg/domain/trial"
	"github.com/capturelab/mocap-server/pkg/export"
	"github.com/capturelab/mocap-server/pkg/scheduler"
	"github.com/capturelab/mocap-server/pkg/testing/dbtest"
	"github.com/capturelab/mocap-server/pkg/testing/mocks"
	"github.com/capturelab/mocap-server/pkg/types"
)

type harness struct {
	f      *dbtest.Fixture
	pub    *mocks.MockPublisher
	server *Server
	routes http.Handler
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	f := dbtest.NewFixture(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	pub := &mocks.MockPublisher{}

	s := New(Deps{
		Trials:       trial.NewService(f.DB, logger, "https://app.example.com"),
		Scheduler:    scheduler.New(f.DB, logger),
		Exports:      export.NewPipeline(f.DB, nil, &mocks.MockBlobStore{}, pub, export.Config{ScratchDir: t.TempDir()}, logger),
		Subjects:     f.DB,
		MediaBaseURL: "https://media.example.com/",
		Logger:       logger,
	})
	s.now = func() time.Time { return f.Now }
	return &harness{f: f, pub: pub, server: s, routes: s.Routes()}
}

func (h *harness) do(t *testing.T, method, target, body string, mutate ...func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, rd)
	for _, m := range mutate {
		m(req)
	}
	rec := httptest.NewRecorder()
	h.routes.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(rec.Body).Decode(v), rec.Body.String())
}

func TestRecordAndStop(t *testing.T) {
	h := newHarness(t)
	s := h.f.Session(nil, types.SessionMeta{})

	rec := h.do(t, http.MethodGet, "/sessions/"+s.ID.String()+"/record?name=walk", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var tr types.Trial
	decodeBody(t, rec, &tr)
	assert.Equal(t, "walk", tr.Name)
	assert.Equal(t, types.TrialRecording, tr.Status)

	rec = h.do(t, http.MethodGet, "/sessions/"+s.ID.String()+"/stop", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	decodeBody(t, rec, &tr)
	assert.Equal(t, types.TrialStopped, tr.Status)
}

func TestRecord_RejectsPathNames(t *testing.T) {
	h := newHarness(t)
	s := h.f.Session(nil, types.SessionMeta{})

	for _, name := range []string{"..%2F..%2Fescaped", "a%5Cb", ".."} {
		t.Run(name, func(t *testing.T) {
			rec := h.do(t, http.MethodGet, "/sessions/"+s.ID.String()+"/record?name="+name, "")
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
		})
	}

	trials, err := h.f.DB.ListTrials(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Empty(t, trials)
}

func TestSessionStatus_CreatesDeviceVideo(t *testing.T) {
	h := newHarness(t)
	s := h.f.Session(nil, types.SessionMeta{})
	h.f.Trial(s, "walk", types.TrialRecording, time.Minute)

	for i := 0; i < 2; i++ {
		rec := h.do(t, http.MethodGet, "/sessions/"+s.ID.String()+"/status?device_id=dev-1", "")
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		var report trial.StatusReport
		decodeBody(t, rec, &report)
		assert.Equal(t, trial.StatusRecording, report.Status)
		assert.NotNil(t, report.Video)
	}
}

func TestUnknownSession(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodGet, "/sessions/"+uuid.NewString()+"/stop", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = h.do(t, http.MethodGet, "/sessions/not-a-uuid/stop", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCancelTrial(t *testing.T) {
	h := newHarness(t)
	empty := h.f.Session(nil, types.SessionMeta{})

	rec := h.do(t, http.MethodGet, "/sessions/"+empty.ID.String()+"/cancel_trial", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]string
	decodeBody(t, rec, &body)
	assert.Equal(t, "noTrials", body["status"])

	s := h.f.Session(nil, types.SessionMeta{})
	tr := h.f.Trial(s, "walk", types.TrialRecording, time.Minute)
	rec = h.do(t, http.MethodGet, "/sessions/"+s.ID.String()+"/cancel_trial", "")
	require.Equal(t, http.StatusOK, rec.Code)
	decodeBody(t, rec, &body)
	assert.Equal(t, "error", body["status"])

	got, err := h.f.DB.GetTrial(context.Background(), tr.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TrialError, got.Status)
}

func TestSelectCalibration(t *testing.T) {
	h := newHarness(t)
	s := h.f.Session(nil, types.SessionMeta{})
	calib := h.f.Trial(s, types.TrialNameCalibration, types.TrialDone, time.Hour)

	tests := []struct {
		name string
		body string
		want int
	}{
		{"valid", `{"Cam0": 1, "Cam1": 0}`, http.StatusOK},
		{"out of range", `{"Cam0": 2}`, http.StatusBadRequest},
		{"path in camera key", `{"../../../camesc": 0}`, http.StatusBadRequest},
		{"malformed", `{"Cam0":`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := h.do(t, http.MethodPost, "/sessions/"+s.ID.String()+"/calibration", tt.body)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}

	got, err := h.f.DB.GetTrial(context.Background(), calib.ID)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"Cam0": 1, "Cam1": 0}, got.Meta.Data().Calibration)
}

func TestCalibratedCameras(t *testing.T) {
	h := newHarness(t)
	s := h.f.Session(nil, types.SessionMeta{})

	rec := h.do(t, http.MethodGet, "/sessions/"+s.ID.String()+"/get_n_calibrated_cameras", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		ErrorMessage string `json:"error_message"`
		Data         int    `json:"data"`
	}
	decodeBody(t, rec, &body)
	assert.Equal(t, 0, body.Data)
	assert.NotEmpty(t, body.ErrorMessage)

	calib := h.f.Trial(s, types.TrialNameCalibration, types.TrialDone, time.Hour)
	h.f.Video(calib, "dev-1", "v1.mov", h.f.Now)
	h.f.Video(calib, "dev-2", "v2.mov", h.f.Now)

	rec = h.do(t, http.MethodGet, "/sessions/"+s.ID.String()+"/get_n_calibrated_cameras", "")
	require.Equal(t, http.StatusOK, rec.Code)
	decodeBody(t, rec, &body)
	assert.Equal(t, 2, body.Data)
}

func TestSessionSettings(t *testing.T) {
	h := newHarness(t)
	s := h.f.Session(nil, types.SessionMeta{})

	rec := h.do(t, http.MethodGet, "/sessions/"+s.ID.String()+"/get_session_settings", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string][]int
	decodeBody(t, rec, &body)
	assert.Equal(t, []int{60}, body["framerates"])
}

func TestCreateSubject(t *testing.T) {
	h := newHarness(t)

	tests := []struct {
		name          string
		body          string
		wantCode      int
		wantBirthYear int
		wantAge       int
		wantField     string
	}{
		{"birth year derives age", `{"name":"s1","birth_year":1990}`, http.StatusCreated, 1990, 34, ""},
		{"age derives birth year", `{"name":"s2","age":30}`, http.StatusCreated, 1994, 30, ""},
		{"future birth year", `{"name":"s3","birth_year":2030}`, http.StatusBadRequest, 0, 0, "birth_year"},
		{"blank name", `{"name":" "}`, http.StatusBadRequest, 0, 0, "name"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := h.do(t, http.MethodPost, "/subjects", tt.body)
			require.Equal(t, tt.wantCode, rec.Code, rec.Body.String())
			if tt.wantCode != http.StatusCreated {
				var body map[string]string
				decodeBody(t, rec, &body)
				assert.Equal(t, tt.wantField, body["field"])
				return
			}
			var subj types.Subject
			decodeBody(t, rec, &subj)
			assert.NotZero(t, subj.ID)
			assert.Equal(t, tt.wantBirthYear, subj.BirthYear)
			assert.Equal(t, tt.wantAge, subj.Age)
		})
	}
}

func TestAsyncDownload(t *testing.T) {
	h := newHarness(t)
	s := h.f.Session(nil, types.SessionMeta{})

	rec := h.do(t, http.MethodPost, "/sessions/"+s.ID.String()+"/async-download", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var first map[string]string
	decodeBody(t, rec, &first)
	require.NotEmpty(t, first["task_id"])

	rec = h.do(t, http.MethodPost, "/sessions/"+s.ID.String()+"/async-download", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var second map[string]string
	decodeBody(t, rec, &second)
	assert.Equal(t, first["task_id"], second["task_id"], "pending export is reused")

	events := h.pub.Events()
	require.Len(t, events, 1)
	var req types.ExportRequest
	require.NoError(t, events[0].Event.DataAs(&req))
	assert.Equal(t, first["task_id"], req.TaskID)
	assert.Equal(t, types.TargetSession, req.TargetType)

	rec = h.do(t, http.MethodPost, "/subjects/999/async-download", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	subj := h.f.Subject(nil, "s1")
	rec = h.do(t, http.MethodPost, "/subjects/"+strconv.FormatUint(uint64(subj.ID), 10)+"/async-download", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAsyncDownload_PublishFailure(t *testing.T) {
	h := newHarness(t)
	h.pub.PublishCloudEventFunc = func(ctx context.Context, topic string, e event.Event) (string, error) {
		return "", errors.New("topic not found")
	}
	s := h.f.Session(nil, types.SessionMeta{})

	rec := h.do(t, http.MethodPost, "/sessions/"+s.ID.String()+"/async-download", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "topic not found")
}

func TestDownloadReady(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	create := func(state types.DownloadState, media, msg string) string {
		l := &types.DownloadLog{
			TaskID:     uuid.NewString(),
			TargetType: types.TargetSession,
			TargetID:   uuid.NewString(),
			State:      types.DownloadPending,
			CreatedAt:  h.f.Now,
			UpdatedAt:  h.f.Now,
		}
		require.NoError(t, h.f.DB.CreateDownloadLog(ctx, l))
		if state != types.DownloadPending {
			require.NoError(t, h.f.DB.FinishDownloadLog(ctx, l.TaskID, state, media, msg))
		}
		return l.TaskID
	}

	pending := create(types.DownloadPending, "", "")
	done := create(types.DownloadSuccessful, "archives/abc_1.zip", "")
	failed := create(types.DownloadFailed, "", "build failed")

	rec := h.do(t, http.MethodGet, "/logs/"+pending+"/on-ready", "")
	assert.Equal(t, http.StatusAccepted, rec.Code)

	rec = h.do(t, http.MethodGet, "/logs/"+uuid.NewString()+"/on-ready", "")
	assert.Equal(t, http.StatusAccepted, rec.Code)

	rec = h.do(t, http.MethodGet, "/logs/"+done+"/on-ready", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]string
	decodeBody(t, rec, &body)
	assert.Equal(t, "https://media.example.com/archives/abc_1.zip", body["url"])

	rec = h.do(t, http.MethodGet, "/logs/"+failed+"/on-ready", "")
	require.Equal(t, http.StatusOK, rec.Code)
	decodeBody(t, rec, &body)
	assert.Equal(t, "FAILED", body["state"])
	assert.Equal(t, "build failed", body["error"])
}

func TestDequeue(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodGet, "/trials/dequeue", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = h.do(t, http.MethodGet, "/trials/dequeue?workerType=gpu", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	s := h.f.Session(nil, types.SessionMeta{})
	tr := h.f.Trial(s, "walk", types.TrialStopped, time.Hour)

	rec = h.do(t, http.MethodGet, "/trials/dequeue", "", func(r *http.Request) {
		r.Header.Set("X-Forwarded-For", "10.0.0.7, 172.16.0.1")
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var got types.Trial
	decodeBody(t, rec, &got)
	assert.Equal(t, tr.ID, got.ID)
	assert.Equal(t, types.TrialProcessing, got.Status)
	assert.Equal(t, "10.0.0.7", got.Worker)

	rec = h.do(t, http.MethodGet, "/trials/dequeue", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTrialsWithStatus(t *testing.T) {
	h := newHarness(t)
	s := h.f.Session(nil, types.SessionMeta{})
	stuck := h.f.Trial(s, "walk", types.TrialProcessing, 48*time.Hour)
	h.f.Trial(s, "run", types.TrialDone, 48*time.Hour)

	rec := h.do(t, http.MethodGet, "/trials/get_trials_with_status?status=processing&hoursSinceUpdate=1", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var trials []types.Trial
	decodeBody(t, rec, &trials)
	require.Len(t, trials, 1)
	assert.Equal(t, stuck.ID, trials[0].ID)

	rec = h.do(t, http.MethodGet, "/trials/get_trials_with_status", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, http.MethodGet, "/trials/get_trials_with_status?status=done&hoursSinceUpdate=-1", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSetTrialStatus(t *testing.T) {
	h := newHarness(t)
	s := h.f.Session(nil, types.SessionMeta{})
	tr := h.f.Trial(s, "walk", types.TrialProcessing, time.Hour)
	url := "/trials/" + tr.ID.String() + "/status"

	tests := []struct {
		name string
		body string
		want int
	}{
		{"unknown status", `{"status":"bogus"}`, http.StatusBadRequest},
		{"done without results", `{"status":"done"}`, http.StatusBadRequest},
		{"processing is scheduler only", `{"status":"processing"}`, http.StatusBadRequest},
		{"error", `{"status":"error"}`, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := h.do(t, http.MethodPost, url, tt.body)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}

	rec := h.do(t, http.MethodPost, "/trials/"+uuid.NewString()+"/status", `{"status":"error"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWorkerAddress(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "192.0.2.1:5555"
	assert.Equal(t, "192.0.2.1", workerAddress(r))

	r.Header.Set("X-Forwarded-For", " 203.0.113.9 ")
	assert.Equal(t, "203.0.113.9", workerAddress(r))
}

func TestTrashAndRestore(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	s := h.f.Session(nil, types.SessionMeta{})
	tr := h.f.Trial(s, "walk", types.TrialDone, time.Minute)

	rec := h.do(t, http.MethodPost, "/trials/"+tr.ID.String()+"/trash", "")
	require.Equal(t, http.StatusNoContent, rec.Code)
	got, err := h.f.DB.GetTrial(ctx, tr.ID)
	require.NoError(t, err)
	assert.True(t, got.Trashed)
	assert.NotNil(t, got.TrashedAt)

	rec = h.do(t, http.MethodPost, "/trials/"+tr.ID.String()+"/restore", "")
	require.Equal(t, http.StatusNoContent, rec.Code)
	got, err = h.f.DB.GetTrial(ctx, tr.ID)
	require.NoError(t, err)
	assert.False(t, got.Trashed)
	assert.Nil(t, got.TrashedAt)

	rec = h.do(t, http.MethodPost, "/sessions/"+s.ID.String()+"/trash", "")
	require.Equal(t, http.StatusNoContent, rec.Code)
	sess, err := h.f.DB.GetSession(ctx, s.ID)
	require.NoError(t, err)
	assert.True(t, sess.Trashed)

	rec = h.do(t, http.MethodPost, "/sessions/"+uuid.NewString()+"/trash", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
