package database_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	shared "github.com/capturelab/mocap-server/pkg"
	"github.com/capturelab/mocap-server/pkg/testing/dbtest"
	"github.com/capturelab/mocap-server/pkg/types"
)

func stoppedPool(f *dbtest.Fixture, worker string) shared.ClaimQuery {
	return shared.ClaimQuery{
		Statuses:     []types.TrialStatus{types.TrialStopped},
		Roles:        shared.AnyRole,
		Worker:       worker,
		UploadCutoff: f.Now.Add(-15 * time.Minute),
	}
}

func TestClaimTrial_OldestFirstAndServerAffinity(t *testing.T) {
	f := dbtest.NewFixture(t)
	ctx := context.Background()
	s := f.Session(f.User("alice"), types.SessionMeta{})
	older := f.Trial(s, "walk", types.TrialStopped, 2*time.Hour)
	f.Trial(s, "run", types.TrialStopped, time.Hour)

	got, err := f.DB.ClaimTrial(ctx, stoppedPool(f, "10.0.0.7"))
	require.NoError(t, err)
	assert.Equal(t, older.ID, got.ID)
	assert.Equal(t, types.TrialProcessing, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.Equal(t, "10.0.0.7", got.Worker)

	sess, err := f.DB.GetSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.7", sess.Server)

	// A second worker gets the other trial and does not overwrite affinity.
	second, err := f.DB.ClaimTrial(ctx, stoppedPool(f, "10.0.0.8"))
	require.NoError(t, err)
	assert.Equal(t, "run", second.Name)
	sess, err = f.DB.GetSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.7", sess.Server)

	_, err = f.DB.ClaimTrial(ctx, stoppedPool(f, "10.0.0.9"))
	assert.True(t, errors.Is(err, shared.ErrNoCandidate))
}

func TestClaimTrial_PriorityOwnersFirst(t *testing.T) {
	f := dbtest.NewFixture(t)
	regular := f.Session(f.User("bob"), types.SessionMeta{})
	vip := f.Session(f.User("carol", types.GroupPriority), types.SessionMeta{})
	f.Trial(regular, "old", types.TrialStopped, 5*time.Hour)
	fresh := f.Trial(vip, "new", types.TrialStopped, time.Minute)

	got, err := f.DB.ClaimTrial(context.Background(), stoppedPool(f, "w"))
	require.NoError(t, err)
	assert.Equal(t, fresh.ID, got.ID)
}

func TestClaimTrial_Exclusions(t *testing.T) {
	f := dbtest.NewFixture(t)
	ctx := context.Background()
	s := f.Session(nil, types.SessionMeta{})

	uploading := f.Trial(s, "uploading", types.TrialStopped, 4*time.Hour)
	f.Video(uploading, "dev-a", "", f.Now.Add(-time.Minute))

	withResult := f.Trial(s, "processed", types.TrialStopped, 3*time.Hour)
	f.Result(withResult, types.TagMarkerData, "", "m.trc", f.Now)

	trashed := f.Trial(s, "trashed", types.TrialStopped, 2*time.Hour)
	require.NoError(t, f.DB.SetTrialTrashed(ctx, trashed.ID, true, f.Now))

	abandoned := f.Trial(s, "abandoned", types.TrialStopped, time.Hour)
	f.Video(abandoned, "dev-b", "", f.Now.Add(-time.Hour))

	got, err := f.DB.ClaimTrial(ctx, stoppedPool(f, "w"))
	require.NoError(t, err)
	assert.Equal(t, abandoned.ID, got.ID, "stale pending upload must not block scheduling")

	_, err = f.DB.ClaimTrial(ctx, stoppedPool(f, "w"))
	assert.ErrorIs(t, err, shared.ErrNoCandidate)
}

func TestClaimTrial_RoleFilters(t *testing.T) {
	f := dbtest.NewFixture(t)
	s := f.Session(nil, types.SessionMeta{})
	f.Trial(s, "walk", types.TrialStopped, 2*time.Hour)
	calib := f.Trial(s, types.TrialNameCalibration, types.TrialStopped, time.Hour)

	q := stoppedPool(f, "w")
	q.Roles = shared.OnlyReserved
	got, err := f.DB.ClaimTrial(context.Background(), q)
	require.NoError(t, err)
	assert.Equal(t, calib.ID, got.ID)

	q.Roles = shared.ExcludeReserved
	got, err = f.DB.ClaimTrial(context.Background(), q)
	require.NoError(t, err)
	assert.Equal(t, "walk", got.Name)
}

func TestClaimTrial_TrashedSessionExcluded(t *testing.T) {
	f := dbtest.NewFixture(t)
	ctx := context.Background()
	s := f.Session(nil, types.SessionMeta{})
	f.Trial(s, "walk", types.TrialStopped, time.Hour)
	require.NoError(t, f.DB.SetSessionTrashed(ctx, s.ID, true, f.Now))

	_, err := f.DB.ClaimTrial(ctx, stoppedPool(f, "w"))
	assert.ErrorIs(t, err, shared.ErrNoCandidate)
}

func TestTransitionTrial(t *testing.T) {
	f := dbtest.NewFixture(t)
	ctx := context.Background()
	s := f.Session(nil, types.SessionMeta{})
	tr := f.Trial(s, "walk", types.TrialRecording, 0)

	require.NoError(t, f.DB.TransitionTrial(ctx, tr.ID, []types.TrialStatus{types.TrialRecording}, types.TrialStopped))

	err := f.DB.TransitionTrial(ctx, tr.ID, []types.TrialStatus{types.TrialRecording}, types.TrialStopped)
	assert.ErrorIs(t, err, shared.ErrStateConflict)

	got, err := f.DB.GetTrial(ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TrialStopped, got.Status)

	missing := f.Trial(s, "other", types.TrialRecording, 0)
	missing.ID[0] ^= 0xff
	err = f.DB.TransitionTrial(ctx, missing.ID, []types.TrialStatus{types.TrialRecording}, types.TrialStopped)
	assert.ErrorIs(t, err, shared.ErrNotFound)
}

func TestSetTrialMeta_PreservesUnknownKeys(t *testing.T) {
	f := dbtest.NewFixture(t)
	ctx := context.Background()
	s := f.Session(nil, types.SessionMeta{})
	tr := f.Trial(s, types.TrialNameCalibration, types.TrialDone, 0)

	meta := types.TrialMeta{Calibration: map[string]int{"Cam0": 1}}
	require.NoError(t, meta.UnmarshalJSON([]byte(`{"calibration":{"Cam0":1},"client":"ios"}`)))
	require.NoError(t, f.DB.SetTrialMeta(ctx, tr.ID, meta))

	got, err := f.DB.GetTrial(ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Meta.Data().Calibration["Cam0"])
	assert.JSONEq(t, `"ios"`, string(got.Meta.Data().Extra["client"]))
}

func TestDownloadLogLifecycle(t *testing.T) {
	f := dbtest.NewFixture(t)
	ctx := context.Background()

	l := &types.DownloadLog{TaskID: "task-1", TargetType: types.TargetSession, TargetID: "s1", State: types.DownloadPending}
	require.NoError(t, f.DB.CreateDownloadLog(ctx, l))

	pending, err := f.DB.FindPendingDownloadLog(ctx, types.TargetSession, "s1", time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, "task-1", pending.TaskID)

	require.NoError(t, f.DB.FinishDownloadLog(ctx, "task-1", types.DownloadSuccessful, "archives/s1_x.zip", ""))
	assert.ErrorIs(t, f.DB.FinishDownloadLog(ctx, "task-1", types.DownloadFailed, "", "late"), shared.ErrStateConflict)
	assert.ErrorIs(t, f.DB.FinishDownloadLog(ctx, "nope", types.DownloadFailed, "", ""), shared.ErrNotFound)

	got, err := f.DB.GetDownloadLog(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, types.DownloadSuccessful, got.State)
	assert.Equal(t, "archives/s1_x.zip", got.Media)

	_, err = f.DB.FindPendingDownloadLog(ctx, types.TargetSession, "s1", time.Now().Add(-time.Hour))
	assert.ErrorIs(t, err, shared.ErrNotFound)
}

func TestPurgeTrashed(t *testing.T) {
	f := dbtest.NewFixture(t)
	ctx := context.Background()
	keep := f.Session(nil, types.SessionMeta{})
	gone := f.Session(nil, types.SessionMeta{})
	tr := f.Trial(gone, "walk", types.TrialDone, 0)
	f.Video(tr, "d", "v.mov", f.Now)
	kept := f.Trial(keep, "walk", types.TrialDone, 0)
	oldTrash := f.Trial(keep, "bad", types.TrialDone, 0)

	require.NoError(t, f.DB.SetSessionTrashed(ctx, gone.ID, true, f.Now.AddDate(0, 0, -40)))
	require.NoError(t, f.DB.SetTrialTrashed(ctx, oldTrash.ID, true, f.Now.AddDate(0, 0, -40)))

	cutoff := f.Now.AddDate(0, 0, -30)
	n, err := f.DB.PurgeTrashedSessions(ctx, cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	n, err = f.DB.PurgeTrashedTrials(ctx, cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = f.DB.GetSession(ctx, gone.ID)
	assert.ErrorIs(t, err, shared.ErrNotFound)
	_, err = f.DB.GetTrial(ctx, tr.ID)
	assert.ErrorIs(t, err, shared.ErrNotFound)
	_, err = f.DB.GetTrial(ctx, kept.ID)
	assert.NoError(t, err)
}
