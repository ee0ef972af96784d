package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"

	shared "github.com/capturelab/mocap-server/pkg"
	"github.com/capturelab/mocap-server/pkg/types"
)

type mockClaimer struct {
	ClaimTrialFunc func(ctx context.Context, q shared.ClaimQuery) (*types.Trial, error)
	calls          []shared.ClaimQuery
}

func (m *mockClaimer) ClaimTrial(ctx context.Context, q shared.ClaimQuery) (*types.Trial, error) {
	m.calls = append(m.calls, q)
	return m.ClaimTrialFunc(ctx, q)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestPlan(t *testing.T) {
	tests := []struct {
		worker WorkerType
		want   []Pool
	}{
		{WorkerDefault, []Pool{
			{stopped, shared.OnlyReserved},
			{stopped, shared.AnyRole},
			{reprocess, shared.OnlyReserved},
			{reprocess, shared.AnyRole},
		}},
		{WorkerCalibration, []Pool{
			{stopped, shared.OnlyReserved},
			{reprocess, shared.OnlyReserved},
		}},
		{WorkerDynamic, []Pool{
			{stopped, shared.ExcludeReserved},
			{reprocess, shared.ExcludeReserved},
		}},
	}
	for _, tt := range tests {
		got := Plan(tt.worker)
		if len(got) != len(tt.want) {
			t.Fatalf("Plan(%q) has %d pools, want %d", tt.worker, len(got), len(tt.want))
		}
		for i := range got {
			if got[i].String() != tt.want[i].String() {
				t.Errorf("Plan(%q)[%d] = %s, want %s", tt.worker, i, got[i], tt.want[i])
			}
		}
	}
}

func TestParseWorkerType(t *testing.T) {
	for in, want := range map[string]WorkerType{"": WorkerDefault, "all": WorkerDefault, "dynamic": WorkerDynamic, "calibration": WorkerCalibration} {
		got, err := ParseWorkerType(in)
		if err != nil || got != want {
			t.Errorf("ParseWorkerType(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
	if _, err := ParseWorkerType("gpu"); err == nil {
		t.Error("expected error for unknown worker type")
	}
}

func TestDequeue_FallsThroughEmptyPools(t *testing.T) {
	want := &types.Trial{ID: uuid.New(), Status: types.TrialProcessing}
	claimer := &mockClaimer{ClaimTrialFunc: func(ctx context.Context, q shared.ClaimQuery) (*types.Trial, error) {
		if q.Statuses[0] == types.TrialReprocess {
			return want, nil
		}
		return nil, shared.ErrNoCandidate
	}}
	s := New(claimer, discardLogger())
	now := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	got, err := s.Dequeue(context.Background(), Worker{Address: "10.1.1.1"})
	if err != nil {
		t.Fatalf("Dequeue() error = %v", err)
	}
	if got != want {
		t.Errorf("Dequeue() = %v, want %v", got, want)
	}
	if len(claimer.calls) != 3 {
		t.Fatalf("ClaimTrial called %d times, want 3", len(claimer.calls))
	}
	for _, q := range claimer.calls {
		if q.Worker != "10.1.1.1" {
			t.Errorf("worker = %q", q.Worker)
		}
		if !q.UploadCutoff.Equal(now.Add(-UploadWindow)) {
			t.Errorf("cutoff = %v, want %v", q.UploadCutoff, now.Add(-UploadWindow))
		}
	}
}

func TestDequeue_NoWork(t *testing.T) {
	claimer := &mockClaimer{ClaimTrialFunc: func(ctx context.Context, q shared.ClaimQuery) (*types.Trial, error) {
		return nil, shared.ErrNoCandidate
	}}
	_, err := New(claimer, discardLogger()).Dequeue(context.Background(), Worker{Type: WorkerDynamic})
	if !errors.Is(err, ErrNoWorkAvailable) {
		t.Errorf("Dequeue() error = %v, want ErrNoWorkAvailable", err)
	}
}

func TestDequeue_StorageFailureIsNotNoWork(t *testing.T) {
	boom := errors.New("connection reset")
	claimer := &mockClaimer{ClaimTrialFunc: func(ctx context.Context, q shared.ClaimQuery) (*types.Trial, error) {
		return nil, boom
	}}
	_, err := New(claimer, discardLogger()).Dequeue(context.Background(), Worker{})
	if errors.Is(err, ErrNoWorkAvailable) || !errors.Is(err, boom) {
		t.Errorf("Dequeue() error = %v, want wrapped storage error", err)
	}
}
