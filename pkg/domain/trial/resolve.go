package trial

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	shared "github.com/capturelab/mocap-server/pkg"
	"github.com/capturelab/mocap-server/pkg/types"
)

// MaxLinkHops bounds how far sessionWithCalibration links are followed.
const MaxLinkHops = 10

var (
	ErrCalibrationNotFound = errors.New("no calibration trial reachable from session")
	ErrNeutralNotFound     = errors.New("no neutral trial for session")
)

// Resolver is the read access needed to resolve reference trials.
type Resolver interface {
	GetSession(ctx context.Context, id uuid.UUID) (*types.Session, error)
	GetTrial(ctx context.Context, id uuid.UUID) (*types.Trial, error)
	LatestTrialByName(ctx context.Context, sessionID uuid.UUID, name string) (*types.Trial, error)
}

// ResolveCalibration returns the most recent calibration trial of the
// session, following sessionWithCalibration links when the session has
// none. Cycles and chains longer than MaxLinkHops end the search.
func ResolveCalibration(ctx context.Context, r Resolver, session *types.Session) (*types.Trial, error) {
	visited := make(map[uuid.UUID]bool)
	cur := session
	for hop := 0; hop <= MaxLinkHops; hop++ {
		visited[cur.ID] = true

		t, err := r.LatestTrialByName(ctx, cur.ID, types.TrialNameCalibration)
		if err == nil {
			return t, nil
		}
		if !errors.Is(err, shared.ErrNotFound) {
			return nil, fmt.Errorf("calibration trial of %s: %w", cur.ID, err)
		}

		next, ok := cur.Meta.Data().SessionWithCalibration.UUID()
		if !ok || visited[next] {
			break
		}
		cur, err = r.GetSession(ctx, next)
		if errors.Is(err, shared.ErrNotFound) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("linked session %s: %w", next, err)
		}
	}
	return nil, ErrCalibrationNotFound
}

// ResolveNeutral returns the most recent neutral trial of the session, or
// the trial referenced by its neutral_trial metadata.
func ResolveNeutral(ctx context.Context, r Resolver, session *types.Session) (*types.Trial, error) {
	t, err := r.LatestTrialByName(ctx, session.ID, types.TrialNameNeutral)
	if err == nil {
		return t, nil
	}
	if !errors.Is(err, shared.ErrNotFound) {
		return nil, fmt.Errorf("neutral trial of %s: %w", session.ID, err)
	}

	id, ok := session.Meta.Data().NeutralTrial.UUID()
	if !ok {
		return nil, ErrNeutralNotFound
	}
	t, err = r.GetTrial(ctx, id)
	if errors.Is(err, shared.ErrNotFound) || (err == nil && t.Trashed) {
		return nil, ErrNeutralNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("linked neutral trial %s: %w", id, err)
	}
	return t, nil
}
