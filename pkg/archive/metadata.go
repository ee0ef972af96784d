package archive

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	shared "github.com/capturelab/mocap-server/pkg"
	"github.com/capturelab/mocap-server/pkg/domain/trial"
	"github.com/capturelab/mocap-server/pkg/types"
)

type sessionMetadataFile struct {
	SubjectID    string            `yaml:"subjectID,omitempty"`
	Mass         float64           `yaml:"mass_kg,omitempty"`
	Height       float64           `yaml:"height_m,omitempty"`
	Gender       string            `yaml:"gender_mf,omitempty"`
	Checkerboard *checkerboardFile `yaml:"checkerBoard,omitempty"`
}

type checkerboardFile struct {
	SquareSide float64 `yaml:"squareSideLength_mm"`
	Cols       int     `yaml:"black2BlackCornersWidth_n"`
	Rows       int     `yaml:"black2BlackCornersHeight_n"`
	Placement  string  `yaml:"placement"`
}

// fallbackMetadata renders sessionMetadata.yaml from the session's own
// metadata when no worker produced one. The checkerboard comes from the
// calibration session when the session itself has none.
func (b *Builder) fallbackMetadata(ctx context.Context, s *types.Session) ([]byte, error) {
	meta := s.Meta.Data()
	out := sessionMetadataFile{}
	if subj := meta.Subject; subj != nil {
		out.SubjectID = subj.ID
		out.Mass = subj.Mass
		out.Height = subj.Height
		out.Gender = subj.Gender
	}

	board, err := b.checkerboard(ctx, s)
	if err != nil {
		return nil, err
	}
	if board != nil {
		out.Checkerboard = &checkerboardFile{Placement: board.Placement}
		out.Checkerboard.SquareSide, _ = board.SquareSize.Float64()
		out.Checkerboard.Cols, _ = board.Cols.Int()
		out.Checkerboard.Rows, _ = board.Rows.Int()
	}

	data, err := yaml.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("render session metadata: %w", err)
	}
	return data, nil
}

func (b *Builder) checkerboard(ctx context.Context, s *types.Session) (*types.Checkerboard, error) {
	visited := make(map[uuid.UUID]bool)
	cur := s
	for hop := 0; hop <= trial.MaxLinkHops; hop++ {
		visited[cur.ID] = true
		meta := cur.Meta.Data()
		if meta.Checkerboard != nil {
			return meta.Checkerboard, nil
		}
		next, ok := meta.SessionWithCalibration.UUID()
		if !ok || visited[next] {
			return nil, nil
		}
		var err error
		cur, err = b.catalog.GetSession(ctx, next)
		if errors.Is(err, shared.ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("calibration session %s: %w", next, err)
		}
	}
	return nil, nil
}
