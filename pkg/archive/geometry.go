package archive

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

const completeMarker = ".complete"

// populateTimeout bounds a shared download, which outlives the caller that
// started it.
const populateTimeout = 10 * time.Minute

// Mesh sets per model family, stored as <prefix>/<family>/<mesh>.vtp.
var modelFamilies = map[string][]string{
	"LaiArnold": {
		"capitate_lvs", "capitate_rvs", "hamate_lvs", "hamate_rvs",
		"hat_jaw", "hat_ribs_scap", "hat_skull", "hat_spine", "humerus_lv",
		"humerus_rv", "index_distal_lvs", "index_distal_rvs", "index_medial_lvs",
		"index_medial_rvs", "index_proximal_lvs", "index_proximal_rvs",
		"little_distal_lvs", "little_distal_rvs", "little_medial_lvs",
		"little_medial_rvs", "little_proximal_lvs", "little_proximal_rvs",
		"lunate_lvs", "lunate_rvs", "l_bofoot", "l_femur", "l_fibula",
		"l_foot", "l_patella", "l_pelvis", "l_talus", "l_tibia",
		"metacarpal1_lvs", "metacarpal1_rvs", "metacarpal2_lvs",
		"metacarpal2_rvs", "metacarpal3_lvs", "metacarpal3_rvs",
		"metacarpal4_lvs", "metacarpal4_rvs", "metacarpal5_lvs",
		"metacarpal5_rvs", "middle_distal_lvs", "middle_distal_rvs",
		"middle_medial_lvs", "middle_medial_rvs", "middle_proximal_lvs",
		"middle_proximal_rvs", "pisiform_lvs", "pisiform_rvs",
		"radius_lv", "radius_rv", "ring_distal_lvs", "ring_distal_rvs",
		"ring_medial_lvs", "ring_medial_rvs", "ring_proximal_lvs",
		"ring_proximal_rvs", "r_bofoot", "r_femur", "r_fibula", "r_foot",
		"r_patella", "r_pelvis", "r_talus", "r_tibia", "sacrum", "scaphoid_lvs",
		"scaphoid_rvs", "thumb_distal_lvs", "thumb_distal_rvs",
		"thumb_proximal_lvs", "thumb_proximal_rvs", "trapezium_lvs",
		"trapezium_rvs", "trapezoid_lvs", "trapezoid_rvs", "triquetrum_lvs",
		"triquetrum_rvs", "ulna_lv", "ulna_rv",
	},
}

// FamilyOf returns the mesh family of a model file, or "" when the model
// has no shipped geometry.
func FamilyOf(model string) string {
	families := make([]string, 0, len(modelFamilies))
	for f := range modelFamilies {
		families = append(families, f)
	}
	sort.Strings(families)
	for _, f := range families {
		if strings.Contains(model, f) {
			return f
		}
	}
	return ""
}

// GeometryCache keeps one local copy of each family's meshes. Concurrent
// callers asking for the same family share a single download.
type GeometryCache struct {
	blobs   Blobs
	bucket  string
	prefix  string
	dir     string
	workers int
	logger  *slog.Logger
	group   singleflight.Group
}

func NewGeometryCache(blobs Blobs, bucket, prefix, dir string, workers int, logger *slog.Logger) *GeometryCache {
	if workers <= 0 {
		workers = 8
	}
	return &GeometryCache{
		blobs:   blobs,
		bucket:  bucket,
		prefix:  prefix,
		dir:     dir,
		workers: workers,
		logger:  logger,
	}
}

// Ensure returns the local directory holding the complete mesh set.
func (c *GeometryCache) Ensure(ctx context.Context, family string) (string, error) {
	meshes, ok := modelFamilies[family]
	if !ok {
		return "", fmt.Errorf("unknown model family %q", family)
	}
	dir := filepath.Join(c.dir, family, "Geometry")
	if complete(dir) {
		return dir, nil
	}

	ch := c.group.DoChan(family, func() (interface{}, error) {
		if complete(dir) {
			return nil, nil
		}
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), populateTimeout)
		defer cancel()
		return nil, c.populate(pctx, family, meshes, dir)
	})
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return dir, nil
	}
}

func (c *GeometryCache) populate(ctx context.Context, family string, meshes []string, dir string) error {
	if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
		return err
	}
	tmp, err := os.MkdirTemp(filepath.Dir(dir), "Geometry-*")
	if err != nil {
		return err
	}
	defer os.RemoveAll(tmp)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.workers)
	for _, mesh := range meshes {
		name := mesh + ".vtp"
		g.Go(func() error {
			object := path.Join(c.prefix, family, name)
			r, err := c.blobs.Open(gctx, c.bucket, object)
			if err != nil {
				return fmt.Errorf("mesh %s: %w", object, err)
			}
			defer r.Close()
			return writeFrom(filepath.Join(tmp, name), r)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(tmp, completeMarker), nil, 0o644); err != nil {
		return err
	}

	if err := os.RemoveAll(dir); err != nil {
		return err
	}
	if err := os.Rename(tmp, dir); err != nil {
		return err
	}
	c.logger.Info("geometry cached", "family", family, "meshes", len(meshes), "dir", dir)
	return nil
}

func complete(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, completeMarker))
	return err == nil
}

// copyGeometry copies the cached meshes into OpenSimData/Model/Geometry and
// returns the number of files written.
func (b *Builder) copyGeometry(ctx context.Context, family, root string) (int, error) {
	src, err := b.geometry.Ensure(ctx, family)
	if err != nil {
		return 0, err
	}
	dst := filepath.Join(root, "OpenSimData", "Model", "Geometry")
	n := 0
	err = filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		f, err := os.Open(p)
		if err != nil {
			return err
		}
		defer f.Close()
		if err := writeFrom(filepath.Join(dst, d.Name()), f); err != nil {
			return err
		}
		n++
		return nil
	})
	if errors.Is(err, fs.ErrNotExist) {
		return n, fmt.Errorf("geometry cache %s vanished: %w", src, err)
	}
	return n, err
}
