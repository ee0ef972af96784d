package archive

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"regexp"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/capturelab/mocap-server/pkg/types"
)

// job is one object copied into the archive. dest is slash-separated and
// relative to the session root.
type job struct {
	object   string
	dest     string
	critical bool
}

type plan struct {
	mapping     *CameraMapping
	jobs        []job
	modelFamily string
	// names maps formatted trial names already placed to their trial.
	names map[string]uuid.UUID
}

func newPlan() *plan {
	return &plan{mapping: NewCameraMapping(), names: make(map[string]uuid.UUID)}
}

// dirName returns the folder name used for t. Trials whose formatted names
// collide get _2, _3 and so on, in planning order.
func (p *plan) dirName(t *types.Trial) string {
	base := t.FormattedName()
	name := base
	for n := 2; ; n++ {
		owner, taken := p.names[name]
		if !taken || owner == t.ID {
			break
		}
		name = fmt.Sprintf("%s_%d", base, n)
	}
	p.names[name] = t.ID
	return name
}

func (p *plan) add(object, dest string, critical bool) {
	p.jobs = append(p.jobs, job{object: objectKey(object), dest: dest, critical: critical})
}

var camDevice = regexp.MustCompile(`^Cam\d+$`)

// collector maps a result of a dynamic or neutral trial to its archive
// path; ok is false when the result cannot be placed.
type collector func(trialName string, r types.Result) (dest string, ok bool)

var collectors = map[types.ResultTag]collector{
	types.TagMarkerData: func(name string, _ types.Result) (string, bool) {
		return path.Join("MarkerData", name+".trc"), true
	},
	types.TagIKResults: func(name string, _ types.Result) (string, bool) {
		return path.Join("OpenSimData", "Kinematics", name+".mot"), true
	},
	types.TagPosePickle: func(name string, r types.Result) (string, bool) {
		if !camDevice.MatchString(r.DeviceID) {
			return "", false
		}
		return path.Join("Videos", r.DeviceID, "OutputPkl", name+"_keypoints.pkl"), true
	},
	types.TagVideoSync: syncVideoPath,
}

// syncVideoPath reads the camera and extension from the stored file name,
// which ends in _<cam>.<ext>.
func syncVideoPath(name string, r types.Result) (string, bool) {
	base := path.Base(objectKey(r.Media))
	cam, ext := "", path.Ext(base)
	if i := strings.LastIndex(base, "_"); i >= 0 {
		cam = strings.TrimSuffix(base[i+1:], ext)
	}
	if cam == "" && camDevice.MatchString(r.DeviceID) {
		cam = r.DeviceID
	}
	if cam == "" {
		return "", false
	}
	return path.Join("Videos", cam, "InputMedia", name, name+"_sync"+ext), true
}

// objectKey strips any query string carried over from a signed URL.
func objectKey(media string) string {
	if i := strings.IndexByte(media, '?'); i >= 0 {
		media = media[:i]
	}
	return strings.TrimPrefix(media, "/")
}

// ModelFileName is the model's original file name. Uploaded media is
// stored as <uuid>-<name>.
func ModelFileName(media string) string {
	base := path.Base(objectKey(media))
	if len(base) > 37 && base[36] == '-' {
		if _, err := uuid.Parse(base[:36]); err == nil {
			return base[37:]
		}
	}
	return base
}

// latest keeps the most recently created result per (tag, device).
// Results are expected in creation order.
func latest(results []types.Result) []types.Result {
	type key struct {
		tag    types.ResultTag
		device string
	}
	last := make(map[key]int, len(results))
	for i, r := range results {
		last[key{r.Tag, r.DeviceID}] = i
	}
	out := make([]types.Result, 0, len(last))
	for i, r := range results {
		if last[key{r.Tag, r.DeviceID}] == i {
			out = append(out, r)
		}
	}
	return out
}

func find(results []types.Result, tag types.ResultTag, device string) (types.Result, bool) {
	for i := len(results) - 1; i >= 0; i-- {
		if results[i].Tag == tag && results[i].DeviceID == device {
			return results[i], true
		}
	}
	return types.Result{}, false
}

func findTag(results []types.Result, tag types.ResultTag) (types.Result, bool) {
	for i := len(results) - 1; i >= 0; i-- {
		if results[i].Tag == tag {
			return results[i], true
		}
	}
	return types.Result{}, false
}

func (b *Builder) planCalibration(ctx context.Context, p *plan, calib *types.Trial, log *slog.Logger) error {
	results, err := b.catalog.ListResults(ctx, calib.ID)
	if err != nil {
		return fmt.Errorf("calibration results: %w", err)
	}
	log = log.With("calibration_trial_id", calib.ID.String())

	if r, ok := findTag(results, types.TagCameraMapping); ok {
		if err := b.seedMapping(ctx, p.mapping, r.Media); err != nil {
			log.Warn("camera mapping not seeded", "error", err)
		}
	}

	selection := calib.Meta.Data().Calibration
	if len(selection) == 0 {
		log.Warn("calibration trial has no camera selection")
		return nil
	}
	cams := make([]string, 0, len(selection))
	for cam := range selection {
		cams = append(cams, cam)
	}
	sort.Strings(cams)

	for _, cam := range cams {
		if !camDevice.MatchString(cam) {
			log.Warn("calibration selection ignored", "camera", cam)
			continue
		}
		n := selection[cam]
		imgDevice := cam
		switch n {
		case 0:
		case 1:
			imgDevice = cam + "_altSoln"
		default:
			log.Warn("invalid calibration selection", "camera", cam, "solution", n)
			continue
		}

		if r, ok := find(results, types.TagCalibrationOptions, fmt.Sprintf("%s_soln%d", cam, n)); ok {
			p.add(r.Media, path.Join("Videos", cam, "cameraIntrinsicsExtrinsics.pickle"), true)
		} else {
			log.Warn("calibration parameters missing", "camera", cam, "solution", n)
		}
		if r, ok := find(results, types.TagCalibrationImage, imgDevice); ok {
			ext := path.Ext(objectKey(r.Media))
			p.add(r.Media, path.Join("CalibrationImages", "calib_img"+cam+ext), true)
		} else {
			log.Warn("calibration image missing", "camera", cam, "solution", n)
		}
	}
	return nil
}

func (b *Builder) seedMapping(ctx context.Context, m *CameraMapping, media string) error {
	r, err := b.blobs.Open(ctx, b.cfg.MediaBucket, objectKey(media))
	if err != nil {
		return err
	}
	defer r.Close()
	entries, err := DecodeMapping(r)
	if err != nil {
		return err
	}
	m.Seed(entries)
	return nil
}

// planTrial queues the videos and results of a dynamic or neutral trial.
// Camera indices are assigned here, in trial and video creation order,
// before any download starts. Only the first video per device is kept.
func (b *Builder) planTrial(p *plan, t *types.Trial) {
	name := p.dirName(t)
	seen := make(map[string]bool, len(t.Videos))
	for _, v := range t.Videos {
		if v.Media == "" || v.DeviceID == "" {
			continue
		}
		device := NormalizeDeviceID(v.DeviceID)
		if seen[device] {
			b.logger.Warn("duplicate device video skipped", "trial_id", t.ID.String(), "video_id", v.ID.String(), "device_id", v.DeviceID)
			continue
		}
		seen[device] = true
		k := p.mapping.Assign(v.DeviceID)
		cam := fmt.Sprintf("Cam%d", k)
		p.add(v.Media, path.Join("Videos", cam, "InputMedia", name, name+".mov"), false)
	}

	for _, r := range latest(t.Results) {
		collect, ok := collectors[r.Tag]
		if !ok || r.Media == "" {
			continue
		}
		dest, ok := collect(name, r)
		if !ok {
			b.logger.Warn("result not placeable", "trial_id", t.ID.String(), "tag", r.Tag, "device_id", r.DeviceID)
			continue
		}
		p.add(r.Media, dest, false)
	}
}

func (b *Builder) planNeutral(ctx context.Context, p *plan, neutral *types.Trial) error {
	results, err := b.catalog.ListResults(ctx, neutral.ID)
	if err != nil {
		return fmt.Errorf("neutral results: %w", err)
	}
	if r, ok := findTag(results, types.TagOpenSimModel); ok && r.Media != "" {
		model := ModelFileName(r.Media)
		p.add(r.Media, path.Join("OpenSimData", "Model", model), true)
		p.modelFamily = FamilyOf(model)
	}
	if r, ok := findTag(results, types.TagSessionMetadata); ok && r.Media != "" {
		p.add(r.Media, "sessionMetadata.yaml", false)
	}
	return nil
}
