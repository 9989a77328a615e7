// Package pnp estimates camera poses from marker corner detections:
// per-marker planar solves that keep both ambiguous candidates, and a
// field-frame camera pose aggregated over every usable marker.
package pnp

import (
	"math"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/tagvision/internal/fieldlayout"
	"github.com/banshee-data/tagvision/internal/geom"
	"github.com/banshee-data/tagvision/internal/model"
)

// Solver holds the per-pipeline inputs to pose estimation. It is safe for
// concurrent use.
type Solver struct {
	intr    Intrinsics
	layout  *fieldlayout.Layout
	tagSize float64
	tagObj  []r3.Vec
}

// NewSolver returns a Solver. layout may be nil, in which case field pose
// solving always reports no estimate and markers use the default size.
func NewSolver(intr Intrinsics, layout *fieldlayout.Layout) *Solver {
	size := fieldlayout.DefaultTagSize
	if layout != nil {
		size = layout.TagSize()
	}
	s := &Solver{intr: intr, layout: layout, tagSize: size}
	for _, c := range fieldlayout.TagCorners(size) {
		s.tagObj = append(s.tagObj, geom.ToVisionFrameVec(c))
	}
	return s
}

// Intrinsics returns the camera model.
func (s *Solver) Intrinsics() Intrinsics { return s.intr }

// solveTag returns the marker-in-camera candidates for one marker, vision
// axes, sorted by reprojection error.
func (s *Solver) solveTag(corners [4]model.Point2) []candidate {
	return s.intr.solvePlanar(s.tagObj, corners[:])
}

func robotPose(c candidate) geom.Pose3 {
	return geom.ToRobotFrame(geom.PoseFromMatrix(c.r, c.t))
}

// SolveTagRelative returns the marker's pose in the camera frame, robot
// axes, with the alternate planar solution when one exists. It returns nil
// when the solve fails.
func (s *Solver) SolveTagRelative(d model.MarkerDetection) *model.RelativePoseObservation {
	cands := s.solveTag(d.Corners)
	if len(cands) == 0 {
		return nil
	}
	obs := &model.RelativePoseObservation{
		ID:              d.ID,
		Corners:         d.Corners,
		DecisionMargin:  d.DecisionMargin,
		HammingDistance: d.HammingDistance,
		Pose0:           robotPose(cands[0]),
		Error0:          cands[0].err,
	}
	if len(cands) > 1 {
		p := robotPose(cands[1])
		e := cands[1].err
		obs.Pose1 = &p
		obs.Error1 = &e
	}
	return obs
}

type usableTag struct {
	det    model.MarkerDetection
	marker fieldlayout.Marker
}

// SolveFieldPose estimates the camera pose in the field frame from every
// detection that is in the layout and not in exclude. Duplicate ids are
// used once. It returns nil when no marker is usable or the solve fails.
func (s *Solver) SolveFieldPose(dets []model.MarkerDetection, exclude map[int]struct{}) *model.FieldPoseObservation {
	if s.layout == nil {
		return nil
	}
	used := make([]usableTag, 0, len(dets))
	for _, d := range dets {
		if _, skip := exclude[d.ID]; skip {
			continue
		}
		m, ok := s.layout.Get(d.ID)
		if !ok || containsTag(used, d.ID) {
			continue
		}
		used = append(used, usableTag{det: d, marker: m})
	}

	switch len(used) {
	case 0:
		return nil
	case 1:
		return s.solveSingle(used[0])
	default:
		return s.solveMulti(used)
	}
}

func containsTag(used []usableTag, id int) bool {
	for _, u := range used {
		if u.det.ID == id {
			return true
		}
	}
	return false
}

// cameraInField converts a marker-in-camera candidate into the camera's
// field pose.
func cameraInField(m fieldlayout.Marker, c candidate) geom.Pose3 {
	return m.Pose.Compose(robotPose(c).Inverse())
}

func (s *Solver) solveSingle(u usableTag) *model.FieldPoseObservation {
	cands := s.solveTag(u.det.Corners)
	if len(cands) == 0 {
		return nil
	}
	obs := &model.FieldPoseObservation{
		TagsUsed:   []int{u.det.ID},
		FieldPose0: cameraInField(u.marker, cands[0]),
		Error0:     cands[0].err,
	}
	if len(cands) > 1 {
		p := cameraInField(u.marker, cands[1])
		e := cands[1].err
		obs.FieldPose1 = &p
		obs.Error1 = &e
	}
	return obs
}

func (s *Solver) solveMulti(used []usableTag) *model.FieldPoseObservation {
	n := 4 * len(used)
	obj := make([]r3.Vec, 0, n)
	px := make([]model.Point2, 0, n)
	ids := make([]int, 0, len(used))
	for _, u := range used {
		for k, c := range s.layout.Corners(u.marker) {
			obj = append(obj, geom.ToVisionFrameVec(c))
			px = append(px, u.det.Corners[k])
		}
		ids = append(ids, u.det.ID)
	}
	norm := make([]model.Point2, n)
	for i, p := range px {
		norm[i] = s.intr.Undistort(p)
	}

	// Seed from the per-marker candidate that best explains every point.
	var best *candidate
	for _, u := range used {
		for _, c := range s.solveTag(u.det.Corners) {
			fieldInCam := geom.ToVisionFrame(cameraInField(u.marker, c).Inverse())
			seed := candidate{r: fieldInCam.Rotation.Matrix(), t: fieldInCam.Translation}
			seed.err = s.intr.reprojectionError(seed.r, seed.t, obj, px)
			if math.IsInf(seed.err, 0) || math.IsNaN(seed.err) {
				continue
			}
			if best == nil || seed.err < best.err {
				b := seed
				best = &b
			}
		}
	}
	if best == nil {
		return nil
	}

	r, t := refineLM(best.r, best.t, obj, norm)
	e := s.intr.reprojectionError(r, t, obj, px)
	if math.IsNaN(e) || e > best.err {
		r, t, e = best.r, best.t, best.err
	}
	return &model.FieldPoseObservation{
		TagsUsed:   ids,
		FieldPose0: geom.ToRobotFrame(geom.PoseFromMatrix(r, t)).Inverse(),
		Error0:     e,
	}
}
