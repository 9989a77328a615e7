package pnp

import (
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/tagvision/internal/fieldlayout"
	"github.com/banshee-data/tagvision/internal/geom"
	"github.com/banshee-data/tagvision/internal/model"
)

var testIntrinsics = NewIntrinsics([9]float64{600, 0, 320, 0, 600, 240, 0, 0, 1}, nil)

// projectCorners renders a marker's corners for a camera at camInField.
func projectCorners(t *testing.T, in Intrinsics, camInField geom.Pose3, corners [4]r3.Vec) [4]model.Point2 {
	t.Helper()
	fieldToCam := camInField.Inverse()
	var out [4]model.Point2
	for i, c := range corners {
		p, ok := in.Project(geom.ToVisionFrameVec(fieldToCam.TransformPoint(c)))
		require.True(t, ok, "corner %d behind camera", i)
		out[i] = p
	}
	return out
}

func layoutDoc(size float64, tags ...string) string {
	doc := `{"tags": [`
	for i, tg := range tags {
		if i > 0 {
			doc += ","
		}
		doc += tg
	}
	return doc + fmt.Sprintf(`], "field": {"length": 16.54, "width": 8.21}, "tagSize": %g}`, size)
}

func tagJSON(id int, x, y, z, w, qx, qy, qz float64) string {
	return fmt.Sprintf(`{"ID": %d, "pose": {"translation": {"x": %g, "y": %g, "z": %g},
		"rotation": {"quaternion": {"W": %g, "X": %g, "Y": %g, "Z": %g}}}}`, id, x, y, z, w, qx, qy, qz)
}

func mustLayout(t *testing.T, doc string) *fieldlayout.Layout {
	t.Helper()
	l, err := fieldlayout.Load([]byte(doc))
	require.NoError(t, err)
	return l
}

func assertVecNear(t *testing.T, want, got r3.Vec, tol float64) {
	t.Helper()
	assert.InDelta(t, want.X, got.X, tol, "x")
	assert.InDelta(t, want.Y, got.Y, tol, "y")
	assert.InDelta(t, want.Z, got.Z, tol, "z")
}

func TestUndistortInvertsProject(t *testing.T) {
	in := NewIntrinsics([9]float64{610, 0, 315, 0, 605, 242, 0, 0, 1},
		[]float64{-0.12, 0.03, 0.001, -0.0005, -0.004})
	for _, p := range []r3.Vec{{X: 0.1, Y: -0.2, Z: 1}, {X: -0.3, Y: 0.25, Z: 2}, {X: 0, Y: 0, Z: 5}} {
		px, ok := in.Project(p)
		require.True(t, ok)
		n := in.Undistort(px)
		assert.InDelta(t, p.X/p.Z, n.X, 1e-9)
		assert.InDelta(t, p.Y/p.Z, n.Y, 1e-9)
	}
	_, ok := in.Project(r3.Vec{X: 1, Z: -1})
	assert.False(t, ok)
}

func TestSolveTagRelative_TwoCandidates(t *testing.T) {
	l := mustLayout(t, layoutDoc(0.2, tagJSON(4, 0, 0, 0, 1, 0, 0, 0)))
	s := NewSolver(testIntrinsics, l)
	m, _ := l.Get(4)

	// Camera 3m in front of the marker, turned so the marker is seen obliquely.
	cam := geom.NewPose3(r3.Vec{X: 3, Y: 0.4, Z: 0.1}, geom.RotationFromEuler(0, 0, math.Pi-0.25))
	corners := projectCorners(t, testIntrinsics, cam, l.Corners(m))

	obs := s.SolveTagRelative(model.MarkerDetection{ID: 4, Corners: corners, DecisionMargin: 50, HammingDistance: 0})
	require.NotNil(t, obs)
	require.True(t, obs.HasSecondary())

	assert.Less(t, obs.Error0, 1e-6)
	assert.Less(t, *obs.Error1, 2.0)
	assert.LessOrEqual(t, obs.Error0, *obs.Error1)

	// Marker pose in the camera frame is the inverse of the camera's pose
	// relative to the marker.
	want := cam.Inverse().Compose(m.Pose)
	assert.True(t, obs.Pose0.ApproxEqual(want, 1e-6), "got %v want %v", obs.Pose0, want)
	assert.Equal(t, 4, obs.ID)
	assert.Equal(t, corners, obs.Corners)
}

func TestSolveTagRelative_Degenerate(t *testing.T) {
	s := NewSolver(testIntrinsics, nil)
	p := model.Point2{X: 100, Y: 100}
	assert.Nil(t, s.SolveTagRelative(model.MarkerDetection{ID: 1, Corners: [4]model.Point2{p, p, p, p}}))
}

func TestSolveFieldPose_OneMeterHeadOn(t *testing.T) {
	l := mustLayout(t, layoutDoc(0.2, tagJSON(0, 0, 0, 0, 1, 0, 0, 0)))
	s := NewSolver(testIntrinsics, l)
	m, _ := l.Get(0)

	cam := geom.NewPose3(r3.Vec{X: 1}, geom.RotationFromEuler(0, 0, math.Pi))
	corners := projectCorners(t, testIntrinsics, cam, l.Corners(m))

	obs := s.SolveFieldPose([]model.MarkerDetection{{ID: 0, Corners: corners}}, nil)
	require.NotNil(t, obs)
	assert.Equal(t, []int{0}, obs.TagsUsed)
	assertVecNear(t, r3.Vec{X: 1}, obs.FieldPose0.Translation, 1e-6)
	assert.True(t, obs.HasSecondary())
}

func TestSolveFieldPose_NoUsableMarkers(t *testing.T) {
	l := mustLayout(t, layoutDoc(0.2, tagJSON(0, 0, 0, 0, 1, 0, 0, 0)))
	s := NewSolver(testIntrinsics, l)
	m, _ := l.Get(0)
	cam := geom.NewPose3(r3.Vec{X: 2}, geom.RotationFromEuler(0, 0, math.Pi))
	corners := projectCorners(t, testIntrinsics, cam, l.Corners(m))

	assert.Nil(t, s.SolveFieldPose(nil, nil))
	assert.Nil(t, s.SolveFieldPose([]model.MarkerDetection{{ID: 99, Corners: corners}}, nil))
	assert.Nil(t, s.SolveFieldPose([]model.MarkerDetection{{ID: 0, Corners: corners}}, map[int]struct{}{0: {}}))
	assert.Nil(t, NewSolver(testIntrinsics, nil).SolveFieldPose([]model.MarkerDetection{{ID: 0, Corners: corners}}, nil))
}

func wallLayout(t *testing.T) *fieldlayout.Layout {
	// Three markers on the x = 0 wall facing +X.
	return mustLayout(t, layoutDoc(0.1651,
		tagJSON(1, 0, 1.0, 1.0, 1, 0, 0, 0),
		tagJSON(2, 0, -1.0, 0.5, 1, 0, 0, 0),
		tagJSON(3, 0, 0.2, 1.8, 1, 0, 0, 0),
	))
}

func wallDetections(t *testing.T, l *fieldlayout.Layout, cam geom.Pose3) []model.MarkerDetection {
	var dets []model.MarkerDetection
	for _, id := range l.IDs() {
		m, _ := l.Get(id)
		dets = append(dets, model.MarkerDetection{
			ID:         id,
			Corners:    projectCorners(t, testIntrinsics, cam, l.Corners(m)),
			FamilyName: "tag36h11",
		})
	}
	return dets
}

func TestSolveFieldPose_MultiMarker(t *testing.T) {
	l := wallLayout(t)
	s := NewSolver(testIntrinsics, l)
	cam := geom.NewPose3(r3.Vec{X: 3, Y: 0.3, Z: 1.0}, geom.RotationFromEuler(0.02, -0.05, math.Pi+0.1))
	dets := wallDetections(t, l, cam)

	obs := s.SolveFieldPose(dets, nil)
	require.NotNil(t, obs)
	assert.Equal(t, []int{1, 2, 3}, obs.TagsUsed)
	assert.False(t, obs.HasSecondary())
	assert.Less(t, obs.Error0, 1e-4)
	assert.True(t, obs.FieldPose0.ApproxEqual(cam, 1e-5), "got %v want %v", obs.FieldPose0, cam)
}

func TestSolveFieldPose_ExcludeAndUnknown(t *testing.T) {
	l := wallLayout(t)
	s := NewSolver(testIntrinsics, l)
	cam := geom.NewPose3(r3.Vec{X: 3, Y: 0.3, Z: 1.0}, geom.RotationFromEuler(0, 0, math.Pi+0.1))
	dets := wallDetections(t, l, cam)
	dets = append(dets, model.MarkerDetection{ID: 42, Corners: dets[0].Corners})

	obs := s.SolveFieldPose(dets, map[int]struct{}{2: {}, 3: {}})
	require.NotNil(t, obs)
	assert.Equal(t, []int{1}, obs.TagsUsed)
	assert.True(t, obs.HasSecondary())
	assertVecNear(t, cam.Translation, obs.FieldPose0.Translation, 1e-5)

	obs = s.SolveFieldPose(dets, map[int]struct{}{3: {}})
	require.NotNil(t, obs)
	assert.Equal(t, []int{1, 2}, obs.TagsUsed)
	assert.False(t, obs.HasSecondary())
}

func TestSolveFieldPose_WithDistortion(t *testing.T) {
	in := NewIntrinsics([9]float64{600, 0, 320, 0, 600, 240, 0, 0, 1}, []float64{-0.08, 0.01, 0, 0, 0})
	l := wallLayout(t)
	s := NewSolver(in, l)
	cam := geom.NewPose3(r3.Vec{X: 2.5, Y: -0.2, Z: 1.1}, geom.RotationFromEuler(0, 0, math.Pi-0.05))

	var dets []model.MarkerDetection
	for _, id := range l.IDs() {
		m, _ := l.Get(id)
		dets = append(dets, model.MarkerDetection{ID: id, Corners: projectCorners(t, in, cam, l.Corners(m))})
	}
	obs := s.SolveFieldPose(dets, nil)
	require.NotNil(t, obs)
	assertVecNear(t, cam.Translation, obs.FieldPose0.Translation, 1e-5)
}

func TestRotateZTo(t *testing.T) {
	for _, v := range [][2]float64{{0, 0}, {0.3, -0.2}, {-2, 1}} {
		r := rotateZTo(v[0], v[1])
		got := r.MulVec(r3.Vec{Z: 1})
		want := r3.Unit(r3.Vec{X: v[0], Y: v[1], Z: 1})
		assertVecNear(t, want, got, 1e-12)
		assert.InDelta(t, 1, r.Det(), 1e-12)
	}
}
