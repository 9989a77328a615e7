package pipeline

import (
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/tagvision/internal/detector"
	"github.com/banshee-data/tagvision/internal/fieldlayout"
	"github.com/banshee-data/tagvision/internal/frame"
	"github.com/banshee-data/tagvision/internal/geom"
	"github.com/banshee-data/tagvision/internal/model"
	"github.com/banshee-data/tagvision/internal/monitoring"
	"github.com/banshee-data/tagvision/internal/pnp"
	"github.com/banshee-data/tagvision/internal/sched"
	"github.com/banshee-data/tagvision/internal/synthetic"
	"github.com/banshee-data/tagvision/internal/timeutil"
)

const wallLayout = `{
  "tags": [
    {"ID": 1, "pose": {"translation": {"x": 0, "y": 0.8, "z": 1.0}, "rotation": {"quaternion": {"W": 1, "X": 0, "Y": 0, "Z": 0}}}},
    {"ID": 2, "pose": {"translation": {"x": 0, "y": -0.8, "z": 0.6}, "rotation": {"quaternion": {"W": 1, "X": 0, "Y": 0, "Z": 0}}}},
    {"ID": 3, "pose": {"translation": {"x": 0, "y": 0.2, "z": 1.6}, "rotation": {"quaternion": {"W": 1, "X": 0, "Y": 0, "Z": 0}}}}
  ],
  "field": {"length": 16.54, "width": 8.21}
}`

var intr = pnp.NewIntrinsics([9]float64{600, 0, 320, 0, 600, 240, 0, 0, 1}, nil)

func init() {
	monitoring.SetLogger(nil)
}

type fixture struct {
	layout *fieldlayout.Layout
	engine *synthetic.Engine
	det    *detector.Detector
	solver *pnp.Solver
	clock  *timeutil.MockClock
	cam    geom.Pose3
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	l, err := fieldlayout.Load([]byte(wallLayout))
	require.NoError(t, err)
	eng := synthetic.NewEngine(l, intr, 640, 480)
	cam := geom.NewPose3(r3.Vec{X: 3, Y: 0.1, Z: 1.0}, geom.RotationFromEuler(0, 0, math.Pi+0.05))
	eng.SetCameraPose(cam)
	d := detector.New(eng)
	t.Cleanup(func() { d.Close() })
	return &fixture{
		layout: l,
		engine: eng,
		det:    d,
		solver: pnp.NewSolver(intr, l),
		clock:  timeutil.NewMockClock(time.Unix(100, 0)),
		cam:    cam,
	}
}

func (fx *fixture) pipeline(cfg Config) *Pipeline {
	if cfg.Families == nil {
		cfg.Families = []string{fx.layout.Family()}
	}
	return New(cfg, Deps{Detector: fx.det, Solver: fx.solver, Clock: fx.clock})
}

func grayFrame(ts uint64) *frame.Frame {
	return &frame.Frame{
		CaptureTimeMicros: ts,
		Format:            frame.Format{Colorspace: frame.ColorspaceGray, Rows: 480, Cols: 640},
		Data:              make([]byte, 480*640),
	}
}

func TestProcess_MarkerPose(t *testing.T) {
	fx := newFixture(t)
	p := fx.pipeline(Config{Kind: model.KindMarkerPose, SolveTagRelative: true})

	r := p.Process(grayFrame(1234))
	assert.Equal(t, uint64(1234), r.CaptureTimeMicros)
	require.Equal(t, model.KindMarkerPose, r.Kind())

	mp := r.Variant.(model.MarkerPose)
	assert.Len(t, mp.RelativePoses, 3)
	for _, rel := range mp.RelativePoses {
		assert.Less(t, rel.Error0, 1e-6)
		if rel.HasSecondary() {
			assert.LessOrEqual(t, rel.Error0, *rel.Error1)
		}
	}
	require.NotNil(t, mp.FieldPose)
	assert.Equal(t, []int{1, 2, 3}, mp.FieldPose.TagsUsed)
	assert.False(t, mp.FieldPose.HasSecondary())
	assert.True(t, mp.FieldPose.FieldPose0.ApproxEqual(fx.cam, 1e-5))

	s := p.Stats()
	assert.Equal(t, uint64(1), s.Frames)
	assert.Equal(t, uint64(3), s.Detections)
	assert.Equal(t, uint64(3), s.RelativePoses)
	assert.Equal(t, uint64(1), s.FieldPoses)
	assert.Equal(t, uint64(1234), s.LastCaptureTime)
}

func TestProcess_MarkerPoseWithoutLayout(t *testing.T) {
	fx := newFixture(t)
	p := New(Config{
		Kind:             model.KindMarkerPose,
		Families:         []string{fx.layout.Family()},
		SolveTagRelative: true,
	}, Deps{Detector: fx.det, Solver: pnp.NewSolver(intr, nil), Clock: fx.clock})

	r := p.Process(grayFrame(7))
	mp := r.Variant.(model.MarkerPose)
	require.Len(t, mp.RelativePoses, 3)
	for _, obs := range mp.RelativePoses {
		m, ok := fx.layout.Get(obs.ID)
		require.True(t, ok)
		// Marker in the camera frame, robot axes.
		want := fx.cam.Inverse().Compose(m.Pose)
		assert.InDelta(t, want.Translation.X, obs.Pose0.Translation.X, 1e-4)
		assert.InDelta(t, want.Translation.Y, obs.Pose0.Translation.Y, 1e-4)
		assert.InDelta(t, want.Translation.Z, obs.Pose0.Translation.Z, 1e-4)
	}
	assert.Nil(t, mp.FieldPose)

	st := p.Stats()
	assert.Equal(t, uint64(3), st.RelativePoses)
	assert.Zero(t, st.FieldPoses)
	assert.Zero(t, st.Failures)
}

func TestProcess_TagRelativeDisabled(t *testing.T) {
	fx := newFixture(t)
	p := fx.pipeline(Config{Kind: model.KindMarkerPose})

	mp := p.Process(grayFrame(1)).Variant.(model.MarkerPose)
	assert.Empty(t, mp.RelativePoses)
	assert.NotNil(t, mp.FieldPose)
}

func TestProcess_Excludes(t *testing.T) {
	fx := newFixture(t)
	p := fx.pipeline(Config{
		Kind:             model.KindMarkerPose,
		SolveTagRelative: true,
		DetectorExclude:  []int{3},
		FieldPoseExclude: []int{2},
	})

	mp := p.Process(grayFrame(1)).Variant.(model.MarkerPose)
	ids := make([]int, 0, len(mp.RelativePoses))
	for _, rel := range mp.RelativePoses {
		ids = append(ids, rel.ID)
	}
	// Field-pose excludes leave relative solving alone.
	assert.ElementsMatch(t, []int{1, 2}, ids)
	require.NotNil(t, mp.FieldPose)
	assert.Equal(t, []int{1}, mp.FieldPose.TagsUsed)
	assert.True(t, mp.FieldPose.HasSecondary())
	assert.Equal(t, uint64(1), p.Stats().Excluded)
}

func TestProcess_NoMarkers(t *testing.T) {
	fx := newFixture(t)
	fx.engine.SetCameraPose(geom.NewPose3(r3.Vec{X: 3}, geom.Rotation{}))
	p := fx.pipeline(Config{Kind: model.KindMarkerPose, SolveTagRelative: true})

	r := p.Process(grayFrame(9))
	mp := r.Variant.(model.MarkerPose)
	assert.Empty(t, mp.RelativePoses)
	assert.Nil(t, mp.FieldPose)
}

func TestProcess_BadFrameDegrades(t *testing.T) {
	fx := newFixture(t)
	p := fx.pipeline(Config{Kind: model.KindMarkerPose})

	f := grayFrame(5)
	f.Data = f.Data[:10]
	r := p.Process(f)
	assert.Equal(t, uint64(5), r.CaptureTimeMicros)
	assert.Nil(t, r.Variant.(model.MarkerPose).FieldPose)
	assert.Equal(t, uint64(1), p.Stats().Failures)
}

func TestProcess_FailureLogsThrottled(t *testing.T) {
	var logged int
	monitoring.SetLogger(func(string, ...interface{}) { logged++ })
	defer monitoring.SetLogger(nil)

	fx := newFixture(t)
	p := fx.pipeline(Config{Kind: model.KindMarkerPose})
	for i := 0; i < 10; i++ {
		f := grayFrame(uint64(i))
		f.Data = f.Data[:10]
		p.Process(f)
	}
	assert.Equal(t, uint64(10), p.Stats().Failures)
	assert.Equal(t, 3, logged)
}

func TestProcess_DetectorErrorDegrades(t *testing.T) {
	eng := detector.NewFakeEngine()
	eng.SetDetectError(errors.New("engine fault"))
	d := detector.New(eng)
	defer d.Close()
	p := New(Config{Kind: model.KindMarkerDetect, Families: []string{"tag36h11"}}, Deps{Detector: d})

	r := p.Process(grayFrame(1))
	assert.Equal(t, model.KindMarkerDetect, r.Kind())
	assert.Empty(t, r.Variant.(model.MarkerDetect).Detections)
}

func TestProcess_MarkerDetect(t *testing.T) {
	fx := newFixture(t)
	p := fx.pipeline(Config{Kind: model.KindMarkerDetect, DetectorExclude: []int{2}})

	r := p.Process(grayFrame(77))
	md := r.Variant.(model.MarkerDetect)
	require.Len(t, md.Detections, 2)
	assert.Equal(t, 1, md.Detections[0].ID)
	assert.Equal(t, 3, md.Detections[1].ID)
}

type stubObjects struct {
	objs []model.ObjectDetection
	err  error
}

func (s stubObjects) Detect(*frame.Frame) ([]model.ObjectDetection, error) { return s.objs, s.err }

func TestProcess_ObjectDetect(t *testing.T) {
	objs := []model.ObjectDetection{{ObjectClass: 2, Confidence: 0.9, PercentArea: 3}}
	p := New(Config{Kind: model.KindObjectDetect}, Deps{Objects: stubObjects{objs: objs}})
	r := p.Process(grayFrame(3))
	assert.Equal(t, objs, r.Variant.(model.ObjectDetect).Detections)

	p = New(Config{Kind: model.KindObjectDetect}, Deps{Objects: stubObjects{err: errors.New("no model")}})
	assert.Empty(t, p.Process(grayFrame(3)).Variant.(model.ObjectDetect).Detections)

	p = New(Config{Kind: model.KindObjectDetect}, Deps{})
	assert.Empty(t, p.Process(grayFrame(3)).Variant.(model.ObjectDetect).Detections)
}

func TestNew_AppliesDetectorSettings(t *testing.T) {
	eng := detector.NewFakeEngine()
	d := detector.New(eng)
	defer d.Close()

	cfg := Config{
		Families:  []string{"tag36h11", "tag16h5", "bogus"},
		Detector:  detector.Config{Threads: 3, QuadDecimate: 1},
		Threshold: detector.ThresholdParams{MinClusterPixels: 9},
	}
	New(cfg, Deps{Detector: d})
	assert.Equal(t, []string{"tag16h5", "tag36h11"}, d.Families())
	assert.Equal(t, cfg.Detector, eng.Config())
	assert.Equal(t, cfg.Threshold, eng.ThresholdParams())
}

func TestSubmit_RunsOnPool(t *testing.T) {
	fx := newFixture(t)
	p := fx.pipeline(Config{Kind: model.KindMarkerPose})
	pool := sched.NewPool(sched.Options{Workers: 2})

	var futures []*sched.Future[model.Result]
	for i := 0; i < 8; i++ {
		f, err := p.Submit(pool, grayFrame(uint64(i+1)))
		require.NoError(t, err)
		futures = append(futures, f)
	}
	pool.Shutdown()
	for i, f := range futures {
		r, err := f.Get()
		require.NoError(t, err)
		assert.Equal(t, uint64(i+1), r.CaptureTimeMicros)
		assert.NotNil(t, r.Variant.(model.MarkerPose).FieldPose)
	}
	assert.Equal(t, uint64(8), p.Stats().Frames)

	_, err := p.Submit(pool, grayFrame(99))
	assert.ErrorIs(t, err, sched.ErrPoolClosed)
}

func TestAttachAdminRoutes(t *testing.T) {
	fx := newFixture(t)
	p := fx.pipeline(Config{Kind: model.KindMarkerPose})
	p.Process(grayFrame(1))

	mux := http.NewServeMux()
	p.AttachAdminRoutes(mux, "front")

	req := httptest.NewRequest(http.MethodGet, "/debug/pipeline/front", nil)
	req.RemoteAddr = "127.0.0.1:1234"
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"kind":"marker_pose"`)
	assert.Contains(t, rec.Body.String(), `"frames":1`)
}

func TestFieldPoseExclude_Runtime(t *testing.T) {
	fx := newFixture(t)
	p := fx.pipeline(Config{Kind: model.KindMarkerPose, FieldPoseExclude: []int{3}})
	assert.Equal(t, []int{3}, p.FieldPoseExclude())

	p.ExcludeFromFieldPose(1, 2)
	assert.Equal(t, []int{1, 2, 3}, p.FieldPoseExclude())
	assert.Nil(t, p.Process(grayFrame(1)).Variant.(model.MarkerPose).FieldPose)

	p.IncludeInFieldPose(2, 3, 42)
	assert.Equal(t, []int{1}, p.FieldPoseExclude())
	fp := p.Process(grayFrame(2)).Variant.(model.MarkerPose).FieldPose
	require.NotNil(t, fp)
	assert.Equal(t, []int{2, 3}, fp.TagsUsed)
}
