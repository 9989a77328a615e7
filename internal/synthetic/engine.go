// Package synthetic renders marker detections from a field layout seen by a
// virtual camera. It stands in for the native engine in development mode
// and in tests.
package synthetic

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/tagvision/internal/detector"
	"github.com/banshee-data/tagvision/internal/fieldlayout"
	"github.com/banshee-data/tagvision/internal/frame"
	"github.com/banshee-data/tagvision/internal/geom"
	"github.com/banshee-data/tagvision/internal/model"
	"github.com/banshee-data/tagvision/internal/pnp"
	"github.com/banshee-data/tagvision/internal/timeutil"
)

// Engine implements detector.Engine by projecting every layout marker that
// faces the virtual camera and falls inside the image.
type Engine struct {
	layout *fieldlayout.Layout
	intr   pnp.Intrinsics
	rows   int
	cols   int

	mu     sync.Mutex
	pose   geom.Pose3
	noise  float64
	rng    *rand.Rand
	active map[string]bool
	cfg    detector.Config
	params detector.ThresholdParams
}

// NewEngine returns an Engine for a cols x rows camera.
func NewEngine(layout *fieldlayout.Layout, intr pnp.Intrinsics, cols, rows int) *Engine {
	return &Engine{
		layout: layout,
		intr:   intr,
		rows:   rows,
		cols:   cols,
		rng:    rand.New(rand.NewSource(1)),
		active: make(map[string]bool),
		cfg:    detector.DefaultConfig(),
		params: detector.DefaultThresholdParams(),
	}
}

// SetCameraPose places the virtual camera in the field frame.
func (e *Engine) SetCameraPose(p geom.Pose3) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pose = p
}

// CameraPose returns the current virtual camera pose.
func (e *Engine) CameraPose() geom.Pose3 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pose
}

// SetNoise adds zero-mean Gaussian pixel noise to every corner.
func (e *Engine) SetNoise(stddev float64, seed int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.noise = stddev
	e.rng = rand.New(rand.NewSource(seed))
}

type family struct{ name string }

func (f family) Name() string { return f.name }
func (family) Close()         {}

// CreateFamily implements detector.Engine. Only the layout's family is known.
func (e *Engine) CreateFamily(name string) (detector.Family, error) {
	if name != e.layout.Family() {
		return nil, fmt.Errorf("%w: %s", detector.ErrUnknownFamily, name)
	}
	return family{name: name}, nil
}

// AddFamily implements detector.Engine.
func (e *Engine) AddFamily(f detector.Family) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.active[f.Name()] = true
	return nil
}

// RemoveFamily implements detector.Engine.
func (e *Engine) RemoveFamily(f detector.Family) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.active, f.Name())
}

// Detect implements detector.Engine. Image contents are ignored.
func (e *Engine) Detect(detector.Image) (detector.RawDetections, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	raw := &rawList{}
	if !e.active[e.layout.Family()] {
		return raw, nil
	}
	fieldToCam := e.pose.Inverse()
	for _, id := range e.layout.IDs() {
		m, _ := e.layout.Get(id)
		if d, ok := e.project(m, fieldToCam); ok {
			raw.items = append(raw.items, d)
		}
	}
	return raw, nil
}

func (e *Engine) project(m fieldlayout.Marker, fieldToCam geom.Pose3) (model.MarkerDetection, bool) {
	// The marker face points along its local +X.
	normal := m.Pose.Rotation.Rotate(r3.Vec{X: 1})
	toCam := r3.Sub(e.pose.Translation, m.Pose.Translation)
	if r3.Dot(normal, toCam) <= 0 {
		return model.MarkerDetection{}, false
	}

	d := model.MarkerDetection{ID: m.ID, FamilyName: e.layout.Family()}
	for i, c := range e.layout.Corners(m) {
		px, ok := e.intr.Project(geom.ToVisionFrameVec(fieldToCam.TransformPoint(c)))
		if !ok || px.X < 0 || px.Y < 0 || px.X >= float64(e.cols) || px.Y >= float64(e.rows) {
			return model.MarkerDetection{}, false
		}
		if e.noise > 0 {
			px.X += e.rng.NormFloat64() * e.noise
			px.Y += e.rng.NormFloat64() * e.noise
		}
		d.Corners[i] = px
	}
	// Smaller markers decode with less margin.
	side := math.Hypot(d.Corners[1].X-d.Corners[0].X, d.Corners[1].Y-d.Corners[0].Y)
	d.DecisionMargin = math.Min(100, side)
	return d, true
}

// SetConfig implements detector.Engine.
func (e *Engine) SetConfig(c detector.Config) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cfg = c
}

// Config implements detector.Engine.
func (e *Engine) Config() detector.Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg
}

// SetThresholdParams implements detector.Engine.
func (e *Engine) SetThresholdParams(p detector.ThresholdParams) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.params = p
}

// ThresholdParams implements detector.Engine.
func (e *Engine) ThresholdParams() detector.ThresholdParams {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.params
}

// Close implements detector.Engine.
func (e *Engine) Close() error { return nil }

type rawList struct {
	items []model.MarkerDetection
}

func (r *rawList) Len() int                         { return len(r.items) }
func (r *rawList) Take(i int) model.MarkerDetection { return r.items[i] }
func (r *rawList) Release()                         { r.items = nil }

// Orbit spins a camera in place at Position, completing one turn per Period.
type Orbit struct {
	Position r3.Vec
	Period   time.Duration
}

// PoseAt returns the camera pose after elapsed time.
func (o Orbit) PoseAt(elapsed time.Duration) geom.Pose3 {
	yaw := 0.0
	if o.Period > 0 {
		yaw = 2 * math.Pi * float64(elapsed%o.Period) / float64(o.Period)
	}
	return geom.NewPose3(o.Position, geom.RotationFromEuler(0, 0, yaw))
}

// Run publishes blank frames to sink at fps, moving the engine's camera
// along orbit, until ctx is done.
func Run(ctx context.Context, eng *Engine, sink *frame.Sink, clock timeutil.Clock, fps int, orbit Orbit) error {
	if fps <= 0 {
		return fmt.Errorf("fps must be positive, got %d", fps)
	}
	format := frame.Format{Colorspace: frame.ColorspaceGray, Rows: eng.rows, Cols: eng.cols}
	sink.SetFormat(format)
	blank := make([]byte, eng.rows*eng.cols)

	ticker := clock.NewTicker(time.Second / time.Duration(fps))
	defer ticker.Stop()
	start := clock.Now()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C():
			eng.SetCameraPose(orbit.PoseAt(clock.Since(start)))
			sink.Publish(&frame.Frame{
				CaptureTimeMicros: timeutil.Micros(clock),
				Format:            format,
				Data:              blank,
			})
		}
	}
}
