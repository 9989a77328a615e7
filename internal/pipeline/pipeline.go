// Package pipeline turns frames into results: detection, exclusion,
// per-marker and field pose solving, assembled per pipeline kind.
package pipeline

import (
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/banshee-data/tagvision/internal/detector"
	"github.com/banshee-data/tagvision/internal/frame"
	"github.com/banshee-data/tagvision/internal/model"
	"github.com/banshee-data/tagvision/internal/monitoring"
	"github.com/banshee-data/tagvision/internal/pnp"
	"github.com/banshee-data/tagvision/internal/sched"
	"github.com/banshee-data/tagvision/internal/timeutil"
)

// Config selects what a pipeline produces.
type Config struct {
	Kind             model.Kind
	Families         []string
	Detector         detector.Config
	Threshold        detector.ThresholdParams
	DetectorExclude  []int
	FieldPoseExclude []int
	SolveTagRelative bool
}

// ObjectDetector is the external inference engine feeding object-detect
// pipelines. Its output is carried through unchanged.
type ObjectDetector interface {
	Detect(f *frame.Frame) ([]model.ObjectDetection, error)
}

// Deps are the collaborators a Pipeline uses. Detector and Solver are
// required for marker kinds; Objects for object detection.
type Deps struct {
	Detector *detector.Detector
	Solver   *pnp.Solver
	Objects  ObjectDetector
	Clock    timeutil.Clock
}

// Stats counts pipeline activity since construction.
type Stats struct {
	Frames          uint64        `json:"frames"`
	Detections      uint64        `json:"detections"`
	Excluded        uint64        `json:"excluded"`
	RelativePoses   uint64        `json:"relative_poses"`
	FieldPoses      uint64        `json:"field_poses"`
	Failures        uint64        `json:"failures"`
	LastLatency     time.Duration `json:"last_latency_ns"`
	LastCaptureTime uint64        `json:"last_capture_time_us"`
}

// Pipeline processes frames for one configured kind.
type Pipeline struct {
	kind          model.Kind
	det           *detector.Detector
	solver        *pnp.Solver
	objects       ObjectDetector
	clock         timeutil.Clock
	detExclude    map[int]struct{}
	fieldExclude  map[int]struct{}
	solveRelative bool

	// failLog throttles per-frame failure logs; counters still see every one.
	failLog rate.Sometimes

	mu    sync.Mutex
	stats Stats
}

func idSet(ids []int) map[int]struct{} {
	m := make(map[int]struct{}, len(ids))
	for _, id := range ids {
		m[id] = struct{}{}
	}
	return m
}

// New builds a Pipeline and applies cfg's detector settings and families.
func New(cfg Config, deps Deps) *Pipeline {
	if deps.Clock == nil {
		deps.Clock = timeutil.RealClock{}
	}
	p := &Pipeline{
		kind:          cfg.Kind,
		det:           deps.Detector,
		solver:        deps.Solver,
		objects:       deps.Objects,
		clock:         deps.Clock,
		detExclude:    idSet(cfg.DetectorExclude),
		fieldExclude:  idSet(cfg.FieldPoseExclude),
		solveRelative: cfg.SolveTagRelative,
		failLog:       rate.Sometimes{First: 3, Interval: 5 * time.Second},
	}
	if cfg.Kind == model.KindMarkerPose && p.solver == nil {
		monitoring.Logf("pipeline: marker pose pipeline has no solver; results will carry no poses")
	}
	if p.det != nil {
		p.det.SetConfig(cfg.Detector)
		p.det.SetThresholdParams(cfg.Threshold)
		for _, fam := range cfg.Families {
			p.det.AddFamily(fam)
		}
	}
	return p
}

// Kind returns the configured result kind.
func (p *Pipeline) Kind() model.Kind { return p.kind }

// Stats returns a snapshot of the counters.
func (p *Pipeline) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// Process runs the pipeline on f. It never fails: detector errors, solve
// failures and unknown markers show up as empty or absent observations.
func (p *Pipeline) Process(f *frame.Frame) model.Result {
	start := p.clock.Now()
	r := model.Result{CaptureTimeMicros: f.CaptureTimeMicros}
	var delta Stats

	switch p.kind {
	case model.KindMarkerDetect:
		dets := p.detect(f, &delta)
		r.Variant = model.MarkerDetect{Detections: dets}
	case model.KindObjectDetect:
		r.Variant = model.ObjectDetect{Detections: p.detectObjects(f, &delta)}
	default:
		r.Variant = p.markerPose(f, &delta)
	}

	p.mu.Lock()
	p.stats.Frames++
	p.stats.Detections += delta.Detections
	p.stats.Excluded += delta.Excluded
	p.stats.RelativePoses += delta.RelativePoses
	p.stats.FieldPoses += delta.FieldPoses
	p.stats.Failures += delta.Failures
	p.stats.LastLatency = p.clock.Since(start)
	p.stats.LastCaptureTime = f.CaptureTimeMicros
	p.mu.Unlock()
	return r
}

func (p *Pipeline) fieldExcludeSet() map[int]struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fieldExclude
}

// ExcludeFromFieldPose adds ids to the field-pose exclude set. The set is
// replaced rather than mutated so frames in flight keep a stable view.
func (p *Pipeline) ExcludeFromFieldPose(ids ...int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	next := make(map[int]struct{}, len(p.fieldExclude)+len(ids))
	for id := range p.fieldExclude {
		next[id] = struct{}{}
	}
	for _, id := range ids {
		next[id] = struct{}{}
	}
	p.fieldExclude = next
}

// IncludeInFieldPose removes ids from the field-pose exclude set.
func (p *Pipeline) IncludeInFieldPose(ids ...int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	next := make(map[int]struct{}, len(p.fieldExclude))
	for id := range p.fieldExclude {
		next[id] = struct{}{}
	}
	for _, id := range ids {
		delete(next, id)
	}
	p.fieldExclude = next
}

// FieldPoseExclude returns the current field-pose exclude ids, sorted.
func (p *Pipeline) FieldPoseExclude() []int {
	set := p.fieldExcludeSet()
	ids := make([]int, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// Submit queues Process(f) on pool.
func (p *Pipeline) Submit(pool *sched.Pool, f *frame.Frame) (*sched.Future[model.Result], error) {
	return sched.Submit(pool, func() (model.Result, error) {
		return p.Process(f), nil
	})
}

func (p *Pipeline) markerPose(f *frame.Frame, delta *Stats) model.MarkerPose {
	var v model.MarkerPose
	dets := p.detect(f, delta)
	if len(dets) == 0 || p.solver == nil {
		return v
	}

	if p.solveRelative {
		for _, d := range dets {
			obs := p.solver.SolveTagRelative(d)
			if obs == nil {
				delta.Failures++
				continue
			}
			v.RelativePoses = append(v.RelativePoses, *obs)
		}
		delta.RelativePoses += uint64(len(v.RelativePoses))
	}

	// A solver without a layout reports no field pose.
	v.FieldPose = p.solver.SolveFieldPose(dets, p.fieldExcludeSet())
	if v.FieldPose != nil {
		delta.FieldPoses++
	}
	return v
}

// detect runs the detector and drops ids in the detector exclude set.
func (p *Pipeline) detect(f *frame.Frame, delta *Stats) []model.MarkerDetection {
	if p.det == nil {
		return nil
	}
	if err := f.Validate(); err != nil {
		p.logFailure("pipeline: skipping frame %d: %v", f.CaptureTimeMicros, err)
		delta.Failures++
		return nil
	}
	dets, err := p.det.Detect(detector.Image{
		Rows:     f.Format.Rows,
		Cols:     f.Format.Cols,
		Channels: f.Format.Colorspace.Channels(),
		Pix:      f.Data,
	})
	if err != nil {
		p.logFailure("pipeline: detect frame %d: %v", f.CaptureTimeMicros, err)
		delta.Failures++
		return nil
	}
	delta.Detections += uint64(len(dets))

	kept := dets[:0]
	for _, d := range dets {
		if _, skip := p.detExclude[d.ID]; skip {
			delta.Excluded++
			continue
		}
		kept = append(kept, d)
	}
	if len(kept) == 0 {
		return nil
	}
	return kept
}

func (p *Pipeline) detectObjects(f *frame.Frame, delta *Stats) []model.ObjectDetection {
	if p.objects == nil {
		return nil
	}
	objs, err := p.objects.Detect(f)
	if err != nil {
		p.logFailure("pipeline: object detect frame %d: %v", f.CaptureTimeMicros, err)
		delta.Failures++
		return nil
	}
	delta.Detections += uint64(len(objs))
	return objs
}

func (p *Pipeline) logFailure(format string, v ...interface{}) {
	p.failLog.Do(func() { monitoring.Logf(format, v...) })
}
