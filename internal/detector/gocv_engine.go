//go:build gocv
// +build gocv

package detector

import (
	"fmt"

	"gocv.io/x/gocv"

	"github.com/banshee-data/tagvision/internal/model"
)

var gocvDictionaries = map[string]gocv.ArucoDictionaryCode{
	"tag16h5":  gocv.ArucoDictAprilTag_16h5,
	"tag25h9":  gocv.ArucoDictAprilTag_25h9,
	"tag36h10": gocv.ArucoDictAprilTag_36h10,
	"tag36h11": gocv.ArucoDictAprilTag_36h11,
}

// GoCVEngine runs OpenCV's ArUco detector with the AprilTag dictionaries.
// One native detector is kept per active family.
type GoCVEngine struct {
	cfg    Config
	params ThresholdParams
	active []*gocvFamily
	gray   gocv.Mat
}

// NewGoCVEngine returns an OpenCV-backed engine.
func NewGoCVEngine() (Engine, error) {
	return &GoCVEngine{
		cfg:    DefaultConfig(),
		params: DefaultThresholdParams(),
		gray:   gocv.NewMat(),
	}, nil
}

type gocvFamily struct {
	name string
	dict gocv.ArucoDictionary
	det  *gocv.ArucoDetector
}

func (f *gocvFamily) Name() string { return f.name }

func (f *gocvFamily) Close() {
	if f.det != nil {
		f.det.Close()
		f.det = nil
	}
}

func (e *GoCVEngine) detectorParams() gocv.ArucoDetectorParameters {
	p := gocv.NewArucoDetectorParameters()
	p.SetAprilTagQuadDecimate(float32(e.cfg.QuadDecimate))
	p.SetAprilTagQuadSigma(float32(e.cfg.QuadSigma))
	p.SetAprilTagMinClusterPixels(e.params.MinClusterPixels)
	p.SetAprilTagMaxNmaxima(e.params.MaxNumMaxima)
	p.SetAprilTagCriticalRad(float32(e.params.CriticalAngle))
	p.SetAprilTagMaxLineFitMse(float32(e.params.MaxLineFitMSE))
	p.SetAprilTagMinWhiteBlackDiff(e.params.MinWhiteBlackDiff)
	if e.params.Deglitch {
		p.SetAprilTagDeglitch(1)
	} else {
		p.SetAprilTagDeglitch(0)
	}
	// 3 is CORNER_REFINE_APRILTAG.
	if e.cfg.RefineEdges {
		p.SetCornerRefinementMethod(3)
	}
	return p
}

// CreateFamily implements Engine.
func (e *GoCVEngine) CreateFamily(name string) (Family, error) {
	code, ok := gocvDictionaries[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownFamily, name)
	}
	return &gocvFamily{name: name, dict: gocv.GetPredefinedDictionary(code)}, nil
}

// AddFamily implements Engine.
func (e *GoCVEngine) AddFamily(f Family) error {
	gf, ok := f.(*gocvFamily)
	if !ok {
		return fmt.Errorf("family %q was not created by this engine", f.Name())
	}
	det := gocv.NewArucoDetectorWithParams(gf.dict, e.detectorParams())
	gf.det = &det
	e.active = append(e.active, gf)
	return nil
}

// RemoveFamily implements Engine.
func (e *GoCVEngine) RemoveFamily(f Family) {
	for i, gf := range e.active {
		if gf == f {
			e.active = append(e.active[:i], e.active[i+1:]...)
			gf.Close()
			return
		}
	}
}

// Detect implements Engine.
func (e *GoCVEngine) Detect(img Image) (RawDetections, error) {
	var mt gocv.MatType
	switch img.Channels {
	case 1:
		mt = gocv.MatTypeCV8UC1
	case 3:
		mt = gocv.MatTypeCV8UC3
	default:
		return nil, fmt.Errorf("unsupported channel count %d", img.Channels)
	}
	src, err := gocv.NewMatFromBytes(img.Rows, img.Cols, mt, img.Pix)
	if err != nil {
		return nil, fmt.Errorf("wrap image: %w", err)
	}
	defer src.Close()

	input := src
	if img.Channels == 3 {
		gocv.CvtColor(src, &e.gray, gocv.ColorBGRToGray)
		input = e.gray
	}

	raw := &gocvRaw{}
	for _, f := range e.active {
		corners, ids, _ := f.det.DetectMarkers(input)
		for i, id := range ids {
			c := corners[i]
			if len(c) != 4 {
				continue
			}
			// ArUco reports no decision margin or corrected bit count,
			// so both stay zero.
			// ArUco winds clockwise from top-left; reorder to start at
			// bottom-left and wind counter-clockwise.
			raw.items = append(raw.items, model.MarkerDetection{
				ID: id,
				Corners: [4]model.Point2{
					{X: float64(c[3].X), Y: float64(c[3].Y)},
					{X: float64(c[2].X), Y: float64(c[2].Y)},
					{X: float64(c[1].X), Y: float64(c[1].Y)},
					{X: float64(c[0].X), Y: float64(c[0].Y)},
				},
				FamilyName: f.name,
			})
		}
	}
	return raw, nil
}

// SetConfig implements Engine. Active native detectors are rebuilt.
func (e *GoCVEngine) SetConfig(c Config) {
	e.cfg = c
	e.rebuild()
}

// Config implements Engine.
func (e *GoCVEngine) Config() Config { return e.cfg }

// SetThresholdParams implements Engine.
func (e *GoCVEngine) SetThresholdParams(p ThresholdParams) {
	e.params = p
	e.rebuild()
}

// ThresholdParams implements Engine.
func (e *GoCVEngine) ThresholdParams() ThresholdParams { return e.params }

func (e *GoCVEngine) rebuild() {
	for _, f := range e.active {
		f.Close()
		det := gocv.NewArucoDetectorWithParams(f.dict, e.detectorParams())
		f.det = &det
	}
}

// Close implements Engine.
func (e *GoCVEngine) Close() error {
	for _, f := range e.active {
		f.Close()
	}
	e.active = nil
	return e.gray.Close()
}

type gocvRaw struct {
	items []model.MarkerDetection
}

func (r *gocvRaw) Len() int { return len(r.items) }

func (r *gocvRaw) Take(i int) model.MarkerDetection { return r.items[i] }

func (r *gocvRaw) Release() { r.items = nil }
