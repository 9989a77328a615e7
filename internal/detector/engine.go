package detector

import (
	"errors"
	"math"

	"github.com/banshee-data/tagvision/internal/model"
)

// ErrUnknownFamily is returned by an Engine asked to create a marker family
// it does not know.
var ErrUnknownFamily = errors.New("detector: unknown marker family")

// Config mirrors the native detector settings. Values are passed through
// to the engine unchanged.
type Config struct {
	Threads          int
	QuadDecimate     float64
	QuadSigma        float64
	RefineEdges      bool
	DecodeSharpening float64
	Debug            bool
}

// DefaultConfig returns the native engine defaults.
func DefaultConfig() Config {
	return Config{
		Threads:          1,
		QuadDecimate:     2.0,
		QuadSigma:        0.0,
		RefineEdges:      true,
		DecodeSharpening: 0.25,
	}
}

// ThresholdParams mirrors the native quad-threshold settings.
type ThresholdParams struct {
	MinClusterPixels int
	MaxNumMaxima     int
	// CriticalAngle is in radians.
	CriticalAngle     float64
	MaxLineFitMSE     float64
	MinWhiteBlackDiff int
	Deglitch          bool
}

// DefaultThresholdParams returns the native engine defaults.
func DefaultThresholdParams() ThresholdParams {
	return ThresholdParams{
		MinClusterPixels:  5,
		MaxNumMaxima:      10,
		CriticalAngle:     10 * math.Pi / 180,
		MaxLineFitMSE:     10.0,
		MinWhiteBlackDiff: 5,
	}
}

// Image is an 8-bit image handed to the engine. Channels is 1 for
// grayscale or 3 for BGR.
type Image struct {
	Rows     int
	Cols     int
	Channels int
	Pix      []byte
}

// Family is a native marker family handle owned by the Detector that
// created it. Close releases the native handle and must be called once.
type Family interface {
	Name() string
	Close()
}

// RawDetections is the native result list of one Detect call. Take copies
// item i out and frees its native storage; Release frees the list itself
// and any items not yet taken.
type RawDetections interface {
	Len() int
	Take(i int) model.MarkerDetection
	Release()
}

// Engine is the native marker detection engine. It is not safe for
// concurrent use; the Detector serializes access.
type Engine interface {
	CreateFamily(name string) (Family, error)
	AddFamily(f Family) error
	RemoveFamily(f Family)
	Detect(img Image) (RawDetections, error)

	SetConfig(c Config)
	Config() Config
	SetThresholdParams(p ThresholdParams)
	ThresholdParams() ThresholdParams

	// Close destroys the engine. Families must be removed first.
	Close() error
}

// SupportedFamilies lists the marker family names the bundled engines know.
var SupportedFamilies = []string{"tag16h5", "tag25h9", "tag36h10", "tag36h11"}

func isSupported(name string) bool {
	for _, f := range SupportedFamilies {
		if f == name {
			return true
		}
	}
	return false
}
