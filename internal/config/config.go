// Package config loads the JSON document describing one vision pipeline
// and the daemon around it. Every field is optional; Get* accessors supply
// defaults for anything the document leaves out.
package config

import (
	"encoding/json"
	"fmt"
	"math"
	"net"

	"github.com/banshee-data/tagvision/internal/detector"
	"github.com/banshee-data/tagvision/internal/fieldlayout"
	"github.com/banshee-data/tagvision/internal/fsutil"
	"github.com/banshee-data/tagvision/internal/model"
	"github.com/banshee-data/tagvision/internal/monitoring"
	"github.com/banshee-data/tagvision/internal/pipeline"
	"github.com/banshee-data/tagvision/internal/pnp"
	"github.com/banshee-data/tagvision/internal/sched"
	"github.com/banshee-data/tagvision/internal/serialmux"
	"github.com/banshee-data/tagvision/internal/wire"
)

// DetectorConfig mirrors detector.Config.
type DetectorConfig struct {
	Threads          *int     `json:"threads,omitempty"`
	QuadDecimate     *float64 `json:"quad_decimate,omitempty"`
	QuadSigma        *float64 `json:"quad_sigma,omitempty"`
	RefineEdges      *bool    `json:"refine_edges,omitempty"`
	DecodeSharpening *float64 `json:"decode_sharpening,omitempty"`
	Debug            *bool    `json:"debug,omitempty"`
}

// ThresholdConfig mirrors detector.ThresholdParams, with the critical
// angle in degrees.
type ThresholdConfig struct {
	MinClusterPixels  *int     `json:"min_cluster_pixels,omitempty"`
	MaxNumMaxima      *int     `json:"max_num_maxima,omitempty"`
	CriticalAngleDeg  *float64 `json:"critical_angle_deg,omitempty"`
	MaxLineFitMSE     *float64 `json:"max_line_fit_mse,omitempty"`
	MinWhiteBlackDiff *int     `json:"min_white_black_diff,omitempty"`
	Deglitch          *bool    `json:"deglitch,omitempty"`
}

// CameraConfig holds the calibration for the pipeline's camera.
type CameraConfig struct {
	// Matrix is the 3x3 camera matrix in row-major order.
	Matrix     *[9]float64 `json:"matrix,omitempty"`
	Distortion []float64   `json:"distortion,omitempty"`
	Width      *int        `json:"width,omitempty"`
	Height     *int        `json:"height,omitempty"`
}

// LogConfig configures the rotating log file.
type LogConfig struct {
	Path       *string `json:"path,omitempty"`
	MaxSizeMB  *int    `json:"max_size_mb,omitempty"`
	MaxBackups *int    `json:"max_backups,omitempty"`
	MaxAgeDays *int    `json:"max_age_days,omitempty"`
	Compress   *bool   `json:"compress,omitempty"`
}

// PipelineConfig is the root configuration document.
type PipelineConfig struct {
	Name   *string `json:"name,omitempty"`
	Kind   *string `json:"kind,omitempty"`
	Layout *string `json:"layout,omitempty"`

	Families  []string        `json:"families,omitempty"`
	Detector  DetectorConfig  `json:"detector"`
	Threshold ThresholdConfig `json:"threshold"`
	Camera    CameraConfig    `json:"camera"`

	DetectorExclude  []int `json:"detector_exclude,omitempty"`
	FieldPoseExclude []int `json:"field_pose_exclude,omitempty"`
	SolveTagRelative *bool `json:"solve_tag_relative,omitempty"`

	Workers    *int    `json:"workers,omitempty"`
	CPUs       []int   `json:"cpus,omitempty"`
	RTPriority *string `json:"rt_priority,omitempty"`

	SerialPort    *string                `json:"serial_port,omitempty"`
	SerialOptions *serialmux.PortOptions `json:"serial_options,omitempty"`
	UDPForward    *string                `json:"udp_forward,omitempty"`
	WireVersion   *int                   `json:"wire_version,omitempty"`
	DBPath        *string                `json:"db_path,omitempty"`
	Log           LogConfig              `json:"log"`
}

// Load reads and validates a configuration document.
func Load(fsys fsutil.FileSystem, path string) (*PipelineConfig, error) {
	data, err := fsutil.ReadDocument(fsys, path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes and validates a configuration document.
func Parse(data []byte) (*PipelineConfig, error) {
	cfg := &PipelineConfig{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func parseKind(s string) (model.Kind, error) {
	for _, k := range []model.Kind{model.KindMarkerPose, model.KindMarkerDetect, model.KindObjectDetect} {
		if k.String() == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown pipeline kind %q", s)
}

// Validate checks that the configuration values are valid.
func (c *PipelineConfig) Validate() error {
	if c.Kind != nil {
		if _, err := parseKind(*c.Kind); err != nil {
			return err
		}
	}
	if c.Detector.Threads != nil && *c.Detector.Threads < 1 {
		return fmt.Errorf("detector.threads must be at least 1, got %d", *c.Detector.Threads)
	}
	if c.Detector.QuadDecimate != nil && *c.Detector.QuadDecimate < 1 {
		return fmt.Errorf("detector.quad_decimate must be at least 1, got %g", *c.Detector.QuadDecimate)
	}
	if c.Detector.QuadSigma != nil && *c.Detector.QuadSigma < 0 {
		return fmt.Errorf("detector.quad_sigma must be non-negative, got %g", *c.Detector.QuadSigma)
	}
	if c.Threshold.CriticalAngleDeg != nil {
		if a := *c.Threshold.CriticalAngleDeg; a < 0 || a > 90 {
			return fmt.Errorf("threshold.critical_angle_deg must be between 0 and 90, got %g", a)
		}
	}
	if c.Threshold.MinClusterPixels != nil && *c.Threshold.MinClusterPixels < 0 {
		return fmt.Errorf("threshold.min_cluster_pixels must be non-negative, got %d", *c.Threshold.MinClusterPixels)
	}
	if m := c.Camera.Matrix; m != nil {
		if m[0] <= 0 || m[4] <= 0 {
			return fmt.Errorf("camera.matrix focal lengths must be positive, got fx=%g fy=%g", m[0], m[4])
		}
		if m[6] != 0 || m[7] != 0 || m[8] != 1 {
			return fmt.Errorf("camera.matrix last row must be [0 0 1]")
		}
	}
	if n := len(c.Camera.Distortion); n != 0 && n != 4 && n != 5 && n != 8 {
		return fmt.Errorf("camera.distortion must have 4, 5 or 8 coefficients, got %d", n)
	}
	if c.Workers != nil && *c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", *c.Workers)
	}
	for _, cpu := range c.CPUs {
		if cpu < 0 {
			return fmt.Errorf("cpus must be non-negative, got %d", cpu)
		}
	}
	if c.RTPriority != nil {
		if _, err := sched.ParsePriority(*c.RTPriority); err != nil {
			return err
		}
	}
	if c.SerialOptions != nil {
		if _, err := c.SerialOptions.Normalize(); err != nil {
			return fmt.Errorf("serial_options: %w", err)
		}
	}
	if c.UDPForward != nil && *c.UDPForward != "" {
		if _, _, err := net.SplitHostPort(*c.UDPForward); err != nil {
			return fmt.Errorf("invalid udp_forward %q: %w", *c.UDPForward, err)
		}
	}
	if c.WireVersion != nil {
		if v := *c.WireVersion; v != int(wire.Version1) && v != int(wire.Version2) {
			return fmt.Errorf("wire_version must be %d or %d, got %d", wire.Version1, wire.Version2, v)
		}
	}
	return nil
}

// GetName returns the pipeline name or the default.
func (c *PipelineConfig) GetName() string {
	if c.Name == nil || *c.Name == "" {
		return "default"
	}
	return *c.Name
}

// GetKind returns the pipeline kind or the default.
func (c *PipelineConfig) GetKind() model.Kind {
	if c.Kind == nil {
		return model.KindMarkerPose
	}
	k, err := parseKind(*c.Kind)
	if err != nil {
		return model.KindMarkerPose
	}
	return k
}

// GetLayout returns the field layout path; empty means none configured.
func (c *PipelineConfig) GetLayout() string {
	if c.Layout == nil {
		return ""
	}
	return *c.Layout
}

// GetFamilies returns the marker families to detect, defaulting to the
// layout family.
func (c *PipelineConfig) GetFamilies() []string {
	if len(c.Families) == 0 {
		return []string{fieldlayout.DefaultFamily}
	}
	return c.Families
}

// GetDetector returns the detector config with defaults filled in.
func (c *PipelineConfig) GetDetector() detector.Config {
	d := detector.DefaultConfig()
	if v := c.Detector.Threads; v != nil {
		d.Threads = *v
	}
	if v := c.Detector.QuadDecimate; v != nil {
		d.QuadDecimate = *v
	}
	if v := c.Detector.QuadSigma; v != nil {
		d.QuadSigma = *v
	}
	if v := c.Detector.RefineEdges; v != nil {
		d.RefineEdges = *v
	}
	if v := c.Detector.DecodeSharpening; v != nil {
		d.DecodeSharpening = *v
	}
	if v := c.Detector.Debug; v != nil {
		d.Debug = *v
	}
	return d
}

// GetThreshold returns the quad threshold params with defaults filled in.
func (c *PipelineConfig) GetThreshold() detector.ThresholdParams {
	p := detector.DefaultThresholdParams()
	if v := c.Threshold.MinClusterPixels; v != nil {
		p.MinClusterPixels = *v
	}
	if v := c.Threshold.MaxNumMaxima; v != nil {
		p.MaxNumMaxima = *v
	}
	if v := c.Threshold.CriticalAngleDeg; v != nil {
		p.CriticalAngle = *v * math.Pi / 180
	}
	if v := c.Threshold.MaxLineFitMSE; v != nil {
		p.MaxLineFitMSE = *v
	}
	if v := c.Threshold.MinWhiteBlackDiff; v != nil {
		p.MinWhiteBlackDiff = *v
	}
	if v := c.Threshold.Deglitch; v != nil {
		p.Deglitch = *v
	}
	return p
}

// GetCameraSize returns the image width and height, default 640x480.
func (c *PipelineConfig) GetCameraSize() (width, height int) {
	width, height = 640, 480
	if c.Camera.Width != nil {
		width = *c.Camera.Width
	}
	if c.Camera.Height != nil {
		height = *c.Camera.Height
	}
	return width, height
}

// GetIntrinsics returns the camera calibration. Without a configured
// matrix a nominal 70 degree field of view centred camera is assumed.
func (c *PipelineConfig) GetIntrinsics() pnp.Intrinsics {
	if c.Camera.Matrix != nil {
		return pnp.NewIntrinsics(*c.Camera.Matrix, c.Camera.Distortion)
	}
	w, h := c.GetCameraSize()
	f := float64(w) / 2 / math.Tan(35*math.Pi/180)
	monitoring.Logf("config: no camera matrix, assuming f=%.1f for %dx%d", f, w, h)
	return pnp.NewIntrinsics([9]float64{f, 0, float64(w) / 2, 0, f, float64(h) / 2, 0, 0, 1}, c.Camera.Distortion)
}

// GetSolveTagRelative reports whether per-marker poses are solved.
func (c *PipelineConfig) GetSolveTagRelative() bool {
	if c.SolveTagRelative == nil {
		return true
	}
	return *c.SolveTagRelative
}

// GetWorkers returns the worker count or the default.
func (c *PipelineConfig) GetWorkers() int {
	if c.Workers == nil {
		return 2
	}
	return *c.Workers
}

// GetRTPriority returns the worker priority, default none.
func (c *PipelineConfig) GetRTPriority() sched.Priority {
	if c.RTPriority == nil {
		return sched.PriorityNone
	}
	p, err := sched.ParsePriority(*c.RTPriority)
	if err != nil {
		return sched.PriorityNone
	}
	return p
}

// GetSerialPort returns the controller link device; empty disables it.
func (c *PipelineConfig) GetSerialPort() string {
	if c.SerialPort == nil {
		return ""
	}
	return *c.SerialPort
}

// GetSerialOptions returns the normalised link options.
func (c *PipelineConfig) GetSerialOptions() serialmux.PortOptions {
	var o serialmux.PortOptions
	if c.SerialOptions != nil {
		o = *c.SerialOptions
	}
	n, err := o.Normalize()
	if err != nil {
		n, _ = serialmux.PortOptions{}.Normalize()
	}
	return n
}

// GetUDPForward returns the UDP destination; empty disables forwarding.
func (c *PipelineConfig) GetUDPForward() string {
	if c.UDPForward == nil {
		return ""
	}
	return *c.UDPForward
}

// GetWireVersion returns the result encoding version or the current one.
func (c *PipelineConfig) GetWireVersion() uint8 {
	if c.WireVersion == nil {
		return wire.CurrentVersion
	}
	return uint8(*c.WireVersion)
}

// GetDBPath returns the results database path; empty disables logging.
func (c *PipelineConfig) GetDBPath() string {
	if c.DBPath == nil {
		return ""
	}
	return *c.DBPath
}

// GetLogFile returns the rotating log options.
func (c *PipelineConfig) GetLogFile() monitoring.LogFileOptions {
	var o monitoring.LogFileOptions
	if c.Log.Path != nil {
		o.Path = *c.Log.Path
	}
	if c.Log.MaxSizeMB != nil {
		o.MaxSizeMB = *c.Log.MaxSizeMB
	}
	if c.Log.MaxBackups != nil {
		o.MaxBackups = *c.Log.MaxBackups
	}
	if c.Log.MaxAgeDays != nil {
		o.MaxAgeDays = *c.Log.MaxAgeDays
	}
	if c.Log.Compress != nil {
		o.Compress = *c.Log.Compress
	}
	return o
}

// PipelineConfig converts the document to the pipeline's settings.
func (c *PipelineConfig) PipelineConfig() pipeline.Config {
	return pipeline.Config{
		Kind:             c.GetKind(),
		Families:         c.GetFamilies(),
		Detector:         c.GetDetector(),
		Threshold:        c.GetThreshold(),
		DetectorExclude:  c.DetectorExclude,
		FieldPoseExclude: c.FieldPoseExclude,
		SolveTagRelative: c.GetSolveTagRelative(),
	}
}

// SchedOptions converts the worker settings for sched.NewPool.
func (c *PipelineConfig) SchedOptions() sched.Options {
	return sched.Options{
		Workers:  c.GetWorkers(),
		CPUs:     c.CPUs,
		Priority: c.GetRTPriority(),
	}
}
