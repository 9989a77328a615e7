// Package model defines the per-frame observation types produced by the
// detector and pose solver and carried by a pipeline result.
package model

import (
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/tagvision/internal/geom"
)

// Point2 is an image-space point in pixels.
type Point2 struct {
	X float64
	Y float64
}

// MarkerDetection is one marker found in a frame. Corners are in image
// pixels with a consistent winding.
type MarkerDetection struct {
	ID              int
	Corners         [4]Point2
	DecisionMargin  float64
	HammingDistance int
	FamilyName      string
}

// RelativePoseObservation is the pose of one marker in the camera frame.
// Pose1/Error1 are nil when the solve produced only one candidate.
type RelativePoseObservation struct {
	ID              int
	Corners         [4]Point2
	DecisionMargin  float64
	HammingDistance int

	Pose0  geom.Pose3
	Error0 float64
	Pose1  *geom.Pose3
	Error1 *float64
}

// HasSecondary reports whether the alternate planar solution is present.
func (o *RelativePoseObservation) HasSecondary() bool {
	return o.Pose1 != nil && o.Error1 != nil
}

// FieldPoseObservation is the camera pose in the field frame. A secondary
// solution exists only when a single marker contributed.
type FieldPoseObservation struct {
	TagsUsed   []int
	FieldPose0 geom.Pose3
	Error0     float64
	FieldPose1 *geom.Pose3
	Error1     *float64
}

// HasSecondary reports whether the alternate solution is present.
func (o *FieldPoseObservation) HasSecondary() bool {
	return o.FieldPose1 != nil && o.Error1 != nil
}

// Ambiguity returns error0/error1 for single-marker solves, or 0 when no
// secondary exists. Values near 1 mean the two candidates fit equally well.
func (o *FieldPoseObservation) Ambiguity() float64 {
	if !o.HasSecondary() || *o.Error1 == 0 {
		return 0
	}
	return o.Error0 / *o.Error1
}

// ObjectDetection is supplied by an external inference engine and carried
// through unchanged.
type ObjectDetection struct {
	ObjectClass  int
	Confidence   float64
	PercentArea  float64
	CornerPixels [4]Point2
	// CornerAngles holds (yaw, pitch) per corner in radians.
	CornerAngles [4]Point2
}

// Kind discriminates the pipeline result variants. The numeric values are
// part of the wire format.
type Kind uint8

const (
	KindMarkerPose   Kind = 0
	KindMarkerDetect Kind = 1
	KindObjectDetect Kind = 2
)

func (k Kind) String() string {
	switch k {
	case KindMarkerPose:
		return "marker_pose"
	case KindMarkerDetect:
		return "marker_detect"
	case KindObjectDetect:
		return "object_detect"
	default:
		return "unknown"
	}
}

// Variant is the kind-specific payload of a Result. The set of
// implementations is closed to this package.
type Variant interface {
	Kind() Kind
	isVariant()
}

// MarkerPose carries per-marker relative poses and the optional field pose.
type MarkerPose struct {
	RelativePoses []RelativePoseObservation
	FieldPose     *FieldPoseObservation
}

// MarkerDetect carries raw marker detections without pose solving.
type MarkerDetect struct {
	Detections []MarkerDetection
}

// ObjectDetect carries object detections verbatim.
type ObjectDetect struct {
	Detections []ObjectDetection
}

func (MarkerPose) Kind() Kind   { return KindMarkerPose }
func (MarkerDetect) Kind() Kind { return KindMarkerDetect }
func (ObjectDetect) Kind() Kind { return KindObjectDetect }

func (MarkerPose) isVariant()   {}
func (MarkerDetect) isVariant() {}
func (ObjectDetect) isVariant() {}

// Result is the output of one pipeline invocation.
type Result struct {
	CaptureTimeMicros uint64
	Variant           Variant
}

// Kind returns the variant kind. A Result without a variant reports
// KindMarkerPose with no observations.
func (r Result) Kind() Kind {
	if r.Variant == nil {
		return KindMarkerPose
	}
	return r.Variant.Kind()
}

// TagsUsed returns the marker ids contributing to the field pose, if any.
func (r Result) TagsUsed() []int {
	mp, ok := r.Variant.(MarkerPose)
	if !ok || mp.FieldPose == nil {
		return nil
	}
	return mp.FieldPose.TagsUsed
}

// FieldTranslation returns the primary field pose translation, if any.
func (r Result) FieldTranslation() (r3.Vec, bool) {
	mp, ok := r.Variant.(MarkerPose)
	if !ok || mp.FieldPose == nil {
		return r3.Vec{}, false
	}
	return mp.FieldPose.FieldPose0.Translation, true
}
