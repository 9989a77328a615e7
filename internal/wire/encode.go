// Package wire packs pipeline results into a versioned little-endian
// binary format and unpacks them again.
//
// Every message starts with a format version byte. Version 1 lays records
// out exactly as the original controller protocol did: relative pose
// records always carry two solutions, and a field pose carries its
// secondary block only when a single tag was used. Version 2 prefixes
// every optional secondary block with a presence byte. Integers are
// int32, collection lengths uint64, reals IEEE-754 float64.
package wire

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/banshee-data/tagvision/internal/geom"
	"github.com/banshee-data/tagvision/internal/model"
)

// Format versions.
const (
	Version1       byte = 1
	Version2       byte = 2
	CurrentVersion      = Version2
)

// Encoder appends records to an internal buffer.
type Encoder struct {
	version byte
	buf     []byte
}

// NewEncoder returns an Encoder for the given format version.
func NewEncoder(version byte) (*Encoder, error) {
	if version != Version1 && version != Version2 {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, version)
	}
	return &Encoder{version: version}, nil
}

// Bytes returns the encoded bytes. The slice aliases the Encoder's buffer
// until Reset.
func (e *Encoder) Bytes() []byte { return e.buf }

// Reset clears the buffer, keeping its capacity.
func (e *Encoder) Reset() { e.buf = e.buf[:0] }

func (e *Encoder) u8(v uint8)   { e.buf = append(e.buf, v) }
func (e *Encoder) i32(v int)    { e.buf = binary.LittleEndian.AppendUint32(e.buf, uint32(int32(v))) }
func (e *Encoder) u64(v uint64) { e.buf = binary.LittleEndian.AppendUint64(e.buf, v) }
func (e *Encoder) f64(v float64) {
	e.buf = binary.LittleEndian.AppendUint64(e.buf, math.Float64bits(v))
}

func (e *Encoder) presence(ok bool) {
	if ok {
		e.u8(1)
	} else {
		e.u8(0)
	}
}

func (e *Encoder) corners(c [4]model.Point2) {
	for _, p := range c {
		e.f64(p.X)
		e.f64(p.Y)
	}
}

// Pose3 writes translation (x, y, z) then the unit quaternion (w, x, y, z).
func (e *Encoder) Pose3(p geom.Pose3) {
	e.f64(p.Translation.X)
	e.f64(p.Translation.Y)
	e.f64(p.Translation.Z)
	w, x, y, z := p.Rotation.Quaternion()
	e.f64(w)
	e.f64(x)
	e.f64(y)
	e.f64(z)
}

// RelativePose writes one per-marker observation.
func (e *Encoder) RelativePose(o *model.RelativePoseObservation) {
	e.i32(o.ID)
	e.corners(o.Corners)
	e.f64(o.DecisionMargin)
	e.f64(float64(o.HammingDistance))
	e.Pose3(o.Pose0)
	e.f64(o.Error0)

	switch e.version {
	case Version1:
		if o.HasSecondary() {
			e.Pose3(*o.Pose1)
			e.f64(*o.Error1)
		} else {
			e.Pose3(o.Pose0)
			e.f64(o.Error0)
		}
	default:
		e.presence(o.HasSecondary())
		if o.HasSecondary() {
			e.Pose3(*o.Pose1)
			e.f64(*o.Error1)
		}
	}
}

// FieldPose writes a field pose observation.
func (e *Encoder) FieldPose(o *model.FieldPoseObservation) {
	e.i32(len(o.TagsUsed))
	for _, id := range o.TagsUsed {
		e.i32(id)
	}
	e.Pose3(o.FieldPose0)
	e.f64(o.Error0)

	switch e.version {
	case Version1:
		if len(o.TagsUsed) != 1 {
			return
		}
		if o.HasSecondary() {
			e.Pose3(*o.FieldPose1)
			e.f64(*o.Error1)
		} else {
			e.Pose3(o.FieldPose0)
			e.f64(o.Error0)
		}
	default:
		e.presence(o.HasSecondary())
		if o.HasSecondary() {
			e.Pose3(*o.FieldPose1)
			e.f64(*o.Error1)
		}
	}
}

func (e *Encoder) markerDetection(d *model.MarkerDetection) {
	e.i32(d.ID)
	e.corners(d.Corners)
	e.f64(d.DecisionMargin)
	e.f64(float64(d.HammingDistance))
}

func (e *Encoder) objectDetection(d *model.ObjectDetection) {
	e.i32(d.ObjectClass)
	e.f64(d.Confidence)
	e.f64(d.PercentArea)
	e.corners(d.CornerPixels)
	e.corners(d.CornerAngles)
}

// Result writes a complete message, including the leading version byte.
func (e *Encoder) Result(r model.Result) {
	e.u8(e.version)
	e.u64(r.CaptureTimeMicros)
	e.u8(uint8(r.Kind()))

	switch v := r.Variant.(type) {
	case model.MarkerDetect:
		e.u64(uint64(len(v.Detections)))
		for i := range v.Detections {
			e.markerDetection(&v.Detections[i])
		}
	case model.ObjectDetect:
		e.u64(uint64(len(v.Detections)))
		for i := range v.Detections {
			e.objectDetection(&v.Detections[i])
		}
	case model.MarkerPose:
		e.markerPose(v)
	default:
		e.markerPose(model.MarkerPose{})
	}
}

func (e *Encoder) markerPose(v model.MarkerPose) {
	e.u64(uint64(len(v.RelativePoses)))
	for i := range v.RelativePoses {
		e.RelativePose(&v.RelativePoses[i])
	}
	switch e.version {
	case Version1:
		// Present iff bytes follow.
		if v.FieldPose != nil {
			e.FieldPose(v.FieldPose)
		}
	default:
		e.presence(v.FieldPose != nil)
		if v.FieldPose != nil {
			e.FieldPose(v.FieldPose)
		}
	}
}

// Encode packs r in the current format version.
func Encode(r model.Result) []byte {
	e := &Encoder{version: CurrentVersion}
	e.Result(r)
	return e.buf
}

// EncodeVersion packs r in the given format version.
func EncodeVersion(r model.Result, version byte) ([]byte, error) {
	e, err := NewEncoder(version)
	if err != nil {
		return nil, err
	}
	e.Result(r)
	return e.buf, nil
}
