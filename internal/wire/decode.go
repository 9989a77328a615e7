package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/tagvision/internal/geom"
	"github.com/banshee-data/tagvision/internal/model"
)

var (
	// ErrShortBuffer is returned when a read would run past the input.
	ErrShortBuffer = errors.New("wire: short buffer")
	// ErrUnknownVariant is returned for an unrecognised result discriminator.
	ErrUnknownVariant = errors.New("wire: unknown variant")
	// ErrUnsupportedVersion is returned for an unrecognised format version.
	ErrUnsupportedVersion = errors.New("wire: unsupported format version")
	// ErrTrailingData is returned when bytes remain after a complete message.
	ErrTrailingData = errors.New("wire: trailing data")
	// ErrInvalid is returned for structurally impossible values such as a
	// negative tag count or a presence byte other than 0 or 1.
	ErrInvalid = errors.New("wire: invalid field")
)

// Minimum encoded sizes, used to reject impossible counts before allocating.
const (
	pose3Size        = 7 * 8
	markerDetectSize = 4 + 8*8 + 8 + 8
	relativePoseSize = markerDetectSize + pose3Size + 8 + 1
	objectDetectSize = 4 + 8 + 8 + 16*8
	resultHeaderSize = 1 + 8 + 1
)

// Decoder reads records from a buffer, advancing a cursor. The first
// failed read is sticky: later reads return zero values and Err reports it.
type Decoder struct {
	version byte
	buf     []byte
	off     int
	err     error
}

// NewDecoder returns a Decoder over b for records of the given version.
func NewDecoder(b []byte, version byte) *Decoder {
	return &Decoder{version: version, buf: b}
}

// Err returns the first error encountered.
func (d *Decoder) Err() error { return d.err }

// Remaining returns the number of unread bytes.
func (d *Decoder) Remaining() int { return len(d.buf) - d.off }

func (d *Decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}
	if n < 0 || d.Remaining() < n {
		d.err = fmt.Errorf("%w: need %d bytes at offset %d, have %d", ErrShortBuffer, n, d.off, d.Remaining())
		return nil
	}
	b := d.buf[d.off : d.off+n]
	d.off += n
	return b
}

func (d *Decoder) fail(err error) {
	if d.err == nil {
		d.err = err
	}
}

func (d *Decoder) u8() uint8 {
	b := d.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (d *Decoder) i32() int {
	b := d.take(4)
	if b == nil {
		return 0
	}
	return int(int32(binary.LittleEndian.Uint32(b)))
}

func (d *Decoder) u64() uint64 {
	b := d.take(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

func (d *Decoder) f64() float64 {
	b := d.take(8)
	if b == nil {
		return 0
	}
	return math.Float64frombits(binary.LittleEndian.Uint64(b))
}

func (d *Decoder) presence() bool {
	switch v := d.u8(); v {
	case 0:
		return false
	case 1:
		return true
	default:
		d.fail(fmt.Errorf("%w: presence byte %d at offset %d", ErrInvalid, v, d.off-1))
		return false
	}
}

// count reads a uint64 collection length and checks that the buffer can
// hold that many records of at least minSize bytes.
func (d *Decoder) count(minSize int) int {
	n := d.u64()
	if d.err != nil {
		return 0
	}
	if n > uint64(d.Remaining()/minSize) {
		d.fail(fmt.Errorf("%w: %d records of %d bytes at offset %d, have %d", ErrShortBuffer, n, minSize, d.off, d.Remaining()))
		return 0
	}
	return int(n)
}

func (d *Decoder) corners() [4]model.Point2 {
	var c [4]model.Point2
	for i := range c {
		c[i].X = d.f64()
		c[i].Y = d.f64()
	}
	return c
}

// Pose3 reads a pose. The quaternion is taken verbatim.
func (d *Decoder) Pose3() geom.Pose3 {
	t := r3.Vec{X: d.f64(), Y: d.f64(), Z: d.f64()}
	w, x, y, z := d.f64(), d.f64(), d.f64(), d.f64()
	return geom.NewPose3(t, geom.RotationFromUnitQuaternion(w, x, y, z))
}

// RelativePose reads one per-marker observation.
func (d *Decoder) RelativePose() model.RelativePoseObservation {
	o := model.RelativePoseObservation{
		ID:              d.i32(),
		Corners:         d.corners(),
		DecisionMargin:  d.f64(),
		HammingDistance: int(math.Round(d.f64())),
	}
	o.Pose0 = d.Pose3()
	o.Error0 = d.f64()
	if d.version == Version1 || d.presence() {
		p := d.Pose3()
		e := d.f64()
		o.Pose1, o.Error1 = &p, &e
	}
	return o
}

// FieldPose reads a field pose observation.
func (d *Decoder) FieldPose() *model.FieldPoseObservation {
	n := d.i32()
	if d.err != nil {
		return nil
	}
	if n < 0 || n > d.Remaining()/4 {
		d.fail(fmt.Errorf("%w: tag count %d at offset %d", ErrInvalid, n, d.off-4))
		return nil
	}
	o := &model.FieldPoseObservation{TagsUsed: make([]int, n)}
	for i := range o.TagsUsed {
		o.TagsUsed[i] = d.i32()
	}
	o.FieldPose0 = d.Pose3()
	o.Error0 = d.f64()

	var secondary bool
	if d.version == Version1 {
		secondary = n == 1
	} else {
		secondary = d.presence()
	}
	if secondary {
		p := d.Pose3()
		e := d.f64()
		o.FieldPose1, o.Error1 = &p, &e
	}
	return o
}

func (d *Decoder) markerDetection() model.MarkerDetection {
	return model.MarkerDetection{
		ID:              d.i32(),
		Corners:         d.corners(),
		DecisionMargin:  d.f64(),
		HammingDistance: int(math.Round(d.f64())),
	}
}

func (d *Decoder) objectDetection() model.ObjectDetection {
	return model.ObjectDetection{
		ObjectClass:  d.i32(),
		Confidence:   d.f64(),
		PercentArea:  d.f64(),
		CornerPixels: d.corners(),
		CornerAngles: d.corners(),
	}
}

func (d *Decoder) markerPose() model.MarkerPose {
	var v model.MarkerPose
	minSize := relativePoseSize
	if d.version == Version1 {
		minSize = markerDetectSize + 2*(pose3Size+8)
	}
	n := d.count(minSize)
	if n > 0 {
		v.RelativePoses = make([]model.RelativePoseObservation, 0, n)
	}
	for i := 0; i < n && d.err == nil; i++ {
		v.RelativePoses = append(v.RelativePoses, d.RelativePose())
	}
	if d.err != nil {
		return v
	}

	var present bool
	if d.version == Version1 {
		present = d.Remaining() > 0
	} else {
		present = d.presence()
	}
	if present {
		v.FieldPose = d.FieldPose()
	}
	return v
}

// Decode unpacks a complete message produced by Encode or EncodeVersion.
// It never reads past b and fails if bytes remain afterwards.
func Decode(b []byte) (model.Result, error) {
	if len(b) < resultHeaderSize {
		return model.Result{}, fmt.Errorf("%w: %d byte message", ErrShortBuffer, len(b))
	}
	version := b[0]
	if version != Version1 && version != Version2 {
		return model.Result{}, fmt.Errorf("%w: %d", ErrUnsupportedVersion, version)
	}
	d := NewDecoder(b[1:], version)

	r := model.Result{CaptureTimeMicros: d.u64()}
	kind := model.Kind(d.u8())
	switch kind {
	case model.KindMarkerPose:
		r.Variant = d.markerPose()
	case model.KindMarkerDetect:
		var v model.MarkerDetect
		n := d.count(markerDetectSize)
		if n > 0 {
			v.Detections = make([]model.MarkerDetection, 0, n)
		}
		for i := 0; i < n && d.err == nil; i++ {
			v.Detections = append(v.Detections, d.markerDetection())
		}
		r.Variant = v
	case model.KindObjectDetect:
		var v model.ObjectDetect
		n := d.count(objectDetectSize)
		if n > 0 {
			v.Detections = make([]model.ObjectDetection, 0, n)
		}
		for i := 0; i < n && d.err == nil; i++ {
			v.Detections = append(v.Detections, d.objectDetection())
		}
		r.Variant = v
	default:
		return model.Result{}, fmt.Errorf("%w: %d", ErrUnknownVariant, uint8(kind))
	}

	if d.err != nil {
		return model.Result{}, d.err
	}
	if d.Remaining() != 0 {
		return model.Result{}, fmt.Errorf("%w: %d bytes", ErrTrailingData, d.Remaining())
	}
	return r, nil
}
