// Package fieldlayout loads the static map of marker ids to their known
// field-frame poses.
package fieldlayout

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/tagvision/internal/fsutil"
	"github.com/banshee-data/tagvision/internal/geom"
)

const (
	DefaultFamily = "tag36h11"
	// DefaultTagSize is the outer black-border edge length in metres.
	DefaultTagSize = 0.1651
)

var (
	// ErrParse is returned when the layout document is malformed or
	// missing a required field.
	ErrParse = errors.New("fieldlayout: parse error")
	// ErrIO is returned when the layout document cannot be read.
	ErrIO = errors.New("fieldlayout: io error")
)

// Marker is a marker with a known field-frame pose.
type Marker struct {
	ID   int
	Pose geom.Pose3
}

// Layout is the immutable marker layout of a field.
type Layout struct {
	markers     map[int]Marker
	ids         []int
	family      string
	tagSize     float64
	fieldLength float64
	fieldWidth  float64
}

// Get returns the marker with the given id. The lookup does not allocate.
func (l *Layout) Get(id int) (Marker, bool) {
	m, ok := l.markers[id]
	return m, ok
}

// IDs returns the marker ids in document order.
func (l *Layout) IDs() []int {
	out := make([]int, len(l.ids))
	copy(out, l.ids)
	return out
}

// Len returns the number of markers.
func (l *Layout) Len() int { return len(l.markers) }

// Family returns the marker family name.
func (l *Layout) Family() string { return l.family }

// TagSize returns the physical marker edge length in metres.
func (l *Layout) TagSize() float64 { return l.tagSize }

// FieldLength returns the field length in metres.
func (l *Layout) FieldLength() float64 { return l.fieldLength }

// FieldWidth returns the field width in metres.
func (l *Layout) FieldWidth() float64 { return l.fieldWidth }

// Corners returns the four corners of marker m in the field frame. The
// order matches detector winding: bottom-left, bottom-right, top-right,
// top-left as seen by a camera facing the marker.
func (l *Layout) Corners(m Marker) [4]r3.Vec {
	local := TagCorners(l.tagSize)
	var out [4]r3.Vec
	for i, c := range local {
		out[i] = m.Pose.TransformPoint(c)
	}
	return out
}

// TagCorners returns the corners of a marker of the given size in the
// marker's own frame, where +X points out of the marker face, +Y left and
// +Z up.
func TagCorners(size float64) [4]r3.Vec {
	h := size / 2
	return [4]r3.Vec{
		{X: 0, Y: -h, Z: -h},
		{X: 0, Y: h, Z: -h},
		{X: 0, Y: h, Z: h},
		{X: 0, Y: -h, Z: h},
	}
}

type document struct {
	Tags    []tagEntry `json:"tags"`
	Field   *fieldSize `json:"field"`
	Family  string     `json:"family,omitempty"`
	TagSize *float64   `json:"tagSize,omitempty"`
}

type tagEntry struct {
	ID   *int      `json:"ID"`
	Pose *tagPose3 `json:"pose"`
}

type tagPose3 struct {
	Translation *struct {
		X *float64 `json:"x"`
		Y *float64 `json:"y"`
		Z *float64 `json:"z"`
	} `json:"translation"`
	Rotation *struct {
		Quaternion *struct {
			W *float64 `json:"W"`
			X *float64 `json:"X"`
			Y *float64 `json:"Y"`
			Z *float64 `json:"Z"`
		} `json:"quaternion"`
	} `json:"rotation"`
}

type fieldSize struct {
	Length *float64 `json:"length"`
	Width  *float64 `json:"width"`
}

// Load parses a layout document. No partial layout is returned on error.
func Load(data []byte) (*Layout, error) {
	var doc document
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}
	if doc.Field == nil || doc.Field.Length == nil || doc.Field.Width == nil {
		return nil, fmt.Errorf("%w: missing field length/width", ErrParse)
	}
	if doc.Tags == nil {
		return nil, fmt.Errorf("%w: missing tags array", ErrParse)
	}

	l := &Layout{
		markers:     make(map[int]Marker, len(doc.Tags)),
		ids:         make([]int, 0, len(doc.Tags)),
		family:      DefaultFamily,
		tagSize:     DefaultTagSize,
		fieldLength: *doc.Field.Length,
		fieldWidth:  *doc.Field.Width,
	}
	if doc.Family != "" {
		l.family = doc.Family
	}
	if doc.TagSize != nil {
		if *doc.TagSize <= 0 {
			return nil, fmt.Errorf("%w: tagSize must be positive, got %g", ErrParse, *doc.TagSize)
		}
		l.tagSize = *doc.TagSize
	}

	for i, e := range doc.Tags {
		m, err := e.marker()
		if err != nil {
			return nil, fmt.Errorf("%w: tags[%d]: %v", ErrParse, i, err)
		}
		if _, dup := l.markers[m.ID]; dup {
			return nil, fmt.Errorf("%w: tags[%d]: duplicate id %d", ErrParse, i, m.ID)
		}
		l.markers[m.ID] = m
		l.ids = append(l.ids, m.ID)
	}
	return l, nil
}

// LoadFile reads and parses a layout document from fsys.
func LoadFile(fsys fsutil.FileSystem, path string) (*Layout, error) {
	data, err := fsutil.ReadDocument(fsys, path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrIO, err)
	}
	return Load(data)
}

func (e tagEntry) marker() (Marker, error) {
	if e.ID == nil {
		return Marker{}, errors.New("missing ID")
	}
	if e.Pose == nil || e.Pose.Translation == nil || e.Pose.Rotation == nil || e.Pose.Rotation.Quaternion == nil {
		return Marker{}, errors.New("missing pose")
	}
	t := e.Pose.Translation
	q := e.Pose.Rotation.Quaternion
	if t.X == nil || t.Y == nil || t.Z == nil {
		return Marker{}, errors.New("incomplete translation")
	}
	if q.W == nil || q.X == nil || q.Y == nil || q.Z == nil {
		return Marker{}, errors.New("incomplete quaternion")
	}
	n := math.Sqrt(*q.W**q.W + *q.X**q.X + *q.Y**q.Y + *q.Z**q.Z)
	if n < 1e-9 || math.IsNaN(n) {
		return Marker{}, errors.New("degenerate quaternion")
	}
	return Marker{
		ID: *e.ID,
		Pose: geom.NewPose3(
			r3.Vec{X: *t.X, Y: *t.Y, Z: *t.Z},
			geom.RotationFromQuaternion(*q.W, *q.X, *q.Y, *q.Z),
		),
	}, nil
}
