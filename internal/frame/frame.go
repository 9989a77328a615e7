// Package frame defines camera frames as handed to pipelines and the
// latest-frame Sink that capture sources publish into.
package frame

import (
	"fmt"
	"sync"

	"github.com/banshee-data/tagvision/internal/timeutil"
)

// Colorspace identifies the pixel layout of a frame.
type Colorspace uint8

const (
	ColorspaceUnknown Colorspace = iota
	ColorspaceGray
	ColorspaceBGR
)

func (c Colorspace) String() string {
	switch c {
	case ColorspaceGray:
		return "gray"
	case ColorspaceBGR:
		return "bgr"
	default:
		return "unknown"
	}
}

// Channels returns the byte count per pixel, or 0 if unknown.
func (c Colorspace) Channels() int {
	switch c {
	case ColorspaceGray:
		return 1
	case ColorspaceBGR:
		return 3
	default:
		return 0
	}
}

// Format describes a frame's geometry and pixel layout.
type Format struct {
	Colorspace Colorspace
	Rows       int
	Cols       int
}

// Frame is one captured image. Pipelines read Data and never modify it.
type Frame struct {
	CaptureTimeMicros uint64
	Format            Format
	Data              []byte
}

// Validate checks that Data matches Format.
func (f *Frame) Validate() error {
	ch := f.Format.Colorspace.Channels()
	if ch == 0 {
		return fmt.Errorf("unsupported colorspace %v", f.Format.Colorspace)
	}
	if want := f.Format.Rows * f.Format.Cols * ch; len(f.Data) != want {
		return fmt.Errorf("frame data is %d bytes, format needs %d", len(f.Data), want)
	}
	return nil
}

// Sink holds the most recent frame from a capture source. Pipelines may
// share one Sink; each reader sees the latest frame and older frames are
// dropped rather than queued.
type Sink struct {
	clock timeutil.Clock

	mu     sync.Mutex
	cond   *sync.Cond
	format Format
	latest *Frame
	seq    uint64
	drops  uint64
	closed bool
}

// NewSink returns an empty Sink using clock to stamp frames that arrive
// without a capture time.
func NewSink(clock timeutil.Clock) *Sink {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	s := &Sink{clock: clock}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// SetFormat records the capture source's current stream format.
func (s *Sink) SetFormat(f Format) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.format = f
}

// Format returns the current stream format.
func (s *Sink) Format() Format {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.format
}

// Publish replaces the latest frame. A zero capture time is filled from
// the clock. Publishing to a closed Sink is a no-op.
func (s *Sink) Publish(f *Frame) {
	if f.CaptureTimeMicros == 0 {
		f.CaptureTimeMicros = timeutil.Micros(s.clock)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if s.latest != nil {
		s.drops++
	}
	s.latest = f
	s.seq++
	s.cond.Broadcast()
}

// Latest returns the newest frame and its sequence number, or nil before
// the first Publish.
func (s *Sink) Latest() (*Frame, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latest, s.seq
}

// Next blocks until a frame newer than after is available and returns it.
// It returns ok=false once the Sink is closed.
func (s *Sink) Next(after uint64) (f *Frame, seq uint64, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.seq <= after && !s.closed {
		s.cond.Wait()
	}
	if s.closed {
		return nil, s.seq, false
	}
	return s.latest, s.seq, true
}

// Overwritten returns the number of frames replaced by a newer Publish.
// Every reader may still have seen them; the count tracks publish rate
// against the slowest possible consumer.
func (s *Sink) Overwritten() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.drops
}

// Close wakes all readers. Further Publish calls are ignored.
func (s *Sink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.cond.Broadcast()
}
