// Package detector manages a native marker detection engine and the set of
// marker families active on it, and converts native detections into
// model.MarkerDetection values.
package detector

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/banshee-data/tagvision/internal/model"
	"github.com/banshee-data/tagvision/internal/monitoring"
)

// ErrClosed is returned by Detect after Close.
var ErrClosed = errors.New("detector: closed")

// Detector owns an Engine and the families loaded into it.
type Detector struct {
	mu       sync.Mutex
	engine   Engine
	families map[string]Family
	closed   bool
}

// New wraps engine. The Detector takes ownership and destroys it on Close.
func New(engine Engine) *Detector {
	return &Detector{
		engine:   engine,
		families: make(map[string]Family),
	}
}

// AddFamily activates a marker family. Adding an active family is a no-op;
// an unknown family is logged and ignored.
func (d *Detector) AddFamily(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return
	}
	if _, ok := d.families[name]; ok {
		return
	}
	f, err := d.engine.CreateFamily(name)
	if err != nil {
		monitoring.Logf("detector: cannot add family %q: %v", name, err)
		return
	}
	if err := d.engine.AddFamily(f); err != nil {
		f.Close()
		monitoring.Logf("detector: engine rejected family %q: %v", name, err)
		return
	}
	d.families[name] = f
}

// RemoveFamily deactivates a family and releases its native handle. Unknown
// names are ignored.
func (d *Detector) RemoveFamily(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.removeLocked(name)
}

// ClearFamilies removes every active family.
func (d *Detector) ClearFamilies() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for name := range d.families {
		d.removeLocked(name)
	}
}

func (d *Detector) removeLocked(name string) {
	f, ok := d.families[name]
	if !ok {
		return
	}
	delete(d.families, name)
	d.engine.RemoveFamily(f)
	f.Close()
}

// Families returns the active family names, sorted.
func (d *Detector) Families() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.families))
	for name := range d.families {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Detect runs the engine on img. Native results are released before
// Detect returns on every path.
func (d *Detector) Detect(img Image) ([]model.MarkerDetection, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, ErrClosed
	}
	raw, err := d.engine.Detect(img)
	if err != nil {
		return nil, fmt.Errorf("detect: %w", err)
	}
	defer raw.Release()

	n := raw.Len()
	out := make([]model.MarkerDetection, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, raw.Take(i))
	}
	return out, nil
}

// SetConfig passes c to the engine unchanged.
func (d *Detector) SetConfig(c Config) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.engine.SetConfig(c)
}

// Config returns the engine configuration.
func (d *Detector) Config() Config {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.engine.Config()
}

// SetThresholdParams passes p to the engine unchanged.
func (d *Detector) SetThresholdParams(p ThresholdParams) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.engine.SetThresholdParams(p)
}

// ThresholdParams returns the engine threshold parameters.
func (d *Detector) ThresholdParams() ThresholdParams {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.engine.ThresholdParams()
}

// Close removes all families and then destroys the engine. Subsequent
// calls are no-ops.
func (d *Detector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}
	for name := range d.families {
		d.removeLocked(name)
	}
	d.closed = true
	return d.engine.Close()
}
