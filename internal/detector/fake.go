package detector

import (
	"errors"
	"fmt"
	"sync"

	"github.com/banshee-data/tagvision/internal/model"
)

// FakeEngine is an in-memory Engine for tests. It returns the detections
// queued with SetDetections and records every native allocation so tests
// can assert that nothing leaks.
type FakeEngine struct {
	mu sync.Mutex

	cfg    Config
	params ThresholdParams

	detections []model.MarkerDetection
	detectErr  error

	active     map[string]bool
	liveFamily int
	liveItems  int
	liveLists  int
	closed     bool
	misuse     []string
	events     []string
}

// NewFakeEngine returns a FakeEngine with default settings.
func NewFakeEngine() *FakeEngine {
	return &FakeEngine{
		cfg:    DefaultConfig(),
		params: DefaultThresholdParams(),
		active: make(map[string]bool),
	}
}

type fakeFamily struct {
	name   string
	engine *FakeEngine
	closed bool
}

func (f *fakeFamily) Name() string { return f.name }

func (f *fakeFamily) Close() {
	f.engine.mu.Lock()
	defer f.engine.mu.Unlock()
	if f.closed {
		f.engine.misuse = append(f.engine.misuse, "family closed twice: "+f.name)
		return
	}
	f.closed = true
	f.engine.liveFamily--
	f.engine.events = append(f.engine.events, "destroy:"+f.name)
}

// SetDetections queues the detections returned by every subsequent Detect.
func (e *FakeEngine) SetDetections(d []model.MarkerDetection) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.detections = append([]model.MarkerDetection(nil), d...)
}

// SetDetectError makes Detect fail with err.
func (e *FakeEngine) SetDetectError(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.detectErr = err
}

// CreateFamily implements Engine.
func (e *FakeEngine) CreateFamily(name string) (Family, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !isSupported(name) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownFamily, name)
	}
	e.liveFamily++
	e.events = append(e.events, "create:"+name)
	return &fakeFamily{name: name, engine: e}, nil
}

// AddFamily implements Engine.
func (e *FakeEngine) AddFamily(f Family) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		e.misuse = append(e.misuse, "add after close: "+f.Name())
		return errors.New("fake engine closed")
	}
	e.active[f.Name()] = true
	e.events = append(e.events, "add:"+f.Name())
	return nil
}

// RemoveFamily implements Engine.
func (e *FakeEngine) RemoveFamily(f Family) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		e.misuse = append(e.misuse, "remove after close: "+f.Name())
		return
	}
	delete(e.active, f.Name())
	e.events = append(e.events, "remove:"+f.Name())
}

// Detect implements Engine. Detections whose family is not active are
// dropped, as the native engine would never decode them.
func (e *FakeEngine) Detect(Image) (RawDetections, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.detectErr != nil {
		return nil, e.detectErr
	}
	var items []model.MarkerDetection
	for _, d := range e.detections {
		if e.active[d.FamilyName] {
			items = append(items, d)
		}
	}
	e.liveLists++
	e.liveItems += len(items)
	return &fakeRaw{engine: e, items: items, taken: make([]bool, len(items))}, nil
}

// SetConfig implements Engine.
func (e *FakeEngine) SetConfig(c Config) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cfg = c
}

// Config implements Engine.
func (e *FakeEngine) Config() Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg
}

// SetThresholdParams implements Engine.
func (e *FakeEngine) SetThresholdParams(p ThresholdParams) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.params = p
}

// ThresholdParams implements Engine.
func (e *FakeEngine) ThresholdParams() ThresholdParams {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.params
}

// Close implements Engine.
func (e *FakeEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		e.misuse = append(e.misuse, "engine closed twice")
		return nil
	}
	e.closed = true
	e.events = append(e.events, "close")
	return nil
}

// Leaks reports outstanding native allocations: families, result lists
// and result items.
func (e *FakeEngine) Leaks() (families, lists, items int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.liveFamily, e.liveLists, e.liveItems
}

// Misuse returns ownership violations observed so far.
func (e *FakeEngine) Misuse() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.misuse...)
}

// Events returns the ordered lifecycle log.
func (e *FakeEngine) Events() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.events...)
}

// Closed reports whether Close was called.
func (e *FakeEngine) Closed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

type fakeRaw struct {
	engine   *FakeEngine
	items    []model.MarkerDetection
	taken    []bool
	released bool
}

func (r *fakeRaw) Len() int { return len(r.items) }

func (r *fakeRaw) Take(i int) model.MarkerDetection {
	r.engine.mu.Lock()
	defer r.engine.mu.Unlock()
	if r.taken[i] {
		r.engine.misuse = append(r.engine.misuse, fmt.Sprintf("item %d taken twice", i))
		return r.items[i]
	}
	r.taken[i] = true
	r.engine.liveItems--
	return r.items[i]
}

func (r *fakeRaw) Release() {
	r.engine.mu.Lock()
	defer r.engine.mu.Unlock()
	if r.released {
		r.engine.misuse = append(r.engine.misuse, "result list released twice")
		return
	}
	r.released = true
	for i, t := range r.taken {
		if !t {
			r.taken[i] = true
			r.engine.liveItems--
		}
	}
	r.engine.liveLists--
}
