package serialmux

import (
	"context"
	"net/http"
	"sync"

	"tailscale.com/tsweb"
)

// DisabledSerialMux stands in for the controller link when no port is
// configured. Frames are counted and discarded. Subscribers are tracked so
// their channels close on Unsubscribe or Close, letting readers unblock
// during shutdown.
type DisabledSerialMux struct {
	mu          sync.Mutex
	subscribers map[string]chan string
	closing     bool
	stats       Stats
}

func NewDisabledSerialMux() *DisabledSerialMux {
	return &DisabledSerialMux{
		subscribers: make(map[string]chan string),
	}
}

func (d *DisabledSerialMux) Subscribe() (string, chan string) {
	id := randomID()
	ch := make(chan string)

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closing {
		close(ch)
		return id, ch
	}
	d.subscribers[id] = ch
	return id, ch
}

func (d *DisabledSerialMux) Unsubscribe(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if ch, ok := d.subscribers[id]; ok {
		close(ch)
		delete(d.subscribers, id)
	}
}

func (d *DisabledSerialMux) Send(payload []byte) error {
	if len(payload) > MaxPayload {
		return ErrPayloadTooLarge
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closing {
		return ErrClosed
	}
	d.stats.FramesSent++
	d.stats.BytesSent += uint64(frameHeaderSize + len(payload) + frameTrailerSize)
	return nil
}

func (d *DisabledSerialMux) Monitor(ctx context.Context) error { <-ctx.Done(); return ctx.Err() }

func (d *DisabledSerialMux) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

func (d *DisabledSerialMux) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closing {
		return nil
	}
	d.closing = true
	for id, ch := range d.subscribers {
		close(ch)
		delete(d.subscribers, id)
	}
	return nil
}

func (d *DisabledSerialMux) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	debug.HandleFunc("link", "Controller link counters (disabled)", func(w http.ResponseWriter, r *http.Request) {
		writeStats(w, d.Stats())
	})
	debug.HandleSilentFunc("link-tail", func(w http.ResponseWriter, r *http.Request) {
		tail(w, r, d)
	})
}
