// Package serialmux carries packed pipeline results to the robot controller
// over a serial port and fans out the controller's newline-delimited
// commands to any number of subscribers.
package serialmux

import (
	"bufio"
	"context"
	crand "crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"tailscale.com/tsweb"

	"github.com/banshee-data/tagvision/internal/httputil"
)

var (
	ErrWriteFailed = errors.New("serialmux: short write to serial port")
	ErrClosed      = errors.New("serialmux: closed")
)

// Stats counts link activity.
type Stats struct {
	FramesSent    uint64 `json:"frames_sent"`
	BytesSent     uint64 `json:"bytes_sent"`
	WriteErrors   uint64 `json:"write_errors"`
	LinesReceived uint64 `json:"lines_received"`
	LinesDropped  uint64 `json:"lines_dropped"`
}

// SerialMux owns one serial port. Writes are serialised; every inbound
// line is offered to each subscriber without blocking the reader.
type SerialMux[T SerialPorter] struct {
	port         T
	subscribers  map[string]chan string
	subscriberMu sync.Mutex
	writeMu      sync.Mutex
	closing      bool
	closingMu    sync.Mutex

	statsMu sync.Mutex
	stats   Stats
}

// SerialMuxInterface is implemented by SerialMux and DisabledSerialMux.
type SerialMuxInterface interface {
	// Subscribe creates a new channel for receiving controller lines. The
	// channel ID is used to identify the unique channel when unsubscribing.
	Subscribe() (string, chan string)
	// Unsubscribe removes a channel from the list of subscribers.
	Unsubscribe(string)
	// Send frames payload and writes it to the port.
	Send(payload []byte) error
	// Monitor reads lines from the port and sends them to subscribers.
	Monitor(context.Context) error
	// Close closes all subscribed channels and closes the port.
	Close() error
	// Stats returns a snapshot of the link counters.
	Stats() Stats

	// AttachAdminRoutes attaches admin debugging endpoints to the given HTTP
	// mux served at /debug/.
	AttachAdminRoutes(*http.ServeMux)
}

// NewSerialMux wraps an open port.
func NewSerialMux[T SerialPorter](port T) *SerialMux[T] {
	return &SerialMux[T]{
		port:        port,
		subscribers: make(map[string]chan string),
	}
}

// randomID generates a random channel ID (8 byte random hex encoded value)
func randomID() string {
	b := make([]byte, 8)
	crand.Read(b)
	return hex.EncodeToString(b)
}

// Subscribe registers a buffered channel for inbound lines.
func (s *SerialMux[T]) Subscribe() (string, chan string) {
	id := randomID()
	ch := make(chan string, 16)
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	s.subscribers[id] = ch
	return id, ch
}

// Unsubscribe removes a subscriber from the serial mux.
func (s *SerialMux[T]) Unsubscribe(id string) {
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	if ch, ok := s.subscribers[id]; ok {
		close(ch)
		delete(s.subscribers, id)
	}
}

func (s *SerialMux[T]) isClosing() bool {
	s.closingMu.Lock()
	defer s.closingMu.Unlock()
	return s.closing
}

// Send writes payload to the port as a single frame.
func (s *SerialMux[T]) Send(payload []byte) error {
	if s.isClosing() {
		return ErrClosed
	}
	frame, err := EncodeFrame(payload)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	n, err := s.port.Write(frame)
	s.writeMu.Unlock()

	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	if err == nil && n != len(frame) {
		err = ErrWriteFailed
	}
	if err != nil {
		s.stats.WriteErrors++
		return fmt.Errorf("send frame: %w", err)
	}
	s.stats.FramesSent++
	s.stats.BytesSent += uint64(n)
	return nil
}

// Monitor reads controller lines until ctx is cancelled or the port
// reports an error. A clean end of input returns nil.
func (s *SerialMux[T]) Monitor(ctx context.Context) error {
	scan := bufio.NewScanner(s.port)

	lineChan := make(chan string)
	scanErrChan := make(chan error, 1)

	// The blocking scan runs apart from the loop below so cancellation is
	// observed even when the port is silent.
	go func() {
		defer close(lineChan)
		for scan.Scan() {
			select {
			case lineChan <- scan.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := scan.Err(); err != nil {
			select {
			case scanErrChan <- err:
			case <-ctx.Done():
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-scanErrChan:
			if s.isClosing() {
				return nil
			}
			return err

		case line, ok := <-lineChan:
			if !ok {
				select {
				case err := <-scanErrChan:
					if !s.isClosing() {
						return err
					}
				default:
				}
				return nil
			}
			if s.isClosing() {
				return nil
			}
			s.fanOut(line)
		}
	}
}

func (s *SerialMux[T]) fanOut(line string) {
	var dropped uint64
	s.subscriberMu.Lock()
	for _, ch := range s.subscribers {
		select {
		case ch <- line:
		default:
			// slow subscriber; never stall the reader
			dropped++
		}
	}
	s.subscriberMu.Unlock()

	s.statsMu.Lock()
	s.stats.LinesReceived++
	s.stats.LinesDropped += dropped
	s.statsMu.Unlock()
}

// Stats returns a snapshot of the link counters.
func (s *SerialMux[T]) Stats() Stats {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return s.stats
}

// Close closes every subscriber channel and the port. It is safe to call
// more than once; only the first call closes the port.
func (s *SerialMux[T]) Close() error {
	s.closingMu.Lock()
	if s.closing {
		s.closingMu.Unlock()
		return nil
	}
	s.closing = true
	s.closingMu.Unlock()

	s.subscriberMu.Lock()
	for id, ch := range s.subscribers {
		close(ch)
		delete(s.subscribers, id)
	}
	s.subscriberMu.Unlock()
	return s.port.Close()
}

// AttachAdminRoutes serves link counters and a live tail of controller
// lines under /debug/.
func (s *SerialMux[T]) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	debug.HandleFunc("link", "Controller link counters", func(w http.ResponseWriter, r *http.Request) {
		writeStats(w, s.Stats())
	})
	// Server-Sent Events stream of lines arriving from the controller.
	debug.HandleSilentFunc("link-tail", func(w http.ResponseWriter, r *http.Request) {
		tail(w, r, s)
	})
}

func writeStats(w http.ResponseWriter, st Stats) {
	httputil.WriteJSONOK(w, st)
}

func tail(w http.ResponseWriter, r *http.Request, m SerialMuxInterface) {
	if httputil.MethodNotAllowed(w, r, http.MethodGet) {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		httputil.WriteJSONError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	id, c := m.Subscribe()
	defer m.Unsubscribe(id)

	w.Write([]byte(": ping\n\n"))
	flusher.Flush()

	for {
		select {
		case line, ok := <-c:
			if !ok {
				return
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", line); err != nil {
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}
