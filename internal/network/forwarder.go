// Package network forwards packed pipeline results over UDP to listeners
// on the robot network, such as dashboards and loggers.
package network

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/tagvision/internal/monitoring"
	"github.com/banshee-data/tagvision/internal/timeutil"
)

// DefaultQueueSize is the number of packets buffered ahead of the socket.
const DefaultQueueSize = 256

// Stats counts forwarder activity.
type Stats struct {
	Forwarded uint64 `json:"forwarded"`
	// Dropped counts packets refused because the queue was full or the
	// forwarder was closed.
	Dropped     uint64 `json:"dropped"`
	WriteErrors uint64 `json:"write_errors"`
}

// Forwarder sends each queued packet as one UDP datagram. Forward never
// blocks; a full queue drops the packet and counts it.
type Forwarder struct {
	conn        io.WriteCloser
	queue       chan []byte
	clock       timeutil.Clock
	logInterval time.Duration
	address     string

	mu     sync.Mutex
	closed bool
	done   chan struct{}

	forwarded   atomic.Uint64
	dropped     atomic.Uint64
	writeErrors atomic.Uint64
}

// NewForwarder dials addr ("host:port") over UDP. Write failures are
// summarised in the log once per logInterval.
func NewForwarder(addr string, queueSize int, clock timeutil.Clock, logInterval time.Duration) (*Forwarder, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve forward address: %w", err)
	}
	conn, err := net.DialUDP("udp", nil, udpAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to create forward connection: %w", err)
	}
	return newForwarder(conn, addr, queueSize, clock, logInterval), nil
}

func newForwarder(conn io.WriteCloser, addr string, queueSize int, clock timeutil.Clock, logInterval time.Duration) *Forwarder {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	if logInterval <= 0 {
		logInterval = 10 * time.Second
	}
	return &Forwarder{
		conn:        conn,
		queue:       make(chan []byte, queueSize),
		clock:       clock,
		logInterval: logInterval,
		address:     addr,
		done:        make(chan struct{}),
	}
}

// Address returns the configured destination.
func (f *Forwarder) Address() string { return f.address }

// Start runs the send loop until ctx is cancelled or Close is called.
func (f *Forwarder) Start(ctx context.Context) {
	go f.run(ctx)
	monitoring.Logf("Forwarding results to %s", f.address)
}

func (f *Forwarder) run(ctx context.Context) {
	defer close(f.done)
	var failed uint64
	var lastErr error
	ticker := f.clock.NewTicker(f.logInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case packet, ok := <-f.queue:
			if !ok {
				return
			}
			if _, err := f.conn.Write(packet); err != nil {
				f.writeErrors.Add(1)
				failed++
				lastErr = err
				continue
			}
			f.forwarded.Add(1)
		case <-ticker.C():
			if failed > 0 {
				monitoring.Logf("Dropped %d forwarded results due to errors (latest: %v)", failed, lastErr)
				failed = 0
				lastErr = nil
			}
		}
	}
}

// Forward queues a copy of packet.
func (f *Forwarder) Forward(packet []byte) {
	p := make([]byte, len(packet))
	copy(p, packet)

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		f.dropped.Add(1)
		return
	}
	select {
	case f.queue <- p:
	default:
		f.dropped.Add(1)
	}
}

// Stats returns a snapshot of the counters.
func (f *Forwarder) Stats() Stats {
	return Stats{
		Forwarded:   f.forwarded.Load(),
		Dropped:     f.dropped.Load(),
		WriteErrors: f.writeErrors.Load(),
	}
}

// Close stops accepting packets and closes the socket. Packets still
// queued when the send loop is not running are discarded.
func (f *Forwarder) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	close(f.queue)
	f.mu.Unlock()
	return f.conn.Close()
}

// Wait blocks until a started send loop has exited.
func (f *Forwarder) Wait() { <-f.done }
