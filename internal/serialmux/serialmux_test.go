package serialmux

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func readFrames(t *testing.T, data []byte) [][]byte {
	t.Helper()
	r := bufio.NewReader(bytes.NewReader(data))
	var frames [][]byte
	for {
		f, err := ReadFrame(r)
		if err == io.EOF {
			return frames
		}
		if err != nil {
			t.Fatalf("ReadFrame: %v", err)
		}
		frames = append(frames, f)
	}
}

func TestSerialMux_Send(t *testing.T) {
	port := NewTestableSerialPort()
	m := NewSerialMux(port)

	if err := m.Send([]byte("one")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := m.Send([]byte("two")); err != nil {
		t.Fatalf("Send: %v", err)
	}

	frames := readFrames(t, port.GetWrittenData())
	if len(frames) != 2 || string(frames[0]) != "one" || string(frames[1]) != "two" {
		t.Fatalf("frames = %q", frames)
	}
	st := m.Stats()
	if st.FramesSent != 2 || st.BytesSent != uint64(2*(6+3+4)) {
		t.Errorf("stats = %+v", st)
	}
}

func TestSerialMux_SendWriteError(t *testing.T) {
	port := NewTestableSerialPort()
	port.WriteError = errors.New("unplugged")
	m := NewSerialMux(port)

	if err := m.Send([]byte("x")); err == nil {
		t.Fatal("expected write error")
	}
	if st := m.Stats(); st.WriteErrors != 1 || st.FramesSent != 0 {
		t.Errorf("stats = %+v", st)
	}
	// WriteError is one-shot.
	if err := m.Send([]byte("x")); err != nil {
		t.Fatalf("Send after error: %v", err)
	}
}

func TestSerialMux_SendAfterClose(t *testing.T) {
	m := NewSerialMux(NewTestableSerialPort())
	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := m.Send([]byte("x")); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestSerialMux_MonitorFansOut(t *testing.T) {
	port := NewTestableSerialPort()
	port.AddReadData([]byte("ping\nexclude 4\n"))
	m := NewSerialMux(port)

	_, a := m.Subscribe()
	_, b := m.Subscribe()

	done := make(chan error, 1)
	go func() { done <- m.Monitor(context.Background()) }()

	for _, ch := range []chan string{a, b} {
		for _, want := range []string{"ping", "exclude 4"} {
			select {
			case got := <-ch:
				if got != want {
					t.Errorf("got %q, want %q", got, want)
				}
			case <-time.After(time.Second):
				t.Fatalf("timed out waiting for %q", want)
			}
		}
	}

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Monitor returned %v at end of input", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Monitor did not return at end of input")
	}
	if st := m.Stats(); st.LinesReceived != 2 {
		t.Errorf("LinesReceived = %d", st.LinesReceived)
	}
}

func TestSerialMux_MonitorCancel(t *testing.T) {
	port := NewTestableSerialPort()
	port.BlockReads = true
	m := NewSerialMux(port)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Monitor(ctx) }()

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Monitor = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Monitor ignored cancellation")
	}
	m.Close()
}

func TestSerialMux_MonitorReadError(t *testing.T) {
	port := NewTestableSerialPort()
	port.ReadError = errors.New("framing error")
	m := NewSerialMux(port)

	if err := m.Monitor(context.Background()); err == nil || !strings.Contains(err.Error(), "framing error") {
		t.Fatalf("Monitor = %v", err)
	}
}

func TestSerialMux_CloseUnblocksSubscribers(t *testing.T) {
	port := NewTestableSerialPort()
	port.BlockReads = true
	m := NewSerialMux(port)
	id, ch := m.Subscribe()

	done := make(chan error, 1)
	go func() { done <- m.Monitor(context.Background()) }()

	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, ok := <-ch; ok {
		t.Error("subscriber channel still open after Close")
	}
	m.Unsubscribe(id)

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Monitor after Close = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Monitor did not return after Close")
	}
	if !port.Closed {
		t.Error("port not closed")
	}
}

func TestSerialMux_SlowSubscriberDropped(t *testing.T) {
	m := NewSerialMux(NewTestableSerialPort())
	_, ch := m.Subscribe()
	for i := 0; i < cap(ch)+3; i++ {
		m.fanOut("line")
	}
	if st := m.Stats(); st.LinesDropped != 3 {
		t.Errorf("LinesDropped = %d, want 3", st.LinesDropped)
	}
}

func TestSerialMux_AdminLink(t *testing.T) {
	m := NewSerialMux(NewTestableSerialPort())
	m.Send([]byte("abc"))

	mux := http.NewServeMux()
	m.AttachAdminRoutes(mux)

	req := httptest.NewRequest(http.MethodGet, "/debug/link", nil)
	req.RemoteAddr = "127.0.0.1:4000"
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"frames_sent":1`) {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestSerialMux_AdminTail(t *testing.T) {
	m := NewSerialMux(NewTestableSerialPort())
	mux := http.NewServeMux()
	m.AttachAdminRoutes(mux)

	srv := httptest.NewServer(mux)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/debug/link-tail")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}

	r := bufio.NewReader(resp.Body)
	if line, _ := r.ReadString('\n'); line != ": ping\n" {
		t.Fatalf("first line = %q", line)
	}

	// The handler subscribes before it writes the ping.
	m.fanOut("ping")
	r.ReadString('\n')
	if line, _ := r.ReadString('\n'); line != "data: ping\n" {
		t.Errorf("event = %q", line)
	}
}

func TestSerialMux_AdminTailMethod(t *testing.T) {
	m := NewSerialMux(NewTestableSerialPort())
	mux := http.NewServeMux()
	m.AttachAdminRoutes(mux)

	req := httptest.NewRequest(http.MethodPost, "/debug/link-tail", nil)
	req.RemoteAddr = "127.0.0.1:4000"
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d", rec.Code)
	}
}
