package serialmux

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"io"
	"testing"
)

func TestEncodeFrame_Layout(t *testing.T) {
	payload := []byte{1, 2, 3, 4, 5}
	frame, err := EncodeFrame(payload)
	if err != nil {
		t.Fatalf("EncodeFrame: %v", err)
	}
	if len(frame) != 6+len(payload)+4 {
		t.Fatalf("frame length = %d", len(frame))
	}
	if frame[0] != 0xA5 || frame[1] != 0x5A {
		t.Errorf("sync bytes = %#x %#x", frame[0], frame[1])
	}
	if n := binary.LittleEndian.Uint32(frame[2:6]); n != 5 {
		t.Errorf("length field = %d, want 5", n)
	}
	if !bytes.Equal(frame[6:11], payload) {
		t.Errorf("payload = %v", frame[6:11])
	}
	if crc := binary.LittleEndian.Uint32(frame[11:]); crc != crc32.ChecksumIEEE(payload) {
		t.Errorf("crc = %#x", crc)
	}
}

func TestEncodeFrame_TooLarge(t *testing.T) {
	_, err := EncodeFrame(make([]byte, MaxPayload+1))
	if !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
	}
}

func TestReadFrame_ResyncAndChecksum(t *testing.T) {
	var stream []byte
	stream = append(stream, 0x00, 0xA5, 0x11) // noise, including a lone sync byte
	stream = AppendFrame(stream, []byte("first"))

	bad := AppendFrame(nil, []byte("corrupt"))
	bad[8] ^= 0xFF
	stream = append(stream, bad...)
	stream = AppendFrame(stream, nil)
	stream = AppendFrame(stream, []byte("last"))

	r := bufio.NewReader(bytes.NewReader(stream))

	got, err := ReadFrame(r)
	if err != nil || string(got) != "first" {
		t.Fatalf("first frame = %q, %v", got, err)
	}
	if _, err := ReadFrame(r); !errors.Is(err, ErrBadChecksum) {
		t.Fatalf("expected ErrBadChecksum, got %v", err)
	}
	got, err = ReadFrame(r)
	if err != nil || len(got) != 0 {
		t.Fatalf("empty frame = %q, %v", got, err)
	}
	got, err = ReadFrame(r)
	if err != nil || string(got) != "last" {
		t.Fatalf("last frame = %q, %v", got, err)
	}
	if _, err := ReadFrame(r); err != io.EOF {
		t.Fatalf("expected io.EOF, got %v", err)
	}
}

func TestReadFrame_Truncated(t *testing.T) {
	frame := AppendFrame(nil, []byte("payload"))
	r := bufio.NewReader(bytes.NewReader(frame[:len(frame)-2]))
	if _, err := ReadFrame(r); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("expected io.ErrUnexpectedEOF, got %v", err)
	}
}

func TestReadFrame_OversizedHeader(t *testing.T) {
	hdr := []byte{0xA5, 0x5A}
	hdr = binary.LittleEndian.AppendUint32(hdr, MaxPayload+1)
	r := bufio.NewReader(bytes.NewReader(hdr))
	if _, err := ReadFrame(r); !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
	}
}
