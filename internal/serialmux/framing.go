package serialmux

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
)

// Frame layout on the controller link:
//
//	0xA5 0x5A | uint32 length | payload | uint32 CRC-32 (IEEE) of payload
//
// Integers are little-endian, matching the result encoding.
const (
	syncByte0 = 0xA5
	syncByte1 = 0x5A

	frameHeaderSize  = 6
	frameTrailerSize = 4

	// MaxPayload bounds a single frame. A result with every optional
	// block present for a full field of markers stays well under it.
	MaxPayload = 64 * 1024
)

var (
	ErrPayloadTooLarge = errors.New("serialmux: payload too large")
	ErrBadChecksum     = errors.New("serialmux: frame checksum mismatch")
)

// AppendFrame appends the framed payload to dst.
func AppendFrame(dst, payload []byte) []byte {
	dst = append(dst, syncByte0, syncByte1)
	dst = binary.LittleEndian.AppendUint32(dst, uint32(len(payload)))
	dst = append(dst, payload...)
	return binary.LittleEndian.AppendUint32(dst, crc32.ChecksumIEEE(payload))
}

// EncodeFrame returns payload wrapped in a link frame.
func EncodeFrame(payload []byte) ([]byte, error) {
	if len(payload) > MaxPayload {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(payload))
	}
	return AppendFrame(make([]byte, 0, frameHeaderSize+len(payload)+frameTrailerSize), payload), nil
}

// ReadFrame reads the next frame from r, skipping bytes until a sync
// marker is found. A checksum mismatch consumes the bad frame and returns
// ErrBadChecksum so the caller may continue reading.
func ReadFrame(r *bufio.Reader) ([]byte, error) {
	for {
		b, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		if b != syncByte0 {
			continue
		}
		next, err := r.Peek(1)
		if err != nil {
			return nil, err
		}
		if next[0] != syncByte1 {
			continue
		}
		r.ReadByte()
		break
	}

	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(hdr[:])
	if n > MaxPayload {
		return nil, fmt.Errorf("%w: header claims %d bytes", ErrPayloadTooLarge, n)
	}
	buf := make([]byte, int(n)+frameTrailerSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	payload := buf[:n]
	if binary.LittleEndian.Uint32(buf[n:]) != crc32.ChecksumIEEE(payload) {
		return nil, ErrBadChecksum
	}
	return payload, nil
}
