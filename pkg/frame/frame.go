// Package frame implements the resynchronizing byte-stream framing
// codec (§3, §4.2): a start-delimited, length-prefixed, CRC-32
// protected envelope around a typed payload, carried over any
// transport.Transport. The codec itself performs no I/O; it only
// turns bytes into frames and back. The byte-fed decoder state machine
// is modeled directly on the teacher's UART frame sync logic
// (pkg/usock.processByte), generalized to this wire format's start
// marker, length field, and CRC width.
package frame

import (
	"encoding/binary"

	"github.com/libredomes/domes/pkg/crc"
)

const (
	startByte0 = 0xAA
	startByte1 = 0x55

	// MaxPayload is the maximum payload size in bytes (§3): 4 KiB.
	MaxPayload = 4096
	// headerTrailerSize is the number of non-payload bytes in a frame:
	// 2 start + 2 length + 1 type + 4 crc.
	headerTrailerSize = 9
	// MaxFrame is the maximum total encoded frame size.
	MaxFrame = MaxPayload + headerTrailerSize
)

// Encode writes a frame for msgType/payload into out, returning the
// number of bytes written. Fails with ErrInvalidArg if payload exceeds
// MaxPayload, or ErrBufferFull if out is too small.
func Encode(msgType byte, payload []byte, out []byte) (int, error) {
	if len(payload) > MaxPayload {
		return 0, ErrInvalidArg
	}
	total := headerTrailerSize + len(payload)
	if len(out) < total {
		return 0, ErrBufferFull
	}

	out[0] = startByte0
	out[1] = startByte1
	binary.LittleEndian.PutUint16(out[2:4], uint16(1+len(payload)))
	out[4] = msgType
	copy(out[5:5+len(payload)], payload)

	acc := crc.New()
	acc = crc.Update(acc, out[4:5])
	acc = crc.Update(acc, payload)
	binary.LittleEndian.PutUint32(out[5+len(payload):total], acc)

	return total, nil
}

// EncodedLen returns the number of bytes Encode would write for a
// payload of length payloadLen, without performing the encode.
func EncodedLen(payloadLen int) int {
	return headerTrailerSize + payloadLen
}
