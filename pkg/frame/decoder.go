package frame

import (
	"encoding/binary"

	"github.com/libredomes/domes/pkg/crc"
)

// decoderState enumerates the states named in §4.2. A completed frame
// or a CRC mismatch is reported on the same call to Feed that detects
// it, and the decoder falls straight back to waitStart0 in that same
// call, so there is never a stall waiting for a caller to
// "acknowledge" a terminal state.
type decoderState int

const (
	waitStart0 decoderState = iota
	waitStart1
	readLen0
	readLen1
	readType
	readPayload
	readCRC0
	readCRC1
	readCRC2
	readCRC3
)

// Decoder is a single-producer, byte-fed resynchronizing frame
// decoder. It owns a fixed-capacity payload buffer sized at
// construction and performs no allocation per frame. Decoder is not
// safe for concurrent use; the spec's concurrency model (§5) assumes
// one reader task feeds it bytes.
type Decoder struct {
	maxPayload int
	state      decoderState

	lenBuf [2]byte
	length uint16 // 1 + payload_len, per the wire format

	payloadLen     int
	payloadWritten int
	payload        []byte // reused across frames; valid only until the next Feed call

	msgType byte
	crcAcc  uint32
	crcBuf  [4]byte
}

// NewDecoder returns a Decoder whose payload buffer holds up to
// maxPayload bytes. Pass frame.MaxPayload for the spec's 4 KiB limit.
func NewDecoder(maxPayload int) *Decoder {
	return &Decoder{
		maxPayload: maxPayload,
		payload:    make([]byte, maxPayload),
	}
}

// Feed processes a single incoming byte. When a complete, CRC-valid
// frame has just been assembled, it returns (msgType, payload, true,
// nil); the returned payload slice aliases the decoder's internal
// buffer and is only valid until the next call to Feed. A CRC mismatch
// is reported as (_, _, false, ErrCrcMismatch) on the call that
// discovers it, per §4.2 — the decoder never silently drops a CRC
// failure, and it has already resynchronized to waitStart0 by the time
// Feed returns so the caller needs no separate reset step.
func (d *Decoder) Feed(b byte) (msgType byte, payload []byte, complete bool, err error) {
	for {
		switch d.state {
		case waitStart0:
			if b == startByte0 {
				d.state = waitStart1
			}
			return 0, nil, false, nil

		case waitStart1:
			switch b {
			case startByte1:
				d.state = readLen0
			case startByte0:
				// Re-examine this byte as a potential new start-0;
				// staying here is equivalent to that re-examination
				// since a 0xAA byte is exactly what waitStart0 would
				// advance on.
			default:
				d.state = waitStart0
				continue
			}
			return 0, nil, false, nil

		case readLen0:
			d.lenBuf[0] = b
			d.state = readLen1
			return 0, nil, false, nil

		case readLen1:
			d.lenBuf[1] = b
			d.length = binary.LittleEndian.Uint16(d.lenBuf[:])
			if d.length == 0 || int(d.length) > d.maxPayload+1 {
				// Discarded per §4.2's length bound; no partial
				// buffer is retained since nothing was allocated yet.
				d.state = waitStart0
				return 0, nil, false, nil
			}
			d.payloadLen = int(d.length) - 1
			d.payloadWritten = 0
			d.state = readType
			return 0, nil, false, nil

		case readType:
			d.msgType = b
			d.crcAcc = crc.New()
			d.crcAcc = crc.Update(d.crcAcc, []byte{b})
			if d.payloadLen == 0 {
				d.state = readCRC0
			} else {
				d.state = readPayload
			}
			return 0, nil, false, nil

		case readPayload:
			d.payload[d.payloadWritten] = b
			d.payloadWritten++
			d.crcAcc = crc.Update(d.crcAcc, d.payload[d.payloadWritten-1:d.payloadWritten])
			if d.payloadWritten >= d.payloadLen {
				d.state = readCRC0
			}
			return 0, nil, false, nil

		case readCRC0:
			d.crcBuf[0] = b
			d.state = readCRC1
			return 0, nil, false, nil
		case readCRC1:
			d.crcBuf[1] = b
			d.state = readCRC2
			return 0, nil, false, nil
		case readCRC2:
			d.crcBuf[2] = b
			d.state = readCRC3
			return 0, nil, false, nil
		case readCRC3:
			d.crcBuf[3] = b
			received := binary.LittleEndian.Uint32(d.crcBuf[:])
			d.state = waitStart0
			if received != d.crcAcc {
				return 0, nil, false, ErrCrcMismatch
			}
			return d.msgType, d.payload[:d.payloadLen], true, nil
		}
	}
}
