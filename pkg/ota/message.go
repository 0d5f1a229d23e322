// Package ota implements the pure, I/O-free serialize/deserialize logic
// for the five OTA message types carried inside a frame payload (§3,
// §4.3). Nothing here touches a transport or a file; pkg/receiver and
// pkg/sender own the I/O.
package ota

import (
	"encoding/binary"
	"fmt"
)

// Message type bytes, per §3. These are the values that go in a
// frame's msg_type field.
const (
	TypeBegin byte = 0x01
	TypeData  byte = 0x02
	TypeEnd   byte = 0x03
	TypeAck   byte = 0x04
	TypeAbort byte = 0x05
)

// ChunkSize is the fixed chunk size this spec mandates (§9 open
// question resolution): negotiation is not supported, and any DATA
// with a larger chunk_len is rejected as a protocol error.
const ChunkSize = 1024

// MaxVersionLen is the maximum length, excluding the terminating NUL,
// of BEGIN's version field (§3, §9).
const MaxVersionLen = 31

// ErrInvalidArg mirrors the protocol's kInvalidArg: a payload shorter
// than the fixed prefix a message type requires.
var ErrInvalidArg = fmt.Errorf("ota: invalid argument")

// ErrProtocolError mirrors the protocol's kProtocolError at the
// message-parsing level (distinct from the Status sentinel of the same
// name, which travels on the wire; this one is a local decode error).
var ErrProtocolError = fmt.Errorf("ota: protocol error")

// Begin is the OTA_BEGIN message.
type Begin struct {
	TotalSize uint32
	SHA256    [32]byte
	Version   string
}

// Serialize writes the message into out, returning the number of bytes
// written. Returns ErrInvalidArg if the version exceeds MaxVersionLen.
func (b Begin) Serialize(out []byte) (int, error) {
	if len(b.Version) > MaxVersionLen {
		return 0, fmt.Errorf("%w: version %q exceeds %d bytes", ErrInvalidArg, b.Version, MaxVersionLen)
	}
	need := 4 + 32 + len(b.Version) + 1
	if len(out) < need {
		return 0, fmt.Errorf("%w: output buffer too small", ErrInvalidArg)
	}
	binary.LittleEndian.PutUint32(out[0:4], b.TotalSize)
	copy(out[4:36], b.SHA256[:])
	n := copy(out[36:], b.Version)
	out[36+n] = 0
	return 36 + n + 1, nil
}

// DeserializeBegin parses a BEGIN payload. Trailing bytes after the
// version's NUL terminator (or after MaxVersionLen bytes if no NUL is
// present) are ignored, per §3/§4.3's forward-compatibility rule.
func DeserializeBegin(payload []byte) (Begin, error) {
	if len(payload) < 36 {
		return Begin{}, fmt.Errorf("%w: BEGIN payload too short (%d bytes)", ErrInvalidArg, len(payload))
	}
	var b Begin
	b.TotalSize = binary.LittleEndian.Uint32(payload[0:4])
	copy(b.SHA256[:], payload[4:36])

	rest := payload[36:]
	limit := len(rest)
	if limit > MaxVersionLen {
		limit = MaxVersionLen
	}
	nul := -1
	for i := 0; i < limit; i++ {
		if rest[i] == 0 {
			nul = i
			break
		}
	}
	if nul >= 0 {
		b.Version = string(rest[:nul])
	} else {
		// Unterminated string of maximum length is accepted and
		// reported truncated to MaxVersionLen, per §4.3.
		b.Version = string(rest[:limit])
	}
	return b, nil
}

// Data is the OTA_DATA message.
type Data struct {
	Offset uint32
	Bytes  []byte
}

func (d Data) Serialize(out []byte) (int, error) {
	need := 6 + len(d.Bytes)
	if len(out) < need {
		return 0, fmt.Errorf("%w: output buffer too small", ErrInvalidArg)
	}
	if len(d.Bytes) > 0xFFFF {
		return 0, fmt.Errorf("%w: chunk too large", ErrInvalidArg)
	}
	binary.LittleEndian.PutUint32(out[0:4], d.Offset)
	binary.LittleEndian.PutUint16(out[4:6], uint16(len(d.Bytes)))
	copy(out[6:], d.Bytes)
	return need, nil
}

// DeserializeData parses a DATA payload. chunk_len must equal
// payload_len-6 exactly (§4.3); any mismatch is ErrProtocolError.
func DeserializeData(payload []byte) (Data, error) {
	if len(payload) < 6 {
		return Data{}, fmt.Errorf("%w: DATA payload too short (%d bytes)", ErrInvalidArg, len(payload))
	}
	offset := binary.LittleEndian.Uint32(payload[0:4])
	chunkLen := binary.LittleEndian.Uint16(payload[4:6])
	if int(chunkLen) != len(payload)-6 {
		return Data{}, fmt.Errorf("%w: chunk_len %d does not match payload (%d bytes)", ErrProtocolError, chunkLen, len(payload)-6)
	}
	return Data{Offset: offset, Bytes: payload[6:]}, nil
}

// End is the OTA_END message; it carries no payload.
type End struct{}

func (End) Serialize(out []byte) (int, error) { return 0, nil }

func DeserializeEnd(payload []byte) (End, error) {
	return End{}, nil
}

// Ack is the OTA_ACK message.
type Ack struct {
	Status     Status
	NextOffset uint32
}

func (a Ack) Serialize(out []byte) (int, error) {
	if len(out) < 5 {
		return 0, fmt.Errorf("%w: output buffer too small", ErrInvalidArg)
	}
	out[0] = byte(a.Status)
	binary.LittleEndian.PutUint32(out[1:5], a.NextOffset)
	return 5, nil
}

func DeserializeAck(payload []byte) (Ack, error) {
	if len(payload) < 5 {
		return Ack{}, fmt.Errorf("%w: ACK payload too short (%d bytes)", ErrInvalidArg, len(payload))
	}
	return Ack{
		Status:     Status(payload[0]),
		NextOffset: binary.LittleEndian.Uint32(payload[1:5]),
	}, nil
}

// Abort is the OTA_ABORT message.
type Abort struct {
	Reason Status
}

func (a Abort) Serialize(out []byte) (int, error) {
	if len(out) < 1 {
		return 0, fmt.Errorf("%w: output buffer too small", ErrInvalidArg)
	}
	out[0] = byte(a.Reason)
	return 1, nil
}

func DeserializeAbort(payload []byte) (Abort, error) {
	if len(payload) < 1 {
		return Abort{}, fmt.Errorf("%w: ABORT payload too short (%d bytes)", ErrInvalidArg, len(payload))
	}
	return Abort{Reason: Status(payload[0])}, nil
}
