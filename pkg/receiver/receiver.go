// Package receiver implements the OTA receiver state machine (§4.4):
// bounded chunk acceptance, running SHA-256 verification, atomic
// partition commit, and self-test confirmation/rollback. It is the
// hardest subsystem per the spec and the one a single mistake in
// corrupts an immutable firmware image or desynchronizes sender and
// receiver.
//
// Receiver owns no transport and no frame codec; a caller (typically
// cmd/domes-gatewayd) feeds it decoded (msgType, payload) pairs from a
// frame.Decoder and writes the returned OutMessages back out through a
// frame.Encode call over a transport.Transport. This mirrors the
// teacher's pkg/service.Service, which likewise owns no transport of
// its own and is wired to one externally by main.go.
package receiver

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"hash"
	"time"

	"github.com/libredomes/domes/pkg/flashbackend"
	"github.com/libredomes/domes/pkg/ota"
)

// State is the receiver's session state, per the table in §4.4.
type State int

const (
	StateIdle State = iota
	StateStarting
	StateReceiving
	StateVerifying
	StatePendingVerification
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateReceiving:
		return "receiving"
	case StateVerifying:
		return "verifying"
	case StatePendingVerification:
		return "pending_verification"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

const (
	// DefaultIdleTimeout is the "≥10s recommended" idle timeout from §4.4.
	DefaultIdleTimeout = 10 * time.Second
	// DefaultRebootGrace is the "~500ms typical" grace period before a
	// scheduled reboot after a successful END (§4.4).
	DefaultRebootGrace = 500 * time.Millisecond
)

// OutMessage is one frame the receiver wants sent back: an OTA_ACK or
// OTA_ABORT, already serialized. A single incoming frame can produce
// more than one OutMessage — the flash-write-failure path in §4.4
// step 5 requires both an ACK and a following ABORT.
type OutMessage struct {
	Type    byte
	Payload []byte
}

// Receiver is the OTA receiver FSM. It is designed for single-
// threaded cooperative use (§5): one task owns it, feeds it frames,
// and writes its OutMessages back out. No internal locking is done.
type Receiver struct {
	backend     flashbackend.Backend
	idleTimeout time.Duration

	state         State
	expectedSize  uint32
	expectedHash  [32]byte
	version       string
	hasher        hash.Hash
	bytesReceived uint32
	handle        flashbackend.Handle
	handleOpen    bool

	startedAtMs    int64
	lastActivityMs int64

	rebootPending bool
}

// Option configures a Receiver at construction.
type Option func(*Receiver)

// WithIdleTimeout overrides DefaultIdleTimeout.
func WithIdleTimeout(d time.Duration) Option {
	return func(r *Receiver) { r.idleTimeout = d }
}

// New returns a Receiver in StateIdle backed by backend.
func New(backend flashbackend.Backend, opts ...Option) *Receiver {
	r := &Receiver{
		backend:     backend,
		idleTimeout: DefaultIdleTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func ackMsg(status ota.Status, nextOffset uint32) OutMessage {
	buf := make([]byte, 5)
	n, _ := ota.Ack{Status: status, NextOffset: nextOffset}.Serialize(buf)
	return OutMessage{Type: ota.TypeAck, Payload: buf[:n]}
}

func abortMsg(reason ota.Status) OutMessage {
	buf := make([]byte, 1)
	n, _ := ota.Abort{Reason: reason}.Serialize(buf)
	return OutMessage{Type: ota.TypeAbort, Payload: buf[:n]}
}

// HandleFrame dispatches one decoded frame to the FSM and returns the
// frames that must be sent back in response (§4.4's "dispatches to
// the FSM; returns the exact ACK that must be sent back", generalized
// to a slice since some transitions emit both an ACK and an ABORT).
// A non-nil error is diagnostic only — the OutMessages are still the
// authoritative response and should still be sent.
func (r *Receiver) HandleFrame(msgType byte, payload []byte, nowMs int64) ([]OutMessage, error) {
	switch msgType {
	case ota.TypeBegin:
		begin, err := ota.DeserializeBegin(payload)
		if err != nil {
			return []OutMessage{abortMsg(ota.StatusProtocolError)}, err
		}
		return []OutMessage{r.handleBegin(begin, nowMs)}, nil

	case ota.TypeData:
		data, err := ota.DeserializeData(payload)
		if err != nil {
			return []OutMessage{abortMsg(ota.StatusProtocolError)}, err
		}
		return r.handleData(data, nowMs), nil

	case ota.TypeEnd:
		if _, err := ota.DeserializeEnd(payload); err != nil {
			return []OutMessage{abortMsg(ota.StatusProtocolError)}, err
		}
		return r.handleEnd(nowMs), nil

	case ota.TypeAbort:
		ab, err := ota.DeserializeAbort(payload)
		if err != nil {
			return nil, err
		}
		r.handleIncomingAbort(ab)
		return nil, nil

	default:
		return []OutMessage{abortMsg(ota.StatusProtocolError)}, fmt.Errorf("receiver: unexpected message type 0x%02x in state %s", msgType, r.state)
	}
}

func (r *Receiver) handleBegin(begin ota.Begin, nowMs int64) OutMessage {
	switch r.state {
	case StateIdle, StateReceiving:
		if r.state == StateReceiving && r.handleOpen {
			_ = r.backend.Abort(r.handle)
			r.handleOpen = false
		}
		r.state = StateStarting
		h, err := r.backend.Begin(begin.TotalSize)
		if err != nil {
			r.state = StateIdle
			return abortMsg(ota.StatusPartitionError)
		}
		r.handle = h
		r.handleOpen = true
		r.expectedSize = begin.TotalSize
		r.expectedHash = begin.SHA256
		r.version = begin.Version
		r.hasher = sha256.New()
		r.bytesReceived = 0
		r.startedAtMs = nowMs
		r.lastActivityMs = nowMs
		r.state = StateReceiving
		return ackMsg(ota.StatusOk, 0)

	default:
		// kStarting/kVerifying/kPendingVerification: the receiver is
		// mid-session and cannot restart; tell the sender to back off
		// and retry, per the sender's own kBusy handling (§4.5).
		return ackMsg(ota.StatusBusy, r.bytesReceived)
	}
}

func (r *Receiver) handleData(data ota.Data, nowMs int64) []OutMessage {
	if r.state != StateReceiving {
		return []OutMessage{abortMsg(ota.StatusProtocolError)}
	}

	chunkLen := uint32(len(data.Bytes))
	if chunkLen > ota.ChunkSize {
		r.abortSession()
		return []OutMessage{abortMsg(ota.StatusProtocolError)}
	}

	// Step 2: duplicate of the last accepted chunk is idempotent.
	if chunkLen > 0 && r.bytesReceived >= chunkLen && data.Offset == r.bytesReceived-chunkLen {
		return []OutMessage{ackMsg(ota.StatusOk, r.bytesReceived)}
	}

	// Step 3: any other offset mismatch tells the sender where to resume.
	if data.Offset != r.bytesReceived {
		return []OutMessage{ackMsg(ota.StatusOffsetMismatch, r.bytesReceived)}
	}

	// Step 4: would overrun the declared image size.
	if uint64(data.Offset)+uint64(chunkLen) > uint64(r.expectedSize) {
		r.abortSession()
		return []OutMessage{ackMsg(ota.StatusSizeMismatch, r.bytesReceived)}
	}

	// Step 5: write to staging.
	if err := r.backend.Write(r.handle, data.Bytes); err != nil {
		r.abortSession()
		return []OutMessage{
			ackMsg(ota.StatusFlashError, r.bytesReceived),
			abortMsg(ota.StatusFlashError),
		}
	}

	// Step 6: advance.
	r.hasher.Write(data.Bytes)
	r.bytesReceived += chunkLen
	r.lastActivityMs = nowMs
	return []OutMessage{ackMsg(ota.StatusOk, r.bytesReceived)}
}

func (r *Receiver) handleEnd(nowMs int64) []OutMessage {
	if r.state != StateReceiving {
		return []OutMessage{abortMsg(ota.StatusProtocolError)}
	}

	if r.bytesReceived != r.expectedSize {
		r.abortSession()
		return []OutMessage{ackMsg(ota.StatusSizeMismatch, r.bytesReceived)}
	}

	sum := r.hasher.Sum(nil)
	if !bytes.Equal(sum, r.expectedHash[:]) {
		r.abortSession()
		return []OutMessage{ackMsg(ota.StatusVerifyFailed, 0)}
	}

	if err := r.backend.Finalize(r.handle); err != nil {
		r.handleOpen = false
		r.state = StateIdle
		return []OutMessage{ackMsg(ota.StatusPartitionError, 0)}
	}

	r.handleOpen = false
	r.state = StatePendingVerification
	r.rebootPending = true
	return []OutMessage{ackMsg(ota.StatusOk, r.expectedSize)}
}

func (r *Receiver) handleIncomingAbort(ota.Abort) {
	// A sender-initiated ABORT is terminal; clean up and go idle. No
	// reply is sent — ABORT is never acknowledged or resent (§5).
	r.abortSession()
}

// abortSession discards any in-flight staging write and returns to
// StateIdle. Every error path in §4.4 that cannot reach
// StatePendingVerification routes through here, satisfying the "no
// third case is reachable" failure semantics of §4.4.
func (r *Receiver) abortSession() {
	if r.handleOpen {
		_ = r.backend.Abort(r.handle)
		r.handleOpen = false
	}
	r.state = StateIdle
}

// Tick drives the idle-timeout watchdog (§4.4, §5). Call it
// periodically (e.g. once per second) with the current monotonic
// time in milliseconds.
func (r *Receiver) Tick(nowMs int64) []OutMessage {
	if r.state == StateReceiving && nowMs-r.lastActivityMs >= r.idleTimeout.Milliseconds() {
		r.abortSession()
		return []OutMessage{abortMsg(ota.StatusTimeout)}
	}
	return nil
}

// ConfirmFirmware marks the pending partition permanently bootable,
// per the post-reboot self-test described in §4.4.
func (r *Receiver) ConfirmFirmware() error {
	if r.state != StatePendingVerification {
		return fmt.Errorf("receiver: confirm_firmware called in state %s, expected %s", r.state, StatePendingVerification)
	}
	if err := r.backend.Confirm(); err != nil {
		return err
	}
	r.state = StateIdle
	r.rebootPending = false
	return nil
}

// Rollback reverts the bootable-once pointer, per §4.4.
func (r *Receiver) Rollback() error {
	if r.state != StatePendingVerification {
		return fmt.Errorf("receiver: rollback called in state %s, expected %s", r.state, StatePendingVerification)
	}
	if err := r.backend.Rollback(); err != nil {
		return err
	}
	r.state = StateIdle
	r.rebootPending = false
	return nil
}

func (r *Receiver) State() State          { return r.state }
func (r *Receiver) BytesReceived() uint32 { return r.bytesReceived }
func (r *Receiver) TotalBytes() uint32    { return r.expectedSize }
func (r *Receiver) Version() string       { return r.version }
func (r *Receiver) RebootPending() bool   { return r.rebootPending }
func (r *Receiver) ClearRebootPending()   { r.rebootPending = false }
