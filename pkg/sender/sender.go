// Package sender implements the OTA sender side of the protocol
// (§4.5): local SHA-256 computation, the BEGIN/ACK handshake, the
// DATA loop with bounded backoff and offset-correction, and a no-
// retry END. It is the mirror image of pkg/receiver, built against
// the same pkg/ota wire types and the pkg/transport.Transport and
// pkg/frame contracts so the two sides never share more than the
// wire format.
package sender

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"time"

	"github.com/libredomes/domes/pkg/frame"
	"github.com/libredomes/domes/pkg/ota"
	"github.com/libredomes/domes/pkg/transport"
)

// Phase identifies where in a session a Progress callback fired.
type Phase int

const (
	PhaseBegin Phase = iota
	PhaseTransferring
	PhaseVerifying
	PhaseComplete
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseBegin:
		return "begin"
	case PhaseTransferring:
		return "transferring"
	case PhaseVerifying:
		return "verifying"
	case PhaseComplete:
		return "complete"
	case PhaseFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ProgressFunc is called as a session advances. totalBytes is always
// the image size; bytesSent is zero at PhaseBegin and on a failure
// before END, and equals totalBytes from PhaseVerifying on.
type ProgressFunc func(bytesSent, totalBytes uint32, phase Phase)

const (
	// DefaultMaxAttempts bounds the retry count for BEGIN and each DATA
	// chunk (§4.5: "exponential backoff capped at 1s, max 5 attempts").
	DefaultMaxAttempts = 5
	// DefaultMaxOffsetCorrections bounds how many times the sender will
	// follow a kOffsetMismatch correction before giving up (§4.5: "max
	// 3 corrections" — protects against an oscillating receiver).
	DefaultMaxOffsetCorrections = 3
	// DefaultStartBackoff is the first retry delay; it doubles on each
	// subsequent attempt up to DefaultMaxBackoff.
	DefaultStartBackoff = 50 * time.Millisecond
	// DefaultMaxBackoff is the backoff ceiling (§4.5).
	DefaultMaxBackoff = 1 * time.Second
	// DefaultAckTimeout bounds how long the sender waits for a BEGIN or
	// DATA ACK before treating the attempt as failed.
	DefaultAckTimeout = 2 * time.Second
	// DefaultEndTimeout is the longer timeout END gets, reflecting the
	// receiver's slower verify-then-commit work (§4.5: "≤30s, no
	// retry").
	DefaultEndTimeout = 30 * time.Second
)

// ErrTooManyAttempts is returned when a BEGIN or DATA exchange never
// gets a usable reply within DefaultMaxAttempts tries.
var ErrTooManyAttempts = fmt.Errorf("sender: exceeded retry budget")

// ErrTooManyOffsetCorrections is returned when the receiver keeps
// reporting kOffsetMismatch past DefaultMaxOffsetCorrections.
var ErrTooManyOffsetCorrections = fmt.Errorf("sender: exceeded offset-correction budget")

// Config tunes a Sender's retry policy. The zero value is not usable;
// use DefaultConfig.
type Config struct {
	MaxAttempts          int
	MaxOffsetCorrections int
	StartBackoff         time.Duration
	MaxBackoff           time.Duration
	AckTimeout           time.Duration
	EndTimeout           time.Duration
	OnProgress           ProgressFunc
}

// DefaultConfig returns the spec's stated retry/backoff numbers.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:          DefaultMaxAttempts,
		MaxOffsetCorrections: DefaultMaxOffsetCorrections,
		StartBackoff:         DefaultStartBackoff,
		MaxBackoff:           DefaultMaxBackoff,
		AckTimeout:           DefaultAckTimeout,
		EndTimeout:           DefaultEndTimeout,
	}
}

// Sender drives one OTA session to completion over a transport.
// Sender is not safe for concurrent use; like Receiver it is designed
// for one owning task per session (§5).
type Sender struct {
	t   transport.Transport
	cfg Config
	dec *frame.Decoder

	readBuf [256]byte
	sendBuf [frame.MaxFrame]byte
}

// New returns a Sender that drives sessions over t, already Init'd by
// the caller.
func New(t transport.Transport, cfg Config) *Sender {
	return &Sender{
		t:   t,
		cfg: cfg,
		dec: frame.NewDecoder(frame.MaxPayload),
	}
}

func (s *Sender) progress(bytesSent, totalBytes uint32, phase Phase) {
	if s.cfg.OnProgress != nil {
		s.cfg.OnProgress(bytesSent, totalBytes, phase)
	}
}

// Send runs a complete OTA session: computes the image's SHA-256,
// performs BEGIN, streams the image in fixed ota.ChunkSize chunks via
// DATA, and finishes with END. It returns nil only once the receiver
// has ACKed END with ota.StatusOk — i.e. once the image is committed
// to the pending partition, awaiting the receiver's own confirm step.
func (s *Sender) Send(ctx context.Context, image []byte, version string) error {
	sum := sha256.Sum256(image)
	s.progress(0, uint32(len(image)), PhaseBegin)

	if err := s.doBegin(ctx, uint32(len(image)), sum, version); err != nil {
		s.progress(0, uint32(len(image)), PhaseFailed)
		return fmt.Errorf("sender: begin: %w", err)
	}

	if err := s.doDataLoop(ctx, image); err != nil {
		s.progress(0, uint32(len(image)), PhaseFailed)
		return fmt.Errorf("sender: data: %w", err)
	}

	s.progress(uint32(len(image)), uint32(len(image)), PhaseVerifying)
	if err := s.doEnd(ctx); err != nil {
		s.progress(uint32(len(image)), uint32(len(image)), PhaseFailed)
		return fmt.Errorf("sender: end: %w", err)
	}

	s.progress(uint32(len(image)), uint32(len(image)), PhaseComplete)
	return nil
}

func (s *Sender) doBegin(ctx context.Context, totalSize uint32, sum [32]byte, version string) error {
	payload := make([]byte, 36+len(version)+1)
	begin := ota.Begin{TotalSize: totalSize, SHA256: sum, Version: version}
	n, err := begin.Serialize(payload)
	if err != nil {
		return err
	}
	payload = payload[:n]

	ack, err := s.exchangeWithRetry(ctx, ota.TypeBegin, payload, s.cfg.AckTimeout)
	if err != nil {
		return err
	}
	if ack.Status != ota.StatusOk {
		return ack.Status.Err()
	}
	return nil
}

func (s *Sender) doDataLoop(ctx context.Context, image []byte) error {
	var offset uint32
	corrections := 0

	for offset < uint32(len(image)) {
		end := offset + ota.ChunkSize
		if end > uint32(len(image)) {
			end = uint32(len(image))
		}
		chunk := image[offset:end]

		payload := make([]byte, 6+len(chunk))
		n, err := ota.Data{Offset: offset, Bytes: chunk}.Serialize(payload)
		if err != nil {
			return err
		}
		payload = payload[:n]

		ack, err := s.exchangeWithRetry(ctx, ota.TypeData, payload, s.cfg.AckTimeout)
		if err != nil {
			return err
		}

		switch ack.Status {
		case ota.StatusOk:
			offset = ack.NextOffset
			s.progress(offset, uint32(len(image)), PhaseTransferring)

		case ota.StatusOffsetMismatch:
			corrections++
			if corrections > s.cfg.MaxOffsetCorrections {
				return ErrTooManyOffsetCorrections
			}
			offset = ack.NextOffset

		default:
			return ack.Status.Err()
		}
	}
	return nil
}

func (s *Sender) doEnd(ctx context.Context) error {
	// END gets no retry on failure (§4.5): a single attempt with its
	// own longer timeout.
	ack, err := s.exchangeOnce(ctx, ota.TypeEnd, nil, s.cfg.EndTimeout)
	if err != nil {
		return err
	}
	if ack.Status != ota.StatusOk {
		return ack.Status.Err()
	}
	return nil
}

// exchangeWithRetry sends msgType/payload and waits for an ACK,
// retrying transport-level failures (timeouts, I/O errors, CRC
// corruption on the reply) and kBusy ACKs up to s.cfg.MaxAttempts
// times with exponential backoff (§4.5 step 2: kBusy is retried like a
// transient failure, not treated as fatal). A successfully decoded ACK
// with any other status, or an ABORT from the receiver, ends the retry
// loop; status handling beyond kBusy is the caller's job.
func (s *Sender) exchangeWithRetry(ctx context.Context, msgType byte, payload []byte, timeout time.Duration) (ota.Ack, error) {
	backoff := s.cfg.StartBackoff
	var lastErr error
	for attempt := 0; attempt < s.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ota.Ack{}, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > s.cfg.MaxBackoff {
				backoff = s.cfg.MaxBackoff
			}
		}

		ack, err := s.exchangeOnce(ctx, msgType, payload, timeout)
		if err != nil {
			// An ABORT from the receiver is terminal and is never resent.
			var se *ota.StatusError
			if errors.As(err, &se) {
				return ota.Ack{}, err
			}
			lastErr = err
			continue
		}
		if ack.Status == ota.StatusBusy {
			lastErr = ota.StatusBusy.Err()
			continue
		}
		return ack, nil
	}
	return ota.Ack{}, fmt.Errorf("%w: %v", ErrTooManyAttempts, lastErr)
}

// exchangeOnce sends one frame and waits once for a reply, with no
// retry of its own.
func (s *Sender) exchangeOnce(ctx context.Context, msgType byte, payload []byte, timeout time.Duration) (ota.Ack, error) {
	n, err := frame.Encode(msgType, payload, s.sendBuf[:])
	if err != nil {
		return ota.Ack{}, err
	}
	if err := s.t.Send(s.sendBuf[:n]); err != nil {
		return ota.Ack{}, err
	}
	return s.awaitAck(ctx, time.Now().Add(timeout))
}

func (s *Sender) awaitAck(ctx context.Context, deadline time.Time) (ota.Ack, error) {
	for {
		if err := ctx.Err(); err != nil {
			return ota.Ack{}, err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return ota.Ack{}, frame.ErrTimeout
		}

		n, err := s.t.Receive(s.readBuf[:], remaining)
		if err != nil {
			return ota.Ack{}, err
		}

		for i := 0; i < n; i++ {
			msgType, payload, complete, ferr := s.dec.Feed(s.readBuf[i])
			if ferr != nil {
				// A corrupted reply resynchronizes on its own; keep
				// reading within the remaining deadline.
				continue
			}
			if !complete {
				continue
			}

			switch msgType {
			case ota.TypeAck:
				ack, aerr := ota.DeserializeAck(payload)
				if aerr != nil {
					continue
				}
				return ack, nil
			case ota.TypeAbort:
				ab, aerr := ota.DeserializeAbort(payload)
				if aerr != nil {
					continue
				}
				return ota.Ack{}, fmt.Errorf("sender: receiver aborted: %w", ab.Reason.Err())
			default:
				continue
			}
		}
	}
}
