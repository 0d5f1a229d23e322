package receiver

import (
	"crypto/sha256"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/libredomes/domes/pkg/flashbackend"
	"github.com/libredomes/domes/pkg/ota"
)

func newTestReceiver(t *testing.T) (*Receiver, *flashbackend.FileBackend) {
	t.Helper()
	dir, err := os.MkdirTemp("", "domes-receiver-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	fb, err := flashbackend.NewFileBackend(dir)
	require.NoError(t, err)
	return New(fb), fb
}

func beginPayload(t *testing.T, image []byte, version string) []byte {
	t.Helper()
	sum := sha256.Sum256(image)
	b := ota.Begin{TotalSize: uint32(len(image)), SHA256: sum, Version: version}
	buf := make([]byte, 36+len(version)+1)
	n, err := b.Serialize(buf)
	require.NoError(t, err)
	return buf[:n]
}

func dataPayload(t *testing.T, offset uint32, chunk []byte) []byte {
	t.Helper()
	d := ota.Data{Offset: offset, Bytes: chunk}
	buf := make([]byte, 6+len(chunk))
	n, err := d.Serialize(buf)
	require.NoError(t, err)
	return buf[:n]
}

func decodeAck(t *testing.T, msg OutMessage) ota.Ack {
	t.Helper()
	require.Equal(t, ota.TypeAck, msg.Type)
	ack, err := ota.DeserializeAck(msg.Payload)
	require.NoError(t, err)
	return ack
}

func decodeAbort(t *testing.T, msg OutMessage) ota.Abort {
	t.Helper()
	require.Equal(t, ota.TypeAbort, msg.Type)
	ab, err := ota.DeserializeAbort(msg.Payload)
	require.NoError(t, err)
	return ab
}

func TestHappyPathTinyImage(t *testing.T) {
	r, fb := newTestReceiver(t)
	image := []byte("tiny-firmware-image")

	msgs, err := r.HandleFrame(ota.TypeBegin, beginPayload(t, image, "1.2.3"), 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, ota.StatusOk, decodeAck(t, msgs[0]).Status)
	require.Equal(t, StateReceiving, r.State())

	msgs, err = r.HandleFrame(ota.TypeData, dataPayload(t, 0, image), 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	ack := decodeAck(t, msgs[0])
	require.Equal(t, ota.StatusOk, ack.Status)
	require.Equal(t, uint32(len(image)), ack.NextOffset)

	msgs, err = r.HandleFrame(ota.TypeEnd, nil, 20)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, ota.StatusOk, decodeAck(t, msgs[0]).Status)
	require.Equal(t, StatePendingVerification, r.State())
	require.True(t, r.RebootPending())
	require.True(t, fb.IsPendingVerification())

	require.NoError(t, r.ConfirmFirmware())
	require.Equal(t, StateIdle, r.State())
	require.False(t, fb.IsPendingVerification())
}

func TestDuplicateChunkIsIdempotent(t *testing.T) {
	r, _ := newTestReceiver(t)
	image := []byte("0123456789")

	_, err := r.HandleFrame(ota.TypeBegin, beginPayload(t, image, "1.0.0"), 0)
	require.NoError(t, err)

	msgs, err := r.HandleFrame(ota.TypeData, dataPayload(t, 0, image[:5]), 1)
	require.NoError(t, err)
	require.Equal(t, uint32(5), decodeAck(t, msgs[0]).NextOffset)

	// Resend the same chunk: must not double-advance bytes_received.
	msgs, err = r.HandleFrame(ota.TypeData, dataPayload(t, 0, image[:5]), 2)
	require.NoError(t, err)
	ack := decodeAck(t, msgs[0])
	require.Equal(t, ota.StatusOk, ack.Status)
	require.Equal(t, uint32(5), ack.NextOffset)
	require.Equal(t, uint32(5), r.BytesReceived())
}

func TestOffsetMismatchReportsNextOffset(t *testing.T) {
	r, _ := newTestReceiver(t)
	image := []byte("0123456789")

	_, err := r.HandleFrame(ota.TypeBegin, beginPayload(t, image, "1.0.0"), 0)
	require.NoError(t, err)
	_, err = r.HandleFrame(ota.TypeData, dataPayload(t, 0, image[:5]), 1)
	require.NoError(t, err)

	// Skip ahead instead of sending offset 5.
	msgs, err := r.HandleFrame(ota.TypeData, dataPayload(t, 7, image[7:]), 2)
	require.NoError(t, err)
	ack := decodeAck(t, msgs[0])
	require.Equal(t, ota.StatusOffsetMismatch, ack.Status)
	require.Equal(t, uint32(5), ack.NextOffset)
	require.Equal(t, StateReceiving, r.State())
}

func TestSizeMismatchAbortsSession(t *testing.T) {
	r, fb := newTestReceiver(t)
	image := []byte("0123456789")

	_, err := r.HandleFrame(ota.TypeBegin, beginPayload(t, image, "1.0.0"), 0)
	require.NoError(t, err)

	// Claim a chunk that overruns the declared total size.
	msgs, err := r.HandleFrame(ota.TypeData, dataPayload(t, 0, append(image, 0xFF)), 1)
	require.NoError(t, err)
	ack := decodeAck(t, msgs[0])
	require.Equal(t, ota.StatusSizeMismatch, ack.Status)
	require.Equal(t, StateIdle, r.State())
	require.False(t, fb.IsPendingVerification())
}

func TestShaMismatchAtEnd(t *testing.T) {
	r, fb := newTestReceiver(t)
	image := []byte("0123456789")

	begin := beginPayload(t, image, "1.0.0")
	_, err := r.HandleFrame(ota.TypeBegin, begin, 0)
	require.NoError(t, err)

	// Write a different payload than what BEGIN's hash committed to.
	corrupt := []byte("9999999999")
	_, err = r.HandleFrame(ota.TypeData, dataPayload(t, 0, corrupt), 1)
	require.NoError(t, err)

	msgs, err := r.HandleFrame(ota.TypeEnd, nil, 2)
	require.NoError(t, err)
	ack := decodeAck(t, msgs[0])
	require.Equal(t, ota.StatusVerifyFailed, ack.Status)
	require.Equal(t, StateIdle, r.State())
	require.False(t, fb.IsPendingVerification())
}

func TestIdleTimeoutAbortsAndEmitsAbort(t *testing.T) {
	r, _ := newTestReceiver(t)
	image := []byte("0123456789")

	_, err := r.HandleFrame(ota.TypeBegin, beginPayload(t, image, "1.0.0"), 0)
	require.NoError(t, err)
	_, err = r.HandleFrame(ota.TypeData, dataPayload(t, 0, image[:5]), 1000)
	require.NoError(t, err)

	msgs := r.Tick(1000 + DefaultIdleTimeout.Milliseconds() - 1)
	require.Nil(t, msgs)
	require.Equal(t, StateReceiving, r.State())

	msgs = r.Tick(1000 + DefaultIdleTimeout.Milliseconds())
	require.Len(t, msgs, 1)
	require.Equal(t, ota.StatusTimeout, decodeAbort(t, msgs[0]).Reason)
	require.Equal(t, StateIdle, r.State())
}

func TestBeginWhilePendingVerificationReturnsBusy(t *testing.T) {
	r, _ := newTestReceiver(t)
	image := []byte("x")

	_, err := r.HandleFrame(ota.TypeBegin, beginPayload(t, image, "1.0.0"), 0)
	require.NoError(t, err)
	_, err = r.HandleFrame(ota.TypeData, dataPayload(t, 0, image), 1)
	require.NoError(t, err)
	_, err = r.HandleFrame(ota.TypeEnd, nil, 2)
	require.NoError(t, err)
	require.Equal(t, StatePendingVerification, r.State())

	msgs, err := r.HandleFrame(ota.TypeBegin, beginPayload(t, image, "1.0.1"), 3)
	require.NoError(t, err)
	ack := decodeAck(t, msgs[0])
	require.Equal(t, ota.StatusBusy, ack.Status)
	require.Equal(t, StatePendingVerification, r.State())
}

func TestRestartBeginMidSessionDiscardsStaging(t *testing.T) {
	r, fb := newTestReceiver(t)
	image := []byte("0123456789")

	_, err := r.HandleFrame(ota.TypeBegin, beginPayload(t, image, "1.0.0"), 0)
	require.NoError(t, err)
	_, err = r.HandleFrame(ota.TypeData, dataPayload(t, 0, image[:5]), 1)
	require.NoError(t, err)

	newImage := []byte("abcdefghij")
	msgs, err := r.HandleFrame(ota.TypeBegin, beginPayload(t, newImage, "2.0.0"), 2)
	require.NoError(t, err)
	require.Equal(t, ota.StatusOk, decodeAck(t, msgs[0]).Status)
	require.Equal(t, uint32(0), r.BytesReceived())
	require.False(t, fb.IsPendingVerification())
}

func TestDataBeforeBeginIsProtocolError(t *testing.T) {
	r, _ := newTestReceiver(t)
	msgs, err := r.HandleFrame(ota.TypeData, dataPayload(t, 0, []byte{1, 2, 3}), 0)
	require.NoError(t, err)
	require.Equal(t, ota.TypeAbort, msgs[0].Type)
	require.Equal(t, ota.StatusProtocolError, decodeAbort(t, msgs[0]).Reason)
}

func TestOversizedChunkAbortsSession(t *testing.T) {
	r, fb := newTestReceiver(t)
	image := make([]byte, ota.ChunkSize+1)

	_, err := r.HandleFrame(ota.TypeBegin, beginPayload(t, image, "1.0.0"), 0)
	require.NoError(t, err)

	msgs, err := r.HandleFrame(ota.TypeData, dataPayload(t, 0, image), 1)
	require.NoError(t, err)
	require.Equal(t, ota.TypeAbort, msgs[0].Type)
	require.Equal(t, ota.StatusProtocolError, decodeAbort(t, msgs[0]).Reason)
	require.Equal(t, StateIdle, r.State())
	require.False(t, fb.IsPendingVerification())
}

type failingBackend struct {
	flashbackend.Backend
	failWrite bool
}

func (f *failingBackend) Write(h flashbackend.Handle, data []byte) error {
	if f.failWrite {
		return os.ErrPermission
	}
	return f.Backend.Write(h, data)
}

func TestFlashWriteFailureEmitsAckThenAbort(t *testing.T) {
	dir, err := os.MkdirTemp("", "domes-receiver-flasherr-*")
	require.NoError(t, err)
	defer os.RemoveAll(dir)
	fb, err := flashbackend.NewFileBackend(dir)
	require.NoError(t, err)

	backend := &failingBackend{Backend: fb, failWrite: true}
	r := New(backend)

	image := []byte("0123456789")
	_, err = r.HandleFrame(ota.TypeBegin, beginPayload(t, image, "1.0.0"), 0)
	require.NoError(t, err)

	msgs, err := r.HandleFrame(ota.TypeData, dataPayload(t, 0, image[:5]), 1)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, ota.StatusFlashError, decodeAck(t, msgs[0]).Status)
	require.Equal(t, ota.StatusFlashError, decodeAbort(t, msgs[1]).Reason)
	require.Equal(t, StateIdle, r.State())
}
