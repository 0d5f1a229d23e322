package ota

import (
	"bytes"
	"testing"
	"testing/quick"

	"github.com/stretchr/testify/require"
)

func TestBeginRoundTrip(t *testing.T) {
	b := Begin{TotalSize: 3, SHA256: [32]byte{0xAA, 0xBB}, Version: "v0.0.1"}
	buf := make([]byte, 128)
	n, err := b.Serialize(buf)
	require.NoError(t, err)

	got, err := DeserializeBegin(buf[:n])
	require.NoError(t, err)
	require.Equal(t, b, got)
}

func TestBeginVersionTruncation(t *testing.T) {
	long := bytes.Repeat([]byte("x"), 50)
	buf := make([]byte, 4+32+len(long))
	binLEPut(buf, 0)
	copy(buf[36:], long)
	// no NUL terminator anywhere in the 50-byte tail

	got, err := DeserializeBegin(buf)
	require.NoError(t, err)
	require.Len(t, got.Version, MaxVersionLen)
}

func binLEPut(buf []byte, v uint32) {
	buf[0] = byte(v)
	buf[1] = byte(v >> 8)
	buf[2] = byte(v >> 16)
	buf[3] = byte(v >> 24)
}

func TestDataRoundTrip(t *testing.T) {
	d := Data{Offset: 1024, Bytes: []byte{0xDE, 0xAD, 0xBE, 0xEF}}
	buf := make([]byte, 16)
	n, err := d.Serialize(buf)
	require.NoError(t, err)

	got, err := DeserializeData(buf[:n])
	require.NoError(t, err)
	require.Equal(t, d.Offset, got.Offset)
	require.Equal(t, d.Bytes, got.Bytes)
}

func TestDataChunkLenMismatchIsProtocolError(t *testing.T) {
	buf := make([]byte, 10)
	binLEPut(buf, 0)
	buf[4], buf[5] = 0xFF, 0xFF // declares a chunk_len that can't match 4 remaining bytes

	_, err := DeserializeData(buf)
	require.ErrorIs(t, err, ErrProtocolError)
}

func TestAckRoundTrip(t *testing.T) {
	f := func(status uint8, next uint32) bool {
		a := Ack{Status: Status(status), NextOffset: next}
		buf := make([]byte, 5)
		n, err := a.Serialize(buf)
		if err != nil {
			return false
		}
		got, err := DeserializeAck(buf[:n])
		return err == nil && got == a
	}
	require.NoError(t, quick.Check(f, nil))
}

func TestAbortRoundTrip(t *testing.T) {
	a := Abort{Reason: StatusTimeout}
	buf := make([]byte, 1)
	n, err := a.Serialize(buf)
	require.NoError(t, err)
	got, err := DeserializeAbort(buf[:n])
	require.NoError(t, err)
	require.Equal(t, a, got)
}

func TestShortPayloadsRejected(t *testing.T) {
	_, err := DeserializeBegin(nil)
	require.ErrorIs(t, err, ErrInvalidArg)

	_, err = DeserializeData([]byte{1, 2, 3})
	require.ErrorIs(t, err, ErrInvalidArg)

	_, err = DeserializeAck([]byte{1})
	require.ErrorIs(t, err, ErrInvalidArg)

	_, err = DeserializeAbort(nil)
	require.ErrorIs(t, err, ErrInvalidArg)
}
