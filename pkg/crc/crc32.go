// Package crc provides the streaming CRC-32/IEEE-802.3 checksum used by
// the frame codec. It wraps the standard library's table rather than
// hand-rolling one, since hash/crc32 already ships the reflected
// 0xEDB88320 polynomial the wire format requires.
package crc

import "hash/crc32"

// IEEE is the polynomial table used throughout the frame codec.
var IEEE = crc32.IEEETable

// New returns the initial accumulator value. Callers feed bytes through
// Update as they arrive; the running value is always a valid CRC-32 of
// the bytes seen so far, ready for Update with more bytes or for use
// as-is once the message is complete.
func New() uint32 {
	return 0
}

// Update folds data into the running CRC accumulator acc, returning the
// new accumulator. It performs no allocation and may be called
// repeatedly as bytes arrive, so the frame decoder can checksum a
// message incrementally without buffering it twice.
func Update(acc uint32, data []byte) uint32 {
	return crc32.Update(acc, IEEE, data)
}

// Sum computes the one-shot CRC-32/IEEE-802.3 of data. Sum(data) ==
// Update(New(), data).
func Sum(data []byte) uint32 {
	return crc32.ChecksumIEEE(data)
}
