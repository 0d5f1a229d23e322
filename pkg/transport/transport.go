// Package transport implements the ITransport contract (§6) and two
// concrete, host-runnable backends: a real serial port and an
// in-memory loopback used by tests and --simulate runs. The frame
// codec and OTA components never import a specific backend — they
// only depend on the Transport interface.
package transport

import "time"

// Transport is the bidirectional byte channel contract from §6. A
// transport carries at most one OTA session at a time (§1 non-goals);
// nothing here multiplexes sessions.
type Transport interface {
	// Init prepares the transport for use (opening a port, allocating
	// buffers). Calling Init twice without an intervening Disconnect
	// is an error.
	Init() error

	// Disconnect releases the transport. It is safe to call
	// Disconnect on an already-disconnected transport.
	Disconnect() error

	// IsConnected reports whether the transport is currently usable.
	IsConnected() bool

	// Send blocks until data is buffered for transmission. Over BLE
	// (not implemented here — see §6) this must be atomic at frame
	// boundaries; our serial and loopback backends are naturally
	// atomic since they hand the whole slice to a single Write.
	Send(data []byte) error

	// Receive reads up to len(buf) bytes, blocking for at most
	// timeout before returning whatever has arrived so far (possibly
	// zero bytes, which is not an error).
	Receive(buf []byte, timeout time.Duration) (int, error)

	// Flush waits for any buffered output to actually leave the
	// transport.
	Flush() error
}
