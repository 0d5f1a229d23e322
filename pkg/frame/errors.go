package frame

import "fmt"

// TransportError is the closed set of internal failures the frame
// codec and transport layer can report (§7's "parallel TransportError
// set", distinct from the OTA protocol's own ota.Status). It lives
// here, not in pkg/transport, because the frame decoder is the first
// component that needs to surface kCrcMismatch/kProtocolError. The
// backends in pkg/transport report their own failures as wrapped
// fmt errors rather than values of this set.
type TransportError uint8

const (
	ErrCodeTimeout TransportError = iota
	ErrCodeDisconnected
	ErrCodeInvalidArg
	ErrCodeBufferFull
	ErrCodeBufferEmpty
	ErrCodeCrcMismatch
	ErrCodeProtocolError
	ErrCodeNotInitialized
	ErrCodeAlreadyInit
	ErrCodeIoError
	ErrCodeNoMemory
)

func (e TransportError) Error() string {
	switch e {
	case ErrCodeTimeout:
		return "frame: timeout"
	case ErrCodeDisconnected:
		return "frame: disconnected"
	case ErrCodeInvalidArg:
		return "frame: invalid argument"
	case ErrCodeBufferFull:
		return "frame: buffer full"
	case ErrCodeBufferEmpty:
		return "frame: buffer empty"
	case ErrCodeCrcMismatch:
		return "frame: crc mismatch"
	case ErrCodeProtocolError:
		return "frame: protocol error"
	case ErrCodeNotInitialized:
		return "frame: not initialized"
	case ErrCodeAlreadyInit:
		return "frame: already initialized"
	case ErrCodeIoError:
		return "frame: io error"
	case ErrCodeNoMemory:
		return "frame: no memory"
	default:
		return fmt.Sprintf("frame: error(%d)", uint8(e))
	}
}

// Exported sentinels for errors.Is.
var (
	ErrTimeout        error = ErrCodeTimeout
	ErrDisconnected   error = ErrCodeDisconnected
	ErrInvalidArg     error = ErrCodeInvalidArg
	ErrBufferFull     error = ErrCodeBufferFull
	ErrBufferEmpty    error = ErrCodeBufferEmpty
	ErrCrcMismatch    error = ErrCodeCrcMismatch
	ErrProtocolError  error = ErrCodeProtocolError
	ErrNotInitialized error = ErrCodeNotInitialized
	ErrAlreadyInit    error = ErrCodeAlreadyInit
	ErrIoError        error = ErrCodeIoError
	ErrNoMemory       error = ErrCodeNoMemory
)
