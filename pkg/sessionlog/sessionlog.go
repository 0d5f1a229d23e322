// Package sessionlog keeps a small local append-only history of OTA
// session outcomes, CBOR-encoded one record per session. This is not
// part of the wire protocol — §3/§4.3 mandate a fixed binary layout
// for that — it is local bookkeeping for the CLIs (e.g. "what version
// did we last push, and did it confirm"), grounded on the teacher's
// own use of github.com/fxamacker/cbor/v2 in pkg/service/helpers.go,
// repurposed here from wire framing to structured record storage.
package sessionlog

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// Outcome is the terminal result of one OTA session, as observed by
// whichever side (sender or gatewayd) is keeping the log.
type Outcome string

const (
	// OutcomePendingVerification marks a session that delivered and
	// committed an image but has not yet been confirmed or rolled back
	// — a session record in this state is not yet terminal.
	OutcomePendingVerification Outcome = "pending_verification"
	OutcomeConfirmed           Outcome = "confirmed"
	OutcomeRolledBack          Outcome = "rolled_back"
	OutcomeFailed              Outcome = "failed"
	OutcomeAborted             Outcome = "aborted"
)

// Record is one session-log entry.
type Record struct {
	StartedAtMs  int64   `cbor:"started_at_ms"`
	FinishedAtMs int64   `cbor:"finished_at_ms"`
	Version      string  `cbor:"version"`
	TotalBytes   uint32  `cbor:"total_bytes"`
	Outcome      Outcome `cbor:"outcome"`
	Detail       string  `cbor:"detail,omitempty"`
}

// Log is an append-only, length-prefixed sequence of CBOR-encoded
// Records backed by a single file. Each write is followed by an fsync
// so a crash immediately after Append never loses a fully-written
// record (mirrors pkg/flashbackend's write-then-sync discipline).
type Log struct {
	mu   sync.Mutex
	path string
}

// Open returns a Log appending to (and able to read back) the file at
// path, creating it if it does not exist.
func Open(path string) (*Log, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("sessionlog: open %s: %w", path, err)
	}
	f.Close()
	return &Log{path: path}, nil
}

// Append writes one record to the end of the log.
func (l *Log) Append(rec Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	data, err := cbor.Marshal(rec)
	if err != nil {
		return fmt.Errorf("sessionlog: marshal record: %w", err)
	}

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("sessionlog: open for append: %w", err)
	}
	defer f.Close()

	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(data)))
	if _, err := f.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("sessionlog: write record length: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("sessionlog: write record: %w", err)
	}
	return f.Sync()
}

// All reads every record currently in the log, oldest first.
func (l *Log) All() ([]Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.path)
	if err != nil {
		return nil, fmt.Errorf("sessionlog: open for read: %w", err)
	}
	defer f.Close()

	var records []Record
	var lenBuf [4]byte
	for {
		if _, err := io.ReadFull(f, lenBuf[:]); err != nil {
			if err == io.EOF {
				break
			}
			return nil, fmt.Errorf("sessionlog: read record length: %w", err)
		}
		n := binary.LittleEndian.Uint32(lenBuf[:])
		buf := make([]byte, n)
		if _, err := io.ReadFull(f, buf); err != nil {
			return nil, fmt.Errorf("sessionlog: read truncated record: %w", err)
		}
		var rec Record
		if err := cbor.Unmarshal(buf, &rec); err != nil {
			return nil, fmt.Errorf("sessionlog: unmarshal record: %w", err)
		}
		records = append(records, rec)
	}
	return records, nil
}

// Last returns the most recently appended record, or ok=false if the
// log is empty.
func (l *Log) Last() (rec Record, ok bool, err error) {
	all, err := l.All()
	if err != nil {
		return Record{}, false, err
	}
	if len(all) == 0 {
		return Record{}, false, nil
	}
	return all[len(all)-1], true, nil
}

// NowMs is a small convenience matching the millisecond timestamps
// pkg/receiver and pkg/sender already use.
func NowMs() int64 { return time.Now().UnixMilli() }
