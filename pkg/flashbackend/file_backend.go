package flashbackend

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// metadata is the small persisted record a real bootloader would keep
// in an OTA-metadata region (§6): which slot is confirmed-active,
// which slot (if any) is bootable-once, and the watchdog boot count.
type metadata struct {
	ActiveSlot  string `json:"active_slot"`
	PendingSlot string `json:"pending_slot,omitempty"`
	BootCount   int    `json:"boot_count"`
}

// FileBackend implements Backend over two on-disk slot files plus a
// metadata file, in the directory layout SPEC_FULL.md §4.7 describes.
// Finalize uses write-temp-then-rename so a crash mid-write never
// leaves a slot file partially overwritten — the filesystem-level
// equivalent of an atomic flash partition swap.
type FileBackend struct {
	dir string

	mu       sync.Mutex
	meta     metadata
	openFile *os.File
	openTmp  string
	nextID   uint64
	openID   uint64
	open     bool
}

// NewFileBackend opens (creating if necessary) a flash backend rooted
// at dir.
func NewFileBackend(dir string) (*FileBackend, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("flashbackend: create %s: %w", dir, err)
	}
	fb := &FileBackend{dir: dir, meta: metadata{ActiveSlot: "a"}}
	if err := fb.loadMeta(); err != nil {
		return nil, err
	}
	return fb, nil
}

func (f *FileBackend) metaPath() string { return filepath.Join(f.dir, "meta.json") }
func (f *FileBackend) slotPath(slot string) string {
	return filepath.Join(f.dir, fmt.Sprintf("slot-%s.bin", slot))
}

func (f *FileBackend) loadMeta() error {
	data, err := os.ReadFile(f.metaPath())
	if os.IsNotExist(err) {
		return f.saveMetaLocked()
	}
	if err != nil {
		return fmt.Errorf("flashbackend: read metadata: %w", err)
	}
	var m metadata
	if err := json.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("flashbackend: parse metadata: %w", err)
	}
	f.meta = m
	return nil
}

// saveMetaLocked must be called with f.mu held. It writes metadata
// atomically via write-temp-then-rename.
func (f *FileBackend) saveMetaLocked() error {
	data, err := json.Marshal(f.meta)
	if err != nil {
		return fmt.Errorf("flashbackend: marshal metadata: %w", err)
	}
	tmp := f.metaPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("flashbackend: write metadata: %w", err)
	}
	if err := os.Rename(tmp, f.metaPath()); err != nil {
		return fmt.Errorf("flashbackend: commit metadata: %w", err)
	}
	return nil
}

func (f *FileBackend) inactiveSlot() string {
	if f.meta.ActiveSlot == "a" {
		return "b"
	}
	return "a"
}

func (f *FileBackend) Begin(expectedSize uint32) (Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.open {
		// A restart-on-BEGIN (§4.4, kReceiving accepts BEGIN) discards
		// whatever staging write was in flight.
		f.openFile.Close()
		os.Remove(f.openTmp)
		f.open = false
	}

	slot := f.inactiveSlot()
	tmp := f.slotPath(slot) + ".staging"
	file, err := os.Create(tmp)
	if err != nil {
		return Handle{}, fmt.Errorf("flashbackend: create staging file: %w", err)
	}

	f.nextID++
	f.openFile = file
	f.openTmp = tmp
	f.openID = f.nextID
	f.open = true

	return Handle{id: f.nextID, slot: slot}, nil
}

func (f *FileBackend) checkHandle(h Handle) error {
	if !f.open || h.id != f.openID {
		return ErrNotOpen
	}
	return nil
}

func (f *FileBackend) Write(h Handle, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkHandle(h); err != nil {
		return err
	}
	if _, err := f.openFile.Write(data); err != nil {
		return fmt.Errorf("flashbackend: write staging data: %w", err)
	}
	return nil
}

func (f *FileBackend) Finalize(h Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkHandle(h); err != nil {
		return err
	}

	if err := f.openFile.Sync(); err != nil {
		f.openFile.Close()
		return fmt.Errorf("flashbackend: sync staging file: %w", err)
	}
	if err := f.openFile.Close(); err != nil {
		return fmt.Errorf("flashbackend: close staging file: %w", err)
	}

	target := f.slotPath(h.slot)
	if err := os.Rename(f.openTmp, target); err != nil {
		return fmt.Errorf("flashbackend: commit staging file: %w", err)
	}

	// The tmp path is gone the instant the rename lands, so the handle
	// can never be retried from here regardless of what happens below.
	f.open = false
	f.openFile = nil
	f.openTmp = ""

	prevMeta := f.meta
	f.meta.PendingSlot = h.slot
	f.meta.BootCount = 0
	if err := f.saveMetaLocked(); err != nil {
		// The slot bytes already landed on disk, but nothing refers to
		// them as pending; restore the in-memory metadata so it still
		// matches what's actually persisted.
		f.meta = prevMeta
		return fmt.Errorf("flashbackend: commit metadata after slot write: %w", err)
	}

	return nil
}

func (f *FileBackend) Abort(h Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkHandle(h); err != nil {
		return err
	}
	f.openFile.Close()
	os.Remove(f.openTmp)
	f.open = false
	return nil
}

func (f *FileBackend) Confirm() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.meta.PendingSlot == "" {
		return fmt.Errorf("flashbackend: no pending partition to confirm")
	}
	f.meta.ActiveSlot = f.meta.PendingSlot
	f.meta.PendingSlot = ""
	f.meta.BootCount = 0
	return f.saveMetaLocked()
}

func (f *FileBackend) Rollback() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.meta.PendingSlot = ""
	f.meta.BootCount = 0
	return f.saveMetaLocked()
}

func (f *FileBackend) IsPendingVerification() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.meta.PendingSlot != ""
}

func (f *FileBackend) CurrentPartitionLabel() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.meta.PendingSlot != "" {
		return f.meta.PendingSlot
	}
	return f.meta.ActiveSlot
}

// RecordBootAttempt increments the persisted watchdog boot counter and
// returns the new value. domes-gatewayd calls this once at startup
// when IsPendingVerification is true; exceeding maxBootAttempts
// without a Confirm is the automatic-rollback trigger from §4.4's
// self-test description.
func (f *FileBackend) RecordBootAttempt() (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.meta.BootCount++
	if err := f.saveMetaLocked(); err != nil {
		return 0, err
	}
	return f.meta.BootCount, nil
}
