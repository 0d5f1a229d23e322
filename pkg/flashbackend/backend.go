// Package flashbackend implements the IOtaBackend contract (§6) over
// ordinary files, standing in for the physical flash partition
// manipulation that real firmware delegates to a bootloader. It is
// the Go-native test double and host-runnable backend named in
// §4.7/§9 ("mock classes for testing drivers" -> substitutable
// IOtaBackend implementations).
package flashbackend

import "errors"

// ErrNotOpen is returned when Write/Finalize/Abort is called with a
// Handle that does not correspond to an open staging write.
var ErrNotOpen = errors.New("flashbackend: handle not open")

// Handle identifies one in-progress staging write. Its zero value is
// never valid; callers must not construct a Handle themselves.
type Handle struct {
	id   uint64
	slot string
}

// Backend is the Go expression of §6's IOtaBackend contract.
type Backend interface {
	// Begin allocates staging space for an image of expectedSize
	// bytes and returns a Handle for subsequent Write/Finalize/Abort
	// calls.
	Begin(expectedSize uint32) (Handle, error)

	// Write appends bytes to the staging area identified by handle.
	Write(handle Handle, data []byte) error

	// Finalize marks the staging write bootable-once: on return, the
	// partition is either fully committed and pending a confirm, or
	// (on error) unchanged.
	Finalize(handle Handle) error

	// Abort discards the staging write identified by handle.
	Abort(handle Handle) error

	// Confirm marks the pending-verification partition permanently
	// bootable, clearing the bootable-once flag.
	Confirm() error

	// Rollback reverts the bootable-once pointer to the previously
	// active partition.
	Rollback() error

	// IsPendingVerification reports whether a partition is currently
	// bootable-once, awaiting Confirm or Rollback.
	IsPendingVerification() bool

	// CurrentPartitionLabel names the partition the backend considers
	// currently active (or, while pending verification, the
	// tentative one).
	CurrentPartitionLabel() string
}
