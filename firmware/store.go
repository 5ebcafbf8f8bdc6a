// Package firmware installs firmware images into dual-bank storage without
// ever leaving the device unbootable.
//
// An Upgrader streams an image through a transport into the inactive bank
// of a Store. The boot target moves only after the whole declared image has
// been written and the store has validated it.
package firmware

import (
	"errors"
	"fmt"
)

// Bank identifies one firmware storage region.
type Bank string

const (
	BankA Bank = "a"
	BankB Bank = "b"
)

// Other returns the opposite bank.
func (b Bank) Other() Bank {
	if b == BankA {
		return BankB
	}
	return BankA
}

// Label is the bank's display name, as reported to the update server.
func (b Bank) Label() string { return "bank_" + string(b) }

// Valid reports whether b names a known bank.
func (b Bank) Valid() bool { return b == BankA || b == BankB }

// Store is dual-bank firmware storage with a boot-target pointer.
type Store interface {
	// Running returns the bank the device booted from.
	Running() Bank
	// Inactive returns the bank an update should be written to.
	Inactive() (Bank, error)
	// BeginWrite opens a write session on bank. It fails with
	// ErrSessionOpen while another session is open.
	BeginWrite(bank Bank) (Session, error)
	// SetBootTarget selects bank for the next boot. Only a finalized bank
	// may be selected.
	SetBootTarget(bank Bank, version string) error
	// MarkValid confirms the running firmware, cancelling rollback.
	MarkValid() error
}

// Session is an open write into one bank. Exactly one of Finalize or Abort
// ends it.
type Session interface {
	Bank() Bank
	Write(p []byte) (int, error)
	// Finalize validates what was written and closes the session.
	Finalize() error
	// Abort discards what was written and closes the session.
	Abort() error
}

var (
	// ErrSessionOpen is returned by BeginWrite while a session is open.
	ErrSessionOpen = errors.New("firmware write session already open")
	// ErrSessionClosed is returned by Session methods after Finalize or Abort.
	ErrSessionClosed = errors.New("firmware write session closed")
	// ErrUnknownLength rejects image downloads without a declared length.
	ErrUnknownLength = errors.New("firmware download has no content length")
	// ErrTruncated is returned when the stream ends before the declared
	// length.
	ErrTruncated = errors.New("firmware download truncated")
	// ErrUpgradeInProgress rejects a second concurrent Upgrade.
	ErrUpgradeInProgress = errors.New("firmware upgrade already in progress")
	// ErrNotFinalized rejects SetBootTarget on a bank without a finalized
	// image.
	ErrNotFinalized = errors.New("bank holds no finalized image")
)

// StorageError reports a failed storage operation.
type StorageError struct {
	Op   string
	Bank Bank
	Err  error
}

func (e *StorageError) Error() string {
	if e.Bank == "" {
		return fmt.Sprintf("firmware storage %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("firmware storage %s on %s: %v", e.Op, e.Bank.Label(), e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }
