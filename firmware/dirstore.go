package firmware

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/fxamacker/cbor/v2"
)

// BootState is the persisted boot pointer.
type BootState struct {
	Active Bank `cbor:"active"`
	// PendingVerify is set when Active was selected by an update and the
	// new firmware has not yet confirmed itself with MarkValid.
	PendingVerify bool `cbor:"pending_verify"`
	// Previous is the bank to fall back to while PendingVerify is set.
	Previous  Bank            `cbor:"previous,omitempty"`
	Versions  map[Bank]string `cbor:"versions,omitempty"`
	Finalized map[Bank]bool   `cbor:"finalized,omitempty"`
}

const bootStateFile = "boot.cbor"

var (
	stateEncMode cbor.EncMode
	stateDecMode cbor.DecMode
)

func init() {
	var err error
	stateEncMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("firmware: CBOR encoder initialization failed: " + err.Error())
	}
	stateDecMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("firmware: CBOR decoder initialization failed: " + err.Error())
	}
}

// DirStore keeps two bank files, bank_a.bin and bank_b.bin, and the boot
// state in one directory. A bootloader (or the agent's launcher) reads
// boot.cbor to pick the bank to run.
type DirStore struct {
	dir string

	mu      sync.Mutex
	state   BootState
	running Bank
	session *dirSession
}

// OpenDirStore opens or initializes a store in dir. The bank recorded as
// active is taken as the running one; a fresh store runs bank A.
func OpenDirStore(dir string) (*DirStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, &StorageError{Op: "open", Err: err}
	}
	s := &DirStore{dir: dir}

	raw, err := os.ReadFile(filepath.Join(dir, bootStateFile))
	switch {
	case errors.Is(err, fs.ErrNotExist):
		s.state = BootState{Active: BankA}
	case err != nil:
		return nil, &StorageError{Op: "read boot state", Err: err}
	default:
		if err := stateDecMode.Unmarshal(raw, &s.state); err != nil {
			return nil, &StorageError{Op: "decode boot state", Err: err}
		}
		if !s.state.Active.Valid() {
			return nil, &StorageError{Op: "decode boot state", Err: fmt.Errorf("unknown active bank %q", s.state.Active)}
		}
	}
	s.running = s.state.Active
	return s, nil
}

// BankPath returns the file backing bank.
func (s *DirStore) BankPath(bank Bank) string {
	return filepath.Join(s.dir, bank.Label()+".bin")
}

// State returns a copy of the boot state.
func (s *DirStore) State() BootState {
	s.mu.Lock()
	defer s.mu.Unlock()
	state := s.state
	state.Versions = copyMap(s.state.Versions)
	state.Finalized = copyMap(s.state.Finalized)
	return state
}

func copyMap[V any](m map[Bank]V) map[Bank]V {
	if m == nil {
		return nil
	}
	out := make(map[Bank]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (s *DirStore) Running() Bank {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *DirStore) Inactive() (Bank, error) {
	return s.Running().Other(), nil
}

func (s *DirStore) BeginWrite(bank Bank) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.session != nil {
		return nil, ErrSessionOpen
	}
	if !bank.Valid() {
		return nil, &StorageError{Op: "begin", Bank: bank, Err: fmt.Errorf("unknown bank")}
	}
	if bank == s.running {
		return nil, &StorageError{Op: "begin", Bank: bank, Err: fmt.Errorf("bank is running")}
	}

	// The bank is unreferenced before it is truncated and until it is
	// finalized again. An update still waiting for its reboot is replaced:
	// the boot pointer returns to the running bank first.
	if s.state.Finalized[bank] || s.state.Active == bank {
		next := s.stateCopyLocked()
		delete(next.Finalized, bank)
		delete(next.Versions, bank)
		if next.Active == bank {
			next.Active = s.running
			next.PendingVerify = false
			next.Previous = ""
		}
		if err := s.writeStateLocked(next); err != nil {
			return nil, err
		}
	}

	file, err := os.OpenFile(s.BankPath(bank), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, &StorageError{Op: "begin", Bank: bank, Err: err}
	}

	s.session = &dirSession{store: s, bank: bank, file: file}
	return s.session, nil
}

func (s *DirStore) SetBootTarget(bank Bank, version string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.session != nil && s.session.bank == bank {
		return &StorageError{Op: "set boot target", Bank: bank, Err: ErrSessionOpen}
	}
	if !s.state.Finalized[bank] {
		return &StorageError{Op: "set boot target", Bank: bank, Err: ErrNotFinalized}
	}

	next := s.stateCopyLocked()
	if bank != next.Active {
		next.Previous = next.Active
	}
	next.Active = bank
	next.PendingVerify = true
	if next.Versions == nil {
		next.Versions = make(map[Bank]string)
	}
	next.Versions[bank] = version
	return s.writeStateLocked(next)
}

func (s *DirStore) MarkValid() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// An image selected but not yet booted cannot confirm itself.
	if !s.state.PendingVerify || s.state.Active != s.running {
		return nil
	}
	next := s.stateCopyLocked()
	next.PendingVerify = false
	next.Previous = ""
	return s.writeStateLocked(next)
}

func (s *DirStore) stateCopyLocked() BootState {
	state := s.state
	state.Versions = copyMap(s.state.Versions)
	state.Finalized = copyMap(s.state.Finalized)
	return state
}

// writeStateLocked persists next and adopts it only on success.
func (s *DirStore) writeStateLocked(next BootState) error {
	raw, err := stateEncMode.Marshal(next)
	if err != nil {
		return &StorageError{Op: "encode boot state", Err: err}
	}

	tmp, err := os.CreateTemp(s.dir, bootStateFile+".*.tmp")
	if err != nil {
		return &StorageError{Op: "write boot state", Err: err}
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(raw); err == nil {
		err = tmp.Sync()
	}
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err == nil {
		err = os.Rename(tmpPath, filepath.Join(s.dir, bootStateFile))
	}
	if err != nil {
		os.Remove(tmpPath)
		return &StorageError{Op: "write boot state", Err: err}
	}

	s.state = next
	return nil
}

type dirSession struct {
	store   *DirStore
	bank    Bank
	file    *os.File
	written int64
	closed  bool
}

func (d *dirSession) Bank() Bank { return d.bank }

func (d *dirSession) Write(p []byte) (int, error) {
	if d.closed {
		return 0, ErrSessionClosed
	}
	n, err := d.file.Write(p)
	d.written += int64(n)
	if err != nil {
		return n, &StorageError{Op: "write", Bank: d.bank, Err: err}
	}
	return n, nil
}

func (d *dirSession) Finalize() error {
	if d.closed {
		return ErrSessionClosed
	}
	d.closed = true

	s := d.store
	s.mu.Lock()
	defer s.mu.Unlock()
	defer func() { s.session = nil }()

	if err := d.file.Sync(); err != nil {
		d.file.Close()
		return &StorageError{Op: "finalize", Bank: d.bank, Err: err}
	}
	if err := d.file.Close(); err != nil {
		return &StorageError{Op: "finalize", Bank: d.bank, Err: err}
	}

	file, err := os.Open(s.BankPath(d.bank))
	if err != nil {
		return &StorageError{Op: "finalize", Bank: d.bank, Err: err}
	}
	defer file.Close()

	probe := make([]byte, ImageProbeSize)
	if _, err := io.ReadFull(file, probe); err != nil {
		return &StorageError{Op: "finalize", Bank: d.bank, Err: fmt.Errorf("image shorter than header: %w", err)}
	}
	if _, err := ParseImageHeader(probe); err != nil {
		return &StorageError{Op: "finalize", Bank: d.bank, Err: err}
	}
	if stat, err := file.Stat(); err != nil {
		return &StorageError{Op: "finalize", Bank: d.bank, Err: err}
	} else if stat.Size() != d.written {
		return &StorageError{Op: "finalize", Bank: d.bank, Err: fmt.Errorf("bank holds %d bytes, wrote %d", stat.Size(), d.written)}
	}

	next := s.stateCopyLocked()
	if next.Finalized == nil {
		next.Finalized = make(map[Bank]bool)
	}
	next.Finalized[d.bank] = true
	return s.writeStateLocked(next)
}

func (d *dirSession) Abort() error {
	if d.closed {
		return nil
	}
	d.closed = true

	s := d.store
	s.mu.Lock()
	defer s.mu.Unlock()
	s.session = nil

	d.file.Close()
	if err := os.Truncate(s.BankPath(d.bank), 0); err != nil {
		return &StorageError{Op: "abort", Bank: d.bank, Err: err}
	}
	return nil
}
