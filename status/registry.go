// Package status assembles the device status document sent with every
// heartbeat from independently registered sections.
package status

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Provider returns the current data of one section. The value must be
// JSON-serializable.
type Provider func() any

// Registry holds section providers and the last encoding of each section.
type Registry struct {
	mu        sync.Mutex
	providers map[string]Provider
	cache     map[string]*cachedSection
}

type cachedSection struct {
	raw      []byte
	checksum string
}

// Snapshot is one collected status document.
type Snapshot struct {
	Sections  map[string]json.RawMessage
	Checksums map[string]string
	// Changed lists, sorted, the sections whose content differs from the
	// previous Collect. A section seen for the first time counts as changed.
	Changed []string
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		providers: make(map[string]Provider),
		cache:     make(map[string]*cachedSection),
	}
}

// Register adds a section. Names are unique.
func (r *Registry) Register(name string, provider Provider) error {
	if name == "" {
		return fmt.Errorf("section name required")
	}
	if provider == nil {
		return fmt.Errorf("provider required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.providers[name] != nil {
		return fmt.Errorf("status section %s already registered", name)
	}
	r.providers[name] = provider
	return nil
}

// Names returns the registered section names in sorted order.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Collect calls every provider. A section whose data cannot be encoded is
// left out of the snapshot and reported in the returned error; the rest of
// the snapshot is still usable.
func (r *Registry) Collect() (Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap := Snapshot{
		Sections:  make(map[string]json.RawMessage, len(r.providers)),
		Checksums: make(map[string]string, len(r.providers)),
	}
	var errs []error
	for name, provider := range r.providers {
		raw, err := json.Marshal(provider())
		if err != nil {
			errs = append(errs, fmt.Errorf("status section %s: %w", name, err))
			continue
		}

		// Compare the encoding first; the digest is only recomputed on change.
		cached := r.cache[name]
		if cached == nil || !bytes.Equal(cached.raw, raw) {
			sum := sha256.Sum256(raw)
			cached = &cachedSection{raw: raw, checksum: hex.EncodeToString(sum[:])}
			r.cache[name] = cached
			snap.Changed = append(snap.Changed, name)
		}
		snap.Sections[name] = cached.raw
		snap.Checksums[name] = cached.checksum
	}
	sort.Strings(snap.Changed)
	return snap, errors.Join(errs...)
}

// Checksum digests the per-section checksums, so two snapshots with equal
// content have equal checksums.
func (s Snapshot) Checksum() string {
	names := make([]string, 0, len(s.Checksums))
	for name := range s.Checksums {
		names = append(names, name)
	}
	sort.Strings(names)

	h := sha256.New()
	for _, name := range names {
		h.Write([]byte(name))
		h.Write([]byte{0})
		h.Write([]byte(s.Checksums[name]))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// MarshalJSON encodes the sections as one object keyed by section name.
func (s Snapshot) MarshalJSON() ([]byte, error) {
	if s.Sections == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(s.Sections)
}
