// Package settings provides the durable, namespaced key/value store that
// holds server-assigned configuration (mqtt, websocket, status flags, ...).
//
// Values are either strings or integers. Stores are safe for concurrent use
// from multiple goroutines.
package settings

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrReadOnly is returned by setters on a namespace opened read-only.
var ErrReadOnly = errors.New("settings namespace is read-only")

// Store opens namespaces.
type Store interface {
	// Open returns a view of one namespace. Writes through a read-only view
	// fail with ErrReadOnly.
	Open(namespace string, readWrite bool) Namespace
}

// Namespace is a scoped view of a Store.
type Namespace interface {
	GetString(key, fallback string) string
	GetInt(key string, fallback int) int
	SetString(key, value string) error
	SetInt(key string, value int) error
	Erase(key string) error
	Has(key string) bool
	Keys() []string
}

// UpdateString writes value only when it differs from the stored one, to
// avoid needless flash writes. Reports whether a write happened.
func UpdateString(ns Namespace, key, value string) (bool, error) {
	if ns.Has(key) && ns.GetString(key, value+"\x00") == value {
		return false, nil
	}
	if err := ns.SetString(key, value); err != nil {
		return false, err
	}
	return true, nil
}

// UpdateInt is UpdateString for integers.
func UpdateInt(ns Namespace, key string, value int) (bool, error) {
	if ns.Has(key) && ns.GetInt(key, value+1) == value {
		return false, nil
	}
	if err := ns.SetInt(key, value); err != nil {
		return false, err
	}
	return true, nil
}

type kind uint8

const (
	kindString kind = 1
	kindInt    kind = 2
)

// entry is one stored value.
type entry struct {
	Kind   kind   `cbor:"k"`
	String string `cbor:"s,omitempty"`
	Int    int64  `cbor:"i,omitempty"`
}

// table is namespace -> key -> entry.
type table map[string]map[string]entry

// store is the shared implementation behind Memory and FileStore. persist,
// when set, is called with the lock held after every mutation.
type store struct {
	mu      sync.Mutex
	data    table
	persist func(table) error
}

func (s *store) Open(name string, readWrite bool) Namespace {
	return &namespace{store: s, name: name, writable: readWrite}
}

func (s *store) get(ns, key string) (entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.data[ns][key]
	return e, ok
}

func (s *store) set(ns, key string, e entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	previous, existed := s.data[ns][key]
	if s.data[ns] == nil {
		s.data[ns] = make(map[string]entry)
	}
	s.data[ns][key] = e
	if s.persist == nil {
		return nil
	}
	if err := s.persist(s.data); err != nil {
		if existed {
			s.data[ns][key] = previous
		} else {
			delete(s.data[ns], key)
		}
		return fmt.Errorf("persisting %s/%s: %w", ns, key, err)
	}
	return nil
}

func (s *store) erase(ns, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	previous, existed := s.data[ns][key]
	if !existed {
		return nil
	}
	delete(s.data[ns], key)
	if s.persist == nil {
		return nil
	}
	if err := s.persist(s.data); err != nil {
		s.data[ns][key] = previous
		return fmt.Errorf("persisting erase of %s/%s: %w", ns, key, err)
	}
	return nil
}

func (s *store) keys(ns string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.data[ns]))
	for k := range s.data[ns] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

type namespace struct {
	store    *store
	name     string
	writable bool
}

func (n *namespace) GetString(key, fallback string) string {
	if e, ok := n.store.get(n.name, key); ok && e.Kind == kindString {
		return e.String
	}
	return fallback
}

func (n *namespace) GetInt(key string, fallback int) int {
	if e, ok := n.store.get(n.name, key); ok && e.Kind == kindInt {
		return int(e.Int)
	}
	return fallback
}

func (n *namespace) SetString(key, value string) error {
	if !n.writable {
		return fmt.Errorf("%s/%s: %w", n.name, key, ErrReadOnly)
	}
	return n.store.set(n.name, key, entry{Kind: kindString, String: value})
}

func (n *namespace) SetInt(key string, value int) error {
	if !n.writable {
		return fmt.Errorf("%s/%s: %w", n.name, key, ErrReadOnly)
	}
	return n.store.set(n.name, key, entry{Kind: kindInt, Int: int64(value)})
}

func (n *namespace) Erase(key string) error {
	if !n.writable {
		return fmt.Errorf("%s/%s: %w", n.name, key, ErrReadOnly)
	}
	return n.store.erase(n.name, key)
}

func (n *namespace) Has(key string) bool {
	_, ok := n.store.get(n.name, key)
	return ok
}

func (n *namespace) Keys() []string { return n.store.keys(n.name) }

// NewMemory returns a Store that lives only in memory.
func NewMemory() Store {
	return &store{data: make(table)}
}
