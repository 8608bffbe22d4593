package node

import (
	"fmt"
	"time"

	"gridkv/internal/config"
	"gridkv/internal/quorum"
	"gridkv/internal/storage"
)

// gate is the part of quorum.Service a Map needs.
type gate interface {
	CheckOp(name string, op quorum.OpKind) error
}

// Map is a named key/value map. When it is bound to a quorum every
// operation is checked against that quorum before touching storage, so a
// rejected operation has no effect.
type Map struct {
	name       string
	quorumName string
	ttl        time.Duration
	gate       gate
	store      *storage.Store
}

func newMap(cfg config.MapConfig, g gate, store *storage.Store) *Map {
	return &Map{
		name:       cfg.Name,
		quorumName: cfg.QuorumName,
		ttl:        cfg.TTL,
		gate:       g,
		store:      store,
	}
}

// Name returns the map name.
func (m *Map) Name() string {
	return m.name
}

// QuorumName returns the name of the guarding quorum, or "" if none.
func (m *Map) QuorumName() string {
	return m.quorumName
}

func (m *Map) check(op quorum.OpKind) error {
	if err := m.gate.CheckOp(m.quorumName, op); err != nil {
		return fmt.Errorf("map %s: %w", m.name, err)
	}
	return nil
}

// Put stores value under key with the map's default TTL and returns the
// previous value, if any.
func (m *Map) Put(key string, value []byte) ([]byte, error) {
	return m.PutTTL(key, value, m.ttl)
}

// PutTTL is Put with an explicit TTL. A ttl of zero or less never expires.
func (m *Map) PutTTL(key string, value []byte, ttl time.Duration) ([]byte, error) {
	if err := m.check(quorum.OpWrite); err != nil {
		return nil, err
	}
	return valueOf(m.store.Put(key, value, ttl)), nil
}

// Get returns the value stored under key.
func (m *Map) Get(key string) ([]byte, bool, error) {
	if err := m.check(quorum.OpRead); err != nil {
		return nil, false, err
	}
	rec := m.store.Get(key)
	if rec == nil {
		return nil, false, nil
	}
	return rec.Value, true, nil
}

// Delete removes key and returns the removed value, if any.
func (m *Map) Delete(key string) ([]byte, error) {
	if err := m.check(quorum.OpWrite); err != nil {
		return nil, err
	}
	return valueOf(m.store.Delete(key)), nil
}

// ContainsKey reports whether key holds a live value.
func (m *Map) ContainsKey(key string) (bool, error) {
	if err := m.check(quorum.OpRead); err != nil {
		return false, err
	}
	return m.store.Get(key) != nil, nil
}

// Size returns the number of live entries.
func (m *Map) Size() (int, error) {
	if err := m.check(quorum.OpRead); err != nil {
		return 0, err
	}
	return m.store.Len(), nil
}

// Keys returns the live keys in sorted order.
func (m *Map) Keys() ([]string, error) {
	if err := m.check(quorum.OpRead); err != nil {
		return nil, err
	}
	return m.store.Keys(), nil
}

// Version returns the map's write counter. Every accepted put, delete of an
// existing key or non-empty clear advances it.
func (m *Map) Version() uint64 {
	return m.store.Version()
}

// Clear removes every entry.
func (m *Map) Clear() error {
	if err := m.check(quorum.OpWrite); err != nil {
		return err
	}
	m.store.Clear()
	return nil
}

func valueOf(rec *storage.Record) []byte {
	if rec == nil {
		return nil
	}
	return rec.Value
}
