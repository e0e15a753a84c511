package region

import (
	"bytes"
	"fmt"
	"sync"
)

// Faults injects storage failures into a MemStore.
type Faults struct {
	// Read fails every Read with this error when set.
	Read error
	// Write fails every session Write with this error when set.
	Write error
	// Close fails committing closes with this error when set.
	Close error
	// SetBoot fails SetBootRegion with this error when set.
	SetBoot error
}

// MemStore is an in-memory Port. It backs tests and dry runs.
type MemStore struct {
	mu      sync.Mutex
	regions map[ID][]byte
	busy    map[ID]bool

	Faults Faults

	// Commits and Discards count closed write sessions per region.
	Commits  map[ID]int
	Discards map[ID]int

	// Boot is the region last passed to SetBootRegion, or -1.
	Boot ID
	// Restarts counts RestartDevice calls.
	Restarts int

	// OnRestart is called by RestartDevice when set.
	OnRestart func()
}

var _ Port = (*MemStore)(nil)

// NewMemStore creates staging and execution regions of size bytes each, in
// the erased state.
func NewMemStore(size int64) *MemStore {
	m := &MemStore{
		regions:  make(map[ID][]byte),
		busy:     make(map[ID]bool),
		Commits:  make(map[ID]int),
		Discards: make(map[ID]int),
		Boot:     -1,
	}
	for _, id := range []ID{Staging, Execution} {
		m.regions[id] = bytes.Repeat([]byte{ErasedByte}, int(size))
	}
	return m
}

// Load copies b into the start of a region, bypassing write sessions.
func (m *MemStore) Load(id ID, b []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.regions[id]
	if !ok {
		return newError(KindNotFound, id, nil)
	}
	if err := checkRange(id, int64(len(r)), 0, int64(len(b))); err != nil {
		return newError(KindWrite, id, err)
	}
	copy(r, b)
	return nil
}

// Bytes returns a copy of the first n bytes of a region.
func (m *MemStore) Bytes(id ID, n int) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte(nil), m.regions[id][:n]...)
}

// Busy reports whether a write session is open on the region.
func (m *MemStore) Busy(id ID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.busy[id]
}

func (m *MemStore) Size(id ID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.regions[id]
	if !ok {
		return 0, newError(KindNotFound, id, nil)
	}
	return int64(len(r)), nil
}

func (m *MemStore) Read(id ID, off int64, p []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.regions[id]
	if !ok {
		return newError(KindNotFound, id, nil)
	}
	if m.Faults.Read != nil {
		return newError(KindRead, id, m.Faults.Read)
	}
	if err := checkRange(id, int64(len(r)), off, int64(len(p))); err != nil {
		return newError(KindRead, id, err)
	}
	copy(p, r[off:])
	return nil
}

func (m *MemStore) Erase(id ID, off, length int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.regions[id]
	if !ok {
		return newError(KindNotFound, id, nil)
	}
	if m.busy[id] {
		return newError(KindNotReady, id, fmt.Errorf("write session open"))
	}
	if err := checkRange(id, int64(len(r)), off, length); err != nil {
		return newError(KindErase, id, err)
	}
	for i := off; i < off+length; i++ {
		r[i] = ErasedByte
	}
	return nil
}

func (m *MemStore) OpenWriteSession(id ID) (WriteSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.regions[id]
	if !ok {
		return nil, newError(KindNotFound, id, nil)
	}
	if m.busy[id] {
		return nil, newError(KindNotReady, id, fmt.Errorf("write session already open"))
	}
	m.busy[id] = true
	return &memSession{store: m, id: id, limit: int64(len(r))}, nil
}

func (m *MemStore) SetBootRegion(id ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.regions[id]; !ok {
		return newError(KindNotFound, id, nil)
	}
	if m.Faults.SetBoot != nil {
		return newError(KindSetBoot, id, m.Faults.SetBoot)
	}
	m.Boot = id
	return nil
}

func (m *MemStore) RestartDevice() {
	m.mu.Lock()
	m.Restarts++
	hook := m.OnRestart
	m.mu.Unlock()

	if hook != nil {
		hook()
	}
}

type memSession struct {
	store   *MemStore
	id      ID
	limit   int64
	pending []byte
	closed  bool
}

func (s *memSession) Region() ID { return s.id }

func (s *memSession) Written() int64 { return int64(len(s.pending)) }

func (s *memSession) Write(p []byte) (int, error) {
	if s.closed {
		return 0, newError(KindWrite, s.id, fmt.Errorf("session closed"))
	}
	s.store.mu.Lock()
	fault := s.store.Faults.Write
	s.store.mu.Unlock()
	if fault != nil {
		return 0, newError(KindWrite, s.id, fault)
	}
	if int64(len(s.pending)+len(p)) > s.limit {
		return 0, newError(KindWrite, s.id, fmt.Errorf("image exceeds region size %d", s.limit))
	}
	s.pending = append(s.pending, p...)
	return len(p), nil
}

func (s *memSession) Close(commit bool) error {
	if s.closed {
		return newError(KindClose, s.id, fmt.Errorf("session already closed"))
	}
	s.closed = true

	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	s.store.busy[s.id] = false

	if !commit {
		s.store.Discards[s.id]++
		return nil
	}
	if s.store.Faults.Close != nil {
		s.store.Discards[s.id]++
		return newError(KindClose, s.id, s.store.Faults.Close)
	}
	copy(s.store.regions[s.id], s.pending)
	s.store.Commits[s.id]++
	return nil
}
