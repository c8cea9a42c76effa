package bytestore

import (
	"os"
	"sort"

	"github.com/maidsafe-archive/MaidSafe-Vault-Manager-sub001/internal/chunkname"
)

type memEntry struct {
	content  []byte
	refCount uint64
}

// MemoryStore is the in-process map-backed byte store of §4.B: a map
// name → (ref_count, bytes) with capacity accounting and reference
// counting on Store/Delete.
type MemoryStore struct {
	entries  map[string]*memEntry
	size     uint64
	capacity uint64
}

// NewMemoryStore constructs an empty store. capacity == 0 means
// unbounded.
func NewMemoryStore(capacity uint64) *MemoryStore {
	return &MemoryStore{entries: make(map[string]*memEntry), capacity: capacity}
}

func key(name chunkname.Name) string { return string(name) }

func (m *MemoryStore) Get(name chunkname.Name) ([]byte, bool, error) {
	e, ok := m.entries[key(name)]
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(e.content))
	copy(out, e.content)
	return out, true, nil
}

func (m *MemoryStore) GetToFile(name chunkname.Name, sinkPath string) (bool, error) {
	content, ok, err := m.Get(name)
	if err != nil || !ok {
		return false, err
	}
	if err := os.WriteFile(sinkPath, content, 0o600); err != nil {
		return false, err
	}
	return true, nil
}

// Store stores content under name. A chunk that already exists has its
// reference count incremented rather than being re-written (§3 "Reference
// counting"). Zero-length content or content that would exceed capacity
// fails (returns false, nil).
func (m *MemoryStore) Store(name chunkname.Name, content []byte) (bool, error) {
	if len(content) == 0 {
		return false, nil
	}
	k := key(name)
	if e, ok := m.entries[k]; ok {
		e.refCount++
		return true, nil
	}
	if !m.Vacant(uint64(len(content))) {
		return false, nil
	}
	buf := make([]byte, len(content))
	copy(buf, content)
	m.entries[k] = &memEntry{content: buf, refCount: 1}
	m.increaseSize(uint64(len(content)))
	return true, nil
}

func (m *MemoryStore) StoreFromFile(name chunkname.Name, sourcePath string, deleteSource bool) (bool, error) {
	content, err := os.ReadFile(sourcePath)
	if err != nil {
		return false, err
	}
	ok, err := m.Store(name, content)
	if err != nil || !ok {
		return ok, err
	}
	if deleteSource {
		_ = os.Remove(sourcePath)
	}
	return true, nil
}

// Delete decrements the reference count; bytes are removed and size
// decreased only when the count reaches zero. Deleting an absent name is
// idempotent success (§8 "delete is idempotent").
func (m *MemoryStore) Delete(name chunkname.Name) (bool, error) {
	k := key(name)
	e, ok := m.entries[k]
	if !ok {
		return true, nil
	}
	e.refCount--
	if e.refCount == 0 {
		delete(m.entries, k)
		m.decreaseSize(uint64(len(e.content)))
	}
	return true, nil
}

// Modify replaces content under name in place, adjusting size accounting
// via the current/new size assessment; fails if a required increase
// exceeds vacancy.
func (m *MemoryStore) Modify(name chunkname.Name, content []byte) (bool, error) {
	k := key(name)
	e, ok := m.entries[k]
	if !ok {
		return false, nil
	}
	currentSize := uint64(len(e.content))
	newSize := uint64(len(content))
	sizeWithoutThis := m.size - currentSize
	increase, delta, ok2 := assessSpaceRequirement(currentSize, newSize, func(need uint64) bool {
		return m.capacity == 0 || sizeWithoutThis+currentSize+need <= m.capacity
	})
	if increase && !ok2 {
		return false, nil
	}
	buf := make([]byte, len(content))
	copy(buf, content)
	e.content = buf
	if increase {
		m.increaseSize(delta)
	} else {
		m.decreaseSize(delta)
	}
	return true, nil
}

func (m *MemoryStore) Has(name chunkname.Name) (bool, error) {
	_, ok := m.entries[key(name)]
	return ok, nil
}

// MoveTo transfers one reference of name to sink: decrement here
// (removing if it reaches zero), store the bytes in sink. Fails if sink
// rejects the content.
func (m *MemoryStore) MoveTo(name chunkname.Name, sink Store) (bool, error) {
	content, ok, err := m.Get(name)
	if err != nil || !ok {
		return false, err
	}
	stored, err := sink.Store(name, content)
	if err != nil || !stored {
		return false, err
	}
	_, err = m.Delete(name)
	return err == nil, err
}

func (m *MemoryStore) SizeOf(name chunkname.Name) (uint64, error) {
	e, ok := m.entries[key(name)]
	if !ok {
		return 0, nil
	}
	return uint64(len(e.content)), nil
}

func (m *MemoryStore) Size() uint64 { return m.size }

func (m *MemoryStore) Capacity() uint64 { return m.capacity }

// SetCapacity silently raises capacity to the current size if the
// requested value is smaller (§3).
func (m *MemoryStore) SetCapacity(capacity uint64) {
	m.capacity = capacity
	if m.capacity > 0 && m.capacity < m.size {
		m.capacity = m.size
	}
}

func (m *MemoryStore) Vacant(required uint64) bool {
	return m.capacity == 0 || m.size+required <= m.capacity
}

func (m *MemoryStore) RefCount(name chunkname.Name) (uint64, error) {
	e, ok := m.entries[key(name)]
	if !ok {
		return 0, nil
	}
	return e.refCount, nil
}

func (m *MemoryStore) Count() uint64 { return uint64(len(m.entries)) }

func (m *MemoryStore) Empty() bool { return len(m.entries) == 0 }

func (m *MemoryStore) Clear() error {
	m.entries = make(map[string]*memEntry)
	m.size = 0
	return nil
}

func (m *MemoryStore) ListChunks() ([]ChunkInfo, error) {
	out := make([]ChunkInfo, 0, len(m.entries))
	for k, e := range m.entries {
		out = append(out, ChunkInfo{Name: chunkname.Name(k), Size: uint64(len(e.content))})
	}
	sort.Slice(out, func(i, j int) bool { return string(out[i].Name) < string(out[j].Name) })
	return out, nil
}

func (m *MemoryStore) increaseSize(delta uint64) {
	m.size += delta
	if m.capacity > 0 && m.capacity < m.size {
		m.capacity = m.size
	}
}

func (m *MemoryStore) decreaseSize(delta uint64) {
	if delta <= m.size {
		m.size -= delta
	} else {
		m.size = 0
	}
}
