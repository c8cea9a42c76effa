// Package bytestore implements the tiered byte stores of §4.B: a memory
// variant, a file variant, and a thread-safe wrapper sharing one contract.
package bytestore

import "github.com/maidsafe-archive/MaidSafe-Vault-Manager-sub001/internal/chunkname"

// ChunkInfo is a (name, size) pair returned by ListChunks.
type ChunkInfo struct {
	Name chunkname.Name
	Size uint64
}

// Store is the shared contract of §4.B's three byte-store variants.
//
// Get returns (nil, false) when the chunk is absent. Store, Delete,
// Modify, Has and MoveTo report success via their bool return; a false
// return with no error means "operation did not apply" (e.g. zero-length
// content, capacity exceeded) rather than an unexpected fault — faults are
// reported via the error return.
type Store interface {
	Get(name chunkname.Name) ([]byte, bool, error)
	GetToFile(name chunkname.Name, sinkPath string) (bool, error)

	Store(name chunkname.Name, content []byte) (bool, error)
	StoreFromFile(name chunkname.Name, sourcePath string, deleteSource bool) (bool, error)

	Delete(name chunkname.Name) (bool, error)
	Modify(name chunkname.Name, content []byte) (bool, error)
	Has(name chunkname.Name) (bool, error)

	// MoveTo transfers one reference of name from this store to sink,
	// decrementing here and storing there. It fails if sink rejects the
	// content.
	MoveTo(name chunkname.Name, sink Store) (bool, error)

	SizeOf(name chunkname.Name) (uint64, error)
	Size() uint64
	Capacity() uint64
	SetCapacity(capacity uint64)
	Vacant(required uint64) bool

	RefCount(name chunkname.Name) (uint64, error)
	Count() uint64
	Empty() bool
	Clear() error

	ListChunks() ([]ChunkInfo, error)
}

// assessSpaceRequirement mirrors chunk_store.h's AssessSpaceRequirement:
// given a chunk's current and prospective new size, decide whether the
// store needs to grow and by how much, reporting whether the store has
// room for a growth.
func assessSpaceRequirement(currentSize, newSize uint64, vacant func(uint64) bool) (increase bool, delta uint64, ok bool) {
	if currentSize < newSize {
		delta = newSize - currentSize
		return true, delta, vacant(delta)
	}
	return false, currentSize - newSize, true
}
