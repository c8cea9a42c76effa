package bytestore

import (
	"sync"

	"github.com/maidsafe-archive/MaidSafe-Vault-Manager-sub001/internal/chunkname"
)

// ThreadsafeStore wraps another Store behind a single mutex; every
// operation acquires it for the duration (§4.B).
type ThreadsafeStore struct {
	mu    sync.Mutex
	inner Store
}

// NewThreadsafeStore wraps inner.
func NewThreadsafeStore(inner Store) *ThreadsafeStore {
	return &ThreadsafeStore{inner: inner}
}

func (t *ThreadsafeStore) Get(name chunkname.Name) ([]byte, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.inner.Get(name)
}

func (t *ThreadsafeStore) GetToFile(name chunkname.Name, sinkPath string) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.inner.GetToFile(name, sinkPath)
}

func (t *ThreadsafeStore) Store(name chunkname.Name, content []byte) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.inner.Store(name, content)
}

func (t *ThreadsafeStore) StoreFromFile(name chunkname.Name, sourcePath string, deleteSource bool) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.inner.StoreFromFile(name, sourcePath, deleteSource)
}

func (t *ThreadsafeStore) Delete(name chunkname.Name) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.inner.Delete(name)
}

func (t *ThreadsafeStore) Modify(name chunkname.Name, content []byte) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.inner.Modify(name, content)
}

func (t *ThreadsafeStore) Has(name chunkname.Name) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.inner.Has(name)
}

func (t *ThreadsafeStore) MoveTo(name chunkname.Name, sink Store) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.inner.MoveTo(name, sink)
}

func (t *ThreadsafeStore) SizeOf(name chunkname.Name) (uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.inner.SizeOf(name)
}

func (t *ThreadsafeStore) Size() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.inner.Size()
}

func (t *ThreadsafeStore) Capacity() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.inner.Capacity()
}

func (t *ThreadsafeStore) SetCapacity(capacity uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.inner.SetCapacity(capacity)
}

func (t *ThreadsafeStore) Vacant(required uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.inner.Vacant(required)
}

func (t *ThreadsafeStore) RefCount(name chunkname.Name) (uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.inner.RefCount(name)
}

func (t *ThreadsafeStore) Count() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.inner.Count()
}

func (t *ThreadsafeStore) Empty() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.inner.Empty()
}

func (t *ThreadsafeStore) Clear() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.inner.Clear()
}

func (t *ThreadsafeStore) ListChunks() ([]ChunkInfo, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.inner.ListChunks()
}
