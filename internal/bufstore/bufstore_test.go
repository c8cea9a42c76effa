package bufstore

import (
	"testing"
	"time"

	"github.com/maidsafe-archive/MaidSafe-Vault-Manager-sub001/internal/bytestore"
	"github.com/maidsafe-archive/MaidSafe-Vault-Manager-sub001/internal/chunkname"
)

func name(fill byte) chunkname.Name {
	raw := make([]byte, 64)
	for i := range raw {
		raw[i] = fill
	}
	n, _ := chunkname.ApplyType(raw, chunkname.Default)
	return n
}

func newTestStore(t *testing.T) *BufferedChunkStore {
	t.Helper()
	perm, err := bytestore.NewFileStore(t.TempDir(), 3, 0)
	if err != nil {
		t.Fatalf("NewFileStore() error: %v", err)
	}
	return New(0, bytestore.NewThreadsafeStore(perm), nil)
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met within %s", timeout)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestStoreLandsInCacheThenPermanentStore(t *testing.T) {
	b := newTestStore(t)
	n := name(0x01)
	content := []byte("hello buffered store")

	ok, err := b.Store(n, content)
	if err != nil || !ok {
		t.Fatalf("Store() = (%v, %v)", ok, err)
	}
	if !b.CacheHas(n) {
		t.Fatalf("CacheHas() = false immediately after Store()")
	}

	waitUntil(t, time.Second, func() bool { return b.PermanentHas(n) })

	got, found, err := b.Get(n)
	if err != nil || !found || string(got) != string(content) {
		t.Fatalf("Get() = (%q, %v, %v)", got, found, err)
	}
}

func TestGetPromotesPermanentHitIntoCache(t *testing.T) {
	b := newTestStore(t)
	n := name(0x02)
	content := []byte("promoted content")

	if ok, err := b.Store(n, content); err != nil || !ok {
		t.Fatalf("Store() = (%v, %v)", ok, err)
	}
	waitUntil(t, time.Second, func() bool { return b.PermanentHas(n) })

	b.CacheClear()
	if b.CacheHas(n) {
		t.Fatalf("CacheHas() = true after CacheClear()")
	}

	got, found, err := b.Get(n)
	if err != nil || !found || string(got) != string(content) {
		t.Fatalf("Get() after cache clear = (%q, %v, %v)", got, found, err)
	}
	if !b.CacheHas(n) {
		t.Fatalf("Get() did not promote permanent hit back into cache")
	}
}

func TestDeleteRemovesFromBothTiers(t *testing.T) {
	b := newTestStore(t)
	n := name(0x03)
	content := []byte("to be deleted")

	if ok, err := b.Store(n, content); err != nil || !ok {
		t.Fatalf("Store() = (%v, %v)", ok, err)
	}
	waitUntil(t, time.Second, func() bool { return b.PermanentHas(n) })

	if ok, err := b.Delete(n); err != nil || !ok {
		t.Fatalf("Delete() = (%v, %v)", ok, err)
	}
	if b.CacheHas(n) || b.PermanentHas(n) {
		t.Fatalf("chunk still present after Delete()")
	}
}

func TestMarkForDeletionAndDeleteAllMarked(t *testing.T) {
	b := newTestStore(t)
	n := name(0x04)
	content := []byte("marked content")

	if ok, err := b.Store(n, content); err != nil || !ok {
		t.Fatalf("Store() = (%v, %v)", ok, err)
	}
	waitUntil(t, time.Second, func() bool { return b.PermanentHas(n) })

	b.MarkForDeletion(n)
	removable := b.GetRemovableChunks()
	if len(removable) != 1 {
		t.Fatalf("GetRemovableChunks() returned %d entries, want 1", len(removable))
	}

	ok, err := b.DeleteAllMarked()
	if err != nil || !ok {
		t.Fatalf("DeleteAllMarked() = (%v, %v)", ok, err)
	}
	if b.PermanentHas(n) {
		t.Fatalf("chunk still present after DeleteAllMarked()")
	}
}

func TestCacheOnlyStoreDoesNotReachPermanentTier(t *testing.T) {
	b := newTestStore(t)
	n := name(0x05)
	content := []byte("cache only")

	if !b.CacheStore(n, content) {
		t.Fatalf("CacheStore() returned false")
	}
	if !b.CacheHas(n) {
		t.Fatalf("CacheHas() = false after CacheStore()")
	}
	if b.PermanentHas(n) {
		t.Fatalf("PermanentHas() = true for a cache-only store")
	}
}
