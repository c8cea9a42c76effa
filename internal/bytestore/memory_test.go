package bytestore

import (
	"bytes"
	"testing"

	"github.com/maidsafe-archive/MaidSafe-Vault-Manager-sub001/internal/chunkname"
)

func name(fill byte) chunkname.Name {
	n := make(chunkname.Name, 64)
	for i := range n {
		n[i] = fill
	}
	return n
}

func TestMemoryStoreStoreGetDelete(t *testing.T) {
	s := NewMemoryStore(0)
	n := name(1)

	ok, err := s.Store(n, []byte("hello"))
	if err != nil || !ok {
		t.Fatalf("Store() = (%v, %v), want (true, nil)", ok, err)
	}

	has, _ := s.Has(n)
	if !has {
		t.Fatalf("Has() = false after Store")
	}

	content, ok, err := s.Get(n)
	if err != nil || !ok || !bytes.Equal(content, []byte("hello")) {
		t.Fatalf("Get() = (%q, %v, %v), want (hello, true, nil)", content, ok, err)
	}

	ok, err = s.Delete(n)
	if err != nil || !ok {
		t.Fatalf("Delete() = (%v, %v)", ok, err)
	}
	has, _ = s.Has(n)
	if has {
		t.Fatalf("Has() = true after Delete")
	}
}

func TestMemoryStoreRefCounting(t *testing.T) {
	s := NewMemoryStore(0)
	n := name(2)

	s.Store(n, []byte("x"))
	s.Store(n, []byte("x")) // second store increments ref count, size unchanged

	if s.Size() != 1 {
		t.Errorf("Size() = %d, want 1 after duplicate store", s.Size())
	}
	count, _ := s.RefCount(n)
	if count != 2 {
		t.Errorf("RefCount(n) = %d, want 2", count)
	}

	s.Delete(n)
	has, _ := s.Has(n)
	if !has {
		t.Errorf("chunk removed after single delete despite ref_count 2")
	}

	s.Delete(n)
	has, _ = s.Has(n)
	if has {
		t.Errorf("chunk still present after ref_count reached zero")
	}
}

func TestMemoryStoreDeleteMissingIsIdempotent(t *testing.T) {
	s := NewMemoryStore(0)
	ok, err := s.Delete(name(9))
	if err != nil || !ok {
		t.Fatalf("Delete on missing name = (%v, %v), want (true, nil)", ok, err)
	}
}

func TestMemoryStoreCapacity(t *testing.T) {
	s := NewMemoryStore(5)
	ok, _ := s.Store(name(3), []byte("12345"))
	if !ok {
		t.Fatalf("Store exactly at capacity should succeed")
	}
	ok, _ = s.Store(name(4), []byte("x"))
	if ok {
		t.Fatalf("Store exceeding capacity should fail")
	}
}

func TestMemoryStoreSetCapacityRaisesToSize(t *testing.T) {
	s := NewMemoryStore(0)
	s.Store(name(5), []byte("1234567890"))
	s.SetCapacity(1)
	if s.Capacity() != s.Size() {
		t.Errorf("SetCapacity below size = %d, want raised to size %d", s.Capacity(), s.Size())
	}
}

func TestMemoryStoreStoreEmptyContentFails(t *testing.T) {
	s := NewMemoryStore(0)
	ok, err := s.Store(name(6), nil)
	if err != nil || ok {
		t.Fatalf("Store(empty) = (%v, %v), want (false, nil)", ok, err)
	}
}

func TestMemoryStoreMoveTo(t *testing.T) {
	src := NewMemoryStore(0)
	dst := NewMemoryStore(0)
	n := name(7)
	src.Store(n, []byte("payload"))

	ok, err := src.MoveTo(n, dst)
	if err != nil || !ok {
		t.Fatalf("MoveTo() = (%v, %v)", ok, err)
	}
	if has, _ := src.Has(n); has {
		t.Errorf("source still has chunk after MoveTo")
	}
	if has, _ := dst.Has(n); !has {
		t.Errorf("sink missing chunk after MoveTo")
	}
}
