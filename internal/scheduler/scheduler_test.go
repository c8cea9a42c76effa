package scheduler

import (
	"testing"
	"time"

	"github.com/maidsafe-archive/MaidSafe-Vault-Manager-sub001/internal/bufstore"
	"github.com/maidsafe-archive/MaidSafe-Vault-Manager-sub001/internal/bytestore"
	"github.com/maidsafe-archive/MaidSafe-Vault-Manager-sub001/internal/caa"
	"github.com/maidsafe-archive/MaidSafe-Vault-Manager-sub001/internal/chunkname"
	"github.com/maidsafe-archive/MaidSafe-Vault-Manager-sub001/pkg/codec/cborcanon"
	"github.com/maidsafe-archive/MaidSafe-Vault-Manager-sub001/pkg/credential"
)

func defaultName(t *testing.T, content []byte) chunkname.Name {
	t.Helper()
	n, err := chunkname.ApplyType(chunkname.Hash(content), chunkname.Default)
	if err != nil {
		t.Fatalf("ApplyType() error: %v", err)
	}
	return n
}

func modifiableName(t *testing.T, fill byte) chunkname.Name {
	t.Helper()
	raw := make([]byte, 64)
	for i := range raw {
		raw[i] = fill
	}
	n, err := chunkname.ApplyType(raw, chunkname.ModifiableByOwner)
	if err != nil {
		t.Fatalf("ApplyType() error: %v", err)
	}
	return n
}

func newTestScheduler(t *testing.T) (*Scheduler, *credential.Credential) {
	t.Helper()
	perm, err := bytestore.NewFileStore(t.TempDir(), 3, 0)
	if err != nil {
		t.Fatalf("NewFileStore() error: %v", err)
	}
	local := bufstore.New(0, bytestore.NewThreadsafeStore(perm), nil)
	authority := caa.New(bytestore.NewMemoryStore(0), nil)
	cred, err := credential.Generate()
	if err != nil {
		t.Fatalf("credential.Generate() error: %v", err)
	}
	s, err := New(local, authority, t.TempDir(), 0, nil)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	return s, cred
}

func TestStoreThenGetRoundTrip(t *testing.T) {
	s, cred := newTestScheduler(t)
	content := []byte("round trip payload")
	n := defaultName(t, content)

	done := make(chan bool, 1)
	if err := s.Store(n, content, cred, func(ok bool) { done <- ok }); err != nil {
		t.Fatalf("Store() error: %v", err)
	}
	select {
	case ok := <-done:
		if !ok {
			t.Fatalf("store callback reported failure")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("store callback never fired")
	}

	if !s.WaitForCompletion() {
		t.Fatalf("WaitForCompletion() timed out")
	}

	got, err := s.Get(n, cred)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if string(got) != string(content) {
		t.Fatalf("Get() = %q, want %q", got, content)
	}
}

func TestGetServesLocalCacheableHitWithoutNetworkRoundTrip(t *testing.T) {
	s, cred := newTestScheduler(t)
	content := []byte("already cached")
	n := defaultName(t, content)

	if ok, err := s.local.Store(n, content); err != nil || !ok {
		t.Fatalf("seed local Store() = (%v, %v)", ok, err)
	}

	got, err := s.Get(n, cred)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if string(got) != string(content) {
		t.Fatalf("Get() = %q, want %q", got, content)
	}
	if s.NumPendingOps() != 0 {
		t.Fatalf("NumPendingOps() = %d, want 0 for a pure cache hit", s.NumPendingOps())
	}
}

func TestModifyDoesNotBlockCaller(t *testing.T) {
	s, cred := newTestScheduler(t)
	n := modifiableName(t, 0x09)

	seed := mustMarshal(t, cred.SignData([]byte("v1")))
	if err := s.authority.ProcessStore(n, seed, cred.SigningPublicKey); err != nil {
		t.Fatalf("seed network ProcessStore() error: %v", err)
	}

	done := make(chan bool, 1)
	updated := mustMarshal(t, cred.SignData([]byte("v2")))
	if err := s.Modify(n, updated, cred, func(ok bool) { done <- ok }); err != nil {
		t.Fatalf("Modify() error: %v", err)
	}

	select {
	case ok := <-done:
		if !ok {
			t.Fatalf("modify callback reported failure")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("modify callback never fired")
	}
}

func TestDeleteCancelsPendingStore(t *testing.T) {
	s, cred := newTestScheduler(t)
	content := []byte("to be superseded by a delete")
	n := defaultName(t, content)

	s.mu.Lock()
	storeCallbackFired := make(chan bool, 1)
	storeOp := &operation{name: n, key: key(n), opType: OpStore, cred: cred, callback: func(ok bool) { storeCallbackFired <- ok }}
	s.enqueueOp(storeOp)
	s.mu.Unlock()

	deleteDone := make(chan bool, 1)
	if err := s.Delete(n, cred, func(ok bool) { deleteDone <- ok }); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}

	select {
	case ok := <-storeCallbackFired:
		if !ok {
			t.Fatalf("cancelled store callback reported failure, want success per source semantics")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("cancelled store callback never fired")
	}
}

func TestNumPendingOpsReflectsQueueDepth(t *testing.T) {
	s, _ := newTestScheduler(t)
	if s.NumPendingOps() != 0 {
		t.Fatalf("NumPendingOps() = %d, want 0 on a fresh scheduler", s.NumPendingOps())
	}
}

func TestSetMaxActiveOpsFloorsAtOne(t *testing.T) {
	s, _ := newTestScheduler(t)
	s.SetMaxActiveOps(0)
	if s.maxActiveOps != 1 {
		t.Fatalf("SetMaxActiveOps(0) left maxActiveOps = %d, want 1", s.maxActiveOps)
	}
	s.SetMaxActiveOps(-5)
	if s.maxActiveOps != 1 {
		t.Fatalf("SetMaxActiveOps(-5) left maxActiveOps = %d, want 1", s.maxActiveOps)
	}
}

func mustMarshal(t *testing.T, v interface{}) []byte {
	t.Helper()
	data, err := cborcanon.Marshal(v)
	if err != nil {
		t.Fatalf("cborcanon.Marshal() error: %v", err)
	}
	return data
}
