package caa

import (
	"testing"

	"github.com/maidsafe-archive/MaidSafe-Vault-Manager-sub001/internal/bytestore"
	"github.com/maidsafe-archive/MaidSafe-Vault-Manager-sub001/internal/caerr"
	"github.com/maidsafe-archive/MaidSafe-Vault-Manager-sub001/internal/chunkname"
	"github.com/maidsafe-archive/MaidSafe-Vault-Manager-sub001/pkg/codec/cborcanon"
	"github.com/maidsafe-archive/MaidSafe-Vault-Manager-sub001/pkg/credential"
	"github.com/sirupsen/logrus"
)

func newAuthority() *Authority {
	store := bytestore.NewMemoryStore(0)
	return New(store, logrus.NewEntry(logrus.New()))
}

func defaultName(content []byte) chunkname.Name {
	h := chunkname.Hash(content)
	n, _ := chunkname.ApplyType(h, chunkname.Default)
	return n
}

func TestDefaultChunkRoundTrip(t *testing.T) {
	// S1
	a := newAuthority()
	content := []byte("hello world")
	name := defaultName(content)

	if err := a.ProcessStore(name, content, nil); err != nil {
		t.Fatalf("ProcessStore() error: %v", err)
	}
	has, err := a.ProcessHas(name, nil, nil)
	if err != nil || !has {
		t.Fatalf("ProcessHas() = (%v, %v), want (true, nil)", has, err)
	}
	got, err := a.ProcessGet(name, nil, nil)
	if err != nil || string(got) != string(content) {
		t.Fatalf("ProcessGet() = (%q, %v)", got, err)
	}
	if err := a.ProcessDelete(name, credential.SignedData{}, nil); err != nil {
		t.Fatalf("ProcessDelete() error: %v", err)
	}
	has, _ = a.ProcessHas(name, nil, nil)
	if has {
		t.Fatalf("ProcessHas() = true after delete")
	}
}

func TestDefaultChunkRejectsMismatchedHash(t *testing.T) {
	// S2
	a := newAuthority()
	wrongName := defaultName([]byte("world"))
	err := a.ProcessStore(wrongName, []byte("hello"), nil)
	if !caerr.Is(err, caerr.KindNotHashable) {
		t.Fatalf("ProcessStore() error = %v, want not_hashable", err)
	}
}

func TestDefaultChunkModifyAlwaysFails(t *testing.T) {
	a := newAuthority()
	content := []byte("payload")
	name := defaultName(content)
	if err := a.ProcessStore(name, content, nil); err != nil {
		t.Fatalf("ProcessStore() error: %v", err)
	}
	_, _, err := a.ProcessModify(name, []byte("other"), nil)
	if !caerr.Is(err, caerr.KindInvalidModify) {
		t.Fatalf("ProcessModify() error = %v, want invalid_modify", err)
	}
}

func TestModifiableByOwnerStoreGetModify(t *testing.T) {
	a := newAuthority()
	owner, err := credential.Generate()
	if err != nil {
		t.Fatalf("Generate() error: %v", err)
	}
	nameBase := chunkname.Hash([]byte("modifiable-chunk"))
	name, _ := chunkname.ApplyType(nameBase, chunkname.ModifiableByOwner)

	v0 := owner.SignData([]byte("v0"))
	v0Bytes, _ := cborcanon.Marshal(v0)
	if err := a.ProcessStore(name, v0Bytes, owner.SigningPublicKey); err != nil {
		t.Fatalf("ProcessStore() error: %v", err)
	}

	v1 := owner.SignData([]byte("v1"))
	v1Bytes, _ := cborcanon.Marshal(v1)
	newContent, _, err := a.ProcessModify(name, v1Bytes, owner.SigningPublicKey)
	if err != nil {
		t.Fatalf("ProcessModify() error: %v", err)
	}
	if string(newContent) != string(v1Bytes) {
		t.Fatalf("ProcessModify() did not return replacement bytes")
	}

	got, err := a.ProcessGet(name, nil, owner.SigningPublicKey)
	if err != nil {
		t.Fatalf("ProcessGet() error: %v", err)
	}
	var sd credential.SignedData
	cborcanon.Unmarshal(got, &sd)
	if string(sd.Data) != "v1" {
		t.Fatalf("ProcessGet() content = %q, want v1", sd.Data)
	}
}

func TestModifiableByOwnerVersionMismatch(t *testing.T) {
	// S5-style: supplied version mismatches stored content.
	a := newAuthority()
	owner, _ := credential.Generate()
	nameBase := chunkname.Hash([]byte("versioned-chunk"))
	name, _ := chunkname.ApplyType(nameBase, chunkname.ModifiableByOwner)

	sd := owner.SignData([]byte("content"))
	sdBytes, _ := cborcanon.Marshal(sd)
	a.ProcessStore(name, sdBytes, owner.SigningPublicKey)

	bogusVersion := make([]byte, 24)
	_, err := a.ProcessGet(name, bogusVersion, owner.SigningPublicKey)
	if !caerr.Is(err, caerr.KindDifferentVersion) {
		t.Fatalf("ProcessGet() error = %v, want different_version", err)
	}
}

func TestAppendableByAllOwnerReadClearsAppendices(t *testing.T) {
	a := newAuthority()
	owner, _ := credential.Generate()
	appender, _ := credential.Generate()

	allow := owner.SignData([]byte{appendingPermittedFlag})
	idKey := owner.SignData(owner.SigningPublicKey)
	rec := appendableByAll{AllowOthersToAppend: allow, IdentityKey: idKey}
	recBytes, _ := cborcanon.Marshal(rec)

	nameBase := chunkname.Hash([]byte("appendable-chunk"))
	name, _ := chunkname.ApplyType(nameBase, chunkname.AppendableByAll)
	if err := a.ProcessStore(name, recBytes, owner.SigningPublicKey); err != nil {
		t.Fatalf("ProcessStore() error: %v", err)
	}

	appendix := appender.SignData([]byte("appendix-1"))
	appendixBytes, _ := cborcanon.Marshal(appendix)
	if _, _, err := a.ProcessModify(name, appendixBytes, appender.SigningPublicKey); err != nil {
		t.Fatalf("ProcessModify(appendix) error: %v", err)
	}

	out, err := a.ProcessGet(name, nil, owner.SigningPublicKey)
	if err != nil {
		t.Fatalf("ProcessGet(owner) error: %v", err)
	}
	var got appendableByAll
	cborcanon.Unmarshal(out, &got)
	if len(got.Appendices) != 1 {
		t.Fatalf("owner read returned %d appendices, want 1", len(got.Appendices))
	}

	out2, err := a.ProcessGet(name, nil, owner.SigningPublicKey)
	if err != nil {
		t.Fatalf("second ProcessGet(owner) error: %v", err)
	}
	var got2 appendableByAll
	cborcanon.Unmarshal(out2, &got2)
	if len(got2.Appendices) != 0 {
		t.Fatalf("appendices not cleared after owner read: %d remain", len(got2.Appendices))
	}
}

func TestAppendableByAllNonOwnerSeesOnlyIdentityKey(t *testing.T) {
	a := newAuthority()
	owner, _ := credential.Generate()
	other, _ := credential.Generate()

	allow := owner.SignData([]byte{appendingPermittedFlag})
	idKey := owner.SignData(owner.SigningPublicKey)
	rec := appendableByAll{AllowOthersToAppend: allow, IdentityKey: idKey}
	recBytes, _ := cborcanon.Marshal(rec)

	nameBase := chunkname.Hash([]byte("appendable-chunk-2"))
	name, _ := chunkname.ApplyType(nameBase, chunkname.AppendableByAll)
	a.ProcessStore(name, recBytes, owner.SigningPublicKey)

	out, err := a.ProcessGet(name, nil, other.SigningPublicKey)
	if err != nil {
		t.Fatalf("ProcessGet(non-owner) error: %v", err)
	}
	var got appendableByAll
	cborcanon.Unmarshal(out, &got)
	if len(got.AllowOthersToAppend.Data) != 0 {
		t.Fatalf("non-owner read leaked allow_others_to_append")
	}
	if string(got.IdentityKey.Data) != string(owner.SigningPublicKey) {
		t.Fatalf("non-owner read missing identity_key")
	}
}

func TestAppendableByAllAppendDisallowedWhenFlagCleared(t *testing.T) {
	a := newAuthority()
	owner, _ := credential.Generate()
	appender, _ := credential.Generate()

	allow := owner.SignData([]byte{0x00}) // not the permitted flag value
	rec := appendableByAll{AllowOthersToAppend: allow}
	recBytes, _ := cborcanon.Marshal(rec)

	nameBase := chunkname.Hash([]byte("appendable-chunk-3"))
	name, _ := chunkname.ApplyType(nameBase, chunkname.AppendableByAll)
	a.ProcessStore(name, recBytes, owner.SigningPublicKey)

	appendix := appender.SignData([]byte("nope"))
	appendixBytes, _ := cborcanon.Marshal(appendix)
	_, _, err := a.ProcessModify(name, appendixBytes, appender.SigningPublicKey)
	if !caerr.Is(err, caerr.KindAppendDisallowed) {
		t.Fatalf("ProcessModify() error = %v, want append_disallowed", err)
	}
}

func TestRuleTable(t *testing.T) {
	cases := []struct {
		t              chunkname.Type
		cacheable      bool
		modifiable     bool
		modifyReplaces bool
		payable        bool
	}{
		{chunkname.Default, true, false, false, true},
		{chunkname.SignaturePacket, false, false, false, false},
		{chunkname.ModifiableByOwner, false, true, true, false},
		{chunkname.AppendableByAll, false, true, false, false},
	}
	for _, c := range cases {
		if IsCacheable(c.t) != c.cacheable {
			t.Errorf("IsCacheable(%v) = %v, want %v", c.t, IsCacheable(c.t), c.cacheable)
		}
		if IsModifiable(c.t) != c.modifiable {
			t.Errorf("IsModifiable(%v) = %v, want %v", c.t, IsModifiable(c.t), c.modifiable)
		}
		if ModifyReplaces(c.t) != c.modifyReplaces {
			t.Errorf("ModifyReplaces(%v) = %v, want %v", c.t, ModifyReplaces(c.t), c.modifyReplaces)
		}
		if IsPayable(c.t) != c.payable {
			t.Errorf("IsPayable(%v) = %v, want %v", c.t, IsPayable(c.t), c.payable)
		}
	}
}
