package chunkname

import (
	"bytes"
	"testing"

	"github.com/maidsafe-archive/MaidSafe-Vault-Manager-sub001/pkg/constants"
)

func makeName(fill byte) []byte {
	n := make([]byte, constants.NameSize)
	for i := range n {
		n[i] = fill
	}
	return n
}

func TestApplyAndRemoveType(t *testing.T) {
	base := makeName(0x42)

	name, err := ApplyType(base, Default)
	if err != nil {
		t.Fatalf("ApplyType(Default) error: %v", err)
	}
	if len(name) != constants.NameSize {
		t.Errorf("Default name length = %d, want %d", len(name), constants.NameSize)
	}

	for _, typ := range []Type{AppendableByAll, ModifiableByOwner, SignaturePacket} {
		name, err := ApplyType(base, typ)
		if err != nil {
			t.Fatalf("ApplyType(%v) error: %v", typ, err)
		}
		if len(name) != constants.NameSize+1 {
			t.Errorf("%v name length = %d, want %d", typ, len(name), constants.NameSize+1)
		}
		if !bytes.Equal(RemoveType(name), base) {
			t.Errorf("RemoveType(%v) did not round-trip", typ)
		}
		got, ok := GetType(name)
		if !ok || got != typ {
			t.Errorf("GetType(%v) = (%v, %v)", typ, got, ok)
		}
	}
}

func TestGetTypeUnknownByte(t *testing.T) {
	base := makeName(0x01)
	name := append(base, 0xFF)
	got, ok := GetType(name)
	if !ok {
		t.Fatalf("GetType on NameSize+1 byte name should be a valid length")
	}
	if got != Unknown {
		t.Errorf("GetType with unrecognised trailing byte = %v, want Unknown", got)
	}
}

func TestGetTypeInvalidLength(t *testing.T) {
	for _, n := range [][]byte{nil, make([]byte, constants.NameSize-1), make([]byte, constants.NameSize+2)} {
		if _, ok := GetType(n); ok {
			t.Errorf("GetType(len=%d) should be invalid", len(n))
		}
	}
}

func TestVersionDefaultIsNamePrefix(t *testing.T) {
	base := makeName(0x07)
	v := Version(Default, Name(base), nil)
	if !bytes.Equal(v, base[:constants.VersionSize]) {
		t.Errorf("Default version mismatch")
	}
}

func TestVersionModifiableIsContentHash(t *testing.T) {
	base := makeName(0x07)
	content := []byte("v1")
	v1 := Version(ModifiableByOwner, Name(base), content)
	v2 := Version(ModifiableByOwner, Name(base), []byte("v2"))
	if bytes.Equal(v1, v2) {
		t.Errorf("versions for different content should differ")
	}
	if len(v1) != constants.VersionSize {
		t.Errorf("version length = %d, want %d", len(v1), constants.VersionSize)
	}
}
