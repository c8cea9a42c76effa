// Package chunkname implements ChunkName encoding and type classification
// (§3 "ChunkName", §4.A).
//
// A ChunkName is a fixed-width binary identifier of constants.NameSize
// bytes, optionally followed by a single trailing type byte. Names without
// a trailing byte are Default; names with one are typed by that byte.
package chunkname

import (
	"encoding/base32"
	"fmt"

	"github.com/maidsafe-archive/MaidSafe-Vault-Manager-sub001/pkg/constants"
	"lukechampine.com/blake3"
)

// Type enumerates the chunk types named in §3.
type Type byte

const (
	// Default chunks have no trailing type byte.
	Default Type = iota
	AppendableByAll
	ModifiableByOwner
	SignaturePacket
	// Unknown is the sentinel for a trailing byte that matches none of
	// the enumerated types; the CAA rejects it.
	Unknown
)

// typeByte is the on-the-wire encoding of each non-Default type. Default
// chunks carry no trailing byte at all.
var typeByte = map[Type]byte{
	AppendableByAll:   1,
	ModifiableByOwner: 2,
	SignaturePacket:   3,
}

var byteToType = func() map[byte]Type {
	m := make(map[byte]Type, len(typeByte))
	for t, b := range typeByte {
		m[b] = t
	}
	return m
}()

func (t Type) String() string {
	switch t {
	case Default:
		return "default"
	case AppendableByAll:
		return "appendable_by_all"
	case ModifiableByOwner:
		return "modifiable_by_owner"
	case SignaturePacket:
		return "signature_packet"
	default:
		return "unknown"
	}
}

// Name is a ChunkName: a fixed-width identifier plus an optional trailing
// type byte, held as its raw wire bytes.
type Name []byte

// ApplyType appends the type byte for non-Default types onto a bare
// NameSize-byte identifier; Default names are returned unchanged.
func ApplyType(nameWithoutType []byte, t Type) (Name, error) {
	if len(nameWithoutType) != constants.NameSize {
		return nil, fmt.Errorf("chunkname: name_without_type must be %d bytes, got %d", constants.NameSize, len(nameWithoutType))
	}
	if t == Default {
		out := make(Name, constants.NameSize)
		copy(out, nameWithoutType)
		return out, nil
	}
	b, ok := typeByte[t]
	if !ok {
		return nil, fmt.Errorf("chunkname: cannot apply unknown type")
	}
	out := make(Name, constants.NameSize+1)
	copy(out, nameWithoutType)
	out[constants.NameSize] = b
	return out, nil
}

// RemoveType returns the leading fixed-width portion of a name, dropping
// any trailing type byte.
func RemoveType(name Name) []byte {
	if len(name) < constants.NameSize {
		return nil
	}
	out := make([]byte, constants.NameSize)
	copy(out, name[:constants.NameSize])
	return out
}

// GetType reads the trailing byte if present. A name of length NameSize is
// Default; a name of length NameSize+1 is typed by its last byte, or
// Unknown if that byte matches nothing. Any other length is invalid and
// reported via the second return value.
func GetType(name Name) (Type, bool) {
	switch len(name) {
	case constants.NameSize:
		return Default, true
	case constants.NameSize + 1:
		t, ok := byteToType[name[constants.NameSize]]
		if !ok {
			return Unknown, true
		}
		return t, true
	default:
		return Unknown, false
	}
}

// Valid reports whether name has a length the CAA will accept for
// dispatch (NameSize or NameSize+1). It does not reject Unknown — that is
// the CAA's responsibility (§4.A: "The CAA rejects Unknown").
func Valid(name Name) bool {
	_, ok := GetType(name)
	return ok
}

// Hash is the hash() primitive from §3/§4.D, substituted uniformly with
// BLAKE3-512 for the source's Tiger hash (see DESIGN.md Open Question 4).
// Its output is NameSize bytes, so it can serve directly as a name.
func Hash(data []byte) []byte {
	sum := blake3.Sum512(data)
	return sum[:]
}

// Version derives the short version tag from §3: for Default and
// SignaturePacket chunks it is the first VersionSize bytes of the name;
// for ModifiableByOwner and AppendableByAll it is Hash(bytes) truncated to
// VersionSize. Versions compare for equality only.
func Version(t Type, name Name, bytes []byte) []byte {
	switch t {
	case ModifiableByOwner, AppendableByAll:
		h := Hash(bytes)
		return h[:constants.VersionSize]
	default:
		nameOnly := RemoveType(name)
		if len(nameOnly) < constants.VersionSize {
			return nameOnly
		}
		return nameOnly[:constants.VersionSize]
	}
}

// Base32 encodes a name for use as a filesystem path component (§4.B, §6)
// or a lock-record path (§4.E).
func Base32(name Name) string {
	return base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(name)
}
