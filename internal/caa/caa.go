// Package caa implements the chunk action authority (§4.D): a
// type-dispatched table of per-chunk-type rules for store/get/modify/
// delete/has, including signature checks and version computation.
package caa

import (
	"bytes"
	"crypto/ed25519"

	"github.com/maidsafe-archive/MaidSafe-Vault-Manager-sub001/internal/bytestore"
	"github.com/maidsafe-archive/MaidSafe-Vault-Manager-sub001/internal/caerr"
	"github.com/maidsafe-archive/MaidSafe-Vault-Manager-sub001/internal/chunkname"
	"github.com/maidsafe-archive/MaidSafe-Vault-Manager-sub001/pkg/codec/cborcanon"
	"github.com/maidsafe-archive/MaidSafe-Vault-Manager-sub001/pkg/credential"
	"github.com/sirupsen/logrus"
)

// rule is the §4.D fixed table of per-type properties.
type rule struct {
	cacheable      bool
	modifiable     bool
	modifyReplaces bool
	payable        bool
}

var rules = map[chunkname.Type]rule{
	chunkname.Default:           {cacheable: true, modifiable: false, modifyReplaces: false, payable: true},
	chunkname.SignaturePacket:   {cacheable: false, modifiable: false, modifyReplaces: false, payable: false},
	chunkname.ModifiableByOwner: {cacheable: false, modifiable: true, modifyReplaces: true, payable: false},
	chunkname.AppendableByAll:   {cacheable: false, modifiable: true, modifyReplaces: false, payable: false},
}

func ruleFor(t chunkname.Type) rule {
	r, ok := rules[t]
	if !ok {
		return rule{}
	}
	return r
}

// IsCacheable, IsModifiable, ModifyReplaces and IsPayable expose the §4.D
// rule table.
func IsCacheable(t chunkname.Type) bool      { return ruleFor(t).cacheable }
func IsModifiable(t chunkname.Type) bool     { return ruleFor(t).modifiable }
func ModifyReplaces(t chunkname.Type) bool   { return ruleFor(t).modifyReplaces }
func IsPayable(t chunkname.Type) bool        { return ruleFor(t).payable }

// Authority is the polymorphic entrypoint per verb: it reads the trailing
// type byte, dispatches to the per-type implementation, and passes
// through the underlying byte store.
type Authority struct {
	store bytestore.Store
	log   *logrus.Entry
}

// New wraps store with a chunk action authority.
func New(store bytestore.Store, log *logrus.Entry) *Authority {
	if log == nil {
		log = logrus.NewEntry(logrus.New())
	}
	return &Authority{store: store, log: log}
}

// ValidName reports whether name has a dispatchable length.
func (a *Authority) ValidName(name chunkname.Name) bool { return chunkname.Valid(name) }

// ValidChunk reports whether name both has a dispatchable length and
// resolves to a known (non-Unknown) type.
func (a *Authority) ValidChunk(name chunkname.Name) bool {
	t, ok := chunkname.GetType(name)
	return ok && t != chunkname.Unknown
}

// Version returns the version tag for the stored content of name, or nil
// if the chunk is absent.
func (a *Authority) Version(name chunkname.Name) ([]byte, error) {
	t, ok := chunkname.GetType(name)
	if !ok || t == chunkname.Unknown {
		return nil, caerr.New(caerr.KindInvalidChunkType, "unrecognised chunk type").WithChunk(string(name))
	}
	content, found, err := a.store.Get(name)
	if err != nil {
		return nil, caerr.Wrap(caerr.KindFilesystemError, "read chunk", err).WithChunk(string(name))
	}
	if !found {
		return nil, nil
	}
	return chunkname.Version(t, name, content), nil
}

// signedData is the wire shape for §3's `SignedData{data, signature}`.
type signedData = credential.SignedData

// appendableByAll is the wire shape for §3's `AppendableByAll` record.
type appendableByAll struct {
	AllowOthersToAppend signedData   `cbor:"allow_others_to_append"`
	IdentityKey         signedData   `cbor:"identity_key"`
	Appendices          []signedData `cbor:"appendices"`
}

// modifyAppendableByAll is the wire shape for a ModifyAppendableByAll
// request: exactly one field must be present.
type modifyAppendableByAll struct {
	AllowOthersToAppend *signedData `cbor:"allow_others_to_append,omitempty"`
	IdentityKey         *signedData `cbor:"identity_key,omitempty"`
}

func dispatch(name chunkname.Name) (chunkname.Type, error) {
	t, ok := chunkname.GetType(name)
	if !ok {
		return chunkname.Unknown, caerr.New(caerr.KindInvalidName, "invalid chunk name length").WithChunk(string(name))
	}
	if t == chunkname.Unknown {
		return chunkname.Unknown, caerr.New(caerr.KindInvalidChunkType, "unrecognised trailing type byte").WithChunk(string(name))
	}
	return t, nil
}

// ProcessStore validates and applies a store for name per its type's
// rules (§4.D).
func (a *Authority) ProcessStore(name chunkname.Name, content []byte, publicKey ed25519.PublicKey) error {
	t, err := dispatch(name)
	if err != nil {
		return err
	}

	existing, found, err := a.store.Get(name)
	if err != nil {
		return caerr.Wrap(caerr.KindFilesystemError, "read existing chunk", err).WithChunk(string(name))
	}

	switch t {
	case chunkname.Default:
		if found {
			if !bytes.Equal(existing, content) {
				return caerr.New(caerr.KindDuplicateName, "default chunk exists with different content").WithChunk(string(name))
			}
		} else if !bytes.Equal(chunkname.Hash(content), chunkname.RemoveType(name)) {
			return caerr.New(caerr.KindNotHashable, "content does not hash to name").WithChunk(string(name))
		}

	case chunkname.SignaturePacket:
		if found {
			return caerr.New(caerr.KindDuplicateName, "signature packet already exists").WithChunk(string(name))
		}
		var sd signedData
		if err := cborcanon.Unmarshal(content, &sd); err != nil {
			return caerr.Wrap(caerr.KindParseFailure, "parse SignedData", err).WithChunk(string(name))
		}
		if !sd.Verify(publicKey) {
			return caerr.New(caerr.KindFailedSignature, "signature check failed").WithChunk(string(name))
		}
		expect := chunkname.Hash(append(append([]byte{}, sd.Data...), sd.Signature...))
		if !bytes.Equal(expect, chunkname.RemoveType(name)) {
			return caerr.New(caerr.KindNotHashable, "hash(data||signature) does not match name").WithChunk(string(name))
		}

	case chunkname.ModifiableByOwner:
		if found {
			return caerr.New(caerr.KindDuplicateName, "modifiable-by-owner chunk already exists").WithChunk(string(name))
		}
		var sd signedData
		if err := cborcanon.Unmarshal(content, &sd); err != nil {
			return caerr.Wrap(caerr.KindParseFailure, "parse SignedData", err).WithChunk(string(name))
		}
		if !sd.Verify(publicKey) {
			return caerr.New(caerr.KindFailedSignature, "signature check failed").WithChunk(string(name))
		}

	case chunkname.AppendableByAll:
		if found {
			return caerr.New(caerr.KindDuplicateName, "appendable-by-all chunk already exists").WithChunk(string(name))
		}
		var rec appendableByAll
		if err := cborcanon.Unmarshal(content, &rec); err != nil {
			return caerr.Wrap(caerr.KindParseFailure, "parse AppendableByAll", err).WithChunk(string(name))
		}
		if !rec.AllowOthersToAppend.Verify(publicKey) {
			return caerr.New(caerr.KindFailedSignature, "allow_others_to_append signature check failed").WithChunk(string(name))
		}

	default:
		return caerr.New(caerr.KindInvalidChunkType, "unhandled chunk type").WithChunk(string(name))
	}

	ok, err := a.store.Store(name, content)
	if err != nil {
		return caerr.Wrap(caerr.KindFilesystemError, "store chunk", err).WithChunk(string(name))
	}
	if !ok {
		return caerr.New(caerr.KindStorageFull, "byte store rejected store").WithChunk(string(name))
	}
	return nil
}

// ProcessGet validates and returns content for name per its type's rules.
// version is checked only for ModifiableByOwner: when it is non-empty and
// differs from the stored content's version, caerr.KindDifferentVersion is
// returned.
func (a *Authority) ProcessGet(name chunkname.Name, version []byte, publicKey ed25519.PublicKey) ([]byte, error) {
	t, err := dispatch(name)
	if err != nil {
		return nil, err
	}

	content, found, err := a.store.Get(name)
	if err != nil {
		return nil, caerr.Wrap(caerr.KindFilesystemError, "read chunk", err).WithChunk(string(name))
	}
	if !found {
		return nil, caerr.New(caerr.KindFailedToFindChunk, "chunk not found").WithChunk(string(name))
	}

	switch t {
	case chunkname.Default, chunkname.SignaturePacket:
		return content, nil

	case chunkname.ModifiableByOwner:
		if len(version) > 0 {
			if !bytes.Equal(chunkname.Version(t, name, content), version) {
				return nil, caerr.New(caerr.KindDifferentVersion, "supplied version does not match stored content").WithChunk(string(name))
			}
		}
		return content, nil

	case chunkname.AppendableByAll:
		var rec appendableByAll
		if err := cborcanon.Unmarshal(content, &rec); err != nil {
			return nil, caerr.Wrap(caerr.KindParseFailure, "parse AppendableByAll", err).WithChunk(string(name))
		}
		if rec.AllowOthersToAppend.Verify(publicKey) {
			// Owner path: return the full record, then atomically rewrite the
			// stored record with appendices cleared. Per the source's
			// documented behavior (DESIGN.md Open Question 1), a failure of
			// this write-back does not change the read's outcome.
			out, err := cborcanon.Marshal(rec)
			if err != nil {
				return nil, caerr.Wrap(caerr.KindSerialisationError, "marshal AppendableByAll", err).WithChunk(string(name))
			}
			cleared := rec
			cleared.Appendices = nil
			if clearedBytes, merr := cborcanon.Marshal(cleared); merr == nil {
				if _, serr := a.store.Modify(name, clearedBytes); serr != nil {
					a.log.WithError(serr).WithField("chunk", chunkname.Base32(name)).Warn("failed to clear appendices on owner read")
				}
			} else {
				a.log.WithError(merr).Warn("failed to marshal cleared AppendableByAll record")
			}
			return out, nil
		}
		out, err := cborcanon.Marshal(appendableByAll{IdentityKey: rec.IdentityKey})
		if err != nil {
			return nil, caerr.Wrap(caerr.KindSerialisationError, "marshal AppendableByAll", err).WithChunk(string(name))
		}
		return out, nil

	default:
		return nil, caerr.New(caerr.KindInvalidChunkType, "unhandled chunk type").WithChunk(string(name))
	}
}

// ProcessHas reports presence subject to the same version-mismatch rule
// as ProcessGet for ModifiableByOwner.
func (a *Authority) ProcessHas(name chunkname.Name, version []byte, publicKey ed25519.PublicKey) (bool, error) {
	_, err := a.ProcessGet(name, version, publicKey)
	if err != nil {
		if caerr.Is(err, caerr.KindFailedToFindChunk) {
			return false, nil
		}
		if caerr.Is(err, caerr.KindDifferentVersion) {
			return false, err
		}
		return false, err
	}
	return true, nil
}

// ProcessDelete validates an ownership-proof-gated delete (§4.D).
// ownershipProof is required for SignaturePacket, ModifiableByOwner and
// AppendableByAll chunks (non-cacheable types); Default chunks always
// succeed.
func (a *Authority) ProcessDelete(name chunkname.Name, ownershipProof signedData, publicKey ed25519.PublicKey) error {
	t, err := dispatch(name)
	if err != nil {
		return err
	}

	switch t {
	case chunkname.Default:
		// Caller is assumed pre-authorized; always succeeds.

	case chunkname.SignaturePacket, chunkname.ModifiableByOwner:
		content, found, err := a.store.Get(name)
		if err != nil {
			return caerr.Wrap(caerr.KindFilesystemError, "read chunk", err).WithChunk(string(name))
		}
		if found {
			var sd signedData
			if err := cborcanon.Unmarshal(content, &sd); err != nil {
				return caerr.Wrap(caerr.KindParseFailure, "parse SignedData", err).WithChunk(string(name))
			}
			if !sd.Verify(publicKey) {
				return caerr.New(caerr.KindFailedSignature, "stored content does not verify against owner key").WithChunk(string(name))
			}
		}
		if !ownershipProof.Verify(publicKey) {
			return caerr.New(caerr.KindNotOwner, "ownership proof does not verify").WithChunk(string(name))
		}

	case chunkname.AppendableByAll:
		content, found, err := a.store.Get(name)
		if err != nil {
			return caerr.Wrap(caerr.KindFilesystemError, "read chunk", err).WithChunk(string(name))
		}
		if found {
			var rec appendableByAll
			if err := cborcanon.Unmarshal(content, &rec); err != nil {
				return caerr.Wrap(caerr.KindParseFailure, "parse AppendableByAll", err).WithChunk(string(name))
			}
			if !rec.AllowOthersToAppend.Verify(publicKey) {
				return caerr.New(caerr.KindFailedSignature, "stored content does not verify against owner key").WithChunk(string(name))
			}
		}
		if !ownershipProof.Verify(publicKey) {
			return caerr.New(caerr.KindNotOwner, "ownership proof does not verify").WithChunk(string(name))
		}

	default:
		return caerr.New(caerr.KindInvalidChunkType, "unhandled chunk type").WithChunk(string(name))
	}

	ok, err := a.store.Delete(name)
	if err != nil {
		return caerr.Wrap(caerr.KindFilesystemError, "delete chunk", err).WithChunk(string(name))
	}
	if !ok {
		return caerr.New(caerr.KindFilesystemError, "byte store rejected delete").WithChunk(string(name))
	}
	return nil
}

// ProcessModify validates and applies a modify for name, returning the
// content that was actually written (new_content) and the signed size
// delta (existing.size - new.size) for ModifiableByOwner.
func (a *Authority) ProcessModify(name chunkname.Name, content []byte, publicKey ed25519.PublicKey) (newContent []byte, sizeDifference int64, err error) {
	t, derr := dispatch(name)
	if derr != nil {
		return nil, 0, derr
	}

	switch t {
	case chunkname.Default, chunkname.SignaturePacket:
		return nil, 0, caerr.New(caerr.KindInvalidModify, "chunk type does not support modify").WithChunk(string(name))

	case chunkname.ModifiableByOwner:
		existing, found, err := a.store.Get(name)
		if err != nil {
			return nil, 0, caerr.Wrap(caerr.KindFilesystemError, "read chunk", err).WithChunk(string(name))
		}
		if !found {
			return nil, 0, caerr.New(caerr.KindFailedToFindChunk, "chunk not found").WithChunk(string(name))
		}
		var existingSD signedData
		if err := cborcanon.Unmarshal(existing, &existingSD); err != nil {
			return nil, 0, caerr.Wrap(caerr.KindParseFailure, "parse existing SignedData", err).WithChunk(string(name))
		}
		if !existingSD.Verify(publicKey) {
			return nil, 0, caerr.New(caerr.KindNotOwner, "caller is not the owner").WithChunk(string(name))
		}
		var newSD signedData
		if err := cborcanon.Unmarshal(content, &newSD); err != nil {
			return nil, 0, caerr.Wrap(caerr.KindParseFailure, "parse new SignedData", err).WithChunk(string(name))
		}
		if !newSD.Verify(publicKey) {
			return nil, 0, caerr.New(caerr.KindFailedSignature, "new content signature check failed").WithChunk(string(name))
		}

		sizeDifference = int64(len(existing)) - int64(len(content))
		ok, err := a.store.Modify(name, content)
		if err != nil {
			return nil, 0, caerr.Wrap(caerr.KindFilesystemError, "modify chunk", err).WithChunk(string(name))
		}
		if !ok {
			return nil, 0, caerr.New(caerr.KindStorageFull, "byte store rejected modify").WithChunk(string(name))
		}
		return content, sizeDifference, nil

	case chunkname.AppendableByAll:
		existing, found, err := a.store.Get(name)
		if err != nil {
			return nil, 0, caerr.Wrap(caerr.KindFilesystemError, "read chunk", err).WithChunk(string(name))
		}
		if !found {
			return nil, 0, caerr.New(caerr.KindFailedToFindChunk, "chunk not found").WithChunk(string(name))
		}
		var rec appendableByAll
		if err := cborcanon.Unmarshal(existing, &rec); err != nil {
			return nil, 0, caerr.Wrap(caerr.KindParseFailure, "parse AppendableByAll", err).WithChunk(string(name))
		}

		owner := rec.AllowOthersToAppend.Verify(publicKey)
		if owner {
			var mod modifyAppendableByAll
			if err := cborcanon.Unmarshal(content, &mod); err != nil {
				return nil, 0, caerr.Wrap(caerr.KindParseFailure, "parse ModifyAppendableByAll", err).WithChunk(string(name))
			}
			fieldsSet := 0
			if mod.AllowOthersToAppend != nil {
				fieldsSet++
			}
			if mod.IdentityKey != nil {
				fieldsSet++
			}
			if fieldsSet != 1 {
				return nil, 0, caerr.New(caerr.KindInvalidModify, "exactly one of allow_others_to_append/identity_key must be set").WithChunk(string(name))
			}
			if mod.AllowOthersToAppend != nil {
				rec.AllowOthersToAppend = *mod.AllowOthersToAppend
			}
			if mod.IdentityKey != nil {
				rec.IdentityKey = *mod.IdentityKey
			}
			newBytes, err := cborcanon.Marshal(rec)
			if err != nil {
				return nil, 0, caerr.Wrap(caerr.KindSerialisationError, "marshal AppendableByAll", err).WithChunk(string(name))
			}
			sizeDifference = int64(len(existing)) - int64(len(newBytes))
			ok, err := a.store.Modify(name, newBytes)
			if err != nil {
				return nil, 0, caerr.Wrap(caerr.KindFilesystemError, "modify chunk", err).WithChunk(string(name))
			}
			if !ok {
				return nil, 0, caerr.New(caerr.KindStorageFull, "byte store rejected modify").WithChunk(string(name))
			}
			return newBytes, sizeDifference, nil
		}

		// Non-owner: content is a signed appendix, only accepted while
		// appending is currently permitted.
		if len(rec.AllowOthersToAppend.Data) == 0 || rec.AllowOthersToAppend.Data[0] != appendingPermittedFlag {
			return nil, 0, caerr.New(caerr.KindAppendDisallowed, "appending is not currently permitted").WithChunk(string(name))
		}
		var appendix signedData
		if err := cborcanon.Unmarshal(content, &appendix); err != nil {
			return nil, 0, caerr.Wrap(caerr.KindParseFailure, "parse appendix SignedData", err).WithChunk(string(name))
		}
		if !appendix.Verify(publicKey) {
			return nil, 0, caerr.New(caerr.KindFailedSignature, "appendix signature check failed").WithChunk(string(name))
		}
		rec.Appendices = append(rec.Appendices, appendix)
		newBytes, err := cborcanon.Marshal(rec)
		if err != nil {
			return nil, 0, caerr.Wrap(caerr.KindSerialisationError, "marshal AppendableByAll", err).WithChunk(string(name))
		}
		sizeDifference = int64(len(existing)) - int64(len(newBytes))
		ok, err := a.store.Modify(name, newBytes)
		if err != nil {
			return nil, 0, caerr.Wrap(caerr.KindFilesystemError, "modify chunk", err).WithChunk(string(name))
		}
		if !ok {
			return nil, 0, caerr.New(caerr.KindStorageFull, "byte store rejected modify").WithChunk(string(name))
		}
		return newBytes, sizeDifference, nil

	default:
		return nil, 0, caerr.New(caerr.KindInvalidChunkType, "unhandled chunk type").WithChunk(string(name))
	}
}

// appendingPermittedFlag is the sentinel value stored as the first byte
// of AllowOthersToAppend.Data to toggle whether non-owner appends are
// currently accepted (§4.D).
const appendingPermittedFlag = byte(chunkname.AppendableByAll)
