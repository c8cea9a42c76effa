// Package wire implements the supervisor's loopback wire protocol (§6):
// every message crossing the loopback connection is a WrapperMessage whose
// payload is a canonical-CBOR encoding of a type-specific body, substituting
// for the original's protobuf WrapperMessage{int32 type; bytes payload}.
package wire

import (
	"fmt"

	"github.com/maidsafe-archive/MaidSafe-Vault-Manager-sub001/pkg/codec/cborcanon"
)

// MessageType tags a WrapperMessage's payload (§4.G's MessageType table).
type MessageType int32

const (
	TypeValidateConnectionRequest MessageType = iota + 1
	TypeChallenge
	TypeChallengeResponse
	TypeStartVaultRequest
	TypeTakeOwnershipRequest
	TypeVaultRunningResponse
	TypeVaultStarted
	TypeVaultStartedResponse
	TypeJoinedNetwork
	TypeVaultShutdownRequest
	TypeMaxDiskUsageUpdate
	TypeLogMessage
	TypeListVaultsRequest
	TypeListVaultsResponse
	TypeRemoveVaultRequest
	TypeRemoveVaultResponse
)

func (t MessageType) String() string {
	switch t {
	case TypeValidateConnectionRequest:
		return "ValidateConnectionRequest"
	case TypeChallenge:
		return "Challenge"
	case TypeChallengeResponse:
		return "ChallengeResponse"
	case TypeStartVaultRequest:
		return "StartVaultRequest"
	case TypeTakeOwnershipRequest:
		return "TakeOwnershipRequest"
	case TypeVaultRunningResponse:
		return "VaultRunningResponse"
	case TypeVaultStarted:
		return "VaultStarted"
	case TypeVaultStartedResponse:
		return "VaultStartedResponse"
	case TypeJoinedNetwork:
		return "JoinedNetwork"
	case TypeVaultShutdownRequest:
		return "VaultShutdownRequest"
	case TypeMaxDiskUsageUpdate:
		return "MaxDiskUsageUpdate"
	case TypeLogMessage:
		return "LogMessage"
	case TypeListVaultsRequest:
		return "ListVaultsRequest"
	case TypeListVaultsResponse:
		return "ListVaultsResponse"
	case TypeRemoveVaultRequest:
		return "RemoveVaultRequest"
	case TypeRemoveVaultResponse:
		return "RemoveVaultResponse"
	default:
		return fmt.Sprintf("unknown(%d)", int32(t))
	}
}

// WrapperMessage is the loopback envelope. Payload is canonical CBOR of the
// body type associated with Type.
type WrapperMessage struct {
	Type    MessageType `cbor:"type"`
	Payload []byte      `cbor:"payload"`
}

// Wrap encodes body as the payload of a WrapperMessage tagged t.
func Wrap(t MessageType, body interface{}) (*WrapperMessage, error) {
	payload, err := cborcanon.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("wire: marshal %s payload: %w", t, err)
	}
	return &WrapperMessage{Type: t, Payload: payload}, nil
}

// Unwrap decodes w's payload into body, which must be a pointer to the body
// type associated with w.Type.
func (w *WrapperMessage) Unwrap(body interface{}) error {
	if err := cborcanon.Unmarshal(w.Payload, body); err != nil {
		return fmt.Errorf("wire: unmarshal %s payload: %w", w.Type, err)
	}
	return nil
}
