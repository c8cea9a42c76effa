package wire

import (
	"bytes"
	"testing"

	"github.com/maidsafe-archive/MaidSafe-Vault-Manager-sub001/pkg/codec/cborcanon"
)

func TestWrapUnwrapRoundTrip(t *testing.T) {
	body := &StartVaultRequestBody{Label: "vault-1", MaxDiskUsage: 1024}
	msg, err := Wrap(TypeStartVaultRequest, body)
	if err != nil {
		t.Fatalf("Wrap() error: %v", err)
	}
	if msg.Type != TypeStartVaultRequest {
		t.Fatalf("Type = %v, want %v", msg.Type, TypeStartVaultRequest)
	}

	var decoded StartVaultRequestBody
	if err := msg.Unwrap(&decoded); err != nil {
		t.Fatalf("Unwrap() error: %v", err)
	}
	if decoded.Label != body.Label || decoded.MaxDiskUsage != body.MaxDiskUsage {
		t.Fatalf("Unwrap() = %+v, want %+v", decoded, body)
	}
}

func TestWrapperMessageMarshalUnmarshal(t *testing.T) {
	msg, err := NewChallenge([]byte("random-challenge-bytes"))
	if err != nil {
		t.Fatalf("NewChallenge() error: %v", err)
	}

	data, err := cborcanon.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal WrapperMessage: %v", err)
	}

	var decoded WrapperMessage
	if err := cborcanon.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal WrapperMessage: %v", err)
	}
	if decoded.Type != TypeChallenge {
		t.Fatalf("Type = %v, want %v", decoded.Type, TypeChallenge)
	}

	var body ChallengeBody
	if err := decoded.Unwrap(&body); err != nil {
		t.Fatalf("Unwrap() error: %v", err)
	}
	if !bytes.Equal(body.Challenge, []byte("random-challenge-bytes")) {
		t.Fatalf("Challenge = %q, want %q", body.Challenge, "random-challenge-bytes")
	}
}

func TestMessageTypeString(t *testing.T) {
	if got := TypeVaultStartedResponse.String(); got != "VaultStartedResponse" {
		t.Fatalf("String() = %q, want %q", got, "VaultStartedResponse")
	}
	if got := MessageType(999).String(); got == "" {
		t.Fatalf("String() for unknown type returned empty")
	}
}

func TestListVaultsRoundTrip(t *testing.T) {
	msg, err := NewListVaultsResponse([]VaultSummary{
		{Label: "a", RequestedToRun: true, MaxDiskUsage: 100},
		{Label: "b", RequestedToRun: false, MaxDiskUsage: 200},
	})
	if err != nil {
		t.Fatalf("NewListVaultsResponse() error: %v", err)
	}

	var body ListVaultsResponseBody
	if err := msg.Unwrap(&body); err != nil {
		t.Fatalf("Unwrap() error: %v", err)
	}
	if len(body.Vaults) != 2 || body.Vaults[0].Label != "a" || body.Vaults[1].MaxDiskUsage != 200 {
		t.Fatalf("Vaults = %+v, unexpected", body.Vaults)
	}
}
