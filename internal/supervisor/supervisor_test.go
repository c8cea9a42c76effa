package supervisor

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/maidsafe-archive/MaidSafe-Vault-Manager-sub001/internal/vaultctl"
	"github.com/maidsafe-archive/MaidSafe-Vault-Manager-sub001/pkg/codec/cborcanon"
	"github.com/maidsafe-archive/MaidSafe-Vault-Manager-sub001/pkg/constants"
	"github.com/maidsafe-archive/MaidSafe-Vault-Manager-sub001/pkg/credential"
	"github.com/maidsafe-archive/MaidSafe-Vault-Manager-sub001/pkg/wire"
)

// testClient is a minimal loopback client used to exercise the
// supervisor's connection-validation and administrative flows without
// depending on a separate client package.
type testClient struct {
	t    *testing.T
	conn net.Conn
	dec  *cbor.Decoder
}

func dialTestClient(t *testing.T, port int) *testClient {
	t.Helper()
	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		t.Fatalf("Dial() error: %v", err)
	}
	return &testClient{t: t, conn: conn, dec: cbor.NewDecoder(conn)}
}

func (c *testClient) send(msgType wire.MessageType, body interface{}) {
	c.t.Helper()
	msg, err := wire.Wrap(msgType, body)
	if err != nil {
		c.t.Fatalf("Wrap() error: %v", err)
	}
	data, err := cborcanon.Marshal(msg)
	if err != nil {
		c.t.Fatalf("Marshal() error: %v", err)
	}
	if _, err := c.conn.Write(data); err != nil {
		c.t.Fatalf("Write() error: %v", err)
	}
}

func (c *testClient) recv() *wire.WrapperMessage {
	c.t.Helper()
	var msg wire.WrapperMessage
	if err := c.dec.Decode(&msg); err != nil {
		c.t.Fatalf("Decode() error: %v", err)
	}
	return &msg
}

func (c *testClient) authenticate(maid *credential.MAID) {
	c.t.Helper()
	c.send(wire.TypeValidateConnectionRequest, &wire.ValidateConnectionRequestBody{})
	challengeMsg := c.recv()
	if challengeMsg.Type != wire.TypeChallenge {
		c.t.Fatalf("Type = %v, want %v", challengeMsg.Type, wire.TypeChallenge)
	}
	var challenge wire.ChallengeBody
	if err := challengeMsg.Unwrap(&challenge); err != nil {
		c.t.Fatalf("Unwrap() error: %v", err)
	}
	sig := maid.Sign(challenge.Challenge)
	c.send(wire.TypeChallengeResponse, &wire.ChallengeResponseBody{
		PublicMaidKey: maid.SigningPublicKey,
		Signature:     sig,
	})
}

func newTestSupervisor(t *testing.T) (*Supervisor, net.Listener) {
	t.Helper()
	dir := t.TempDir()
	sup, err := New(Options{
		ConfigPath:   filepath.Join(dir, "vault_manager_config"),
		VaultExePath: "/nonexistent/vault-binary",
		BaseDir:      dir,
	})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() error: %v", err)
	}
	go sup.Serve(ln)
	return sup, ln
}

func TestChallengeResponseValidatesConnection(t *testing.T) {
	sup, ln := newTestSupervisor(t)
	defer sup.TearDown()
	defer ln.Close()

	maid, err := credential.NewMAID()
	if err != nil {
		t.Fatalf("NewMAID() error: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	client := dialTestClient(t, port)
	client.authenticate(maid)

	// Give the supervisor's goroutine a moment to process the
	// ChallengeResponse before checking internal state.
	time.Sleep(50 * time.Millisecond)

	sup.mu.Lock()
	defer sup.mu.Unlock()
	found := false
	for _, cs := range sup.conns {
		if cs.clientKey != "" {
			found = true
		}
	}
	if !found {
		t.Fatalf("no connection was marked validated after a correct ChallengeResponse")
	}
}

func TestListVaultsEmptyInitially(t *testing.T) {
	sup, ln := newTestSupervisor(t)
	defer sup.TearDown()
	defer ln.Close()

	maid, err := credential.NewMAID()
	if err != nil {
		t.Fatalf("NewMAID() error: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	client := dialTestClient(t, port)
	client.authenticate(maid)
	client.send(wire.TypeListVaultsRequest, &wire.ListVaultsRequestBody{})

	msg := client.recv()
	if msg.Type != wire.TypeListVaultsResponse {
		t.Fatalf("Type = %v, want %v", msg.Type, wire.TypeListVaultsResponse)
	}
	var body wire.ListVaultsResponseBody
	if err := msg.Unwrap(&body); err != nil {
		t.Fatalf("Unwrap() error: %v", err)
	}
	if len(body.Vaults) != 0 {
		t.Fatalf("Vaults = %v, want empty", body.Vaults)
	}
}

func TestRemoveVaultRequestOnUnknownLabelReportsError(t *testing.T) {
	sup, ln := newTestSupervisor(t)
	defer sup.TearDown()
	defer ln.Close()

	maid, err := credential.NewMAID()
	if err != nil {
		t.Fatalf("NewMAID() error: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	client := dialTestClient(t, port)
	client.authenticate(maid)
	client.send(wire.TypeRemoveVaultRequest, &wire.RemoveVaultRequestBody{Label: "nope"})

	msg := client.recv()
	if msg.Type != wire.TypeRemoveVaultResponse {
		t.Fatalf("Type = %v, want %v", msg.Type, wire.TypeRemoveVaultResponse)
	}
	var body wire.RemoveVaultResponseBody
	if err := msg.Unwrap(&body); err != nil {
		t.Fatalf("Unwrap() error: %v", err)
	}
	if body.Error == "" {
		t.Fatalf("Error = %q, want a non-empty error for an unknown label", body.Error)
	}
}

// TestUnclassifiedConnectionIsReclaimedAfterTimeout dials the supervisor
// and sends nothing: the connection is neither a validated client nor an
// identified child, so it must be closed once RpcTimeout elapses rather
// than held open indefinitely.
func TestUnclassifiedConnectionIsReclaimedAfterTimeout(t *testing.T) {
	sup, ln := newTestSupervisor(t)
	defer sup.TearDown()
	defer ln.Close()

	port := ln.Addr().(*net.TCPAddr).Port
	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		t.Fatalf("Dial() error: %v", err)
	}
	defer conn.Close()

	if err := conn.SetReadDeadline(time.Now().Add(constants.RpcTimeout + 2*time.Second)); err != nil {
		t.Fatalf("SetReadDeadline() error: %v", err)
	}
	buf := make([]byte, 1)
	if _, err := conn.Read(buf); err == nil {
		t.Fatalf("Read() = nil error, want the supervisor to close the idle connection")
	}
}

// TestChildHandshakeProducesIdentity exercises the supervisor and
// internal/vaultctl together: the config is pre-seeded with a vault whose
// PMID is already encrypted, a pending spawn is registered for that label
// by hand (standing in for handleStartVaultRequest's bookkeeping, since this
// test has no real vault binary to spawn), and a real vaultctl.Controller
// dials in and should receive that identity back over
// VaultStartedResponse.
func TestChildHandshakeProducesIdentity(t *testing.T) {
	sup, ln := newTestSupervisor(t)
	defer sup.TearDown()
	defer ln.Close()

	pmid, anpmid, err := credential.NewPMID()
	if err != nil {
		t.Fatalf("NewPMID() error: %v", err)
	}
	plaintext, err := cborcanon.Marshal(struct {
		PMID   *credential.PMID
		ANPMID *credential.ANPMID
	}{pmid, anpmid})
	if err != nil {
		t.Fatalf("Marshal() error: %v", err)
	}
	cipher, err := sup.cfg.EncryptPMID(plaintext)
	if err != nil {
		t.Fatalf("EncryptPMID() error: %v", err)
	}
	sup.cfg.Upsert(VaultInfo{
		Label:        "vault-a",
		VaultDir:     filepath.Join(t.TempDir(), "vault-a"),
		MaxDiskUsage: 2048,
		PmidCipher:   cipher,
	})

	// vaultctl.Controller.Start sends its own os.Getpid() as
	// VaultStartedBody.ProcessID; register the pending spawn under this
	// test process's own pid, standing in for the bookkeeping
	// handleStartVaultRequest normally performs right after spawning a
	// real vault binary.
	sup.mu.Lock()
	sup.pendingByPid[os.Getpid()] = pendingChild{label: "vault-a"}
	sup.mu.Unlock()

	port := ln.Addr().(*net.TCPAddr).Port
	ctrl := vaultctl.New(nil)
	defer ctrl.Close()

	if err := ctrl.Start(context.Background(), port, nil); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	identity, err := ctrl.Identity()
	if err != nil {
		t.Fatalf("Identity() error: %v", err)
	}
	if identity.MaxDiskUsage != 2048 {
		t.Fatalf("MaxDiskUsage = %d, want 2048", identity.MaxDiskUsage)
	}
}
