package vaultctl

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/maidsafe-archive/MaidSafe-Vault-Manager-sub001/pkg/codec/cborcanon"
	"github.com/maidsafe-archive/MaidSafe-Vault-Manager-sub001/pkg/wire"
)

// fakeSupervisor accepts exactly one connection, reads VaultStarted, and
// gives the test a channel-based handle to drive the rest of the exchange.
type fakeSupervisor struct {
	ln   net.Listener
	conn net.Conn
	dec  *cbor.Decoder
}

func newFakeSupervisor(t *testing.T) *fakeSupervisor {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen() error: %v", err)
	}
	return &fakeSupervisor{ln: ln}
}

func (f *fakeSupervisor) port() int {
	return f.ln.Addr().(*net.TCPAddr).Port
}

func (f *fakeSupervisor) accept(t *testing.T) {
	t.Helper()
	conn, err := f.ln.Accept()
	if err != nil {
		t.Fatalf("Accept() error: %v", err)
	}
	f.conn = conn
	f.dec = cbor.NewDecoder(conn)
}

func (f *fakeSupervisor) recv(t *testing.T) *wire.WrapperMessage {
	t.Helper()
	var msg wire.WrapperMessage
	if err := f.dec.Decode(&msg); err != nil {
		t.Fatalf("Decode() error: %v", err)
	}
	return &msg
}

func (f *fakeSupervisor) send(t *testing.T, msgType wire.MessageType, body interface{}) {
	t.Helper()
	msg, err := wire.Wrap(msgType, body)
	if err != nil {
		t.Fatalf("Wrap() error: %v", err)
	}
	data, err := cborcanon.Marshal(msg)
	if err != nil {
		t.Fatalf("Marshal() error: %v", err)
	}
	if _, err := f.conn.Write(data); err != nil {
		t.Fatalf("Write() error: %v", err)
	}
}

func TestStartSendsVaultStartedHandshake(t *testing.T) {
	sup := newFakeSupervisor(t)
	defer sup.ln.Close()

	c := New(nil)
	defer c.Close()

	if err := c.Start(context.Background(), sup.port(), nil); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	sup.accept(t)

	msg := sup.recv(t)
	if msg.Type != wire.TypeVaultStarted {
		t.Fatalf("Type = %v, want %v", msg.Type, wire.TypeVaultStarted)
	}
	var body wire.VaultStartedBody
	if err := msg.Unwrap(&body); err != nil {
		t.Fatalf("Unwrap() error: %v", err)
	}
	if body.ProcessID <= 0 {
		t.Fatalf("ProcessID = %d, want positive", body.ProcessID)
	}
}

func TestIdentityBlocksUntilResponseArrives(t *testing.T) {
	sup := newFakeSupervisor(t)
	defer sup.ln.Close()

	c := New(nil)
	defer c.Close()

	if err := c.Start(context.Background(), sup.port(), nil); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	sup.accept(t)
	sup.recv(t) // VaultStarted

	go func() {
		time.Sleep(50 * time.Millisecond)
		sup.send(t, wire.TypeVaultStartedResponse, &wire.VaultStartedResponseBody{
			ChunkstorePath: "/tmp/vault-1",
			MaxDiskUsage:   4096,
		})
	}()

	identity, err := c.Identity()
	if err != nil {
		t.Fatalf("Identity() error: %v", err)
	}
	if identity.ChunkstorePath != "/tmp/vault-1" || identity.MaxDiskUsage != 4096 {
		t.Fatalf("Identity() = %+v, unexpected", identity)
	}
}

func TestShutdownRequestInvokesCallbackAndEchoesConfirmation(t *testing.T) {
	sup := newFakeSupervisor(t)
	defer sup.ln.Close()

	stopped := make(chan struct{}, 1)
	c := New(nil)
	defer c.Close()

	if err := c.Start(context.Background(), sup.port(), func() { stopped <- struct{}{} }); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	sup.accept(t)
	sup.recv(t) // VaultStarted

	sup.send(t, wire.TypeVaultShutdownRequest, &wire.VaultShutdownRequestBody{})

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatalf("stop callback never invoked")
	}

	echoed := sup.recv(t)
	if echoed.Type != wire.TypeVaultShutdownRequest {
		t.Fatalf("echoed Type = %v, want %v", echoed.Type, wire.TypeVaultShutdownRequest)
	}
}

func TestJoinedNetworkSendsMessage(t *testing.T) {
	sup := newFakeSupervisor(t)
	defer sup.ln.Close()

	c := New(nil)
	defer c.Close()

	if err := c.Start(context.Background(), sup.port(), nil); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	sup.accept(t)
	sup.recv(t) // VaultStarted

	if err := c.JoinedNetwork(); err != nil {
		t.Fatalf("JoinedNetwork() error: %v", err)
	}
	msg := sup.recv(t)
	if msg.Type != wire.TypeJoinedNetwork {
		t.Fatalf("Type = %v, want %v", msg.Type, wire.TypeJoinedNetwork)
	}
}
