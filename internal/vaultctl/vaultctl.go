// Package vaultctl implements the child-side vault controller (§4.H): it
// runs inside every vault process, opens a loopback connection back to the
// supervisor that spawned it, performs the VaultStarted/VaultStartedResponse
// handshake, and answers shutdown/quota requests for the host process.
package vaultctl

import (
	"context"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/maidsafe-archive/MaidSafe-Vault-Manager-sub001/pkg/codec/cborcanon"
	"github.com/maidsafe-archive/MaidSafe-Vault-Manager-sub001/pkg/constants"
	"github.com/maidsafe-archive/MaidSafe-Vault-Manager-sub001/pkg/wire"
	"github.com/sirupsen/logrus"
)

// State mirrors the lifecycle states the teacher's agent.State tracks,
// generalized to a vault controller's simpler handshake/run/stop shape.
type State int

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Controller is the vault-side half of the supervisor loopback protocol.
type Controller struct {
	mu    sync.RWMutex
	state State

	conn net.Conn
	dec  *cbor.Decoder

	identity         *wire.VaultStartedResponseBody
	identityReceived chan struct{}

	stopCallback func()

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	log *logrus.Entry
}

// New constructs a Controller in StateStopped.
func New(log *logrus.Entry) *Controller {
	if log == nil {
		log = logrus.NewEntry(logrus.New())
	}
	return &Controller{
		state:            StateStopped,
		identityReceived: make(chan struct{}),
		log:              log,
	}
}

// State returns the controller's current lifecycle state.
func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Start dials the supervisor's loopback listener on vmPort, sends the
// VaultStarted handshake carrying this process's own PID, and begins
// reading incoming messages in the background. stopCallback is invoked once
// (from a background goroutine) when a VaultShutdownRequest arrives.
func (c *Controller) Start(ctx context.Context, vmPort int, stopCallback func()) error {
	c.mu.Lock()
	if c.state == StateRunning || c.state == StateStarting {
		c.mu.Unlock()
		return fmt.Errorf("vaultctl: already started")
	}
	c.state = StateStarting
	c.stopCallback = stopCallback
	c.mu.Unlock()

	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", vmPort))
	if err != nil {
		c.setState(StateStopped)
		return fmt.Errorf("vaultctl: dial supervisor: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.dec = cbor.NewDecoder(conn)
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})
	c.mu.Unlock()

	if err := c.send(wire.TypeVaultStarted, &wire.VaultStartedBody{ProcessID: os.Getpid()}); err != nil {
		conn.Close()
		c.setState(StateStopped)
		return fmt.Errorf("vaultctl: send VaultStarted: %w", err)
	}

	go c.run()
	c.setState(StateRunning)
	return nil
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// run reads and dispatches incoming WrapperMessages until the connection
// closes or the controller's context is cancelled.
func (c *Controller) run() {
	defer close(c.done)
	for {
		var msg wire.WrapperMessage
		if err := c.dec.Decode(&msg); err != nil {
			c.log.WithError(err).Info("vault controller connection closed")
			c.setState(StateStopped)
			return
		}
		c.handle(&msg)
	}
}

func (c *Controller) handle(msg *wire.WrapperMessage) {
	switch msg.Type {
	case wire.TypeVaultStartedResponse:
		var body wire.VaultStartedResponseBody
		if err := msg.Unwrap(&body); err != nil {
			c.log.WithError(err).Error("malformed VaultStartedResponse")
			return
		}
		c.mu.Lock()
		if c.identity == nil {
			c.identity = &body
			close(c.identityReceived)
		}
		c.mu.Unlock()

	case wire.TypeVaultShutdownRequest:
		go c.handleShutdown()

	case wire.TypeMaxDiskUsageUpdate:
		var body wire.MaxDiskUsageUpdateBody
		if err := msg.Unwrap(&body); err != nil {
			c.log.WithError(err).Error("malformed MaxDiskUsageUpdate")
			return
		}
		c.log.WithField("max_disk_usage", body.MaxDiskUsage).Info("disk quota updated")

	default:
		c.log.WithField("type", msg.Type).Warn("unexpected message type")
	}
}

// handleShutdown invokes the installed stop callback, then retries echoing
// VaultShutdownRequest back to the supervisor as a received-confirmation
// every RpcTimeout until the connection closes, mirroring the source's
// ListenForShutdown retry loop.
func (c *Controller) handleShutdown() {
	c.setState(StateStopping)
	c.mu.RLock()
	cb := c.stopCallback
	c.mu.RUnlock()
	if cb != nil {
		cb()
	}

	for {
		if err := c.send(wire.TypeVaultShutdownRequest, &wire.VaultShutdownRequestBody{}); err != nil {
			return
		}
		select {
		case <-c.done:
			return
		case <-time.After(constants.RpcTimeout):
		}
	}
}

// Identity blocks up to constants.IdentityWaitTimeout for
// VaultStartedResponse to arrive, mirroring the source's GetIdentity.
func (c *Controller) Identity() (*wire.VaultStartedResponseBody, error) {
	select {
	case <-c.identityReceived:
		c.mu.RLock()
		defer c.mu.RUnlock()
		return c.identity, nil
	case <-time.After(constants.IdentityWaitTimeout):
		return nil, fmt.Errorf("vaultctl: timed out waiting for identity")
	}
}

// JoinedNetwork notifies the supervisor that the vault's application layer
// is ready and connected.
func (c *Controller) JoinedNetwork() error {
	return c.send(wire.TypeJoinedNetwork, &wire.JoinedNetworkBody{})
}

// Log forwards a diagnostic message to the supervisor for relay to the
// owning client.
func (c *Controller) Log(message string) error {
	return c.send(wire.TypeLogMessage, &wire.LogMessageBody{Message: message})
}

func (c *Controller) send(t wire.MessageType, body interface{}) error {
	msg, err := wire.Wrap(t, body)
	if err != nil {
		return err
	}
	data, err := cborcanon.Marshal(msg)
	if err != nil {
		return fmt.Errorf("vaultctl: marshal %s: %w", t, err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("vaultctl: not connected")
	}
	_, err = c.conn.Write(data)
	return err
}

// Close tears down the loopback connection.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
	}
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}
