package supervisor

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/maidsafe-archive/MaidSafe-Vault-Manager-sub001/internal/procmanager"
	"github.com/maidsafe-archive/MaidSafe-Vault-Manager-sub001/pkg/codec/cborcanon"
	"github.com/maidsafe-archive/MaidSafe-Vault-Manager-sub001/pkg/constants"
	"github.com/maidsafe-archive/MaidSafe-Vault-Manager-sub001/pkg/credential"
	"github.com/maidsafe-archive/MaidSafe-Vault-Manager-sub001/pkg/wire"
	"github.com/sirupsen/logrus"
)

// PMIDPublisher stores a newly generated PMID/ANPMID pair on the storage
// network via a throw-away MAID client (§4.G), an operation this package
// deliberately does not implement itself — the source leaves the actual
// network client as a separate collaborator the VaultManager is handed,
// not something it constructs. Tests and single-process deployments may
// pass nil, in which case Supervisor skips the publish step.
type PMIDPublisher func(pmid *credential.PMID, anpmid *credential.ANPMID) error

// pendingChild is a spawned-but-not-yet-connected vault process, indexed
// by its OS pid until its own VaultStarted handshake arrives.
type pendingChild struct {
	id    procmanager.ID
	label string
}

// connState tracks one loopback TCP connection from first accept through
// either client validation or child identification.
type connState struct {
	id   string
	conn net.Conn
	enc  func(wire.MessageType, interface{}) error

	challenge []byte

	clientKey  string // hex Ed25519 public key, once validated
	childLabel string // vault label, once identified as a child
	childID    procmanager.ID
}

// Supervisor is the loopback-protocol server every vault manager process
// runs (§4.G): it accepts client and child connections on one TCP port,
// authenticates clients via a MAID challenge/response, starts and
// supervises vault child processes, and relays their status back to
// clients.
type Supervisor struct {
	mu sync.Mutex

	cfg     *Config
	cfgPath string

	vaultExePath string
	baseDir      string

	ln      net.Listener
	procs   *procmanager.ProcessManager
	publish PMIDPublisher

	conns map[string]*connState // by connState.id

	// pendingByPid correlates a spawned process's real OS pid back to its
	// procmanager ID and vault label, so the loopback connection that
	// process later opens for itself (a connection distinct from
	// whichever admin connection originally requested the spawn) can be
	// identified once it echoes that pid back in VaultStarted (§4.G,
	// §4.H).
	pendingByPid map[int]pendingChild

	closing bool
	wg      sync.WaitGroup

	log *logrus.Entry
}

// Options configures a new Supervisor.
type Options struct {
	ConfigPath   string
	VaultExePath string
	BaseDir      string
	Publish      PMIDPublisher
	Log          *logrus.Entry
}

// New loads or creates the config at opts.ConfigPath and constructs a
// Supervisor ready to Serve.
func New(opts Options) (*Supervisor, error) {
	cfg, err := LoadOrCreateConfig(opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	log := opts.Log
	if log == nil {
		log = logrus.NewEntry(logrus.New())
	}
	return &Supervisor{
		cfg:          cfg,
		cfgPath:      opts.ConfigPath,
		vaultExePath: opts.VaultExePath,
		baseDir:      opts.BaseDir,
		procs:        procmanager.New(log),
		publish:      opts.Publish,
		conns:        make(map[string]*connState),
		pendingByPid: make(map[int]pendingChild),
		log:          log,
	}, nil
}

// Serve accepts loopback connections on ln until Close is called,
// mirroring the accept-loop shape of the teacher's control-plane server
// (one goroutine per connection, decode-dispatch-repeat).
func (s *Supervisor) Serve(ln net.Listener) error {
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closing := s.closing
			s.mu.Unlock()
			if closing {
				return nil
			}
			return fmt.Errorf("supervisor: accept: %w", err)
		}
		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

// Port reports the TCP port Serve is listening on.
func (s *Supervisor) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return 0
	}
	return s.ln.Addr().(*net.TCPAddr).Port
}

func (s *Supervisor) handleConnection(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	id := uuid.NewString()
	cs := &connState{
		id:   id,
		conn: conn,
		enc: func(t wire.MessageType, body interface{}) error {
			msg, err := wire.Wrap(t, body)
			if err != nil {
				return err
			}
			data, err := cborcanon.Marshal(msg)
			if err != nil {
				return err
			}
			_, err = conn.Write(data)
			return err
		},
	}
	s.mu.Lock()
	s.conns[id] = cs
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.conns, id)
		s.mu.Unlock()
		s.onConnectionClosed(cs)
	}()

	dec := cbor.NewDecoder(conn)
	for {
		// An unclassified connection (neither a validated client nor an
		// identified child) must complete classification within
		// RpcTimeout or be reclaimed; once classified, no read deadline
		// applies.
		if cs.clientKey == "" && cs.childLabel == "" {
			if err := conn.SetReadDeadline(time.Now().Add(constants.RpcTimeout)); err != nil {
				return
			}
		} else if err := conn.SetReadDeadline(time.Time{}); err != nil {
			return
		}

		var msg wire.WrapperMessage
		if err := dec.Decode(&msg); err != nil {
			return
		}
		if err := s.dispatch(cs, &msg); err != nil {
			s.log.WithError(err).WithField("type", msg.Type).Warn("loopback message handling failed")
		}
	}
}

func (s *Supervisor) dispatch(cs *connState, msg *wire.WrapperMessage) error {
	switch msg.Type {
	case wire.TypeValidateConnectionRequest:
		return s.handleValidateConnection(cs)
	case wire.TypeChallengeResponse:
		return s.handleChallengeResponse(cs, msg)
	case wire.TypeStartVaultRequest:
		return s.handleStartVaultRequest(cs, msg)
	case wire.TypeTakeOwnershipRequest:
		return s.handleTakeOwnershipRequest(cs, msg)
	case wire.TypeListVaultsRequest:
		return s.handleListVaultsRequest(cs)
	case wire.TypeRemoveVaultRequest:
		return s.handleRemoveVaultRequest(cs, msg)
	case wire.TypeVaultStarted:
		return s.handleVaultStarted(cs, msg)
	case wire.TypeJoinedNetwork:
		return s.handleJoinedNetwork(cs)
	case wire.TypeVaultShutdownRequest:
		return s.handleChildShutdownConfirmation(cs)
	case wire.TypeLogMessage:
		return s.handleLogMessage(cs, msg)
	default:
		return fmt.Errorf("supervisor: unhandled message type %s", msg.Type)
	}
}

// handleValidateConnection begins the client authentication handshake
// (§4.G): a random challenge of length in
// [ChallengeMinLen, ChallengeMaxLen) is generated and sent for the peer's
// MAID to sign.
func (s *Supervisor) handleValidateConnection(cs *connState) error {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(constants.ChallengeMaxLen-constants.ChallengeMinLen)))
	if err != nil {
		return fmt.Errorf("supervisor: choose challenge length: %w", err)
	}
	length := constants.ChallengeMinLen + int(n.Int64())
	challenge := make([]byte, length)
	if _, err := rand.Read(challenge); err != nil {
		return fmt.Errorf("supervisor: generate challenge: %w", err)
	}
	cs.challenge = challenge
	return cs.enc(wire.TypeChallenge, &wire.ChallengeBody{Challenge: challenge})
}

// handleChallengeResponse verifies the client's MAID signature over the
// challenge this connection issued, and on success marks the connection
// validated (§4.G).
func (s *Supervisor) handleChallengeResponse(cs *connState, msg *wire.WrapperMessage) error {
	var body wire.ChallengeResponseBody
	if err := msg.Unwrap(&body); err != nil {
		return fmt.Errorf("supervisor: parse ChallengeResponse: %w", err)
	}
	if cs.challenge == nil {
		return fmt.Errorf("supervisor: ChallengeResponse with no outstanding challenge")
	}
	sd := credential.SignedData{Data: cs.challenge, Signature: body.Signature}
	if !sd.Verify(body.PublicMaidKey) {
		return fmt.Errorf("supervisor: MAID signature verification failed")
	}
	cs.clientKey = hex.EncodeToString(body.PublicMaidKey)
	cs.challenge = nil
	s.log.WithField("client", cs.clientKey).Info("client connection validated")
	return nil
}

// handleStartVaultRequest spawns a fresh vault process for the requested
// label, generating and persisting a new PMID/ANPMID pair when none is
// already configured (§4.G, §6).
func (s *Supervisor) handleStartVaultRequest(cs *connState, msg *wire.WrapperMessage) error {
	if cs.clientKey == "" {
		return s.respondVaultRunning(cs, "", fmt.Errorf("supervisor: connection not validated"))
	}
	var body wire.StartVaultRequestBody
	if err := msg.Unwrap(&body); err != nil {
		return fmt.Errorf("supervisor: parse StartVaultRequest: %w", err)
	}
	if body.Label == "" {
		body.Label = uuid.NewString()
	}

	info, existed := s.cfg.Find(body.Label)
	if !existed {
		pmid, anpmid, err := credential.NewPMID()
		if err != nil {
			return s.respondVaultRunning(cs, body.Label, err)
		}
		if s.publish != nil {
			if err := s.publish(pmid, anpmid); err != nil {
				s.log.WithError(err).Warn("failed to publish new PMID to the network")
			}
		}
		plaintext, err := cborcanon.Marshal(struct {
			PMID   *credential.PMID
			ANPMID *credential.ANPMID
		}{pmid, anpmid})
		if err != nil {
			return s.respondVaultRunning(cs, body.Label, err)
		}
		cipher, err := s.cfg.EncryptPMID(plaintext)
		if err != nil {
			return s.respondVaultRunning(cs, body.Label, err)
		}
		vaultDir := body.VaultDir
		if vaultDir == "" {
			vaultDir = filepath.Join(s.baseDir, body.Label)
		}
		maxDiskUsage := body.MaxDiskUsage
		if maxDiskUsage == 0 {
			maxDiskUsage = constants.DefaultMaxDiskUsage
		}
		info = VaultInfo{
			Label:          body.Label,
			VaultDir:       vaultDir,
			MaxDiskUsage:   maxDiskUsage,
			Owner:          cs.clientKey,
			RequestedToRun: true,
			PmidCipher:     cipher,
		}
	} else {
		info.RequestedToRun = true
	}
	s.cfg.Upsert(info)
	if err := s.cfg.SaveTo(s.cfgPath); err != nil {
		return s.respondVaultRunning(cs, body.Label, err)
	}

	id := s.procs.Add(procmanager.Process{
		Path: s.vaultExePath,
		Args: []string{
			"--vm-port", strconv.Itoa(s.Port()),
			"--vault-label", info.Label,
		},
		Label: info.Label,
	})
	if err := s.procs.Start(id); err != nil {
		return s.respondVaultRunning(cs, body.Label, err)
	}
	pid := s.procs.Pid(id)
	s.mu.Lock()
	s.pendingByPid[pid] = pendingChild{id: id, label: info.Label}
	s.mu.Unlock()
	return nil
}

func (s *Supervisor) respondVaultRunning(cs *connState, label string, failure error) error {
	body := &wire.VaultRunningResponseBody{Label: label}
	if failure != nil {
		body.Error = failure.Error()
	}
	return cs.enc(wire.TypeVaultRunningResponse, body)
}

// handleTakeOwnershipRequest reassigns an existing vault's owner and
// config directory to the requesting client (§4.G).
func (s *Supervisor) handleTakeOwnershipRequest(cs *connState, msg *wire.WrapperMessage) error {
	if cs.clientKey == "" {
		return fmt.Errorf("supervisor: TakeOwnershipRequest on unvalidated connection")
	}
	var body wire.TakeOwnershipRequestBody
	if err := msg.Unwrap(&body); err != nil {
		return fmt.Errorf("supervisor: parse TakeOwnershipRequest: %w", err)
	}
	info, ok := s.cfg.Find(body.Label)
	if !ok {
		return cs.enc(wire.TypeVaultRunningResponse, &wire.VaultRunningResponseBody{
			Label: body.Label, Error: "supervisor: no such vault",
		})
	}
	info.Owner = cs.clientKey
	info.VaultDir = body.VaultDir
	if body.MaxDiskUsage != 0 {
		info.MaxDiskUsage = body.MaxDiskUsage
	}
	s.cfg.Upsert(info)
	if err := s.cfg.SaveTo(s.cfgPath); err != nil {
		return err
	}
	return cs.enc(wire.TypeVaultRunningResponse, &wire.VaultRunningResponseBody{Label: body.Label})
}

// handleListVaultsRequest reports every configured vault's label, running
// intent, and quota to the requesting client (SPEC_FULL.md §3).
func (s *Supervisor) handleListVaultsRequest(cs *connState) error {
	if cs.clientKey == "" {
		return fmt.Errorf("supervisor: ListVaultsRequest on unvalidated connection")
	}
	var summaries []wire.VaultSummary
	for _, v := range s.cfg.All() {
		summaries = append(summaries, wire.VaultSummary{
			Label:          v.Label,
			RequestedToRun: v.RequestedToRun,
			MaxDiskUsage:   v.MaxDiskUsage,
		})
	}
	return cs.enc(wire.TypeListVaultsResponse, &wire.ListVaultsResponseBody{Vaults: summaries})
}

// handleRemoveVaultRequest stops a running child (if any) and erases the
// vault's configuration entry (SPEC_FULL.md §3).
func (s *Supervisor) handleRemoveVaultRequest(cs *connState, msg *wire.WrapperMessage) error {
	if cs.clientKey == "" {
		return fmt.Errorf("supervisor: RemoveVaultRequest on unvalidated connection")
	}
	var body wire.RemoveVaultRequestBody
	if err := msg.Unwrap(&body); err != nil {
		return fmt.Errorf("supervisor: parse RemoveVaultRequest: %w", err)
	}

	s.mu.Lock()
	for _, other := range s.conns {
		if other.childLabel == body.Label {
			id := other.childID
			s.mu.Unlock()
			_ = s.procs.LetDie(id)
			_ = s.procs.Stop(id, constants.RpcTimeout)
			s.procs.Remove(id)
			s.mu.Lock()
			break
		}
	}
	s.mu.Unlock()

	removed := s.cfg.Remove(body.Label)
	respBody := &wire.RemoveVaultResponseBody{}
	if !removed {
		respBody.Error = "supervisor: no such vault"
	} else if err := s.cfg.SaveTo(s.cfgPath); err != nil {
		respBody.Error = err.Error()
	}
	return cs.enc(wire.TypeRemoveVaultResponse, respBody)
}

// handleVaultStarted completes the child handshake: it decrypts the
// vault's persisted PMID/ANPMID and hands the identity back as
// VaultStartedResponse (§4.G, §4.H).
func (s *Supervisor) handleVaultStarted(cs *connState, msg *wire.WrapperMessage) error {
	var body wire.VaultStartedBody
	if err := msg.Unwrap(&body); err != nil {
		return fmt.Errorf("supervisor: parse VaultStarted: %w", err)
	}

	s.mu.Lock()
	pending, ok := s.pendingByPid[body.ProcessID]
	if ok {
		delete(s.pendingByPid, body.ProcessID)
	}
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("supervisor: VaultStarted from pid %d, no matching pending spawn", body.ProcessID)
	}
	label, id := pending.label, pending.id

	s.mu.Lock()
	cs.childLabel = label
	cs.childID = id
	s.mu.Unlock()

	s.procs.ResetRestartCount(id)

	info, ok := s.cfg.Find(label)
	if !ok {
		return fmt.Errorf("supervisor: no config entry for started vault %q", label)
	}
	plaintext, err := s.cfg.DecryptPMID(info.PmidCipher)
	if err != nil {
		return fmt.Errorf("supervisor: decrypt PMID for %q: %w", label, err)
	}

	return cs.enc(wire.TypeVaultStartedResponse, &wire.VaultStartedResponseBody{
		EncryptedPmid:  plaintext,
		ChunkstorePath: info.VaultDir,
		MaxDiskUsage:   info.MaxDiskUsage,
	})
}

func (s *Supervisor) handleJoinedNetwork(cs *connState) error {
	s.log.WithField("vault", cs.childLabel).Info("vault joined the network")
	return nil
}

func (s *Supervisor) handleChildShutdownConfirmation(cs *connState) error {
	s.log.WithField("vault", cs.childLabel).Info("vault confirmed shutdown")
	return nil
}

func (s *Supervisor) handleLogMessage(cs *connState, msg *wire.WrapperMessage) error {
	var body wire.LogMessageBody
	if err := msg.Unwrap(&body); err != nil {
		return fmt.Errorf("supervisor: parse LogMessage: %w", err)
	}
	s.log.WithField("vault", cs.childLabel).Info(body.Message)
	return nil
}

// onConnectionClosed handles an unexpected child disconnect by restarting
// the underlying process, up to procmanager's restart cap (§4.G/§4.I).
func (s *Supervisor) onConnectionClosed(cs *connState) {
	if cs.childLabel == "" {
		return
	}
	status, err := s.procs.Status(cs.childID)
	if err != nil || status != procmanager.StatusCrashed {
		return
	}
	s.log.WithField("vault", cs.childLabel).Warn("vault connection lost unexpectedly, restarting")
	if err := s.procs.Restart(cs.childID); err != nil {
		s.log.WithError(err).WithField("vault", cs.childLabel).Error("restart failed, giving up on vault")
	}
}

// ShutdownVault sends a cooperative VaultShutdownRequest to label's child
// connection, if one is currently attached.
func (s *Supervisor) ShutdownVault(label string) error {
	s.mu.Lock()
	var target *connState
	for _, cs := range s.conns {
		if cs.childLabel == label {
			target = cs
			break
		}
	}
	s.mu.Unlock()
	if target == nil {
		return fmt.Errorf("supervisor: vault %q has no live connection", label)
	}
	return target.enc(wire.TypeVaultShutdownRequest, &wire.VaultShutdownRequestBody{})
}

// TearDown stops every tracked child process and closes the listener and
// all connections.
func (s *Supervisor) TearDown() error {
	return s.TearDownWithInterval(constants.RpcTimeout)
}

// TearDownWithInterval stops every tracked child, waiting up to interval
// for each to exit cooperatively before killing it, then closes the
// listener and every remaining connection and waits for all
// connection-handling goroutines to finish.
func (s *Supervisor) TearDownWithInterval(interval time.Duration) error {
	s.mu.Lock()
	s.closing = true
	ln := s.ln
	var labels []string
	for _, cs := range s.conns {
		if cs.childLabel != "" {
			labels = append(labels, cs.childLabel)
		}
	}
	s.mu.Unlock()

	for _, label := range labels {
		_ = s.ShutdownVault(label)
	}

	s.mu.Lock()
	var ids []procmanager.ID
	for _, cs := range s.conns {
		if cs.childLabel != "" {
			ids = append(ids, cs.childID)
		}
	}
	s.mu.Unlock()
	for _, id := range ids {
		_ = s.procs.LetDie(id)
		_ = s.procs.Stop(id, interval)
	}

	if ln != nil {
		if err := ln.Close(); err != nil {
			return fmt.Errorf("supervisor: close listener: %w", err)
		}
	}
	s.mu.Lock()
	for _, cs := range s.conns {
		_ = cs.conn.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
	return nil
}

// VaultExeExists is a startup sanity check for cmd/vaultmanager: fail fast
// on a missing or non-regular vault executable path rather than accepting
// every StartVaultRequest only to have procmanager.Start fail later.
func VaultExeExists(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("supervisor: vault executable %q: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("supervisor: vault executable %q is a directory", path)
	}
	return nil
}
