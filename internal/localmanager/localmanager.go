// Package localmanager implements the simulated network backend of
// §4.E: a local chunk store fronting a chunk-action-authority-guarded
// "network" store, with a filesystem lock-record protocol standing in
// for the source's lock_directory_/current_transactions_ pair.
package localmanager

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/maidsafe-archive/MaidSafe-Vault-Manager-sub001/internal/bytestore"
	"github.com/maidsafe-archive/MaidSafe-Vault-Manager-sub001/internal/caa"
	"github.com/maidsafe-archive/MaidSafe-Vault-Manager-sub001/internal/chunkname"
	"github.com/maidsafe-archive/MaidSafe-Vault-Manager-sub001/pkg/constants"
	"github.com/maidsafe-archive/MaidSafe-Vault-Manager-sub001/pkg/credential"
	"github.com/sirupsen/logrus"
)

// Result mirrors the per-verb completion codes the source reports via
// its ChunkManager signals (kSuccess, kGetFailure, kStoreFailure, ...).
type Result int

const (
	Success Result = iota
	ChunkNotModified
	GetFailure
	StoreFailure
	ModifyFailure
	DeleteFailure
)

func (r Result) String() string {
	switch r {
	case Success:
		return "success"
	case ChunkNotModified:
		return "chunk_not_modified"
	case GetFailure:
		return "get_failure"
	case StoreFailure:
		return "store_failure"
	case ModifyFailure:
		return "modify_failure"
	case DeleteFailure:
		return "delete_failure"
	default:
		return "unknown"
	}
}

// Signals are the per-verb completion callbacks (sig_chunk_got_,
// sig_chunk_stored_, sig_chunk_modified_, sig_chunk_deleted_). A nil
// field is simply not invoked.
type Signals struct {
	ChunkGot      func(name chunkname.Name, result Result)
	ChunkStored   func(name chunkname.Name, result Result)
	ChunkModified func(name chunkname.Name, result Result)
	ChunkDeleted  func(name chunkname.Name, result Result)
}

func (s Signals) fireGot(name chunkname.Name, r Result) {
	if s.ChunkGot != nil {
		s.ChunkGot(name, r)
	}
}

func (s Signals) fireStored(name chunkname.Name, r Result) {
	if s.ChunkStored != nil {
		s.ChunkStored(name, r)
	}
}

func (s Signals) fireModified(name chunkname.Name, r Result) {
	if s.ChunkModified != nil {
		s.ChunkModified(name, r)
	}
}

func (s Signals) fireDeleted(name chunkname.Name, r Result) {
	if s.ChunkDeleted != nil {
		s.ChunkDeleted(name, r)
	}
}

// Manager is the scheduler's downstream: local is the caller's own
// chunk store, network is a chunk-action-authority-guarded store
// standing in for the rest of the network. Every verb is synchronous
// and fires its completion signal before returning; the scheduler is
// responsible for running it off the calling goroutine.
type Manager struct {
	local   bytestore.Store
	network *caa.Authority

	lockDir    string
	getWait    time.Duration
	actionWait time.Duration

	mu           sync.Mutex
	transactions map[string]string

	signals Signals
	log     *logrus.Entry
}

// New constructs a Manager, creating lockDir if absent. wait, when
// non-zero, is an artificial round-trip delay applied to Get (and 3x
// that to Store/Modify/Delete), mirroring the source's constructor
// parameter of the same purpose.
func New(local bytestore.Store, network *caa.Authority, lockDir string, wait time.Duration, signals Signals, log *logrus.Entry) (*Manager, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.New())
	}
	if err := os.MkdirAll(lockDir, 0o700); err != nil {
		return nil, fmt.Errorf("localmanager: create lock directory: %w", err)
	}
	return &Manager{
		local:        local,
		network:      network,
		lockDir:      lockDir,
		getWait:      wait,
		actionWait:   wait * 3,
		transactions: make(map[string]string),
		signals:      signals,
		log:          log,
	}, nil
}

func (m *Manager) lockPath(name chunkname.Name) string {
	return filepath.Join(m.lockDir, chunkname.Base32(name))
}

func randomTransactionID() string {
	const charset = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	out := make([]byte, 32)
	for i := range out {
		n, _ := rand.Int(rand.Reader, big.NewInt(int64(len(charset))))
		out[i] = charset[n.Int64()]
	}
	return string(out)
}

// waitForLockClear polls lockFile until it is absent or its recorded
// timestamp is older than constants.LockTimeout (§4.E's stale-lock
// override), sleeping one second between checks.
func (m *Manager) waitForLockClear(lockFile string) {
	for {
		data, err := os.ReadFile(lockFile)
		if err != nil {
			return
		}
		fields := strings.SplitN(string(data), " ", 2)
		ts, err := strconv.ParseInt(fields[0], 10, 64)
		if err != nil {
			return
		}
		if time.Now().Unix() > ts+int64(constants.LockTimeout/time.Second) {
			return
		}
		time.Sleep(time.Second)
	}
}

func publicKeyOf(cred *credential.Credential) ed25519.PublicKey {
	if cred == nil {
		return nil
	}
	return cred.SigningPublicKey
}

// GetChunk resolves name: a local hit short-circuits; a version match
// with lock requested short-circuits to ChunkNotModified; otherwise a
// lock record is written (if lock) before reading through the network
// authority and storing the result locally.
func (m *Manager) GetChunk(name chunkname.Name, localVersion []byte, cred *credential.Credential, lock bool) {
	if m.getWait > 0 {
		time.Sleep(m.getWait)
	}
	if has, _ := m.local.Has(name); has {
		m.signals.fireGot(name, Success)
		return
	}

	if lock && len(localVersion) > 0 {
		if remoteVersion, err := m.network.Version(name); err == nil && remoteVersion != nil && bytes.Equal(remoteVersion, localVersion) {
			m.log.WithField("chunk", chunkname.Base32(name)).Warn("won't retrieve: local and remote versions match")
			m.signals.fireGot(name, ChunkNotModified)
			return
		}
	}

	lockFile := m.lockPath(name)
	if lock {
		m.waitForLockClear(lockFile)
		transactionID := randomTransactionID()
		content := fmt.Sprintf("%d %s", time.Now().Unix(), transactionID)
		if err := os.WriteFile(lockFile, []byte(content), 0o600); err != nil {
			m.log.WithError(err).WithField("chunk", chunkname.Base32(name)).Error("failed to write lock record")
		} else {
			m.mu.Lock()
			m.transactions[string(name)] = transactionID
			m.mu.Unlock()
		}
	}

	content, err := m.network.ProcessGet(name, nil, publicKeyOf(cred))
	if err != nil || len(content) == 0 {
		m.log.WithError(err).WithField("chunk", chunkname.Base32(name)).Error("network get failed")
		m.signals.fireGot(name, GetFailure)
		return
	}
	if ok, err := m.local.Store(name, content); err != nil || !ok {
		m.log.WithError(err).WithField("chunk", chunkname.Base32(name)).Error("failed to store retrieved chunk locally")
		m.signals.fireGot(name, GetFailure)
		return
	}
	m.signals.fireGot(name, Success)
}

// StoreChunk reads name from the local store and writes it through to
// the network authority, omitting the public key for cacheable types
// just as the source passes an empty key when is_cacheable.
func (m *Manager) StoreChunk(name chunkname.Name, cred *credential.Credential) {
	if m.actionWait > 0 {
		time.Sleep(m.actionWait)
	}
	content, found, err := m.local.Get(name)
	if err != nil || !found {
		m.log.WithError(err).WithField("chunk", chunkname.Base32(name)).Error("chunk not held locally")
		m.signals.fireStored(name, StoreFailure)
		return
	}

	t, _ := chunkname.GetType(name)
	var pub ed25519.PublicKey
	if !caa.IsCacheable(t) {
		pub = publicKeyOf(cred)
	}
	if err := m.network.ProcessStore(name, content, pub); err != nil {
		m.log.WithError(err).WithField("chunk", chunkname.Base32(name)).Error("network store failed")
		m.signals.fireStored(name, StoreFailure)
		return
	}
	m.signals.fireStored(name, Success)
}

// DeleteChunk deletes name from the network authority, supplying a
// freshly signed ownership proof for non-cacheable types.
func (m *Manager) DeleteChunk(name chunkname.Name, cred *credential.Credential) {
	if m.actionWait > 0 {
		time.Sleep(m.actionWait)
	}
	t, _ := chunkname.GetType(name)
	var proof credential.SignedData
	var pub ed25519.PublicKey
	if !caa.IsCacheable(t) && cred != nil {
		random := make([]byte, 16)
		_, _ = rand.Read(random)
		proof = cred.SignData(random)
		pub = cred.SigningPublicKey
	}
	if err := m.network.ProcessDelete(name, proof, pub); err != nil {
		m.log.WithError(err).WithField("chunk", chunkname.Base32(name)).Error("network delete failed")
		m.signals.fireDeleted(name, DeleteFailure)
		return
	}
	m.signals.fireDeleted(name, Success)
}

// ModifyChunk clears this process's own lock record for name (if its
// transaction id still matches) then writes content through to the
// network authority.
func (m *Manager) ModifyChunk(name chunkname.Name, content []byte, cred *credential.Credential) {
	if m.actionWait > 0 {
		time.Sleep(m.actionWait)
	}

	lockFile := m.lockPath(name)
	if data, err := os.ReadFile(lockFile); err == nil {
		fields := strings.SplitN(string(data), " ", 2)
		if len(fields) == 2 {
			m.mu.Lock()
			expected := m.transactions[string(name)]
			m.mu.Unlock()
			if fields[1] == expected {
				_ = os.Remove(lockFile)
				m.log.WithField("chunk", chunkname.Base32(name)).Info("removed lock file")
			}
		}
	}

	if _, _, err := m.network.ProcessModify(name, content, publicKeyOf(cred)); err != nil {
		m.log.WithError(err).WithField("chunk", chunkname.Base32(name)).Error("network modify failed")
		m.signals.fireModified(name, ModifyFailure)
		return
	}
	m.signals.fireModified(name, Success)
}

// StorageSize returns the local store's accounted total size.
func (m *Manager) StorageSize() uint64 { return m.local.Size() }

// StorageCapacity returns the local store's capacity.
func (m *Manager) StorageCapacity() uint64 { return m.local.Capacity() }
