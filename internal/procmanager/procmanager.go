// Package procmanager implements the supervisor's child-process table
// (§4.I): each vault the supervisor starts is one Process record, owned by
// a ProcessManager that runs/stops/kills/restarts it and tracks a bounded
// restart count.
package procmanager

import (
	"context"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"github.com/maidsafe-archive/MaidSafe-Vault-Manager-sub001/pkg/constants"
	"github.com/sirupsen/logrus"
)

// Status mirrors the source's ProcessStatus enum.
type Status int

const (
	StatusStopped Status = iota
	StatusRunning
	StatusCrashed
	StatusFailed // restart cap exceeded
)

func (s Status) String() string {
	switch s {
	case StatusStopped:
		return "stopped"
	case StatusRunning:
		return "running"
	case StatusCrashed:
		return "crashed"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ID identifies a process record within a ProcessManager.
type ID uint32

// Process is the executable path, argument list, and label a ProcessManager
// spawns and respawns, mirroring the source's Process/AddArgument shape.
type Process struct {
	Path  string
	Args  []string
	Label string
}

type record struct {
	proc           Process
	cmd            *exec.Cmd
	status         Status
	restartCount   int
	stopRequested  bool
	waitDone       chan struct{}
	waitErr        error
}

// ProcessManager owns a set of child processes, spawned and supervised on
// behalf of internal/supervisor.
type ProcessManager struct {
	mu      sync.Mutex
	records map[ID]*record
	nextID  ID
	log     *logrus.Entry
}

// New constructs an empty ProcessManager.
func New(log *logrus.Entry) *ProcessManager {
	if log == nil {
		log = logrus.NewEntry(logrus.New())
	}
	return &ProcessManager{records: make(map[ID]*record), nextID: 1, log: log}
}

// Add registers proc and returns its ID without starting it, mirroring the
// source's AddProcess.
func (m *ProcessManager) Add(proc Process) ID {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	m.records[id] = &record{proc: proc, status: StatusStopped}
	return id
}

func (m *ProcessManager) find(id ID) (*record, error) {
	r, ok := m.records[id]
	if !ok {
		return nil, fmt.Errorf("procmanager: unknown process id %d", id)
	}
	return r, nil
}

// Start spawns id's process if not already running.
func (m *ProcessManager) Start(id ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.start(id)
}

func (m *ProcessManager) start(id ID) error {
	r, err := m.find(id)
	if err != nil {
		return err
	}
	if r.status == StatusRunning {
		return nil
	}
	cmd := exec.Command(r.proc.Path, r.proc.Args...)
	if err := cmd.Start(); err != nil {
		r.status = StatusFailed
		return fmt.Errorf("procmanager: spawn %s: %w", r.proc.Label, err)
	}
	r.cmd = cmd
	r.status = StatusRunning
	r.stopRequested = false
	r.waitDone = make(chan struct{})
	go func(r *record, cmd *exec.Cmd) {
		err := cmd.Wait()
		m.mu.Lock()
		r.waitErr = err
		if !r.stopRequested && r.status == StatusRunning {
			r.status = StatusCrashed
		} else if r.status == StatusRunning {
			r.status = StatusStopped
		}
		close(r.waitDone)
		m.mu.Unlock()
	}(r, cmd)
	m.log.WithField("label", r.proc.Label).Info("process started")
	return nil
}

// Stop asks id's process to exit cooperatively. The caller (internal/
// supervisor) is responsible for sending the cooperative shutdown message
// before calling Stop; Stop here only marks intent and waits for the
// process to actually exit, falling back to Kill on timeout.
func (m *ProcessManager) Stop(id ID, timeout time.Duration) error {
	m.mu.Lock()
	r, err := m.find(id)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	if r.status != StatusRunning {
		m.mu.Unlock()
		return nil
	}
	r.stopRequested = true
	done := r.waitDone
	m.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return m.Kill(id)
	}
}

// Kill terminates id's process unconditionally.
func (m *ProcessManager) Kill(id ID) error {
	m.mu.Lock()
	r, err := m.find(id)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	if r.status != StatusRunning || r.cmd == nil || r.cmd.Process == nil {
		m.mu.Unlock()
		return nil
	}
	r.stopRequested = true
	cmd := r.cmd
	m.mu.Unlock()
	if err := cmd.Process.Kill(); err != nil {
		return fmt.Errorf("procmanager: kill: %w", err)
	}
	return nil
}

// LetDie marks id as intentionally stopped without killing it, so a later
// exit is not treated as a crash warranting restart.
func (m *ProcessManager) LetDie(id ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.find(id)
	if err != nil {
		return err
	}
	r.stopRequested = true
	return nil
}

// LetAllDie marks every tracked process as intentionally stopped.
func (m *ProcessManager) LetAllDie() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.records {
		r.stopRequested = true
	}
}

// Restart re-spawns id's process after constants.RestartBackoff, enforcing
// the source's cap of constants.MaxConsecutiveRestarts consecutive
// restarts before declaring the record permanently failed.
func (m *ProcessManager) Restart(id ID) error {
	m.mu.Lock()
	r, err := m.find(id)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	if r.status == StatusFailed {
		m.mu.Unlock()
		return fmt.Errorf("procmanager: %s already failed, not restarting", r.proc.Label)
	}
	r.restartCount++
	if r.restartCount > constants.MaxConsecutiveRestarts {
		r.status = StatusFailed
		m.mu.Unlock()
		return fmt.Errorf("procmanager: %s exceeded restart cap of %d", r.proc.Label, constants.MaxConsecutiveRestarts)
	}
	m.mu.Unlock()

	time.Sleep(constants.RestartBackoff)

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.start(id)
}

// ResetRestartCount clears id's consecutive-restart counter, called once a
// respawned child completes its handshake successfully.
func (m *ProcessManager) ResetRestartCount(id ID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.records[id]; ok {
		r.restartCount = 0
	}
}

// Status reports id's current status.
func (m *ProcessManager) Status(id ID) (Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.find(id)
	if err != nil {
		return StatusStopped, err
	}
	return r.status, nil
}

// Pid reports id's OS process id, or 0 if not running.
func (m *ProcessManager) Pid(id ID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok || r.cmd == nil || r.cmd.Process == nil {
		return 0
	}
	return r.cmd.Process.Pid
}

// WaitForAll blocks until every running process has exited or ctx is
// cancelled.
func (m *ProcessManager) WaitForAll(ctx context.Context) error {
	m.mu.Lock()
	var waits []chan struct{}
	for _, r := range m.records {
		if r.waitDone != nil {
			waits = append(waits, r.waitDone)
		}
	}
	m.mu.Unlock()

	for _, done := range waits {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Remove drops id's record entirely, for a supervisor-side RemoveVault.
func (m *ProcessManager) Remove(id ID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, id)
}
