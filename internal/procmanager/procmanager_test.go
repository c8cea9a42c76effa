package procmanager

import (
	"context"
	"testing"
	"time"
)

func sleeperProcess(t *testing.T, seconds string) Process {
	t.Helper()
	return Process{Path: "sleep", Args: []string{seconds}, Label: "sleeper"}
}

func TestAddStartStatusKill(t *testing.T) {
	m := New(nil)
	id := m.Add(sleeperProcess(t, "5"))

	if err := m.Start(id); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	status, err := m.Status(id)
	if err != nil {
		t.Fatalf("Status() error: %v", err)
	}
	if status != StatusRunning {
		t.Fatalf("Status() = %v, want %v", status, StatusRunning)
	}
	if pid := m.Pid(id); pid == 0 {
		t.Fatalf("Pid() = 0, want nonzero while running")
	}

	if err := m.Kill(id); err != nil {
		t.Fatalf("Kill() error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.WaitForAll(ctx); err != nil {
		t.Fatalf("WaitForAll() error: %v", err)
	}
}

func TestLetDiePreventsCrashStatus(t *testing.T) {
	m := New(nil)
	id := m.Add(sleeperProcess(t, "0"))

	if err := m.Start(id); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if err := m.LetDie(id); err != nil {
		t.Fatalf("LetDie() error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.WaitForAll(ctx); err != nil {
		t.Fatalf("WaitForAll() error: %v", err)
	}

	status, err := m.Status(id)
	if err != nil {
		t.Fatalf("Status() error: %v", err)
	}
	if status != StatusStopped {
		t.Fatalf("Status() = %v, want %v after LetDie", status, StatusStopped)
	}
}

func TestRestartEnforcesCap(t *testing.T) {
	m := New(nil)
	id := m.Add(sleeperProcess(t, "0"))

	for i := 0; i < 4; i++ {
		if err := m.Restart(id); err != nil {
			t.Fatalf("Restart() attempt %d within the cap: %v", i, err)
		}
	}
	if err := m.Restart(id); err == nil {
		t.Fatalf("Restart() beyond the cap: expected error, got nil")
	}

	// The restart count now exceeds the cap.
	status, err := m.Status(id)
	if err != nil {
		t.Fatalf("Status() error: %v", err)
	}
	if status != StatusFailed {
		t.Fatalf("Status() = %v, want %v after exceeding restart cap", status, StatusFailed)
	}
}

func TestStatusUnknownID(t *testing.T) {
	m := New(nil)
	if _, err := m.Status(ID(999)); err == nil {
		t.Fatalf("Status() for unknown id: expected error, got nil")
	}
}

func TestRemoveDropsRecord(t *testing.T) {
	m := New(nil)
	id := m.Add(sleeperProcess(t, "0"))
	m.Remove(id)
	if _, err := m.Status(id); err == nil {
		t.Fatalf("Status() after Remove(): expected error, got nil")
	}
}
