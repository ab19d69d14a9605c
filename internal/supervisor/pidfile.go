package supervisor

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"
)

var (
	// ErrNotRunning is returned when no live supervisor is recorded.
	ErrNotRunning = errors.New("harvester is not running")
	// ErrAlreadyRunning is returned when a live supervisor already owns the pid file.
	ErrAlreadyRunning = errors.New("harvester is already running")
)

// PIDRecord is the content of the pid file.
type PIDRecord struct {
	PID       int       `json:"pid"`
	ChildPID  int       `json:"child_pid,omitempty"`
	StartedAt time.Time `json:"started_at"`
}

// ReadPID loads the pid file. A missing file is ErrNotRunning.
func ReadPID(path string) (PIDRecord, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return PIDRecord{}, ErrNotRunning
		}
		return PIDRecord{}, fmt.Errorf("read pid file: %w", err)
	}
	var rec PIDRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return PIDRecord{}, fmt.Errorf("decode pid file %s: %w", path, err)
	}
	return rec, nil
}

// WritePID stores rec at path.
func WritePID(path string, rec PIDRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode pid file: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create pid dir: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	return nil
}

// RemovePID deletes the pid file, ignoring a missing file.
func RemovePID(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove pid file: %w", err)
	}
	return nil
}

// Signaler delivers signals to processes by pid.
type Signaler interface {
	Signal(pid int, sig os.Signal) error
}

// OSSignaler signals real processes.
type OSSignaler struct{}

// Signal sends sig to pid.
func (OSSignaler) Signal(pid int, sig os.Signal) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("find process %d: %w", pid, err)
	}
	if err := proc.Signal(sig); err != nil {
		return fmt.Errorf("signal %d: %w", pid, err)
	}
	return nil
}

// Alive reports whether pid accepts signal 0.
func Alive(s Signaler, pid int) bool {
	if pid <= 0 {
		return false
	}
	return s.Signal(pid, syscall.Signal(0)) == nil
}

// Running reads the pid file and reports whether its supervisor is alive.
func Running(s Signaler, path string) (PIDRecord, bool, error) {
	rec, err := ReadPID(path)
	if err != nil {
		if errors.Is(err, ErrNotRunning) {
			return PIDRecord{}, false, nil
		}
		return PIDRecord{}, false, err
	}
	return rec, Alive(s, rec.PID), nil
}

// Stop sends SIGTERM to the recorded supervisor, waits up to timeout for it to
// exit, then sends SIGKILL. The pid file is removed in every case.
func Stop(s Signaler, path string, timeout, poll time.Duration) (PIDRecord, error) {
	rec, alive, err := Running(s, path)
	if err != nil {
		return PIDRecord{}, err
	}
	if !alive {
		_ = RemovePID(path)
		return rec, ErrNotRunning
	}
	if poll <= 0 {
		poll = 250 * time.Millisecond
	}
	if err := s.Signal(rec.PID, syscall.SIGTERM); err != nil {
		return rec, err
	}
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !Alive(s, rec.PID) {
			return rec, RemovePID(path)
		}
		time.Sleep(poll)
	}
	if err := s.Signal(rec.PID, syscall.SIGKILL); err != nil && Alive(s, rec.PID) {
		return rec, err
	}
	if rec.ChildPID > 0 && Alive(s, rec.ChildPID) {
		_ = s.Signal(rec.ChildPID, syscall.SIGKILL)
	}
	return rec, RemovePID(path)
}
