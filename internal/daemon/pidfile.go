package daemon

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/gofrs/flock"
)

// ErrPIDFileNotFound is returned when the PID file doesn't exist.
var ErrPIDFileNotFound = errors.New("PID file not found")

// ErrAlreadyRunning is returned by Acquire when another live worker already
// holds the lock.
var ErrAlreadyRunning = errors.New("worker already running")

// PIDFile is the worker's liveness marker: an exclusive advisory lock on a
// file, held for the life of the owning process. A crashed process releases
// the lock when its file descriptors close, so a reader never has to guess
// whether a stored PID is stale - it tries the same lock instead.
type PIDFile struct {
	path string
	fl   *flock.Flock
}

// NewPIDFile creates a new PIDFile manager for the given path.
func NewPIDFile(path string) *PIDFile {
	return &PIDFile{path: path, fl: flock.New(path)}
}

// Path returns the PID file path.
func (p *PIDFile) Path() string {
	return p.path
}

// Acquire takes the exclusive lock and records the current PID in the file
// for diagnostics. The lock is held until Release is called or the process
// exits. Returns ErrAlreadyRunning if another process holds it.
func (p *PIDFile) Acquire() error {
	dir := filepath.Dir(p.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create PID directory: %w", err)
	}

	ok, err := p.fl.TryLock()
	if err != nil {
		return fmt.Errorf("failed to acquire PID lock: %w", err)
	}
	if !ok {
		return ErrAlreadyRunning
	}

	data := []byte(strconv.Itoa(os.Getpid()))
	if err := os.WriteFile(p.path, data, 0644); err != nil {
		_ = p.fl.Unlock()
		return fmt.Errorf("failed to write PID file: %w", err)
	}

	return nil
}

// Release unlocks the file and removes it. Safe to call on an unacquired
// PIDFile.
func (p *PIDFile) Release() error {
	if err := p.fl.Unlock(); err != nil {
		return fmt.Errorf("failed to release PID lock: %w", err)
	}
	if err := os.Remove(p.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove PID file: %w", err)
	}
	return nil
}

// Read reads the PID recorded in the file. This is diagnostic only - use
// IsRunning to answer the liveness question.
func (p *PIDFile) Read() (int, error) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, ErrPIDFileNotFound
		}
		return 0, fmt.Errorf("failed to read PID file: %w", err)
	}

	pid, err := strconv.Atoi(string(data))
	if err != nil {
		return 0, fmt.Errorf("invalid PID in file: %w", err)
	}

	return pid, nil
}

// IsRunning reports whether a live process currently holds the lock. It
// probes with its own independent *flock.Flock handle so it never
// interferes with an Acquire held by this same PIDFile instance.
func (p *PIDFile) IsRunning() bool {
	probe := flock.New(p.path)
	ok, err := probe.TryLock()
	if err != nil {
		return false
	}
	if !ok {
		return true
	}
	_ = probe.Unlock()
	return false
}
