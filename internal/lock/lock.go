// Package lock provides per-project mutual exclusion, so two invocations
// never mutate the same project concurrently.
//
// Two implementations are provided: Memory serializes goroutines inside
// one process, and File serializes processes on one host through an
// exclusively created lock file.
package lock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
)

// ErrProjectBusy is returned when another operation holds the project lock.
var ErrProjectBusy = errors.New("another operation is in progress for this project")

// Locker acquires a project lock without blocking. The returned function
// releases the lock and is safe to call more than once.
type Locker interface {
	TryLock(project string) (func(), error)
}

// Memory is an in-process Locker. The zero value is ready to use.
type Memory struct {
	mu   sync.Mutex
	held map[string]bool
}

// TryLock implements Locker.
func (m *Memory) TryLock(project string) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.held == nil {
		m.held = make(map[string]bool)
	}
	if m.held[project] {
		return nil, fmt.Errorf("project %s: %w", project, ErrProjectBusy)
	}
	m.held[project] = true

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.held, project)
			m.mu.Unlock()
		})
	}, nil
}

// File is a cross-process Locker backed by lock files in Dir. Each lock
// file holds the PID of its owner; a file left behind by a process that
// no longer exists is treated as stale and replaced.
type File struct {
	// Dir is the directory holding lock files. Defaults to os.TempDir().
	Dir string
}

// Path returns the lock file path for a project.
func (f *File) Path(project string) string {
	dir := f.Dir
	if dir == "" {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "berth-"+project+".lock")
}

// TryLock implements Locker.
func (f *File) TryLock(project string) (func(), error) {
	path := f.Path(project)

	for attempt := 0; attempt < 2; attempt++ {
		file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			_, werr := file.WriteString(strconv.Itoa(os.Getpid()))
			cerr := file.Close()
			if werr != nil || cerr != nil {
				_ = os.Remove(path)
				return nil, fmt.Errorf("failed to write lock file %s: %w", path, errors.Join(werr, cerr))
			}
			var once sync.Once
			return func() {
				once.Do(func() { _ = os.Remove(path) })
			}, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("failed to create lock file %s: %w", path, err)
		}
		if !stale(path) {
			break
		}
		// The owner is gone; remove its file and try once more.
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to remove stale lock file %s: %w", path, err)
		}
	}
	return nil, fmt.Errorf("project %s (lock file %s): %w", project, path, ErrProjectBusy)
}

// stale reports whether the lock file names a process that no longer runs.
// Unreadable or malformed files are not considered stale.
func stale(path string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return false
	}
	if pid == os.Getpid() {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return true
	}
	return errors.Is(proc.Signal(syscall.Signal(0)), os.ErrProcessDone)
}
