// Package pidfile manages the process's exclusive advisory-locked PID
// file (spec.md §6): written on startup, flock'd for the process
// lifetime, and removed on clean shutdown. Grounded on
// marmos91-dittofs's isProcessRunning/startDaemon PID-file handling,
// generalised from a plain stat-and-signal(0) check to a held flock so a
// second instance is refused deterministically rather than racing on a
// stale file.
package pidfile

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"

	"github.com/jaracil/fieldnode/internal/model"
)

// PIDFile is a held, exclusive lock on a PID file.
type PIDFile struct {
	path string
	f    *os.File
}

// Acquire opens (creating if necessary) the PID file at path, takes a
// non-blocking exclusive flock, and writes the current process's PID. If
// the file is already locked by a live process, it returns an error
// wrapping model.ErrConfig naming the owning PID, per spec.md §6 ("pid
// file already held" is a fatal startup condition).
func Acquire(path string) (*PIDFile, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("pidfile: open %s: %w", path, err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		owner := readOwner(f)
		f.Close()
		return nil, fmt.Errorf("pidfile: %w: %s already locked by pid %s", model.ErrConfig, path, owner)
	}

	if err := f.Truncate(0); err != nil {
		f.Close()
		return nil, fmt.Errorf("pidfile: truncate %s: %w", path, err)
	}
	if _, err := f.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0); err != nil {
		f.Close()
		return nil, fmt.Errorf("pidfile: write %s: %w", path, err)
	}

	return &PIDFile{path: path, f: f}, nil
}

func readOwner(f *os.File) string {
	buf := make([]byte, 32)
	n, _ := f.ReadAt(buf, 0)
	return strings.TrimSpace(string(buf[:n]))
}

// Release unlocks and removes the PID file. Safe to call once, on the
// shutdown path described in spec.md §3 ("Shutdown ... removes the PID
// file").
func (p *PIDFile) Release() error {
	if p.f == nil {
		return nil
	}
	_ = syscall.Flock(int(p.f.Fd()), syscall.LOCK_UN)
	path := p.path
	if err := p.f.Close(); err != nil {
		return fmt.Errorf("pidfile: close %s: %w", path, err)
	}
	p.f = nil
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("pidfile: remove %s: %w", path, err)
	}
	return nil
}
