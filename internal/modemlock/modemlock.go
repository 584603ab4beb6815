// Package modemlock implements the exclusive hardware gate over the modem
// power line: a mutual-exclusion primitive that raises/lowers a DIO pin
// around the critical section and refuses to acquire during a configured
// offline window (spec.md §4.1). The lock is not reentrant: a holder that
// calls TryAcquire again is refused (non-blocking) or blocks (blocking).
package modemlock

import (
	"fmt"
	"os/exec"
	"sync"
	"time"
)

// Clock abstracts time.Now so offline-window checks are deterministic in
// tests.
type Clock func() time.Time

// Runner abstracts the `tshwctl` invocation so tests can stub DIO commands.
type Runner func(args ...string) error

func realRunner(args ...string) error {
	return exec.Command("tshwctl", args...).Run()
}

// Config configures a Lock.
type Config struct {
	// DIOPin is the tshwctl DIO identifier, e.g. "1_20".
	DIOPin string
	// GracePeriod is slept after raising the DIO line, before the caller may
	// write a byte to the modem.
	GracePeriod time.Duration
	// ReleaseSettle is slept after lowering the DIO line, before the mutex
	// is released.
	ReleaseSettle time.Duration
	// OfflineStart/OfflineEnd are "HHMM" strings; if both are non-empty,
	// acquisition fails while the current UTC time of day falls in
	// [OfflineStart, OfflineEnd]. If either is empty the window is
	// disabled.
	OfflineStart string
	OfflineEnd   string

	Now    Clock
	Runner Runner
}

// Lock is the exclusive modem power/offline-window gate. At most one holder
// may be inside [Acquire, Release] at a time; no AT byte may be written
// without holding it (spec.md §3 invariants).
type Lock struct {
	cfg Config
	mu  sync.Mutex
}

// New constructs a Lock from cfg, filling in defaults for Now/Runner.
func New(cfg Config) *Lock {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Runner == nil {
		cfg.Runner = realRunner
	}
	if cfg.ReleaseSettle == 0 {
		cfg.ReleaseSettle = 2 * time.Second
	}
	return &Lock{cfg: cfg}
}

// TryAcquire attempts to take the lock. If blocking is false and the mutex
// is already held, it returns (false, nil) immediately. If the current UTC
// time falls inside the configured offline window, it returns (false, nil)
// without blocking on the mutex at all. On success it raises the DIO pin and
// sleeps GracePeriod before returning (true, nil); if the DIO command fails,
// the mutex is released and (false, err) is returned.
func (l *Lock) TryAcquire(blocking bool) (bool, error) {
	if l.inOfflineWindow() {
		return false, nil
	}

	if blocking {
		l.mu.Lock()
	} else {
		if !l.mu.TryLock() {
			return false, nil
		}
	}

	if err := l.cfg.Runner("--setdio", l.cfg.DIOPin); err != nil {
		l.mu.Unlock()
		return false, fmt.Errorf("modemlock: setdio %s: %w", l.cfg.DIOPin, err)
	}
	time.Sleep(l.cfg.GracePeriod)
	return true, nil
}

// Release lowers the DIO pin, waits for it to settle, and releases the
// mutex. Release must be called exactly once per successful TryAcquire, on
// every exit path including panics (use `defer l.Release()`).
func (l *Lock) Release() {
	defer l.mu.Unlock()
	_ = l.cfg.Runner("--clrdio", l.cfg.DIOPin)
	time.Sleep(l.cfg.ReleaseSettle)
}

func (l *Lock) inOfflineWindow() bool {
	if l.cfg.OfflineStart == "" || l.cfg.OfflineEnd == "" {
		return false
	}
	now := l.cfg.Now().UTC()
	cur := now.Hour()*100 + now.Minute()
	start, ok1 := parseHHMM(l.cfg.OfflineStart)
	end, ok2 := parseHHMM(l.cfg.OfflineEnd)
	if !ok1 || !ok2 {
		return false
	}
	if start <= end {
		return cur >= start && cur <= end
	}
	// window wraps midnight
	return cur >= start || cur <= end
}

func parseHHMM(s string) (int, bool) {
	if len(s) != 4 {
		return 0, false
	}
	var hh, mm int
	for i := 0; i < 4; i++ {
		if s[i] < '0' || s[i] > '9' {
			return 0, false
		}
	}
	hh = int(s[0]-'0')*10 + int(s[1]-'0')
	mm = int(s[2]-'0')*10 + int(s[3]-'0')
	if hh > 23 || mm > 59 {
		return 0, false
	}
	return hh*100 + mm, true
}
