// Package supervisor manages the lifecycle of the two external processes
// fieldnode dials out with: the PPP/RUDICS dialer and AutoSSH. Both follow
// the same shape — start, poll liveness, terminate with an escalating
// signal ladder — grounded on marmos91-dittofs's daemon_unix.go process
// supervision and conduit-bmc's ipmiconsole subprocess wrapper (spec.md
// §4.8).
package supervisor

import (
	"bufio"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"syscall"
	"time"

	"github.com/jaracil/fieldnode/internal/model"
)

// LivenessCheck reports whether the supervised connection is up.
type LivenessCheck func() (bool, error)

// Config configures a Supervisor.
type Config struct {
	// Name identifies the supervisor in log lines ("ppp", "autossh").
	Name string
	// Command and Args start the subprocess.
	Command string
	Args    []string

	PIDFile string

	// MaxChecks is the number of consecutive failed liveness polls before
	// the supervisor gives up and reports model.ErrSubprocess.
	MaxChecks int
	// CheckInterval is slept between liveness polls.
	CheckInterval time.Duration
	// MaxKillTries bounds the termination ladder: MaxKillTries-1 SIGTERM
	// attempts spaced by WaitToStop, then one SIGKILL.
	MaxKillTries int
	WaitToStop   time.Duration

	Check LivenessCheck

	Logf func(format string, args ...any)
}

// Supervisor owns one external process's lifecycle.
type Supervisor struct {
	cfg    Config
	cmd    *exec.Cmd
	misses int
}

// New constructs a Supervisor, filling in defaults.
func New(cfg Config) *Supervisor {
	if cfg.MaxChecks == 0 {
		cfg.MaxChecks = 10
	}
	if cfg.CheckInterval == 0 {
		cfg.CheckInterval = 5 * time.Second
	}
	if cfg.MaxKillTries == 0 {
		cfg.MaxKillTries = 3
	}
	if cfg.WaitToStop == 0 {
		cfg.WaitToStop = 3 * time.Second
	}
	if cfg.Logf == nil {
		cfg.Logf = func(string, ...any) {}
	}
	return &Supervisor{cfg: cfg}
}

// Start launches the subprocess, removing any stale PID file left over from
// a prior unclean shutdown and writing a fresh one once running.
func (sv *Supervisor) Start() error {
	if sv.cfg.PIDFile != "" {
		removeStalePIDFile(sv.cfg.PIDFile)
	}

	cmd := exec.Command(sv.cfg.Command, sv.cfg.Args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("supervisor(%s): %w: start: %v", sv.cfg.Name, model.ErrSubprocess, err)
	}
	sv.cmd = cmd
	sv.misses = 0

	if sv.cfg.PIDFile != "" {
		if err := os.WriteFile(sv.cfg.PIDFile, []byte(fmt.Sprintf("%d\n", cmd.Process.Pid)), 0o644); err != nil {
			sv.cfg.Logf("supervisor(%s): writing pid file: %v", sv.cfg.Name, err)
		}
	}
	return nil
}

// Check polls liveness once. It returns model.OutcomeOK while up,
// model.OutcomeWarning on a transient miss, and reports err wrapping
// model.ErrSubprocess once MaxChecks consecutive misses accumulate
// (spec.md §4.6 RudicsDialer/SshTunnel "check" action).
func (sv *Supervisor) Check() (model.Outcome, error) {
	if sv.cmd == nil || sv.cmd.Process == nil {
		return model.OutcomeCritical, fmt.Errorf("supervisor(%s): %w: not running", sv.cfg.Name, model.ErrSubprocess)
	}
	if !processAlive(sv.cmd.Process.Pid) {
		return model.OutcomeCritical, fmt.Errorf("supervisor(%s): %w: process exited", sv.cfg.Name, model.ErrSubprocess)
	}

	up, err := sv.cfg.Check()
	if err != nil {
		sv.cfg.Logf("supervisor(%s): liveness check error: %v", sv.cfg.Name, err)
	}
	if up {
		sv.misses = 0
		return model.OutcomeOK, nil
	}
	sv.misses++
	if sv.misses >= sv.cfg.MaxChecks {
		return model.OutcomeCritical, fmt.Errorf("supervisor(%s): %w: no liveness after %d checks", sv.cfg.Name, model.ErrSubprocess, sv.misses)
	}
	return model.OutcomeWarning, nil
}

// Stop runs the termination ladder: up to MaxKillTries-1 SIGTERM attempts
// spaced by WaitToStop, then one SIGKILL, then removes the PID file
// (spec.md §4.8).
func (sv *Supervisor) Stop() error {
	defer sv.removePIDFile()
	if sv.cmd == nil || sv.cmd.Process == nil {
		return nil
	}
	pid := sv.cmd.Process.Pid

	for i := 0; i < sv.cfg.MaxKillTries-1; i++ {
		if !processAlive(pid) {
			return nil
		}
		_ = sv.cmd.Process.Signal(syscall.SIGTERM)
		time.Sleep(sv.cfg.WaitToStop)
	}
	if processAlive(pid) {
		_ = sv.cmd.Process.Signal(syscall.SIGKILL)
	}
	_, _ = sv.cmd.Process.Wait()
	return nil
}

func (sv *Supervisor) removePIDFile() {
	if sv.cfg.PIDFile == "" {
		return
	}
	if err := os.Remove(sv.cfg.PIDFile); err != nil && !os.IsNotExist(err) {
		sv.cfg.Logf("supervisor(%s): removing pid file: %v", sv.cfg.Name, err)
	}
}

func removeStalePIDFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	pidStr := strings.TrimSpace(string(data))
	var pid int
	if _, err := fmt.Sscanf(pidStr, "%d", &pid); err == nil && processAlive(pid) {
		return
	}
	_ = os.Remove(path)
}

// processAlive reports whether pid refers to a running process, by sending
// signal 0 (no actual signal delivered).
func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// InterfaceHasIP reports whether iface exists under
// /proc/sys/net/ipv4/conf and `ip addr show <iface>` reports an "inet"
// line, per spec.md §4.8's PPP liveness check.
func InterfaceHasIP(iface string) (bool, error) {
	if _, err := os.Stat("/proc/sys/net/ipv4/conf/" + iface); err != nil {
		return false, nil
	}
	out, err := exec.Command("ip", "addr", "show", iface).Output()
	if err != nil {
		return false, fmt.Errorf("supervisor: ip addr show %s: %w", iface, err)
	}
	scanner := bufio.NewScanner(strings.NewReader(string(out)))
	for scanner.Scan() {
		if strings.Contains(strings.TrimSpace(scanner.Text()), "inet ") {
			return true, nil
		}
	}
	return false, nil
}

// ProcessMatchesRegex reports whether `ps -f` output has a line matching
// pattern, per spec.md §4.6's SshTunnel readiness check.
func ProcessMatchesRegex(pattern string) (bool, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return false, fmt.Errorf("supervisor: %w: bad pattern %q: %v", model.ErrConfig, pattern, err)
	}
	out, err := exec.Command("ps", "-f").Output()
	if err != nil {
		return false, fmt.Errorf("supervisor: ps -f: %w", err)
	}
	return re.Match(out), nil
}
