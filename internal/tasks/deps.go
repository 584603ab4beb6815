package tasks

import (
	"time"

	"github.com/jaracil/fieldnode/internal/model"
	"github.com/jaracil/fieldnode/internal/msgqueue"
)

// Dependencies are the shared collaborators every task constructor may
// need. Exactly which fields a given kind uses is documented on its
// constructor; unused fields are fine to leave zero in tests.
type Dependencies struct {
	Queue *msgqueue.Queue

	// ModemTime queries the modem's onboard clock under the ModemLock,
	// wired in cmd/fieldnode to modemsession.Session.GetSystemTime via a
	// lock-acquire/release wrapper — tasks never touch the lock directly.
	ModemTime func() (time.Time, error)

	// SetSystemClock applies a corrected time.Time to the host OS clock
	// (WakeupTimeSync). Left nil in tests that don't exercise it.
	SetSystemClock func(time.Time) error

	// StartSupervisor/StopSupervisor/CheckSupervisor key a named
	// supervisor (e.g. "ppp", "autossh") registered by cmd/fieldnode.
	StartSupervisor func(name string) error
	StopSupervisor  func(name string) error
	CheckSupervisor func(name string) (model.Outcome, error)

	// RunCommand executes an external binary and returns its combined
	// stdout, for the Command task kind.
	RunCommand func(binary string, args []string) (string, error)

	// SetRTC and PlatformSleep implement the Sleep task's "sync RTC" and
	// "invoke platform sleep" steps; left nil to no-op in tests.
	SetRTC        func(time.Time) error
	PlatformSleep func(d time.Duration) error

	// HomeDir is $HOME, where sleepinfo.txt/reboot.txt breadcrumbs live.
	HomeDir string

	// MaxSbdPayload bounds SbdSender (340 cut-down / 1920 full, per
	// spec.md §4.3), enforced at enqueue time.
	MaxSbdPayload int
}
