package main

import (
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/rs/zerolog/log"
	"go.bug.st/serial"

	"github.com/jaracil/fieldnode/internal/config"
	"github.com/jaracil/fieldnode/internal/fnlog"
	"github.com/jaracil/fieldnode/internal/modemlock"
	"github.com/jaracil/fieldnode/internal/modemsession"
	"github.com/jaracil/fieldnode/internal/modemworker"
	"github.com/jaracil/fieldnode/internal/model"
	"github.com/jaracil/fieldnode/internal/msgqueue"
	"github.com/jaracil/fieldnode/internal/pidfile"
	"github.com/jaracil/fieldnode/internal/scheduler"
	"github.com/jaracil/fieldnode/internal/serialtransport"
	"github.com/jaracil/fieldnode/internal/supervisor"
	"github.com/jaracil/fieldnode/internal/tasks"
)

// Options holds the process-level CLI flags, in the same typed-struct
// style as vmodem's cmd/vmodem Options.
type Options struct {
	ConfigPath string `short:"c" long:"config" description:"Path to config file" default:"/etc/fieldnode/fieldnode.ini"`
	Foreground bool   `short:"f" long:"foreground" description:"Run in the foreground, skip daemonising"`
	Verbose    bool   `short:"v" long:"verbose" description:"Enable debug-level logging"`
}

// iridiumEpoch is the Iridium system-time reference instant (spec.md
// §4.3).
var iridiumEpoch = time.Date(2014, 5, 11, 14, 23, 55, 0, time.UTC)

func main() {
	var options Options
	parser := flags.NewParser(&options, flags.Default)
	if _, err := parser.ParseArgs(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error parsing flags: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.Load(options.ConfigPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading config: %v\n", err)
		os.Exit(1)
	}

	if !options.Foreground {
		daemonize(options)
		return
	}

	closer, err := fnlog.Init(fnlog.Config{Dir: "/var/log/fieldnode", Verbose: options.Verbose})
	if err != nil {
		fmt.Fprintf(os.Stderr, "error initialising logger: %v\n", err)
		os.Exit(1)
	}
	defer closer.Close()

	pf, err := pidfile.Acquire(cfg.General.PIDFile)
	if err != nil {
		log.Fatal().Err(err).Msg("could not acquire pid file")
		os.Exit(1)
	}
	defer pf.Release()

	exitCode := run(cfg)
	// os.Exit skips deferred calls, so release the PID file and close the
	// log sink explicitly first.
	pf.Release()
	closer.Close()
	os.Exit(exitCode)
}

func run(cfg *config.Config) int {
	homeDir := os.Getenv("HOME")
	reconcileSleepBreadcrumbs(homeDir)

	queue := msgqueue.New()

	lock := modemlock.New(modemlock.Config{
		DIOPin:        cfg.Modem.ModemPowerDIO,
		GracePeriod:   time.Duration(cfg.Modem.GracePeriod) * time.Second,
		OfflineStart:  cfg.Modem.OfflineStart,
		OfflineEnd:    cfg.Modem.OfflineEnd,
	})

	parity, stopBits := serial.NoParity, serial.OneStopBit
	transport := serialtransport.New(serialtransport.Config{
		Port:     cfg.Modem.SerialPort,
		Baud:     cfg.Modem.SerialBaud,
		DataBits: 8,
		Parity:   parity,
		StopBits: stopBits,
		Virtual:  cfg.Modem.Virtual,
	})

	session := modemsession.New(transport, modemsession.Config{
		Rockblock:        cfg.Modem.Rockblock,
		MaxRegChecks:     cfg.Modem.MaxRegChecks,
		RegCheckInterval: durationOf(cfg.Modem.RegCheckInterval),
		SbdXferTimeout:   durationOf(cfg.Modem.SbdXferTimeout),
		MsgTimeout:       durationOf(cfg.Modem.MsgTimeout),
		MsgWaitPeriod:    durationOf(cfg.Modem.MsgWaitPeriod),
		SbdAttempts:      cfg.Modem.SbdAttempts,
		SbdGap:           time.Duration(cfg.Modem.SbdGap) * time.Second,
		DialupNumber:     cfg.Modem.DialupNumber,
		CallTimeout:      time.Duration(cfg.Modem.CallTimeout) * time.Second,
		MTDropDir:        cfg.General.MTDestination,
		IridiumEpoch:     iridiumEpoch,
		Logf:             log.Printf,
	})

	worker := modemworker.New(modemworker.Config{
		Lock:      lock,
		Session:   session,
		Queue:     queue,
		ModemWait: durationOf(cfg.Modem.ModemWait),
		Logf:      log.Printf,
	})
	go worker.Run()
	defer worker.Stop()

	supervisors := map[string]*supervisor.Supervisor{
		"ppp": supervisor.New(supervisor.Config{
			Name:    "ppp",
			Command: "pppd",
			Args:    []string{"call", "fieldnode"},
			PIDFile: "/var/run/fieldnode-ppp.pid",
			Check:   func() (bool, error) { return supervisor.InterfaceHasIP("ppp0") },
			Logf:    log.Printf,
		}),
		"autossh": supervisor.New(supervisor.Config{
			Name:    "autossh",
			Command: "autossh",
			Args:    []string{"-M", "0", "-f", "-N", "fieldnode-tunnel"},
			PIDFile: "/var/run/fieldnode-autossh.pid",
			Check:   func() (bool, error) { return supervisor.ProcessMatchesRegex("fieldnode-tunnel") },
			Logf:    log.Printf,
		}),
	}

	deps := tasks.Dependencies{
		Queue: queue,
		ModemTime: func() (time.Time, error) {
			acquired, err := lock.TryAcquire(true)
			if err != nil {
				return time.Time{}, err
			}
			if !acquired {
				return time.Time{}, fmt.Errorf("modem lock unavailable")
			}
			defer lock.Release()
			if err := session.Initialise(); err != nil {
				return time.Time{}, err
			}
			defer session.Close()
			return session.GetSystemTime()
		},
		SetSystemClock: func(t time.Time) error {
			return exec.Command("date", "-u", "-s", t.Format(time.RFC3339)).Run()
		},
		StartSupervisor: func(name string) error {
			sv, ok := supervisors[name]
			if !ok {
				return fmt.Errorf("no supervisor configured for %q", name)
			}
			return sv.Start()
		},
		StopSupervisor: func(name string) error {
			sv, ok := supervisors[name]
			if !ok {
				return nil
			}
			return sv.Stop()
		},
		CheckSupervisor: func(name string) (model.Outcome, error) {
			sv, ok := supervisors[name]
			if !ok {
				return model.OutcomeInvalid, fmt.Errorf("no supervisor configured for %q", name)
			}
			return sv.Check()
		},
		RunCommand: func(binary string, args []string) (string, error) {
			out, err := exec.Command(binary, args...).CombinedOutput()
			return string(out), err
		},
		SetRTC:        func(time.Time) error { return nil },
		PlatformSleep: func(d time.Duration) error { time.Sleep(d); return nil },
		HomeDir:       os.Getenv("HOME"),
		MaxSbdPayload: sbdLimit(cfg.Modem.Rockblock),
	}

	registry := tasks.NewRegistry(deps)

	sched := scheduler.New(cfg.Actions, registry, log.Printf)
	if err := sched.RunInitialChecks(); err != nil {
		log.Error().Err(err).Msg("initial checks failed")
		return 1
	}
	if err := sched.Start(); err != nil {
		log.Error().Err(err).Msg("scheduler failed to start")
		return 1
	}
	defer sched.Stop()

	waitForSignal()
	return 0
}

// reconcileSleepBreadcrumbs reads back the Sleep task's planned-duration
// breadcrumb from the previous cycle and logs the observed boot-to-wake
// drift, then records this boot for the next cycle's reading (spec.md
// §6, SPEC_FULL.md §6). The scheduler has no single "resume from sleep"
// action to shrink — every action replans independently at 23:01 — so
// the drift is surfaced as a diagnostic rather than fed back into a
// trigger.
func reconcileSleepBreadcrumbs(homeDir string) {
	now := time.Now().UTC()
	if plannedSecs, setAt, ok := tasks.ReadSleepInfo(homeDir); ok {
		wokeAfter := now.Sub(setAt)
		drift := wokeAfter - time.Duration(plannedSecs)*time.Second
		log.Info().
			Int64("planned_secs", plannedSecs).
			Dur("observed", wokeAfter).
			Dur("drift", drift).
			Msg("boot-to-wake drift since last sleep")
	}
	if err := tasks.WriteRebootBreadcrumb(homeDir, now); err != nil {
		log.Warn().Err(err).Msg("could not write reboot breadcrumb")
	}
}

// daemonize re-execs the current binary with --foreground in a detached
// session, then exits the parent, in the style of marmos91-dittofs's
// startDaemon.
func daemonize(options Options) {
	exe, err := os.Executable()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error finding executable: %v\n", err)
		os.Exit(1)
	}
	args := []string{"--config", options.ConfigPath, "--foreground"}
	if options.Verbose {
		args = append(args, "--verbose")
	}
	cmd := exec.Command(exe, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "error starting daemon: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("fieldnode started in background (pid %d)\n", cmd.Process.Pid)
}

func waitForSignal() {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
}

func durationOf(secs float64) time.Duration {
	return time.Duration(secs * float64(time.Second))
}

func sbdLimit(rockblock bool) int {
	if rockblock {
		return 340
	}
	return 1920
}
