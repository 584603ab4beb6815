package tasks

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/jaracil/fieldnode/internal/model"
)

// SleepTask computes the seconds until a configured wake time, syncs the
// RTC, writes the sleepinfo.txt/reboot.txt breadcrumbs, and invokes the
// platform sleep hook (spec.md §4.6; breadcrumbs per SPEC_FULL.md §6).
type SleepTask struct {
	id   string
	deps Dependencies
	now  func() time.Time
}

// NewSleepTask constructs a SleepTask.
func NewSleepTask(id string, args map[string]string, deps Dependencies) (Runner, error) {
	return &SleepTask{id: id, deps: deps, now: func() time.Time { return time.Now().UTC() }}, nil
}

// Run implements Runner. kwargs recognises "until_date" ("today",
// "tomorrow", or "DDMMYYYY") and "until_time" ("HHMM").
func (t *SleepTask) Run(action string, kwargs map[string]string) (model.Outcome, error) {
	switch action {
	case "", "sleep":
	default:
		return model.OutcomeInvalid, fmt.Errorf("tasks: %w: Sleep has no action %q", model.ErrConfig, action)
	}

	wake, err := t.resolveWakeTime(kwargs["until_date"], kwargs["until_time"])
	if err != nil {
		return model.OutcomeCritical, err
	}

	now := t.now()
	d := wake.Sub(now)
	if d <= 0 {
		return model.OutcomeCritical, fmt.Errorf("tasks: %w: computed wake time %s is not in the future", model.ErrConfig, wake)
	}

	if t.deps.SetRTC != nil {
		if err := t.deps.SetRTC(wake); err != nil {
			return model.OutcomeCritical, fmt.Errorf("tasks: setting RTC: %w", err)
		}
	}

	t.writeBreadcrumbs(d, now)

	if t.deps.PlatformSleep != nil {
		if err := t.deps.PlatformSleep(d); err != nil {
			return model.OutcomeCritical, fmt.Errorf("tasks: platform sleep: %w", err)
		}
	}
	return model.OutcomeOK, nil
}

// resolveWakeTime parses the "today"/"tomorrow"/"DDMMYYYY" date forms
// combined with an "HHMM" time-of-day, per spec.md §4.6.
func (t *SleepTask) resolveWakeTime(untilDate, untilTime string) (time.Time, error) {
	if len(untilTime) != 4 {
		return time.Time{}, fmt.Errorf("tasks: %w: until_time %q must be HHMM", model.ErrConfig, untilTime)
	}
	hh, err1 := strconv.Atoi(untilTime[0:2])
	mm, err2 := strconv.Atoi(untilTime[2:4])
	if err1 != nil || err2 != nil || hh > 23 || mm > 59 {
		return time.Time{}, fmt.Errorf("tasks: %w: invalid until_time %q", model.ErrConfig, untilTime)
	}

	now := t.now()
	var day time.Time
	switch strings.ToLower(untilDate) {
	case "", "today":
		day = now
	case "tomorrow":
		day = now.AddDate(0, 0, 1)
	default:
		day, err1 = time.Parse("02012006", untilDate)
		if err1 != nil {
			return time.Time{}, fmt.Errorf("tasks: %w: invalid until_date %q", model.ErrConfig, untilDate)
		}
	}
	return time.Date(day.Year(), day.Month(), day.Day(), hh, mm, 0, 0, time.UTC), nil
}

// writeBreadcrumbs writes $HOME/sleepinfo.txt ("<seconds>,<ISO8601
// set-time>") for cmd/fieldnode to read back at the next boot
// (SPEC_FULL.md §6). Write failures are ignored — the sleep still
// proceeds.
func (t *SleepTask) writeBreadcrumbs(d time.Duration, setTime time.Time) {
	if t.deps.HomeDir == "" {
		return
	}
	line := fmt.Sprintf("%d,%s\n", int64(d.Seconds()), setTime.Format(time.RFC3339))
	_ = os.WriteFile(filepath.Join(t.deps.HomeDir, "sleepinfo.txt"), []byte(line), 0o644)
}

// ReadSleepInfo reads $HOME/sleepinfo.txt, returning the previously
// planned sleep duration and the time it was set, for the boot-to-wake
// drift diagnostic cmd/fieldnode logs at startup (SPEC_FULL.md §6).
func ReadSleepInfo(homeDir string) (plannedSeconds int64, setTime time.Time, ok bool) {
	data, err := os.ReadFile(filepath.Join(homeDir, "sleepinfo.txt"))
	if err != nil {
		return 0, time.Time{}, false
	}
	parts := strings.SplitN(strings.TrimSpace(string(data)), ",", 2)
	if len(parts) != 2 {
		return 0, time.Time{}, false
	}
	secs, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, time.Time{}, false
	}
	set, err := time.Parse(time.RFC3339, parts[1])
	if err != nil {
		return 0, time.Time{}, false
	}
	return secs, set, true
}

// WriteRebootBreadcrumb writes $HOME/reboot.txt ("Rebooted at <ctime>"),
// read alongside sleepinfo.txt at the next boot (SPEC_FULL.md §6).
func WriteRebootBreadcrumb(homeDir string, at time.Time) error {
	if homeDir == "" {
		return nil
	}
	line := fmt.Sprintf("Rebooted at %s\n", at.Format(time.ANSIC))
	return os.WriteFile(filepath.Join(homeDir, "reboot.txt"), []byte(line), 0o644)
}
