// Package config reads the sectioned INI configuration file described in
// spec.md §6 into a typed Config, using gopkg.in/ini.v1. Struct tags
// mirror the section/key names the file format mandates, in the same
// typed-section style as the teacher's cmd/vmodem Options struct.
package config

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/ini.v1"

	"github.com/jaracil/fieldnode/internal/model"
)

// General holds the [general] section.
type General struct {
	StartWhenFail bool   `ini:"start_when_fail"`
	PIDFile       string `ini:"pid_file"`
	MTDestination string `ini:"mt_destination"`
}

// ModemConnection holds the [ModemConnection] section.
type ModemConnection struct {
	SerialPort       string        `ini:"serial_port"`
	SerialTimeout    float64       `ini:"serial_timeout"`
	SerialBaud       int           `ini:"serial_baud"`
	ModemWait        float64       `ini:"modem_wait"`
	ModemPowerDIO    string        `ini:"modem_power_dio"`
	GracePeriod      int           `ini:"grace_period"`
	OfflineStart     string        `ini:"offline_start"`
	OfflineEnd       string        `ini:"offline_end"`
	MaxRegChecks     int           `ini:"max_reg_checks"`
	RegCheckInterval float64       `ini:"reg_check_interval"`
	SbdXferTimeout   float64       `ini:"sbd_xfer_timeout"`
	MsgTimeout       float64       `ini:"msg_timeout"`
	MsgWaitPeriod    float64       `ini:"msg_wait_period"`
	SbdAttempts      int           `ini:"sbd_attempts"`
	SbdGap           int           `ini:"sbd_gap"`
	Virtual          bool          `ini:"virtual"`
	Rockblock        bool          `ini:"rockblock"`
	DialupNumber     string        `ini:"dialup_number"`
	CallTimeout      int           `ini:"call_timeout"`
	Type             string        `ini:"type"`
}

// Action is one [actions] entry (spec.md §6). Args is opaque key/value,
// resolved against each task kind's declared argument record at
// construction time (design note "Dynamic kwargs flow").
type Action struct {
	ID       string
	Task     string
	Args     map[string]string
	OnBoot   bool
	Interval time.Duration
	Date     string // YYYYMMDD
	Time     string // HHMM
	Cron     CronFields

	OnOK       string
	OnOKArgs   map[string]string
	OnWarning  string
	OnWarnArgs map[string]string
	OnCritical string
	OnCritArgs map[string]string
	OnInvalid  string
	OnInvArgs  map[string]string

	OnStart       bool
	StartWhenFail bool
}

// CronFields holds the robfig/cron/v3-compatible fields named in spec.md
// §3: year/month/day/week/day_of_week/hour/minute/second plus an
// optional start/end date window.
type CronFields struct {
	Year, Month, Day, Week, DayOfWeek, Hour, Minute, Second string
	StartDate, EndDate                                      string
}

// Config is the fully parsed configuration.
type Config struct {
	General General
	Modem   ModemConnection
	Actions []Action
}

// Load reads and validates path, returning model.ErrConfig-wrapped errors
// for any malformed or missing required key.
func Load(path string) (*Config, error) {
	f, err := ini.LoadSources(ini.LoadOptions{AllowBooleanKeys: true}, path)
	if err != nil {
		return nil, fmt.Errorf("config: %w: loading %s: %v", model.ErrConfig, path, err)
	}

	cfg := &Config{}
	if err := f.Section("general").MapTo(&cfg.General); err != nil {
		return nil, fmt.Errorf("config: %w: [general]: %v", model.ErrConfig, err)
	}
	if err := f.Section("ModemConnection").MapTo(&cfg.Modem); err != nil {
		return nil, fmt.Errorf("config: %w: [ModemConnection]: %v", model.ErrConfig, err)
	}
	if cfg.Modem.Type == "" {
		cfg.Modem.Type = "rudics"
	}
	if cfg.Modem.Type != "rudics" && cfg.Modem.Type != "certus" {
		return nil, fmt.Errorf("config: %w: ModemConnection.type %q must be rudics or certus", model.ErrConfig, cfg.Modem.Type)
	}
	if cfg.General.PIDFile == "" {
		return nil, fmt.Errorf("config: %w: [general].pid_file is required", model.ErrConfig)
	}
	if cfg.Modem.SerialPort == "" {
		return nil, fmt.Errorf("config: %w: [ModemConnection].serial_port is required", model.ErrConfig)
	}

	actions, err := parseActions(f)
	if err != nil {
		return nil, err
	}
	cfg.Actions = actions
	return cfg, nil
}

// parseActions reads every "action.<id>" section (the ini library's
// convention for repeated, distinctly-named [actions] entries; spec.md §6
// describes [actions] as a list, which this module maps onto one section
// per action id, e.g. [action.sbd_status]).
func parseActions(f *ini.File) ([]Action, error) {
	var out []Action
	for _, sec := range f.Sections() {
		name := sec.Name()
		if !strings.HasPrefix(name, "action.") {
			continue
		}
		id := strings.TrimPrefix(name, "action.")
		a := Action{ID: id, Args: map[string]string{}}
		a.Task = sec.Key("task").String()
		if a.Task == "" {
			return nil, fmt.Errorf("config: %w: [%s] missing task", model.ErrConfig, name)
		}
		a.OnBoot = sec.Key("onboot").MustBool(false)
		if v := sec.Key("interval").String(); v != "" {
			mins, err := sec.Key("interval").Int()
			if err != nil {
				return nil, fmt.Errorf("config: %w: [%s] bad interval: %v", model.ErrConfig, name, err)
			}
			a.Interval = time.Duration(mins) * time.Minute
		} else if v := sec.Key("interval_secs").String(); v != "" {
			secs, err := sec.Key("interval_secs").Int()
			if err != nil {
				return nil, fmt.Errorf("config: %w: [%s] bad interval_secs: %v", model.ErrConfig, name, err)
			}
			a.Interval = time.Duration(secs) * time.Second
		}
		a.Date = sec.Key("date").String()
		a.Time = sec.Key("time").String()
		a.Cron = CronFields{
			Year: sec.Key("year").String(), Month: sec.Key("month").String(),
			Day: sec.Key("day").String(), Week: sec.Key("week").String(),
			DayOfWeek: sec.Key("day_of_week").String(), Hour: sec.Key("hour").String(),
			Minute: sec.Key("minute").String(), Second: sec.Key("second").String(),
			StartDate: sec.Key("start_date").String(), EndDate: sec.Key("end_date").String(),
		}
		a.OnOK, a.OnOKArgs = followOn(sec, "on_ok")
		a.OnWarning, a.OnWarnArgs = followOn(sec, "on_warning")
		a.OnCritical, a.OnCritArgs = followOn(sec, "on_critical")
		a.OnInvalid, a.OnInvArgs = followOn(sec, "on_invalid")
		a.OnStart = sec.Key("on_start").MustBool(false)
		a.StartWhenFail = sec.Key("start_when_fail").MustBool(false)

		for _, k := range sec.Keys() {
			a.Args[k.Name()] = k.String()
		}
		out = append(out, a)
	}
	return out, nil
}

func followOn(sec *ini.Section, key string) (task string, args map[string]string) {
	task = sec.Key(key).String()
	if task == "" {
		return "", nil
	}
	args = map[string]string{}
	prefix := key + "_args."
	for _, k := range sec.Keys() {
		if strings.HasPrefix(k.Name(), prefix) {
			args[strings.TrimPrefix(k.Name(), prefix)] = k.String()
		}
	}
	return task, args
}
