package tasks

import (
	"fmt"
	"strconv"
	"time"

	"github.com/jaracil/fieldnode/internal/model"
)

// defaultTimeSyncThreshold is the clock drift beyond which WakeupTimeSync
// corrects the system clock, per spec.md §4.6.
const defaultTimeSyncThreshold = 5 * time.Second

// WakeupTimeSync queries the modem's onboard clock and, if it has drifted
// from the system clock by more than threshold_secs (default 5s), sets
// the system clock to match (spec.md §4.6, §4.3 get_system_time).
type WakeupTimeSync struct {
	id        string
	threshold time.Duration
	deps      Dependencies
}

// NewWakeupTimeSync constructs a WakeupTimeSync. args["threshold_secs"]
// overrides the default 5-second drift threshold.
func NewWakeupTimeSync(id string, args map[string]string, deps Dependencies) (Runner, error) {
	threshold := defaultTimeSyncThreshold
	if v := args["threshold_secs"]; v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("tasks: %w: WakeupTimeSync %s bad threshold_secs %q", model.ErrConfig, id, v)
		}
		threshold = time.Duration(secs) * time.Second
	}
	return &WakeupTimeSync{id: id, threshold: threshold, deps: deps}, nil
}

// Run implements Runner.
func (t *WakeupTimeSync) Run(action string, kwargs map[string]string) (model.Outcome, error) {
	switch action {
	case "", "sync":
	default:
		return model.OutcomeInvalid, fmt.Errorf("tasks: %w: WakeupTimeSync has no action %q", model.ErrConfig, action)
	}

	if t.deps.ModemTime == nil {
		return model.OutcomeInvalid, fmt.Errorf("tasks: %w: WakeupTimeSync has no ModemTime wired", model.ErrBug)
	}
	modemTime, err := t.deps.ModemTime()
	if err != nil {
		return model.OutcomeCritical, fmt.Errorf("tasks: querying modem time: %w", err)
	}

	delta := modemTime.Sub(time.Now().UTC())
	if delta < 0 {
		delta = -delta
	}
	if delta <= t.threshold {
		return model.OutcomeOK, nil
	}

	if t.deps.SetSystemClock == nil {
		return model.OutcomeWarning, fmt.Errorf("tasks: drift %s exceeds threshold %s but no SetSystemClock wired", delta, t.threshold)
	}
	if err := t.deps.SetSystemClock(modemTime); err != nil {
		return model.OutcomeCritical, fmt.Errorf("tasks: setting system clock: %w", err)
	}
	return model.OutcomeWarning, nil
}
