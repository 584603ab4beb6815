package tasks

import (
	"fmt"

	"github.com/jaracil/fieldnode/internal/model"
)

// supervisorPPP and supervisorAutoSSH are the keys Dependencies'
// Start/Stop/CheckSupervisor functions use to identify a running
// supervisor instance.
const (
	supervisorPPP     = "ppp"
	supervisorAutoSSH = "autossh"
)

// RudicsDialer supervises the PPP dialer subprocess: start, stop, and a
// liveness check against the PPP interface (spec.md §4.6/§4.8).
type RudicsDialer struct {
	id   string
	deps Dependencies
}

// NewRudicsDialer constructs a RudicsDialer. No static args are
// recognised; the supervisor's command/args/iface are wired by
// cmd/fieldnode at Dependencies construction time.
func NewRudicsDialer(id string, args map[string]string, deps Dependencies) (Runner, error) {
	return &RudicsDialer{id: id, deps: deps}, nil
}

// Run implements Runner.
func (t *RudicsDialer) Run(action string, kwargs map[string]string) (model.Outcome, error) {
	switch action {
	case "", "start":
		if t.deps.StartSupervisor == nil {
			return model.OutcomeInvalid, fmt.Errorf("tasks: %w: RudicsDialer has no StartSupervisor wired", model.ErrBug)
		}
		if err := t.deps.StartSupervisor(supervisorPPP); err != nil {
			return model.OutcomeCritical, err
		}
		return model.OutcomeOK, nil
	case "stop":
		if t.deps.StopSupervisor == nil {
			return model.OutcomeOK, nil
		}
		if err := t.deps.StopSupervisor(supervisorPPP); err != nil {
			return model.OutcomeWarning, err
		}
		return model.OutcomeOK, nil
	case "check":
		if t.deps.CheckSupervisor == nil {
			return model.OutcomeInvalid, fmt.Errorf("tasks: %w: RudicsDialer has no CheckSupervisor wired", model.ErrBug)
		}
		return t.deps.CheckSupervisor(supervisorPPP)
	default:
		return model.OutcomeInvalid, fmt.Errorf("tasks: %w: RudicsDialer has no action %q", model.ErrConfig, action)
	}
}
