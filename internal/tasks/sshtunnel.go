package tasks

import (
	"fmt"

	"github.com/jaracil/fieldnode/internal/model"
)

// SshTunnel supervises the AutoSSH subprocess: readiness is the presence
// of a matching child SSH process in `ps -f` output (spec.md §4.6).
type SshTunnel struct {
	id   string
	deps Dependencies
}

// NewSshTunnel constructs an SshTunnel.
func NewSshTunnel(id string, args map[string]string, deps Dependencies) (Runner, error) {
	return &SshTunnel{id: id, deps: deps}, nil
}

// Run implements Runner.
func (t *SshTunnel) Run(action string, kwargs map[string]string) (model.Outcome, error) {
	switch action {
	case "", "start":
		if t.deps.StartSupervisor == nil {
			return model.OutcomeInvalid, fmt.Errorf("tasks: %w: SshTunnel has no StartSupervisor wired", model.ErrBug)
		}
		if err := t.deps.StartSupervisor(supervisorAutoSSH); err != nil {
			return model.OutcomeCritical, err
		}
		return model.OutcomeOK, nil
	case "stop":
		if t.deps.StopSupervisor == nil {
			return model.OutcomeOK, nil
		}
		if err := t.deps.StopSupervisor(supervisorAutoSSH); err != nil {
			return model.OutcomeWarning, err
		}
		return model.OutcomeOK, nil
	case "check":
		if t.deps.CheckSupervisor == nil {
			return model.OutcomeInvalid, fmt.Errorf("tasks: %w: SshTunnel has no CheckSupervisor wired", model.ErrBug)
		}
		return t.deps.CheckSupervisor(supervisorAutoSSH)
	default:
		return model.OutcomeInvalid, fmt.Errorf("tasks: %w: SshTunnel has no action %q", model.ErrConfig, action)
	}
}
