// Package tasks implements the uniform Task contract and the seven task
// kinds from spec.md §4.6, dispatched through an explicit kind-name
// registry rather than the original's reflective class lookup (design
// note "Task dispatch via reflective class lookup").
package tasks

import (
	"fmt"

	"github.com/jaracil/fieldnode/internal/model"
)

// Task is the uniform contract every task kind satisfies. action names a
// sub-operation and defaults to the kind's declared default action when
// empty; an unrecognised action is a hard failure (spec.md §4.6).
type Task struct {
	ID     string
	Kind   string
	Runner Runner
}

// Runner performs a task's actual work for one invocation. kwargs carries
// both the action's static args and an optional "invoking_task" key set by
// follow-on dispatch.
type Runner interface {
	Run(action string, kwargs map[string]string) (model.Outcome, error)
}

// Constructor builds a Runner from an action's static configuration.
type Constructor func(id string, args map[string]string) (Runner, error)

// Registry maps a task-kind name to its Constructor. Configuration names
// must resolve here at startup or fail fast (design note).
type Registry struct {
	ctors map[string]Constructor
}

// NewRegistry returns a Registry pre-populated with the seven built-in
// task kinds.
func NewRegistry(deps Dependencies) *Registry {
	r := &Registry{ctors: map[string]Constructor{}}
	r.Register("SbdSender", func(id string, args map[string]string) (Runner, error) {
		return NewSbdSender(id, args, deps)
	})
	r.Register("FileSender", func(id string, args map[string]string) (Runner, error) {
		return NewFileSender(id, args, deps)
	})
	r.Register("RudicsDialer", func(id string, args map[string]string) (Runner, error) {
		return NewRudicsDialer(id, args, deps)
	})
	r.Register("SshTunnel", func(id string, args map[string]string) (Runner, error) {
		return NewSshTunnel(id, args, deps)
	})
	r.Register("Sleep", func(id string, args map[string]string) (Runner, error) {
		return NewSleepTask(id, args, deps)
	})
	r.Register("Command", func(id string, args map[string]string) (Runner, error) {
		return NewCommandTask(id, args, deps)
	})
	r.Register("WakeupTimeSync", func(id string, args map[string]string) (Runner, error) {
		return NewWakeupTimeSync(id, args, deps)
	})
	return r
}

// Register adds or replaces the constructor for kind.
func (r *Registry) Register(kind string, ctor Constructor) {
	r.ctors[kind] = ctor
}

// Build resolves kind to a Runner via its registered Constructor, or
// returns an error wrapping model.ErrConfig if kind is unknown.
func (r *Registry) Build(id, kind string, args map[string]string) (*Task, error) {
	ctor, ok := r.ctors[kind]
	if !ok {
		return nil, fmt.Errorf("tasks: %w: unknown task kind %q", model.ErrConfig, kind)
	}
	runner, err := ctor(id, args)
	if err != nil {
		return nil, err
	}
	return &Task{ID: id, Kind: kind, Runner: runner}, nil
}

// Run executes the task's default action (or action, if non-empty). A panic
// anywhere in Runner.Run is caught here, at the task boundary, and reported
// as OutcomeInvalid wrapping model.ErrBug (spec.md §7: "errors inside a task
// are caught at the task boundary") rather than crashing the daemon.
func (t *Task) Run(action string, kwargs map[string]string) (outcome model.Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			outcome = model.OutcomeInvalid
			err = fmt.Errorf("tasks: %w: task %s (%s) panicked: %v", model.ErrBug, t.ID, t.Kind, r)
		}
	}()

	outcome, err = t.Runner.Run(action, kwargs)
	if err != nil && outcome == model.OutcomeOK {
		outcome = model.OutcomeInvalid
	}
	return outcome, err
}
