package tasks

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/jaracil/fieldnode/internal/model"
)

// CommandTask runs an external binary with "--key value" arguments drawn
// from kwargs and parses its stdout for an outcome keyword (spec.md
// §4.6).
type CommandTask struct {
	id   string
	bin  string
	deps Dependencies
}

var outcomeWordRe = regexp.MustCompile(`(?i)\b(ok|warning|critical|invalid)\b`)

// NewCommandTask constructs a CommandTask. args["bin"] names the external
// binary to invoke.
func NewCommandTask(id string, args map[string]string, deps Dependencies) (Runner, error) {
	bin := args["bin"]
	if bin == "" {
		return nil, fmt.Errorf("tasks: %w: Command %s missing required arg \"bin\"", model.ErrConfig, id)
	}
	return &CommandTask{id: id, bin: bin, deps: deps}, nil
}

// Run implements Runner. Every kwarg except "invoking_task" is passed
// through as "--key value" flags, sorted by key for determinism.
func (t *CommandTask) Run(action string, kwargs map[string]string) (model.Outcome, error) {
	switch action {
	case "", "run":
	default:
		return model.OutcomeInvalid, fmt.Errorf("tasks: %w: Command has no action %q", model.ErrConfig, action)
	}

	if t.deps.RunCommand == nil {
		return model.OutcomeInvalid, fmt.Errorf("tasks: %w: Command has no RunCommand wired", model.ErrBug)
	}

	keys := make([]string, 0, len(kwargs))
	for k := range kwargs {
		if k == "invoking_task" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	args := make([]string, 0, len(keys)*2)
	for _, k := range keys {
		args = append(args, "--"+k, kwargs[k])
	}

	out, err := t.deps.RunCommand(t.bin, args)
	if err != nil {
		return model.OutcomeCritical, fmt.Errorf("tasks: %w: running %s: %v", model.ErrSubprocess, t.bin, err)
	}

	match := outcomeWordRe.FindString(out)
	switch strings.ToLower(match) {
	case "ok":
		return model.OutcomeOK, nil
	case "warning":
		return model.OutcomeWarning, nil
	case "critical":
		return model.OutcomeCritical, nil
	case "invalid":
		return model.OutcomeInvalid, nil
	default:
		return model.OutcomeInvalid, fmt.Errorf("tasks: %w: %s stdout carried no outcome keyword", model.ErrProtocol, t.bin)
	}
}
