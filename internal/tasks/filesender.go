package tasks

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jaracil/fieldnode/internal/model"
)

// FileSender enqueues a File-MO item for every path named in the invoking
// task's output (kwargs["output"], comma-separated); spec.md §4.6 default
// action, no alternatives.
type FileSender struct {
	id   string
	deps Dependencies
}

// NewFileSender constructs a FileSender.
func NewFileSender(id string, args map[string]string, deps Dependencies) (Runner, error) {
	return &FileSender{id: id, deps: deps}, nil
}

// Run implements Runner.
func (t *FileSender) Run(action string, kwargs map[string]string) (model.Outcome, error) {
	switch action {
	case "", "send":
	default:
		return model.OutcomeInvalid, fmt.Errorf("tasks: %w: FileSender has no action %q", model.ErrConfig, action)
	}

	output := kwargs["output"]
	if output == "" {
		return model.OutcomeOK, nil
	}
	for _, path := range strings.Split(output, ",") {
		path = strings.TrimSpace(path)
		if path == "" {
			continue
		}
		if err := t.enqueueOne(path); err != nil {
			return model.OutcomeWarning, err
		}
	}
	return model.OutcomeOK, nil
}

func (t *FileSender) enqueueOne(path string) error {
	fi, err := os.Stat(path)
	if err != nil {
		return err
	}
	name := path
	if idx := strings.LastIndexByte(path, '/'); idx >= 0 {
		name = path[idx+1:]
	}
	if len(name) > model.MaxFilenameBytes {
		name = name[:model.MaxFilenameBytes]
	}
	t.deps.Queue.Push(&model.Item{
		Priority:   model.PriorityFileMo,
		EnqueuedAt: time.Now().UTC(),
		File: &model.FileMo{
			Path:     path,
			Size:     fi.Size(),
			Filename: name,
		},
	})
	return nil
}
