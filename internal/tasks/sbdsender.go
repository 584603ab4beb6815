package tasks

import (
	"fmt"
	"time"

	"github.com/jaracil/fieldnode/internal/model"
)

// SbdSender enqueues an SBD-MO message. Default action sends the message
// text carried by the invoking task's state (kwargs["message"] or
// kwargs["state"]); the optional "send_message" action takes an explicit
// text and include_date flag (spec.md §4.6).
type SbdSender struct {
	id   string
	deps Dependencies
}

// NewSbdSender constructs an SbdSender. args recognises no static keys;
// message content always arrives via kwargs at Run time.
func NewSbdSender(id string, args map[string]string, deps Dependencies) (Runner, error) {
	return &SbdSender{id: id, deps: deps}, nil
}

// Run implements Runner.
func (t *SbdSender) Run(action string, kwargs map[string]string) (model.Outcome, error) {
	switch action {
	case "", "send":
		text := kwargs["message"]
		if text == "" {
			text = kwargs["state"]
		}
		return t.enqueue(text, kwargs["include_date"] == "true", kwargs["critical"] == "true")
	case "send_message":
		return t.enqueue(kwargs["text"], kwargs["include_date"] == "true", false)
	default:
		return model.OutcomeInvalid, fmt.Errorf("tasks: %w: SbdSender has no action %q", model.ErrConfig, action)
	}
}

func (t *SbdSender) enqueue(text string, includeDate, critical bool) (model.Outcome, error) {
	limit := t.deps.MaxSbdPayload
	if limit == 0 {
		limit = model.SbdPayloadLimitFull
	}
	payload := []byte(text)
	if includeDate {
		payload = append(payload, []byte(" "+time.Now().UTC().Format(time.RFC3339))...)
	}
	if len(payload) > limit {
		return model.OutcomeInvalid, fmt.Errorf("tasks: %w: SbdSender payload %d bytes exceeds limit %d", model.ErrConfig, len(payload), limit)
	}

	t.deps.Queue.Push(&model.Item{
		Priority:   model.PrioritySbdMo,
		EnqueuedAt: time.Now().UTC(),
		SBD: &model.SbdMo{
			Payload:          payload,
			IncludeTimestamp: includeDate,
			Critical:         critical,
			EnqueuedAt:       time.Now().UTC(),
		},
	})
	return model.OutcomeOK, nil
}
