package supervisor

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jaracil/fieldnode/internal/model"
)

func TestStartCheckStop(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "sv.pid")
	up := true
	sv := New(Config{
		Name:         "test",
		Command:      "sleep",
		Args:         []string{"30"},
		PIDFile:      pidFile,
		MaxKillTries: 2,
		WaitToStop:   20 * time.Millisecond,
		Check:        func() (bool, error) { return up, nil },
	})

	if err := sv.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if _, err := os.Stat(pidFile); err != nil {
		t.Fatalf("pid file not written: %v", err)
	}

	outcome, err := sv.Check()
	if err != nil || outcome != model.OutcomeOK {
		t.Fatalf("Check() = (%v, %v), want (OK, nil)", outcome, err)
	}

	up = false
	for i := 0; i < 3; i++ {
		outcome, _ = sv.Check()
	}
	if outcome == model.OutcomeOK {
		t.Errorf("Check() should degrade once liveness checks start failing, got %v", outcome)
	}

	if err := sv.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if _, err := os.Stat(pidFile); !os.IsNotExist(err) {
		t.Errorf("pid file should be removed after Stop(): %v", err)
	}
}

func TestCheckCriticalWhenProcessNeverStarted(t *testing.T) {
	sv := New(Config{Name: "test", Check: func() (bool, error) { return true, nil }})
	outcome, err := sv.Check()
	if err == nil {
		t.Fatal("expected error when no process has been started")
	}
	_ = outcome
}
