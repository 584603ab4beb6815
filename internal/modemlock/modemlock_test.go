package modemlock

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestTryAcquireMutualExclusion(t *testing.T) {
	var setdio, clrdio int32
	lock := New(Config{
		DIOPin: "1_20",
		Runner: func(args ...string) error {
			switch args[0] {
			case "--setdio":
				atomic.AddInt32(&setdio, 1)
			case "--clrdio":
				atomic.AddInt32(&clrdio, 1)
			}
			return nil
		},
	})

	ok, err := lock.TryAcquire(false)
	if err != nil || !ok {
		t.Fatalf("first TryAcquire = (%v, %v), want (true, nil)", ok, err)
	}

	ok, err = lock.TryAcquire(false)
	if err != nil || ok {
		t.Fatalf("second non-blocking TryAcquire = (%v, %v), want (false, nil)", ok, err)
	}

	lock.Release()

	ok, err = lock.TryAcquire(false)
	if err != nil || !ok {
		t.Fatalf("TryAcquire after Release = (%v, %v), want (true, nil)", ok, err)
	}
	lock.Release()

	if atomic.LoadInt32(&setdio) != 2 || atomic.LoadInt32(&clrdio) != 2 {
		t.Errorf("setdio=%d clrdio=%d, want 2/2", setdio, clrdio)
	}
}

func TestTryAcquirePropagatesRunnerError(t *testing.T) {
	wantErr := errors.New("tshwctl failed")
	lock := New(Config{
		DIOPin: "1_20",
		Runner: func(args ...string) error {
			if args[0] == "--setdio" {
				return wantErr
			}
			return nil
		},
	})
	ok, err := lock.TryAcquire(false)
	if ok || err == nil {
		t.Fatalf("TryAcquire = (%v, %v), want (false, non-nil)", ok, err)
	}

	// The mutex must have been released despite the error, so a later
	// acquisition attempt is not wedged forever.
	lock.cfg.Runner = func(args ...string) error { return nil }
	ok, err = lock.TryAcquire(false)
	if !ok || err != nil {
		t.Fatalf("TryAcquire after failed attempt = (%v, %v), want (true, nil)", ok, err)
	}
}

func TestOfflineWindowBlocksAcquire(t *testing.T) {
	fixed := time.Date(2026, 1, 1, 23, 30, 0, 0, time.UTC)
	lock := New(Config{
		DIOPin:       "1_20",
		OfflineStart: "2300",
		OfflineEnd:   "0100", // wraps midnight
		Now:          func() time.Time { return fixed },
		Runner:       func(args ...string) error { return nil },
	})
	ok, err := lock.TryAcquire(false)
	if err != nil || ok {
		t.Fatalf("TryAcquire during offline window = (%v, %v), want (false, nil)", ok, err)
	}
}

func TestOfflineWindowAllowsOutsideWindow(t *testing.T) {
	fixed := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	lock := New(Config{
		DIOPin:       "1_20",
		OfflineStart: "2300",
		OfflineEnd:   "0100",
		Now:          func() time.Time { return fixed },
		Runner:       func(args ...string) error { return nil },
	})
	ok, err := lock.TryAcquire(false)
	if err != nil || !ok {
		t.Fatalf("TryAcquire outside offline window = (%v, %v), want (true, nil)", ok, err)
	}
}
