// Package modemworker runs the background loop that pairs ModemLock with
// ModemSession and msgqueue: acquire, initialise, drain, release, sleep —
// exactly the cycle spec.md §4.5 describes. It owns no AT knowledge of its
// own; it only sequences the other C3/C4 components.
package modemworker

import (
	"errors"
	"fmt"
	"time"

	"github.com/jaracil/fieldnode/internal/model"
	"github.com/jaracil/fieldnode/internal/modemlock"
	"github.com/jaracil/fieldnode/internal/modemsession"
	"github.com/jaracil/fieldnode/internal/msgqueue"
)

// Config configures a Worker.
type Config struct {
	Lock    *modemlock.Lock
	Session *modemsession.Session
	Queue   *msgqueue.Queue

	// ModemWait is slept between work cycles, held outside the lock.
	ModemWait time.Duration
	// MinSignal is the AT+CSQ threshold below which the cycle is abandoned.
	MinSignal int

	Logf func(format string, args ...any)
}

// Worker runs Config's cycle in Run until its context-like Stop channel is
// closed.
type Worker struct {
	cfg  Config
	stop chan struct{}
	done chan struct{}
}

// New constructs a Worker. Call Run in its own goroutine and Stop to end it.
func New(cfg Config) *Worker {
	if cfg.ModemWait == 0 {
		cfg.ModemWait = 60 * time.Second
	}
	if cfg.MinSignal == 0 {
		cfg.MinSignal = 3
	}
	if cfg.Logf == nil {
		cfg.Logf = func(string, ...any) {}
	}
	return &Worker{cfg: cfg, stop: make(chan struct{}), done: make(chan struct{})}
}

// Run executes the work cycle in a loop until Stop is called. It blocks the
// calling goroutine; callers should `go w.Run()`.
func (w *Worker) Run() {
	defer close(w.done)
	for {
		select {
		case <-w.stop:
			return
		default:
		}
		w.runOnce()
		select {
		case <-w.stop:
			return
		case <-time.After(w.cfg.ModemWait):
		}
	}
}

// Stop signals Run to exit after its current cycle and waits for it to
// return.
func (w *Worker) Stop() {
	close(w.stop)
	<-w.done
}

// runOnce performs one acquire/drain/release cycle, per spec.md §4.5:
//
//	acquired = lock.try_acquire(blocking=False)
//	if not acquired: return
//	try:
//	    session.initialise()
//	    signal check; if below threshold, skip draining this cycle
//	    while queue not empty: pop, try, requeue-on-transient-error
//	    while MT still pending: drain with an SBDIX-only exchange
//	finally:
//	    lock.release()
func (w *Worker) runOnce() {
	defer func() {
		if r := recover(); r != nil {
			w.cfg.Logf("modemworker: %v: recovered panic during work cycle: %v", model.ErrBug, r)
		}
	}()

	acquired, err := w.cfg.Lock.TryAcquire(false)
	if err != nil {
		w.cfg.Logf("modemworker: acquire failed: %v", err)
		return
	}
	if !acquired {
		return
	}
	defer w.cfg.Lock.Release()

	if err := w.cfg.Session.Initialise(); err != nil {
		w.cfg.Logf("modemworker: initialise failed: %v", err)
		return
	}
	defer func() {
		if cerr := w.cfg.Session.Close(); cerr != nil {
			w.cfg.Logf("modemworker: session close: %v", cerr)
		}
	}()

	ok, level, err := w.cfg.Session.SignalCheck(w.cfg.MinSignal)
	if err != nil {
		w.cfg.Logf("modemworker: signal check failed: %v", err)
		return
	}
	if !ok {
		w.cfg.Logf("modemworker: signal %d below threshold %d, skipping drain", level, w.cfg.MinSignal)
		return
	}

	w.drainQueue()
	w.drainOutstandingMT()
}

// drainQueue pops and processes items until the queue is empty, per
// spec.md §4.5's drain loop. A transient failure re-enqueues the item and
// ends this cycle's drain immediately — the session may be broken, so
// further items wait for the next acquire rather than hammering it. An
// item that fails with model.ErrMoPersistentFail after it was already
// re-enqueued is dropped with a critical log line instead.
func (w *Worker) drainQueue() {
	for {
		item, ok := w.cfg.Queue.Pop(0)
		if !ok {
			return
		}
		if err := w.process(item); err != nil {
			if errors.Is(err, model.ErrMoPersistentFail) && item.Priority == model.PriorityRequeued {
				w.cfg.Logf("modemworker: critical - MO still failing after requeue, dropping item: %v", err)
				return
			}
			if isTransient(err) {
				w.cfg.Logf("modemworker: transient failure, requeueing and ending drain: %v", err)
				w.cfg.Queue.Requeue(item)
				return
			}
			w.cfg.Logf("modemworker: permanent failure, dropping item: %v", err)
		}
	}
}

func (w *Worker) drainOutstandingMT() {
	for w.cfg.Queue.PeekMTPending() {
		result, err := w.cfg.Session.ProcessSBD(nil)
		if err != nil {
			w.cfg.Logf("modemworker: MT drain failed: %v", err)
			return
		}
		w.cfg.Queue.SetMTPending(result.MTStillQueued)
		if result.MTStillQueued {
			continue
		}
		return
	}
}

func (w *Worker) process(item *model.Item) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("modemworker: %w: panic processing item: %v", model.ErrBug, r)
		}
	}()

	switch {
	case item.SBD != nil:
		result, err := w.cfg.Session.ProcessSBD(item.SBD)
		w.cfg.Queue.SetMTPending(result.MTStillQueued)
		return err
	case item.File != nil:
		result, err := w.cfg.Session.ProcessFile(item.File)
		if err == nil && result.Redial {
			return fmt.Errorf("modemworker: %w: transfer of %s aborted on error count, redial needed", model.ErrTransport, item.File.Path)
		}
		return err
	default:
		return errors.New("modemworker: item has neither SBD nor File set")
	}
}

// isTransient classifies errors eligible for requeue at model.PriorityRequeued,
// per spec.md §7: a persistent MO failure or a recoverable protocol/transport
// fault, but not a configuration or internal bug.
func isTransient(err error) bool {
	return errors.Is(err, model.ErrMoPersistentFail) ||
		errors.Is(err, model.ErrTransport) ||
		errors.Is(err, model.ErrResponseTimeout) ||
		errors.Is(err, model.ErrProtocol)
}
