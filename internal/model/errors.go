package model

import "errors"

// Error taxonomy from spec.md §7. These are sentinel categories: concrete
// errors wrap one of these with errors.Join/fmt.Errorf("...: %w", ...) so
// callers can classify a fault with errors.Is without caring about its
// exact origin.
var (
	// ErrConfig marks a malformed configuration; fatal at startup.
	ErrConfig = errors.New("config error")
	// ErrLockUnavailable marks a ModemLock acquisition refused by the
	// offline window or the DIO command; recoverable on the next worker
	// iteration.
	ErrLockUnavailable = errors.New("modem lock unavailable")
	// ErrTransport marks a serial open/read/write failure; the line is
	// closed and reopened on the next iteration.
	ErrTransport = errors.New("transport error")
	// ErrResponseTimeout marks a missing terminal token within timeout;
	// the current operation aborts and is treated as transient.
	ErrResponseTimeout = errors.New("response timeout")
	// ErrProtocol marks an unexpected AT response, checksum mismatch, or
	// registration failure; the current operation aborts and is treated
	// as transient.
	ErrProtocol = errors.New("protocol error")
	// ErrMoPersistentFail marks an SBDIX mo_status > 4 beyond the retry
	// budget.
	ErrMoPersistentFail = errors.New("persistent MO failure")
	// ErrSubprocess marks a supervised PPP/AutoSSH process that failed to
	// start or died unexpectedly.
	ErrSubprocess = errors.New("subprocess error")
	// ErrBug marks an unhandled internal fault; the owning task returns
	// OutcomeInvalid.
	ErrBug = errors.New("internal bug")
)
