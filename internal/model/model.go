// Package model holds the data types shared across the scheduler and modem
// subsystems: outbound queue items, task outcomes, and the small value types
// spec.md §3 defines as the system's data model. It exists to keep
// msgqueue, modemsession, tasks and scheduler from importing one another.
package model

import "time"

// Priority levels for outbound items, ascending = more urgent. Lower values
// are dequeued first; ties break on EnqueuedAt ascending (spec.md §3).
const (
	PrioritySbdMo    = 1
	PriorityFileMo   = 2
	PrioritySbdMt    = 3 // reserved, not produced by this implementation
	PriorityRequeued = 5 // deprioritised slot for MoPersistentFail re-enqueue
)

// Item is an outbound queue entry: exactly one of SBD or File is set.
type Item struct {
	Priority   int
	EnqueuedAt time.Time

	SBD  *SbdMo
	File *FileMo
}

// SbdMo is a short-burst-data mobile-originated message.
type SbdMo struct {
	Payload          []byte
	Binary           bool
	IncludeTimestamp bool
	Warning          bool
	Critical         bool
	EnqueuedAt       time.Time
}

// FileMo is a file queued for XMODEM transfer over a RUDICS data call.
type FileMo struct {
	Path     string
	Size     int64
	Filename string // <= 255 latin-1 bytes
}

// MaxFilenameBytes is the spec.md §3 limit on a FileMo's on-wire filename.
const MaxFilenameBytes = 255

// SBD payload limits, spec.md §4.3. The cut-down (RockBLOCK) variant caps at
// 340 bytes; the full Iridium 9523-class variant allows up to 1920.
const (
	SbdPayloadLimitCutDown = 340
	SbdPayloadLimitFull    = 1920
)

// Outcome is the result of running a task (spec.md §3).
type Outcome int

const (
	OutcomeOK Outcome = iota
	OutcomeWarning
	OutcomeCritical
	OutcomeInvalid
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "OK"
	case OutcomeWarning:
		return "WARNING"
	case OutcomeCritical:
		return "CRITICAL"
	case OutcomeInvalid:
		return "INVALID"
	default:
		return "UNKNOWN"
	}
}

// MTMessage is a received mobile-terminated message, persisted to the MT
// drop directory as "{MTMSN}_{UTC yyyymmddHHMMSS}.msg" (spec.md §3).
type MTMessage struct {
	MTMSN     int
	Payload   []byte
	Received  time.Time
}

// Checksum computes the SBD on-wire checksum: sum of payload bytes mod
// 2^16, used both when writing an MO payload (AT+SBDWB) and when verifying
// a received MT payload (AT+SBDRB).
func Checksum(payload []byte) uint16 {
	var sum uint32
	for _, b := range payload {
		sum += uint32(b)
	}
	return uint16(sum & 0xFFFF)
}
