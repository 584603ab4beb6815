// Package serialtransport wraps the physical serial line to the modem: open,
// close, write a line or a raw frame, and read until a recognised AT
// terminator appears. It does not interpret content — that is
// internal/modemsession's job.
package serialtransport

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/jaracil/fieldnode/internal/atproto"
	iotrace "github.com/nayarsystems/iotrace"
	"go.bug.st/serial"
)

// ErrResponseTimeout is returned by ReadUntilResponse when no terminal token
// is observed before the deadline.
var ErrResponseTimeout = errors.New("serialtransport: response timeout")

// ErrNotOpen is returned by operations attempted on a closed transport.
var ErrNotOpen = errors.New("serialtransport: port not open")

// Config describes how to open the serial line to the modem.
type Config struct {
	Port     string
	Baud     int
	DataBits int
	Parity   serial.Parity
	StopBits serial.StopBits

	// Virtual selects LF-only line termination, for interfacing a
	// virtualised pty test harness instead of a real modem (spec.md §6).
	Virtual bool

	// Trace, if non-nil, receives every chunk written to and read from the
	// line, coalesced Nagle-style by github.com/nayarsystems/iotrace the
	// same way the teacher's -vvv trace hook coalesces tty traffic.
	Trace func(direction string, data []byte)
}

// Transport is a thin, serialised wrapper over a serial.Port.
type Transport struct {
	cfg  Config
	port serial.Port
	rwc  io.ReadWriteCloser
}

// New creates an unopened Transport for cfg.
func New(cfg Config) *Transport {
	return &Transport{cfg: cfg}
}

// IsOpen reports whether the underlying serial port is open.
func (tr *Transport) IsOpen() bool {
	return tr.port != nil
}

// Open opens the serial line at the configured parameters. Open is a no-op
// if already open.
func (tr *Transport) Open() error {
	if tr.port != nil {
		return nil
	}
	mode := &serial.Mode{
		BaudRate: tr.cfg.Baud,
		DataBits: tr.cfg.DataBits,
		Parity:   tr.cfg.Parity,
		StopBits: tr.cfg.StopBits,
	}
	p, err := serial.Open(tr.cfg.Port, mode)
	if err != nil {
		return fmt.Errorf("serialtransport: open %s: %w", tr.cfg.Port, err)
	}
	tr.port = p
	if tr.cfg.Trace != nil {
		tr.rwc = iotrace.NewRWCTracer(p, 256, 100*time.Millisecond,
			func(data []byte) { tr.cfg.Trace("tx", data) },
			func(data []byte) { tr.cfg.Trace("rx", data) },
		)
	} else {
		tr.rwc = p
	}
	return nil
}

// Close closes the serial line. Close is a no-op if already closed.
func (tr *Transport) Close() error {
	if tr.port == nil {
		return nil
	}
	err := tr.rwc.Close()
	tr.port = nil
	tr.rwc = nil
	return err
}

func (tr *Transport) terminator() string {
	if tr.cfg.Virtual {
		return "\n"
	}
	return "\r"
}

// WriteLine appends the configured line terminator and writes s as latin-1
// bytes.
func (tr *Transport) WriteLine(s string) error {
	return tr.WriteRaw(append(toLatin1(s), []byte(tr.terminator())...))
}

// WriteRaw writes b verbatim, with no terminator appended.
func (tr *Transport) WriteRaw(b []byte) error {
	if tr.port == nil {
		return ErrNotOpen
	}
	_, err := tr.rwc.Write(b)
	return err
}

// ReadUntilResponse accumulates bytes from the line until a recognised
// terminal token (atproto.TerminalTokens, or "CONNECT[ <rate>]") is seen at
// the end of the buffer, per spec.md §4.2. After a match it waits ~100ms to
// absorb any immediately trailing bytes, then returns. On timeout it returns
// ErrResponseTimeout together with whatever bytes arrived (nil if none).
func (tr *Transport) ReadUntilResponse(timeout time.Duration) ([]byte, error) {
	if tr.port == nil {
		return nil, ErrNotOpen
	}
	if err := tr.port.SetReadTimeout(50 * time.Millisecond); err != nil {
		return nil, err
	}

	deadline := time.Now().Add(timeout)
	buf := make([]byte, 0, 256)
	chunk := make([]byte, 256)
	gotAny := false

	for {
		n, err := tr.rwc.Read(chunk)
		if err != nil {
			return buf, err
		}
		if n > 0 {
			gotAny = true
			buf = append(buf, chunk[:n]...)
			if _, ok := atproto.IsTerminal(buf); ok {
				tr.drainQuietPeriod(&buf)
				return buf, nil
			}
		}
		if time.Now().After(deadline) {
			if !gotAny {
				return nil, ErrResponseTimeout
			}
			return buf, ErrResponseTimeout
		}
	}
}

// drainQuietPeriod waits ~100ms after a terminator match to absorb any
// immediately-trailing bytes the modem is still flushing, per spec.md §4.2.
func (tr *Transport) drainQuietPeriod(buf *[]byte) {
	if err := tr.port.SetReadTimeout(100 * time.Millisecond); err != nil {
		return
	}
	chunk := make([]byte, 256)
	n, err := tr.rwc.Read(chunk)
	if err == nil && n > 0 {
		*buf = append(*buf, chunk[:n]...)
	}
}

// toLatin1 re-encodes a Go UTF-8 string as latin-1 bytes, truncating any code
// point above U+00FF (AT command text and filenames are ASCII in practice).
func toLatin1(s string) []byte {
	out := make([]byte, 0, len(s))
	for _, r := range s {
		if r > 0xFF {
			r = '?'
		}
		out = append(out, byte(r))
	}
	return out
}

// NewTraceHook builds a Trace callback that hex-dumps each chunk through
// sink, for wiring into Config.Trace when verbose logging is enabled.
func NewTraceHook(sink func(direction, dump string)) func(direction string, data []byte) {
	return func(direction string, data []byte) {
		sink(direction, hex.Dump(data))
	}
}
