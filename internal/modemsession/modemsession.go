// Package modemsession drives the AT command state machine for a single
// modem work cycle: initialisation, registration, signal check, SBD
// exchange with binary MT decode, and RUDICS data-call/XMODEM file
// transfer. It is the teacher's (jaracil/vmodem) AT-parsing idiom turned
// around: vmodem answers AT commands from a TTY; Session issues them to a
// real Iridium modem and parses the replies (spec.md §4.3).
package modemsession

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/jaracil/fieldnode/internal/atproto"
	"github.com/jaracil/fieldnode/internal/fnlog"
	"github.com/jaracil/fieldnode/internal/model"
	"github.com/jaracil/fieldnode/internal/serialtransport"
	"github.com/jaracil/fieldnode/internal/xfer"
)

// State is one of the modem session states from spec.md §3.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateRegistered
	StateInSbd
	StateInDataCall
	StateHangup
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "Closed"
	case StateOpen:
		return "Open"
	case StateRegistered:
		return "Registered"
	case StateInSbd:
		return "InSbd"
	case StateInDataCall:
		return "InDataCall"
	case StateHangup:
		return "Hangup"
	default:
		return "Unknown"
	}
}

// Config configures a Session. Field names mirror the [ModemConnection]
// config keys in spec.md §6.
type Config struct {
	Rockblock        bool
	MaxRegChecks     int
	RegCheckInterval time.Duration
	SbdXferTimeout   time.Duration
	MsgTimeout       time.Duration
	MsgWaitPeriod    time.Duration
	SbdAttempts      int
	SbdGap           time.Duration
	DialupNumber     string
	CallTimeout      time.Duration
	MTDropDir        string
	IridiumEpoch     time.Time
	Transferer       xfer.Transferer

	Logf func(format string, args ...any)
}

// Session is the AT state machine for one modem work cycle. It is not
// safe for concurrent use; callers serialise access via modemlock.Lock.
type Session struct {
	cfg           Config
	tr            *serialtransport.Transport
	state         State
	lastSignal    int
	mtOutstanding bool
}

// New constructs a Session bound to tr. tr need not be open yet.
func New(tr *serialtransport.Transport, cfg Config) *Session {
	if cfg.MaxRegChecks == 0 {
		cfg.MaxRegChecks = 10
	}
	if cfg.RegCheckInterval == 0 {
		cfg.RegCheckInterval = 5 * time.Second
	}
	if cfg.SbdXferTimeout == 0 {
		cfg.SbdXferTimeout = 60 * time.Second
	}
	if cfg.SbdAttempts == 0 {
		cfg.SbdAttempts = 3
	}
	if cfg.CallTimeout == 0 {
		cfg.CallTimeout = 120 * time.Second
	}
	if cfg.MsgWaitPeriod == 0 {
		cfg.MsgWaitPeriod = 1 * time.Second
	}
	if cfg.Transferer == nil {
		cfg.Transferer = xfer.StopAndWait{}
	}
	if cfg.Logf == nil {
		cfg.Logf = func(string, ...any) {}
	}
	return &Session{cfg: cfg, tr: tr, state: StateClosed}
}

// State returns the session's current state.
func (s *Session) State() State { return s.state }

// LastSignalLevel returns the last AT+CSQ reading (0-5).
func (s *Session) LastSignalLevel() int { return s.lastSignal }

// MTOutstanding reports whether the last SBDIX exchange reported a queued MT
// message not yet drained (spec.md §3).
func (s *Session) MTOutstanding() bool { return s.mtOutstanding }

func (s *Session) logf(format string, args ...any) { s.cfg.Logf(format, args...) }

// setState records a state transition both in s.state and as a structured
// session_state log record (SPEC_FULL.md §4.2: "session_state for every
// AT transaction").
func (s *Session) setState(st State) {
	s.state = st
	fnlog.SessionLogger(st.String()).Debug().Msg("session state transition")
}

// cmd sends "AT"+body and returns the response lines; an ERROR line in the
// response is returned as an error. cmdTimeout overrides the default
// per-command timeout when non-zero.
func (s *Session) cmd(body string, cmdTimeout time.Duration) ([]string, error) {
	if !s.tr.IsOpen() {
		return nil, fmt.Errorf("modemsession: %w: transport not open", model.ErrTransport)
	}
	if cmdTimeout == 0 {
		cmdTimeout = 10 * time.Second
	}
	if err := s.tr.WriteLine("AT" + body); err != nil {
		return nil, fmt.Errorf("modemsession: %w: %v", model.ErrTransport, err)
	}
	buf, err := s.tr.ReadUntilResponse(cmdTimeout)
	if err != nil {
		return nil, fmt.Errorf("modemsession: %w: %v", model.ErrResponseTimeout, err)
	}
	lines := atproto.Lines(buf)
	if atproto.HasError(lines) {
		return lines, fmt.Errorf("modemsession: %w: %s returned ERROR", model.ErrProtocol, body)
	}
	return lines, nil
}

// Initialise brings the session up for one work cycle: opens the
// transport if needed, resets the modem's command state, and — unless the
// cut-down (rockblock) variant is configured — waits for network
// registration (spec.md §4.3 "Initialisation").
func (s *Session) Initialise() error {
	if !s.tr.IsOpen() {
		if err := s.tr.Open(); err != nil {
			return fmt.Errorf("modemsession: %w: %v", model.ErrTransport, err)
		}
	}
	s.setState(StateOpen)

	for _, body := range []string{"", "E0", "+SBDC"} {
		if _, err := s.cmd(body, 5*time.Second); err != nil {
			return err
		}
	}

	if s.cfg.Rockblock {
		s.setState(StateRegistered)
		return nil
	}

	for attempt := 0; attempt < s.cfg.MaxRegChecks; attempt++ {
		lines, err := s.cmd("+CREG?", 5*time.Second)
		if err == nil {
			if stat, ok := parseCREG(lines); ok && (stat == 1 || stat == 5) {
				s.setState(StateRegistered)
				return nil
			}
		}
		time.Sleep(s.cfg.RegCheckInterval)
	}
	return fmt.Errorf("modemsession: %w: never registered after %d checks", model.ErrProtocol, s.cfg.MaxRegChecks)
}

func parseCREG(lines []string) (stat int, ok bool) {
	v, found := atproto.FieldsAfter(lines, "+CREG:")
	if !found {
		return 0, false
	}
	fields := atproto.SplitCSV(v)
	if len(fields) < 2 {
		return 0, false
	}
	stat64, err := strconv.Atoi(fields[1])
	if err != nil {
		return 0, false
	}
	return stat64, true
}

// SignalCheck sends AT+CSQ and reports whether the signal level meets min.
func (s *Session) SignalCheck(min int) (ok bool, level int, err error) {
	lines, err := s.cmd("+CSQ", 5*time.Second)
	if err != nil {
		return false, 0, err
	}
	v, found := atproto.FieldsAfter(lines, "+CSQ:")
	if !found {
		return false, 0, fmt.Errorf("modemsession: %w: no +CSQ in response", model.ErrProtocol)
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return false, 0, fmt.Errorf("modemsession: %w: bad +CSQ value %q", model.ErrProtocol, v)
	}
	s.lastSignal = n
	return n >= min, n, nil
}

// SbdResult reports the outcome of a ProcessSBD call.
type SbdResult struct {
	OK              bool
	MTStillQueued   bool
	Failed          bool
}

// ProcessSBD drives one SBD exchange (spec.md §4.3 "SBD exchange"). If mo is
// non-nil its payload is written with AT+SBDWB before the AT+SBDIX
// round-trip; if mo is nil, SBDIX is issued with no pending MO, used to
// drain an outstanding MT message. While mo_status > 4 it issues AT+SBDIX
// up to SbdAttempts times in all, with SbdGap between attempts, before
// returning model.ErrMoPersistentFail.
func (s *Session) ProcessSBD(mo *model.SbdMo) (SbdResult, error) {
	s.setState(StateInSbd)

	if mo != nil {
		if err := s.sbdWriteBuffer(mo.Payload); err != nil {
			return SbdResult{}, err
		}
	}

	var last sbdixResult
	for attempt := 0; attempt < s.cfg.SbdAttempts; attempt++ {
		r, err := s.sbdix()
		if err != nil {
			return SbdResult{}, err
		}
		last = r
		if r.moStatus <= 4 {
			break
		}
		if attempt < s.cfg.SbdAttempts-1 {
			time.Sleep(s.cfg.SbdGap)
		}
	}
	if last.moStatus > 4 {
		return SbdResult{Failed: true}, fmt.Errorf("modemsession: %w: mo_status=%d", model.ErrMoPersistentFail, last.moStatus)
	}

	result := SbdResult{OK: true}
	if last.mtStatus == 1 {
		if err := s.receiveMT(last.mtmsn, last.mtLen); err != nil {
			s.logf("modemsession: MT receive/verify failed: %v", err)
		}
	}
	s.mtOutstanding = last.mtQueued > 0
	result.MTStillQueued = s.mtOutstanding

	if _, err := s.cmd("+SBDD2", 10*time.Second); err != nil {
		return result, err
	}
	return result, nil
}

func (s *Session) sbdWriteBuffer(payload []byte) error {
	if err := s.tr.WriteLine(fmt.Sprintf("AT+SBDWB=%d", len(payload))); err != nil {
		return fmt.Errorf("modemsession: %w: %v", model.ErrTransport, err)
	}
	buf, err := s.tr.ReadUntilResponse(5 * time.Second)
	if err != nil {
		return fmt.Errorf("modemsession: %w: waiting for READY: %v", model.ErrResponseTimeout, err)
	}
	if lines := atproto.Lines(buf); len(lines) == 0 || lines[len(lines)-1] != "READY" {
		return fmt.Errorf("modemsession: %w: expected READY, got %q", model.ErrProtocol, string(buf))
	}

	frame := make([]byte, 0, len(payload)+2)
	frame = append(frame, payload...)
	sum := model.Checksum(payload)
	frame = append(frame, byte(sum>>8), byte(sum))
	if err := s.tr.WriteRaw(frame); err != nil {
		return fmt.Errorf("modemsession: %w: %v", model.ErrTransport, err)
	}

	buf, err = s.tr.ReadUntilResponse(5 * time.Second)
	if err != nil {
		return fmt.Errorf("modemsession: %w: waiting for SBDWB result: %v", model.ErrResponseTimeout, err)
	}
	lines := atproto.Lines(buf)
	if !atproto.HasOK(lines) {
		return fmt.Errorf("modemsession: %w: SBDWB did not return OK: %q", model.ErrProtocol, string(buf))
	}
	if len(lines) < 1 || lines[0] != "0" {
		return fmt.Errorf("modemsession: %w: SBDWB write result %v, want 0", model.ErrProtocol, lines)
	}
	return nil
}

type sbdixResult struct {
	moStatus, momsn, mtStatus, mtmsn, mtLen, mtQueued int
}

func (s *Session) sbdix() (sbdixResult, error) {
	lines, err := s.cmd("+SBDIX", s.cfg.SbdXferTimeout)
	if err != nil {
		return sbdixResult{}, err
	}
	v, found := atproto.FieldsAfter(lines, "+SBDIX:")
	if !found {
		return sbdixResult{}, fmt.Errorf("modemsession: %w: no +SBDIX in response", model.ErrProtocol)
	}
	fields := atproto.SplitCSV(v)
	if len(fields) < 6 {
		return sbdixResult{}, fmt.Errorf("modemsession: %w: short +SBDIX: %q", model.ErrProtocol, v)
	}
	ints := make([]int, 6)
	for i := 0; i < 6; i++ {
		n, err := strconv.Atoi(fields[i])
		if err != nil {
			return sbdixResult{}, fmt.Errorf("modemsession: %w: bad +SBDIX field %q", model.ErrProtocol, fields[i])
		}
		ints[i] = n
	}
	return sbdixResult{
		moStatus: ints[0], momsn: ints[1], mtStatus: ints[2],
		mtmsn: ints[3], mtLen: ints[4], mtQueued: ints[5],
	}, nil
}

// receiveMT reads a pending MT message with AT+SBDRB, verifies its length
// and checksum, and persists it to the MT drop directory (spec.md §3/§4.3
// step 3). A checksum or length mismatch is logged and the message
// discarded, per spec.md §4.3.
func (s *Session) receiveMT(mtmsn, mtLen int) error {
	if err := s.tr.WriteLine("AT+SBDRB"); err != nil {
		return fmt.Errorf("modemsession: %w: %v", model.ErrTransport, err)
	}
	want := mtLen + 4
	buf, err := s.readExactly(want, 10*time.Second)
	if err != nil {
		return fmt.Errorf("modemsession: %w: reading SBDRB frame: %v", model.ErrResponseTimeout, err)
	}
	if len(buf) < 4 {
		return fmt.Errorf("modemsession: %w: SBDRB frame too short", model.ErrProtocol)
	}
	length := int(binary.BigEndian.Uint16(buf[0:2]))
	payload := buf[2 : len(buf)-2]
	chksum := binary.BigEndian.Uint16(buf[len(buf)-2:])

	if length != len(payload) {
		return fmt.Errorf("modemsession: %w: MT length field %d != payload %d", model.ErrProtocol, length, len(payload))
	}
	if chksum != model.Checksum(payload) {
		return fmt.Errorf("modemsession: %w: MT checksum mismatch", model.ErrProtocol)
	}

	return s.writeMTDrop(mtmsn, payload)
}

// readExactly reads exactly n bytes from the transport, draining any
// trailing OK the modem appends after the binary frame.
func (s *Session) readExactly(n int, timeout time.Duration) ([]byte, error) {
	buf, err := s.tr.ReadUntilResponse(timeout)
	if err != nil && len(buf) < n {
		return buf, err
	}
	if len(buf) < n {
		return buf, fmt.Errorf("modemsession: short read, got %d want %d", len(buf), n)
	}
	return buf[:n], nil
}

func (s *Session) writeMTDrop(mtmsn int, payload []byte) error {
	if s.cfg.MTDropDir == "" {
		return fmt.Errorf("modemsession: MT drop directory not configured")
	}
	name := fmt.Sprintf("%d_%s.msg", mtmsn, time.Now().UTC().Format("20060102150405"))
	path := filepath.Join(s.cfg.MTDropDir, name)
	return os.WriteFile(path, payload, 0o644)
}

// FileResult reports the outcome of a ProcessFile call.
type FileResult struct {
	BytesSent int64
	Redial    bool // error count rose; transfer aborted and call hung up, file not delivered
}

// ProcessFile dials the configured RUDICS number, frames the filename
// preamble, and hands the link to the configured xfer.Transferer (spec.md
// §4.3 "RUDICS file transfer"). The preamble layout is: 0x1A, 1-byte
// filename length, filename bytes, little-endian int32 file length, two
// little-endian int32 constants (always 1), little-endian int32 CRC-32 of
// the filename masked to its low 16 bits, 0x1B. The far end replies with
// a line ending in NAMERECV before the transfer proper begins.
func (s *Session) ProcessFile(f *model.FileMo) (FileResult, error) {
	if s.cfg.DialupNumber == "" {
		s.logf("modemsession: dialup_number not configured, dropping file %s", f.Path)
		return FileResult{}, fmt.Errorf("modemsession: %w: dialup_number not configured", model.ErrConfig)
	}
	if len(f.Filename) > model.MaxFilenameBytes {
		return FileResult{}, fmt.Errorf("modemsession: %w: filename %q exceeds %d bytes", model.ErrProtocol, f.Filename, model.MaxFilenameBytes)
	}

	if err := s.dial(); err != nil {
		return FileResult{}, err
	}
	defer s.hangup()

	if err := s.sendFilePreamble(f); err != nil {
		return FileResult{}, err
	}

	fh, err := os.Open(f.Path)
	if err != nil {
		return FileResult{}, fmt.Errorf("modemsession: %w: opening %s: %v", model.ErrProtocol, f.Path, err)
	}
	defer fh.Close()

	result := FileResult{}
	lastErrCount := 0
	err = s.cfg.Transferer.Send(s.tr, fh, f.Size, func(p xfer.Progress) error {
		result.BytesSent = p.BytesSent
		if p.ErrorCount > lastErrCount {
			lastErrCount = p.ErrorCount
			result.Redial = true
			return xfer.ErrCodeIncreased
		}
		return nil
	})
	if err != nil && err != xfer.ErrCodeIncreased {
		return result, fmt.Errorf("modemsession: %w: transfer of %s: %v", model.ErrTransport, f.Path, err)
	}
	return result, nil
}

// dial issues ATDT and waits for CONNECT (spec.md §4.3).
func (s *Session) dial() error {
	s.setState(StateInDataCall)
	if err := s.tr.WriteLine("ATDT" + s.cfg.DialupNumber); err != nil {
		return fmt.Errorf("modemsession: %w: %v", model.ErrTransport, err)
	}
	buf, err := s.tr.ReadUntilResponse(s.cfg.CallTimeout)
	if err != nil {
		return fmt.Errorf("modemsession: %w: dialing: %v", model.ErrResponseTimeout, err)
	}
	line, ok := atproto.IsTerminal(buf)
	if !ok || !strings.HasPrefix(line, "CONNECT") {
		return fmt.Errorf("modemsession: %w: dial failed: %q", model.ErrProtocol, line)
	}
	return nil
}

// atHandshake repeats "@" until a response ending in "A" is seen, then sends
// "FILENAME" and expects "GOFORIT" (spec.md §4.3). This precedes the framed
// header sendFilePreamble writes.
func (s *Session) atHandshake() error {
	// "A" is not one of atproto's recognised terminators, so
	// ReadUntilResponse will typically time out with the byte still sitting
	// in buf rather than returning a nil error; only bail on an error that
	// left buf empty.
	handshook := false
	for attempt := 0; attempt < 20 && !handshook; attempt++ {
		if err := s.tr.WriteRaw([]byte("@")); err != nil {
			return fmt.Errorf("modemsession: %w: %v", model.ErrTransport, err)
		}
		buf, err := s.tr.ReadUntilResponse(s.cfg.MsgTimeout)
		if err != nil && len(buf) == 0 {
			time.Sleep(s.cfg.MsgWaitPeriod)
			continue
		}
		if strings.HasSuffix(strings.TrimSpace(string(buf)), "A") {
			handshook = true
		}
	}
	if !handshook {
		return fmt.Errorf("modemsession: %w: no 'A' handshake after 20 attempts", model.ErrProtocol)
	}

	if err := s.tr.WriteLine("FILENAME"); err != nil {
		return fmt.Errorf("modemsession: %w: %v", model.ErrTransport, err)
	}
	buf, err := s.tr.ReadUntilResponse(s.cfg.MsgTimeout)
	if err != nil {
		return fmt.Errorf("modemsession: %w: waiting for GOFORIT: %v", model.ErrResponseTimeout, err)
	}
	line, ok := atproto.IsTerminal(buf)
	if !ok || line != "GOFORIT" {
		return fmt.Errorf("modemsession: %w: expected GOFORIT, got %q", model.ErrProtocol, line)
	}
	return nil
}

func (s *Session) sendFilePreamble(f *model.FileMo) error {
	if err := s.atHandshake(); err != nil {
		return err
	}

	name := f.Filename
	buf := make([]byte, 0, len(name)+16)
	buf = append(buf, 0x1A, byte(len(name)))
	buf = append(buf, name...)

	var sizeBuf, oneBuf, oneBuf2, crcBuf [4]byte
	binary.LittleEndian.PutUint32(sizeBuf[:], uint32(f.Size))
	binary.LittleEndian.PutUint32(oneBuf[:], 1)
	binary.LittleEndian.PutUint32(oneBuf2[:], 1)
	crc := crc32.ChecksumIEEE([]byte(name)) & 0xFFFF
	binary.LittleEndian.PutUint32(crcBuf[:], crc)

	buf = append(buf, sizeBuf[:]...)
	buf = append(buf, oneBuf[:]...)
	buf = append(buf, oneBuf2[:]...)
	buf = append(buf, crcBuf[:]...)
	buf = append(buf, 0x1B)

	if err := s.tr.WriteRaw(buf); err != nil {
		return fmt.Errorf("modemsession: %w: %v", model.ErrTransport, err)
	}

	resp, err := s.tr.ReadUntilResponse(s.cfg.MsgTimeout)
	if err != nil {
		return fmt.Errorf("modemsession: %w: waiting for NAMERECV: %v", model.ErrResponseTimeout, err)
	}
	line, ok := atproto.IsTerminal(resp)
	if !ok || !strings.HasSuffix(line, "NAMERECV") {
		return fmt.Errorf("modemsession: %w: expected NAMERECV, got %q", model.ErrProtocol, line)
	}
	return nil
}

// hangup performs the escape-sequence hangup: settle, +++, settle, OK,
// ATH0, OK (spec.md §4.3 "Hangup").
func (s *Session) hangup() error {
	s.setState(StateHangup)
	time.Sleep(2 * time.Second)
	if err := s.tr.WriteRaw([]byte("+++")); err != nil {
		return fmt.Errorf("modemsession: %w: %v", model.ErrTransport, err)
	}
	time.Sleep(1 * time.Second)
	buf, err := s.tr.ReadUntilResponse(5 * time.Second)
	if err != nil || !atproto.HasOK(atproto.Lines(buf)) {
		s.logf("modemsession: escape sequence did not return OK: %v", err)
	}
	if _, err := s.cmd("H0", 5*time.Second); err != nil {
		return err
	}
	time.Sleep(1 * time.Second)
	s.setState(StateRegistered)
	return nil
}

// iridiumTickDuration is the length of one AT-MSSTM tick; the reply is a
// hex count of these ticks since the configured Iridium epoch.
const iridiumTickDuration = 90 * time.Millisecond

// GetSystemTime reads the modem's onboard clock via AT-MSSTM and converts
// its tick count against the configured Iridium epoch (spec.md §4.3,
// task WakeupTimeSync). An all-'f' reply means the modem has no network
// time yet.
func (s *Session) GetSystemTime() (time.Time, error) {
	lines, err := s.cmd("-MSSTM", 5*time.Second)
	if err != nil {
		return time.Time{}, err
	}
	v, found := atproto.FieldsAfter(lines, "-MSSTM:")
	if !found {
		return time.Time{}, fmt.Errorf("modemsession: %w: no -MSSTM in response", model.ErrProtocol)
	}
	v = strings.TrimSpace(v)
	if strings.Trim(v, "f") == "" {
		return time.Time{}, fmt.Errorf("modemsession: %w: modem has no network time", model.ErrProtocol)
	}
	ticks, err := strconv.ParseUint(v, 16, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("modemsession: %w: bad -MSSTM value %q", model.ErrProtocol, v)
	}
	if s.cfg.IridiumEpoch.IsZero() {
		return time.Time{}, fmt.Errorf("modemsession: iridium epoch not configured")
	}
	return s.cfg.IridiumEpoch.Add(time.Duration(ticks) * iridiumTickDuration), nil
}

// Close closes the underlying transport and resets session state.
func (s *Session) Close() error {
	s.setState(StateClosed)
	s.mtOutstanding = false
	return s.tr.Close()
}
