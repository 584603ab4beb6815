package modemsession

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.bug.st/serial"

	"github.com/jaracil/fieldnode/internal/iridiumsim"
	"github.com/jaracil/fieldnode/internal/model"
	"github.com/jaracil/fieldnode/internal/serialtransport"
)

// newTestSession opens a real pty pair (iridiumsim.NewPty, adapted from the
// teacher's pty_unix.go), binds an iridiumsim.Sim to the master end, and
// returns a Session bound to the slave end through the same
// serialtransport.Transport a deployed fieldnode uses.
func newTestSession(t *testing.T, simCfg iridiumsim.Config, cfg Config) (*Session, *iridiumsim.Sim, func()) {
	t.Helper()
	p, err := iridiumsim.NewPty()
	if err != nil {
		t.Skipf("pty unavailable in this environment: %v", err)
	}
	sim := iridiumsim.New(p.Master(), simCfg)

	tr := serialtransport.New(serialtransport.Config{
		Port:     p.Slave().Name(),
		Baud:     19200,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
		Virtual:  true,
	})

	cfg.RegCheckInterval = 10 * time.Millisecond
	cfg.SbdGap = 10 * time.Millisecond
	if cfg.MsgTimeout == 0 {
		cfg.MsgTimeout = 150 * time.Millisecond
	}
	if cfg.SbdXferTimeout == 0 {
		cfg.SbdXferTimeout = 2 * time.Second
	}
	if cfg.CallTimeout == 0 {
		cfg.CallTimeout = 2 * time.Second
	}
	session := New(tr, cfg)
	return session, sim, func() { p.Close() }
}

func TestInitialiseRegisteredRockblock(t *testing.T) {
	session, _, cleanup := newTestSession(t, iridiumsim.Config{Registered: true}, Config{Rockblock: true})
	defer cleanup()

	if err := session.Initialise(); err != nil {
		t.Fatalf("Initialise() error = %v", err)
	}
	if session.State() != StateRegistered {
		t.Errorf("State() = %v, want Registered", session.State())
	}
}

func TestInitialiseWaitsForRegistration(t *testing.T) {
	session, _, cleanup := newTestSession(t, iridiumsim.Config{Registered: false}, Config{MaxRegChecks: 3})
	defer cleanup()

	if err := session.Initialise(); err == nil {
		t.Fatal("expected registration failure when never registered")
	}
}

func TestProcessSBDHappyPath(t *testing.T) {
	mtDir := t.TempDir()
	session, sim, cleanup := newTestSession(t, iridiumsim.Config{Registered: true}, Config{
		Rockblock: true,
		MTDropDir: mtDir,
	})
	defer cleanup()

	if err := session.Initialise(); err != nil {
		t.Fatalf("Initialise() error = %v", err)
	}

	mtPayload := []byte("hello from the gateway")
	sim.QueueMT(mtPayload)

	result, err := session.ProcessSBD(&model.SbdMo{Payload: []byte("field report")})
	if err != nil {
		t.Fatalf("ProcessSBD() error = %v", err)
	}
	if !result.OK {
		t.Fatalf("ProcessSBD() result = %+v, want OK", result)
	}
	if string(sim.LastMO()) != "field report" {
		t.Errorf("simulator saw MO %q, want %q", sim.LastMO(), "field report")
	}

	entries, err := os.ReadDir(mtDir)
	if err != nil {
		t.Fatalf("reading MT drop dir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("MT drop dir has %d entries, want 1", len(entries))
	}
	got, err := os.ReadFile(filepath.Join(mtDir, entries[0].Name()))
	if err != nil {
		t.Fatalf("reading dropped MT file: %v", err)
	}
	if string(got) != string(mtPayload) {
		t.Errorf("dropped MT payload = %q, want %q", got, mtPayload)
	}
}

func TestProcessSBDNoPendingMT(t *testing.T) {
	session, _, cleanup := newTestSession(t, iridiumsim.Config{Registered: true}, Config{Rockblock: true})
	defer cleanup()

	if err := session.Initialise(); err != nil {
		t.Fatalf("Initialise() error = %v", err)
	}
	result, err := session.ProcessSBD(nil)
	if err != nil {
		t.Fatalf("ProcessSBD(nil) error = %v", err)
	}
	if !result.OK || result.MTStillQueued {
		t.Errorf("ProcessSBD(nil) result = %+v, want OK with no MT queued", result)
	}
}

func TestGetSystemTime(t *testing.T) {
	epoch := time.Date(2014, 5, 11, 14, 23, 55, 0, time.UTC)
	fixedNow := epoch.Add(90 * time.Millisecond * 1000)
	session, _, cleanup := newTestSession(t, iridiumsim.Config{
		Registered:   true,
		IridiumEpoch: epoch,
		Now:          func() time.Time { return fixedNow },
	}, Config{Rockblock: true, IridiumEpoch: epoch})
	defer cleanup()

	if err := session.Initialise(); err != nil {
		t.Fatalf("Initialise() error = %v", err)
	}
	got, err := session.GetSystemTime()
	if err != nil {
		t.Fatalf("GetSystemTime() error = %v", err)
	}
	if got.Sub(fixedNow).Abs() > 90*time.Millisecond {
		t.Errorf("GetSystemTime() = %v, want close to %v", got, fixedNow)
	}
}

func TestProcessFileRejectsWithoutDialupNumber(t *testing.T) {
	session, _, cleanup := newTestSession(t, iridiumsim.Config{Registered: true}, Config{Rockblock: true})
	defer cleanup()

	if err := session.Initialise(); err != nil {
		t.Fatalf("Initialise() error = %v", err)
	}
	if _, err := session.ProcessFile(&model.FileMo{Path: "/tmp/x", Filename: "x"}); err == nil {
		t.Fatal("expected ProcessFile to fail without a configured dialup_number")
	}
}

func TestProcessFileRudicsTransfer(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "payload.dat")
	content := make([]byte, 300) // spans more than one XMODEM-128 block
	for i := range content {
		content[i] = byte(i)
	}
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("writing test payload: %v", err)
	}

	session, _, cleanup := newTestSession(t, iridiumsim.Config{Registered: true}, Config{
		Rockblock:    true,
		DialupNumber: "881623456789",
	})
	defer cleanup()

	if err := session.Initialise(); err != nil {
		t.Fatalf("Initialise() error = %v", err)
	}

	result, err := session.ProcessFile(&model.FileMo{Path: path, Size: int64(len(content)), Filename: "payload.dat"})
	if err != nil {
		t.Fatalf("ProcessFile() error = %v", err)
	}
	if result.BytesSent != int64(len(content)) {
		t.Errorf("BytesSent = %d, want %d", result.BytesSent, len(content))
	}
	if session.State() != StateRegistered {
		t.Errorf("State() after hangup = %v, want Registered", session.State())
	}
}
