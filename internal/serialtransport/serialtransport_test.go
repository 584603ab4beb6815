package serialtransport

import (
	"os"
	"testing"
	"time"

	"go.bug.st/serial"

	"github.com/jaracil/fieldnode/internal/iridiumsim"
)

// openPair opens a pty pair and a Transport bound to the slave end,
// returning the master file for driving the other side of the line and a
// cleanup func.
func openPair(t *testing.T, cfg Config) (*Transport, *os.File, func()) {
	t.Helper()
	p, err := iridiumsim.NewPty()
	if err != nil {
		t.Skipf("pty unavailable in this environment: %v", err)
	}
	cfg.Port = p.Slave().Name()
	if cfg.Baud == 0 {
		cfg.Baud = 19200
	}
	cfg.DataBits = 8
	cfg.Parity = serial.NoParity
	cfg.StopBits = serial.OneStopBit

	tr := New(cfg)
	if err := tr.Open(); err != nil {
		p.Close()
		t.Fatalf("Open() error = %v", err)
	}
	return tr, p.Master(), func() { tr.Close(); p.Close() }
}

func TestWriteLineUsesCRForNonVirtual(t *testing.T) {
	tr, master, cleanup := openPair(t, Config{Virtual: false})
	defer cleanup()

	if err := tr.WriteLine("ATZ"); err != nil {
		t.Fatalf("WriteLine() error = %v", err)
	}
	buf := make([]byte, 16)
	master.SetReadDeadline(time.Now().Add(time.Second))
	n, err := master.Read(buf)
	if err != nil {
		t.Fatalf("reading from master: %v", err)
	}
	got := string(buf[:n])
	if got != "ATZ\r" {
		t.Errorf("WriteLine wrote %q, want %q", got, "ATZ\r")
	}
}

func TestWriteLineUsesLFForVirtual(t *testing.T) {
	tr, master, cleanup := openPair(t, Config{Virtual: true})
	defer cleanup()

	if err := tr.WriteLine("ATZ"); err != nil {
		t.Fatalf("WriteLine() error = %v", err)
	}
	buf := make([]byte, 16)
	master.SetReadDeadline(time.Now().Add(time.Second))
	n, err := master.Read(buf)
	if err != nil {
		t.Fatalf("reading from master: %v", err)
	}
	got := string(buf[:n])
	if got != "ATZ\n" {
		t.Errorf("WriteLine wrote %q, want %q", got, "ATZ\n")
	}
}

func TestReadUntilResponseRecognisesTerminator(t *testing.T) {
	tr, master, cleanup := openPair(t, Config{Virtual: true})
	defer cleanup()

	go func() {
		time.Sleep(20 * time.Millisecond)
		master.Write([]byte("+CSQ:5\r\nOK\r\n"))
	}()

	buf, err := tr.ReadUntilResponse(2 * time.Second)
	if err != nil {
		t.Fatalf("ReadUntilResponse() error = %v", err)
	}
	if string(buf) != "+CSQ:5\r\nOK\r\n" {
		t.Errorf("ReadUntilResponse() = %q", string(buf))
	}
}

func TestReadUntilResponseTimesOutWithNoData(t *testing.T) {
	tr, _, cleanup := openPair(t, Config{Virtual: true})
	defer cleanup()

	_, err := tr.ReadUntilResponse(100 * time.Millisecond)
	if err != ErrResponseTimeout {
		t.Fatalf("ReadUntilResponse() error = %v, want ErrResponseTimeout", err)
	}
}

func TestWriteRawOnUnopenedTransportFails(t *testing.T) {
	tr := New(Config{Port: "/dev/null"})
	if err := tr.WriteRaw([]byte("x")); err != ErrNotOpen {
		t.Fatalf("WriteRaw() on unopened transport error = %v, want ErrNotOpen", err)
	}
}

func TestOpenIsIdempotent(t *testing.T) {
	tr, _, cleanup := openPair(t, Config{Virtual: true})
	defer cleanup()
	if err := tr.Open(); err != nil {
		t.Fatalf("second Open() error = %v", err)
	}
}

func TestTraceHookObservesBothDirections(t *testing.T) {
	var dirs []string
	tr, master, cleanup := openPair(t, Config{Virtual: true, Trace: func(dir string, data []byte) {
		dirs = append(dirs, dir)
	}})
	defer cleanup()

	tr.WriteLine("ATZ")
	go func() { master.Write([]byte("OK\r\n")) }()
	if _, err := tr.ReadUntilResponse(time.Second); err != nil {
		t.Fatalf("ReadUntilResponse() error = %v", err)
	}

	var sawTx, sawRx bool
	for _, d := range dirs {
		if d == "tx" {
			sawTx = true
		}
		if d == "rx" {
			sawRx = true
		}
	}
	if !sawTx || !sawRx {
		t.Errorf("trace hook directions = %v, want both tx and rx", dirs)
	}
}

func TestToLatin1TruncatesHighCodepoints(t *testing.T) {
	got := toLatin1("AT☃Z")
	want := []byte("AT?Z")
	if string(got) != string(want) {
		t.Errorf("toLatin1() = %q, want %q", got, want)
	}
}
