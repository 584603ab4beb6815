package iridiumsim

import (
	"errors"
	"os"

	"github.com/creack/pty"
)

// Pty is a POSIX pseudo-terminal pair used to back integration tests that
// exercise serialtransport against a Sim over a real tty rather than an
// in-memory pipe, adapted from the teacher's UnixPty (cmd/vmodem's dialer
// fixture used the same wrapper to attach vmodem.go to a tty).
type Pty struct {
	master, slave *os.File
	closed        bool
}

// NewPty opens a master/slave pseudo-terminal pair. The caller attaches a
// Sim to Master() and points serialtransport.Config.Port at Slave().Name().
func NewPty() (*Pty, error) {
	master, slave, err := pty.Open()
	if err != nil {
		return nil, err
	}
	return &Pty{master: master, slave: slave}, nil
}

// Master returns the pty's controlling end, suitable as a Sim's
// io.ReadWriter.
func (p *Pty) Master() *os.File { return p.master }

// Slave returns the pty's device end, whose Name() is the path
// serialtransport should open.
func (p *Pty) Slave() *os.File { return p.slave }

// Close closes both ends of the pair.
func (p *Pty) Close() error {
	if p.closed {
		return nil
	}
	p.closed = true
	return errors.Join(p.master.Close(), p.slave.Close())
}
