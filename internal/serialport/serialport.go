// Package serialport opens and configures the UART: raw 8N1, DTR/RTS
// asserted, non-blocking reads and writes, with the two baud rates the
// handshakes switch between (spec §4.1).
//
// The raw-mode and modem-line control here reproduces the ioctl technique
// Daedaluz-goserial implements against its own goioctl/fdev packages, but
// built directly on golang.org/x/sys/unix so the module has no dependency
// this repo cannot resolve on its own.
package serialport

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// ErrClosed is returned by Read/Write after Close.
var ErrClosed = fmt.Errorf("serialport: closed")

// Port is an opened, raw-mode UART file descriptor.
type Port struct {
	fd     int
	closed bool
}

// Open opens path, puts it into raw 8N1 mode at the given baud rate, and
// asserts DTR and RTS. The returned Port's fd is non-blocking.
func Open(path string, baud int) (*Port, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_NOCTTY|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	p := &Port{fd: fd}

	if err := p.makeRaw(); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("configuring %s: %w", path, err)
	}
	if err := p.SetBaud(baud); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("setting baud on %s: %w", path, err)
	}
	if err := p.assertModemLines(); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("asserting DTR/RTS on %s: %w", path, err)
	}
	return p, nil
}

// makeRaw clears the termios flags that would enable canonical mode, echo,
// signal generation, flow control, or CR/LF translation, mirroring
// cfmakeraw(3).
func (p *Port) makeRaw() error {
	t, err := unix.IoctlGetTermios(p.fd, unix.TCGETS)
	if err != nil {
		return err
	}
	t.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP |
		unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON
	t.Oflag &^= unix.OPOST
	t.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	t.Cflag &^= unix.CSIZE | unix.PARENB | unix.CRTSCTS
	t.Cflag |= unix.CS8 | unix.CLOCAL
	t.Cc[unix.VMIN] = 0
	t.Cc[unix.VTIME] = 0
	return unix.IoctlSetTermios(p.fd, unix.TCSETS, t)
}

// SetBaud switches the UART speed, applied immediately (TCSETS, not
// TCSETSW/TCSETSF: there is no pending output to drain across a rebaud in
// this protocol).
func (p *Port) SetBaud(rate int) error {
	speed, err := termiosSpeed(rate)
	if err != nil {
		return err
	}
	t, err := unix.IoctlGetTermios(p.fd, unix.TCGETS)
	if err != nil {
		return err
	}
	t.Cflag &^= unix.CBAUD
	t.Cflag |= speed
	t.Ispeed = uint32(rate)
	t.Ospeed = uint32(rate)
	return unix.IoctlSetTermios(p.fd, unix.TCSETS, t)
}

func termiosSpeed(rate int) (uint32, error) {
	switch rate {
	case 19200:
		return unix.B19200, nil
	case 115200:
		return unix.B115200, nil
	default:
		return 0, fmt.Errorf("serialport: unsupported baud rate %d", rate)
	}
}

func (p *Port) assertModemLines() error {
	bits := int(unix.TIOCM_DTR | unix.TIOCM_RTS)
	return unix.IoctlSetPointerInt(p.fd, unix.TIOCMBIS, bits)
}

// Read performs a non-blocking read. A return of (0, nil) means no data is
// currently available (EAGAIN); a genuine EOF is reported as (0, io.EOF)-ish
// via a zero count with a nil error is indistinguishable at this layer, so
// callers drive EOF detection through the reactor's readiness + read-zero
// convention described in §4.1.
func (p *Port) Read(buf []byte) (int, error) {
	if p.closed {
		return 0, ErrClosed
	}
	n, err := unix.Read(p.fd, buf)
	if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("serialport: read: %w", err)
	}
	return n, nil
}

// Write performs a non-blocking write, returning the number of bytes
// accepted by the kernel buffer; short writes are expected and retried by
// the caller on the next write-ready tick.
func (p *Port) Write(buf []byte) (int, error) {
	if p.closed {
		return 0, ErrClosed
	}
	n, err := unix.Write(p.fd, buf)
	if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("serialport: write: %w", err)
	}
	return n, nil
}

// Fd returns the underlying file descriptor, for the reactor's poll set.
func (p *Port) Fd() int {
	return p.fd
}

// Close releases the file descriptor.
func (p *Port) Close() error {
	if p.closed {
		return nil
	}
	p.closed = true
	return unix.Close(p.fd)
}
