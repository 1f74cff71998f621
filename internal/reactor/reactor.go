// Package reactor is the single-threaded, level-triggered readiness
// multiplexor the whole process runs under (spec §4.6, §5). It is the only
// place that blocks; every other component is driven from callbacks invoked
// between one poll wait and the next.
package reactor

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// UART is the minimal surface the reactor drives the serial port through.
type UART interface {
	Fd() int
	Read(buf []byte) (int, error)
	Write(buf []byte) (int, error)
}

// Listener is a bound, listening Unix-domain socket the reactor accepts
// connections from.
type Listener struct {
	Fd      int
	OnAccept func(connFd int)
}

// conn is an accepted tool-server connection tracked by the reactor.
type conn struct {
	fd      int
	onData  func(fd int, buf []byte) (closed bool)
	onClose func()
}

// Reactor owns the poll set and drives the UART, listening sockets, their
// accepted connections, and the romload beacon timer.
type Reactor struct {
	uart UART

	// OnUARTReadable is invoked with each byte read from the UART, in
	// arrival order.
	OnUARTReadable func(b byte)
	// WantUARTWrite is polled before each wait to decide whether to add
	// POLLOUT for the UART.
	WantUARTWrite func() bool
	// FillUARTWrite is called when the UART is writable; it returns the
	// next chunk to write, or nil if there is nothing pending.
	FillUARTWrite func() []byte

	listeners []*Listener
	conns     map[int]*conn

	timerFd    int
	beaconFunc func()

	readBuf [4096]byte
}

// New constructs a reactor over the given UART. Beacon delivery is armed
// separately with ArmBeacon.
func New(uart UART) *Reactor {
	return &Reactor{uart: uart, conns: make(map[int]*conn), timerFd: -1}
}

// AddListener registers a listening socket fd; onAccept is invoked with each
// newly accepted connection fd.
func (r *Reactor) AddListener(fd int, onAccept func(connFd int)) {
	r.listeners = append(r.listeners, &Listener{Fd: fd, OnAccept: onAccept})
}

// AddConn registers an already-accepted connection fd; onData is invoked
// with bytes read from it and returns true once the connection should be
// dropped (peer close or protocol violation). onClose, if non-nil, runs
// once just before the fd is closed, letting a caller (e.g. the mux bridge)
// forget the connection.
func (r *Reactor) AddConn(fd int, onData func(fd int, buf []byte) bool, onClose func()) {
	r.conns[fd] = &conn{fd: fd, onData: onData, onClose: onClose}
}

// RemoveConn closes and forgets a connection fd.
func (r *Reactor) RemoveConn(fd int) {
	if c, ok := r.conns[fd]; ok {
		if c.onClose != nil {
			c.onClose()
		}
		unix.Close(fd)
		delete(r.conns, fd)
	}
}

// ArmBeacon creates a periodic timerfd firing every d and invokes fn on each
// expiry, re-arming itself; the romload state machine uses this for the
// 50ms identification beacon (spec §4.5).
func (r *Reactor) ArmBeacon(d time.Duration, fn func()) error {
	fd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, 0)
	if err != nil {
		return fmt.Errorf("reactor: creating beacon timer: %w", err)
	}
	spec := &unix.ItimerSpec{
		Interval: unix.NsecToTimespec(d.Nanoseconds()),
		Value:    unix.NsecToTimespec(d.Nanoseconds()),
	}
	if err := unix.TimerfdSettime(fd, 0, spec, nil); err != nil {
		unix.Close(fd)
		return fmt.Errorf("reactor: arming beacon timer: %w", err)
	}
	r.timerFd = fd
	r.beaconFunc = fn
	return nil
}

// Run blocks in the poll loop until the UART signals EOF (peer closed the
// line) or a fatal poll error occurs. It is the sole suspension point in the
// process.
func (r *Reactor) Run() error {
	for {
		fds := r.buildPollSet()
		n, err := unix.Poll(fds, -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("reactor: poll: %w", err)
		}
		if n == 0 {
			continue
		}
		if done, err := r.dispatch(fds); done || err != nil {
			return err
		}
	}
}

func (r *Reactor) buildPollSet() []unix.PollFd {
	events := int16(unix.POLLIN)
	if r.WantUARTWrite != nil && r.WantUARTWrite() {
		events |= unix.POLLOUT
	}
	fds := make([]unix.PollFd, 0, 2+len(r.listeners)+len(r.conns))
	fds = append(fds, unix.PollFd{Fd: int32(r.uart.Fd()), Events: events})

	if r.timerFd >= 0 {
		fds = append(fds, unix.PollFd{Fd: int32(r.timerFd), Events: unix.POLLIN})
	}
	for _, l := range r.listeners {
		fds = append(fds, unix.PollFd{Fd: int32(l.Fd), Events: unix.POLLIN})
	}
	for fd := range r.conns {
		fds = append(fds, unix.PollFd{Fd: int32(fd), Events: unix.POLLIN})
	}
	return fds
}

// dispatch handles one batch of ready fds. Returns done=true on UART EOF.
func (r *Reactor) dispatch(fds []unix.PollFd) (bool, error) {
	idx := 0
	uartFd := fds[idx]
	idx++

	if uartFd.Revents&unix.POLLIN != 0 {
		n, err := r.uart.Read(r.readBuf[:])
		if err != nil {
			return true, err
		}
		if n == 0 {
			// Readable-but-empty means the peer closed the line.
			return true, fmt.Errorf("reactor: UART closed by peer")
		}
		for _, b := range r.readBuf[:n] {
			if r.OnUARTReadable != nil {
				r.OnUARTReadable(b)
			}
		}
	}
	if uartFd.Revents&unix.POLLOUT != 0 && r.FillUARTWrite != nil {
		if chunk := r.FillUARTWrite(); len(chunk) > 0 {
			r.uart.Write(chunk)
		}
	}

	if r.timerFd >= 0 {
		timerFd := fds[idx]
		idx++
		if timerFd.Revents&unix.POLLIN != 0 {
			var buf [8]byte
			unix.Read(r.timerFd, buf[:])
			if r.beaconFunc != nil {
				r.beaconFunc()
			}
		}
	}

	for _, l := range r.listeners {
		pf := fds[idx]
		idx++
		if pf.Revents&unix.POLLIN != 0 {
			connFd, _, err := unix.Accept(l.Fd)
			if err != nil {
				continue // accept failure: skipped without logging, loop continues
			}
			unix.SetNonblock(connFd, true)
			if l.OnAccept != nil {
				l.OnAccept(connFd)
			}
		}
	}

	toRemove := make([]int, 0)
	for fd, c := range r.conns {
		for _, pf := range fds[idx:] {
			if int(pf.Fd) != fd {
				continue
			}
			if pf.Revents&(unix.POLLIN|unix.POLLHUP) != 0 {
				n, err := unix.Read(fd, r.readBuf[:])
				if err != nil && err != unix.EAGAIN {
					toRemove = append(toRemove, fd)
					break
				}
				if n == 0 {
					toRemove = append(toRemove, fd)
					break
				}
				if c.onData(fd, r.readBuf[:n]) {
					toRemove = append(toRemove, fd)
				}
			}
			break
		}
	}
	for _, fd := range toRemove {
		r.RemoveConn(fd)
	}

	return false, nil
}
