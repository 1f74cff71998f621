// Package romload drives the "romloader" handshake: a beacon/identification
// exchange followed by a negotiated block/ack upload and branch (spec §4.5).
package romload

import (
	"time"

	"github.com/osmocom/gsm-loader/internal/block"
	"github.com/osmocom/gsm-loader/internal/image"
	"github.com/osmocom/gsm-loader/internal/session"
)

// Writer is the transmit side the machine drives.
type Writer interface {
	Write(p []byte) (int, error)
}

// Logger is the minimal logging surface the machine needs.
type Logger interface {
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
}

// Baud switches the driven serial port's baud rate; implemented by
// internal/serialport.Port.
type Baud interface {
	SetBaud(rate int) error
}

const (
	identBaud = 19200
	dataBaud  = 115200
)

var (
	beaconFrame    = [...]byte{0x3C, 0x69}
	paramFrame     = [...]byte{0x3C, 0x70, 0x00, 0x00, 0x00, 0x04, 0x00, 0x00, 0x00, 0x00, 0x00}
	checksumHeader = [...]byte{0x3C, 0x63}
	branchHeader   = [...]byte{0x3C, 0x62}
)

// Machine drives one romload session's handshake and block upload.
type Machine struct {
	sess *session.Session
	tx   Writer
	baud Baud
	log  Logger

	head   [7]byte
	filled int

	writeReady bool
	finished   bool

	// settleUntil is non-zero while waiting for the post-rebaud settle
	// period; the reactor polls Settle to find out when it has elapsed.
	// A blocking sleep here would violate the single suspension point
	// the reactor owns, so the wait is expressed as a deadline instead.
	settleUntil time.Time
}

// New constructs a romload handshake driver. sess.Profile must be
// ProfileRomload.
func New(sess *session.Session, tx Writer, baud Baud, log Logger) *Machine {
	return &Machine{sess: sess, tx: tx, baud: baud, log: log}
}

// Finished reports whether the branch ack has been received; once true the
// caller should route further UART bytes through the multiplexor instead of
// this machine.
func (m *Machine) Finished() bool {
	return m.finished
}

// WriteReady reports whether the UART should be polled for writability.
func (m *Machine) WriteReady() bool {
	return m.writeReady
}

// Beacon re-emits the identification probe; the caller invokes this from a
// 50ms timer while the machine is in WaitingIdentification. It is a no-op in
// any other state.
func (m *Machine) Beacon() {
	if m.sess.Romload != session.WaitingIdentification {
		return
	}
	m.tx.Write(beaconFrame[:])
}

// headLen returns the number of bytes of the receive buffer significant in
// the current state (spec §4.5: 2 bytes in most states, 4 in
// WaitingParamAck, 3 in WaitingChecksumAck, 7 in Finished).
func (m *Machine) headLen() int {
	switch m.sess.Romload {
	case session.WaitingParamAck:
		return 4
	case session.WaitingChecksumAck:
		return 3
	case session.Finished:
		return 7
	default:
		return 2
	}
}

// RxByte feeds one received UART byte into the state-dependent matcher.
func (m *Machine) RxByte(b byte) {
	if m.finished {
		return
	}
	n := m.headLen()
	copy(m.head[:], m.head[1:])
	m.head[len(m.head)-1] = b
	if m.filled < n {
		m.filled++
	}
	if m.filled < n {
		return
	}
	tail := m.head[len(m.head)-n:]
	last := tail[len(tail)-2:]

	switch m.sess.Romload {
	case session.WaitingIdentification:
		if last[0] == 0x3E && last[1] == 0x69 {
			m.onIdentAck()
		}
	case session.WaitingParamAck:
		// Full 4-byte tail: "3E 70 sz_lo sz_hi". The 2-byte nack still
		// lands at the tail's last two bytes regardless of head length.
		if tail[0] == 0x3E && tail[1] == 0x70 {
			m.onParamAck(tail[2], tail[3])
		} else if last[0] == 0x3E && last[1] == 0x50 {
			m.abort("parameter-nack")
		}
	case session.SendingBlocks, session.SendingLastBlock:
		if last[0] == 0x3E && last[1] == 0x57 {
			m.abort("block-nack")
		}
	case session.WaitingBlockAck:
		if last[0] == 0x3E && last[1] == 0x77 {
			m.onBlockAck()
		} else if last[0] == 0x3E && last[1] == 0x57 {
			m.abort("block-nack")
		}
	case session.LastBlockSent:
		if last[0] == 0x3E && last[1] == 0x77 {
			m.onLastBlockAck()
		} else if last[0] == 0x3E && last[1] == 0x57 {
			m.abort("block-nack")
		}
	case session.WaitingChecksumAck:
		// 3-byte tail captures "3E 63 <reported_checksum>" for diagnostics,
		// so the ack is matched at the tail's front; the 2-byte nack has no
		// trailing byte and so still lands at the tail's end.
		if tail[0] == 0x3E && tail[1] == 0x63 {
			m.onChecksumAck()
		} else if last[0] == 0x3E && last[1] == 0x43 {
			m.abort("checksum-nack")
		}
	case session.WaitingBranchAck:
		if last[0] == 0x3E && last[1] == 0x62 {
			m.onBranchAck()
		} else if last[0] == 0x3E && last[1] == 0x42 {
			m.abort("branch-nack")
		}
	}
}

func (m *Machine) onIdentAck() {
	m.log.Infof("romload: identification ack, sending parameter block")
	m.tx.Write(paramFrame[:])
	if err := image.Build(m.sess, m.log); err != nil {
		m.log.Warnf("romload: rebuilding image: %v", err)
	}
	m.sess.Romload = session.WaitingParamAck
}

func (m *Machine) onParamAck(szLo, szHi byte) {
	blockSize := int(szHi)<<8 | int(szLo)
	m.sess.PayloadSize = blockSize - block.HeaderSize
	m.log.Infof("romload: negotiated block size %d, payload size %d", blockSize, m.sess.PayloadSize)

	if err := m.baud.SetBaud(dataBaud); err != nil {
		m.log.Warnf("romload: switching to data baud: %v", err)
	}
	m.settleUntil = time.Now().Add(100 * time.Millisecond)
}

// Settle checks whether the post-rebaud settle period has elapsed; once it
// has, it builds the first block and enables write-readiness. The caller
// invokes this from the periodic beacon timer, so the deadline is checked
// once per timer tick. A no-op when no settle is pending.
func (m *Machine) Settle() {
	if m.settleUntil.IsZero() || time.Now().Before(m.settleUntil) {
		return
	}
	m.settleUntil = time.Time{}
	m.sess.BlockIndex = 0
	block.Next(m.sess)
	m.writeReady = true
}

func (m *Machine) onBlockAck() {
	block.Next(m.sess)
	m.writeReady = true
}

func (m *Machine) onLastBlockAck() {
	m.log.Infof("romload: final block acked, sending checksum")
	sum := block.DownloadChecksum(m.sess)
	m.tx.Write(checksumHeader[:])
	m.tx.Write([]byte{sum})
	m.sess.Romload = session.WaitingChecksumAck
}

func (m *Machine) onChecksumAck() {
	m.log.Infof("romload: checksum acked, sending branch address")
	addr := uint32(session.RomloadBaseAddress)
	m.tx.Write(branchHeader[:])
	m.tx.Write([]byte{byte(addr >> 24), byte(addr >> 16), byte(addr >> 8), byte(addr)})
	m.sess.Romload = session.WaitingBranchAck
}

func (m *Machine) onBranchAck() {
	m.log.Infof("romload: branch acked, uploaded code is running")
	m.writeReady = false
	m.sess.Romload = session.Finished
	m.finished = true
}

func (m *Machine) abort(reason string) {
	m.log.Warnf("romload: %s, aborting to identification", reason)
	if err := m.baud.SetBaud(identBaud); err != nil {
		m.log.Warnf("romload: restoring identification baud: %v", err)
	}
	m.sess.ResetRomload()
	m.writeReady = false
	m.settleUntil = time.Time{}
}

// NextBlock returns the current block's bytes starting at its write cursor,
// up to max bytes, advancing the cursor. When the block is fully written it
// transitions to WaitingBlockAck or LastBlockSent per the substate set by
// block.Next, and disables write-readiness until the next ack.
func (m *Machine) NextBlock(max int) []byte {
	remaining := m.sess.Block.Remaining()
	if remaining <= 0 {
		return nil
	}
	n := remaining
	if n > max {
		n = max
	}
	start := m.sess.Block.Cursor
	chunk := m.sess.Block.Data[start : start+n]
	m.sess.Block.Cursor += n
	if m.sess.Block.Remaining() == 0 {
		m.writeReady = false
		switch m.sess.Romload {
		case session.SendingBlocks:
			m.sess.Romload = session.WaitingBlockAck
		case session.SendingLastBlock:
			m.sess.Romload = session.LastBlockSent
		}
	}
	return chunk
}
