// Package compal drives the "compal" ramloader handshake: a four-sentinel
// prompt/ack exchange around a single bulk image write (spec §4.4).
package compal

import (
	"github.com/osmocom/gsm-loader/internal/image"
	"github.com/osmocom/gsm-loader/internal/session"
)

const headLen = 7

// chunkSize is the largest slice of the prepared image offered per
// write-ready event.
const chunkSize = 4096

// Writer is the transmit side the machine drives; satisfied by the opened
// serial port.
type Writer interface {
	Write(p []byte) (int, error)
}

// Logger is the minimal logging surface the machine needs.
type Logger interface {
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
}

type sentinel struct {
	bytes  [headLen]byte
	state  session.CompalState
	any    bool
	label  string
}

var sentinels = []sentinel{
	{bytes: [headLen]byte{0x1B, 0xF6, 0x02, 0x00, 0x41, 0x01, 0x40}, state: session.WaitingPrompt1, label: "prompt1"},
	{bytes: [headLen]byte{0x1B, 0xF6, 0x02, 0x00, 0x41, 0x02, 0x43}, state: session.WaitingPrompt2, label: "prompt2"},
	{bytes: [headLen]byte{0x1B, 0xF6, 0x02, 0x00, 0x41, 0x03, 0x42}, state: session.Downloading, label: "ack"},
	{bytes: [headLen]byte{0x1B, 0xF6, 0x02, 0x00, 0x45, 0x53, 0x16}, state: session.Downloading, label: "nack"},
	{bytes: [headLen]byte{0x1B, 0xF6, 0x02, 0x00, 0x41, 0x03, 0x57}, state: session.Downloading, label: "magic-nack"},
	{bytes: [headLen]byte{0x66, 0x74, 0x6D, 0x74, 0x6F, 0x6F, 0x6C}, any: true, label: "ftmtool"},
}

var cmdBytes = [...]byte{0x1B, 0xF6, 0x02, 0x00, 0x52, 0x01, 0x53}

// Machine drives one compal session's handshake and bulk transfer.
type Machine struct {
	sess   *session.Session
	tx     Writer
	log    Logger
	head   [headLen]byte
	filled int

	writeReady bool
	seedPending bool
}

// New constructs a compal handshake driver over the given session and
// transport. The session's profile must not be ProfileRomload.
func New(sess *session.Session, tx Writer, log Logger) *Machine {
	return &Machine{sess: sess, tx: tx, log: log}
}

// RxByte feeds one received UART byte into the sliding sentinel matcher.
func (m *Machine) RxByte(b byte) {
	copy(m.head[:], m.head[1:])
	m.head[headLen-1] = b
	if m.filled < headLen {
		m.filled++
	}
	if m.filled < headLen {
		return
	}
	for _, s := range sentinels {
		if !s.any && s.state != m.sess.Compal {
			continue
		}
		if s.bytes != m.head {
			continue
		}
		m.handle(s)
		return
	}
}

func (m *Machine) handle(s sentinel) {
	switch s.label {
	case "prompt1":
		m.log.Infof("compal: prompt1 received, sending cmd")
		m.tx.Write(cmdBytes[:])
		if err := image.Build(m.sess, m.log); err != nil {
			m.log.Warnf("compal: rebuilding image: %v", err)
		}
		m.sess.Compal = session.WaitingPrompt2
	case "prompt2":
		m.log.Infof("compal: prompt2 received, enabling write-readiness")
		m.sess.Compal = session.Downloading
		m.seedPending = m.sess.Profile.XORSeedsFirst()
		m.writeReady = true
	case "ack":
		m.log.Infof("compal: image accepted and running")
		m.sess.Compal = session.WaitingPrompt1
		m.writeReady = false
	case "nack":
		m.log.Warnf("compal: transfer failed")
		m.sess.Compal = session.WaitingPrompt1
		m.writeReady = false
	case "magic-nack":
		m.log.Warnf("compal: magic must live at 0x803CE0")
		m.sess.Compal = session.WaitingPrompt1
		m.writeReady = false
	case "ftmtool":
		m.log.Warnf("compal: ramloader aborted")
		m.sess.Compal = session.WaitingPrompt1
		m.writeReady = false
	}
}

// WriteReady reports whether the UART should be polled for writability.
func (m *Machine) WriteReady() bool {
	return m.writeReady
}

// NextChunk returns up to chunkSize bytes to write this tick, advancing the
// image cursor. When the seed byte is pending for XOR-seeded profiles it is
// returned alone, ahead of any image bytes. Profiles that instead require a
// pre-write pause get no explicit delay here: a one-microsecond stall is not
// observable through a cooperative, non-blocking reactor, so it is treated
// as a no-op.
func (m *Machine) NextChunk() []byte {
	if m.seedPending {
		m.seedPending = false
		return []byte{0x02}
	}
	remaining := m.sess.Image.Remaining()
	if remaining <= 0 {
		m.writeReady = false
		return nil
	}
	n := remaining
	if n > chunkSize {
		n = chunkSize
	}
	start := m.sess.Image.Cursor
	chunk := m.sess.Image.Data[start : start+n]
	m.sess.Image.Cursor += n
	return chunk
}
