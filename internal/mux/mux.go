// Package mux is the multiplexor bridge: it wires DLCI-tagged HDLC frames
// to Unix-domain tool sockets, the console, and a debug callback (spec
// §4.7). It owns the DLCI routing table the original implementation keeps
// as a 256-entry global array, here a fixed-size field on Bridge.
package mux

import (
	"fmt"
	"os"

	"github.com/osmocom/gsm-loader/internal/hdlc"
)

// MaxPayload is the largest payload accepted from a tool socket before
// handing it to the framing library.
const MaxPayload = 512

const (
	DLCIConsole = 0x01
	DLCIDebug   = 0x02
	DLCILayer2  = 0x05
	DLCILoader  = 0x09
)

// Logger is the minimal logging surface Bridge needs.
type Logger interface {
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
}

// toolServer is a DLCI bound to every open connection of one listening
// Unix socket.
type toolServer struct {
	dlci  byte
	conns map[int]connWriter
}

// connWriter is the minimal surface mux needs to push bytes to a tool
// connection; satisfied by the reactor's accepted-connection fd via a thin
// adapter the caller supplies.
type connWriter interface {
	Write(p []byte) (int, error)
}

// Bridge routes DLCI traffic between the HDLC framing primitive, tool
// servers, the console, and an externally supplied debug sink.
type Bridge struct {
	frame *hdlc.Bridge
	log   Logger

	servers   [256]*toolServer
	onDebug   func(payload []byte)
	console   *os.File
}

// New constructs a Bridge over an already-initialized framing primitive.
// Console output goes to stdout, matching the original's "console DLCI
// writes frame bytes to stdout" behaviour.
func New(frame *hdlc.Bridge, log Logger) *Bridge {
	b := &Bridge{frame: frame, log: log, console: os.Stdout}
	frame.RegisterRX(DLCIConsole, b.onConsoleFrame)
	frame.RegisterRX(DLCIDebug, b.onDebugFrame)
	return b
}

// OnDebug sets the externally provided debug-DLCI callback.
func (b *Bridge) OnDebug(fn func(payload []byte)) {
	b.onDebug = fn
}

func (b *Bridge) onConsoleFrame(payload []byte) {
	b.console.Write(payload)
}

func (b *Bridge) onDebugFrame(payload []byte) {
	if b.onDebug != nil {
		b.onDebug(payload)
	}
}

// RegisterToolServer binds dlci to a tool server; every frame received on
// dlci is fanned out to every connection currently registered under
// AddConn, prefixed with a 2-byte big-endian length.
func (b *Bridge) RegisterToolServer(dlci byte) {
	ts := &toolServer{dlci: dlci, conns: make(map[int]connWriter)}
	b.servers[dlci] = ts
	b.frame.RegisterRX(dlci, func(payload []byte) {
		b.fanOut(ts, payload)
	})
}

func (b *Bridge) fanOut(ts *toolServer, payload []byte) {
	framed := make([]byte, 2+len(payload))
	framed[0] = byte(len(payload) >> 8)
	framed[1] = byte(len(payload))
	copy(framed[2:], payload)
	for fd, w := range ts.conns {
		if _, err := w.Write(framed); err != nil {
			b.log.Warnf("mux: writing to dlci 0x%02x connection fd %d: %v", ts.dlci, fd, err)
		}
	}
}

// AddConn registers a newly accepted tool connection under dlci.
func (b *Bridge) AddConn(dlci byte, fd int, w connWriter) error {
	ts := b.servers[dlci]
	if ts == nil {
		return fmt.Errorf("mux: no tool server registered for dlci 0x%02x", dlci)
	}
	ts.conns[fd] = w
	return nil
}

// RemoveConn forgets a closed tool connection.
func (b *Bridge) RemoveConn(dlci byte, fd int) {
	if ts := b.servers[dlci]; ts != nil {
		delete(ts.conns, fd)
	}
}

// connReader accumulates bytes from one tool connection and emits complete
// length-prefixed payloads to Send. One instance per accepted fd.
type connReader struct {
	dlci byte
	buf  []byte
}

// NewConnReader constructs the length-prefix reassembler for one tool
// connection bound to dlci.
func (b *Bridge) NewConnReader(dlci byte) *connReader {
	return &connReader{dlci: dlci}
}

// Feed appends newly read bytes and extracts every complete length-prefixed
// frame, handing each payload to send(dlci, payload). Payloads over
// MaxPayload are rejected at ingress without reaching the framing library.
func (r *connReader) Feed(data []byte, b *Bridge) {
	r.buf = append(r.buf, data...)
	for {
		if len(r.buf) < 2 {
			return
		}
		length := int(r.buf[0])<<8 | int(r.buf[1])
		if len(r.buf) < 2+length {
			return
		}
		payload := r.buf[2 : 2+length]
		r.buf = r.buf[2+length:]

		if length > MaxPayload {
			b.log.Warnf("mux: dropping %d-byte payload on dlci 0x%02x: exceeds %d", length, r.dlci, MaxPayload)
			continue
		}
		if err := b.frame.Send(r.dlci, payload); err != nil {
			b.log.Warnf("mux: send on dlci 0x%02x: %v", r.dlci, err)
		}
	}
}
