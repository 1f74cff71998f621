// Command gsm-loader drives a handset's boot ROM over a serial line and
// downloads a RAM image into it, then bridges the resulting HDLC-multiplexed
// link onto Unix-domain tool sockets.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/osmocom/gsm-loader/internal/compal"
	"github.com/osmocom/gsm-loader/internal/hdlc"
	"github.com/osmocom/gsm-loader/internal/image"
	"github.com/osmocom/gsm-loader/internal/mux"
	"github.com/osmocom/gsm-loader/internal/reactor"
	"github.com/osmocom/gsm-loader/internal/romload"
	"github.com/osmocom/gsm-loader/internal/serialport"
	"github.com/osmocom/gsm-loader/internal/session"
)

var (
	showVersion = flag.Bool("v", false, "print version and exit")
	device      = flag.String("p", "/dev/ttyUSB1", "serial device path")
	layer2Sock  = flag.String("s", "/tmp/osmocom_l2", "layer-2 tool socket path")
	loaderSock  = flag.String("l", "/tmp/osmocom_loader", "loader tool socket path")
	profileFlag = flag.String("m", "c123", "target profile: c123, c123xor, c140, c140xor, c155, romload")
)

const (
	identBaud = 19200
	dataBaud  = 115200
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s [-v] [-p device] [-s layer2_socket] [-l loader_socket] [-m profile] file.bin\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if *showVersion {
		fmt.Println("gsm-loader 1.0.0")
		os.Exit(2)
	}
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}

	logger := log.New()
	logger.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	profile, err := session.ParseProfile(*profileFlag)
	if err != nil {
		logger.Fatalf("invalid profile: %v", err)
	}

	sess := session.New(profile, flag.Arg(0))
	if err := image.Build(sess, logger); err != nil {
		logger.Fatalf("building image: %v", err)
	}

	startBaud := dataBaud
	if profile == session.ProfileRomload {
		startBaud = identBaud
	}
	port, err := serialport.Open(*device, startBaud)
	if err != nil {
		logger.Fatalf("opening serial port: %v", err)
	}
	defer port.Close()

	frame := hdlc.Init()
	bridge := mux.New(frame, logger)
	bridge.RegisterToolServer(mux.DLCILayer2)
	bridge.RegisterToolServer(mux.DLCILoader)

	r := reactor.New(port)

	l2Fd, err := listenUnix(*layer2Sock)
	if err != nil {
		logger.Fatalf("binding layer-2 socket: %v", err)
	}
	loaderFd, err := listenUnix(*loaderSock)
	if err != nil {
		logger.Fatalf("binding loader socket: %v", err)
	}

	wireToolServer(r, bridge, l2Fd, mux.DLCILayer2, logger)
	wireToolServer(r, bridge, loaderFd, mux.DLCILoader, logger)

	var compalMachine *compal.Machine
	var romloadMachine *romload.Machine

	if profile.IsCompal() {
		compalMachine = compal.New(sess, port, logger)
		r.OnUARTReadable = compalMachine.RxByte
		r.WantUARTWrite = compalMachine.WriteReady
		r.FillUARTWrite = compalMachine.NextChunk
	} else {
		romloadMachine = romload.New(sess, port, port, logger)
		r.OnUARTReadable = func(b byte) {
			if romloadMachine.Finished() {
				if frame.RxChar(b) != 0 {
					logger.Warnf("hdlc: dropped byte after handoff")
				}
				return
			}
			romloadMachine.RxByte(b)
		}
		r.WantUARTWrite = func() bool {
			if romloadMachine.Finished() {
				return frame.HasTX()
			}
			return romloadMachine.WriteReady()
		}
		r.FillUARTWrite = func() []byte {
			if romloadMachine.Finished() {
				var b byte
				if frame.PullTX(&b) != 0 {
					return nil
				}
				return []byte{b}
			}
			return romloadMachine.NextBlock(4096)
		}
		if err := r.ArmBeacon(50*time.Millisecond, func() {
			romloadMachine.Beacon()
			romloadMachine.Settle()
		}); err != nil {
			logger.Fatalf("arming beacon: %v", err)
		}
	}

	logger.Infof("gsm-loader starting: profile=%s device=%s file=%s", profile, *device, sess.Filename)

	if err := r.Run(); err != nil {
		logger.Fatalf("reactor: %v", err)
	}
}

// listenUnix unlinks any stale socket at path before binding a fresh
// listener, matching the "server unlinks the path before bind" contract and
// the unbounded-backlog-of-zero configuration (spec §6).
func listenUnix(path string) (int, error) {
	_ = unix.Unlink(path)

	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, err
	}
	addr := &unix.SockaddrUnix{Name: path}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return -1, err
	}
	if err := unix.Listen(fd, 0); err != nil {
		unix.Close(fd)
		return -1, err
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, err
	}
	return fd, nil
}

// fdWriter adapts a raw fd to the io.Writer-like surface mux.connWriter and
// compal/romload's Writer need.
type fdWriter int

func (w fdWriter) Write(p []byte) (int, error) {
	return unix.Write(int(w), p)
}

func wireToolServer(r *reactor.Reactor, bridge *mux.Bridge, listenFd int, dlci byte, logger *log.Logger) {
	r.AddListener(listenFd, func(connFd int) {
		reader := bridge.NewConnReader(dlci)
		if err := bridge.AddConn(dlci, connFd, fdWriter(connFd)); err != nil {
			logger.Warnf("mux: %v", err)
			unix.Close(connFd)
			return
		}
		r.AddConn(connFd, func(fd int, buf []byte) bool {
			reader.Feed(buf, bridge)
			return false
		}, func() {
			bridge.RemoveConn(dlci, connFd)
		})
	})
}
