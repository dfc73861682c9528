// relay exposes the usbmuxd socket over TCP, or the other way around, optionally
// dumping the traffic. Useful to reach a device attached to another machine.
package main

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"runtime"
	"sync/atomic"

	"github.com/blacktop/go-plist"
	"github.com/prife/gosidekit/wire"
	log "github.com/sirupsen/logrus"
)

var (
	mode    = flag.String("mode", "tcp", "unix: serve a usbmuxd socket backed by -tcp; tcp: serve usbmuxd on -tcp; tcp2tcp: dump between -listen and -tcp")
	tcpAddr = flag.String("tcp", "127.0.0.1:27015", "TCP address")
	unixSo  = flag.String("unix", "/var/run/usbmuxd", "usbmuxd socket")
	listen  = flag.String("listen", "127.0.0.1:27016", "listen address for tcp2tcp")
	dump    = flag.Bool("dump", false, "log every usbmuxd packet and hex dump raw device traffic")
)

// relay accepts on ln and pipes every connection to target.
func relay(ln net.Listener, targetNetwork, target string) error {
	log.Infof("relay %s -> %s %s", ln.Addr(), targetNetwork, target)
	for {
		conn, err := ln.Accept()
		if err != nil {
			return fmt.Errorf("relay: accept: %w", err)
		}

		peer, err := net.Dial(targetNetwork, target)
		if err != nil {
			log.WithError(err).Warn("relay: dial target")
			conn.Close()
			continue
		}
		log.Debugf("relay: %s connected", conn.RemoteAddr())
		var connected atomic.Bool
		go pipe(peer, conn, "--->", &connected)
		go pipe(conn, peer, "<---", &connected)
	}
}

// pipe copies src to dst. connected is shared by both directions of one relayed socket and
// is set once the client asks usbmuxd to Connect.
func pipe(dst, src net.Conn, dir string, connected *atomic.Bool) {
	defer dst.Close()
	if !*dump {
		io.Copy(dst, src)
		return
	}

	// usbmuxd packets come first; after a Connect and its Result the stream belongs to the device.
	for {
		data, hdr, err := wire.ReadUsbmuxPacket(src)
		if err != nil {
			log.WithError(err).Debugf("%s usbmuxd stream ended", dir)
			return
		}
		var v map[string]any
		plist.Unmarshal(data, &v)
		log.Infof("%s tag %d %v", dir, hdr.Tag, v)

		reply := connected.Load()
		connecting := v["MessageType"] == "Connect"
		if connecting {
			connected.Store(true)
		}
		if err := binary.Write(dst, binary.LittleEndian, hdr); err != nil {
			return
		}
		if _, err := dst.Write(data); err != nil {
			return
		}
		if reply || connecting {
			break
		}
	}

	buf := make([]byte, 64*1024)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			log.Infof("%s\n%s", dir, hex.Dump(buf[:n]))
			if _, err := io.Copy(dst, bytes.NewReader(buf[:n])); err != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func initLog() {
	log.SetReportCaller(true)
	log.SetFormatter(&log.TextFormatter{
		CallerPrettyfier: func(f *runtime.Frame) (string, string) {
			filename := path.Base(f.File)
			return "", fmt.Sprintf("%s:%d", filename, f.Line)
		},
	})
	log.SetLevel(log.InfoLevel)
}

func main() {
	flag.Parse()

	initLog()

	var err error
	switch *mode {
	case "unix":
		var ln net.Listener
		if ln, err = net.Listen("unix", *unixSo); err == nil {
			os.Chmod(*unixSo, 0o777)
			err = relay(ln, "tcp", *tcpAddr)
		}
	case "tcp":
		var ln net.Listener
		if ln, err = net.Listen("tcp", *tcpAddr); err == nil {
			err = relay(ln, "unix", *unixSo)
		}
	case "tcp2tcp":
		var ln net.Listener
		if ln, err = net.Listen("tcp4", *listen); err == nil {
			err = relay(ln, "tcp", *tcpAddr)
		}
	default:
		err = fmt.Errorf("unknown mode %q", *mode)
	}
	log.Fatal(err)
}
