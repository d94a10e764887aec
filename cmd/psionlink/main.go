// Command psionlink opens a serial port, wires the frame/NCP/rfsv/rpcs
// stack together, and runs a small demo (drive list, directory listing,
// machine info) to exercise the link.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.bug.st/serial"

	"github.com/plptools/psionlink/pkg/frame"
	"github.com/plptools/psionlink/pkg/ncp"
	"github.com/plptools/psionlink/pkg/rfsv"
	"github.com/plptools/psionlink/pkg/rpcs"
)

var (
	device  = flag.String("serial", "/dev/ttyUSB0", "Serial device path")
	baud    = flag.Int("baud", 115200, "Serial baud rate")
	verbose = flag.Int("verbose", 0, "Debug log verbosity bitmask (1=log, 4=modem lines)")
	ctsOnly = flag.Bool("cts-only", false, "Treat CTS alone as the line-ready signal instead of DSR+CTS")
	listDir = flag.String("dir", "/", "Remote directory to list on startup")
)

// serialPort adapts go.bug.st/serial.Port to frame.SerialEndpoint.
type serialPort struct {
	serial.Port
}

func (p *serialPort) GetModemStatusBits() (cts, dsr, dcd bool, err error) {
	bits, err := p.Port.GetModemStatusBits()
	if err != nil {
		return false, false, false, err
	}
	return bits.CTS, bits.DSR, bits.DCD, nil
}

func main() {
	flag.Parse()
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)
	logger := log.Default()

	log.Printf("psionlink: serial device %s at %d baud", *device, *baud)

	opener := func() (frame.SerialEndpoint, error) {
		port, err := serial.Open(*device, &serial.Mode{BaudRate: *baud})
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", *device, err)
		}
		return &serialPort{Port: port}, nil
	}

	frameOpts := []frame.Option{frame.WithVerbose(*verbose)}
	if *ctsOnly {
		frameOpts = append(frameOpts, frame.WithCTSOnly())
	}

	// dial rebuilds the framer and NCP multiplexer from scratch; it is
	// passed to every service client as their reconnect primitive.
	dial := func() (*ncp.Mux, error) {
		fr, err := frame.New(opener, logger, frameOpts...)
		if err != nil {
			return nil, err
		}
		return ncp.New(fr, logger), nil
	}

	fs := rfsv.New(dial, logger)
	defer fs.Close()

	proc := rpcs.New(dial, logger)
	defer proc.Close()

	devbits, err := fs.Devlist()
	if err != nil {
		log.Fatalf("psionlink: devlist: %v", err)
	}
	log.Printf("psionlink: drives present: %s", formatDrives(devbits))

	entries, err := fs.Dir(*listDir)
	if err != nil {
		log.Fatalf("psionlink: dir %s: %v", *listDir, err)
	}
	log.Printf("psionlink: %d entries under %s", len(entries), *listDir)
	for _, e := range entries {
		log.Printf("  %-20s %8d bytes attr=%#x", e.Name, e.Size, e.Attr)
	}

	if mi, err := proc.GetMachineInfo(); err != nil {
		log.Printf("psionlink: machine info: %v", err)
	} else {
		log.Printf("psionlink: machine %q, ROM %d.%d.%d", mi.MachineName, mi.ROMMajor, mi.ROMMinor, mi.ROMBuild)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("psionlink: shutting down")
}

func formatDrives(bits uint32) string {
	var out []byte
	for i := 0; i < 26; i++ {
		if bits&(1<<uint(i)) != 0 {
			out = append(out, byte('A'+i))
		}
	}
	if len(out) == 0 {
		return "(none)"
	}
	return string(out)
}
