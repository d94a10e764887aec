// Package frame implements the PSION link protocol's packet framer: a
// byte-stuffed, CRC-16/CCITT-checked framing layer over a raw serial
// endpoint, including line-state handshaking and resynchronisation.
//
// Wire format: 16 10 02 | TYPE | PAYLOAD* | 10 03 | CRCHI CRCLO. Inside
// TYPE|PAYLOAD every literal 0x10 byte is doubled. The opening of the OS
// serial device is an external collaborator's job — a Framer is handed
// an already-open SerialEndpoint (and a way to reopen one on reset) and
// never shells out to a driver itself.
package frame

import (
	"fmt"
	"log"
	"time"
)

const (
	syncA = 0x16
	syncB = 0x10
	syncC = 0x02
	esc   = 0x10
	term  = 0x03
)

// SerialEndpoint is the byte stream a Framer reads and writes. It is
// satisfied in production by a thin adapter around go.bug.st/serial.Port
// (see cmd/psionlink); tests use an in-memory fake.
type SerialEndpoint interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
	ModemLines
}

// ModemLines exposes the modem-control status bits and the ability to
// assert the host-side lines. Only CTS/DSR/DCD are readable from the
// status register; DTR/RTS are host-asserted outputs with no readback,
// so the Framer tracks whether it has asserted them itself.
type ModemLines interface {
	GetModemStatusBits() (cts, dsr, dcd bool, err error)
	SetDTR(bool) error
	SetRTS(bool) error
}

// Opener opens (or reopens) the serial endpoint. Framer calls it once on
// construction and again on every Reset.
type Opener func() (SerialEndpoint, error)

// Frame is a single decoded protocol frame: an 8-bit type tag plus its
// unstuffed payload.
type Frame struct {
	Type    byte
	Payload []byte
}

// Framer owns a serial endpoint and produces/consumes Frames.
type Framer struct {
	opts Options
	log  *log.Logger

	open Opener
	ep   SerialEndpoint

	lastFatal     bool
	lineStatusSet bool
	lastCTS       bool
	lastDSR       bool
	assertedDTR   bool
	assertedRTS   bool

	// receive state
	inBuf      []byte // accumulated unexamined bytes
	foundSync  bool
	escaping   bool
	crcIn      uint16
	payload    []byte
	frameStart int // index in inBuf of the next byte to scan (past the sync, or past a finished frame)

	// send state
	outBuf []byte
}

// New opens the serial endpoint via open and returns a ready Framer.
func New(open Opener, logger *log.Logger, opts ...Option) (*Framer, error) {
	o := defaultOptions
	for _, opt := range opts {
		opt(&o)
	}
	if logger == nil {
		logger = log.Default()
	}
	f := &Framer{opts: o, log: logger, open: open}
	ep, err := open()
	if err != nil {
		return nil, fmt.Errorf("frame: open serial endpoint: %w", err)
	}
	f.ep = ep
	f.outBuf = make([]byte, 0, o.BufferLen)
	return f, nil
}

// Healthy reports whether the framer believes its serial endpoint is
// currently usable. NCP uses this to tell a CRC hiccup (Get returns
// false, link fine) apart from a genuine link-down (Get returns false,
// endpoint gone or fatally errored).
func (f *Framer) Healthy() bool {
	return f.ep != nil && !f.lastFatal
}

// Close releases the underlying serial endpoint.
func (f *Framer) Close() error {
	if f.ep == nil {
		return nil
	}
	err := f.ep.Close()
	f.ep = nil
	return err
}

// Reset closes the current endpoint (if any), sleeps briefly, reopens
// it via the Opener, and lets the line settle for a second.
func (f *Framer) Reset() error {
	if f.opts.Verbose&1 != 0 {
		f.log.Printf("frame: resetting serial connection")
	}
	if f.ep != nil {
		f.ep.Close()
		f.ep = nil
	}
	time.Sleep(100 * time.Millisecond)

	f.inBuf = f.inBuf[:0]
	f.outBuf = f.outBuf[:0]
	f.foundSync = false
	f.escaping = false
	f.crcIn = 0
	f.lineStatusSet = false
	f.lastFatal = false
	f.assertedDTR = false
	f.assertedRTS = false

	ep, err := f.open()
	if err != nil {
		f.lastFatal = true
		return fmt.Errorf("frame: reopen serial endpoint: %w", err)
	}
	f.ep = ep
	if f.opts.SettleWait {
		time.Sleep(time.Second)
	}
	if f.opts.Verbose&1 != 0 {
		f.log.Printf("frame: serial connection reset")
	}
	return nil
}

// Send emits one frame: sync, type, byte-stuffed payload, terminator,
// CRC. Short writes to the device are retried until every staged byte
// is accepted; failure is link-fatal.
func (f *Framer) Send(typ byte, payload []byte) error {
	f.outBuf = f.outBuf[:0]
	f.outBuf = append(f.outBuf, syncA, syncB, syncC)

	var crc uint16
	f.outBuf = append(f.outBuf, typ)
	crc = addToCRC(typ, crc)
	for _, c := range payload {
		if c == esc {
			f.outBuf = append(f.outBuf, c)
		}
		f.outBuf = append(f.outBuf, c)
		crc = addToCRC(c, crc)
	}
	f.outBuf = append(f.outBuf, esc, term)
	f.outBuf = append(f.outBuf, byte(crc>>8), byte(crc&0xff))

	if f.opts.Verbose&1 != 0 {
		f.log.Printf("frame: send type=0x%02x len=%d", typ, len(payload))
	}

	if f.ep == nil {
		f.lastFatal = true
		return ErrLinkDown
	}
	buf := f.outBuf
	for len(buf) > 0 {
		n, err := f.ep.Write(buf)
		if err != nil {
			f.lastFatal = true
			return fmt.Errorf("%w: %v", ErrLinkDown, err)
		}
		buf = buf[n:]
	}
	return nil
}

func addToCRC(c byte, crc uint16) uint16 {
	x := uint16(c) << 8
	for i := 0; i < 8; i++ {
		if (crc^x)&0x8000 != 0 {
			crc = (crc << 1) ^ 0x1021
		} else {
			crc <<= 1
		}
		x <<= 1
	}
	return crc
}

// Get reads a single complete frame. It blocks (looping on the
// underlying Read) until a frame terminates or the link fails; a read
// error marks the link fatal. A CRC mismatch discards the offending
// frame and returns false without treating the link as down; the scan
// resumes past the failing frame.
func (f *Framer) Get() (Frame, bool) {
	for !f.terminated() {
		if f.LinkFailed() {
			return Frame{}, false
		}
		chunk := make([]byte, f.opts.BufferLen)
		n, err := f.ep.Read(chunk)
		if n > 0 {
			f.inBuf = append(f.inBuf, chunk[:n]...)
		} else if err != nil {
			f.lastFatal = true
			return Frame{}, false
		} else if len(f.inBuf) == 0 {
			// EAGAIN-like zero return with nothing buffered: hand
			// control back without consuming anything.
			return Frame{}, false
		}
		if len(f.inBuf) >= f.opts.BufferLen {
			f.log.Printf("frame: %v", ErrOverflow)
			f.inBuf = f.inBuf[:0]
			f.foundSync = false
			f.frameStart = 0
			return Frame{}, false
		}
	}

	payload := f.payload
	crc := f.crcIn
	// f.frameStart marks the first byte after the consumed frame.
	f.inBuf = append(f.inBuf[:0], f.inBuf[f.frameStart:]...)
	f.foundSync = false
	f.frameStart = 0

	if len(payload) < 2 {
		return Frame{}, false
	}
	wireCRC := (uint16(payload[len(payload)-2]) << 8) | uint16(payload[len(payload)-1])
	body := payload[:len(payload)-2]
	if wireCRC != crc {
		if f.opts.Verbose&1 != 0 {
			f.log.Printf("frame: %v", errBadCRC)
		}
		return Frame{}, false
	}
	if len(body) < 1 {
		return Frame{}, false
	}
	return Frame{Type: body[0], Payload: append([]byte(nil), body[1:]...)}, true
}

// terminated scans f.inBuf for a complete, unstuffed frame starting at
// the sync sequence. On success it leaves the unstuffed TYPE|PAYLOAD in
// f.payload (CRC bytes included at the tail) with its running CRC in
// f.crcIn, and f.frameStart points past the consumed bytes.
func (f *Framer) terminated() bool {
	if !f.foundSync {
		i := 0
		for i+3 <= len(f.inBuf) {
			if f.inBuf[i] == syncA && f.inBuf[i+1] == syncB && f.inBuf[i+2] == syncC {
				f.foundSync = true
				f.frameStart = i + 3
				break
			}
			i++
		}
		if !f.foundSync {
			return false
		}
		f.escaping = false
		f.crcIn = 0
		f.payload = f.payload[:0]
	}

	i := f.frameStart
	for i < len(f.inBuf) {
		b := f.inBuf[i]
		if f.escaping {
			f.escaping = false
			if b == term {
				// Two CRC bytes must follow; wait for more data if
				// they haven't arrived yet. Re-arm escaping and leave
				// frameStart at this byte so the next call re-enters
				// the same decision once len(inBuf) has grown.
				if i+2 >= len(f.inBuf) {
					f.escaping = true // re-arm: next call should retry the term check
					f.frameStart = i
					return false
				}
				f.payload = append(f.payload, f.inBuf[i+1], f.inBuf[i+2])
				f.frameStart = i + 3
				return true
			}
			f.crcIn = addToCRC(b, f.crcIn)
			f.payload = append(f.payload, b)
		} else {
			if b == esc {
				f.escaping = true
			} else {
				f.crcIn = addToCRC(b, f.crcIn)
				f.payload = append(f.payload, b)
			}
		}
		i++
	}
	f.frameStart = i
	return false
}

// LinkFailed polls the modem-control lines and asserts DTR/RTS if the
// framer has not yet asserted them. If a prior fatal I/O error was
// observed it resets the framer first, returning true if that reset
// fails. It also returns true if reading or setting the lines fails, or
// if the configured CTS policy reports the device side is not ready.
func (f *Framer) LinkFailed() bool {
	if f.lastFatal {
		if err := f.Reset(); err != nil {
			return true
		}
	}
	if f.ep == nil {
		f.lastFatal = true
		return true
	}
	cts, dsr, _, err := f.ep.GetModemStatusBits()
	if err != nil {
		f.lastFatal = true
		return true
	}
	if !f.lineStatusSet || cts != f.lastCTS || dsr != f.lastDSR {
		if f.opts.Verbose&4 != 0 {
			f.log.Printf("frame: modem lines DTR:%v RTS:%v DSR:%v CTS:%v", f.assertedDTR, f.assertedRTS, dsr, cts)
		}
		if !(f.assertedDTR && f.assertedRTS) {
			if err := f.ep.SetDTR(true); err != nil {
				f.lastFatal = true
			} else {
				f.assertedDTR = true
			}
			if err := f.ep.SetRTS(true); err != nil {
				f.lastFatal = true
			} else {
				f.assertedRTS = true
			}
		}
		f.lastCTS, f.lastDSR = cts, dsr
		f.lineStatusSet = true
	}

	var failed bool
	switch f.opts.CTSPolicy {
	case PolicyCTSOnly:
		failed = !cts
	default:
		failed = !dsr || !cts
	}
	return f.lastFatal || failed
}
