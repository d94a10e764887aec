package rfsv_test

import (
	"bytes"
	"encoding/binary"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/plptools/psionlink/pkg/attr"
	"github.com/plptools/psionlink/pkg/buffer"
	"github.com/plptools/psionlink/pkg/frame"
	"github.com/plptools/psionlink/pkg/ncp"
	"github.com/plptools/psionlink/pkg/rfsv"
)

// Mirrors pkg/ncp's own (unexported) control-frame wire assignment:
// type 0x00 carries control opcodes, everything else is channel data.
const ctrlType = 0x00

const (
	opConnect byte = iota + 1
	opConnectAck
	opRegister
	opRegisterAck
	opDisconnect
	opDisconnectAck
	opVersion
	opVersionAck
)

const (
	cmdOpenFile     uint16 = 1
	cmdCloseHandle  uint16 = 5
	cmdReadFile     uint16 = 6
	cmdSeekFile     uint16 = 8
	cmdSetSize      uint16 = 9
	cmdOpenDir      uint16 = 14
	cmdReadDir      uint16 = 15
	cmdGetDriveList uint16 = 21
)

type rwPair struct {
	r *io.PipeReader
	w *io.PipeWriter
}

func (p *rwPair) Read(b []byte) (int, error)  { return p.r.Read(b) }
func (p *rwPair) Write(b []byte) (int, error) { return p.w.Write(b) }
func (p *rwPair) Close() error {
	p.r.Close()
	return p.w.Close()
}

type pipeEndpoint struct{ io.ReadWriteCloser }

func (pipeEndpoint) GetModemStatusBits() (cts, dsr, dcd bool, err error) { return true, true, true, nil }
func (pipeEndpoint) SetDTR(bool) error                                  { return nil }
func (pipeEndpoint) SetRTS(bool) error                                  { return nil }

// device is a minimal fake peer that answers the NCP handshake and
// then the filesystem-service envelope according to a caller-supplied
// handler, exercising the real wire encoding in both directions.
type device struct {
	fr      *frame.Framer
	id      byte
	handler func(cmd uint16, body *buffer.Buffer) (status int32, resp []byte)

	mu      sync.Mutex
	serials []uint16
}

func (d *device) recordedSerials() []uint16 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]uint16(nil), d.serials...)
}

func (d *device) run() {
	for {
		fr, ok := d.fr.Get()
		if !ok {
			return
		}
		if fr.Type == ctrlType {
			d.control(fr.Payload)
			continue
		}
		if len(fr.Payload) < 4 {
			continue
		}
		buf := buffer.FromBytes(fr.Payload)
		cmd := buf.GetWord(0)
		d.mu.Lock()
		d.serials = append(d.serials, buf.GetWord(2))
		d.mu.Unlock()
		buf.DiscardFirstBytes(4)
		status, payload := d.handler(cmd, buf)
		out := buffer.New()
		out.AddWord(0x11)
		out.AddWord(0)
		out.AddDWord(uint32(int32(status)))
		out.AddBytes(payload)
		d.fr.Send(fr.Type, out.Bytes())
	}
}

func (d *device) control(payload []byte) {
	if len(payload) == 0 {
		return
	}
	switch payload[0] {
	case opConnect:
		d.fr.Send(ctrlType, []byte{opConnectAck, d.id})
	case opRegister:
		d.fr.Send(ctrlType, []byte{opRegisterAck, payload[1]})
	case opVersion:
		var v [2]byte
		binary.LittleEndian.PutUint16(v[:], 1)
		d.fr.Send(ctrlType, []byte{opVersionAck, v[0], v[1]})
	case opDisconnect:
		d.fr.Send(ctrlType, []byte{opDisconnectAck})
	}
}

// newHarness wires a client rfsv.Client to a fake device peer over an
// in-process pair of pipes, mirroring pkg/ncp's test harness.
func newHarness(t *testing.T, id byte, handler func(cmd uint16, body *buffer.Buffer) (int32, []byte)) (*rfsv.Client, *device, func()) {
	t.Helper()
	a, b := io.Pipe()
	c, d := io.Pipe()
	clientSide := &rwPair{r: a, w: d}
	peerSide := &rwPair{r: c, w: b}

	clientFramer, err := frame.New(func() (frame.SerialEndpoint, error) {
		return pipeEndpoint{clientSide}, nil
	}, log.New(io.Discard, "", 0), frame.WithoutSettleWait())
	if err != nil {
		t.Fatalf("client frame.New: %v", err)
	}
	peerFramer, err := frame.New(func() (frame.SerialEndpoint, error) {
		return pipeEndpoint{peerSide}, nil
	}, log.New(io.Discard, "", 0), frame.WithoutSettleWait())
	if err != nil {
		t.Fatalf("peer frame.New: %v", err)
	}

	dev := &device{fr: peerFramer, id: id, handler: handler}
	go dev.run()

	var dialCount int32
	dial := func() (*ncp.Mux, error) {
		atomic.AddInt32(&dialCount, 1)
		return ncp.New(clientFramer, log.New(io.Discard, "", 0)), nil
	}
	client := rfsv.New(dial, log.New(io.Discard, "", 0))
	cleanup := func() {
		client.Close()
		peerFramer.Close()
	}
	return client, dev, cleanup
}

// TestOpenSendsConvertedPathAndAttr checks that a caller opening
// "/foo/bar" puts backslashes and the supplied device attribute word
// on the wire.
func TestOpenSendsConvertedPathAndAttr(t *testing.T) {
	var gotAttr uint32
	var gotName string
	client, _, cleanup := newHarness(t, 3, func(cmd uint16, body *buffer.Buffer) (int32, []byte) {
		if cmd != cmdOpenFile {
			t.Errorf("cmd = %d, want cmdOpenFile", cmd)
		}
		gotAttr = body.GetDWord(0)
		n := int(body.GetWord(4))
		gotName = string(body.GetBytes(6, n))
		out := buffer.New()
		out.AddDWord(0xAAAA)
		return 0, out.Bytes()
	})
	defer cleanup()

	handle, err := client.Open("/foo/bar", rfsv.OpMode(rfsv.ORdOnly)|rfsv.OModeBinary)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if handle != 0xAAAA {
		t.Fatalf("handle = %#x, want 0xAAAA", handle)
	}
	if gotName != `\foo\bar` {
		t.Fatalf("name on wire = %q, want %q", gotName, `\foo\bar`)
	}
	// A read-only binary open must put SHARE_READERS|BINARY (0x22) on
	// the wire, asserted as the literal device word so a dropped bit
	// cannot slip through.
	if want := uint32(0x22); gotAttr != want {
		t.Fatalf("attr on wire = %#x, want %#x", gotAttr, want)
	}
}

// TestSeekPastEndOfFileExtendsThenSeeks: seeking 100 bytes past
// end-of-file on a 10-byte file issues SET_SIZE to 110, then a SEEK_END
// of 0 to read back the new position, and returns 110.
func TestSeekPastEndOfFileExtendsThenSeeks(t *testing.T) {
	const fileSize = 10
	size := uint32(fileSize)
	var setSizeCalls []uint32
	var seekCalls []struct {
		pos  int32
		mode uint32
	}

	client, _, cleanup := newHarness(t, 4, func(cmd uint16, body *buffer.Buffer) (int32, []byte) {
		switch cmd {
		case cmdSeekFile:
			pos := int32(body.GetDWord(0))
			mode := body.GetDWord(8)
			seekCalls = append(seekCalls, struct {
				pos  int32
				mode uint32
			}{pos, mode})
			out := buffer.New()
			switch {
			case mode == uint32(rfsv.SeekEnd) && pos == 0:
				out.AddDWord(size)
			case mode == uint32(rfsv.SeekSet):
				out.AddDWord(uint32(pos))
			default:
				out.AddDWord(0)
			}
			return 0, out.Bytes()
		case cmdSetSize:
			size = body.GetDWord(4)
			setSizeCalls = append(setSizeCalls, size)
			return 0, nil
		}
		return 0, nil
	})
	defer cleanup()

	pos, err := client.Seek(1, 100, rfsv.SeekEnd)
	if err != nil {
		t.Fatalf("Seek: %v", err)
	}
	if pos != fileSize+100 {
		t.Fatalf("Seek() = %d, want %d", pos, fileSize+100)
	}
	if len(setSizeCalls) != 1 || setSizeCalls[0] != fileSize+100 {
		t.Fatalf("SetSize calls = %v, want one call to %d", setSizeCalls, fileSize+100)
	}
}

// TestFreadChunksAtSendLen: reading 5000 bytes issues three READ_FILE
// calls (2048, 2048, 904) and concatenates the results.
func TestFreadChunksAtSendLen(t *testing.T) {
	const want = 5000
	var lengths []uint32
	data := bytes.Repeat([]byte{0x5a}, want)
	offset := 0

	client, _, cleanup := newHarness(t, 5, func(cmd uint16, body *buffer.Buffer) (int32, []byte) {
		if cmd != cmdReadFile {
			return 0, nil
		}
		length := body.GetDWord(4)
		lengths = append(lengths, length)
		n := int(length)
		if offset+n > len(data) {
			n = len(data) - offset
		}
		chunk := data[offset : offset+n]
		offset += n
		return 0, chunk
	})
	defer cleanup()

	got, err := client.Fread(1, want)
	if err != nil {
		t.Fatalf("Fread: %v", err)
	}
	if len(got) != want {
		t.Fatalf("len(Fread) = %d, want %d", len(got), want)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("Fread content mismatch")
	}
	if len(lengths) != 3 || lengths[0] != 2048 || lengths[1] != 2048 || lengths[2] != 904 {
		t.Fatalf("chunk lengths = %v, want [2048 2048 904]", lengths)
	}
}

// TestBadResponseTagTriggersExactlyOneReconnect: a response frame
// tagged 0x22 instead of 0x11 surfaces LinkDisconnected and causes
// exactly one reconnect attempt.
func TestBadResponseTagTriggersExactlyOneReconnect(t *testing.T) {
	var attempts int32

	dial := func() (*ncp.Mux, func(), error) {
		a, b := io.Pipe()
		c, d := io.Pipe()
		clientSide := &rwPair{r: a, w: d}
		peerSide := &rwPair{r: c, w: b}

		clientFramer, err := frame.New(func() (frame.SerialEndpoint, error) {
			return pipeEndpoint{clientSide}, nil
		}, log.New(io.Discard, "", 0), frame.WithoutSettleWait())
		if err != nil {
			return nil, nil, err
		}
		peerFramer, err := frame.New(func() (frame.SerialEndpoint, error) {
			return pipeEndpoint{peerSide}, nil
		}, log.New(io.Discard, "", 0), frame.WithoutSettleWait())
		if err != nil {
			return nil, nil, err
		}

		n := atomic.AddInt32(&attempts, 1)
		dev := &device{fr: peerFramer, id: byte(n)}
		go func() {
			for {
				fr, ok := peerFramer.Get()
				if !ok {
					return
				}
				if fr.Type == ctrlType {
					dev.control(fr.Payload)
					continue
				}
				// Respond with a malformed tag on every attempt so a
				// retry also fails: this verifies at most one retry,
				// not eventual success.
				out := buffer.New()
				out.AddWord(0x22) // wrong tag
				out.AddWord(0)
				out.AddDWord(0)
				peerFramer.Send(fr.Type, out.Bytes())
			}
		}()

		m := ncp.New(clientFramer, log.New(io.Discard, "", 0))
		cleanup := func() { m.Close(); peerFramer.Close() }
		return m, cleanup, nil
	}

	var cleanups []func()
	var mu2 sync.Mutex
	client := rfsv.New(func() (*ncp.Mux, error) {
		m, cleanup, err := dial()
		if err != nil {
			return nil, err
		}
		mu2.Lock()
		cleanups = append(cleanups, cleanup)
		mu2.Unlock()
		return m, nil
	}, log.New(io.Discard, "", 0))
	defer func() {
		client.Close()
		for _, c := range cleanups {
			c()
		}
	}()

	_, err := client.Open("/x", 0)
	if attr.KindOf(err) != attr.KindLinkDisconnected {
		t.Fatalf("err kind = %v, want KindLinkDisconnected", attr.KindOf(err))
	}
	// Initial dial + exactly one reconnect dial == 2.
	if got := atomic.LoadInt32(&attempts); got != 2 {
		t.Fatalf("dial attempts = %d, want 2 (initial + exactly one retry)", got)
	}
}

// TestCopyToDeviceDeletesPartialFileOnCancel: if the progress callback
// returns false mid-transfer, the partially written remote file does
// not exist afterwards.
func TestCopyToDeviceDeletesPartialFileOnCancel(t *testing.T) {
	var deleted bool
	var writes int

	client, _, cleanup := newHarness(t, 6, func(cmd uint16, body *buffer.Buffer) (int32, []byte) {
		switch cmd {
		case 3: // REPLACE_FILE
			out := buffer.New()
			out.AddDWord(0x77)
			return 0, out.Bytes()
		case 7: // WRITE_FILE
			writes++
			return 0, nil
		case 10: // DELETE
			deleted = true
			return 0, nil
		case cmdCloseHandle:
			return 0, nil
		}
		return 0, nil
	})
	defer cleanup()

	src := bytes.NewReader(bytes.Repeat([]byte{1}, rfsv.SendLen*3))
	calls := 0
	err := client.CopyToDevice("/tmp/partial", src, func(n int) bool {
		calls++
		return calls < 2
	})
	if attr.KindOf(err) != attr.KindCancelled {
		t.Fatalf("err kind = %v, want KindCancelled", attr.KindOf(err))
	}
	if !deleted {
		t.Fatalf("expected cancelled copy to delete the partial remote file")
	}
	if writes != 2 {
		t.Fatalf("writes = %d, want 2 (cancel fires after the second chunk)", writes)
	}
}

// dirEntryRecord builds one READ_DIR record with the given long name and
// short-name length, padding both the long-name and short-name fields to
// the next 4-byte boundary the way the device does.
func dirEntryRecord(longName string, shortLen int) []byte {
	b := buffer.New()
	b.AddDWord(uint32(shortLen))
	b.AddDWord(0x10)
	b.AddDWord(42)
	b.AddDWord(1)
	b.AddDWord(2)
	b.AddDWord(100)
	b.AddDWord(200)
	b.AddDWord(300)
	b.AddDWord(uint32(len(longName)))
	b.AddBytes([]byte(longName))
	for b.Len()%4 != 0 {
		b.AddByte(0)
	}
	b.AddBytes(make([]byte, shortLen))
	for b.Len()%4 != 0 {
		b.AddByte(0)
	}
	return b.Bytes()
}

// TestNextEntryAlignsOnFourByteBoundaries: Next() must realign on the
// short-name field's 4-byte boundary regardless of shortLen/longLen
// parity, across consecutive entries drawn from the same READ_DIR
// response.
func TestNextEntryAlignsOnFourByteBoundaries(t *testing.T) {
	rec1 := dirEntryRecord("abc", 5)
	rec2 := dirEntryRecord("de", 0)
	combined := append(append([]byte{}, rec1...), rec2...)

	calls := 0
	client, _, cleanup := newHarness(t, 7, func(cmd uint16, body *buffer.Buffer) (int32, []byte) {
		switch cmd {
		case cmdOpenDir:
			out := buffer.New()
			out.AddDWord(0x33)
			return 0, out.Bytes()
		case cmdReadDir:
			calls++
			if calls == 1 {
				return 0, combined
			}
		}
		return 0, nil
	})
	defer cleanup()

	d, err := client.Opendir("/", 0)
	if err != nil {
		t.Fatalf("Opendir: %v", err)
	}
	e1, err := d.Next()
	if err != nil {
		t.Fatalf("Next (1): %v", err)
	}
	if e1.Name != "abc" {
		t.Fatalf("Next(1).Name = %q, want %q", e1.Name, "abc")
	}
	e2, err := d.Next()
	if err != nil {
		t.Fatalf("Next (2): %v", err)
	}
	if e2.Name != "de" {
		t.Fatalf("Next(2).Name = %q, want %q", e2.Name, "de")
	}
	if _, err := d.Next(); attr.KindOf(err) != attr.KindEOF {
		t.Fatalf("Next (3) kind = %v, want KindEOF", attr.KindOf(err))
	}
}

// TestDirEmptyRootReturnsNoEntries: listing an empty root normalises
// end-of-directory to a nil error and no entries.
func TestDirEmptyRootReturnsNoEntries(t *testing.T) {
	client, _, cleanup := newHarness(t, 8, func(cmd uint16, body *buffer.Buffer) (int32, []byte) {
		switch cmd {
		case cmdOpenDir:
			out := buffer.New()
			out.AddDWord(0x55)
			return 0, out.Bytes()
		case cmdReadDir:
			return 0, nil
		}
		return 0, nil
	})
	defer cleanup()

	entries, err := client.Dir("/")
	if err != nil {
		t.Fatalf("Dir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("Dir() = %d entries, want 0", len(entries))
	}
}

// TestDevlistSingleDrivePresent: only drive C is present on the wire,
// so Devlist must report bit 2 set and nothing else.
func TestDevlistSingleDrivePresent(t *testing.T) {
	client, _, cleanup := newHarness(t, 9, func(cmd uint16, body *buffer.Buffer) (int32, []byte) {
		if cmd != cmdGetDriveList {
			t.Errorf("cmd = %d, want cmdGetDriveList", cmd)
		}
		bits := make([]byte, 26)
		bits[2] = 1
		return 0, bits
	})
	defer cleanup()

	bits, err := client.Devlist()
	if err != nil {
		t.Fatalf("Devlist: %v", err)
	}
	if want := uint32(1 << 2); bits != want {
		t.Fatalf("Devlist() = %#x, want %#x", bits, want)
	}
}

// TestRequestSerialsStrictlyIncrease covers the request-envelope serial
// contract: serials start at 0 on a fresh channel and increase by one
// per request.
func TestRequestSerialsStrictlyIncrease(t *testing.T) {
	client, dev, cleanup := newHarness(t, 10, func(cmd uint16, body *buffer.Buffer) (int32, []byte) {
		return 0, make([]byte, 26)
	})
	defer cleanup()

	for i := 0; i < 3; i++ {
		if _, err := client.Devlist(); err != nil {
			t.Fatalf("Devlist (%d): %v", i, err)
		}
	}

	serials := dev.recordedSerials()
	if len(serials) != 3 {
		t.Fatalf("recorded %d serials, want 3", len(serials))
	}
	for i, s := range serials {
		if s != uint16(i) {
			t.Fatalf("serials = %v, want [0 1 2]", serials)
		}
	}
}
