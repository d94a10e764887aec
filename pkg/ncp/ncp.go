// Package ncp implements the channel-multiplexing layer that runs
// several logical service channels over one framed serial link:
// channel-id assignment, the connect/register/disconnect control
// handshake, and routing of inbound frames to the channel they belong
// to. Control messages ride a reserved frame type as an opcode byte
// plus a small fixed payload; every other frame type value is a
// channel id carrying service data.
package ncp

import (
	"encoding/binary"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/plptools/psionlink/pkg/frame"
)

// ctrlType is the reserved frame type carrying NCP control messages;
// every other frame type value is a channel id carrying service data.
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

const controlTimeout = 5 * time.Second

type channel struct {
	id          uint8
	serviceName string
	registered  bool
	replies     chan []byte
}

// Mux owns a Framer and multiplexes one or more registered channels
// over it. One Mux exists per link; a link-down event is terminal for
// a Mux instance — the owning service builds a fresh Framer and Mux on
// reconnect rather than resuscitating this one.
type Mux struct {
	fr  *frame.Framer
	log *log.Logger

	mu           sync.Mutex
	linkUp       bool
	channels     map[uint8]*channel
	protoVersion uint16
	gotVersion   bool
	ctrlBusy     bool

	ctrlReplies chan []byte
	closed      chan struct{}
}

// New starts routing frames read from fr. The background read loop
// runs until the link goes down or Close is called.
func New(fr *frame.Framer, logger *log.Logger) *Mux {
	if logger == nil {
		logger = log.Default()
	}
	m := &Mux{
		fr:          fr,
		log:         logger,
		linkUp:      true,
		channels:    make(map[uint8]*channel),
		ctrlReplies: make(chan []byte, 1),
		closed:      make(chan struct{}),
	}
	go m.readLoop()
	return m
}

// Close tears the link down and releases the framer.
func (m *Mux) Close() error {
	m.markDown()
	return m.fr.Close()
}

func (m *Mux) readLoop() {
	for {
		fr, ok := m.fr.Get()
		if !ok {
			if !m.fr.Healthy() {
				m.markDown()
				return
			}
			// Transient: CRC mismatch or a benign short read. The
			// framer already resynchronises internally.
			continue
		}
		if fr.Type == ctrlType {
			m.dispatchControl(fr.Payload)
		} else {
			m.dispatchData(fr.Type, fr.Payload)
		}
	}
}

func (m *Mux) dispatchControl(payload []byte) {
	select {
	case m.ctrlReplies <- payload:
	default:
		m.log.Printf("ncp: control reply dropped, nothing outstanding")
	}
}

func (m *Mux) dispatchData(id uint8, payload []byte) {
	m.mu.Lock()
	c, ok := m.channels[id]
	m.mu.Unlock()
	if !ok {
		m.log.Printf("ncp: data frame for unknown channel %d dropped", id)
		return
	}
	select {
	case c.replies <- payload:
	default:
		m.log.Printf("ncp: channel %d reply dropped, nothing outstanding", id)
	}
}

// markDown flags the link as down exactly once, unblocking every
// waiter (control and per-channel) with ErrDisconnected.
func (m *Mux) markDown() {
	m.mu.Lock()
	if !m.linkUp {
		m.mu.Unlock()
		return
	}
	m.linkUp = false
	for _, c := range m.channels {
		c.registered = false
	}
	m.mu.Unlock()
	close(m.closed)
}

func (m *Mux) control(opcode byte, payload []byte, timeout time.Duration) ([]byte, error) {
	m.mu.Lock()
	if !m.linkUp {
		m.mu.Unlock()
		return nil, ErrDisconnected
	}
	if m.ctrlBusy {
		m.mu.Unlock()
		return nil, ErrBusy
	}
	m.ctrlBusy = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.ctrlBusy = false
		m.mu.Unlock()
	}()

	out := make([]byte, 0, len(payload)+1)
	out = append(out, opcode)
	out = append(out, payload...)
	if err := m.fr.Send(ctrlType, out); err != nil {
		m.markDown()
		return nil, fmt.Errorf("%w: %v", ErrDisconnected, err)
	}

	select {
	case reply, ok := <-m.ctrlReplies:
		if !ok {
			return nil, ErrDisconnected
		}
		return reply, nil
	case <-m.closed:
		return nil, ErrDisconnected
	case <-time.After(timeout):
		return nil, ErrTimeout
	}
}

// Connect requests a new channel, registers serviceName on it, and
// (once per link) queries the peer's protocol version. It blocks until
// the peer acknowledges or the control round trip fails.
func (m *Mux) Connect(serviceName string) (*Channel, error) {
	reply, err := m.control(opConnect, nil, controlTimeout)
	if err != nil {
		return nil, fmt.Errorf("ncp: connect: %w", err)
	}
	if len(reply) < 2 || reply[0] != opConnectAck {
		return nil, fmt.Errorf("ncp: connect: unexpected control reply")
	}
	id := reply[1]

	regPayload := make([]byte, 0, len(serviceName)+2)
	regPayload = append(regPayload, id)
	regPayload = append(regPayload, []byte(serviceName)...)
	regPayload = append(regPayload, 0)
	reply, err = m.control(opRegister, regPayload, controlTimeout)
	if err != nil {
		return nil, fmt.Errorf("ncp: register %q: %w", serviceName, err)
	}
	if len(reply) < 2 || reply[0] != opRegisterAck || reply[1] != id {
		return nil, fmt.Errorf("ncp: register %q: refused by peer", serviceName)
	}

	c := &channel{id: id, serviceName: serviceName, registered: true, replies: make(chan []byte, 1)}
	m.mu.Lock()
	m.channels[id] = c
	m.mu.Unlock()

	if err := m.ensureProtocolVersion(); err != nil {
		m.log.Printf("ncp: protocol version query failed: %v", err)
	}

	return &Channel{mux: m, c: c}, nil
}

func (m *Mux) ensureProtocolVersion() error {
	m.mu.Lock()
	if m.gotVersion {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	reply, err := m.control(opVersion, nil, controlTimeout)
	if err != nil {
		return err
	}
	if len(reply) < 3 || reply[0] != opVersionAck {
		return fmt.Errorf("ncp: malformed version reply")
	}
	version := binary.LittleEndian.Uint16(reply[1:3])
	m.mu.Lock()
	m.protoVersion = version
	m.gotVersion = true
	m.mu.Unlock()
	return nil
}

// ProtocolVersion returns the peer's advertised NCP version, queried
// once per link during the first Connect. ok is false if no channel
// has connected yet.
func (m *Mux) ProtocolVersion() (version uint16, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.protoVersion, m.gotVersion
}

func (m *Mux) disconnect(id uint8) error {
	reply, err := m.control(opDisconnect, []byte{id}, controlTimeout)
	m.mu.Lock()
	delete(m.channels, id)
	m.mu.Unlock()
	if err != nil {
		return err
	}
	if len(reply) < 1 || reply[0] != opDisconnectAck {
		return fmt.Errorf("ncp: disconnect: unexpected reply")
	}
	return nil
}

// Channel is a logical bidirectional stream bound to a service name,
// multiplexed over a Mux. Only one Recv may be outstanding at a time:
// the filesystem and procedure services never issue a second request
// on a channel before the first one's response arrives.
type Channel struct {
	mux *Mux
	c   *channel
}

// ID returns the 8-bit channel identifier assigned by the peer.
func (ch *Channel) ID() uint8 { return ch.c.id }

// Send transmits a data frame tagged with this channel's id.
func (ch *Channel) Send(payload []byte) error {
	ch.mux.mu.Lock()
	up := ch.mux.linkUp
	ch.mux.mu.Unlock()
	if !up {
		return ErrDisconnected
	}
	if err := ch.mux.fr.Send(ch.c.id, payload); err != nil {
		ch.mux.markDown()
		return fmt.Errorf("%w: %v", ErrDisconnected, err)
	}
	return nil
}

// Recv blocks for the next payload addressed to this channel, or
// returns ErrDisconnected if the link goes down first.
func (ch *Channel) Recv() ([]byte, error) {
	select {
	case payload, ok := <-ch.c.replies:
		if !ok {
			return nil, ErrDisconnected
		}
		return payload, nil
	case <-ch.mux.closed:
		return nil, ErrDisconnected
	}
}

// Disconnect tears this channel down and releases its id.
func (ch *Channel) Disconnect() error {
	return ch.mux.disconnect(ch.c.id)
}
