// Package rfsv implements the remote filesystem service client: the
// open/read/write/seek/dir/attribute/volume command set layered on
// top of an NCP channel, with transparent reconnect and long-transfer
// chunking.
package rfsv

import (
	"log"
	"strings"
	"sync"

	"github.com/plptools/psionlink/pkg/attr"
	"github.com/plptools/psionlink/pkg/buffer"
	"github.com/plptools/psionlink/pkg/ncp"
)

// ServiceName is the name registered with NCP for the filesystem
// service channel.
const ServiceName = "SYS$RFSV"

// SendLen bounds the payload size of a single READ_FILE/WRITE_FILE
// chunk and is the unit long transfers iterate in.
const SendLen = 2048

// State tracks a channel's position in the connect/ready/awaiting
// lifecycle described for the filesystem service.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateReady
	StateAwaiting
)

// Dialer rebuilds the transport stack (serial endpoint, framer, NCP
// multiplexer) from scratch. Client calls it once to establish the
// first connection and again, exactly once per failed request, to
// reconnect.
type Dialer func() (*ncp.Mux, error)

// Client is a filesystem-service channel. It is safe for concurrent
// use by multiple goroutines, though the underlying channel allows
// only one outstanding request at a time, so concurrent calls
// serialise on an internal lock.
type Client struct {
	dial Dialer
	log  *log.Logger

	reqMu sync.Mutex // held for a whole request/response round trip

	mu     sync.Mutex
	mux    *ncp.Mux
	ch     *ncp.Channel
	serial uint16
	state  State
}

// New returns a Client that dials lazily: no connection is attempted
// until the first command.
func New(dial Dialer, logger *log.Logger) *Client {
	if logger == nil {
		logger = log.Default()
	}
	return &Client{dial: dial, log: logger, state: StateDisconnected}
}

// State reports the client's current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Close tears down the channel and its transport stack.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mux == nil {
		return nil
	}
	err := c.mux.Close()
	c.mux, c.ch = nil, nil
	c.state = StateDisconnected
	return err
}

// connectLocked establishes mux+channel if not already connected. c.mu
// must be held.
func (c *Client) connectLocked() error {
	if c.mux != nil && c.ch != nil {
		return nil
	}
	c.state = StateConnecting
	mux, err := c.dial()
	if err != nil {
		c.state = StateDisconnected
		return err
	}
	ch, err := mux.Connect(ServiceName)
	if err != nil {
		mux.Close()
		c.state = StateDisconnected
		return err
	}
	c.mux, c.ch, c.serial = mux, ch, 0
	c.state = StateReady
	return nil
}

// reconnect discards the current transport (if any) and rebuilds it:
// framer, NCP, and channel registration are all rebuilt together,
// never patched incrementally.
func (c *Client) reconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mux != nil {
		c.mux.Close()
	}
	c.mux, c.ch = nil, nil
	return c.connectLocked()
}

func (c *Client) sendCommand(cmd uint16, body []byte) error {
	c.mu.Lock()
	if err := c.connectLocked(); err != nil {
		c.mu.Unlock()
		return attr.NewErr(attr.KindLinkDisconnected)
	}
	buf := buffer.New()
	buf.AddWord(cmd)
	buf.AddWord(c.serial)
	if c.serial == 0xffff {
		c.serial = 0
	} else {
		c.serial++
	}
	buf.AddBytes(body)
	ch := c.ch
	c.state = StateAwaiting
	c.mu.Unlock()

	if err := ch.Send(buf.Bytes()); err != nil {
		c.mu.Lock()
		c.mux, c.ch = nil, nil
		c.state = StateDisconnected
		c.mu.Unlock()
		return attr.NewErr(attr.KindLinkDisconnected)
	}
	return nil
}

func (c *Client) getResponse() (*buffer.Buffer, error) {
	c.mu.Lock()
	ch := c.ch
	c.mu.Unlock()

	raw, err := ch.Recv()
	if err != nil {
		c.mu.Lock()
		c.mux, c.ch, c.state = nil, nil, StateDisconnected
		c.mu.Unlock()
		return nil, attr.NewErr(attr.KindLinkDisconnected)
	}

	buf := buffer.FromBytes(raw)
	if buf.Len() < 8 || buf.GetWord(0) != 0x11 {
		c.mu.Lock()
		c.mux, c.ch, c.state = nil, nil, StateDisconnected
		c.mu.Unlock()
		return nil, attr.NewErr(attr.KindLinkDisconnected)
	}

	status := int32(buf.GetDWord(4))
	buf.DiscardFirstBytes(8)
	kind := attr.StatusToKind(status, c.log)

	c.mu.Lock()
	if kind == attr.KindInternalFatal {
		c.mux, c.ch, c.state = nil, nil, StateDisconnected
	} else if c.state == StateAwaiting {
		c.state = StateReady
	}
	c.mu.Unlock()

	return buf, attr.NewErr(kind)
}

// command sends cmd+body and reads its response, retrying the whole
// round trip exactly once after a fresh reconnect if the first attempt
// observed a transport-level disconnect.
func (c *Client) command(cmd uint16, body []byte) (*buffer.Buffer, error) {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()
	buf, err := c.tryCommand(cmd, body)
	if attr.KindOf(err) == attr.KindLinkDisconnected {
		if rerr := c.reconnect(); rerr != nil {
			return nil, attr.NewErr(attr.KindLinkDisconnected)
		}
		buf, err = c.tryCommand(cmd, body)
	}
	return buf, err
}

func (c *Client) tryCommand(cmd uint16, body []byte) (*buffer.Buffer, error) {
	if err := c.sendCommand(cmd, body); err != nil {
		return nil, err
	}
	return c.getResponse()
}

// convertSlash rewrites forward slashes to the device's backslash path
// separator; the caller always spells paths the Unix way.
func convertSlash(name string) string {
	return strings.ReplaceAll(name, "/", "\\")
}

func ensureTrailingBackslash(name string) string {
	if len(name) > 0 && name[len(name)-1] != '\\' {
		return name + "\\"
	}
	return name
}
