// Package rpcs implements the remote procedure / system-info service
// client: process enumeration, command-line retrieval, machine-info
// query, and registry/config iteration, layered on top of an NCP
// channel with the same envelope discipline as the filesystem service.
package rpcs

import (
	"log"
	"sync"

	"github.com/plptools/psionlink/pkg/attr"
	"github.com/plptools/psionlink/pkg/buffer"
	"github.com/plptools/psionlink/pkg/ncp"
)

// ServiceName is the name registered with NCP for the procedure
// service channel.
const ServiceName = "SYS$RPCS"

// Dialer rebuilds the transport stack from scratch, mirroring
// rfsv.Dialer. Client calls it once to connect and again, exactly once
// per failed request, to reconnect.
type Dialer func() (*ncp.Mux, error)

// Client is a remote-procedure-service channel. Like rfsv.Client, only
// one request may be outstanding at a time; concurrent callers
// serialise on an internal lock.
type Client struct {
	dial Dialer
	log  *log.Logger

	reqMu sync.Mutex // held for a whole request/response round trip

	mu     sync.Mutex
	mux    *ncp.Mux
	ch     *ncp.Channel
	serial uint16
}

// New returns a Client that dials lazily.
func New(dial Dialer, logger *log.Logger) *Client {
	if logger == nil {
		logger = log.Default()
	}
	return &Client{dial: dial, log: logger}
}

func (c *Client) connectLocked() error {
	if c.mux != nil && c.ch != nil {
		return nil
	}
	mux, err := c.dial()
	if err != nil {
		return err
	}
	ch, err := mux.Connect(ServiceName)
	if err != nil {
		mux.Close()
		return err
	}
	c.mux, c.ch, c.serial = mux, ch, 0
	return nil
}

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
	c.mu.Unlock()

	if err := ch.Send(buf.Bytes()); err != nil {
		c.mu.Lock()
		c.mux, c.ch = nil, nil
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
		c.mux, c.ch = nil, nil
		c.mu.Unlock()
		return nil, attr.NewErr(attr.KindLinkDisconnected)
	}

	buf := buffer.FromBytes(raw)
	if buf.Len() < 8 || buf.GetWord(0) != 0x11 {
		c.mu.Lock()
		c.mux, c.ch = nil, nil
		c.mu.Unlock()
		return nil, attr.NewErr(attr.KindLinkDisconnected)
	}

	status := int32(buf.GetDWord(4))
	buf.DiscardFirstBytes(8)
	kind := attr.StatusToKind(status, c.log)
	if kind == attr.KindInternalFatal {
		c.mu.Lock()
		c.mux, c.ch = nil, nil
		c.mu.Unlock()
	}
	return buf, attr.NewErr(kind)
}

// command sends cmd+body and reads its response, retrying the whole
// round trip exactly once after a fresh reconnect on a transport
// disconnect, matching rfsv.Client.command.
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

// Close sends a single NUL-terminated "Close" string frame and returns
// without waiting for a reply, then releases the underlying NCP
// channel. The server treats the close as a fire-and-forget
// notification and never answers it.
func (c *Client) Close() error {
	c.mu.Lock()
	ch := c.ch
	mux := c.mux
	c.mu.Unlock()
	if ch != nil {
		body := buffer.New()
		body.AddStringT("Close")
		ch.Send(body.Bytes())
	}
	c.mu.Lock()
	c.mux, c.ch = nil, nil
	c.mu.Unlock()
	if mux != nil {
		return mux.Close()
	}
	return nil
}
