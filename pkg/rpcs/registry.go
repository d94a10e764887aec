package rpcs

import (
	"github.com/plptools/psionlink/pkg/attr"
	"github.com/plptools/psionlink/pkg/buffer"
)

// RegIter is a handle over an open registry/config iteration, returned
// by RegOpenIter or ConfigOpen. The session id lives entirely on the
// caller's RegIter value; there is no process-wide iteration state, so
// independent iterations never interfere.
type RegIter struct {
	c      *Client
	handle uint32
}

// RegOpenIter opens a registry iteration over name and returns a
// handle for repeated ConfigRead-style calls via (*RegIter).Read.
func (c *Client) RegOpenIter(name string) (*RegIter, error) {
	body := buffer.New()
	body.AddStringT(name)
	resp, err := c.command(cmdRegOpenIter, body.Bytes())
	if err != nil {
		return nil, err
	}
	if resp.Len() < 4 {
		return nil, attr.NewErr(attr.KindCorrupt)
	}
	return &RegIter{c: c, handle: resp.GetDWord(0)}, nil
}

// ConfigOpen opens a config-file iteration over name, returning a
// handle with the same Read semantics as RegOpenIter's.
func (c *Client) ConfigOpen(name string) (*RegIter, error) {
	body := buffer.New()
	body.AddStringT(name)
	resp, err := c.command(cmdConfigOpen, body.Bytes())
	if err != nil {
		return nil, err
	}
	if resp.Len() < 4 {
		return nil, attr.NewErr(attr.KindCorrupt)
	}
	return &RegIter{c: c, handle: resp.GetDWord(0)}, nil
}

// Read returns the next opaque chunk of the iteration. An empty, nil
// chunk with a nil error signals the iteration is exhausted.
func (it *RegIter) Read() ([]byte, error) {
	body := buffer.New()
	body.AddDWord(it.handle)
	resp, err := it.c.command(cmdConfigRead, body.Bytes())
	if err != nil {
		return nil, err
	}
	if resp.Len() == 0 {
		return nil, nil
	}
	return resp.Bytes(), nil
}
