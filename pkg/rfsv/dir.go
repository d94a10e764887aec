package rfsv

import (
	"github.com/plptools/psionlink/pkg/attr"
	"github.com/plptools/psionlink/pkg/buffer"
)

// defaultDirAttr is the hidden/system/directory mask Dir and DirCount
// open directories with.
const defaultDirAttr = attr.PSIHidden | attr.PSISystem | attr.PSIDir

// DirEntry is one parsed READ_DIR record.
type DirEntry struct {
	Name    string
	Attr    uint32
	Size    uint32
	MTimeLo uint32
	MTimeHi uint32
	UID     [3]uint32
}

// OpenDir opens a directory for iteration and returns its handle.
func (c *Client) OpenDir(name string, portableAttr uint32) (uint32, error) {
	n := convertSlash(name)
	deviceAttr := attr.ToDevice(portableAttr) | attr.EpocGetUID
	body := buffer.New()
	body.AddDWord(deviceAttr)
	body.AddWord(uint16(len(n)))
	body.AddString(n)
	resp, err := c.command(cmdOpenDir, body.Bytes())
	if err != nil {
		return 0, err
	}
	if resp.Len() < 4 {
		return 0, attr.NewErr(attr.KindCorrupt)
	}
	return resp.GetDWord(0), nil
}

// Dir is a directory iterator: each READ_DIR call may return several
// entries at once, so the iterator buffers the tail between Next
// calls.
type Dir struct {
	c       *Client
	handle  uint32
	pending *buffer.Buffer
}

// Opendir opens name and returns an iterator over its entries.
func (c *Client) Opendir(name string, portableAttr uint32) (*Dir, error) {
	h, err := c.OpenDir(name, portableAttr)
	if err != nil {
		return nil, err
	}
	return &Dir{c: c, handle: h, pending: buffer.New()}, nil
}

// Close releases the directory handle.
func (d *Dir) Close() error { return d.c.closeHandle(d.handle) }

// Next returns the next directory entry. It returns an error wrapping
// attr.KindEOF once the directory is exhausted.
func (d *Dir) Next() (DirEntry, error) {
	if d.pending.Len() < 17 {
		body := buffer.New()
		body.AddDWord(d.handle)
		resp, err := d.c.command(cmdReadDir, body.Bytes())
		if err != nil {
			return DirEntry{}, err
		}
		d.pending = resp
	}
	if d.pending.Len() <= 16 {
		return DirEntry{}, attr.NewErr(attr.KindEOF)
	}

	shortLen := int(d.pending.GetDWord(0))
	longLen := int(d.pending.GetDWord(32))

	e := DirEntry{
		Attr:    attr.ToPortable(d.pending.GetDWord(4)),
		Size:    d.pending.GetDWord(8),
		MTimeLo: d.pending.GetDWord(12),
		MTimeHi: d.pending.GetDWord(16),
	}
	e.UID[0] = d.pending.GetDWord(20)
	e.UID[1] = d.pending.GetDWord(24)
	e.UID[2] = d.pending.GetDWord(28)
	e.Name = string(d.pending.GetBytes(36, longLen))

	pos := 36 + longLen
	for pos%4 != 0 {
		pos++
	}
	pos += shortLen
	for pos%4 != 0 {
		pos++
	}
	d.pending.DiscardFirstBytes(pos)

	return e, nil
}

// Dir lists every entry under name, normalising end-of-directory to a
// nil error.
func (c *Client) Dir(name string) ([]DirEntry, error) {
	d, err := c.Opendir(name, defaultDirAttr)
	if err != nil {
		return nil, err
	}
	var entries []DirEntry
	for {
		e, err := d.Next()
		if err != nil {
			d.Close()
			if attr.KindOf(err) == attr.KindEOF {
				return entries, nil
			}
			return entries, err
		}
		entries = append(entries, e)
	}
}

// DirCount counts entries under name without materialising them.
func (c *Client) DirCount(name string) (int, error) {
	handle, err := c.OpenDir(name, defaultDirAttr)
	if err != nil {
		return 0, err
	}
	count := 0
	var res error
	for {
		body := buffer.New()
		body.AddDWord(handle)
		resp, cerr := c.command(cmdReadDir, body.Bytes())
		if cerr != nil {
			res = cerr
			break
		}
		if resp.Len() <= 16 {
			break
		}
		for resp.Len() > 16 {
			d := 36 + int(resp.GetDWord(32))
			for d%4 != 0 {
				d++
			}
			d += int(resp.GetDWord(0))
			for d%4 != 0 {
				d++
			}
			resp.DiscardFirstBytes(d)
			count++
		}
	}
	c.closeHandle(handle)
	if attr.KindOf(res) == attr.KindEOF {
		res = nil
	}
	return count, res
}
