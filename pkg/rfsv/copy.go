package rfsv

import (
	"io"

	"github.com/plptools/psionlink/pkg/attr"
	"github.com/plptools/psionlink/pkg/buffer"
)

// copyBatchLen is the chunk size a device-to-device copy is issued in:
// ten SendLen units per READ_WRITE_FILE batch.
const copyBatchLen uint32 = 10 * SendLen

// ProgressFunc is called after every chunk of a host-device copy with
// the running byte total transferred so far. Returning false aborts
// the transfer with attr.KindCancelled.
type ProgressFunc func(bytesTransferred int) bool

// CopyFromDevice copies remoteName on the device to dst on the host,
// reading in SendLen chunks and reporting progress after each one.
// remoteName is opened read-only; the handle is always closed, even on
// error or cancellation.
func (c *Client) CopyFromDevice(remoteName string, dst io.Writer, cb ProgressFunc) error {
	handle, err := c.Open(remoteName, OModeShareReaders|OModeBinary)
	if err != nil {
		return err
	}
	defer c.closeHandle(handle)

	total := 0
	for {
		chunk, err := c.Read(handle, SendLen)
		if err != nil {
			return err
		}
		if len(chunk) > 0 {
			if _, werr := dst.Write(chunk); werr != nil {
				return attr.NewErr(attr.KindWriteError)
			}
			total += len(chunk)
		}
		if cb != nil && !cb(total) {
			return attr.NewErr(attr.KindCancelled)
		}
		if len(chunk) < SendLen {
			return nil
		}
	}
}

// CopyToDevice copies from src to remoteName on the device, writing in
// SendLen chunks read from src and reporting progress after each one.
// remoteName is created, truncating any existing file. If cb returns
// false, or src errors before EOF, the partially written remote file is
// deleted and attr.KindCancelled is returned.
func (c *Client) CopyToDevice(remoteName string, src io.Reader, cb ProgressFunc) error {
	handle, err := c.Replace(remoteName, OModeBinary|OModeShareExclusive|OModeReadWrite)
	if err != nil {
		return err
	}

	total := 0
	buf := make([]byte, SendLen)
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			if werr := c.Write(handle, buf[:n]); werr != nil {
				c.closeHandle(handle)
				c.Delete(remoteName)
				return werr
			}
			total += n
		}
		cancelled := cb != nil && !cb(total)
		if cancelled {
			c.closeHandle(handle)
			c.Delete(remoteName)
			return attr.NewErr(attr.KindCancelled)
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			c.closeHandle(handle)
			c.Delete(remoteName)
			return attr.NewErr(attr.KindCancelled)
		}
	}
	return c.closeHandle(handle)
}

// CopyOnDevice copies fromName to toName entirely on the device side
// via repeated READ_WRITE_FILE batches, stopping when the device
// returns a short batch.
func (c *Client) CopyOnDevice(fromName, toName string) error {
	fromHandle, err := c.Open(fromName, OModeShareReaders|OModeBinary)
	if err != nil {
		return err
	}
	defer c.closeHandle(fromHandle)

	toHandle, err := c.Replace(toName, OModeBinary|OModeShareExclusive|OModeReadWrite)
	if err != nil {
		return err
	}
	defer c.closeHandle(toHandle)

	for {
		body := buffer.New()
		body.AddDWord(copyBatchLen)
		body.AddDWord(toHandle)
		body.AddDWord(fromHandle)
		resp, err := c.command(cmdReadWriteFile, body.Bytes())
		if err != nil {
			return err
		}
		if resp.Len() < 4 {
			return attr.NewErr(attr.KindCorrupt)
		}
		if resp.GetDWord(0) < copyBatchLen {
			return nil
		}
	}
}
