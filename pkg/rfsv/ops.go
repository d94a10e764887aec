package rfsv

import (
	"github.com/plptools/psionlink/pkg/attr"
	"github.com/plptools/psionlink/pkg/buffer"
)

func (c *Client) openLike(cmd uint16, name string, deviceAttr uint32) (uint32, error) {
	n := convertSlash(name)
	body := buffer.New()
	body.AddDWord(deviceAttr)
	body.AddWord(uint16(len(n)))
	body.AddString(n)
	resp, err := c.command(cmd, body.Bytes())
	if err != nil {
		return 0, err
	}
	if resp.Len() < 4 {
		return 0, attr.NewErr(attr.KindCorrupt)
	}
	return resp.GetDWord(0), nil
}

// Open opens an existing file. deviceAttr is already in device
// layout, typically built with OpMode.
func (c *Client) Open(name string, deviceAttr uint32) (uint32, error) {
	return c.openLike(cmdOpenFile, name, deviceAttr)
}

// Create creates a new file, failing if one already exists.
func (c *Client) Create(name string, deviceAttr uint32) (uint32, error) {
	return c.openLike(cmdCreateFile, name, deviceAttr)
}

// Replace creates a file, truncating it if it already exists.
func (c *Client) Replace(name string, deviceAttr uint32) (uint32, error) {
	return c.openLike(cmdReplaceFile, name, deviceAttr)
}

// Mktemp opens a new, server-chosen temporary file.
func (c *Client) Mktemp() (handle uint32, name string, err error) {
	resp, err := c.command(cmdTempFile, nil)
	if err != nil {
		return 0, "", err
	}
	if resp.Len() < 6 {
		return 0, "", attr.NewErr(attr.KindCorrupt)
	}
	n := int(resp.GetWord(4))
	if resp.Len() < 6+n {
		return 0, "", attr.NewErr(attr.KindCorrupt)
	}
	return resp.GetDWord(0), string(resp.GetBytes(6, n)), nil
}

// closeHandle releases a remote file or directory handle.
func (c *Client) closeHandle(handle uint32) error {
	body := buffer.New()
	body.AddDWord(handle)
	_, err := c.command(cmdCloseHandle, body.Bytes())
	return err
}

// Read issues one READ_FILE call for up to length bytes (callers
// wanting more than SendLen should use Fread).
func (c *Client) Read(handle uint32, length uint32) ([]byte, error) {
	body := buffer.New()
	body.AddDWord(handle)
	body.AddDWord(length)
	resp, err := c.command(cmdReadFile, body.Bytes())
	if err != nil {
		return nil, err
	}
	return resp.Bytes(), nil
}

// Fread reads up to length bytes, issuing as many SendLen-sized
// READ_FILE calls as needed and stopping early on a short chunk (the
// file has fewer bytes remaining than requested). The destination
// grows by exactly the number of bytes each chunk returned, never by
// a status code.
func (c *Client) Fread(handle uint32, length int) ([]byte, error) {
	out := make([]byte, 0, length)
	for len(out) < length {
		want := length - len(out)
		if want > SendLen {
			want = SendLen
		}
		chunk, err := c.Read(handle, uint32(want))
		if err != nil {
			return out, err
		}
		out = append(out, chunk...)
		if len(chunk) < want {
			break
		}
	}
	return out, nil
}

// Write issues one WRITE_FILE call (callers wanting to write more than
// SendLen at once should use Fwrite).
func (c *Client) Write(handle uint32, data []byte) error {
	body := buffer.New()
	body.AddDWord(handle)
	body.AddBytes(data)
	_, err := c.command(cmdWriteFile, body.Bytes())
	return err
}

// Fwrite writes all of data in SendLen-sized WRITE_FILE calls,
// aborting the whole transfer and returning the partial count on the
// first error.
func (c *Client) Fwrite(handle uint32, data []byte) (int, error) {
	written := 0
	for written < len(data) {
		end := written + SendLen
		if end > len(data) {
			end = len(data)
		}
		if err := c.Write(handle, data[written:end]); err != nil {
			return written, err
		}
		written = end
	}
	return written, nil
}

func (c *Client) seekRaw(handle uint32, pos int32, mode uint32) (int32, error) {
	body := buffer.New()
	body.AddDWord(uint32(pos))
	body.AddDWord(handle)
	body.AddDWord(mode)
	resp, err := c.command(cmdSeekFile, body.Bytes())
	if err != nil {
		return 0, err
	}
	if resp.Len() < 4 {
		return 0, attr.NewErr(attr.KindCorrupt)
	}
	return int32(resp.GetDWord(0)), nil
}

// SetSize truncates or extends a file to size bytes.
func (c *Client) SetSize(handle uint32, size uint32) error {
	body := buffer.New()
	body.AddDWord(handle)
	body.AddDWord(size)
	_, err := c.command(cmdSetSize, body.Bytes())
	return err
}

// Seek emulates Unix-like lseek atop the device's SET/CUR/END
// primitive. Seeking past end-of-file pre-extends the file with
// SET_SIZE; the gap's contents are undefined.
func (c *Client) Seek(handle uint32, pos int32, mode int) (int32, error) {
	if mode != SeekSet && mode != SeekCur && mode != SeekEnd {
		return 0, attr.NewErr(attr.KindInvalidArg)
	}

	var savpos int32
	mypos := pos

	if mode == SeekCur && mypos >= 0 {
		sp, err := c.seekRaw(handle, 0, SeekCur)
		if err != nil {
			return 0, err
		}
		savpos = sp
		if mypos == 0 {
			return savpos, nil
		}
	}
	if mode == SeekEnd && mypos >= 0 {
		sp, err := c.seekRaw(handle, 0, SeekEnd)
		if err != nil {
			return 0, err
		}
		savpos = sp
		if mypos == 0 {
			return savpos, nil
		}
		if err := c.SetSize(handle, uint32(savpos+mypos)); err != nil {
			return 0, err
		}
		mypos = 0
	}

	realpos, err := c.seekRaw(handle, mypos, uint32(mode))
	if err != nil {
		return 0, err
	}

	var calcpos int32
	switch mode {
	case SeekSet:
		calcpos = mypos
	case SeekCur:
		calcpos = savpos + mypos
	case SeekEnd:
		return realpos, nil
	}
	if calcpos > realpos {
		if err := c.SetSize(handle, uint32(calcpos)); err != nil {
			return 0, err
		}
		realpos, err = c.seekRaw(handle, calcpos, SeekSet)
		if err != nil {
			return 0, err
		}
	}
	return realpos, nil
}

// Delete removes a file.
func (c *Client) Delete(name string) error {
	n := convertSlash(name)
	body := buffer.New()
	body.AddWord(uint16(len(n)))
	body.AddString(n)
	_, err := c.command(cmdDelete, body.Bytes())
	return err
}

// Rename renames or moves a file.
func (c *Client) Rename(oldName, newName string) error {
	on := convertSlash(oldName)
	nn := convertSlash(newName)
	body := buffer.New()
	body.AddWord(uint16(len(on)))
	body.AddString(on)
	body.AddWord(uint16(len(nn)))
	body.AddString(nn)
	_, err := c.command(cmdRename, body.Bytes())
	return err
}

// Mkdir creates a directory (and any missing parents, per MK_DIR_ALL).
func (c *Client) Mkdir(name string) error {
	n := ensureTrailingBackslash(convertSlash(name))
	body := buffer.New()
	body.AddWord(uint16(len(n)))
	body.AddString(n)
	_, err := c.command(cmdMkDirAll, body.Bytes())
	return err
}

// Rmdir removes an empty directory.
func (c *Client) Rmdir(name string) error {
	n := ensureTrailingBackslash(convertSlash(name))
	body := buffer.New()
	body.AddWord(uint16(len(n)))
	body.AddString(n)
	_, err := c.command(cmdRmDir, body.Bytes())
	return err
}

// SetVolumeName sets drive's volume label.
func (c *Client) SetVolumeName(drive byte, name string) error {
	body := buffer.New()
	body.AddDWord(uint32(drive - 'A'))
	body.AddWord(uint16(len(name)))
	body.AddStringT(name)
	_, err := c.command(cmdSetVolumeLabel, body.Bytes())
	return err
}

// Att returns a file's portable attribute word.
func (c *Client) Att(name string) (uint32, error) {
	n := convertSlash(name)
	body := buffer.New()
	body.AddWord(uint16(len(n)))
	body.AddString(n)
	resp, err := c.command(cmdAtt, body.Bytes())
	if err != nil {
		return 0, err
	}
	if resp.Len() < 4 {
		return 0, attr.NewErr(attr.KindCorrupt)
	}
	return attr.ToPortable(resp.GetDWord(0)), nil
}

// GetEAttr returns the combined stat record (attribute, size,
// modification time) for a single named entry without opening it.
func (c *Client) GetEAttr(name string) (portableAttr, size, mtimeLo, mtimeHi uint32, err error) {
	n := convertSlash(name)
	body := buffer.New()
	body.AddWord(uint16(len(n)))
	body.AddString(n)
	resp, cerr := c.command(cmdRemoteEntry, body.Bytes())
	if cerr != nil {
		return 0, 0, 0, 0, cerr
	}
	if resp.Len() < 20 {
		return 0, 0, 0, 0, attr.NewErr(attr.KindCorrupt)
	}
	return attr.ToPortable(resp.GetDWord(4)), resp.GetDWord(8), resp.GetDWord(12), resp.GetDWord(16), nil
}

// SetAtt sets and clears attribute bits (portable layout) on a file.
func (c *Client) SetAtt(name string, set, clear uint32) error {
	n := convertSlash(name)
	body := buffer.New()
	body.AddDWord(attr.ToDevice(set))
	body.AddDWord(attr.ToDevice(clear))
	body.AddWord(uint16(len(n)))
	body.AddString(n)
	_, err := c.command(cmdSetAtt, body.Bytes())
	return err
}

// Fgetmtime returns a file's modification time as a 64-bit device
// epoch value split into low/high device-format words.
func (c *Client) Fgetmtime(name string) (lo, hi uint32, err error) {
	n := convertSlash(name)
	body := buffer.New()
	body.AddWord(uint16(len(n)))
	body.AddString(n)
	resp, cerr := c.command(cmdModified, body.Bytes())
	if cerr != nil {
		return 0, 0, cerr
	}
	if resp.Len() < 8 {
		return 0, 0, attr.NewErr(attr.KindCorrupt)
	}
	return resp.GetDWord(0), resp.GetDWord(4), nil
}

// Fsetmtime sets a file's modification time from device-format
// low/high words.
func (c *Client) Fsetmtime(name string, lo, hi uint32) error {
	n := convertSlash(name)
	body := buffer.New()
	body.AddDWord(lo)
	body.AddDWord(hi)
	body.AddWord(uint16(len(n)))
	body.AddString(n)
	_, err := c.command(cmdSetModified, body.Bytes())
	return err
}

// Devlist returns a bitmask with bit N set if drive letter 'A'+N is
// present.
func (c *Client) Devlist() (uint32, error) {
	resp, err := c.command(cmdGetDriveList, nil)
	if err != nil {
		return 0, err
	}
	if resp.Len() != 26 {
		return 0, attr.NewErr(attr.KindCorrupt)
	}
	var bits uint32
	for i := 25; i >= 0; i-- {
		bits <<= 1
		if resp.GetByte(i) != 0 {
			bits |= 1
		}
	}
	return bits, nil
}

// DriveInfo is the decoded DRIVE_INFO response.
type DriveInfo struct {
	Attr     uint32
	UniqueID uint32
	Total    uint32
	Free     uint32
	Name     string
}

// Devinfo returns volume information for the drive at index drive
// ('A' + drive).
func (c *Client) Devinfo(drive int) (DriveInfo, error) {
	body := buffer.New()
	body.AddDWord(uint32(drive))
	resp, err := c.command(cmdDriveInfo, body.Bytes())
	if err != nil {
		return DriveInfo{}, err
	}
	if resp.Len() < 40 {
		return DriveInfo{}, attr.NewErr(attr.KindCorrupt)
	}
	return DriveInfo{
		Attr:     resp.GetDWord(0),
		UniqueID: resp.GetDWord(16),
		Total:    resp.GetDWord(20),
		Free:     resp.GetDWord(28),
		Name:     resp.GetString(40),
	}, nil
}
