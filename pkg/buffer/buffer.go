// Package buffer implements the little-endian byte buffer used to build
// and parse PSION link protocol wire payloads.
package buffer

import "encoding/binary"

// Buffer is an ordered, appendable sequence of bytes with positional
// reads. All multi-byte integers are little-endian on the wire.
//
// A Buffer is not safe for concurrent use; callers build one per
// request/response the way the protocol's envelopes are scoped to a
// single call.
type Buffer struct {
	data []byte
}

// New returns an empty Buffer.
func New() *Buffer {
	return &Buffer{}
}

// FromBytes wraps existing bytes for positional reads without copying.
func FromBytes(b []byte) *Buffer {
	return &Buffer{data: b}
}

// Init empties the buffer, discarding all content.
func (b *Buffer) Init() {
	b.data = b.data[:0]
}

// Len returns the number of bytes currently in the buffer.
func (b *Buffer) Len() int {
	return len(b.data)
}

// Bytes returns a defensive copy of the buffer's content.
func (b *Buffer) Bytes() []byte {
	out := make([]byte, len(b.data))
	copy(out, b.data)
	return out
}

func (b *Buffer) String() string {
	return string(b.data)
}

// --- append ---

// AddByte appends a single byte.
func (b *Buffer) AddByte(v byte) {
	b.data = append(b.data, v)
}

// AddWord appends a 16-bit little-endian word.
func (b *Buffer) AddWord(v uint16) {
	var tmp [2]byte
	binary.LittleEndian.PutUint16(tmp[:], v)
	b.data = append(b.data, tmp[:]...)
}

// AddDWord appends a 32-bit little-endian double word.
func (b *Buffer) AddDWord(v uint32) {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	b.data = append(b.data, tmp[:]...)
}

// AddBytes appends raw bytes verbatim.
func (b *Buffer) AddBytes(v []byte) {
	b.data = append(b.data, v...)
}

// AddString appends the bytes of s with no length prefix and no
// terminator; the caller emits the length word separately.
func (b *Buffer) AddString(s string) {
	b.data = append(b.data, s...)
}

// AddStringT appends s followed by a NUL terminator.
func (b *Buffer) AddStringT(s string) {
	b.data = append(b.data, s...)
	b.data = append(b.data, 0)
}

// AddBuffer appends the content of other verbatim.
func (b *Buffer) AddBuffer(other *Buffer) {
	b.data = append(b.data, other.data...)
}

// --- positional read ---

// GetByte returns the byte at offset.
func (b *Buffer) GetByte(offset int) byte {
	return b.data[offset]
}

// GetWord returns the 16-bit little-endian word starting at offset.
func (b *Buffer) GetWord(offset int) uint16 {
	return binary.LittleEndian.Uint16(b.data[offset : offset+2])
}

// GetDWord returns the 32-bit little-endian double word starting at offset.
func (b *Buffer) GetDWord(offset int) uint32 {
	return binary.LittleEndian.Uint32(b.data[offset : offset+4])
}

// GetBytes returns a copy of the n bytes starting at offset.
func (b *Buffer) GetBytes(offset, n int) []byte {
	out := make([]byte, n)
	copy(out, b.data[offset:offset+n])
	return out
}

// GetString returns the NUL-terminated string starting at offset, not
// including the terminator. If no NUL is found the rest of the buffer
// is returned.
func (b *Buffer) GetString(offset int) string {
	end := offset
	for end < len(b.data) && b.data[end] != 0 {
		end++
	}
	return string(b.data[offset:end])
}

// DiscardFirstBytes shifts the logical origin of the buffer forward by n
// bytes, dropping them.
func (b *Buffer) DiscardFirstBytes(n int) {
	if n >= len(b.data) {
		b.data = b.data[:0]
		return
	}
	b.data = append(b.data[:0], b.data[n:]...)
}
