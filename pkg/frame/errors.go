package frame

import "errors"

var (
	// ErrLinkDown reports that the underlying serial endpoint failed a
	// read, a write, or the modem-control line check.
	ErrLinkDown = errors.New("frame: link down")

	// ErrOverflow reports that the receive buffer would exceed its
	// static limit before a complete frame was found; the link is reset.
	ErrOverflow = errors.New("frame: receive buffer overflow")

	// errBadCRC is internal: Get() reports it as a plain false return,
	// never to the caller — a CRC failure just drops the frame.
	errBadCRC = errors.New("frame: crc mismatch")
)
