// Package attr translates between the device's (EPOC) file-attribute
// bit layout and a portable one, and maps the device's signed status
// codes onto a stable set of error kinds.
package attr

import "errors"

// Kind is a stable, source-independent classification of a remote
// operation's outcome. Device status codes are translated into a Kind
// by StatusToKind; nothing outside this package should branch on the
// raw device integer.
type Kind int

const (
	KindNone Kind = iota
	KindLinkDisconnected
	KindCancelled
	KindInvalidArg
	KindNotSupported
	KindNoMemory
	KindBadHandle
	KindNotFound
	KindExists
	KindIsDirectory
	KindEOF
	KindAccessDenied
	KindReadOnly
	KindLocked
	KindWriteError
	KindCorrupt
	KindUnknown
	KindNotReady
	KindCompletion
	KindBusy
	KindTerminated
	KindInUse
	KindDied
	KindRange
	KindNoDevice
	KindFull
	KindDirFull
	KindOver
	KindUnder
	KindPower
	KindDivide
	KindTooBig
	KindAbort
	KindName
	KindDriver
	KindLine
	KindFrame
	KindOverrun
	KindParity
	KindRetransmit
	KindConnect
	KindDiscGeneric
	KindDescr
	KindLib
	KindFsys
	KindInternalFatal
)

var kindNames = map[Kind]string{
	KindNone:             "none",
	KindLinkDisconnected: "link disconnected",
	KindCancelled:        "cancelled",
	KindInvalidArg:       "invalid argument",
	KindNotSupported:     "not supported",
	KindNoMemory:         "out of memory",
	KindBadHandle:        "bad handle",
	KindNotFound:         "not found",
	KindExists:           "already exists",
	KindIsDirectory:      "is a directory",
	KindEOF:              "end of file",
	KindAccessDenied:     "access denied",
	KindReadOnly:         "read only",
	KindLocked:           "locked",
	KindWriteError:       "write error",
	KindCorrupt:          "corrupt",
	KindUnknown:          "unknown",
	KindNotReady:         "not ready",
	KindCompletion:       "completion pending",
	KindBusy:             "busy",
	KindTerminated:       "terminated",
	KindInUse:            "in use",
	KindDied:             "died",
	KindRange:            "out of range",
	KindNoDevice:         "no such device",
	KindFull:             "disk full",
	KindDirFull:          "directory full",
	KindOver:             "overflow",
	KindUnder:            "underflow",
	KindPower:            "power failure",
	KindDivide:           "divide by zero",
	KindTooBig:           "too big",
	KindAbort:            "aborted",
	KindName:             "bad name",
	KindDriver:           "driver error",
	KindLine:             "line error",
	KindFrame:            "frame error",
	KindOverrun:          "overrun",
	KindParity:           "parity error",
	KindRetransmit:       "retransmit failed",
	KindConnect:          "connect failed",
	KindDiscGeneric:      "disconnected",
	KindDescr:            "descriptor error",
	KindLib:              "library error",
	KindFsys:             "filesystem error",
	KindInternalFatal:    "internal error",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unrecognised error kind"
}

// Err wraps a Kind as an error; KindOf (or errors.As) recovers the
// Kind from it.
type Err struct {
	Kind Kind
}

func (e *Err) Error() string { return "psionlink: " + e.Kind.String() }

// NewErr wraps k as an error unless it is KindNone, in which case nil
// is returned — the conventional "no error" Kind maps to no error.
func NewErr(k Kind) error {
	if k == KindNone {
		return nil
	}
	return &Err{Kind: k}
}

// KindOf extracts the Kind from an error produced by NewErr. A nil
// error is KindNone; any other error (one this package did not
// produce) is KindUnknown.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	var e *Err
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}
