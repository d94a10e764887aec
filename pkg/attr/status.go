package attr

import "log"

// Device status codes run from statusMin to statusMax (inclusive);
// e2psi is indexed by status-statusMin. Anything outside that range
// is a protocol error, not a recognised device outcome.
const (
	statusMin = -43
	statusMax = 0
)

// e2psi is the device-status-to-Kind table, indexed by status-statusMin
// (index 0 == status -43). The row order is part of the wire contract.
var e2psi = [...]Kind{
	KindDirFull,          // -43
	KindPower,            // -42
	KindDivide,           // -41
	KindTooBig,           // -40
	KindAbort,            // -39
	KindDescr,            // -38
	KindLib,              // -37
	KindNoDevice,         // -36
	KindLinkDisconnected, // -35
	KindConnect,          // -34
	KindRetransmit,       // -33
	KindParity,           // -32
	KindOverrun,          // -31
	KindFrame,            // -30
	KindLine,             // -29
	KindName,             // -28
	KindDriver,           // -27
	KindFull,             // -26
	KindEOF,              // -25
	KindFsys,             // -24
	KindWriteError,       // -23
	KindLocked,           // -22
	KindAccessDenied,     // -21
	KindCorrupt,          // -20
	KindUnknown,          // -19
	KindNotReady,         // -18
	KindCompletion,       // -17
	KindBusy,             // -16
	KindTerminated,       // -15
	KindInUse,            // -14
	KindDied,             // -13
	KindIsDirectory,      // -12
	KindExists,           // -11
	KindUnder,            // -10
	KindOver,             // -9
	KindBadHandle,        // -8
	KindRange,            // -7
	KindInvalidArg,       // -6
	KindNotSupported,     // -5
	KindNoMemory,         // -4
	KindCancelled,        // -3
	KindUnknown,          // -2  (generic failure, same bucket as -19)
	KindNotFound,         // -1
	KindNone,             // 0
}

// StatusToKind maps a device status word to a Kind. Status values
// outside [-43, 0] never occur on a healthy link; they are logged and
// reported as KindInternalFatal rather than guessed at.
func StatusToKind(status int32, logger *log.Logger) Kind {
	if status < statusMin || status > statusMax {
		if logger != nil {
			logger.Printf("psionlink: invalid device status %d", status)
		}
		return KindInternalFatal
	}
	return e2psi[status-statusMin]
}
