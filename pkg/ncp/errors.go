package ncp

import "errors"

var (
	// ErrDisconnected reports that the link is down: either a transport
	// failure was observed, or the framer could not be reached.
	ErrDisconnected = errors.New("ncp: link disconnected")

	// ErrBusy reports that a control request is already outstanding.
	// The multiplexer allows only one in-flight control round trip.
	ErrBusy = errors.New("ncp: control channel busy")

	// ErrTimeout reports that a control request's peer never replied.
	ErrTimeout = errors.New("ncp: control request timed out")
)
