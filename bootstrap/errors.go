package bootstrap

import "errors"

var (
	// ErrUnreachable means a send failed at the transport layer. The failure
	// is surfaced for the specific parcel and never retried by the barrier.
	ErrUnreachable = errors.New("destination unreachable")

	// ErrBootstrapTimeout means the external deadline on Wait expired before
	// the barrier opened. Fatal to runtime startup.
	ErrBootstrapTimeout = errors.New("bootstrap timeout")

	// ErrProtocolViolation means a registration or acknowledgment arrived
	// with malformed or inconsistent address metadata. Such parcels are
	// rejected and do not advance the registration count.
	ErrProtocolViolation = errors.New("protocol violation")
)
