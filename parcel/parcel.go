package parcel

import (
	"github.com/loci-run/loci/locality"
)

// Kind tells the receiving locality how to interpret the parcel payload.
type Kind uint8

const (
	// KindRegister carries a Registration from a joining locality to the root.
	KindRegister Kind = iota + 1

	// KindAck carries the root's Ack back to a registered joiner.
	KindAck

	// KindUser carries an opaque unit of work defined by the runtime layers
	// above the bootstrap core.
	KindUser
)

// String returns the string representation of the kind.
func (k Kind) String() string {
	switch k {
	case KindRegister:
		return "register"
	case KindAck:
		return "ack"
	case KindUser:
		return "user"
	default:
		return ""
	}
}

// Parcel is a unit of work or message exchanged between localities. The
// payload is opaque to the transport; its structure is determined by the kind.
type Parcel struct {
	Kind      Kind
	Source    locality.Address
	Dest      locality.Address
	SeqNumber uint64
	Payload   []byte
}

// Registration is the payload of a KindRegister parcel. It carries everything
// the root needs to know about a joining locality.
type Registration struct {
	Address      locality.Address
	Capabilities uint32
}

// Ack is the payload of a KindAck parcel, sent by the root to confirm that a
// joiner is part of the address space. The boot epoch identifies the bootstrap
// episode, so an ack from a stale incarnation of the root can be told apart.
type Ack struct {
	Address   locality.Address
	BootEpoch string
}
