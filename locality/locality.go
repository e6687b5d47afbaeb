package locality

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/twmb/murmur3"
)

// ID is a unique 32-bit locality identifier.
type ID uint32

// HashID derives a locality ID from a transport endpoint. It is used when no
// explicit ID is configured, and for referring to localities (such as the
// bootstrap locality) that are known only by their endpoint.
func HashID(endpoint string) ID {
	return ID(murmur3.Sum32([]byte(endpoint)))
}

// Address identifies a locality reachable over the transport. It is created
// once at process startup and never modified afterwards.
type Address struct {
	ID         ID
	Endpoint   string
	Generation int32
	RunID      string
}

// NewAddress creates an address for the local process. The run ID is assigned
// randomly, so two incarnations of the same locality are distinguishable.
func NewAddress(endpoint string, generation int32) Address {
	return Address{
		ID:         HashID(endpoint),
		Endpoint:   endpoint,
		Generation: generation,
		RunID:      uuid.NewString(),
	}
}

// BootstrapAddress creates an address referring to a remote locality known
// only by its pre-configured endpoint. The ID is derived from the endpoint,
// which keeps the result consistent across all localities.
func BootstrapAddress(endpoint string) Address {
	return Address{
		ID:       HashID(endpoint),
		Endpoint: endpoint,
	}
}

// Equal returns true if both addresses refer to the same locality.
func (a Address) Equal(other Address) bool {
	return a.ID == other.ID && a.Endpoint == other.Endpoint
}

// IsZero returns true for an unpopulated address.
func (a Address) IsZero() bool {
	return a.ID == 0 && a.Endpoint == ""
}

// Validate checks that the address carries enough information to be used as a
// parcel destination.
func (a Address) Validate() error {
	if a.Endpoint == "" {
		return errors.New("empty endpoint")
	}

	if a.ID == 0 {
		return errors.New("zero locality id")
	}

	return nil
}

func (a Address) String() string {
	return fmt.Sprintf("locality(%d)@%s", a.ID, a.Endpoint)
}
