package locality

type roleKind uint8

const (
	roleRoot roleKind = iota + 1
	roleJoining
)

// Role determines which side of the bootstrap protocol a locality plays. It is
// selected once at construction: either the designated root that accumulates
// registrations, or a joining locality that registers with the root.
type Role struct {
	kind      roleKind
	quorum    int
	bootstrap Address
}

// Root creates the role of the designated root locality. The quorum is the
// number of peer registrations required before the root opens its barrier.
// A quorum of zero means the root opens for itself alone.
func Root(quorum int) Role {
	return Role{
		kind:   roleRoot,
		quorum: quorum,
	}
}

// Joining creates the role of a locality that registers with the root at the
// given pre-configured bootstrap address.
func Joining(bootstrap Address) Role {
	return Role{
		kind:      roleJoining,
		bootstrap: bootstrap,
	}
}

// IsRoot returns true for the root role.
func (r Role) IsRoot() bool {
	return r.kind == roleRoot
}

// Quorum returns the number of registrations the root waits for.
// It is only meaningful for the root role.
func (r Role) Quorum() int {
	return r.quorum
}

// Bootstrap returns the address of the root locality.
// It is only meaningful for the joining role.
func (r Role) Bootstrap() Address {
	return r.bootstrap
}

func (r Role) String() string {
	switch r.kind {
	case roleRoot:
		return "root"
	case roleJoining:
		return "joining"
	default:
		return ""
	}
}
