package define

// Ownership records whether this process created a shared resource or
// borrowed it from its peer.
type Ownership int

const (
	// Owned resources were created by this process, which is responsible
	// for destroying them.
	Owned Ownership = iota
	// Imported resources were created by the peer. They may be used and
	// released, but never destroyed, from this process.
	Imported
)

// String returns a human-readable form of the ownership.
func (o Ownership) String() string {
	switch o {
	case Owned:
		return "owned"
	case Imported:
		return "imported"
	default:
		return "invalid"
	}
}

// Role is the part a process plays in the shared protection-domain
// rendezvous.
type Role int

const (
	// ServerRole creates and publishes the shared resources.
	ServerRole Role = iota
	// ClientRole waits for and imports the published resources.
	ClientRole
)

func (r Role) String() string {
	if r == ServerRole {
		return "server"
	}
	return "client"
}

// Ownership returns the ownership a process in role r holds over the
// shared resources.
func (r Role) Ownership() Ownership {
	if r == ServerRole {
		return Owned
	}
	return Imported
}
