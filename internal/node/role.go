package node

// ComponentType represents the role of a node in the overlay.
type ComponentType int

const (
	RoleNone      ComponentType = iota
	RoleLeaf                    // Edge node holding files
	RoleSuperPeer               // Backbone node indexing its leaves
)

func (c ComponentType) String() string {
	switch c {
	case RoleLeaf:
		return "leaf"
	case RoleSuperPeer:
		return "super-peer"
	default:
		return "none"
	}
}
