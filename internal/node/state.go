package node

// State is the lifecycle state of a Controller.
type State int32

const (
	// StateCreated means the nodes are built but nothing is listening yet.
	StateCreated State = iota
	// StateRunning means every node is listening and the leaves registered.
	StateRunning
	// StateStopped is final; a stopped controller cannot be restarted.
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}
