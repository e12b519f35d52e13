package scheduler

type Event interface{}

// Planning

type EventNodePlanned struct {
	Account string
	Class   string
	Label   string
}

type EventCapReached struct {
	Account string
	Label   string
}

// Nodes

type EventNodeProvisioned struct {
	Account string
	Class   string
	Node    string
}

type EventProvisioningFailed struct {
	Account string
	Class   string
	Error   string
}
