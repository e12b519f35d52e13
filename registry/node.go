package registry

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gammadia/cumulus/options"
)

type OfflineCause string

const (
	CauseNone              OfflineCause = ""
	CauseUser              OfflineCause = "user"
	CauseChannelTerminated OfflineCause = "channel-terminated"
	CauseDiskSpace         OfflineCause = "disk-space"
)

// Fatal reports whether a node offline for this cause cannot recover and should be discarded.
func (c OfflineCause) Fatal() bool {
	return c == CauseChannelTerminated || c == CauseDiskSpace
}

var ErrNotAccepting = errors.New("node does not accept tasks")

// ErrNoRunningTask is returned when a task completes on a node where none was started.
var ErrNoRunningTask = errors.New("no running task")

// Node is a registered execution agent backed by one remote server.
// Identity fields are immutable; mutable state is guarded by the node mutex.
type Node struct {
	name        string
	class       string
	account     string
	fingerprint string
	serverID    string
	address     string
	options     options.Options
	created     time.Time

	mu             sync.Mutex
	idleSince      time.Time
	connecting     bool
	busy           int
	tasksExecuted  int
	pendingDelete  bool
	offline        OfflineCause
	offlineMessage string
	interrupted    string

	retention sync.Mutex
	removed   chan struct{}
	onChange  func(*Node)
	now       func() time.Time
}

type NodeConfig struct {
	Name        string
	Class       string
	Account     string
	Fingerprint string
	ServerID    string
	Address     string
	Options     options.Options
	Created     time.Time
	Clock       func() time.Time
}

func NewNode(config NodeConfig) *Node {
	now := config.Clock
	if now == nil {
		now = time.Now
	}
	return &Node{
		name:        config.Name,
		class:       config.Class,
		account:     config.Account,
		fingerprint: config.Fingerprint,
		serverID:    config.ServerID,
		address:     config.Address,
		options:     config.Options,
		created:     config.Created,
		idleSince:   config.Created,
		removed:     make(chan struct{}),
		now:         now,
	}
}

func (n *Node) Name() string             { return n.name }
func (n *Node) Class() string            { return n.class }
func (n *Node) Account() string          { return n.account }
func (n *Node) Fingerprint() string      { return n.fingerprint }
func (n *Node) ServerID() string         { return n.serverID }
func (n *Node) Address() string          { return n.address }
func (n *Node) Options() options.Options { return n.options }
func (n *Node) Created() time.Time       { return n.created }

// Removed is closed once the node has been removed from the registry.
func (n *Node) Removed() <-chan struct{} {
	return n.removed
}

func (n *Node) SetConnecting(connecting bool) {
	n.update(func() {
		n.connecting = connecting
		if !connecting {
			n.idleSince = n.now()
		}
	})
}

func (n *Node) IsConnecting() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.connecting
}

// IsIdle reports whether no executor of the node is busy.
func (n *Node) IsIdle() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.busy == 0 && !n.connecting
}

func (n *Node) IsBusy() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.busy > 0
}

func (n *Node) IdleSince() time.Time {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.idleSince
}

func (n *Node) TasksExecuted() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.tasksExecuted
}

// TaskStarted books an executor. Nodes pending deletion or offline refuse new tasks.
func (n *Node) TaskStarted() (err error) {
	n.update(func() {
		switch {
		case n.pendingDelete || n.offline != CauseNone:
			err = fmt.Errorf("%w: node '%s' is going away", ErrNotAccepting, n.name)
		case n.connecting:
			err = fmt.Errorf("%w: node '%s' is still connecting", ErrNotAccepting, n.name)
		case n.busy >= n.options.GetNumExecutors():
			err = fmt.Errorf("%w: all %d executors of node '%s' are busy", ErrNotAccepting, n.busy, n.name)
		default:
			n.busy++
		}
	})
	return err
}

// TaskCompleted releases an executor. Single-use nodes become pending deletion once idle,
// unless an operator took them offline. Completions without a started task are ignored.
func (n *Node) TaskCompleted() (err error) {
	n.update(func() {
		if n.busy == 0 {
			err = fmt.Errorf("%w on node '%s'", ErrNoRunningTask, n.name)
			return
		}
		n.busy--
		n.tasksExecuted++
		if n.busy == 0 {
			n.idleSince = n.now()
			if n.options.IsSingleUse() && n.offline != CauseUser {
				n.pendingDelete = true
			}
		}
	})
	return err
}

func (n *Node) SetPendingDelete(pending bool) {
	n.update(func() { n.pendingDelete = pending })
}

func (n *Node) IsPendingDelete() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.pendingDelete
}

// SetOffline records why the node cannot take tasks. CauseNone brings it back online.
func (n *Node) SetOffline(cause OfflineCause, message string) {
	n.update(func() {
		n.offline = cause
		n.offlineMessage = message
	})
}

func (n *Node) OfflineCause() (OfflineCause, string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.offline, n.offlineMessage
}

func (n *Node) IsUserOffline() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.offline == CauseUser
}

func (n *Node) IsOffline() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.offline != CauseNone
}

func (n *Node) markInterrupted(cause string) {
	n.update(func() { n.interrupted = cause })
}

// TryLockRetention guards retention decisions so that two checks never overlap on one node.
func (n *Node) TryLockRetention() bool {
	return n.retention.TryLock()
}

func (n *Node) UnlockRetention() {
	n.retention.Unlock()
}

// State is a point-in-time copy of the node, used for persistence and the API.
type State struct {
	Name           string          `json:"name"`
	Class          string          `json:"class"`
	Account        string          `json:"account"`
	Fingerprint    string          `json:"fingerprint"`
	ServerID       string          `json:"server-id"`
	Address        string          `json:"address"`
	Options        options.Options `json:"options"`
	Created        time.Time       `json:"created"`
	IdleSince      time.Time       `json:"idle-since"`
	Connecting     bool            `json:"connecting"`
	Busy           int             `json:"busy"`
	TasksExecuted  int             `json:"tasks-executed"`
	PendingDelete  bool            `json:"pending-delete"`
	Offline        OfflineCause    `json:"offline,omitempty"`
	OfflineMessage string          `json:"offline-message,omitempty"`
	Interrupted    string          `json:"interrupted,omitempty"`
}

func (n *Node) State() State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state()
}

func (n *Node) state() State {
	return State{
		Name:           n.name,
		Class:          n.class,
		Account:        n.account,
		Fingerprint:    n.fingerprint,
		ServerID:       n.serverID,
		Address:        n.address,
		Options:        n.options,
		Created:        n.created,
		IdleSince:      n.idleSince,
		Connecting:     n.connecting,
		Busy:           n.busy,
		TasksExecuted:  n.tasksExecuted,
		PendingDelete:  n.pendingDelete,
		Offline:        n.offline,
		OfflineMessage: n.offlineMessage,
		Interrupted:    n.interrupted,
	}
}

func nodeFromState(s State) *Node {
	n := NewNode(NodeConfig{
		Name:        s.Name,
		Class:       s.Class,
		Account:     s.Account,
		Fingerprint: s.Fingerprint,
		ServerID:    s.ServerID,
		Address:     s.Address,
		Options:     s.Options,
		Created:     s.Created,
	})
	n.idleSince = s.IdleSince
	n.tasksExecuted = s.TasksExecuted
	n.pendingDelete = s.PendingDelete
	n.offline = s.Offline
	n.offlineMessage = s.OfflineMessage
	// Running tasks and transports do not survive a controller restart
	if s.Busy > 0 {
		n.idleSince = time.Now()
	}
	n.connecting = true
	return n
}

func (n *Node) update(f func()) {
	n.mu.Lock()
	f()
	onChange := n.onChange
	n.mu.Unlock()

	if onChange != nil {
		onChange(n)
	}
}
