package scheduler

import (
	"context"
	"sync"

	"github.com/gammadia/cumulus/registry"
)

type NodeStatus string

const (
	NodeStatusProvisioning NodeStatus = "provisioning"
	NodeStatusOnline       NodeStatus = "online"
	NodeStatusFailed       NodeStatus = "failed"
)

// PlannedNode is the handle of an asynchronous provisioning task.
type PlannedNode struct {
	Account   string
	Class     string
	Executors int

	done chan struct{}
	once sync.Once
	node *registry.Node
	err  error
}

func newPlannedNode(account, class string, executors int) *PlannedNode {
	return &PlannedNode{
		Account:   account,
		Class:     class,
		Executors: executors,
		done:      make(chan struct{}),
	}
}

func (p *PlannedNode) resolve(node *registry.Node, err error) {
	p.once.Do(func() {
		p.node, p.err = node, err
		close(p.done)
	})
}

// Done is closed once the provisioning task has finished.
func (p *PlannedNode) Done() <-chan struct{} {
	return p.done
}

func (p *PlannedNode) Status() NodeStatus {
	select {
	case <-p.done:
		if p.err != nil {
			return NodeStatusFailed
		}
		return NodeStatusOnline
	default:
		return NodeStatusProvisioning
	}
}

// Wait blocks until the node is online, provisioning failed or ctx is done.
func (p *PlannedNode) Wait(ctx context.Context) (*registry.Node, error) {
	select {
	case <-p.done:
		return p.node, p.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
