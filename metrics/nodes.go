package metrics

import (
	"github.com/gammadia/cumulus/registry"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	stateIdle          = "idle"
	stateBusy          = "busy"
	stateConnecting    = "connecting"
	stateOffline       = "offline"
	statePendingDelete = "pending-delete"
)

var nodesDesc = prometheus.NewDesc(
	prometheus.BuildFQName(namespace, "", "nodes"),
	"Registered nodes by state.",
	[]string{"account", "class", "state"},
	nil,
)

type nodeKey struct {
	account string
	class   string
	state   string
}

// nodeCollector reads the registry on every scrape.
type nodeCollector struct {
	registry *registry.Registry
}

// nodeCollector implements prometheus.Collector
var _ prometheus.Collector = (*nodeCollector)(nil)

func (c *nodeCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- nodesDesc
}

func (c *nodeCollector) Collect(ch chan<- prometheus.Metric) {
	counts := map[nodeKey]int{}
	for _, node := range c.registry.List() {
		counts[nodeKey{account: node.Account(), class: node.Class(), state: nodeState(node)}]++
	}
	for key, count := range counts {
		ch <- prometheus.MustNewConstMetric(nodesDesc, prometheus.GaugeValue, float64(count), key.account, key.class, key.state)
	}
}

func nodeState(node *registry.Node) string {
	switch {
	case node.IsPendingDelete():
		return statePendingDelete
	case node.IsOffline():
		return stateOffline
	case node.IsConnecting():
		return stateConnecting
	case node.IsBusy():
		return stateBusy
	default:
		return stateIdle
	}
}
