package tracker

import "github.com/agentrt/kernel/internal/kernel/graph"

// nodeMetrics is the tracker's step-6 "isolated metrics view": writes
// compute a delta against the key's previous value seen through this
// proxy and add that delta to the backing node, so a handler's repeated
// Set("tokens", n) calls accumulate correctly rather than overwriting;
// reads return the node's live cumulative value.
type nodeMetrics struct {
	graph    *graph.Graph
	pid      string
	previous map[string]float64
}

func (m *nodeMetrics) Set(key string, value float64) {
	delta := value - m.previous[key]
	m.previous[key] = value
	m.graph.AddMetric(m.pid, key, delta)
}

func (m *nodeMetrics) Get(key string) float64 {
	return m.graph.Metric(m.pid, key)
}
