package metrics

import (
	"time"

	"github.com/cuemby/microvmd/pkg/types"
)

// Source is the slice of the control-plane manager the collector reads.
// Declared here so the collector does not depend on pkg/manager (which
// itself records metrics).
type Source interface {
	ListNodes() ([]*types.Node, error)
	ListContainers() ([]*types.Container, error)
}

// Collector periodically refreshes the fleet gauges from the manager
type Collector struct {
	source Source
	stopCh chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(src Source) *Collector {
	return &Collector{
		source: src,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		// Collect immediately on start
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectNodeMetrics()
	c.collectContainerMetrics()
}

func (c *Collector) collectNodeMetrics() {
	nodes, err := c.source.ListNodes()
	if err != nil {
		return
	}

	counts := map[string]int{"true": 0, "false": 0}
	for _, node := range nodes {
		if node.Healthy {
			counts["true"]++
		} else {
			counts["false"]++
		}
	}

	for healthy, count := range counts {
		NodesTotal.WithLabelValues(healthy).Set(float64(count))
	}
}

func (c *Collector) collectContainerMetrics() {
	containers, err := c.source.ListContainers()
	if err != nil {
		return
	}

	counts := make(map[types.ContainerState]int)
	for _, container := range containers {
		counts[container.Status]++
	}

	// Zero out the known states so a state with no containers reads 0
	for _, state := range []types.ContainerState{
		types.ContainerStateCreating,
		types.ContainerStateProvisioning,
		types.ContainerStateRunning,
		types.ContainerStateStopped,
		types.ContainerStateError,
	} {
		ContainersTotal.WithLabelValues(string(state)).Set(float64(counts[state]))
	}
}
